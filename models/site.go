package models

import "time"

// Source is one candidate product page for a site, tried in order
type Source struct {
	URL    string `yaml:"url" json:"url"`
	Render bool   `yaml:"render" json:"render"` // page needs script execution
}

// Selectors lists structured queries per field, most specific first
type Selectors struct {
	Name    []string `yaml:"name" json:"name"`
	Price   []string `yaml:"price" json:"price"`
	Rating  []string `yaml:"rating" json:"rating"`
	Reviews []string `yaml:"reviews" json:"reviews"`
}

// PriceRange bounds the plausible product price used by the numeric scan
type PriceRange struct {
	Min int64 `yaml:"min" json:"min"`
	Max int64 `yaml:"max" json:"max"`
}

// Contains reports whether v lies inside the range (inclusive)
func (r PriceRange) Contains(v int64) bool {
	return v >= r.Min && v <= r.Max
}

// SiteDefaults are the documented values used when extraction fails
type SiteDefaults struct {
	Name    string  `yaml:"name" json:"name"`
	Price   string  `yaml:"price" json:"price"`
	Rating  float64 `yaml:"rating" json:"rating"`
	Reviews int     `yaml:"reviews" json:"reviews"`
}

// Site describes one retailer in the monitored category
type Site struct {
	ID          string        `yaml:"id" json:"id"`
	Name        string        `yaml:"name" json:"name"`
	Currency    string        `yaml:"currency" json:"currency"`
	Sources     []Source      `yaml:"sources" json:"sources"`
	Selectors   Selectors     `yaml:"selectors" json:"selectors"`
	NameKeyword string        `yaml:"name_keyword" json:"name_keyword"`
	PriceRange  PriceRange    `yaml:"price_range" json:"price_range"`
	Defaults    SiteDefaults  `yaml:"defaults" json:"defaults"`
	Settle      time.Duration `yaml:"settle" json:"settle"`
}

// DefaultURL is the source URL recorded on a fully-defaulted record
func (s *Site) DefaultURL() string {
	if len(s.Sources) == 0 {
		return ""
	}
	return s.Sources[0].URL
}
