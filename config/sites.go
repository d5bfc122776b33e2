package config

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"pricewatch/models"
)

//go:embed sites.yaml
var defaultSites []byte

var defaultPriceRange = models.PriceRange{Min: 10000, Max: 100000}

// LoadSites reads the site catalog from path, or the embedded default
// catalog when path is empty.
func LoadSites(path string) ([]models.Site, error) {
	data := defaultSites
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read site catalog: %w", err)
		}
		data = b
	}
	return ParseSites(data)
}

// ParseSites decodes and validates a YAML site catalog
func ParseSites(data []byte) ([]models.Site, error) {
	var sites []models.Site
	if err := yaml.Unmarshal(data, &sites); err != nil {
		return nil, fmt.Errorf("failed to parse site catalog: %w", err)
	}
	if len(sites) == 0 {
		return nil, fmt.Errorf("site catalog is empty")
	}

	seen := make(map[string]bool, len(sites))
	for i := range sites {
		s := &sites[i]
		if s.ID == "" {
			return nil, fmt.Errorf("site %d has no id", i)
		}
		if seen[s.ID] {
			return nil, fmt.Errorf("duplicate site id %q", s.ID)
		}
		seen[s.ID] = true

		if len(s.Sources) == 0 {
			return nil, fmt.Errorf("site %q has no sources", s.ID)
		}
		if s.Defaults.Price == "" {
			return nil, fmt.Errorf("site %q has no default price", s.ID)
		}
		if s.Name == "" {
			s.Name = s.ID
		}
		s.Currency = strings.ToUpper(s.Currency)
		if s.Currency == "" {
			s.Currency = "INR"
		}
		if s.PriceRange.Max == 0 {
			s.PriceRange = defaultPriceRange
		}
		if s.Defaults.Rating < 0 || s.Defaults.Rating > 5 {
			return nil, fmt.Errorf("site %q default rating %.1f outside [0,5]", s.ID, s.Defaults.Rating)
		}
		s.NameKeyword = strings.ToLower(s.NameKeyword)
	}
	return sites, nil
}

// FilterSites returns the sites whose ids are listed, in catalog order. An
// empty id list returns all sites.
func FilterSites(sites []models.Site, ids []string) ([]models.Site, error) {
	if len(ids) == 0 {
		return sites, nil
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []models.Site
	for _, s := range sites {
		if want[s.ID] {
			out = append(out, s)
			delete(want, s.ID)
		}
	}
	for id := range want {
		return nil, fmt.Errorf("unknown site %q", id)
	}
	return out, nil
}
