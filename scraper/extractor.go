package scraper

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"pricewatch/models"
)

// Outcome is the tagged result of one resolution tier
type Outcome[T any] struct {
	Value   T
	Tier    models.Tier
	Matched bool
}

func matched[T any](v T, tier models.Tier) Outcome[T] {
	return Outcome[T]{Value: v, Tier: tier, Matched: true}
}

func unmatched[T any]() Outcome[T] {
	return Outcome[T]{}
}

type tier[T any] func(p *page) Outcome[T]

// resolve runs tiers top-down and falls back to def
func resolve[T any](p *page, def T, tiers ...tier[T]) Outcome[T] {
	for _, t := range tiers {
		if o := t(p); o.Matched {
			return o
		}
	}
	return Outcome[T]{Value: def, Tier: models.TierDefault}
}

// Price is an extracted price with its display text
type Price struct {
	Text   string
	Amount decimal.Decimal
}

// Extraction holds the per-field outcomes for one page
type Extraction struct {
	Name    Outcome[string]
	Price   Outcome[Price]
	Rating  Outcome[float64]
	Reviews Outcome[int]
}

// Resolved reports whether name and price both came from the page
func (e Extraction) Resolved() bool {
	return e.Name.Tier != models.TierDefault && e.Price.Tier != models.TierDefault
}

// Hints tell the extractor what page it is looking at
type Hints struct {
	Site *models.Site
	URL  string
}

// page is parsed content shared by all tiers
type page struct {
	doc   *goquery.Document
	text  string
	title string
	og    string
	hints Hints
}

// Extractor pulls product fields out of raw page content. It never fails:
// every field resolves to a value, falling back to the site's defaults.
type Extractor struct {
	logger  *zap.Logger
	mu      sync.Mutex
	prices  map[string]*PriceParser
	ratings []*regexp.Regexp
	reviews []*regexp.Regexp
	decimal *regexp.Regexp
	count   *regexp.Regexp
	word    *regexp.Regexp
	space   *regexp.Regexp
}

// NewExtractor creates an extractor
func NewExtractor(logger *zap.Logger) *Extractor {
	return &Extractor{
		logger: logger,
		prices: make(map[string]*PriceParser),
		ratings: []*regexp.Regexp{
			regexp.MustCompile(`(?i)(\d\.\d)\s*out of`),
			regexp.MustCompile(`(?i)rating[:\s]*(\d\.\d)`),
			regexp.MustCompile(`(\d\.\d)\s*★`),
			regexp.MustCompile(`(?i)(\d\.\d)\s*stars`),
			regexp.MustCompile(`(\d\.\d)/5`),
		},
		reviews: []*regexp.Regexp{
			regexp.MustCompile(`(?i)(\d+(?:,\d+)*)\s*ratings`),
			regexp.MustCompile(`(?i)(\d+(?:,\d+)*)\s*reviews`),
			regexp.MustCompile(`(?i)(\d+(?:,\d+)*)\s*customers`),
			regexp.MustCompile(`(?i)rated by\s*(\d+(?:,\d+)*)`),
		},
		decimal: regexp.MustCompile(`\d+(?:\.\d+)?`),
		count:   regexp.MustCompile(`\d+(?:,\d+)*`),
		word:    regexp.MustCompile(`\p{L}{2,}`),
		space:   regexp.MustCompile(`\s+`),
	}
}

// parserFor returns the cached price parser for a currency
func (e *Extractor) parserFor(currency string) *PriceParser {
	currency = strings.ToUpper(currency)
	e.mu.Lock()
	defer e.mu.Unlock()
	pp, ok := e.prices[currency]
	if !ok {
		pp = NewPriceParserFor(currency)
		e.prices[currency] = pp
	}
	return pp
}

// Extract resolves name, price, rating and review count from content
func (e *Extractor) Extract(content string, hints Hints) (out Extraction) {
	site := hints.Site
	if site == nil {
		site = &models.Site{}
		hints.Site = site
	}
	defaults := e.Defaults(site)

	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("Extractor panic, using defaults",
				zap.String("site", site.ID), zap.Any("panic", r))
			out = defaults
		}
	}()

	p := e.parse(content, hints)

	out = Extraction{
		Name: resolve(p, defaults.Name.Value,
			e.nameFromSelectors, e.nameFromTitle, e.nameFromURL),
		Price: resolve(p, defaults.Price.Value,
			e.priceFromSelectors, e.priceFromPatterns, e.priceFromScan),
		Rating: resolve(p, defaults.Rating.Value,
			e.ratingFromSelectors, e.ratingFromPatterns),
		Reviews: resolve(p, defaults.Reviews.Value,
			e.reviewsFromSelectors, e.reviewsFromPatterns),
	}
	out.Rating.Value = clampRating(out.Rating.Value)
	if out.Reviews.Value < 0 {
		out.Reviews.Value = 0
	}

	if out.Price.Tier == models.TierDefault || out.Name.Tier == models.TierDefault {
		e.logger.Debug("Extraction fell back to defaults",
			zap.String("site", site.ID),
			zap.String("url", hints.URL),
			zap.String("name_tier", string(out.Name.Tier)),
			zap.String("price_tier", string(out.Price.Tier)))
	}
	return out
}

// Defaults returns the fully-defaulted extraction for a site
func (e *Extractor) Defaults(site *models.Site) Extraction {
	name := site.Defaults.Name
	if name == "" {
		name = site.Name
	}
	amount, ok := e.parserFor(site.Currency).ParsePrice(site.Defaults.Price)
	if !ok {
		amount = decimal.Zero
	}
	reviews := site.Defaults.Reviews
	if reviews < 0 {
		reviews = 0
	}
	return Extraction{
		Name:    Outcome[string]{Value: truncate(name, models.ProductNameMaxLen), Tier: models.TierDefault},
		Price:   Outcome[Price]{Value: Price{Text: FormatPrice(amount, site.Currency), Amount: amount}, Tier: models.TierDefault},
		Rating:  Outcome[float64]{Value: clampRating(site.Defaults.Rating), Tier: models.TierDefault},
		Reviews: Outcome[int]{Value: reviews, Tier: models.TierDefault},
	}
}

// PageText returns the visible text and title of content
func (e *Extractor) PageText(content string) (text, title string) {
	p := e.parse(content, Hints{Site: &models.Site{}})
	return p.text, p.title
}

func (e *Extractor) parse(content string, hints Hints) *page {
	p := &page{hints: hints}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		p.text = e.clean(content)
		return p
	}
	p.doc = doc
	p.title = e.clean(doc.Find("title").First().Text())
	if og, ok := doc.Find(`meta[property="og:title"]`).First().Attr("content"); ok {
		p.og = e.clean(og)
	}

	body := doc.Find("body").Clone()
	body.Find("script, style, noscript").Remove()
	p.text = e.clean(body.Text())
	return p
}

// selectorTexts yields the cleaned text of every node matched by the
// selectors, in selector then document order.
func (e *Extractor) selectorTexts(p *page, selectors []string, fn func(text string) bool) {
	if p.doc == nil {
		return
	}
	for _, sel := range selectors {
		stop := false
		p.doc.Find(sel).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			text := e.clean(s.Text())
			if text == "" {
				return true
			}
			stop = fn(text)
			return !stop
		})
		if stop {
			return
		}
	}
}

func (e *Extractor) nameFromSelectors(p *page) Outcome[string] {
	out := unmatched[string]()
	e.selectorTexts(p, p.hints.Site.Selectors.Name, func(text string) bool {
		if e.acceptName(text, p.hints.Site.NameKeyword) {
			out = matched(truncate(text, models.ProductNameMaxLen), models.TierSelector)
			return true
		}
		return false
	})
	return out
}

func (e *Extractor) nameFromTitle(p *page) Outcome[string] {
	for _, t := range []string{p.og, p.title} {
		if e.acceptName(t, p.hints.Site.NameKeyword) {
			return matched(truncate(t, models.ProductNameMaxLen), models.TierPattern)
		}
	}
	return unmatched[string]()
}

// nameFromURL humanizes the product slug of the page URL
func (e *Extractor) nameFromURL(p *page) Outcome[string] {
	u, err := url.Parse(p.hints.URL)
	if err != nil {
		return unmatched[string]()
	}

	best := ""
	for _, seg := range strings.Split(u.Path, "/") {
		seg = strings.TrimSuffix(seg, ".html")
		if strings.Count(seg, "-")+strings.Count(seg, "_") < 2 {
			continue
		}
		if len(seg) > len(best) {
			best = seg
		}
	}
	if best == "" {
		return unmatched[string]()
	}

	words := strings.FieldsFunc(best, func(r rune) bool { return r == '-' || r == '_' })
	for i, w := range words {
		r, size := utf8.DecodeRuneInString(w)
		words[i] = string(unicode.ToUpper(r)) + w[size:]
	}
	name := strings.Join(words, " ")
	if !e.acceptName(name, p.hints.Site.NameKeyword) {
		return unmatched[string]()
	}
	return matched(truncate(name, models.ProductNameMaxLen), models.TierScan)
}

func (e *Extractor) acceptName(text, keyword string) bool {
	if !e.word.MatchString(text) {
		return false
	}
	return keyword == "" || strings.Contains(strings.ToLower(text), keyword)
}

func (e *Extractor) priceFromSelectors(p *page) Outcome[Price] {
	out := unmatched[Price]()
	e.selectorTexts(p, p.hints.Site.Selectors.Price, func(text string) bool {
		if !strings.ContainsFunc(text, unicode.IsDigit) {
			return false
		}
		if d, ok := e.parserFor(p.hints.Site.Currency).ParsePrice(text); ok {
			out = matched(e.price(d, p), models.TierSelector)
			return true
		}
		return false
	})
	return out
}

func (e *Extractor) priceFromPatterns(p *page) Outcome[Price] {
	if d, ok := e.parserFor(p.hints.Site.Currency).MatchPattern(p.text); ok {
		return matched(e.price(d, p), models.TierPattern)
	}
	return unmatched[Price]()
}

func (e *Extractor) priceFromScan(p *page) Outcome[Price] {
	r := p.hints.Site.PriceRange
	if r.Max == 0 {
		r = models.PriceRange{Min: 10000, Max: 100000}
	}
	if d, ok := e.parserFor(p.hints.Site.Currency).ScanRange(p.text, r); ok {
		return matched(e.price(d, p), models.TierScan)
	}
	return unmatched[Price]()
}

func (e *Extractor) price(d decimal.Decimal, p *page) Price {
	return Price{Text: FormatPrice(d, p.hints.Site.Currency), Amount: d}
}

func (e *Extractor) ratingFromSelectors(p *page) Outcome[float64] {
	out := unmatched[float64]()
	e.selectorTexts(p, p.hints.Site.Selectors.Rating, func(text string) bool {
		if v, ok := e.matchRating(text); ok {
			out = matched(v, models.TierSelector)
			return true
		}
		// bare value such as "4.5"
		if tok := e.decimal.FindString(text); tok != "" {
			if v, err := strconv.ParseFloat(tok, 64); err == nil && v >= 0 && v <= 5 {
				out = matched(v, models.TierSelector)
				return true
			}
		}
		return false
	})
	return out
}

func (e *Extractor) ratingFromPatterns(p *page) Outcome[float64] {
	if v, ok := e.matchRating(p.text); ok {
		return matched(v, models.TierPattern)
	}
	return unmatched[float64]()
}

func (e *Extractor) matchRating(text string) (float64, bool) {
	for _, re := range e.ratings {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil && v >= 0 && v <= 5 {
				return v, true
			}
		}
	}
	return 0, false
}

func (e *Extractor) reviewsFromSelectors(p *page) Outcome[int] {
	out := unmatched[int]()
	e.selectorTexts(p, p.hints.Site.Selectors.Reviews, func(text string) bool {
		if n, ok := e.matchReviews(text); ok {
			out = matched(n, models.TierSelector)
			return true
		}
		if n, ok := parseCount(e.count.FindString(text)); ok {
			out = matched(n, models.TierSelector)
			return true
		}
		return false
	})
	return out
}

func (e *Extractor) reviewsFromPatterns(p *page) Outcome[int] {
	if n, ok := e.matchReviews(p.text); ok {
		return matched(n, models.TierPattern)
	}
	return unmatched[int]()
}

func (e *Extractor) matchReviews(text string) (int, bool) {
	for _, re := range e.reviews {
		if m := re.FindStringSubmatch(text); m != nil {
			if n, ok := parseCount(m[1]); ok {
				return n, true
			}
		}
	}
	return 0, false
}

func (e *Extractor) clean(s string) string {
	return strings.TrimSpace(e.space.ReplaceAllString(s, " "))
}

func parseCount(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	n, err := strconv.Atoi(strings.ReplaceAll(s, ",", ""))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func clampRating(v float64) float64 {
	switch {
	case v != v: // NaN
		return 0
	case v < 0:
		return 0
	case v > 5:
		return 5
	}
	return v
}

// truncate cuts s to at most n runes
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:n]))
}
