package scraper

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"pricewatch/models"
)

// NumberLocale is the digit grouping convention of a currency
type NumberLocale int

const (
	// LocaleGrouped uses comma grouping and a dot decimal: 45,999.50, 1,23,456
	LocaleGrouped NumberLocale = iota
	// LocaleEuropean uses dot or space grouping and a comma decimal: 1.234,56, 1 234,56
	LocaleEuropean
)

const (
	// Western (45,999) and Indian (1,23,456) grouping with an optional fraction
	amountGrouped = `(\d+(?:,\d{2,3})*(?:\.\d{1,2})?)`
	// grouped form first so 1.234,56 is not cut at the separator
	amountEuropean = `(\d{1,3}(?:[. \x{00A0}\x{202F}]\d{3})+(?:,\d{1,2})?|\d+(?:,\d{1,2})?)`
)

type currencyTokens struct {
	symbol   string
	locale   NumberLocale
	prefixes []string
	suffix   string
}

var currencies = map[string]currencyTokens{
	"INR": {symbol: "₹", locale: LocaleGrouped, prefixes: []string{`₹`, `(?i)\bRs\.?`}, suffix: `(?:₹|\bRs\b|\bINR\b)`},
	"USD": {symbol: "$", locale: LocaleGrouped, prefixes: []string{`(?:US)?\$`, `(?i)\bUSD`}, suffix: `(?:\$|\bUSD\b)`},
	"GBP": {symbol: "£", locale: LocaleGrouped, prefixes: []string{`£`, `(?i)\bGBP`}, suffix: `(?:£|\bGBP\b)`},
	"EUR": {symbol: "€", locale: LocaleEuropean, prefixes: []string{`€`, `(?i)\bEUR`}, suffix: `(?:€|\bEUR\b)`},
}

// PriceParser turns currency text into normalized amounts
type PriceParser struct {
	locale NumberLocale
	// patterns are tried in priority order; group 1 is the amount
	patterns []*regexp.Regexp
	number   *regexp.Regexp
	scan     *regexp.Regexp
}

// NewPriceParser creates a parser for rupee-denominated prices
func NewPriceParser() *PriceParser {
	return NewPriceParserFor("INR")
}

// NewPriceParserFor creates a parser for prices in currency. An empty
// currency means INR.
func NewPriceParserFor(currency string) *PriceParser {
	currency = strings.ToUpper(currency)
	if currency == "" {
		currency = "INR"
	}
	tok, ok := currencies[currency]
	if !ok {
		code := regexp.QuoteMeta(currency)
		tok = currencyTokens{prefixes: []string{`(?i)\b` + code}, suffix: `\b` + code + `\b`}
	}

	amount, number := amountGrouped, `\d[\d,]*(?:\.\d+)?`
	if tok.locale == LocaleEuropean {
		amount, number = amountEuropean, amountEuropean
	}

	var patterns []*regexp.Regexp
	for _, p := range tok.prefixes {
		patterns = append(patterns, regexp.MustCompile(p+`\s*`+amount))
	}
	patterns = append(patterns,
		// number followed by a currency token: 45,999 INR, 1 234,56 €
		regexp.MustCompile(`(?i)`+amount+`\s*`+tok.suffix),
		// keyword anchored
		regexp.MustCompile(`(?i)\bprice[:\s]*`+amount),
		regexp.MustCompile(`(?i)\bnow[:\s]*`+amount),
		regexp.MustCompile(`(?i)\bpay[:\s]*`+amount),
		regexp.MustCompile(`(?i)\bbuy[:\s]*`+amount),
	)

	return &PriceParser{
		locale:   tok.locale,
		patterns: patterns,
		number:   regexp.MustCompile(number),
		scan:     regexp.MustCompile(`\d{4,}`),
	}
}

// MatchPattern runs the currency patterns over text in priority order and
// returns the first positive amount.
func (pp *PriceParser) MatchPattern(text string) (decimal.Decimal, bool) {
	for _, re := range pp.patterns {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			if d, ok := pp.parseAmount(m[len(m)-1]); ok && d.IsPositive() {
				return d, true
			}
		}
	}
	return decimal.Decimal{}, false
}

// ParsePrice reads a price from a short text such as a selector's content:
// currency patterns first, then the first bare number.
func (pp *PriceParser) ParsePrice(text string) (decimal.Decimal, bool) {
	if d, ok := pp.MatchPattern(text); ok {
		return d, true
	}
	for _, tok := range pp.number.FindAllString(text, -1) {
		if d, ok := pp.parseAmount(tok); ok && d.IsPositive() {
			return d, true
		}
	}
	return decimal.Decimal{}, false
}

// ScanRange returns the first 4+ digit token inside r. Grouped numbers such
// as 45,999 are not candidates; those are handled by the patterns.
func (pp *PriceParser) ScanRange(text string, r models.PriceRange) (decimal.Decimal, bool) {
	for _, tok := range pp.scan.FindAllString(text, -1) {
		v, err := strconv.ParseInt(tok, 10, 64)
		if err != nil {
			continue
		}
		if r.Contains(v) {
			return decimal.NewFromInt(v), true
		}
	}
	return decimal.Decimal{}, false
}

func (pp *PriceParser) parseAmount(s string) (decimal.Decimal, bool) {
	s = cleanNumber(s, pp.locale)
	if s == "" {
		return decimal.Decimal{}, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil || d.IsNegative() {
		return decimal.Decimal{}, false
	}
	return d, true
}

// cleanNumber strips grouping separators and normalizes the decimal mark to a dot
func cleanNumber(s string, locale NumberLocale) string {
	switch locale {
	case LocaleEuropean:
		s = strings.NewReplacer(".", "", " ", "", "\u00a0", "", "\u202f", "").Replace(s)
		s = strings.Replace(s, ",", ".", 1)
	default:
		s = strings.ReplaceAll(s, ",", "")
	}
	return strings.TrimSuffix(s, ".")
}

// FormatPrice renders an amount for display, e.g. ₹45,999 or ₹1,299.50
func FormatPrice(d decimal.Decimal, currency string) string {
	code := strings.ToUpper(currency)
	if code == "" {
		code = "INR"
	}
	symbol := code + " "
	group, mark := ",", "."
	if tok, ok := currencies[code]; ok {
		symbol = tok.symbol
		if tok.locale == LocaleEuropean {
			group, mark = ".", ","
		}
	}

	whole := d.Truncate(0)
	frac := d.Sub(whole)

	digits := whole.Abs().String()
	var b strings.Builder
	for i, r := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			b.WriteString(group)
		}
		b.WriteRune(r)
	}

	out := symbol + b.String()
	if d.IsNegative() {
		out = "-" + out
	}
	if !frac.IsZero() {
		out += mark + strings.TrimPrefix(frac.Abs().StringFixed(2), "0.")
	}
	return out
}
