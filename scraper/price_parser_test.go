package scraper

import (
	"testing"

	"github.com/shopspring/decimal"

	"pricewatch/models"
)

func TestParsePrice(t *testing.T) {
	pp := NewPriceParser()

	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"₹45,999", "45999", true},
		{"₹ 45,999.00", "45999", true},
		{"Rs. 1,23,456", "123456", true},
		{"45,999 INR", "45999", true},
		{"Price: 899.50", "899.5", true},
		{"₹0 off, now ₹45,999", "45999", true},
		{"44,990", "44990", true},
		{"out of stock", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		got, ok := pp.ParsePrice(tt.in)
		if ok != tt.ok {
			t.Errorf("ParsePrice(%q) ok = %v, want %v", tt.in, ok, tt.ok)
			continue
		}
		if ok && !got.Equal(decimal.RequireFromString(tt.want)) {
			t.Errorf("ParsePrice(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestParsePriceByCurrency(t *testing.T) {
	tests := []struct {
		currency string
		in       string
		want     string
	}{
		{"EUR", "€1.234,56", "1234.56"},
		{"EUR", "1 234,56 €", "1234.56"},
		{"EUR", "1\u00a0234,56\u00a0€", "1234.56"},
		{"EUR", "EUR 899,5", "899.5"},
		{"EUR", "Preis: 1.299", "1299"},
		{"EUR", "49,99", "49.99"},
		{"USD", "$1,234.56", "1234.56"},
		{"USD", "1,234.56 USD", "1234.56"},
		{"GBP", "£899.99", "899.99"},
		{"CHF", "CHF 1,250.50", "1250.5"},
		{"", "₹45,999", "45999"},
		{"inr", "Rs. 1,23,456", "123456"},
	}

	for _, tt := range tests {
		got, ok := NewPriceParserFor(tt.currency).ParsePrice(tt.in)
		if !ok {
			t.Errorf("%s ParsePrice(%q) found nothing", tt.currency, tt.in)
			continue
		}
		if !got.Equal(decimal.RequireFromString(tt.want)) {
			t.Errorf("%s ParsePrice(%q) = %s, want %s", tt.currency, tt.in, got, tt.want)
		}
	}
}

func TestMatchPatternIgnoresBareNumbers(t *testing.T) {
	pp := NewPriceParser()
	if d, ok := pp.MatchPattern("model 45999 in stock"); ok {
		t.Errorf("MatchPattern matched bare number %s", d)
	}
}

func TestScanRange(t *testing.T) {
	pp := NewPriceParser()

	r := models.PriceRange{Min: 10000, Max: 100000}
	d, ok := pp.ScanRange("since 2024, item 8801234567890 sells at 43990", r)
	if !ok || !d.Equal(decimal.NewFromInt(43990)) {
		t.Errorf("ScanRange = %s, %v; want 43990", d, ok)
	}
	if _, ok := pp.ScanRange("call 1800 now", r); ok {
		t.Error("ScanRange matched out-of-range token")
	}
	if _, ok := pp.ScanRange("ean 99999999999999999999 only", r); ok {
		t.Error("ScanRange matched an overflowing token")
	}
}

func TestFormatPrice(t *testing.T) {
	tests := []struct {
		amount   string
		currency string
		want     string
	}{
		{"45999", "INR", "₹45,999"},
		{"1299.5", "INR", "₹1,299.50"},
		{"999", "", "₹999"},
		{"1234567", "INR", "₹1,234,567"},
		{"0", "INR", "₹0"},
		{"10", "USD", "$10"},
		{"1234.5", "EUR", "€1.234,50"},
		{"10", "CHF", "CHF 10"},
	}

	for _, tt := range tests {
		if got := FormatPrice(decimal.RequireFromString(tt.amount), tt.currency); got != tt.want {
			t.Errorf("FormatPrice(%s, %s) = %q, want %q", tt.amount, tt.currency, got, tt.want)
		}
	}
}
