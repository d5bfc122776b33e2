package scraper

import (
	"context"
	"errors"
	"time"

	"pricewatch/models"
)

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// ErrBotWall is returned when a fetched page is a challenge page
var ErrBotWall = errors.New("bot wall detected")

// FetchRequest describes one page load
type FetchRequest struct {
	URL     string
	Timeout time.Duration
	// Settle is how long the DOM must stay unchanged after load before the
	// content is read. Ignored by fetchers that do not execute scripts.
	Settle time.Duration
}

// Fetcher loads raw page content. Implementations must release any
// session they acquire before returning, including on timeout.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (string, error)
}

// FetcherFunc adapts a function to the Fetcher interface
type FetcherFunc func(ctx context.Context, req FetchRequest) (string, error)

func (f FetcherFunc) Fetch(ctx context.Context, req FetchRequest) (string, error) {
	return f(ctx, req)
}

// Fetchers routes each source to a rendering or a static fetcher
type Fetchers struct {
	Rendered Fetcher
	Static   Fetcher
}

// For returns the fetcher for a source. A missing rendered fetcher falls
// back to the static one and vice versa.
func (f Fetchers) For(src models.Source) Fetcher {
	if src.Render && f.Rendered != nil {
		return f.Rendered
	}
	if f.Static != nil {
		return f.Static
	}
	return f.Rendered
}
