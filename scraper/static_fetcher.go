package scraper

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gocolly/colly/v2"
)

// StaticFetcher downloads pages over plain HTTP with colly. It does not run
// scripts, so it only suits sources whose prices are in the served HTML.
type StaticFetcher struct {
	userAgent string
}

func NewStaticFetcher() *StaticFetcher {
	return &StaticFetcher{userAgent: userAgent}
}

// Fetch downloads req.URL. A fresh collector per call keeps visits independent.
func (f *StaticFetcher) Fetch(ctx context.Context, req FetchRequest) (string, error) {
	c := colly.NewCollector(
		colly.UserAgent(f.userAgent),
		colly.AllowURLRevisit(),
	)
	if req.Timeout > 0 {
		c.SetRequestTimeout(req.Timeout)
	}
	c.DisableCookies()

	var (
		body     string
		fetchErr error
	)

	c.OnRequest(func(r *colly.Request) {
		if ctx.Err() != nil {
			r.Abort()
			return
		}
		r.Headers.Set("Accept", "text/html,application/xhtml+xml")
		r.Headers.Set("Accept-Language", "en-IN,en;q=0.9")
	})

	c.OnResponse(func(r *colly.Response) {
		body = string(r.Body)
	})

	c.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			fetchErr = fmt.Errorf("%s returned %d %s: %w", req.URL, r.StatusCode, http.StatusText(r.StatusCode), err)
			return
		}
		fetchErr = fmt.Errorf("failed to fetch %s: %w", req.URL, err)
	})

	if err := c.Visit(req.URL); err != nil && fetchErr == nil {
		fetchErr = fmt.Errorf("failed to fetch %s: %w", req.URL, err)
	}
	c.Wait()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if fetchErr != nil {
		return "", fetchErr
	}
	return body, nil
}
