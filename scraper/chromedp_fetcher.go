package scraper

import (
	"context"
	"fmt"

	"github.com/chromedp/chromedp"
)

// ChromedpFetcher renders pages with chromedp. Each fetch gets its own
// browser context from the shared allocator and cancels it on return.
type ChromedpFetcher struct {
	allocCtx context.Context
	cancel   context.CancelFunc
}

// NewChromedpFetcher creates a fetcher; bin overrides the Chrome executable
func NewChromedpFetcher(bin string) *ChromedpFetcher {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.WindowSize(1920, 1080),
		chromedp.UserAgent(userAgent),
	)
	if bin != "" {
		opts = append(opts, chromedp.ExecPath(bin))
	}

	allocCtx, cancel := chromedp.NewExecAllocator(context.Background(), opts...)
	return &ChromedpFetcher{allocCtx: allocCtx, cancel: cancel}
}

// Fetch loads req.URL and returns the outer HTML of the document
func (f *ChromedpFetcher) Fetch(ctx context.Context, req FetchRequest) (html string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("browser panic: %v", r)
		}
	}()

	taskCtx, cancel := chromedp.NewContext(f.allocCtx)
	defer cancel()
	// the task context descends from the allocator, not from ctx
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if req.Timeout > 0 {
		var cancelTimeout context.CancelFunc
		taskCtx, cancelTimeout = context.WithTimeout(taskCtx, req.Timeout)
		defer cancelTimeout()
	}

	actions := []chromedp.Action{
		chromedp.Navigate(req.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	if req.Settle > 0 {
		actions = append(actions, chromedp.Sleep(req.Settle))
	}
	actions = append(actions, chromedp.OuterHTML("html", &html, chromedp.ByQuery))

	if err := chromedp.Run(taskCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("failed to render %s: %w", req.URL, err)
	}
	return html, nil
}

// Close shuts down the allocator and any browser it started
func (f *ChromedpFetcher) Close() error {
	f.cancel()
	return nil
}
