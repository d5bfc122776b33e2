package scraper

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"go.uber.org/zap"
)

// RodFetcher renders pages in headless Chromium through go-rod. The browser
// process is shared; every fetch runs in its own incognito context so
// concurrent fetches share no cookies or storage.
type RodFetcher struct {
	bin    string
	logger *zap.Logger

	mu       sync.Mutex
	launcher *launcher.Launcher
	browser  *rod.Browser
}

// NewRodFetcher creates a fetcher. The browser is launched on first use.
func NewRodFetcher(bin string, logger *zap.Logger) *RodFetcher {
	return &RodFetcher{bin: bin, logger: logger}
}

func (f *RodFetcher) connect() (*rod.Browser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.browser != nil {
		return f.browser, nil
	}

	// Configure launcher - use system Chromium in Docker, auto-detect locally
	l := launcher.New().
		Headless(true).
		NoSandbox(true).
		Leakless(false).
		Set("disable-blink-features", "AutomationControlled").
		Set("disable-dev-shm-usage")

	bin := f.bin
	if bin == "" {
		if _, err := os.Stat("/usr/bin/chromium-browser"); err == nil {
			bin = "/usr/bin/chromium-browser"
		}
	}
	if bin != "" {
		l = l.Bin(bin)
		f.logger.Info("Using system Chromium", zap.String("bin", bin))
	} else {
		f.logger.Info("Using auto-detected Chromium")
	}

	u, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	browser := rod.New().ControlURL(u)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}
	f.logger.Info("Browser started", zap.String("control_url", u))

	f.launcher = l
	f.browser = browser
	return browser, nil
}

// Fetch loads req.URL and returns the rendered document HTML
func (f *RodFetcher) Fetch(ctx context.Context, req FetchRequest) (html string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("browser panic: %v", r)
		}
	}()

	browser, err := f.connect()
	if err != nil {
		return "", err
	}

	session, err := browser.Incognito()
	if err != nil {
		return "", fmt.Errorf("failed to open incognito context: %w", err)
	}
	defer session.Close()

	page, err := stealth.Page(session)
	if err != nil {
		return "", fmt.Errorf("failed to open page: %w", err)
	}
	defer page.Close()

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	p := page.Context(ctx)

	// Set viewport to avoid detection
	if err := p.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width: 1920, Height: 1080, DeviceScaleFactor: 1,
	}); err != nil {
		f.logger.Debug("Failed to set viewport", zap.Error(err))
	}
	if err := p.Navigate(req.URL); err != nil {
		return "", fmt.Errorf("failed to navigate to %s: %w", req.URL, err)
	}
	if err := p.WaitLoad(); err != nil {
		return "", fmt.Errorf("failed waiting for %s to load: %w", req.URL, err)
	}
	if req.Settle > 0 {
		// Dynamic prices can keep rendering past the load event.
		if err := p.WaitStable(req.Settle); err != nil && ctx.Err() != nil {
			return "", fmt.Errorf("page %s did not settle: %w", req.URL, err)
		}
	}

	html, err = p.HTML()
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", req.URL, err)
	}
	return html, nil
}

// Close closes the browser
func (f *RodFetcher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var err error
	if f.browser != nil {
		err = f.browser.Close()
		f.browser = nil
	}
	if f.launcher != nil {
		f.launcher.Cleanup()
		f.launcher = nil
	}
	return err
}
