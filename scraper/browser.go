package scraper

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/stealth"
)

// BrowserLoader renders pages in a headless Chrome so that listings built by
// JavaScript are present in the returned HTML.
// A browser is launched per load and always torn down afterwards.
type BrowserLoader struct {
	bin       string // Chrome binary; empty lets the launcher find or download one
	remoteURL string // DevTools websocket of an already running browser
	settle    time.Duration
	logger    *slog.Logger
}

// NewBrowserLoader creates a browser-backed loader.
func NewBrowserLoader(bin, remoteURL string, logger *slog.Logger) *BrowserLoader {
	return &BrowserLoader{
		bin:       bin,
		remoteURL: remoteURL,
		settle:    2 * time.Second,
		logger:    logger,
	}
}

// Load navigates to pageURL and returns the DOM after load.
func (l *BrowserLoader) Load(ctx context.Context, pageURL string) (io.ReadCloser, error) {
	startTime := time.Now()

	wsURL := l.remoteURL
	var lnch *launcher.Launcher
	if wsURL == "" {
		lnch = launcher.New().Context(ctx).Headless(true).
			Set("disable-blink-features", "AutomationControlled").
			Set("disable-dev-shm-usage").
			NoSandbox(true)
		if l.bin != "" {
			lnch = lnch.Bin(l.bin)
		}
		u, err := lnch.Launch()
		if err != nil {
			return nil, fmt.Errorf("launch browser: %w", err)
		}
		wsURL = u
		defer lnch.Kill()
	}

	browser := rod.New().ControlURL(wsURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	defer func() {
		if lnch == nil {
			return
		}
		if closeErr := browser.Close(); closeErr != nil {
			l.logger.Warn("Failed to close browser", "error", closeErr)
		}
	}()

	page, err := stealth.Page(browser)
	if err != nil {
		return nil, fmt.Errorf("create tab: %w", err)
	}
	defer func() {
		if closeErr := page.Close(); closeErr != nil {
			l.logger.Debug("Failed to close tab", "error", closeErr)
		}
	}()

	if err := page.Navigate(pageURL); err != nil {
		return nil, fmt.Errorf("navigate %s: %w", pageURL, err)
	}
	if err := page.WaitLoad(); err != nil {
		return nil, fmt.Errorf("wait load: %w", err)
	}

	// Give client-side rendering a moment to fill the listing.
	if _, err := page.Timeout(l.settle).Element("div.div-one-pdf"); err != nil {
		l.logger.Warn("Bulletin entries did not appear before timeout", "url", pageURL, "error", err)
	}

	html, err := page.HTML()
	if err != nil {
		return nil, fmt.Errorf("read DOM: %w", err)
	}

	l.logger.Info("Browser render completed",
		"url", pageURL,
		"duration_ms", time.Since(startTime).Milliseconds(),
		"content_length", len(html))

	return io.NopCloser(strings.NewReader(html)), nil
}
