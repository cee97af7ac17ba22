package crawl

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/stealth"
)

// Renderer returns the DOM of a page after scripts ran.
type Renderer interface {
	Render(ctx context.Context, pageURL string) ([]byte, error)
}

// BrowserRenderer renders pages in headless Chrome with stealth patches.
// The browser starts on first use and is shared by all renders.
type BrowserRenderer struct {
	remoteURL string
	navWait   time.Duration
	logger    *slog.Logger

	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
}

// NewBrowserRenderer connects to remoteURL when set, otherwise launches a
// local headless Chrome on first Render.
func NewBrowserRenderer(remoteURL string, logger *slog.Logger) *BrowserRenderer {
	if logger == nil {
		logger = slog.Default()
	}
	return &BrowserRenderer{remoteURL: remoteURL, navWait: 30 * time.Second, logger: logger}
}

func (r *BrowserRenderer) ensure() (*rod.Browser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.browser != nil {
		return r.browser, nil
	}

	wsURL := r.remoteURL
	if wsURL == "" {
		l := launcher.New().Headless(true).Set("disable-blink-features", "AutomationControlled")
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("crawl: launch browser: %w", err)
		}
		wsURL = u
		r.lnch = l
		r.logger.Info("crawl: launched headless chrome", "url", wsURL)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("crawl: connect browser: %w", err)
	}
	r.browser = b
	return b, nil
}

// Render navigates a fresh stealth tab to pageURL and returns its HTML.
func (r *BrowserRenderer) Render(ctx context.Context, pageURL string) ([]byte, error) {
	b, err := r.ensure()
	if err != nil {
		return nil, err
	}
	page, err := stealth.Page(b)
	if err != nil {
		return nil, fmt.Errorf("crawl: open tab: %w", err)
	}
	defer page.Close()

	navCtx, cancel := context.WithTimeout(ctx, r.navWait)
	defer cancel()
	p := page.Context(navCtx)
	if err := p.Navigate(pageURL); err != nil {
		return nil, fmt.Errorf("crawl: navigate %s: %w", pageURL, err)
	}
	if err := p.WaitLoad(); err != nil {
		return nil, fmt.Errorf("crawl: wait load %s: %w", pageURL, err)
	}
	out, err := p.HTML()
	if err != nil {
		return nil, fmt.Errorf("crawl: read dom: %w", err)
	}
	return []byte(out), nil
}

// Close shuts the browser down.
func (r *BrowserRenderer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var err error
	if r.browser != nil {
		err = r.browser.Close()
		r.browser = nil
	}
	if r.lnch != nil {
		r.lnch.Cleanup()
		r.lnch = nil
	}
	return err
}
