package scraper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/colligo/internal/common"
)

// browserPool keeps a small set of warm headless Chrome instances and
// hands out contexts round-robin. Instances start on first use so
// deployments that never run HEADLESS_BROWSER jobs never pay for
// Chrome.
type browserPool struct {
	config *common.ScraperConfig
	logger arbor.ILogger

	mu       sync.Mutex
	browsers []context.Context
	cancels  []context.CancelFunc
	next     int
	started  bool
	closed   bool
}

func newBrowserPool(config *common.ScraperConfig, logger arbor.ILogger) *browserPool {
	return &browserPool{
		config: config,
		logger: logger,
	}
}

// allocatorOptions builds the shared Chrome launch flags.
func (p *browserPool) allocatorOptions(headless bool, userAgent string) []chromedp.ExecAllocatorOption {
	opts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.UserAgent(userAgent),
	)
	if p.config.ChromePath != "" {
		opts = append(opts, chromedp.ExecPath(p.config.ChromePath))
	}
	return opts
}

// acquire returns a pooled browser context and a release func. The
// caller opens its own tab off the returned context.
func (p *browserPool) acquire(ctx context.Context) (context.Context, func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, nil, fmt.Errorf("browser pool closed")
	}
	if !p.started {
		if err := p.startLocked(ctx); err != nil {
			return nil, nil, err
		}
	}
	if len(p.browsers) == 0 {
		return nil, nil, fmt.Errorf("no browser instances available")
	}

	index := p.next % len(p.browsers)
	p.next = (p.next + 1) % len(p.browsers)
	release := func() {
		p.logger.Debug().Int("browser_index", index).Msg("Browser context released")
	}
	return p.browsers[index], release, nil
}

// startLocked launches the pool instances. Partial success is accepted;
// total failure is returned to the caller.
func (p *browserPool) startLocked(ctx context.Context) error {
	size := p.config.BrowserPoolSize
	if size <= 0 {
		size = 1
	}
	p.logger.Info().Int("pool_size", size).Msg("Starting headless browser pool")

	var lastErr error
	for i := 0; i < size; i++ {
		browserCtx, cancel, err := p.launchInstance(ctx)
		if err != nil {
			lastErr = err
			p.logger.Warn().Err(err).Int("browser_index", i).Msg("Browser instance failed to start")
			continue
		}
		p.browsers = append(p.browsers, browserCtx)
		p.cancels = append(p.cancels, cancel)
	}

	if len(p.browsers) == 0 {
		return fmt.Errorf("no browser instance could be started: %w", lastErr)
	}
	p.started = true
	return nil
}

// launchInstance starts one Chrome and probes it before admission.
func (p *browserPool) launchInstance(ctx context.Context) (context.Context, context.CancelFunc, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(
		context.Background(),
		p.allocatorOptions(true, p.config.UserAgent)...,
	)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	cancel := func() {
		browserCancel()
		allocCancel()
	}

	probeCtx, probeCancel := context.WithTimeout(browserCtx, 30*time.Second)
	defer probeCancel()
	if err := chromedp.Run(probeCtx, chromedp.Navigate("about:blank")); err != nil {
		cancel()
		return nil, nil, fmt.Errorf("browser startup probe failed: %w", err)
	}
	return browserCtx, cancel, nil
}

// close tears down every instance.
func (p *browserPool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	for _, cancel := range p.cancels {
		cancel()
	}
	p.browsers = nil
	p.cancels = nil
	if p.started {
		p.logger.Info().Msg("Browser pool shut down")
	}
}
