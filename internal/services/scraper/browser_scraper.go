package scraper

import (
	"context"
	"fmt"
	"net/url"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/interfaces"
	"github.com/ternarybob/colligo/internal/models"
)

// stealthScript hides the common automation fingerprints before any
// page script runs.
const stealthScript = `
Object.defineProperty(navigator, 'webdriver', { get: () => undefined });
Object.defineProperty(navigator, 'languages', { get: () => ['en-US', 'en'] });
Object.defineProperty(navigator, 'plugins', { get: () => [1, 2, 3] });
window.chrome = window.chrome || { runtime: {} };
`

// browserScraper is the HEADLESS_BROWSER variant. Default-profile jobs
// share the warm pool; jobs needing a proxy, a visible window, or a
// custom user agent get a dedicated Chrome for the one fetch.
type browserScraper struct {
	config *common.ScraperConfig
	logger arbor.ILogger
	pool   *browserPool
}

func newBrowserScraper(config *common.ScraperConfig, logger arbor.ILogger) *browserScraper {
	return &browserScraper{
		config: config,
		logger: logger,
		pool:   newBrowserPool(config, logger),
	}
}

func (b *browserScraper) fetch(ctx context.Context, job *models.Job, progress interfaces.ProgressFunc) (*fetchOutput, error) {
	target, err := targetURL(job)
	if err != nil {
		return nil, models.NewFetchError(models.FetchUnsupported, false, err)
	}
	if u, err := url.Parse(target); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, models.NewFetchError(models.FetchUnsupported, false, err)
	}

	width, height, err := job.Config.Viewport()
	if err != nil {
		return nil, models.NewFetchError(models.FetchUnsupported, false, err)
	}

	progress(10, "acquiring browser")
	browserCtx, release, err := b.browserContext(ctx, job)
	if err != nil {
		return nil, models.NewFetchError(models.FetchNetwork, true, err)
	}
	defer release()

	// Fresh tab per job; its lifetime is tied to the fetch context so a
	// cancellation or timeout aborts the navigation in flight.
	tabCtx, tabCancel := chromedp.NewContext(browserCtx)
	defer tabCancel()
	stop := context.AfterFunc(ctx, tabCancel)
	defer stop()

	progress(25, "navigating")
	resp, err := chromedp.RunResponse(tabCtx,
		chromedp.EmulateViewport(int64(width), int64(height)),
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(stealthScript).Do(ctx)
			return err
		}),
		chromedp.Navigate(target),
	)
	if err != nil {
		return nil, b.classify(ctx, err)
	}

	tasks := chromedp.Tasks{}
	if sel := job.Config.WaitForSelector; sel != "" {
		tasks = append(tasks, chromedp.WaitVisible(sel, chromedp.ByQuery))
	}
	if script := job.Config.ExecuteScript; script != "" {
		tasks = append(tasks, chromedp.Evaluate(script, nil))
	}

	progress(50, "rendering")
	var html, finalURL string
	tasks = append(tasks,
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		chromedp.Location(&finalURL),
	)

	var screenshot []byte
	if job.Config.Screenshot {
		tasks = append(tasks, chromedp.CaptureScreenshot(&screenshot))
	}

	if err := chromedp.Run(tabCtx, tasks); err != nil {
		return nil, b.classify(ctx, err)
	}

	out := &fetchOutput{
		StatusCode: 200,
		Headers:    map[string]string{},
		Body:       []byte(html),
		FinalURL:   finalURL,
		Screenshot: screenshot,
	}
	if resp != nil {
		out.StatusCode = int(resp.Status)
		for key, value := range resp.Headers {
			out.Headers[key] = fmt.Sprint(value)
		}
	}
	if out.StatusCode >= 400 {
		return nil, models.NewFetchHTTPError(out.StatusCode, nil)
	}

	progress(70, "content rendered")
	return out, nil
}

// browserContext returns a pooled browser, or a dedicated one when the
// job's config cannot be served by the shared profile.
func (b *browserScraper) browserContext(ctx context.Context, job *models.Job) (context.Context, func(), error) {
	dedicated := job.Config.Proxy != "" ||
		!job.Config.HeadlessEnabled() ||
		job.Config.UserAgent != ""
	if !dedicated {
		return b.pool.acquire(ctx)
	}

	userAgent := job.Config.UserAgent
	if userAgent == "" {
		userAgent = b.config.UserAgent
	}
	opts := b.pool.allocatorOptions(job.Config.HeadlessEnabled(), userAgent)
	if job.Config.Proxy != "" {
		opts = append(opts, chromedp.ProxyServer(job.Config.Proxy))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	release := func() {
		browserCancel()
		allocCancel()
	}

	b.logger.Debug().Str("job_id", job.ID).Msg("Launching dedicated browser instance")
	return browserCtx, release, nil
}

// classify maps a chromedp failure onto the fetch taxonomy; the fetch
// context disambiguates our timeout from browser-internal errors.
func (b *browserScraper) classify(ctx context.Context, err error) *models.FetchError {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return classifyFetchError(ctxErr)
	}
	return classifyFetchError(err)
}

func (b *browserScraper) close() error {
	b.pool.close()
	return nil
}
