package scraper

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/interfaces"
	"github.com/ternarybob/colligo/internal/models"
	"golang.org/x/time/rate"
)

// httpScraper is the LIGHT_HTTP variant: a Colly collector per fetch
// with challenge-solving heuristics for origins that interpose
// anti-automation checks.
type httpScraper struct {
	config *common.ScraperConfig
	logger arbor.ILogger
	hosts  *hostLimiter
}

func newHTTPScraper(config *common.ScraperConfig, logger arbor.ILogger) *httpScraper {
	return &httpScraper{
		config: config,
		logger: logger,
		hosts:  newHostLimiter(config.HostDelay()),
	}
}

// contextAwareTransport clones every request with the fetch context so
// an executor cancellation aborts the transfer in flight.
type contextAwareTransport struct {
	base http.RoundTripper
	ctx  context.Context
}

func (t *contextAwareTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	select {
	case <-t.ctx.Done():
		return nil, t.ctx.Err()
	default:
	}
	return t.base.RoundTrip(req.WithContext(t.ctx))
}

// fetch executes one LIGHT_HTTP request. When the first attempt hits an
// anti-automation challenge and bypass is enabled, it re-fetches with
// escalating browser camouflage before giving up.
func (h *httpScraper) fetch(ctx context.Context, job *models.Job, progress interfaces.ProgressFunc) (*fetchOutput, error) {
	target, err := targetURL(job)
	if err != nil {
		return nil, models.NewFetchError(models.FetchUnsupported, false, err)
	}
	parsed, err := url.Parse(target)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, models.NewFetchError(models.FetchUnsupported, false, err)
	}

	if err := h.hosts.wait(ctx, parsed.Host); err != nil {
		return nil, classifyFetchError(err)
	}

	progress(10, "connecting")
	out, err := h.doFetch(ctx, job, target, 0)
	if err != nil {
		return nil, err
	}

	if isChallenge(out.StatusCode, out.Headers, out.Body) {
		if !job.Config.BypassEnabled() {
			return nil, models.NewFetchHTTPError(out.StatusCode, errors.New("anti-automation challenge"))
		}
		out, err = h.solveChallenge(ctx, job, target, out, progress)
		if err != nil {
			return nil, err
		}
	}

	if out.StatusCode >= 400 {
		return nil, models.NewFetchHTTPError(out.StatusCode, nil)
	}
	progress(70, "content received")
	return out, nil
}

// doFetch runs one collector pass. camouflage selects the header
// profile: 0 is the plain client, higher levels layer on browser
// identity headers.
func (h *httpScraper) doFetch(ctx context.Context, job *models.Job, target string, camouflage int) (*fetchOutput, error) {
	c := colly.NewCollector(
		colly.UserAgent(h.userAgent(job)),
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
	)
	c.ParseHTTPErrorResponse = true
	c.MaxBodySize = h.config.MaxBodySize
	if deadline, ok := ctx.Deadline(); ok {
		c.SetRequestTimeout(time.Until(deadline))
	}

	transport, err := h.buildTransport(ctx, job)
	if err != nil {
		return nil, models.NewFetchError(models.FetchUnsupported, false, err)
	}
	c.WithTransport(transport)

	c.OnRequest(func(r *colly.Request) {
		if ctx.Err() != nil {
			r.Abort()
			return
		}
		for key, value := range job.Headers {
			r.Headers.Set(key, value)
		}
		applyCamouflage(r.Headers, camouflage)
	})

	out := &fetchOutput{}
	var received bool
	c.OnResponse(func(r *colly.Response) {
		received = true
		out.StatusCode = r.StatusCode
		out.Body = r.Body
		out.FinalURL = r.Request.URL.String()
		out.Headers = flattenHeaders(r.Headers)
	})

	var transportErr error
	c.OnError(func(r *colly.Response, err error) {
		transportErr = err
		if r != nil && r.StatusCode > 0 {
			received = true
			out.StatusCode = r.StatusCode
			out.Body = r.Body
			out.FinalURL = r.Request.URL.String()
			out.Headers = flattenHeaders(r.Headers)
		}
	})

	var body io.Reader
	if len(job.Body) > 0 && job.Method != http.MethodGet && job.Method != http.MethodHead {
		body = bytes.NewReader(job.Body)
	}
	if err := c.Request(job.Method, target, body, nil, nil); err != nil {
		transportErr = err
	}
	c.Wait()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, classifyFetchError(ctxErr)
	}
	if !received {
		if transportErr == nil {
			transportErr = errors.New("no response received")
		}
		return nil, classifyFetchError(transportErr)
	}
	return out, nil
}

// solveChallenge re-fetches with escalating camouflage, honoring a
// short Retry-After pause between attempts. An unresolved challenge
// surfaces as a retryable HTTP error so the executor backs off.
func (h *httpScraper) solveChallenge(ctx context.Context, job *models.Job, target string, first *fetchOutput, progress interfaces.ProgressFunc) (*fetchOutput, error) {
	out := first
	for level := 1; level <= 2; level++ {
		progress(30, "solving challenge")
		h.logger.Debug().
			Str("job_id", job.ID).
			Str("url", target).
			Int("status_code", out.StatusCode).
			Int("level", level).
			Msg("Challenge detected, retrying with camouflage")

		if err := sleepContext(ctx, challengePause(out.Headers, level)); err != nil {
			return nil, classifyFetchError(err)
		}

		next, err := h.doFetch(ctx, job, target, level)
		if err != nil {
			return nil, err
		}
		if !isChallenge(next.StatusCode, next.Headers, next.Body) {
			return next, nil
		}
		out = next
	}
	return nil, &models.FetchError{
		Kind:       models.FetchHTTPError,
		Retryable:  true,
		StatusCode: out.StatusCode,
		Err:        errors.New("anti-automation challenge not solved"),
	}
}

func (h *httpScraper) userAgent(job *models.Job) string {
	if job.Config.UserAgent != "" {
		return job.Config.UserAgent
	}
	return h.config.UserAgent
}

// buildTransport wires the optional per-job proxy under the
// context-aware wrapper.
func (h *httpScraper) buildTransport(ctx context.Context, job *models.Job) (http.RoundTripper, error) {
	base := http.DefaultTransport
	if job.Config.Proxy != "" {
		proxyURL, err := url.Parse(job.Config.Proxy)
		if err != nil {
			return nil, err
		}
		base = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	}
	return &contextAwareTransport{base: base, ctx: ctx}, nil
}

// classifyFetchError maps a transport failure onto the fetch taxonomy.
func classifyFetchError(err error) *models.FetchError {
	if fe, ok := models.AsFetchError(err); ok {
		return fe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.NewFetchError(models.FetchTimeout, true, err)
	}
	if errors.Is(err, context.Canceled) {
		return models.NewFetchError(models.FetchNetwork, false, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return models.NewFetchError(models.FetchTimeout, true, err)
	}
	if strings.Contains(err.Error(), "unsupported protocol scheme") {
		return models.NewFetchError(models.FetchUnsupported, false, err)
	}
	return models.NewFetchError(models.FetchNetwork, true, err)
}

// flattenHeaders keeps the first value of each response header.
func flattenHeaders(headers *http.Header) map[string]string {
	out := make(map[string]string)
	if headers == nil {
		return out
	}
	for key, values := range *headers {
		if len(values) > 0 {
			out[key] = values[0]
		}
	}
	return out
}

// sleepContext pauses for d or until the context ends.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// hostLimiter applies the per-host politeness delay.
type hostLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	delay    time.Duration
}

func newHostLimiter(delay time.Duration) *hostLimiter {
	return &hostLimiter{
		limiters: make(map[string]*rate.Limiter),
		delay:    delay,
	}
}

// wait blocks until the host's next request slot or the context ends.
func (h *hostLimiter) wait(ctx context.Context, host string) error {
	if h.delay <= 0 || host == "" {
		return nil
	}

	h.mu.Lock()
	limiter, ok := h.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(h.delay), 1)
		h.limiters[host] = limiter
	}
	h.mu.Unlock()

	return limiter.Wait(ctx)
}
