package scraper

import (
	"context"
	"testing"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/interfaces"
	"github.com/ternarybob/colligo/internal/models"
)

// fakeFetcher returns a canned output or error and records the context
// it was called with.
type fakeFetcher struct {
	out   *fetchOutput
	err   error
	ctx   context.Context
	delay time.Duration
}

var _ fetcher = (*fakeFetcher)(nil)

func (f *fakeFetcher) fetch(ctx context.Context, job *models.Job, progress interfaces.ProgressFunc) (*fetchOutput, error) {
	f.ctx = ctx
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, classifyFetchError(ctx.Err())
		case <-time.After(f.delay):
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.out, nil
}

func newTestService(httpFetcher, browserFetcher fetcher) *Service {
	s := NewService(testScraperConfig(), common.GetLogger(), nil)
	if httpFetcher != nil {
		s.http = httpFetcher
	}
	if browserFetcher != nil {
		s.browser = browserFetcher
	}
	return s
}

func htmlOutput(body string) *fetchOutput {
	return &fetchOutput{
		StatusCode: 200,
		Headers:    map[string]string{"Content-Type": "text/html; charset=utf-8"},
		Body:       []byte(body),
		FinalURL:   "https://example.com/final",
	}
}

func TestScrapeDispatchesByVariant(t *testing.T) {
	httpFake := &fakeFetcher{out: htmlOutput("<html>light</html>")}
	browserFake := &fakeFetcher{out: htmlOutput("<html>browser</html>")}
	s := newTestService(httpFake, browserFake)

	job := testJob("https://example.com", nil)
	result, err := s.Scrape(context.Background(), job, nil)
	require.NoError(t, err)
	assert.Contains(t, result.Content, "light")

	job.Variant = models.VariantHeadlessBrowser
	result, err = s.Scrape(context.Background(), job, nil)
	require.NoError(t, err)
	assert.Contains(t, result.Content, "browser")
}

func TestScrapeUnknownVariant(t *testing.T) {
	s := newTestService(&fakeFetcher{}, &fakeFetcher{})

	job := testJob("https://example.com", nil)
	job.Variant = "CARRIER_PIGEON"

	_, err := s.Scrape(context.Background(), job, nil)
	fe, ok := models.AsFetchError(err)
	require.True(t, ok)
	assert.Equal(t, models.FetchUnsupported, fe.Kind)
	assert.False(t, fe.Retryable)
}

func TestScrapeNormalizesResult(t *testing.T) {
	out := htmlOutput("<html><body>content</body></html>")
	s := newTestService(&fakeFetcher{out: out}, nil)

	job := testJob("https://example.com", nil)
	result, err := s.Scrape(context.Background(), job, nil)
	require.NoError(t, err)

	assert.Equal(t, job.ID, result.JobID)
	assert.NotEmpty(t, result.ID)
	assert.Equal(t, 200, result.StatusCode)
	assert.Equal(t, "text/html", result.ContentType)
	assert.Equal(t, int64(len(out.Body)), result.ContentLength)
	assert.Equal(t, "https://example.com/final", result.FinalURL)
	assert.GreaterOrEqual(t, result.ResponseTimeMs, int64(0))
	assert.False(t, result.CreatedAt.IsZero())
}

func TestScrapeAppliesExtractions(t *testing.T) {
	page := `<html><body><p>Visible text</p><a href="/x">x</a><img src="/y.png"></body></html>`
	s := newTestService(&fakeFetcher{out: htmlOutput(page)}, nil)

	job := testJob("https://example.com", nil)
	job.Config.ExtractText = true
	job.Config.ExtractLinks = true
	job.Config.ExtractImages = true
	job.Config.ExtractMarkdown = true

	result, err := s.Scrape(context.Background(), job, nil)
	require.NoError(t, err)
	assert.Contains(t, result.Text, "Visible text")
	assert.Equal(t, []string{"https://example.com/x"}, result.Links)
	assert.Equal(t, []string{"https://example.com/y.png"}, result.Images)
	assert.Contains(t, result.Markdown, "Visible text")
}

func TestScrapeSkipsExtractionOnNonHTML(t *testing.T) {
	out := &fetchOutput{
		StatusCode: 200,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       []byte(`{"a":1}`),
		FinalURL:   "https://example.com/api",
	}
	s := newTestService(&fakeFetcher{out: out}, nil)

	job := testJob("https://example.com", nil)
	job.Config.ExtractText = true

	result, err := s.Scrape(context.Background(), job, nil)
	require.NoError(t, err)
	assert.Empty(t, result.Text)
	assert.Equal(t, `{"a":1}`, result.Content)
}

func TestScrapeAppliesJobTimeout(t *testing.T) {
	fake := &fakeFetcher{out: htmlOutput("<html></html>")}
	s := newTestService(fake, nil)

	job := testJob("https://example.com", nil)
	job.Config.Timeout = 7

	_, err := s.Scrape(context.Background(), job, nil)
	require.NoError(t, err)

	deadline, ok := fake.ctx.Deadline()
	require.True(t, ok, "fetch context must carry the job timeout")
	assert.WithinDuration(t, time.Now().Add(7*time.Second), deadline, time.Second)
}

func TestScrapeEncodesScreenshot(t *testing.T) {
	out := htmlOutput("<html></html>")
	out.Screenshot = []byte{0x89, 0x50, 0x4e, 0x47}
	s := newTestService(nil, &fakeFetcher{out: out})

	job := testJob("https://example.com", nil)
	job.Variant = models.VariantHeadlessBrowser

	result, err := s.Scrape(context.Background(), job, nil)
	require.NoError(t, err)
	assert.Equal(t, "iVBORw==", result.Screenshot)
}

func TestScrapeReportsProgress(t *testing.T) {
	s := newTestService(&fakeFetcher{out: htmlOutput("<html></html>")}, nil)

	var last int
	progress := func(pct int, _ string) { last = pct }

	_, err := s.Scrape(context.Background(), testJob("https://example.com", nil), progress)
	require.NoError(t, err)
	assert.Equal(t, 100, last)
}

func TestBrowserPoolOptionBuilding(t *testing.T) {
	cfg := testScraperConfig()
	cfg.ChromePath = "/usr/bin/chromium"
	pool := newBrowserPool(cfg, common.GetLogger())

	opts := pool.allocatorOptions(true, "agent/1.0")
	// Base options plus headless, gpu, sandbox, shm, blink, UA and the
	// explicit exec path.
	assert.Len(t, opts, len(chromedp.DefaultExecAllocatorOptions)+7)
}
