package scraper

import (
	"context"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/interfaces"
	"github.com/ternarybob/colligo/internal/metrics"
	"github.com/ternarybob/colligo/internal/models"
)

// fetcher is the per-variant execution contract.
type fetcher interface {
	fetch(ctx context.Context, job *models.Job, progress interfaces.ProgressFunc) (*fetchOutput, error)
}

// Service dispatches a job to its scraper variant and normalizes the
// outcome into the uniform JobResult shape.
type Service struct {
	config    *common.ScraperConfig
	logger    arbor.ILogger
	collector *metrics.Collector

	http    fetcher
	browser fetcher
}

// NewService creates the dispatch service. The browser pool is started
// lazily on the first HEADLESS_BROWSER job.
func NewService(config *common.ScraperConfig, logger arbor.ILogger, collector *metrics.Collector) *Service {
	return &Service{
		config:    config,
		logger:    logger,
		collector: collector,
		http:      newHTTPScraper(config, logger),
		browser:   newBrowserScraper(config, logger),
	}
}

// Scrape executes the job's fetch with the configured timeout and
// returns the normalized result, or a *models.FetchError for the
// executor to classify.
func (s *Service) Scrape(ctx context.Context, job *models.Job, progress interfaces.ProgressFunc) (*models.JobResult, error) {
	if progress == nil {
		progress = func(int, string) {}
	}

	variant, err := s.variantFor(job)
	if err != nil {
		return nil, err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, job.Config.FetchTimeout())
	defer cancel()

	start := time.Now()
	out, err := variant.fetch(fetchCtx, job, progress)
	elapsed := time.Since(start)

	if s.collector != nil {
		s.collector.ObserveFetch(string(job.Variant), err == nil, elapsed.Seconds())
		if fe, ok := models.AsFetchError(err); ok {
			s.collector.FetchError(string(fe.Kind))
		}
	}
	if err != nil {
		s.logger.Debug().
			Err(err).
			Str("job_id", job.ID).
			Str("variant", string(job.Variant)).
			Float64("duration_sec", elapsed.Seconds()).
			Msg("Fetch failed")
		return nil, err
	}

	progress(90, "processing content")
	result := s.buildResult(job, out, elapsed)
	progress(100, "done")

	s.logger.Debug().
		Str("job_id", job.ID).
		Str("variant", string(job.Variant)).
		Int("status_code", result.StatusCode).
		Int64("content_length", result.ContentLength).
		Float64("duration_sec", elapsed.Seconds()).
		Msg("Fetch completed")

	return result, nil
}

// Close releases variant resources, including any warm browser pool.
func (s *Service) Close() error {
	if bs, ok := s.browser.(*browserScraper); ok {
		return bs.close()
	}
	return nil
}

func (s *Service) variantFor(job *models.Job) (fetcher, error) {
	switch job.Variant {
	case models.VariantLightHTTP:
		return s.http, nil
	case models.VariantHeadlessBrowser:
		return s.browser, nil
	default:
		return nil, models.NewFetchError(models.FetchUnsupported, false, nil)
	}
}

// buildResult assembles the uniform JobResult and applies the optional
// post-fetch extractions on HTML content.
func (s *Service) buildResult(job *models.Job, out *fetchOutput, elapsed time.Duration) *models.JobResult {
	result := &models.JobResult{
		ID:             common.NewResultID(),
		JobID:          job.ID,
		StatusCode:     out.StatusCode,
		ResponseTimeMs: elapsed.Milliseconds(),
		ContentLength:  int64(len(out.Body)),
		ContentType:    out.contentType(),
		Headers:        out.Headers,
		Content:        string(out.Body),
		FinalURL:       out.FinalURL,
		CreatedAt:      time.Now().UTC(),
	}
	if result.FinalURL == "" {
		result.FinalURL = job.URL
	}
	if len(out.Screenshot) > 0 {
		result.Screenshot = encodeScreenshot(out.Screenshot)
	}

	cfg := job.Config
	if !cfg.ExtractText && !cfg.ExtractLinks && !cfg.ExtractImages && !cfg.ExtractMarkdown {
		return result
	}
	if !isHTML(result.ContentType) {
		s.logger.Debug().
			Str("job_id", job.ID).
			Str("content_type", result.ContentType).
			Msg("Skipping extraction on non-HTML content")
		return result
	}

	doc, err := parseDocument(out.Body)
	if err != nil {
		s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Content extraction skipped, unparseable HTML")
		return result
	}
	if cfg.ExtractText {
		result.Text = extractText(doc)
	}
	if cfg.ExtractLinks {
		result.Links = extractLinks(doc, result.FinalURL)
	}
	if cfg.ExtractImages {
		result.Images = extractImages(doc, result.FinalURL)
	}
	if cfg.ExtractMarkdown {
		markdown, err := extractMarkdown(result.Content, result.FinalURL)
		if err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Markdown conversion failed")
		} else {
			result.Markdown = markdown
		}
	}
	return result
}

var _ interfaces.Scraper = (*Service)(nil)
