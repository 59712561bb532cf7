// Package scraper executes the fetch for scrape jobs. Two variants
// share one contract: LIGHT_HTTP drives a Colly collector with
// challenge-solving heuristics, HEADLESS_BROWSER drives a pooled
// Chrome instance. Variants classify failures; the executor owns the
// retry decision.
package scraper

import (
	"net/url"
	"strings"

	"github.com/ternarybob/colligo/internal/models"
)

// fetchOutput is the raw outcome of one variant fetch before the
// service normalizes it into a models.JobResult.
type fetchOutput struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
	FinalURL   string
	// Screenshot is raw PNG bytes, HEADLESS_BROWSER only.
	Screenshot []byte
}

// contentType returns the response content type without parameters.
func (o *fetchOutput) contentType() string {
	ct := o.Headers["Content-Type"]
	if ct == "" {
		ct = o.Headers["content-type"]
	}
	if idx := strings.IndexByte(ct, ';'); idx >= 0 {
		ct = ct[:idx]
	}
	return strings.TrimSpace(ct)
}

// targetURL merges the job's params into its URL query string.
func targetURL(job *models.Job) (string, error) {
	u, err := url.Parse(job.URL)
	if err != nil {
		return "", err
	}
	if len(job.Params) > 0 {
		q := u.Query()
		for key, value := range job.Params {
			q.Set(key, value)
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// isHTML reports whether a content type carries an HTML document.
func isHTML(contentType string) bool {
	ct := strings.ToLower(contentType)
	return ct == "" || strings.HasPrefix(ct, "text/html") || strings.HasPrefix(ct, "application/xhtml")
}
