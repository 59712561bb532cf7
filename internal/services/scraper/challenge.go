package scraper

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// challengeMarkers are body fragments that identify an anti-automation
// interstitial rather than real origin content.
var challengeMarkers = []string{
	"just a moment",
	"challenge-platform",
	"cf-browser-verification",
	"cf_chl_opt",
	"attention required!",
	"checking your browser",
	"ddos protection by",
}

// maxChallengePause caps how long a Retry-After hint is honored between
// solve attempts; anything longer is the executor's retry problem.
const maxChallengePause = 5 * time.Second

// isChallenge reports whether a response is an anti-automation
// challenge page. Only 403 and 503 are candidates; the body and the
// mitigation header disambiguate them from ordinary errors.
func isChallenge(statusCode int, headers map[string]string, body []byte) bool {
	if statusCode != http.StatusForbidden && statusCode != http.StatusServiceUnavailable {
		return false
	}
	if headerValue(headers, "cf-mitigated") == "challenge" {
		return true
	}

	sample := strings.ToLower(string(body))
	for _, marker := range challengeMarkers {
		if strings.Contains(sample, marker) {
			return true
		}
	}
	return false
}

// challengePause derives the wait before a solve attempt from the
// Retry-After header, bounded, with a level-scaled fallback.
func challengePause(headers map[string]string, level int) time.Duration {
	if retryAfter := headerValue(headers, "Retry-After"); retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds > 0 {
			pause := time.Duration(seconds) * time.Second
			if pause > maxChallengePause {
				pause = maxChallengePause
			}
			return pause
		}
	}
	return time.Duration(level) * 500 * time.Millisecond
}

// applyCamouflage layers browser identity headers onto a request. Level
// 0 leaves the plain client alone; level 1 adds the navigation header
// set; level 2 adds client hints on top.
func applyCamouflage(headers *http.Header, level int) {
	if level < 1 {
		return
	}
	setDefault(headers, "Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	setDefault(headers, "Accept-Language", "en-US,en;q=0.9")
	setDefault(headers, "Accept-Encoding", "gzip, deflate, br")
	setDefault(headers, "Upgrade-Insecure-Requests", "1")
	setDefault(headers, "Sec-Fetch-Dest", "document")
	setDefault(headers, "Sec-Fetch-Mode", "navigate")
	setDefault(headers, "Sec-Fetch-Site", "none")
	setDefault(headers, "Sec-Fetch-User", "?1")

	if level >= 2 {
		setDefault(headers, "Sec-CH-UA", `"Chromium";v="120", "Not_A Brand";v="8"`)
		setDefault(headers, "Sec-CH-UA-Mobile", "?0")
		setDefault(headers, "Sec-CH-UA-Platform", `"Windows"`)
		setDefault(headers, "Cache-Control", "max-age=0")
	}
}

// setDefault sets a header only when the job has not supplied its own.
func setDefault(headers *http.Header, key, value string) {
	if headers.Get(key) == "" {
		headers.Set(key, value)
	}
}

// headerValue reads a header from the flattened map without case
// sensitivity on the common variants.
func headerValue(headers map[string]string, key string) string {
	if v, ok := headers[key]; ok {
		return v
	}
	if v, ok := headers[strings.ToLower(key)]; ok {
		return v
	}
	if v, ok := headers[http.CanonicalHeaderKey(key)]; ok {
		return v
	}
	return ""
}
