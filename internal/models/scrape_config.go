package models

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ScrapeConfig defaults applied when a field is not set.
const (
	DefaultTimeoutSeconds = 30
	DefaultMaxRetries     = 3
	DefaultRetryDelaySec  = 1
	DefaultWindowSize     = "1920,1080"

	MinWindowDim = 100
	MaxWindowDim = 4000
)

// ScrapeConfig tunes a single fetch. Zero values mean "use default";
// pointer fields distinguish an explicit zero or false from unset.
type ScrapeConfig struct {
	// Timeout bounds one fetch attempt, in seconds.
	Timeout int `json:"timeout,omitempty" validate:"omitempty,min=1,max=300"`
	// MaxRetries is the retry budget for retryable fetch errors.
	MaxRetries *int `json:"max_retries,omitempty" validate:"omitempty,min=0,max=10"`
	// DelayBetweenRetries is the sleep before a retry, in seconds.
	DelayBetweenRetries *int `json:"delay_between_retries,omitempty" validate:"omitempty,min=0,max=60"`
	// Headless controls browser visibility (HEADLESS_BROWSER only).
	Headless  *bool  `json:"headless,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	// WindowSize is the browser viewport as "width,height".
	WindowSize string `json:"window_size,omitempty"`
	Proxy      string `json:"proxy,omitempty"`
	// BypassCloudflare enables the challenge-solving path on LIGHT_HTTP.
	BypassCloudflare *bool `json:"bypass_cloudflare,omitempty"`
	ExtractText      bool  `json:"extract_text,omitempty"`
	ExtractLinks     bool  `json:"extract_links,omitempty"`
	ExtractImages    bool  `json:"extract_images,omitempty"`
	ExtractMarkdown  bool  `json:"extract_markdown,omitempty"`
	// WaitForSelector blocks until the CSS selector matches
	// (HEADLESS_BROWSER only).
	WaitForSelector string `json:"wait_for_selector,omitempty"`
	// ExecuteScript runs after load, before extraction
	// (HEADLESS_BROWSER only).
	ExecuteScript string `json:"execute_script,omitempty"`
	// Screenshot captures the viewport as PNG (HEADLESS_BROWSER only).
	Screenshot bool `json:"screenshot,omitempty"`
}

// FetchTimeout returns the effective per-fetch bound.
func (c *ScrapeConfig) FetchTimeout() time.Duration {
	if c.Timeout > 0 {
		return time.Duration(c.Timeout) * time.Second
	}
	return DefaultTimeoutSeconds * time.Second
}

// RetryBudget returns the effective max_retries.
func (c *ScrapeConfig) RetryBudget() int {
	if c.MaxRetries != nil {
		return *c.MaxRetries
	}
	return DefaultMaxRetries
}

// RetryDelay returns the effective sleep between retries.
func (c *ScrapeConfig) RetryDelay() time.Duration {
	if c.DelayBetweenRetries != nil {
		return time.Duration(*c.DelayBetweenRetries) * time.Second
	}
	return DefaultRetryDelaySec * time.Second
}

// HeadlessEnabled returns the effective headless flag, default true.
func (c *ScrapeConfig) HeadlessEnabled() bool {
	if c.Headless != nil {
		return *c.Headless
	}
	return true
}

// BypassEnabled returns the effective bypass_cloudflare flag, default
// true.
func (c *ScrapeConfig) BypassEnabled() bool {
	if c.BypassCloudflare != nil {
		return *c.BypassCloudflare
	}
	return true
}

// Viewport parses the effective window size into width and height.
func (c *ScrapeConfig) Viewport() (int, int, error) {
	size := c.WindowSize
	if size == "" {
		size = DefaultWindowSize
	}
	return ParseWindowSize(size)
}

// ParseWindowSize parses "width,height" with both dimensions bounded
// to 100-4000.
func ParseWindowSize(s string) (int, int, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("window_size must be \"width,height\", got %q", s)
	}
	width, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("window_size width: %w", err)
	}
	height, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, fmt.Errorf("window_size height: %w", err)
	}
	for _, dim := range []int{width, height} {
		if dim < MinWindowDim || dim > MaxWindowDim {
			return 0, 0, fmt.Errorf("window_size dimension %d out of range [%d,%d]", dim, MinWindowDim, MaxWindowDim)
		}
	}
	return width, height, nil
}

// Validate checks every field against its documented range.
func (c *ScrapeConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return WrapError(ErrInvalidInput, err, "invalid scrape config")
	}
	if c.WindowSize != "" {
		if _, _, err := ParseWindowSize(c.WindowSize); err != nil {
			return WrapError(ErrInvalidInput, err, "invalid scrape config")
		}
	}
	if c.Proxy != "" {
		u, err := url.Parse(c.Proxy)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return NewError(ErrInvalidInput, "proxy must be an absolute URL, got %q", c.Proxy)
		}
	}
	return nil
}
