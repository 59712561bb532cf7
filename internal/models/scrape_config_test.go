package models

import (
	"testing"
	"time"
)

func TestScrapeConfigDefaults(t *testing.T) {
	cfg := &ScrapeConfig{}

	if got := cfg.FetchTimeout(); got != 30*time.Second {
		t.Errorf("FetchTimeout() = %v, want 30s", got)
	}
	if got := cfg.RetryBudget(); got != 3 {
		t.Errorf("RetryBudget() = %d, want 3", got)
	}
	if got := cfg.RetryDelay(); got != time.Second {
		t.Errorf("RetryDelay() = %v, want 1s", got)
	}
	if !cfg.HeadlessEnabled() {
		t.Error("HeadlessEnabled() should default to true")
	}
	if !cfg.BypassEnabled() {
		t.Error("BypassEnabled() should default to true")
	}

	w, h, err := cfg.Viewport()
	if err != nil {
		t.Fatalf("Viewport() error: %v", err)
	}
	if w != 1920 || h != 1080 {
		t.Errorf("Viewport() = %dx%d, want 1920x1080", w, h)
	}
}

func TestScrapeConfigExplicitZeroRetries(t *testing.T) {
	zero := 0
	cfg := &ScrapeConfig{MaxRetries: &zero, DelayBetweenRetries: &zero}

	if got := cfg.RetryBudget(); got != 0 {
		t.Errorf("RetryBudget() = %d, want explicit 0", got)
	}
	if got := cfg.RetryDelay(); got != 0 {
		t.Errorf("RetryDelay() = %v, want 0", got)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("explicit zeros should validate: %v", err)
	}
}

func TestScrapeConfigExplicitFalseFlags(t *testing.T) {
	off := false
	cfg := &ScrapeConfig{Headless: &off, BypassCloudflare: &off}

	if cfg.HeadlessEnabled() {
		t.Error("explicit headless=false should win over default")
	}
	if cfg.BypassEnabled() {
		t.Error("explicit bypass_cloudflare=false should win over default")
	}
}

func TestParseWindowSize(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		width   int
		height  int
		wantErr bool
	}{
		{"default size", "1920,1080", 1920, 1080, false},
		{"minimum bound", "100,100", 100, 100, false},
		{"maximum bound", "4000,4000", 4000, 4000, false},
		{"spaces tolerated", " 800 , 600 ", 800, 600, false},
		{"width too small", "99,500", 0, 0, true},
		{"height too large", "500,4001", 0, 0, true},
		{"missing height", "1920", 0, 0, true},
		{"not numeric", "wide,tall", 0, 0, true},
		{"too many parts", "1,2,3", 0, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, h, err := ParseWindowSize(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ParseWindowSize(%q) expected error", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseWindowSize(%q) error: %v", tt.input, err)
			}
			if w != tt.width || h != tt.height {
				t.Errorf("ParseWindowSize(%q) = %dx%d, want %dx%d", tt.input, w, h, tt.width, tt.height)
			}
		})
	}
}

func TestScrapeConfigValidateRanges(t *testing.T) {
	over := 11
	tests := []struct {
		name    string
		cfg     ScrapeConfig
		wantErr bool
	}{
		{"empty config", ScrapeConfig{}, false},
		{"timeout at max", ScrapeConfig{Timeout: 300}, false},
		{"timeout over max", ScrapeConfig{Timeout: 301}, true},
		{"retries over max", ScrapeConfig{MaxRetries: &over}, true},
		{"bad window size", ScrapeConfig{WindowSize: "10,10"}, true},
		{"bad proxy", ScrapeConfig{Proxy: "not a url"}, true},
		{"good proxy", ScrapeConfig{Proxy: "http://proxy.local:3128"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr && err == nil {
				t.Error("expected validation error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if err != nil && !IsInvalidInput(err) {
				t.Errorf("validation failures should carry INVALID_INPUT, got %v", KindOf(err))
			}
		})
	}
}
