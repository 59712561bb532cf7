package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment"` // "development" or "production" - controls test URL validation
	Server      ServerConfig    `toml:"server"`
	Storage     StorageConfig   `toml:"storage"`
	Queue       QueueConfig     `toml:"queue"`
	Workers     WorkersConfig   `toml:"workers"`
	Scraper     ScraperConfig   `toml:"scraper"`
	Cache       CacheConfig     `toml:"cache"`
	Retention   RetentionConfig `toml:"retention"`
	Logging     LoggingConfig   `toml:"logging"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

type StorageConfig struct {
	SQLite SQLiteConfig `toml:"sqlite"`
}

// SQLiteConfig represents SQLite-specific configuration
type SQLiteConfig struct {
	Path          string `toml:"path"`            // Database file path
	CacheSizeMB   int    `toml:"cache_size_mb"`   // Page cache size in megabytes
	BusyTimeoutMS int    `toml:"busy_timeout_ms"` // Lock wait timeout in milliseconds
	WALMode       bool   `toml:"wal_mode"`        // Enable write-ahead logging
}

type QueueConfig struct {
	Capacity int `toml:"capacity"` // Maximum queued jobs before submissions are rejected
}

// WorkersConfig contains configuration for the job executor pool
type WorkersConfig struct {
	Count              int    `toml:"count"`                // Number of concurrent worker goroutines
	ProgressInterval   string `toml:"progress_interval"`    // e.g., "500ms" - minimum gap between progress writes per job
	CallbackTimeout    string `toml:"callback_timeout"`     // e.g., "10s" - completion callback POST timeout
	CancelPollInterval string `toml:"cancel_poll_interval"` // e.g., "1s" - how often running jobs check the cancel flag
	ShutdownTimeout    string `toml:"shutdown_timeout"`     // e.g., "30s" - grace period for in-flight jobs on stop
}

// ScraperConfig contains fetch-layer configuration shared by both variants
type ScraperConfig struct {
	UserAgent       string `toml:"user_agent"`        // Default user agent string
	MaxBodySize     int    `toml:"max_body_size"`     // Maximum response body size in bytes
	PerHostDelay    string `toml:"per_host_delay"`    // e.g., "500ms" - minimum delay between requests to the same host
	MaxPerHost      int    `toml:"max_per_host"`      // Maximum parallel requests per host
	BrowserPoolSize int    `toml:"browser_pool_size"` // Headless browser contexts kept warm
	ChromePath      string `toml:"chrome_path"`       // Optional explicit Chrome/Chromium binary path
}

// CacheConfig contains configuration for the two-tier result cache
type CacheConfig struct {
	Prefix               string            `toml:"prefix"`                // Global key prefix, namespaces this instance
	LocalMaxBytes        int64             `toml:"local_max_bytes"`       // In-memory tier size budget
	LocalTTL             string            `toml:"local_ttl"`             // e.g., "30s" - ceiling for local entry lifetime
	DefaultTTL           string            `toml:"default_ttl"`           // e.g., "10m" - remote TTL when callers pass zero
	StatusTTL            string            `toml:"status_ttl"`            // e.g., "2s" - job status projection lifetime
	ResultTTL            string            `toml:"result_ttl"`            // e.g., "10m" - completed result lifetime
	CompressionThreshold int               `toml:"compression_threshold"` // Gzip payloads larger than this many bytes
	HitRatioInterval     string            `toml:"hit_ratio_interval"`    // e.g., "30s" - hit ratio gauge recompute interval
	Remote               RemoteCacheConfig `toml:"remote"`
}

// RemoteCacheConfig contains configuration for the shared cache tier
type RemoteCacheConfig struct {
	Enabled      bool     `toml:"enabled"`
	Addrs        []string `toml:"addrs"` // Endpoints tried in order; failover wraps around
	Password     string   `toml:"password"`
	DB           int      `toml:"db"`
	PoolSize     int      `toml:"pool_size"`
	DialTimeout  string   `toml:"dial_timeout"`  // e.g., "5s"
	ReadTimeout  string   `toml:"read_timeout"`  // e.g., "3s"
	WriteTimeout string   `toml:"write_timeout"` // e.g., "3s"
	PoolTimeout  string   `toml:"pool_timeout"`  // e.g., "4s" - wait for a free connection
	IdleTime     string   `toml:"idle_time"`     // e.g., "5m" - close connections idle longer than this
	PingInterval string   `toml:"ping_interval"` // e.g., "10s" - health check cadence
}

// RetentionConfig controls the terminal-job sweep
type RetentionConfig struct {
	Enabled  bool   `toml:"enabled"`
	Schedule string `toml:"schedule"` // Cron schedule format
	MaxAge   string `toml:"max_age"`  // e.g., "720h" - terminal jobs older than this are deleted
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Format     string   `toml:"format"`      // "json" or "text"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // Time format for logs (default: "15:04:05.000")
}

// NewDefaultConfig creates a configuration with default values
// Technical parameters are hardcoded here for production stability.
// Only user-facing settings should be exposed in colligo.toml.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development", // Default to development mode - allows test URLs
		Server: ServerConfig{
			Port: 8085,
			Host: "localhost",
		},
		Storage: StorageConfig{
			SQLite: SQLiteConfig{
				Path:          "./data/colligo.db",
				CacheSizeMB:   64,
				BusyTimeoutMS: 5000,
				WALMode:       true,
			},
		},
		Queue: QueueConfig{
			Capacity: 1000, // Submissions beyond this are rejected with QUEUE_FULL
		},
		Workers: WorkersConfig{
			Count:              4,
			ProgressInterval:   "500ms",
			CallbackTimeout:    "10s",
			CancelPollInterval: "1s",
			ShutdownTimeout:    "30s",
		},
		Scraper: ScraperConfig{
			UserAgent:       "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			MaxBodySize:     10 * 1024 * 1024, // 10MB
			PerHostDelay:    "500ms",
			MaxPerHost:      2,
			BrowserPoolSize: 2,
		},
		Cache: CacheConfig{
			Prefix:               "colligo",
			LocalMaxBytes:        64 * 1024 * 1024, // 64MB in-memory tier
			LocalTTL:             "30s",
			DefaultTTL:           "10m",
			StatusTTL:            "2s",  // Short enough that status reads track the store closely
			ResultTTL:            "10m", // Results are immutable once written
			CompressionThreshold: 4096,
			HitRatioInterval:     "30s",
			Remote: RemoteCacheConfig{
				Enabled:      false, // Opt-in: single-node deployments run local-only
				Addrs:        []string{"localhost:6379"},
				DB:           0,
				PoolSize:     10,
				DialTimeout:  "5s",
				ReadTimeout:  "3s",
				WriteTimeout: "3s",
				PoolTimeout:  "4s",
				IdleTime:     "5m",
				PingInterval: "10s",
			},
		},
		Retention: RetentionConfig{
			Enabled:  false,           // Disabled by default - user must explicitly opt-in
			Schedule: "0 0 */6 * * *", // Every 6 hours (cron format with seconds)
			MaxAge:   "720h",          // 30 days
		},
		Logging: LoggingConfig{
			Level:  "info",                     // Info level for production (debug|info|warn|error)
			Format: "text",                     // Human-readable text format (text|json)
			Output: []string{"stdout", "file"}, // Log to both console and file
		},
	}
}

// LoadFromFile loads configuration with priority: default -> file -> env -> CLI
// Priority system: CLI flags > Environment variables > Config file > Defaults
func LoadFromFile(path string) (*Config, error) {
	if path == "" {
		return LoadFromFiles()
	}
	return LoadFromFiles(path)
}

// LoadFromFiles loads configuration from multiple files with priority: default -> file1 -> file2 -> ... -> env
// Later files override earlier files.
// Example: LoadFromFiles("base.toml", "override.toml") - override.toml settings take precedence over base.toml
func LoadFromFiles(paths ...string) (*Config, error) {
	// Start with defaults
	config := NewDefaultConfig()

	// Load and merge each config file in order (later files override earlier files)
	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		// Unmarshal into config (merges with existing values, later values override)
		err = toml.Unmarshal(data, config)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	// Apply environment variables (overrides all file configs)
	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	// Environment configuration (highest priority: COLLIGO_ENV, fallback: GO_ENV)
	if env := os.Getenv("COLLIGO_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	// Server configuration
	if port := os.Getenv("COLLIGO_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("COLLIGO_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	// Storage configuration
	if path := os.Getenv("COLLIGO_SQLITE_PATH"); path != "" {
		config.Storage.SQLite.Path = path
	}
	if cacheSize := os.Getenv("COLLIGO_SQLITE_CACHE_SIZE_MB"); cacheSize != "" {
		if cs, err := strconv.Atoi(cacheSize); err == nil {
			config.Storage.SQLite.CacheSizeMB = cs
		}
	}
	if busyTimeout := os.Getenv("COLLIGO_SQLITE_BUSY_TIMEOUT_MS"); busyTimeout != "" {
		if bt, err := strconv.Atoi(busyTimeout); err == nil {
			config.Storage.SQLite.BusyTimeoutMS = bt
		}
	}
	if walMode := os.Getenv("COLLIGO_SQLITE_WAL_MODE"); walMode != "" {
		if wm, err := strconv.ParseBool(walMode); err == nil {
			config.Storage.SQLite.WALMode = wm
		}
	}

	// Queue configuration
	if capacity := os.Getenv("COLLIGO_QUEUE_CAPACITY"); capacity != "" {
		if c, err := strconv.Atoi(capacity); err == nil {
			config.Queue.Capacity = c
		}
	}

	// Workers configuration
	if count := os.Getenv("COLLIGO_WORKERS_COUNT"); count != "" {
		if c, err := strconv.Atoi(count); err == nil {
			config.Workers.Count = c
		}
	}
	if progressInterval := os.Getenv("COLLIGO_WORKERS_PROGRESS_INTERVAL"); progressInterval != "" {
		config.Workers.ProgressInterval = progressInterval
	}
	if callbackTimeout := os.Getenv("COLLIGO_WORKERS_CALLBACK_TIMEOUT"); callbackTimeout != "" {
		config.Workers.CallbackTimeout = callbackTimeout
	}
	if cancelPoll := os.Getenv("COLLIGO_WORKERS_CANCEL_POLL_INTERVAL"); cancelPoll != "" {
		config.Workers.CancelPollInterval = cancelPoll
	}
	if shutdownTimeout := os.Getenv("COLLIGO_WORKERS_SHUTDOWN_TIMEOUT"); shutdownTimeout != "" {
		config.Workers.ShutdownTimeout = shutdownTimeout
	}

	// Scraper configuration
	if userAgent := os.Getenv("COLLIGO_SCRAPER_USER_AGENT"); userAgent != "" {
		config.Scraper.UserAgent = userAgent
	}
	if maxBodySize := os.Getenv("COLLIGO_SCRAPER_MAX_BODY_SIZE"); maxBodySize != "" {
		if mbs, err := strconv.Atoi(maxBodySize); err == nil {
			config.Scraper.MaxBodySize = mbs
		}
	}
	if perHostDelay := os.Getenv("COLLIGO_SCRAPER_PER_HOST_DELAY"); perHostDelay != "" {
		config.Scraper.PerHostDelay = perHostDelay
	}
	if maxPerHost := os.Getenv("COLLIGO_SCRAPER_MAX_PER_HOST"); maxPerHost != "" {
		if mph, err := strconv.Atoi(maxPerHost); err == nil {
			config.Scraper.MaxPerHost = mph
		}
	}
	if poolSize := os.Getenv("COLLIGO_SCRAPER_BROWSER_POOL_SIZE"); poolSize != "" {
		if ps, err := strconv.Atoi(poolSize); err == nil {
			config.Scraper.BrowserPoolSize = ps
		}
	}
	if chromePath := os.Getenv("COLLIGO_SCRAPER_CHROME_PATH"); chromePath != "" {
		config.Scraper.ChromePath = chromePath
	}

	// Cache configuration
	if prefix := os.Getenv("COLLIGO_CACHE_PREFIX"); prefix != "" {
		config.Cache.Prefix = prefix
	}
	if localMax := os.Getenv("COLLIGO_CACHE_LOCAL_MAX_BYTES"); localMax != "" {
		if lm, err := strconv.ParseInt(localMax, 10, 64); err == nil {
			config.Cache.LocalMaxBytes = lm
		}
	}
	if localTTL := os.Getenv("COLLIGO_CACHE_LOCAL_TTL"); localTTL != "" {
		config.Cache.LocalTTL = localTTL
	}
	if defaultTTL := os.Getenv("COLLIGO_CACHE_DEFAULT_TTL"); defaultTTL != "" {
		config.Cache.DefaultTTL = defaultTTL
	}
	if statusTTL := os.Getenv("COLLIGO_CACHE_STATUS_TTL"); statusTTL != "" {
		config.Cache.StatusTTL = statusTTL
	}
	if resultTTL := os.Getenv("COLLIGO_CACHE_RESULT_TTL"); resultTTL != "" {
		config.Cache.ResultTTL = resultTTL
	}
	if threshold := os.Getenv("COLLIGO_CACHE_COMPRESSION_THRESHOLD"); threshold != "" {
		if t, err := strconv.Atoi(threshold); err == nil {
			config.Cache.CompressionThreshold = t
		}
	}
	if hitRatioInterval := os.Getenv("COLLIGO_CACHE_HIT_RATIO_INTERVAL"); hitRatioInterval != "" {
		config.Cache.HitRatioInterval = hitRatioInterval
	}
	if enabled := os.Getenv("COLLIGO_CACHE_REMOTE_ENABLED"); enabled != "" {
		if e, err := strconv.ParseBool(enabled); err == nil {
			config.Cache.Remote.Enabled = e
		}
	}
	if addrs := os.Getenv("COLLIGO_CACHE_REMOTE_ADDRS"); addrs != "" {
		// Split comma-separated endpoint list
		endpoints := []string{}
		for _, a := range strings.Split(addrs, ",") {
			trimmed := strings.TrimSpace(a)
			if trimmed != "" {
				endpoints = append(endpoints, trimmed)
			}
		}
		if len(endpoints) > 0 {
			config.Cache.Remote.Addrs = endpoints
		}
	}
	if password := os.Getenv("COLLIGO_CACHE_REMOTE_PASSWORD"); password != "" {
		config.Cache.Remote.Password = password
	}
	if db := os.Getenv("COLLIGO_CACHE_REMOTE_DB"); db != "" {
		if d, err := strconv.Atoi(db); err == nil {
			config.Cache.Remote.DB = d
		}
	}
	if poolSize := os.Getenv("COLLIGO_CACHE_REMOTE_POOL_SIZE"); poolSize != "" {
		if ps, err := strconv.Atoi(poolSize); err == nil {
			config.Cache.Remote.PoolSize = ps
		}
	}
	if pingInterval := os.Getenv("COLLIGO_CACHE_REMOTE_PING_INTERVAL"); pingInterval != "" {
		config.Cache.Remote.PingInterval = pingInterval
	}

	// Retention configuration
	if enabled := os.Getenv("COLLIGO_RETENTION_ENABLED"); enabled != "" {
		if e, err := strconv.ParseBool(enabled); err == nil {
			config.Retention.Enabled = e
		}
	}
	if schedule := os.Getenv("COLLIGO_RETENTION_SCHEDULE"); schedule != "" {
		config.Retention.Schedule = schedule
	}
	if maxAge := os.Getenv("COLLIGO_RETENTION_MAX_AGE"); maxAge != "" {
		config.Retention.MaxAge = maxAge
	}

	// Logging configuration
	if level := os.Getenv("COLLIGO_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("COLLIGO_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}
	if output := os.Getenv("COLLIGO_LOG_OUTPUT"); output != "" {
		// Split comma-separated output types
		outputs := []string{}
		for _, o := range strings.Split(output, ",") {
			trimmed := strings.TrimSpace(o)
			if trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}
	if timeFormat := os.Getenv("COLLIGO_LOG_TIME_FORMAT"); timeFormat != "" {
		config.Logging.TimeFormat = timeFormat
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config
func ApplyFlagOverrides(config *Config, port int, host string) {
	// Command-line flags have highest priority
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// Validate checks the loaded configuration for values that would break startup.
// Called once after LoadFromFiles and flag overrides.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Storage.SQLite.Path == "" {
		return fmt.Errorf("storage.sqlite.path is required")
	}
	if c.Queue.Capacity < 1 {
		return fmt.Errorf("queue.capacity must be positive, got %d", c.Queue.Capacity)
	}
	if c.Workers.Count < 1 {
		return fmt.Errorf("workers.count must be positive, got %d", c.Workers.Count)
	}
	if c.Cache.LocalMaxBytes < 1 {
		return fmt.Errorf("cache.local_max_bytes must be positive, got %d", c.Cache.LocalMaxBytes)
	}
	if c.Cache.CompressionThreshold < 0 {
		return fmt.Errorf("cache.compression_threshold must not be negative, got %d", c.Cache.CompressionThreshold)
	}
	if c.Cache.Remote.Enabled && len(c.Cache.Remote.Addrs) == 0 {
		return fmt.Errorf("cache.remote.addrs is required when the remote tier is enabled")
	}

	durations := map[string]string{
		"workers.progress_interval":    c.Workers.ProgressInterval,
		"workers.callback_timeout":     c.Workers.CallbackTimeout,
		"workers.cancel_poll_interval": c.Workers.CancelPollInterval,
		"workers.shutdown_timeout":     c.Workers.ShutdownTimeout,
		"scraper.per_host_delay":       c.Scraper.PerHostDelay,
		"cache.local_ttl":              c.Cache.LocalTTL,
		"cache.default_ttl":            c.Cache.DefaultTTL,
		"cache.status_ttl":             c.Cache.StatusTTL,
		"cache.result_ttl":             c.Cache.ResultTTL,
		"cache.hit_ratio_interval":     c.Cache.HitRatioInterval,
		"retention.max_age":            c.Retention.MaxAge,
	}
	for key, value := range durations {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
		}
	}

	if c.Retention.Enabled {
		parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
		if _, err := parser.Parse(c.Retention.Schedule); err != nil {
			return fmt.Errorf("retention.schedule: invalid cron expression %q: %w", c.Retention.Schedule, err)
		}
	}

	return nil
}

// DurationOr parses a duration string, falling back when it is empty or malformed.
// Config durations are validated at startup, so the fallback path only fires for
// sections constructed in tests.
func DurationOr(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

// ProgressFlushInterval returns the minimum gap between progress writes per job
func (w *WorkersConfig) ProgressFlushInterval() time.Duration {
	return DurationOr(w.ProgressInterval, 500*time.Millisecond)
}

// CallbackDeadline returns the completion callback POST timeout
func (w *WorkersConfig) CallbackDeadline() time.Duration {
	return DurationOr(w.CallbackTimeout, 10*time.Second)
}

// CancelPoll returns how often running jobs re-read the cancel flag
func (w *WorkersConfig) CancelPoll() time.Duration {
	return DurationOr(w.CancelPollInterval, time.Second)
}

// ShutdownGrace returns the grace period for in-flight jobs on stop
func (w *WorkersConfig) ShutdownGrace() time.Duration {
	return DurationOr(w.ShutdownTimeout, 30*time.Second)
}

// HostDelay returns the minimum delay between requests to the same host
func (s *ScraperConfig) HostDelay() time.Duration {
	return DurationOr(s.PerHostDelay, 500*time.Millisecond)
}

// LocalEntryTTL returns the ceiling for local cache entry lifetime
func (c *CacheConfig) LocalEntryTTL() time.Duration {
	return DurationOr(c.LocalTTL, 30*time.Second)
}

// DefaultEntryTTL returns the remote TTL applied when callers pass zero
func (c *CacheConfig) DefaultEntryTTL() time.Duration {
	return DurationOr(c.DefaultTTL, 10*time.Minute)
}

// StatusEntryTTL returns the lifetime of cached status projections
func (c *CacheConfig) StatusEntryTTL() time.Duration {
	return DurationOr(c.StatusTTL, 2*time.Second)
}

// ResultEntryTTL returns the lifetime of cached completed results
func (c *CacheConfig) ResultEntryTTL() time.Duration {
	return DurationOr(c.ResultTTL, 10*time.Minute)
}

// HitRatioEvery returns the hit ratio gauge recompute interval
func (c *CacheConfig) HitRatioEvery() time.Duration {
	return DurationOr(c.HitRatioInterval, 30*time.Second)
}

// DialDeadline returns the remote cache connect timeout
func (r *RemoteCacheConfig) DialDeadline() time.Duration {
	return DurationOr(r.DialTimeout, 5*time.Second)
}

// ReadDeadline returns the remote cache read timeout
func (r *RemoteCacheConfig) ReadDeadline() time.Duration {
	return DurationOr(r.ReadTimeout, 3*time.Second)
}

// WriteDeadline returns the remote cache write timeout
func (r *RemoteCacheConfig) WriteDeadline() time.Duration {
	return DurationOr(r.WriteTimeout, 3*time.Second)
}

// PoolWait returns how long a caller waits for a free connection
func (r *RemoteCacheConfig) PoolWait() time.Duration {
	return DurationOr(r.PoolTimeout, 4*time.Second)
}

// MaxIdleTime returns the idle age after which connections close
func (r *RemoteCacheConfig) MaxIdleTime() time.Duration {
	return DurationOr(r.IdleTime, 5*time.Minute)
}

// PingEvery returns the health probe cadence
func (r *RemoteCacheConfig) PingEvery() time.Duration {
	return DurationOr(r.PingInterval, 10*time.Second)
}

// MaxJobAge returns the age past which terminal jobs are swept
func (r *RetentionConfig) MaxJobAge() time.Duration {
	return DurationOr(r.MaxAge, 720*time.Hour)
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}

// AllowTestURLs returns true if test URLs (localhost, 127.0.0.1, etc.) are allowed
// Test URLs are only allowed in development mode
func (c *Config) AllowTestURLs() bool {
	return !c.IsProduction()
}
