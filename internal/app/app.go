package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/interfaces"
	"github.com/ternarybob/colligo/internal/metrics"
	"github.com/ternarybob/colligo/internal/queue"
	"github.com/ternarybob/colligo/internal/services/cache"
	"github.com/ternarybob/colligo/internal/services/executor"
	"github.com/ternarybob/colligo/internal/services/jobs"
	"github.com/ternarybob/colligo/internal/services/scraper"
	"github.com/ternarybob/colligo/internal/storage/sqlite"
)

// App wires the execution core together: storage, queue, cache, scraper
// variants, the job service and the worker pool, plus the maintenance
// cron and the metrics endpoint.
type App struct {
	Config    *common.Config
	Logger    arbor.ILogger
	Collector *metrics.Collector

	Storage    interfaces.StorageManager
	Queue      *queue.PriorityQueue
	Cache      *cache.Service
	Scraper    *scraper.Service
	Bulks      *jobs.BulkController
	JobService *jobs.Service
	Executor   *executor.Service

	registry *prometheus.Registry
	cron     *cron.Cron
	server   *http.Server
}

// New builds the dependency graph in order. Nothing runs until Start.
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	a := &App{
		Config: cfg,
		Logger: logger,
	}

	a.registry = prometheus.NewRegistry()
	a.Collector = metrics.NewCollector(a.registry)

	storageManager, err := sqlite.NewManager(logger, &cfg.Storage.SQLite)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	a.Storage = storageManager
	logger.Debug().Str("path", cfg.Storage.SQLite.Path).Msg("Storage layer initialized")

	a.Queue = queue.New(cfg.Queue.Capacity, a.Collector)
	logger.Debug().Int("capacity", cfg.Queue.Capacity).Msg("Job queue initialized")

	var remote *cache.Remote
	if cfg.Cache.Remote.Enabled {
		remote = cache.NewRemote(&cfg.Cache.Remote, logger, a.Collector)
	} else {
		logger.Debug().Msg("Remote cache disabled, running local-only")
	}
	a.Cache = cache.NewService(&cfg.Cache, remote, logger, a.Collector)

	a.Scraper = scraper.NewService(&cfg.Scraper, logger, a.Collector)
	a.Bulks = jobs.NewBulkController()

	a.JobService = jobs.NewService(
		cfg,
		logger,
		a.Collector,
		a.Storage.JobStorage(),
		a.Storage.ResultStorage(),
		a.Queue,
		a.Cache,
		a.Bulks,
	)

	a.Executor = executor.NewService(
		cfg,
		logger,
		a.Collector,
		a.Storage.JobStorage(),
		a.Queue,
		a.Scraper,
		a.Bulks,
	)

	if err := a.initCron(); err != nil {
		return nil, fmt.Errorf("failed to schedule maintenance: %w", err)
	}
	a.initServer()

	return a, nil
}

// Start recovers persisted work, launches the worker pool, the
// maintenance cron and the metrics listener.
func (a *App) Start(ctx context.Context) error {
	recovered, err := a.Executor.Recover(ctx)
	if err != nil {
		return fmt.Errorf("startup recovery failed: %w", err)
	}
	if recovered > 0 {
		a.Logger.Info().Int("jobs", recovered).Msg("Persisted jobs recovered into the queue")
	}

	if err := a.Executor.Start(ctx); err != nil {
		return err
	}
	a.cron.Start()

	common.SafeGo(a.Logger, "metricsListener", func() {
		a.Logger.Info().Str("addr", a.server.Addr).Msg("Metrics listener started")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error().Err(err).Msg("Metrics listener failed")
		}
	})

	return nil
}

// Close tears everything down in reverse dependency order. The queue
// closes first so workers drain and exit before their dependencies go
// away.
func (a *App) Close() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.Logger.Warn().Err(err).Msg("Metrics listener shutdown failed")
	}

	cronCtx := a.cron.Stop()
	select {
	case <-cronCtx.Done():
	case <-time.After(5 * time.Second):
		a.Logger.Warn().Msg("Maintenance jobs still running at shutdown")
	}

	a.Queue.Close()
	if err := a.Executor.Stop(); err != nil {
		a.Logger.Warn().Err(err).Msg("Worker pool stop failed")
	}

	if err := a.Scraper.Close(); err != nil {
		a.Logger.Warn().Err(err).Msg("Scraper close failed")
	}
	if err := a.Cache.Close(); err != nil {
		a.Logger.Warn().Err(err).Msg("Cache close failed")
	}
	if err := a.Storage.Close(); err != nil {
		return fmt.Errorf("failed to close storage: %w", err)
	}

	a.Logger.Info().Msg("Application shut down")
	return nil
}

// initCron schedules the cache hit-ratio recompute and the terminal-job
// retention sweep.
func (a *App) initCron() error {
	// Schedules use the six-field cron format with seconds, matching
	// config validation.
	a.cron = cron.New(cron.WithSeconds())

	every := fmt.Sprintf("@every %s", a.Config.Cache.HitRatioEvery())
	if _, err := a.cron.AddFunc(every, a.Cache.RecomputeHitRatios); err != nil {
		return err
	}

	if a.Config.Retention.Enabled {
		if _, err := a.cron.AddFunc(a.Config.Retention.Schedule, a.sweepRetention); err != nil {
			return err
		}
		a.Logger.Debug().
			Str("schedule", a.Config.Retention.Schedule).
			Str("max_age", a.Config.Retention.MaxJobAge().String()).
			Msg("Retention sweep scheduled")
	}
	return nil
}

// sweepRetention deletes terminal jobs past the retention age. Result
// rows cascade with the job.
func (a *App) sweepRetention() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cutoff := time.Now().UTC().Add(-a.Config.Retention.MaxJobAge())
	deleted, err := a.Storage.JobStorage().DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		a.Logger.Warn().Err(err).Msg("Retention sweep failed")
		return
	}
	if deleted > 0 {
		a.Logger.Info().Int64("deleted", deleted).Str("cutoff", cutoff.Format(time.RFC3339)).Msg("Retention sweep completed")
	}
}

// initServer builds the metrics and health listener.
func (a *App) initServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(a.registry))
	mux.HandleFunc("/healthz", a.handleHealth)

	a.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", a.Config.Server.Host, a.Config.Server.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	counts, err := a.Storage.JobStorage().CountJobsByStatus(ctx)
	storeHealthy := err == nil

	status := http.StatusOK
	state := "ok"
	if !storeHealthy {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":        state,
		"queue_depth":   a.Queue.Len(),
		"cache_healthy": a.Cache.Healthy(),
		"store_healthy": storeHealthy,
		"jobs":          counts,
		"goroutines":    common.GetGoroutineCount(),
		"version":       common.GetVersion(),
	})
}
