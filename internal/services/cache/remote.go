package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/metrics"
	"github.com/ternarybob/colligo/internal/models"
)

// scanBatch bounds how many keys one SCAN page requests
const scanBatch = 256

// Remote is the shared cache tier backed by a Redis-compatible server.
// Endpoints are tried in order; a health loop pings the active one and
// fails over to the next on error, wrapping around. While no endpoint
// answers the client is degraded and every operation reports
// REMOTE_UNAVAILABLE, which callers treat as a miss.
type Remote struct {
	config    *common.RemoteCacheConfig
	logger    arbor.ILogger
	collector *metrics.Collector

	mu      sync.RWMutex
	client  *redis.Client
	addrIdx int
	healthy bool

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewRemote connects to the first reachable endpoint and starts the
// health loop. A fully unreachable endpoint list still returns a
// usable, degraded client.
func NewRemote(config *common.RemoteCacheConfig, logger arbor.ILogger, collector *metrics.Collector) *Remote {
	r := &Remote{
		config:    config,
		logger:    logger,
		collector: collector,
		stopCh:    make(chan struct{}),
	}

	r.mu.Lock()
	if !r.connectLocked() {
		logger.Warn().Msg("No remote cache endpoint reachable, starting degraded")
	}
	r.mu.Unlock()

	r.wg.Add(1)
	go r.healthLoop()

	return r
}

// Healthy reports whether an endpoint currently answers pings
func (r *Remote) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.healthy
}

// Get fetches key and its remaining TTL in one round trip. A missing
// key is (nil, 0, false, nil); a degraded client errors with
// REMOTE_UNAVAILABLE.
func (r *Remote) Get(ctx context.Context, key string) ([]byte, time.Duration, bool, error) {
	client := r.snapshot()
	if client == nil {
		return nil, 0, false, models.NewError(models.ErrRemoteUnavailable, "remote cache degraded")
	}

	done := r.observe("get")
	pipe := client.Pipeline()
	getCmd := pipe.Get(ctx, key)
	ttlCmd := pipe.PTTL(ctx, key)
	_, err := pipe.Exec(ctx)
	done(err)

	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, 0, false, models.WrapError(models.ErrRemoteUnavailable, err, "remote get %s failed", key)
	}

	data, err := getCmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, models.WrapError(models.ErrRemoteUnavailable, err, "remote get %s failed", key)
	}

	// PTTL reports negative values for keys without an expiry; callers
	// clamp those to their own bound.
	remaining, _ := ttlCmd.Result()
	return data, remaining, true, nil
}

// Set writes key with ttl, retrying once before giving up
func (r *Remote) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	client := r.snapshot()
	if client == nil {
		return models.NewError(models.ErrRemoteUnavailable, "remote cache degraded")
	}

	done := r.observe("set")
	err := client.Set(ctx, key, value, ttl).Err()
	if err != nil {
		err = client.Set(ctx, key, value, ttl).Err()
	}
	done(err)

	if err != nil {
		return models.WrapError(models.ErrRemoteUnavailable, err, "remote set %s failed", key)
	}
	return nil
}

// Delete removes keys. Missing keys are not an error.
func (r *Remote) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	client := r.snapshot()
	if client == nil {
		return models.NewError(models.ErrRemoteUnavailable, "remote cache degraded")
	}

	done := r.observe("del")
	err := client.Del(ctx, keys...).Err()
	done(err)

	if err != nil {
		return models.WrapError(models.ErrRemoteUnavailable, err, "remote delete failed")
	}
	return nil
}

// MGet fetches many keys in one round trip; absent keys are simply
// missing from the returned map.
func (r *Remote) MGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	if len(keys) == 0 {
		return map[string][]byte{}, nil
	}
	client := r.snapshot()
	if client == nil {
		return nil, models.NewError(models.ErrRemoteUnavailable, "remote cache degraded")
	}

	done := r.observe("mget")
	vals, err := client.MGet(ctx, keys...).Result()
	done(err)

	if err != nil {
		return nil, models.WrapError(models.ErrRemoteUnavailable, err, "remote mget failed")
	}

	out := make(map[string][]byte, len(keys))
	for i, v := range vals {
		if s, ok := v.(string); ok {
			out[keys[i]] = []byte(s)
		}
	}
	return out, nil
}

// MSet writes many keys with a shared ttl through one pipeline
func (r *Remote) MSet(ctx context.Context, items map[string][]byte, ttl time.Duration) error {
	if len(items) == 0 {
		return nil
	}
	client := r.snapshot()
	if client == nil {
		return models.NewError(models.ErrRemoteUnavailable, "remote cache degraded")
	}

	done := r.observe("mset")
	pipe := client.Pipeline()
	for key, value := range items {
		pipe.Set(ctx, key, value, ttl)
	}
	_, err := pipe.Exec(ctx)
	done(err)

	if err != nil {
		return models.WrapError(models.ErrRemoteUnavailable, err, "remote mset failed")
	}
	return nil
}

// DeletePattern SCANs for keys matching pattern and deletes them in
// batches, returning how many went away.
func (r *Remote) DeletePattern(ctx context.Context, pattern string) (int, error) {
	client := r.snapshot()
	if client == nil {
		return 0, models.NewError(models.ErrRemoteUnavailable, "remote cache degraded")
	}

	done := r.observe("scan")
	deleted := 0
	var cursor uint64
	for {
		keys, next, err := client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			done(err)
			return deleted, models.WrapError(models.ErrRemoteUnavailable, err, "remote scan %s failed", pattern)
		}
		if len(keys) > 0 {
			if err := client.Del(ctx, keys...).Err(); err != nil {
				done(err)
				return deleted, models.WrapError(models.ErrRemoteUnavailable, err, "remote delete failed")
			}
			deleted += len(keys)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	done(nil)
	return deleted, nil
}

// Close stops the health loop and tears down the active client
func (r *Remote) Close() error {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		return nil
	}
	err := r.closeClientLocked()
	return err
}

// observe times one remote operation. The returned closure records the
// latency and counts the failure unless it is a cache miss.
func (r *Remote) observe(op string) func(error) {
	start := time.Now()
	return func(err error) {
		if r.collector == nil {
			return
		}
		r.collector.ObserveRemoteOp(op, time.Since(start).Seconds())
		if err != nil && !errors.Is(err, redis.Nil) {
			r.collector.RemoteOpError(op)
		}
	}
}

// snapshot returns the active client, or nil while degraded
func (r *Remote) snapshot() *redis.Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.healthy {
		return nil
	}
	return r.client
}

// buildClient constructs a client for one endpoint
func (r *Remote) buildClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:            addr,
		Password:        r.config.Password,
		DB:              r.config.DB,
		PoolSize:        r.config.PoolSize,
		DialTimeout:     r.config.DialDeadline(),
		ReadTimeout:     r.config.ReadDeadline(),
		WriteTimeout:    r.config.WriteDeadline(),
		PoolTimeout:     r.config.PoolWait(),
		ConnMaxIdleTime: r.config.MaxIdleTime(),
		OnConnect: func(ctx context.Context, cn *redis.Conn) error {
			r.collector.RemoteConnCreated()
			return nil
		},
	})
}

// connectLocked tries every endpoint once starting at addrIdx. Caller
// holds the write lock.
func (r *Remote) connectLocked() bool {
	count := len(r.config.Addrs)
	if count == 0 {
		r.healthy = false
		return false
	}

	for i := 0; i < count; i++ {
		idx := (r.addrIdx + i) % count
		client := r.buildClient(r.config.Addrs[idx])

		ctx, cancel := context.WithTimeout(context.Background(), r.config.DialDeadline())
		err := client.Ping(ctx).Err()
		cancel()

		if err == nil {
			r.client = client
			r.addrIdx = idx
			r.healthy = true
			r.logger.Info().Str("addr", r.config.Addrs[idx]).Msg("Remote cache connected")
			return true
		}

		r.logger.Warn().Err(err).Str("addr", r.config.Addrs[idx]).Msg("Remote cache endpoint unreachable")
		client.Close()
	}

	r.client = nil
	r.healthy = false
	return false
}

// healthLoop pings the active endpoint and drives failover
func (r *Remote) healthLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.PingEvery())
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.checkHealth()
		}
	}
}

func (r *Remote) checkHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client == nil {
		r.connectLocked()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.config.DialDeadline())
	err := r.client.Ping(ctx).Err()
	cancel()

	if err == nil {
		r.healthy = true
		r.collector.SetRemotePoolSize(int(r.client.PoolStats().TotalConns))
		return
	}

	r.logger.Warn().Err(err).Str("addr", r.config.Addrs[r.addrIdx]).Msg("Remote cache ping failed, failing over")
	r.closeClientLocked()
	r.addrIdx = (r.addrIdx + 1) % len(r.config.Addrs)
	r.connectLocked()
}

// closeClientLocked tears down the active client and accounts its
// pooled connections. Caller holds the write lock.
func (r *Remote) closeClientLocked() error {
	if r.client == nil {
		return nil
	}
	stats := r.client.PoolStats()
	for i := uint32(0); i < stats.TotalConns; i++ {
		r.collector.RemoteConnClosed()
	}
	err := r.client.Close()
	r.client = nil
	r.healthy = false
	r.collector.SetRemotePoolSize(0)
	return err
}
