// Package cache provides the two-tier response cache: a byte-budgeted
// in-process LRU in front of an optional shared Redis tier. Reads fall
// through local -> remote -> miss; a degraded remote tier is a miss,
// never an error.
package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/interfaces"
	"github.com/ternarybob/colligo/internal/metrics"
	"github.com/ternarybob/colligo/internal/models"
)

// remoteTier is the slice of Remote the manager depends on. Tests swap
// in a fake; production wires *Remote.
type remoteTier interface {
	Get(ctx context.Context, key string) ([]byte, time.Duration, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	DeletePattern(ctx context.Context, pattern string) (int, error)
	Healthy() bool
	Close() error
}

// tierStats accumulates hits and misses for one (tier, prefix) pair
// between hit-ratio recomputes.
type tierStats struct {
	hits   int64
	misses int64
}

// Service is the multi-tier cache manager. All keys are namespaced as
// <globalPrefix>:<subPrefix>:<key>; values are JSON, gzip-compressed
// past the configured threshold.
type Service struct {
	config    *common.CacheConfig
	local     *Local
	remote    remoteTier
	logger    arbor.ILogger
	collector *metrics.Collector

	statsMu sync.Mutex
	stats   map[string]*tierStats
}

// NewService creates the cache manager. A nil remote runs local-only.
func NewService(config *common.CacheConfig, remote *Remote, logger arbor.ILogger, collector *metrics.Collector) *Service {
	s := &Service{
		config:    config,
		local:     NewLocal(config.LocalMaxBytes),
		logger:    logger,
		collector: collector,
		stats:     make(map[string]*tierStats),
	}
	if remote != nil {
		s.remote = remote
	}
	return s
}

// Get decodes the cached value under prefix into dest and reports
// whether a live entry was found. A degraded or failing remote tier
// degrades to a miss.
func (s *Service) Get(ctx context.Context, prefix, key string, dest interface{}) (bool, error) {
	full := s.buildKey(prefix, key)

	if data, ok := s.local.Get(full); ok {
		s.hit("local", prefix)
		if err := decode(data, dest); err != nil {
			// A corrupt entry is unrecoverable; drop it and miss.
			s.local.Delete(full)
			return false, nil
		}
		return true, nil
	}
	s.miss("local", prefix)

	if s.remote == nil {
		return false, nil
	}

	data, remaining, found, err := s.remote.Get(ctx, full)
	if err != nil {
		s.miss("remote", prefix)
		s.logger.Debug().Err(err).Str("key", full).Msg("Remote cache read degraded to miss")
		return false, nil
	}
	if !found {
		s.miss("remote", prefix)
		return false, nil
	}
	s.hit("remote", prefix)

	plain, err := decompress(data)
	if err != nil {
		s.logger.Warn().Err(err).Str("key", full).Msg("Discarding undecodable remote cache entry")
		_ = s.remote.Delete(ctx, full)
		return false, nil
	}
	if err := decode(plain, dest); err != nil {
		_ = s.remote.Delete(ctx, full)
		return false, nil
	}

	// Promote to the local tier for the shorter of the remaining remote
	// lifetime and the local ceiling.
	s.local.Set(full, plain, minTTL(remaining, s.config.LocalEntryTTL()))
	return true, nil
}

// Set writes both tiers. The local tier is capped at the local ceiling;
// the remote tier gets the full ttl. A zero ttl uses the configured
// default. Remote failures are logged and dropped.
func (s *Service) Set(ctx context.Context, prefix, key string, value interface{}, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.config.DefaultEntryTTL()
	}
	full := s.buildKey(prefix, key)

	plain, err := encode(value)
	if err != nil {
		return models.WrapError(models.ErrInvalidInput, err, "cache value for %s is not serializable", full)
	}

	s.local.Set(full, plain, minTTL(ttl, s.config.LocalEntryTTL()))

	if s.remote == nil {
		return nil
	}
	payload := compress(plain, s.config.CompressionThreshold)
	if err := s.remote.Set(ctx, full, payload, ttl); err != nil {
		s.logger.Debug().Err(err).Str("key", full).Msg("Remote cache write dropped")
	}
	return nil
}

// Delete removes the key from both tiers.
func (s *Service) Delete(ctx context.Context, prefix, key string) error {
	full := s.buildKey(prefix, key)
	s.local.Delete(full)

	if s.remote == nil {
		return nil
	}
	if err := s.remote.Delete(ctx, full); err != nil {
		s.logger.Debug().Err(err).Str("key", full).Msg("Remote cache delete dropped")
	}
	return nil
}

// ClearPrefix removes every key under the sub-prefix from both tiers.
// Remote enumeration is a SCAN and may miss keys written concurrently;
// stragglers expire by TTL.
func (s *Service) ClearPrefix(ctx context.Context, prefix string) error {
	scope := s.buildKey(prefix, "")
	removed := s.local.DeletePrefix(scope)

	if s.remote != nil {
		deleted, err := s.remote.DeletePattern(ctx, scope+"*")
		if err != nil {
			s.logger.Debug().Err(err).Str("prefix", scope).Msg("Remote cache prefix clear dropped")
		} else {
			removed += deleted
		}
	}

	s.logger.Debug().Str("prefix", scope).Int("removed", removed).Msg("Cache prefix cleared")
	return nil
}

// RecomputeHitRatios publishes the hit-ratio gauge for every observed
// (tier, prefix) pair and resets the interval counters.
func (s *Service) RecomputeHitRatios() {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()

	for key, st := range s.stats {
		total := st.hits + st.misses
		if total == 0 {
			continue
		}
		tier, prefix, _ := strings.Cut(key, "|")
		if s.collector != nil {
			s.collector.SetCacheHitRatio(tier, prefix, float64(st.hits)/float64(total))
		}
		st.hits = 0
		st.misses = 0
	}
}

// Healthy reports whether the remote tier currently answers. Local-only
// deployments are always healthy.
func (s *Service) Healthy() bool {
	if s.remote == nil {
		return true
	}
	return s.remote.Healthy()
}

// Close tears down the remote tier and drops the local one.
func (s *Service) Close() error {
	s.local.Clear()
	if s.remote == nil {
		return nil
	}
	return s.remote.Close()
}

// buildKey namespaces a key as <global>:<sub>:<key>. An empty sub-prefix
// collapses to <global>:<key>; an empty key yields a prefix scope ending
// in ":".
func (s *Service) buildKey(prefix, key string) string {
	parts := make([]string, 0, 3)
	if s.config.Prefix != "" {
		parts = append(parts, s.config.Prefix)
	}
	if prefix != "" {
		parts = append(parts, prefix)
	}
	parts = append(parts, key)
	return strings.Join(parts, ":")
}

func (s *Service) hit(tier, prefix string) {
	if s.collector != nil {
		s.collector.CacheHit(tier, prefix)
	}
	s.bump(tier, prefix, true)
}

func (s *Service) miss(tier, prefix string) {
	if s.collector != nil {
		s.collector.CacheMiss(tier, prefix)
	}
	s.bump(tier, prefix, false)
}

func (s *Service) bump(tier, prefix string, hit bool) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()

	key := tier + "|" + prefix
	st, ok := s.stats[key]
	if !ok {
		st = &tierStats{}
		s.stats[key] = st
	}
	if hit {
		st.hits++
	} else {
		st.misses++
	}
}

// minTTL returns the smaller positive ttl. Non-positive values mean
// "unbounded" and lose to any positive bound.
func minTTL(a, b time.Duration) time.Duration {
	if a <= 0 {
		return b
	}
	if b <= 0 || a < b {
		return a
	}
	return b
}

var _ interfaces.Cache = (*Service)(nil)
