// Package quota implements the API Metrics & Quota tracker (C11): a
// per-(platform, connection, UTC day) usage counter backed by Redis INCRBY
// with a 24h TTL, falling back to a process-local counter when Redis is
// unavailable.
package quota

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ocx/backend/internal/model"
)

// DefaultDailyLimits are the per-platform default daily unit limits (spec
// §4.11). Tenants may override via config.
var DefaultDailyLimits = map[model.Platform]int64{
	model.PlatformSlack:     10000,
	model.PlatformGoogle:    10000,
	model.PlatformMicrosoft: 15000,
}

// Usage is the current count/remaining for one key.
type Usage struct {
	Platform     model.Platform
	ConnectionID model.ConnectionID
	Date         string // YYYY-MM-DD, UTC
	Used         int64
	Limit        int64
	Remaining    int64
}

// Tracker is the C11 API Metrics & Quota component.
type Tracker struct {
	rdb    *redis.Client
	limits map[model.Platform]int64

	// fallback holds the process-local counters used when Redis calls
	// fail; it is never authoritative and resets on process restart.
	fallbackMu sync.Mutex
	fallback   map[string]int64
}

func New(rdb *redis.Client, limits map[model.Platform]int64) *Tracker {
	if limits == nil {
		limits = DefaultDailyLimits
	}
	return &Tracker{rdb: rdb, limits: limits, fallback: make(map[string]int64)}
}

func quotaKey(platform model.Platform, connID model.ConnectionID, date string) string {
	return fmt.Sprintf("quota:%s:%s:%s", platform, connID, date)
}

func utcDate(now time.Time) string {
	return now.UTC().Format("2006-01-02")
}

// Track increments the usage counter for (platform, connectionID, today) by
// units. On Redis failure it falls back to an in-process counter and logs
// the degradation rather than failing the caller — quota tracking is
// best-effort, never a reason to block an API call.
func (t *Tracker) Track(ctx context.Context, platform model.Platform, connID model.ConnectionID, units int64) error {
	key := quotaKey(platform, connID, utcDate(time.Now()))

	if t.rdb != nil {
		pipe := t.rdb.TxPipeline()
		incr := pipe.IncrBy(ctx, key, units)
		pipe.Expire(ctx, key, 24*time.Hour)
		if _, err := pipe.Exec(ctx); err != nil {
			slog.Warn("quota: redis increment failed, using fallback counter", "key", key, "error", err)
			t.trackFallback(key, units)
			return nil
		}
		_ = incr
		return nil
	}

	t.trackFallback(key, units)
	return nil
}

func (t *Tracker) trackFallback(key string, units int64) {
	t.fallbackMu.Lock()
	defer t.fallbackMu.Unlock()
	t.fallback[key] += units
}

// Get returns the current usage for (platform, connectionID, today).
func (t *Tracker) Get(ctx context.Context, platform model.Platform, connID model.ConnectionID) Usage {
	date := utcDate(time.Now())
	key := quotaKey(platform, connID, date)
	limit := t.limits[platform]

	var used int64
	if t.rdb != nil {
		if v, err := t.rdb.Get(ctx, key).Int64(); err == nil {
			used = v
		} else if err != redis.Nil {
			slog.Warn("quota: redis read failed, using fallback counter", "key", key, "error", err)
			used = t.readFallback(key)
		}
	} else {
		used = t.readFallback(key)
	}

	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}

	return Usage{Platform: platform, ConnectionID: connID, Date: date, Used: used, Limit: limit, Remaining: remaining}
}

func (t *Tracker) readFallback(key string) int64 {
	t.fallbackMu.Lock()
	defer t.fallbackMu.Unlock()
	return t.fallback[key]
}
