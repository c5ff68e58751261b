package storage

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ocx/backend/internal/apierr"
	"github.com/ocx/backend/internal/model"
)

// DurableBackend is the subset of SupabaseStore the Hybrid Storage layer
// writes through to for connections and automations — the two entities
// spec §4.3 names explicitly as needing the durable-then-fallback path.
type DurableBackend interface {
	UpsertConnection(ctx context.Context, conn model.PlatformConnection) error
	ListConnections(ctx context.Context, tenantID model.TenantID) ([]model.PlatformConnection, error)
	UpsertAutomation(ctx context.Context, a model.DiscoveredAutomation) error
	ListAutomations(ctx context.Context, connID model.ConnectionID) ([]model.DiscoveredAutomation, error)
	Ping(ctx context.Context) error
}

// naturalKey is (platform, platform_user_id) for connections, and
// (connection_id, external_id) for automations — the de-duplication key
// used when merging durable and pending-persistence reads.
type naturalKey string

func connectionKey(c model.PlatformConnection) naturalKey {
	return naturalKey(string(c.Platform) + "|" + c.PlatformUserID)
}

func automationKey(a model.DiscoveredAutomation) naturalKey {
	return naturalKey(string(a.ConnectionID) + "|" + a.ExternalID)
}

// pendingItem is one queued write awaiting a durable retry.
type pendingItem struct {
	kind       string // "connection" | "automation"
	connection model.PlatformConnection
	automation model.DiscoveredAutomation
	attempts   int
	lastError  string
	queuedAt   time.Time
}

// HybridStore is the C3 Hybrid Storage component: durable-first writes with
// a bounded in-memory fallback queue and a background reconciler.
type HybridStore struct {
	backend DurableBackend

	mu      sync.RWMutex
	pending map[naturalKey]*pendingItem
	maxPending int

	reconcileInterval time.Duration
	stopOnce          sync.Once
	stopCh            chan struct{}
}

// Config bundles HybridStore tunables.
type Config struct {
	MaxPendingItems   int
	ReconcileInterval time.Duration
}

func NewHybridStore(backend DurableBackend, cfg Config) *HybridStore {
	if cfg.MaxPendingItems == 0 {
		cfg.MaxPendingItems = 10000
	}
	if cfg.ReconcileInterval == 0 {
		cfg.ReconcileInterval = 30 * time.Second
	}
	return &HybridStore{
		backend:           backend,
		pending:           make(map[naturalKey]*pendingItem),
		maxPending:        cfg.MaxPendingItems,
		reconcileInterval: cfg.ReconcileInterval,
		stopCh:            make(chan struct{}),
	}
}

// UpsertConnection attempts a durable write; on a connectivity-class
// failure it queues the row in the in-memory pending map and reports success
// with usedFallback=true rather than failing the caller (spec §4.3 step 2).
func (h *HybridStore) UpsertConnection(ctx context.Context, conn model.PlatformConnection) (usedFallback bool, err error) {
	if err := h.backend.UpsertConnection(ctx, conn); err != nil {
		if !isConnectivityError(err) {
			return false, apierr.Wrap(apierr.KindFatal, "upsert connection", err)
		}
		h.enqueue(connectionKey(conn), &pendingItem{kind: "connection", connection: conn, queuedAt: time.Now()})
		return true, nil
	}
	return false, nil
}

// UpsertAutomation is UpsertConnection's automation-entity counterpart.
func (h *HybridStore) UpsertAutomation(ctx context.Context, a model.DiscoveredAutomation) (usedFallback bool, err error) {
	if err := h.backend.UpsertAutomation(ctx, a); err != nil {
		if !isConnectivityError(err) {
			return false, apierr.Wrap(apierr.KindFatal, "upsert automation", err)
		}
		h.enqueue(automationKey(a), &pendingItem{kind: "automation", automation: a, queuedAt: time.Now()})
		return true, nil
	}
	return false, nil
}

func (h *HybridStore) enqueue(key naturalKey, item *pendingItem) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if existing, ok := h.pending[key]; ok {
		item.attempts = existing.attempts
	}
	if len(h.pending) >= h.maxPending {
		slog.Warn("hybrid storage: pending queue at capacity, dropping oldest fallback write")
		h.evictOldest()
	}
	h.pending[key] = item
}

func (h *HybridStore) evictOldest() {
	var oldestKey naturalKey
	var oldestTime time.Time
	for k, v := range h.pending {
		if oldestTime.IsZero() || v.queuedAt.Before(oldestTime) {
			oldestKey, oldestTime = k, v.queuedAt
		}
	}
	delete(h.pending, oldestKey)
}

// ListConnections merges durable rows with pending fallback writes,
// de-duplicating by natural key and preferring the durable row.
func (h *HybridStore) ListConnections(ctx context.Context, tenantID model.TenantID) ([]model.PlatformConnection, error) {
	durable, err := h.backend.ListConnections(ctx, tenantID)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindTransient, "list connections", err)
	}

	seen := make(map[naturalKey]bool, len(durable))
	out := append([]model.PlatformConnection(nil), durable...)
	for _, c := range durable {
		seen[connectionKey(c)] = true
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for key, item := range h.pending {
		if item.kind != "connection" || item.connection.TenantID != tenantID || seen[key] {
			continue
		}
		out = append(out, item.connection)
	}
	return out, nil
}

// ListAutomations is ListConnections' automation-entity counterpart.
func (h *HybridStore) ListAutomations(ctx context.Context, connID model.ConnectionID) ([]model.DiscoveredAutomation, error) {
	durable, err := h.backend.ListAutomations(ctx, connID)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindTransient, "list automations", err)
	}

	seen := make(map[naturalKey]bool, len(durable))
	out := append([]model.DiscoveredAutomation(nil), durable...)
	for _, a := range durable {
		seen[automationKey(a)] = true
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for key, item := range h.pending {
		if item.kind != "automation" || item.automation.ConnectionID != connID || seen[key] {
			continue
		}
		out = append(out, item.automation)
	}
	return out, nil
}

// PendingCount reports how many writes are currently queued for retry —
// exposed for the admin surface's health endpoint.
func (h *HybridStore) PendingCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.pending)
}

// StartReconciler runs the background drain loop until ctx is cancelled or
// Stop is called. It probes durable connectivity with Ping every tick and,
// on success, retries every queued item in insertion order.
func (h *HybridStore) StartReconciler(ctx context.Context) {
	ticker := time.NewTicker(h.reconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.reconcileOnce(ctx)
		}
	}
}

// Stop ends a running StartReconciler loop.
func (h *HybridStore) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
}

// reconcileOnce is idempotent: a retry that succeeds removes the item from
// the queue; a retry that fails bumps its attempt counter and leaves it
// queued for the next tick.
func (h *HybridStore) reconcileOnce(ctx context.Context) {
	if err := h.backend.Ping(ctx); err != nil {
		return
	}

	h.mu.Lock()
	items := make([]naturalKey, 0, len(h.pending))
	for k := range h.pending {
		items = append(items, k)
	}
	sort.Slice(items, func(i, j int) bool {
		return h.pending[items[i]].queuedAt.Before(h.pending[items[j]].queuedAt)
	})
	h.mu.Unlock()

	for _, key := range items {
		h.mu.RLock()
		item, ok := h.pending[key]
		h.mu.RUnlock()
		if !ok {
			continue
		}

		var err error
		switch item.kind {
		case "connection":
			err = h.backend.UpsertConnection(ctx, item.connection)
		case "automation":
			err = h.backend.UpsertAutomation(ctx, item.automation)
		}

		h.mu.Lock()
		if err != nil {
			item.attempts++
			item.lastError = err.Error()
		} else {
			delete(h.pending, key)
		}
		h.mu.Unlock()
	}
}

// isConnectivityError classifies a durable-write failure as the
// transient/connectivity class spec §4.3 says should fall back rather than
// fail the caller. An error tagged KindValidation, KindConflict, KindAuth or
// KindNotFound is a rejected write, not a connectivity problem, and must surface to the
// caller immediately. The supabase-go client doesn't tag its errors, so an
// untagged error (network dial failure, timeout, 5xx) is presumed
// connectivity-class, matching how the reconciler's own Ping probe is used
// to detect restored connectivity rather than distinguish error shapes.
func isConnectivityError(err error) bool {
	switch apierr.KindOf(err) {
	case apierr.KindValidation, apierr.KindConflict, apierr.KindAuth, apierr.KindNotFound:
		return false
	default:
		return true
	}
}
