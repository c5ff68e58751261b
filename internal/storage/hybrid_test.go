package storage

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/backend/internal/model"
)

// fakeBackend lets tests flip durable writes between healthy and failing.
type fakeBackend struct {
	mu          sync.Mutex
	connections map[naturalKey]model.PlatformConnection
	automations map[naturalKey]model.DiscoveredAutomation
	failWrites  bool
	failPing    bool
	pingCalls   int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		connections: make(map[naturalKey]model.PlatformConnection),
		automations: make(map[naturalKey]model.DiscoveredAutomation),
	}
}

func (b *fakeBackend) UpsertConnection(ctx context.Context, conn model.PlatformConnection) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failWrites {
		return errors.New("durable store unreachable")
	}
	b.connections[connectionKey(conn)] = conn
	return nil
}

func (b *fakeBackend) ListConnections(ctx context.Context, tenantID model.TenantID) ([]model.PlatformConnection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []model.PlatformConnection
	for _, c := range b.connections {
		if c.TenantID == tenantID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (b *fakeBackend) UpsertAutomation(ctx context.Context, a model.DiscoveredAutomation) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failWrites {
		return errors.New("durable store unreachable")
	}
	b.automations[automationKey(a)] = a
	return nil
}

func (b *fakeBackend) ListAutomations(ctx context.Context, connID model.ConnectionID) ([]model.DiscoveredAutomation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []model.DiscoveredAutomation
	for _, a := range b.automations {
		if a.ConnectionID == connID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (b *fakeBackend) Ping(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pingCalls++
	if b.failPing {
		return errors.New("durable store unreachable")
	}
	return nil
}

func TestUpsertConnection_DurableSuccessNeverQueues(t *testing.T) {
	backend := newFakeBackend()
	h := NewHybridStore(backend, Config{})

	fallback, err := h.UpsertConnection(context.Background(), model.PlatformConnection{
		ConnectionID: "c1", TenantID: "t1", Platform: model.PlatformSlack, PlatformUserID: "u1",
	})
	require.NoError(t, err)
	assert.False(t, fallback)
	assert.Equal(t, 0, h.PendingCount())
}

func TestUpsertConnection_DurableFailureQueuesAndReportsFallback(t *testing.T) {
	backend := newFakeBackend()
	backend.failWrites = true
	h := NewHybridStore(backend, Config{})

	fallback, err := h.UpsertConnection(context.Background(), model.PlatformConnection{
		ConnectionID: "c1", TenantID: "t1", Platform: model.PlatformSlack, PlatformUserID: "u1",
	})
	require.NoError(t, err)
	assert.True(t, fallback)
	assert.Equal(t, 1, h.PendingCount())
}

func TestListConnections_MergesDurableAndPendingPreferringDurable(t *testing.T) {
	backend := newFakeBackend()
	h := NewHybridStore(backend, Config{})

	require.NoError(t, backend.UpsertConnection(context.Background(), model.PlatformConnection{
		ConnectionID: "c1", TenantID: "t1", Platform: model.PlatformSlack, PlatformUserID: "u1", DisplayName: "durable-row",
	}))

	backend.failWrites = true
	_, err := h.UpsertConnection(context.Background(), model.PlatformConnection{
		ConnectionID: "c2", TenantID: "t1", Platform: model.PlatformGoogle, PlatformUserID: "u2", DisplayName: "fallback-row",
	})
	require.NoError(t, err)

	conns, err := h.ListConnections(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, conns, 2)

	byUser := map[string]string{}
	for _, c := range conns {
		byUser[c.PlatformUserID] = c.DisplayName
	}
	assert.Equal(t, "durable-row", byUser["u1"])
	assert.Equal(t, "fallback-row", byUser["u2"])
}

func TestListConnections_DurableRowWinsOverQueuedDuplicate(t *testing.T) {
	backend := newFakeBackend()
	h := NewHybridStore(backend, Config{})

	conn := model.PlatformConnection{ConnectionID: "c1", TenantID: "t1", Platform: model.PlatformSlack, PlatformUserID: "u1"}
	backend.failWrites = true
	_, err := h.UpsertConnection(context.Background(), conn)
	require.NoError(t, err)

	// The same row reaches the durable backend while its queued copy is
	// still pending, so ListConnections sees it on both sides.
	backend.mu.Lock()
	backend.failWrites = false
	backend.connections[connectionKey(conn)] = conn
	backend.mu.Unlock()
	require.Equal(t, 1, h.PendingCount())

	conns, err := h.ListConnections(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, conns, 1)
}

func TestReconcileOnce_DrainsQueueOnceDurableIsReachableAgain(t *testing.T) {
	backend := newFakeBackend()
	backend.failWrites = true
	h := NewHybridStore(backend, Config{})

	_, err := h.UpsertConnection(context.Background(), model.PlatformConnection{
		ConnectionID: "c1", TenantID: "t1", Platform: model.PlatformSlack, PlatformUserID: "u1",
	})
	require.NoError(t, err)
	require.Equal(t, 1, h.PendingCount())

	backend.mu.Lock()
	backend.failWrites = false
	backend.mu.Unlock()

	h.reconcileOnce(context.Background())
	assert.Equal(t, 0, h.PendingCount())

	conns, err := h.ListConnections(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, conns, 1)
}

func TestReconcileOnce_SkipsDrainWhenPingFails(t *testing.T) {
	backend := newFakeBackend()
	backend.failWrites = true
	h := NewHybridStore(backend, Config{})

	_, err := h.UpsertConnection(context.Background(), model.PlatformConnection{
		ConnectionID: "c1", TenantID: "t1", Platform: model.PlatformSlack, PlatformUserID: "u1",
	})
	require.NoError(t, err)

	backend.failPing = true
	h.reconcileOnce(context.Background())
	assert.Equal(t, 1, h.PendingCount(), "reconciler must not attempt a drain while the connectivity probe itself fails")
}

func TestEnqueue_EvictsOldestWhenQueueIsAtCapacity(t *testing.T) {
	backend := newFakeBackend()
	backend.failWrites = true
	h := NewHybridStore(backend, Config{MaxPendingItems: 2})

	for i := 0; i < 3; i++ {
		uid := string(rune('a' + i))
		_, err := h.UpsertConnection(context.Background(), model.PlatformConnection{
			ConnectionID: model.ConnectionID(uid), TenantID: "t1", Platform: model.PlatformSlack, PlatformUserID: uid,
		})
		require.NoError(t, err)
	}

	assert.Equal(t, 2, h.PendingCount())
}

func TestListAutomations_MergesDurableAndPending(t *testing.T) {
	backend := newFakeBackend()
	h := NewHybridStore(backend, Config{})

	require.NoError(t, backend.UpsertAutomation(context.Background(), model.DiscoveredAutomation{
		AutomationID: "a1", ConnectionID: "c1", ExternalID: "ext-1",
	}))

	backend.failWrites = true
	_, err := h.UpsertAutomation(context.Background(), model.DiscoveredAutomation{
		AutomationID: "a2", ConnectionID: "c1", ExternalID: "ext-2",
	})
	require.NoError(t, err)

	automations, err := h.ListAutomations(context.Background(), "c1")
	require.NoError(t, err)
	assert.Len(t, automations, 2)
}
