package credential

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/backend/internal/model"
)

type fakeRepo struct {
	mu   sync.Mutex
	rows map[model.ConnectionID][]model.EncryptedCredential
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{rows: make(map[model.ConnectionID][]model.EncryptedCredential)}
}

func (f *fakeRepo) UpsertCredential(ctx context.Context, row model.EncryptedCredential) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rows := f.rows[row.ConnectionID]
	for i, r := range rows {
		if r.Kind == row.Kind {
			rows[i] = row
			f.rows[row.ConnectionID] = rows
			return nil
		}
	}
	f.rows[row.ConnectionID] = append(rows, row)
	return nil
}

func (f *fakeRepo) GetCredentials(ctx context.Context, connID model.ConnectionID) ([]model.EncryptedCredential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.EncryptedCredential(nil), f.rows[connID]...), nil
}

func (f *fakeRepo) DeleteCredentials(ctx context.Context, connID model.ConnectionID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, connID)
	return nil
}

type countingRefresher struct {
	calls int32
}

func (r *countingRefresher) Refresh(ctx context.Context, conn model.PlatformConnection, refreshToken string) (string, string, time.Time, error) {
	atomic.AddInt32(&r.calls, 1)
	time.Sleep(10 * time.Millisecond)
	return "new-access-" + refreshToken, "", time.Now().Add(time.Hour), nil
}

func testStore(t *testing.T, repo Repository) *Store {
	t.Helper()
	s, err := New(repo, Config{MasterSecret: "test-master-secret", ActiveKeyID: "k1"})
	require.NoError(t, err)
	return s
}

func TestStoreAndGet_RoundTripsCredentials(t *testing.T) {
	repo := newFakeRepo()
	s := testStore(t, repo)
	conn := model.PlatformConnection{ConnectionID: "c1", Platform: model.PlatformSlack}

	exp := time.Now().Add(time.Hour)
	err := s.StoreCredentials(context.Background(), conn, Credentials{
		ConnectionID: conn.ConnectionID, AccessToken: "at1", RefreshToken: "rt1", ExpiresAt: &exp,
	})
	require.NoError(t, err)

	got, ok, err := s.Get(context.Background(), conn.ConnectionID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "at1", got.AccessToken)
	assert.Equal(t, "rt1", got.RefreshToken)
}

func TestGet_CacheMissHydratesFromDurableAndDecrypts(t *testing.T) {
	repo := newFakeRepo()
	writer := testStore(t, repo)
	conn := model.PlatformConnection{ConnectionID: "c1", Platform: model.PlatformSlack}
	require.NoError(t, writer.StoreCredentials(context.Background(), conn, Credentials{AccessToken: "at1", RefreshToken: "rt1"}))

	reader := testStore(t, repo) // fresh store, empty cache, shares durable repo
	got, ok, err := reader.Get(context.Background(), conn.ConnectionID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "at1", got.AccessToken)
}

func TestRefreshIfNeeded_SkipsWhenFarFromExpiry(t *testing.T) {
	repo := newFakeRepo()
	s := testStore(t, repo)
	conn := model.PlatformConnection{ConnectionID: "c1", Platform: model.PlatformSlack}
	exp := time.Now().Add(time.Hour)
	require.NoError(t, s.StoreCredentials(context.Background(), conn, Credentials{AccessToken: "at1", RefreshToken: "rt1", ExpiresAt: &exp}))

	refresher := &countingRefresher{}
	s.RegisterRefresher(model.PlatformSlack, refresher)

	refreshed, err := s.RefreshIfNeeded(context.Background(), conn)
	require.NoError(t, err)
	assert.False(t, refreshed)
	assert.Equal(t, int32(0), refresher.calls)
}

func TestRefreshIfNeeded_ConcurrentCallersShareOneInflightRefresh(t *testing.T) {
	repo := newFakeRepo()
	s := testStore(t, repo)
	conn := model.PlatformConnection{ConnectionID: "c1", Platform: model.PlatformSlack}
	exp := time.Now().Add(time.Minute) // inside the 5-minute default skew
	require.NoError(t, s.StoreCredentials(context.Background(), conn, Credentials{AccessToken: "at1", RefreshToken: "rt1", ExpiresAt: &exp}))

	refresher := &countingRefresher{}
	s.RegisterRefresher(model.PlatformSlack, refresher)

	var wg sync.WaitGroup
	results := make([]bool, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			refreshed, err := s.RefreshIfNeeded(context.Background(), conn)
			assert.NoError(t, err)
			results[i] = refreshed
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), refresher.calls, "concurrent callers within the skew window must share one inflight refresh")
}

func TestRevoke_DeletesRowsAndDropsCache(t *testing.T) {
	repo := newFakeRepo()
	s := testStore(t, repo)
	conn := model.PlatformConnection{ConnectionID: "c1", Platform: model.PlatformGoogle}
	require.NoError(t, s.StoreCredentials(context.Background(), conn, Credentials{AccessToken: "at1"}))

	require.NoError(t, s.Revoke(context.Background(), conn))

	_, ok, err := s.Get(context.Background(), conn.ConnectionID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestValidate_ReportsExpiredCredentialsAsInvalid(t *testing.T) {
	repo := newFakeRepo()
	s := testStore(t, repo)
	conn := model.PlatformConnection{ConnectionID: "c1", Platform: model.PlatformMicrosoft}
	past := time.Now().Add(-time.Hour)
	require.NoError(t, s.StoreCredentials(context.Background(), conn, Credentials{AccessToken: "at1", ExpiresAt: &past}))

	result, err := s.Validate(context.Background(), conn.ConnectionID)
	require.NoError(t, err)
	assert.False(t, result.IsValid)
}
