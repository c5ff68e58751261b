package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"github.com/ocx/backend/internal/connector"
	"github.com/ocx/backend/internal/correlation"
	"github.com/ocx/backend/internal/feedback"
	"github.com/ocx/backend/internal/model"
	"github.com/ocx/backend/internal/storage"
)

type fakeDurableBackend struct {
	mu          sync.Mutex
	connections []model.PlatformConnection
	automations []model.DiscoveredAutomation
}

func (f *fakeDurableBackend) UpsertConnection(ctx context.Context, c model.PlatformConnection) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connections = append(f.connections, c)
	return nil
}
func (f *fakeDurableBackend) ListConnections(ctx context.Context, tenantID model.TenantID) ([]model.PlatformConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.PlatformConnection
	for _, c := range f.connections {
		if c.TenantID == tenantID {
			out = append(out, c)
		}
	}
	return out, nil
}
func (f *fakeDurableBackend) UpsertAutomation(ctx context.Context, a model.DiscoveredAutomation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.automations = append(f.automations, a)
	return nil
}
func (f *fakeDurableBackend) ListAutomations(ctx context.Context, connID model.ConnectionID) ([]model.DiscoveredAutomation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.DiscoveredAutomation
	for _, a := range f.automations {
		if a.ConnectionID == connID {
			out = append(out, a)
		}
	}
	return out, nil
}
func (f *fakeDurableBackend) Ping(ctx context.Context) error { return nil }

type fakeFeedbackRepo struct {
	mu   sync.Mutex
	rows []model.DetectionFeedback
}

func (f *fakeFeedbackRepo) InsertFeedback(ctx context.Context, fb model.DetectionFeedback) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, fb)
	return nil
}
func (f *fakeFeedbackRepo) ListFeedbackByDetection(ctx context.Context, detectionID string) ([]model.DetectionFeedback, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.DetectionFeedback
	for _, r := range f.rows {
		if r.DetectionID == detectionID {
			out = append(out, r)
		}
	}
	return out, nil
}
func (f *fakeFeedbackRepo) ListFeedbackByTenant(ctx context.Context, tenantID model.TenantID, since time.Time) ([]model.DetectionFeedback, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.DetectionFeedback
	for _, r := range f.rows {
		if r.TenantID == tenantID {
			out = append(out, r)
		}
	}
	return out, nil
}

func newTestRouter(deps Dependencies) *mux.Router {
	router := mux.NewRouter()
	Register(router, deps)
	return router
}

func TestListConnections_RequiresTenantID(t *testing.T) {
	store := storage.NewHybridStore(&fakeDurableBackend{}, storage.Config{})
	router := newTestRouter(Dependencies{Storage: store})

	req := httptest.NewRequest("GET", "/api/v1/connections", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListConnections_ReturnsTenantScopedRows(t *testing.T) {
	backend := &fakeDurableBackend{}
	store := storage.NewHybridStore(backend, storage.Config{})
	_, err := store.UpsertConnection(context.Background(), model.PlatformConnection{ConnectionID: "c1", TenantID: "t1", Platform: model.PlatformSlack})
	require.NoError(t, err)
	_, err = store.UpsertConnection(context.Background(), model.PlatformConnection{ConnectionID: "c2", TenantID: "t2", Platform: model.PlatformGoogle})
	require.NoError(t, err)

	router := newTestRouter(Dependencies{Storage: store})

	req := httptest.NewRequest("GET", "/api/v1/connections?tenant_id=t1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, float64(1), body["total"])
}

func TestCreateFeedback_RejectsMissingFeedbackType(t *testing.T) {
	store := feedback.New(&fakeFeedbackRepo{})
	router := newTestRouter(Dependencies{Feedback: store})

	req := httptest.NewRequest("POST", "/api/v1/feedback", jsonBody(t, model.DetectionFeedback{DetectionID: "d1", TenantID: "t1"}))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestCreateFeedback_ThenListByDetection(t *testing.T) {
	store := feedback.New(&fakeFeedbackRepo{})
	router := newTestRouter(Dependencies{Feedback: store})

	req := httptest.NewRequest("POST", "/api/v1/feedback", jsonBody(t, model.DetectionFeedback{
		DetectionID: "d1", TenantID: "t1", FeedbackType: model.FeedbackTruePositive,
	}))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	req = httptest.NewRequest("GET", "/api/v1/detections/d1/feedback", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body["feedback"], 1)
}

func TestLastCorrelation_NotFoundBeforeAnyRun(t *testing.T) {
	engine := correlation.New(connector.NewRegistry(), nil, nil, nil)
	router := newTestRouter(Dependencies{Correlation: engine})

	req := httptest.NewRequest("GET", "/api/v1/tenants/t1/correlation", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func jsonBody(t *testing.T, v any) io.Reader {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(b)
}
