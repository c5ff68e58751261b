// Package admin is the tenant-facing HTTP surface (spec §4.12): a listing of
// platform connections (no create, update or delete), read access to discovered automations and their
// risk assessments, discovery/correlation run triggers, and the feedback
// and quota endpoints analysts and dashboards call directly rather than
// over the realtime gateway.
package admin

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/ocx/backend/internal/correlation"
	"github.com/ocx/backend/internal/discovery"
	"github.com/ocx/backend/internal/feedback"
	"github.com/ocx/backend/internal/middleware"
	"github.com/ocx/backend/internal/model"
	"github.com/ocx/backend/internal/multitenancy"
	"github.com/ocx/backend/internal/obsmetrics"
	"github.com/ocx/backend/internal/quota"
	"github.com/ocx/backend/internal/storage"
	"github.com/ocx/backend/internal/threshold"
)

// Dependencies bundles every component the admin surface calls through to.
// Nil fields simply mean the routes depending on them won't be mounted by
// Register — callers wire as many or as few as the binary needs. Metrics
// is optional; when nil, run outcomes simply aren't recorded. Auth is also
// optional: when nil, the API key / X-Tenant-ID check is skipped entirely,
// which is only appropriate behind a trusted internal gateway.
type Dependencies struct {
	Storage      *storage.HybridStore
	Orchestrator *discovery.Orchestrator
	Correlation  *correlation.Engine
	Feedback     *feedback.Store
	Quota        *quota.Tracker
	Threshold    *threshold.Service
	Metrics      *obsmetrics.Metrics
	Auth         *multitenancy.TenantManager
	RateLimit    *middleware.RateLimiter
}

// Register mounts the admin API under router's "/api/v1" prefix.
func Register(router *mux.Router, deps Dependencies) {
	api := router.PathPrefix("/api/v1").Subrouter()

	if deps.Auth != nil {
		api.Use(func(next http.Handler) http.Handler {
			return middleware.TenantMiddleware(deps.Auth, next.ServeHTTP)
		})
	}
	if deps.RateLimit != nil {
		api.Use(func(next http.Handler) http.Handler {
			return deps.RateLimit.Middleware(next.ServeHTTP)
		})
	}

	if deps.Storage != nil {
		api.HandleFunc("/connections", listConnections(deps.Storage)).Methods("GET")
		api.HandleFunc("/connections/{connectionId}/automations", listAutomations(deps.Storage)).Methods("GET")
	}
	if deps.Orchestrator != nil {
		api.HandleFunc("/connections/{connectionId}/discover", triggerDiscovery(deps.Orchestrator, deps.Metrics)).Methods("POST")
		api.HandleFunc("/tenants/{tenantId}/discover", triggerTenantDiscovery(deps.Orchestrator, deps.Metrics)).Methods("POST")
	}
	if deps.Correlation != nil {
		api.HandleFunc("/tenants/{tenantId}/correlation", triggerCorrelation(deps.Correlation, deps.Metrics)).Methods("POST")
		api.HandleFunc("/tenants/{tenantId}/correlation", lastCorrelation(deps.Correlation)).Methods("GET")
	}
	if deps.Feedback != nil {
		api.HandleFunc("/feedback", createFeedback(deps.Feedback)).Methods("POST")
		api.HandleFunc("/detections/{detectionId}/feedback", listFeedbackByDetection(deps.Feedback)).Methods("GET")
		api.HandleFunc("/tenants/{tenantId}/feedback/metrics", feedbackMetrics(deps.Feedback)).Methods("GET")
	}
	if deps.Quota != nil {
		api.HandleFunc("/connections/{connectionId}/quota", connectionQuota(deps.Quota)).Methods("GET")
	}
	if deps.Threshold != nil {
		api.HandleFunc("/tenants/{tenantId}/thresholds", tenantThresholds(deps.Threshold)).Methods("GET")
		api.HandleFunc("/tenants/{tenantId}/thresholds/refresh", refreshThresholds(deps.Threshold)).Methods("POST")
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// GET /api/v1/connections?tenant_id=
func listConnections(store *storage.HybridStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID := r.URL.Query().Get("tenant_id")
		if tenantID == "" {
			writeError(w, http.StatusBadRequest, "tenant_id is required")
			return
		}
		conns, err := store.ListConnections(r.Context(), model.TenantID(tenantID))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to list connections")
			return
		}
		if conns == nil {
			conns = []model.PlatformConnection{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"connections": conns, "total": len(conns)})
	}
}

// GET /api/v1/connections/{connectionId}/automations
func listAutomations(store *storage.HybridStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		connID := mux.Vars(r)["connectionId"]
		automations, err := store.ListAutomations(r.Context(), model.ConnectionID(connID))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to list automations")
			return
		}
		if automations == nil {
			automations = []model.DiscoveredAutomation{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"automations": automations, "total": len(automations)})
	}
}

// POST /api/v1/connections/{connectionId}/discover
//
// The admin surface knows only the connection id; resolving it to a
// PlatformConnection is the orchestrator's job via its ConnectionRepository,
// so this handler re-lists the tenant's connections to find it. Tenant scope
// is required via the tenant_id query param to avoid a cross-tenant lookup.
func triggerDiscovery(orch *discovery.Orchestrator, metrics *obsmetrics.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		connID := mux.Vars(r)["connectionId"]
		tenantID := r.URL.Query().Get("tenant_id")
		if tenantID == "" {
			writeError(w, http.StatusBadRequest, "tenant_id is required")
			return
		}
		result, err := orch.RunDiscovery(r.Context(), model.TenantID(tenantID), []model.ConnectionID{model.ConnectionID(connID)})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		recordDiscoveryMetrics(metrics, result)
		writeJSON(w, http.StatusAccepted, result)
	}
}

// POST /api/v1/tenants/{tenantId}/discover
func triggerTenantDiscovery(orch *discovery.Orchestrator, metrics *obsmetrics.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID := mux.Vars(r)["tenantId"]
		result, err := orch.RunDiscovery(r.Context(), model.TenantID(tenantID), nil)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		recordDiscoveryMetrics(metrics, result)
		writeJSON(w, http.StatusAccepted, result)
	}
}

func recordDiscoveryMetrics(metrics *obsmetrics.Metrics, result discovery.RunDiscoveryResult) {
	if metrics == nil {
		return
	}
	for _, r := range result.Results {
		status := "failed"
		if r.Run.Status == model.DiscoveryRunCompleted {
			status = "completed"
		}
		metrics.RecordDiscoveryRun(string(r.Platform), status, float64(r.Run.DurationMs)/1000, len(r.Automations))
	}
}

// POST /api/v1/tenants/{tenantId}/correlation?hours=24
func triggerCorrelation(engine *correlation.Engine, metrics *obsmetrics.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID := mux.Vars(r)["tenantId"]
		hours, _ := strconv.Atoi(r.URL.Query().Get("hours"))
		if hours <= 0 {
			hours = 24
		}
		to := time.Now()
		from := to.Add(-time.Duration(hours) * time.Hour)

		started := time.Now()
		result, err := engine.ExecuteCorrelationAnalysis(r.Context(), model.TenantID(tenantID), from, to)
		if _, ok := err.(*correlation.AlreadyInProgress); ok {
			if metrics != nil {
				metrics.RecordCorrelationRun("already_in_progress", 0)
			}
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		if err != nil {
			if metrics != nil {
				metrics.RecordCorrelationRun("error", 0)
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if metrics != nil {
			metrics.RecordCorrelationRun("completed", time.Since(started).Seconds())
		}
		writeJSON(w, http.StatusOK, result)
	}
}

// GET /api/v1/tenants/{tenantId}/correlation
func lastCorrelation(engine *correlation.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID := mux.Vars(r)["tenantId"]
		result, ok := engine.LastResult(model.TenantID(tenantID))
		if !ok {
			writeError(w, http.StatusNotFound, "no correlation analysis has run for this tenant yet")
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

// POST /api/v1/feedback
func createFeedback(store *feedback.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var f model.DetectionFeedback
		if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		created, err := store.Create(r.Context(), f)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, created)
	}
}

// GET /api/v1/detections/{detectionId}/feedback
func listFeedbackByDetection(store *feedback.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		detectionID := mux.Vars(r)["detectionId"]
		rows, err := store.GetByDetection(r.Context(), detectionID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"feedback": rows})
	}
}

// GET /api/v1/tenants/{tenantId}/feedback/metrics?window_days=30
func feedbackMetrics(store *feedback.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID := mux.Vars(r)["tenantId"]
		days, _ := strconv.Atoi(r.URL.Query().Get("window_days"))
		if days <= 0 {
			days = 30
		}
		metrics, err := store.CalculateMetrics(r.Context(), model.TenantID(tenantID), time.Duration(days)*24*time.Hour)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, metrics)
	}
}

// GET /api/v1/connections/{connectionId}/quota?platform=
func connectionQuota(tracker *quota.Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		connID := mux.Vars(r)["connectionId"]
		platform := r.URL.Query().Get("platform")
		if platform == "" {
			writeError(w, http.StatusBadRequest, "platform is required")
			return
		}
		usage := tracker.Get(r.Context(), model.Platform(platform), model.ConnectionID(connID))
		writeJSON(w, http.StatusOK, usage)
	}
}

// GET /api/v1/tenants/{tenantId}/thresholds
func tenantThresholds(svc *threshold.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID := mux.Vars(r)["tenantId"]
		th, err := svc.Get(r.Context(), model.TenantID(tenantID))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, th)
	}
}

// POST /api/v1/tenants/{tenantId}/thresholds/refresh
func refreshThresholds(svc *threshold.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID := mux.Vars(r)["tenantId"]
		th, err := svc.Refresh(r.Context(), model.TenantID(tenantID))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, th)
	}
}
