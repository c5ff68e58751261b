// Package discovery implements the Discovery Orchestrator (C8):
// per-connection discovery, tenant-wide fan-out, and the 24h/5min
// schedulers that drive them.
package discovery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ocx/backend/internal/apierr"
	"github.com/ocx/backend/internal/config"
	"github.com/ocx/backend/internal/connector"
	"github.com/ocx/backend/internal/detection"
	"github.com/ocx/backend/internal/detector"
	"github.com/ocx/backend/internal/model"
	"github.com/ocx/backend/internal/risk"
	"github.com/ocx/backend/internal/threshold"
)

// ConnectionRepository is the subset of Hybrid Storage the orchestrator
// reads connections from and writes connection status back to.
type ConnectionRepository interface {
	ListConnections(ctx context.Context, tenantID model.TenantID) ([]model.PlatformConnection, error)
	UpsertConnection(ctx context.Context, conn model.PlatformConnection) (bool, error)
}

// AutomationRepository is the subset of Hybrid Storage the orchestrator
// upserts discovered automations through. ListAutomations lets a rediscovery
// pass recognize an automation it has already assigned an AutomationID and
// FirstSeen timestamp to, rather than minting a fresh identity every run.
type AutomationRepository interface {
	UpsertAutomation(ctx context.Context, a model.DiscoveredAutomation) (bool, error)
	ListAutomations(ctx context.Context, connID model.ConnectionID) ([]model.DiscoveredAutomation, error)
}

// ThresholdSource supplies a tenant's current RL-adjusted detector cutoffs;
// satisfied by *threshold.Service.
type ThresholdSource interface {
	Get(ctx context.Context, tenantID model.TenantID) (threshold.OptimizedThresholds, error)
}

// RunRepository persists DiscoveryRun audit rows.
type RunRepository interface {
	InsertRun(ctx context.Context, run model.DiscoveryRun) error
	UpdateRun(ctx context.Context, run model.DiscoveryRun) error
}

// CorrelationTrigger is invoked by the 5-minute scheduler when real-time
// processing is enabled (spec §4.8); wired to Correlation Engine's
// ExecuteCorrelationAnalysis.
type CorrelationTrigger func(ctx context.Context, tenantID model.TenantID)

// Orchestrator is the C8 Discovery Orchestrator.
type Orchestrator struct {
	registry    *connector.Registry
	connections ConnectionRepository
	automations AutomationRepository
	runs        RunRepository

	onCorrelationTrigger CorrelationTrigger

	detect     *detection.Engine
	assess     *risk.Assessor
	thresholds ThresholdSource
	cfg        *config.Manager

	stopOnce sync.Once
	stopCh   chan struct{}
}

func New(registry *connector.Registry, connections ConnectionRepository, automations AutomationRepository, runs RunRepository) *Orchestrator {
	return &Orchestrator{
		registry: registry, connections: connections, automations: automations, runs: runs,
		stopCh: make(chan struct{}),
	}
}

// OnCorrelationTrigger wires the 5-minute scheduler's callback.
func (o *Orchestrator) OnCorrelationTrigger(fn CorrelationTrigger) { o.onCorrelationTrigger = fn }

// EnableDetection wires the Detection Engine (C6) and Risk Assessor (C7)
// into every discovery run: each newly- or re-discovered automation has its
// recent events run through the detector suite and scored, rather than
// being upserted with empty DetectionMetadata forever. Optional — a caller
// that never calls this gets discovery without per-automation scoring.
func (o *Orchestrator) EnableDetection(detect *detection.Engine, assess *risk.Assessor, thresholds ThresholdSource, cfg *config.Manager) {
	o.detect, o.assess, o.thresholds, o.cfg = detect, assess, thresholds, cfg
}

// DiscoverConnectionResult is the outcome of one discoverConnection call.
type DiscoverConnectionResult struct {
	Run         model.DiscoveryRun
	Platform    model.Platform
	Automations []model.DiscoveredAutomation
}

// DiscoverConnection runs the single-discovery contract (spec §4.8):
// resolve connector, open a run, authenticate, discover/audit/validate
// (each non-auth failure captured but not fatal), upsert automations,
// close the run.
func (o *Orchestrator) DiscoverConnection(ctx context.Context, conn model.PlatformConnection) (DiscoverConnectionResult, error) {
	started := time.Now()
	run := model.DiscoveryRun{
		RunID: model.RunID(uuid.NewString()), ConnectionID: conn.ConnectionID, TenantID: conn.TenantID,
		Status: model.DiscoveryRunInProgress, StartedAt: started,
	}
	if err := o.runs.InsertRun(ctx, run); err != nil {
		slog.Warn("discovery: failed to persist run start", "connectionId", conn.ConnectionID, "error", err)
	}

	c, err := o.registry.Get(conn.Platform)
	if err != nil {
		return o.failRun(ctx, run, started, []string{err.Error()}), nil
	}

	if err := c.Authenticate(ctx, conn); err != nil {
		if apierr.KindOf(err) == apierr.KindAuth {
			conn.Status = model.ConnectionError
			conn.LastError = err.Error()
			if _, uerr := o.connections.UpsertConnection(ctx, conn); uerr != nil {
				slog.Warn("discovery: failed to mark connection errored", "connectionId", conn.ConnectionID, "error", uerr)
			}
			return o.failRun(ctx, run, started, []string{"authentication failed: " + err.Error()}), nil
		}
		return o.failRun(ctx, run, started, []string{err.Error()}), nil
	}

	var errs, warnings []string
	automations, err := c.DiscoverAutomations(ctx, conn)
	if err != nil {
		errs = append(errs, "discoverAutomations: "+err.Error())
	}
	if _, err := c.GetAuditLogs(ctx, conn, time.Now().AddDate(0, 0, -30)); err != nil {
		errs = append(errs, "getAuditLogs: "+err.Error())
	}
	if report, err := c.ValidatePermissions(ctx, conn); err != nil {
		errs = append(errs, "validatePermissions: "+err.Error())
	} else if !report.Valid {
		warnings = append(warnings, "permissions incomplete, missing: "+joinStrings(report.Missing))
	}

	o.preserveIdentity(ctx, conn.ConnectionID, automations)
	o.scoreAutomations(ctx, conn, automations)

	found := 0
	for _, a := range automations {
		if _, err := o.automations.UpsertAutomation(ctx, a); err != nil {
			errs = append(errs, "upsert automation "+a.ExternalID+": "+err.Error())
			continue
		}
		found++
	}

	completedAt := time.Now()
	run.Status = model.DiscoveryRunCompleted
	run.CompletedAt = &completedAt
	run.DurationMs = completedAt.Sub(started).Milliseconds()
	run.AutomationsFound = found
	run.Errors = errs
	run.Warnings = warnings
	if err := o.runs.UpdateRun(ctx, run); err != nil {
		slog.Warn("discovery: failed to persist run completion", "connectionId", conn.ConnectionID, "error", err)
	}

	return DiscoverConnectionResult{Run: run, Platform: conn.Platform, Automations: automations}, nil
}

// preserveIdentity carries AutomationID, FirstSeen and RiskScoreHistory
// forward from a previous discovery of the same (ConnectionID, ExternalID)
// pair, so re-discovery refreshes an automation's state instead of minting a
// new identity for it on every run. Automations genuinely seen for the
// first time get a fresh AutomationID.
func (o *Orchestrator) preserveIdentity(ctx context.Context, connID model.ConnectionID, automations []model.DiscoveredAutomation) {
	previous, err := o.automations.ListAutomations(ctx, connID)
	if err != nil {
		slog.Warn("discovery: failed to list existing automations, assigning fresh identities", "connectionId", connID, "error", err)
	}
	byExternalID := make(map[string]model.DiscoveredAutomation, len(previous))
	for _, p := range previous {
		byExternalID[p.ExternalID] = p
	}

	for i := range automations {
		if prev, ok := byExternalID[automations[i].ExternalID]; ok {
			automations[i].AutomationID = prev.AutomationID
			automations[i].Timestamps.FirstSeen = prev.Timestamps.FirstSeen
			automations[i].RiskScoreHistory = prev.RiskScoreHistory
		} else {
			automations[i].AutomationID = model.AutomationID(uuid.NewString())
		}
	}
}

// scoreAutomations runs the Detection Engine and Risk Assessor over each
// automation's recent events when EnableDetection has been called. Events
// are fetched once for the whole connection and grouped by ResourceID,
// since platform connectors report correlation events per resource rather
// than per automation.
func (o *Orchestrator) scoreAutomations(ctx context.Context, conn model.PlatformConnection, automations []model.DiscoveredAutomation) {
	if o.detect == nil || o.assess == nil {
		return
	}
	c, err := o.registry.Get(conn.Platform)
	if err != nil {
		return
	}

	since := time.Now().Add(-24 * time.Hour)
	events, err := c.GetCorrelationEvents(ctx, conn, since, time.Now())
	if err != nil {
		slog.Warn("discovery: failed to fetch events for scoring, skipping this run's detection pass", "connectionId", conn.ConnectionID, "error", err)
		return
	}
	eventsByResource := make(map[string][]model.PlatformEvent, len(events))
	for _, e := range events {
		eventsByResource[e.ResourceID] = append(eventsByResource[e.ResourceID], e)
	}

	th, bh := o.detectionContext(ctx, conn.TenantID)

	for i := range automations {
		a := &automations[i]
		result, err := o.detect.Analyze(ctx, eventsByResource[a.ExternalID], th, bh, detector.Baselines{})
		if err != nil {
			slog.Warn("discovery: detection run failed for automation", "automationId", a.ExternalID, "error", err)
			continue
		}
		assessment := o.assess.Assess(a.AutomationID, conn.TenantID, result, a.OwnerInfo)
		a.DetectionMetadata = result.Metadata
		a.RiskScoreHistory = append(a.RiskScoreHistory, model.RiskScoreEntry{
			Timestamp: assessment.AssessedAt,
			Score:     assessment.Score,
			Level:     assessment.Level,
			Factors:   assessment.RiskFactors,
			Source:    "discovery",
		})
	}
}

// detectionContext resolves one tenant's RL-adjusted detector thresholds and
// business-hours definition, falling back to the platform defaults when
// EnableDetection's optional ThresholdSource/config.Manager weren't wired.
func (o *Orchestrator) detectionContext(ctx context.Context, tenantID model.TenantID) (detector.Thresholds, detector.BusinessHours) {
	var th detector.Thresholds
	if o.thresholds != nil {
		if opt, err := o.thresholds.Get(ctx, tenantID); err == nil {
			th = detectorThresholdsFrom(opt)
		} else {
			slog.Warn("discovery: failed to load RL thresholds, using baseline", "tenantId", tenantID, "error", err)
			th = detectorThresholdsFrom(threshold.OptimizedThresholds{})
		}
	} else {
		th = detectorThresholdsFrom(threshold.OptimizedThresholds{})
	}

	bh := detector.BusinessHours{Timezone: time.UTC, StartHour: 9, EndHour: 18}
	if o.cfg != nil {
		cfg := o.cfg.Get(string(tenantID))
		loc, err := time.LoadLocation(cfg.Detection.BusinessHoursTimezone)
		if err != nil {
			loc = time.UTC
		}
		bh = detector.BusinessHours{
			Timezone: loc, StartHour: cfg.Detection.BusinessHoursStart,
			EndHour: cfg.Detection.BusinessHoursEnd, WeekdaysOnly: cfg.Detection.BusinessWeekdaysOnly,
		}
	}
	return th, bh
}

// detectorThresholdsFrom maps the RL Threshold Service's per-metric
// adjustments onto detector.Thresholds' field names (they're matched 1:1 by
// convention, see internal/threshold's metric name constants). A missing
// metric falls back to its platform baseline. Window sizes aren't
// RL-tunable and use the platform defaults.
func detectorThresholdsFrom(opt threshold.OptimizedThresholds) detector.Thresholds {
	value := func(metric string) float64 {
		if adj, ok := opt.Metrics[metric]; ok {
			return adj.Value
		}
		return threshold.BaselineValues[metric]
	}
	dataVolumeWarning := value(threshold.MetricDataVolume)
	return detector.Thresholds{
		VelocityEventsPerSec:                 value(threshold.MetricVelocity),
		VelocityWindowSeconds:                60,
		BatchCount:                           int(value(threshold.MetricBatch)),
		BatchWindowSeconds:                   300,
		OffHoursMinEvents:                    int(value(threshold.MetricOffHours)),
		TimingVarianceCoV:                    value(threshold.MetricTimingVariance),
		PermissionEscalationBaselineSeverity: value(threshold.MetricPermissionEscalation),
		DataVolumeWarningMiB:                 dataVolumeWarning,
		DataVolumeCriticalMiB:                dataVolumeWarning * 2,
	}
}

func (o *Orchestrator) failRun(ctx context.Context, run model.DiscoveryRun, started time.Time, errs []string) DiscoverConnectionResult {
	completedAt := time.Now()
	run.Status = model.DiscoveryRunFailed
	run.CompletedAt = &completedAt
	run.DurationMs = completedAt.Sub(started).Milliseconds()
	run.Errors = errs
	if err := o.runs.UpdateRun(ctx, run); err != nil {
		slog.Warn("discovery: failed to persist failed run", "connectionId", run.ConnectionID, "error", err)
	}
	return DiscoverConnectionResult{Run: run}
}

func joinStrings(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += ", "
		}
		out += s
	}
	return out
}

// RunDiscoveryResult aggregates per-connection outcomes for one tenant-wide
// fan-out (spec §4.8: "each connection's failure is recorded but does not
// abort peers").
type RunDiscoveryResult struct {
	Results []DiscoverConnectionResult
}

// RunDiscovery fans discovery out concurrently across every active
// connection for a tenant (or a caller-specified subset).
func (o *Orchestrator) RunDiscovery(ctx context.Context, tenantID model.TenantID, connectionFilter []model.ConnectionID) (RunDiscoveryResult, error) {
	conns, err := o.connections.ListConnections(ctx, tenantID)
	if err != nil {
		return RunDiscoveryResult{}, apierr.Wrap(apierr.KindTransient, "list connections for discovery", err)
	}

	if len(connectionFilter) > 0 {
		allow := make(map[model.ConnectionID]bool, len(connectionFilter))
		for _, id := range connectionFilter {
			allow[id] = true
		}
		filtered := conns[:0]
		for _, c := range conns {
			if allow[c.ConnectionID] {
				filtered = append(filtered, c)
			}
		}
		conns = filtered
	}

	var mu sync.Mutex
	var results []DiscoverConnectionResult
	g, gctx := errgroup.WithContext(ctx)
	for _, conn := range conns {
		if conn.Status != model.ConnectionActive {
			continue
		}
		conn := conn
		g.Go(func() error {
			result, err := o.DiscoverConnection(gctx, conn)
			if err != nil {
				slog.Warn("discovery: per-connection discovery errored", "connectionId", conn.ConnectionID, "error", err)
				return nil
			}
			mu.Lock()
			results = append(results, result)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return RunDiscoveryResult{Results: results}, nil
}

// Start runs the 24h discovery scheduler and, when enableRealTimeProcessing
// is set, the 5-minute correlation-trigger scheduler, both as long-lived
// tickers cancelled by ctx (spec §4.8, §5).
func (o *Orchestrator) Start(ctx context.Context, tenantID model.TenantID, discoveryInterval, correlationInterval time.Duration, enableRealTimeProcessing bool) {
	go o.runTicker(ctx, discoveryInterval, func() {
		if _, err := o.RunDiscovery(ctx, tenantID, nil); err != nil {
			slog.Warn("discovery: scheduled run failed", "tenantId", tenantID, "error", err)
		}
	})

	if enableRealTimeProcessing && o.onCorrelationTrigger != nil {
		go o.runTicker(ctx, correlationInterval, func() {
			o.onCorrelationTrigger(ctx, tenantID)
		})
	}
}

func (o *Orchestrator) runTicker(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case <-ticker.C:
			fn()
		}
	}
}

// Stop ends every running scheduler loop started by Start.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() { close(o.stopCh) })
}
