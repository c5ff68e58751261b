// Package correlation implements the Correlation Engine (C9): a per-tenant,
// single-flight, four-stage pipeline that collects cross-platform events,
// chains them into AutomationWorkflowChains, rolls those up into a
// MultiPlatformRiskAssessment, and compiles the result into an executive
// summary with categorized recommendations.
package correlation

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/backend/internal/connector"
	"github.com/ocx/backend/internal/events"
	"github.com/ocx/backend/internal/model"
)

const (
	maxEventsPerBatch = 10000
	chainWindow       = 10 * time.Minute
	latencySoftCapMs  = 2000
)

var riskScoreByLevel = map[model.RiskLevel]float64{
	model.RiskLow:      25,
	model.RiskMedium:   50,
	model.RiskHigh:     75,
	model.RiskCritical: 100,
}

// ConnectionSource lists the active connections a tenant has, so the
// collect stage knows which connectors to pull from.
type ConnectionSource interface {
	ListConnections(ctx context.Context, tenantID model.TenantID) ([]model.PlatformConnection, error)
}

// SubscriberSource lists the per-subscriber alert thresholds to check during
// the risk-assessment stage (spec §4.9, §4.10).
type SubscriberSource interface {
	SubscriptionsForTenant(tenantID model.TenantID) []model.SubscriptionPreference
}

// AlreadyInProgress is returned when a second caller requests correlation
// for a tenant while one is already running. Callers retry; the engine
// never queues (spec §4.9).
type AlreadyInProgress struct {
	TenantID model.TenantID
}

func (e *AlreadyInProgress) Error() string {
	return fmt.Sprintf("correlation: analysis already in progress for tenant %s", e.TenantID)
}

// Engine is the C9 Correlation Engine.
type Engine struct {
	registry    *connector.Registry
	connections ConnectionSource
	subscribers SubscriberSource
	emitter     events.EventEmitter

	inflightMu sync.Mutex
	inflight   map[model.TenantID]bool

	resultsMu sync.RWMutex
	results   map[model.TenantID]*model.CorrelationAnalysisResult
}

func New(registry *connector.Registry, connections ConnectionSource, subscribers SubscriberSource, emitter events.EventEmitter) *Engine {
	return &Engine{
		registry:    registry,
		connections: connections,
		subscribers: subscribers,
		emitter:     emitter,
		inflight:    make(map[model.TenantID]bool),
		results:     make(map[model.TenantID]*model.CorrelationAnalysisResult),
	}
}

// LastResult returns the cached result of the most recently completed
// correlation run for tenantID, if any.
func (e *Engine) LastResult(tenantID model.TenantID) (model.CorrelationAnalysisResult, bool) {
	e.resultsMu.RLock()
	defer e.resultsMu.RUnlock()
	r, ok := e.results[tenantID]
	if !ok {
		return model.CorrelationAnalysisResult{}, false
	}
	return *r, true
}

// ExecuteCorrelationAnalysis runs the four-stage pipeline for tenantID. At
// most one run is ever inflight per tenant; a concurrent caller gets
// AlreadyInProgress immediately rather than being queued.
func (e *Engine) ExecuteCorrelationAnalysis(ctx context.Context, tenantID model.TenantID, from, to time.Time) (model.CorrelationAnalysisResult, error) {
	if !e.tryAcquire(tenantID) {
		return model.CorrelationAnalysisResult{}, &AlreadyInProgress{TenantID: tenantID}
	}
	defer e.release(tenantID)

	started := time.Now()
	analysisID := uuid.NewString()
	e.emit("correlation:started", tenantID, analysisID, map[string]any{"tenantId": tenantID})

	collected, platforms, err := e.collect(ctx, tenantID, from, to)
	if err != nil {
		e.emit("correlation:error", tenantID, analysisID, map[string]any{"reason": err.Error()})
		return model.CorrelationAnalysisResult{}, err
	}
	e.progress(tenantID, analysisID, 20)

	chains := e.detectChains(tenantID, analysisID, collected)
	e.progress(tenantID, analysisID, 60)

	assessment := e.assessRisk(tenantID, analysisID, chains)
	e.progress(tenantID, analysisID, 80)

	result := e.compile(tenantID, analysisID, platforms, chains, assessment)
	e.progress(tenantID, analysisID, 100)

	processingTime := time.Since(started)
	if processingTime > latencySoftCapMs*time.Millisecond {
		slog.Warn("correlation: processing time exceeded soft cap", "tenantId", tenantID, "analysisId", analysisID, "processingTimeMs", processingTime.Milliseconds())
		e.emit("system:performance_update", tenantID, analysisID, map[string]any{
			"tenantId": tenantID, "processingTimeMs": processingTime.Milliseconds(), "exceededSoftCap": true,
		})
	}

	e.resultsMu.Lock()
	e.results[tenantID] = &result
	e.resultsMu.Unlock()

	e.emit("correlation:completed", tenantID, analysisID, map[string]any{
		"tenantId": tenantID, "processingTimeMs": processingTime.Milliseconds(),
	})

	return result, nil
}

func (e *Engine) tryAcquire(tenantID model.TenantID) bool {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	if e.inflight[tenantID] {
		return false
	}
	e.inflight[tenantID] = true
	return true
}

func (e *Engine) release(tenantID model.TenantID) {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	delete(e.inflight, tenantID)
}

// emit publishes a CloudEvent whose subject is prefixed with the tenant so
// the Realtime Gateway can scope delivery to that tenant's org room.
func (e *Engine) emit(eventType string, tenantID model.TenantID, subject string, data map[string]any) {
	if e.emitter == nil {
		return
	}
	e.emitter.Emit(eventType, "correlation", fmt.Sprintf("%s:%s", tenantID, subject), data)
}

func (e *Engine) progress(tenantID model.TenantID, analysisID string, pct int) {
	e.emit("correlation:progress", tenantID, analysisID, map[string]any{"tenantId": tenantID, "percent": pct})
}

// collect is stage 1 (0→20%): pull correlation events from every connected
// platform connector, isolating per-connector failures, and truncate the
// accumulated batch at maxEventsPerBatch.
func (e *Engine) collect(ctx context.Context, tenantID model.TenantID, from, to time.Time) ([]model.PlatformEvent, []model.Platform, error) {
	conns, err := e.connections.ListConnections(ctx, tenantID)
	if err != nil {
		return nil, nil, fmt.Errorf("correlation: list connections: %w", err)
	}

	var out []model.PlatformEvent
	platformSet := map[model.Platform]bool{}
	for _, conn := range conns {
		c, err := e.registry.Get(conn.Platform)
		if err != nil {
			slog.Warn("correlation: no connector for platform", "platform", conn.Platform, "tenantId", tenantID)
			continue
		}
		if !c.IsConnected(ctx, conn) {
			slog.Warn("correlation: connector not connected, skipping", "platform", conn.Platform, "connectionId", conn.ConnectionID)
			continue
		}
		evts, err := c.GetCorrelationEvents(ctx, conn, from, to)
		if err != nil {
			slog.Warn("correlation: getCorrelationEvents failed, skipping connection", "connectionId", conn.ConnectionID, "error", err)
			continue
		}
		platformSet[conn.Platform] = true
		out = append(out, evts...)
		if len(out) > maxEventsPerBatch {
			slog.Warn("correlation: event batch exceeded cap, truncating", "tenantId", tenantID, "cap", maxEventsPerBatch, "collected", len(out))
			out = out[:maxEventsPerBatch]
			break
		}
	}

	platforms := make([]model.Platform, 0, len(platformSet))
	for p := range platformSet {
		platforms = append(platforms, p)
	}
	sort.Slice(platforms, func(i, j int) bool { return platforms[i] < platforms[j] })

	return out, platforms, nil
}

// detectChains is stage 2 (20→60%): group events that share an actor or
// resource across different platforms within chainWindow into a single
// AutomationWorkflowChain, emitting chainDetected (and high_risk_alert for
// high/critical chains) as each one completes.
func (e *Engine) detectChains(tenantID model.TenantID, analysisID string, evts []model.PlatformEvent) []model.AutomationWorkflowChain {
	sort.Slice(evts, func(i, j int) bool { return evts[i].Timestamp.Before(evts[j].Timestamp) })

	var triggers []model.PlatformEvent
	for _, ev := range evts {
		if ev.CorrelationMetadata.PotentialTrigger {
			triggers = append(triggers, ev)
		}
	}

	var chains []model.AutomationWorkflowChain
	consumed := make(map[int]bool)
	for _, trigger := range triggers {
		var stages []model.WorkflowStage
		var platforms []model.Platform
		seenPlatform := map[model.Platform]bool{}
		externalAccess := trigger.CorrelationMetadata.ExternalDataAccess

		stages = append(stages, stageFor(trigger))
		platforms = append(platforms, trigger.Platform)
		seenPlatform[trigger.Platform] = true

		for i, candidate := range evts {
			if consumed[i] || candidate.EventID == trigger.EventID {
				continue
			}
			if !candidate.CorrelationMetadata.PotentialAction {
				continue
			}
			if candidate.Platform == trigger.Platform {
				continue
			}
			if candidate.Timestamp.Before(trigger.Timestamp) || candidate.Timestamp.Sub(trigger.Timestamp) > chainWindow {
				continue
			}
			if !shareActorOrResource(trigger, candidate) {
				continue
			}
			stages = append(stages, stageFor(candidate))
			if !seenPlatform[candidate.Platform] {
				platforms = append(platforms, candidate.Platform)
				seenPlatform[candidate.Platform] = true
			}
			if candidate.CorrelationMetadata.ExternalDataAccess {
				externalAccess = true
			}
			consumed[i] = true
		}

		if len(platforms) < 2 {
			continue
		}

		chain := buildChain(stages, platforms, externalAccess)
		chains = append(chains, chain)

		e.emit("chain:detected", tenantID, analysisID, map[string]any{
			"chainId": chain.ChainID, "platforms": chain.Platforms, "riskLevel": chain.RiskLevel,
		})
		if chain.RiskLevel == model.RiskHigh || chain.RiskLevel == model.RiskCritical {
			e.emit("chain:high_risk_alert", tenantID, analysisID, map[string]any{
				"chainId": chain.ChainID, "riskLevel": chain.RiskLevel,
			})
		}
	}

	return chains
}

func stageFor(ev model.PlatformEvent) model.WorkflowStage {
	transformation := "pass_through"
	if _, ok := ev.ActionDetails.AdditionalMetadata["aiProvider"]; ok {
		transformation = "ai_transform"
	}
	return model.WorkflowStage{
		Platform:       ev.Platform,
		DataProcessing: model.DataProcessing{TransformationType: transformation},
	}
}

func shareActorOrResource(a, b model.PlatformEvent) bool {
	if a.UserID != "" && a.UserID == b.UserID {
		return true
	}
	if a.UserEmail != "" && a.UserEmail == b.UserEmail {
		return true
	}
	if a.ResourceID != "" && a.ResourceID == b.ResourceID {
		return true
	}
	return false
}

func buildChain(stages []model.WorkflowStage, platforms []model.Platform, externalAccess bool) model.AutomationWorkflowChain {
	aiStages := 0
	var gdprViolations []string
	for _, s := range stages {
		if strings.HasPrefix(s.DataProcessing.TransformationType, "ai_") {
			aiStages++
		}
	}

	score := 30.0 + float64(len(platforms)-1)*20 + float64(aiStages)*15
	if externalAccess {
		score += 10
	}
	if score > 100 {
		score = 100
	}
	level := model.RiskLevelFromScore(score)

	if aiStages > 0 && len(platforms) >= 2 {
		gdprViolations = append(gdprViolations, "cross-platform transfer through an AI transformation stage without documented data-processing agreement")
	}

	return model.AutomationWorkflowChain{
		ChainID:   uuid.NewString(),
		Platforms: platforms,
		Workflow:  struct{ Stages []model.WorkflowStage }{Stages: stages},
		RiskLevel: level,
		RiskAssessment: model.ChainRiskAssessment{
			OverallRisk:      level,
			ComplianceImpact: model.ComplianceImpact{GDPRViolations: gdprViolations},
		},
	}
}

// assessRisk is stage 3 (60→80%): roll the detected chains into a tenant-wide
// MultiPlatformRiskAssessment and check every subscriber's alert thresholds.
func (e *Engine) assessRisk(tenantID model.TenantID, analysisID string, chains []model.AutomationWorkflowChain) model.MultiPlatformRiskAssessment {
	chainRisks := make(map[string]model.RiskLevel, len(chains))
	var total float64
	complianceViolations := 0
	for _, c := range chains {
		chainRisks[c.ChainID] = c.RiskLevel
		total += riskScoreByLevel[c.RiskLevel]
		complianceViolations += len(c.RiskAssessment.ComplianceImpact.GDPRViolations)
	}

	overall := 0.0
	if len(chains) > 0 {
		overall = math.Round(total / float64(len(chains)))
	}

	assessment := model.MultiPlatformRiskAssessment{
		OverallRiskScore: overall,
		RiskLevel:        model.RiskLevelFromScore(overall),
		ChainRisks:       chainRisks,
	}

	e.emit("risk:assessment_update", tenantID, analysisID, map[string]any{
		"tenantId": tenantID, "overallRiskScore": overall, "riskLevel": assessment.RiskLevel,
	})

	if e.subscribers != nil {
		for _, sub := range e.subscribers.SubscriptionsForTenant(tenantID) {
			exceeded := (sub.AlertThresholds.RiskScore > 0 && overall >= sub.AlertThresholds.RiskScore) ||
				(sub.AlertThresholds.ComplianceViolations > 0 && complianceViolations >= sub.AlertThresholds.ComplianceViolations)
			if exceeded {
				e.emit("risk:threshold_exceeded", tenantID, analysisID, map[string]any{
					"tenantId": tenantID, "userId": sub.UserID, "overallRiskScore": overall,
				})
			}
		}
	}

	return assessment
}

// compile is stage 4 (80→100%): build the numeric summary, executive
// summary text, and categorized recommendations.
func (e *Engine) compile(tenantID model.TenantID, analysisID string, platforms []model.Platform, chains []model.AutomationWorkflowChain, assessment model.MultiPlatformRiskAssessment) model.CorrelationAnalysisResult {
	aiIntegrations := 0
	complianceViolations := 0
	crossPlatform := 0
	for _, c := range chains {
		if len(c.Platforms) > 1 {
			crossPlatform++
		}
		complianceViolations += len(c.RiskAssessment.ComplianceImpact.GDPRViolations)
		for _, s := range c.Workflow.Stages {
			if strings.HasPrefix(s.DataProcessing.TransformationType, "ai_") {
				aiIntegrations++
				break
			}
		}
	}

	summary := model.CorrelationSummary{
		TotalAutomationChains:  len(chains),
		CrossPlatformWorkflows: crossPlatform,
		AIIntegrationsDetected: aiIntegrations,
		ComplianceViolations:   complianceViolations,
		OverallRiskScore:       assessment.OverallRiskScore,
	}

	return model.CorrelationAnalysisResult{
		AnalysisID:       analysisID,
		TenantID:         tenantID,
		AnalysisDate:     time.Now().UTC(),
		Platforms:        platforms,
		Summary:          summary,
		Workflows:        chains,
		RiskAssessment:   assessment,
		ExecutiveSummary: executiveSummary(summary),
		Recommendations:  recommendations(summary, chains),
	}
}

func executiveSummary(s model.CorrelationSummary) string {
	if s.TotalAutomationChains == 0 {
		return "No cross-platform automation chains were detected during this analysis window."
	}
	return fmt.Sprintf(
		"Detected %d automation chain(s) spanning %d cross-platform workflow(s), %d involving AI integrations, with %d compliance concern(s) flagged. Overall risk score: %.0f.",
		s.TotalAutomationChains, s.CrossPlatformWorkflows, s.AIIntegrationsDetected, s.ComplianceViolations, s.OverallRiskScore,
	)
}

func recommendations(s model.CorrelationSummary, chains []model.AutomationWorkflowChain) model.Recommendations {
	var rec model.Recommendations
	for _, c := range chains {
		if c.RiskLevel == model.RiskCritical {
			rec.Immediate = append(rec.Immediate, fmt.Sprintf("Investigate chain %s immediately: critical cross-platform risk across %v", c.ChainID, c.Platforms))
		} else if c.RiskLevel == model.RiskHigh {
			rec.ShortTerm = append(rec.ShortTerm, fmt.Sprintf("Review chain %s within the next sprint: high risk across %v", c.ChainID, c.Platforms))
		}
		if len(c.RiskAssessment.ComplianceImpact.GDPRViolations) > 0 {
			rec.Immediate = append(rec.Immediate, fmt.Sprintf("Document data-processing agreement for chain %s", c.ChainID))
		}
	}
	if s.AIIntegrationsDetected > 0 {
		rec.LongTerm = append(rec.LongTerm, "Establish an AI-tool governance policy covering the integrations detected this run.")
	}
	return rec
}
