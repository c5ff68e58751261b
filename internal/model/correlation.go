package model

import "time"

// WorkflowStage is one hop in a cross-platform automation chain.
type WorkflowStage struct {
	Platform           Platform
	AutomationID       AutomationID
	DataProcessing     DataProcessing
}

// DataProcessing captures what a workflow stage does to data in transit,
// used to flag AI-integration stages (transformationType starting "ai_").
type DataProcessing struct {
	TransformationType string
}

// ComplianceImpact enumerates regulatory concerns raised by a chain.
type ComplianceImpact struct {
	GDPRViolations []string
}

// ChainRiskAssessment is the per-chain risk rollup embedded in
// AutomationWorkflowChain.
type ChainRiskAssessment struct {
	OverallRisk      RiskLevel
	ComplianceImpact ComplianceImpact
}

// AutomationWorkflowChain is one correlated, cross-platform logical process
// discovered by the chain-detection stage of the Correlation Engine.
type AutomationWorkflowChain struct {
	ChainID        string
	Platforms      []Platform
	Workflow       struct{ Stages []WorkflowStage }
	RiskLevel      RiskLevel
	RiskAssessment ChainRiskAssessment
}

// MultiPlatformRiskAssessment is the tenant-wide risk rollup produced by
// stage 3 of the Correlation Engine.
type MultiPlatformRiskAssessment struct {
	OverallRiskScore float64
	RiskLevel        RiskLevel
	ChainRisks       map[string]RiskLevel
}

// CorrelationSummary is the compiled, top-level numeric summary of one
// correlation run.
type CorrelationSummary struct {
	TotalAutomationChains   int
	CrossPlatformWorkflows  int
	AIIntegrationsDetected  int
	ComplianceViolations    int
	OverallRiskScore        float64
}

// Recommendations buckets remediation advice by urgency.
type Recommendations struct {
	Immediate []string
	ShortTerm []string
	LongTerm  []string
}

// CorrelationAnalysisResult is the full, persisted output of one
// executeCorrelationAnalysis run.
type CorrelationAnalysisResult struct {
	AnalysisID       string
	TenantID         TenantID
	AnalysisDate     time.Time
	Platforms        []Platform
	Summary          CorrelationSummary
	Workflows        []AutomationWorkflowChain
	RiskAssessment   MultiPlatformRiskAssessment
	ExecutiveSummary string
	Recommendations  Recommendations
}

// FeedbackType enumerates the labels an analyst can attach to a detection.
type FeedbackType string

const (
	FeedbackTruePositive  FeedbackType = "true_positive"
	FeedbackFalsePositive FeedbackType = "false_positive"
	FeedbackFalseNegative FeedbackType = "false_negative"
	FeedbackUncertain     FeedbackType = "uncertain"
)

// DetectionFeedback is one append-only analyst judgment on a detection.
type DetectionFeedback struct {
	ID           string
	DetectionID  string
	TenantID     TenantID
	UserID       string
	FeedbackType FeedbackType
	Comment      string
	Metadata     map[string]any
	CreatedAt    time.Time
}

// SubscriptionFlags controls which realtime streams a connected client
// receives.
type SubscriptionFlags struct {
	AnalysisProgress   bool
	ChainDetection     bool
	RiskAlerts         bool
	ExecutiveUpdates   bool
	PerformanceMetrics bool
}

// AlertThresholds are the per-client overrides used to decide whether a
// threshold_exceeded event should fire for this subscriber.
type AlertThresholds struct {
	RiskScore             float64
	ComplianceViolations  int
}

// SubscriptionPreference is the per-connected-client realtime delivery
// configuration (spec §3, §4.10).
type SubscriptionPreference struct {
	TenantID        TenantID
	UserID          string
	Subscriptions   SubscriptionFlags
	RiskLevelFilter map[RiskLevel]bool
	AlertThresholds AlertThresholds
}
