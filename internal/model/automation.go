package model

import "time"

// AutomationType enumerates the kinds of non-human actor the platform
// connectors can discover.
type AutomationType string

const (
	AutomationWorkflow       AutomationType = "workflow"
	AutomationBot            AutomationType = "bot"
	AutomationIntegration    AutomationType = "integration"
	AutomationWebhook        AutomationType = "webhook"
	AutomationScheduledTask  AutomationType = "scheduled_task"
	AutomationTrigger        AutomationType = "trigger"
	AutomationScript         AutomationType = "script"
	AutomationServiceAccount AutomationType = "service_account"
)

// RiskLevel is the four-bucket severity used throughout the platform for
// both detection-pattern severity and overall risk.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// RiskLevelFromScore maps a 0-100 overall score to a RiskLevel per the
// thresholds in spec §4.7: >=85 critical, >=70 high, >=40 medium, else low.
// This is the single place that mapping is defined; nothing else may alter
// it (spec §8 invariant: risk level is a pure function of score).
func RiskLevelFromScore(score float64) RiskLevel {
	switch {
	case score >= 85:
		return RiskCritical
	case score >= 70:
		return RiskHigh
	case score >= 40:
		return RiskMedium
	default:
		return RiskLow
	}
}

// SeverityFromConfidence maps a 0-100 confidence value to the shared
// severity bucket used by detectors and the detection engine (spec §4.4):
// <30 low, <60 medium, <90 high, >=90 critical. Total and monotone.
func SeverityFromConfidence(confidence float64) RiskLevel {
	switch {
	case confidence >= 90:
		return RiskCritical
	case confidence >= 60:
		return RiskHigh
	case confidence >= 30:
		return RiskMedium
	default:
		return RiskLow
	}
}

// Timestamps groups the lifecycle timestamps tracked per automation.
type Timestamps struct {
	Created       time.Time
	LastModified  time.Time
	LastTriggered *time.Time
	FirstSeen     time.Time
	LastSeen      time.Time
}

// RiskScoreEntry is one row of an automation's risk-score history.
type RiskScoreEntry struct {
	Timestamp time.Time
	Score     float64
	Level     RiskLevel
	Factors   []string
	Source    string
}

// DiscoveredAutomation is the canonical, upserted record of one automation
// actor found by a platform connector.
//
// Upsert key: (ConnectionID, ExternalID). Re-discovery refreshes LastSeen and
// Name/Status/Metadata only; FirstSeen, IsActive, RiskScoreHistory and
// DetectionMetadata are owned by other write paths (discovery orchestrator
// vs. risk assessor).
type DiscoveredAutomation struct {
	AutomationID        AutomationID
	ConnectionID         ConnectionID
	ExternalID           string
	Name                 string
	Type                 AutomationType
	Status               string
	Trigger              string
	Actions              []string
	PermissionsRequired  []string
	OwnerInfo            map[string]any
	Timestamps           Timestamps
	Metadata             map[string]any
	IsActive             bool
	DetectionMetadata    DetectionMetadata
	RiskScoreHistory     []RiskScoreEntry
}
