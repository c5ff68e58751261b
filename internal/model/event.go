package model

import "time"

// ActionDetails carries the free-form, platform-specific payload of a
// PlatformEvent. AdditionalMetadata is intentionally a map[string]any: the
// set of fields varies per EventType and platform, and detectors read only
// the keys they know about (see internal/detector for the tagged-union
// switch described in spec §9).
type ActionDetails struct {
	Action             string
	ResourceName       string
	AdditionalMetadata map[string]any
}

// CorrelationMetadata is precomputed, cheap-to-check hinting attached by the
// connector so the Correlation Engine doesn't have to re-derive it from
// ActionDetails on every stage.
type CorrelationMetadata struct {
	PotentialTrigger       bool
	PotentialAction        bool
	ExternalDataAccess     bool
	AutomationIndicators   []string
}

// PlatformEvent is the platform-normalized audit/activity event that feeds
// both the Detector Suite and the Correlation Engine.
type PlatformEvent struct {
	EventID             string
	Platform            Platform
	Timestamp           time.Time
	UserID              string
	UserEmail           string
	EventType           string
	ResourceID          string
	ResourceType        string
	ActionDetails       ActionDetails
	IPAddress           string
	CorrelationMetadata CorrelationMetadata
}

// PatternType enumerates the activity patterns a detector can emit.
type PatternType string

const (
	PatternVelocity        PatternType = "velocity"
	PatternBatchOperation   PatternType = "batch_operation"
	PatternOffHours         PatternType = "off_hours"
	PatternRegularInterval  PatternType = "regular_interval"
	PatternPermissionChange PatternType = "permission_change"
	PatternAPIUsage         PatternType = "api_usage"
)

// PatternEvidence bundles the human-readable description and the supporting
// raw-event references a detector used to justify its output.
type PatternEvidence struct {
	Description      string
	DataPoints       map[string]any
	SupportingEvents []string
}

// PatternMetadata is the set of dimensions a pattern was detected against.
type PatternMetadata struct {
	Actor        string
	ResourceType string
	ActionType   string
	Timestamp    time.Time
}

// ActivityPattern is a single, evidence-bearing observation produced by one
// detector invocation.
type ActivityPattern struct {
	PatternID   PatternID
	PatternType PatternType
	DetectedAt  time.Time
	Confidence  float64 // 0-100
	Metadata    PatternMetadata
	Evidence    PatternEvidence
}
