package model

import "time"

// AIProvider enumerates the external AI services the fingerprint table in
// internal/connector can attribute an automation to.
type AIProvider string

const (
	AIProviderOpenAI    AIProvider = "OpenAI"
	AIProviderClaude    AIProvider = "Claude"
	AIProviderGemini    AIProvider = "Gemini"
	AIProviderCohere    AIProvider = "Cohere"
	AIProviderUnknown   AIProvider = "unknown"
)

// AIProviderDetection is the single highest-confidence AI-provider
// attribution carried on a DetectionMetadata record.
type AIProviderDetection struct {
	Provider          AIProvider
	Confidence        float64
	DetectionMethods  []string
	Evidence          string
	Model             string
	DetectedAt        time.Time
}

// DetectionPattern is a pattern, re-expressed in the Detection Engine's
// output vocabulary (patternType here is the mapped name, not the raw
// detector PatternType — see internal/detection for the mapping table).
type DetectionPattern struct {
	PatternType string
	Confidence  float64
	Severity    RiskLevel
	Evidence    string
	DetectedAt  time.Time
	Metadata    map[string]any
}

// DetectionMetadata is the merged output of one Detection Engine run,
// persisted onto the owning DiscoveredAutomation.
type DetectionMetadata struct {
	AIProvider       *AIProviderDetection
	DetectionPatterns []DetectionPattern
	LastUpdated      time.Time
}

// RiskComponents breaks the overall RiskAssessment score into its four
// weighted inputs (spec §4.7).
type RiskComponents struct {
	Permission float64
	DataAccess float64
	Activity   float64
	Ownership  float64
}

// RiskAssessment is the persisted output of one Risk Assessor run for one
// automation.
type RiskAssessment struct {
	AutomationID      AutomationID
	TenantID          TenantID
	Level             RiskLevel
	Score             float64
	Components        RiskComponents
	RiskFactors       []string
	ComplianceIssues  []string
	SecurityConcerns  []string
	Recommendations   []string
	ConfidenceLevel   float64
	AssessedAt        time.Time
}
