package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ocx/backend/internal/detection"
	"github.com/ocx/backend/internal/model"
)

func TestAssess_NoFindingsYieldsLowBaseline(t *testing.T) {
	a := New()
	out := a.Assess("auto1", "tenant1", detection.Result{}, nil)

	assert.Equal(t, model.RiskLow, out.Level)
	assert.Equal(t, 30.0, out.Components.Permission)
	assert.Equal(t, 30.0, out.Components.DataAccess)
	assert.Equal(t, 50.0, out.Components.Ownership)
	assert.Equal(t, 0.0, out.Components.Activity)
	// overall = round(0.2*30 + 0.3*30 + 0.1*50) = round(6+9+5) = 20
	assert.Equal(t, 20.0, out.Score)
}

func TestAssess_HighConfidencePermissionEscalationDrivesCritical(t *testing.T) {
	result := detection.Result{
		Patterns: []model.ActivityPattern{
			{PatternType: model.PatternPermissionChange, Confidence: 95},
			{PatternType: model.PatternVelocity, Confidence: 90},
		},
		Indicators: []detection.Indicator{
			{Type: "permission_escalation", Severity: 95},
		},
		Metadata: model.DetectionMetadata{
			DetectionPatterns: []model.DetectionPattern{
				{PatternType: "permission_escalation", Confidence: 95, Severity: model.RiskCritical, Evidence: "scopes expanded"},
				{PatternType: "velocity", Confidence: 90, Severity: model.RiskCritical, Evidence: "burst activity"},
			},
		},
	}

	a := New()
	out := a.Assess("auto1", "tenant1", result, map[string]any{"departed": true})

	assert.Equal(t, 95.0, out.Components.Permission)
	assert.Equal(t, 95.0, out.Components.DataAccess) // matches permission_escalation pattern type
	assert.Equal(t, 70.0, out.Components.Ownership)  // departed owner
	assert.Contains(t, out.Recommendations, "re-validate the automation's OAuth scopes against least privilege")
	assert.Equal(t, model.RiskCritical, out.Level)
}

func TestAssess_OwnedByKnownHumanLowersOwnershipRisk(t *testing.T) {
	a := New()
	out := a.Assess("auto1", "tenant1", detection.Result{}, map[string]any{"email": "owner@example.com"})
	assert.Equal(t, 10.0, out.Components.Ownership)
}

func TestAssess_DataVolumeEvidenceMatchedByRegex(t *testing.T) {
	result := detection.Result{
		Metadata: model.DetectionMetadata{
			DetectionPatterns: []model.DetectionPattern{
				{PatternType: "ai_provider", Confidence: 80, Evidence: "daily volume exceeds critical threshold"},
			},
		},
	}
	a := New()
	out := a.Assess("auto1", "tenant1", result, nil)
	assert.Equal(t, 80.0, out.Components.DataAccess)
}
