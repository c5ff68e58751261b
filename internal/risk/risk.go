// Package risk implements the Risk Assessor (C7): it turns one Detection
// Engine run into a weighted composite RiskAssessment and a set of
// template-driven recommendations.
package risk

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/ocx/backend/internal/detection"
	"github.com/ocx/backend/internal/model"
)

var dataVolumeDescription = regexp.MustCompile(`(?i)data|volume`)

// Assessor is the C7 Risk Assessor. It holds no state: every call is a pure
// function of its inputs, matching the Detector Suite's texture.
type Assessor struct{}

func New() *Assessor { return &Assessor{} }

// Assess computes a RiskAssessment for one automation from its latest
// Detection Engine result. ownerInfo is the automation's OwnerInfo map
// (nil/empty means "owner unknown").
func (a *Assessor) Assess(automationID model.AutomationID, tenantID model.TenantID, result detection.Result, ownerInfo map[string]any) model.RiskAssessment {
	activity := activityRisk(result.Patterns)
	permission := permissionRisk(result.Indicators)
	dataAccess := dataAccessRisk(result.Metadata.DetectionPatterns)
	ownership := ownershipRisk(ownerInfo)

	overall := math.Round(0.4*activity + 0.2*permission + 0.3*dataAccess + 0.1*ownership)
	if overall > 100 {
		overall = 100
	}

	factors := riskFactors(result.Metadata.DetectionPatterns)

	return model.RiskAssessment{
		AutomationID: automationID,
		TenantID:     tenantID,
		Level:        model.RiskLevelFromScore(overall),
		Score:        overall,
		Components: model.RiskComponents{
			Permission: permission,
			DataAccess: dataAccess,
			Activity:   activity,
			Ownership:  ownership,
		},
		RiskFactors:      factors,
		ComplianceIssues: complianceIssues(result.Metadata.DetectionPatterns),
		SecurityConcerns: securityConcerns(result.Metadata.DetectionPatterns),
		Recommendations:  recommendations(factors),
		ConfidenceLevel:  confidenceLevel(result.Patterns),
		AssessedAt:       time.Now().UTC(),
	}
}

// activityRisk = 0.7*max(pattern.confidence) + 0.3*min(30, 5*patternCount).
func activityRisk(patterns []model.ActivityPattern) float64 {
	if len(patterns) == 0 {
		return 0
	}
	var maxConfidence float64
	for _, p := range patterns {
		if p.Confidence > maxConfidence {
			maxConfidence = p.Confidence
		}
	}
	countTerm := 5 * float64(len(patterns))
	if countTerm > 30 {
		countTerm = 30
	}
	return 0.7*maxConfidence + 0.3*countTerm
}

// permissionRisk = avg(indicator.severity); default 30 if none.
func permissionRisk(indicators []detection.Indicator) float64 {
	if len(indicators) == 0 {
		return 30
	}
	var sum float64
	for _, ind := range indicators {
		sum += ind.Severity
	}
	return sum / float64(len(indicators))
}

// dataAccessRisk = avg(confidence) over patterns matching
// permission_escalation or whose evidence description matches data|volume;
// default 30 if none match.
func dataAccessRisk(patterns []model.DetectionPattern) float64 {
	var sum float64
	var n int
	for _, p := range patterns {
		if p.PatternType == "permission_escalation" || dataVolumeDescription.MatchString(p.Evidence) {
			sum += p.Confidence
			n++
		}
	}
	if n == 0 {
		return 30
	}
	return sum / float64(n)
}

// ownershipRisk is 50 when the automation has no recorded owner. Ownership
// metadata (when present) is drawn from connector-populated OwnerInfo keys:
// a service-account owner carries moderate risk, an owner flagged departed
// carries high risk, and a live, known human owner carries low risk.
func ownershipRisk(ownerInfo map[string]any) float64 {
	if len(ownerInfo) == 0 {
		return 50
	}
	if departed, _ := ownerInfo["departed"].(bool); departed {
		return 70
	}
	if ownerType, _ := ownerInfo["ownerType"].(string); ownerType == "service_account" {
		return 40
	}
	return 10
}

// confidenceLevel is the simple average confidence across every pattern
// raised this run; 0 if none were raised (nothing to be confident about).
func confidenceLevel(patterns []model.ActivityPattern) float64 {
	if len(patterns) == 0 {
		return 0
	}
	var sum float64
	for _, p := range patterns {
		sum += p.Confidence
	}
	return sum / float64(len(patterns))
}

func riskFactors(patterns []model.DetectionPattern) []string {
	var out []string
	for _, p := range patterns {
		out = append(out, fmt.Sprintf("%s (confidence %.0f, severity %s)", p.PatternType, p.Confidence, p.Severity))
	}
	return out
}

func complianceIssues(patterns []model.DetectionPattern) []string {
	var out []string
	for _, p := range patterns {
		if dataVolumeDescription.MatchString(p.Evidence) && p.Severity == model.RiskCritical {
			out = append(out, "large-volume data export may require a data processing agreement review")
		}
	}
	return out
}

func securityConcerns(patterns []model.DetectionPattern) []string {
	var out []string
	for _, p := range patterns {
		if p.PatternType == "permission_escalation" {
			out = append(out, "automation gained additional scopes since first discovered")
		}
		if p.PatternType == "ai_provider" {
			out = append(out, "automation exchanges data with an external AI provider")
		}
	}
	return out
}

// recommendations are template-driven off the distinct factor categories a
// run produced, per spec §4.7.
func recommendations(factors []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, f := range factors {
		category := strings.SplitN(f, " ", 2)[0]
		if seen[category] {
			continue
		}
		seen[category] = true
		if tmpl, ok := recommendationTemplates[category]; ok {
			out = append(out, tmpl)
		}
	}
	return out
}

var recommendationTemplates = map[string]string{
	"velocity":               "review the automation's burst activity with its owning team",
	"batch_operation":        "confirm the bulk action was intentional and scoped correctly",
	"off_hours":               "verify the actor account was not compromised outside business hours",
	"timing_variance":        "investigate whether the regular interval indicates an unmanaged scheduled job",
	"permission_escalation":  "re-validate the automation's OAuth scopes against least privilege",
	"ai_provider":            "confirm the AI provider integration is sanctioned by your data-governance policy",
}
