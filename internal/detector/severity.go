package detector

import "github.com/ocx/backend/internal/model"

// SeverityFromConfidence is the shared confidence->severity mapping used by
// every detector and by the Detection Engine when it re-expresses a pattern
// as a DetectionPattern. It is a thin re-export of model.SeverityFromConfidence
// so detector code reads naturally ("severity := SeverityFromConfidence(c)")
// without importing model directly in call sites that already import this
// package.
func SeverityFromConfidence(confidence float64) model.RiskLevel {
	return model.SeverityFromConfidence(confidence)
}
