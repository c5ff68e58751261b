// Package detector implements the seven behavioral detectors of the shadow-AI
// discovery platform. Each detector is a pure function over a batch of
// normalized events plus the tenant's current thresholds; none of them hold
// state across calls (state, where it exists — the data-volume baseline,
// the RL-adjusted thresholds — is threaded in by the caller).
package detector

import (
	"time"

	"github.com/google/uuid"
	"github.com/ocx/backend/internal/model"
)

// Thresholds is the set of tunable cutoffs the RL Threshold Service can
// adjust per tenant. Field names match the detector metric names used in
// internal/threshold.
type Thresholds struct {
	VelocityEventsPerSec  float64
	VelocityWindowSeconds int
	BatchCount           int
	BatchWindowSeconds   int
	OffHoursMinEvents    int
	TimingVarianceCoV    float64
	PermissionEscalationBaselineSeverity float64
	DataVolumeWarningMiB  float64
	DataVolumeCriticalMiB float64
}

// BusinessHours is the tenant's working-hours definition used by the
// off-hours detector.
type BusinessHours struct {
	Timezone     *time.Location
	StartHour    int
	EndHour      int
	WeekdaysOnly bool
}

// InBusinessHours reports whether t falls within the configured window.
func (b BusinessHours) InBusinessHours(t time.Time) bool {
	loc := b.Timezone
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	if b.WeekdaysOnly {
		wd := local.Weekday()
		if wd == time.Saturday || wd == time.Sunday {
			return false
		}
	}
	hour := local.Hour()
	return hour >= b.StartHour && hour < b.EndHour
}

// Baselines carries pre-learned per-actor statistics a detector may consult.
// Nil means "no baseline available" — detectors degrade to their
// baseline-free behavior rather than erroring.
type Baselines struct {
	// DataVolumeDailyBaselineBytes maps actor -> mean bytes/day over the
	// trailing window. Supplied by the caller; the data-volume detector
	// (see data_volume.go) consults it when the batch itself holds fewer
	// than seven other days of history for the actor, and never writes it.
	DataVolumeDailyBaselineBytes map[string]float64
}

// Detector is the common shape of all seven detectors: events, thresholds
// and (optional) baselines in; a list of activity patterns out. Detectors
// never return an error to the caller — a detector that cannot produce a
// meaningful result returns an empty slice. A detector that panics is
// recovered by the Detection Engine, which records it in Result.Failed and
// isolates per-detector faults (spec §4.6).
type Detector func(events []model.PlatformEvent, th Thresholds, bh BusinessHours, bl Baselines) []model.ActivityPattern

// newPatternID mints an opaque pattern identifier.
func newPatternID() model.PatternID {
	return model.PatternID(uuid.NewString())
}

// clampConfidence keeps a computed confidence value within [0, 100].
func clampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 100 {
		return 100
	}
	return c
}
