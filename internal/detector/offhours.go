package detector

import (
	"fmt"
	"time"

	"github.com/ocx/backend/internal/model"
)

// OffHours flags actors with at least th.OffHoursMinEvents events outside
// the tenant's configured business hours in the analysis window. Confidence
// is proportional to the off-hours share of the actor's total activity.
// A non-positive th.OffHoursMinEvents disables the detector.
func OffHours(events []model.PlatformEvent, th Thresholds, bh BusinessHours, _ Baselines) []model.ActivityPattern {
	if th.OffHoursMinEvents <= 0 {
		return nil
	}
	byActor := groupByActor(events)
	var patterns []model.ActivityPattern

	for actor, actorEvents := range byActor {
		var offHoursEvents []model.PlatformEvent
		for _, e := range actorEvents {
			if !bh.InBusinessHours(e.Timestamp) {
				offHoursEvents = append(offHoursEvents, e)
			}
		}

		if len(offHoursEvents) < th.OffHoursMinEvents {
			continue
		}

		share := float64(len(offHoursEvents)) / float64(len(actorEvents))
		confidence := clampConfidence(share * 100)

		patterns = append(patterns, model.ActivityPattern{
			PatternID:   newPatternID(),
			PatternType: model.PatternOffHours,
			DetectedAt:  time.Now().UTC(),
			Confidence:  confidence,
			Metadata: model.PatternMetadata{
				Actor:     actor,
				Timestamp: offHoursEvents[0].Timestamp,
			},
			Evidence: model.PatternEvidence{
				Description:      fmt.Sprintf("%d of %d events (%.0f%%) occurred outside business hours", len(offHoursEvents), len(actorEvents), share*100),
				DataPoints:       map[string]any{"offHoursCount": len(offHoursEvents), "totalCount": len(actorEvents), "share": share},
				SupportingEvents: eventIDs(offHoursEvents),
			},
		})
	}

	return patterns
}
