package detector

import (
	"fmt"
	"sort"
	"time"

	"github.com/ocx/backend/internal/model"
)

// Velocity groups events per actor into a sliding window of
// th.VelocityWindowSeconds and flags any window whose events/sec exceeds
// th.VelocityEventsPerSec. Confidence scales with how far the observed rate
// is past the threshold, capped at 100.
func Velocity(events []model.PlatformEvent, th Thresholds, _ BusinessHours, _ Baselines) []model.ActivityPattern {
	window := time.Duration(th.VelocityWindowSeconds) * time.Second
	if window <= 0 {
		window = time.Second
	}

	byActor := groupByActor(events)
	var patterns []model.ActivityPattern

	for actor, actorEvents := range byActor {
		sort.Slice(actorEvents, func(i, j int) bool {
			return actorEvents[i].Timestamp.Before(actorEvents[j].Timestamp)
		})

		// Slide a window start pointer across the sorted events; for each
		// start, count how many events fall within [start, start+window].
		maxRate := 0.0
		var maxWindowEvents []model.PlatformEvent
		for i := range actorEvents {
			start := actorEvents[i].Timestamp
			end := start.Add(window)
			var inWindow []model.PlatformEvent
			for j := i; j < len(actorEvents) && !actorEvents[j].Timestamp.After(end); j++ {
				inWindow = append(inWindow, actorEvents[j])
			}
			rate := float64(len(inWindow)) / window.Seconds()
			if rate > maxRate {
				maxRate = rate
				maxWindowEvents = inWindow
			}
		}

		if maxRate <= th.VelocityEventsPerSec || th.VelocityEventsPerSec <= 0 {
			continue
		}

		// A rate 20% over threshold lands in the medium band (confidence
		// 56); a rate at least a third over threshold reaches high, and only
		// a rate of roughly 2.33x the threshold or more pushes into critical.
		over := (maxRate - th.VelocityEventsPerSec) / th.VelocityEventsPerSec
		confidence := clampConfidence(50 + over*30)

		patterns = append(patterns, model.ActivityPattern{
			PatternID:   newPatternID(),
			PatternType: model.PatternVelocity,
			DetectedAt:  time.Now().UTC(),
			Confidence:  confidence,
			Metadata: model.PatternMetadata{
				Actor:     actor,
				Timestamp: maxWindowEvents[0].Timestamp,
			},
			Evidence: model.PatternEvidence{
				Description:      fmt.Sprintf("actor %s sustained %.2f events/sec, threshold %.2f", actor, maxRate, th.VelocityEventsPerSec),
				DataPoints:       map[string]any{"observedRate": maxRate, "threshold": th.VelocityEventsPerSec, "windowSeconds": window.Seconds()},
				SupportingEvents: eventIDs(maxWindowEvents),
			},
		})
	}

	return patterns
}

func groupByActor(events []model.PlatformEvent) map[string][]model.PlatformEvent {
	byActor := make(map[string][]model.PlatformEvent)
	for _, e := range events {
		actor := actorKey(e)
		byActor[actor] = append(byActor[actor], e)
	}
	return byActor
}

// actorKey prefers UserID; falls back to UserEmail since some connectors
// (notably Google service-account attribution) only populate the email.
func actorKey(e model.PlatformEvent) string {
	if e.UserID != "" {
		return e.UserID
	}
	return e.UserEmail
}

func eventIDs(events []model.PlatformEvent) []string {
	ids := make([]string, 0, len(events))
	for _, e := range events {
		ids = append(ids, e.EventID)
	}
	return ids
}
