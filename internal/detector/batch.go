package detector

import (
	"fmt"
	"sort"
	"time"

	"github.com/ocx/backend/internal/model"
)

// Batch flags an actor performing th.BatchCount or more identical actions on
// distinct resources within a th.BatchWindowSeconds window — the signature
// of a bulk/bot operation rather than a human clicking through a UI.
func Batch(events []model.PlatformEvent, th Thresholds, _ BusinessHours, _ Baselines) []model.ActivityPattern {
	window := time.Duration(th.BatchWindowSeconds) * time.Second
	if window <= 0 {
		window = 60 * time.Second
	}
	if th.BatchCount <= 0 {
		return nil
	}

	byActorAction := make(map[string][]model.PlatformEvent)
	for _, e := range events {
		key := actorKey(e) + "|" + e.ActionDetails.Action
		byActorAction[key] = append(byActorAction[key], e)
	}

	var patterns []model.ActivityPattern
	for key, group := range byActorAction {
		sort.Slice(group, func(i, j int) bool { return group[i].Timestamp.Before(group[j].Timestamp) })

		for i := 0; i < len(group); i++ {
			resources := map[string]bool{group[i].ResourceID: true}
			var windowEvents []model.PlatformEvent
			windowEvents = append(windowEvents, group[i])
			end := group[i].Timestamp.Add(window)
			for j := i + 1; j < len(group) && !group[j].Timestamp.After(end); j++ {
				resources[group[j].ResourceID] = true
				windowEvents = append(windowEvents, group[j])
			}

			if len(resources) < th.BatchCount {
				continue
			}

			confidence := clampConfidence(60 + float64(len(resources)-th.BatchCount)*5)
			patterns = append(patterns, model.ActivityPattern{
				PatternID:   newPatternID(),
				PatternType: model.PatternBatchOperation,
				DetectedAt:  time.Now().UTC(),
				Confidence:  confidence,
				Metadata: model.PatternMetadata{
					Actor:      actorOf(key),
					ActionType: group[i].ActionDetails.Action,
					Timestamp:  group[i].Timestamp,
				},
				Evidence: model.PatternEvidence{
					Description:      fmt.Sprintf("%d distinct resources touched by the same action within %s", len(resources), window),
					DataPoints:       map[string]any{"distinctResources": len(resources), "windowSeconds": window.Seconds()},
					SupportingEvents: eventIDs(windowEvents),
				},
			})
			break // one pattern per actor/action is enough; avoid N overlapping windows
		}
	}

	return patterns
}

func actorOf(key string) string {
	for i, c := range key {
		if c == '|' {
			return key[:i]
		}
	}
	return key
}
