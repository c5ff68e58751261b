package detector

import (
	"fmt"
	"time"

	"github.com/ocx/backend/internal/model"
)

// permissionEscalationEventTypes are the normalized EventType values
// connectors emit for scope grants and role changes.
var permissionEscalationEventTypes = map[string]bool{
	"scope_granted": true,
	"role_changed":  true,
	"permission_granted": true,
}

// PermissionEscalation detects increases in granted scopes or role
// elevations and emits one pattern per escalation event, with severity
// derived from the size of the delta (more newly-granted scopes/roles ==
// higher severity).
func PermissionEscalation(events []model.PlatformEvent, _ Thresholds, _ BusinessHours, _ Baselines) []model.ActivityPattern {
	var patterns []model.ActivityPattern

	for _, e := range events {
		if !permissionEscalationEventTypes[e.EventType] {
			continue
		}

		before := stringSliceFromMeta(e.ActionDetails.AdditionalMetadata, "scopes_before", "role_before")
		after := stringSliceFromMeta(e.ActionDetails.AdditionalMetadata, "scopes_after", "role_after")
		added := setDifference(after, before)
		if len(added) == 0 {
			continue
		}

		confidence := clampConfidence(40 + float64(len(added))*15)

		patterns = append(patterns, model.ActivityPattern{
			PatternID:   newPatternID(),
			PatternType: model.PatternPermissionChange,
			DetectedAt:  time.Now().UTC(),
			Confidence:  confidence,
			Metadata: model.PatternMetadata{
				Actor:      actorKey(e),
				ActionType: e.ActionDetails.Action,
				Timestamp:  e.Timestamp,
			},
			Evidence: model.PatternEvidence{
				Description:      fmt.Sprintf("escalation added %d new permission(s): %v", len(added), added),
				DataPoints:       map[string]any{"added": added, "before": before, "after": after},
				SupportingEvents: []string{e.EventID},
			},
		})
	}

	return patterns
}

func stringSliceFromMeta(meta map[string]any, keys ...string) []string {
	for _, k := range keys {
		if v, ok := meta[k]; ok {
			if ss, ok := v.([]string); ok {
				return ss
			}
			if is, ok := v.([]any); ok {
				out := make([]string, 0, len(is))
				for _, item := range is {
					if s, ok := item.(string); ok {
						out = append(out, s)
					}
				}
				return out
			}
		}
	}
	return nil
}

func setDifference(after, before []string) []string {
	existing := make(map[string]bool, len(before))
	for _, b := range before {
		existing[b] = true
	}
	var added []string
	for _, a := range after {
		if !existing[a] {
			added = append(added, a)
		}
	}
	return added
}
