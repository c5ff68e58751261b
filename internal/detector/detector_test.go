package detector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/backend/internal/model"
)

func evt(id, userID, eventType, action, resourceID string, ts time.Time) model.PlatformEvent {
	return model.PlatformEvent{
		EventID:   id,
		UserID:    userID,
		EventType: eventType,
		ResourceID: resourceID,
		Timestamp: ts,
		ActionDetails: model.ActionDetails{
			Action:             action,
			AdditionalMetadata: map[string]any{},
		},
	}
}

func TestVelocity_FlagsSustainedBurst(t *testing.T) {
	base := time.Date(2025, 1, 10, 10, 0, 0, 0, time.UTC)
	var events []model.PlatformEvent
	for i := 0; i < 30; i++ {
		events = append(events, evt("e"+string(rune('a'+i%26)), "u1", "file_create", "create", "r1", base.Add(time.Duration(i)*100*time.Millisecond)))
	}

	patterns := Velocity(events, Thresholds{VelocityEventsPerSec: 5, VelocityWindowSeconds: 1}, BusinessHours{}, Baselines{})
	require.Len(t, patterns, 1)
	assert.Equal(t, model.PatternVelocity, patterns[0].PatternType)
	assert.GreaterOrEqual(t, patterns[0].Confidence, 75.0)
	assert.Equal(t, model.RiskHigh, SeverityFromConfidence(patterns[0].Confidence))
}

func TestVelocity_NoPatternBelowThreshold(t *testing.T) {
	base := time.Date(2025, 1, 10, 10, 0, 0, 0, time.UTC)
	events := []model.PlatformEvent{
		evt("e1", "u1", "file_create", "create", "r1", base),
		evt("e2", "u1", "file_create", "create", "r1", base.Add(5*time.Second)),
	}
	patterns := Velocity(events, Thresholds{VelocityEventsPerSec: 5, VelocityWindowSeconds: 10}, BusinessHours{}, Baselines{})
	assert.Empty(t, patterns)
}

func TestBatch_FlagsIdenticalActionAcrossResources(t *testing.T) {
	base := time.Date(2025, 1, 10, 10, 0, 0, 0, time.UTC)
	var events []model.PlatformEvent
	for i := 0; i < 6; i++ {
		events = append(events, evt("e"+string(rune('a'+i)), "u1", "permission_change", "export", "r"+string(rune('a'+i)), base.Add(time.Duration(i)*time.Second)))
	}

	patterns := Batch(events, Thresholds{BatchCount: 5, BatchWindowSeconds: 60}, BusinessHours{}, Baselines{})
	require.Len(t, patterns, 1)
	assert.Equal(t, model.PatternBatchOperation, patterns[0].PatternType)
}

func TestOffHours_FlagsActorOutsideWindow(t *testing.T) {
	loc := time.UTC
	night := time.Date(2025, 1, 10, 2, 0, 0, 0, loc)
	var events []model.PlatformEvent
	for i := 0; i < 4; i++ {
		events = append(events, evt("e"+string(rune('a'+i)), "u1", "file_access", "read", "r1", night.Add(time.Duration(i)*time.Minute)))
	}

	bh := BusinessHours{Timezone: loc, StartHour: 9, EndHour: 18}
	patterns := OffHours(events, Thresholds{OffHoursMinEvents: 3}, bh, Baselines{})
	require.Len(t, patterns, 1)
	assert.Equal(t, model.PatternOffHours, patterns[0].PatternType)
	assert.Equal(t, 100.0, patterns[0].Confidence)
}

func TestTimingVariance_FlagsRegularInterval(t *testing.T) {
	base := time.Date(2025, 1, 10, 10, 0, 0, 0, time.UTC)
	var events []model.PlatformEvent
	for i := 0; i < 10; i++ {
		events = append(events, evt("e"+string(rune('a'+i)), "u1", "api_call", "call", "r1", base.Add(time.Duration(i)*30*time.Second)))
	}

	patterns := TimingVariance(events, Thresholds{TimingVarianceCoV: 0.15}, BusinessHours{}, Baselines{})
	require.Len(t, patterns, 1)
	assert.Equal(t, model.PatternRegularInterval, patterns[0].PatternType)
}

func TestPermissionEscalation_FlagsAddedScopes(t *testing.T) {
	e := evt("e1", "u1", "scope_granted", "authorize", "r1", time.Now())
	e.ActionDetails.AdditionalMetadata["scopes_before"] = []string{"drive.readonly"}
	e.ActionDetails.AdditionalMetadata["scopes_after"] = []string{"drive.readonly", "drive.write", "admin"}

	patterns := PermissionEscalation([]model.PlatformEvent{e}, Thresholds{}, BusinessHours{}, Baselines{})
	require.Len(t, patterns, 1)
	assert.Equal(t, model.PatternPermissionChange, patterns[0].PatternType)
	assert.Equal(t, model.RiskHigh, SeverityFromConfidence(patterns[0].Confidence))
}

func TestDataVolume_BoundaryThresholds(t *testing.T) {
	mkDay := func(day string, fileSizeMiB float64, count int) []model.PlatformEvent {
		base, _ := time.Parse("2006-01-02", day)
		var events []model.PlatformEvent
		for i := 0; i < count; i++ {
			e := evt("e"+day+string(rune('a'+i%26)), "u1", "file_download", "download", "r1", base.Add(time.Duration(i)*time.Minute))
			e.ActionDetails.AdditionalMetadata["fileSize"] = fileSizeMiB * mib
			events = append(events, e)
		}
		return events
	}

	// Exactly 100 MiB in a single day, no baseline -> warning tier only.
	// The absolute-threshold rule awards a flat 40 points whichever of
	// warning/critical is crossed.
	events := mkDay("2025-01-10", 100, 1)
	patterns := DataVolume(events, Thresholds{DataVolumeWarningMiB: 100, DataVolumeCriticalMiB: 500}, BusinessHours{}, Baselines{})
	require.Len(t, patterns, 1)
	assert.Equal(t, 40.0, patterns[0].Confidence)

	// Exactly 500 MiB -> critical tier.
	events = mkDay("2025-01-11", 500, 1)
	patterns = DataVolume(events, Thresholds{DataVolumeWarningMiB: 100, DataVolumeCriticalMiB: 500}, BusinessHours{}, Baselines{})
	require.Len(t, patterns, 1)
	assert.Equal(t, 40.0, patterns[0].Confidence)
}

func TestDataVolume_BaselineRequiresSevenDays(t *testing.T) {
	var events []model.PlatformEvent
	for d := 1; d <= 3; d++ {
		day := time.Date(2025, 1, d, 0, 0, 0, 0, time.UTC)
		e := evt("e"+string(rune('a'+d)), "u1", "file_download", "download", "r1", day)
		e.ActionDetails.AdditionalMetadata["fileSize"] = float64(10 * mib)
		events = append(events, e)
	}
	patterns := DataVolume(events, Thresholds{DataVolumeWarningMiB: 100, DataVolumeCriticalMiB: 500}, BusinessHours{}, Baselines{})
	assert.Empty(t, patterns, "fewer than 7 days of history must not trigger the baseline-multiplier rule")
}

func TestAIProvider_AggregatesSignalsIntoOnePattern(t *testing.T) {
	e1 := evt("e1", "u1", "oauth_authorize", "authorize", "automation-1", time.Now())
	e1.ActionDetails.AdditionalMetadata["oauthAppName"] = "ChatGPT for Google"
	e2 := evt("e2", "u1", "oauth_authorize", "authorize", "automation-1", time.Now())
	e2.ActionDetails.AdditionalMetadata["endpoint"] = "api.openai.com"

	patterns := AIProvider([]model.PlatformEvent{e1, e2}, Thresholds{}, BusinessHours{}, Baselines{})
	require.Len(t, patterns, 1, "one automation's signals must aggregate into a single pattern")
	assert.Equal(t, "OpenAI", patterns[0].Evidence.DataPoints["aiProvider"])
}

func TestSeverityFromConfidence_TotalAndMonotone(t *testing.T) {
	prev := model.RiskLow
	order := map[model.RiskLevel]int{model.RiskLow: 0, model.RiskMedium: 1, model.RiskHigh: 2, model.RiskCritical: 3}
	for c := 0.0; c <= 100; c += 1 {
		level := SeverityFromConfidence(c)
		require.Contains(t, order, level)
		assert.GreaterOrEqual(t, order[level], order[prev])
		prev = level
	}
}
