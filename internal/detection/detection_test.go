package detection

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/backend/internal/detector"
	"github.com/ocx/backend/internal/model"
)

func evt(id, eventType, action, resourceID string, ts time.Time) model.PlatformEvent {
	return model.PlatformEvent{
		EventID:    id,
		UserID:     "u1",
		EventType:  eventType,
		ResourceID: resourceID,
		Timestamp:  ts,
		ActionDetails: model.ActionDetails{
			Action:             action,
			AdditionalMetadata: map[string]any{},
		},
	}
}

func TestAnalyze_MergesVelocityAndAIProviderPatterns(t *testing.T) {
	base := time.Date(2025, 1, 10, 10, 0, 0, 0, time.UTC)
	var events []model.PlatformEvent
	for i := 0; i < 30; i++ {
		events = append(events, evt("burst"+string(rune('a'+i%26)), "file_create", "create", "r1", base.Add(time.Duration(i)*100*time.Millisecond)))
	}
	ai := evt("ai1", "oauth_authorize", "authorize", "automation-1", base)
	ai.ActionDetails.AdditionalMetadata["oauthAppName"] = "ChatGPT for Drive"
	events = append(events, ai)

	eng := New()
	res, err := eng.Analyze(context.Background(), events, detector.Thresholds{VelocityEventsPerSec: 5, VelocityWindowSeconds: 1}, detector.BusinessHours{}, detector.Baselines{})
	require.NoError(t, err)
	assert.Empty(t, res.Failed)
	require.NotEmpty(t, res.Patterns)

	var sawVelocity, sawAPIUsage bool
	for _, p := range res.Metadata.DetectionPatterns {
		switch p.PatternType {
		case "velocity":
			sawVelocity = true
		case "ai_provider":
			sawAPIUsage = true
		}
	}
	assert.True(t, sawVelocity)
	assert.True(t, sawAPIUsage)

	require.NotNil(t, res.Metadata.AIProvider)
	assert.Equal(t, model.AIProviderOpenAI, res.Metadata.AIProvider.Provider)
}

func TestAnalyze_NoPatternsOnQuietEventStream(t *testing.T) {
	base := time.Date(2025, 1, 10, 10, 0, 0, 0, time.UTC)
	events := []model.PlatformEvent{
		evt("e1", "file_access", "read", "r1", base),
		evt("e2", "file_access", "read", "r1", base.Add(time.Hour)),
	}

	eng := New()
	res, err := eng.Analyze(context.Background(), events, detector.Thresholds{VelocityEventsPerSec: 5, VelocityWindowSeconds: 1}, detector.BusinessHours{}, detector.Baselines{})
	require.NoError(t, err)
	assert.Empty(t, res.Patterns)
	assert.Nil(t, res.Metadata.AIProvider)
}

func TestAnalyze_DetectorPanicIsIsolated(t *testing.T) {
	eng := &Engine{detectors: []namedDetector{
		{name: "boom", fn: func([]model.PlatformEvent, detector.Thresholds, detector.BusinessHours, detector.Baselines) []model.ActivityPattern {
			panic("simulated detector fault")
		}},
		{name: "velocity", fn: detector.Velocity},
	}}

	base := time.Date(2025, 1, 10, 10, 0, 0, 0, time.UTC)
	var events []model.PlatformEvent
	for i := 0; i < 30; i++ {
		events = append(events, evt("e"+string(rune('a'+i%26)), "file_create", "create", "r1", base.Add(time.Duration(i)*100*time.Millisecond)))
	}

	res, err := eng.Analyze(context.Background(), events, detector.Thresholds{VelocityEventsPerSec: 5, VelocityWindowSeconds: 1}, detector.BusinessHours{}, detector.Baselines{})
	require.NoError(t, err)
	assert.Contains(t, res.Failed, "boom")
	assert.NotEmpty(t, res.Patterns, "a failing detector must not suppress other detectors' findings")
}
