package detector

import (
	"sort"
	"strings"
	"time"

	"github.com/ocx/backend/internal/model"
)

// aiFingerprints is the default minimum fingerprint table (spec §4.1, §9).
// Detection engines that need tenant-specific extension inject their own
// table via AIProviderWithFingerprints below rather than editing this map.
var aiFingerprints = map[string][]string{
	"OpenAI": {"openai", "chatgpt", "gpt"},
	"Claude": {"claude", "anthropic"},
	"Gemini": {"gemini"},
	"Cohere": {"cohere"},
}

// aiProviderFields are the event metadata keys searched for fingerprint
// substrings, in addition to the resource name and action.
var aiProviderFields = []string{"endpoint", "scriptSource", "oauthAppName", "displayText", "clientId"}

// AIProviderWithFingerprints is AIProvider parameterized on a custom
// fingerprint table (tenant extension point, spec §9).
func AIProviderWithFingerprints(fingerprints map[string][]string) Detector {
	return func(events []model.PlatformEvent, th Thresholds, bh BusinessHours, bl Baselines) []model.ActivityPattern {
		return detectAIProvider(events, fingerprints)
	}
}

// AIProvider matches endpoint strings, script-source substrings and
// OAuth-app display text against the fingerprint table and emits one
// api_usage pattern per automation (resource), aggregating every matching
// signature into a single piece of evidence rather than one pattern per
// matched field.
func AIProvider(events []model.PlatformEvent, _ Thresholds, _ BusinessHours, _ Baselines) []model.ActivityPattern {
	return detectAIProvider(events, aiFingerprints)
}

func detectAIProvider(events []model.PlatformEvent, fingerprints map[string][]string) []model.ActivityPattern {
	type match struct {
		provider string
		signals  []string
		events   []model.PlatformEvent
	}
	byResource := make(map[string]*match)

	for _, e := range events {
		haystacks := []string{strings.ToLower(e.ActionDetails.ResourceName), strings.ToLower(e.ActionDetails.Action)}
		for _, field := range aiProviderFields {
			if v, ok := e.ActionDetails.AdditionalMetadata[field]; ok {
				if s, ok := v.(string); ok {
					haystacks = append(haystacks, strings.ToLower(s))
				}
			}
		}

		provider, signal := matchFingerprint(haystacks, fingerprints)
		if provider == "" {
			continue
		}

		key := e.ResourceID
		if key == "" {
			key = actorKey(e)
		}
		m, ok := byResource[key]
		if !ok {
			m = &match{provider: provider}
			byResource[key] = m
		}
		m.signals = append(m.signals, signal)
		m.events = append(m.events, e)
	}

	var patterns []model.ActivityPattern
	for resource, m := range byResource {
		sort.Strings(m.signals)
		confidence := clampConfidence(50 + float64(len(uniqueStrings(m.signals)))*10)

		patterns = append(patterns, model.ActivityPattern{
			PatternID:   newPatternID(),
			PatternType: model.PatternAPIUsage,
			DetectedAt:  time.Now().UTC(),
			Confidence:  confidence,
			Metadata: model.PatternMetadata{
				ResourceType: "automation",
				Timestamp:    m.events[0].Timestamp,
			},
			Evidence: model.PatternEvidence{
				Description:      "matched " + m.provider + " fingerprint",
				DataPoints:       map[string]any{"aiProvider": m.provider, "resourceId": resource, "signals": uniqueStrings(m.signals)},
				SupportingEvents: eventIDs(m.events),
			},
		})
	}

	return patterns
}

func matchFingerprint(haystacks []string, fingerprints map[string][]string) (provider string, signal string) {
	for p, substrings := range fingerprints {
		for _, sub := range substrings {
			for _, h := range haystacks {
				if h != "" && strings.Contains(h, sub) {
					return p, sub
				}
			}
		}
	}
	return "", ""
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
