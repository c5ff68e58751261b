// Package detection implements the Detection Engine (C6): it runs every
// behavioral detector over one batch of normalized events concurrently,
// isolates per-detector failures, and merges the results into the
// DetectionMetadata shape persisted onto a DiscoveredAutomation.
package detection

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ocx/backend/internal/detector"
	"github.com/ocx/backend/internal/model"
)

// patternTypeMapping translates a raw detector.ActivityPattern's PatternType
// into the Detection Engine's output vocabulary.
var patternTypeMapping = map[model.PatternType]string{
	model.PatternVelocity:        "velocity",
	model.PatternBatchOperation:  "batch_operation",
	model.PatternOffHours:        "off_hours",
	model.PatternRegularInterval: "timing_variance",
	model.PatternPermissionChange: "permission_escalation",
	model.PatternAPIUsage:        "ai_provider",
}

// namedDetector pairs a detector function with the label recorded in
// Result.Failed when it panics.
type namedDetector struct {
	name string
	fn   detector.Detector
}

// defaultDetectors is the seven-detector suite run on every invocation of
// Analyze. Held as a package variable (rather than hardcoded in Analyze) so
// tests can substitute a smaller suite.
var defaultDetectors = []namedDetector{
	{name: "velocity", fn: detector.Velocity},
	{name: "batch", fn: detector.Batch},
	{name: "off_hours", fn: detector.OffHours},
	{name: "timing_variance", fn: detector.TimingVariance},
	{name: "permission_escalation", fn: detector.PermissionEscalation},
	{name: "data_volume", fn: detector.DataVolume},
	{name: "ai_provider", fn: detector.AIProvider},
}

// Indicator is a risk-relevant signal surfaced alongside patterns: a
// permission-escalation finding, or a connector-attached
// CorrelationMetadata.AutomationIndicators flag. The Risk Assessor averages
// Severity over these to derive its permissionRisk component.
type Indicator struct {
	Type     string
	Severity float64 // 0-100
}

// Result is Analyze's output: every pattern any detector raised, plus the
// merged DetectionMetadata ready to attach to a DiscoveredAutomation.
type Result struct {
	Patterns   []model.ActivityPattern
	Indicators []Indicator
	Metadata   model.DetectionMetadata
	// Failed lists the names of detectors that panicked during this run.
	// Analyze recovers from a detector panic so one bad detector can never
	// take down the whole batch (spec §4.6, "each detector's failure is
	// isolated").
	Failed []string
}

// Engine is the C6 Detection Engine.
type Engine struct {
	detectors []namedDetector
}

// New returns an Engine running the standard seven-detector suite.
func New() *Engine {
	return &Engine{detectors: defaultDetectors}
}

// Analyze runs every detector over events concurrently and merges their
// output. A detector's panic is recovered, treated as "no findings" and
// recorded in Result.Failed; it never aborts the other detectors or the
// caller. A nil return is simply "no findings" and is not recorded.
func (e *Engine) Analyze(ctx context.Context, events []model.PlatformEvent, th detector.Thresholds, bh detector.BusinessHours, bl detector.Baselines) (Result, error) {
	g, ctx := errgroup.WithContext(ctx)

	var (
		mu       sync.Mutex
		patterns []model.ActivityPattern
		failed   []string
	)

	for _, nd := range e.detectors {
		nd := nd
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					mu.Lock()
					failed = append(failed, nd.name)
					mu.Unlock()
				}
			}()

			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			out := nd.fn(events, th, bh, bl)
			mu.Lock()
			patterns = append(patterns, out...)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	metadata := mergeMetadata(patterns)
	indicators := deriveIndicators(patterns, events)

	return Result{Patterns: patterns, Indicators: indicators, Metadata: metadata, Failed: failed}, nil
}

// deriveIndicators builds the risk-relevant signal list the Risk Assessor's
// permissionRisk component averages over: one indicator per
// permission_escalation pattern (severity = pattern confidence), plus one
// indicator per connector-flagged automation signal on the raw event stream
// (severity = a fixed 40, since connector flags carry no graded confidence).
func deriveIndicators(patterns []model.ActivityPattern, events []model.PlatformEvent) []Indicator {
	var out []Indicator
	for _, p := range patterns {
		if p.PatternType == model.PatternPermissionChange {
			out = append(out, Indicator{Type: "permission_escalation", Severity: p.Confidence})
		}
	}
	for _, e := range events {
		if len(e.CorrelationMetadata.AutomationIndicators) > 0 {
			out = append(out, Indicator{Type: "automation_signal", Severity: 40})
		}
	}
	return out
}

// mergeMetadata builds a DetectionMetadata from a flat pattern list: the
// single highest-confidence AI-provider attribution (if any) plus every
// pattern re-expressed as a DetectionPattern via patternTypeMapping.
func mergeMetadata(patterns []model.ActivityPattern) model.DetectionMetadata {
	meta := model.DetectionMetadata{LastUpdated: time.Now().UTC()}

	var bestAI *model.ActivityPattern
	for i := range patterns {
		p := &patterns[i]

		mappedType, ok := patternTypeMapping[p.PatternType]
		if !ok {
			mappedType = "ai_provider"
		}
		meta.DetectionPatterns = append(meta.DetectionPatterns, model.DetectionPattern{
			PatternType: mappedType,
			Confidence:  p.Confidence,
			Severity:    detector.SeverityFromConfidence(p.Confidence),
			Evidence:    p.Evidence.Description,
			DetectedAt:  p.DetectedAt,
			Metadata:    p.Evidence.DataPoints,
		})

		if p.PatternType != model.PatternAPIUsage {
			continue
		}
		if _, ok := p.Evidence.DataPoints["aiProvider"]; !ok {
			continue // data-volume patterns share api_usage but name no provider
		}
		if bestAI == nil || p.Confidence > bestAI.Confidence {
			bestAI = p
		}
	}

	if bestAI != nil {
		provider, _ := bestAI.Evidence.DataPoints["aiProvider"].(string)
		methods, _ := bestAI.Evidence.DataPoints["signals"].([]string)
		meta.AIProvider = &model.AIProviderDetection{
			Provider:         model.AIProvider(provider),
			Confidence:       bestAI.Confidence,
			DetectionMethods: methods,
			Evidence:         bestAI.Evidence.Description,
			DetectedAt:       bestAI.DetectedAt,
		}
	}

	return meta
}
