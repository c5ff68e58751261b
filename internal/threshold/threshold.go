// Package threshold implements the RL Threshold Service (C5): a per-tenant
// cache of detector-threshold adjustments learned from analyst feedback,
// with an exploration/exploitation policy and a safety rollback monitor.
package threshold

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/ocx/backend/internal/feedback"
	"github.com/ocx/backend/internal/model"
)

// Metric names match the detector.Thresholds fields they adjust.
const (
	MetricVelocity            = "velocity"
	MetricBatch                = "batch"
	MetricOffHours             = "off_hours"
	MetricTimingVariance       = "timing_variance"
	MetricPermissionEscalation = "permission_escalation"
	MetricDataVolume           = "data_volume"
)

// BaselineValues are the platform-default thresholds before any RL
// adjustment, keyed by metric name. The 0.1x floor (spec §4.5, §8) is
// relative to these values.
var BaselineValues = map[string]float64{
	MetricVelocity:            5.0,
	MetricBatch:               5.0,
	MetricOffHours:            3.0,
	MetricTimingVariance:      0.15,
	MetricPermissionEscalation: 1.0,
	MetricDataVolume:          100.0,
}

// Adjustment is one metric's current threshold plus the reasoning that
// produced it.
type Adjustment struct {
	Metric     string
	Value      float64
	Adjustment string // "increase", "decrease", "none", "exploration", "rollback"
	Reason     string
	Confidence float64
	UpdatedAt  time.Time
}

// OptimizedThresholds is the full set of per-metric adjustments for one
// tenant.
type OptimizedThresholds struct {
	TenantID   model.TenantID
	Metrics    map[string]Adjustment
	ComputedAt time.Time
}

// FeedbackSource supplies the feedback rows a tenant has accumulated; it is
// satisfied by *feedback.Store.
type FeedbackSource interface {
	GetByTenant(ctx context.Context, tenantID model.TenantID, window time.Duration) ([]model.DetectionFeedback, error)
}

// Service is the C5 RL Threshold Service.
type Service struct {
	feedback FeedbackSource

	explorationRate float64
	learningRate    float64
	feedbackWindow  time.Duration
	minFeedbackRows int

	mu    sync.RWMutex
	cache map[model.TenantID]OptimizedThresholds

	// rng is isolated from the global math/rand source so tests can seed
	// it deterministically without racing other packages' use of rand.
	rng *rand.Rand
	rngMu sync.Mutex
}

// Config bundles the service's tunables (spec §6's explorationRate,
// learningRate fields plus the feedback-window/min-rows policy of §4.5).
type Config struct {
	ExplorationRate float64
	LearningRate    float64
	FeedbackWindow  time.Duration
	MinFeedbackRows int
}

func New(src FeedbackSource, cfg Config) *Service {
	if cfg.ExplorationRate == 0 {
		cfg.ExplorationRate = 0.10
	}
	if cfg.LearningRate == 0 {
		cfg.LearningRate = 0.10
	}
	if cfg.FeedbackWindow == 0 {
		cfg.FeedbackWindow = 30 * 24 * time.Hour
	}
	if cfg.MinFeedbackRows == 0 {
		cfg.MinFeedbackRows = 10
	}
	return &Service{
		feedback:        src,
		explorationRate: cfg.ExplorationRate,
		learningRate:    cfg.LearningRate,
		feedbackWindow:  cfg.FeedbackWindow,
		minFeedbackRows: cfg.MinFeedbackRows,
		cache:           make(map[model.TenantID]OptimizedThresholds),
		rng:             rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Get returns the tenant's current OptimizedThresholds, computing and
// caching them if absent. Callers that need a forced recompute (e.g. after
// new feedback arrives) should call Refresh instead.
func (s *Service) Get(ctx context.Context, tenantID model.TenantID) (OptimizedThresholds, error) {
	s.mu.RLock()
	cached, ok := s.cache[tenantID]
	s.mu.RUnlock()
	if ok {
		return cached, nil
	}
	return s.Refresh(ctx, tenantID)
}

// Refresh recomputes and caches the tenant's thresholds from its trailing
// feedback window.
func (s *Service) Refresh(ctx context.Context, tenantID model.TenantID) (OptimizedThresholds, error) {
	rows, err := s.feedback.GetByTenant(ctx, tenantID, s.feedbackWindow)
	if err != nil {
		return OptimizedThresholds{}, err
	}

	out := OptimizedThresholds{TenantID: tenantID, Metrics: make(map[string]Adjustment), ComputedAt: time.Now().UTC()}
	for metric, baseline := range BaselineValues {
		out.Metrics[metric] = s.adjustMetric(metric, baseline, rowsForMetric(rows, metric))
	}

	s.mu.Lock()
	s.cache[tenantID] = out
	s.mu.Unlock()

	return out, nil
}

// rowsForMetric filters feedback rows tagged with the given detector
// metric in Metadata["detectorMetric"]. Untagged rows (general feedback not
// tied to a specific detector) are excluded from per-metric computation.
func rowsForMetric(rows []model.DetectionFeedback, metric string) []model.DetectionFeedback {
	var out []model.DetectionFeedback
	for _, r := range rows {
		if m, ok := r.Metadata["detectorMetric"].(string); ok && m == metric {
			out = append(out, r)
		}
	}
	return out
}

// adjustMetric applies the exploration/exploitation policy for one detector metric:
// fewer than minFeedbackRows relevant rows -> defaults; else, with
// probability explorationRate, a uniform jitter in [0.9, 1.1]; else
// exploit based on precision/recall/reward, floored at 0.1x baseline.
func (s *Service) adjustMetric(metric string, baseline float64, rows []model.DetectionFeedback) Adjustment {
	now := time.Now().UTC()

	if len(rows) < s.minFeedbackRows {
		return Adjustment{Metric: metric, Value: baseline, Adjustment: "none", Reason: "insufficient feedback", Confidence: 0, UpdatedAt: now}
	}

	m := feedback.MetricsFromRows(rows)
	confidence := float64(len(rows)) / 100
	if confidence > 1 {
		confidence = 1
	}

	if s.explore() {
		jitter := 0.9 + s.random()*0.2
		return Adjustment{
			Metric:     metric,
			Value:      floor(baseline*jitter, baseline),
			Adjustment: "exploration",
			Reason:     "exploration jitter applied",
			Confidence: confidence,
			UpdatedAt:  now,
		}
	}

	switch {
	case m.Precision < 0.85 && m.FalsePositive > 3:
		return Adjustment{
			Metric:     metric,
			Value:      floor(baseline*1.10, baseline),
			Adjustment: "increase",
			Reason:     "low precision with repeated false positives",
			Confidence: confidence,
			UpdatedAt:  now,
		}
	case m.Recall < 0.90 && m.FalseNegative > 2:
		return Adjustment{
			Metric:     metric,
			Value:      floor(baseline*0.90, baseline),
			Adjustment: "decrease",
			Reason:     "low recall with repeated false negatives",
			Confidence: confidence,
			UpdatedAt:  now,
		}
	case m.RewardSignal > 0:
		return Adjustment{
			Metric:     metric,
			Value:      floor(baseline*1.02, baseline),
			Adjustment: "increase",
			Reason:     "positive reward, fine-tuning up",
			Confidence: confidence,
			UpdatedAt:  now,
		}
	default:
		return Adjustment{Metric: metric, Value: baseline, Adjustment: "none", Reason: "no adjustment criteria met", Confidence: confidence, UpdatedAt: now}
	}
}

func floor(value, baseline float64) float64 {
	min := 0.1 * baseline
	if value < min {
		return min
	}
	return value
}

func (s *Service) explore() bool {
	return s.random() < s.explorationRate
}

func (s *Service) random() float64 {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Float64()
}
