package threshold

import (
	"context"
	"time"

	"github.com/ocx/backend/internal/feedback"
	"github.com/ocx/backend/internal/model"
)

// CheckSafety compares the trailing 7-day and 30-day metrics for tenantID
// and rolls every metric's cached threshold back to its baseline if either
// condition holds (spec §4.5 safety rollback):
//   - 7-day precision is more than 5 percentage points below 30-day precision
//   - 7-day reward < -5 with at least 10 samples
//
// Returns true if a rollback was performed.
func (s *Service) CheckSafety(ctx context.Context, tenantID model.TenantID) (bool, error) {
	recentRows, err := s.feedback.GetByTenant(ctx, tenantID, 7*24*time.Hour)
	if err != nil {
		return false, err
	}
	longRows, err := s.feedback.GetByTenant(ctx, tenantID, 30*24*time.Hour)
	if err != nil {
		return false, err
	}

	recent := feedback.MetricsFromRows(recentRows)
	long := feedback.MetricsFromRows(longRows)

	precisionDropped := long.Precision-recent.Precision > 0.05
	rewardCollapsed := recent.Total >= 10 && recent.RewardSignal < -5

	if !precisionDropped && !rewardCollapsed {
		return false, nil
	}

	s.rollbackToDefaults(tenantID)
	return true, nil
}

func (s *Service) rollbackToDefaults(tenantID model.TenantID) {
	now := time.Now().UTC()
	out := OptimizedThresholds{TenantID: tenantID, Metrics: make(map[string]Adjustment), ComputedAt: now}
	for metric, baseline := range BaselineValues {
		out.Metrics[metric] = Adjustment{
			Metric:     metric,
			Value:      baseline,
			Adjustment: "rollback",
			Reason:     "safety monitor detected precision regression or reward collapse",
			Confidence: 1,
			UpdatedAt:  now,
		}
	}

	s.mu.Lock()
	s.cache[tenantID] = out
	s.mu.Unlock()
}
