package threshold

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/backend/internal/model"
)

type fakeFeedbackSource struct {
	rows []model.DetectionFeedback
}

func (f *fakeFeedbackSource) GetByTenant(ctx context.Context, tenantID model.TenantID, window time.Duration) ([]model.DetectionFeedback, error) {
	return f.rows, nil
}

func mkRow(metric string, ft model.FeedbackType) model.DetectionFeedback {
	return model.DetectionFeedback{
		ID:           "f",
		FeedbackType: ft,
		CreatedAt:    time.Now(),
		Metadata:     map[string]any{"detectorMetric": metric},
	}
}

func TestThreshold_FewerThanMinRowsReturnsDefaults(t *testing.T) {
	var rows []model.DetectionFeedback
	for i := 0; i < 9; i++ {
		rows = append(rows, mkRow(MetricVelocity, model.FeedbackTruePositive))
	}
	svc := New(&fakeFeedbackSource{rows: rows}, Config{MinFeedbackRows: 10})

	out, err := svc.Get(context.Background(), "t1")
	require.NoError(t, err)
	adj := out.Metrics[MetricVelocity]
	assert.Equal(t, "none", adj.Adjustment)
	assert.Equal(t, BaselineValues[MetricVelocity], adj.Value)
}

func TestThreshold_Desensitizes_OnLowPrecision(t *testing.T) {
	// TP=4, FP=8, FN=1 -> precision 0.333, recall 0.80 -> desensitize (+10%).
	var rows []model.DetectionFeedback
	for i := 0; i < 4; i++ {
		rows = append(rows, mkRow(MetricVelocity, model.FeedbackTruePositive))
	}
	for i := 0; i < 8; i++ {
		rows = append(rows, mkRow(MetricVelocity, model.FeedbackFalsePositive))
	}
	rows = append(rows, mkRow(MetricVelocity, model.FeedbackFalseNegative))

	svc := New(&fakeFeedbackSource{rows: rows}, Config{MinFeedbackRows: 10, ExplorationRate: 0})
	svc.explorationRate = 0 // New treats a zero ExplorationRate as "use the 0.10 default"

	out, err := svc.Get(context.Background(), "t1")
	require.NoError(t, err)
	adj := out.Metrics[MetricVelocity]
	assert.Equal(t, "increase", adj.Adjustment)
	assert.InDelta(t, 5.5, adj.Value, 0.01)
}

func TestThreshold_FloorAtTenPercentBaseline(t *testing.T) {
	baseline := BaselineValues[MetricVelocity]
	assert.Equal(t, 0.1*baseline, floor(0, baseline)) // sanity: floor clamps below-min values up
	assert.InDelta(t, 0.1*baseline, floor(-100, baseline), 1e-9)
	assert.Equal(t, baseline*1.5, floor(baseline*1.5, baseline))
}

func TestThreshold_RollbackOnRewardCollapse(t *testing.T) {
	var rows []model.DetectionFeedback
	for i := 0; i < 12; i++ {
		rows = append(rows, mkRow(MetricVelocity, model.FeedbackFalseNegative))
	}
	src := &fakeFeedbackSource{rows: rows}
	svc := New(src, Config{MinFeedbackRows: 10, ExplorationRate: 0})

	rolledBack, err := svc.CheckSafety(context.Background(), "t1")
	require.NoError(t, err)
	assert.True(t, rolledBack)

	out, err := svc.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, BaselineValues[MetricVelocity], out.Metrics[MetricVelocity].Value)
}
