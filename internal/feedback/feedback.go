// Package feedback implements the append-only analyst-feedback store (C12)
// and its derived precision/recall/F1/reward metrics.
package feedback

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/backend/internal/apierr"
	"github.com/ocx/backend/internal/model"
)

// Repository is the durable backing a Store writes through to. It is
// satisfied by internal/storage's Supabase-backed implementation and by an
// in-memory fake for tests.
type Repository interface {
	InsertFeedback(ctx context.Context, f model.DetectionFeedback) error
	ListFeedbackByDetection(ctx context.Context, detectionID string) ([]model.DetectionFeedback, error)
	ListFeedbackByTenant(ctx context.Context, tenantID model.TenantID, since time.Time) ([]model.DetectionFeedback, error)
}

// Store is the C12 Feedback Store: create, list-by-detection,
// list-by-tenant, and derived metrics.
type Store struct {
	repo Repository
}

func New(repo Repository) *Store {
	return &Store{repo: repo}
}

// Create inserts an immutable feedback row. Feedback is append-only: there
// is no update or delete path, matching spec §3's "Lifecycles" note that
// feedback is append-only.
func (s *Store) Create(ctx context.Context, f model.DetectionFeedback) (model.DetectionFeedback, error) {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	if f.FeedbackType == "" {
		return model.DetectionFeedback{}, apierr.New(apierr.KindValidation, "feedbackType is required")
	}

	if err := s.repo.InsertFeedback(ctx, f); err != nil {
		return model.DetectionFeedback{}, apierr.Wrap(apierr.KindTransient, "insert feedback", err)
	}
	return f, nil
}

// GetByDetection returns every feedback row for one detection, oldest first.
func (s *Store) GetByDetection(ctx context.Context, detectionID string) ([]model.DetectionFeedback, error) {
	rows, err := s.repo.ListFeedbackByDetection(ctx, detectionID)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindTransient, "list feedback by detection", err)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].CreatedAt.Before(rows[j].CreatedAt) })
	return rows, nil
}

// GetByTenant returns every feedback row for tenant created within the
// trailing window, oldest first.
func (s *Store) GetByTenant(ctx context.Context, tenantID model.TenantID, window time.Duration) ([]model.DetectionFeedback, error) {
	since := time.Now().UTC().Add(-window)
	rows, err := s.repo.ListFeedbackByTenant(ctx, tenantID, since)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindTransient, "list feedback by tenant", err)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].CreatedAt.Before(rows[j].CreatedAt) })
	return rows, nil
}

// Metrics is the {total, TP, FP, FN, precision, recall, F1, rewardSignal}
// tuple derived from a feedback window (spec §4.5, §4.12).
type Metrics struct {
	Total        int
	TruePositive  int
	FalsePositive int
	FalseNegative int
	Precision    float64
	Recall       float64
	F1           float64
	RewardSignal float64
}

// CalculateMetrics derives precision/recall/F1/reward from the feedback in
// [now-window, now) for tenantID. Reward = (+1*TP) + (-1*FP) + (-2*FN) per
// spec §4.5.
func (s *Store) CalculateMetrics(ctx context.Context, tenantID model.TenantID, window time.Duration) (Metrics, error) {
	rows, err := s.GetByTenant(ctx, tenantID, window)
	if err != nil {
		return Metrics{}, err
	}
	return MetricsFromRows(rows), nil
}

// MetricsFromRows computes Metrics directly from an already-fetched slice
// of feedback, for callers (like the threshold service) that need to
// recompute metrics over several overlapping windows without re-querying.
func MetricsFromRows(rows []model.DetectionFeedback) Metrics {
	var m Metrics
	for _, r := range rows {
		m.Total++
		switch r.FeedbackType {
		case model.FeedbackTruePositive:
			m.TruePositive++
		case model.FeedbackFalsePositive:
			m.FalsePositive++
		case model.FeedbackFalseNegative:
			m.FalseNegative++
		}
	}

	if m.TruePositive+m.FalsePositive > 0 {
		m.Precision = float64(m.TruePositive) / float64(m.TruePositive+m.FalsePositive)
	}
	if m.TruePositive+m.FalseNegative > 0 {
		m.Recall = float64(m.TruePositive) / float64(m.TruePositive+m.FalseNegative)
	}
	if m.Precision+m.Recall > 0 {
		m.F1 = 2 * (m.Precision * m.Recall) / (m.Precision + m.Recall)
	}
	m.RewardSignal = float64(m.TruePositive) - float64(m.FalsePositive) - 2*float64(m.FalseNegative)

	return m
}
