// Package storage implements the Hybrid Storage component (C3): a
// durable-first, memory-fallback write path over Supabase/Postgres, plus
// the direct Supabase-backed repositories the Credential Store and Feedback
// Store write through.
package storage

import (
	"context"
	"fmt"
	"time"

	supabase "github.com/supabase-community/supabase-go"

	"github.com/ocx/backend/internal/model"
)

// SupabaseStore is the durable backend for the platform_connections,
// encrypted_credentials, discovered_automations, discovery_runs and
// detection_feedback tables. It has no methods for risk assessments.
type SupabaseStore struct {
	client *supabase.Client
}

// NewSupabaseStore dials Supabase with the project URL and service-role key.
func NewSupabaseStore(url, serviceKey string) (*SupabaseStore, error) {
	client, err := supabase.NewClient(url, serviceKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("create supabase client: %w", err)
	}
	return &SupabaseStore{client: client}, nil
}

// --- encrypted_credentials (credential.Repository) ---

type credentialRow struct {
	ConnectionID string     `json:"connection_id"`
	Kind         string     `json:"kind"`
	Ciphertext   []byte     `json:"ciphertext"`
	KeyID        string     `json:"key_id"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

func (s *SupabaseStore) UpsertCredential(ctx context.Context, row model.EncryptedCredential) error {
	var result []credentialRow
	_, err := s.client.From("encrypted_credentials").
		Insert(toCredentialRow(row), true, "connection_id,kind", "", "").
		ExecuteTo(&result)
	if err != nil {
		return fmt.Errorf("upsert encrypted_credentials: %w", err)
	}
	return nil
}

func (s *SupabaseStore) GetCredentials(ctx context.Context, connID model.ConnectionID) ([]model.EncryptedCredential, error) {
	var rows []credentialRow
	_, err := s.client.From("encrypted_credentials").
		Select("*", "", false).
		Eq("connection_id", string(connID)).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("select encrypted_credentials: %w", err)
	}
	out := make([]model.EncryptedCredential, len(rows))
	for i, r := range rows {
		out[i] = fromCredentialRow(r)
	}
	return out, nil
}

func (s *SupabaseStore) DeleteCredentials(ctx context.Context, connID model.ConnectionID) error {
	var result []credentialRow
	_, err := s.client.From("encrypted_credentials").
		Delete("", "").
		Eq("connection_id", string(connID)).
		ExecuteTo(&result)
	if err != nil {
		return fmt.Errorf("delete encrypted_credentials: %w", err)
	}
	return nil
}

func toCredentialRow(c model.EncryptedCredential) credentialRow {
	return credentialRow{
		ConnectionID: string(c.ConnectionID), Kind: string(c.Kind), Ciphertext: c.Ciphertext, KeyID: c.KeyID, ExpiresAt: c.ExpiresAt,
	}
}

func fromCredentialRow(r credentialRow) model.EncryptedCredential {
	return model.EncryptedCredential{
		ConnectionID: model.ConnectionID(r.ConnectionID), Kind: model.CredentialKind(r.Kind), Ciphertext: r.Ciphertext, KeyID: r.KeyID, ExpiresAt: r.ExpiresAt,
	}
}

// --- detection_feedback (feedback.Repository) ---

type feedbackRow struct {
	ID           string         `json:"id"`
	DetectionID  string         `json:"detection_id"`
	TenantID     string         `json:"tenant_id"`
	UserID       string         `json:"user_id"`
	FeedbackType string         `json:"feedback_type"`
	Comment      string         `json:"comment,omitempty"`
	Metadata     map[string]any `json:"metadata"`
	CreatedAt    time.Time      `json:"created_at"`
}

func (s *SupabaseStore) InsertFeedback(ctx context.Context, f model.DetectionFeedback) error {
	var result []feedbackRow
	_, err := s.client.From("detection_feedback").
		Insert(toFeedbackRow(f), false, "", "", "").
		ExecuteTo(&result)
	if err != nil {
		return fmt.Errorf("insert detection_feedback: %w", err)
	}
	return nil
}

func (s *SupabaseStore) ListFeedbackByDetection(ctx context.Context, detectionID string) ([]model.DetectionFeedback, error) {
	var rows []feedbackRow
	_, err := s.client.From("detection_feedback").
		Select("*", "", false).
		Eq("detection_id", detectionID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("select detection_feedback by detection: %w", err)
	}
	return fromFeedbackRows(rows), nil
}

func (s *SupabaseStore) ListFeedbackByTenant(ctx context.Context, tenantID model.TenantID, since time.Time) ([]model.DetectionFeedback, error) {
	var rows []feedbackRow
	_, err := s.client.From("detection_feedback").
		Select("*", "", false).
		Eq("tenant_id", string(tenantID)).
		Gte("created_at", since.UTC().Format(time.RFC3339)).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("select detection_feedback by tenant: %w", err)
	}
	return fromFeedbackRows(rows), nil
}

func toFeedbackRow(f model.DetectionFeedback) feedbackRow {
	return feedbackRow{
		ID: f.ID, DetectionID: f.DetectionID, TenantID: string(f.TenantID), UserID: f.UserID,
		FeedbackType: string(f.FeedbackType), Comment: f.Comment, Metadata: f.Metadata, CreatedAt: f.CreatedAt,
	}
}

func fromFeedbackRows(rows []feedbackRow) []model.DetectionFeedback {
	out := make([]model.DetectionFeedback, len(rows))
	for i, r := range rows {
		out[i] = model.DetectionFeedback{
			ID: r.ID, DetectionID: r.DetectionID, TenantID: model.TenantID(r.TenantID), UserID: r.UserID,
			FeedbackType: model.FeedbackType(r.FeedbackType), Comment: r.Comment, Metadata: r.Metadata, CreatedAt: r.CreatedAt,
		}
	}
	return out
}

// --- platform_connections / discovered_automations (DurableBackend for Hybrid Storage) ---

type connectionRow struct {
	ConnectionID        string         `json:"connection_id"`
	TenantID            string         `json:"tenant_id"`
	Platform            string         `json:"platform"`
	PlatformUserID      string         `json:"platform_user_id"`
	PlatformWorkspaceID string         `json:"platform_workspace_id,omitempty"`
	DisplayName         string         `json:"display_name"`
	Status              string         `json:"status"`
	ScopesGranted       []string       `json:"scopes_granted"`
	ExpiresAt           *time.Time     `json:"expires_at,omitempty"`
	Metadata            map[string]any `json:"metadata"`
	LastError           string         `json:"last_error,omitempty"`
}

func (s *SupabaseStore) UpsertConnection(ctx context.Context, conn model.PlatformConnection) error {
	row := connectionRow{
		ConnectionID: string(conn.ConnectionID), TenantID: string(conn.TenantID), Platform: string(conn.Platform),
		PlatformUserID: conn.PlatformUserID, PlatformWorkspaceID: conn.PlatformWorkspaceID, DisplayName: conn.DisplayName,
		Status: string(conn.Status), ScopesGranted: conn.ScopesGranted, ExpiresAt: conn.ExpiresAt, Metadata: conn.Metadata, LastError: conn.LastError,
	}
	var result []connectionRow
	_, err := s.client.From("platform_connections").
		Insert(row, true, "platform,platform_user_id", "", "").
		ExecuteTo(&result)
	if err != nil {
		return fmt.Errorf("upsert platform_connections: %w", err)
	}
	return nil
}

func (s *SupabaseStore) ListConnections(ctx context.Context, tenantID model.TenantID) ([]model.PlatformConnection, error) {
	var rows []connectionRow
	_, err := s.client.From("platform_connections").
		Select("*", "", false).
		Eq("tenant_id", string(tenantID)).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("select platform_connections: %w", err)
	}
	out := make([]model.PlatformConnection, len(rows))
	for i, r := range rows {
		out[i] = model.PlatformConnection{
			ConnectionID: model.ConnectionID(r.ConnectionID), TenantID: model.TenantID(r.TenantID), Platform: model.Platform(r.Platform),
			PlatformUserID: r.PlatformUserID, PlatformWorkspaceID: r.PlatformWorkspaceID, DisplayName: r.DisplayName,
			Status: model.ConnectionStatus(r.Status), ScopesGranted: r.ScopesGranted, ExpiresAt: r.ExpiresAt, Metadata: r.Metadata, LastError: r.LastError,
		}
	}
	return out, nil
}

type automationRow struct {
	AutomationID        string         `json:"automation_id"`
	ConnectionID         string         `json:"connection_id"`
	ExternalID           string         `json:"external_id"`
	Name                 string         `json:"name"`
	Type                 string         `json:"type"`
	Status               string         `json:"status"`
	Trigger              string         `json:"trigger"`
	Actions              []string       `json:"actions"`
	PermissionsRequired  []string       `json:"permissions_required"`
	OwnerInfo            map[string]any `json:"owner_info"`
	FirstSeen            time.Time      `json:"first_seen"`
	LastSeen             time.Time      `json:"last_seen"`
	Metadata             map[string]any `json:"metadata"`
	IsActive             bool           `json:"is_active"`
}

func (s *SupabaseStore) UpsertAutomation(ctx context.Context, a model.DiscoveredAutomation) error {
	row := automationRow{
		AutomationID: string(a.AutomationID), ConnectionID: string(a.ConnectionID), ExternalID: a.ExternalID,
		Name: a.Name, Type: string(a.Type), Status: a.Status, Trigger: a.Trigger, Actions: a.Actions,
		PermissionsRequired: a.PermissionsRequired, OwnerInfo: a.OwnerInfo, FirstSeen: a.Timestamps.FirstSeen,
		LastSeen: a.Timestamps.LastSeen, Metadata: a.Metadata, IsActive: a.IsActive,
	}
	var result []automationRow
	_, err := s.client.From("discovered_automations").
		Insert(row, true, "connection_id,external_id", "", "").
		ExecuteTo(&result)
	if err != nil {
		return fmt.Errorf("upsert discovered_automations: %w", err)
	}
	return nil
}

func (s *SupabaseStore) ListAutomations(ctx context.Context, connID model.ConnectionID) ([]model.DiscoveredAutomation, error) {
	var rows []automationRow
	_, err := s.client.From("discovered_automations").
		Select("*", "", false).
		Eq("connection_id", string(connID)).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("select discovered_automations: %w", err)
	}
	out := make([]model.DiscoveredAutomation, len(rows))
	for i, r := range rows {
		out[i] = model.DiscoveredAutomation{
			AutomationID: model.AutomationID(r.AutomationID), ConnectionID: model.ConnectionID(r.ConnectionID), ExternalID: r.ExternalID,
			Name: r.Name, Type: model.AutomationType(r.Type), Status: r.Status, Trigger: r.Trigger, Actions: r.Actions,
			PermissionsRequired: r.PermissionsRequired, OwnerInfo: r.OwnerInfo,
			Timestamps: model.Timestamps{FirstSeen: r.FirstSeen, LastSeen: r.LastSeen},
			Metadata:   r.Metadata, IsActive: r.IsActive,
		}
	}
	return out, nil
}

// Ping performs a cheap read used by the reconciler to probe durable
// connectivity without a write.
func (s *SupabaseStore) Ping(ctx context.Context) error {
	var rows []connectionRow
	_, err := s.client.From("platform_connections").Select("connection_id", "", false).Limit(1, "").ExecuteTo(&rows)
	return err
}

// --- discovery_runs (discovery.RunRepository) ---

type discoveryRunRow struct {
	RunID            string     `json:"run_id"`
	ConnectionID     string     `json:"connection_id"`
	TenantID         string     `json:"tenant_id"`
	Status           string     `json:"status"`
	StartedAt        time.Time  `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	DurationMs       int64      `json:"duration_ms"`
	AutomationsFound int        `json:"automations_found"`
	Errors           []string   `json:"errors"`
	Warnings         []string   `json:"warnings"`
}

func (s *SupabaseStore) InsertRun(ctx context.Context, run model.DiscoveryRun) error {
	var result []discoveryRunRow
	_, err := s.client.From("discovery_runs").
		Insert(toRunRow(run), false, "", "", "").
		ExecuteTo(&result)
	if err != nil {
		return fmt.Errorf("insert discovery_runs: %w", err)
	}
	return nil
}

func (s *SupabaseStore) UpdateRun(ctx context.Context, run model.DiscoveryRun) error {
	var result []discoveryRunRow
	_, err := s.client.From("discovery_runs").
		Update(toRunRow(run), "", "").
		Eq("run_id", string(run.RunID)).
		ExecuteTo(&result)
	if err != nil {
		return fmt.Errorf("update discovery_runs: %w", err)
	}
	return nil
}

func toRunRow(r model.DiscoveryRun) discoveryRunRow {
	return discoveryRunRow{
		RunID: string(r.RunID), ConnectionID: string(r.ConnectionID), TenantID: string(r.TenantID),
		Status: string(r.Status), StartedAt: r.StartedAt, CompletedAt: r.CompletedAt, DurationMs: r.DurationMs,
		AutomationsFound: r.AutomationsFound, Errors: r.Errors, Warnings: r.Warnings,
	}
}
