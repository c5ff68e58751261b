// Package connector implements the Platform Connector (C1): a uniform
// capability surface over each supported SaaS platform, so the Discovery
// Orchestrator and Correlation Engine never branch on Platform directly.
package connector

import (
	"context"
	"time"

	"github.com/ocx/backend/internal/credential"
	"github.com/ocx/backend/internal/model"
)

// AuditEntry is one raw audit-log row as returned by a platform's admin API,
// before normalization into a PlatformEvent.
type AuditEntry struct {
	EventID      string
	Timestamp    time.Time
	ActorID      string
	ActorEmail   string
	EventType    string
	ResourceID   string
	ResourceType string
	Metadata     map[string]any
}

// PermissionReport is the result of validating the scopes a connection
// actually holds against the scopes the platform requires.
type PermissionReport struct {
	Valid   bool
	Granted []string
	Missing []string
	Errors  []string
}

// Connector is the capability set every platform adapter implements (spec
// §4.1). Each method may return an *apierr.Error tagged KindAuth,
// KindRateLimited or KindTransient; the orchestrator branches on Kind, not
// on platform-specific error types.
type Connector interface {
	Platform() model.Platform

	Authenticate(ctx context.Context, conn model.PlatformConnection) error
	DiscoverAutomations(ctx context.Context, conn model.PlatformConnection) ([]model.DiscoveredAutomation, error)
	GetAuditLogs(ctx context.Context, conn model.PlatformConnection, since time.Time) ([]AuditEntry, error)
	ValidatePermissions(ctx context.Context, conn model.PlatformConnection) (PermissionReport, error)
	GetCorrelationEvents(ctx context.Context, conn model.PlatformConnection, from, to time.Time) ([]model.PlatformEvent, error)

	// SubscribeRealTime streams PlatformEvents until ctx is cancelled. The
	// returned channel is closed when the subscription ends, whether by
	// cancellation or by an unrecoverable error (reported via errCh).
	SubscribeRealTime(ctx context.Context, conn model.PlatformConnection) (<-chan model.PlatformEvent, <-chan error)

	IsConnected(ctx context.Context, conn model.PlatformConnection) bool
}

// CredentialSource is the subset of credential.Store a connector needs to
// obtain a live access token before making an API call.
type CredentialSource interface {
	Get(ctx context.Context, connID model.ConnectionID) (credential.Credentials, bool, error)
	RefreshIfNeeded(ctx context.Context, conn model.PlatformConnection) (bool, error)
}
