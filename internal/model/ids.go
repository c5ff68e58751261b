// Package model defines the wire- and storage-independent domain types shared
// across every component of the shadow-AI discovery platform.
package model

import "time"

// TenantID, ConnectionID, AutomationID, RunID and PatternID are opaque
// identifiers. They are represented as strings (UUIDv4 by convention) rather
// than distinct numeric types so they serialize directly to JSON and to the
// Supabase/PostgREST column types without custom marshalers.
type (
	TenantID     string
	ConnectionID string
	AutomationID string
	RunID        string
	PatternID    string
)

// Platform enumerates the supported SaaS platforms.
type Platform string

const (
	PlatformSlack     Platform = "slack"
	PlatformGoogle    Platform = "google"
	PlatformMicrosoft Platform = "microsoft"
)

// ConnectionStatus is the lifecycle state of a PlatformConnection.
type ConnectionStatus string

const (
	ConnectionActive   ConnectionStatus = "active"
	ConnectionInactive ConnectionStatus = "inactive"
	ConnectionError    ConnectionStatus = "error"
	ConnectionPending  ConnectionStatus = "pending"
)

// PlatformConnection ties a tenant to one authenticated SaaS account.
//
// Invariant: a tenant has at most one active connection per (Platform,
// PlatformUserID). Status == active implies ExpiresAt is nil or in the
// future; callers that violate this must go through credential.Store.Revoke
// first.
type PlatformConnection struct {
	ConnectionID        ConnectionID
	TenantID            TenantID
	Platform            Platform
	PlatformUserID      string
	PlatformWorkspaceID string
	DisplayName         string
	Status              ConnectionStatus
	ScopesGranted       []string
	ExpiresAt           *time.Time
	Metadata            map[string]any
	LastError           string
}

// CredentialKind distinguishes the two OAuth token rows a connection may
// carry.
type CredentialKind string

const (
	CredentialAccessToken  CredentialKind = "access_token"
	CredentialRefreshToken CredentialKind = "refresh_token"
)

// EncryptedCredential is the at-rest representation of an OAuth token.
// Plaintext never leaves the credential store's decrypt boundary (see
// internal/credential).
type EncryptedCredential struct {
	ConnectionID ConnectionID
	Kind         CredentialKind
	Ciphertext   []byte
	KeyID        string
	ExpiresAt    *time.Time
}
