// Package database holds the tenant directory: the tenants, tenant_features
// and api_keys tables the admin HTTP surface authenticates requests against.
// Every other entity table (connections, credentials, automations, runs,
// feedback) is owned by internal/storage instead.
package database

import (
	"context"
	"fmt"
	"time"

	supabase "github.com/supabase-community/supabase-go"
)

// SupabaseClient wraps the Supabase Go client for tenant-directory reads
// and writes.
type SupabaseClient struct {
	client *supabase.Client
}

// NewSupabaseClient dials Supabase with the project URL and service-role key.
func NewSupabaseClient(url, serviceKey string) (*SupabaseClient, error) {
	client, err := supabase.NewClient(url, serviceKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("create supabase client: %w", err)
	}
	return &SupabaseClient{client: client}, nil
}

// Tenant represents a tenant organization.
type Tenant struct {
	TenantID         string                 `json:"tenant_id"`
	TenantName       string                 `json:"tenant_name"`
	OrganizationName string                 `json:"organization_name"`
	SubscriptionTier string                 `json:"subscription_tier"`
	Status           string                 `json:"status"`
	Settings         map[string]interface{} `json:"settings"`
	CreatedAt        string                 `json:"created_at"`
}

// TenantFeature is a feature flag scoped to one tenant.
type TenantFeature struct {
	TenantID    string                 `json:"tenant_id"`
	FeatureName string                 `json:"feature_name"`
	Enabled     bool                   `json:"enabled"`
	Config      map[string]interface{} `json:"config"`
}

// APIKey authenticates one tenant's API calls against the admin surface.
type APIKey struct {
	KeyID      string     `json:"key_id"`
	TenantID   string     `json:"tenant_id"`
	Name       string     `json:"name"`
	KeyHash    string     `json:"key_hash"`
	Scopes     []string   `json:"scopes"`
	IsActive   bool       `json:"is_active"`
	ExpiresAt  *time.Time `json:"expires_at"`
	LastUsedAt *time.Time `json:"last_used_at"`
}

// GetTenant retrieves a tenant by ID.
func (sc *SupabaseClient) GetTenant(ctx context.Context, tenantID string) (*Tenant, error) {
	var tenants []Tenant
	_, err := sc.client.From("tenants").
		Select("*", "", false).
		Eq("tenant_id", tenantID).
		ExecuteTo(&tenants)
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}
	if len(tenants) == 0 {
		return nil, nil
	}
	return &tenants[0], nil
}

// UpdateTenantSettings replaces the settings JSONB column for a tenant.
func (sc *SupabaseClient) UpdateTenantSettings(ctx context.Context, tenantID string, settings map[string]interface{}) error {
	update := map[string]interface{}{"settings": settings}
	var result []Tenant
	_, err := sc.client.From("tenants").
		Update(update, "", "").
		Eq("tenant_id", tenantID).
		ExecuteTo(&result)
	return err
}

// GetTenantFeatures retrieves all feature flags for a tenant.
func (sc *SupabaseClient) GetTenantFeatures(ctx context.Context, tenantID string) ([]TenantFeature, error) {
	var features []TenantFeature
	_, err := sc.client.From("tenant_features").
		Select("*", "", false).
		Eq("tenant_id", tenantID).
		ExecuteTo(&features)
	return features, err
}

// GetAPIKey retrieves an API key by its public key ID.
func (sc *SupabaseClient) GetAPIKey(ctx context.Context, keyID string) (*APIKey, error) {
	var keys []APIKey
	_, err := sc.client.From("api_keys").
		Select("*", "", false).
		Eq("key_id", keyID).
		ExecuteTo(&keys)
	if err != nil {
		return nil, fmt.Errorf("failed to get api key: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	return &keys[0], nil
}

// CreateAPIKey inserts a new API key row.
func (sc *SupabaseClient) CreateAPIKey(ctx context.Context, apiKey *APIKey) error {
	var result []APIKey
	_, err := sc.client.From("api_keys").
		Insert(apiKey, false, "", "", "").
		ExecuteTo(&result)
	return err
}
