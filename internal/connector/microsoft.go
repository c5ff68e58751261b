package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ocx/backend/internal/apierr"
	"github.com/ocx/backend/internal/circuitbreaker"
	"github.com/ocx/backend/internal/model"
)

// graphBaseURL is a var rather than a const so tests can point it at an
// httptest server.
var graphBaseURL = "https://graph.microsoft.com/v1.0"

// MicrosoftConnector discovers service principals via the Graph API; Power
// Automate flows and Teams/Outlook bots are not enumerated. No Graph SDK is available,
// so calls go through a thin net/http client instead of a vendored one.
type MicrosoftConnector struct {
	creds       CredentialSource
	limiter     *Limiter
	fingerprint *Fingerprinter
	httpClient  *http.Client
	breaker     *circuitbreaker.CircuitBreaker
}

func NewMicrosoftConnector(creds CredentialSource, limiter *Limiter, fp *Fingerprinter) *MicrosoftConnector {
	limiter.Register(string(model.PlatformMicrosoft), 120)
	return &MicrosoftConnector{
		creds: creds, limiter: limiter, fingerprint: fp,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		breaker:    newPlatformBreaker(string(model.PlatformMicrosoft)),
	}
}

func (c *MicrosoftConnector) Platform() model.Platform { return model.PlatformMicrosoft }

func (c *MicrosoftConnector) accessToken(ctx context.Context, conn model.PlatformConnection) (string, error) {
	tok, ok, err := c.creds.Get(ctx, conn.ConnectionID)
	if err != nil {
		return "", apierr.Wrap(apierr.KindTransient, "load microsoft credentials", err)
	}
	if !ok {
		return "", apierr.New(apierr.KindAuth, "no credentials for microsoft connection")
	}
	return tok.AccessToken, nil
}

func (c *MicrosoftConnector) graphGet(ctx context.Context, conn model.PlatformConnection, path string, out any) error {
	if err := c.limiter.Wait(ctx, string(model.PlatformMicrosoft)); err != nil {
		return err
	}
	token, err := c.accessToken(ctx, conn)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, graphBaseURL+path, nil)
	if err != nil {
		return apierr.Wrap(apierr.KindFatal, "build graph request", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	respAny, err := c.breaker.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		return c.httpClient.Do(req)
	})
	if err != nil {
		return apierr.Wrap(apierr.KindTransient, "graph api request failed", err)
	}
	resp := respAny.(*http.Response)
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return apierr.New(apierr.KindAuth, "graph api auth error")
	case http.StatusTooManyRequests:
		return apierr.New(apierr.KindRateLimited, "graph api rate limited")
	}
	if resp.StatusCode >= 300 {
		return apierr.New(apierr.KindTransient, fmt.Sprintf("graph api returned status %d", resp.StatusCode))
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *MicrosoftConnector) Authenticate(ctx context.Context, conn model.PlatformConnection) error {
	return c.graphGet(ctx, conn, "/me", nil)
}

type graphServicePrincipalList struct {
	Value []struct {
		ID          string   `json:"id"`
		AppID       string   `json:"appId"`
		DisplayName string   `json:"displayName"`
		Tags        []string `json:"tags"`
	} `json:"value"`
}

// DiscoverAutomations enumerates service principals (the Graph equivalent
// of OAuth-authorized applications / service accounts) in the tenant's
// directory, fingerprinting each for AI-provider affiliation.
func (c *MicrosoftConnector) DiscoverAutomations(ctx context.Context, conn model.PlatformConnection) ([]model.DiscoveredAutomation, error) {
	var page graphServicePrincipalList
	if err := c.graphGet(ctx, conn, "/servicePrincipals?$top=200", &page); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	out := make([]model.DiscoveredAutomation, 0, len(page.Value))
	for _, sp := range page.Value {
		meta := map[string]any{"appId": sp.AppID, "tags": sp.Tags}
		if provider, ok := c.fingerprint.Match(sp.DisplayName, sp.AppID); ok {
			meta["aiProvider"] = provider
		}
		out = append(out, model.DiscoveredAutomation{
			ConnectionID: conn.ConnectionID, ExternalID: sp.ID, Name: sp.DisplayName,
			Type: model.AutomationIntegration, Status: "active", Trigger: "oauth_grant",
			Timestamps: model.Timestamps{FirstSeen: now, LastSeen: now},
			Metadata:   meta, IsActive: true,
		})
	}
	return out, nil
}

type graphAuditLogList struct {
	Value []struct {
		ID               string    `json:"id"`
		ActivityDateTime time.Time `json:"activityDateTime"`
		ActivityDisplayName string `json:"activityDisplayName"`
		InitiatedBy      struct {
			User *struct {
				ID          string `json:"id"`
				UserPrincipalName string `json:"userPrincipalName"`
			} `json:"user"`
		} `json:"initiatedBy"`
		TargetResources []struct {
			ID   string `json:"id"`
			Type string `json:"type"`
		} `json:"targetResources"`
	} `json:"value"`
}

func (c *MicrosoftConnector) GetAuditLogs(ctx context.Context, conn model.PlatformConnection, since time.Time) ([]AuditEntry, error) {
	path := fmt.Sprintf("/auditLogs/directoryAudits?$filter=activityDateTime ge %s", since.UTC().Format(time.RFC3339))
	var page graphAuditLogList
	if err := c.graphGet(ctx, conn, path, &page); err != nil {
		return nil, err
	}

	entries := make([]AuditEntry, 0, len(page.Value))
	for _, e := range page.Value {
		actorID, actorEmail := "", ""
		if e.InitiatedBy.User != nil {
			actorID = e.InitiatedBy.User.ID
			actorEmail = e.InitiatedBy.User.UserPrincipalName
		}
		resourceID, resourceType := "", ""
		if len(e.TargetResources) > 0 {
			resourceID = e.TargetResources[0].ID
			resourceType = e.TargetResources[0].Type
		}
		entries = append(entries, AuditEntry{
			EventID: e.ID, Timestamp: e.ActivityDateTime, ActorID: actorID, ActorEmail: actorEmail,
			EventType: e.ActivityDisplayName, ResourceID: resourceID, ResourceType: resourceType,
		})
	}
	return entries, nil
}

func (c *MicrosoftConnector) ValidatePermissions(ctx context.Context, conn model.PlatformConnection) (PermissionReport, error) {
	if err := c.graphGet(ctx, conn, "/me", nil); err != nil {
		return PermissionReport{Valid: false, Errors: []string{err.Error()}}, nil
	}
	return PermissionReport{Valid: true, Granted: []string{"Directory.Read.All", "AuditLog.Read.All"}}, nil
}

func (c *MicrosoftConnector) GetCorrelationEvents(ctx context.Context, conn model.PlatformConnection, from, to time.Time) ([]model.PlatformEvent, error) {
	entries, err := c.GetAuditLogs(ctx, conn, from)
	if err != nil {
		return nil, err
	}
	events := make([]model.PlatformEvent, 0, len(entries))
	for _, e := range entries {
		if e.Timestamp.After(to) {
			continue
		}
		events = append(events, model.PlatformEvent{
			EventID: e.EventID, Platform: model.PlatformMicrosoft, Timestamp: e.Timestamp,
			UserID: e.ActorID, UserEmail: e.ActorEmail, EventType: e.EventType,
			ResourceID: e.ResourceID, ResourceType: e.ResourceType,
			ActionDetails: model.ActionDetails{Action: e.EventType},
		})
	}
	return events, nil
}

func (c *MicrosoftConnector) SubscribeRealTime(ctx context.Context, conn model.PlatformConnection) (<-chan model.PlatformEvent, <-chan error) {
	out := make(chan model.PlatformEvent, 64)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		last := time.Now().UTC()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				events, err := c.GetCorrelationEvents(ctx, conn, last, now)
				if err != nil {
					select {
					case errc <- err:
					default:
					}
					return
				}
				for _, e := range events {
					select {
					case out <- e:
					case <-ctx.Done():
						return
					}
				}
				last = now
			}
		}
	}()

	return out, errc
}

func (c *MicrosoftConnector) IsConnected(ctx context.Context, conn model.PlatformConnection) bool {
	return c.graphGet(ctx, conn, "/me", nil) == nil
}
