package connector

import (
	"context"
	"strings"
	"time"

	"golang.org/x/oauth2"
	admin "google.golang.org/api/admin/directory/v1"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/ocx/backend/internal/apierr"
	"github.com/ocx/backend/internal/circuitbreaker"
	"github.com/ocx/backend/internal/model"
)

// serviceAccountSuffixes identifies Google service-account actors in audit
// events (spec §4.1: "derived from audit-log token-authorize events where
// the actor domain matches service-account suffixes").
var serviceAccountSuffixes = []string{".iam.gserviceaccount.com", ".gserviceaccount.com"}

// GoogleConnector composes Google Workspace discovery from three
// sub-discoveries: Apps Script projects, service accounts, and
// OAuth-authorized applications. Email automations (filters/forwarding)
// are not discovered.
type GoogleConnector struct {
	creds       CredentialSource
	limiter     *Limiter
	fingerprint *Fingerprinter
	breaker     *circuitbreaker.CircuitBreaker
}

func NewGoogleConnector(creds CredentialSource, limiter *Limiter, fp *Fingerprinter) *GoogleConnector {
	limiter.Register(string(model.PlatformGoogle), 100)
	return &GoogleConnector{creds: creds, limiter: limiter, fingerprint: fp, breaker: newPlatformBreaker(string(model.PlatformGoogle))}
}

func (c *GoogleConnector) Platform() model.Platform { return model.PlatformGoogle }

func (c *GoogleConnector) tokenSource(ctx context.Context, conn model.PlatformConnection) (oauth2.TokenSource, error) {
	tok, ok, err := c.creds.Get(ctx, conn.ConnectionID)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindTransient, "load google credentials", err)
	}
	if !ok {
		return nil, apierr.New(apierr.KindAuth, "no credentials for google connection")
	}
	expiry := time.Now().Add(time.Hour)
	if tok.ExpiresAt != nil {
		expiry = *tok.ExpiresAt
	}
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: tok.AccessToken, Expiry: expiry}), nil
}

func (c *GoogleConnector) driveService(ctx context.Context, conn model.PlatformConnection) (*drive.Service, error) {
	ts, err := c.tokenSource(ctx, conn)
	if err != nil {
		return nil, err
	}
	return drive.NewService(ctx, option.WithTokenSource(ts))
}

func (c *GoogleConnector) adminService(ctx context.Context, conn model.PlatformConnection) (*admin.Service, error) {
	ts, err := c.tokenSource(ctx, conn)
	if err != nil {
		return nil, err
	}
	return admin.NewService(ctx, option.WithTokenSource(ts))
}

func (c *GoogleConnector) Authenticate(ctx context.Context, conn model.PlatformConnection) error {
	if err := c.limiter.Wait(ctx, string(model.PlatformGoogle)); err != nil {
		return err
	}
	svc, err := c.driveService(ctx, conn)
	if err != nil {
		return err
	}
	if _, err := c.breaker.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		return svc.About.Get().Fields("user").Do()
	}); err != nil {
		return classifyGoogleError(err)
	}
	return nil
}

// DiscoverAutomations runs the three sub-discoveries and merges their
// output, deduplicating by ExternalID (the first occurrence is kept).
func (c *GoogleConnector) DiscoverAutomations(ctx context.Context, conn model.PlatformConnection) ([]model.DiscoveredAutomation, error) {
	var all []model.DiscoveredAutomation

	scripts, err := c.discoverAppsScripts(ctx, conn)
	if err != nil {
		return nil, err
	}
	all = append(all, scripts...)

	serviceAccounts, err := c.discoverServiceAccountsFromAudit(ctx, conn)
	if err != nil {
		return nil, err
	}
	all = append(all, serviceAccounts...)

	oauthApps, err := c.discoverOAuthApplications(ctx, conn)
	if err != nil {
		return nil, err
	}
	all = append(all, oauthApps...)

	seen := make(map[string]bool, len(all))
	deduped := all[:0]
	for _, a := range all {
		if seen[a.ExternalID] {
			continue
		}
		seen[a.ExternalID] = true
		deduped = append(deduped, a)
	}
	return deduped, nil
}

// discoverAppsScripts lists Drive files of the Apps Script MIME type and
// matches each file's name against the AI-provider fingerprints. Script
// content is not fetched.
func (c *GoogleConnector) discoverAppsScripts(ctx context.Context, conn model.PlatformConnection) ([]model.DiscoveredAutomation, error) {
	svc, err := c.driveService(ctx, conn)
	if err != nil {
		return nil, err
	}

	var out []model.DiscoveredAutomation
	now := time.Now().UTC()
	pageToken := ""
	for {
		if err := c.limiter.Wait(ctx, string(model.PlatformGoogle)); err != nil {
			return nil, err
		}
		call := svc.Files.List().Q("mimeType='application/vnd.google-apps.script'").
			Fields("nextPageToken, files(id, name, owners, modifiedTime)").PageSize(100)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			return nil, classifyGoogleError(err)
		}

		for _, f := range resp.Files {
			meta := map[string]any{"mimeType": "apps_script"}
			if provider, ok := c.fingerprint.Match(f.Name, ""); ok {
				meta["aiProvider"] = provider
			}
			owner := map[string]any{}
			if len(f.Owners) > 0 {
				owner["ownerType"] = "human"
				owner["email"] = f.Owners[0].EmailAddress
			}
			out = append(out, model.DiscoveredAutomation{
				ConnectionID: conn.ConnectionID, ExternalID: f.Id, Name: f.Name,
				Type: model.AutomationScript, Status: "active", Trigger: "manual_or_time_driven",
				OwnerInfo:  owner,
				Timestamps: model.Timestamps{FirstSeen: now, LastSeen: now},
				Metadata:   meta, IsActive: true,
			})
		}

		pageToken = resp.NextPageToken
		if pageToken == "" {
			break
		}
		time.Sleep(150 * time.Millisecond)
	}
	return out, nil
}

// discoverServiceAccountsFromAudit finds service-account actors by scanning
// recent login/token audit events for domains matching the known
// service-account suffixes.
func (c *GoogleConnector) discoverServiceAccountsFromAudit(ctx context.Context, conn model.PlatformConnection) ([]model.DiscoveredAutomation, error) {
	entries, err := c.GetAuditLogs(ctx, conn, time.Now().AddDate(0, 0, -30))
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var out []model.DiscoveredAutomation
	now := time.Now().UTC()
	for _, e := range entries {
		if !isServiceAccountActor(e.ActorEmail) || seen[e.ActorEmail] {
			continue
		}
		seen[e.ActorEmail] = true
		out = append(out, model.DiscoveredAutomation{
			ConnectionID: conn.ConnectionID, ExternalID: e.ActorEmail, Name: e.ActorEmail,
			Type: model.AutomationServiceAccount, Status: "active", Trigger: "api_call",
			OwnerInfo:  map[string]any{"ownerType": "service_account"},
			Timestamps: model.Timestamps{FirstSeen: now, LastSeen: now},
			IsActive:   true,
		})
	}
	return out, nil
}

// discoverOAuthApplications aggregates login/token audit events over a
// 180-day window by client_id, tracking scopes and first/last seen (spec
// §4.1).
func (c *GoogleConnector) discoverOAuthApplications(ctx context.Context, conn model.PlatformConnection) ([]model.DiscoveredAutomation, error) {
	entries, err := c.GetAuditLogs(ctx, conn, time.Now().AddDate(0, 0, -180))
	if err != nil {
		return nil, err
	}

	type agg struct {
		clientID   string
		appName    string
		scopes     map[string]bool
		firstSeen  time.Time
		lastSeen   time.Time
		authorizer string
	}
	byClient := make(map[string]*agg)

	for _, e := range entries {
		if e.EventType != "login" && e.EventType != "token" {
			continue
		}
		clientID, _ := e.Metadata["client_id"].(string)
		if clientID == "" {
			continue
		}
		a, ok := byClient[clientID]
		if !ok {
			a = &agg{clientID: clientID, scopes: make(map[string]bool), firstSeen: e.Timestamp, lastSeen: e.Timestamp, authorizer: e.ActorEmail}
			byClient[clientID] = a
		}
		if appName, ok := e.Metadata["app_name"].(string); ok && appName != "" {
			a.appName = appName
		}
		if e.Timestamp.Before(a.firstSeen) {
			a.firstSeen = e.Timestamp
		}
		if e.Timestamp.After(a.lastSeen) {
			a.lastSeen = e.Timestamp
		}
		if scopeList, ok := e.Metadata["scopes"].([]string); ok {
			for _, s := range scopeList {
				a.scopes[s] = true
			}
		}
	}

	var out []model.DiscoveredAutomation
	for clientID, a := range byClient {
		scopes := make([]string, 0, len(a.scopes))
		for s := range a.scopes {
			scopes = append(scopes, s)
		}
		name := a.appName
		if name == "" {
			name = clientID
		}
		meta := map[string]any{"authorizer": a.authorizer}
		if provider, ok := c.fingerprint.Match(a.appName, clientID); ok {
			meta["isAIPlatform"] = true
			meta["platformName"] = DisplayName(provider)
		}
		out = append(out, model.DiscoveredAutomation{
			ConnectionID: conn.ConnectionID, ExternalID: clientID, Name: name,
			Type: model.AutomationIntegration, Status: "active", Trigger: "oauth",
			PermissionsRequired: scopes,
			Timestamps:          model.Timestamps{FirstSeen: a.firstSeen, LastSeen: a.lastSeen},
			Metadata:            meta, IsActive: true,
		})
	}
	return out, nil
}

func isServiceAccountActor(email string) bool {
	for _, suffix := range serviceAccountSuffixes {
		if strings.HasSuffix(email, suffix) {
			return true
		}
	}
	return false
}

func (c *GoogleConnector) GetAuditLogs(ctx context.Context, conn model.PlatformConnection, since time.Time) ([]AuditEntry, error) {
	svc, err := c.adminService(ctx, conn)
	if err != nil {
		return nil, err
	}
	if err := c.limiter.Wait(ctx, string(model.PlatformGoogle)); err != nil {
		return nil, err
	}

	var entries []AuditEntry
	pageToken := ""
	for {
		call := svc.Activities.List("all", "login").StartTime(since.Format(time.RFC3339))
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			return nil, classifyGoogleError(err)
		}
		for _, act := range resp.Items {
			actorEmail := ""
			if act.Actor != nil {
				actorEmail = act.Actor.Email
			}
			for _, ev := range act.Events {
				meta := map[string]any{}
				var scopes []string
				for _, p := range ev.Parameters {
					if p.Name == "client_id" {
						meta["client_id"] = p.Value
					}
					if p.Name == "app_name" {
						meta["app_name"] = p.Value
					}
					if p.Name == "scope" {
						scopes = append(scopes, p.MultiValue...)
					}
				}
				if len(scopes) > 0 {
					meta["scopes"] = scopes
				}
				entries = append(entries, AuditEntry{
					EventID: act.Id.UniqueQualifier, Timestamp: parseGoogleTime(act.Id.Time),
					ActorID: actorEmail, ActorEmail: actorEmail, EventType: ev.Name, Metadata: meta,
				})
			}
		}
		pageToken = resp.NextPageToken
		if pageToken == "" {
			break
		}
	}
	return entries, nil
}

func parseGoogleTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (c *GoogleConnector) ValidatePermissions(ctx context.Context, conn model.PlatformConnection) (PermissionReport, error) {
	svc, err := c.driveService(ctx, conn)
	if err != nil {
		return PermissionReport{}, err
	}
	if _, err := svc.About.Get().Fields("user").Do(); err != nil {
		return PermissionReport{Valid: false, Errors: []string{err.Error()}}, nil
	}
	return PermissionReport{Valid: true, Granted: []string{"drive.readonly", "admin.reports.audit.readonly"}}, nil
}

func (c *GoogleConnector) GetCorrelationEvents(ctx context.Context, conn model.PlatformConnection, from, to time.Time) ([]model.PlatformEvent, error) {
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
			EventID: e.EventID, Platform: model.PlatformGoogle, Timestamp: e.Timestamp,
			UserID: e.ActorID, UserEmail: e.ActorEmail, EventType: e.EventType,
			ResourceID: e.ResourceID, ResourceType: e.ResourceType,
			ActionDetails: model.ActionDetails{Action: e.EventType, AdditionalMetadata: e.Metadata},
			CorrelationMetadata: model.CorrelationMetadata{
				PotentialTrigger: e.EventType == "token", PotentialAction: e.EventType == "login",
			},
		})
	}
	return events, nil
}

func (c *GoogleConnector) SubscribeRealTime(ctx context.Context, conn model.PlatformConnection) (<-chan model.PlatformEvent, <-chan error) {
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

func (c *GoogleConnector) IsConnected(ctx context.Context, conn model.PlatformConnection) bool {
	svc, err := c.driveService(ctx, conn)
	if err != nil {
		return false
	}
	_, err = svc.About.Get().Fields("user").Do()
	return err == nil
}

func classifyGoogleError(err error) error {
	if gerr, ok := err.(*googleapi.Error); ok {
		switch gerr.Code {
		case 401, 403:
			return apierr.Wrap(apierr.KindAuth, "google api auth error", err)
		case 429:
			return apierr.Wrap(apierr.KindRateLimited, "google api rate limited", err)
		}
	}
	return apierr.Wrap(apierr.KindTransient, "google api call failed", err)
}
