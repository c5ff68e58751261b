package discovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/backend/internal/apierr"
	"github.com/ocx/backend/internal/connector"
	"github.com/ocx/backend/internal/model"
)

type fakeConnector struct {
	platform      model.Platform
	authErr       error
	automations   []model.DiscoveredAutomation
	discoverErr   error
	permissions   connector.PermissionReport
	permissionErr error
}

func (f *fakeConnector) Platform() model.Platform { return f.platform }

func (f *fakeConnector) Authenticate(ctx context.Context, conn model.PlatformConnection) error {
	return f.authErr
}

func (f *fakeConnector) DiscoverAutomations(ctx context.Context, conn model.PlatformConnection) ([]model.DiscoveredAutomation, error) {
	return f.automations, f.discoverErr
}

func (f *fakeConnector) GetAuditLogs(ctx context.Context, conn model.PlatformConnection, since time.Time) ([]connector.AuditEntry, error) {
	return nil, nil
}

func (f *fakeConnector) ValidatePermissions(ctx context.Context, conn model.PlatformConnection) (connector.PermissionReport, error) {
	return f.permissions, f.permissionErr
}

func (f *fakeConnector) GetCorrelationEvents(ctx context.Context, conn model.PlatformConnection, from, to time.Time) ([]model.PlatformEvent, error) {
	return nil, nil
}

func (f *fakeConnector) SubscribeRealTime(ctx context.Context, conn model.PlatformConnection) (<-chan model.PlatformEvent, <-chan error) {
	ch := make(chan model.PlatformEvent)
	errCh := make(chan error)
	close(ch)
	close(errCh)
	return ch, errCh
}

func (f *fakeConnector) IsConnected(ctx context.Context, conn model.PlatformConnection) bool { return f.authErr == nil }

type fakeRepos struct {
	mu          sync.Mutex
	connections map[model.ConnectionID]model.PlatformConnection
	automations map[string]model.DiscoveredAutomation
	runs        map[model.RunID]model.DiscoveryRun
}

func newFakeRepos(conns ...model.PlatformConnection) *fakeRepos {
	r := &fakeRepos{
		connections: map[model.ConnectionID]model.PlatformConnection{},
		automations: map[string]model.DiscoveredAutomation{},
		runs:        map[model.RunID]model.DiscoveryRun{},
	}
	for _, c := range conns {
		r.connections[c.ConnectionID] = c
	}
	return r
}

func (r *fakeRepos) ListConnections(ctx context.Context, tenantID model.TenantID) ([]model.PlatformConnection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.PlatformConnection
	for _, c := range r.connections {
		if c.TenantID == tenantID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r *fakeRepos) UpsertConnection(ctx context.Context, conn model.PlatformConnection) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connections[conn.ConnectionID] = conn
	return true, nil
}

func (r *fakeRepos) UpsertAutomation(ctx context.Context, a model.DiscoveredAutomation) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.automations[string(a.ConnectionID)+"|"+a.ExternalID] = a
	return true, nil
}

func (r *fakeRepos) InsertRun(ctx context.Context, run model.DiscoveryRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[run.RunID] = run
	return nil
}

func (r *fakeRepos) UpdateRun(ctx context.Context, run model.DiscoveryRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[run.RunID] = run
	return nil
}

func newOrchestrator(t *testing.T, c connector.Connector, repos *fakeRepos) *Orchestrator {
	t.Helper()
	reg := connector.NewRegistry()
	reg.Register(c)
	return New(reg, repos, repos, repos)
}

func TestDiscoverConnection_SuccessUpsertsAutomationsAndCompletesRun(t *testing.T) {
	conn := model.PlatformConnection{ConnectionID: "c1", TenantID: "t1", Platform: "slack", Status: model.ConnectionActive}
	repos := newFakeRepos(conn)
	c := &fakeConnector{
		platform: "slack",
		automations: []model.DiscoveredAutomation{
			{ConnectionID: "c1", ExternalID: "a1"},
			{ConnectionID: "c1", ExternalID: "a2"},
		},
		permissions: connector.PermissionReport{Valid: true},
	}
	o := newOrchestrator(t, c, repos)

	result, err := o.DiscoverConnection(context.Background(), conn)
	require.NoError(t, err)
	assert.Equal(t, model.DiscoveryRunCompleted, result.Run.Status)
	assert.Equal(t, 2, result.Run.AutomationsFound)
	assert.Empty(t, result.Run.Errors)
	assert.Len(t, repos.automations, 2)
}

func TestDiscoverConnection_AuthFailureMarksConnectionErrorAndFailsRun(t *testing.T) {
	conn := model.PlatformConnection{ConnectionID: "c1", TenantID: "t1", Platform: "slack", Status: model.ConnectionActive}
	repos := newFakeRepos(conn)
	c := &fakeConnector{platform: "slack", authErr: apierr.New(apierr.KindAuth, "token expired")}
	o := newOrchestrator(t, c, repos)

	result, err := o.DiscoverConnection(context.Background(), conn)
	require.NoError(t, err)
	assert.Equal(t, model.DiscoveryRunFailed, result.Run.Status)
	require.Len(t, result.Run.Errors, 1)
	assert.Equal(t, model.ConnectionError, repos.connections["c1"].Status)
}

func TestDiscoverConnection_NonAuthDiscoveryErrorIsCapturedButRunStillCompletes(t *testing.T) {
	conn := model.PlatformConnection{ConnectionID: "c1", TenantID: "t1", Platform: "slack", Status: model.ConnectionActive}
	repos := newFakeRepos(conn)
	c := &fakeConnector{
		platform:    "slack",
		discoverErr: apierr.New(apierr.KindTransient, "temporary failure"),
		permissions: connector.PermissionReport{Valid: true},
	}
	o := newOrchestrator(t, c, repos)

	result, err := o.DiscoverConnection(context.Background(), conn)
	require.NoError(t, err)
	assert.Equal(t, model.DiscoveryRunCompleted, result.Run.Status)
	assert.NotEmpty(t, result.Run.Errors)
	assert.Equal(t, model.ConnectionActive, repos.connections["c1"].Status)
}

func TestDiscoverConnection_IncompletePermissionsAddsWarning(t *testing.T) {
	conn := model.PlatformConnection{ConnectionID: "c1", TenantID: "t1", Platform: "slack", Status: model.ConnectionActive}
	repos := newFakeRepos(conn)
	c := &fakeConnector{
		platform:    "slack",
		permissions: connector.PermissionReport{Valid: false, Missing: []string{"channels:history"}},
	}
	o := newOrchestrator(t, c, repos)

	result, err := o.DiscoverConnection(context.Background(), conn)
	require.NoError(t, err)
	require.Len(t, result.Run.Warnings, 1)
	assert.Contains(t, result.Run.Warnings[0], "channels:history")
}

func TestRunDiscovery_IsolatesPerConnectionFailures(t *testing.T) {
	good := model.PlatformConnection{ConnectionID: "good", TenantID: "t1", Platform: "slack", Status: model.ConnectionActive}
	bad := model.PlatformConnection{ConnectionID: "bad", TenantID: "t1", Platform: "google", Status: model.ConnectionActive}
	inactive := model.PlatformConnection{ConnectionID: "inactive", TenantID: "t1", Platform: "slack", Status: model.ConnectionInactive}
	repos := newFakeRepos(good, bad, inactive)

	reg := connector.NewRegistry()
	reg.Register(&fakeConnector{platform: "slack", permissions: connector.PermissionReport{Valid: true}})
	reg.Register(&fakeConnector{platform: "google", authErr: apierr.New(apierr.KindAuth, "revoked")})
	o := New(reg, repos, repos, repos)

	result, err := o.RunDiscovery(context.Background(), "t1", nil)
	require.NoError(t, err)
	require.Len(t, result.Results, 2)

	statuses := map[model.ConnectionID]model.DiscoveryRunStatus{}
	for _, r := range result.Results {
		statuses[r.Run.ConnectionID] = r.Run.Status
	}
	assert.Equal(t, model.DiscoveryRunCompleted, statuses["good"])
	assert.Equal(t, model.DiscoveryRunFailed, statuses["bad"])
	_, sawInactive := statuses["inactive"]
	assert.False(t, sawInactive)
}

func TestRunDiscovery_FilterRestrictsToGivenConnections(t *testing.T) {
	a := model.PlatformConnection{ConnectionID: "a", TenantID: "t1", Platform: "slack", Status: model.ConnectionActive}
	b := model.PlatformConnection{ConnectionID: "b", TenantID: "t1", Platform: "slack", Status: model.ConnectionActive}
	repos := newFakeRepos(a, b)
	reg := connector.NewRegistry()
	reg.Register(&fakeConnector{platform: "slack", permissions: connector.PermissionReport{Valid: true}})
	o := New(reg, repos, repos, repos)

	result, err := o.RunDiscovery(context.Background(), "t1", []model.ConnectionID{"a"})
	require.NoError(t, err)
	require.Len(t, result.Results, 1)
	assert.Equal(t, model.ConnectionID("a"), result.Results[0].Run.ConnectionID)
}

func TestStart_InvokesCorrelationTriggerOnlyWhenRealTimeEnabled(t *testing.T) {
	repos := newFakeRepos()
	reg := connector.NewRegistry()
	o := New(reg, repos, repos, repos)

	var triggered int32
	var mu sync.Mutex
	o.OnCorrelationTrigger(func(ctx context.Context, tenantID model.TenantID) {
		mu.Lock()
		triggered++
		mu.Unlock()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()
	o.Start(ctx, "t1", time.Hour, 20*time.Millisecond, true)
	<-ctx.Done()
	o.Stop()

	mu.Lock()
	assert.Greater(t, triggered, int32(0))
	mu.Unlock()

	disabled := New(reg, repos, repos, repos)
	var disabledTriggered int32
	disabled.OnCorrelationTrigger(func(ctx context.Context, tenantID model.TenantID) {
		mu.Lock()
		disabledTriggered++
		mu.Unlock()
	})

	ctx2, cancel2 := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel2()
	disabled.Start(ctx2, "t1", time.Hour, 20*time.Millisecond, false)
	<-ctx2.Done()
	disabled.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, int32(0), disabledTriggered)
}

func TestDiscoverConnection_UnknownPlatformFailsRunWithoutPanicking(t *testing.T) {
	conn := model.PlatformConnection{ConnectionID: "c1", TenantID: "t1", Platform: "unknown", Status: model.ConnectionActive}
	repos := newFakeRepos(conn)
	o := New(connector.NewRegistry(), repos, repos, repos)

	result, err := o.DiscoverConnection(context.Background(), conn)
	require.NoError(t, err)
	assert.Equal(t, model.DiscoveryRunFailed, result.Run.Status)
	require.Len(t, result.Run.Errors, 1)
}
