package connector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/backend/internal/apierr"
	"github.com/ocx/backend/internal/credential"
	"github.com/ocx/backend/internal/model"
)

type staticCreds struct {
	creds credential.Credentials
}

func (s staticCreds) Get(ctx context.Context, connID model.ConnectionID) (credential.Credentials, bool, error) {
	return s.creds, true, nil
}

func (s staticCreds) RefreshIfNeeded(ctx context.Context, conn model.PlatformConnection) (bool, error) {
	return false, nil
}

func newTestMicrosoftConnector(t *testing.T) *MicrosoftConnector {
	t.Helper()
	return NewMicrosoftConnector(staticCreds{creds: credential.Credentials{AccessToken: "tok"}}, NewLimiter(), NewFingerprinter(nil))
}

func TestMicrosoftDiscoverAutomations_FingerprintsAIServicePrincipal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"value": []map[string]any{
				{"id": "sp-1", "appId": "app-1", "displayName": "OpenAI GPT Connector", "tags": []string{"WindowsAzureActiveDirectoryIntegratedApp"}},
				{"id": "sp-2", "appId": "app-2", "displayName": "Internal Reporting Tool"},
			},
		})
	}))
	defer server.Close()

	c := newTestMicrosoftConnector(t)
	c.httpClient = server.Client()
	patchGraphBaseURLForTest(t, server.URL)

	automations, err := c.DiscoverAutomations(context.Background(), model.PlatformConnection{ConnectionID: "c1"})
	require.NoError(t, err)
	require.Len(t, automations, 2)

	var aiOne model.DiscoveredAutomation
	for _, a := range automations {
		if a.ExternalID == "sp-1" {
			aiOne = a
		}
	}
	assert.Equal(t, "OpenAI", aiOne.Metadata["aiProvider"])
}

func TestMicrosoftGraphGet_ClassifiesRateLimitAndAuthErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	c := newTestMicrosoftConnector(t)
	c.httpClient = server.Client()
	patchGraphBaseURLForTest(t, server.URL)

	err := c.Authenticate(context.Background(), model.PlatformConnection{ConnectionID: "c1"})
	require.Error(t, err)
	assert.Equal(t, apierr.KindRateLimited, apierr.KindOf(err))

	authServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer authServer.Close()
	c.httpClient = authServer.Client()
	patchGraphBaseURLForTest(t, authServer.URL)

	err = c.Authenticate(context.Background(), model.PlatformConnection{ConnectionID: "c1"})
	require.Error(t, err)
	assert.Equal(t, apierr.KindAuth, apierr.KindOf(err))
}

func TestMicrosoftIsConnected_FalseOnUnauthorized(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	c := newTestMicrosoftConnector(t)
	c.httpClient = server.Client()
	patchGraphBaseURLForTest(t, server.URL)

	assert.False(t, c.IsConnected(context.Background(), model.PlatformConnection{ConnectionID: "c1"}))
}

// patchGraphBaseURLForTest points graphBaseURL at httptest's server instead
// of the real Graph endpoint, restoring it once the calling test completes.
func patchGraphBaseURLForTest(t *testing.T, url string) {
	t.Helper()
	orig := graphBaseURL
	graphBaseURL = url
	t.Cleanup(func() { graphBaseURL = orig })
}

