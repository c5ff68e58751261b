package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/ocx/backend/internal/events"
	"github.com/ocx/backend/internal/model"
)

const testSigningKey = "test-signing-key"

func signToken(t *testing.T, orgID, role, subject string) string {
	t.Helper()
	c := claims{
		OrgID:     orgID,
		Role:      role,
		SessionID: "sess-1",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString([]byte(testSigningKey))
	require.NoError(t, err)
	return signed
}

func newTestServer(t *testing.T, g *Gateway) (wsURL string, cleanup func()) {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(g.HandleWebSocket))
	wsURL = "ws" + strings.TrimPrefix(server.URL, "http")
	return wsURL, server.Close
}

func dialAndAuth(t *testing.T, wsURL, token, role string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(authenticateMessage{Type: "authenticate", Token: token, UserRole: role}))
	return conn
}

func TestHandleWebSocket_AuthenticatesAndRegistersClient(t *testing.T) {
	g := New(Config{JWTSigningKey: testSigningKey}, nil)
	wsURL, cleanup := newTestServer(t, g)
	defer cleanup()

	token := signToken(t, "tenant-1", "analyst", "user-1")
	conn := dialAndAuth(t, wsURL, token, "analyst")
	defer conn.Close()

	require.Eventually(t, func() bool { return g.ConnectedClients() == 1 }, time.Second, 10*time.Millisecond)
}

func TestHandleWebSocket_RejectsInvalidToken(t *testing.T) {
	g := New(Config{JWTSigningKey: testSigningKey}, nil)
	wsURL, cleanup := newTestServer(t, g)
	defer cleanup()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.WriteJSON(authenticateMessage{Type: "authenticate", Token: "garbage", UserRole: "analyst"}))

	require.Eventually(t, func() bool { return g.ConnectedClients() == 0 }, time.Second, 10*time.Millisecond)
}

func TestBroadcast_DeliversOnlyToMatchingTenantAndSubscription(t *testing.T) {
	g := New(Config{JWTSigningKey: testSigningKey}, nil)
	wsURL, cleanup := newTestServer(t, g)
	defer cleanup()

	ciso := dialAndAuth(t, wsURL, signToken(t, "tenant-1", "ciso", "u1"), "ciso")
	defer ciso.Close()
	otherTenant := dialAndAuth(t, wsURL, signToken(t, "tenant-2", "ciso", "u2"), "ciso")
	defer otherTenant.Close()

	require.Eventually(t, func() bool { return g.ConnectedClients() == 2 }, time.Second, 10*time.Millisecond)

	g.Emit("chain:detected", "correlation", "tenant-1:analysis-1", map[string]interface{}{"chainId": "c1"})

	ciso.SetReadDeadline(time.Now().Add(time.Second))
	_, payload, err := ciso.ReadMessage()
	require.NoError(t, err)
	var received map[string]interface{}
	require.NoError(t, json.Unmarshal(payload, &received))
	require.Equal(t, "chain:detected", received["type"])

	otherTenant.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err = otherTenant.ReadMessage()
	require.Error(t, err, "client scoped to a different tenant must not receive the event")
}

func TestBroadcast_DropsUnrecognizedEventType(t *testing.T) {
	g := New(Config{JWTSigningKey: testSigningKey}, nil)
	wsURL, cleanup := newTestServer(t, g)
	defer cleanup()

	admin := dialAndAuth(t, wsURL, signToken(t, "tenant-1", "admin", "u1"), "admin")
	defer admin.Close()
	require.Eventually(t, func() bool { return g.ConnectedClients() == 1 }, time.Second, 10*time.Millisecond)

	g.Emit("not:a_real_event", "test", "tenant-1:subject", nil)

	admin.SetReadDeadline(time.Now().Add(time.Second))
	_, payload, err := admin.ReadMessage()
	require.NoError(t, err)
	var received map[string]interface{}
	require.NoError(t, json.Unmarshal(payload, &received))
	require.Equal(t, "system:notification", received["type"])
}

func TestDefaultSubscriptions_MatchRoleTable(t *testing.T) {
	require.Equal(t, model.SubscriptionFlags{ChainDetection: true, RiskAlerts: true, ExecutiveUpdates: true}, defaultSubscriptions("ciso"))
	require.Equal(t, model.SubscriptionFlags{AnalysisProgress: true, ChainDetection: true, RiskAlerts: true, PerformanceMetrics: true}, defaultSubscriptions("analyst"))
	require.True(t, defaultSubscriptions("admin").ExecutiveUpdates)
	require.Equal(t, model.SubscriptionFlags{AnalysisProgress: true, ChainDetection: true}, defaultSubscriptions("unknown-role"))
}

func TestSplitTenantSubject(t *testing.T) {
	tenantID, rest := splitTenantSubject("tenant-1:analysis-42")
	require.Equal(t, "tenant-1", tenantID)
	require.Equal(t, "analysis-42", rest)

	tenantID, rest = splitTenantSubject("no-colon")
	require.Equal(t, "", tenantID)
	require.Equal(t, "no-colon", rest)
}

func TestEmit_SatisfiesEventEmitterInterface(t *testing.T) {
	var _ events.EventEmitter = New(Config{JWTSigningKey: testSigningKey}, nil)
}
