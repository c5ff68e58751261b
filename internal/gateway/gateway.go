// Package gateway implements the Realtime Gateway (C10): an authenticated
// WebSocket server that re-broadcasts platform events (correlation
// progress, chain detection, risk alerts, executive updates, system
// health) to subscribed, tenant-scoped clients.
package gateway

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/websocket"

	"github.com/ocx/backend/internal/events"
	"github.com/ocx/backend/internal/model"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
)

// Config configures one Gateway instance.
type Config struct {
	JWTSigningKey       string
	AuthGrace           time.Duration
	PerformanceInterval time.Duration
	SendBufferSize      int
	AllowedOrigins      []string
}

// HealthChecker reports each backing service's health for the periodic
// system:health_check stream. A nil checker means "report everything
// healthy" — the gateway never fails a health check on its own account.
type HealthChecker interface {
	Check() map[string]string // service name -> "healthy" | "degraded" | "critical"
}

// Gateway is the C10 Realtime Gateway.
type Gateway struct {
	cfg      Config
	upgrader websocket.Upgrader
	signKey  []byte

	mu      sync.RWMutex
	clients map[*client]bool

	health HealthChecker

	stopOnce sync.Once
	stopCh   chan struct{}
}

func New(cfg Config, health HealthChecker) *Gateway {
	if cfg.AuthGrace == 0 {
		cfg.AuthGrace = 10 * time.Second
	}
	if cfg.PerformanceInterval == 0 {
		cfg.PerformanceInterval = 30 * time.Second
	}
	if cfg.SendBufferSize == 0 {
		cfg.SendBufferSize = 256
	}

	g := &Gateway{
		cfg:     cfg,
		signKey: []byte(cfg.JWTSigningKey),
		clients: make(map[*client]bool),
		health:  health,
		stopCh:  make(chan struct{}),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     g.checkOrigin,
	}
	return g
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	if len(g.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range g.cfg.AllowedOrigins {
		if allowed == origin {
			return true
		}
	}
	slog.Warn("gateway: rejected websocket connection from disallowed origin", "origin", origin)
	return false
}

// client is one connected, authenticated WebSocket subscriber.
type client struct {
	conn   *websocket.Conn
	send   chan []byte
	userID string
	tenantID model.TenantID
	sessionID string
	role   string
	subs   model.SubscriptionFlags
	riskFilter map[model.RiskLevel]bool
}

type authenticateMessage struct {
	Type     string `json:"type"`
	Token    string `json:"token"`
	UserRole string `json:"userRole"`
}

type claims struct {
	OrgID     string `json:"org_id"`
	Role      string `json:"role"`
	SessionID string `json:"session_id"`
	jwt.RegisteredClaims
}

// HandleWebSocket upgrades the request and waits for the client's
// authenticate message within the configured grace period before admitting
// it to any tenant's org room (spec §4.10).
func (g *Gateway) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("gateway: websocket upgrade failed", "error", err)
		return
	}

	conn.SetReadDeadline(time.Now().Add(g.cfg.AuthGrace))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		slog.Warn("gateway: client did not authenticate within grace period", "error", err)
		conn.Close()
		return
	}

	var authMsg authenticateMessage
	if err := json.Unmarshal(payload, &authMsg); err != nil || authMsg.Type != "authenticate" {
		slog.Warn("gateway: first message was not a valid authenticate frame")
		conn.Close()
		return
	}

	c, err := g.authenticate(authMsg)
	if err != nil {
		slog.Warn("gateway: authentication failed", "error", err)
		writeCloseError(conn, err)
		conn.Close()
		return
	}
	c.conn = conn

	g.register(c)
	go g.writePump(c)
	g.readPump(c)
}

func (g *Gateway) authenticate(msg authenticateMessage) (*client, error) {
	var parsed claims
	token, err := jwt.ParseWithClaims(msg.Token, &parsed, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Method)
		}
		return g.signKey, nil
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if parsed.OrgID == "" {
		return nil, fmt.Errorf("token missing org_id claim")
	}
	if msg.UserRole != "" && parsed.Role != "" && msg.UserRole != parsed.Role {
		return nil, fmt.Errorf("userRole %q does not match token role %q", msg.UserRole, parsed.Role)
	}

	role := parsed.Role
	if role == "" {
		role = msg.UserRole
	}

	return &client{
		send:      make(chan []byte, g.cfg.SendBufferSize),
		userID:    parsed.Subject,
		tenantID:  model.TenantID(parsed.OrgID),
		sessionID: parsed.SessionID,
		role:      role,
		subs:      defaultSubscriptions(role),
	}, nil
}

func writeCloseError(conn *websocket.Conn, err error) {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInvalidFramePayloadData, err.Error()))
}

// defaultSubscriptions returns a role's default subscription set (spec §4.10).
func defaultSubscriptions(role string) model.SubscriptionFlags {
	switch role {
	case "ciso", "executive":
		return model.SubscriptionFlags{ChainDetection: true, RiskAlerts: true, ExecutiveUpdates: true}
	case "analyst", "security_analyst":
		return model.SubscriptionFlags{AnalysisProgress: true, ChainDetection: true, RiskAlerts: true, PerformanceMetrics: true}
	case "admin":
		return model.SubscriptionFlags{AnalysisProgress: true, ChainDetection: true, RiskAlerts: true, ExecutiveUpdates: true, PerformanceMetrics: true}
	default:
		return model.SubscriptionFlags{AnalysisProgress: true, ChainDetection: true}
	}
}

func (g *Gateway) register(c *client) {
	g.mu.Lock()
	g.clients[c] = true
	g.mu.Unlock()
	slog.Info("gateway: client connected", "userId", c.userID, "tenantId", c.tenantID, "role", c.role)
}

func (g *Gateway) unregister(c *client) {
	g.mu.Lock()
	if _, ok := g.clients[c]; ok {
		delete(g.clients, c)
		close(c.send)
	}
	g.mu.Unlock()
	slog.Info("gateway: client disconnected", "userId", c.userID, "tenantId", c.tenantID)
}

func (g *Gateway) readPump(c *client) {
	defer func() {
		g.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Warn("gateway: unexpected close", "userId", c.userID, "error", err)
			}
			return
		}
	}
}

func (g *Gateway) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Emit is the gateway's events.EventEmitter-compatible sink: it satisfies
// the interface so the Discovery Orchestrator and Correlation Engine can
// publish through it directly, or it can be driven by subscribing to a
// shared events.EventBus (see Serve).
func (g *Gateway) Emit(eventType, source, subject string, data map[string]interface{}) {
	g.broadcast(events.NewCloudEvent(eventType, source, subject, data))
}

// Serve relays every event published on bus through the gateway's
// broadcast/subscription-filtering pipeline until stop is closed, and
// runs the 30 s performance/health streams in parallel (spec §4.10).
func (g *Gateway) Serve(bus *events.EventBus, tenantsFn func() []model.TenantID, stop <-chan struct{}) {
	ch := bus.Subscribe()
	go func() {
		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return
				}
				g.broadcast(ev)
			case <-stop:
				bus.Unsubscribe(ch)
				return
			}
		}
	}()

	go g.runPeriodicStreams(tenantsFn, stop)
}

func (g *Gateway) runPeriodicStreams(tenantsFn func() []model.TenantID, stop <-chan struct{}) {
	ticker := time.NewTicker(g.cfg.PerformanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			g.broadcastPerformanceSnapshot()
			g.broadcastHealthCheck()
		}
	}
}

func (g *Gateway) broadcastPerformanceSnapshot() {
	g.mu.RLock()
	connected := len(g.clients)
	g.mu.RUnlock()
	g.broadcast(events.NewCloudEvent("system:performance_update", "gateway", "system", map[string]any{
		"connectedClients": connected,
		"timestamp":        time.Now().UTC(),
	}))
}

func (g *Gateway) broadcastHealthCheck() {
	statuses := map[string]string{}
	if g.health != nil {
		statuses = g.health.Check()
	}
	overall := "healthy"
	for _, s := range statuses {
		if s == "critical" {
			overall = "critical"
			break
		}
		if s == "degraded" && overall == "healthy" {
			overall = "degraded"
		}
	}
	g.broadcast(events.NewCloudEvent("system:health_check", "gateway", "system", map[string]any{
		"services": statuses,
		"overall":  overall,
	}))
}

// validEventTypes is the schema the broadcast discipline checks against
// (spec §4.10): anything outside this set is dropped and reported via a
// system:notification instead of being relayed to clients.
var validEventTypes = map[string]bool{
	"correlation:started": true, "correlation:progress": true, "correlation:completed": true, "correlation:error": true,
	"chain:detected": true, "chain:high_risk_alert": true,
	"risk:assessment_update": true, "risk:threshold_exceeded": true,
	"executive:report_ready": true, "executive:metrics_update": true,
	"system:performance_update": true, "system:health_check": true, "system:notification": true,
	"discovery:started": true, "discovery:completed": true, "discovery:error": true,
	"automation:discovered": true, "automation:updated": true,
	"connection:status_changed": true,
}

// broadcast validates ev's schema, then relays it to every connected client
// whose subscription flags and tenant scope match.
func (g *Gateway) broadcast(ev *events.CloudEvent) {
	if !validEventTypes[ev.Type] {
		slog.Warn("gateway: dropping event with unrecognized type", "type", ev.Type)
		g.broadcast(events.NewCloudEvent("system:notification", "gateway", "schema", map[string]any{
			"level": "error", "reason": "unrecognized event type: " + ev.Type,
		}))
		return
	}

	tenantID, subject := splitTenantSubject(ev.Subject)
	payload, err := json.Marshal(map[string]any{
		"type": ev.Type, "subject": subject, "time": ev.Time, "data": ev.Data,
	})
	if err != nil {
		slog.Warn("gateway: failed to marshal event for broadcast", "type", ev.Type, "error", err)
		return
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	for c := range g.clients {
		if !matchesSubscription(c.subs, ev.Type) {
			continue
		}
		if tenantID != "" && c.tenantID != model.TenantID(tenantID) {
			continue
		}
		if !matchesRiskFilter(c.riskFilter, ev.Data) {
			continue
		}
		select {
		case c.send <- payload:
		default:
			slog.Warn("gateway: client send buffer full, dropping message", "userId", c.userID, "type", ev.Type)
		}
	}
}

// matchesRiskFilter reports whether a subscriber's per-level opt-out list
// admits this event. An empty/nil filter admits everything; a riskLevel
// entry with an explicit false value is the only thing that excludes an
// event carrying that level.
func matchesRiskFilter(filter map[model.RiskLevel]bool, data map[string]interface{}) bool {
	if len(filter) == 0 {
		return true
	}
	raw, ok := data["riskLevel"]
	if !ok {
		return true
	}
	level, ok := raw.(model.RiskLevel)
	if !ok {
		if s, ok := raw.(string); ok {
			level = model.RiskLevel(s)
		} else {
			return true
		}
	}
	allowed, specified := filter[level]
	return !specified || allowed
}

// splitTenantSubject undoes the "tenantId:subject" convention Correlation
// Engine and Discovery Orchestrator events use for their Subject field, so
// broadcast can scope delivery by org without a dedicated TenantID field on
// every CloudEvent producer.
func splitTenantSubject(subject string) (tenantID, rest string) {
	idx := strings.Index(subject, ":")
	if idx < 0 {
		return "", subject
	}
	return subject[:idx], subject[idx+1:]
}

func matchesSubscription(subs model.SubscriptionFlags, eventType string) bool {
	category := eventType
	if idx := strings.Index(eventType, ":"); idx >= 0 {
		category = eventType[:idx]
	}
	switch category {
	case "correlation", "discovery":
		return subs.AnalysisProgress
	case "chain", "automation", "connection":
		return subs.ChainDetection
	case "risk":
		return subs.RiskAlerts
	case "executive":
		return subs.ExecutiveUpdates
	case "system":
		return subs.PerformanceMetrics || eventType == "system:notification"
	default:
		return false
	}
}

// ConnectedClients returns the number of currently connected, authenticated
// clients, for admin-surface observability.
func (g *Gateway) ConnectedClients() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.clients)
}
