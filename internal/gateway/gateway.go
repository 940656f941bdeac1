// Package gateway implements the WebSocket upgrade path, per-socket message
// loop, auth/ping/roles/warp-status protocol handlers, and the broadcast
// fan-out (spec §4.4), adapted from the teacher's root-package main.go
// reader/writer-goroutine idiom and generalized from the vehicle-intent
// protocol to the presence protocol.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/presencegw/gateway/internal/auth"
	"github.com/presencegw/gateway/internal/metrics"
	"github.com/presencegw/gateway/internal/presence"
	"github.com/presencegw/gateway/internal/registry"
	"github.com/presencegw/gateway/internal/schema"
)

// Config carries the tunables the gateway needs out of the process
// configuration (spec §6).
type Config struct {
	WSPath string
}

// Gateway owns the connection lifecycle state machine described in spec
// §4.4: WebSocket upgrade, per-socket message dispatch, and broadcast.
type Gateway struct {
	cfg      Config
	registry *registry.Registry
	presence presence.Client
	log      zerolog.Logger
	metrics  *metrics.Registry
	budget   *SendBudget
	preAuth  *auth.TokenVerifier

	upgrader websocket.Upgrader
	now      func() time.Time
	connSeq  uint64
}

// New constructs a Gateway. preAuth may be nil, in which case the optional
// pre-upgrade JWT gate (spec §2 item 14) is skipped entirely.
func New(cfg Config, reg *registry.Registry, presenceClient presence.Client, logger zerolog.Logger, metricsReg *metrics.Registry, preAuth *auth.TokenVerifier) *Gateway {
	return &Gateway{
		cfg:      cfg,
		registry: reg,
		presence: presenceClient,
		log:      logger,
		metrics:  metricsReg,
		budget:   NewSendBudget(0, nil),
		preAuth:  preAuth,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		now: time.Now,
	}
}

func (g *Gateway) nowMs() int64 { return g.now().UnixMilli() }

// Matches reports whether a request's path and headers mark it as a
// WebSocket upgrade attempt for this gateway's configured path.
func (g *Gateway) Matches(req *http.Request) bool {
	if req.URL.Path != g.cfg.WSPath {
		return false
	}
	return strings.Contains(strings.ToLower(req.Header.Get("Connection")), "upgrade")
}

// HandleUpgrade implements spec §4.4's upgrade routine as a gin handler.
func (g *Gateway) HandleUpgrade(c *gin.Context) {
	req := c.Request

	if proto := req.Header.Get("x-forwarded-proto"); proto != "" && !strings.EqualFold(proto, "https") {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "Insecure connection"})
		return
	}
	if !strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
		c.Status(http.StatusUpgradeRequired)
		return
	}
	if g.preAuth != nil {
		if !g.verifyPreAuth(req) {
			c.JSON(http.StatusUnauthorized, gin.H{"success": false, "message": "Unauthorized"})
			return
		}
	}

	ip := ResolveClientIP(req)
	ws, err := g.upgrader.Upgrade(c.Writer, req, nil)
	if err != nil {
		g.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	connID := strconv.FormatUint(atomic.AddUint64(&g.connSeq, 1), 10)
	conn := NewConn(connID, ws)
	if g.metrics != nil {
		g.metrics.ConnectionsActive.Inc()
	}
	go g.readLoop(conn, ip)
}

func (g *Gateway) verifyPreAuth(req *http.Request) bool {
	raw := req.Header.Get("Authorization")
	token := strings.TrimPrefix(raw, "Bearer ")
	if token == raw {
		token = req.URL.Query().Get("token")
	}
	if token == "" {
		return false
	}
	_, err := g.preAuth.Verify(token)
	return err == nil
}

// ResolveClientIP resolves the client IP from headers in priority order
// (spec §4.4): cf-connecting-ip, x-real-ip, x-forwarded-for[0]; else nil.
// Exported for reuse by the admin HTTP surface's rate limiter key.
func ResolveClientIP(req *http.Request) *string {
	if v := strings.TrimSpace(req.Header.Get("cf-connecting-ip")); v != "" {
		return &v
	}
	if v := strings.TrimSpace(req.Header.Get("x-real-ip")); v != "" {
		return &v
	}
	if fwd := req.Header.Get("x-forwarded-for"); fwd != "" {
		first := strings.TrimSpace(strings.Split(fwd, ",")[0])
		if first != "" {
			return &first
		}
	}
	return nil
}

func (g *Gateway) readLoop(conn *Conn, ip *string) {
	defer g.handleClose(conn)
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		g.dispatch(conn, ip, data)
	}
}

// socketID resolves the log/budget key for any registry.Socket; *Conn
// carries a stable connection id; implementations without an ID method all
// map to the shared key "unidentified".
func socketID(s registry.Socket) string {
	if idc, ok := s.(interface{ ID() string }); ok {
		return idc.ID()
	}
	return "unidentified"
}

func (g *Gateway) dispatch(socket registry.Socket, ip *string, raw []byte) {
	env, err := schema.DecodeEnvelope(raw)
	if err != nil {
		g.sendInvalidPayload(socket, err)
		return
	}

	switch env.Type {
	case schema.TypeAuth:
		g.handleAuth(socket, ip, raw)
	case schema.TypePing:
		g.handlePing(socket)
	case schema.TypeRolesUpdate:
		g.handleRolesUpdate(socket, raw)
	case schema.TypeWarpStatus:
		g.handleWarpStatus(socket, raw)
	default:
		g.log.Info().Str("type", env.Type).Str("conn", socketID(socket)).Msg("ignoring unknown message type")
		return
	}

	g.touch(socket)
}

// touch implements spec §4.4's "after successful dispatch of any frame while
// AUTHED, set last_seen=now and is_alive=true".
func (g *Gateway) touch(socket registry.Socket) {
	now := g.nowMs()
	g.registry.Update(socket, func(state *registry.ConnectionState) {
		state.LastSeenMs = now
		state.IsAlive = true
	})
}

func (g *Gateway) sendInvalidPayload(socket registry.Socket, err error) {
	frame := schema.NewErrorFrame(schema.ErrCodeInvalidPayload, "Invalid message payload", schema.Issues(err))
	g.safeSend(socket, frame)
}

// safeSend marshals and sends payload only if the socket is open (spec
// §4.4's safe-send helper); failures are logged, never propagated.
func (g *Gateway) safeSend(socket registry.Socket, payload any) {
	if socket == nil || !socket.IsOpen() {
		return
	}
	data, err := marshalJSON(payload)
	if err != nil {
		g.log.Warn().Err(err).Str("conn", socketID(socket)).Msg("failed to serialize frame")
		return
	}
	if g.budget != nil && !g.budget.Allow(socketID(socket), len(data)) {
		g.log.Warn().Str("conn", socketID(socket)).Msg("dropping send: backpressure budget exceeded")
		return
	}
	if err := socket.Send(data); err != nil {
		g.log.Warn().Err(err).Str("conn", socketID(socket)).Msg("failed to enqueue frame")
	}
}

// Broadcast serializes payload once and fans it out to every open socket in
// the registry (spec §4.4's broadcast helper).
func (g *Gateway) Broadcast(payload any) {
	data, err := marshalJSON(payload)
	if err != nil {
		g.log.Warn().Err(err).Msg("failed to serialize broadcast payload")
		return
	}
	entries := g.registry.Snapshot()
	for _, entry := range entries {
		if !entry.Socket.IsOpen() {
			continue
		}
		budgetKey := socketID(entry.Socket)
		if g.budget != nil && !g.budget.Allow(budgetKey, len(data)) {
			continue
		}
		if err := entry.Socket.Send(data); err != nil {
			g.log.Warn().Err(err).Str("uuid", entry.State.UUID).Msg("broadcast send failed")
		}
	}
	if g.metrics != nil {
		g.metrics.BroadcastsTotal.Inc()
	}
}

// BroadcastRaw fans out an admin-supplied payload verbatim (spec §4.8
// POST /v1/broadcast).
func (g *Gateway) BroadcastRaw(payload map[string]any) {
	g.Broadcast(payload)
}

// handleClose implements spec §4.4's close handler: idempotent removal,
// mark_offline, and a user.leave broadcast.
func (g *Gateway) handleClose(conn *Conn) {
	_ = conn.Close(0, "")
	if g.metrics != nil {
		g.metrics.ConnectionsActive.Dec()
	}
	if g.budget != nil {
		g.budget.Forget(socketID(conn))
	}
	state, existed := g.registry.Remove(conn)
	if !existed {
		return
	}
	g.markOfflineLogged(state.UUID)
	g.Broadcast(schema.UserLeave{Type: schema.TypeUserLeave, UUID: state.UUID})
}

// Evict implements the shared eviction helper used by the heartbeat loop
// (§4.5) and the verification loop (§4.6): remove from the registry, mark
// offline, broadcast user.leave, and attempt to close the socket with the
// given code/reason. The close handler performs the same removal, mark
// offline, and user.leave steps itself rather than calling Evict.
func (g *Gateway) Evict(socket registry.Socket, code int, reason string) {
	state, existed := g.registry.Remove(socket)
	if existed {
		g.markOfflineLogged(state.UUID)
		g.Broadcast(schema.UserLeave{Type: schema.TypeUserLeave, UUID: state.UUID})
	}
	if g.budget != nil {
		g.budget.Forget(socketID(socket))
	}
	if err := socket.Close(code, reason); err != nil {
		g.log.Warn().Err(err).Str("uuid", state.UUID).Str("reason", reason).Msg("failed to close evicted socket")
	}
}

func (g *Gateway) markOfflineLogged(uuidStr string) {
	if uuidStr == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.presence.MarkOffline(ctx, uuidStr); err != nil {
		g.log.Warn().Err(err).Str("uuid", uuidStr).Str("op", "mark_offline").Msg("presence store call failed")
		if g.metrics != nil {
			g.metrics.PresenceErrors.WithLabelValues("mark_offline").Inc()
		}
	}
}

// SafeSend exposes safeSend to collaborators (the verification loop's
// server.verify frame, spec §4.6) that need to address a specific socket.
func (g *Gateway) SafeSend(socket registry.Socket, payload any) {
	g.safeSend(socket, payload)
}

// Registry exposes the underlying registry to collaborators (heartbeat,
// verify, admin HTTP) that must iterate or query it directly.
func (g *Gateway) Registry() *registry.Registry { return g.registry }

// Presence exposes the underlying presence client to collaborators.
func (g *Gateway) Presence() presence.Client { return g.presence }

func newIdentity() string {
	return uuid.NewString()
}

func marshalJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}
