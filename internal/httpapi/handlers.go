// Package httpapi implements the gateway's admin HTTP surface (spec §4.8):
// CORS, the shared-secret admin gate, health, connected-users listing, and
// broadcast injection, plus the ambient liveness/readiness/metrics
// endpoints. Routing and CORS are built on gin + gin-contrib/cors, the same
// stack mx-core-go's internal/app wires for its own admin surface.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/presencegw/gateway/internal/gateway"
	"github.com/presencegw/gateway/internal/logging"
	"github.com/presencegw/gateway/internal/metrics"
	"github.com/presencegw/gateway/internal/presence"
	"github.com/presencegw/gateway/internal/ratelimit"
	"github.com/presencegw/gateway/internal/registry"
)

// GatewayHandle is the subset of *gateway.Gateway the admin surface needs.
type GatewayHandle interface {
	Registry() *registry.Registry
	Presence() presence.Client
	BroadcastRaw(payload map[string]any)
}

// Dependencies wires the admin surface to the rest of the process.
type Dependencies struct {
	Gateway    GatewayHandle
	AdminKey   string
	Env        string
	CommitHash string
	Limiter    *ratelimit.Limiter
	Metrics    *metrics.Registry
	Registerer prometheus.Gatherer
	Now        func() time.Time
	Logger     zerolog.Logger
}

// Handlers bundles the admin HTTP surface's state: the cached health record
// and its read-through-once guard (spec §4.8's "cached after first read").
type Handlers struct {
	deps Dependencies
	now  func() time.Time

	healthOnce sync.Once
	healthRec  healthRecord
}

type healthRecord struct {
	StartedAtMs int64  `json:"started_at_ms"`
	CommitHash  string `json:"commit_hash"`
}

func healthRecordKey(env string) string { return "health:" + env }

// NewHandlers constructs the admin HTTP surface.
func NewHandlers(deps Dependencies) *Handlers {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Handlers{deps: deps, now: now}
}

// Register attaches every route described by spec §4.8 plus the ambient
// liveness/readiness/metrics endpoints to router.
func (h *Handlers) Register(router *gin.Engine) {
	router.Use(logging.HTTPTraceMiddleware(h.deps.Logger))
	router.Use(cors.New(cors.Config{
		AllowOriginFunc:  func(origin string) bool { return true },
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"content-type", "x-admin-key", "x-forwarded-for", "x-forwarded-proto"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/v1/health", h.handleHealth)

	admin := router.Group("/v1")
	admin.Use(h.requireAdminKey, h.rateLimited)
	admin.GET("/connected-users", h.handleConnectedUsers)
	admin.POST("/broadcast", h.handleBroadcast)
	admin.GET("/warp-status/:uuid", h.handleWarpStatus)

	router.GET("/livez", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/readyz", func(c *gin.Context) { c.Status(http.StatusOK) })
	if h.deps.Registerer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.deps.Registerer, promhttp.HandlerOpts{})))
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "Not found"})
	})
}

// requireAdminKey implements spec §4.8's x-admin-key gate with a
// constant-time comparison.
func (h *Handlers) requireAdminKey(c *gin.Context) {
	provided := c.GetHeader("x-admin-key")
	if subtle.ConstantTimeCompare([]byte(provided), []byte(h.deps.AdminKey)) != 1 {
		if h.deps.Metrics != nil {
			h.deps.Metrics.AdminUnauthorized.Inc()
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "message": "Unauthorized"})
		return
	}
	c.Next()
}

// rateLimited implements spec §4.7's per-IP fixed window for the admin
// surface (never the WS upgrade, never /v1/health).
func (h *Handlers) rateLimited(c *gin.Context) {
	key := "unknown"
	if ip := gateway.ResolveClientIP(c.Request); ip != nil {
		key = *ip
	}
	if !h.deps.Limiter.Allow(key) {
		if h.deps.Metrics != nil {
			h.deps.Metrics.RateLimitRejected.Inc()
		}
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"success": false, "message": "Too many requests"})
		return
	}
	c.Next()
}

// handleHealth implements spec §4.8's GET /v1/health.
func (h *Handlers) handleHealth(c *gin.Context) {
	rec := h.resolveHealthRecord(c.Request.Context())
	nowMs := h.now().UnixMilli()

	body := gin.H{
		"ok":          true,
		"env":         h.deps.Env,
		"version":     rec.CommitHash,
		"startedAt":   rec.StartedAtMs,
		"uptimeMs":    nowMs - rec.StartedAtMs,
		"timestamp":   nowMs,
		"connections": h.deps.Gateway.Registry().Len(),
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	if count, err := h.deps.Gateway.Presence().CountOnlineUsers(ctx); err == nil {
		body["onlineUsers"] = count
		body["uniqueUsers"] = count
	} else {
		body["uniqueUsers"] = h.deps.Gateway.Registry().Len()
	}

	c.JSON(http.StatusOK, body)
}

// resolveHealthRecord reads the persisted health record through exactly
// once, caching the result for the process lifetime (spec §4.8). If no
// record exists yet it stamps one in, first-writer-wins.
func (h *Handlers) resolveHealthRecord(ctx context.Context) healthRecord {
	h.healthOnce.Do(func() {
		fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		raw, err := h.deps.Gateway.Presence().GetSideChannel(fetchCtx, healthRecordKey(h.deps.Env))
		if err == nil && len(raw) > 0 {
			var rec healthRecord
			if json.Unmarshal(raw, &rec) == nil && rec.StartedAtMs > 0 {
				h.healthRec = rec
				return
			}
		}
		rec := healthRecord{StartedAtMs: h.now().UnixMilli(), CommitHash: h.deps.CommitHash}
		h.healthRec = rec
		if payload, err := json.Marshal(rec); err == nil {
			writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = h.deps.Gateway.Presence().PutSideChannel(writeCtx, healthRecordKey(h.deps.Env), payload)
		}
	})
	return h.healthRec
}

// connectedUser is the wire shape spec §4.8 requires for each entry in
// GET /v1/connected-users.
type connectedUser struct {
	UUID        string   `json:"uuid"`
	Name        string   `json:"name"`
	AccountType string   `json:"accountType"`
	LastSeen    int64    `json:"lastSeen"`
	ConnectedAt int64    `json:"connectedAt"`
	Roles       []string `json:"roles"`
}

// handleConnectedUsers implements spec §4.8's GET /v1/connected-users.
func (h *Handlers) handleConnectedUsers(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	records, err := h.deps.Gateway.Presence().FetchOnlineUsers(ctx, 500)
	if err == nil {
		users := make([]connectedUser, 0, len(records))
		for _, rec := range records {
			users = append(users, connectedUser{
				UUID:        rec.UUID,
				Name:        rec.Name,
				AccountType: rec.AccountType,
				LastSeen:    msOrZero(rec.LastSeenMs),
				Roles:       rec.Roles,
			})
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "users": users, "connections": h.deps.Gateway.Registry().Len()})
		return
	}

	if h.deps.Metrics != nil {
		h.deps.Metrics.PresenceErrors.WithLabelValues("fetch_online_users_admin").Inc()
	}
	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"users":       h.registrySnapshotProjection(),
		"connections": h.deps.Gateway.Registry().Len(),
	})
}

// registrySnapshotProjection implements spec §4.8's in-memory fallback:
// group by uuid, keep the entry with the highest last_seen.
func (h *Handlers) registrySnapshotProjection() []connectedUser {
	byUUID := make(map[string]registry.ConnectionState)
	for _, entry := range h.deps.Gateway.Registry().Snapshot() {
		state := entry.State
		if existing, ok := byUUID[state.UUID]; !ok || state.LastSeenMs > existing.LastSeenMs {
			byUUID[state.UUID] = state
		}
	}
	users := make([]connectedUser, 0, len(byUUID))
	for _, state := range byUUID {
		users = append(users, connectedUser{
			UUID:        state.UUID,
			Name:        state.Name,
			AccountType: state.AccountType,
			LastSeen:    state.LastSeenMs,
			ConnectedAt: state.ConnectedAtMs,
			Roles:       state.Roles,
		})
	}
	sort.Slice(users, func(i, j int) bool { return users[i].LastSeen > users[j].LastSeen })
	return users
}

// broadcastRequest is the POST /v1/broadcast body shape (spec §4.8, S6).
type broadcastRequest struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

// handleBroadcast implements spec §4.8's POST /v1/broadcast.
func (h *Handlers) handleBroadcast(c *gin.Context) {
	var req broadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Type == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "Invalid broadcast request"})
		return
	}

	out := make(map[string]any, len(req.Payload)+1)
	for k, v := range req.Payload {
		out[k] = v
	}
	out["type"] = req.Type
	h.deps.Gateway.BroadcastRaw(out)

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// handleWarpStatus implements spec §4.8's admin diagnostics read-back of a
// peer's last warp.status telemetry, decompressing what the gateway's
// warp.status handler wrote via compressSideChannel.
func (h *Handlers) handleWarpStatus(c *gin.Context) {
	uuid := c.Param("uuid")
	log := logging.FromContext(c.Request.Context())
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	raw, err := h.deps.Gateway.Presence().GetSideChannel(ctx, "warp:status:"+uuid)
	if err != nil {
		log.Warn().Err(err).Str("uuid", uuid).Str("op", "warp_status_admin_read").Msg("presence store call failed")
		if h.deps.Metrics != nil {
			h.deps.Metrics.PresenceErrors.WithLabelValues("warp_status_admin_read").Inc()
		}
		c.JSON(http.StatusOK, gin.H{"success": false, "message": "Side channel unavailable"})
		return
	}
	if len(raw) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "No warp.status telemetry recorded"})
		return
	}

	data, err := gateway.DecompressSideChannel(raw)
	if err != nil {
		log.Warn().Err(err).Str("uuid", uuid).Msg("failed to decompress warp.status side channel")
		c.JSON(http.StatusOK, gin.H{"success": false, "message": "Corrupt side channel payload"})
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		log.Warn().Err(err).Str("uuid", uuid).Msg("failed to parse warp.status side channel")
		c.JSON(http.StatusOK, gin.H{"success": false, "message": "Corrupt side channel payload"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "uuid": uuid, "warpStatus": payload})
}

func msOrZero(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}
