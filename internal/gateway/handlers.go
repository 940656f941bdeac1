package gateway

import (
	"context"
	"time"

	"github.com/presencegw/gateway/internal/presence"
	"github.com/presencegw/gateway/internal/registry"
	"github.com/presencegw/gateway/internal/schema"
)

// handleAuth implements spec §4.4.1.
func (g *Gateway) handleAuth(socket registry.Socket, ip *string, raw []byte) {
	payload, err := schema.DecodeAuth(raw)
	if err != nil {
		g.sendInvalidPayload(socket, err)
		return
	}

	uuidStr := payload.UUID
	if uuidStr == "" {
		uuidStr = newIdentity()
	}
	name := schema.ResolveName(payload.Name)
	accountType := schema.NormalizeAccountType(payload.AccountType)
	hintRoles := schema.NormalizeRoles(payload.Roles)

	if previous, ok := g.registry.Get(socket); ok && previous.UUID != uuidStr && previous.UUID != "" {
		//1.- Tear down the prior identity on this socket before adopting the new one.
		g.markOfflineLogged(previous.UUID)
		g.Broadcast(schema.UserLeave{Type: schema.TypeUserLeave, UUID: previous.UUID})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	storeRoles, err := g.presence.FetchRoles(ctx, uuidStr)
	cancel()
	if err != nil {
		g.log.Warn().Err(err).Str("uuid", uuidStr).Str("op", "fetch_roles").Msg("presence store call failed")
		if g.metrics != nil {
			g.metrics.PresenceErrors.WithLabelValues("fetch_roles").Inc()
		}
	}
	effective := schema.EffectiveRoles(storeRoles, hintRoles)

	nowMs := g.nowMs()
	g.registry.Insert(socket, registry.ConnectionState{
		UUID:              uuidStr,
		Name:              name,
		AccountType:       accountType,
		Roles:             effective,
		ConnectedAtMs:     nowMs,
		LastSeenMs:        nowMs,
		LastKeepaliveAtMs: nowMs,
		IsAlive:           true,
		IP:                ip,
	})

	var rolesToPersist []string
	if len(storeRoles) == 0 {
		rolesToPersist = effective
	}
	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	err = g.presence.MarkOnline(ctx, presence.MarkOnlineInput{
		UUID:        uuidStr,
		Name:        name,
		AccountType: accountType,
		Roles:       effective,
		IP:          ip,
	}, rolesToPersist)
	cancel()
	if err != nil {
		g.log.Warn().Err(err).Str("uuid", uuidStr).Str("op", "mark_online").Msg("presence store call failed")
		if g.metrics != nil {
			g.metrics.PresenceErrors.WithLabelValues("mark_online").Inc()
		}
	}
	if g.metrics != nil {
		g.metrics.AuthTotal.Inc()
	}

	g.safeSend(socket, schema.AuthOk{Type: schema.TypeAuthOk, UUID: uuidStr, Roles: effective})
	//2.- Broadcast to every open socket, including the one that just authenticated (spec §4.4.1).
	g.Broadcast(schema.UserJoin{Type: schema.TypeUserJoin, UUID: uuidStr, Name: name, AccountType: accountType})
}

// handlePing implements spec §4.4's "ping" dispatch.
func (g *Gateway) handlePing(socket registry.Socket) {
	state, ok := g.registry.Get(socket)
	if !ok {
		return
	}
	nowMs := g.nowMs()
	g.registry.Update(socket, func(s *registry.ConnectionState) {
		s.LastSeenMs = nowMs
		s.IsAlive = true
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.presence.UpdateLastSeen(ctx, state.UUID); err != nil {
		g.log.Warn().Err(err).Str("uuid", state.UUID).Str("op", "update_last_seen").Msg("presence store call failed")
		if g.metrics != nil {
			g.metrics.PresenceErrors.WithLabelValues("update_last_seen").Inc()
		}
	}
	g.safeSend(socket, schema.Pong{Type: schema.TypePong})
}

// handleRolesUpdate implements spec §4.4's "roles.update" dispatch.
func (g *Gateway) handleRolesUpdate(socket registry.Socket, raw []byte) {
	payload, err := schema.DecodeRolesUpdate(raw)
	if err != nil {
		g.sendInvalidPayload(socket, err)
		return
	}
	normalized := schema.NormalizeRoles(payload.Roles)
	if len(normalized) == 0 {
		return
	}
	state, ok := g.registry.Get(socket)
	if !ok {
		return
	}
	g.registry.Update(socket, func(s *registry.ConnectionState) { s.Roles = normalized })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = g.presence.UpdateRoles(ctx, state.UUID, normalized)
	cancel()
	if err != nil {
		g.log.Warn().Err(err).Str("uuid", state.UUID).Str("op", "update_roles").Msg("presence store call failed")
		if g.metrics != nil {
			g.metrics.PresenceErrors.WithLabelValues("update_roles").Inc()
		}
	}
	g.Broadcast(schema.UserRoles{Type: schema.TypeUserRoles, UUID: state.UUID, Roles: normalized})
}

// handleWarpStatus implements spec §4.4's optional "warp.status" telemetry
// side channel; failures are logged, never surfaced (spec §9).
func (g *Gateway) handleWarpStatus(socket registry.Socket, raw []byte) {
	payload, err := schema.DecodeWarpStatus(raw)
	if err != nil {
		g.sendInvalidPayload(socket, err)
		return
	}
	state, ok := g.registry.Get(socket)
	if !ok {
		return
	}

	envelope := map[string]any{
		"enabled":          payload.Enabled,
		"status":           payload.Status,
		"warpMode":         payload.WarpMode,
		"resolver":         payload.Resolver,
		"warpLatency":      payload.WarpLatency,
		"sessionStartedAt": payload.SessionStartedAt,
		"lookupMs":         payload.LookupMs,
		"timestamp":        payload.Timestamp,
		"cacheHit":         payload.CacheHit,
		"error":            payload.Error,
		"serverTimestamp":  g.nowMs(),
	}
	data, err := marshalJSON(envelope)
	if err != nil {
		g.log.Warn().Err(err).Str("uuid", state.UUID).Msg("failed to serialize warp.status payload")
		return
	}
	compressed := compressSideChannel(data)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.presence.PutSideChannel(ctx, "warp:status:"+state.UUID, compressed); err != nil {
		g.log.Warn().Err(err).Str("uuid", state.UUID).Str("op", "warp_status").Msg("presence store call failed")
		if g.metrics != nil {
			g.metrics.PresenceErrors.WithLabelValues("warp_status").Inc()
		}
	}
}
