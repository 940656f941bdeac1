// Package verify implements the presence-store reconciliation loop (spec
// §4.6): periodically cross-check every AUTHED socket against the durable
// presence store and evict sockets whose local state has drifted, adapted
// from the teacher's StateSnapshotter ticker idiom (go-broker/state.go).
package verify

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/presencegw/gateway/internal/metrics"
	"github.com/presencegw/gateway/internal/presence"
	"github.com/presencegw/gateway/internal/registry"
	"github.com/presencegw/gateway/internal/schema"
)

const minIntervalMs = 60000
const minFetchLimit = 100
const fetchTimeout = 10 * time.Second

// gatewayHandle is the subset of *gateway.Gateway the reconciliation loop
// needs.
type gatewayHandle interface {
	Registry() *registry.Registry
	Presence() presence.Client
	Evict(socket registry.Socket, code int, reason string)
	SafeSend(socket registry.Socket, payload any)
}

// Reconciler runs the verification loop described in spec §4.6.
type Reconciler struct {
	gw         gatewayHandle
	intervalMs int64
	disabled   bool

	log     zerolog.Logger
	metrics *metrics.Registry
	now     func() time.Time

	running int32
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Option customises a Reconciler at construction time.
type Option func(*Reconciler)

// WithClock overrides the time source; used in tests.
func WithClock(clock func() time.Time) Option {
	return func(r *Reconciler) {
		if clock != nil {
			r.now = clock
		}
	}
}

// New constructs a Reconciler. configuredIntervalMs <= 0 disables the loop
// entirely (spec §4.6); otherwise the effective period is
// max(60000, configuredIntervalMs).
func New(gw gatewayHandle, configuredIntervalMs int64, logger zerolog.Logger, metricsReg *metrics.Registry, opts ...Option) *Reconciler {
	r := &Reconciler{
		gw:       gw,
		disabled: configuredIntervalMs <= 0,
		log:      logger,
		metrics:  metricsReg,
		now:      time.Now,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	interval := configuredIntervalMs
	if interval < minIntervalMs {
		interval = minIntervalMs
	}
	r.intervalMs = interval
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Interval returns the resolved reconciliation period.
func (r *Reconciler) Interval() time.Duration {
	return time.Duration(r.intervalMs) * time.Millisecond
}

// Start launches the reconciliation loop in its own goroutine. A disabled
// Reconciler (configured interval <= 0) is a no-op.
func (r *Reconciler) Start() {
	if r.disabled {
		return
	}
	go r.loop()
}

// Stop signals the loop to exit and blocks until it has drained. Safe to
// call on a disabled Reconciler.
func (r *Reconciler) Stop() {
	if r.disabled {
		return
	}
	close(r.stopCh)
	<-r.doneCh
}

func (r *Reconciler) loop() {
	ticker := time.NewTicker(r.Interval())
	defer ticker.Stop()
	defer close(r.doneCh)
	for {
		select {
		case <-ticker.C:
			r.reconcile()
		case <-r.stopCh:
			return
		}
	}
}

// reconcile implements one verification tick (spec §4.6).
func (r *Reconciler) reconcile() {
	if !atomic.CompareAndSwapInt32(&r.running, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&r.running, 0)

	entries := r.gw.Registry().Snapshot()
	limit := len(entries)
	if limit < minFetchLimit {
		limit = minFetchLimit
	}

	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	onlineUsers, err := r.gw.Presence().FetchOnlineUsers(ctx, limit)
	cancel()
	if err != nil {
		r.log.Warn().Err(err).Msg("verification loop: presence store fetch failed, skipping tick")
		if r.metrics != nil {
			r.metrics.PresenceErrors.WithLabelValues("verify_fetch_online_users").Inc()
		}
		return
	}

	byUUID := make(map[string]presence.Record, len(onlineUsers))
	for _, rec := range onlineUsers {
		byUUID[rec.UUID] = rec
	}

	for _, entry := range entries {
		socket := entry.Socket
		state := entry.State

		if !socket.IsOpen() {
			r.evict(socket, 4401, "verification_socket_not_open")
			continue
		}
		rec, online := byUUID[state.UUID]
		if state.UUID == "" || !online || !rec.Online {
			r.evict(socket, 4403, "verification_d1_offline")
			continue
		}
		if rec.Name != state.Name || rec.AccountType != state.AccountType {
			r.evict(socket, 4403, "verification_identity_mismatch")
			continue
		}
		r.gw.SafeSend(socket, schema.ServerVerify{Type: schema.TypeServerVerify, UUID: state.UUID, LastSeen: state.LastSeenMs})
	}
}

func (r *Reconciler) evict(socket registry.Socket, code int, reason string) {
	if r.metrics != nil {
		r.metrics.VerifyEvictions.WithLabelValues(reason).Inc()
	}
	r.log.Info().Str("reason", reason).Int("code", code).Msg("verification loop evicting socket")
	r.gw.Evict(socket, code, reason)
}
