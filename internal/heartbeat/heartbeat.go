// Package heartbeat implements the periodic sweep that enforces liveness on
// every AUTHED socket (spec §4.5), adapted from the teacher's
// StateSnapshotter ticker/stop/done loop (go-broker/state.go), generalized
// from periodic disk flush to periodic connection liveness sweep.
package heartbeat

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/presencegw/gateway/internal/metrics"
	"github.com/presencegw/gateway/internal/registry"
	"github.com/presencegw/gateway/internal/schema"
)

const (
	minTickMs = 5000
	maxTickMs = 10000
	// keepaliveSlackMs is the safety margin subtracted from the tick interval
	// before a keepalive is due (spec §4.5).
	keepaliveSlackMs = 250
)

// gatewayHandle is the subset of *gateway.Gateway the sweep loop needs; kept
// as an interface so tests can exercise the loop without a real Gateway.
type gatewayHandle interface {
	Registry() *registry.Registry
	Evict(socket registry.Socket, code int, reason string)
}

// Sweeper runs the heartbeat loop described in spec §4.5.
type Sweeper struct {
	gw             gatewayHandle
	offlineAfterMs int64
	tickMs         int64

	log     zerolog.Logger
	metrics *metrics.Registry
	now     func() time.Time

	running int32
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Option customises a Sweeper at construction time.
type Option func(*Sweeper)

// WithClock overrides the time source; used in tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Sweeper) {
		if clock != nil {
			s.now = clock
		}
	}
}

// New constructs a Sweeper. hbIntervalMs is clamped into [5000, 10000] per
// spec §4.5's tick_every formula; offlineAfterMs is the inactivity threshold
// (spec §6).
func New(gw gatewayHandle, hbIntervalMs, offlineAfterMs int64, logger zerolog.Logger, metricsReg *metrics.Registry, opts ...Option) *Sweeper {
	tick := hbIntervalMs
	if tick < minTickMs {
		tick = minTickMs
	}
	if tick > maxTickMs {
		tick = maxTickMs
	}
	s := &Sweeper{
		gw:             gw,
		offlineAfterMs: offlineAfterMs,
		tickMs:         tick,
		log:            logger,
		metrics:        metricsReg,
		now:            time.Now,
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// TickInterval returns the resolved tick_every duration.
func (s *Sweeper) TickInterval() time.Duration {
	return time.Duration(s.tickMs) * time.Millisecond
}

// Start launches the sweep loop in its own goroutine, mirroring the
// teacher's StateSnapshotter.loop() idiom: each ticker tick runs a sweep, and
// closing the stop channel ends the loop without a further sweep.
func (s *Sweeper) Start() {
	go s.loop()
}

// Stop signals the loop to exit and blocks until it has drained.
func (s *Sweeper) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Sweeper) loop() {
	ticker := time.NewTicker(s.TickInterval())
	defer ticker.Stop()
	defer close(s.doneCh)
	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Sweeper) nowMs() int64 { return s.now().UnixMilli() }

// sweep implements one heartbeat tick (spec §4.5). A re-entrancy guard
// (running flag) protects against a sweep that overruns the tick interval
// under load.
func (s *Sweeper) sweep() {
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&s.running, 0)

	now := s.nowMs()
	dueKeepaliveBefore := s.tickMs - keepaliveSlackMs

	for _, entry := range s.gw.Registry().Snapshot() {
		socket := entry.Socket
		state := entry.State

		if !socket.IsOpen() {
			s.evict(socket, 4001, "socket_not_open")
			continue
		}
		if s.offlineAfterMs > 0 && now-state.LastSeenMs > s.offlineAfterMs {
			s.evict(socket, 4400, "inactivity_timeout")
			continue
		}
		if now-state.LastKeepaliveAtMs < dueKeepaliveBefore {
			continue
		}
		if err := socket.Send(keepaliveFrame()); err != nil {
			s.evict(socket, 4401, "keepalive_failed")
			continue
		}
		s.gw.Registry().Update(socket, func(cs *registry.ConnectionState) {
			cs.LastKeepaliveAtMs = now
		})
	}
}

func (s *Sweeper) evict(socket registry.Socket, code int, reason string) {
	if s.metrics != nil {
		s.metrics.HeartbeatEvictions.WithLabelValues(reason).Inc()
	}
	s.log.Info().Str("reason", reason).Int("code", code).Msg("heartbeat evicting socket")
	s.gw.Evict(socket, code, reason)
}

func keepaliveFrame() []byte {
	data, _ := json.Marshal(schema.ServerKeepalive{Type: schema.TypeServerKeepalive})
	return data
}
