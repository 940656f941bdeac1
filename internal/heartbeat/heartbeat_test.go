package heartbeat

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/presencegw/gateway/internal/metrics"
	"github.com/presencegw/gateway/internal/registry"
	"github.com/presencegw/gateway/internal/schema"
)

type fakeSocket struct {
	id string

	mu       sync.Mutex
	open     bool
	sent     [][]byte
	failSend bool
}

func newFakeSocket(id string) *fakeSocket { return &fakeSocket{id: id, open: true} }

func (s *fakeSocket) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

func (s *fakeSocket) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSend {
		return errSend
	}
	s.sent = append(s.sent, payload)
	return nil
}

func (s *fakeSocket) Close(code int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = false
	return nil
}

func (s *fakeSocket) frameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type stubError struct{ msg string }

func (e stubError) Error() string { return e.msg }

var errSend = stubError{"send failed"}

// fakeGateway is a minimal gatewayHandle double that records evictions.
type fakeGateway struct {
	reg *registry.Registry

	mu        sync.Mutex
	evictions []string
}

func (g *fakeGateway) Registry() *registry.Registry { return g.reg }

func (g *fakeGateway) Evict(socket registry.Socket, code int, reason string) {
	g.mu.Lock()
	g.evictions = append(g.evictions, reason)
	g.mu.Unlock()
	g.reg.Remove(socket)
	_ = socket.Close(code, reason)
}

func (g *fakeGateway) evictionReasons() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.evictions))
	copy(out, g.evictions)
	return out
}

func newTestSweeper(gw *fakeGateway, offlineAfterMs int64, clock func() time.Time) *Sweeper {
	return New(gw, 5000, offlineAfterMs, zerolog.Nop(), nil, WithClock(clock))
}

func TestSweepEvictsClosedSocket(t *testing.T) {
	reg := registry.New()
	gw := &fakeGateway{reg: reg}
	socket := newFakeSocket("c1")
	socket.open = false
	reg.Insert(socket, registry.ConnectionState{UUID: "u1"})

	now := time.Unix(1000, 0)
	s := newTestSweeper(gw, 0, func() time.Time { return now })
	s.sweep()

	if reasons := gw.evictionReasons(); len(reasons) != 1 || reasons[0] != "socket_not_open" {
		t.Fatalf("expected socket_not_open eviction, got %v", reasons)
	}
}

func TestSweepEvictsInactiveSocket(t *testing.T) {
	reg := registry.New()
	gw := &fakeGateway{reg: reg}
	socket := newFakeSocket("c2")
	start := time.Unix(1000, 0)
	reg.Insert(socket, registry.ConnectionState{UUID: "u2", LastSeenMs: start.UnixMilli(), LastKeepaliveAtMs: start.UnixMilli()})

	later := start.Add(time.Hour)
	s := newTestSweeper(gw, 60000, func() time.Time { return later })
	s.sweep()

	if reasons := gw.evictionReasons(); len(reasons) != 1 || reasons[0] != "inactivity_timeout" {
		t.Fatalf("expected inactivity_timeout eviction, got %v", reasons)
	}
}

func TestSweepSendsKeepaliveWhenDue(t *testing.T) {
	reg := registry.New()
	gw := &fakeGateway{reg: reg}
	socket := newFakeSocket("c3")
	start := time.Unix(1000, 0)
	reg.Insert(socket, registry.ConnectionState{UUID: "u3", LastSeenMs: start.UnixMilli(), LastKeepaliveAtMs: start.UnixMilli()})

	later := start.Add(10 * time.Second)
	s := newTestSweeper(gw, 0, func() time.Time { return later })
	s.sweep()

	if socket.frameCount() != 1 {
		t.Fatalf("expected one keepalive frame, got %d", socket.frameCount())
	}
	var frame schema.ServerKeepalive
	_ = json.Unmarshal(socket.sent[0], &frame)
	if frame.Type != schema.TypeServerKeepalive {
		t.Fatalf("unexpected frame type %q", frame.Type)
	}
	state, _ := reg.Get(socket)
	if state.LastKeepaliveAtMs != later.UnixMilli() {
		t.Fatalf("expected last_keepalive_at updated")
	}
}

func TestSweepEvictsOnKeepaliveSendFailure(t *testing.T) {
	reg := registry.New()
	gw := &fakeGateway{reg: reg}
	socket := newFakeSocket("c4")
	socket.failSend = true
	start := time.Unix(1000, 0)
	reg.Insert(socket, registry.ConnectionState{UUID: "u4", LastSeenMs: start.UnixMilli(), LastKeepaliveAtMs: start.UnixMilli()})

	later := start.Add(10 * time.Second)
	s := newTestSweeper(gw, 0, func() time.Time { return later })
	s.sweep()

	if reasons := gw.evictionReasons(); len(reasons) != 1 || reasons[0] != "keepalive_failed" {
		t.Fatalf("expected keepalive_failed eviction, got %v", reasons)
	}
}

func TestNewClampsTickInterval(t *testing.T) {
	s := New(&fakeGateway{reg: registry.New()}, 1000, 0, zerolog.Nop(), nil)
	if s.TickInterval() != minTickMs*time.Millisecond {
		t.Fatalf("expected tick clamped to minimum, got %s", s.TickInterval())
	}
	metricsReg, _ := metrics.NewForTest()
	s2 := New(&fakeGateway{reg: registry.New()}, 60000, 0, zerolog.Nop(), metricsReg)
	if s2.TickInterval() != maxTickMs*time.Millisecond {
		t.Fatalf("expected tick clamped to maximum, got %s", s2.TickInterval())
	}
}
