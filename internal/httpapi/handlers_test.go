package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang/snappy"
	"github.com/rs/zerolog"

	"github.com/presencegw/gateway/internal/presence"
	"github.com/presencegw/gateway/internal/ratelimit"
	"github.com/presencegw/gateway/internal/registry"
)

type stubPresence struct {
	onlineUsers []presence.Record
	fetchErr    error
	side        map[string][]byte
}

func newStubPresence() *stubPresence { return &stubPresence{side: make(map[string][]byte)} }

func (s *stubPresence) MarkOnline(ctx context.Context, input presence.MarkOnlineInput, roles []string) error {
	return nil
}
func (s *stubPresence) MarkOffline(ctx context.Context, uuid string) error    { return nil }
func (s *stubPresence) UpdateLastSeen(ctx context.Context, uuid string) error { return nil }
func (s *stubPresence) UpdateRoles(ctx context.Context, uuid string, roles []string) error {
	return nil
}
func (s *stubPresence) FetchRoles(ctx context.Context, uuid string) ([]string, error) {
	return nil, nil
}
func (s *stubPresence) FetchOnlineUsers(ctx context.Context, limit int) ([]presence.Record, error) {
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	return s.onlineUsers, nil
}
func (s *stubPresence) CountOnlineUsers(ctx context.Context) (int, error) {
	return len(s.onlineUsers), nil
}
func (s *stubPresence) PutSideChannel(ctx context.Context, key string, payload []byte) error {
	s.side[key] = payload
	return nil
}
func (s *stubPresence) GetSideChannel(ctx context.Context, key string) ([]byte, error) {
	return s.side[key], nil
}
func (s *stubPresence) Close(ctx context.Context) error { return nil }

type stubError struct{ msg string }

func (e stubError) Error() string { return e.msg }

type fakeGateway struct {
	reg       *registry.Registry
	pres      *stubPresence
	broadcast []map[string]any
}

func (g *fakeGateway) Registry() *registry.Registry { return g.reg }
func (g *fakeGateway) Presence() presence.Client     { return g.pres }
func (g *fakeGateway) BroadcastRaw(payload map[string]any) {
	g.broadcast = append(g.broadcast, payload)
}

func newTestRouter(t *testing.T, gw *fakeGateway, adminKey string) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	limiter := ratelimit.New(time.Minute, 100, nil)
	h := NewHandlers(Dependencies{
		Gateway:    gw,
		AdminKey:   adminKey,
		Env:        "test",
		CommitHash: "abc123",
		Limiter:    limiter,
		Logger:     zerolog.Nop(),
	})
	h.Register(router)
	return router
}

func doRequest(router *gin.Engine, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var reqBody *bytes.Reader
	if body != "" {
		reqBody = bytes.NewReader([]byte(body))
	} else {
		reqBody = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reqBody)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHealthIsUnauthenticated(t *testing.T) {
	gw := &fakeGateway{reg: registry.New(), pres: newStubPresence()}
	router := newTestRouter(t, gw, "supersecretkey1234")

	rec := doRequest(router, http.MethodGet, "/v1/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body["ok"] != true {
		t.Fatalf("expected ok=true, got %v", body)
	}
	if body["version"] != "abc123" {
		t.Fatalf("expected version=abc123, got %v", body["version"])
	}
}

func TestConnectedUsersRequiresAdminKey(t *testing.T) {
	gw := &fakeGateway{reg: registry.New(), pres: newStubPresence()}
	router := newTestRouter(t, gw, "supersecretkey1234")

	rec := doRequest(router, http.MethodGet, "/v1/connected-users", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestConnectedUsersFromStore(t *testing.T) {
	gw := &fakeGateway{reg: registry.New(), pres: newStubPresence()}
	lastSeen := int64(1234)
	gw.pres.onlineUsers = []presence.Record{{UUID: "u1", Name: "A", AccountType: "LOCAL", Roles: []string{"MEMBER"}, LastSeenMs: &lastSeen}}
	router := newTestRouter(t, gw, "supersecretkey1234")

	rec := doRequest(router, http.MethodGet, "/v1/connected-users", "", map[string]string{"x-admin-key": "supersecretkey1234"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	users, _ := body["users"].([]any)
	if len(users) != 1 {
		t.Fatalf("expected one user, got %v", body)
	}
}

func TestConnectedUsersFallsBackToRegistry(t *testing.T) {
	reg := registry.New()
	socket := &noopSocket{}
	reg.Insert(socket, registry.ConnectionState{UUID: "u2", Name: "B", AccountType: "LOCAL", LastSeenMs: 500})
	gw := &fakeGateway{reg: reg, pres: newStubPresence()}
	gw.pres.fetchErr = stubError{"store down"}
	router := newTestRouter(t, gw, "supersecretkey1234")

	rec := doRequest(router, http.MethodGet, "/v1/connected-users", "", map[string]string{"x-admin-key": "supersecretkey1234"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	users, _ := body["users"].([]any)
	if len(users) != 1 {
		t.Fatalf("expected fallback projection with one user, got %v", body)
	}
}

func TestBroadcastRequiresType(t *testing.T) {
	gw := &fakeGateway{reg: registry.New(), pres: newStubPresence()}
	router := newTestRouter(t, gw, "supersecretkey1234")

	rec := doRequest(router, http.MethodPost, "/v1/broadcast", `{"payload":{"text":"hi"}}`, map[string]string{
		"x-admin-key":  "supersecretkey1234",
		"content-type": "application/json",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestBroadcastFansOutPayload(t *testing.T) {
	gw := &fakeGateway{reg: registry.New(), pres: newStubPresence()}
	router := newTestRouter(t, gw, "supersecretkey1234")

	rec := doRequest(router, http.MethodPost, "/v1/broadcast", `{"type":"banner","payload":{"text":"hi"}}`, map[string]string{
		"x-admin-key":  "supersecretkey1234",
		"content-type": "application/json",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(gw.broadcast) != 1 || gw.broadcast[0]["type"] != "banner" || gw.broadcast[0]["text"] != "hi" {
		t.Fatalf("unexpected broadcast payload: %+v", gw.broadcast)
	}
}

func TestWarpStatusReturnsDecompressedTelemetry(t *testing.T) {
	gw := &fakeGateway{reg: registry.New(), pres: newStubPresence()}
	payload, _ := json.Marshal(map[string]any{"enabled": true, "status": "active"})
	gw.pres.side["warp:status:u9"] = snappy.Encode(nil, payload)
	router := newTestRouter(t, gw, "supersecretkey1234")

	rec := doRequest(router, http.MethodGet, "/v1/warp-status/u9", "", map[string]string{"x-admin-key": "supersecretkey1234"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	status, _ := body["warpStatus"].(map[string]any)
	if status["status"] != "active" {
		t.Fatalf("expected decompressed warp status, got %v", body)
	}
}

func TestWarpStatusMissingReturns404(t *testing.T) {
	gw := &fakeGateway{reg: registry.New(), pres: newStubPresence()}
	router := newTestRouter(t, gw, "supersecretkey1234")

	rec := doRequest(router, http.MethodGet, "/v1/warp-status/unknown", "", map[string]string{"x-admin-key": "supersecretkey1234"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestUnknownRouteReturns404(t *testing.T) {
	gw := &fakeGateway{reg: registry.New(), pres: newStubPresence()}
	router := newTestRouter(t, gw, "supersecretkey1234")

	rec := doRequest(router, http.MethodGet, "/v1/does-not-exist", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

// noopSocket is a minimal registry.Socket double for fallback-projection
// tests that never exercise Send/Close.
type noopSocket struct{}

func (noopSocket) IsOpen() bool { return true }
func (noopSocket) Send(payload []byte) error { return nil }
func (noopSocket) Close(code int, reason string) error { return nil }
