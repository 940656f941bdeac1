package registry

import (
	"sync"
	"testing"
)

type fakeSocket struct {
	mu     sync.Mutex
	open   bool
	sent   [][]byte
	closed bool
}

func newFakeSocket() *fakeSocket { return &fakeSocket{open: true} }

func (s *fakeSocket) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

func (s *fakeSocket) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, payload)
	return nil
}

func (s *fakeSocket) Close(code int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = false
	s.closed = true
	return nil
}

func TestInsertGetRemove(t *testing.T) {
	reg := New()
	socket := newFakeSocket()
	reg.Insert(socket, ConnectionState{UUID: "u1", Name: "Alice", Roles: []string{"MEMBER"}})

	state, ok := reg.Get(socket)
	if !ok || state.UUID != "u1" {
		t.Fatalf("expected registered state, got %#v ok=%v", state, ok)
	}

	removed, ok := reg.Remove(socket)
	if !ok || removed.UUID != "u1" {
		t.Fatalf("expected removed state, got %#v ok=%v", removed, ok)
	}
	if _, ok := reg.Get(socket); ok {
		t.Fatal("expected socket to be gone after removal")
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	reg := New()
	socket := newFakeSocket()
	if _, ok := reg.Remove(socket); ok {
		t.Fatal("expected no-op removal of absent socket")
	}
	reg.Insert(socket, ConnectionState{UUID: "u1"})
	reg.Remove(socket)
	if _, ok := reg.Remove(socket); ok {
		t.Fatal("expected second removal to be a no-op")
	}
}

func TestCloneProtectsInternalSlices(t *testing.T) {
	reg := New()
	socket := newFakeSocket()
	roles := []string{"MEMBER"}
	reg.Insert(socket, ConnectionState{UUID: "u1", Roles: roles})

	state, _ := reg.Get(socket)
	state.Roles[0] = "TAMPERED"

	fresh, _ := reg.Get(socket)
	if fresh.Roles[0] != "MEMBER" {
		t.Fatalf("expected registry internals protected from caller mutation, got %v", fresh.Roles)
	}
}

func TestUpdateAbortsSilentlyOnMissingEntry(t *testing.T) {
	reg := New()
	socket := newFakeSocket()
	called := false
	ok := reg.Update(socket, func(s *ConnectionState) { called = true })
	if ok || called {
		t.Fatal("expected Update to abort for a socket not in the registry")
	}
}

func TestUpdateMutatesRegisteredEntry(t *testing.T) {
	reg := New()
	socket := newFakeSocket()
	reg.Insert(socket, ConnectionState{UUID: "u1", LastSeenMs: 1})

	ok := reg.Update(socket, func(s *ConnectionState) { s.LastSeenMs = 42 })
	if !ok {
		t.Fatal("expected Update to succeed for registered socket")
	}
	state, _ := reg.Get(socket)
	if state.LastSeenMs != 42 {
		t.Fatalf("LastSeenMs = %d, want 42", state.LastSeenMs)
	}
}

func TestSnapshotIsSafeDuringConcurrentMutation(t *testing.T) {
	reg := New()
	sockets := make([]*fakeSocket, 50)
	for i := range sockets {
		sockets[i] = newFakeSocket()
		reg.Insert(sockets[i], ConnectionState{UUID: "u"})
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for _, s := range sockets {
			reg.Remove(s)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			_ = reg.Snapshot()
		}
	}()
	wg.Wait()

	if reg.Len() != 0 {
		t.Fatalf("expected empty registry after concurrent removal, len=%d", reg.Len())
	}
}
