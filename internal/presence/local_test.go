package presence

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *LocalStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "presence.snapshot")
	store, err := NewLocalStore(path, 0)
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	return store
}

func TestMarkOnlinePreservesExistingRolesWhenNotPersisting(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.UpdateRoles(ctx, "u1", []string{"STAFF"}); err != nil {
		t.Fatalf("UpdateRoles: %v", err)
	}
	if err := store.MarkOnline(ctx, MarkOnlineInput{UUID: "u1", Name: "Bob", AccountType: "LOCAL", Roles: []string{"GOLD"}}, nil); err != nil {
		t.Fatalf("MarkOnline: %v", err)
	}
	roles, err := store.FetchRoles(ctx, "u1")
	if err != nil {
		t.Fatalf("FetchRoles: %v", err)
	}
	if len(roles) != 1 || roles[0] != "STAFF" {
		t.Fatalf("expected canonical roles preserved, got %v", roles)
	}
}

func TestMarkOnlinePersistsHintWhenNoPriorRoles(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.MarkOnline(ctx, MarkOnlineInput{UUID: "u2", Name: "Alice", AccountType: "LOCAL"}, []string{"MEMBER"}); err != nil {
		t.Fatalf("MarkOnline: %v", err)
	}
	roles, err := store.FetchRoles(ctx, "u2")
	if err != nil {
		t.Fatalf("FetchRoles: %v", err)
	}
	if len(roles) != 1 || roles[0] != "MEMBER" {
		t.Fatalf("expected persisted hint roles, got %v", roles)
	}
}

func TestMarkOfflineCreatesStubWhenAbsent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.MarkOffline(ctx, "ghost"); err != nil {
		t.Fatalf("MarkOffline: %v", err)
	}
	users, err := store.FetchOnlineUsers(ctx, 10)
	if err != nil {
		t.Fatalf("FetchOnlineUsers: %v", err)
	}
	for _, u := range users {
		if u.UUID == "ghost" {
			t.Fatal("expected stub record to be offline")
		}
	}
}

func TestFetchOnlineUsersOrderedByLastSeenDescending(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	clock := time.Unix(1000, 0)
	store.now = func() time.Time { return clock }
	_ = store.MarkOnline(ctx, MarkOnlineInput{UUID: "a", Name: "A", AccountType: "LOCAL"}, []string{"MEMBER"})

	clock = time.Unix(2000, 0)
	_ = store.MarkOnline(ctx, MarkOnlineInput{UUID: "b", Name: "B", AccountType: "LOCAL"}, []string{"MEMBER"})

	users, err := store.FetchOnlineUsers(ctx, 10)
	if err != nil {
		t.Fatalf("FetchOnlineUsers: %v", err)
	}
	if len(users) != 2 || users[0].UUID != "b" || users[1].UUID != "a" {
		t.Fatalf("expected b before a, got %#v", users)
	}
}

func TestCountOnlineUsers(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_ = store.MarkOnline(ctx, MarkOnlineInput{UUID: "a", Name: "A", AccountType: "LOCAL"}, []string{"MEMBER"})
	_ = store.MarkOnline(ctx, MarkOnlineInput{UUID: "b", Name: "B", AccountType: "LOCAL"}, []string{"MEMBER"})
	_ = store.MarkOffline(ctx, "b")

	count, err := store.CountOnlineUsers(ctx)
	if err != nil {
		t.Fatalf("CountOnlineUsers: %v", err)
	}
	if count != 1 {
		t.Fatalf("CountOnlineUsers = %d, want 1", count)
	}
}

func TestFlushAndReloadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "presence.snapshot")
	store, err := NewLocalStore(path, 0)
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	ctx := context.Background()
	_ = store.MarkOnline(ctx, MarkOnlineInput{UUID: "u1", Name: "Alice", AccountType: "LOCAL"}, []string{"MEMBER"})
	if err := store.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	reloaded, err := NewLocalStore(path, 0)
	if err != nil {
		t.Fatalf("reload NewLocalStore: %v", err)
	}
	roles, err := reloaded.FetchRoles(ctx, "u1")
	if err != nil {
		t.Fatalf("FetchRoles: %v", err)
	}
	if len(roles) != 1 || roles[0] != "MEMBER" {
		t.Fatalf("expected reloaded roles, got %v", roles)
	}
}

func TestPeriodicFlushWritesToDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "presence.snapshot")
	store, err := NewLocalStore(path, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	defer store.Close(context.Background())

	if err := store.MarkOnline(context.Background(), MarkOnlineInput{UUID: "u1", Name: "A", AccountType: "LOCAL"}, []string{"MEMBER"}); err != nil {
		t.Fatalf("MarkOnline: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if info, err := os.Stat(path); err == nil && info.Size() > 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("expected periodic flush to persist snapshot file")
}
