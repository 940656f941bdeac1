// Package presence defines the contract over the external presence store
// and ships three concrete adapters: Redis, MongoDB, and a file-backed
// single-node coordinator.
package presence

import "context"

// Record is a presence document owned by the external store (spec §3).
type Record struct {
	UUID        string   `json:"uuid" bson:"uuid"`
	Name        string   `json:"name" bson:"name"`
	AccountType string   `json:"account_type" bson:"account_type"`
	Roles       []string `json:"roles" bson:"roles"`
	Online      bool     `json:"online" bson:"online"`
	IP          *string  `json:"ip,omitempty" bson:"ip,omitempty"`

	LastJoinMs  *int64 `json:"last_join,omitempty" bson:"last_join,omitempty"`
	LastSeenMs  *int64 `json:"last_seen,omitempty" bson:"last_seen,omitempty"`
	LastLeaveMs *int64 `json:"last_leave,omitempty" bson:"last_leave,omitempty"`
}

// MarkOnlineInput carries the identity fields needed to upsert a record.
type MarkOnlineInput struct {
	UUID        string
	Name        string
	AccountType string
	Roles       []string
	IP          *string
}

// Client is the abstract contract over the durable presence store (spec
// §4.2). Every method may fail with a transport or store error; callers log
// failures and never propagate them to a client socket.
type Client interface {
	// MarkOnline upserts the user record, sets online=true, stamps last_join
	// on first insert and last_seen on every call. When rolesToPersist is
	// nil, existing roles in the store are preserved.
	MarkOnline(ctx context.Context, input MarkOnlineInput, rolesToPersist []string) error

	// MarkOffline sets online=false and stamps last_leave=now, creating a
	// stub record with default identity if none exists.
	MarkOffline(ctx context.Context, uuid string) error

	// UpdateLastSeen stamps last_seen=now and sets online=true.
	UpdateLastSeen(ctx context.Context, uuid string) error

	// UpdateRoles replaces the roles field for uuid.
	UpdateRoles(ctx context.Context, uuid string, roles []string) error

	// FetchRoles returns the canonical role set, or nil if absent or empty.
	FetchRoles(ctx context.Context, uuid string) ([]string, error)

	// FetchOnlineUsers returns up to limit online records, most recently
	// seen first.
	FetchOnlineUsers(ctx context.Context, limit int) ([]Record, error)

	// CountOnlineUsers returns the number of online records.
	CountOnlineUsers(ctx context.Context) (int, error)

	// PutSideChannel persists an arbitrary ambient payload (the warp.status
	// side channel, spec §4.4) under key. Implementations MAY no-op.
	PutSideChannel(ctx context.Context, key string, payload []byte) error

	// GetSideChannel reads back a payload stored by PutSideChannel. Returns
	// nil, nil if the key is absent. Used for the persisted single-row
	// health record (spec §6) as well as side-channel diagnostics.
	GetSideChannel(ctx context.Context, key string) ([]byte, error)

	// Close releases any underlying connection resources.
	Close(ctx context.Context) error
}

const defaultFetchLimit = 500
