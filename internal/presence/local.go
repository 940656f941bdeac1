package presence

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// localOption customizes a LocalStore, primarily for tests.
type localOption func(*LocalStore)

// WithLocalClock overrides the store's time source.
func WithLocalClock(clock func() time.Time) localOption {
	return func(s *LocalStore) {
		if clock != nil {
			s.now = clock
		}
	}
}

// LocalStore is the "single-node coordinator with local persistence" option
// named by spec §3's presence-store language, adapted from the teacher's
// StateSnapshotter (state.go): an in-memory map backed by a periodically
// flushed, zstd-compressed file.
type LocalStore struct {
	mu    sync.RWMutex
	path  string
	users map[string]Record
	side  map[string][]byte
	dirty bool
	now   func() time.Time

	flushCh chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}

	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

type localSnapshotFile struct {
	Users map[string]Record `json:"users"`
	Side  map[string][]byte `json:"side,omitempty"`
}

// NewLocalStore constructs a store backed by path, flushing on the given
// interval. A non-positive interval disables the periodic flush goroutine;
// callers must invoke Flush explicitly.
func NewLocalStore(path string, interval time.Duration, opts ...localOption) (*LocalStore, error) {
	if path == "" {
		return nil, errors.New("presence: local store path must not be empty")
	}
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	store := &LocalStore{
		path:    path,
		users:   make(map[string]Record),
		side:    make(map[string][]byte),
		now:     time.Now,
		flushCh: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		encoder: encoder,
		decoder: decoder,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	if interval > 0 {
		go store.loop(interval)
	} else {
		close(store.doneCh)
	}
	return store, nil
}

func (s *LocalStore) load() error {
	compressed, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	raw, err := s.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return err
	}
	var file localSnapshotFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for uuid, record := range file.Users {
		s.users[uuid] = record
	}
	for key, payload := range file.Side {
		s.side[key] = payload
	}
	return nil
}

func (s *LocalStore) loop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer close(s.doneCh)
	for {
		select {
		case <-ticker.C:
			_ = s.Flush()
		case <-s.flushCh:
			_ = s.Flush()
		case <-s.stopCh:
			_ = s.Flush()
			return
		}
	}
}

// Flush immediately persists the current state to disk, compressed with
// zstd.
func (s *LocalStore) Flush() error {
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	file := localSnapshotFile{
		Users: make(map[string]Record, len(s.users)),
		Side:  make(map[string][]byte, len(s.side)),
	}
	for uuid, record := range s.users {
		file.Users[uuid] = record
	}
	for key, payload := range s.side {
		file.Side[key] = payload
	}
	s.dirty = false
	s.mu.Unlock()

	raw, err := json.Marshal(file)
	if err != nil {
		return err
	}
	compressed := s.encoder.EncodeAll(raw, nil)
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil && !errors.Is(err, fs.ErrExist) {
		return err
	}
	return os.WriteFile(s.path, compressed, 0o644)
}

func (s *LocalStore) requestFlush() {
	s.mu.Lock()
	s.dirty = true
	s.mu.Unlock()
	select {
	case s.flushCh <- struct{}{}:
	default:
	}
}

// Close stops the background flush loop, if running, and persists any
// pending state.
func (s *LocalStore) Close(ctx context.Context) error {
	select {
	case <-s.doneCh:
	default:
		close(s.stopCh)
		<-s.doneCh
	}
	return s.Flush()
}

// MarkOnline implements presence.Client.
func (s *LocalStore) MarkOnline(ctx context.Context, input MarkOnlineInput, rolesToPersist []string) error {
	nowMs := s.now().UnixMilli()
	s.mu.Lock()
	record, existed := s.users[input.UUID]
	if !existed {
		record = Record{UUID: input.UUID, LastJoinMs: &nowMs}
	}
	record.Name = input.Name
	record.AccountType = input.AccountType
	record.IP = input.IP
	record.Online = true
	record.LastSeenMs = &nowMs
	if rolesToPersist != nil {
		record.Roles = rolesToPersist
	} else if len(record.Roles) == 0 {
		record.Roles = input.Roles
	}
	s.users[input.UUID] = record
	s.mu.Unlock()
	s.requestFlush()
	return nil
}

// MarkOffline implements presence.Client.
func (s *LocalStore) MarkOffline(ctx context.Context, uuid string) error {
	nowMs := s.now().UnixMilli()
	s.mu.Lock()
	record, existed := s.users[uuid]
	if !existed {
		record = Record{UUID: uuid, AccountType: "LOCAL", Roles: []string{"MEMBER"}}
	}
	record.Online = false
	record.LastLeaveMs = &nowMs
	s.users[uuid] = record
	s.mu.Unlock()
	s.requestFlush()
	return nil
}

// UpdateLastSeen implements presence.Client.
func (s *LocalStore) UpdateLastSeen(ctx context.Context, uuid string) error {
	nowMs := s.now().UnixMilli()
	s.mu.Lock()
	record, existed := s.users[uuid]
	if !existed {
		record = Record{UUID: uuid, AccountType: "LOCAL", Roles: []string{"MEMBER"}}
	}
	record.Online = true
	record.LastSeenMs = &nowMs
	s.users[uuid] = record
	s.mu.Unlock()
	s.requestFlush()
	return nil
}

// UpdateRoles implements presence.Client.
func (s *LocalStore) UpdateRoles(ctx context.Context, uuid string, roles []string) error {
	s.mu.Lock()
	record, existed := s.users[uuid]
	if !existed {
		record = Record{UUID: uuid, AccountType: "LOCAL"}
	}
	record.Roles = roles
	s.users[uuid] = record
	s.mu.Unlock()
	s.requestFlush()
	return nil
}

// FetchRoles implements presence.Client.
func (s *LocalStore) FetchRoles(ctx context.Context, uuid string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.users[uuid]
	if !ok || len(record.Roles) == 0 {
		return nil, nil
	}
	return append([]string(nil), record.Roles...), nil
}

// FetchOnlineUsers implements presence.Client.
func (s *LocalStore) FetchOnlineUsers(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = defaultFetchLimit
	}
	s.mu.RLock()
	records := make([]Record, 0, len(s.users))
	for _, record := range s.users {
		if record.Online {
			records = append(records, record)
		}
	}
	s.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool {
		return msOrZero(records[i].LastSeenMs) > msOrZero(records[j].LastSeenMs)
	})
	if len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// CountOnlineUsers implements presence.Client.
func (s *LocalStore) CountOnlineUsers(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, record := range s.users {
		if record.Online {
			count++
		}
	}
	return count, nil
}

// PutSideChannel implements presence.Client, keeping the payload in memory
// and flushed to disk alongside user records.
func (s *LocalStore) PutSideChannel(ctx context.Context, key string, payload []byte) error {
	s.mu.Lock()
	s.side[key] = append([]byte(nil), payload...)
	s.mu.Unlock()
	s.requestFlush()
	return nil
}

// GetSideChannel implements presence.Client.
func (s *LocalStore) GetSideChannel(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	payload, ok := s.side[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), payload...), nil
}
