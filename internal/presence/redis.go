package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "presence:user:"

// RedisStore is a Redis-backed presence.Client, grounded on the pack's
// redis.Client wrapper pattern (BLxcwg666-mx-core-go/internal/pkg/redis).
type RedisStore struct {
	rdb *redis.Client
	now func() time.Time
}

// NewRedisStore connects to addr/db and verifies connectivity with a ping.
func NewRedisStore(ctx context.Context, addr string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("presence: redis ping failed: %w", err)
	}
	return &RedisStore{rdb: client, now: time.Now}, nil
}

func redisKey(uuid string) string {
	return redisKeyPrefix + uuid
}

func (s *RedisStore) load(ctx context.Context, uuid string) (*Record, error) {
	raw, err := s.rdb.Get(ctx, redisKey(uuid)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var record Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *RedisStore) save(ctx context.Context, record *Record) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, redisKey(record.UUID), raw, 0).Err()
}

// MarkOnline implements presence.Client.
func (s *RedisStore) MarkOnline(ctx context.Context, input MarkOnlineInput, rolesToPersist []string) error {
	existing, err := s.load(ctx, input.UUID)
	if err != nil {
		return err
	}
	nowMs := s.now().UnixMilli()
	record := existing
	if record == nil {
		record = &Record{UUID: input.UUID, LastJoinMs: &nowMs}
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
	return s.save(ctx, record)
}

// MarkOffline implements presence.Client.
func (s *RedisStore) MarkOffline(ctx context.Context, uuid string) error {
	record, err := s.load(ctx, uuid)
	if err != nil {
		return err
	}
	nowMs := s.now().UnixMilli()
	if record == nil {
		record = &Record{UUID: uuid, AccountType: "LOCAL", Roles: []string{"MEMBER"}}
	}
	record.Online = false
	record.LastLeaveMs = &nowMs
	return s.save(ctx, record)
}

// UpdateLastSeen implements presence.Client.
func (s *RedisStore) UpdateLastSeen(ctx context.Context, uuid string) error {
	record, err := s.load(ctx, uuid)
	if err != nil {
		return err
	}
	if record == nil {
		record = &Record{UUID: uuid, AccountType: "LOCAL", Roles: []string{"MEMBER"}}
	}
	nowMs := s.now().UnixMilli()
	record.Online = true
	record.LastSeenMs = &nowMs
	return s.save(ctx, record)
}

// UpdateRoles implements presence.Client.
func (s *RedisStore) UpdateRoles(ctx context.Context, uuid string, roles []string) error {
	record, err := s.load(ctx, uuid)
	if err != nil {
		return err
	}
	if record == nil {
		record = &Record{UUID: uuid, AccountType: "LOCAL"}
	}
	record.Roles = roles
	return s.save(ctx, record)
}

// FetchRoles implements presence.Client.
func (s *RedisStore) FetchRoles(ctx context.Context, uuid string) ([]string, error) {
	record, err := s.load(ctx, uuid)
	if err != nil {
		return nil, err
	}
	if record == nil || len(record.Roles) == 0 {
		return nil, nil
	}
	return record.Roles, nil
}

// FetchOnlineUsers implements presence.Client by scanning key-space; it is
// adequate for the pack's single-node Redis deployments and not intended to
// scale past a few thousand online users.
func (s *RedisStore) FetchOnlineUsers(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = defaultFetchLimit
	}
	var records []Record
	iter := s.rdb.Scan(ctx, 0, redisKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		raw, err := s.rdb.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		var record Record
		if err := json.Unmarshal(raw, &record); err != nil {
			continue
		}
		if record.Online {
			records = append(records, record)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool {
		return msOrZero(records[i].LastSeenMs) > msOrZero(records[j].LastSeenMs)
	})
	if len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// CountOnlineUsers implements presence.Client.
func (s *RedisStore) CountOnlineUsers(ctx context.Context) (int, error) {
	records, err := s.FetchOnlineUsers(ctx, 1<<20)
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

// PutSideChannel implements presence.Client, storing the compressed payload
// at the supplied key with no expiry.
func (s *RedisStore) PutSideChannel(ctx context.Context, key string, payload []byte) error {
	return s.rdb.Set(ctx, sideChannelKey(key), payload, 0).Err()
}

// GetSideChannel implements presence.Client.
func (s *RedisStore) GetSideChannel(ctx context.Context, key string) ([]byte, error) {
	raw, err := s.rdb.Get(ctx, sideChannelKey(key)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	return raw, err
}

// Close implements presence.Client.
func (s *RedisStore) Close(ctx context.Context) error {
	return s.rdb.Close()
}

func sideChannelKey(key string) string {
	if strings.HasPrefix(key, "side:") {
		return key
	}
	return "side:" + key
}

func msOrZero(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}
