package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned by Load when no snapshot exists for a call.
var ErrNotFound = errors.New("session: not found")

const (
	// defaultTTL bounds how long an orphaned snapshot survives a crashed
	// process before Redis reaps it.
	defaultTTL = 30 * time.Minute

	// activityInterval throttles activity-driven refreshes so a talkative
	// caller does not turn every transcript into a Redis write.
	activityInterval = 2 * time.Second

	keyPrefix = "session:"
)

// Snapshot is the JSON document mirrored into the KV store per call.
type Snapshot struct {
	CallID              string    `json:"call_id"`
	State               State     `json:"state"`
	StartedAt           time.Time `json:"started_at"`
	LastActivityAt      time.Time `json:"last_activity_at"`
	ConsecutiveTimeouts int       `json:"consecutive_timeouts"`
}

// Store mirrors call sessions into a key-value store.
type Store interface {
	// Save writes the session snapshot unconditionally, refreshing its TTL.
	// Called on every state change.
	Save(ctx context.Context, sess *Session) error

	// RefreshActivity writes the snapshot only if enough time has passed
	// since the last write for this call. Called on transcript activity.
	RefreshActivity(ctx context.Context, sess *Session) error

	// Load retrieves a snapshot, or ErrNotFound.
	Load(ctx context.Context, callID string) (*Snapshot, error)

	// Delete removes the snapshot on normal call termination.
	Delete(ctx context.Context, callID string) error
}

// RedisStore is the production Store backed by go-redis.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration

	mu        sync.Mutex
	lastWrite map[string]time.Time
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithTTL overrides the snapshot TTL. The TTL is refreshed on every write.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.ttl = ttl
	}
}

// NewRedisStore creates a Store backed by client.
func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client:    client,
		ttl:       defaultTTL,
		lastWrite: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) Save(ctx context.Context, sess *Session) error {
	snap := sess.Snapshot()
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("session: marshal snapshot for %s: %w", snap.CallID, err)
	}
	if err := s.client.Set(ctx, keyPrefix+snap.CallID, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("session: save %s: %w", snap.CallID, err)
	}
	s.mu.Lock()
	s.lastWrite[snap.CallID] = time.Now()
	s.mu.Unlock()
	return nil
}

func (s *RedisStore) RefreshActivity(ctx context.Context, sess *Session) error {
	callID := sess.CallID()
	s.mu.Lock()
	last, seen := s.lastWrite[callID]
	s.mu.Unlock()
	if seen && time.Since(last) < activityInterval {
		return nil
	}
	return s.Save(ctx, sess)
}

func (s *RedisStore) Load(ctx context.Context, callID string) (*Snapshot, error) {
	data, err := s.client.Get(ctx, keyPrefix+callID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("session: load %s: %w", callID, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("session: unmarshal snapshot for %s: %w", callID, err)
	}
	return &snap, nil
}

func (s *RedisStore) Delete(ctx context.Context, callID string) error {
	if err := s.client.Del(ctx, keyPrefix+callID).Err(); err != nil {
		return fmt.Errorf("session: delete %s: %w", callID, err)
	}
	s.mu.Lock()
	delete(s.lastWrite, callID)
	s.mu.Unlock()
	return nil
}

// MemoryStore is an in-process Store for tests and single-node setups
// without Redis.
type MemoryStore struct {
	mu        sync.Mutex
	snaps     map[string]Snapshot
	lastWrite map[string]time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snaps:     make(map[string]Snapshot),
		lastWrite: make(map[string]time.Time),
	}
}

func (s *MemoryStore) Save(_ context.Context, sess *Session) error {
	snap := sess.Snapshot()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[snap.CallID] = snap
	s.lastWrite[snap.CallID] = time.Now()
	return nil
}

func (s *MemoryStore) RefreshActivity(ctx context.Context, sess *Session) error {
	s.mu.Lock()
	last, seen := s.lastWrite[sess.CallID()]
	s.mu.Unlock()
	if seen && time.Since(last) < activityInterval {
		return nil
	}
	return s.Save(ctx, sess)
}

func (s *MemoryStore) Load(_ context.Context, callID string) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, found := s.snaps[callID]
	if !found {
		return nil, ErrNotFound
	}
	return &snap, nil
}

func (s *MemoryStore) Delete(_ context.Context, callID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snaps, callID)
	delete(s.lastWrite, callID)
	return nil
}

// Len reports how many snapshots are held. Test helper.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snaps)
}
