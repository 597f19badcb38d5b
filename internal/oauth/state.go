package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrStateNotFound is returned by Consume when no pending flow exists for the
// key, either because it expired, was never issued, or was already consumed.
var ErrStateNotFound = errors.New("oauth: state not found")

// FlowState is the record stored between initiating a flow and receiving the
// provider callback. The state value is the CSRF token echoed by the
// provider; the provider name pins the flow so a callback for one provider
// cannot complete a flow started for another.
type FlowState struct {
	Provider string    `json:"provider"`
	State    string    `json:"state"`
	IssuedAt time.Time `json:"issued_at"`
}

// StateStore persists pending flow states. Consume must be atomic: two
// concurrent callbacks presenting the same key must not both succeed.
type StateStore interface {
	Save(ctx context.Context, key string, st FlowState, ttl time.Duration) error
	Consume(ctx context.Context, key string) (FlowState, error)
}

// NewState generates a URL-safe CSRF state token with 32 bytes of entropy.
// Also used for the per-flow store keys.
func NewState() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

const stateKeyPrefix = "oauth:state:"

// RedisStateStore stores pending flow states in Redis. Expiry is delegated to
// Redis TTLs and consumption uses GETDEL so replayed callbacks lose the race
// atomically.
type RedisStateStore struct {
	client *redis.Client
}

// NewRedisStateStore creates a state store backed by the given Redis client.
func NewRedisStateStore(client *redis.Client) *RedisStateStore {
	return &RedisStateStore{client: client}
}

func (s *RedisStateStore) Save(ctx context.Context, key string, st FlowState, ttl time.Duration) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal flow state: %w", err)
	}
	if err := s.client.Set(ctx, stateKeyPrefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("save flow state: %w", err)
	}
	return nil
}

func (s *RedisStateStore) Consume(ctx context.Context, key string) (FlowState, error) {
	data, err := s.client.GetDel(ctx, stateKeyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return FlowState{}, ErrStateNotFound
		}
		return FlowState{}, fmt.Errorf("consume flow state: %w", err)
	}

	var st FlowState
	if err := json.Unmarshal(data, &st); err != nil {
		return FlowState{}, fmt.Errorf("unmarshal flow state: %w", err)
	}
	return st, nil
}

// MemoryStateStore is an in-process StateStore for tests and single-node
// development runs.
type MemoryStateStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	state     FlowState
	expiresAt time.Time
}

// NewMemoryStateStore creates an empty in-memory state store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{entries: make(map[string]memoryEntry)}
}

func (s *MemoryStateStore) Save(_ context.Context, key string, st FlowState, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memoryEntry{state: st, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (s *MemoryStateStore) Consume(_ context.Context, key string) (FlowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return FlowState{}, ErrStateNotFound
	}
	delete(s.entries, key)

	if time.Now().After(entry.expiresAt) {
		return FlowState{}, ErrStateNotFound
	}
	return entry.state, nil
}
