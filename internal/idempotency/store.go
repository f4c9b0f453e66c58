// Package idempotency replays the recorded response of an approver action when
// a client retries it with the same X-Idempotency-Key.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/pxm/model"
)

// Response is a recorded HTTP response.
type Response struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

// Store deduplicates actions. Keys have the form
// "idem:{action}:{actor}:{key}".
//
// A caller first reserves the key. Exactly one concurrent caller wins the
// reservation and must then either Save its response or Release the key.
type Store interface {
	// Reserve claims key for inputHash. It returns found=false when the caller
	// now owns the key. When the key holds a completed response for the same
	// input hash, that response is returned with found=true. A key that is
	// reserved but not yet completed, or that was used with a different input
	// hash, yields CONFLICT.
	Reserve(ctx context.Context, key, inputHash string, ttl time.Duration) (resp *Response, found bool, err error)

	// Save records the owner's response under key for ttl.
	Save(ctx context.Context, key, inputHash string, resp Response, ttl time.Duration) error

	// Release drops the owner's reservation so that the request can be
	// retried.
	Release(ctx context.Context, key string) error
}

// ReservationTTL caps how long an unfinished reservation blocks its key.
const ReservationTTL = time.Minute

type entry struct {
	InputHash string   `json:"input_hash"`
	Pending   bool     `json:"pending,omitempty"`
	Response  Response `json:"response"`
}

func reservationTTL(ttl time.Duration) time.Duration {
	if ttl > 0 && ttl < ReservationTTL {
		return ttl
	}
	return ReservationTTL
}

// resolve decides what a losing Reserve call gets back for an existing entry.
func resolve(key, inputHash string, e entry) (*Response, bool, error) {
	if e.InputHash != inputHash {
		return nil, true, conflict(key)
	}
	if e.Pending {
		return nil, true, model.NewConflictError(fmt.Sprintf("idempotency key %q: request in progress", key))
	}
	resp := e.Response
	resp.Body = append(json.RawMessage(nil), resp.Body...)
	return &resp, true, nil
}

// FormatKey builds the storage key for a client-supplied idempotency key.
// Keys are scoped to the actor so that two users cannot collide.
func FormatKey(action, actorID, key string) string {
	return fmt.Sprintf("idem:%s:%s:%s", action, actorID, key)
}

// HashInput fingerprints a request so that key reuse with a different target
// or body can be detected.
func HashInput(parts ...[]byte) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func conflict(key string) error {
	return model.NewConflictError(fmt.Sprintf("idempotency key %q already used with different input", key))
}

// --- MemoryStore ---

// MemoryStore is an in-memory Store with TTL support for single-instance
// deployments and tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
}

type memEntry struct {
	data      entry
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-memory idempotency store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memEntry), now: time.Now}
}

// Reserve claims key under the store lock.
func (s *MemoryStore) Reserve(_ context.Context, key, inputHash string, ttl time.Duration) (*Response, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if e, exists := s.entries[key]; exists && !now.After(e.expiresAt) {
		return resolve(key, inputHash, e.data)
	}
	s.entries[key] = memEntry{
		data:      entry{InputHash: inputHash, Pending: true},
		expiresAt: now.Add(reservationTTL(ttl)),
	}
	return nil, false, nil
}

// Save records a response with a TTL.
func (s *MemoryStore) Save(_ context.Context, key, inputHash string, resp Response, ttl time.Duration) error {
	resp.Body = append(json.RawMessage(nil), resp.Body...)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memEntry{
		data:      entry{InputHash: inputHash, Response: resp},
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

// Release removes a reservation.
func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Len returns the number of live entries.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for k, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, k)
			continue
		}
		n++
	}
	return n
}

// --- RedisStore ---

// RedisStore is a Redis-backed Store for multi-instance deployments.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore creates a Redis-backed idempotency store.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// HealthCheck pings Redis.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Reserve claims key with SET NX. When the key is taken the existing entry
// decides the answer.
func (s *RedisStore) Reserve(ctx context.Context, key, inputHash string, ttl time.Duration) (*Response, bool, error) {
	pending, err := json.Marshal(entry{InputHash: inputHash, Pending: true})
	if err != nil {
		return nil, false, fmt.Errorf("marshal idempotency reservation: %w", err)
	}

	// The existing entry can expire between SETNX and GET; try again then.
	for attempt := 0; attempt < 3; attempt++ {
		ok, err := s.client.SetNX(ctx, key, pending, reservationTTL(ttl)).Result()
		if err != nil {
			return nil, false, fmt.Errorf("redis setnx %q: %w", key, err)
		}
		if ok {
			return nil, false, nil
		}

		raw, err := s.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, false, fmt.Errorf("redis get %q: %w", key, err)
		}
		var e entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, false, fmt.Errorf("unmarshal idempotency entry %q: %w", key, err)
		}
		return resolve(key, inputHash, e)
	}
	return nil, false, fmt.Errorf("reserve idempotency key %q: entry kept expiring", key)
}

// Save records a response in Redis with a TTL, replacing the reservation.
func (s *RedisStore) Save(ctx context.Context, key, inputHash string, resp Response, ttl time.Duration) error {
	data, err := json.Marshal(entry{InputHash: inputHash, Response: resp})
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// Release deletes a reservation.
func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %q: %w", key, err)
	}
	return nil
}
