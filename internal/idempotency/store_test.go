package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/pxm/model"
)

func approvedResponse() Response {
	return Response{Status: 200, Body: json.RawMessage(`{"id":"r1","status":"approved"}`)}
}

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client), mr
}

// --- Shared behaviour ---

func openStores() map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(*testing.T) Store { return NewMemoryStore() },
		"redis": func(t *testing.T) Store {
			s, _ := newRedisStore(t)
			return s
		},
	}
}

func TestStores(t *testing.T) {
	for name, open := range openStores() {
		t.Run(name, func(t *testing.T) {
			store := open(t)
			ctx := context.Background()
			key := FormatKey("approve", "kim", "k1")

			resp, found, err := store.Reserve(ctx, key, "hash-a", time.Hour)
			if err != nil || found || resp != nil {
				t.Fatalf("Reserve(empty) = %v, %v, %v; want nil, false, nil", resp, found, err)
			}

			// A duplicate arriving while the owner is still running is refused.
			_, found, err = store.Reserve(ctx, key, "hash-a", time.Hour)
			if !found || model.CodeOf(err) != model.ErrConflict {
				t.Fatalf("Reserve(in progress) = %v, %v; want found CONFLICT", found, err)
			}

			if err := store.Save(ctx, key, "hash-a", approvedResponse(), time.Minute); err != nil {
				t.Fatalf("Save error: %v", err)
			}

			resp, found, err = store.Reserve(ctx, key, "hash-a", time.Hour)
			if err != nil {
				t.Fatalf("Reserve error: %v", err)
			}
			if !found || resp == nil {
				t.Fatal("recorded response not found")
			}
			if resp.Status != 200 || string(resp.Body) != `{"id":"r1","status":"approved"}` {
				t.Errorf("resp = %d %s", resp.Status, resp.Body)
			}

			_, found, err = store.Reserve(ctx, key, "hash-b", time.Hour)
			if !found {
				t.Error("found = false on hash mismatch, want true")
			}
			if model.CodeOf(err) != model.ErrConflict {
				t.Errorf("err = %v, want CONFLICT", err)
			}
		})
	}
}

func TestStores_Release(t *testing.T) {
	for name, open := range openStores() {
		t.Run(name, func(t *testing.T) {
			store := open(t)
			ctx := context.Background()
			key := FormatKey("reject", "kim", "k1")

			if _, found, err := store.Reserve(ctx, key, "h", time.Hour); err != nil || found {
				t.Fatalf("Reserve = %v, %v", found, err)
			}
			if err := store.Release(ctx, key); err != nil {
				t.Fatalf("Release error: %v", err)
			}
			// The key is free again for a retry.
			if _, found, err := store.Reserve(ctx, key, "h", time.Hour); err != nil || found {
				t.Errorf("Reserve after Release = %v, %v; want owned", found, err)
			}
		})
	}
}

func TestStores_ConcurrentReserveHasOneOwner(t *testing.T) {
	for name, open := range openStores() {
		t.Run(name, func(t *testing.T) {
			store := open(t)
			key := FormatKey("approve", "kim", "race")

			const callers = 20
			var owners, refused atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, found, err := store.Reserve(context.Background(), key, "h", time.Hour)
					switch {
					case err == nil && !found:
						owners.Add(1)
					case model.CodeOf(err) == model.ErrConflict:
						refused.Add(1)
					default:
						t.Errorf("Reserve = %v, %v", found, err)
					}
				}()
			}
			wg.Wait()

			if owners.Load() != 1 || refused.Load() != callers-1 {
				t.Errorf("owners = %d, refused = %d; want 1 and %d", owners.Load(), refused.Load(), callers-1)
			}
		})
	}
}

// --- MemoryStore ---

func TestMemoryStore_Expiry(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	store.Save(ctx, "idem:approve:kim:k1", "h", approvedResponse(), time.Minute)
	now = now.Add(2 * time.Minute)

	if store.Len() != 0 {
		t.Errorf("Len = %d, want expired entry evicted", store.Len())
	}
	_, found, err := store.Reserve(ctx, "idem:approve:kim:k1", "h", time.Hour)
	if err != nil || found {
		t.Errorf("Reserve after expiry = %v, %v; want owned", found, err)
	}
}

func TestMemoryStore_AbandonedReservationExpires(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	store.Reserve(ctx, "k", "h", 24*time.Hour)
	now = now.Add(ReservationTTL + time.Second)

	if _, found, err := store.Reserve(ctx, "k", "h", 24*time.Hour); err != nil || found {
		t.Errorf("Reserve after abandoned reservation = %v, %v; want owned", found, err)
	}
}

func TestMemoryStore_Isolation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	resp := approvedResponse()
	store.Save(ctx, "k", "h", resp, time.Minute)

	resp.Body[2] = 'X'
	got, _, _ := store.Reserve(ctx, "k", "h", time.Minute)
	if string(got.Body) != `{"id":"r1","status":"approved"}` {
		t.Errorf("stored body mutated through caller: %s", got.Body)
	}
}

// --- RedisStore ---

func TestRedisStore_TTL(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()
	key := "idem:reject:kim:k1"

	store.Reserve(ctx, key, "h", 24*time.Hour)
	if ttl := mr.TTL(key); ttl != ReservationTTL {
		t.Errorf("reservation TTL = %v, want %v", ttl, ReservationTTL)
	}

	store.Save(ctx, key, "h", approvedResponse(), 30*time.Second)
	if ttl := mr.TTL(key); ttl != 30*time.Second {
		t.Errorf("TTL = %v, want 30s", ttl)
	}

	mr.FastForward(31 * time.Second)
	_, found, err := store.Reserve(ctx, key, "h", time.Hour)
	if err != nil || found {
		t.Errorf("Reserve after TTL = %v, %v; want owned", found, err)
	}
}

func TestRedisStore_CorruptEntry(t *testing.T) {
	store, mr := newRedisStore(t)
	mr.Set("idem:approve:kim:bad", "not json")

	_, _, err := store.Reserve(context.Background(), "idem:approve:kim:bad", "h", time.Hour)
	if err == nil {
		t.Fatal("expected error for corrupt entry")
	}
	if model.CodeOf(err) != "" {
		t.Errorf("code = %q, want infrastructure error", model.CodeOf(err))
	}
}

func TestRedisStore_HealthCheck(t *testing.T) {
	store, _ := newRedisStore(t)
	if err := store.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck error: %v", err)
	}

	down := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
	defer down.Close()
	if err := NewRedisStore(down).HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck succeeded with Redis down")
	}
}

// --- Keys ---

func TestFormatKey(t *testing.T) {
	if got := FormatKey("approve", "kim", "abc"); got != "idem:approve:kim:abc" {
		t.Errorf("FormatKey = %q", got)
	}
}

func TestHashInput(t *testing.T) {
	a := HashInput([]byte("r1"), []byte(`{}`))
	if a != HashInput([]byte("r1"), []byte(`{}`)) {
		t.Error("hash not deterministic")
	}
	// Part boundaries matter.
	if HashInput([]byte("r1{"), []byte(`}`)) == a {
		t.Error("different part split produced the same hash")
	}
	if HashInput([]byte("r2"), []byte(`{}`)) == a {
		t.Error("different target produced the same hash")
	}
}
