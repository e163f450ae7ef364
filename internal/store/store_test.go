package store_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"autopilot/internal/store"
)

func openSQLite(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.OpenSQLite(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func exerciseCompareAndSet(t *testing.T, s store.Store) {
	t.Helper()
	ctx := context.Background()
	if _, err := s.Get(ctx, "users"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	rev, err := s.Put(ctx, "users", []byte(`[]`), store.NoRevision)
	if err != nil {
		t.Fatalf("first put: %v", err)
	}
	if _, err := s.Put(ctx, "users", []byte(`[{"email":"a@x"}]`), store.NoRevision); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict creating existing key, got %v", err)
	}
	rev2, err := s.Put(ctx, "users", []byte(`[{"email":"a@x"}]`), rev)
	if err != nil {
		t.Fatalf("second put: %v", err)
	}
	if rev2 == rev {
		t.Fatalf("revision did not change")
	}
	if _, err := s.Put(ctx, "users", []byte(`[{"email":"b@x"}]`), rev); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict on stale revision, got %v", err)
	}
	entry, err := s.Get(ctx, "users")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(entry.Value) != `[{"email":"a@x"}]` || entry.Revision != rev2 {
		t.Fatalf("unexpected entry: %s rev=%s", entry.Value, entry.Revision)
	}
}

func TestSQLiteCompareAndSet(t *testing.T) {
	exerciseCompareAndSet(t, openSQLite(t))
}

func TestMemoryCompareAndSet(t *testing.T) {
	exerciseCompareAndSet(t, store.NewMemoryStore())
}

// openRedis connects to AUTOPILOT_TEST_REDIS_ADDR and skips when it is unset
// or unreachable. Keys live under a per-test prefix.
func openRedis(t *testing.T) *store.RedisStore {
	t.Helper()
	addr := os.Getenv("AUTOPILOT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("AUTOPILOT_TEST_REDIS_ADDR not set")
	}
	prefix := fmt.Sprintf("autopilot-test-%d:", time.Now().UnixNano())
	s := store.NewRedisStore(store.RedisOptions{Addr: addr, Prefix: prefix})
	ctx := context.Background()
	if err := s.Client.Ping(ctx).Err(); err != nil {
		s.Close()
		t.Skipf("redis unreachable at %s: %v", addr, err)
	}
	t.Cleanup(func() {
		keys, _ := s.Client.Keys(ctx, prefix+"*").Result()
		if len(keys) > 0 {
			s.Client.Del(ctx, keys...)
		}
		s.Close()
	})
	return s
}

func TestRedisCompareAndSet(t *testing.T) {
	exerciseCompareAndSet(t, openRedis(t))
}

func TestRedisConcurrentWritersConflict(t *testing.T) {
	s := openRedis(t)
	ctx := context.Background()
	rev, err := s.Put(ctx, "k", []byte(`[]`), store.NoRevision)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	const writers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		won      int
		conflict int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Put(ctx, "k", []byte(fmt.Sprintf(`[%d]`, i)), rev)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				won++
			case errors.Is(err, store.ErrConflict):
				conflict++
			default:
				t.Errorf("writer %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()
	if won != 1 || conflict != writers-1 {
		t.Fatalf("expected one winner, got won=%d conflicts=%d", won, conflict)
	}
}

func TestSQLiteHistory(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()
	rev := store.NoRevision
	for _, v := range []string{`[1]`, `[1,2]`, `[1,2,3]`} {
		next, err := s.Put(ctx, "k", []byte(v), rev)
		if err != nil {
			t.Fatalf("put %s: %v", v, err)
		}
		rev = next
	}
	hist, err := s.History(ctx, "k", 2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 2 || hist[0].Value != `[1,2,3]` || hist[1].Version != 2 {
		t.Fatalf("unexpected history: %+v", hist)
	}
}

type fakeRemote struct {
	mu     sync.Mutex
	values map[string]string
}

func (f *fakeRemote) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r.URL.Query().Get("mode") != "disk" {
		http.Error(w, "bad mode", http.StatusBadRequest)
		return
	}
	key := r.URL.Query().Get("key")
	switch r.Method {
	case http.MethodGet:
		v, ok := f.values[key]
		if !ok {
			http.NotFound(w, r)
			return
		}
		io.WriteString(w, v)
	case http.MethodPost:
		b, _ := io.ReadAll(r.Body)
		f.values[key] = string(b)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func TestHTTPStoreProtocol(t *testing.T) {
	remote := &fakeRemote{values: map[string]string{"empty": "null"}}
	srv := httptest.NewServer(remote)
	defer srv.Close()

	s := store.NewHTTPStore(srv.URL, 0)
	exerciseCompareAndSet(t, s)

	if _, err := s.Get(context.Background(), "empty"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("null body should read as not found, got %v", err)
	}
}

func TestHTTPStoreReportsServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := store.NewHTTPStore(srv.URL, 0).Get(context.Background(), "users")
	var apiErr *store.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected api error, got %v", err)
	}
}
