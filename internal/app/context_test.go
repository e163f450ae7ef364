package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"autopilot/internal/config"
	"autopilot/internal/domain"
	"autopilot/internal/engine"
	"autopilot/internal/store"
)

func TestOpenStoreBackends(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()

	cfg.Store.Backend = config.BackendSQLite
	st, closer, err := OpenStore(ctx, cfg, t.TempDir())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if _, ok := st.(*store.SQLiteStore); !ok || closer == nil {
		t.Fatalf("expected sqlite store with closer, got %T", st)
	}
	closer.Close()

	cfg.Store.Backend = config.BackendMemory
	st, closer, err = OpenStore(ctx, cfg, "")
	if err != nil || closer != nil {
		t.Fatalf("open memory: %v", err)
	}
	if _, ok := st.(*store.MemoryStore); !ok {
		t.Fatalf("expected memory store, got %T", st)
	}

	cfg.Store.Backend = config.BackendHTTP
	st, _, err = OpenStore(ctx, cfg, "")
	if err != nil {
		t.Fatalf("open http: %v", err)
	}
	if _, ok := st.(*store.HTTPStore); !ok {
		t.Fatalf("expected http store, got %T", st)
	}

	cfg.Store.Backend = "etcd"
	if _, _, err := OpenStore(ctx, cfg, ""); err == nil {
		t.Fatalf("expected unknown backend error")
	}
}

func TestOpenWithoutPlanner(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Backend = config.BackendMemory
	cfg.Planner.BaseURL = ""
	svc, err := Open(context.Background(), cfg, "", nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer svc.Close()
	if _, err := svc.Engine.AutoRun(context.Background()); !errors.Is(err, engine.ErrNoPlanner) {
		t.Fatalf("expected ErrNoPlanner, got %v", err)
	}
}

func TestOpenWiresWebhooks(t *testing.T) {
	var hits atomic.Int32
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Autopilot-Event") == "run.approval" {
			hits.Add(1)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	cfg := config.Default()
	cfg.Store.Backend = config.BackendMemory
	cfg.Webhooks = []config.WebhookConfig{{URL: hook.URL}}
	ctx := context.Background()
	svc, err := Open(ctx, cfg, "", nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := svc.Store.Put(ctx, "users", []byte(`[{"email":"a@x"}]`), store.NoRevision); err != nil {
		t.Fatalf("seed users: %v", err)
	}
	if _, err := svc.Store.Put(ctx, "projects_a@x", []byte(`[{"id":"p1","tasks":[]}]`), store.NoRevision); err != nil {
		t.Fatalf("seed projects: %v", err)
	}
	a := domain.Action{Kind: domain.KindCreateTask, ProjectID: "p1", Params: map[string]any{"title": "Hook me"}}
	res, err := svc.Engine.Approve(ctx, a, "tester")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if res.Status != domain.StatusApproved {
		t.Fatalf("unexpected result %+v", res)
	}
	svc.Close()
	if hits.Load() != 1 {
		t.Fatalf("expected one webhook delivery, got %d", hits.Load())
	}
}
