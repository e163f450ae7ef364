package snapshot_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"autopilot/internal/domain"
	"autopilot/internal/repo"
	"autopilot/internal/snapshot"
	"autopilot/internal/store"
)

func put(t *testing.T, s store.Store, key, value string) {
	t.Helper()
	if _, err := s.Put(context.Background(), key, []byte(value), store.NoRevision); err != nil {
		t.Fatalf("put %s: %v", key, err)
	}
}

func TestBuildCollectsProjectsTabsAndRows(t *testing.T) {
	mem := store.NewMemoryStore()
	put(t, mem, "users", `[{"email":"a@x"},{"email":"nobody@x"}]`)
	put(t, mem, "projects_a@x", `[{"id":"p1","name":"One"},{"id":"p2","name":"Two"}]`)
	put(t, mem, "doctabs_p1", `[{"id":"d1","title":"Plan"}]`)
	put(t, mem, "docrows_p1_d1", `[{"id":"r1","cells":["a"]}]`)

	snap, err := snapshot.Builder{Repo: repo.Repo{Store: mem}}.Build(context.Background())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(snap.Projects) != 2 {
		t.Fatalf("expected 2 projects, got %d", len(snap.Projects))
	}
	if snap.Owners["p2"] != "a@x" {
		t.Fatalf("owner map: %v", snap.Owners)
	}
	p1 := snap.Projects[0]
	if len(p1.DocTabs) != 1 || len(p1.Rows["d1"]) != 1 {
		t.Fatalf("unexpected p1 snapshot: %+v", p1)
	}
}

type failingStore struct{ store.Store }

func (failingStore) Get(context.Context, string) (store.Entry, error) {
	return store.Entry{}, errors.New("store down")
}

func TestBuildFailsOnStoreError(t *testing.T) {
	_, err := snapshot.Builder{Repo: repo.Repo{Store: failingStore{}}}.Build(context.Background())
	if err == nil || !strings.Contains(err.Error(), "store down") {
		t.Fatalf("expected store error, got %v", err)
	}
}

func TestEncodeDropsWholeTrailingProjects(t *testing.T) {
	snap := snapshot.Snapshot{}
	for _, id := range []string{"p1", "p2", "p3"} {
		snap.Projects = append(snap.Projects, snapshot.ProjectSnapshot{
			Project: domain.Project{ID: id, Name: strings.Repeat("x", 40)},
			Owner:   "a@x",
		})
	}
	full, dropped, err := snap.Encode(0)
	if err != nil || dropped != 0 {
		t.Fatalf("unbounded encode: dropped=%d err=%v", dropped, err)
	}

	limit := len(full) - 10
	out, dropped, err := snap.Encode(limit)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if dropped != 1 {
		t.Fatalf("expected one dropped project, got %d", dropped)
	}
	if len(out) > limit {
		t.Fatalf("output %d bytes exceeds limit %d", len(out), limit)
	}
	var decoded []map[string]any
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("truncated snapshot is not valid JSON: %v", err)
	}
	if len(decoded) != 2 {
		t.Fatalf("expected 2 projects kept, got %d", len(decoded))
	}
}
