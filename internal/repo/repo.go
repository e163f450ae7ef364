package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"autopilot/internal/domain"
	"autopilot/internal/store"
)

const defaultMaxRetries = 3

// Repo reads and rewrites whole collections in the store. Every write carries
// the revision it read, and a conflicting write replays the mutation.
type Repo struct {
	Store      store.Store
	MaxRetries int
}

var (
	ErrOwnerNotFound = errors.New("project owner not found")
	// ErrUnchanged lets a mutation skip the write.
	ErrUnchanged = errors.New("unchanged")
)

const (
	UsersKey = "users"
	LogsKey  = "orchestrator_logs"
)

func ProjectsKey(email string) string      { return "projects_" + email }
func DocTabsKey(projectID string) string   { return "doctabs_" + projectID }
func ChatKey(projectID string) string      { return "chat_" + projectID }
func ResearchKey(projectID string) string  { return "research_" + projectID }
func NotificationsKey(email string) string { return "notifications_" + email }
func DocRowsKey(projectID, docID string) string {
	return "docrows_" + projectID + "_" + docID
}

func (r Repo) retries() int {
	if r.MaxRetries <= 0 {
		return defaultMaxRetries
	}
	return r.MaxRetries
}

func load[T any](ctx context.Context, s store.Store, key string) (T, string, bool, error) {
	var out T
	entry, err := s.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return out, store.NoRevision, false, nil
	}
	if err != nil {
		return out, "", false, err
	}
	if err := json.Unmarshal(entry.Value, &out); err != nil {
		return out, "", false, fmt.Errorf("decode %s: %w", key, err)
	}
	return out, entry.Revision, true, nil
}

// Read decodes the value at key. A missing key yields the zero value and
// found=false.
func Read[T any](ctx context.Context, r Repo, key string) (T, bool, error) {
	v, _, found, err := load[T](ctx, r.Store, key)
	return v, found, err
}

// Mutate runs a read-modify-write of key. fn receives the current value (the
// zero value when the key is missing); returning an error aborts without
// writing. Revision conflicts re-run fn against a fresh read.
func Mutate[T any](ctx context.Context, r Repo, key string, fn func(cur T, found bool) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 0; attempt <= r.retries(); attempt++ {
		cur, rev, found, err := load[T](ctx, r.Store, key)
		if err != nil {
			return zero, err
		}
		next, err := fn(cur, found)
		if errors.Is(err, ErrUnchanged) {
			return cur, nil
		}
		if err != nil {
			return zero, err
		}
		data, err := json.Marshal(next)
		if err != nil {
			return zero, fmt.Errorf("encode %s: %w", key, err)
		}
		if _, err := r.Store.Put(ctx, key, data, rev); err != nil {
			if errors.Is(err, store.ErrConflict) {
				lastErr = err
				continue
			}
			return zero, err
		}
		return next, nil
	}
	return zero, fmt.Errorf("write %s after %d attempts: %w", key, r.retries()+1, lastErr)
}

func (r Repo) Users(ctx context.Context) ([]domain.User, error) {
	users, _, err := Read[[]domain.User](ctx, r, UsersKey)
	return users, err
}

// Projects returns the owner's project collection; found is false when the
// owner has never stored one.
func (r Repo) Projects(ctx context.Context, email string) ([]domain.Project, bool, error) {
	return Read[[]domain.Project](ctx, r, ProjectsKey(email))
}

// OwnerOf scans every user's projects for projectID.
func (r Repo) OwnerOf(ctx context.Context, projectID string) (string, error) {
	_, owner, err := r.FindProject(ctx, projectID)
	return owner, err
}

// FindProject returns the project and its owner's email.
func (r Repo) FindProject(ctx context.Context, projectID string) (domain.Project, string, error) {
	if projectID == "" {
		return domain.Project{}, "", ErrOwnerNotFound
	}
	users, err := r.Users(ctx)
	if err != nil {
		return domain.Project{}, "", err
	}
	for _, u := range users {
		if u.Email == "" {
			continue
		}
		projects, _, err := r.Projects(ctx, u.Email)
		if err != nil {
			return domain.Project{}, "", err
		}
		for _, p := range projects {
			if p.ID == projectID {
				return p, u.Email, nil
			}
		}
	}
	return domain.Project{}, "", ErrOwnerNotFound
}

// UpdateProject rewrites the owner's project collection with fn applied to
// projectID. It returns the project as it was before fn ran.
func (r Repo) UpdateProject(ctx context.Context, projectID string, fn func(p *domain.Project) error) (domain.Project, error) {
	owner, err := r.OwnerOf(ctx, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	var before domain.Project
	_, err = Mutate(ctx, r, ProjectsKey(owner), func(projects []domain.Project, _ bool) ([]domain.Project, error) {
		for i := range projects {
			if projects[i].ID != projectID {
				continue
			}
			before = cloneProject(projects[i])
			if err := fn(&projects[i]); err != nil {
				return nil, err
			}
			return projects, nil
		}
		return nil, ErrOwnerNotFound
	})
	return before, err
}

// Records reads a schemaless collection; a missing key reads as empty.
func (r Repo) Records(ctx context.Context, key string) ([]domain.Record, error) {
	recs, _, err := Read[[]domain.Record](ctx, r, key)
	return recs, err
}

// UpdateRecords rewrites the collection at key with fn's result. A nil result
// is stored as an empty array.
func (r Repo) UpdateRecords(ctx context.Context, key string, fn func(recs []domain.Record) ([]domain.Record, error)) ([]domain.Record, error) {
	return Mutate(ctx, r, key, func(recs []domain.Record, _ bool) ([]domain.Record, error) {
		next, err := fn(recs)
		if err != nil {
			return nil, err
		}
		if next == nil {
			next = []domain.Record{}
		}
		return next, nil
	})
}

// ReplaceRecords overwrites the collection at key regardless of its content.
func (r Repo) ReplaceRecords(ctx context.Context, key string, recs []domain.Record) error {
	_, err := r.UpdateRecords(ctx, key, func([]domain.Record) ([]domain.Record, error) { return recs, nil })
	return err
}

func cloneProject(p domain.Project) domain.Project {
	out := p
	out.Tasks = cloneRecords(p.Tasks)
	out.Expenses = cloneRecords(p.Expenses)
	return out
}

func cloneRecords(recs []domain.Record) []domain.Record {
	if recs == nil {
		return nil
	}
	out := make([]domain.Record, len(recs))
	for i, rec := range recs {
		out[i] = rec.Clone()
	}
	return out
}
