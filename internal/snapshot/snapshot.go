// Package snapshot collects every tenant's projects, document tabs and rows
// into the JSON document handed to the planning service.
package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"autopilot/internal/domain"
	"autopilot/internal/repo"
)

type ProjectSnapshot struct {
	Project domain.Project             `json:"project"`
	Owner   string                     `json:"owner"`
	DocTabs []domain.Record            `json:"docTabs"`
	Rows    map[string][]domain.Record `json:"rows"`
}

type Snapshot struct {
	Projects []ProjectSnapshot
	// Owners maps project id to owner email.
	Owners map[string]string
}

type Builder struct {
	Repo repo.Repo
}

// Build reads users, then each user's projects, then each project's doc tabs
// and rows. Users without a project collection are skipped; any store error
// aborts.
func (b Builder) Build(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{Owners: map[string]string{}}
	users, err := b.Repo.Users(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read users: %w", err)
	}
	for _, u := range users {
		if u.Email == "" {
			continue
		}
		projects, found, err := b.Repo.Projects(ctx, u.Email)
		if err != nil {
			return Snapshot{}, fmt.Errorf("read projects of %s: %w", u.Email, err)
		}
		if !found {
			continue
		}
		for _, p := range projects {
			ps, err := b.project(ctx, p, u.Email)
			if err != nil {
				return Snapshot{}, err
			}
			snap.Projects = append(snap.Projects, ps)
			snap.Owners[p.ID] = u.Email
		}
	}
	return snap, nil
}

func (b Builder) project(ctx context.Context, p domain.Project, owner string) (ProjectSnapshot, error) {
	ps := ProjectSnapshot{Project: p, Owner: owner, DocTabs: []domain.Record{}, Rows: map[string][]domain.Record{}}
	tabs, err := b.Repo.Records(ctx, repo.DocTabsKey(p.ID))
	if err != nil {
		return ps, fmt.Errorf("read doc tabs of %s: %w", p.ID, err)
	}
	for _, tab := range tabs {
		ps.DocTabs = append(ps.DocTabs, tab)
		id := tab.ID()
		if id == "" {
			continue
		}
		rows, err := b.Repo.Records(ctx, repo.DocRowsKey(p.ID, id))
		if err != nil {
			return ps, fmt.Errorf("read rows of %s/%s: %w", p.ID, id, err)
		}
		if rows == nil {
			rows = []domain.Record{}
		}
		ps.Rows[id] = rows
	}
	return ps, nil
}

// Encode serializes the project list as a JSON array no larger than maxBytes
// (0 means unbounded). Trailing projects that do not fit are dropped whole and
// counted, so the output always parses.
func (s Snapshot) Encode(maxBytes int) ([]byte, int, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, p := range s.Projects {
		data, err := json.Marshal(p)
		if err != nil {
			return nil, 0, fmt.Errorf("encode project %s: %w", p.Project.ID, err)
		}
		need := len(data) + 1
		if i > 0 {
			need++
		}
		if maxBytes > 0 && buf.Len()+need > maxBytes {
			buf.WriteByte(']')
			return buf.Bytes(), len(s.Projects) - i, nil
		}
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(data)
	}
	buf.WriteByte(']')
	return buf.Bytes(), 0, nil
}
