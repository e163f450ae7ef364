package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"autopilot/internal/config"
	"autopilot/internal/engine"
	"autopilot/internal/events"
	"autopilot/internal/planner"
	"autopilot/internal/repo"
	"autopilot/internal/store"
)

// Services bundles everything a command or the server needs for one
// configured workspace.
type Services struct {
	Config   *config.Config
	Store    store.Store
	Repo     repo.Repo
	Engine   engine.Engine
	Notifier *events.Notifier
	closer   io.Closer
}

// Close waits for in-flight webhook deliveries and releases the store.
func (s *Services) Close() error {
	if s.Notifier != nil {
		s.Notifier.Wait()
	}
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// OpenStore builds the store backend selected by cfg. The returned closer may
// be nil.
func OpenStore(ctx context.Context, cfg *config.Config, workspace string) (store.Store, io.Closer, error) {
	switch cfg.Store.Backend {
	case config.BackendHTTP:
		return store.NewHTTPStore(cfg.Store.URL, cfg.StoreTimeout()), nil, nil
	case config.BackendRedis:
		s := store.NewRedisStore(store.RedisOptions{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
			Prefix:   cfg.Store.Redis.Prefix,
		})
		if err := s.Client.Ping(ctx).Err(); err != nil {
			s.Close()
			return nil, nil, fmt.Errorf("connect redis %s: %w", cfg.Store.Redis.Addr, err)
		}
		return s, s, nil
	case config.BackendMemory:
		return store.NewMemoryStore(), nil, nil
	case config.BackendSQLite, "":
		if cfg.Store.Workspace != "" {
			workspace = cfg.Store.Workspace
		}
		s, err := store.OpenSQLite(ctx, workspace)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// Open wires store, repo, planner, audit log and engine from cfg. A planner
// without a base URL is left unset; automatic runs then fail with
// engine.ErrNoPlanner while approval and undo keep working.
func Open(ctx context.Context, cfg *config.Config, workspace string, logger *slog.Logger) (*Services, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	st, closer, err := OpenStore(ctx, cfg, workspace)
	if err != nil {
		return nil, err
	}
	r := repo.Repo{Store: st, MaxRetries: cfg.Store.MaxRetries}

	notifier := events.NewNotifier(cfg.Webhooks, logger)
	audit := events.Writer{Repo: r, MaxRuns: cfg.Audit.MaxRuns}
	if len(cfg.Webhooks) > 0 {
		audit.Listeners = append(audit.Listeners, notifier)
	}

	var p planner.Planner
	if cfg.Planner.BaseURL != "" {
		p = planner.NewClient(cfg.Planner.BaseURL, cfg.Planner.Model, cfg.Planner.APIKey, cfg.PlannerTimeout())
	} else {
		logger.Warn("planner base_url not set; automatic runs are disabled")
	}

	e := engine.New(r, p, audit, logger)
	e.MaxSnapshotBytes = cfg.Snapshot.MaxBytes
	return &Services{
		Config:   cfg,
		Store:    st,
		Repo:     r,
		Engine:   e,
		Notifier: notifier,
		closer:   closer,
	}, nil
}
