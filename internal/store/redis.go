package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps values as plain strings under Prefix+key. Writes run in a
// WATCH/MULTI transaction and compare content revisions before committing.
type RedisStore struct {
	Client *redis.Client
	Prefix string
}

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

func NewRedisStore(opts RedisOptions) *RedisStore {
	return &RedisStore{
		Client: redis.NewClient(&redis.Options{
			Addr:     opts.Addr,
			Password: opts.Password,
			DB:       opts.DB,
		}),
		Prefix: opts.Prefix,
	}
}

func (s *RedisStore) Close() error {
	return s.Client.Close()
}

func (s *RedisStore) Get(ctx context.Context, key string) (Entry, error) {
	value, err := s.Client.Get(ctx, s.Prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("get %s: %w", key, err)
	}
	return Entry{Key: key, Value: value, Revision: ContentRevision(value)}, nil
}

func (s *RedisStore) Put(ctx context.Context, key string, value []byte, expected string) (string, error) {
	full := s.Prefix + key
	err := s.Client.Watch(ctx, func(tx *redis.Tx) error {
		current := NoRevision
		cur, err := tx.Get(ctx, full).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			current = ContentRevision(cur)
		}
		if current != expected {
			return &ConflictError{Key: key, ExpectedRevision: expected, CurrentRevision: current}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, full, value, 0)
			return nil
		})
		return err
	}, full)
	if errors.Is(err, redis.TxFailedErr) {
		return "", &ConflictError{Key: key, ExpectedRevision: expected}
	}
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return "", err
		}
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	return ContentRevision(value), nil
}
