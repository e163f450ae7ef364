// Package store is the key-value client every other component reads and
// writes through. Values are raw JSON documents; each read carries a revision
// token that a later write must present to detect concurrent updates.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("key not found")
	ErrConflict = errors.New("revision conflict")
)

// NoRevision is the expected revision for a key that must not exist yet.
const NoRevision = ""

// ConflictError reports a write whose expected revision no longer matches.
type ConflictError struct {
	Key              string
	ExpectedRevision string
	CurrentRevision  string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("revision conflict on %s", e.Key)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

type Entry struct {
	Key      string
	Value    []byte
	Revision string
}

type Store interface {
	// Get returns ErrNotFound when the key has never been written.
	Get(ctx context.Context, key string) (Entry, error)
	// Put writes value if the stored revision still equals expected and
	// returns the new revision.
	Put(ctx context.Context, key string, value []byte, expected string) (string, error)
}

// ContentRevision derives a revision from the stored bytes, for backends that
// keep no version counter of their own.
func ContentRevision(value []byte) string {
	sum := sha256.Sum256(value)
	return hex.EncodeToString(sum[:])
}
