// Package store defines the storage-collaborator contracts this system
// treats as external (§6.5): a key-addressed BlobStore for datasets/outputs,
// and a DocStore for project state and run artifacts. It also holds the
// Session State Store, the process-local map of live Session objects with a
// Redis fast tier and a DocStore-backed durable snapshot for pause/resume
// across restarts.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist, mirroring
// the teacher's store-package sentinel convention.
var ErrNotFound = errors.New("not found")

// ObjectStat is the result of a blob Stat call (§6.5).
type ObjectStat struct {
	ETag         string
	LastModified time.Time
	Size         int64
}

// BlobStore is the key-addressed object store for datasets/outputs
// (CSV/Arrow). Out of scope per §1 as an implementation, in scope as a
// contract this system depends on.
type BlobStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	Stat(ctx context.Context, key string) (ObjectStat, error)
	ListByPrefix(ctx context.Context, prefix string) ([]string, error)
}

// DocStore is the document store for project state and run artifacts
// (§6.5). Project-state writes are full-replace per mode; run-artifact
// writes deep-merge lists/dicts.
type DocStore interface {
	// GetProjectState loads the persisted state document for
	// client/app/project/mode, or ErrNotFound if none exists yet.
	GetProjectState(ctx context.Context, docID string) ([]byte, error)
	// PutProjectState replaces the persisted state document wholesale.
	PutProjectState(ctx context.Context, docID string, data []byte) error
	// MergeRunArtifact deep-extends the run-artifact document at key with
	// the given partial update.
	MergeRunArtifact(ctx context.Context, key string, update map[string]any) error
}
