// Package physical provides the storage backend interface for the
// capability cache.
//
// A backend holds two relations: feature rows (node, feature) and at most
// one identity row per node. Rows are only ever inserted; write-once
// semantics are enforced by the cache above, not here.
package physical

import (
	"context"
	"fmt"

	"github.com/gezibash/arc-session/internal/xmpp"
	arcerrors "github.com/gezibash/arc-session/pkg/errors"
)

var (
	// ErrNotFound indicates no identity row exists for the node.
	ErrNotFound = fmt.Errorf("capability entry %w", arcerrors.ErrNotFound)

	// ErrClosed indicates the backend has been closed.
	ErrClosed = fmt.Errorf("backend %w", arcerrors.ErrClosed)
)

// Stats contains storage statistics.
type Stats struct {
	Nodes       int64
	Features    int64
	SizeBytes   int64
	BackendType string
}

// Backend is the physical storage interface for capability rows.
// All implementations must be safe for concurrent use.
type Backend interface {
	InsertFeature(ctx context.Context, node, feature string) error
	InsertIdentity(ctx context.Context, node string, id xmpp.Identity) error
	Features(ctx context.Context, node string) ([]string, error)
	Identity(ctx context.Context, node string) (*xmpp.Identity, error)
	NodesWithFeature(ctx context.Context, feature string) ([]string, error)
	CountFeatures(ctx context.Context, node string) (int64, error)
	Stats(ctx context.Context) (*Stats, error)
	Close() error
}
