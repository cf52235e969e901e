// Package memory provides an in-process capstore backend. Contents do not
// survive a restart.
package memory

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/gezibash/arc-session/internal/capstore/physical"
	"github.com/gezibash/arc-session/internal/xmpp"
)

func init() {
	physical.Register("memory", NewFactory, Defaults)
}

// Defaults returns the default configuration for the memory backend.
func Defaults() map[string]string {
	return map[string]string{}
}

// NewFactory creates a new memory backend. config is ignored.
func NewFactory(_ context.Context, _ map[string]string) (physical.Backend, error) {
	slog.Info("memory capstore initialized")
	return New(), nil
}

// Backend is an in-memory implementation of physical.Backend.
type Backend struct {
	mu         sync.RWMutex
	features   map[string]map[string]struct{}
	identities map[string]xmpp.Identity
	closed     atomic.Bool
}

// New returns an empty backend.
func New() *Backend {
	return &Backend{
		features:   make(map[string]map[string]struct{}),
		identities: make(map[string]xmpp.Identity),
	}
}

func (b *Backend) InsertFeature(_ context.Context, node, feature string) error {
	if b.closed.Load() {
		return physical.ErrClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.features[node]
	if !ok {
		set = make(map[string]struct{})
		b.features[node] = set
	}
	set[feature] = struct{}{}
	return nil
}

func (b *Backend) InsertIdentity(_ context.Context, node string, id xmpp.Identity) error {
	if b.closed.Load() {
		return physical.ErrClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.identities[node]; !ok {
		b.identities[node] = id
	}
	return nil
}

func (b *Backend) Features(_ context.Context, node string) ([]string, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]string, 0, len(b.features[node]))
	for f := range b.features[node] {
		out = append(out, f)
	}
	slices.Sort(out)
	return out, nil
}

func (b *Backend) Identity(_ context.Context, node string) (*xmpp.Identity, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	id, ok := b.identities[node]
	if !ok {
		return nil, physical.ErrNotFound
	}
	return &id, nil
}

func (b *Backend) NodesWithFeature(_ context.Context, feature string) ([]string, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []string
	for node, set := range b.features {
		if _, ok := set[feature]; ok {
			out = append(out, node)
		}
	}
	slices.Sort(out)
	return out, nil
}

func (b *Backend) CountFeatures(_ context.Context, node string) (int64, error) {
	if b.closed.Load() {
		return 0, physical.ErrClosed
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return int64(len(b.features[node])), nil
}

func (b *Backend) Stats(_ context.Context) (*physical.Stats, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	stats := &physical.Stats{Nodes: int64(len(b.features)), BackendType: "memory"}
	for _, set := range b.features {
		stats.Features += int64(len(set))
	}
	return stats, nil
}

// Close marks the backend closed. It is safe to call more than once.
func (b *Backend) Close() error {
	b.closed.Store(true)
	return nil
}
