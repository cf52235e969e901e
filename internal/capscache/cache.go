// Package capscache is the read-through, write-once capability cache
// consulted during service discovery.
//
// Every operation runs on one dispatch.Queue, which guards the
// in-memory mirror and the backend handle together. A store therefore
// cannot interleave with an IsCached or Features check for the same node.
package capscache

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/gezibash/arc-session/internal/capstore/physical"
	"github.com/gezibash/arc-session/internal/dispatch"
	"github.com/gezibash/arc-session/internal/observability"
	"github.com/gezibash/arc-session/internal/xmpp"
	"github.com/gezibash/arc-session/pkg/logging"
)

const defaultTimeout = 5 * time.Second

// Cache maps discovery nodes to their features and identity.
type Cache struct {
	backend physical.Backend
	queue   *dispatch.Queue
	metrics *observability.Metrics
	log     *logging.Logger
	timeout time.Duration

	// Mirror of rows known to be persisted. Only touched on queue.
	features   map[string][]string
	identities map[string]xmpp.Identity
}

// Option configures a Cache.
type Option func(*Cache)

// WithMetrics records lookups, stores and backend errors on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Cache) { c.log = l }
}

// WithTimeout bounds each backend call.
func WithTimeout(d time.Duration) Option {
	return func(c *Cache) { c.timeout = d }
}

// New creates a cache over backend. The cache does not own backend;
// Close leaves it open.
func New(backend physical.Backend, opts ...Option) *Cache {
	c := &Cache{
		backend:    backend,
		queue:      dispatch.New("capscache"),
		log:        logging.New(nil),
		timeout:    defaultTimeout,
		features:   make(map[string][]string),
		identities: make(map[string]xmpp.Identity),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.WithComponent("capscache")
	return c
}

// Features returns the features of node. Misses are not remembered, so a
// later Store for the node is never shadowed by an earlier lookup.
func (c *Cache) Features(node string) ([]string, bool) {
	type result struct {
		features []string
		ok       bool
	}
	r, err := dispatch.SyncValue(c.queue, func() result {
		f, ok := c.featuresLocked(node)
		return result{f, ok}
	})
	if err != nil {
		return nil, false
	}
	return r.features, r.ok
}

// Identity returns the identity stored for node.
func (c *Cache) Identity(node string) (xmpp.Identity, bool) {
	type result struct {
		id xmpp.Identity
		ok bool
	}
	r, err := dispatch.SyncValue(c.queue, func() result {
		id, ok := c.identityLocked(node)
		return result{id, ok}
	})
	if err != nil {
		return xmpp.Identity{}, false
	}
	return r.id, r.ok
}

// NodesWithFeature queries the backend directly; reverse lookups are not
// mirrored.
func (c *Cache) NodesWithFeature(feature string) []string {
	nodes, _ := dispatch.SyncValue(c.queue, func() []string {
		ctx, cancel := c.context()
		defer cancel()
		nodes, err := c.backend.NodesWithFeature(ctx, feature)
		if err != nil {
			c.storageError("nodes_with_feature", err, "feature", feature)
			c.lookup("nodes_with_feature", "error")
			return nil
		}
		c.lookup("nodes_with_feature", hitOrMiss(len(nodes) > 0))
		return nodes
	})
	return nodes
}

// IsCached reports whether the backend holds at least one feature for
// node. Backend errors report true so a storage fault never triggers
// repeated discovery.
func (c *Cache) IsCached(node string) bool {
	cached, err := dispatch.SyncValue(c.queue, func() bool {
		return c.isCachedLocked(node)
	})
	if err != nil {
		return true
	}
	return cached
}

// IsCachedAsync evaluates IsCached on the cache queue and passes the
// answer to fn there. fn must not call back into the cache synchronously.
func (c *Cache) IsCachedAsync(node string, fn func(bool)) {
	if err := c.queue.Async(func() { fn(c.isCachedLocked(node)) }); err != nil {
		fn(true)
	}
}

// Store records identity and features for node unless the node is
// already cached. It returns immediately.
func (c *Cache) Store(node string, identity *xmpp.Identity, features []string) {
	features = cloneFeatures(features)
	if err := c.queue.Async(func() { c.storeLocked(node, identity, features) }); err != nil {
		c.log.Debug("store after close dropped", "node", logging.FormatNode(node))
	}
}

// StoreSync is Store that waits and reports whether anything was written.
func (c *Cache) StoreSync(node string, identity *xmpp.Identity, features []string) bool {
	features = cloneFeatures(features)
	stored, err := dispatch.SyncValue(c.queue, func() bool {
		return c.storeLocked(node, identity, features)
	})
	return err == nil && stored
}

// Close drains pending stores and stops the queue.
func (c *Cache) Close() error {
	c.queue.Close()
	return nil
}

func (c *Cache) featuresLocked(node string) ([]string, bool) {
	if f, ok := c.features[node]; ok {
		c.lookup("features", "hit")
		return cloneFeatures(f), true
	}

	ctx, cancel := c.context()
	defer cancel()
	f, err := c.backend.Features(ctx, node)
	if err != nil {
		c.storageError("features", err, "node", logging.FormatNode(node))
		c.lookup("features", "error")
		return nil, false
	}
	if len(f) == 0 {
		c.lookup("features", "miss")
		return nil, false
	}
	c.features[node] = f
	c.lookup("features", "load")
	return cloneFeatures(f), true
}

func (c *Cache) identityLocked(node string) (xmpp.Identity, bool) {
	if id, ok := c.identities[node]; ok {
		c.lookup("identity", "hit")
		return id, true
	}

	ctx, cancel := c.context()
	defer cancel()
	id, err := c.backend.Identity(ctx, node)
	if errors.Is(err, physical.ErrNotFound) {
		c.lookup("identity", "miss")
		return xmpp.Identity{}, false
	}
	if err != nil {
		c.storageError("identity", err, "node", logging.FormatNode(node))
		c.lookup("identity", "error")
		return xmpp.Identity{}, false
	}
	c.identities[node] = *id
	c.lookup("identity", "load")
	return *id, true
}

func (c *Cache) isCachedLocked(node string) bool {
	if _, ok := c.features[node]; ok {
		return true
	}
	ctx, cancel := c.context()
	defer cancel()
	n, err := c.backend.CountFeatures(ctx, node)
	if err != nil {
		c.storageError("is_cached", err, "node", logging.FormatNode(node))
		return true
	}
	return n > 0
}

func (c *Cache) storeLocked(node string, identity *xmpp.Identity, features []string) bool {
	if c.isCachedLocked(node) {
		c.storeResult("duplicate")
		return false
	}

	op, ctx := observability.StartOperation(context.Background(), c.metrics, "capscache.store")
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var firstErr error
	if identity != nil {
		if err := c.backend.InsertIdentity(ctx, node, *identity); err != nil {
			c.storageError("insert_identity", err, "node", logging.FormatNode(node))
			firstErr = err
		} else {
			c.identities[node] = *identity
		}
	}

	written := make([]string, 0, len(features))
	for _, f := range features {
		if err := c.backend.InsertFeature(ctx, node, f); err != nil {
			c.storageError("insert_feature", err, "node", logging.FormatNode(node), "feature", f)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		written = append(written, f)
	}
	op.End(firstErr)

	// Mirror only what reached the backend so the two never disagree.
	if len(written) > 0 {
		slices.Sort(written)
		c.features[node] = slices.Compact(written)
	}
	if firstErr != nil {
		c.storeResult("partial")
	} else {
		c.storeResult("stored")
	}
	c.log.Debug("capabilities stored", "node", logging.FormatNode(node), "features", len(written))
	return len(written) > 0
}

func (c *Cache) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), c.timeout)
}

func (c *Cache) lookup(op, result string) {
	if c.metrics != nil {
		c.metrics.CapsLookups.WithLabelValues(op, result).Inc()
	}
}

func (c *Cache) storeResult(result string) {
	if c.metrics != nil {
		c.metrics.CapsStores.WithLabelValues(result).Inc()
	}
}

func (c *Cache) storageError(op string, err error, args ...any) {
	c.log.Warn("capability store error", append([]any{"op", op, "error", err}, args...)...)
	if c.metrics != nil {
		c.metrics.StorageErrors.WithLabelValues(op).Inc()
	}
}

func hitOrMiss(hit bool) string {
	if hit {
		return "hit"
	}
	return "miss"
}

func cloneFeatures(f []string) []string {
	if f == nil {
		return nil
	}
	return append([]string(nil), f...)
}
