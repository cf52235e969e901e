// Package redis provides a Redis-backed capstore backend, useful when
// several session daemons share one capability store.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gezibash/arc-session/internal/capstore/physical"
	"github.com/gezibash/arc-session/internal/xmpp"
)

const (
	KeyAddr         = "addr"
	KeyPassword     = "password"
	KeyDB           = "db"
	KeyMaxRetries   = "max_retries"
	KeyDialTimeout  = "dial_timeout"
	KeyReadTimeout  = "read_timeout"
	KeyWriteTimeout = "write_timeout"
	KeyPoolSize     = "pool_size"
	KeyKeyPrefix    = "key_prefix"
)

func init() {
	physical.Register("redis", NewFactory, Defaults)
}

// Defaults returns the default configuration for the Redis backend.
func Defaults() map[string]string {
	return map[string]string{
		KeyAddr:         "localhost:6379",
		KeyPassword:     "",
		KeyDB:           "2",
		KeyMaxRetries:   "3",
		KeyDialTimeout:  "5s",
		KeyReadTimeout:  "3s",
		KeyWriteTimeout: "3s",
		KeyPoolSize:     "0",
		KeyKeyPrefix:    "arc-session:caps:",
	}
}

// NewFactory creates a new Redis backend from a configuration map.
func NewFactory(ctx context.Context, config map[string]string) (physical.Backend, error) {
	opts := physical.Options{Backend: "redis", Values: config}

	addr := opts.String(KeyAddr, "")
	if addr == "" {
		return nil, physical.NewConfigError("redis", KeyAddr, "cannot be empty")
	}
	db, err := opts.Int(KeyDB, 2)
	if err != nil {
		return nil, err
	}
	if db < 0 {
		return nil, &physical.ConfigError{Backend: "redis", Field: KeyDB, Value: config[KeyDB], Message: "must be non-negative"}
	}
	maxRetries, err := opts.Int(KeyMaxRetries, 3)
	if err != nil {
		return nil, err
	}
	dialTimeout, err := opts.Duration(KeyDialTimeout, 5*time.Second)
	if err != nil {
		return nil, err
	}
	readTimeout, err := opts.Duration(KeyReadTimeout, 3*time.Second)
	if err != nil {
		return nil, err
	}
	writeTimeout, err := opts.Duration(KeyWriteTimeout, 3*time.Second)
	if err != nil {
		return nil, err
	}
	poolSize, err := opts.Int(KeyPoolSize, 0)
	if err != nil {
		return nil, err
	}

	ropts := &redis.Options{
		Addr:         addr,
		Password:     opts.String(KeyPassword, ""),
		DB:           db,
		MaxRetries:   maxRetries,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
	if poolSize > 0 {
		ropts.PoolSize = poolSize
	}

	client := redis.NewClient(ropts)

	pingCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, physical.NewConfigErrorWithCause("redis", KeyAddr, "failed to connect", err)
	}

	prefix := opts.String(KeyKeyPrefix, "arc-session:caps:")
	slog.Info("redis capstore initialized", "addr", addr, "db", db, "key_prefix", prefix)
	return NewWithClient(client, prefix), nil
}

// Backend is a Redis implementation of physical.Backend.
//
// Each node owns a set of features and each feature a reverse set of
// nodes. A separate set tracks known nodes and a counter tracks rows so
// Stats stays O(1).
type Backend struct {
	client *redis.Client
	prefix string
	closed atomic.Bool
}

// NewWithClient creates a new backend with an existing Redis client.
func NewWithClient(client *redis.Client, prefix string) *Backend {
	return &Backend{client: client, prefix: prefix}
}

func (b *Backend) featuresKey(node string) string { return b.prefix + "f:" + node }
func (b *Backend) nodesKey(feature string) string { return b.prefix + "r:" + feature }
func (b *Backend) identityKey(node string) string { return b.prefix + "i:" + node }
func (b *Backend) allNodesKey() string            { return b.prefix + "nodes" }
func (b *Backend) countKey() string               { return b.prefix + "count" }

// addFeature inserts the row and bumps the counter only when the row is new.
var addFeature = redis.NewScript(`
if redis.call('SADD', KEYS[1], ARGV[2]) == 1 then
  redis.call('SADD', KEYS[2], ARGV[1])
  redis.call('SADD', KEYS[3], ARGV[1])
  redis.call('INCR', KEYS[4])
end
return 0
`)

func (b *Backend) InsertFeature(ctx context.Context, node, feature string) error {
	if b.closed.Load() {
		return physical.ErrClosed
	}
	keys := []string{b.featuresKey(node), b.nodesKey(feature), b.allNodesKey(), b.countKey()}
	if err := addFeature.Run(ctx, b.client, keys, node, feature).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis insert feature: %w", err)
	}
	return nil
}

func (b *Backend) InsertIdentity(ctx context.Context, node string, id xmpp.Identity) error {
	if b.closed.Load() {
		return physical.ErrClosed
	}
	data, err := json.Marshal(id)
	if err != nil {
		return fmt.Errorf("redis insert identity: %w", err)
	}
	if err := b.client.SetNX(ctx, b.identityKey(node), data, 0).Err(); err != nil {
		return fmt.Errorf("redis insert identity: %w", err)
	}
	return nil
}

func (b *Backend) Features(ctx context.Context, node string) ([]string, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}
	return b.members(ctx, b.featuresKey(node))
}

func (b *Backend) Identity(ctx context.Context, node string) (*xmpp.Identity, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}
	data, err := b.client.Get(ctx, b.identityKey(node)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, physical.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis identity: %w", err)
	}
	var id xmpp.Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, fmt.Errorf("redis identity: decode: %w", err)
	}
	return &id, nil
}

func (b *Backend) NodesWithFeature(ctx context.Context, feature string) ([]string, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}
	return b.members(ctx, b.nodesKey(feature))
}

func (b *Backend) CountFeatures(ctx context.Context, node string) (int64, error) {
	if b.closed.Load() {
		return 0, physical.ErrClosed
	}
	n, err := b.client.SCard(ctx, b.featuresKey(node)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis count features: %w", err)
	}
	return n, nil
}

func (b *Backend) Stats(ctx context.Context) (*physical.Stats, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}
	pipe := b.client.Pipeline()
	nodes := pipe.SCard(ctx, b.allNodesKey())
	count := pipe.Get(ctx, b.countKey())
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis stats: %w", err)
	}
	features, err := count.Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis stats: %w", err)
	}
	return &physical.Stats{Nodes: nodes.Val(), Features: features, BackendType: "redis"}, nil
}

// Close closes the client. Subsequent calls are no-ops.
func (b *Backend) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	return b.client.Close()
}

func (b *Backend) members(ctx context.Context, key string) ([]string, error) {
	out, err := b.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	slices.Sort(out)
	return out, nil
}
