// Package badger provides a BadgerDB-backed capstore backend.
package badger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"

	"github.com/gezibash/arc-session/internal/capstore/physical"
	"github.com/gezibash/arc-session/internal/xmpp"
)

// Key layout. Node and feature strings are joined with a NUL, which
// cannot occur in either.
const (
	prefixFeature  = "f/" // f/<node>\x00<feature>
	prefixReverse  = "r/" // r/<feature>\x00<node>
	prefixIdentity = "i/" // i/<node> -> JSON identity
	sep            = "\x00"
)

const (
	KeyPath             = "path"
	KeySyncWrites       = "sync_writes"
	KeyValueLogFileSize = "value_log_file_size"
	KeyInMemory         = "in_memory"
)

func init() {
	physical.Register("badger", NewFactory, Defaults)
}

// Defaults returns the default configuration for the BadgerDB backend.
func Defaults() map[string]string {
	return map[string]string{
		KeyPath:             "~/.arc-session/caps",
		KeySyncWrites:       "false",
		KeyValueLogFileSize: strconv.FormatInt(64<<20, 10),
		KeyInMemory:         "false",
	}
}

// NewFactory creates a new BadgerDB backend from a configuration map.
func NewFactory(_ context.Context, config map[string]string) (physical.Backend, error) {
	opts := physical.Options{Backend: "badger", Values: config}

	inMemory, err := opts.Bool(KeyInMemory, false)
	if err != nil {
		return nil, err
	}
	if inMemory {
		db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
		if err != nil {
			return nil, physical.NewConfigErrorWithCause("badger", KeyInMemory, "failed to open in-memory database", err)
		}
		slog.Info("badger capstore initialized (in-memory)")
		return NewWithDB(db), nil
	}

	path := opts.Path(KeyPath, "")
	if path == "" || path == "." {
		return nil, physical.NewConfigError("badger", KeyPath, "cannot be empty")
	}
	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, physical.NewConfigErrorWithCause("badger", KeyPath, "failed to create directory", err)
	}

	syncWrites, err := opts.Bool(KeySyncWrites, false)
	if err != nil {
		return nil, err
	}
	valueLogFileSize, err := opts.Int64(KeyValueLogFileSize, 64<<20)
	if err != nil {
		return nil, err
	}

	bopts := badger.DefaultOptions(path)
	bopts.Logger = nil
	bopts.SyncWrites = syncWrites
	if valueLogFileSize > 0 {
		bopts.ValueLogFileSize = valueLogFileSize
	}

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, physical.NewConfigErrorWithCause("badger", KeyPath, "failed to open database", err)
	}

	slog.Info("badger capstore initialized", "path", path, "sync_writes", syncWrites)
	return NewWithDB(db), nil
}

// Backend is a BadgerDB implementation of physical.Backend.
type Backend struct {
	db     *badger.DB
	closed atomic.Bool
}

// NewWithDB creates a new backend with an existing BadgerDB instance.
func NewWithDB(db *badger.DB) *Backend {
	return &Backend{db: db}
}

func (b *Backend) InsertFeature(_ context.Context, node, feature string) error {
	if b.closed.Load() {
		return physical.ErrClosed
	}
	return b.update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(prefixFeature+node+sep+feature), nil); err != nil {
			return err
		}
		return txn.Set([]byte(prefixReverse+feature+sep+node), nil)
	})
}

func (b *Backend) InsertIdentity(_ context.Context, node string, id xmpp.Identity) error {
	if b.closed.Load() {
		return physical.ErrClosed
	}
	data, err := json.Marshal(id)
	if err != nil {
		return fmt.Errorf("badger insert identity: %w", err)
	}
	key := []byte(prefixIdentity + node)
	return b.update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, data)
	})
}

func (b *Backend) Features(_ context.Context, node string) ([]string, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}
	return b.suffixes([]byte(prefixFeature + node + sep))
}

func (b *Backend) Identity(_ context.Context, node string) (*xmpp.Identity, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}
	var id xmpp.Identity
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixIdentity + node))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &id)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, physical.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("badger identity: %w", err)
	}
	return &id, nil
}

func (b *Backend) NodesWithFeature(_ context.Context, feature string) ([]string, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}
	return b.suffixes([]byte(prefixReverse + feature + sep))
}

func (b *Backend) CountFeatures(_ context.Context, node string) (int64, error) {
	if b.closed.Load() {
		return 0, physical.ErrClosed
	}
	var n int64
	err := b.db.View(func(txn *badger.Txn) error {
		prefix := []byte(prefixFeature + node + sep)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("badger count features: %w", err)
	}
	return n, nil
}

func (b *Backend) Stats(_ context.Context) (*physical.Stats, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}
	stats := &physical.Stats{BackendType: "badger"}
	err := b.db.View(func(txn *badger.Txn) error {
		prefix := []byte(prefixFeature)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		var lastNode []byte
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().Key()[len(prefix):]
			node, _, _ := bytes.Cut(key, []byte(sep))
			if !bytes.Equal(node, lastNode) {
				stats.Nodes++
				lastNode = append(lastNode[:0], node...)
			}
			stats.Features++
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger stats: %w", err)
	}
	lsm, vlog := b.db.Size()
	stats.SizeBytes = lsm + vlog
	return stats, nil
}

// Close closes the database. Subsequent calls are no-ops.
func (b *Backend) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	return b.db.Close()
}

// update runs fn in a read-write transaction, retrying on conflicts with
// concurrent writers.
func (b *Backend) update(fn func(txn *badger.Txn) error) error {
	for {
		err := b.db.Update(fn)
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		return err
	}
}

func (b *Backend) suffixes(prefix []byte) ([]string, error) {
	var out []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			out = append(out, string(it.Item().Key()[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger scan: %w", err)
	}
	return out, nil
}
