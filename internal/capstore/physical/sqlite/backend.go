// Package sqlite provides a SQLite-backed capstore backend.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	_ "modernc.org/sqlite"

	"github.com/gezibash/arc-session/internal/capstore/physical"
	"github.com/gezibash/arc-session/internal/xmpp"
)

const (
	KeyPath        = "path"
	KeyJournalMode = "journal_mode"
	KeyBusyTimeout = "busy_timeout"
	KeyCacheSize   = "cache_size"
)

func init() {
	physical.Register("sqlite", NewFactory, Defaults)
}

// Defaults returns the default configuration for the SQLite backend.
func Defaults() map[string]string {
	return map[string]string{
		KeyPath:        "~/.arc-session/caps.db",
		KeyJournalMode: "wal",
		KeyBusyTimeout: "5000",
		KeyCacheSize:   "-16000",
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS caps_features (
    node     TEXT NOT NULL,
    feature  TEXT NOT NULL,
    PRIMARY KEY (node, feature)
);

CREATE TABLE IF NOT EXISTS caps_identities (
    node      TEXT PRIMARY KEY,
    category  TEXT NOT NULL,
    type      TEXT NOT NULL,
    name      TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_caps_features_feature ON caps_features(feature, node);
`

// NewFactory creates a new SQLite backend from a configuration map.
func NewFactory(_ context.Context, config map[string]string) (physical.Backend, error) {
	opts := physical.Options{Backend: "sqlite", Values: config}

	path := opts.String(KeyPath, "")
	if path == "" {
		return nil, physical.NewConfigError("sqlite", KeyPath, "cannot be empty")
	}
	path = physical.ExpandPath(path)

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, physical.NewConfigErrorWithCause("sqlite", KeyPath, "failed to create directory", err)
	}

	journalMode := opts.String(KeyJournalMode, "wal")
	busyTimeout := opts.String(KeyBusyTimeout, "5000")
	cacheSize := opts.String(KeyCacheSize, "-16000")

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(%s)&_pragma=cache_size(%s)",
		path, journalMode, busyTimeout, cacheSize)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, physical.NewConfigErrorWithCause("sqlite", KeyPath, "failed to open database", err)
	}

	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, physical.NewConfigErrorWithCause("sqlite", KeyPath, "failed to initialize schema", err)
	}

	slog.Info("sqlite capstore initialized", "path", path, "journal_mode", journalMode)
	return &Backend{db: db, path: path}, nil
}

// Backend is a SQLite implementation of physical.Backend.
type Backend struct {
	db     *sql.DB
	path   string
	closed atomic.Bool
}

func (b *Backend) InsertFeature(ctx context.Context, node, feature string) error {
	if b.closed.Load() {
		return physical.ErrClosed
	}
	_, err := b.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO caps_features (node, feature) VALUES (?, ?)`, node, feature)
	if err != nil {
		return fmt.Errorf("sqlite insert feature: %w", err)
	}
	return nil
}

func (b *Backend) InsertIdentity(ctx context.Context, node string, id xmpp.Identity) error {
	if b.closed.Load() {
		return physical.ErrClosed
	}
	_, err := b.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO caps_identities (node, category, type, name) VALUES (?, ?, ?, ?)`,
		node, id.Category, id.Type, id.Name)
	if err != nil {
		return fmt.Errorf("sqlite insert identity: %w", err)
	}
	return nil
}

func (b *Backend) Features(ctx context.Context, node string) ([]string, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}
	return b.queryStrings(ctx, "features",
		`SELECT feature FROM caps_features WHERE node = ? ORDER BY feature`, node)
}

func (b *Backend) Identity(ctx context.Context, node string) (*xmpp.Identity, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}
	var id xmpp.Identity
	err := b.db.QueryRowContext(ctx,
		`SELECT category, type, name FROM caps_identities WHERE node = ?`, node).
		Scan(&id.Category, &id.Type, &id.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, physical.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite identity: %w", err)
	}
	return &id, nil
}

func (b *Backend) NodesWithFeature(ctx context.Context, feature string) ([]string, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}
	return b.queryStrings(ctx, "nodes with feature",
		`SELECT node FROM caps_features WHERE feature = ? ORDER BY node`, feature)
}

func (b *Backend) CountFeatures(ctx context.Context, node string) (int64, error) {
	if b.closed.Load() {
		return 0, physical.ErrClosed
	}
	var n int64
	if err := b.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM caps_features WHERE node = ?`, node).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite count features: %w", err)
	}
	return n, nil
}

func (b *Backend) Stats(ctx context.Context) (*physical.Stats, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}
	stats := &physical.Stats{BackendType: "sqlite"}
	err := b.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT node), COUNT(*) FROM caps_features`).Scan(&stats.Nodes, &stats.Features)
	if err != nil {
		return nil, fmt.Errorf("sqlite stats: %w", err)
	}
	if info, err := os.Stat(b.path); err == nil {
		stats.SizeBytes = info.Size()
	}
	return stats, nil
}

// Close closes the database. Subsequent calls are no-ops.
func (b *Backend) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	return b.db.Close()
}

func (b *Backend) queryStrings(ctx context.Context, op, query string, arg string) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("sqlite %s: %w", op, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("sqlite %s: scan: %w", op, err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite %s: %w", op, err)
	}
	return out, nil
}
