package accounts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/gezibash/arc-session/internal/eventbus"
	"github.com/gezibash/arc-session/internal/xmpp"
)

// Filename is the default directory file name within the data directory.
const Filename = "accounts.json"

type directoryFile struct {
	Version  int                  `json:"version"`
	Default  xmpp.JID             `json:"default,omitempty"`
	Accounts map[xmpp.JID]Account `json:"accounts"`
}

// Store is a JSON-file Directory. With an empty path it keeps everything
// in memory.
type Store struct {
	path  string
	vault Vault

	mu       sync.RWMutex
	accounts map[xmpp.JID]Account
	def      xmpp.JID

	changes *eventbus.Bus[ChangeKind, Change]
}

var _ Directory = (*Store)(nil)

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithVault removes credentials from v when an account is deleted.
func WithVault(v Vault) StoreOption {
	return func(s *Store) { s.vault = v }
}

// Open loads the directory at path, creating an empty one if the file
// does not exist.
func Open(path string, opts ...StoreOption) (*Store, error) {
	s := &Store{
		path:     path,
		accounts: make(map[xmpp.JID]Account),
		changes:  eventbus.New[ChangeKind, Change](),
	}
	for _, o := range opts {
		o(s)
	}
	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("read accounts: %w", err)
	}

	var f directoryFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse accounts: %w", err)
	}
	if f.Accounts != nil {
		s.accounts = f.Accounts
	}
	s.def = f.Default
	return s, nil
}

// List returns every registered account, sorted.
func (s *Store) List(_ context.Context) ([]xmpp.JID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedLocked(), nil
}

// Get returns the account or ErrNotFound.
func (s *Store) Get(_ context.Context, jid xmpp.JID) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accounts[jid]
	if !ok {
		return Account{}, ErrNotFound
	}
	return cloneAccount(acc), nil
}

// Save creates or replaces the account and publishes a Change.
func (s *Store) Save(_ context.Context, acc Account) error {
	if acc.JID == "" {
		return fmt.Errorf("save account: empty jid")
	}

	s.mu.Lock()
	prev, existed := s.accounts[acc.JID]
	s.accounts[acc.JID] = cloneAccount(acc)
	prevDef := s.def
	if s.def == "" {
		s.def = acc.JID
	}
	if err := s.persistLocked(); err != nil {
		if existed {
			s.accounts[acc.JID] = prev
		} else {
			delete(s.accounts, acc.JID)
		}
		s.def = prevDef
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	s.changes.Publish(Change{Account: cloneAccount(acc)})
	return nil
}

// Delete removes the account, its credentials and publishes a Change.
func (s *Store) Delete(_ context.Context, jid xmpp.JID) error {
	s.mu.Lock()
	acc, ok := s.accounts[jid]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	delete(s.accounts, jid)
	prevDef := s.def
	if s.def == jid {
		s.def = ""
		if rest := s.sortedLocked(); len(rest) > 0 {
			s.def = rest[0]
		}
	}
	if err := s.persistLocked(); err != nil {
		s.accounts[jid] = acc
		s.def = prevDef
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	if s.vault != nil {
		if err := s.vault.Delete(jid); err != nil && !errors.Is(err, ErrNoCredentials) {
			return fmt.Errorf("delete credentials: %w", err)
		}
	}

	s.changes.Publish(Change{Account: acc})
	return nil
}

// Default returns the default account, if any.
func (s *Store) Default() (xmpp.JID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.def, s.def != ""
}

// Subscribe registers fn for account changes.
func (s *Store) Subscribe(fn func(Change)) func() {
	return s.changes.Subscribe(fn, KindAccountChanged)
}

func (s *Store) sortedLocked() []xmpp.JID {
	out := make([]xmpp.JID, 0, len(s.accounts))
	for j := range s.accounts {
		out = append(out, j)
	}
	slices.Sort(out)
	return out
}

func (s *Store) persistLocked() error {
	if s.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(directoryFile{
		Version:  1,
		Default:  s.def,
		Accounts: s.accounts,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal accounts: %w", err)
	}
	return writeFileAtomic(s.path, data)
}

func cloneAccount(a Account) Account {
	if a.ServerCertificate != nil {
		c := *a.ServerCertificate
		a.ServerCertificate = &c
	}
	return a
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
