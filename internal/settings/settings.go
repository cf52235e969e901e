// Package settings persists user preferences that outlive a process,
// currently the last chosen presence.
package settings

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gezibash/arc-session/internal/session"
)

// FileName is the settings file created inside the data directory.
const FileName = "status.yaml"

type document struct {
	Status  *session.Status `yaml:"status,omitempty"`
	SavedAt time.Time       `yaml:"saved_at,omitempty"`
}

// File is a YAML-backed session.StatusStore.
type File struct {
	path string
	now  func() time.Time

	mu sync.Mutex
}

// Open returns a store writing to path. The file is created on first save.
func Open(path string) *File {
	return &File{path: path, now: time.Now}
}

// InDir returns a store for FileName inside dir.
func InDir(dir string) *File {
	return Open(filepath.Join(dir, FileName))
}

// Path returns the backing file.
func (f *File) Path() string { return f.path }

// LoadStatus returns the saved status. ok is false when nothing was saved.
func (f *File) LoadStatus() (session.Status, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.read()
	if err != nil {
		return session.Status{}, false, err
	}
	if doc.Status == nil {
		return session.Status{}, false, nil
	}
	return *doc.Status, true, nil
}

// SaveStatus replaces the saved status.
func (f *File) SaveStatus(s session.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.read()
	if err != nil {
		return err
	}
	doc.Status = &s
	doc.SavedAt = f.now().UTC()

	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	return writeFile(f.path, data)
}

// Clear removes the saved status.
func (f *File) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove settings: %w", err)
	}
	return nil
}

func (f *File) read() (document, error) {
	var doc document
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return doc, nil
		}
		return doc, fmt.Errorf("read settings: %w", err)
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("parse settings %s: %w", f.path, err)
	}
	return doc, nil
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create settings directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace settings: %w", err)
	}
	return nil
}

var _ session.StatusStore = (*File)(nil)
