package accounts

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"

	"github.com/gezibash/arc-session/internal/xmpp"
)

// Vault stores account passwords.
type Vault interface {
	Password(jid xmpp.JID) (string, error)
	SetPassword(jid xmpp.JID, password string) error
	Delete(jid xmpp.JID) error
}

// MemoryVault keeps passwords in process memory.
type MemoryVault struct {
	mu      sync.RWMutex
	secrets map[xmpp.JID]string
}

// NewMemoryVault returns an empty in-memory vault.
func NewMemoryVault() *MemoryVault {
	return &MemoryVault{secrets: make(map[xmpp.JID]string)}
}

func (v *MemoryVault) Password(jid xmpp.JID) (string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	pw, ok := v.secrets[jid]
	if !ok {
		return "", ErrNoCredentials
	}
	return pw, nil
}

func (v *MemoryVault) SetPassword(jid xmpp.JID, password string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.secrets[jid] = password
	return nil
}

func (v *MemoryVault) Delete(jid xmpp.JID) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.secrets[jid]; !ok {
		return ErrNoCredentials
	}
	delete(v.secrets, jid)
	return nil
}

const (
	nonceSize = 24
	saltSize  = 16
)

var errDecrypt = errors.New("vault: decryption failed (wrong passphrase?)")

type vaultFile struct {
	Version int                 `json:"version"`
	Salt    string              `json:"salt"`
	Entries map[xmpp.JID]string `json:"entries"`
}

// FileVault is a passphrase-protected vault file. Every entry is sealed
// with nacl/secretbox under a scrypt-derived key.
type FileVault struct {
	path string

	mu      sync.Mutex
	key     [32]byte
	salt    []byte
	entries map[xmpp.JID]string
}

var _ Vault = (*FileVault)(nil)

// OpenVault opens or creates the vault at path.
func OpenVault(path, passphrase string) (*FileVault, error) {
	if passphrase == "" {
		return nil, errors.New("vault: passphrase required")
	}

	v := &FileVault{path: path, entries: make(map[xmpp.JID]string)}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		v.salt = make([]byte, saltSize)
		if _, err := io.ReadFull(rand.Reader, v.salt); err != nil {
			return nil, fmt.Errorf("vault: generate salt: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("read vault: %w", err)
	default:
		var f vaultFile
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parse vault: %w", err)
		}
		v.salt, err = base64.StdEncoding.DecodeString(f.Salt)
		if err != nil {
			return nil, fmt.Errorf("parse vault salt: %w", err)
		}
		if f.Entries != nil {
			v.entries = f.Entries
		}
	}

	key, err := scrypt.Key([]byte(passphrase), v.salt, 1<<15, 8, 1, 32)
	if err != nil {
		return nil, fmt.Errorf("vault: derive key: %w", err)
	}
	copy(v.key[:], key)
	return v, nil
}

// Password decrypts the stored password for jid.
func (v *FileVault) Password(jid xmpp.JID) (string, error) {
	v.mu.Lock()
	sealed, ok := v.entries[jid]
	v.mu.Unlock()
	if !ok {
		return "", ErrNoCredentials
	}

	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("vault entry %s: %w", jid, err)
	}
	pt, err := open(raw, &v.key)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

// SetPassword seals and persists password for jid.
func (v *FileVault) SetPassword(jid xmpp.JID, password string) error {
	sealed, err := seal([]byte(password), &v.key)
	if err != nil {
		return fmt.Errorf("vault: seal: %w", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	prev, existed := v.entries[jid]
	v.entries[jid] = base64.StdEncoding.EncodeToString(sealed)
	if err := v.persistLocked(); err != nil {
		if existed {
			v.entries[jid] = prev
		} else {
			delete(v.entries, jid)
		}
		return err
	}
	return nil
}

// Delete removes the password for jid.
func (v *FileVault) Delete(jid xmpp.JID) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	prev, ok := v.entries[jid]
	if !ok {
		return ErrNoCredentials
	}
	delete(v.entries, jid)
	if err := v.persistLocked(); err != nil {
		v.entries[jid] = prev
		return err
	}
	return nil
}

func (v *FileVault) persistLocked() error {
	data, err := json.MarshalIndent(vaultFile{
		Version: 1,
		Salt:    base64.StdEncoding.EncodeToString(v.salt),
		Entries: v.entries,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal vault: %w", err)
	}
	return writeFileAtomic(v.path, data)
}

func seal(plaintext []byte, key *[32]byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, err
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, key), nil
}

func open(ciphertext []byte, key *[32]byte) ([]byte, error) {
	if len(ciphertext) < nonceSize+secretbox.Overhead {
		return nil, errors.New("vault: ciphertext too short")
	}
	var nonce [nonceSize]byte
	copy(nonce[:], ciphertext[:nonceSize])
	plaintext, ok := secretbox.Open(nil, ciphertext[nonceSize:], &nonce, key)
	if !ok {
		return nil, errDecrypt
	}
	return plaintext, nil
}
