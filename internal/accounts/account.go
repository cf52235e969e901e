// Package accounts is the account directory: registered identities, their
// active flags, connection policy and accepted server certificates, plus
// the credential vault the passwords live in.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gezibash/arc-session/internal/xmpp"
	arcerrors "github.com/gezibash/arc-session/pkg/errors"
)

var (
	// ErrNotFound indicates the account is not registered.
	ErrNotFound = fmt.Errorf("account %w", arcerrors.ErrNotFound)
	// ErrNoCredentials indicates the vault has no password for the account.
	ErrNoCredentials = errors.New("no credentials stored")
)

// ResourcePolicy decides the resource part used when binding a session.
type ResourcePolicy int

const (
	ResourceAutomatic ResourcePolicy = iota
	ResourceHostname
	ResourceCustom
)

func (p ResourcePolicy) String() string {
	switch p {
	case ResourceHostname:
		return "hostname"
	case ResourceCustom:
		return "custom"
	default:
		return "automatic"
	}
}

// ParseResourcePolicy parses the names printed by String.
func ParseResourcePolicy(s string) (ResourcePolicy, error) {
	switch strings.ToLower(s) {
	case "", "automatic", "auto":
		return ResourceAutomatic, nil
	case "hostname":
		return ResourceHostname, nil
	case "custom":
		return ResourceCustom, nil
	}
	return ResourceAutomatic, fmt.Errorf("unknown resource policy %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (p ResourcePolicy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *ResourcePolicy) UnmarshalText(b []byte) error {
	v, err := ParseResourcePolicy(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Account is one registered identity.
type Account struct {
	JID            xmpp.JID       `json:"jid"`
	Active         bool           `json:"active"`
	Nickname       string         `json:"nickname,omitempty"`
	ResourcePolicy ResourcePolicy `json:"resource_policy"`
	ResourceName   string         `json:"resource_name,omitempty"`
	// Server overrides SRV resolution with an explicit host:port.
	Server            string                `json:"server,omitempty"`
	ServerCertificate *xmpp.CertificateInfo `json:"server_certificate,omitempty"`
}

// New returns an active account with default policies.
func New(jid xmpp.JID) Account {
	return Account{JID: jid, Active: true}
}

// AcceptedFingerprint returns the pinned SHA-1 fingerprint if the user
// accepted the stored server certificate.
func (a Account) AcceptedFingerprint() (string, bool) {
	if a.ServerCertificate == nil || !a.ServerCertificate.Accepted {
		return "", false
	}
	return a.ServerCertificate.FingerprintSHA1, true
}

// ChangeKind is the single event kind published by a Directory.
type ChangeKind string

// KindAccountChanged is published after every save or delete.
const KindAccountChanged ChangeKind = "account-changed"

// Change carries the account that was saved or deleted. Subscribers
// re-read the directory to learn its current state.
type Change struct {
	Account Account
}

// Kind implements eventbus.Event.
func (Change) Kind() ChangeKind { return KindAccountChanged }

// Directory is the account store consumed by the session orchestrator.
type Directory interface {
	List(ctx context.Context) ([]xmpp.JID, error)
	Get(ctx context.Context, jid xmpp.JID) (Account, error)
	Save(ctx context.Context, acc Account) error
	Delete(ctx context.Context, jid xmpp.JID) error
	Subscribe(fn func(Change)) (cancel func())
}

// Active returns the active accounts of d in directory order.
func Active(ctx context.Context, d Directory) ([]Account, error) {
	jids, err := d.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Account, 0, len(jids))
	for _, j := range jids {
		acc, err := d.Get(ctx, j)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if acc.Active {
			out = append(out, acc)
		}
	}
	return out, nil
}
