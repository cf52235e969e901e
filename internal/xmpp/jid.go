// Package xmpp holds the protocol vocabulary shared by the session core:
// addresses, presence show values, connection states, discovery
// identities and the lifecycle events a client engine reports.
//
// Nothing here speaks the wire protocol.
package xmpp

import (
	"fmt"
	"strings"

	arcerrors "github.com/gezibash/arc-session/pkg/errors"
)

// JID is a bare protocol address (local@domain or domain).
type JID string

// ParseJID normalizes s into a bare JID: the resource is dropped and the
// domain lower-cased.
func ParseJID(s string) (JID, error) {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '/'); i >= 0 {
		s = s[:i]
	}
	if s == "" || strings.ContainsAny(s, " \t\r\n") {
		return "", fmt.Errorf("parse jid %q: %w", s, arcerrors.ErrInvalidInput)
	}

	local, domain, hasLocal := strings.Cut(s, "@")
	if !hasLocal {
		domain = local
		local = ""
	}
	if domain == "" || strings.Contains(domain, "@") || (hasLocal && local == "") {
		return "", fmt.Errorf("parse jid %q: %w", s, arcerrors.ErrInvalidInput)
	}

	domain = strings.ToLower(strings.TrimSuffix(domain, "."))
	if local == "" {
		return JID(domain), nil
	}
	return JID(local + "@" + domain), nil
}

// MustParseJID is ParseJID for constants and tests.
func MustParseJID(s string) JID {
	j, err := ParseJID(s)
	if err != nil {
		panic(err)
	}
	return j
}

// Local returns the part before '@', or "" for a domain JID.
func (j JID) Local() string {
	local, _, ok := strings.Cut(string(j), "@")
	if !ok {
		return ""
	}
	return local
}

// Domain returns the server part.
func (j JID) Domain() string {
	_, domain, ok := strings.Cut(string(j), "@")
	if !ok {
		return string(j)
	}
	return domain
}

func (j JID) String() string { return string(j) }
