package session

import (
	"github.com/gezibash/arc-session/internal/eventbus"
	"github.com/gezibash/arc-session/internal/xmpp"
)

// NotificationKind identifies a notification published by the orchestrator.
type NotificationKind string

const (
	KindAuthenticationError    NotificationKind = "authentication-error"
	KindAccountStatusChanged   NotificationKind = "account-status-changed"
	KindStatusChanged          NotificationKind = "status-changed"
	KindServerCertificateError NotificationKind = "server-certificate-error"
)

// NotificationKinds lists every kind.
var NotificationKinds = []NotificationKind{
	KindAuthenticationError,
	KindAccountStatusChanged,
	KindStatusChanged,
	KindServerCertificateError,
}

// Notification is the closed set of orchestrator notifications.
type Notification interface {
	Kind() NotificationKind
	notification()
}

// AuthenticationError is published when an account was deactivated
// because the server rejected its credentials.
type AuthenticationError struct {
	Account xmpp.JID
	Err     error
}

// AccountStatusChanged is published whenever an account connects,
// resumes or disconnects.
type AccountStatusChanged struct {
	Account xmpp.JID
	State   xmpp.State
}

// StatusChanged is published when the effective CurrentStatus changes.
type StatusChanged struct {
	Status Status
}

// ServerCertificateError is published when an account was deactivated
// pending acceptance of Certificate.
type ServerCertificateError struct {
	Account     xmpp.JID
	Certificate xmpp.CertificateInfo
}

func (AuthenticationError) Kind() NotificationKind    { return KindAuthenticationError }
func (AccountStatusChanged) Kind() NotificationKind   { return KindAccountStatusChanged }
func (StatusChanged) Kind() NotificationKind          { return KindStatusChanged }
func (ServerCertificateError) Kind() NotificationKind { return KindServerCertificateError }

func (AuthenticationError) notification()    {}
func (AccountStatusChanged) notification()   {}
func (StatusChanged) notification()          {}
func (ServerCertificateError) notification() {}

// NotificationHandler receives notifications. Handlers run on a
// dedicated goroutine in publication order and may call back into the
// orchestrator.
type NotificationHandler = eventbus.Handler[Notification]

type notificationBus = eventbus.Bus[NotificationKind, Notification]
