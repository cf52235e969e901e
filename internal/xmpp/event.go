package xmpp

// EventKind identifies a lifecycle event type on a client's event bus.
type EventKind string

const (
	KindSessionEstablished EventKind = "session-established"
	KindResumed            EventKind = "resumed"
	KindDisconnected       EventKind = "disconnected"
	KindAuthFailed         EventKind = "auth-failed"
	KindCertificateError   EventKind = "certificate-error"
)

// LifecycleKinds lists every event kind a client emits.
var LifecycleKinds = []EventKind{
	KindSessionEstablished,
	KindResumed,
	KindDisconnected,
	KindAuthFailed,
	KindCertificateError,
}

// Event is the closed set of lifecycle events. The unexported method
// keeps implementations inside this package so switches over the
// concrete types stay exhaustive.
type Event interface {
	Kind() EventKind
	Account() JID
	lifecycleEvent()
}

// SessionEstablished is emitted once a fresh session is bound.
type SessionEstablished struct {
	JID JID
}

// Resumed is emitted when a previous stream was resumed without full
// re-authentication.
type Resumed struct {
	JID JID
}

// Disconnected is emitted whenever the connection drops or is closed.
// Err is nil for a requested disconnect.
type Disconnected struct {
	JID JID
	Err error
}

// AuthFailed is emitted when the server rejects the credentials. Err is
// usually an *AuthError.
type AuthFailed struct {
	JID JID
	Err error
}

// CertificateError is emitted when the server certificate failed
// validation under the configured policy.
type CertificateError struct {
	JID         JID
	Certificate CertificateInfo
	Err         error
}

func (SessionEstablished) Kind() EventKind { return KindSessionEstablished }
func (Resumed) Kind() EventKind            { return KindResumed }
func (Disconnected) Kind() EventKind       { return KindDisconnected }
func (AuthFailed) Kind() EventKind         { return KindAuthFailed }
func (CertificateError) Kind() EventKind   { return KindCertificateError }

func (e SessionEstablished) Account() JID { return e.JID }
func (e Resumed) Account() JID            { return e.JID }
func (e Disconnected) Account() JID       { return e.JID }
func (e AuthFailed) Account() JID         { return e.JID }
func (e CertificateError) Account() JID   { return e.JID }

func (SessionEstablished) lifecycleEvent() {}
func (Resumed) lifecycleEvent()            {}
func (Disconnected) lifecycleEvent()       {}
func (AuthFailed) lifecycleEvent()         {}
func (CertificateError) lifecycleEvent()   {}
