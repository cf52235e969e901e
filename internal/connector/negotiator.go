package connector

import (
	"context"
	"crypto/tls"
	"net"

	"github.com/gezibash/arc-session/internal/xmpp"
)

// Params is what a Negotiator needs to turn a socket into a session.
type Params struct {
	JID      xmpp.JID
	Password string
	Resource string
	TLS      *tls.Config
}

// Session is an established stream. Reads block until the peer sends
// data or the stream ends; any read error ends the session.
type Session interface {
	net.Conn
}

// PresenceSender is implemented by sessions that can broadcast presence.
type PresenceSender interface {
	SendPresence(show xmpp.Show, message string) error
}

// Negotiator performs stream setup over a raw connection: TLS, SASL and
// resource binding. Authentication failures are returned as
// *xmpp.AuthError and certificate rejections as *CertificateError.
type Negotiator interface {
	Negotiate(ctx context.Context, conn net.Conn, p Params) (Session, error)
}

// DirectTLS negotiates TLS on connect and treats the secured socket as
// the session. Stream features and SASL belong to a full protocol
// negotiator plugged in through WithNegotiator.
type DirectTLS struct{}

func (DirectTLS) Negotiate(ctx context.Context, conn net.Conn, p Params) (Session, error) {
	tc := tls.Client(conn, p.TLS)
	if err := tc.HandshakeContext(ctx); err != nil {
		return nil, err
	}
	return tc, nil
}
