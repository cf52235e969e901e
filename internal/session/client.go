package session

import (
	"github.com/gezibash/arc-session/internal/eventbus"
	"github.com/gezibash/arc-session/internal/xmpp"
)

// EventBus is the per-client bus lifecycle events are published on.
type EventBus = eventbus.Bus[xmpp.EventKind, xmpp.Event]

// Configuration is everything a Client needs to log in.
type Configuration struct {
	Password string
	// Resource is the requested resource; empty lets the server pick.
	Resource string
	// Server overrides SRV resolution with host:port.
	Server string
	// PinnedSHA1 accepts exactly this certificate fingerprint instead of
	// system verification.
	PinnedSHA1 string
}

// Client is the connection handle for one account. Implementations
// report every outcome as events on their bus; none of the methods block
// on the network.
type Client interface {
	JID() xmpp.JID
	State() xmpp.State
	Configure(Configuration)
	Login()
	Disconnect(force bool)
	KeepAlive()
	SetPresence(show xmpp.Show, message string)
	Events() *EventBus
}

// ClientFactory creates an unconfigured, disconnected client.
type ClientFactory func(jid xmpp.JID) Client
