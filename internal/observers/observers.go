// Package observers holds the session.Observer implementations attached to
// every registered client.
package observers

import (
	"sync"

	"github.com/gezibash/arc-session/internal/observability"
	"github.com/gezibash/arc-session/internal/session"
	"github.com/gezibash/arc-session/internal/xmpp"
	"github.com/gezibash/arc-session/pkg/logging"
)

// Metrics counts lifecycle events and tracks how many accounts are
// connected.
type Metrics struct {
	m *observability.Metrics

	mu        sync.Mutex
	connected map[xmpp.JID]struct{}
}

// NewMetrics returns an observer reporting to m.
func NewMetrics(m *observability.Metrics) *Metrics {
	return &Metrics{m: m, connected: make(map[xmpp.JID]struct{})}
}

func (o *Metrics) Name() string { return "metrics" }

func (o *Metrics) Kinds() []xmpp.EventKind { return xmpp.LifecycleKinds }

func (o *Metrics) HandleEvent(e xmpp.Event) {
	o.m.EventsTotal.WithLabelValues(string(e.Kind())).Inc()

	o.mu.Lock()
	defer o.mu.Unlock()
	switch e.(type) {
	case xmpp.SessionEstablished, xmpp.Resumed:
		o.connected[e.Account()] = struct{}{}
	case xmpp.Disconnected:
		delete(o.connected, e.Account())
	default:
		return
	}
	o.m.ClientsConnected.Set(float64(len(o.connected)))
}

// Connected returns the number of accounts currently connected.
func (o *Metrics) Connected() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.connected)
}

// Journal writes one structured log line per lifecycle event.
type Journal struct {
	log *logging.Logger
}

// NewJournal returns a journal observer writing to log.
func NewJournal(log *logging.Logger) *Journal {
	return &Journal{log: log.WithComponent("journal")}
}

func (o *Journal) Name() string { return "journal" }

func (o *Journal) Kinds() []xmpp.EventKind { return xmpp.LifecycleKinds }

func (o *Journal) HandleEvent(e xmpp.Event) {
	log := o.log.WithAccount(e.Account().String())
	switch ev := e.(type) {
	case xmpp.SessionEstablished:
		log.Info("session established")
	case xmpp.Resumed:
		log.Info("session resumed")
	case xmpp.Disconnected:
		if ev.Err != nil {
			log.Warn("disconnected", "error", ev.Err)
			return
		}
		log.Info("disconnected")
	case xmpp.AuthFailed:
		log.Warn("authentication failed", "error", ev.Err, "transient", xmpp.IsTransientAuth(ev.Err))
	case xmpp.CertificateError:
		log.Warn("certificate rejected",
			"subject", ev.Certificate.Subject,
			"issuer", ev.Certificate.Issuer,
			"sha1", ev.Certificate.FingerprintSHA1,
			"error", ev.Err)
	}
}

var (
	_ session.Observer = (*Metrics)(nil)
	_ session.Observer = (*Journal)(nil)
)
