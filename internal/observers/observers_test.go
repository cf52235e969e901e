package observers

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/gezibash/arc-session/internal/observability"
	"github.com/gezibash/arc-session/internal/xmpp"
	"github.com/gezibash/arc-session/pkg/logging"
)

func TestMetricsTracksConnected(t *testing.T) {
	m := observability.NewMetrics()
	o := NewMetrics(m)
	a := xmpp.MustParseJID("alice@example.org")
	b := xmpp.MustParseJID("bob@example.org")

	o.HandleEvent(xmpp.SessionEstablished{JID: a})
	o.HandleEvent(xmpp.SessionEstablished{JID: b})
	o.HandleEvent(xmpp.Resumed{JID: a})
	if got := testutil.ToFloat64(m.ClientsConnected); got != 2 {
		t.Errorf("connected gauge = %v, want 2", got)
	}

	o.HandleEvent(xmpp.Disconnected{JID: a})
	o.HandleEvent(xmpp.AuthFailed{JID: a, Err: errors.New("x")})
	if got := o.Connected(); got != 1 {
		t.Errorf("Connected = %d, want 1", got)
	}
	if got := testutil.ToFloat64(m.EventsTotal.WithLabelValues(string(xmpp.KindSessionEstablished))); got != 2 {
		t.Errorf("established events = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.EventsTotal.WithLabelValues(string(xmpp.KindAuthFailed))); got != 1 {
		t.Errorf("auth events = %v, want 1", got)
	}
}

func TestJournalLogs(t *testing.T) {
	var buf bytes.Buffer
	log := logging.New(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	o := NewJournal(log)
	a := xmpp.MustParseJID("alice@example.org")

	o.HandleEvent(xmpp.SessionEstablished{JID: a})
	o.HandleEvent(xmpp.Disconnected{JID: a, Err: errors.New("reset by peer")})
	o.HandleEvent(xmpp.CertificateError{JID: a, Certificate: xmpp.CertificateInfo{FingerprintSHA1: "ab12"}})

	out := buf.String()
	for _, want := range []string{"session established", "reset by peer", "ab12", `"component":"journal"`, "alice@example.org"} {
		if !strings.Contains(out, want) {
			t.Errorf("journal output missing %q:\n%s", want, out)
		}
	}
}
