package connector

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // fingerprint format under test
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"errors"
	"math/big"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gezibash/arc-session/internal/session"
	"github.com/gezibash/arc-session/internal/xmpp"
	"github.com/gezibash/arc-session/pkg/logging"
)

const testDomain = "example.com"

type testServer struct {
	ln          net.Listener
	fingerprint string
	conns       chan net.Conn
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: testDomain},
		DNSNames:     []string{testDomain},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	sum := sha1.Sum(der) //nolint:gosec
	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
	})
	if err != nil {
		t.Fatal(err)
	}
	s := &testServer{ln: ln, fingerprint: hex.EncodeToString(sum[:]), conns: make(chan net.Conn, 4)}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			// Complete the handshake so the client sees the certificate.
			if err := c.(*tls.Conn).Handshake(); err != nil {
				c.Close()
				continue
			}
			s.conns <- c
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *testServer) addr() string { return s.ln.Addr().String() }

func newTestClient(t *testing.T, opts Options) (*Client, <-chan xmpp.Event) {
	t.Helper()
	opts.Logger = logging.Discard()
	c := New(xmpp.MustParseJID("alice@"+testDomain), opts)
	events := make(chan xmpp.Event, 8)
	cancel := c.Events().Subscribe(func(e xmpp.Event) { events <- e }, xmpp.LifecycleKinds...)
	t.Cleanup(cancel)
	return c, events
}

func nextEvent(t *testing.T, events <-chan xmpp.Event) xmpp.Event {
	t.Helper()
	select {
	case e := <-events:
		return e
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestPinnedCertificateConnects(t *testing.T) {
	srv := newTestServer(t)
	c, events := newTestClient(t, Options{})
	c.Configure(session.Configuration{Server: srv.addr(), PinnedSHA1: srv.fingerprint})

	c.Login()
	if e, ok := nextEvent(t, events).(xmpp.SessionEstablished); !ok {
		t.Fatalf("event = %#v, want SessionEstablished", e)
	}
	if c.State() != xmpp.StateConnected {
		t.Errorf("State = %v, want connected", c.State())
	}

	// Server drops the connection.
	(<-srv.conns).Close()
	e, ok := nextEvent(t, events).(xmpp.Disconnected)
	if !ok {
		t.Fatalf("event = %#v, want Disconnected", e)
	}
	if e.Err == nil {
		t.Error("Disconnected.Err = nil for a remote close")
	}
	if c.State() != xmpp.StateDisconnected {
		t.Errorf("State = %v, want disconnected", c.State())
	}
}

func TestUntrustedCertificateReported(t *testing.T) {
	srv := newTestServer(t)
	c, events := newTestClient(t, Options{Roots: x509.NewCertPool()})
	c.Configure(session.Configuration{Server: srv.addr()})

	c.Login()
	ce, ok := nextEvent(t, events).(xmpp.CertificateError)
	if !ok {
		t.Fatalf("event = %#v, want CertificateError", ce)
	}
	if !ce.Certificate.MatchesSHA1(srv.fingerprint) {
		t.Errorf("captured fingerprint %q, want %q", ce.Certificate.FingerprintSHA1, srv.fingerprint)
	}
	if _, ok := nextEvent(t, events).(xmpp.Disconnected); !ok {
		t.Fatal("CertificateError not followed by Disconnected")
	}
}

func TestWrongPinRejected(t *testing.T) {
	srv := newTestServer(t)
	c, events := newTestClient(t, Options{})
	c.Configure(session.Configuration{Server: srv.addr(), PinnedSHA1: "00112233"})

	c.Login()
	ce, ok := nextEvent(t, events).(xmpp.CertificateError)
	if !ok {
		t.Fatalf("event = %#v, want CertificateError", ce)
	}
	if !errors.Is(ce.Err, errFingerprintMismatch) {
		t.Errorf("Err = %v, want fingerprint mismatch", ce.Err)
	}
}

type authFailNegotiator struct{ cond xmpp.SaslCondition }

func (n authFailNegotiator) Negotiate(context.Context, net.Conn, Params) (Session, error) {
	return nil, &xmpp.AuthError{Condition: n.cond}
}

func TestAuthFailureReported(t *testing.T) {
	srv := newTestServer(t)
	c, events := newTestClient(t, Options{Negotiator: authFailNegotiator{xmpp.SaslNotAuthorized}})
	c.Configure(session.Configuration{Server: srv.addr()})

	c.Login()
	af, ok := nextEvent(t, events).(xmpp.AuthFailed)
	if !ok {
		t.Fatalf("event = %#v, want AuthFailed", af)
	}
	if xmpp.IsTransientAuth(af.Err) {
		t.Error("not-authorized reported as transient")
	}
	if _, ok := nextEvent(t, events).(xmpp.Disconnected); !ok {
		t.Fatal("AuthFailed not followed by Disconnected")
	}
}

func TestRequestedDisconnect(t *testing.T) {
	srv := newTestServer(t)
	c, events := newTestClient(t, Options{})
	c.Configure(session.Configuration{Server: srv.addr(), PinnedSHA1: srv.fingerprint})

	c.Login()
	nextEvent(t, events)
	c.Disconnect(false)

	e, ok := nextEvent(t, events).(xmpp.Disconnected)
	if !ok {
		t.Fatalf("event = %#v, want Disconnected", e)
	}
	if e.Err != nil {
		t.Errorf("Disconnected.Err = %v, want nil for requested disconnect", e.Err)
	}
}

type blockingDialer struct{ calls atomic.Int32 }

func (d *blockingDialer) dial(ctx context.Context, _, _ string) (net.Conn, error) {
	d.calls.Add(1)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestDisconnectWhileConnecting(t *testing.T) {
	d := &blockingDialer{}
	c, events := newTestClient(t, Options{Dial: d.dial})
	c.Configure(session.Configuration{Server: "192.0.2.1:5222"})

	c.Login()
	c.Login() // ignored while connecting
	c.Disconnect(true)

	e, ok := nextEvent(t, events).(xmpp.Disconnected)
	if !ok {
		t.Fatalf("event = %#v, want Disconnected", e)
	}
	if e.Err != nil {
		t.Errorf("Err = %v, want nil for cancelled attempt", e.Err)
	}
	if n := d.calls.Load(); n != 1 {
		t.Errorf("dial calls = %d, want 1", n)
	}
}

func TestKeepAliveWritesWhitespace(t *testing.T) {
	srv := newTestServer(t)
	c, events := newTestClient(t, Options{})
	c.Configure(session.Configuration{Server: srv.addr(), PinnedSHA1: srv.fingerprint})

	c.Login()
	nextEvent(t, events)
	conn := <-srv.conns
	defer conn.Close()

	c.KeepAlive()
	buf := make([]byte, 1)
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Read(buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if buf[0] != ' ' {
		t.Errorf("keepalive byte = %q, want ' '", buf[0])
	}
}

type fakeResolver struct {
	calls   atomic.Int32
	records []*net.SRV
	err     error
}

func (r *fakeResolver) LookupSRV(context.Context, string, string, string) (string, []*net.SRV, error) {
	r.calls.Add(1)
	return "", r.records, r.err
}

func TestSRVCache(t *testing.T) {
	r := &fakeResolver{records: []*net.SRV{
		{Target: "xmpp1.example.com.", Port: 5222},
		{Target: "xmpp2.example.com.", Port: 5223},
	}}
	cache, err := NewSRVCache(r, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	defer cache.Close()

	for range 3 {
		addrs, err := cache.Lookup(context.Background(), testDomain)
		if err != nil {
			t.Fatalf("Lookup: %v", err)
		}
		if len(addrs) != 2 || addrs[0] != "xmpp1.example.com:5222" || addrs[1] != "xmpp2.example.com:5223" {
			t.Fatalf("addrs = %v", addrs)
		}
	}
	if n := r.calls.Load(); n != 1 {
		t.Errorf("resolver calls = %d, want 1", n)
	}
}

func TestSRVCacheFallback(t *testing.T) {
	r := &fakeResolver{err: &net.DNSError{Err: "no such host", Name: testDomain, IsNotFound: true}}
	cache, err := NewSRVCache(r, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	defer cache.Close()

	addrs, err := cache.Lookup(context.Background(), testDomain)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if len(addrs) != 1 || addrs[0] != "example.com:5222" {
		t.Errorf("addrs = %v, want [example.com:5222]", addrs)
	}
	cache.Lookup(context.Background(), testDomain)
	if n := r.calls.Load(); n != 2 {
		t.Errorf("resolver calls = %d, want 2 (fallback not cached)", n)
	}
}

func TestSRVServiceNotOffered(t *testing.T) {
	cache, err := NewSRVCache(&fakeResolver{records: []*net.SRV{{Target: ".", Port: 0}}}, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	defer cache.Close()
	if _, err := cache.Lookup(context.Background(), testDomain); err == nil {
		t.Error("expected error for '.' target")
	}
}
