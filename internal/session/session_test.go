package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	clocktesting "k8s.io/utils/clock/testing"

	"github.com/gezibash/arc-session/internal/accounts"
	"github.com/gezibash/arc-session/internal/eventbus"
	"github.com/gezibash/arc-session/internal/reachability"
	"github.com/gezibash/arc-session/internal/xmpp"
	"github.com/gezibash/arc-session/pkg/logging"
)

var (
	alice = xmpp.MustParseJID("alice@example.org")
	bob   = xmpp.MustParseJID("bob@example.net")
)

// fakeClient records calls and lets tests drive lifecycle events.
type fakeClient struct {
	jid xmpp.JID
	bus *EventBus

	mu          sync.Mutex
	state       xmpp.State
	cfg         Configuration
	logins      int
	disconnects []bool
	keepalives  int
	presence    []xmpp.Show
}

func newFakeClient(jid xmpp.JID) *fakeClient {
	return &fakeClient{jid: jid, bus: eventbus.New[xmpp.EventKind, xmpp.Event]()}
}

func (c *fakeClient) JID() xmpp.JID     { return c.jid }
func (c *fakeClient) Events() *EventBus { return c.bus }

func (c *fakeClient) State() xmpp.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeClient) Configure(cfg Configuration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg
}

func (c *fakeClient) Login() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logins++
	c.state = xmpp.StateConnecting
}

func (c *fakeClient) Disconnect(force bool) {
	c.mu.Lock()
	c.disconnects = append(c.disconnects, force)
	was := c.state
	c.state = xmpp.StateDisconnected
	c.mu.Unlock()
	if was != xmpp.StateDisconnected {
		c.bus.Publish(xmpp.Disconnected{JID: c.jid})
	}
}

func (c *fakeClient) KeepAlive() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keepalives++
}

func (c *fakeClient) SetPresence(show xmpp.Show, _ string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.presence = append(c.presence, show)
}

func (c *fakeClient) establish() {
	c.mu.Lock()
	c.state = xmpp.StateConnected
	c.mu.Unlock()
	c.bus.Publish(xmpp.SessionEstablished{JID: c.jid})
}

func (c *fakeClient) drop(err error) {
	c.mu.Lock()
	c.state = xmpp.StateDisconnected
	c.mu.Unlock()
	c.bus.Publish(xmpp.Disconnected{JID: c.jid, Err: err})
}

func (c *fakeClient) fail(e xmpp.Event) {
	c.mu.Lock()
	c.state = xmpp.StateDisconnected
	c.mu.Unlock()
	c.bus.Publish(e)
	c.bus.Publish(xmpp.Disconnected{JID: c.jid, Err: errors.New("failed")})
}

func (c *fakeClient) snapshot() (logins int, disconnects []bool, cfg Configuration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logins, append([]bool(nil), c.disconnects...), c.cfg
}

func (c *fakeClient) lastPresence() xmpp.Show {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.presence) == 0 {
		return xmpp.ShowNone
	}
	return c.presence[len(c.presence)-1]
}

func (c *fakeClient) keepAliveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keepalives
}

type fakeFactory struct {
	mu      sync.Mutex
	clients map[xmpp.JID][]*fakeClient
}

func (f *fakeFactory) create(jid xmpp.JID) Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.clients == nil {
		f.clients = make(map[xmpp.JID][]*fakeClient)
	}
	c := newFakeClient(jid)
	f.clients[jid] = append(f.clients[jid], c)
	return c
}

func (f *fakeFactory) latest(jid xmpp.JID) *fakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	cs := f.clients[jid]
	if len(cs) == 0 {
		return nil
	}
	return cs[len(cs)-1]
}

func (f *fakeFactory) count(jid xmpp.JID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients[jid])
}

type noteRecorder struct {
	mu    sync.Mutex
	notes []Notification
}

func (r *noteRecorder) HandleEvent(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
}

func (r *noteRecorder) find(kind NotificationKind) []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Notification
	for _, n := range r.notes {
		if n.Kind() == kind {
			out = append(out, n)
		}
	}
	return out
}

type fakePurger struct {
	mu     sync.Mutex
	purged []xmpp.JID
}

func (p *fakePurger) Purge(_ context.Context, jid xmpp.JID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.purged = append(p.purged, jid)
	return nil
}

func (p *fakePurger) list() []xmpp.JID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]xmpp.JID(nil), p.purged...)
}

type fakeChatStates struct {
	mu    sync.Mutex
	reset int
}

func (c *fakeChatStates) ResetChatStates(xmpp.JID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset++
}

func (c *fakeChatStates) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reset
}

type memoryStatusStore struct {
	mu    sync.Mutex
	s     Status
	saved bool
}

func (m *memoryStatusStore) LoadStatus() (Status, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s, m.saved, nil
}

func (m *memoryStatusStore) SaveStatus(s Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s, m.saved = s, true
	return nil
}

type countingObserver struct {
	mu     sync.Mutex
	events []xmpp.EventKind
}

func (o *countingObserver) Name() string { return "counting" }
func (o *countingObserver) Kinds() []xmpp.EventKind {
	return []xmpp.EventKind{xmpp.KindSessionEstablished, xmpp.KindDisconnected}
}

func (o *countingObserver) HandleEvent(e xmpp.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, e.Kind())
}

type harness struct {
	t       *testing.T
	o       *Orchestrator
	dir     *accounts.Store
	vault   *accounts.MemoryVault
	network *reachability.Static
	clock   *clocktesting.FakeClock
	clients *fakeFactory
	notes   *noteRecorder
	purger  *fakePurger
	chat    *fakeChatStates
	obs     *countingObserver
}

type harnessOption func(*Config, *Deps)

func online(cfg *Config, _ *Deps) {
	s := Status{Show: xmpp.ShowOnline}
	cfg.InitialStatus = &s
}

func newHarness(t *testing.T, network bool, opts []harnessOption, accs ...accounts.Account) *harness {
	t.Helper()
	dir, err := accounts.Open("")
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{
		t:       t,
		dir:     dir,
		vault:   accounts.NewMemoryVault(),
		network: reachability.NewStatic(network),
		clock:   clocktesting.NewFakeClock(time.Now()),
		clients: &fakeFactory{},
		notes:   &noteRecorder{},
		purger:  &fakePurger{},
		chat:    &fakeChatStates{},
		obs:     &countingObserver{},
	}
	for _, acc := range accs {
		if err := dir.Save(context.Background(), acc); err != nil {
			t.Fatal(err)
		}
		if err := h.vault.SetPassword(acc.JID, "secret-"+acc.JID.Local()); err != nil {
			t.Fatal(err)
		}
	}

	var cfg Config
	deps := Deps{
		Directory:     dir,
		Vault:         h.vault,
		ClientFactory: h.clients.create,
		Reachability:  h.network,
		Clock:         h.clock,
		Observers:     []Observer{h.obs},
		Purger:        h.purger,
		ChatStates:    h.chat,
		Logger:        logging.Discard(),
		Hostname:      func() (string, error) { return "workstation", nil },
	}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}

	o, err := New(cfg, deps)
	if err != nil {
		t.Fatal(err)
	}
	o.Subscribe(h.notes)
	if err := o.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.o = o
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := o.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	})
	return h
}

// flush waits for every job queued so far.
func (h *harness) flush() {
	h.o.Status()
}

func (h *harness) client(jid xmpp.JID) *fakeClient {
	h.t.Helper()
	c := h.clients.latest(jid)
	if c == nil {
		h.t.Fatalf("no client created for %s", jid)
	}
	return c
}

func (h *harness) waitLogins(jid xmpp.JID, n int) {
	h.t.Helper()
	waitFor(h.t, func() bool {
		c := h.clients.latest(jid)
		if c == nil {
			return false
		}
		got, _, _ := c.snapshot()
		return got == n
	})
}

func (h *harness) connected(jid xmpp.JID) *fakeClient {
	h.t.Helper()
	h.waitLogins(jid, 1)
	c := h.client(jid)
	c.establish()
	h.flush()
	return c
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func inactive(jid xmpp.JID) accounts.Account {
	acc := accounts.New(jid)
	acc.Active = false
	return acc
}

func TestNewRequiresDeps(t *testing.T) {
	if _, err := New(Config{}, Deps{}); err == nil {
		t.Fatal("New without deps succeeded")
	}
}

func TestStartRegistersActiveAccountsAndConnects(t *testing.T) {
	h := newHarness(t, true, []harnessOption{online}, accounts.New(alice), inactive(bob))

	h.waitLogins(alice, 1)
	if _, ok := h.o.GetClient(bob); ok {
		t.Error("inactive account registered")
	}
	if got := len(h.o.Clients()); got != 1 {
		t.Errorf("Clients = %d, want 1", got)
	}

	_, _, cfg := h.client(alice).snapshot()
	if cfg.Password != "secret-alice" {
		t.Errorf("password = %q", cfg.Password)
	}
	if cfg.Resource != "" {
		t.Errorf("automatic resource policy set resource %q", cfg.Resource)
	}
	if got := h.client(alice).lastPresence(); got != xmpp.ShowOnline {
		t.Errorf("presence before login = %v, want online", got)
	}
}

func TestResourcePolicyAndPinnedCertificate(t *testing.T) {
	a := accounts.New(alice)
	a.ResourcePolicy = accounts.ResourceHostname
	b := accounts.New(bob)
	b.ResourcePolicy = accounts.ResourceCustom
	b.ResourceName = "laptop"
	b.Server = "xmpp.example.net:5223"
	b.ServerCertificate = &xmpp.CertificateInfo{FingerprintSHA1: "abcd", Accepted: true}

	h := newHarness(t, true, []harnessOption{online}, a, b)
	h.waitLogins(alice, 1)
	h.waitLogins(bob, 1)

	_, _, cfg := h.client(alice).snapshot()
	if cfg.Resource != "workstation" {
		t.Errorf("hostname resource = %q", cfg.Resource)
	}
	_, _, cfg = h.client(bob).snapshot()
	if cfg.Resource != "laptop" || cfg.Server != "xmpp.example.net:5223" || cfg.PinnedSHA1 != "abcd" {
		t.Errorf("custom config = %+v", cfg)
	}
}

func TestNoConnectWithoutNetworkOrStatus(t *testing.T) {
	h := newHarness(t, false, []harnessOption{online}, accounts.New(alice))
	h.flush()
	if n, _, _ := h.client(alice).snapshot(); n != 0 {
		t.Fatalf("logged in without network: %d", n)
	}

	h.network.Set(true)
	h.waitLogins(alice, 1)

	// No status: registered but idle.
	h2 := newHarness(t, true, nil, accounts.New(bob))
	h2.flush()
	if n, _, _ := h2.client(bob).snapshot(); n != 0 {
		t.Fatalf("logged in without status: %d", n)
	}
	h2.o.SetStatus(Status{Show: xmpp.ShowAway})
	h2.waitLogins(bob, 1)
}

func TestReconnectBackoff(t *testing.T) {
	h := newHarness(t, true, []harnessOption{online}, accounts.New(alice))
	c := h.connected(alice)

	c.drop(errors.New("connection reset"))
	h.flush()
	if got := h.o.RetryCount(alice); got != 1 {
		t.Fatalf("RetryCount = %d, want 1", got)
	}
	if !h.clock.HasWaiters() {
		t.Fatal("no reconnect timer armed")
	}

	h.clock.Step(400 * time.Millisecond)
	h.flush()
	if n, _, _ := c.snapshot(); n != 1 {
		t.Fatalf("reconnected before delay: logins = %d", n)
	}
	h.clock.Step(100 * time.Millisecond)
	h.waitLogins(alice, 2)

	// Second consecutive failure waits 2.5s.
	c.drop(errors.New("connection refused"))
	h.flush()
	if got := h.o.RetryCount(alice); got != 2 {
		t.Fatalf("RetryCount = %d, want 2", got)
	}
	h.clock.Step(2 * time.Second)
	h.flush()
	if n, _, _ := c.snapshot(); n != 2 {
		t.Fatalf("reconnected early: logins = %d", n)
	}
	h.clock.Step(500 * time.Millisecond)
	h.waitLogins(alice, 3)

	c.establish()
	h.flush()
	if got := h.o.RetryCount(alice); got != 0 {
		t.Errorf("RetryCount after success = %d, want 0", got)
	}

	h.chat.mu.Lock()
	reset := h.chat.reset
	h.chat.mu.Unlock()
	if reset != 2 {
		t.Errorf("chat states reset %d times, want 2", reset)
	}
}

func TestNoTimerWhileNetworkDown(t *testing.T) {
	h := newHarness(t, true, []harnessOption{online}, accounts.New(alice))
	c := h.connected(alice)

	h.network.Set(false)
	h.flush()
	_, disconnects, _ := c.snapshot()
	if len(disconnects) != 1 || !disconnects[0] {
		t.Fatalf("disconnects = %v, want [true]", disconnects)
	}
	h.flush()
	if h.clock.HasWaiters() {
		t.Error("reconnect timer armed with network down")
	}
	if h.o.NetworkAvailable() {
		t.Error("NetworkAvailable = true")
	}

	h.network.Set(true)
	h.waitLogins(alice, 2)
}

func TestKeepAliveOnRepeatedAvailability(t *testing.T) {
	h := newHarness(t, true, []harnessOption{online}, accounts.New(alice))
	c := h.connected(alice)

	h.o.SetNetworkAvailable(true)
	h.flush()
	if got := c.keepAliveCount(); got != 1 {
		t.Errorf("keepalives = %d, want 1", got)
	}
}

func TestPeriodicKeepAlive(t *testing.T) {
	withInterval := func(cfg *Config, _ *Deps) { cfg.KeepAliveInterval = 30 * time.Second }
	h := newHarness(t, true, []harnessOption{online, withInterval}, accounts.New(alice))
	c := h.connected(alice)

	waitFor(t, h.clock.HasWaiters)
	h.clock.Step(30 * time.Second)
	waitFor(t, func() bool { return c.keepAliveCount() == 1 })
}

func TestStatusTransitions(t *testing.T) {
	h := newHarness(t, true, []harnessOption{online}, accounts.New(alice), accounts.New(bob))
	a := h.connected(alice)
	h.connected(bob)

	if got := h.o.CurrentStatus().Show; got != xmpp.ShowOnline {
		t.Fatalf("CurrentStatus = %v, want online", got)
	}

	h.o.SetStatus(Status{Show: xmpp.ShowDND, Message: "busy"})
	h.flush()
	if got := a.lastPresence(); got != xmpp.ShowDND {
		t.Errorf("presence = %v, want dnd", got)
	}
	waitFor(t, func() bool {
		for _, n := range h.notes.find(KindStatusChanged) {
			if n.(StatusChanged).Status.Show == xmpp.ShowDND {
				return true
			}
		}
		return false
	})

	h.o.SetStatus(Offline)
	h.flush()
	h.flush()
	for _, jid := range []xmpp.JID{alice, bob} {
		if st := h.client(jid).State(); st != xmpp.StateDisconnected {
			t.Errorf("%s state = %v after going offline", jid, st)
		}
	}
	if h.clock.HasWaiters() {
		t.Error("reconnect scheduled while offline")
	}
	if got := h.o.CurrentStatus().Show; got != xmpp.ShowNone {
		t.Errorf("CurrentStatus = %v, want none", got)
	}
	if got := h.o.Status().Show; got != xmpp.ShowNone {
		t.Errorf("Status = %v", got)
	}
}

func TestSleepAndWake(t *testing.T) {
	h := newHarness(t, true, []harnessOption{online}, accounts.New(alice))
	c := h.connected(alice)

	h.o.SetAwake(false)
	h.flush()
	_, disconnects, _ := c.snapshot()
	if len(disconnects) != 1 || disconnects[0] {
		t.Fatalf("disconnects = %v, want [false]", disconnects)
	}

	// Reachability reports are held until wake.
	h.network.Set(false)
	h.network.Set(true)
	h.flush()
	if n, _, _ := c.snapshot(); n != 1 {
		t.Fatalf("logged in while asleep: %d", n)
	}

	h.o.SetAwake(true)
	h.waitLogins(alice, 2)
}

func TestIdleSwitchesToExtendedAway(t *testing.T) {
	auto := func(cfg *Config, _ *Deps) { cfg.AutomaticStatus = true }
	h := newHarness(t, true, []harnessOption{online, auto}, accounts.New(alice))
	c := h.connected(alice)

	h.o.SetIdle(true)
	h.flush()
	if got := h.o.Status().Show; got != xmpp.ShowXA {
		t.Fatalf("Status while idle = %v, want xa", got)
	}
	if got := c.lastPresence(); got != xmpp.ShowXA {
		t.Errorf("presence while idle = %v", got)
	}

	h.o.SetIdle(false)
	h.flush()
	if got := h.o.Status().Show; got != xmpp.ShowOnline {
		t.Errorf("Status after idle = %v, want online", got)
	}
}

func TestIdleIgnoredWithoutAutomaticStatus(t *testing.T) {
	h := newHarness(t, true, []harnessOption{online}, accounts.New(alice))
	h.o.SetIdle(true)
	h.flush()
	if got := h.o.Status().Show; got != xmpp.ShowOnline {
		t.Errorf("Status = %v, want online", got)
	}
}

func TestTransientAuthFailureRetries(t *testing.T) {
	h := newHarness(t, true, []harnessOption{online}, accounts.New(alice))
	h.waitLogins(alice, 1)

	h.client(alice).fail(xmpp.AuthFailed{JID: alice, Err: &xmpp.AuthError{Condition: xmpp.SaslTemporaryAuthFailure}})
	h.flush()

	acc, err := h.dir.Get(context.Background(), alice)
	if err != nil || !acc.Active {
		t.Fatalf("account deactivated on transient failure: %+v, %v", acc, err)
	}
	if got := h.o.RetryCount(alice); got != 1 {
		t.Errorf("RetryCount = %d, want 1", got)
	}
	if n := h.notes.find(KindAuthenticationError); len(n) != 0 {
		t.Errorf("notified transient failure: %v", n)
	}
}

func TestFatalAuthFailureDeactivates(t *testing.T) {
	h := newHarness(t, true, []harnessOption{online}, accounts.New(alice))
	h.waitLogins(alice, 1)

	h.client(alice).fail(xmpp.AuthFailed{JID: alice, Err: &xmpp.AuthError{Condition: xmpp.SaslNotAuthorized}})
	h.flush()
	h.flush()

	acc, err := h.dir.Get(context.Background(), alice)
	if err != nil || acc.Active {
		t.Fatalf("account still active: %+v, %v", acc, err)
	}
	if _, ok := h.o.GetClient(alice); ok {
		t.Error("client still registered")
	}
	if h.clock.HasWaiters() {
		t.Error("reconnect armed for deactivated account")
	}
	waitFor(t, func() bool { return len(h.notes.find(KindAuthenticationError)) == 1 })
	if got := h.purger.list(); len(got) != 0 {
		t.Errorf("deactivated account purged: %v", got)
	}
}

func TestCertificateErrorStoresCertificate(t *testing.T) {
	h := newHarness(t, true, []harnessOption{online}, accounts.New(alice))
	h.waitLogins(alice, 1)

	cert := xmpp.CertificateInfo{Subject: "CN=example.org", FingerprintSHA1: "0011"}
	h.client(alice).fail(xmpp.CertificateError{JID: alice, Certificate: cert, Err: errors.New("untrusted")})
	h.flush()

	acc, err := h.dir.Get(context.Background(), alice)
	if err != nil {
		t.Fatal(err)
	}
	if acc.Active || acc.ServerCertificate == nil || acc.ServerCertificate.FingerprintSHA1 != "0011" {
		t.Fatalf("account = %+v", acc)
	}
	if acc.ServerCertificate.Accepted {
		t.Error("certificate stored as accepted")
	}
	waitFor(t, func() bool { return len(h.notes.find(KindServerCertificateError)) == 1 })

	// Accepting the certificate reactivates with the pin applied.
	acc.ServerCertificate.Accepted = true
	acc.Active = true
	if err := h.dir.Save(context.Background(), acc); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return h.clients.count(alice) == 2 })
	h.waitLogins(alice, 1)
	if _, _, cfg := h.client(alice).snapshot(); cfg.PinnedSHA1 != "0011" {
		t.Errorf("PinnedSHA1 = %q", cfg.PinnedSHA1)
	}
}

func TestAccountChangeRefreshesCredentials(t *testing.T) {
	h := newHarness(t, true, []harnessOption{online}, accounts.New(alice))
	c := h.connected(alice)

	acc, _ := h.dir.Get(context.Background(), alice)
	acc.ResourcePolicy = accounts.ResourceCustom
	acc.ResourceName = "phone"
	if err := h.vault.SetPassword(alice, "rotated"); err != nil {
		t.Fatal(err)
	}
	if err := h.dir.Save(context.Background(), acc); err != nil {
		t.Fatal(err)
	}
	h.flush()

	_, disconnects, cfg := c.snapshot()
	if len(disconnects) != 1 {
		t.Fatalf("disconnects = %v, want one", disconnects)
	}
	if cfg.Password != "rotated" || cfg.Resource != "phone" {
		t.Errorf("config = %+v", cfg)
	}
	if h.clients.count(alice) != 1 {
		t.Error("client replaced on credential change")
	}
	h.flush()
	if got := h.o.RetryCount(alice); got != 1 {
		t.Errorf("RetryCount = %d, want 1", got)
	}
}

func TestNewAccountRegistersAndConnects(t *testing.T) {
	h := newHarness(t, true, []harnessOption{online})
	if err := h.vault.SetPassword(bob, "pw"); err != nil {
		t.Fatal(err)
	}
	if err := h.dir.Save(context.Background(), accounts.New(bob)); err != nil {
		t.Fatal(err)
	}
	h.waitLogins(bob, 1)
	if got := h.client(bob).bus.Count(xmpp.KindSessionEstablished); got != 2 {
		t.Errorf("handlers on established = %d, want orchestrator and observer", got)
	}
}

func TestDeleteUnregistersAndPurges(t *testing.T) {
	h := newHarness(t, true, []harnessOption{online}, accounts.New(alice))
	c := h.connected(alice)

	h.obs.mu.Lock()
	seen := len(h.obs.events)
	h.obs.mu.Unlock()
	if seen != 1 {
		t.Errorf("observer saw %d events, want 1", seen)
	}

	if err := h.dir.Delete(context.Background(), alice); err != nil {
		t.Fatal(err)
	}
	h.flush()
	h.flush()

	if _, ok := h.o.GetClient(alice); ok {
		t.Fatal("client still registered after delete")
	}
	if !c.bus.Empty() {
		t.Error("handlers left on deleted client's bus")
	}
	waitFor(t, func() bool { return len(h.purger.list()) == 1 })
	if h.clock.HasWaiters() {
		t.Error("reconnect armed for deleted account")
	}
}

func TestDeleteDisconnectedAccountPurges(t *testing.T) {
	h := newHarness(t, false, []harnessOption{online}, accounts.New(alice))
	h.flush()

	if err := h.dir.Delete(context.Background(), alice); err != nil {
		t.Fatal(err)
	}
	h.flush()
	if _, ok := h.o.GetClient(alice); ok {
		t.Fatal("client still registered")
	}
	waitFor(t, func() bool { return len(h.purger.list()) == 1 })
}

func TestStaleGenerationIgnored(t *testing.T) {
	h := newHarness(t, true, []harnessOption{online}, accounts.New(alice))
	c := h.connected(alice)

	stale, _ := generationOf(h, alice)
	c.drop(errors.New("reset"))
	h.flush()

	// Deactivate and reactivate to get a fresh registration.
	acc, _ := h.dir.Get(context.Background(), alice)
	acc.Active = false
	if err := h.dir.Save(context.Background(), acc); err != nil {
		t.Fatal(err)
	}
	h.flush()
	acc.Active = true
	if err := h.dir.Save(context.Background(), acc); err != nil {
		t.Fatal(err)
	}
	h.waitLogins(alice, 1)
	fresh, _ := generationOf(h, alice)
	if fresh == stale {
		t.Fatal("registration generation not bumped")
	}

	h.client(alice).drop(errors.New("reset"))
	h.flush()
	if got := h.o.RetryCount(alice); got != 1 {
		t.Fatalf("RetryCount = %d, want 1", got)
	}

	h.o.handle(xmpp.SessionEstablished{JID: alice}, stale)
	h.flush()
	if got := h.o.RetryCount(alice); got != 1 {
		t.Errorf("stale event reset RetryCount to %d", got)
	}
}

func setActive(t *testing.T, h *harness, jid xmpp.JID, active bool) {
	t.Helper()
	acc, err := h.dir.Get(context.Background(), jid)
	if err != nil {
		t.Fatal(err)
	}
	acc.Active = active
	if err := h.dir.Save(context.Background(), acc); err != nil {
		t.Fatal(err)
	}
}

func TestDeactivateCancelsPendingReconnect(t *testing.T) {
	h := newHarness(t, true, []harnessOption{online}, accounts.New(alice))
	c := h.connected(alice)

	c.drop(errors.New("connection reset"))
	h.flush()
	if !h.clock.HasWaiters() {
		t.Fatal("no reconnect timer armed")
	}

	setActive(t, h, alice, false)
	waitFor(t, func() bool {
		_, ok := h.o.GetClient(alice)
		return !ok
	})
	if h.clock.HasWaiters() {
		t.Error("reconnect timer still armed after deactivation")
	}

	h.clock.Step(20 * time.Second)
	h.flush()
	if n, _, _ := c.snapshot(); n != 1 {
		t.Errorf("logins = %d after deactivation, want 1", n)
	}
	if n := h.clients.count(alice); n != 1 {
		t.Errorf("clients created = %d, want 1", n)
	}
}

func TestNetworkFlapWithTwoAccounts(t *testing.T) {
	h := newHarness(t, true, []harnessOption{online}, accounts.New(alice), accounts.New(bob))
	a := h.connected(alice)
	b := h.connected(bob)

	h.network.Set(false)
	h.flush()
	h.flush()
	for name, c := range map[string]*fakeClient{"alice": a, "bob": b} {
		_, disconnects, _ := c.snapshot()
		if len(disconnects) != 1 || !disconnects[0] {
			t.Errorf("%s disconnects = %v, want [true]", name, disconnects)
		}
	}
	if h.clock.HasWaiters() {
		t.Error("reconnect timer armed with network down")
	}
	for _, jid := range []xmpp.JID{alice, bob} {
		if got := h.o.RetryCount(jid); got != 0 {
			t.Errorf("RetryCount(%s) = %d, want 0", jid, got)
		}
	}

	h.network.Set(true)
	h.waitLogins(alice, 2)
	h.waitLogins(bob, 2)
}

func TestPresenceOnlyForConnectedClients(t *testing.T) {
	h := newHarness(t, true, []harnessOption{online}, accounts.New(alice), accounts.New(bob))
	a := h.connected(alice)
	h.waitLogins(bob, 1)
	b := h.client(bob)

	h.o.SetStatus(Status{Show: xmpp.ShowAway})
	h.flush()
	if got := a.lastPresence(); got != xmpp.ShowAway {
		t.Errorf("alice presence = %v, want away", got)
	}
	if got := b.lastPresence(); got != xmpp.ShowOnline {
		t.Errorf("connecting bob got presence %v, want online from its login", got)
	}
}

func TestDeactivateResetsChatStates(t *testing.T) {
	h := newHarness(t, true, []harnessOption{online}, accounts.New(alice))
	h.connected(alice)

	setActive(t, h, alice, false)
	waitFor(t, func() bool {
		_, ok := h.o.GetClient(alice)
		return !ok
	})
	if got := h.chat.count(); got != 1 {
		t.Errorf("chat states reset %d times, want 1", got)
	}
}

func generationOf(h *harness, jid xmpp.JID) (uint64, bool) {
	h.t.Helper()
	var gen uint64
	var ok bool
	if err := h.o.queue.Sync(func() {
		if e := h.o.reg.lookup(jid, 0); e != nil {
			gen, ok = e.generation, true
		}
	}); err != nil {
		h.t.Fatal(err)
	}
	return gen, ok
}

func TestRememberStatus(t *testing.T) {
	store := &memoryStatusStore{}
	remember := func(cfg *Config, deps *Deps) {
		cfg.RememberStatus = true
		deps.Settings = store
	}
	h := newHarness(t, true, []harnessOption{remember}, accounts.New(alice))
	h.o.SetStatus(Status{Show: xmpp.ShowAway, Message: "lunch"})
	h.waitLogins(alice, 1)

	if s, ok, _ := store.LoadStatus(); !ok || s.Show != xmpp.ShowAway || s.Message != "lunch" {
		t.Fatalf("saved status = %+v, %v", s, ok)
	}

	h2 := newHarness(t, true, []harnessOption{remember}, accounts.New(bob))
	h2.flush()
	if got := h2.o.Status(); got.Show != xmpp.ShowAway || got.Message != "lunch" {
		t.Errorf("restored status = %+v", got)
	}
}

func TestAutoConnect(t *testing.T) {
	auto := func(cfg *Config, _ *Deps) { cfg.AutoConnect = true }
	h := newHarness(t, true, []harnessOption{auto}, accounts.New(alice))
	h.waitLogins(alice, 1)
	if got := h.o.Status().Show; got != xmpp.ShowOnline {
		t.Errorf("Status = %v, want online", got)
	}
}

func TestAccountStatusNotifications(t *testing.T) {
	h := newHarness(t, true, []harnessOption{online}, accounts.New(alice))
	c := h.connected(alice)
	c.drop(nil)
	h.flush()

	waitFor(t, func() bool { return len(h.notes.find(KindAccountStatusChanged)) == 2 })
	notes := h.notes.find(KindAccountStatusChanged)
	if st := notes[0].(AccountStatusChanged).State; st != xmpp.StateConnected {
		t.Errorf("first state = %v", st)
	}
	if st := notes[1].(AccountStatusChanged).State; st != xmpp.StateDisconnected {
		t.Errorf("second state = %v", st)
	}
}

func TestShutdownStopsEverything(t *testing.T) {
	h := newHarness(t, true, []harnessOption{online}, accounts.New(alice))
	c := h.connected(alice)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.o.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	if c.State() != xmpp.StateDisconnected {
		t.Error("client still connected after shutdown")
	}
	if h.clock.HasWaiters() {
		t.Error("timer left after shutdown")
	}
	// Late events are dropped.
	h.network.Set(false)
	h.o.SetStatus(Offline)
}
