// Package session keeps one connection per active account in step with a
// single desired presence.
//
// All bookkeeping (the client registry, desired and effective status,
// network availability, retry counters) lives on one dispatch.Queue.
// Client calls made from that queue never block; directory, vault and
// purge I/O happens on the caller's goroutine or a helper goroutine and
// re-enters the queue with its result.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/gezibash/arc-session/internal/accounts"
	"github.com/gezibash/arc-session/internal/backoff"
	"github.com/gezibash/arc-session/internal/dispatch"
	"github.com/gezibash/arc-session/internal/eventbus"
	"github.com/gezibash/arc-session/internal/observability"
	"github.com/gezibash/arc-session/internal/reachability"
	"github.com/gezibash/arc-session/internal/xmpp"
	"github.com/gezibash/arc-session/pkg/logging"
)

const ioTimeout = 10 * time.Second

// Config holds orchestrator behavior switches.
type Config struct {
	// AutoConnect sets Status online after Start.
	AutoConnect bool
	// AutomaticStatus switches to extended away while idle.
	AutomaticStatus bool
	// RememberStatus persists every SetStatus and restores it on Start.
	RememberStatus bool
	// InitialStatus, when set, wins over remembered status and AutoConnect.
	InitialStatus *Status
	// KeepAliveInterval is the period of keep-alives to connected
	// clients. Zero disables the periodic sender.
	KeepAliveInterval time.Duration
	// Backoff computes reconnect delays. Nil uses backoff.Default().
	Backoff backoff.Policy
}

// Deps are the orchestrator's collaborators. Directory, Vault and
// ClientFactory are required.
type Deps struct {
	Directory     accounts.Directory
	Vault         accounts.Vault
	ClientFactory ClientFactory
	Reachability  reachability.Monitor
	Clock         clock.WithTickerAndDelayedExecution
	Observers     []Observer
	Purger        Purger
	ChatStates    ChatStates
	Settings      StatusStore
	Metrics       *observability.Metrics
	Logger        *logging.Logger
	Hostname      func() (string, error)
}

// Orchestrator drives every registered Client.
type Orchestrator struct {
	cfg     Config
	deps    Deps
	backoff backoff.Policy
	clock   clock.WithTickerAndDelayedExecution
	log     *logging.Logger

	queue  *dispatch.Queue
	notify *dispatch.Queue
	bus    *notificationBus

	// Owned by queue.
	reg              *registry
	status           Status
	current          Status
	networkAvailable bool
	reportedNetwork  bool
	awake            bool
	idle             bool
	nonIdle          *Status
	closed           bool

	mu      sync.Mutex
	cancels []func()
	wg      sync.WaitGroup
}

// New validates deps and returns a stopped orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Directory == nil || deps.Vault == nil || deps.ClientFactory == nil {
		return nil, fmt.Errorf("session: directory, vault and client factory are required")
	}
	if deps.Clock == nil {
		deps.Clock = clock.RealClock{}
	}
	if deps.Hostname == nil {
		deps.Hostname = os.Hostname
	}
	if deps.Logger == nil {
		deps.Logger = logging.New(nil)
	}
	policy := cfg.Backoff
	if policy == nil {
		policy = backoff.Default()
	}

	return &Orchestrator{
		cfg:     cfg,
		deps:    deps,
		backoff: policy,
		clock:   deps.Clock,
		log:     deps.Logger.WithComponent("session"),
		queue:   dispatch.New("session"),
		notify:  dispatch.New("session-notify"),
		bus:     eventbus.New[NotificationKind, Notification](),
		reg:     newRegistry(),
		awake:   true,
	}, nil
}

// Start registers every active account, subscribes to directory and
// reachability changes and applies the initial status.
func (o *Orchestrator) Start(ctx context.Context) error {
	active, err := accounts.Active(ctx, o.deps.Directory)
	if err != nil {
		return fmt.Errorf("list active accounts: %w", err)
	}
	if err := o.queue.Sync(func() {
		for _, acc := range active {
			o.register(acc.JID)
		}
	}); err != nil {
		return err
	}
	o.log.Info("session started", "accounts", len(active))

	o.addCancel(o.deps.Directory.Subscribe(o.OnAccountChanged))
	if mon := o.deps.Reachability; mon != nil {
		o.addCancel(mon.Subscribe(o.SetNetworkAvailable))
		o.SetNetworkAvailable(mon.Available())
	}

	if s, ok := o.initialStatus(); ok {
		o.setStatus(s, false)
	}

	if o.cfg.KeepAliveInterval > 0 {
		loopCtx, cancel := context.WithCancel(context.Background())
		o.addCancel(cancel)
		o.wg.Add(1)
		go o.keepAliveLoop(loopCtx)
	}
	return nil
}

func (o *Orchestrator) initialStatus() (Status, bool) {
	if o.cfg.InitialStatus != nil {
		return *o.cfg.InitialStatus, true
	}
	if o.cfg.RememberStatus && o.deps.Settings != nil {
		s, ok, err := o.deps.Settings.LoadStatus()
		if err != nil {
			o.log.Warn("load remembered status", "error", err)
		} else if ok {
			return s, true
		}
	}
	if o.cfg.AutoConnect {
		return Status{Show: xmpp.ShowOnline}, true
	}
	return Status{}, false
}

// Shutdown detaches from collaborators, disconnects every client, cancels
// pending reconnects and stops the queues.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	cancels := o.cancels
	o.cancels = nil
	o.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = o.queue.Sync(func() {
			o.closed = true
			for _, e := range o.reg.sorted() {
				e.stopTimer()
				e.client.Disconnect(false)
			}
		})
		o.queue.Close()
		o.notify.Close()
		o.wg.Wait()
	}()

	select {
	case <-done:
		o.log.Info("session stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetClient returns the client registered for jid.
func (o *Orchestrator) GetClient(jid xmpp.JID) (Client, bool) {
	c, err := dispatch.SyncValue(o.queue, func() Client {
		if e := o.reg.lookup(jid, 0); e != nil {
			return e.client
		}
		return nil
	})
	return c, err == nil && c != nil
}

// Clients returns every registered client ordered by account.
func (o *Orchestrator) Clients() []Client {
	out, _ := dispatch.SyncValue(o.queue, func() []Client {
		entries := o.reg.sorted()
		clients := make([]Client, len(entries))
		for i, e := range entries {
			clients[i] = e.client
		}
		return clients
	})
	return out
}

// RetryCount returns the consecutive reconnects scheduled for jid since
// its last successful connection.
func (o *Orchestrator) RetryCount(jid xmpp.JID) int {
	n, _ := dispatch.SyncValue(o.queue, func() int {
		if e := o.reg.lookup(jid, 0); e != nil {
			return e.retry
		}
		return 0
	})
	return n
}

// Status returns the desired status.
func (o *Orchestrator) Status() Status {
	s, _ := dispatch.SyncValue(o.queue, func() Status { return o.status })
	return s
}

// CurrentStatus returns Status if at least one client is connected and
// Status with ShowNone otherwise.
func (o *Orchestrator) CurrentStatus() Status {
	s, _ := dispatch.SyncValue(o.queue, func() Status { return o.current })
	return s
}

// NetworkAvailable reports the effective network state.
func (o *Orchestrator) NetworkAvailable() bool {
	v, _ := dispatch.SyncValue(o.queue, func() bool { return o.networkAvailable })
	return v
}

// SetStatus changes the desired presence.
func (o *Orchestrator) SetStatus(s Status) {
	o.setStatus(s, o.cfg.RememberStatus)
}

func (o *Orchestrator) setStatus(s Status, persist bool) {
	if persist && o.deps.Settings != nil {
		if err := o.deps.Settings.SaveStatus(s); err != nil {
			o.log.Warn("remember status", "error", err)
		}
	}
	o.async(func() { o.applyStatus(s) })
}

// SetNetworkAvailable reports a reachability change. While asleep the
// value is recorded and applied on wake.
func (o *Orchestrator) SetNetworkAvailable(available bool) {
	o.async(func() {
		o.reportedNetwork = available
		if !o.awake {
			return
		}
		o.applyNetwork(available)
	})
}

// SetAwake reports host sleep and wake. Sleeping forces the network
// unavailable; waking restores the last reported reachability.
func (o *Orchestrator) SetAwake(awake bool) {
	o.async(func() {
		o.awake = awake
		if !awake {
			o.applyNetwork(false)
			return
		}
		o.applyNetwork(o.reportedNetwork)
	})
}

// SetIdle reports user idleness. With automatic status enabled, idling
// switches to extended away and returning restores the previous status.
func (o *Orchestrator) SetIdle(idle bool) {
	o.async(func() {
		o.idle = idle
		if idle && o.cfg.AutomaticStatus && o.status.Active() {
			if o.nonIdle == nil {
				prev := o.status
				o.nonIdle = &prev
			}
			o.applyStatus(o.status.WithShow(xmpp.ShowXA))
			return
		}
		if !idle && o.nonIdle != nil {
			restore := *o.nonIdle
			o.nonIdle = nil
			o.applyStatus(restore)
		}
	})
}

// Subscribe registers h for the given notification kinds, or all kinds
// when none are given.
func (o *Orchestrator) Subscribe(h NotificationHandler, kinds ...NotificationKind) {
	if len(kinds) == 0 {
		kinds = NotificationKinds
	}
	o.bus.Register(h, kinds...)
}

// SubscribeFunc is Subscribe for a plain function.
func (o *Orchestrator) SubscribeFunc(fn func(Notification), kinds ...NotificationKind) (cancel func()) {
	if len(kinds) == 0 {
		kinds = NotificationKinds
	}
	return o.bus.Subscribe(fn, kinds...)
}

// Unsubscribe removes h from every kind.
func (o *Orchestrator) Unsubscribe(h NotificationHandler) {
	o.bus.Unregister(h)
}

// OnAccountChanged reconciles the registry with the directory's current
// view of change.Account.
func (o *Orchestrator) OnAccountChanged(change accounts.Change) {
	jid := change.Account.JID
	ctx, cancel := context.WithTimeout(context.Background(), ioTimeout)
	defer cancel()

	acc, err := o.deps.Directory.Get(ctx, jid)
	removed := errors.Is(err, accounts.ErrNotFound)
	if err != nil && !removed {
		o.log.WithAccount(jid.String()).Warn("read changed account", "error", err)
		return
	}
	if removed || !acc.Active {
		o.async(func() { o.accountDeactivated(jid, removed) })
		return
	}

	cfg, err := o.configuration(acc)
	if err != nil {
		o.log.WithAccount(jid.String()).Warn("account has no usable credentials", "error", err)
	}
	o.async(func() { o.accountActivated(jid, cfg, err == nil) })
}

// Handle processes a lifecycle event for whichever client is currently
// registered for the event's account.
func (o *Orchestrator) Handle(e xmpp.Event) {
	o.handle(e, 0)
}

func (o *Orchestrator) handle(e xmpp.Event, gen uint64) {
	jid := e.Account()

	switch ev := e.(type) {
	case xmpp.SessionEstablished, xmpp.Resumed:
		o.async(func() { o.established(jid, gen) })
	case xmpp.AuthFailed:
		o.authFailed(ev)
	case xmpp.CertificateError:
		o.certificateError(ev)
	case xmpp.Disconnected:
		active, removed := o.accountState(jid)
		o.async(func() { o.disconnected(jid, gen, active, removed) })
	}
}

// accountState reads whether jid is still active and whether it exists.
func (o *Orchestrator) accountState(jid xmpp.JID) (active, removed bool) {
	ctx, cancel := context.WithTimeout(context.Background(), ioTimeout)
	defer cancel()
	acc, err := o.deps.Directory.Get(ctx, jid)
	if errors.Is(err, accounts.ErrNotFound) {
		return false, true
	}
	if err != nil {
		// Keep the client; the next change notification reconciles it.
		o.log.WithAccount(jid.String()).Warn("read account", "error", err)
		return true, false
	}
	return acc.Active, false
}

func (o *Orchestrator) authFailed(e xmpp.AuthFailed) {
	log := o.log.WithAccount(e.JID.String())
	if xmpp.IsTransientAuth(e.Err) {
		log.Info("transient authentication failure, retrying", "error", e.Err)
		return
	}
	log.Warn("authentication failed, deactivating account", "error", e.Err)

	if err := o.deactivate(e.JID, nil); err != nil {
		log.Warn("deactivate account", "error", err)
		return
	}
	o.publish(AuthenticationError{Account: e.JID, Err: e.Err})
}

func (o *Orchestrator) certificateError(e xmpp.CertificateError) {
	log := o.log.WithAccount(e.JID.String())
	log.Warn("server certificate rejected, deactivating account",
		"subject", e.Certificate.Subject, "sha1", e.Certificate.FingerprintSHA1)

	cert := e.Certificate
	cert.Accepted = false
	if err := o.deactivate(e.JID, &cert); err != nil {
		log.Warn("deactivate account", "error", err)
		return
	}
	o.publish(ServerCertificateError{Account: e.JID, Certificate: cert})
}

// deactivate clears the active flag and optionally records a pending
// certificate. The directory's change notification does the rest.
func (o *Orchestrator) deactivate(jid xmpp.JID, cert *xmpp.CertificateInfo) error {
	ctx, cancel := context.WithTimeout(context.Background(), ioTimeout)
	defer cancel()
	acc, err := o.deps.Directory.Get(ctx, jid)
	if err != nil {
		return err
	}
	acc.Active = false
	if cert != nil {
		acc.ServerCertificate = cert
	}
	return o.deps.Directory.Save(ctx, acc)
}

// configuration builds the login configuration for acc.
func (o *Orchestrator) configuration(acc accounts.Account) (Configuration, error) {
	password, err := o.deps.Vault.Password(acc.JID)
	if err != nil {
		return Configuration{}, err
	}
	cfg := Configuration{Password: password, Server: acc.Server}
	if fp, ok := acc.AcceptedFingerprint(); ok {
		cfg.PinnedSHA1 = fp
	}
	switch acc.ResourcePolicy {
	case accounts.ResourceHostname:
		if host, err := o.deps.Hostname(); err == nil {
			cfg.Resource = host
		}
	case accounts.ResourceCustom:
		cfg.Resource = acc.ResourceName
	}
	return cfg, nil
}

// --- queue jobs ---

func (o *Orchestrator) async(fn func()) {
	if err := o.queue.Async(func() {
		if o.closed {
			return
		}
		fn()
	}); err != nil {
		o.log.Debug("session queue closed, dropping job")
	}
}

func (o *Orchestrator) register(jid xmpp.JID) *entry {
	if e := o.reg.lookup(jid, 0); e != nil {
		return e
	}
	client := o.deps.ClientFactory(jid)
	e := o.reg.add(jid, client)
	e.handler = &clientHandler{o: o, gen: e.generation}

	bus := client.Events()
	bus.Register(e.handler, xmpp.LifecycleKinds...)
	for _, obs := range o.deps.Observers {
		bus.Register(obs, obs.Kinds()...)
	}

	o.gauge()
	o.log.WithAccount(jid.String()).Info("client registered")
	return e
}

func (o *Orchestrator) unregister(jid xmpp.JID, removed bool) {
	e, ok := o.reg.remove(jid)
	if !ok {
		return
	}
	e.stopTimer()

	bus := e.client.Events()
	bus.Unregister(e.handler)
	for _, obs := range o.deps.Observers {
		bus.Unregister(obs, obs.Kinds()...)
	}

	o.gauge()
	o.log.WithAccount(jid.String()).Info("client unregistered", "removed", removed)

	if removed && o.deps.Purger != nil {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), ioTimeout)
			defer cancel()
			if err := o.deps.Purger.Purge(ctx, jid); err != nil {
				o.log.WithAccount(jid.String()).Warn("purge account data", "error", err)
			}
		}()
	}
}

func (o *Orchestrator) applyStatus(s Status) {
	prev := o.status
	o.status = s
	o.log.Debug("status set", "status", s.String())

	if o.networkAvailable {
		switch {
		case prev.Active() && !s.Active():
			o.disconnectAll(false)
		case !prev.Active() && s.Active():
			o.connectAll()
		case s.Active():
			for _, e := range o.reg.sorted() {
				if e.client.State() == xmpp.StateConnected {
					e.client.SetPresence(s.Show, s.Message)
				}
			}
		}
	}
	o.recomputeCurrent()
}

func (o *Orchestrator) applyNetwork(available bool) {
	prev := o.networkAvailable
	o.networkAvailable = available

	switch {
	case available && !prev:
		o.log.Info("network available")
		o.connectAll()
	case available:
		o.keepAliveAll()
	default:
		if prev {
			o.log.Info("network unavailable", "force", o.awake)
		}
		o.disconnectAll(o.awake)
	}
}

func (o *Orchestrator) connectAll() {
	if !o.networkAvailable || !o.status.Active() {
		return
	}
	for _, e := range o.reg.sorted() {
		o.connect(e)
	}
}

func (o *Orchestrator) disconnectAll(force bool) {
	for _, e := range o.reg.sorted() {
		e.client.Disconnect(force)
	}
}

func (o *Orchestrator) keepAliveAll() {
	for _, e := range o.reg.sorted() {
		if e.client.State() == xmpp.StateConnected {
			e.client.KeepAlive()
		}
	}
}

// connect reads the account off the queue and re-enters it to log in if
// the registration and the connect conditions still hold.
func (o *Orchestrator) connect(e *entry) {
	jid, gen, client := e.client.JID(), e.generation, e.client
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), ioTimeout)
		defer cancel()

		log := o.log.WithAccount(jid.String())
		acc, err := o.deps.Directory.Get(ctx, jid)
		if err != nil || !acc.Active {
			return
		}
		cfg, err := o.configuration(acc)
		if err != nil {
			log.Warn("cannot connect without credentials", "error", err)
			return
		}

		o.async(func() {
			e := o.reg.lookup(jid, gen)
			if e == nil || !o.networkAvailable || !o.status.Active() {
				return
			}
			client.Configure(cfg)
			client.SetPresence(o.status.Show, o.status.Message)
			client.Login()
			if m := o.deps.Metrics; m != nil {
				m.ConnectAttempts.WithLabelValues(jid.String()).Inc()
			}
			log.Debug("login requested", "retry", e.retry)
		})
	}()
}

func (o *Orchestrator) established(jid xmpp.JID, gen uint64) {
	e := o.reg.lookup(jid, gen)
	if e == nil {
		return
	}
	e.retry = 0
	e.stopTimer()
	o.log.WithAccount(jid.String()).Info("account connected")
	o.recomputeCurrent()
	o.publish(AccountStatusChanged{Account: jid, State: e.client.State()})
}

func (o *Orchestrator) disconnected(jid xmpp.JID, gen uint64, active, removed bool) {
	o.recomputeCurrent()
	o.publish(AccountStatusChanged{Account: jid, State: xmpp.StateDisconnected})

	e := o.reg.lookup(jid, gen)
	if e == nil {
		return
	}
	if o.deps.ChatStates != nil {
		o.deps.ChatStates.ResetChatStates(jid)
	}
	if !active {
		o.unregister(jid, removed)
		return
	}
	// With the network gone the reconnect comes from the network
	// returning, not from a timer.
	if !o.status.Active() || !o.networkAvailable {
		return
	}

	delay := o.backoff.Delay(e.retry)
	e.retry++
	e.stopTimer()
	e.timer = o.clock.AfterFunc(delay, func() {
		o.async(func() { o.retry(jid, gen) })
	})

	if m := o.deps.Metrics; m != nil {
		m.ReconnectsScheduled.Inc()
		m.ReconnectDelay.Observe(delay.Seconds())
	}
	o.log.WithAccount(jid.String()).Info("reconnect scheduled", "delay", delay, "retry", e.retry)
}

func (o *Orchestrator) retry(jid xmpp.JID, gen uint64) {
	e := o.reg.lookup(jid, gen)
	if e == nil {
		return
	}
	e.timer = nil
	if !o.networkAvailable || !o.status.Active() {
		return
	}
	o.connect(e)
}

func (o *Orchestrator) accountDeactivated(jid xmpp.JID, removed bool) {
	e := o.reg.lookup(jid, 0)
	if e == nil {
		return
	}
	prev := e.client.State()
	e.client.Disconnect(false)
	if prev == xmpp.StateDisconnected && e.client.State() == xmpp.StateDisconnected {
		o.unregister(jid, removed)
		return
	}
	// Pending reconnects must not revive a deactivated account.
	e.stopTimer()
}

func (o *Orchestrator) accountActivated(jid xmpp.JID, cfg Configuration, haveCfg bool) {
	if e := o.reg.lookup(jid, 0); e != nil {
		if haveCfg {
			e.client.Configure(cfg)
		}
		e.client.Disconnect(false)
		return
	}
	e := o.register(jid)
	if o.networkAvailable {
		o.connect(e)
	}
}

func (o *Orchestrator) recomputeCurrent() {
	next := o.status
	if !o.reg.anyConnected() {
		next = next.WithShow(xmpp.ShowNone)
	}
	if next.Equal(o.current) {
		return
	}
	o.current = next
	o.log.Info("current status changed", "status", next.String())
	o.publish(StatusChanged{Status: next})
}

func (o *Orchestrator) publish(n Notification) {
	_ = o.notify.Async(func() { o.bus.Publish(n) })
}

func (o *Orchestrator) gauge() {
	if m := o.deps.Metrics; m != nil {
		m.ClientsRegistered.Set(float64(o.reg.len()))
	}
}

func (o *Orchestrator) keepAliveLoop(ctx context.Context) {
	defer o.wg.Done()
	ticker := o.clock.NewTicker(o.cfg.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			o.async(func() {
				if o.networkAvailable {
					o.keepAliveAll()
				}
			})
		}
	}
}

func (o *Orchestrator) addCancel(fn func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cancels = append(o.cancels, fn)
}
