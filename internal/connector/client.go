// Package connector is the network side of a session Client: endpoint
// resolution, TCP dial, TLS certificate policy and keep-alives. Stream
// negotiation is delegated to a Negotiator.
package connector

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gezibash/arc-session/internal/eventbus"
	"github.com/gezibash/arc-session/internal/session"
	"github.com/gezibash/arc-session/internal/xmpp"
	"github.com/gezibash/arc-session/pkg/logging"
)

const (
	defaultDialTimeout  = 15 * time.Second
	keepAliveWriteLimit = 5 * time.Second
)

// Options are shared by every client a Factory creates.
type Options struct {
	SRV         *SRVCache
	Negotiator  Negotiator
	DialTimeout time.Duration
	// Roots overrides the system pool for chain verification.
	Roots  *x509.CertPool
	Dial   func(ctx context.Context, network, addr string) (net.Conn, error)
	Logger *logging.Logger
}

// Factory returns a session.ClientFactory producing connector clients.
func Factory(opts Options) session.ClientFactory {
	return func(jid xmpp.JID) session.Client {
		return New(jid, opts)
	}
}

// Client implements session.Client over a TCP/TLS socket.
type Client struct {
	jid  xmpp.JID
	opts Options
	bus  *session.EventBus
	log  *logging.Logger

	mu       sync.Mutex
	state    xmpp.State
	cfg      session.Configuration
	conn     Session
	cancel   context.CancelFunc
	attempt  uuid.UUID
	show     xmpp.Show
	message  string
	lastSend time.Time

	keepAliveBusy bool
}

// New creates a disconnected client for jid.
func New(jid xmpp.JID, opts Options) *Client {
	if opts.Negotiator == nil {
		opts.Negotiator = DirectTLS{}
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.Dial == nil {
		opts.Dial = (&net.Dialer{}).DialContext
	}
	if opts.Logger == nil {
		opts.Logger = logging.New(nil)
	}
	return &Client{
		jid:  jid,
		opts: opts,
		bus:  eventbus.New[xmpp.EventKind, xmpp.Event](),
		log:  opts.Logger.WithComponent("connector").WithAccount(jid.String()),
	}
}

func (c *Client) JID() xmpp.JID { return c.jid }

func (c *Client) Events() *session.EventBus { return c.bus }

func (c *Client) State() xmpp.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Configure replaces the login configuration used by the next Login.
func (c *Client) Configure(cfg session.Configuration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg
}

// Login starts a connection attempt unless one is already running.
func (c *Client) Login() {
	c.mu.Lock()
	if c.state != xmpp.StateDisconnected {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.state = xmpp.StateConnecting
	c.cancel = cancel
	c.attempt = uuid.New()
	attempt, cfg := c.attempt, c.cfg
	c.mu.Unlock()

	go c.connect(ctx, attempt, cfg)
}

// Disconnect ends the current attempt or session. force closes the
// socket without waiting for a clean shutdown.
func (c *Client) Disconnect(force bool) {
	c.mu.Lock()
	switch c.state {
	case xmpp.StateDisconnected, xmpp.StateDisconnecting:
		c.mu.Unlock()
		return
	case xmpp.StateConnecting:
		c.state = xmpp.StateDisconnecting
		cancel := c.cancel
		c.mu.Unlock()
		cancel()
		return
	}
	c.state = xmpp.StateDisconnecting
	conn := c.conn
	c.mu.Unlock()

	// The read loop observes the close and publishes Disconnected.
	go func() {
		if !force {
			_ = conn.SetWriteDeadline(time.Now().Add(keepAliveWriteLimit))
		}
		_ = conn.Close()
	}()
}

// KeepAlive sends whitespace on an established session. At most one
// keep-alive write is in flight; the call itself never waits for it.
func (c *Client) KeepAlive() {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == xmpp.StateConnected
	if !connected || conn == nil || c.keepAliveBusy {
		c.mu.Unlock()
		return
	}
	c.keepAliveBusy = true
	c.mu.Unlock()

	go func() {
		_ = conn.SetWriteDeadline(time.Now().Add(keepAliveWriteLimit))
		_, err := conn.Write([]byte{' '})

		c.mu.Lock()
		c.keepAliveBusy = false
		if err == nil {
			c.lastSend = time.Now()
		}
		c.mu.Unlock()

		if err != nil {
			c.log.Debug("keepalive failed", "error", err)
			_ = conn.Close()
		}
	}()
}

// SetPresence records presence and sends it if the session supports it.
func (c *Client) SetPresence(show xmpp.Show, message string) {
	c.mu.Lock()
	c.show, c.message = show, message
	conn := c.conn
	connected := c.state == xmpp.StateConnected
	c.mu.Unlock()

	if !connected {
		return
	}
	if ps, ok := conn.(PresenceSender); ok {
		go func() {
			if err := ps.SendPresence(show, message); err != nil {
				c.log.Debug("presence send failed", "error", err)
			}
		}()
	}
}

func (c *Client) connect(ctx context.Context, attempt uuid.UUID, cfg session.Configuration) {
	log := c.log.WithCorrelation(attempt.String())
	sess, err := c.establish(ctx, cfg)

	c.mu.Lock()
	if c.attempt != attempt || c.state != xmpp.StateConnecting || err != nil {
		c.state = xmpp.StateDisconnected
		c.cancel = nil
		c.mu.Unlock()
		if sess != nil {
			_ = sess.Close()
		}
		if err == nil {
			err = context.Canceled
		}
		log.Info("connection attempt ended", "error", err)
		for _, e := range c.failureEvents(err) {
			c.bus.Publish(e)
		}
		return
	}
	c.state = xmpp.StateConnected
	c.conn = sess
	c.lastSend = time.Now()
	show, message := c.show, c.message
	c.mu.Unlock()

	log.Info("session established", "remote", sess.RemoteAddr().String())
	if ps, ok := sess.(PresenceSender); ok && show != xmpp.ShowNone {
		_ = ps.SendPresence(show, message)
	}
	c.bus.Publish(xmpp.SessionEstablished{JID: c.jid})

	go c.readLoop(sess)
}

func (c *Client) establish(ctx context.Context, cfg session.Configuration) (Session, error) {
	addrs := []string{cfg.Server}
	if cfg.Server == "" {
		if c.opts.SRV == nil {
			addrs = []string{net.JoinHostPort(c.jid.Domain(), "5222")}
		} else {
			var err error
			if addrs, err = c.opts.SRV.Lookup(ctx, c.jid.Domain()); err != nil {
				return nil, err
			}
		}
	}

	var lastErr error
	for _, addr := range addrs {
		dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
		conn, err := c.opts.Dial(dialCtx, "tcp", addr)
		if err != nil {
			cancel()
			lastErr = err
			continue
		}

		sess, err := c.opts.Negotiator.Negotiate(dialCtx, conn, Params{
			JID:      c.jid,
			Password: cfg.Password,
			Resource: cfg.Resource,
			TLS:      tlsConfig(c.jid.Domain(), cfg.PinnedSHA1, c.opts.Roots),
		})
		cancel()
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		return sess, nil
	}
	return nil, fmt.Errorf("dial %s: %w", c.jid.Domain(), lastErr)
}

func (c *Client) readLoop(sess Session) {
	buf := make([]byte, 4096)
	var err error
	for {
		if _, err = sess.Read(buf); err != nil {
			break
		}
	}
	_ = sess.Close()

	c.mu.Lock()
	requested := c.state == xmpp.StateDisconnecting
	if c.conn == sess {
		c.conn = nil
		c.state = xmpp.StateDisconnected
		c.cancel = nil
	}
	c.mu.Unlock()

	if requested {
		err = nil
	}
	c.log.Info("session closed", "error", err)
	c.bus.Publish(xmpp.Disconnected{JID: c.jid, Err: err})
}

// failureEvents maps a failed attempt to its events. Auth and certificate
// failures are reported first and always followed by Disconnected.
func (c *Client) failureEvents(err error) []xmpp.Event {
	disconnected := xmpp.Disconnected{JID: c.jid, Err: err}
	if errors.Is(err, context.Canceled) {
		disconnected.Err = nil
	}

	var certErr *CertificateError
	if errors.As(err, &certErr) {
		return []xmpp.Event{xmpp.CertificateError{JID: c.jid, Certificate: certErr.Info, Err: err}, disconnected}
	}
	var authErr *xmpp.AuthError
	if errors.As(err, &authErr) {
		return []xmpp.Event{xmpp.AuthFailed{JID: c.jid, Err: err}, disconnected}
	}
	return []xmpp.Event{disconnected}
}

var _ session.Client = (*Client)(nil)
