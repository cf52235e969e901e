package reachability

import (
	"context"
	"net"
	"time"

	"k8s.io/utils/clock"

	"github.com/gezibash/arc-session/pkg/logging"
)

// DialFunc opens a connection; the prober closes it immediately.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// ProberConfig configures a Prober.
type ProberConfig struct {
	Addr     string
	Interval time.Duration
	Timeout  time.Duration
}

// Prober decides availability by periodically opening a TCP connection
// to a well-known address.
type Prober struct {
	notifier
	cfg   ProberConfig
	clock clock.WithTicker
	dial  DialFunc
	log   *logging.Logger
}

// ProberOption configures a Prober.
type ProberOption func(*Prober)

// WithClock replaces the real clock.
func WithClock(c clock.WithTicker) ProberOption {
	return func(p *Prober) { p.clock = c }
}

// WithDialer replaces net.Dialer.
func WithDialer(d DialFunc) ProberOption {
	return func(p *Prober) { p.dial = d }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) ProberOption {
	return func(p *Prober) { p.log = l }
}

// NewProber returns a prober that starts out unavailable.
func NewProber(cfg ProberConfig, opts ...ProberOption) *Prober {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	p := &Prober{
		cfg:   cfg,
		clock: clock.RealClock{},
		dial:  (&net.Dialer{}).DialContext,
		log:   logging.New(nil),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.WithComponent("reachability")
	return p
}

// Run probes once immediately and then on every interval until ctx ends.
func (p *Prober) Run(ctx context.Context) error {
	ticker := p.clock.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			p.Probe(ctx)
		}
	}
}

// Probe performs one check and reports the resulting availability.
func (p *Prober) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	conn, err := p.dial(ctx, "tcp", p.cfg.Addr)
	available := err == nil
	if conn != nil {
		_ = conn.Close()
	}

	if p.set(available) {
		if available {
			p.log.Info("network available", "probe", p.cfg.Addr)
		} else {
			p.log.Info("network unavailable", "probe", p.cfg.Addr, "error", err)
		}
	}
	return available
}
