package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/arc-session/internal/config"
	"github.com/gezibash/arc-session/internal/connector"
	"github.com/gezibash/arc-session/internal/observability"
	"github.com/gezibash/arc-session/internal/observers"
	"github.com/gezibash/arc-session/internal/reachability"
	"github.com/gezibash/arc-session/internal/session"
	"github.com/gezibash/arc-session/internal/settings"
	"github.com/gezibash/arc-session/internal/xmpp"
	"github.com/gezibash/arc-session/pkg/logging"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd(v *viper.Viper) *cobra.Command {
	var (
		status       string
		message      string
		assumeOnline bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Connect every active account and keep it connected",
		Long: `Run the session daemon.

Every active account in the directory is connected at the configured
status and reconnected with a linear backoff after failures. Network
reachability is probed periodically; connections are dropped while the
network is down and re-established when it returns.

Examples:
  arc-session serve                          # defaults from config
  arc-session serve --status away -m lunch   # start away
  arc-session serve --assume-online          # skip reachability probing`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, v)
			if err != nil {
				return err
			}

			var initial *session.Status
			if cmd.Flags().Changed("status") {
				show, err := xmpp.ParseShow(status)
				if err != nil {
					return err
				}
				initial = &session.Status{Show: show, Message: message}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, initial, assumeOnline)
		},
	}

	config.BindServeFlags(cmd, v)
	cmd.Flags().StringVar(&status, "status", "", "initial status (online, chat, away, xa, dnd, offline)")
	cmd.Flags().StringVarP(&message, "message", "m", "", "initial status message")
	cmd.Flags().BoolVar(&assumeOnline, "assume-online", false, "treat the network as always available")
	return cmd
}

func serve(ctx context.Context, cfg config.Config, initial *session.Status, assumeOnline bool) error {
	obs, err := observability.New(ctx, observability.Config{
		LogLevel:       cfg.Observability.LogLevel,
		LogFormat:      cfg.Observability.LogFormat,
		OTLPEndpoint:   cfg.Observability.OTLPEndpoint,
		OTLPProtocol:   cfg.Observability.OTLPProtocol,
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: cfg.Observability.ServiceVersion,
	}, os.Stderr)
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := obs.Close(shutdownCtx); err != nil {
			obs.Logger.Warn("shutdown", "error", err)
		}
	}()
	log := logging.New(obs.Logger)

	vault, err := openVault(cfg)
	if err != nil {
		return err
	}
	dir, err := openDirectory(cfg, vault)
	if err != nil {
		return err
	}

	var monitor reachability.Monitor
	if assumeOnline {
		monitor = reachability.NewStatic(true)
	} else {
		prober := reachability.NewProber(reachability.ProberConfig{
			Addr:     cfg.Session.ProbeAddr,
			Interval: cfg.Session.ProbeInterval,
			Timeout:  cfg.Session.ProbeTimeout,
		}, reachability.WithLogger(log))
		proberCtx, cancel := context.WithCancel(ctx)
		obs.Shutdown.Register("reachability", func(context.Context) error {
			cancel()
			return nil
		})
		go func() { _ = prober.Run(proberCtx) }()
		monitor = prober
	}

	srv, err := connector.NewSRVCache(nil, cfg.Session.SRVCacheTTL)
	if err != nil {
		return err
	}
	obs.Shutdown.Register("srv-cache", func(context.Context) error {
		srv.Close()
		return nil
	})

	orch, err := session.New(session.Config{
		AutoConnect:       cfg.Session.AutoConnect,
		AutomaticStatus:   cfg.Session.AutomaticStatus,
		RememberStatus:    cfg.Session.RememberStatus,
		InitialStatus:     initial,
		KeepAliveInterval: cfg.Session.KeepAliveInterval,
	}, session.Deps{
		Directory:     dir,
		Vault:         vault,
		ClientFactory: connector.Factory(connector.Options{SRV: srv, Logger: log}),
		Reachability:  monitor,
		Observers: []session.Observer{
			observers.NewMetrics(obs.Metrics),
			observers.NewJournal(log),
		},
		Settings: settings.InDir(cfg.DataDir),
		Metrics:  obs.Metrics,
		Logger:   log,
	})
	if err != nil {
		return err
	}
	orch.SubscribeFunc(func(n session.Notification) { logNotification(log, n) },
		session.NotificationKinds...)

	var ready atomic.Bool
	if addr := cfg.Observability.MetricsAddr; addr != "" {
		if _, err := obs.ServeMetrics(addr, ready.Load); err != nil {
			return err
		}
	}

	if err := orch.Start(ctx); err != nil {
		return err
	}
	// Registered last so it runs first on shutdown.
	obs.Shutdown.Register("session", orch.Shutdown)
	ready.Store(true)
	log.Info("arc-session running", "data_dir", cfg.DataDir)

	<-ctx.Done()
	log.Info("shutting down")
	return nil
}

func logNotification(log *logging.Logger, n session.Notification) {
	switch n := n.(type) {
	case session.AuthenticationError:
		log.WithAccount(n.Account.String()).Warn("account disabled after authentication failure",
			"error", n.Err, "hint", "arc-session accounts passwd")
	case session.ServerCertificateError:
		log.WithAccount(n.Account.String()).Warn("account disabled pending certificate acceptance",
			"sha1", n.Certificate.FingerprintSHA1, "hint", "arc-session accounts accept-cert")
	case session.StatusChanged:
		log.Info("presence", "status", n.Status.String())
	case session.AccountStatusChanged:
		log.WithAccount(n.Account.String()).Debug("account state", "state", n.State.String())
	}
}
