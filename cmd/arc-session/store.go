package main

import (
	"context"
	"fmt"

	"github.com/gezibash/arc-session/internal/accounts"
	"github.com/gezibash/arc-session/internal/capscache"
	"github.com/gezibash/arc-session/internal/capstore/physical"
	"github.com/gezibash/arc-session/internal/config"
	"github.com/gezibash/arc-session/internal/observability"
	"github.com/gezibash/arc-session/pkg/logging"
)

// openVault opens the credential vault named by cfg.
func openVault(cfg config.Config) (*accounts.FileVault, error) {
	if cfg.Accounts.VaultPassphrase == "" {
		return nil, fmt.Errorf("accounts.vault_passphrase is not set (env %s_ACCOUNTS_VAULT_PASSPHRASE)", config.EnvPrefix)
	}
	v, err := accounts.OpenVault(cfg.Accounts.VaultFile, cfg.Accounts.VaultPassphrase)
	if err != nil {
		return nil, fmt.Errorf("open vault: %w", err)
	}
	return v, nil
}

// openDirectory opens the account directory. vault may be nil for
// read-only commands.
func openDirectory(cfg config.Config, vault accounts.Vault) (*accounts.Store, error) {
	var opts []accounts.StoreOption
	if vault != nil {
		opts = append(opts, accounts.WithVault(vault))
	}
	dir, err := accounts.Open(cfg.Accounts.File, opts...)
	if err != nil {
		return nil, fmt.Errorf("open accounts: %w", err)
	}
	return dir, nil
}

// capsStore is a capability cache over its configured backend.
type capsStore struct {
	backend physical.Backend
	cache   *capscache.Cache
}

func openCaps(ctx context.Context, cfg config.Config, metrics *observability.Metrics, log *logging.Logger) (*capsStore, error) {
	caps := cfg.Storage.Capabilities
	backend, err := physical.New(ctx, caps.Backend, caps.Config, metrics)
	if err != nil {
		return nil, fmt.Errorf("open capability store: %w", err)
	}
	cache := capscache.New(backend,
		capscache.WithMetrics(metrics),
		capscache.WithLogger(log),
	)
	return &capsStore{backend: backend, cache: cache}, nil
}

func (s *capsStore) Close() error {
	if err := s.cache.Close(); err != nil {
		_ = s.backend.Close()
		return err
	}
	return s.backend.Close()
}
