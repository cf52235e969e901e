package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/gezibash/arc-session/internal/accounts"
	"github.com/gezibash/arc-session/internal/cli"
	"github.com/gezibash/arc-session/internal/xmpp"
	arcerrors "github.com/gezibash/arc-session/pkg/errors"
)

func newAccountsCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "accounts",
		Aliases: []string{"account", "acc"},
		Short:   "Manage the account directory and credentials",
		Long: `Manage registered accounts.

Changes are written to the account directory and picked up by a running
"arc-session serve" the next time it starts.

Examples:
  arc-session accounts list
  arc-session accounts add alice@example.org --password-stdin < pw.txt
  arc-session accounts disable alice@example.org
  arc-session accounts accept-cert alice@example.org`,
	}
	cmd.AddCommand(
		newAccountsListCmd(v),
		newAccountsShowCmd(v),
		newAccountsAddCmd(v),
		newAccountsRemoveCmd(v),
		newAccountsSetActiveCmd(v, "enable", true),
		newAccountsSetActiveCmd(v, "disable", false),
		newAccountsAcceptCertCmd(v),
		newAccountsPasswdCmd(v),
	)
	return cmd
}

// accountsEnv opens the directory, with the vault when needVault is set.
type accountsEnv struct {
	dir   *accounts.Store
	vault *accounts.FileVault
	out   *cli.Output
}

func openAccountsEnv(cmd *cobra.Command, v *viper.Viper, needVault bool) (*accountsEnv, error) {
	cfg, err := loadConfig(cmd, v)
	if err != nil {
		return nil, err
	}
	env := &accountsEnv{out: cli.NewOutputFromViper(v)}
	if needVault {
		if env.vault, err = openVault(cfg); err != nil {
			return nil, err
		}
	}
	var vault accounts.Vault
	if env.vault != nil {
		vault = env.vault
	}
	if env.dir, err = openDirectory(cfg, vault); err != nil {
		return nil, err
	}
	return env, nil
}

func newAccountsListCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List registered accounts",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openAccountsEnv(cmd, v, false)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			jids, err := env.dir.List(ctx)
			if err != nil {
				return err
			}
			def, _ := env.dir.Default()

			tbl := env.out.Table("accounts", "JID", "Active", "Default", "Resource", "Server", "Certificate")
			for _, jid := range jids {
				acc, err := env.dir.Get(ctx, jid)
				if errors.Is(err, accounts.ErrNotFound) {
					continue
				}
				if err != nil {
					return err
				}
				tbl.AddRow(
					jid.String(),
					cli.YesNo(acc.Active),
					cli.YesNo(jid == def),
					resourceLabel(acc),
					orDash(acc.Server),
					certLabel(acc.ServerCertificate),
				)
			}
			return tbl.Render()
		},
	}
}

func newAccountsShowCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "show <jid>",
		Short: "Show one account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openAccountsEnv(cmd, v, false)
			if err != nil {
				return err
			}
			acc, err := getAccount(cmd.Context(), env.dir, args[0])
			if err != nil {
				return err
			}
			def, _ := env.dir.Default()

			kv := env.out.KV("account").
				Set("JID", acc.JID.String()).
				Set("Active", acc.Active).
				Set("Default", acc.JID == def).
				Set("Nickname", orDash(acc.Nickname)).
				Set("Resource Policy", acc.ResourcePolicy.String()).
				Set("Resource", orDash(acc.ResourceName)).
				Set("Server", orDash(acc.Server))
			if c := acc.ServerCertificate; c != nil {
				kv.Set("Certificate", certLabel(c)).
					Set("Subject", c.Subject).
					Set("Issuer", c.Issuer).
					Set("SHA-1", c.FingerprintSHA1).
					Set("SHA-256", c.FingerprintSHA256).
					Set("Expires", cli.Ago(c.NotAfter))
			}
			return kv.Render()
		},
	}
}

func newAccountsAddCmd(v *viper.Viper) *cobra.Command {
	var (
		passwordStdin bool
		policy        string
		resource      string
		server        string
		nickname      string
		inactive      bool
	)

	cmd := &cobra.Command{
		Use:   "add <jid>",
		Short: "Register an account and store its password",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jid, err := xmpp.ParseJID(args[0])
			if err != nil {
				return err
			}
			rp, err := accounts.ParseResourcePolicy(policy)
			if err != nil {
				return err
			}
			if rp == accounts.ResourceCustom && resource == "" {
				return fmt.Errorf("--resource is required with --resource-policy custom")
			}

			env, err := openAccountsEnv(cmd, v, true)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if _, err := env.dir.Get(ctx, jid); err == nil {
				return fmt.Errorf("account %s: %w", jid, arcerrors.ErrAlreadyExists)
			}

			pw, err := readPassword(cmd, passwordStdin)
			if err != nil {
				return err
			}
			// Credentials first so a starting session never sees an
			// active account without a password.
			if err := env.vault.SetPassword(jid, pw); err != nil {
				return fmt.Errorf("store password: %w", err)
			}

			acc := accounts.New(jid)
			acc.Active = !inactive
			acc.Nickname = nickname
			acc.ResourcePolicy = rp
			acc.ResourceName = resource
			acc.Server = server
			if err := env.dir.Save(ctx, acc); err != nil {
				return err
			}

			return env.out.Result("account-added", "Account added").
				With("JID", jid.String()).
				With("Active", acc.Active).
				Render()
		},
	}

	cmd.Flags().BoolVar(&passwordStdin, "password-stdin", false, "read the password from stdin")
	cmd.Flags().StringVar(&policy, "resource-policy", "automatic", "resource policy (automatic, hostname, custom)")
	cmd.Flags().StringVar(&resource, "resource", "", "resource name for the custom policy")
	cmd.Flags().StringVar(&server, "server", "", "connect to host:port instead of resolving SRV records")
	cmd.Flags().StringVar(&nickname, "nickname", "", "display nickname")
	cmd.Flags().BoolVar(&inactive, "inactive", false, "register the account disabled")
	return cmd
}

func newAccountsRemoveCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <jid>",
		Aliases: []string{"rm"},
		Short:   "Delete an account and its credentials",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openAccountsEnv(cmd, v, true)
			if err != nil {
				return err
			}
			acc, err := getAccount(cmd.Context(), env.dir, args[0])
			if err != nil {
				return err
			}
			if err := env.dir.Delete(cmd.Context(), acc.JID); err != nil {
				return err
			}
			return env.out.Result("account-removed", "Account removed").
				With("JID", acc.JID.String()).
				Render()
		},
	}
}

func newAccountsSetActiveCmd(v *viper.Viper, use string, active bool) *cobra.Command {
	short := "Mark an account active"
	if !active {
		short = "Mark an account inactive"
	}
	return &cobra.Command{
		Use:   use + " <jid>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openAccountsEnv(cmd, v, false)
			if err != nil {
				return err
			}
			acc, err := getAccount(cmd.Context(), env.dir, args[0])
			if err != nil {
				return err
			}
			if acc.Active != active {
				acc.Active = active
				if err := env.dir.Save(cmd.Context(), acc); err != nil {
					return err
				}
			}
			return env.out.Result("account-"+use+"d", "Account "+use+"d").
				With("JID", acc.JID.String()).
				Render()
		},
	}
}

func newAccountsAcceptCertCmd(v *viper.Viper) *cobra.Command {
	var (
		fingerprint string
		activate    bool
	)

	cmd := &cobra.Command{
		Use:   "accept-cert <jid>",
		Short: "Trust the server certificate recorded for an account",
		Long: `Accept the server certificate recorded when the account last failed
certificate validation. The account's connections are then pinned to that
certificate's SHA-1 fingerprint.

Pass --fingerprint to make sure the recorded certificate is the one you
verified out of band.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openAccountsEnv(cmd, v, false)
			if err != nil {
				return err
			}
			acc, err := getAccount(cmd.Context(), env.dir, args[0])
			if err != nil {
				return err
			}
			c := acc.ServerCertificate
			if c == nil {
				return fmt.Errorf("account %s has no recorded server certificate", acc.JID)
			}
			if fingerprint != "" && !c.MatchesSHA1(fingerprint) {
				return fmt.Errorf("fingerprint mismatch: recorded %s", c.FingerprintSHA1)
			}

			accepted := *c
			accepted.Accepted = true
			acc.ServerCertificate = &accepted
			if activate {
				acc.Active = true
			}
			if err := env.dir.Save(cmd.Context(), acc); err != nil {
				return err
			}
			return env.out.Result("certificate-accepted", "Certificate accepted").
				With("JID", acc.JID.String()).
				With("SHA-1", accepted.FingerprintSHA1).
				With("Active", acc.Active).
				Render()
		},
	}

	cmd.Flags().StringVar(&fingerprint, "fingerprint", "", "expected SHA-1 fingerprint")
	cmd.Flags().BoolVar(&activate, "activate", true, "re-enable the account")
	return cmd
}

func newAccountsPasswdCmd(v *viper.Viper) *cobra.Command {
	var (
		passwordStdin bool
		activate      bool
	)

	cmd := &cobra.Command{
		Use:   "passwd <jid>",
		Short: "Replace an account's stored password",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openAccountsEnv(cmd, v, true)
			if err != nil {
				return err
			}
			acc, err := getAccount(cmd.Context(), env.dir, args[0])
			if err != nil {
				return err
			}
			pw, err := readPassword(cmd, passwordStdin)
			if err != nil {
				return err
			}
			if err := env.vault.SetPassword(acc.JID, pw); err != nil {
				return fmt.Errorf("store password: %w", err)
			}
			if activate && !acc.Active {
				acc.Active = true
				if err := env.dir.Save(cmd.Context(), acc); err != nil {
					return err
				}
			}
			return env.out.Result("password-updated", "Password updated").
				With("JID", acc.JID.String()).
				With("Active", acc.Active).
				Render()
		},
	}

	cmd.Flags().BoolVar(&passwordStdin, "password-stdin", false, "read the password from stdin")
	cmd.Flags().BoolVar(&activate, "activate", true, "re-enable the account")
	return cmd
}

func getAccount(ctx context.Context, dir accounts.Directory, arg string) (accounts.Account, error) {
	jid, err := xmpp.ParseJID(arg)
	if err != nil {
		return accounts.Account{}, err
	}
	acc, err := dir.Get(ctx, jid)
	if errors.Is(err, accounts.ErrNotFound) {
		return accounts.Account{}, fmt.Errorf("account %s: %w", jid, err)
	}
	return acc, err
}

// readPassword reads one line from stdin, prompting without echo when
// stdin is a terminal.
func readPassword(cmd *cobra.Command, fromStdin bool) (string, error) {
	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok && !fromStdin && term.IsTerminal(int(f.Fd())) {
		_, _ = fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
		b, err := term.ReadPassword(int(f.Fd()))
		_, _ = fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return checkPassword(string(b))
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read password: %w", err)
	}
	return checkPassword(strings.TrimRight(line, "\r\n"))
}

func checkPassword(pw string) (string, error) {
	if pw == "" {
		return "", errors.New("empty password")
	}
	return pw, nil
}

func resourceLabel(acc accounts.Account) string {
	if acc.ResourcePolicy == accounts.ResourceCustom {
		return acc.ResourceName
	}
	return acc.ResourcePolicy.String()
}

func certLabel(c *xmpp.CertificateInfo) string {
	switch {
	case c == nil:
		return "-"
	case c.Accepted:
		return "pinned"
	default:
		return "pending"
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
