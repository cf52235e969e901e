package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/arc-session/internal/config"

	// Capability store backends register themselves.
	_ "github.com/gezibash/arc-session/internal/capstore/physical/badger"
	_ "github.com/gezibash/arc-session/internal/capstore/physical/memory"
	_ "github.com/gezibash/arc-session/internal/capstore/physical/redis"
	_ "github.com/gezibash/arc-session/internal/capstore/physical/sqlite"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	v := viper.New()

	rootCmd := &cobra.Command{
		Use:   "arc-session",
		Short: "Arc session - keeps every account connected at one presence",
		Long: `Arc session daemon and management commands.

Daemon:
  arc-session serve        Connect active accounts and follow the network

Management:
  arc-session accounts     Manage the account directory and credentials
  arc-session caps         Inspect and seed the capability cache`,
		SilenceUsage: true,
	}

	config.BindCommonFlags(rootCmd, v)
	rootCmd.PersistentFlags().StringP("output", "o", "text", "output format (text, json, yaml)")
	_ = v.BindPFlag("output", rootCmd.PersistentFlags().Lookup("output"))

	rootCmd.AddCommand(
		newServeCmd(v),
		newAccountsCmd(v),
		newCapsCmd(v),
		newVersionCmd(v),
	)

	return rootCmd.Execute()
}

// loadConfig merges flags, env and file into a Config.
func loadConfig(cmd *cobra.Command, v *viper.Viper) (config.Config, error) {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(v, configFile)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
