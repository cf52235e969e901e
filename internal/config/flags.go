package config

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// BindCommonFlags binds the flags every command accepts.
func BindCommonFlags(cmd *cobra.Command, v *viper.Viper) {
	f := cmd.PersistentFlags()
	f.String("config", "", "config file path")
	f.String("data-dir", "", "data directory (default ~/.arc-session)")
	f.String("log-level", "", "log level (debug, info, warn, error)")
	f.String("log-format", "", "log format (json, text)")

	_ = v.BindPFlag("data_dir", f.Lookup("data-dir"))
	_ = v.BindPFlag("observability.log_level", f.Lookup("log-level"))
	_ = v.BindPFlag("observability.log_format", f.Lookup("log-format"))
}

// BindServeFlags binds the serve command's flags.
func BindServeFlags(cmd *cobra.Command, v *viper.Viper) {
	f := cmd.Flags()
	f.String("metrics-addr", "", "metrics HTTP listen address (empty disables)")
	f.Bool("auto-connect", false, "go online after start")
	f.Bool("remember-status", false, "persist and restore the last status")

	_ = v.BindPFlag("observability.metrics_addr", f.Lookup("metrics-addr"))
	_ = v.BindPFlag("session.auto_connect", f.Lookup("auto-connect"))
	_ = v.BindPFlag("session.remember_status", f.Lookup("remember-status"))
}

// BindCapsFlags registers flags for commands that open the capability store.
func BindCapsFlags(cmd *cobra.Command, v *viper.Viper) {
	f := cmd.PersistentFlags()
	f.String("caps-backend", "", "capability store backend (memory, sqlite, badger, redis)")
	_ = v.BindPFlag("storage.capabilities.backend", f.Lookup("caps-backend"))
}
