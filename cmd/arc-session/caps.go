package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/arc-session/internal/capstore/physical"
	"github.com/gezibash/arc-session/internal/cli"
	"github.com/gezibash/arc-session/internal/config"
	"github.com/gezibash/arc-session/internal/observability"
	"github.com/gezibash/arc-session/internal/xmpp"
	"github.com/gezibash/arc-session/pkg/logging"
)

func newCapsCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "caps",
		Short: "Inspect and seed the capability cache",
		Long: `Inspect the persistent entity-capabilities cache.

Entries are keyed by capability node (node#ver) and are write-once: a node
that already has features is never overwritten.

Examples:
  arc-session caps get 'http://example.org/client#abc='
  arc-session caps nodes urn:xmpp:jingle:1
  arc-session caps store 'node#ver' --identity client/pc/Arc --feature a --feature b
  arc-session caps stats --caps-backend sqlite`,
	}
	config.BindCapsFlags(cmd, v)

	cmd.AddCommand(
		newCapsGetCmd(v),
		newCapsNodesCmd(v),
		newCapsStoreCmd(v),
		newCapsStatsCmd(v),
		newCapsBackendsCmd(v),
	)
	return cmd
}

// withCaps opens the configured store, runs fn and closes the store.
func withCaps(cmd *cobra.Command, v *viper.Viper, fn func(s *capsStore, out *cli.Output) error) error {
	cfg, err := loadConfig(cmd, v)
	if err != nil {
		return err
	}
	log := logging.New(observability.SetupLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat, os.Stderr))
	s, err := openCaps(cmd.Context(), cfg, observability.NewMetrics(), log)
	if err != nil {
		return err
	}
	runErr := fn(s, cli.NewOutputFromViper(v))
	if err := s.Close(); err != nil && runErr == nil {
		runErr = fmt.Errorf("close capability store: %w", err)
	}
	return runErr
}

func newCapsGetCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "get <node>",
		Short: "Show the identity and features cached for a node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			node := args[0]
			return withCaps(cmd, v, func(s *capsStore, out *cli.Output) error {
				features, ok := s.cache.Features(node)
				if !ok {
					return fmt.Errorf("node %s is not cached", node)
				}
				kv := out.KV("caps-entry").Set("Node", node)
				if id, ok := s.cache.Identity(node); ok {
					kv.Set("Identity", formatIdentity(id))
				} else {
					kv.Set("Identity", "-")
				}
				return kv.Set("Features", features).Render()
			})
		},
	}
}

func newCapsNodesCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "nodes <feature>",
		Short: "List cached nodes that advertise a feature",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCaps(cmd, v, func(s *capsStore, out *cli.Output) error {
				nodes := s.cache.NodesWithFeature(args[0])
				sort.Strings(nodes)
				return out.StringList("caps-nodes").Add(nodes...).Render()
			})
		},
	}
}

func newCapsStoreCmd(v *viper.Viper) *cobra.Command {
	var (
		features []string
		identity string
	)

	cmd := &cobra.Command{
		Use:   "store <node>",
		Short: "Record identity and features for a node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			node := args[0]
			if len(features) == 0 {
				return fmt.Errorf("at least one --feature is required")
			}
			var id *xmpp.Identity
			if identity != "" {
				parsed, err := parseIdentity(identity)
				if err != nil {
					return err
				}
				id = &parsed
			}
			return withCaps(cmd, v, func(s *capsStore, out *cli.Output) error {
				if !s.cache.StoreSync(node, id, features) {
					return out.Result("caps-unchanged", "Node already cached; nothing written").
						With("Node", node).
						Render()
				}
				return out.Result("caps-stored", "Capabilities stored").
					With("Node", node).
					With("Features", len(features)).
					Render()
			})
		},
	}

	cmd.Flags().StringArrayVar(&features, "feature", nil, "feature namespace (repeatable)")
	cmd.Flags().StringVar(&identity, "identity", "", "identity as category/type[/name]")
	return cmd
}

func newCapsStatsCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show capability store statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCaps(cmd, v, func(s *capsStore, out *cli.Output) error {
				st, err := s.backend.Stats(cmd.Context())
				if err != nil {
					return err
				}
				return out.KV("caps-stats").
					Set("Backend", st.BackendType).
					Set("Nodes", cli.Count(st.Nodes)).
					Set("Features", cli.Count(st.Features)).
					Set("Size", cli.Bytes(st.SizeBytes)).
					Render()
			})
		},
	}
}

func newCapsBackendsCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "backends",
		Short: "List available capability store backends",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cli.NewOutputFromViper(v)
			tbl := out.Table("caps-backends", "Backend", "Defaults")
			for _, name := range physical.ListBackends() {
				tbl.AddRow(name, formatDefaults(physical.Defaults(name)))
			}
			return tbl.Render()
		},
	}
}

func parseIdentity(s string) (xmpp.Identity, error) {
	parts := strings.SplitN(s, "/", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return xmpp.Identity{}, fmt.Errorf("identity %q: want category/type[/name]", s)
	}
	id := xmpp.Identity{Category: parts[0], Type: parts[1]}
	if len(parts) == 3 {
		id.Name = parts[2]
	}
	return id, nil
}

func formatIdentity(id xmpp.Identity) string {
	s := id.Category + "/" + id.Type
	if id.Name != "" {
		s += " (" + id.Name + ")"
	}
	return s
}

func formatDefaults(d map[string]string) string {
	if len(d) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+d[k])
	}
	return strings.Join(pairs, " ")
}
