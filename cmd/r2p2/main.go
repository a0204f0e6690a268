// Command r2p2 runs an echo server or issues one-shot requests over the
// r2p2 transport.
package main

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"strings"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/yongming/r2p2/pkg/logging"
	"github.com/yongming/r2p2/pkg/transport"
)

var logLevel string

func main() {
	cmd := rootCommand()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "r2p2: %v\n", err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "r2p2",
		Short:        "request/response RPC over unreliable datagrams",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "logrus log level")
	root.AddCommand(serveCommand(), callCommand())
	return root
}

func addConfigFlags(flags *pflag.FlagSet, cfg *transport.Config) {
	flags.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "UDP listen address")
	flags.IntVar(&cfg.PayloadSize, "payload-size", cfg.PayloadSize, "max body bytes per packet")
	flags.IntVar(&cfg.MinPayloadSize, "min-payload-size", cfg.MinPayloadSize, "max body bytes in the first packet of a multi-packet message")
	flags.DurationVar(&cfg.RequestTimeout, "timeout", cfg.RequestTimeout, "request timeout")
	flags.BoolVar(&cfg.Timestamping, "timestamping", cfg.Timestamping, "enable kernel socket timestamping (linux)")
	flags.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "prometheus metrics listen address (empty disables)")
}

func serveCommand() *cobra.Command {
	var upper bool
	var cfg *transport.Config
	c := &cobra.Command{
		Use:   "serve",
		Short: "run an echo server",
		Args:  cobra.ExactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := logging.InitContext(cmd.Context(), logLevel)
			node, err := transport.NewNode(ctx, *cfg)
			if err != nil {
				return err
			}
			node.SetHandler(func(ctx context.Context, req []byte) []byte {
				if upper {
					return []byte(strings.ToUpper(string(req)))
				}
				return req
			})
			dlog.Infof(ctx, "serving on %s", node.LocalAddr())
			g := dgroup.NewGroup(ctx, dgroup.GroupConfig{EnableSignalHandling: true})
			g.Go("node", node.Run)
			return g.Wait()
		},
	}
	cfg = configWithFlags(c)
	c.Flags().BoolVar(&upper, "upper", false, "uppercase the echoed payload")
	return c
}

func callCommand() *cobra.Command {
	var cfg *transport.Config
	c := &cobra.Command{
		Use:   "call <addr> <payload>",
		Short: "send one request and print the reply",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := logging.InitContext(cmd.Context(), logLevel)
			dst, err := netip.ParseAddrPort(args[0])
			if err != nil {
				return err
			}
			// The caller socket picks an ephemeral port.
			cfg.ListenAddr = ":0"
			node, err := transport.NewNode(ctx, *cfg)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithCancel(ctx)
			defer cancel()
			g := dgroup.NewGroup(ctx, dgroup.GroupConfig{})
			g.Go("node", node.Run)

			reply, err := node.Call(ctx, dst, []byte(args[1]))
			cancel()
			_ = g.Wait()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(reply))
			return nil
		},
	}
	cfg = configWithFlags(c)
	return c
}

func configWithFlags(c *cobra.Command) *transport.Config {
	cfg, err := transport.ConfigFromEnv(context.Background())
	if err != nil {
		cfg = &transport.Config{}
	}
	addConfigFlags(c.Flags(), cfg)
	return cfg
}
