package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-i2p/go-onionreq/lib/client"
	"github.com/go-i2p/go-onionreq/lib/config"
	"github.com/go-i2p/go-onionreq/lib/metrics"
	"github.com/go-i2p/go-onionreq/lib/onion"
	"github.com/go-i2p/go-onionreq/lib/store"
	"github.com/go-i2p/go-onionreq/lib/util"
	"github.com/go-i2p/go-onionreq/lib/util/signals"
	"github.com/go-i2p/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var log = logger.GetGoI2PLogger()

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "onionreq",
		Short: "Send requests through the service node network over onion paths",
		Example: `  # Show the onion paths, building them if needed
  onionreq paths

  # Ask a public key's swarm for its messages
  onionreq send 05abc... retrieve '{"pubKey":"05abc..."}'

  # Reach an HTTP server behind an exit snode
  onionreq request open.example 7a3f... /rooms --method GET`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.InitConfig()
		},
	}
	root.PersistentFlags().StringVar(&config.CfgFile, "config", "", "config file (default $HOME/.go-onionreq/config.yaml)")

	root.AddCommand(
		newRunCommand(),
		newPathsCommand(),
		newSwarmCommand(),
		newSendCommand(),
		newRequestCommand(),
		newConfigCommand(),
	)
	return root
}

// withClient opens the route store, starts a client and runs fn with it.
func withClient(ctx context.Context, fn func(context.Context, *client.Client) error) error {
	cfg := config.CurrentConfig()
	defer util.CloseAll()

	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o700); err != nil {
		return fmt.Errorf("creating store directory: %w", err)
	}
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	util.RegisterCloser(st)

	reg := prometheus.NewRegistry()
	if cfg.Metrics.Enabled {
		srv := &http.Server{
			Addr:              cfg.Metrics.Address,
			Handler:           metrics.Handler(reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithFields(logger.Fields{
					"at":      "withClient",
					"address": cfg.Metrics.Address,
				}).WithError(err).Error("metrics listener failed")
			}
		}()
		util.RegisterCloser(srv)
	}

	c := client.New(client.Options{
		Config:     cfg,
		Store:      st,
		Registerer: reg,
	})
	if err := c.Start(ctx); err != nil {
		return err
	}
	defer c.Stop()

	return fn(ctx, c)
}

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Keep onion paths built until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			go signals.Handle()
			defer signals.StopHandle()
			signals.RegisterInterruptHandler(cancel)
			signals.RegisterReloadHandler(func() {
				if err := config.InitConfig(); err != nil {
					log.WithFields(logger.Fields{
						"at": "run",
					}).WithError(err).Warn("config reload failed, keeping previous settings")
					return
				}
				log.WithFields(logger.Fields{
					"at": "run",
				}).Info("configuration reloaded, restart to apply path settings")
			})

			return withClient(ctx, func(ctx context.Context, c *client.Client) error {
				if _, err := c.RebuildPaths(ctx); err != nil {
					log.WithFields(logger.Fields{
						"at": "run",
					}).WithError(err).Warn("initial path build failed, maintenance will retry")
				}
				log.WithFields(logger.Fields{
					"at":    "run",
					"paths": len(c.PathPool().Paths()),
				}).Info("onion request client running")
				<-ctx.Done()
				return nil
			})
		},
	}
}

func newPathsCommand() *cobra.Command {
	var rebuild bool
	cmd := &cobra.Command{
		Use:   "paths",
		Short: "Print the onion paths",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, c *client.Client) error {
				paths := c.PathPool().Paths()
				if rebuild || len(paths) == 0 {
					var err error
					if paths, err = c.RebuildPaths(ctx); err != nil {
						return err
					}
				}
				out := cmd.OutOrStdout()
				for i, p := range paths {
					fmt.Fprintf(out, "path %d:\n", i)
					for hop, s := range p {
						fmt.Fprintf(out, "  %d  %s  %s\n", hop, s.String(), s.Ed25519Hex())
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&rebuild, "rebuild", false, "replace the current paths")
	return cmd
}

func newSwarmCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "swarm <public key>",
		Short: "Print the swarm storing messages for a public key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, c *client.Client) error {
				swarm, err := c.Swarm(ctx, args[0])
				if err != nil {
					return err
				}
				for _, s := range swarm {
					fmt.Fprintln(cmd.OutOrStdout(), s.String())
				}
				return nil
			})
		},
	}
}

func newSendCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "send <public key> <method> [params json]",
		Short: "Call a snode RPC on a public key's swarm",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := json.RawMessage(`{}`)
			if len(args) == 3 {
				if !json.Valid([]byte(args[2])) {
					return fmt.Errorf("params are not valid JSON")
				}
				params = json.RawMessage(args[2])
			}
			body, err := json.Marshal(map[string]any{"method": args[1], "params": params})
			if err != nil {
				return err
			}
			return withClient(cmd.Context(), func(ctx context.Context, c *client.Client) error {
				reply, err := c.SendRequest(ctx, client.SwarmTarget{PublicKey: args[0]}, "", body)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(reply))
				return nil
			})
		},
	}
}

func newRequestCommand() *cobra.Command {
	var (
		method string
		data   string
		scheme string
		port   uint16
		v3     bool
	)
	cmd := &cobra.Command{
		Use:   "request <host> <x25519 key> <endpoint>",
		Short: "Send an HTTP request to a server through an onion path",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := client.ServerTarget{
				Host:            args[0],
				X25519PublicKey: args[1],
				Endpoint:        args[2],
				Scheme:          scheme,
				Port:            port,
			}
			if v3 {
				target.Version = onion.V3
			}
			var body []byte
			switch data {
			case "":
			case "-":
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				body = b
			default:
				body = []byte(data)
			}
			if body != nil {
				target.Headers = map[string]string{"Content-Type": "application/json"}
			}
			return withClient(cmd.Context(), func(ctx context.Context, c *client.Client) error {
				resp, err := c.SendToServer(ctx, target, method, body)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "status %d\n", resp.StatusCode)
				cmd.OutOrStdout().Write(resp.Body)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&method, "method", "X", http.MethodGet, "HTTP method")
	cmd.Flags().StringVarP(&data, "data", "d", "", "request body, - reads stdin")
	cmd.Flags().StringVar(&scheme, "scheme", "https", "scheme the exit snode uses")
	cmd.Flags().Uint16Var(&port, "port", 0, "server port (default by scheme)")
	cmd.Flags().BoolVar(&v3, "v3", false, "use the v3 onion request format")
	return cmd
}

func newConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(config.CurrentConfig())
		},
	}
}
