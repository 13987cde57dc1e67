// Package main provides the CLI entry point for wiretap.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/postalsys/wiretap/internal/config"
	"github.com/postalsys/wiretap/internal/crypto"
	"github.com/postalsys/wiretap/internal/health"
	"github.com/postalsys/wiretap/internal/identity"
	"github.com/postalsys/wiretap/internal/logging"
	"github.com/postalsys/wiretap/internal/metrics"
	"github.com/postalsys/wiretap/internal/replay"
	"github.com/postalsys/wiretap/internal/tap"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "wiretap",
		Short: "wiretap - Tezos peer-to-peer traffic dissector",
		Long: `wiretap reassembles, decrypts and decodes Tezos peer-to-peer
connections. It can sit between two nodes as a relaying tap, or replay
a captured trace offline.

Decryption requires the identity of one of the two endpoints.`,
		Version: Version,
	}

	rootCmd.AddCommand(tapCmd())
	rootCmd.AddCommand(replayCmd())
	rootCmd.AddCommand(identityCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func loadIdentity(path string) (*identity.Identity, error) {
	if path == "" {
		return nil, nil
	}
	return identity.Load(path)
}

func tapCmd() *cobra.Command {
	var (
		configPath   string
		listen       string
		upstream     string
		identityPath string
	)

	cmd := &cobra.Command{
		Use:   "tap",
		Short: "Relay connections to a node and dissect them",
		Long:  "Accept connections, relay them to the upstream node and log the decoded traffic.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Tap.Listen = listen
			}
			if upstream != "" {
				cfg.Tap.Upstream = upstream
			}
			if identityPath != "" {
				cfg.Identity.Path = identityPath
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if cfg.Tap.Upstream == "" {
				return fmt.Errorf("tap.upstream is required")
			}

			logger, err := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
			if err != nil {
				return err
			}

			logger.Debug("configuration loaded", "config", cfg.String())

			id, err := loadIdentity(cfg.Identity.Path)
			if err != nil {
				return err
			}
			if id == nil {
				logger.Warn("no identity configured, traffic will not be decrypted")
			} else {
				logger.Info("identity loaded", logging.KeyPeerID, id.String())
			}

			target, err := crypto.NewPowTarget(cfg.Detection.PowTarget)
			if err != nil {
				return err
			}

			registry := prometheus.NewRegistry()
			m := metrics.NewMetricsWithRegistry(registry)

			listener := tap.NewListener(tap.Config{
				Listen:            cfg.Tap.Listen,
				Upstream:          cfg.Tap.Upstream,
				DialTimeout:       cfg.Tap.DialTimeout,
				MaxConnections:    cfg.Tap.MaxConnections,
				AcceptRate:        cfg.Tap.AcceptRate,
				AcceptBurst:       cfg.Tap.AcceptBurst,
				Render:            cfg.Tap.Render,
				PowTarget:         target,
				MaxUnpairedChunks: cfg.Detection.MaxUnpairedChunks,
				Identity:          id,
				Logger:            logger,
				Metrics:           m,
			})
			if err := listener.Start(); err != nil {
				return fmt.Errorf("failed to start tap: %w", err)
			}

			var server *health.Server
			if cfg.Metrics.Enabled {
				server = health.NewServer(health.ServerConfig{
					Address:      cfg.Metrics.Address,
					ReadTimeout:  cfg.Metrics.ReadTimeout,
					WriteTimeout: cfg.Metrics.WriteTimeout,
					Profiling:    cfg.Metrics.Pprof,
					Logger:       logger,
				}, listener, registry)
				if err := server.Start(); err != nil {
					listener.Stop()
					return fmt.Errorf("failed to start metrics server: %w", err)
				}
				logger.Info("metrics server started", "address", server.Address().String())
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			sig := <-sigCh
			logger.Info("shutting down", "signal", sig.String())

			if server != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := server.Stop(ctx); err != nil {
					logger.Warn("metrics server shutdown error", logging.KeyError, err)
				}
			}
			if err := listener.Stop(); err != nil {
				return err
			}

			stats := listener.Stats()
			logger.Info("tap stopped",
				"connections", stats.TotalConnections,
				"unrecognized", stats.Unrecognized,
				logging.KeyBytes, humanize.Bytes(stats.BytesObserved))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "Listen address (overrides tap.listen)")
	cmd.Flags().StringVarP(&upstream, "upstream", "u", "", "Upstream node address (overrides tap.upstream)")
	cmd.Flags().StringVarP(&identityPath, "identity", "i", "", "Identity file (overrides identity.path)")

	return cmd
}

func replayCmd() *cobra.Command {
	var (
		configPath   string
		identityPath string
	)

	cmd := &cobra.Command{
		Use:   "replay <trace.yaml>",
		Short: "Dissect a captured connection trace",
		Long: `Replay a YAML trace of one connection and print the decoded tree of
every packet. The trace lists packets in capture order:

  packets:
    - src: 10.0.0.1:50000
      dst: 10.0.0.2:9732
      data: 0086...`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if identityPath != "" {
				cfg.Identity.Path = identityPath
			}

			logger, err := logging.New(logging.Options{
				Level:  cfg.Log.Level,
				Format: cfg.Log.Format,
				Writer: cmd.ErrOrStderr(),
			})
			if err != nil {
				return err
			}

			id, err := loadIdentity(cfg.Identity.Path)
			if err != nil {
				return err
			}
			target, err := crypto.NewPowTarget(cfg.Detection.PowTarget)
			if err != nil {
				return err
			}

			trace, err := replay.Load(args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			res, err := replay.Run(trace, replay.Options{
				PowTarget:         target,
				MaxUnpairedChunks: cfg.Detection.MaxUnpairedChunks,
				Identity:          id,
				Logger:            logger,
			}, out)
			if err != nil {
				return err
			}

			fmt.Fprintf(out, "%s packets (%s displayed, %s skipped), initiator %s sent %s, responder %s sent %s\n",
				humanize.Comma(int64(res.Packets)),
				humanize.Comma(int64(res.Displayed)),
				humanize.Comma(int64(res.Foreign)),
				res.Initiator, humanize.Bytes(uint64(res.Bytes[0])),
				res.Responder, humanize.Bytes(uint64(res.Bytes[1])))
			if res.Unrecognized != nil {
				fmt.Fprintf(out, "state: %s (%v)\n", res.State, res.Unrecognized)
			} else {
				fmt.Fprintf(out, "state: %s\n", res.State)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVarP(&identityPath, "identity", "i", "", "Identity file (overrides identity.path)")

	return cmd
}

func identityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Manage node identities",
	}
	cmd.AddCommand(identityGenerateCmd())
	cmd.AddCommand(identityShowCmd())
	return cmd
}

func identityGenerateCmd() *cobra.Command {
	var (
		output    string
		powTarget float64
		force     bool
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate an identity with a mined proof-of-work stamp",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				if _, err := os.Stat(output); err == nil {
					return fmt.Errorf("%s already exists (use --force to overwrite)", output)
				}
			}

			target, err := crypto.NewPowTarget(powTarget)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			start := time.Now()
			id, err := identity.Generate(ctx, target)
			if err != nil {
				return err
			}
			if err := id.Store(output); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Identity written to %s\n", output)
			fmt.Fprintf(cmd.OutOrStdout(), "Peer ID: %s\n", id.String())
			fmt.Fprintf(cmd.OutOrStdout(), "Mined in %s (target %g)\n", time.Since(start).Round(time.Millisecond), powTarget)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "./identity.json", "Path to write the identity")
	cmd.Flags().Float64Var(&powTarget, "pow-target", 24.0, "Proof-of-work difficulty")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing identity")

	return cmd
}

func identityShowCmd() *cobra.Command {
	var powTarget float64

	cmd := &cobra.Command{
		Use:   "show <identity.json>",
		Short: "Show the peer id of an identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := identity.Load(args[0])
			if err != nil {
				return err
			}
			target, err := crypto.NewPowTarget(powTarget)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Peer ID:    %s\n", id.String())
			fmt.Fprintf(out, "Public key: %x\n", id.PublicKey)
			fmt.Fprintf(out, "Stamp:      %x\n", id.Stamp)
			fmt.Fprintf(out, "PoW %g:     %t\n", powTarget, id.CheckProofOfWork(target))
			return nil
		},
	}

	cmd.Flags().Float64Var(&powTarget, "pow-target", 24.0, "Proof-of-work difficulty to check")

	return cmd
}
