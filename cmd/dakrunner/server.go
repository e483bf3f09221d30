package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dakota-project/evalsched/internal/config"
	"github.com/dakota-project/evalsched/pkg/evalcore"
	"github.com/dakota-project/evalsched/pkg/serverloop"
	"github.com/dakota-project/evalsched/pkg/transport"
	"github.com/dakota-project/evalsched/pkg/transport/p2pmesh"
	"github.com/dakota-project/evalsched/pkg/transport/wsmesh"
)

func serverCmd() *cobra.Command {
	var configPath string
	var rank int
	var masterSrc int
	var variant string
	var dialURL string
	var handshakeToken string

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run one evaluation server loop",
		Long: `server runs one evaluation server's receive-compute-send cycle
against the transport named in the configuration file, until a
termination message arrives or the process is interrupted.

This binary ships no simulator of its own; the echo simulator wired here
returns the sum of the continuous variables as every requested response
value, so this command is only
useful to exercise and smoke-test the scheduling machinery end to end.
Embed pkg/serverloop directly and supply a real scheduler.Simulator to
drive an actual model.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), configPath, rank, masterSrc, variant, dialURL, handshakeToken)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "dakrunner.yaml", "configuration file path")
	cmd.Flags().IntVar(&rank, "rank", 1, "this process's rank within the communicator")
	cmd.Flags().IntVar(&masterSrc, "master-src", 0, "rank this server exchanges work with")
	cmd.Flags().StringVar(&variant, "variant", "synchronous", "server loop variant: synchronous, asynchronous, or peer")
	cmd.Flags().StringVar(&dialURL, "dial", "", "wsmesh hub URL to dial (wsmesh transport only)")
	cmd.Flags().StringVar(&handshakeToken, "token", "", "wsmesh handshake token (wsmesh transport only)")

	return cmd
}

func runServer(ctx context.Context, configPath string, rank, masterSrc int, variant, dialURL, handshakeToken string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	t, closeTransport, err := buildTransport(ctx, cfg, rank, dialURL, handshakeToken, logger)
	if err != nil {
		return err
	}
	defer closeTransport()

	asyncK := cfg.Scheduler.AsyncConcurrency
	if asyncK <= 0 {
		asyncK = 1
	}
	loop := serverloop.New(serverloop.Variant(variant), t, echoSimulator{}, masterSrc,
		serverloop.WithAsyncConcurrency(asyncK),
		serverloop.WithLogger(logger))

	logger.Info("server loop starting", "rank", rank, "variant", variant, "master_src", masterSrc)
	if err := loop.Run(ctx); err != nil {
		return fmt.Errorf("server loop: %w", err)
	}
	logger.Info("server loop terminated")
	return nil
}

// buildTransport constructs the transport.Transport named by
// cfg.Transport.Kind. The in-process mesh has no meaning for a separate
// OS process (it only connects ranks within one process), so dakrunner's
// server subcommand only supports the two network-crossing backends; a
// single-process demo instead embeds pkg/transport.InProcessMesh directly.
func buildTransport(ctx context.Context, cfg *config.Config, rank int, dialURL, token string, logger *slog.Logger) (transport.Transport, func(), error) {
	switch cfg.Transport.Kind {
	case "wsmesh":
		if cfg.Transport.WSMesh == nil {
			return nil, nil, fmt.Errorf("dakrunner: transport kind wsmesh requires a wsmesh configuration block")
		}
		if dialURL == "" {
			return nil, nil, fmt.Errorf("dakrunner: --dial is required for the wsmesh transport")
		}
		size := cfg.Partition.NumServers + 1
		r, err := wsmesh.Dial(ctx, dialURL, rank, size, token)
		if err != nil {
			return nil, nil, fmt.Errorf("dakrunner: dial wsmesh hub: %w", err)
		}
		return r, func() { r.Close() }, nil

	case "p2pmesh":
		if cfg.Transport.P2P == nil {
			return nil, nil, fmt.Errorf("dakrunner: transport kind p2pmesh requires a p2p configuration block")
		}
		peers := make([]p2pmesh.PeerAddr, len(cfg.Transport.P2P.Peers))
		for i, p := range cfg.Transport.P2P.Peers {
			peers[i] = p2pmesh.PeerAddr{Rank: p.Rank, Addr: p.Addr}
		}
		size := cfg.Partition.NumServers
		m, err := p2pmesh.NewMesh(ctx, rank, size, cfg.Transport.P2P.ListenAddr, peers, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("dakrunner: start p2pmesh: %w", err)
		}
		return m, func() { m.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("dakrunner: transport kind %q is not dialable from a separate process; use wsmesh or p2pmesh", cfg.Transport.Kind)
	}
}

// echoSimulator is the placeholder scheduler.Simulator this binary drives
// to smoke-test the scheduling machinery without a real model.
type echoSimulator struct{}

func (echoSimulator) Execute(ctx context.Context, p evalcore.Pair) (*evalcore.Response, error) {
	sum := 0.0
	for _, v := range p.Vars.Continuous {
		sum += v
	}
	resp := evalcore.NewOwningResponse(p.Set, len(p.Set.Codes))
	for i := range p.Set.Codes {
		if p.Set.WantsValue(i) {
			_ = resp.SetValue(i, sum)
		}
	}
	return resp, nil
}
