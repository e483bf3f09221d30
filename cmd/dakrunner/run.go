package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dakota-project/evalsched/internal/config"
	"github.com/dakota-project/evalsched/pkg/appinterface"
	"github.com/dakota-project/evalsched/pkg/cache"
	"github.com/dakota-project/evalsched/pkg/evalcore"
	"github.com/dakota-project/evalsched/pkg/failure"
	"github.com/dakota-project/evalsched/pkg/journal"
	"github.com/dakota-project/evalsched/pkg/pending"
	"github.com/dakota-project/evalsched/pkg/scheduler"
	"github.com/dakota-project/evalsched/pkg/status"
)

func runCmd() *cobra.Command {
	var configPath string
	var statusAddr string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Drive the interface façade over a sequence of variable vectors read from stdin",
		Long: `run reads whitespace-separated continuous-variable vectors, one per
line, from stdin, maps each through pkg/appinterface, and prints the
returned response. With --status-addr it also mounts the read-only
status/metrics HTTP surface for the duration of the run. It drives the
echo simulator, not a real model — plug in a real scheduler.Simulator to
drive an actual model.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIterator(cmd.Context(), configPath, statusAddr)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "dakrunner.yaml", "configuration file path")
	cmd.Flags().StringVar(&statusAddr, "status-addr", "", "address to mount the read-only status/metrics HTTP surface on (disabled unless set)")

	return cmd
}

func runIterator(ctx context.Context, configPath, statusAddr string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	c := cache.New(&cache.Config{MaxEntries: cfg.Cache.MaxEntries}, nil, logger)

	var j *journal.Journal
	if cfg.Journal.Path != "" {
		j, err = journal.New(&journal.Config{Path: cfg.Journal.Path, FlushOnWrite: cfg.Journal.FlushOnWrite}, logger)
		if err != nil {
			return fmt.Errorf("dakrunner: open journal: %w", err)
		}
		defer j.Close()
	}

	q := pending.New()
	sim := echoSimulator{}
	sched := scheduler.New(cfg.Scheduler.SchedulerPolicy(), 0, nil, sim, q,
		scheduler.WithLoadBalancePolicy(cfg.Scheduler.LoadBalancer()),
		scheduler.WithAsyncConcurrency(max(cfg.Scheduler.AsyncConcurrency, 1)))

	var failMgr *failure.Manager
	if cfg.Failure.Policy != "" {
		failMgr = failure.New(cfg.Failure.ManagerConfig(), c)
	}

	ifc := appinterface.New(appinterface.Config{InterfaceID: cfg.InterfaceID, CacheEnabled: cfg.Cache.Enabled}, c, j, q, sched, failMgr, sim)

	var statusSrv *status.Server
	if statusAddr != "" {
		statusCfg := status.DefaultConfig()
		statusCfg.Listen = statusAddr
		statusSrv = status.New(statusCfg, c, q, sched, logger)
		go func() {
			if err := statusSrv.Start(ctx); err != nil {
				logger.Error("status server exited", "error", err)
			}
		}()
		defer statusSrv.Stop(ctx)
	}

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		vars, err := parseVariables(line)
		if err != nil {
			return err
		}
		set, err := evalcore.NewActiveSet([]uint8{evalcore.ReqValue}, nil)
		if err != nil {
			return err
		}

		id, resp, err := ifc.Map(ctx, vars, set, false)
		if err != nil {
			return fmt.Errorf("dakrunner: map eval %d: %w", id, err)
		}
		fmt.Printf("eval_id=%d value=%g\n", id, resp.Value(0))
	}
	return scanner.Err()
}

func parseVariables(line string) (evalcore.Variables, error) {
	fields := strings.Fields(line)
	cont := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return evalcore.Variables{}, fmt.Errorf("dakrunner: parse variable %q: %w", f, err)
		}
		cont[i] = v
	}
	return evalcore.NewVariables(cont, nil, nil), nil
}
