package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/terrpan/octane/internal/api"
	"github.com/terrpan/octane/internal/jitter"
	"github.com/terrpan/octane/internal/lifecycle"
)

// ---------------------------------------------------------------------------
// schedule
// ---------------------------------------------------------------------------

var (
	scheduleSku   string
	scheduleCount uint64
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Enqueue benchmark VMs without going through the HTTP API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := signalContext(cmd)
		defer cancel()
		return schedule(ctx, cmd)
	},
}

func init() {
	f := scheduleCmd.Flags()
	f.StringVar(&scheduleSku, "sku", "", "VM size to benchmark (required)")
	f.Uint64Var(&scheduleCount, "count", 1, "Number of VMs")
	f.DurationVar(&flagOverrides.Schedule.Window, "window", 0, "Spread create messages over this span")
	_ = scheduleCmd.MarkFlagRequired("sku")
}

func schedule(ctx context.Context, cmd *cobra.Command) error {
	if scheduleCount > api.MaxVirtualMachines {
		return fmt.Errorf("--count %d exceeds the limit of %d", scheduleCount, api.MaxVirtualMachines)
	}

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	br, err := cfg.NewBroker(ctx, logger)
	if err != nil {
		return fmt.Errorf("connecting to broker: %w", err)
	}
	defer closeLogged(logger, "broker", br.Close)

	creates, err := newDispatcher(ctx, br, cfg.Broker.Queues.Create, logger)
	if err != nil {
		return err
	}

	sched := api.New(api.Config{
		Dispatcher: creates,
		Jitter:     jitter.New(),
		Window:     cfg.Schedule.Window,
		NamePrefix: cfg.Schedule.NamePrefix,
		Logger:     logger.WithGroup("api"),
	})

	out, err := sched.Schedule(ctx, []api.Entry{{Sku: scheduleSku, Count: scheduleCount}})
	if err != nil {
		return err
	}
	for _, vm := range out {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\n",
			vm.Name, vm.Sku, vm.CorrelationID, vm.EnqueueAt.Format(time.RFC3339))
	}
	return nil
}

// ---------------------------------------------------------------------------
// reconcile
// ---------------------------------------------------------------------------

var reconcileDryRun bool

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Delete network interfaces whose VM no longer exists",
	Long: `reconcile lists the network interfaces octane created and deletes every
one whose virtual machine is gone.  Deletes start their ancillary cleanup
without waiting for it, so a crash between the VM delete and the NIC
delete can leave interfaces behind; run this periodically to sweep them.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := signalContext(cmd)
		defer cancel()
		return reconcile(ctx, cmd)
	},
}

func init() {
	reconcileCmd.Flags().BoolVar(&reconcileDryRun, "dry-run", false, "Only report orphaned interfaces")
}

func reconcile(ctx context.Context, cmd *cobra.Command) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	eng, err := cfg.NewEngine(ctx, logger)
	if err != nil {
		return fmt.Errorf("initializing engine: %w", err)
	}
	defer closeLogged(logger, "engine", eng.Close)

	orch := lifecycle.New(lifecycle.Config{
		Engine:     eng,
		Subnet:     cfg.Subnet(),
		NamePrefix: cfg.Schedule.NamePrefix,
		Logger:     logger.WithGroup("lifecycle"),
	})

	orphans, err := orch.Reconcile(ctx, reconcileDryRun)
	if errors.Is(err, lifecycle.ErrListUnsupported) {
		return fmt.Errorf("engine %s: %w", cfg.Engine.Type, err)
	}
	for _, nic := range orphans {
		fmt.Fprintln(cmd.OutOrStdout(), nic)
	}
	logger.Info("reconcile finished",
		slog.Int("orphans", len(orphans)),
		slog.Bool("dryRun", reconcileDryRun),
	)
	return err
}
