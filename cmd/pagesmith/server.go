package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethpandaops/pagesmith/pkg/api"
	"github.com/ethpandaops/pagesmith/pkg/auth"
	"github.com/ethpandaops/pagesmith/pkg/config"
	"github.com/ethpandaops/pagesmith/pkg/dispatcher"
	"github.com/ethpandaops/pagesmith/pkg/metrics"
	"github.com/ethpandaops/pagesmith/pkg/notifier"
	"github.com/ethpandaops/pagesmith/pkg/queue"
	"github.com/ethpandaops/pagesmith/pkg/store"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newServerCmd(log *logrus.Logger) *cobra.Command {
	var (
		configPath string
		noWorkers  bool
	)

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Start the pagesmith server",
		Long:  `Start the webhook HTTP server and, unless disabled, the job workers.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), log, configPath, noWorkers)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml",
		"Path to configuration file")
	cmd.Flags().BoolVar(&noWorkers, "no-workers", false,
		"Only accept webhooks, leave the queues to separate worker processes")

	return cmd
}

func runServer(ctx context.Context, log *logrus.Logger, configPath string, noWorkers bool) error {
	log.WithField("path", configPath).Info("Loading configuration")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log.Info("Configuration loaded:\n" + cfg.String())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	st, err := openStore(ctx, log, cfg)
	if err != nil {
		return err
	}

	defer st.Stop()

	m := metrics.New()
	m.SetBuildInfo(Version, GitCommit, BuildDate)

	tr, err := queue.New(log, cfg.Queue, st, m)
	if err != nil {
		return err
	}

	authSvc, err := auth.NewService(log, cfg.Auth)
	if err != nil {
		return err
	}

	srv := api.NewServer(log, cfg, st, dispatcher.NewDispatcher(log, tr, m), authSvc, m)

	if !noWorkers {
		n := notifier.New(log, cfg.GitHub, m)

		if err := n.Start(ctx); err != nil {
			return err
		}

		defer n.Stop()

		pool, err := newPool(log, cfg, st, tr, n, m)
		if err != nil {
			return err
		}

		// Stream job run state changes via WebSocket.
		pool.SetRunChangeCallback(func(run *store.JobRun) {
			srv.BroadcastRunChange(run)
		})

		if err := pool.Start(ctx); err != nil {
			return err
		}

		defer pool.Stop()
	}

	if err := tr.Start(ctx); err != nil {
		return err
	}

	defer tr.Stop()

	if err := srv.Start(ctx); err != nil {
		return err
	}

	defer srv.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.WithField("workers", !noWorkers).Info("Server is running. Press Ctrl+C to stop.")

	select {
	case sig := <-sigCh:
		log.WithField("signal", sig).Info("Received shutdown signal")
	case <-ctx.Done():
		log.Info("Context cancelled")
	}

	log.Info("Shutting down...")

	return nil
}
