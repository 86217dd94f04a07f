package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethpandaops/pagesmith/pkg/config"
	"github.com/ethpandaops/pagesmith/pkg/metrics"
	"github.com/ethpandaops/pagesmith/pkg/notifier"
	"github.com/ethpandaops/pagesmith/pkg/queue"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newWorkerCmd(log *logrus.Logger) *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Start the job workers",
		Long:  `Consume the generateApi and generatePage queues without serving HTTP.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context(), log, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml",
		"Path to configuration file")

	return cmd
}

func runWorker(ctx context.Context, log *logrus.Logger, configPath string) error {
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

	n := notifier.New(log, cfg.GitHub, m)

	if err := n.Start(ctx); err != nil {
		return err
	}

	defer n.Stop()

	tr, err := queue.New(log, cfg.Queue, st, m)
	if err != nil {
		return err
	}

	pool, err := newPool(log, cfg, st, tr, n, m)
	if err != nil {
		return err
	}

	// Workers subscribe before the transport starts consuming.
	if err := pool.Start(ctx); err != nil {
		return err
	}

	defer pool.Stop()

	if err := tr.Start(ctx); err != nil {
		return err
	}

	defer tr.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.Info("Workers are running. Press Ctrl+C to stop.")

	select {
	case sig := <-sigCh:
		log.WithField("signal", sig).Info("Received shutdown signal")
	case <-ctx.Done():
		log.Info("Context cancelled")
	}

	log.Info("Shutting down...")

	return nil
}
