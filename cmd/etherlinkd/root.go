package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"etherlink/config"
	"etherlink/engine"
	"etherlink/metrics"
)

func newRootCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "etherlinkd",
		Short: "Run the EtherLink peer-to-peer file transfer engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(cmd.Context(), configFile)
		},
	}
	cmd.Flags().StringVar(&configFile, "config", "", "path to a config file (default: ./config.yaml or the OS config dir)")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	cmd.PersistentPostRunE = func(cmd *cobra.Command, args []string) error {
		cancel()
		return nil
	}
	cmd.SetContext(ctx)

	return cmd
}

func runEngine(ctx context.Context, configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logrus.StandardLogger()
	if level, parseErr := logrus.ParseLevel(cfg.LogLevel); parseErr == nil {
		logger.SetLevel(level)
	}

	eng, err := engine.New(engine.Options{
		DiscoveryUDPPort: cfg.DiscoveryPort,
		TransferTCPPort:  cfg.TransferPort,
		DownloadsDir:     cfg.DownloadsDir,
		HistoryDBPath:    cfg.HistoryDBPath(),
		Logger:           logger,
		Metrics:          metrics.NewRegistry(),
	})
	if err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	defer func() {
		if err := eng.Close(); err != nil {
			logger.WithError(err).Warn("engine close error")
		}
	}()

	logger.WithFields(logrus.Fields{
		"device_name":    cfg.DeviceName,
		"discovery_port": cfg.DiscoveryPort,
		"transfer_port":  cfg.TransferPort,
		"downloads_dir":  cfg.DownloadsDir,
		"data_dir":       cfg.DataDir,
	}).Info("etherlinkd starting")

	if err := eng.StartDiscovery(); err != nil {
		logger.WithError(err).Warn("discovery failed to start")
	}

	go logEngineEvents(logger, eng.Events())
	go logEngineErrors(logger, eng.Errors())

	logger.Info("etherlinkd running (press Ctrl+C to stop)")
	<-ctx.Done()
	logger.Info("etherlinkd shutting down")
	return nil
}

func logEngineEvents(logger *logrus.Logger, events <-chan engine.Event) {
	for evt := range events {
		switch evt.Kind {
		case engine.EventPeerDiscovered:
			logger.WithFields(logrus.Fields{"address": evt.Peer.Address, "name": evt.Peer.Name}).Info("peer discovered")
		case engine.EventPeerUpdated:
			logger.WithFields(logrus.Fields{"address": evt.Peer.Address, "name": evt.Peer.Name}).Debug("peer updated")
		case engine.EventTransferComplete:
			logger.WithFields(logrus.Fields{"transfer_id": evt.TransferID, "path": evt.Path}).Info("transfer complete")
		case engine.EventTransferError:
			logger.WithFields(logrus.Fields{"transfer_id": evt.TransferID, "error": evt.Error}).Warn("transfer error")
		default:
			logger.WithField("kind", evt.Kind).Debug("engine event")
		}
	}
}

func logEngineErrors(logger *logrus.Logger, errs <-chan error) {
	for err := range errs {
		logger.WithError(err).Warn("engine reported error")
	}
}
