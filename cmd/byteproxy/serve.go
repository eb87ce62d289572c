package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bytebrushstudios/byteproxy/internal/pkg/config"
	"github.com/bytebrushstudios/byteproxy/pkg/gateway"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&dbPath, "db", "", "SQLite database for services added at runtime (overrides storage.sqlite.path)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	// WithLogger first so the file provider picks it up.
	opts := []gateway.Option{gateway.WithLogger(logger)}
	switch {
	case cfgFile != "":
		opts = append(opts, gateway.WithFileConfig(cfgFile))
	case fileExists(config.DefaultPath):
		opts = append(opts, gateway.WithFileConfig(config.DefaultPath))
	default:
		opts = append(opts, gateway.WithConfig(cfg))
	}
	if dbPath != "" {
		opts = append(opts, gateway.WithSQLite(dbPath))
	}

	gw, err := gateway.New(opts...)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if err := gw.Start(ctx); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}

	logger.Info("gateway started",
		slog.String("addr", gw.Addr()),
		slog.String("version", gateway.Version),
		slog.Any("services", gw.Services()))

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, stopping gateway")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), gw.Config().Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := gw.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	logger.Info("gateway shutdown complete")
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
