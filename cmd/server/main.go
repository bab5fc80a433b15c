// Command wardenchat-server runs the chat room.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"

	"wardenchat/internal/config"
	"wardenchat/internal/metrics"
	"wardenchat/internal/server"
	"wardenchat/pkg/transcript"
)

var version = "1.0.0"

func main() {
	defer memguard.Purge()

	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		memguard.SafeExit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath     string
		loadTranscript string
	)

	root := &cobra.Command{
		Use:          "wardenchat-server",
		Short:        "Group chat server with warden-held room keys",
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath, loadTranscript)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to server configuration file (TOML)")
	root.Flags().StringVar(&loadTranscript, "load-transcript", "", "Seed the room transcript from a saved text file")

	root.AddCommand(newInitCmd(&configPath))
	root.AddCommand(newTranscriptCmd(&configPath))
	return root
}

func newInitCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := *configPath
			if path == "" {
				path = "wardenchat-server.toml"
			}
			if err := config.Write(path, config.DefaultServer()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}
}

func newLogger(level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.Level(level),
	}))
}

func run(parent context.Context, configPath, loadTranscript string) error {
	cfg, err := config.LoadServer(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	presenter := server.NewLogPresenter(logger)
	opts := []transcript.Option{transcript.WithPresenter(presenter)}
	if cfg.ArchivePath != "" {
		archive, err := transcript.OpenArchive(cfg.ArchivePath)
		if err != nil {
			return err
		}
		defer archive.Close()
		opts = append(opts, transcript.WithArchive(archive))
	}
	log := transcript.New(opts...)

	if loadTranscript != "" {
		if err := seedTranscript(log, loadTranscript); err != nil {
			return err
		}
		logger.Info("transcript loaded", "path", loadTranscript, "lines", log.Len())
	}

	srv := server.New(server.Options{
		Address:          cfg.ListenAddress,
		HandshakeTimeout: cfg.HandshakeTimeout,
		OutboundQueue:    cfg.OutboundQueue,
		EventBuffer:      cfg.EventBuffer,
		Logger:           logger,
		Transcript:       log,
		Presenter:        presenter,
	})
	if err := srv.Start(ctx); err != nil {
		logger.Error("failed to start server", "error", err)
		return err
	}

	if cfg.MetricsAddress != "" {
		metricsSrv := serveMetrics(cfg.MetricsAddress, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			metricsSrv.Shutdown(shutdownCtx)
		}()
	}

	<-ctx.Done()
	srv.Stop()
	return nil
}

func seedTranscript(log *transcript.Log, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open transcript: %w", err)
	}
	defer f.Close()
	return log.Load(f)
}

func serveMetrics(addr string, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	logger.Info("metrics listening", "addr", addr)
	return srv
}
