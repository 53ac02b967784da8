package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/duynguyendang/toolbridge/internal/config"
	"github.com/duynguyendang/toolbridge/internal/logging"
	"github.com/duynguyendang/toolbridge/pkg/mcp"
	"github.com/duynguyendang/toolbridge/pkg/reader"
	"github.com/duynguyendang/toolbridge/pkg/repl"
	"github.com/duynguyendang/toolbridge/pkg/server"
	"github.com/spf13/cobra"
)

var version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "toolbridge",
		Short:         "HTTP and MCP gateway for document, crawl, extraction, sandbox and search tools",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("TOOLBRIDGE_CONFIG"),
		"path to a YAML config file (env TOOLBRIDGE_CONFIG)")

	root.AddCommand(
		newServeCmd(&configPath),
		newMCPCmd(&configPath),
		newREPLCmd(&configPath),
		newReadCmd(),
	)
	return root
}

func newServeCmd(configPath *string) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the REST API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Address = addr
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.address)")
	return cmd
}

func newMCPCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the tools over MCP on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			// Logs go to stderr; stdout carries the protocol.
			logger, closer := logging.New(cfg.Log)
			defer closer.Close()
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			services, cleanup := buildServices(ctx, cfg, logger, nil)
			defer cleanup()

			return mcp.Run(services, version, logger)
		},
	}
}

func newREPLCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "repl",
		Short: "Start an interactive notebook shell over the sandbox and tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.Log.Level == "" || cfg.Log.Level == "info" {
				cfg.Log.Level = "warn"
			}
			logger, closer := logging.New(cfg.Log)
			defer closer.Close()
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			services, cleanup := buildServices(ctx, cfg, logger, nil)
			defer cleanup()

			return repl.Run(ctx, services, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

func newReadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "read <file>",
		Short: "Print the text extracted from a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			// Reject unsupported types before reading the file.
			if _, _, err := reader.ForFilename(filepath.Base(path)); err != nil {
				var unsupported *reader.UnsupportedError
				if errors.As(err, &unsupported) && unsupported.Hint() != "" {
					return fmt.Errorf("%w (%s)", err, unsupported.Hint())
				}
				return err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			text, err := reader.Read(filepath.Base(path), data)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), text)
			return err
		},
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	logger, closer := logging.New(cfg.Log)
	defer closer.Close()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := server.NewMetrics()
	services, cleanup := buildServices(ctx, cfg, logger, metrics)
	defer cleanup()

	srv := server.NewServer(services, cfg.Server, logger, metrics)
	httpServer := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting REST API server", "addr", cfg.Server.Address, "version", version)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
