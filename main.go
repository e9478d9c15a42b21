package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// app carries what every command needs once the environment is read.
type app struct {
	cfg    Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "extrelay",
		Short: "Settings relay for the Gmail, chat and logistics capture extensions",
		Long: `extrelay keeps the settings record of a capture extension (Notion credential,
target database, feature toggles), verifies the connection to Notion, and keeps
the extraction history that CSV exports are built from.

Run "extrelay serve" for the relay, then use the other commands against it.

Environment Variables:
  STORAGE_AREA        sync (DynamoDB) or local (SQLite), default sync
  EXTENSION_PROFILE   gmail, chat or logistics, default gmail
  JWT_SECRET          token signing secret (serve, token mint)
  RELAY_URL           relay address for clients, default http://localhost:8080`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig()
			if err != nil {
				return err
			}
			if p, _ := cmd.Flags().GetString("profile"); p != "" {
				if _, err := LookupProfile(p); err != nil {
					return err
				}
				cfg.Profile = p
			}
			a.cfg = cfg
			a.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
			return nil
		},
	}
	root.PersistentFlags().String("profile", "", "extension profile (overrides EXTENSION_PROFILE)")

	root.AddCommand(
		newServeCmd(a),
		newSettingsCmd(a),
		newProbeCmd(a),
		newResourcesCmd(a),
		newHistoryCmd(a),
		newExportCmd(a),
		newConfigureCmd(a),
		newTokenCmd(a),
		newProfilesCmd(),
	)
	return root
}

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), a.cfg)
		},
	}
}

func runServe(ctx context.Context, cfg Config) error {
	if err := cfg.RequireSecret(); err != nil && !cfg.DevBypassAuth {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))

	service, closeStores, err := buildService(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open storage", "error", err, "area", cfg.StorageArea)
		return err
	}
	defer closeStores()

	handler := NewSettingsHandler(service, logger)
	router := NewRouter(handler, cfg, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.ProbeTimeout + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "port", cfg.ServerPort, "profile", cfg.Profile, "area", cfg.StorageArea)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		logger.Error("server failed", "error", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		return err
	}

	logger.Info("server stopped")
	return nil
}

// buildService opens the configured storage area. History always lives in the local SQLite file.
func buildService(ctx context.Context, cfg Config, logger *slog.Logger) (*Service, func(), error) {
	profile, err := LookupProfile(cfg.Profile)
	if err != nil {
		return nil, nil, err
	}

	if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	local, err := OpenSQLiteStore(cfg.SQLitePath)
	if err != nil {
		return nil, nil, err
	}

	var settings SettingsStore = local
	if cfg.StorageArea == StorageAreaSync {
		dynamo, err := NewDynamoStore(ctx, cfg)
		if err != nil {
			local.Close()
			return nil, nil, err
		}
		settings = dynamo
	}

	prober := NewNotionProber(cfg, nil)
	return NewService(settings, local, prober, profile, cfg, logger), func() { local.Close() }, nil
}
