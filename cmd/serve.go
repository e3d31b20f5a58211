package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kozaktomas/presence-kiosk/internal/attendance"
	"github.com/kozaktomas/presence-kiosk/internal/config"
	"github.com/kozaktomas/presence-kiosk/internal/credential"
	"github.com/kozaktomas/presence-kiosk/internal/database"
	"github.com/kozaktomas/presence-kiosk/internal/database/postgres"
	"github.com/kozaktomas/presence-kiosk/internal/logging"
	"github.com/kozaktomas/presence-kiosk/internal/metrics"
	"github.com/kozaktomas/presence-kiosk/internal/web"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the attendance API server",
	Long: `Start the attendance API server.
The server authenticates kiosks, serves the enrolled descriptor set and
records check-ins and check-outs in PostgreSQL.

Requires DATABASE_URL and KIOSK_TOKEN_SECRET.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 8080, "Port to listen on")
	serveCmd.Flags().String("host", "0.0.0.0", "Host to bind to")
}

// resolveServeHostPort lets explicit flags win over WEB_HOST and WEB_PORT.
func resolveServeHostPort(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("port") {
		cfg.Web.Port = mustGetInt(cmd, "port")
	}
	if cmd.Flags().Changed("host") {
		cfg.Web.Host = mustGetString(cmd, "host")
	}
}

// openBackend connects to PostgreSQL, applies migrations and returns the
// registered repositories.
func openBackend(ctx context.Context, cfg *config.Config) (*database.Backend, func(), error) {
	if cfg.Database.URL == "" {
		return nil, nil, errors.New("DATABASE_URL environment variable is required")
	}

	pool, err := postgres.Initialize(ctx, &cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize PostgreSQL: %w", err)
	}
	backend, err := database.GetBackend()
	if err != nil {
		_ = pool.Close()
		return nil, nil, err
	}
	return backend, func() { _ = pool.Close() }, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	resolveServeHostPort(cmd, cfg)

	logger := logging.New(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	tokens, err := credential.NewService(cfg.Credential)
	if err != nil {
		return err
	}

	fmt.Printf("Connecting to PostgreSQL database...\n")
	backend, closeDB, err := openBackend(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer closeDB()

	m := metrics.New()
	server := web.NewServer(cfg, web.Services{
		Backend: backend,
		Tokens:  tokens,
		Attendance: attendance.NewService(backend, cfg.Attendance,
			attendance.WithLogger(logger),
			attendance.WithMetrics(m),
		),
		Metrics: m,
		Logger:  logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Println("\nShutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			fmt.Printf("Error during shutdown: %v\n", err)
		}
	}()

	fmt.Printf("Starting attendance API on http://%s:%d\n", cfg.Web.Host, cfg.Web.Port)
	fmt.Println("Press Ctrl+C to stop")

	if err := server.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	return nil
}
