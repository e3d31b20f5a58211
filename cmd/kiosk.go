package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/kozaktomas/presence-kiosk/internal/config"
	"github.com/kozaktomas/presence-kiosk/internal/descriptorcache"
	"github.com/kozaktomas/presence-kiosk/internal/faceservice"
	"github.com/kozaktomas/presence-kiosk/internal/kiosk"
	"github.com/kozaktomas/presence-kiosk/internal/logging"
	"github.com/kozaktomas/presence-kiosk/internal/metrics"
	"github.com/spf13/cobra"
)

var kioskCmd = &cobra.Command{
	Use:   "kiosk",
	Short: "Run an unattended attendance terminal",
	Long: `Run an unattended attendance terminal for one location.

The terminal logs in with the location credential, keeps a local copy of the
enrolled descriptors, and polls the camera. Recognized faces are checked in
or out depending on the configured direction.

Examples:
  # Run with a config file
  presence-kiosk kiosk --config kiosk.yaml

  # Check-out terminal with Prometheus metrics
  presence-kiosk kiosk --config kiosk.yaml --direction out --metrics-addr :9100`,
	RunE: runKiosk,
}

func init() {
	rootCmd.AddCommand(kioskCmd)

	kioskCmd.Flags().String("config", "", "Path to the kiosk YAML config")
	kioskCmd.Flags().String("direction", "", "Scan direction: in or out (overrides config)")
	kioskCmd.Flags().String("camera-url", "", "Camera snapshot URL (overrides config)")
	kioskCmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address")
	kioskCmd.Flags().String("log-level", "info", "Log level: debug, info, warn, error")
}

func loadKioskConfig(cmd *cobra.Command) (*config.KioskConfig, error) {
	cfg, err := config.LoadKiosk(mustGetString(cmd, "config"))
	if err != nil {
		return nil, err
	}
	if direction := mustGetString(cmd, "direction"); direction != "" {
		cfg.Direction = direction
	}
	if cameraURL := mustGetString(cmd, "camera-url"); cameraURL != "" {
		cfg.CameraURL = cameraURL
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.CameraURL == "" {
		return nil, errors.New("camera URL is required (camera_url or KIOSK_CAMERA_URL)")
	}
	if cfg.Login == "" || cfg.Password == "" {
		return nil, errors.New("kiosk login and password are required (KIOSK_LOGIN, KIOSK_PASSWORD)")
	}
	return cfg, nil
}

func runKiosk(cmd *cobra.Command, args []string) error {
	cfg, err := loadKioskConfig(cmd)
	if err != nil {
		return err
	}

	logger := logging.New(mustGetString(cmd, "log-level"), "text")
	slog.SetDefault(logger)

	client, err := kiosk.NewClient(cfg.ServerURL)
	if err != nil {
		return err
	}
	store, err := descriptorcache.NewFileStore(cfg.CacheDir, logger)
	if err != nil {
		return fmt.Errorf("opening descriptor cache: %w", err)
	}

	var m *metrics.Metrics
	if addr := mustGetString(cmd, "metrics-addr"); addr != "" {
		m = metrics.New()
		go serveMetrics(addr, m, logger)
	}

	display := newOutcomeDisplay(client, logger)
	terminal := kiosk.NewTerminal(cfg, client,
		descriptorcache.New(store, descriptorcache.WithLogger(logger)),
		kiosk.NewSnapshotSource(cfg.CameraURL),
		faceservice.NewClient(cfg.FaceServiceURL),
		kiosk.WithTerminalLogger(logger),
		kiosk.WithTerminalMetrics(m),
		kiosk.WithSessionOptions(kiosk.WithOutcomeHandler(display.show)),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Kiosk %q scanning %s at %s (server %s)\n", cfg.Device, cfg.Direction, cfg.CameraURL, cfg.ServerURL)
	fmt.Println("Press Ctrl+C to stop")

	if err := terminal.Run(ctx); err != nil {
		return fmt.Errorf("kiosk stopped: %w", err)
	}
	fmt.Println("\nKiosk stopped")
	return nil
}

func serveMetrics(addr string, m *metrics.Metrics, logger *slog.Logger) {
	server := &http.Server{
		Addr:              addr,
		Handler:           m.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server failed", "addr", addr, "error", err)
	}
}

// outcomeDisplay prints frame outcomes that a person in front of the
// terminal should see. Silent outcomes are not printed.
type outcomeDisplay struct {
	client *kiosk.Client
	logger *slog.Logger

	mu    sync.Mutex
	names map[string]string
}

func newOutcomeDisplay(client *kiosk.Client, logger *slog.Logger) *outcomeDisplay {
	return &outcomeDisplay{client: client, logger: logger, names: make(map[string]string)}
}

// name resolves a display name, falling back to the identity id.
func (d *outcomeDisplay) name(id string) string {
	d.mu.Lock()
	name, ok := d.names[id]
	d.mu.Unlock()
	if ok {
		return name
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	profile, err := d.client.LookupIdentity(ctx, id)
	if err != nil {
		d.logger.Debug("identity lookup failed", "identity_id", id, "error", err)
		return id
	}

	d.mu.Lock()
	d.names[id] = profile.Name
	d.mu.Unlock()
	return profile.Name
}

func (d *outcomeDisplay) show(out kiosk.Outcome) {
	switch out.Status {
	case kiosk.StatusRecorded:
		where := ""
		if out.Result.LocationName != "" {
			where = " at " + out.Result.LocationName
		}
		zone := ""
		if !out.Result.InZone {
			zone = " (outside zone)"
		}
		fmt.Printf("%s  %s: %s%s%s\n", time.Now().Format("15:04:05"), d.name(out.IdentityID), out.Result.Status, where, zone)
	case kiosk.StatusMoveCloser:
		fmt.Println("Please move closer to the camera")
	case kiosk.StatusUnknown:
		fmt.Printf("Face not recognized (attempt %d)\n", out.Attempts)
	case kiosk.StatusNotRecognized:
		fmt.Println("Face not recognized. Please contact the administrator.")
	case kiosk.StatusPleaseWait:
		fmt.Printf("%s already recorded, please wait\n", d.name(out.IdentityID))
	case kiosk.StatusRejected:
		fmt.Printf("%s: %v\n", d.name(out.IdentityID), out.Err)
	case kiosk.StatusAuthFailed, kiosk.StatusError:
		fmt.Fprintf(os.Stderr, "Error: %v\n", out.Err)
	}
}
