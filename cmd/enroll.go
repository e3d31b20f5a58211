package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kozaktomas/presence-kiosk/internal/config"
	"github.com/kozaktomas/presence-kiosk/internal/enroll"
	"github.com/kozaktomas/presence-kiosk/internal/faceservice"
	"github.com/kozaktomas/presence-kiosk/internal/logging"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var enrollCmd = &cobra.Command{
	Use:   "enroll",
	Short: "Manage enrolled identities",
}

var enrollImportCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Import identities and face descriptors from a JSON lines file",
	Long: `Import identities and their face descriptors from a JSON lines file.

Each line holds one identity with either a precomputed 128-d descriptor or an
image path (relative to the file) that is sent to the face service:

  {"id":"emp-1","name":"Alice","role":"engineer","descriptor":[0.01, ...]}
  {"id":"emp-2","name":"Bob","image":"photos/bob.jpg"}

Existing identities are updated and their descriptor replaced.

Examples:
  # Validate without writing
  presence-kiosk enroll import roster.jsonl --dry-run

  # Import with 8 concurrent face service requests
  presence-kiosk enroll import roster.jsonl --concurrency 8

  # JSON output
  presence-kiosk enroll import roster.jsonl --json`,
	Args: cobra.ExactArgs(1),
	RunE: runEnrollImport,
}

func init() {
	rootCmd.AddCommand(enrollCmd)
	enrollCmd.AddCommand(enrollImportCmd)

	enrollImportCmd.Flags().Bool("dry-run", false, "Validate entries and compute descriptors without writing")
	enrollImportCmd.Flags().Int("concurrency", 4, "Entries processed in parallel")
	enrollImportCmd.Flags().Bool("json", false, "Output as JSON")
}

// EnrollImportResult is the JSON output of enroll import.
type EnrollImportResult struct {
	Success bool `json:"success"`
	enroll.Result
	Total         int    `json:"total"`
	DryRun        bool   `json:"dry_run"`
	DurationMs    int64  `json:"duration_ms"`
	DurationHuman string `json:"duration_human,omitempty"`
}

func runEnrollImport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	jsonOutput := mustGetBool(cmd, "json")
	dryRun := mustGetBool(cmd, "dry-run")
	startTime := time.Now()

	path := args[0]
	file, err := os.Open(path) //nolint:gosec // path is from trusted CLI argument
	if err != nil {
		return fmt.Errorf("opening enrollment file: %w", err)
	}
	lines, err := enroll.ReadEntries(file)
	_ = file.Close()
	if err != nil {
		return err
	}

	cfg := config.Load()
	logger := logging.New(cfg.Log.Level, cfg.Log.Format)
	backend, closeDB, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeDB()

	if !jsonOutput {
		fmt.Printf("Found %d entries in %s\n\n", len(lines), path)
	}

	var bar *progressbar.ProgressBar
	if !jsonOutput {
		bar = progressbar.NewOptions(len(lines),
			progressbar.OptionSetDescription("Importing"),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("identities"),
			progressbar.OptionShowElapsedTimeOnFinish(),
			progressbar.OptionSetPredictTime(true),
			progressbar.OptionFullWidth(),
		)
	}

	importer := enroll.NewImporter(backend,
		enroll.WithDetector(faceservice.NewClient(cfg.FaceService.URL)),
		enroll.WithBaseDir(filepath.Dir(path)),
		enroll.WithConcurrency(mustGetInt(cmd, "concurrency")),
		enroll.WithDryRun(dryRun),
		enroll.WithLogger(logger),
	)
	result, err := importer.Import(ctx, lines, func(done int) {
		if bar != nil {
			_ = bar.Add(done)
		}
	})
	if err != nil {
		return fmt.Errorf("import interrupted: %w", err)
	}
	if bar != nil {
		_ = bar.Finish()
	}

	elapsed := time.Since(startTime)
	if jsonOutput {
		return outputJSON(EnrollImportResult{
			Success:       result.Failed == 0,
			Result:        *result,
			Total:         len(lines),
			DryRun:        dryRun,
			DurationMs:    elapsed.Milliseconds(),
			DurationHuman: elapsed.Round(time.Millisecond).String(),
		})
	}

	fmt.Println("\nImport complete!")
	fmt.Printf("  Imported: %d\n", result.Imported)
	fmt.Printf("  Failed:   %d\n", result.Failed)
	for _, f := range result.Failures {
		fmt.Printf("    line %d (%s): %s\n", f.Line, f.ID, f.Error)
	}
	if dryRun {
		fmt.Printf("  Mode:     DRY RUN\n")
	}
	fmt.Printf("  Duration: %s\n", elapsed.Round(time.Millisecond))
	return nil
}
