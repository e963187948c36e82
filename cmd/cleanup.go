package main

import (
	"fmt"

	"github.com/glefebvre/moviepilot/internal/config"
	"github.com/glefebvre/moviepilot/internal/transfer"
	"github.com/spf13/cobra"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Clean up orphaned transfer temp files",
	Long: `Scan the library roots and remove ".mp" temp files that are older than the
retention period (default: 24 hours).

Orphaned temp files can occur when a transfer is interrupted or the application
crashes before the temp file is renamed to its final name.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		retentionHours, _ := cmd.Flags().GetInt("retention-hours")

		cfg := config.Get()

		fmt.Println("=== Temp File Cleanup ===")
		if dryRun {
			fmt.Println("Mode: DRY RUN (no files will be deleted)")
		}
		fmt.Printf("Library roots: %v\n", cfg.Library.Paths)
		fmt.Printf("Retention: %d hours\n\n", retentionHours)

		result, err := transfer.CleanupOrphans(transfer.CleanupOptions{
			Roots:          cfg.Library.Paths,
			RetentionHours: retentionHours,
			DryRun:         dryRun,
		})
		if err != nil {
			return fmt.Errorf("cleanup failed: %w", err)
		}

		fmt.Printf("Removed: %d, kept: %d, failed: %d\n", result.Removed, result.Skipped, result.Failed)
		fmt.Println("\nCleanup complete!")
		return nil
	},
}

func init() {
	cleanupCmd.Flags().Bool("dry-run", false, "list orphaned files without deleting them")
	cleanupCmd.Flags().Int("retention-hours", 24, "only remove temp files older than this")
}
