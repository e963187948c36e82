package transfer

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glefebvre/moviepilot/internal/logger"
)

const defaultRetentionHours = 24

// CleanupOptions holds configuration for orphaned temp file cleanup
type CleanupOptions struct {
	Roots          []string
	RetentionHours int
	DryRun         bool
}

// CleanupResult counts what a cleanup did
type CleanupResult struct {
	Removed int `json:"removed"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// CleanupOrphans removes ".mp" temp files left in the library roots by an
// interrupted transfer. Files younger than the retention are kept since a
// transfer may still be writing them.
func CleanupOrphans(opts CleanupOptions) (*CleanupResult, error) {
	log := logger.AppLogger()

	if opts.RetentionHours == 0 {
		opts.RetentionHours = defaultRetentionHours
	}
	cutoffTime := time.Now().Add(-time.Duration(opts.RetentionHours) * time.Hour)

	log.Info(fmt.Sprintf("Retention period: %d hours (removing temp files older than %s)",
		opts.RetentionHours, cutoffTime.Format(time.RFC3339)))

	result := &CleanupResult{}
	for _, root := range opts.Roots {
		if _, err := os.Stat(root); err != nil {
			log.Warn(fmt.Sprintf("Skipping library root %s: %v", root, err))
			continue
		}
		log.Info(fmt.Sprintf("Scanning for orphaned temp files in: %s", root))

		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				log.Warn(fmt.Sprintf("Failed to read %s: %v", path, err))
				return nil
			}
			if d.IsDir() || !strings.HasSuffix(d.Name(), TempSuffix) {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				log.Warn(fmt.Sprintf("Failed to stat %s: %v", path, err))
				return nil
			}
			if info.ModTime().After(cutoffTime) {
				result.Skipped++
				return nil
			}

			age := time.Since(info.ModTime()).Round(time.Hour)
			if opts.DryRun {
				log.Info(fmt.Sprintf("[DRY RUN] Would remove: %s (age: %s)", path, age))
				result.Removed++
				return nil
			}
			if err := os.Remove(path); err != nil {
				log.Error(fmt.Sprintf("Failed to remove %s", path), err)
				result.Failed++
				return nil
			}
			log.Info(fmt.Sprintf("Removed orphaned temp file: %s (age: %s)", path, age))
			result.Removed++
			return nil
		})
		if err != nil {
			return result, fmt.Errorf("failed to walk %s: %w", root, err)
		}
	}

	log.Info(fmt.Sprintf("Cleanup complete: %d removed, %d skipped (too recent), %d failed",
		result.Removed, result.Skipped, result.Failed))
	return result, nil
}
