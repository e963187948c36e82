package transfer

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// DiskSpace represents available disk space information
type DiskSpace struct {
	Available uint64 // Available bytes for unprivileged users
	Free      uint64
	Total     uint64
	UsedPct   float64
	// Device identifies the filesystem, so hardlink-capable roots can be found
	Device uint64
}

// GetDiskSpace returns disk space information for the filesystem holding
// path. A path that does not exist yet is resolved to its nearest existing
// parent.
func GetDiskSpace(path string) (*DiskSpace, error) {
	checkPath, err := existingParent(path)
	if err != nil {
		return nil, err
	}

	var stat unix.Statfs_t
	if err := unix.Statfs(checkPath, &stat); err != nil {
		return nil, fmt.Errorf("failed to get filesystem stats: %w", err)
	}
	dev, err := deviceOf(checkPath)
	if err != nil {
		return nil, err
	}

	total := stat.Blocks * uint64(stat.Bsize)
	free := stat.Bfree * uint64(stat.Bsize)
	available := stat.Bavail * uint64(stat.Bsize)
	usedPct := 0.0
	if total > 0 {
		usedPct = float64(total-free) / float64(total) * 100
	}

	return &DiskSpace{
		Available: available,
		Free:      free,
		Total:     total,
		UsedPct:   usedPct,
		Device:    dev,
	}, nil
}

// SameDevice reports whether a and b live on one filesystem
func SameDevice(a, b string) bool {
	pa, err := existingParent(a)
	if err != nil {
		return false
	}
	pb, err := existingParent(b)
	if err != nil {
		return false
	}
	da, errA := deviceOf(pa)
	db, errB := deviceOf(pb)
	return errA == nil && errB == nil && da == db
}

func deviceOf(path string) (uint64, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	return uint64(st.Dev), nil
}

func existingParent(path string) (string, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path: %w", err)
	}
	for {
		if _, err := os.Stat(absPath); err == nil {
			return absPath, nil
		}
		parent := filepath.Dir(absPath)
		if parent == absPath {
			return "", fmt.Errorf("no existing directory found in path")
		}
		absPath = parent
	}
}

// FormatBytes formats bytes into human-readable format
func FormatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
