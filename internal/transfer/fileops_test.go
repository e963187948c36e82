package transfer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/glefebvre/moviepilot/internal/errors"
	"github.com/glefebvre/moviepilot/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestFileOps_Transfer(t *testing.T) {
	tests := []struct {
		mode       Mode
		keepSource bool
		check      func(t *testing.T, src, dst string)
	}{
		{mode: ModeCopy, keepSource: true},
		{mode: ModeMove, keepSource: false},
		{
			mode:       ModeHardlink,
			keepSource: true,
			check: func(t *testing.T, src, dst string) {
				si, err := os.Stat(src)
				require.NoError(t, err)
				di, err := os.Stat(dst)
				require.NoError(t, err)
				assert.True(t, os.SameFile(si, di))
			},
		},
		{
			mode:       ModeSoftlink,
			keepSource: true,
			check: func(t *testing.T, src, dst string) {
				target, err := os.Readlink(dst)
				require.NoError(t, err)
				assert.Equal(t, src, target)
			},
		},
	}

	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			dir := t.TempDir()
			src := filepath.Join(dir, "src", "movie.mkv")
			dst := filepath.Join(dir, "library", "Movie (2020)", "Movie (2020).mkv")
			writeFile(t, src, 128)

			ops := NewFileOps(retry.Config{}, RcloneConfig{})
			require.NoError(t, ops.Transfer(context.Background(), src, dst, tt.mode))

			assert.Equal(t, int64(128), fileSize(t, dst))
			assert.NoFileExists(t, dst+TempSuffix)
			if tt.keepSource {
				assert.FileExists(t, src)
			} else {
				assert.NoFileExists(t, src)
			}
			if tt.check != nil {
				tt.check(t, src, dst)
			}
		})
	}
}

func TestFileOps_UnknownMode(t *testing.T) {
	ops := NewFileOps(retry.Config{}, RcloneConfig{})
	err := ops.Transfer(context.Background(), "a", "b", Mode("teleport"))
	assert.True(t, errors.IsValidationError(err))
}

func TestFileOps_MissingSourceIsPermanent(t *testing.T) {
	dir := t.TempDir()
	ops := NewFileOps(retry.Config{MaxAttempts: 1}, RcloneConfig{})
	err := ops.Transfer(context.Background(), filepath.Join(dir, "missing.mkv"), filepath.Join(dir, "out.mkv"), ModeCopy)
	require.Error(t, err)
	assert.Equal(t, errors.CodeFilesystemPermanent, errors.GetErrorCode(err))
	assert.NoFileExists(t, filepath.Join(dir, "out.mkv"+TempSuffix))
}

func TestFileOps_Rclone(t *testing.T) {
	dir := t.TempDir()
	// a stand-in binary that logs its arguments
	script := filepath.Join(dir, "rclone")
	logFile := filepath.Join(dir, "calls.log")
	require.NoError(t, os.WriteFile(script, []byte(fmt.Sprintf("#!/bin/sh\necho \"$@\" >> %s\n", logFile)), 0o755))

	ops := NewFileOps(retry.Config{MaxAttempts: 1}, RcloneConfig{Binary: script, Remote: "gdrive"})
	require.NoError(t, ops.Transfer(context.Background(), "/dl/a.mkv", "/Movies/A/A.mkv", ModeRcloneMove))

	calls, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Equal(t, "moveto /dl/a.mkv gdrive:/Movies/A/A.mkv.mp\nmoveto gdrive:/Movies/A/A.mkv.mp gdrive:/Movies/A/A.mkv\n", string(calls))
}

func TestFileOps_RcloneFailure(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "rclone")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho boom >&2\nexit 5\n"), 0o755))

	ops := NewFileOps(retry.Config{MaxAttempts: 1}, RcloneConfig{Binary: script})
	err := ops.Transfer(context.Background(), "/dl/a.mkv", "/Movies/A.mkv", ModeRcloneCopy)
	require.Error(t, err)
	assert.Equal(t, errors.CodeFilesystemPermanent, errors.GetErrorCode(err), "exhausted transient errors become permanent")
	assert.Contains(t, err.Error(), "boom")
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want errors.ErrorCode
	}{
		{&os.PathError{Op: "open", Path: "x", Err: unix.EBUSY}, errors.CodeFilesystemTransient},
		{&os.PathError{Op: "open", Path: "x", Err: unix.EAGAIN}, errors.CodeFilesystemTransient},
		{&os.PathError{Op: "open", Path: "x", Err: unix.EACCES}, errors.CodeFilesystemTransient},
		{&os.PathError{Op: "write", Path: "x", Err: unix.ENOSPC}, errors.CodeFilesystemPermanent},
		{&os.PathError{Op: "open", Path: "x", Err: unix.ENAMETOOLONG}, errors.CodeFilesystemPermanent},
		{&os.LinkError{Op: "link", Old: "a", New: "b", Err: unix.EXDEV}, errors.CodeFilesystemPermanent},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			err := classify(tt.err, "op")
			assert.Equal(t, tt.want, errors.GetErrorCode(err))
			assert.Equal(t, tt.want == errors.CodeFilesystemTransient, errors.IsRetryable(err))
		})
	}
}

func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, "AC_DC_ Live _ Best_", sanitizeFilename(`AC/DC: Live | Best?`))
	assert.Equal(t, "Plain Name", sanitizeFilename("Plain Name"))
}
