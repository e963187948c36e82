package transfer

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/glefebvre/moviepilot/internal/errors"
	"github.com/glefebvre/moviepilot/internal/retry"
	"golang.org/x/sys/unix"
)

// Mode is how a file reaches the library
type Mode string

const (
	ModeCopy       Mode = "copy"
	ModeMove       Mode = "move"
	ModeHardlink   Mode = "hardlink"
	ModeSoftlink   Mode = "softlink"
	ModeRcloneCopy Mode = "rclone_copy"
	ModeRcloneMove Mode = "rclone_move"
)

// TempSuffix marks a file still being written
const TempSuffix = ".mp"

// fileLock serialises individual file operations across every pipeline
var fileLock sync.Mutex

// Valid reports whether m is a known mode
func (m Mode) Valid() bool {
	switch m {
	case ModeCopy, ModeMove, ModeHardlink, ModeSoftlink, ModeRcloneCopy, ModeRcloneMove:
		return true
	}
	return false
}

// RcloneConfig locates the rclone binary and its destination remote
type RcloneConfig struct {
	Binary string
	// Remote is prefixed to destinations as "remote:path"; empty means local
	Remote string
}

// FileOps performs file operations with the temp-then-rename protocol
type FileOps struct {
	retry  retry.Config
	rclone RcloneConfig
}

// NewFileOps creates FileOps. A zero retry config uses retry.FileOpConfig.
func NewFileOps(cfg retry.Config, rclone RcloneConfig) *FileOps {
	if cfg.MaxAttempts == 0 {
		cfg = retry.FileOpConfig()
	}
	if rclone.Binary == "" {
		rclone.Binary = "rclone"
	}
	return &FileOps{retry: cfg, rclone: rclone}
}

// Transfer places src at dst. The content is written to dst+".mp" first and
// renamed into place, so readers never observe a partial file. Transient
// failures are retried; exhausted retries are reported as permanent.
func (o *FileOps) Transfer(ctx context.Context, src, dst string, mode Mode) error {
	if !mode.Valid() {
		return errors.New(errors.CodeInvalidInput, fmt.Sprintf("unknown transfer mode %q", mode))
	}
	err := retry.Do(ctx, o.retry, func() error {
		fileLock.Lock()
		defer fileLock.Unlock()
		return o.transferOnce(ctx, src, dst, mode)
	}, errors.IsRetryable)
	if err != nil && errors.GetErrorCode(err) == errors.CodeFilesystemTransient {
		return errors.Wrap(err, errors.CodeFilesystemPermanent, "file operation kept failing")
	}
	return err
}

func (o *FileOps) transferOnce(ctx context.Context, src, dst string, mode Mode) error {
	if mode == ModeRcloneCopy || mode == ModeRcloneMove {
		return o.rcloneTransfer(ctx, src, dst, mode)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return classify(err, "failed to create destination directory")
	}
	tmp := dst + TempSuffix
	_ = os.Remove(tmp)

	var err error
	switch mode {
	case ModeCopy:
		err = copyFile(src, tmp)
	case ModeMove:
		err = moveFile(src, tmp)
	case ModeHardlink:
		err = os.Link(src, tmp)
	case ModeSoftlink:
		var abs string
		if abs, err = filepath.Abs(src); err == nil {
			err = os.Symlink(abs, tmp)
		}
	}
	if err != nil {
		os.Remove(tmp)
		return classify(err, fmt.Sprintf("%s failed", mode))
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return classify(err, "failed to rename into place")
	}
	return nil
}

func (o *FileOps) rcloneTransfer(ctx context.Context, src, dst string, mode Mode) error {
	target := func(p string) string {
		if o.rclone.Remote == "" {
			return p
		}
		return o.rclone.Remote + ":" + p
	}
	op := "copyto"
	if mode == ModeRcloneMove {
		op = "moveto"
	}
	tmp := dst + TempSuffix
	if err := o.runRclone(ctx, op, src, target(tmp)); err != nil {
		return err
	}
	return o.runRclone(ctx, "moveto", target(tmp), target(dst))
}

func (o *FileOps) runRclone(ctx context.Context, args ...string) error {
	out, err := exec.CommandContext(ctx, o.rclone.Binary, args...).CombinedOutput()
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	msg := strings.TrimSpace(string(out))
	if stderrors.As(err, &exitErr) {
		// rclone exit codes 5 (temporary) and 6 (less serious) are worth a retry
		switch exitErr.ExitCode() {
		case 5, 6:
			return errors.Wrap(err, errors.CodeFilesystemTransient, "rclone "+args[0]+": "+msg)
		}
	}
	return errors.Wrap(err, errors.CodeFilesystemPermanent, "rclone "+args[0]+": "+msg)
}

// Remove deletes a placed file; a missing file is not an error
func (o *FileOps) Remove(path string) error {
	fileLock.Lock()
	defer fileLock.Unlock()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return classify(err, "failed to remove file")
	}
	return nil
}

// classify maps an OS error onto the filesystem error codes
func classify(err error, message string) error {
	switch {
	case stderrors.Is(err, unix.EBUSY), stderrors.Is(err, unix.EAGAIN), stderrors.Is(err, unix.EINTR),
		stderrors.Is(err, unix.ETXTBSY), stderrors.Is(err, unix.EACCES), stderrors.Is(err, unix.EPERM):
		return errors.Wrap(err, errors.CodeFilesystemTransient, message)
	default:
		return errors.Wrap(err, errors.CodeFilesystemPermanent, message)
	}
}

// moveFile moves a file from src to dst, trying rename first, then copy+verify+delete
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	// cross-filesystem moves need a copy
	if err := copyFile(src, dst); err != nil {
		return fmt.Errorf("copy failed: %w", err)
	}

	srcInfo, err := os.Stat(src)
	if err != nil {
		os.Remove(dst)
		return fmt.Errorf("failed to stat source: %w", err)
	}
	dstInfo, err := os.Stat(dst)
	if err != nil {
		os.Remove(dst)
		return fmt.Errorf("failed to stat destination: %w", err)
	}
	if srcInfo.Size() != dstInfo.Size() {
		os.Remove(dst)
		return fmt.Errorf("file size mismatch after copy: src=%d dst=%d", srcInfo.Size(), dstInfo.Size())
	}

	return os.Remove(src)
}

// copyFile copies a file from src to dst and syncs it
func copyFile(src, dst string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source: %w", err)
	}
	defer srcFile.Close()

	dstFile, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create destination: %w", err)
	}
	defer dstFile.Close()

	if _, err := io.Copy(dstFile, srcFile); err != nil {
		return fmt.Errorf("failed to copy data: %w", err)
	}
	if err := dstFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync: %w", err)
	}
	return nil
}

// sanitizeFilename replaces characters that are illegal in path segments
func sanitizeFilename(name string) string {
	replacer := map[rune]rune{
		'/':  '_',
		'\\': '_',
		':':  '_',
		'*':  '_',
		'?':  '_',
		'"':  '_',
		'<':  '_',
		'>':  '_',
		'|':  '_',
	}

	result := []rune(name)
	for i, r := range result {
		if replacement, ok := replacer[r]; ok {
			result[i] = replacement
		}
	}
	return string(result)
}
