package provision

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"github.com/cochaviz/archbox/internal/logging"
)

// DiskPreparer creates the raw disk image the guest installs onto.
type DiskPreparer interface {
	// Prepare creates a raw image of size bytes at path unless one exists,
	// and reports whether it created it.
	Prepare(ctx context.Context, path string, size uint64) (bool, error)
}

// FileDisk creates sparse raw images directly on the filesystem.
type FileDisk struct {
	Logger *slog.Logger
}

func (d FileDisk) Prepare(ctx context.Context, path string, size uint64) (bool, error) {
	logger := logging.Ensure(d.Logger)

	if err := ctx.Err(); err != nil {
		return false, err
	}
	if info, err := os.Stat(path); err == nil {
		if info.IsDir() {
			return false, fmt.Errorf("disk image %s is a directory", path)
		}
		logger.Warn("disk image already exists, skipping creation", "path", path, "size", humanize.Bytes(uint64(info.Size())))
		return false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("stat disk image: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("create disk directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return false, fmt.Errorf("create disk image: %w", err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		os.Remove(path)
		return false, fmt.Errorf("size disk image: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return false, fmt.Errorf("finalize disk image: %w", err)
	}

	logger.Info("created disk image", "path", path, "size", humanize.Bytes(size))
	return true, nil
}
