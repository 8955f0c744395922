package provision

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/kdomanski/iso9660"

	"github.com/cochaviz/archbox/arch"
	"github.com/cochaviz/archbox/internal/logging"
)

// MediumLabelPrefix starts the volume label of every Arch Linux ISO.
const MediumLabelPrefix = "ARCH_"

// MediumFileName is the cached ISO name for an architecture.
func MediumFileName(architecture arch.Architecture) string {
	return fmt.Sprintf("archlinux-%s.iso", architecture)
}

// MediumURL is where mirror publishes the current ISO for architecture.
func MediumURL(mirror string, architecture arch.Architecture) string {
	return strings.TrimRight(mirror, "/") + "/iso/latest/" + MediumFileName(architecture)
}

// MediumError reports a medium that could not be fetched or is not an Arch
// Linux installation image.
type MediumError struct {
	Path   string
	Reason string
	Err    error
}

func (e *MediumError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("installation medium %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("installation medium %s: %s", e.Path, e.Reason)
}

func (e *MediumError) Unwrap() error {
	return e.Err
}

// MediumSource downloads the installation ISO into a directory, once.
type MediumSource struct {
	MirrorURL string
	Client    *http.Client
	Logger    *slog.Logger
}

func (s *MediumSource) client() *http.Client {
	if s.Client != nil {
		return s.Client
	}
	return &http.Client{Timeout: 2 * time.Hour}
}

// Ensure returns the path of a verified medium in dir and whether it was
// downloaded by this call.
func (s *MediumSource) Ensure(ctx context.Context, dir string, architecture arch.Architecture) (string, bool, error) {
	logger := logging.Ensure(s.Logger)
	path := filepath.Join(dir, MediumFileName(architecture))

	if _, err := os.Stat(path); err == nil {
		logger.Warn("installation medium already present, skipping download", "path", path)
		if err := VerifyMedium(path); err != nil {
			return "", false, err
		}
		return path, false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", false, fmt.Errorf("stat installation medium: %w", err)
	}

	url := MediumURL(s.MirrorURL, architecture)
	logger.Info("downloading installation medium", "url", url, "path", path)
	if err := s.download(ctx, url, path, logger); err != nil {
		return "", false, err
	}
	return path, true, nil
}

func (s *MediumSource) download(ctx context.Context, url, path string, logger *slog.Logger) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create medium directory: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &MediumError{Path: url, Reason: "invalid url", Err: err}
	}
	resp, err := s.client().Do(req)
	if err != nil {
		return &MediumError{Path: url, Reason: "download failed", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &MediumError{Path: url, Reason: fmt.Sprintf("unexpected status %s", resp.Status)}
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".archlinux-*.iso.part")
	if err != nil {
		return fmt.Errorf("create temporary medium: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	started := time.Now()
	written, err := io.Copy(tmp, resp.Body)
	if err != nil {
		return &MediumError{Path: url, Reason: "download interrupted", Err: err}
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("finalize medium: %w", err)
	}
	if err := VerifyMedium(tmp.Name()); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("move medium into place: %w", err)
	}
	committed = true

	logger.Info("installation medium downloaded",
		"path", path,
		"size", humanize.Bytes(uint64(written)),
		"elapsed", time.Since(started).Round(time.Second),
	)
	return nil
}

// VerifyMedium checks that path is an ISO9660 image labelled like an Arch
// Linux release.
func VerifyMedium(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return &MediumError{Path: path, Reason: "open failed", Err: err}
	}
	defer f.Close()

	image, err := iso9660.OpenImage(f)
	if err != nil {
		return &MediumError{Path: path, Reason: "not an ISO9660 image", Err: err}
	}
	label, err := image.Label()
	if err != nil {
		return &MediumError{Path: path, Reason: "no primary volume", Err: err}
	}
	label = strings.TrimSpace(label)
	if !strings.HasPrefix(label, MediumLabelPrefix) {
		return &MediumError{Path: path, Reason: fmt.Sprintf("volume label %q is not an Arch Linux release", label)}
	}
	return nil
}
