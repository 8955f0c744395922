// Package provision supplies the installation medium and the target disk
// image. Every step is idempotent: artifacts that already exist are kept.
package provision

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/cochaviz/archbox/arch"
	"github.com/cochaviz/archbox/internal/install"
	"github.com/cochaviz/archbox/internal/logging"
)

// Request describes what a session needs on disk.
type Request struct {
	Architecture arch.Architecture
	DiskPath     string
	DiskSize     uint64
	// NetNS is the namespace the VM will run in, checked for a default route.
	NetNS string
}

// Artifacts are the prepared inputs of a session.
type Artifacts struct {
	MediumPath       string
	DiskPath         string
	MediumDownloaded bool
	DiskCreated      bool
}

// MediumProvider supplies a verified installation medium in a directory.
type MediumProvider interface {
	Ensure(ctx context.Context, dir string, architecture arch.Architecture) (string, bool, error)
}

// Provisioner prepares the medium next to the disk image, then the disk.
type Provisioner struct {
	Medium MediumProvider
	Disk   DiskPreparer
	// RouteCheck overrides CheckDefaultRoute; it only produces a warning.
	RouteCheck func(netns string) error
	Logger     *slog.Logger
}

// New builds the provisioner for cfg's mirror and disk backend.
func New(cfg install.Config, logger *slog.Logger) (*Provisioner, error) {
	var disk DiskPreparer
	switch cfg.DiskBackend {
	case "", install.DiskBackendFile:
		disk = FileDisk{Logger: logger}
	case install.DiskBackendLibvirt:
		disk = LibvirtDisk{Logger: logger}
	default:
		return nil, fmt.Errorf("unknown disk backend %q", cfg.DiskBackend)
	}
	return &Provisioner{
		Medium: &MediumSource{MirrorURL: cfg.MirrorURL, Logger: logger},
		Disk:   disk,
		Logger: logger,
	}, nil
}

func (p *Provisioner) Provision(ctx context.Context, req Request) (Artifacts, error) {
	logger := logging.Ensure(p.Logger)

	routeCheck := p.RouteCheck
	if routeCheck == nil {
		routeCheck = CheckDefaultRoute
	}
	if err := routeCheck(req.NetNS); err != nil {
		logger.Warn("network preflight failed, package downloads in the guest may fail", "error", err)
	}

	mediumPath, downloaded, err := p.Medium.Ensure(ctx, filepath.Dir(req.DiskPath), req.Architecture)
	if err != nil {
		return Artifacts{}, err
	}

	created, err := p.Disk.Prepare(ctx, req.DiskPath, req.DiskSize)
	if err != nil {
		return Artifacts{}, err
	}

	return Artifacts{
		MediumPath:       mediumPath,
		DiskPath:         req.DiskPath,
		MediumDownloaded: downloaded,
		DiskCreated:      created,
	}, nil
}
