package build

import (
	"context"

	"github.com/cochaviz/archbox/arch"
	"github.com/cochaviz/archbox/internal/console"
	"github.com/cochaviz/archbox/internal/install"
	"github.com/cochaviz/archbox/internal/provision"
	"github.com/cochaviz/archbox/internal/qemu"
	"github.com/cochaviz/archbox/internal/script"
	"github.com/cochaviz/archbox/internal/sshkeys"
)

// Provisioner prepares the installation medium and the disk image.
type Provisioner interface {
	Provision(ctx context.Context, request provision.Request) (provision.Artifacts, error)
}

// KeyLocator finds the SSH key pair copied into the guest.
type KeyLocator interface {
	Locate(privatePath string) (install.KeyMaterial, error)
}

// HostVerifier checks the host can run a guest of the given architecture.
type HostVerifier func(architecture arch.Architecture) (qemu.Host, error)

// Renderer turns a context into the step script.
type Renderer func(ctx install.Context) ([]script.Step, error)

// RetryPolicy is consulted after every unsuccessful session; returning true
// re-runs the whole session.
type RetryPolicy func(attempt int, result console.Result, err error) bool

var (
	_ Provisioner = (*provision.Provisioner)(nil)
	_ KeyLocator  = sshkeys.Locator{}
)
