package setup

import (
	"errors"
	"fmt"
	"os/exec"

	"github.com/cochaviz/archbox/arch"
	"github.com/cochaviz/archbox/internal/qemu"
)

// MissingBinaryError reports that the emulator for an architecture is not
// installed.
type MissingBinaryError struct {
	Binary string
	Err    error
}

func (e *MissingBinaryError) Error() string {
	return fmt.Sprintf("%s not found in PATH (install the qemu system emulator for this architecture): %v", e.Binary, e.Err)
}

func (e *MissingBinaryError) Unwrap() error {
	return e.Err
}

var lookPath = exec.LookPath

// Verify checks that the QEMU binary for architecture is on PATH and returns
// what the host can offer the guest. A missing KVM device only produces a
// warning since the VM can still run under TCG.
func Verify(architecture arch.Architecture) (qemu.Host, error) {
	return verify(architecture, qemu.DetectHost())
}

func verify(architecture arch.Architecture, host qemu.Host) (qemu.Host, error) {
	if !architecture.IsValid() {
		return host, fmt.Errorf("unsupported architecture %q", architecture)
	}

	binary := architecture.QEMUBinary()
	path, err := lookPath(binary)
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return host, &MissingBinaryError{Binary: binary, Err: err}
		}
		return host, fmt.Errorf("look up %s: %w", binary, err)
	}
	getLogger().Debug("found emulator", "path", path)

	switch {
	case !host.KVM:
		getLogger().Warn("KVM is not available, the install will run under software emulation and be slow", "device", qemu.KVMDevice)
	case !host.CanAccelerate(architecture):
		getLogger().Warn("guest architecture differs from the host, the install will run under software emulation", "guest", architecture, "host", host.Architecture)
	}
	return host, nil
}
