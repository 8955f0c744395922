// Package qemu builds the command line of the installer virtual machine.
package qemu

import (
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/cochaviz/archbox/arch"
	"github.com/cochaviz/archbox/internal/console"
	"github.com/cochaviz/archbox/internal/install"
)

// KVMDevice is the device node QEMU needs for hardware acceleration.
const KVMDevice = "/dev/kvm"

// Host describes what the machine running QEMU can offer the guest.
type Host struct {
	Architecture arch.Architecture
	KVM          bool
}

// DetectHost inspects the running machine.
func DetectHost() Host {
	return Host{Architecture: arch.Host(), KVM: KVMAvailable()}
}

// KVMAvailable reports whether the KVM device can be opened for read and write.
func KVMAvailable() bool {
	return unix.Access(KVMDevice, unix.R_OK|unix.W_OK) == nil
}

// CanAccelerate reports whether guest can run under KVM on this host.
func (h Host) CanAccelerate(guest arch.Architecture) bool {
	if !h.KVM || h.Architecture == "" {
		return false
	}
	if h.Architecture == guest {
		return true
	}
	return h.Architecture == arch.X86_64 && guest == arch.I686
}

// BuildCommand returns the installer VM command for ctx and whether it has to
// fall back to software emulation. netns, when set, names the network
// namespace the VM is started in.
func BuildCommand(ctx install.Context, host Host, netns string) (console.Command, bool) {
	args := []string{
		"-cdrom", ctx.MediumPath,
		"-boot", "order=d",
	}

	requireEmulation := !host.CanAccelerate(ctx.Architecture)
	if requireEmulation {
		args = append(args, "-accel", "tcg")
	} else {
		args = append(args, "-cpu", "host", "-enable-kvm")
	}

	args = append(args,
		"-m", strconv.Itoa(ctx.MemoryMB),
		"-smp", strconv.Itoa(ctx.VCPUs),
		"-nographic",
		"-drive", "file="+ctx.DiskPath+",format=raw",
	)

	return console.Command{
		Path:  ctx.Architecture.QEMUBinary(),
		Args:  args,
		NetNS: netns,
	}, requireEmulation
}
