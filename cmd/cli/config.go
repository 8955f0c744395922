package main

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/cochaviz/archbox/internal/install"
	"github.com/cochaviz/archbox/internal/wizard"
)

// Passwords are read from the environment rather than flags so they do not
// show up in the process list.
const (
	rootPasswordEnv = "ARCHBOX_ROOT_PASSWORD"
	userPasswordEnv = "ARCHBOX_USER_PASSWORD"
)

// configOptions are the flags shared by the commands that need a Config.
type configOptions struct {
	configPath  string
	interactive bool
	flags       install.Config
}

func (o *configOptions) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVarP(&o.configPath, "config", "c", "", "YAML config file")
	f.BoolVarP(&o.interactive, "interactive", "i", false, "Ask for missing values when stdin is a terminal")

	f.StringVar(&o.flags.ImagePath, "image", "", "Path of the raw disk image to install onto")
	f.StringVar(&o.flags.Architecture, "arch", "", "Guest architecture (x86_64, i686, aarch64)")
	f.StringVar(&o.flags.DiskSize, "disk-size", "", "Disk image size, e.g. 20G")
	f.IntVar(&o.flags.MemoryMB, "memory", 0, "Guest memory in MiB")
	f.IntVar(&o.flags.VCPUs, "vcpus", 0, "Guest vCPUs")
	f.StringVar(&o.flags.Hostname, "hostname", "", "Hostname of the installed system")
	f.StringVar(&o.flags.Username, "username", "", "Unprivileged user to create")
	f.StringVar(&o.flags.Timezone, "timezone", "", "Timezone, e.g. Europe/Amsterdam")
	f.StringVar(&o.flags.Locale, "locale", "", "Locale, e.g. en_US.UTF-8")
	f.StringVar(&o.flags.MirrorURL, "mirror", "", "Arch Linux mirror to download the ISO from")
	f.BoolVar(&o.flags.DisableKeyringChecks, "disable-keyring-checks", false, "Set SigLevel = Never instead of initialising the pacman keyring")
	f.StringVar(&o.flags.SSHKeyPath, "ssh-key", "", "Private key to install (default: first of ~/.ssh/id_ed25519, id_ecdsa, id_rsa)")
	f.DurationVar(&o.flags.ExpectTimeout, "expect-timeout", 0, "Fail when a prompt does not appear within this duration (0 waits forever)")
	f.StringVar(&o.flags.DiskBackend, "disk-backend", "", "How the disk image is created (file, libvirt)")
	f.StringVar(&o.flags.NetNS, "netns", "", "Network namespace to start QEMU in")
}

// resolve layers the config file, the flags, the password environment
// variables and the defaults, then runs the wizard when asked to.
func (o *configOptions) resolve(ctx context.Context, stdin io.Reader, logger *slog.Logger) (install.Config, error) {
	fileCfg, err := install.LoadConfig(o.configPath)
	if err != nil {
		return install.Config{}, err
	}

	cfg := fileCfg.Merge(o.flags).Merge(install.Config{
		RootPassword: os.Getenv(rootPasswordEnv),
		UserPassword: os.Getenv(userPasswordEnv),
	}).WithDefaults()

	if !o.interactive {
		return cfg, nil
	}
	if !isTerminal(stdin) {
		logger.Warn("stdin is not a terminal, ignoring --interactive")
		return cfg, nil
	}
	return wizard.Collect(ctx, cfg)
}

func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

