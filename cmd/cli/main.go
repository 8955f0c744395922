package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cochaviz/archbox/arch"
	"github.com/cochaviz/archbox/internal/build"
	"github.com/cochaviz/archbox/internal/install"
	"github.com/cochaviz/archbox/internal/logging"
	"github.com/cochaviz/archbox/internal/provision"
	"github.com/cochaviz/archbox/internal/script"
	"github.com/cochaviz/archbox/internal/setup"
	"github.com/cochaviz/archbox/internal/sshkeys"
)

const (
	defaultLogLevel  = "info"
	defaultLogFormat = "text"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := newApp(os.Stderr)
	root := newRootCommand(app)
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			app.logger.Warn("command interrupted", "error", err)
			os.Exit(130)
		}
		app.logger.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// app carries the logger, which is rebuilt once the log flags are parsed.
type app struct {
	stderr   io.Writer
	levelVar slog.LevelVar
	logger   *slog.Logger
}

func newApp(stderr io.Writer) *app {
	a := &app{stderr: stderr}
	a.levelVar.Set(slog.LevelInfo)
	a.configureLogger(logging.ModeCLI)
	return a
}

func (a *app) configureLogger(mode logging.Mode) {
	a.logger = logging.New(mode, a.stderr, &a.levelVar)
	slog.SetDefault(a.logger)
	setup.SetLogger(a.logger.With("component", "setup"))
}

func newRootCommand(a *app) *cobra.Command {
	logLevel := defaultLogLevel
	logFormat := defaultLogFormat

	root := &cobra.Command{
		Use:           "archbox",
		Short:         "Unattended Arch Linux installs into raw disk images, driven over a QEMU serial console",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", defaultLogLevel, "Set log verbosity (debug, info, warning, error)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", defaultLogFormat, "Log output format (text, json)")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := logging.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		mode, err := logging.ParseMode(logFormat)
		if err != nil {
			return err
		}
		a.levelVar.Set(level)
		a.configureLogger(mode)
		return nil
	}

	root.AddCommand(
		newInstallCommand(a),
		newRenderCommand(a),
		newCheckCommand(a),
	)
	return root
}

func newInstallCommand(a *app) *cobra.Command {
	var opts configOptions

	cmd := &cobra.Command{
		Use:   "install",
		Args:  cobra.NoArgs,
		Short: "Install Arch Linux onto a raw disk image",
		Long: `Downloads the Arch Linux ISO, creates the disk image and boots QEMU with the
serial console attached to a pseudo-terminal. Every prompt of the installer is
answered automatically; the transcript is written to install.log next to the
image.

Optional files next to the image:
  packages.txt      extra packages, whitespace separated, # starts a comment
  post-install.sh   run with bash inside the new system before the first boot`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.resolve(cmd.Context(), cmd.InOrStdin(), a.logger)
			if err != nil {
				return err
			}

			cmdLogger := a.logger.With("command", "install")
			service, err := build.NewBuildService(cfg, cmdLogger)
			if err != nil {
				return err
			}

			output, err := service.Run(cmd.Context(), cfg)
			if err != nil {
				if output.LogPath != "" && output.Attempts > 0 {
					cmdLogger.Info("see the session transcript for details", "path", output.LogPath)
				}
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", output.Artifacts.DiskPath)
			return nil
		},
	}
	opts.register(cmd)
	return cmd
}

func newRenderCommand(a *app) *cobra.Command {
	var opts configOptions

	cmd := &cobra.Command{
		Use:   "render",
		Args:  cobra.NoArgs,
		Short: "Print the console script an install would run, with secrets redacted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.resolve(cmd.Context(), cmd.InOrStdin(), a.logger)
			if err != nil {
				return err
			}
			steps, err := renderSteps(cfg)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for i, step := range steps {
				fmt.Fprintf(out, "%4d  %s\n", i, step)
			}
			return nil
		},
	}
	opts.register(cmd)
	return cmd
}

func renderSteps(cfg install.Config) ([]script.Step, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	keys, err := sshkeys.Locate(cfg.SSHKeyPath)
	if err != nil {
		return nil, err
	}
	architecture, err := arch.Parse(cfg.Architecture)
	if err != nil {
		return nil, err
	}
	diskPath, err := filepath.Abs(cfg.ImagePath)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(diskPath)
	extras, err := install.LoadExtras(dir)
	if err != nil {
		return nil, err
	}
	ctx, err := install.NewContext(cfg, filepath.Join(dir, provision.MediumFileName(architecture)), keys, extras)
	if err != nil {
		return nil, err
	}
	return script.Render(ctx)
}

func newCheckCommand(a *app) *cobra.Command {
	var architecture string

	cmd := &cobra.Command{
		Use:   "check",
		Args:  cobra.NoArgs,
		Short: "Verify the host can run the installer VM",
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := arch.Parse(architecture)
			if err != nil {
				return err
			}
			cmdLogger := a.logger.With("action", "verify_setup")
			cmdLogger.Info("verifying host", "architecture", parsed.String())
			host, err := setup.Verify(parsed)
			if err != nil {
				cmdLogger.Error("host verification failed", "error", err)
				return err
			}
			cmdLogger.Info("host verification succeeded", "kvm", host.CanAccelerate(parsed))
			return nil
		},
	}
	cmd.Flags().StringVar(&architecture, "arch", install.DefaultArchitecture, "Guest architecture")
	return cmd
}
