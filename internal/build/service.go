// Package build runs an install end to end: it locates the SSH keys, renders
// the step script, provisions the medium and disk and drives the installer
// VM's console until the session reaches a terminal result.
package build

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/cochaviz/archbox/arch"
	"github.com/cochaviz/archbox/internal/console"
	"github.com/cochaviz/archbox/internal/install"
	"github.com/cochaviz/archbox/internal/metrics"
	"github.com/cochaviz/archbox/internal/provision"
	"github.com/cochaviz/archbox/internal/qemu"
	"github.com/cochaviz/archbox/internal/script"
	"github.com/cochaviz/archbox/internal/sessionlog"
	"github.com/cochaviz/archbox/internal/setup"
	"github.com/cochaviz/archbox/internal/sshkeys"
)

// BuildService wires the install pipeline together. Zero-valued hooks fall
// back to the real implementations.
type BuildService struct {
	Logger      *slog.Logger
	Provisioner Provisioner
	Keys        KeyLocator
	Spawner     console.Spawner
	VerifyHost  HostVerifier
	Render      Renderer
	// ShouldRetry is off when nil: a failed session is reported as is.
	ShouldRetry RetryPolicy
	// ShutdownGrace overrides console.DefaultShutdownGrace.
	ShutdownGrace time.Duration
}

// NewBuildService returns a service using the real provisioner for cfg, the
// pty spawner and the default key locations.
func NewBuildService(cfg install.Config, logger *slog.Logger) (*BuildService, error) {
	provisioner, err := provision.New(cfg, logger)
	if err != nil {
		return nil, err
	}
	return &BuildService{
		Logger:      logger,
		Provisioner: provisioner,
		Keys:        sshkeys.Locator{},
		Spawner:     console.PTYSpawner{},
	}, nil
}

// Run installs Arch Linux onto the disk image cfg describes. The credential
// material is checked before anything is downloaded, created or spawned.
func (s *BuildService) Run(ctx context.Context, cfg install.Config) (BuildOutput, error) {
	logger := s.logger()

	if err := cfg.Validate(); err != nil {
		return BuildOutput{}, &BuildError{Stage: StageConfig, Err: err}
	}
	architecture, err := arch.Parse(cfg.Architecture)
	if err != nil {
		return BuildOutput{}, &BuildError{Stage: StageConfig, Err: err}
	}
	diskSize, err := cfg.DiskSizeBytes()
	if err != nil {
		return BuildOutput{}, &BuildError{Stage: StageConfig, Err: err}
	}
	diskPath, err := filepath.Abs(cfg.ImagePath)
	if err != nil {
		return BuildOutput{}, &BuildError{Stage: StageConfig, Err: fmt.Errorf("resolve image path: %w", err)}
	}
	logger = logger.With("image", diskPath, "architecture", architecture.String())

	keys, err := s.keys().Locate(cfg.SSHKeyPath)
	if err != nil {
		return BuildOutput{}, &BuildError{Stage: StageKeys, Err: err}
	}
	logger.Info("located ssh key pair", "key", keys.Name)

	host, err := s.verifyHost()(architecture)
	if err != nil {
		return BuildOutput{}, &BuildError{Stage: StageHost, Err: err}
	}

	// Render against the medium's expected path before provisioning: a config
	// that can not render must not trigger a download.
	dir := filepath.Dir(diskPath)
	extras, err := install.LoadExtras(dir)
	if err != nil {
		return BuildOutput{}, &BuildError{Stage: StageRender, Err: err}
	}
	installCtx, steps, err := s.renderScript(cfg, filepath.Join(dir, provision.MediumFileName(architecture)), keys, extras)
	if err != nil {
		return BuildOutput{}, &BuildError{Stage: StageRender, Err: err}
	}
	logger.Info("rendered install script", "steps", len(steps), "packages", len(installCtx.Packages()))

	if s.Provisioner == nil {
		return BuildOutput{}, &BuildError{Stage: StageProvision, Err: errors.New("no provisioner configured")}
	}
	artifacts, err := s.Provisioner.Provision(ctx, provision.Request{
		Architecture: architecture,
		DiskPath:     diskPath,
		DiskSize:     diskSize,
		NetNS:        cfg.NetNS,
	})
	if err != nil {
		return BuildOutput{}, &BuildError{Stage: StageProvision, Err: err}
	}
	logger.Info("installation inputs ready",
		"medium", artifacts.MediumPath,
		"medium_downloaded", artifacts.MediumDownloaded,
		"disk_created", artifacts.DiskCreated,
	)

	if artifacts.MediumPath != installCtx.MediumPath {
		installCtx, steps, err = s.renderScript(cfg, artifacts.MediumPath, keys, extras)
		if err != nil {
			return BuildOutput{}, &BuildError{Stage: StageRender, Err: err}
		}
	}

	command, emulated := qemu.BuildCommand(installCtx, host, cfg.NetNS)
	if emulated {
		logger.Warn("running the installer without hardware acceleration")
	}

	output := BuildOutput{
		Emulated:    emulated,
		Artifacts:   artifacts,
		LogPath:     filepath.Join(dir, install.LogFileName),
		MetricsPath: filepath.Join(dir, install.MetricsFileName),
	}

	for {
		output.Attempts++
		output.SessionID = uuid.NewString()
		sessionLogger := logger.With("session_id", output.SessionID, "attempt", output.Attempts)

		result, err := s.runSession(ctx, output, command, steps, cfg.ExpectTimeout, sessionLogger)
		output.Result = result
		output.Status = StatusOf(result)

		if err == nil && result.Status == console.Completed {
			sessionLogger.Info("installation completed", "elapsed", result.Elapsed.Round(time.Second))
			return output, nil
		}
		if result.Status == console.Cancelled || ctx.Err() != nil {
			return output, &BuildError{Stage: StageSession, SessionID: output.SessionID, Err: context.Canceled}
		}
		if s.ShouldRetry != nil && s.ShouldRetry(output.Attempts, result, err) {
			sessionLogger.Warn("session failed, retrying", "status", result.Status.String(), "error", err)
			continue
		}

		return output, &BuildError{Stage: StageSession, SessionID: output.SessionID, Err: errors.Join(result.Err(), err)}
	}
}

// runSession runs one console session with its own transcript section and
// metrics. An unopenable transcript aborts before the VM is spawned.
func (s *BuildService) runSession(ctx context.Context, output BuildOutput, command console.Command, steps []script.Step, timeout time.Duration, logger *slog.Logger) (console.Result, error) {
	transcript, err := sessionlog.Open(output.LogPath)
	if err != nil {
		return console.Result{StepIndex: -1}, err
	}

	recorder := metrics.NewRecorder(output.SessionID)
	engine := &console.Engine{
		Spawner:       s.Spawner,
		Timeout:       timeout,
		ShutdownGrace: s.ShutdownGrace,
		Observer:      recorder,
		Logger:        logger,
	}

	logger.Info("starting installer", "command", command.String(), "transcript", output.LogPath)
	result, runErr := engine.Run(ctx, command, steps, transcript)
	closeErr := transcript.Close()

	if err := recorder.WriteTextfile(output.MetricsPath); err != nil {
		logger.Warn("unable to write metrics", "path", output.MetricsPath, "error", err)
	}

	return result, errors.Join(runErr, closeErr)
}

func (s *BuildService) renderScript(cfg install.Config, mediumPath string, keys install.KeyMaterial, extras install.Extras) (install.Context, []script.Step, error) {
	installCtx, err := install.NewContext(cfg, mediumPath, keys, extras)
	if err != nil {
		return install.Context{}, nil, err
	}
	steps, err := s.render()(installCtx)
	if err != nil {
		return install.Context{}, nil, err
	}
	return installCtx, steps, nil
}

func (s *BuildService) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *BuildService) keys() KeyLocator {
	if s.Keys != nil {
		return s.Keys
	}
	return sshkeys.Locator{}
}

func (s *BuildService) verifyHost() HostVerifier {
	if s.VerifyHost != nil {
		return s.VerifyHost
	}
	return setup.Verify
}

func (s *BuildService) render() Renderer {
	if s.Render != nil {
		return s.Render
	}
	return script.Render
}
