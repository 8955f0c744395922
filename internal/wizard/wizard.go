// Package wizard asks the operator for the configuration values the config
// file and the flags left open. It uses charmbracelet/huh forms and is only
// run when stdin is a terminal.
package wizard

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/dustin/go-humanize"

	"github.com/cochaviz/archbox/arch"
	"github.com/cochaviz/archbox/internal/install"
)

var hostnameRegex = regexp.MustCompile(`^[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?$`)
var usernameRegex = regexp.MustCompile(`^[a-z_][a-z0-9_-]{0,31}$`)

// Answers holds the form fields. Numbers are kept as text while editing.
type Answers struct {
	ImagePath    string
	Architecture string
	DiskSize     string
	MemoryMB     string
	VCPUs        string

	Hostname     string
	Username     string
	RootPassword string
	UserPassword string
	Timezone     string
	Locale       string

	DisableKeyringChecks bool
}

// AnswersFrom pre-fills the form with cfg.
func AnswersFrom(cfg install.Config) Answers {
	a := Answers{
		ImagePath:            cfg.ImagePath,
		Architecture:         cfg.Architecture,
		DiskSize:             cfg.DiskSize,
		Hostname:             cfg.Hostname,
		Username:             cfg.Username,
		RootPassword:         cfg.RootPassword,
		UserPassword:         cfg.UserPassword,
		Timezone:             cfg.Timezone,
		Locale:               cfg.Locale,
		DisableKeyringChecks: cfg.DisableKeyringChecks,
	}
	if cfg.MemoryMB > 0 {
		a.MemoryMB = strconv.Itoa(cfg.MemoryMB)
	}
	if cfg.VCPUs > 0 {
		a.VCPUs = strconv.Itoa(cfg.VCPUs)
	}
	return a
}

// Apply writes the answers back onto cfg.
func (a Answers) Apply(cfg install.Config) (install.Config, error) {
	memory, err := strconv.Atoi(strings.TrimSpace(a.MemoryMB))
	if err != nil {
		return cfg, fmt.Errorf("memory: %w", err)
	}
	vcpus, err := strconv.Atoi(strings.TrimSpace(a.VCPUs))
	if err != nil {
		return cfg, fmt.Errorf("vcpus: %w", err)
	}

	cfg.ImagePath = strings.TrimSpace(a.ImagePath)
	cfg.Architecture = a.Architecture
	cfg.DiskSize = strings.TrimSpace(a.DiskSize)
	cfg.MemoryMB = memory
	cfg.VCPUs = vcpus
	cfg.Hostname = strings.TrimSpace(a.Hostname)
	cfg.Username = strings.TrimSpace(a.Username)
	cfg.RootPassword = a.RootPassword
	cfg.UserPassword = a.UserPassword
	cfg.Timezone = strings.TrimSpace(a.Timezone)
	cfg.Locale = strings.TrimSpace(a.Locale)
	cfg.DisableKeyringChecks = a.DisableKeyringChecks
	return cfg, nil
}

// Collect runs the form pre-filled with cfg and returns the edited config.
func Collect(ctx context.Context, cfg install.Config) (install.Config, error) {
	answers := AnswersFrom(cfg)
	if err := form(&answers).RunWithContext(ctx); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return cfg, context.Canceled
		}
		return cfg, fmt.Errorf("wizard: %w", err)
	}
	return answers.Apply(cfg)
}

func form(a *Answers) *huh.Form {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Disk image").
				Description("Path of the raw image to install onto; created if missing").
				Placeholder("./archlinux.img").
				Value(&a.ImagePath).
				Validate(validateRequired("disk image")),
			huh.NewSelect[string]().
				Title("Architecture").
				Options(architectureOptions()...).
				Value(&a.Architecture),
			huh.NewInput().
				Title("Disk size").
				Description("For example 20G or 32GiB").
				Value(&a.DiskSize).
				Validate(validateDiskSize),
			huh.NewInput().
				Title("Memory (MiB)").
				Value(&a.MemoryMB).
				Validate(validateAtLeast(512)),
			huh.NewInput().
				Title("vCPUs").
				Value(&a.VCPUs).
				Validate(validateAtLeast(1)),
		).Title("Virtual machine"),

		huh.NewGroup(
			huh.NewInput().
				Title("Hostname").
				Value(&a.Hostname).
				Validate(validateHostname),
			huh.NewInput().
				Title("Username").
				Description("Unprivileged account with sudo access").
				Value(&a.Username).
				Validate(validateUsername),
			huh.NewInput().
				Title("Root password").
				EchoMode(huh.EchoModePassword).
				Value(&a.RootPassword).
				Validate(validatePassword),
			huh.NewInput().
				Title("User password").
				EchoMode(huh.EchoModePassword).
				Value(&a.UserPassword).
				Validate(validatePassword),
		).Title("Accounts"),

		huh.NewGroup(
			huh.NewInput().
				Title("Timezone").
				Description("Zone under /usr/share/zoneinfo").
				Placeholder(install.DefaultTimezone).
				Value(&a.Timezone).
				Validate(validateRequired("timezone")),
			huh.NewInput().
				Title("Locale").
				Placeholder(install.DefaultLocale).
				Value(&a.Locale).
				Validate(validateRequired("locale")),
			huh.NewConfirm().
				Title("Disable pacman keyring checks?").
				Description("Faster and works offline from stale keys, but packages are not verified").
				Value(&a.DisableKeyringChecks),
		).Title("System"),
	)
}

func architectureOptions() []huh.Option[string] {
	supported := arch.Supported()
	options := make([]huh.Option[string], 0, len(supported))
	for _, a := range supported {
		options = append(options, huh.NewOption(a.String(), a.String()))
	}
	return options
}

func validateRequired(name string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", name)
		}
		return nil
	}
}

func validateDiskSize(s string) error {
	size, err := humanize.ParseBytes(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("not a size: %w", err)
	}
	if size < 2*humanize.GiByte {
		return errors.New("must be at least 2GiB")
	}
	return nil
}

func validateAtLeast(minimum int) func(string) error {
	return func(s string) error {
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return errors.New("must be a whole number")
		}
		if n < minimum {
			return fmt.Errorf("must be at least %d", minimum)
		}
		return nil
	}
}

func validateHostname(s string) error {
	if !hostnameRegex.MatchString(strings.TrimSpace(s)) {
		return errors.New("lowercase letters, digits and hyphens, at most 63 characters")
	}
	return nil
}

func validateUsername(s string) error {
	s = strings.TrimSpace(s)
	if s == "root" {
		return errors.New("must not be root")
	}
	if !usernameRegex.MatchString(s) {
		return errors.New("must start with a letter or underscore and use lowercase letters, digits, _ or -")
	}
	return nil
}

func validatePassword(s string) error {
	if s == "" {
		return errors.New("password is required")
	}
	if strings.ContainsAny(s, "\r\n") {
		return errors.New("password must be a single line")
	}
	return nil
}
