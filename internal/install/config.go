package install

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/cochaviz/archbox/arch"
)

// Defaults applied to any field left empty by the config file, the flags and
// the wizard.
const (
	DefaultArchitecture = "x86_64"
	DefaultDiskSize     = "20G"
	DefaultMemoryMB     = 2048
	DefaultVCPUs        = 2
	DefaultHostname     = "archbox"
	DefaultUsername     = "arch"
	DefaultTimezone     = "UTC"
	DefaultLocale       = "en_US.UTF-8"
	DefaultMirrorURL    = "https://geo.mirror.pkgbuild.com"
	DefaultDiskBackend  = DiskBackendFile
)

// Disk backends understood by the provisioner.
const (
	DiskBackendFile    = "file"
	DiskBackendLibvirt = "libvirt"
)

// Config is the operator-facing configuration. Every field can come from the
// YAML file, a flag or the interactive wizard; NewContext turns it into an
// immutable Context.
type Config struct {
	ImagePath    string `yaml:"image_path"`
	Architecture string `yaml:"architecture"`
	DiskSize     string `yaml:"disk_size"`
	MemoryMB     int    `yaml:"memory_mb"`
	VCPUs        int    `yaml:"vcpus"`

	Hostname     string `yaml:"hostname"`
	RootPassword string `yaml:"root_password"`
	Username     string `yaml:"username"`
	UserPassword string `yaml:"user_password"`
	Timezone     string `yaml:"timezone"`
	Locale       string `yaml:"locale"`

	MirrorURL            string `yaml:"mirror_url"`
	DisableKeyringChecks bool   `yaml:"disable_keyring_checks"`
	SSHKeyPath           string `yaml:"ssh_key_path"`

	// ExpectTimeout bounds every prompt wait; zero waits forever.
	ExpectTimeout time.Duration `yaml:"expect_timeout"`
	DiskBackend   string        `yaml:"disk_backend"`
	// NetNS names a network namespace the VM is started in.
	NetNS string `yaml:"netns"`
}

// ConfigError reports an invalid configuration value.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Field, e.Reason)
}

// LoadConfig reads a YAML config file. A missing path yields an empty Config.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, fmt.Errorf("config file %s does not exist", path)
		}
		return cfg, fmt.Errorf("read config file: %w", err)
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// Merge returns cfg with every non-zero field of override applied on top.
func (cfg Config) Merge(override Config) Config {
	merged := cfg
	setString := func(dst *string, src string) {
		if strings.TrimSpace(src) != "" {
			*dst = src
		}
	}
	setString(&merged.ImagePath, override.ImagePath)
	setString(&merged.Architecture, override.Architecture)
	setString(&merged.DiskSize, override.DiskSize)
	setString(&merged.Hostname, override.Hostname)
	setString(&merged.RootPassword, override.RootPassword)
	setString(&merged.Username, override.Username)
	setString(&merged.UserPassword, override.UserPassword)
	setString(&merged.Timezone, override.Timezone)
	setString(&merged.Locale, override.Locale)
	setString(&merged.MirrorURL, override.MirrorURL)
	setString(&merged.SSHKeyPath, override.SSHKeyPath)
	setString(&merged.DiskBackend, override.DiskBackend)
	setString(&merged.NetNS, override.NetNS)
	if override.ExpectTimeout > 0 {
		merged.ExpectTimeout = override.ExpectTimeout
	}
	if override.MemoryMB > 0 {
		merged.MemoryMB = override.MemoryMB
	}
	if override.VCPUs > 0 {
		merged.VCPUs = override.VCPUs
	}
	if override.DisableKeyringChecks {
		merged.DisableKeyringChecks = true
	}
	return merged
}

// WithDefaults fills the fields that have a sensible default. Credentials and
// the image path have none.
func (cfg Config) WithDefaults() Config {
	return Config{
		Architecture: DefaultArchitecture,
		DiskSize:     DefaultDiskSize,
		MemoryMB:     DefaultMemoryMB,
		VCPUs:        DefaultVCPUs,
		Hostname:     DefaultHostname,
		Username:     DefaultUsername,
		Timezone:     DefaultTimezone,
		Locale:       DefaultLocale,
		MirrorURL:    DefaultMirrorURL,
		DiskBackend:  DefaultDiskBackend,
	}.Merge(cfg)
}

// DiskSizeBytes parses DiskSize ("20G", "512MiB", ...).
func (cfg Config) DiskSizeBytes() (uint64, error) {
	size, err := humanize.ParseBytes(strings.TrimSpace(cfg.DiskSize))
	if err != nil {
		return 0, &ConfigError{Field: "disk_size", Reason: err.Error()}
	}
	if size < 2*humanize.GiByte {
		return 0, &ConfigError{Field: "disk_size", Reason: fmt.Sprintf("%s is too small for a base install (minimum 2GiB)", cfg.DiskSize)}
	}
	return size, nil
}

// Validate checks the fields NewContext relies on.
func (cfg Config) Validate() error {
	var errs []error
	if strings.TrimSpace(cfg.ImagePath) == "" {
		errs = append(errs, &ConfigError{Field: "image_path", Reason: "is required"})
	} else if filepath.Ext(cfg.ImagePath) == "" {
		errs = append(errs, &ConfigError{Field: "image_path", Reason: "should carry an extension such as .img or .raw"})
	}
	if _, err := arch.Parse(cfg.Architecture); err != nil {
		errs = append(errs, &ConfigError{Field: "architecture", Reason: err.Error()})
	}
	if _, err := cfg.DiskSizeBytes(); err != nil {
		errs = append(errs, err)
	}
	if cfg.MemoryMB < 512 {
		errs = append(errs, &ConfigError{Field: "memory_mb", Reason: "must be at least 512"})
	}
	if cfg.VCPUs < 1 {
		errs = append(errs, &ConfigError{Field: "vcpus", Reason: "must be at least 1"})
	}
	if cfg.Username == "root" {
		errs = append(errs, &ConfigError{Field: "username", Reason: "must not be root"})
	}
	if !strings.HasPrefix(cfg.MirrorURL, "http://") && !strings.HasPrefix(cfg.MirrorURL, "https://") {
		errs = append(errs, &ConfigError{Field: "mirror_url", Reason: "must be an http(s) URL"})
	}
	if cfg.ExpectTimeout < 0 {
		errs = append(errs, &ConfigError{Field: "expect_timeout", Reason: "must not be negative"})
	}
	switch cfg.DiskBackend {
	case DiskBackendFile, DiskBackendLibvirt:
	default:
		errs = append(errs, &ConfigError{Field: "disk_backend", Reason: fmt.Sprintf("%q is not one of %s, %s", cfg.DiskBackend, DiskBackendFile, DiskBackendLibvirt)})
	}
	return errors.Join(errs...)
}
