package install

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/cochaviz/archbox/arch"
)

// Files the installer looks for next to the disk image.
const (
	PackagesFileName    = "packages.txt"
	PostInstallFileName = "post-install.sh"
	LogFileName         = "install.log"
	MetricsFileName     = "install.prom"
)

// DefaultPackages are installed on top of the pacstrap base because later
// steps depend on them (bootloader, network, sshd).
var DefaultPackages = []string{"grub", "openssh", "dhcpcd", "sudo"}

// KeyMaterial is the SSH key pair copied into the guest.
type KeyMaterial struct {
	// Name is the file name of the private key inside ~/.ssh, e.g. id_ed25519.
	Name    string
	Public  string
	Private string
}

// Extras holds the optional operator files found next to the disk image.
type Extras struct {
	Packages          []string
	PostInstallScript string
}

// Context is everything the step script needs. It is built once by
// NewContext and passed by value; all fields are plain strings so a copy can
// not alias the original.
type Context struct {
	Architecture arch.Architecture
	MediumPath   string
	DiskPath     string
	MemoryMB     int
	VCPUs        int

	Hostname     string
	RootPassword string
	Username     string
	UserPassword string
	Timezone     string
	Locale       string

	DisableKeyringChecks bool

	SSHKeyName    string
	SSHPublicKey  string
	SSHPrivateKey string

	// PackageList is newline separated, default packages first.
	PackageList       string
	PostInstallScript string
}

// NewContext resolves cfg, the located key pair and the extras into a Context.
func NewContext(cfg Config, mediumPath string, keys KeyMaterial, extras Extras) (Context, error) {
	if err := cfg.Validate(); err != nil {
		return Context{}, err
	}
	architecture, err := arch.Parse(cfg.Architecture)
	if err != nil {
		return Context{}, err
	}
	diskPath, err := filepath.Abs(cfg.ImagePath)
	if err != nil {
		return Context{}, fmt.Errorf("resolve image path: %w", err)
	}

	return Context{
		Architecture:         architecture,
		MediumPath:           mediumPath,
		DiskPath:             diskPath,
		MemoryMB:             cfg.MemoryMB,
		VCPUs:                cfg.VCPUs,
		Hostname:             cfg.Hostname,
		RootPassword:         cfg.RootPassword,
		Username:             cfg.Username,
		UserPassword:         cfg.UserPassword,
		Timezone:             cfg.Timezone,
		Locale:               cfg.Locale,
		DisableKeyringChecks: cfg.DisableKeyringChecks,
		SSHKeyName:           keys.Name,
		SSHPublicKey:         strings.TrimSpace(keys.Public),
		SSHPrivateKey:        strings.TrimRight(keys.Private, "\r\n"),
		PackageList:          strings.Join(mergePackages(DefaultPackages, extras.Packages), "\n"),
		PostInstallScript:    extras.PostInstallScript,
	}, nil
}

// Packages splits PackageList back into names.
func (c Context) Packages() []string {
	return strings.Fields(c.PackageList)
}

// Dir is the directory holding the disk image and its companion files.
func (c Context) Dir() string {
	return filepath.Dir(c.DiskPath)
}

// LoadExtras reads packages.txt and post-install.sh from dir. Both are optional.
func LoadExtras(dir string) (Extras, error) {
	var extras Extras

	packages, err := readOptional(filepath.Join(dir, PackagesFileName))
	if err != nil {
		return extras, err
	}
	extras.Packages = ParsePackageList(packages)

	script, err := readOptional(filepath.Join(dir, PostInstallFileName))
	if err != nil {
		return extras, err
	}
	if strings.TrimSpace(script) != "" {
		extras.PostInstallScript = script
	}
	return extras, nil
}

// ParsePackageList accepts whitespace separated names; # starts a comment.
func ParsePackageList(text string) []string {
	var packages []string
	for _, line := range strings.Split(text, "\n") {
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = line[:idx]
		}
		packages = append(packages, strings.Fields(line)...)
	}
	return packages
}

func mergePackages(lists ...[]string) []string {
	seen := map[string]struct{}{}
	var merged []string
	for _, list := range lists {
		for _, name := range list {
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			merged = append(merged, name)
		}
	}
	return merged
}

func readOptional(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(data), nil
}
