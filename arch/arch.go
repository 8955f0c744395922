package arch

import (
	"fmt"
	"runtime"
	"sort"
	"strings"
)

// Architecture defines the set of guest architectures accepted by qemu.
type Architecture string

const (
	X86_64  Architecture = "x86_64"
	I686    Architecture = "i686"
	AArch64 Architecture = "aarch64"
)

// Supported returns the full list of supported architectures.
func Supported() []Architecture {
	return []Architecture{
		X86_64,
		I686,
		AArch64,
	}
}

// IsValid reports whether a matches a supported architecture value.
func (a Architecture) IsValid() bool {
	switch a {
	case X86_64, I686, AArch64:
		return true
	default:
		return false
	}
}

// String returns the architecture as string.
func (a Architecture) String() string {
	return string(a)
}

// QEMUBinary names the system emulator that runs guests of this architecture.
func (a Architecture) QEMUBinary() string {
	if a == I686 {
		return "qemu-system-i386"
	}
	return "qemu-system-" + string(a)
}

// GrubTarget returns the grub-install --target value for BIOS-style installs,
// or "" when the architecture has no such target.
func (a Architecture) GrubTarget() string {
	switch a {
	case X86_64, I686:
		return "i386-pc"
	default:
		return ""
	}
}

// Host returns the architecture of the running machine, or "" if it is not
// one of the supported guest architectures.
func Host() Architecture {
	return Normalize(runtime.GOARCH)
}

// Parse returns the canonical Architecture for the provided string or an error if unsupported.
func Parse(value string) (Architecture, error) {
	if arch := Normalize(value); arch != "" {
		return arch, nil
	}
	return "", fmt.Errorf("unsupported architecture %q (supported: %s)", value, strings.Join(supportedStrings(), ", "))
}

// MustParse is like Parse but panics on error.
func MustParse(value string) Architecture {
	arch, err := Parse(value)
	if err != nil {
		panic(err)
	}
	return arch
}

// Normalize maps a possibly ambiguous string into a canonical Architecture. Returns ""
// when the string cannot be normalized.
func Normalize(value string) Architecture {
	normalized := strings.ToLower(strings.TrimSpace(value))
	switch normalized {
	case string(X86_64), "x86-64", "amd64":
		return X86_64
	case "x86", "i386", "i486", "i586", string(I686), "386":
		return I686
	case string(AArch64), "arm64":
		return AArch64
	default:
		return ""
	}
}

func supportedStrings() []string {
	all := Supported()
	out := make([]string, 0, len(all))
	for _, a := range all {
		out = append(out, a.String())
	}
	sort.Strings(out)
	return out
}
