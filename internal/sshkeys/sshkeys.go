// Package sshkeys finds the operator's SSH key pair that is installed into
// the guest.
package sshkeys

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/cochaviz/archbox/internal/install"
)

// DefaultKeyNames are tried in order when no key path is configured.
var DefaultKeyNames = []string{"id_ed25519", "id_ecdsa", "id_rsa"}

// Locator searches a directory for key pairs.
type Locator struct {
	// Dir is searched when no explicit path is given; empty means ~/.ssh.
	Dir string
}

// Locate returns the key pair at privatePath, or the first default key pair
// in ~/.ssh when privatePath is empty.
func Locate(privatePath string) (install.KeyMaterial, error) {
	return Locator{}.Locate(privatePath)
}

func (l Locator) Locate(privatePath string) (install.KeyMaterial, error) {
	privatePath = strings.TrimSpace(privatePath)
	if privatePath != "" {
		if !pairExists(privatePath) {
			return install.KeyMaterial{}, MissingKeyError{Searched: []string{privatePath}}
		}
		return load(privatePath)
	}

	dir, err := l.dir()
	if err != nil {
		return install.KeyMaterial{}, err
	}
	var searched []string
	for _, name := range DefaultKeyNames {
		candidate := filepath.Join(dir, name)
		searched = append(searched, candidate)
		if pairExists(candidate) {
			return load(candidate)
		}
	}
	return install.KeyMaterial{}, MissingKeyError{Searched: searched}
}

func (l Locator) dir() (string, error) {
	if l.Dir != "" {
		return l.Dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("%w: resolve home directory: %v", ErrMissingCredentialMaterial, err)
	}
	return filepath.Join(home, ".ssh"), nil
}

func pairExists(privatePath string) bool {
	for _, path := range []string{privatePath, privatePath + ".pub"} {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			return false
		}
	}
	return true
}

func load(privatePath string) (install.KeyMaterial, error) {
	publicPath := privatePath + ".pub"

	privateData, err := os.ReadFile(privatePath)
	if err != nil {
		return install.KeyMaterial{}, KeyReadError{Path: privatePath, Err: err}
	}
	publicData, err := os.ReadFile(publicPath)
	if err != nil {
		return install.KeyMaterial{}, KeyReadError{Path: publicPath, Err: err}
	}

	public, _, _, _, err := ssh.ParseAuthorizedKey(publicData)
	if err != nil {
		return install.KeyMaterial{}, KeyParseError{Path: publicPath, Err: err}
	}

	derived, err := derivePublicKey(privateData)
	if err != nil {
		return install.KeyMaterial{}, KeyParseError{Path: privatePath, Err: err}
	}
	if derived != nil && !bytes.Equal(derived.Marshal(), public.Marshal()) {
		return install.KeyMaterial{}, KeyMismatchError{PrivatePath: privatePath, PublicPath: publicPath}
	}

	return install.KeyMaterial{
		Name:    filepath.Base(privatePath),
		Public:  string(publicData),
		Private: string(privateData),
	}, nil
}

// derivePublicKey returns the public half of a private key. Encrypted keys
// are accepted as they are copied, not used; their public half is only known
// for the OpenSSH format, otherwise nil is returned.
func derivePublicKey(privateData []byte) (ssh.PublicKey, error) {
	raw, err := ssh.ParseRawPrivateKey(privateData)
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return missing.PublicKey, nil
		}
		return nil, err
	}
	signer, err := ssh.NewSignerFromKey(raw)
	if err != nil {
		return nil, err
	}
	return signer.PublicKey(), nil
}
