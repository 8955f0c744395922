package sshkeys

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMissingCredentialMaterial is returned when no usable key pair exists.
var ErrMissingCredentialMaterial = errors.New("missing SSH credential material")

// MissingKeyError lists the key pairs that were looked for.
type MissingKeyError struct {
	Searched []string
}

func (e MissingKeyError) Error() string {
	return fmt.Sprintf("%v: no key pair found (looked for %s)", ErrMissingCredentialMaterial, strings.Join(e.Searched, ", "))
}

func (e MissingKeyError) Unwrap() error {
	return ErrMissingCredentialMaterial
}

// KeyReadError indicates failure to load a key from disk.
type KeyReadError struct {
	Path string
	Err  error
}

func (e KeyReadError) Error() string {
	return fmt.Sprintf("read key %s failed: %v", e.Path, e.Err)
}

func (e KeyReadError) Unwrap() error {
	return e.Err
}

// KeyParseError indicates unsupported or corrupt key data. It matches both
// ErrMissingCredentialMaterial and the parser's error.
type KeyParseError struct {
	Path string
	Err  error
}

func (e KeyParseError) Error() string {
	return fmt.Sprintf("parse key %s failed: %v", e.Path, e.Err)
}

func (e KeyParseError) Unwrap() []error {
	return []error{ErrMissingCredentialMaterial, e.Err}
}

// KeyMismatchError reports a public key that does not belong to the private
// key next to it.
type KeyMismatchError struct {
	PrivatePath string
	PublicPath  string
}

func (e KeyMismatchError) Error() string {
	return fmt.Sprintf("public key %s does not match private key %s", e.PublicPath, e.PrivatePath)
}

func (e KeyMismatchError) Unwrap() error {
	return ErrMissingCredentialMaterial
}
