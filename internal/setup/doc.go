// Package setup checks that the host can run the installer VM.
//
// This package is a collection of host checks run once at start-up, and is
// therefore the only package that is allowed to call a package-level logger.
package setup
