package build

import "fmt"

// Stages of an install run, reported by BuildError.
const (
	StageConfig    = "config"
	StageKeys      = "keys"
	StageHost      = "host"
	StageProvision = "provision"
	StageRender    = "render"
	StageSession   = "session"
)

// A BuildError represents an error that occurred during one stage of the
// install.
type BuildError struct {
	Stage     string
	SessionID string
	Err       error
}

func (e *BuildError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("%s (session %s): %v", e.Stage, e.SessionID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *BuildError) Unwrap() error {
	return e.Err
}
