package build

import (
	"github.com/cochaviz/archbox/internal/console"
	"github.com/cochaviz/archbox/internal/provision"
)

// BuildStatus captures the overall outcome of an install run.
type BuildStatus string

// Supported build statuses.
const (
	BuildStatusSucceeded BuildStatus = "succeeded"
	BuildStatusFailed    BuildStatus = "failed"
	BuildStatusCancelled BuildStatus = "cancelled"
)

// StatusOf maps a session result onto a build status.
func StatusOf(result console.Result) BuildStatus {
	switch result.Status {
	case console.Completed:
		return BuildStatusSucceeded
	case console.Cancelled:
		return BuildStatusCancelled
	default:
		return BuildStatusFailed
	}
}

// BuildOutput describes a finished run: the prepared artifacts, the last
// session's result and the files written next to the disk image.
type BuildOutput struct {
	SessionID   string
	Status      BuildStatus
	Result      console.Result
	Attempts    int
	Emulated    bool
	Artifacts   provision.Artifacts
	LogPath     string
	MetricsPath string
}
