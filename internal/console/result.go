package console

import (
	"context"
	"fmt"
	"time"
)

// Status is the terminal outcome of a session.
type Status int

const (
	Completed Status = iota
	TimedOut
	ProcessExited
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Completed:
		return "completed"
	case TimedOut:
		return "timed_out"
	case ProcessExited:
		return "process_exited"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Result describes how a session ended.
type Result struct {
	Status Status
	// StepIndex is the last step that was started, -1 if none was.
	StepIndex int
	// Pattern is the awaited pattern when Status is TimedOut.
	Pattern string
	// ExitCode is set when the child exited on its own.
	ExitCode int
	Elapsed  time.Duration
}

// Err converts a non-successful result into its error.
func (r Result) Err() error {
	switch r.Status {
	case Completed:
		return nil
	case TimedOut:
		return &TimeoutError{StepIndex: r.StepIndex, Pattern: r.Pattern}
	case ProcessExited:
		return &ExitError{StepIndex: r.StepIndex, Code: r.ExitCode}
	case Cancelled:
		return context.Canceled
	default:
		return fmt.Errorf("session ended with %s", r.Status)
	}
}

// SpawnError reports that the child could not be started; no step ran.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// TimeoutError reports an expect step whose pattern never appeared.
type TimeoutError struct {
	StepIndex int
	Pattern   string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("step %d: timed out waiting for %q", e.StepIndex, e.Pattern)
}

// ExitError reports a child that exited before the script finished.
type ExitError struct {
	StepIndex int
	Code      int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("step %d: process exited with code %d", e.StepIndex, e.Code)
}
