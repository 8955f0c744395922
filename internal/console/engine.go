package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cochaviz/archbox/internal/logging"
	"github.com/cochaviz/archbox/internal/script"
)

const (
	// DefaultShutdownGrace is how long the child may take to exit on its own
	// after the last step.
	DefaultShutdownGrace = 2 * time.Minute

	readBufferSize = 4096
	chunkBacklog   = 256
	// exitDrain bounds how long output is still collected once the child
	// has exited.
	exitDrain = 250 * time.Millisecond
	// retainLimit is how much unmatched output is kept before the part that
	// can not start a match is dropped.
	retainLimit = 64 << 10
)

// Engine runs step scripts against a spawned process. It knows nothing about
// what the steps do.
type Engine struct {
	Spawner Spawner
	// Timeout applies to expect steps without their own; zero waits forever.
	Timeout time.Duration
	// ShutdownGrace overrides DefaultShutdownGrace.
	ShutdownGrace time.Duration
	Observer      Observer
	Logger        *slog.Logger
}

// Run spawns command, executes steps in order and tears the process down
// before returning. Every byte read from or written to the process is written
// to transcript first. The returned error is non-nil only when the session
// could not be run or recorded; the outcome of the script is in Result.
func (e *Engine) Run(ctx context.Context, command Command, steps []script.Step, transcript io.Writer) (Result, error) {
	if e.Spawner == nil {
		return Result{StepIndex: -1}, errors.New("console engine has no spawner")
	}
	if transcript == nil {
		transcript = io.Discard
	}
	observer := e.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	logger := logging.Ensure(e.Logger).With("command", command.Path)

	if err := ctx.Err(); err != nil {
		return Result{Status: Cancelled, StepIndex: -1}, nil
	}

	started := time.Now()
	proc, err := e.Spawner.Spawn(command)
	if err != nil {
		return Result{StepIndex: -1}, &SpawnError{Command: command.String(), Err: err}
	}
	logger.Info("process started", "pid", proc.Pid(), "steps", len(steps))

	s := newSession(proc, transcript, observer, logger)
	result := s.run(ctx, steps, e.Timeout, e.shutdownGrace())
	closeErr := s.close()
	result.Elapsed = time.Since(started)

	observer.SessionFinished(result)
	logger.Info("session finished",
		"status", result.Status.String(),
		"step", result.StepIndex,
		"elapsed", result.Elapsed.Round(time.Millisecond),
	)

	var errs []error
	if closeErr != nil {
		errs = append(errs, fmt.Errorf("tear down session: %w", closeErr))
	}
	if s.transcriptErr != nil {
		errs = append(errs, fmt.Errorf("write transcript: %w", s.transcriptErr))
	}
	return result, errors.Join(errs...)
}

func (e *Engine) shutdownGrace() time.Duration {
	if e.ShutdownGrace > 0 {
		return e.ShutdownGrace
	}
	return DefaultShutdownGrace
}
