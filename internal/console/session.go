package console

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cochaviz/archbox/internal/logging"
	"github.com/cochaviz/archbox/internal/script"
)

type exitStatus struct {
	code int
	err  error
}

// session is one run of a script against one process. The reader and waiter
// goroutines feed it through channels; everything else happens on the
// goroutine that called Engine.Run.
type session struct {
	proc     Process
	observer Observer
	logger   *slog.Logger

	transcriptMu  sync.Mutex
	transcript    io.Writer
	transcriptErr error

	chunks     chan []byte
	stop       chan struct{}
	readerDone chan struct{}
	exited     chan exitStatus
	writers    sync.WaitGroup

	// exit is set once the waiter reported.
	exit *exitStatus
	// buf holds output not yet consumed by a match.
	buf   []byte
	index int
}

func newSession(proc Process, transcript io.Writer, observer Observer, logger *slog.Logger) *session {
	s := &session{
		proc:       proc,
		observer:   observer,
		logger:     logger,
		transcript: transcript,
		chunks:     make(chan []byte, chunkBacklog),
		stop:       make(chan struct{}),
		readerDone: make(chan struct{}),
		exited:     make(chan exitStatus, 1),
		index:      -1,
	}
	go s.read()
	go s.wait()
	return s
}

func (s *session) read() {
	defer close(s.readerDone)
	defer close(s.chunks)

	buffer := make([]byte, readBufferSize)
	for {
		n, err := s.proc.Read(buffer)
		if n > 0 {
			chunk := bytes.Clone(buffer[:n])
			s.record(chunk)
			s.observer.BytesRead(n)
			select {
			case s.chunks <- chunk:
			case <-s.stop:
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				s.logger.Debug("stream read ended", "error", err)
			}
			return
		}
	}
}

func (s *session) wait() {
	code, err := s.proc.Wait()
	s.exited <- exitStatus{code: code, err: err}
}

func (s *session) record(data []byte) {
	s.transcriptMu.Lock()
	defer s.transcriptMu.Unlock()
	if s.transcriptErr != nil {
		return
	}
	if _, err := s.transcript.Write(data); err != nil {
		s.transcriptErr = err
		s.logger.Warn("transcript write failed, further output is not recorded", "error", err)
	}
}

// exitChan is nil once the exit status was received, so selects stop
// waiting on it.
func (s *session) exitChan() <-chan exitStatus {
	if s.exit != nil {
		return nil
	}
	return s.exited
}

func (s *session) setExit(status exitStatus) {
	s.exit = &status
	if status.err != nil {
		s.logger.Warn("waiting for process failed", "error", status.err)
		return
	}
	s.logger.Debug("process exited", "code", status.code)
}

func (s *session) run(ctx context.Context, steps []script.Step, timeout, grace time.Duration) Result {
	for i, step := range steps {
		s.index = i
		s.observer.StepStarted(i, step)
		begin := time.Now()

		var (
			result Result
			ended  bool
		)
		switch step.Kind {
		case script.KindExpect:
			stepTimeout := timeout
			if step.Timeout > 0 {
				stepTimeout = step.Timeout
			}
			result, ended = s.expect(ctx, step, stepTimeout)
		case script.KindSend:
			result, ended = s.send(ctx, step)
		default:
			s.logger.Warn("skipping step of unknown kind", "step", i, "kind", step.Kind.String())
		}

		s.observer.StepFinished(i, step, time.Since(begin))
		if ended {
			return result
		}
	}
	return s.shutdown(ctx, grace)
}

func (s *session) result(status Status) Result {
	r := Result{Status: status, StepIndex: s.index}
	if s.exit != nil {
		r.ExitCode = s.exit.code
	}
	return r
}

func (s *session) expect(ctx context.Context, step script.Step, timeout time.Duration) (Result, bool) {
	m := CompileGlob(step.Pattern).matcher()
	s.logger.Debug("expect", "step", s.index, "pattern", step.Pattern)

	if s.consume(m) {
		return Result{}, false
	}
	if s.exit != nil {
		return s.afterExit(m)
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return s.result(Cancelled), true
		case <-deadline:
			r := s.result(TimedOut)
			r.Pattern = step.Pattern
			s.logger.Warn("timed out waiting for pattern", "step", s.index, "pattern", step.Pattern, "timeout", timeout)
			return r, true
		case chunk, ok := <-s.chunks:
			if !ok {
				// the stream is gone; only the exit status can still arrive
				s.chunks = nil
				continue
			}
			s.buf = append(s.buf, chunk...)
			if s.consume(m) {
				return Result{}, false
			}
		case status := <-s.exitChan():
			s.setExit(status)
			return s.afterExit(m)
		}
	}
}

// afterExit gives output that was already on its way a chance to satisfy the
// pending expect before the session is declared over.
func (s *session) afterExit(m *matcher) (Result, bool) {
	if s.drain(m) {
		return Result{}, false
	}
	return s.result(ProcessExited), true
}

func (s *session) drain(m *matcher) bool {
	timer := time.NewTimer(exitDrain)
	defer timer.Stop()
	for s.chunks != nil {
		select {
		case chunk, ok := <-s.chunks:
			if !ok {
				s.chunks = nil
				continue
			}
			s.buf = append(s.buf, chunk...)
			if s.consume(m) {
				return true
			}
		case <-timer.C:
			return false
		}
	}
	return false
}

// consume advances m over the buffer and drops everything up to the end of
// a match.
func (s *session) consume(m *matcher) bool {
	if m.advance(s.buf) {
		s.buf = bytes.Clone(s.buf[m.pos:])
		return true
	}
	if n := m.discard(); n > retainLimit {
		s.buf = bytes.Clone(s.buf[n:])
		m.shift(n)
	}
	return false
}

func (s *session) send(ctx context.Context, step script.Step) (Result, bool) {
	if ctx.Err() != nil {
		return s.result(Cancelled), true
	}

	var payload any = step.Text
	if step.Secret {
		payload = logging.Secret(step.Text)
	}
	s.logger.Debug("send", "step", s.index, "payload", payload)

	data := step.Payload()
	s.record(data)
	written := make(chan error, 1)
	s.writers.Add(1)
	go func() {
		defer s.writers.Done()
		_, err := s.proc.Write(data)
		written <- err
	}()

	for {
		select {
		case <-ctx.Done():
			return s.result(Cancelled), true
		case chunk, ok := <-s.chunks:
			// keep reading so a child blocked on output can take our input
			if !ok {
				s.chunks = nil
				continue
			}
			s.buf = append(s.buf, chunk...)
		case err := <-written:
			if err != nil {
				s.logger.Debug("write failed", "step", s.index, "error", err)
				return s.afterWriteFailure(ctx)
			}
			return Result{}, false
		}
	}
}

// afterWriteFailure waits briefly for the exit status that usually explains
// a failed write. A child that is still running with a broken stream is
// reported as exited too; it is killed on teardown.
func (s *session) afterWriteFailure(ctx context.Context) (Result, bool) {
	if s.exit == nil {
		timer := time.NewTimer(time.Second)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return s.result(Cancelled), true
		case status := <-s.exitChan():
			s.setExit(status)
		case <-timer.C:
			r := s.result(ProcessExited)
			r.ExitCode = -1
			return r, true
		}
	}
	return s.result(ProcessExited), true
}

// shutdown keeps draining output after the last step until the child exits
// or the grace period runs out.
func (s *session) shutdown(ctx context.Context, grace time.Duration) Result {
	if s.exit != nil {
		return s.result(Completed)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return s.result(Cancelled)
		case _, ok := <-s.chunks:
			if !ok {
				s.chunks = nil
			}
		case status := <-s.exitChan():
			s.setExit(status)
			return s.result(Completed)
		case <-timer.C:
			s.logger.Warn("process still running after the last step, killing it", "grace", grace)
			return s.result(Completed)
		}
	}
}

// close kills whatever is left of the process group, closes the stream and
// joins every helper goroutine.
func (s *session) close() error {
	var errs []error
	if err := s.proc.Kill(); err != nil {
		errs = append(errs, err)
	}
	close(s.stop)
	if err := s.proc.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		errs = append(errs, err)
	}
	<-s.readerDone
	s.writers.Wait()
	if s.exit == nil {
		s.setExit(<-s.exited)
	}
	return errors.Join(errs...)
}
