package console

import (
	"bytes"
	"errors"
	"io"
	"os"
	"sync"
)

// fakeProcess is an in-memory child. Output is queued with emit; onWrite
// lets a test script the child's reaction to input.
type fakeProcess struct {
	mu      sync.Mutex
	input   bytes.Buffer
	pending []byte
	onWrite func(p *fakeProcess, data []byte)

	output    chan []byte
	done      chan struct{}
	closed    chan struct{}
	exitOnce  sync.Once
	closeOnce sync.Once
	code      int
	killed    bool
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{
		output: make(chan []byte, 1024),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
}

func (p *fakeProcess) emit(s string) {
	if s != "" {
		p.output <- []byte(s)
	}
}

func (p *fakeProcess) exit(code int) {
	p.exitOnce.Do(func() {
		p.mu.Lock()
		p.code = code
		p.mu.Unlock()
		close(p.done)
	})
}

func (p *fakeProcess) Read(b []byte) (int, error) {
	p.mu.Lock()
	if len(p.pending) > 0 {
		n := copy(b, p.pending)
		p.pending = p.pending[n:]
		p.mu.Unlock()
		return n, nil
	}
	p.mu.Unlock()

	// queued output wins over close and exit
	var data []byte
	select {
	case data = <-p.output:
	default:
		select {
		case data = <-p.output:
		case <-p.closed:
			return 0, os.ErrClosed
		case <-p.done:
			select {
			case data = <-p.output:
			default:
				return 0, io.EOF
			}
		}
	}

	n := copy(b, data)
	p.mu.Lock()
	p.pending = append(p.pending, data[n:]...)
	p.mu.Unlock()
	return n, nil
}

func (p *fakeProcess) Write(b []byte) (int, error) {
	select {
	case <-p.done:
		return 0, errors.New("input/output error")
	case <-p.closed:
		return 0, os.ErrClosed
	default:
	}

	p.mu.Lock()
	p.input.Write(b)
	onWrite := p.onWrite
	p.mu.Unlock()

	if onWrite != nil {
		onWrite(p, b)
	}
	return len(b), nil
}

func (p *fakeProcess) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

func (p *fakeProcess) Pid() int {
	return 4242
}

func (p *fakeProcess) Wait() (int, error) {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code, nil
}

func (p *fakeProcess) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.exit(-1)
	return nil
}

func (p *fakeProcess) wasKilled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

func (p *fakeProcess) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

func (p *fakeProcess) received() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.input.String()
}

type fakeSpawner struct {
	proc    *fakeProcess
	err     error
	spawned []Command
}

func (s *fakeSpawner) Spawn(command Command) (Process, error) {
	s.spawned = append(s.spawned, command)
	if s.err != nil {
		return nil, s.err
	}
	return s.proc, nil
}

// syncBuffer is a transcript that tests can read while the engine writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
