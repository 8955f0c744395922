package console

import (
	"io"
	"strconv"
	"strings"
)

// Command describes the child the engine talks to.
type Command struct {
	Path string
	Args []string
	Env  []string
	Dir  string
	// NetNS is the name of a network namespace (as in /var/run/netns) to
	// start the child in. Empty keeps the caller's namespace.
	NetNS string
}

func (c Command) String() string {
	parts := make([]string, 0, len(c.Args)+1)
	for _, part := range append([]string{c.Path}, c.Args...) {
		if part == "" || strings.ContainsAny(part, " \t\n\"'") {
			part = strconv.Quote(part)
		}
		parts = append(parts, part)
	}
	return strings.Join(parts, " ")
}

// Process is a running child attached to a byte stream. Read returns the
// child's output and fails once the stream is gone; Write delivers input.
type Process interface {
	io.ReadWriteCloser
	Pid() int
	// Wait blocks until the child exits and returns its exit code, -1 when
	// it was killed by a signal.
	Wait() (int, error)
	// Kill terminates the child and everything it started.
	Kill() error
}

// Spawner starts processes.
type Spawner interface {
	Spawn(command Command) (Process, error)
}
