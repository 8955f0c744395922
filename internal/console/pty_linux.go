//go:build linux

package console

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"syscall"

	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"
)

// PTYSpawner starts commands with a pseudo-terminal as their controlling
// terminal, in a new session and process group.
type PTYSpawner struct {
	// Columns and Rows set the terminal size; zero keeps the kernel default.
	Columns uint16
	Rows    uint16
}

func (s PTYSpawner) Spawn(command Command) (Process, error) {
	master, slavePath, err := openPTY()
	if err != nil {
		return nil, fmt.Errorf("allocate PTY: %w", err)
	}

	slave, err := os.OpenFile(slavePath, os.O_RDWR, 0)
	if err != nil {
		master.Close()
		return nil, fmt.Errorf("open PTY slave %s: %w", slavePath, err)
	}

	if s.Columns > 0 && s.Rows > 0 {
		if err := setWindowSize(master, s.Columns, s.Rows); err != nil {
			slave.Close()
			master.Close()
			return nil, fmt.Errorf("set PTY size: %w", err)
		}
	}

	cmd := exec.Command(command.Path, command.Args...)
	cmd.Env = command.Env
	cmd.Dir = command.Dir
	cmd.Stdin = slave
	cmd.Stdout = slave
	cmd.Stderr = slave
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid:  true,
		Setctty: true,
		Ctty:    0,
	}

	if command.NetNS != "" {
		err = startInNamespace(cmd, command.NetNS)
	} else {
		err = cmd.Start()
	}
	// the child holds its own copies of the slave
	slave.Close()
	if err != nil {
		master.Close()
		return nil, err
	}

	return &ptyProcess{master: master, cmd: cmd}, nil
}

// startInNamespace forks from an OS thread switched into the named network
// namespace, so only the child ends up there. The switch happens on a
// dedicated goroutine whose thread is discarded if it can not switch back.
func startInNamespace(cmd *exec.Cmd, name string) error {
	result := make(chan error, 1)
	go func() {
		runtime.LockOSThread()
		restored, err := startLocked(cmd, name)
		if restored {
			runtime.UnlockOSThread()
		}
		result <- err
	}()
	return <-result
}

func startLocked(cmd *exec.Cmd, name string) (restored bool, err error) {
	origin, err := netns.Get()
	if err != nil {
		return true, fmt.Errorf("get current network namespace: %w", err)
	}
	defer origin.Close()

	target, err := netns.GetFromName(name)
	if err != nil {
		return true, fmt.Errorf("open network namespace %s: %w", name, err)
	}
	defer target.Close()

	if err := netns.Set(target); err != nil {
		return true, fmt.Errorf("enter network namespace %s: %w", name, err)
	}

	startErr := cmd.Start()
	if err := netns.Set(origin); err != nil {
		return false, errors.Join(startErr, fmt.Errorf("restore network namespace: %w", err))
	}
	return true, startErr
}

type ptyProcess struct {
	master *os.File
	cmd    *exec.Cmd
}

func (p *ptyProcess) Read(b []byte) (int, error) {
	n, err := p.master.Read(b)
	if err != nil && errors.Is(err, syscall.EIO) {
		// EIO is how the master reports that every slave descriptor closed
		return n, fmt.Errorf("pty closed: %w", err)
	}
	return n, err
}

func (p *ptyProcess) Write(b []byte) (int, error) {
	return p.master.Write(b)
}

func (p *ptyProcess) Close() error {
	return p.master.Close()
}

func (p *ptyProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *ptyProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

// Kill signals the whole process group; the child is its leader.
func (p *ptyProcess) Kill() error {
	err := unix.Kill(-p.cmd.Process.Pid, unix.SIGKILL)
	if err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("kill process group %d: %w", p.cmd.Process.Pid, err)
	}
	return nil
}

// openPTY allocates a PTY master/slave pair using the Linux devpts interface.
// Returns the master as an *os.File and the filesystem path to the slave.
// The ioctls go through SyscallConn so the master stays in the runtime
// poller and Close unblocks a pending Read.
func openPTY() (master *os.File, slavePath string, err error) {
	master, err = os.OpenFile("/dev/ptmx", os.O_RDWR|syscall.O_NOCTTY, 0)
	if err != nil {
		return nil, "", fmt.Errorf("open /dev/ptmx: %w", err)
	}

	var ptyNumber int
	err = control(master, func(fd int) error {
		var ioctlErr error
		ptyNumber, ioctlErr = unix.IoctlGetInt(fd, unix.TIOCGPTN)
		if ioctlErr != nil {
			return fmt.Errorf("get PTY number (TIOCGPTN): %w", ioctlErr)
		}
		if ioctlErr = unix.IoctlSetPointerInt(fd, unix.TIOCSPTLCK, 0); ioctlErr != nil {
			return fmt.Errorf("unlock PTY slave (TIOCSPTLCK): %w", ioctlErr)
		}
		return nil
	})
	if err != nil {
		master.Close()
		return nil, "", err
	}

	slavePath = fmt.Sprintf("/dev/pts/%d", ptyNumber)
	return master, slavePath, nil
}

func setWindowSize(master *os.File, columns, rows uint16) error {
	return control(master, func(fd int) error {
		return unix.IoctlSetWinsize(fd, unix.TIOCSWINSZ, &unix.Winsize{Col: columns, Row: rows})
	})
}

func control(file *os.File, fn func(fd int) error) error {
	raw, err := file.SyscallConn()
	if err != nil {
		return err
	}
	var fnErr error
	if err := raw.Control(func(fd uintptr) { fnErr = fn(int(fd)) }); err != nil {
		return err
	}
	return fnErr
}
