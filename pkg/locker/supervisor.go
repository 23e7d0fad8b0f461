package locker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"golang.org/x/sys/unix"
)

var (
	// ErrAlreadyRunning is returned by Start when a locker is still running.
	ErrAlreadyRunning = errors.New("locker is already running")

	// ErrNotRunning is returned by Terminate when no locker is running.
	ErrNotRunning = errors.New("locker is not running")
)

// Process identifies one spawned locker.
// ID is unique for the lifetime of the Supervisor, unlike PID which the OS may reuse.
type Process struct {
	ID  uint64
	PID int
}

// Exit describes the end of a locker process.
type Exit struct {
	Process

	// Code is the exit code, or -1 when the process was killed by a signal.
	Code int

	// Err is the error returned by waiting on the process, nil when it exited with status 0.
	Err error
}

func (e Exit) String() string {
	if e.Err != nil {
		return fmt.Sprintf("locker %d (pid %d) exited: %v", e.ID, e.PID, e.Err)
	}
	return fmt.Sprintf("locker %d (pid %d) exited with status %d", e.ID, e.PID, e.Code)
}

type tracked struct {
	Process
	cmd *exec.Cmd

	// done is closed once the process has exited, exit is valid after that.
	done chan struct{}
	exit Exit
}

func (t *tracked) exited() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Supervisor runs at most one locker process at a time.
//
// Every started process produces exactly one Exit on the Exits channel, whether it was terminated
// or exited on its own. The process stays tracked until that Exit is handed back through Reap, or
// until Poll notices it has exited.
//
// It is safe to call Supervisor's methods concurrently.
type Supervisor struct {
	mu      sync.Mutex
	current *tracked
	nextID  uint64

	exits  chan Exit
	closed chan struct{}
	once   sync.Once
}

func NewSupervisor() *Supervisor {
	return &Supervisor{
		exits:  make(chan Exit, 4),
		closed: make(chan struct{}),
	}
}

// Exits returns the channel on which process exits are delivered.
func (s *Supervisor) Exits() <-chan Exit {
	return s.exits
}

// Start spawns argv[0] with the arguments argv[1:].
// The locker inherits stdout and stderr of the current process.
func (s *Supervisor) Start(argv []string) (Process, error) {
	if len(argv) == 0 || argv[0] == "" {
		return Process{}, errors.New("locker command is empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil && !s.current.exited() {
		return Process{}, ErrAlreadyRunning
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return Process{}, fmt.Errorf("failed to start locker %s: %w", argv[0], err)
	}

	s.nextID++
	t := &tracked{
		Process: Process{ID: s.nextID, PID: cmd.Process.Pid},
		cmd:     cmd,
		done:    make(chan struct{}),
	}
	// An exited but unreaped predecessor is replaced; its Exit will not match in Reap.
	s.current = t

	go s.wait(t)

	return t.Process, nil
}

func (s *Supervisor) wait(t *tracked) {
	err := t.cmd.Wait()
	t.exit = Exit{
		Process: t.Process,
		Code:    t.cmd.ProcessState.ExitCode(),
		Err:     err,
	}
	close(t.done)

	select {
	case s.exits <- t.exit:
	case <-s.closed:
	}
}

// Terminate asks the running locker to exit by sending it SIGTERM.
// It does not wait for the process to exit; that is reported on Exits.
func (s *Supervisor) Terminate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil || s.current.exited() {
		return ErrNotRunning
	}

	if err := s.current.cmd.Process.Signal(unix.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return ErrNotRunning
		}
		return fmt.Errorf("failed to terminate locker (pid %d): %w", s.current.PID, err)
	}

	return nil
}

// IsRunning reports whether a locker is tracked and has not been observed to exit.
func (s *Supervisor) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.current != nil && !s.current.exited()
}

// Current returns the tracked process, if any.
func (s *Supervisor) Current() (Process, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return Process{}, false
	}
	return s.current.Process, true
}

// Reap stops tracking the process e belongs to.
// It returns false when e is stale: the process is not the one being tracked.
func (s *Supervisor) Reap(e Exit) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil || s.current.ID != e.ID {
		return false
	}

	s.current = nil
	return true
}

// Poll reaps the tracked process if it has already exited and returns its Exit.
// The same Exit is still delivered on Exits and will be stale by the time it is read.
func (s *Supervisor) Poll() (Exit, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil || !s.current.exited() {
		return Exit{}, false
	}

	e := s.current.exit
	s.current = nil
	return e, true
}

// Wait blocks until the tracked process exits or ctx is done. When the process exited, it is reaped
// like Poll does and its Exit is returned. The same Exit is still delivered on Exits.
func (s *Supervisor) Wait(ctx context.Context) (Exit, bool) {
	s.mu.Lock()
	t := s.current
	s.mu.Unlock()

	if t == nil {
		return Exit{}, false
	}

	select {
	case <-t.done:
	case <-ctx.Done():
		return Exit{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != t {
		// Reaped in the meantime.
		return Exit{}, false
	}

	s.current = nil
	return t.exit, true
}

// Close terminates a running locker and stops delivering exits.
// It does not wait for the locker to exit.
func (s *Supervisor) Close() error {
	err := s.Terminate()
	if errors.Is(err, ErrNotRunning) {
		err = nil
	}

	s.once.Do(func() {
		close(s.closed)
	})

	return err
}
