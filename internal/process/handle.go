package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/loykin/bugexd/internal/env"
)

// Running is returned by Poll while the tool has not exited yet.
const Running = -1

// killReapWait bounds how long Kill waits for the reaper after signalling.
const killReapWait = 200 * time.Millisecond

var (
	ErrMissingInput      = errors.New("missing input archive")
	ErrNotStarted        = errors.New("process not started")
	ErrAlreadyStarted    = errors.New("process already started")
	ErrResultFileMissing = errors.New("result file missing")
	ErrNotRunning        = errors.New("process not running")
)

// Handle owns one analysis tool process.
type Handle struct {
	spec       Spec
	resultPath string
	logPath    string

	mu        sync.Mutex
	cmd       *exec.Cmd
	waitDone  chan struct{} // closed by reap when cmd.Wait returns
	exitCode  int
	startedAt time.Time
}

// New validates s and returns an unstarted handle.
// A missing archive yields an error wrapping ErrMissingInput.
func New(s Spec) (*Handle, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(s.ArchivePath); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMissingInput, s.ArchivePath, err)
	}
	return &Handle{
		spec:       s,
		resultPath: filepath.Join(s.WorkDir, s.ResultFile()),
		logPath:    filepath.Join(s.WorkDir, s.logFileName()),
	}, nil
}

func (h *Handle) Name() string       { return h.spec.Name() }
func (h *Handle) Spec() Spec         { return h.spec }
func (h *Handle) ResultPath() string { return h.resultPath }
func (h *Handle) LogPath() string    { return h.logPath }

// PID returns the tool's pid, or 0 before Start.
func (h *Handle) PID() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cmd == nil || h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Start launches the tool without waiting for it.
func (h *Handle) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cmd != nil {
		return ErrAlreadyStarted
	}
	argv := h.spec.Args()
	// #nosec G204
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = h.spec.WorkDir
	if len(h.spec.Env) > 0 {
		cmd.Env = env.Merge(h.spec.Env)
	}
	cmd.WaitDelay = time.Second
	configureSysProcAttr(cmd)

	w, err := h.spec.Log.Writer(h.logPath)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(w, "BugEx Process Log - %s\n", h.Name())
	cmd.Stdout = w
	cmd.Stderr = w

	if err := cmd.Start(); err != nil {
		_ = w.Close()
		return fmt.Errorf("start %s: %w", h.Name(), err)
	}
	h.cmd = cmd
	h.waitDone = make(chan struct{})
	h.startedAt = time.Now()
	slog.Info("analysis tool started", "name", h.Name(), "pid", cmd.Process.Pid, "argv", argv)
	go h.reap(cmd, w, h.waitDone)
	return nil
}

func (h *Handle) reap(cmd *exec.Cmd, w io.Closer, done chan struct{}) {
	err := cmd.Wait()
	code := exitCode(cmd, err)
	_ = w.Close()
	h.mu.Lock()
	h.exitCode = code
	h.mu.Unlock()
	slog.Debug("analysis tool exited", "name", h.Name(), "code", code, "err", err)
	close(done)
}

// exitCode never returns Running; signal deaths map to 128+signal.
func exitCode(cmd *exec.Cmd, err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal())
		}
		if c := ee.ExitCode(); c >= 0 {
			return c
		}
	}
	if cmd.ProcessState != nil {
		if c := cmd.ProcessState.ExitCode(); c >= 0 {
			return c
		}
	}
	return 1
}

// Poll reports Running or the exit code without blocking.
func (h *Handle) Poll() (int, error) {
	h.mu.Lock()
	done := h.waitDone
	h.mu.Unlock()
	if done == nil {
		return 0, ErrNotStarted
	}
	select {
	case <-done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.exitCode, nil
	default:
		return Running, nil
	}
}

// Wait blocks until the tool exits or ctx is done.
func (h *Handle) Wait(ctx context.Context) (int, error) {
	h.mu.Lock()
	done := h.waitDone
	h.mu.Unlock()
	if done == nil {
		return 0, ErrNotStarted
	}
	select {
	case <-done:
		return h.Poll()
	case <-ctx.Done():
		return Running, ctx.Err()
	}
}

// Kill terminates the tool and its process group. It is a no-op after exit.
func (h *Handle) Kill() error {
	h.mu.Lock()
	cmd, done := h.cmd, h.waitDone
	h.mu.Unlock()
	if cmd == nil {
		return ErrNotStarted
	}
	select {
	case <-done:
		return nil
	default:
	}
	if err := killGroup(cmd.Process); err != nil {
		return fmt.Errorf("kill %s: %w", h.Name(), err)
	}
	select {
	case <-done:
	case <-time.After(killReapWait):
	}
	return nil
}

// ResultFileExists reports whether the tool left a regular result file.
func (h *Handle) ResultFileExists() bool {
	fi, err := os.Stat(h.resultPath)
	return err == nil && fi.Mode().IsRegular()
}

// ReadResultFile returns the result file content.
func (h *Handle) ReadResultFile() ([]byte, error) {
	b, err := os.ReadFile(filepath.Clean(h.resultPath))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrResultFileMissing, h.resultPath)
		}
		return nil, err
	}
	return b, nil
}

// StartedAt returns when Start succeeded, or the zero time.
func (h *Handle) StartedAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.startedAt
}
