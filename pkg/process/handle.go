package process

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
)

// Handle is one spawned process. It owns the read ends of the child's
// stdout and stderr and records its exit code.
type Handle struct {
	name   string
	cmd    *exec.Cmd
	logger *slog.Logger

	stdout *lineLogger
	stderr *lineLogger

	mu       sync.Mutex
	exited   bool
	signaled bool

	done     chan struct{}
	exitCode int
	waitErr  error

	drainOnce sync.Once
	drained   sync.WaitGroup
	closeOnce sync.Once
}

func newHandle(name string, cmd *exec.Cmd, stdout, stderr *os.File, logger *slog.Logger) *Handle {
	return &Handle{
		name:     name,
		cmd:      cmd,
		logger:   logger,
		stdout:   newLineLogger(stdout, logger, "stdout"),
		stderr:   newLineLogger(stderr, logger, "stderr"),
		done:     make(chan struct{}),
		exitCode: -1,
	}
}

func (h *Handle) wait(observer Observer) {
	err := h.cmd.Wait()

	code := -1
	if h.cmd.ProcessState != nil {
		code = h.cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		h.waitErr = err
	}

	h.mu.Lock()
	h.exited = true
	h.exitCode = code
	h.mu.Unlock()

	h.logger.Debug("process exited", "exit_code", code)
	observer.ProcessExited(h.name, code)
	close(h.done)
}

// Name returns the base name of the executable.
func (h *Handle) Name() string { return h.name }

// Stdout returns the raw standard output of the process.
func (h *Handle) Stdout() io.Reader { return h.stdout }

// Stderr returns the raw standard error of the process.
func (h *Handle) Stderr() io.Reader { return h.stderr }

// Done returns a channel that is closed once the process has been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the process exits and returns its exit code.
// A signaled process reports -1.
func (h *Handle) Wait() (int, error) {
	<-h.done
	return h.exitCode, h.waitErr
}

// ExitCode returns the exit code, or -1 while the process is running.
func (h *Handle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

// Terminate sends SIGTERM to the process. The signal is sent at most once
// and never after the process has been reaped. It reports whether a signal
// was delivered.
func (h *Handle) Terminate() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.exited || h.signaled {
		return false
	}
	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// os.ErrProcessDone: reaped between Wait returning and exited being set.
		return false
	}
	h.signaled = true
	h.logger.Info("terminated process")
	return true
}

// Drain consumes both output streams in the background. Lines are still
// logged. Safe to call more than once.
func (h *Handle) Drain() {
	h.drainOnce.Do(func() {
		h.drained.Add(2)
		go h.discard(h.stdout)
		go h.discard(h.stderr)
	})
}

func (h *Handle) discard(r io.Reader) {
	defer h.drained.Done()
	_, _ = io.Copy(io.Discard, r)
}

func (h *Handle) waitDrained() {
	h.drained.Wait()
}

// Close releases the output streams. Pending reads return an error.
func (h *Handle) Close() {
	h.closeOnce.Do(func() {
		h.stdout.close()
		h.stderr.close()
	})
}

// lineLogger passes bytes through unchanged and logs every complete line
// in sanitized form.
type lineLogger struct {
	f       *os.File
	logger  *slog.Logger
	stream  string
	partial []byte
}

func newLineLogger(f *os.File, logger *slog.Logger, stream string) *lineLogger {
	return &lineLogger{f: f, logger: logger, stream: stream}
}

func (l *lineLogger) Read(p []byte) (int, error) {
	n, err := l.f.Read(p)
	if n > 0 {
		l.log(p[:n])
	}
	if err != nil {
		if len(l.partial) > 0 {
			l.emit(l.partial)
			l.partial = nil
		}
		if errors.Is(err, os.ErrClosed) {
			err = io.EOF
		}
	}
	return n, err
}

func (l *lineLogger) log(chunk []byte) {
	l.partial = append(l.partial, chunk...)
	for {
		i := bytes.IndexByte(l.partial, '\n')
		if i < 0 {
			return
		}
		l.emit(l.partial[:i])
		l.partial = l.partial[i+1:]
	}
}

func (l *lineLogger) emit(line []byte) {
	if s := Sanitize(string(line)); s != "" {
		l.logger.Debug("process output", "stream", l.stream, "line", s)
	}
}

func (l *lineLogger) close() {
	_ = l.f.Close()
}
