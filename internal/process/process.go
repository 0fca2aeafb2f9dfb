package process

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/smazurov/upscaler/internal/logging"
)

const maxLineSize = 1024 * 1024

// ExitCodeKilled is reported when the child had to be force-killed.
const ExitCodeKilled = 137

// OutputHandler receives output lines from the subprocess.
type OutputHandler interface {
	HandleLine(source, line string)
}

// LogParser maps a line of child output to a log level and message.
type LogParser func(line string) (level, msg string)

// StartError is returned by Run when the child could not be launched.
type StartError struct {
	Path string
	Err  error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("failed to start %s: %v", e.Path, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// Process runs a single subprocess.
type Process struct {
	id              string
	args            []string
	dir             string
	logger          logging.Logger
	processLogger   logging.Logger // logger for child output (nil = use logger)
	logParser       LogParser      // nil = everything at info
	outputHandler   OutputHandler
	gracefulTimeout time.Duration // SIGINT to SIGKILL
	killTimeout     time.Duration // SIGKILL to giving up
	drainTimeout    time.Duration // child exit to abandoning its output pipes

	mu  sync.Mutex
	pid int
}

// New creates a process for argv args. args[0] is the executable.
func New(id string, args []string, logger logging.Logger) *Process {
	return &Process{
		id:              id,
		args:            append([]string(nil), args...),
		logger:          logger,
		gracefulTimeout: 5 * time.Second,
		killTimeout:     5 * time.Second,
		drainTimeout:    2 * time.Second,
	}
}

// SetDir sets the working directory of the child.
func (p *Process) SetDir(dir string) {
	p.dir = dir
}

// SetOutputHandler sets the handler that receives every stdout and stderr line.
func (p *Process) SetOutputHandler(handler OutputHandler) {
	p.outputHandler = handler
}

// SetLogParser sets the logger and parser used to log child output.
func (p *Process) SetLogParser(logger logging.Logger, parser LogParser) {
	p.processLogger = logger
	p.logParser = parser
}

// SetTimeouts overrides the graceful and kill timeouts used on cancellation.
func (p *Process) SetTimeouts(graceful, kill time.Duration) {
	p.gracefulTimeout = graceful
	p.killTimeout = kill
}

// SetDrainTimeout bounds how long output is read after the child exits. Descendants
// that still hold the pipes after that are killed.
func (p *Process) SetDrainTimeout(d time.Duration) {
	p.drainTimeout = d
}

// PID returns the pid of the running child, or 0.
func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

// Run starts the child and blocks until it has exited and its output is drained.
// A launch failure returns a *StartError. If ctx is cancelled the child is stopped and
// ctx.Err() is returned along with the exit code.
func (p *Process) Run(ctx context.Context) (int, error) {
	if len(p.args) == 0 {
		return -1, &StartError{Err: errors.New("empty command")}
	}

	cmd := exec.Command(p.args[0], p.args[1:]...)
	cmd.Dir = p.dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	// Pipes are owned here rather than by cmd, so reaping never waits on readers.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return -1, &StartError{Path: p.args[0], Err: err}
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdoutR, stdoutW)
		return -1, &StartError{Path: p.args[0], Err: err}
	}
	cmd.Stdout, cmd.Stderr = stdoutW, stderrW

	startErr := cmd.Start()
	closeAll(stdoutW, stderrW)
	if startErr != nil {
		closeAll(stdoutR, stderrR)
		p.logger.Error("Failed to start process", "id", p.id, "error", startErr, "path", p.args[0])
		return -1, &StartError{Path: p.args[0], Err: startErr}
	}
	defer closeAll(stdoutR, stderrR)

	p.mu.Lock()
	p.pid = cmd.Process.Pid
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.pid = 0
		p.mu.Unlock()
	}()

	p.logger.Info("Process started", "id", p.id, "pid", cmd.Process.Pid, "args", p.args[1:])

	var outputWG sync.WaitGroup
	outputWG.Add(2)
	go func() {
		defer outputWG.Done()
		p.streamOutput(stdoutR, "stdout")
	}()
	go func() {
		defer outputWG.Done()
		p.streamOutput(stderrR, "stderr")
	}()
	drained := make(chan struct{})
	go func() {
		outputWG.Wait()
		close(drained)
	}()

	processDone := make(chan error, 1)
	go func() {
		processDone <- cmd.Wait()
	}()

	select {
	case processErr := <-processDone:
		exitCode := exitCodeFromError(processErr)
		if processErr != nil && exitCode == -1 {
			p.logger.Error("Process exited with error", "id", p.id, "error", processErr)
		}
		p.drain(cmd, drained, stdoutR, stderrR)
		p.logger.Info("Process exited", "id", p.id, "exit_code", exitCode)
		return exitCode, nil
	case <-ctx.Done():
		p.logger.Info("Context cancelled, stopping process", "id", p.id)
		p.signalGroup(cmd, syscall.SIGINT)
		exitCode := p.waitForExit(cmd, processDone)
		p.drain(cmd, drained, stdoutR, stderrR)
		return exitCode, ctx.Err()
	}
}

// drain waits for both readers after the child exited. Past the drain timeout, whatever
// is left of the process group is killed and the pipes are closed under the readers.
func (p *Process) drain(cmd *exec.Cmd, drained <-chan struct{}, pipes ...*os.File) {
	select {
	case <-drained:
		return
	case <-time.After(p.drainTimeout):
	}

	p.logger.Warn("Output still open after exit, killing leftover processes", "id", p.id, "timeout", p.drainTimeout)
	p.signalGroup(cmd, syscall.SIGKILL)
	closeAll(pipes...)
	<-drained
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

// signalGroup signals the child's process group, falling back to the child alone.
func (p *Process) signalGroup(cmd *exec.Cmd, sig syscall.Signal) {
	pid := cmd.Process.Pid
	if err := syscall.Kill(-pid, sig); err != nil {
		if err := cmd.Process.Signal(sig); err != nil {
			p.logger.Debug("Failed to signal process", "pid", pid, "signal", sig.String(), "error", err)
		}
	}
}

// waitForExit waits for the child after SIGINT, force-killing it after the graceful timeout.
func (p *Process) waitForExit(cmd *exec.Cmd, processDone <-chan error) int {
	select {
	case err := <-processDone:
		return exitCodeFromError(err)
	case <-time.After(p.gracefulTimeout):
	}

	p.logger.Warn("Graceful shutdown timeout, forcing kill", "id", p.id, "timeout", p.gracefulTimeout)
	p.signalGroup(cmd, syscall.SIGKILL)

	select {
	case <-processDone:
	case <-time.After(p.killTimeout):
		p.logger.Error("Process did not exit after kill signal", "id", p.id)
	}
	return ExitCodeKilled
}

// exitCodeFromError returns 0 for nil, the exit status for *exec.ExitError, and -1 otherwise.
// A child killed by a signal also reports -1.
func exitCodeFromError(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func (p *Process) streamOutput(reader io.Reader, source string) {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	scanner.Split(scanLines)

	logger := p.processLogger
	if logger == nil {
		logger = p.logger
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		if p.outputHandler != nil {
			p.outputHandler.HandleLine(source, line)
		}

		level, msg := "info", line
		if p.logParser != nil {
			level, msg = p.logParser(line)
		}

		switch level {
		case "fatal", "error":
			logger.Error(msg, "source", source)
		case "warning":
			logger.Warn(msg, "source", source)
		case "debug", "trace":
			logger.Debug(msg, "source", source)
		default:
			logger.Info(msg, "source", source)
		}
	}

	if err := scanner.Err(); err != nil {
		if errors.Is(err, os.ErrClosed) {
			return
		}
		p.logger.Warn("Error reading output", "id", p.id, "source", source, "error", err)
		// Keep draining so the child never blocks on a full pipe.
		_, _ = io.Copy(io.Discard, reader)
	}
}

// scanLines splits on '\n' or '\r' so carriage-return progress updates arrive as lines.
func scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
