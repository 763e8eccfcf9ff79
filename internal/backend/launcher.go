package backend

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/go-linereader"
)

const defaultEventBufCap = 100

// partialLineTimeout is how long an unterminated line is held before it is
// emitted anyway. Writes of one line are often split across syscalls, so
// this must be far longer than any pause inside a line.
const partialLineTimeout = time.Hour

// EnvVar is one environment variable passed to the backend.
type EnvVar struct {
	Name  string
	Value string
}

// LaunchSpec describes how to start the backend.
type LaunchSpec struct {
	// Executable is a path or a bare name. Bare names are looked up next to
	// the running shell binary first, then on PATH.
	Executable string
	Args       []string
	// Env is appended to the parent environment in order; later entries win.
	Env []EnvVar
	// Dir is the working directory. Empty inherits the shell's.
	Dir string
	// Enabled is false when the backend is started by an external tool.
	Enabled bool
}

// Command is the subset of exec.Cmd the launcher drives.
type Command interface {
	StdoutPipe() (io.ReadCloser, error)
	StderrPipe() (io.ReadCloser, error)
	Start() error
	Wait() error
	PID() int
	Kill() error
}

// CommandFactory creates a Command for a resolved executable path.
type CommandFactory func(path string, spec LaunchSpec) (Command, error)

// DefaultCommandFactory builds real os/exec commands. The process is not
// bound to a context: only the supervisor decides when it dies.
func DefaultCommandFactory(path string, spec LaunchSpec) (Command, error) {
	cmd := exec.Command(path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = mergeEnv(os.Environ(), spec.Env)
	setProcessGroup(cmd)
	return &execCommand{Cmd: cmd}, nil
}

type execCommand struct {
	*exec.Cmd
}

func (e *execCommand) PID() int {
	if e.Cmd.Process == nil {
		return 0
	}
	return e.Cmd.Process.Pid
}

// Kill ends the process together with anything it started that shares its
// process group.
func (e *execCommand) Kill() error {
	if e.Cmd.Process == nil {
		return errors.New("process not started")
	}
	return killProcessGroup(e.Cmd.Process)
}

// mergeEnv appends vars to base; the child sees the last value for a name.
func mergeEnv(base []string, vars []EnvVar) []string {
	env := make([]string, 0, len(base)+len(vars))
	env = append(env, base...)
	for _, v := range vars {
		env = append(env, v.Name+"="+v.Value)
	}
	return env
}

// Launcher starts backend processes.
type Launcher struct {
	factory  CommandFactory
	lookPath func(string) (string, error)
	selfDir  func() (string, error)
}

// LauncherOption configures a Launcher.
type LauncherOption func(*Launcher)

// WithCommandFactory replaces the os/exec command factory.
func WithCommandFactory(f CommandFactory) LauncherOption {
	return func(l *Launcher) {
		l.factory = f
	}
}

// WithLookPath replaces executable resolution. The function receives the
// executable as given in the spec.
func WithLookPath(fn func(string) (string, error)) LauncherOption {
	return func(l *Launcher) {
		l.lookPath = fn
	}
}

// NewLauncher creates a launcher using os/exec.
func NewLauncher(opts ...LauncherOption) *Launcher {
	l := &Launcher{
		factory:  DefaultCommandFactory,
		lookPath: exec.LookPath,
		selfDir:  executableDir,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Spawn starts the backend and returns its handle together with its output
// stream. The stream must be drained; it ends with one OutputExit event and
// is then closed.
func (l *Launcher) Spawn(spec LaunchSpec) (*Child, <-chan OutputEvent, error) {
	path, err := l.resolve(spec.Executable)
	if err != nil {
		return nil, nil, &SpawnError{Op: "resolve", Executable: spec.Executable, Err: err}
	}

	cmd, err := l.factory(path, spec)
	if err != nil {
		return nil, nil, &SpawnError{Op: "start", Executable: path, Err: err}
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, &SpawnError{Op: "pipe", Executable: path, Err: fmt.Errorf("create stdout pipe: %w", err)}
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		stdoutPipe.Close()
		return nil, nil, &SpawnError{Op: "pipe", Executable: path, Err: fmt.Errorf("create stderr pipe: %w", err)}
	}

	if err := cmd.Start(); err != nil {
		stdoutPipe.Close()
		stderrPipe.Close()
		return nil, nil, &SpawnError{Op: "start", Executable: path, Err: err}
	}

	child := &Child{
		runID:     uuid.New().String(),
		path:      path,
		cmd:       cmd,
		pid:       cmd.PID(),
		startedAt: time.Now().UTC(),
		done:      make(chan struct{}),
	}

	events := make(chan OutputEvent, defaultEventBufCap)
	go child.pump(stdoutPipe, stderrPipe, events)

	return child, events, nil
}

func (l *Launcher) resolve(name string) (string, error) {
	if name == "" {
		return "", errors.New("no executable configured")
	}
	if strings.ContainsRune(name, '/') || strings.ContainsRune(name, filepath.Separator) {
		return l.lookPath(name)
	}

	// Bundled sidecars live next to the shell binary.
	if dir, err := l.selfDir(); err == nil {
		candidate := filepath.Join(dir, name+exeSuffix())
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	return l.lookPath(name)
}

func executableDir() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", err
	}
	return filepath.Dir(exe), nil
}

func exeSuffix() string {
	if runtime.GOOS == "windows" {
		return ".exe"
	}
	return ""
}

// Child is a started backend process. It implements ChildHandle.
type Child struct {
	runID     string
	path      string
	cmd       Command
	pid       int
	startedAt time.Time

	done   chan struct{}
	status ExitStatus // valid once done is closed
}

func (c *Child) PID() int              { return c.pid }
func (c *Child) RunID() string         { return c.runID }
func (c *Child) Path() string          { return c.path }
func (c *Child) StartedAt() time.Time  { return c.startedAt }
func (c *Child) Done() <-chan struct{} { return c.done }

// Kill terminates the process.
func (c *Child) Kill() error {
	return c.cmd.Kill()
}

// ExitStatus returns the exit status once the process has been reaped.
func (c *Child) ExitStatus() (ExitStatus, bool) {
	select {
	case <-c.done:
		return c.status, true
	default:
		return ExitStatus{}, false
	}
}

// pump forwards both pipes line by line, then reaps the process and emits
// the exit event. Wait runs only after both pipes hit EOF.
func (c *Child) pump(stdout, stderr io.Reader, events chan<- OutputEvent) {
	defer close(events)

	outCh := readLines(stdout)
	errCh := readLines(stderr)

	for outCh != nil || errCh != nil {
		select {
		case line, ok := <-outCh:
			if !ok {
				outCh = nil
				continue
			}
			events <- c.lineEvent(OutputStdout, line)
		case line, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			events <- c.lineEvent(OutputStderr, line)
		}
	}

	status := exitStatusFrom(c.cmd.Wait())
	c.status = status
	close(c.done)

	events <- OutputEvent{
		RunID:     c.runID,
		Type:      OutputExit,
		Status:    &status,
		Timestamp: time.Now().UTC(),
	}
}

// readLines starts a line reader on r. linereader.New cannot be used: it
// starts with a 100ms partial-line timeout that splits slow writes.
func readLines(r io.Reader) <-chan string {
	lr := &linereader.Reader{
		Reader:  r,
		Timeout: partialLineTimeout,
		Ch:      make(chan string),
	}
	go lr.Run()
	return lr.Ch
}

func (c *Child) lineEvent(stream OutputEventType, line string) OutputEvent {
	return OutputEvent{
		RunID:     c.runID,
		Type:      stream,
		Data:      strings.TrimRight(line, "\r\n"),
		Timestamp: time.Now().UTC(),
	}
}
