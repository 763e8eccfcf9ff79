package backend

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeCommand is an in-memory Command. Output is written through the pipe
// writers; the process "exits" when Kill or exit is called.
type fakeCommand struct {
	pid      int
	startErr error
	killErr  error

	stdoutR, stderrR *io.PipeReader
	stdoutW, stderrW *io.PipeWriter

	kills    atomic.Int32
	exitOnce sync.Once
	exited   chan struct{}
	waitErr  error
}

func newFakeCommand(pid int) *fakeCommand {
	f := &fakeCommand{pid: pid, exited: make(chan struct{})}
	f.stdoutR, f.stdoutW = io.Pipe()
	f.stderrR, f.stderrW = io.Pipe()
	return f
}

func (f *fakeCommand) StdoutPipe() (io.ReadCloser, error) { return f.stdoutR, nil }
func (f *fakeCommand) StderrPipe() (io.ReadCloser, error) { return f.stderrR, nil }
func (f *fakeCommand) Start() error                       { return f.startErr }
func (f *fakeCommand) PID() int                           { return f.pid }

func (f *fakeCommand) Wait() error {
	<-f.exited
	return f.waitErr
}

func (f *fakeCommand) Kill() error {
	f.kills.Add(1)
	if f.killErr != nil {
		return f.killErr
	}
	f.exit(errors.New("signal: killed"))
	return nil
}

func (f *fakeCommand) stdout(line string) { io.WriteString(f.stdoutW, line+"\n") }
func (f *fakeCommand) stderr(line string) { io.WriteString(f.stderrW, line+"\n") }

// exit ends the fake process with the given wait error.
func (f *fakeCommand) exit(err error) {
	f.exitOnce.Do(func() {
		f.waitErr = err
		f.stdoutW.Close()
		f.stderrW.Close()
		close(f.exited)
	})
}

// fakeLauncher returns a launcher that hands out cmd and counts spawns.
func fakeLauncher(cmd *fakeCommand, spawns *atomic.Int32) *Launcher {
	return NewLauncher(
		WithLookPath(func(name string) (string, error) { return name, nil }),
		WithCommandFactory(func(path string, spec LaunchSpec) (Command, error) {
			if spawns != nil {
				spawns.Add(1)
			}
			return cmd, nil
		}),
	)
}

func enabledSpec() LaunchSpec {
	return LaunchSpec{
		Executable: "/opt/pianki/pianki-backend",
		Env: []EnvVar{
			{Name: "PIANKI_DATA_DIR", Value: "/tmp/pianki"},
			{Name: "PORT", Value: "3001"},
		},
		Enabled: true,
	}
}

// drain reads events until the exit event and returns everything seen.
func drain(t *testing.T, events <-chan OutputEvent) []OutputEvent {
	t.Helper()
	var got []OutputEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return got
			}
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("timed out draining events, got %d so far", len(got))
			return got
		}
	}
}

// fakeHandle is a ChildHandle with no process behind it.
type fakeHandle struct {
	pid     int
	killErr error
	kills   atomic.Int32
	done    chan struct{}
}

func newFakeHandle(pid int) *fakeHandle {
	return &fakeHandle{pid: pid, done: make(chan struct{})}
}

func (h *fakeHandle) PID() int              { return h.pid }
func (h *fakeHandle) RunID() string         { return "run-fake" }
func (h *fakeHandle) Done() <-chan struct{} { return h.done }

func (h *fakeHandle) Kill() error {
	h.kills.Add(1)
	return h.killErr
}
