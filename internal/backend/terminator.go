package backend

import (
	"errors"
	"os"
)

// Terminator ends a child process.
type Terminator interface {
	Terminate(h ChildHandle) error
}

// TerminatorFunc adapts a function to Terminator.
type TerminatorFunc func(h ChildHandle) error

// Terminate calls f(h).
func (f TerminatorFunc) Terminate(h ChildHandle) error { return f(h) }

// KillTerminator kills the process outright. A process that is already gone
// counts as terminated.
type KillTerminator struct{}

// Terminate kills h and wraps a failure in *KillError.
func (KillTerminator) Terminate(h ChildHandle) error {
	if err := h.Kill(); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return &KillError{PID: h.PID(), Err: err}
	}
	return nil
}
