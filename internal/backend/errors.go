package backend

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	// ErrDisabled is returned by Start when the launch spec says the backend
	// is run by an external tool.
	ErrDisabled = errors.New("backend launch disabled")

	// ErrAlreadyRunning is returned by Start when a child is already held.
	ErrAlreadyRunning = errors.New("backend already running")
)

// SpawnError reports that the backend could not be started.
type SpawnError struct {
	Op         string // "resolve", "pipe" or "start"
	Executable string
	Err        error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %s: %v", e.Executable, e.Op, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// KillError reports that the OS refused to terminate the backend.
type KillError struct {
	PID int
	Err error
}

func (e *KillError) Error() string {
	return fmt.Sprintf("kill backend pid %d: %v", e.PID, e.Err)
}

func (e *KillError) Unwrap() error { return e.Err }
