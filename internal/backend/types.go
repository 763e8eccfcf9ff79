package backend

import (
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"
)

// OutputEventType distinguishes stdout, stderr, and exit events.
type OutputEventType string

const (
	OutputStdout OutputEventType = "stdout"
	OutputStderr OutputEventType = "stderr"
	OutputExit   OutputEventType = "exit"
)

// OutputEvent is a single line of backend output, or the final exit event.
//
// A stream carries zero or more stdout/stderr events followed by exactly one
// exit event, after which the channel is closed.
type OutputEvent struct {
	RunID     string          `json:"runId"`
	Type      OutputEventType `json:"type"`
	Data      string          `json:"data,omitempty"`
	Status    *ExitStatus     `json:"status,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ExitStatus describes how the backend process ended.
type ExitStatus struct {
	Code   int    `json:"code"`
	Signal string `json:"signal,omitempty"`
	Err    error  `json:"-"`
}

func (s ExitStatus) String() string {
	if s.Signal != "" {
		return "signal: " + s.Signal
	}
	if s.Code < 0 && s.Err != nil {
		return s.Err.Error()
	}
	return fmt.Sprintf("exit code %d", s.Code)
}

// Success reports a clean zero exit.
func (s ExitStatus) Success() bool {
	return s.Code == 0 && s.Signal == "" && s.Err == nil
}

func exitStatusFrom(err error) ExitStatus {
	if err == nil {
		return ExitStatus{}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		st := ExitStatus{Code: exitErr.ExitCode(), Err: err}
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			st.Signal = ws.Signal().String()
		}
		return st
	}
	return ExitStatus{Code: -1, Err: err}
}

// ChildHandle is a live backend process.
type ChildHandle interface {
	// PID is the OS process id.
	PID() int
	// RunID identifies this spawn in logs and front-end events.
	RunID() string
	// Kill terminates the process without a graceful phase.
	Kill() error
	// Done is closed once the process has exited and been reaped.
	Done() <-chan struct{}
}

// Status is a point-in-time view of the supervisor for the front end.
type Status struct {
	Running   bool        `json:"running"`
	PID       int         `json:"pid,omitempty"`
	RunID     string      `json:"runId,omitempty"`
	StartedAt *time.Time  `json:"startedAt,omitempty"`
	Port      int         `json:"port,omitempty"`
	LastExit  *ExitStatus `json:"lastExit,omitempty"`
	// StartError is set when the last Start failed to spawn the process.
	StartError string `json:"startError,omitempty"`
}
