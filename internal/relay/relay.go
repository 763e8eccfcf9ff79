// Package relay drains the backend's output into the shell log.
package relay

import (
	"github.com/prehisle/pianki/internal/backend"
	"github.com/prehisle/pianki/internal/readiness"

	"go.uber.org/zap"
)

// ExitNotifier is told when the backend exits on its own.
type ExitNotifier interface {
	NotifyExited()
}

// ExitFunc observes the final exit event.
type ExitFunc func(runID string, status backend.ExitStatus)

// Relay forwards backend output to the logger: stdout at info, stderr at
// error. Stdout is scanned for a port announcement, which is reported to
// the readiness signal.
type Relay struct {
	logger   *zap.Logger
	signal   *readiness.Signal
	notifier ExitNotifier
	onExit   []ExitFunc
}

// New creates a relay. signal and notifier may be nil.
func New(logger *zap.Logger, signal *readiness.Signal, notifier ExitNotifier) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		logger:   logger.Named("backend"),
		signal:   signal,
		notifier: notifier,
	}
}

// OnExit registers fn to run after the exit has been handled.
func (r *Relay) OnExit(fn ExitFunc) {
	r.onExit = append(r.onExit, fn)
}

// Run consumes events until the exit event or the end of the stream. It
// returns the exit status, or false when the stream closed without one.
func (r *Relay) Run(events <-chan backend.OutputEvent) (backend.ExitStatus, bool) {
	for ev := range events {
		switch ev.Type {
		case backend.OutputStdout:
			r.logger.Info(ev.Data, zap.String("stream", "stdout"), zap.String("run_id", ev.RunID))
			r.scanReady(ev)

		case backend.OutputStderr:
			r.logger.Error(ev.Data, zap.String("stream", "stderr"), zap.String("run_id", ev.RunID))

		case backend.OutputExit:
			var status backend.ExitStatus
			if ev.Status != nil {
				status = *ev.Status
			}
			r.handleExit(ev.RunID, status)
			return status, true
		}
	}
	return backend.ExitStatus{}, false
}

func (r *Relay) scanReady(ev backend.OutputEvent) {
	port, ok := ParsePortMarker(ev.Data)
	if !ok {
		return
	}
	r.logger.Debug("backend announced its port", zap.Int("port", port), zap.String("run_id", ev.RunID))
	if r.signal != nil {
		r.signal.Mark(port, readiness.SourceLog)
	}
}

func (r *Relay) handleExit(runID string, status backend.ExitStatus) {
	fields := []zap.Field{zap.String("run_id", runID), zap.Stringer("status", status)}
	if status.Success() {
		r.logger.Info("backend process exited", fields...)
	} else {
		r.logger.Warn("backend process exited", fields...)
	}

	if r.notifier != nil {
		r.notifier.NotifyExited()
	}
	for _, fn := range r.onExit {
		fn(runID, status)
	}
}
