// Package backend launches the sidecar backend process, owns its handle and
// guarantees it is terminated exactly once.
package backend

import (
	"sync"

	"go.uber.org/zap"
)

// Supervisor owns the single backend child process.
//
// The child lives in a slot that is either empty or holds one handle.
// Start fills it, Stop and NotifyExited empty it. Supervisor is safe for
// concurrent use; Stop may be called from any number of shutdown triggers.
type Supervisor struct {
	launcher   *Launcher
	terminator Terminator
	logger     *zap.Logger

	// startMu serializes Start against Stop so a stop issued while a spawn
	// is in flight still sees the new child.
	startMu sync.Mutex
	slot    slot

	mu       sync.RWMutex
	last     *Child
	port     int
	startErr error
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithLauncher sets the launcher used by Start.
func WithLauncher(l *Launcher) SupervisorOption {
	return func(s *Supervisor) {
		s.launcher = l
	}
}

// WithTerminator replaces the default kill-based terminator.
func WithTerminator(t Terminator) SupervisorOption {
	return func(s *Supervisor) {
		s.terminator = t
	}
}

// WithLogger sets the logger. The supervisor logs under "backend".
func WithLogger(l *zap.Logger) SupervisorOption {
	return func(s *Supervisor) {
		s.logger = l
	}
}

// NewSupervisor creates a supervisor with an empty slot.
func NewSupervisor(opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		terminator: KillTerminator{},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.launcher == nil {
		s.launcher = NewLauncher()
	}
	s.logger = s.logger.Named("backend")
	return s
}

// Start spawns the backend and returns its output stream, which the caller
// must drain (see relay.Relay).
//
// Returns ErrDisabled when spec.Enabled is false, ErrAlreadyRunning when a
// child is held, and a *SpawnError when the process cannot be created.
func (s *Supervisor) Start(spec LaunchSpec) (<-chan OutputEvent, error) {
	if !spec.Enabled {
		return nil, ErrDisabled
	}

	s.startMu.Lock()
	defer s.startMu.Unlock()

	if s.slot.load() != nil {
		return nil, ErrAlreadyRunning
	}

	child, events, err := s.launcher.Spawn(spec)
	if err != nil {
		s.mu.Lock()
		s.startErr = err
		s.mu.Unlock()
		return nil, err
	}

	if !s.slot.storeIfEmpty(child) {
		// Unreachable while startMu is held; never keep two children.
		_ = s.terminator.Terminate(child)
		return nil, ErrAlreadyRunning
	}

	s.mu.Lock()
	s.last = child
	s.port = 0
	s.startErr = nil
	s.mu.Unlock()

	s.logger.Info("backend started",
		zap.Int("pid", child.PID()),
		zap.String("run_id", child.RunID()),
		zap.String("path", child.Path()),
	)
	return events, nil
}

// Stop terminates the child if one is held. It never fails: a kill error is
// logged as a warning and dropped. Concurrent calls are safe and only one of
// them issues the kill.
func (s *Supervisor) Stop() {
	s.startMu.Lock()
	h := s.slot.take()
	s.startMu.Unlock()

	if h == nil {
		s.logger.Debug("stop: no backend running")
		return
	}

	fields := []zap.Field{zap.Int("pid", h.PID()), zap.String("run_id", h.RunID())}
	if err := s.terminator.Terminate(h); err != nil {
		s.logger.Warn("failed to terminate backend", append(fields, zap.Error(err))...)
		return
	}
	s.logger.Info("backend terminated", fields...)
}

// NotifyExited records that the child ended on its own. The slot is emptied
// without a kill. A handle that has not exited yet is left in place, so a
// late notification cannot evict a newer child.
func (s *Supervisor) NotifyExited() {
	h := s.slot.takeIf(func(h ChildHandle) bool {
		select {
		case <-h.Done():
			return true
		default:
			return false
		}
	})
	if h != nil {
		s.logger.Debug("backend slot cleared after exit",
			zap.Int("pid", h.PID()),
			zap.String("run_id", h.RunID()),
		)
	}
}

// MarkReady records the port the backend was confirmed on.
func (s *Supervisor) MarkReady(port int) {
	s.mu.Lock()
	s.port = port
	s.mu.Unlock()
}

// Running reports whether a child is held.
func (s *Supervisor) Running() bool {
	return s.slot.load() != nil
}

// Status returns a snapshot for the front end.
func (s *Supervisor) Status() Status {
	h := s.slot.load()

	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Status{Running: h != nil}
	if h != nil {
		st.PID = h.PID()
		st.RunID = h.RunID()
	}
	// With no child of our own (dev mode) the port belongs to an external
	// backend and stays valid; a port seen from our child dies with it.
	if h != nil || s.last == nil {
		st.Port = s.port
	}
	if s.startErr != nil {
		st.StartError = s.startErr.Error()
	}
	if s.last != nil {
		if st.RunID == "" {
			st.RunID = s.last.RunID()
		}
		started := s.last.StartedAt()
		st.StartedAt = &started
		if exit, ok := s.last.ExitStatus(); ok {
			st.LastExit = &exit
		}
	}
	return st
}
