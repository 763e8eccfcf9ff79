package readiness

import (
	"context"
	"sync"
)

// Sources of a readiness notification.
const (
	SourceProbe = "probe"
	SourceLog   = "log"
)

// ReadyFunc is called when the confirmed port changes.
type ReadyFunc func(port int, source string)

// Signal collects readiness notifications from the probe and the log relay.
// Either, both or neither may fire, in any order; subscribers only hear about
// state changes.
type Signal struct {
	mu     sync.Mutex
	port   int
	source string
	ready  chan struct{}
	subs   []ReadyFunc
}

// NewSignal creates an unset signal.
func NewSignal() *Signal {
	return &Signal{ready: make(chan struct{})}
}

// OnReady registers fn. It runs synchronously inside Mark.
func (s *Signal) OnReady(fn ReadyFunc) {
	s.mu.Lock()
	s.subs = append(s.subs, fn)
	s.mu.Unlock()
}

// Mark records that the backend was seen on port. It returns true, and
// notifies subscribers, only when this is the first readiness or the port
// differs from the recorded one.
func (s *Signal) Mark(port int, source string) bool {
	if port <= 0 {
		return false
	}

	s.mu.Lock()
	if s.port == port {
		s.mu.Unlock()
		return false
	}
	first := s.port == 0
	s.port = port
	s.source = source
	subs := append([]ReadyFunc(nil), s.subs...)
	s.mu.Unlock()

	for _, fn := range subs {
		fn(port, source)
	}
	// Waiters wake only after subscribers have seen the port.
	if first {
		close(s.ready)
	}
	return true
}

// Port returns the confirmed port and the source that reported it.
func (s *Signal) Port() (int, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port, s.source
}

// Ready reports whether a port was confirmed and subscribers were told.
func (s *Signal) Ready() bool {
	select {
	case <-s.ready:
		return true
	default:
		return false
	}
}

// Wait blocks until the first notification or ctx is done.
func (s *Signal) Wait(ctx context.Context) (int, error) {
	select {
	case <-s.ready:
		port, _ := s.Port()
		return port, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
