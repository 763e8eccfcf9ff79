package backend

import "sync"

// slot holds at most one live child. Mutation happens only through
// storeIfEmpty and take, so two extractors can never both get the handle.
type slot struct {
	mu    sync.Mutex
	child ChildHandle
}

// storeIfEmpty stores h and reports true when the slot was empty.
func (s *slot) storeIfEmpty(h ChildHandle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.child != nil {
		return false
	}
	s.child = h
	return true
}

// take empties the slot and returns what it held, or nil.
func (s *slot) take() ChildHandle {
	return s.takeIf(nil)
}

// takeIf empties the slot only when keep is nil or returns true for the
// held child.
func (s *slot) takeIf(keep func(ChildHandle) bool) ChildHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.child
	if h == nil {
		return nil
	}
	if keep != nil && !keep(h) {
		return nil
	}
	s.child = nil
	return h
}

// load returns the held child without removing it.
func (s *slot) load() ChildHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.child
}
