package backend

import (
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
)

func TestSlot_StoreIfEmpty(t *testing.T) {
	var s slot
	a, b := newFakeHandle(1), newFakeHandle(2)

	if !s.storeIfEmpty(a) {
		t.Fatal("expected store into empty slot")
	}
	if s.storeIfEmpty(b) {
		t.Fatal("second store must be refused")
	}
	if s.load() != a {
		t.Error("slot must still hold the first handle")
	}
}

func TestSlot_TakeLeavesEmpty(t *testing.T) {
	var s slot
	if s.take() != nil {
		t.Fatal("take from empty slot must return nil")
	}

	h := newFakeHandle(1)
	s.storeIfEmpty(h)
	if s.take() != h {
		t.Fatal("expected the stored handle")
	}
	if s.take() != nil {
		t.Fatal("double take must return nil")
	}
}

func TestSlot_ConcurrentTake(t *testing.T) {
	var s slot
	s.storeIfEmpty(newFakeHandle(1))

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.take() != nil {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	if winners.Load() != 1 {
		t.Errorf("expected exactly one winner, got %d", winners.Load())
	}
}

func TestSlot_TakeIf(t *testing.T) {
	var s slot
	h := newFakeHandle(1)
	s.storeIfEmpty(h)

	if s.takeIf(func(ChildHandle) bool { return false }) != nil {
		t.Fatal("rejected take must return nil")
	}
	if s.load() != h {
		t.Fatal("rejected take must keep the handle")
	}
	if s.takeIf(func(ChildHandle) bool { return true }) != h {
		t.Fatal("accepted take must return the handle")
	}
}

func TestKillTerminator(t *testing.T) {
	h := newFakeHandle(9)
	if err := (KillTerminator{}).Terminate(h); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	h.killErr = os.ErrProcessDone
	if err := (KillTerminator{}).Terminate(h); err != nil {
		t.Errorf("already-exited process should not be an error, got %v", err)
	}

	h.killErr = errors.New("operation not permitted")
	err := (KillTerminator{}).Terminate(h)
	var killErr *KillError
	if !errors.As(err, &killErr) {
		t.Fatalf("expected *KillError, got %v", err)
	}
	if killErr.PID != 9 || !errors.Is(err, h.killErr) {
		t.Errorf("unexpected kill error %+v", killErr)
	}
}
