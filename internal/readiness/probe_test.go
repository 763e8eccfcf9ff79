package readiness

import (
	"context"
	"errors"
	"fmt"
	"net"
	"reflect"
	"sync"
	"testing"
	"time"
)

// closedPort returns a port nothing is listening on.
func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func TestProbe_TimeoutBoundary(t *testing.T) {
	const (
		timeout  = 500 * time.Millisecond
		interval = 200 * time.Millisecond
		slack    = 150 * time.Millisecond
	)
	p := &Probe{
		Ports:       []int{closedPort(t)},
		Timeout:     timeout,
		Interval:    interval,
		DialTimeout: 50 * time.Millisecond,
	}

	start := time.Now()
	res := p.Run(context.Background())
	elapsed := time.Since(start)

	if res.Ready {
		t.Fatalf("expected timeout, got ready on %d", res.Port)
	}
	if elapsed < timeout {
		t.Errorf("returned after %v, before the %v timeout", elapsed, timeout)
	}
	if elapsed > timeout+interval+slack {
		t.Errorf("returned after %v, later than timeout plus one interval", elapsed)
	}
	if res.Attempts < 2 {
		t.Errorf("expected several rounds, got %d attempts", res.Attempts)
	}
	if !errors.Is(res.Err(), ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", res.Err())
	}
}

func TestProbe_SuccessRace(t *testing.T) {
	port := closedPort(t)
	opened := make(chan time.Time, 1)

	var ln net.Listener
	var mu sync.Mutex
	go func() {
		time.Sleep(100 * time.Millisecond)
		l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			opened <- time.Time{}
			return
		}
		mu.Lock()
		ln = l
		mu.Unlock()
		opened <- time.Now()
	}()
	defer func() {
		mu.Lock()
		if ln != nil {
			ln.Close()
		}
		mu.Unlock()
	}()

	p := &Probe{
		Ports:    []int{port},
		Timeout:  5 * time.Second,
		Interval: 200 * time.Millisecond,
	}
	res := p.Run(context.Background())
	done := time.Now()

	openedAt := <-opened
	if openedAt.IsZero() {
		t.Skip("port was taken before the listener could bind")
	}
	if !res.Ready || res.Port != port {
		t.Fatalf("expected ready on %d, got %+v", port, res)
	}
	if lag := done.Sub(openedAt); lag > 200*time.Millisecond+150*time.Millisecond {
		t.Errorf("probe noticed the port %v after it opened, want about one interval", lag)
	}
	if res.Elapsed > time.Second {
		t.Errorf("probe took %v, far less than the timeout expected", res.Elapsed)
	}
}

func TestProbe_FirstAcceptingCandidateWins(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	open := ln.Addr().(*net.TCPAddr).Port

	p := &Probe{
		Ports:   []int{closedPort(t), open},
		Timeout: time.Second,
	}
	res := p.Run(context.Background())
	if !res.Ready || res.Port != open {
		t.Fatalf("expected ready on %d, got %+v", open, res)
	}
	if res.Err() != nil {
		t.Errorf("ready result should have no error, got %v", res.Err())
	}
}

func TestProbe_DialOrder(t *testing.T) {
	var mu sync.Mutex
	var dialed []string
	p := &Probe{
		Host:     "localhost",
		Ports:    []int{3001, 3002, 3003},
		Timeout:  time.Second,
		Interval: 10 * time.Millisecond,
		Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			mu.Lock()
			defer mu.Unlock()
			dialed = append(dialed, address)
			if len(dialed) == 5 {
				client, server := net.Pipe()
				server.Close()
				return client, nil
			}
			return nil, errors.New("connection refused")
		},
	}

	res := p.Run(context.Background())
	if !res.Ready || res.Port != 3002 {
		t.Fatalf("expected ready on 3002 in the second round, got %+v", res)
	}
	want := []string{"localhost:3001", "localhost:3002", "localhost:3003", "localhost:3001", "localhost:3002"}
	if !reflect.DeepEqual(dialed, want) {
		t.Errorf("dial order = %v, want %v", dialed, want)
	}
	if res.Attempts != 5 {
		t.Errorf("expected 5 attempts, got %d", res.Attempts)
	}
}

func TestProbe_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	p := &Probe{
		Ports:    []int{closedPort(t)},
		Timeout:  10 * time.Second,
		Interval: 100 * time.Millisecond,
	}
	start := time.Now()
	res := p.Run(ctx)
	if res.Ready {
		t.Fatal("expected not ready")
	}
	if time.Since(start) > 2*time.Second {
		t.Error("probe ignored context cancellation")
	}
}
