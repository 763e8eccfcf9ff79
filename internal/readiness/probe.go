// Package readiness detects when the backend accepts connections.
package readiness

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

const (
	defaultHost        = "127.0.0.1"
	defaultTimeout     = 5 * time.Second
	defaultInterval    = 200 * time.Millisecond
	defaultDialTimeout = 150 * time.Millisecond
)

// ErrTimeout is reported when no candidate port opened in time.
var ErrTimeout = errors.New("backend readiness timed out")

// DialFunc opens a connection; net.Dialer.DialContext fits.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Probe polls candidate ports until one accepts a TCP connection.
//
// The zero value is not usable; Ports must be set. Other fields fall back to
// defaults when zero.
type Probe struct {
	Host        string
	Ports       []int
	Timeout     time.Duration
	Interval    time.Duration
	DialTimeout time.Duration
	Dial        DialFunc
}

// Result is the outcome of one probe run.
type Result struct {
	Ready    bool
	Port     int
	Elapsed  time.Duration
	Attempts int
}

// Err returns ErrTimeout for a result that never became ready.
func (r Result) Err() error {
	if r.Ready {
		return nil
	}
	return fmt.Errorf("%w after %s (%d attempts)", ErrTimeout, r.Elapsed.Round(time.Millisecond), r.Attempts)
}

// Run polls until a port accepts, the timeout elapses or ctx is done.
//
// Each round dials every candidate in order. A round that finds nothing is
// followed by a sleep of Interval, cut short at the deadline, so a run that
// never succeeds returns between Timeout and Timeout+Interval.
func (p *Probe) Run(ctx context.Context) Result {
	host := p.Host
	if host == "" {
		host = defaultHost
	}
	timeout := orDefault(p.Timeout, defaultTimeout)
	interval := orDefault(p.Interval, defaultInterval)
	dialTimeout := orDefault(p.DialTimeout, defaultDialTimeout)
	dial := p.Dial
	if dial == nil {
		dial = (&net.Dialer{}).DialContext
	}

	start := time.Now()
	deadline := start.Add(timeout)
	var res Result

	for {
		for _, port := range p.Ports {
			remaining := time.Until(deadline)
			if remaining <= 0 || ctx.Err() != nil {
				break
			}
			res.Attempts++
			if tryDial(ctx, dial, host, port, min(dialTimeout, remaining)) {
				res.Ready = true
				res.Port = port
				res.Elapsed = time.Since(start)
				return res
			}
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}

		timer := time.NewTimer(min(interval, remaining))
		select {
		case <-ctx.Done():
			timer.Stop()
			res.Elapsed = time.Since(start)
			return res
		case <-timer.C:
		}
	}

	res.Elapsed = time.Since(start)
	return res
}

func tryDial(ctx context.Context, dial DialFunc, host string, port int, timeout time.Duration) bool {
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := dial(dctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
