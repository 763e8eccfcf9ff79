package backend

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

func requireShell(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("uses /bin/sh")
	}
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	return sh
}

func lines(events []OutputEvent, stream OutputEventType) []string {
	var out []string
	for _, ev := range events {
		if ev.Type == stream {
			out = append(out, ev.Data)
		}
	}
	return out
}

func TestLauncher_SpawnRelaysBothStreams(t *testing.T) {
	sh := requireShell(t)
	l := NewLauncher()

	child, events, err := l.Spawn(LaunchSpec{
		Executable: sh,
		Args:       []string{"-c", `echo "data=$PIANKI_DATA_DIR port=$PORT"; echo oops 1>&2`},
		Env: []EnvVar{
			{Name: "PIANKI_DATA_DIR", Value: "/tmp/pianki"},
			{Name: "PORT", Value: "3001"},
		},
		Enabled: true,
	})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	if child.PID() <= 0 {
		t.Errorf("expected a pid, got %d", child.PID())
	}
	if child.RunID() == "" {
		t.Error("expected a run id")
	}

	got := drain(t, events)
	if out := lines(got, OutputStdout); len(out) != 1 || out[0] != "data=/tmp/pianki port=3001" {
		t.Errorf("unexpected stdout %q", out)
	}
	if errOut := lines(got, OutputStderr); len(errOut) != 1 || errOut[0] != "oops" {
		t.Errorf("unexpected stderr %q", errOut)
	}

	last := got[len(got)-1]
	if last.Type != OutputExit || last.Status == nil || !last.Status.Success() {
		t.Fatalf("expected clean exit event, got %+v", last)
	}
	for _, ev := range got {
		if ev.RunID != child.RunID() {
			t.Errorf("event %+v carries wrong run id", ev)
		}
	}

	select {
	case <-child.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after exit event")
	}
}

func TestLauncher_ExitCode(t *testing.T) {
	sh := requireShell(t)
	child, events, err := NewLauncher().Spawn(LaunchSpec{
		Executable: sh,
		Args:       []string{"-c", "exit 3"},
		Enabled:    true,
	})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	drain(t, events)

	status, ok := child.ExitStatus()
	if !ok {
		t.Fatal("expected exit status after drain")
	}
	if status.Code != 3 {
		t.Errorf("expected exit code 3, got %d", status.Code)
	}
	if status.Success() {
		t.Error("exit 3 is not success")
	}
}

func TestLauncher_KillEndsStream(t *testing.T) {
	sh := requireShell(t)
	child, events, err := NewLauncher().Spawn(LaunchSpec{
		Executable: sh,
		Args:       []string{"-c", "echo up; exec sleep 30"},
		Enabled:    true,
	})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	first := <-events
	if first.Type != OutputStdout || first.Data != "up" {
		t.Fatalf("expected first line 'up', got %+v", first)
	}

	if err := (KillTerminator{}).Terminate(child); err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}

	got := drain(t, events)
	last := got[len(got)-1]
	if last.Type != OutputExit {
		t.Fatalf("expected exit event, got %+v", last)
	}
	if last.Status.Signal == "" {
		t.Errorf("expected a signal in exit status, got %v", last.Status)
	}

	// A second kill on a reaped process counts as terminated.
	if err := (KillTerminator{}).Terminate(child); err != nil {
		t.Errorf("expected nil for already-exited process, got %v", err)
	}
}

func TestLauncher_ResolveNextToExecutable(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix file modes")
	}
	dir := t.TempDir()
	bin := filepath.Join(dir, "pianki-backend")
	if err := os.WriteFile(bin, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	l := NewLauncher(WithLookPath(func(name string) (string, error) {
		return "", errors.New("not on PATH")
	}))
	l.selfDir = func() (string, error) { return dir, nil }

	got, err := l.resolve("pianki-backend")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if got != bin {
		t.Errorf("expected %s, got %s", bin, got)
	}

	if _, err := l.resolve("other-backend"); err == nil {
		t.Error("expected error when neither bundled nor on PATH")
	}
	if _, err := l.resolve(""); err == nil {
		t.Error("expected error for empty executable")
	}
}

func TestMergeEnv(t *testing.T) {
	env := mergeEnv([]string{"HOME=/root", "PORT=80"}, []EnvVar{
		{Name: "PORT", Value: "3001"},
		{Name: "PIANKI_DATA_DIR", Value: "/data"},
	})

	want := "HOME=/root,PORT=80,PORT=3001,PIANKI_DATA_DIR=/data"
	if got := strings.Join(env, ","); got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestExitStatusString(t *testing.T) {
	tests := []struct {
		status ExitStatus
		want   string
	}{
		{ExitStatus{}, "exit code 0"},
		{ExitStatus{Code: 2}, "exit code 2"},
		{ExitStatus{Code: -1, Signal: "killed"}, "signal: killed"},
		{ExitStatus{Code: -1, Err: errors.New("wait failed")}, "wait failed"},
	}
	for _, tt := range tests {
		if got := tt.status.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestLauncher_SlowWriterKeepsLineWhole(t *testing.T) {
	cmd := newFakeCommand(5)
	_, events, err := fakeLauncher(cmd, nil).Spawn(enabledSpec())
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	go func() {
		io.WriteString(cmd.stdoutW, "server listening on http://localhost:")
		time.Sleep(250 * time.Millisecond)
		io.WriteString(cmd.stdoutW, "9911\n")
		cmd.exit(nil)
	}()

	got := lines(drain(t, events), OutputStdout)
	if len(got) != 1 || got[0] != "server listening on http://localhost:9911" {
		t.Errorf("expected one whole line, got %q", got)
	}
}

func TestLauncher_KillReachesGrandchildren(t *testing.T) {
	sh := requireShell(t)
	child, events, err := NewLauncher().Spawn(LaunchSpec{
		Executable: sh,
		// The background sleep inherits stdout and keeps it open.
		Args:    []string{"-c", "sleep 30 & echo up; wait"},
		Enabled: true,
	})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	if first := <-events; first.Data != "up" {
		t.Fatalf("expected first line 'up', got %+v", first)
	}

	if err := (KillTerminator{}).Terminate(child); err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}

	got := drain(t, events)
	if len(got) == 0 || got[len(got)-1].Type != OutputExit {
		t.Fatalf("expected the stream to end with an exit event, got %+v", got)
	}
	select {
	case <-child.Done():
	default:
		t.Error("expected the child to be reaped")
	}
}
