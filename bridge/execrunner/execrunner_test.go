package execrunner

import (
	"context"
	"testing"
	"time"
)

func TestRunTimedCmdCapturesOutput(t *testing.T) {
	r := New()
	result, err := r.RunTimedCmd(context.Background(), time.Second, []string{"echo", "hello"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Stdout != "hello\n" {
		t.Fatalf("unexpected stdout: %q", result.Stdout)
	}
	if result.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %d", result.ExitCode)
	}
}

func TestRunTimedCmdTimesOut(t *testing.T) {
	r := New()
	_, err := r.RunTimedCmd(context.Background(), 20*time.Millisecond, []string{"sleep", "1"})
	if err == nil {
		t.Fatal("expected a timeout error")
	}
}

func TestRunInBackgroundAndDestroy(t *testing.T) {
	r := New()
	proc, err := r.RunInBackground([]string{"sleep", "5"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pid, ok := proc.Pid(); !ok || pid <= 0 {
		t.Fatalf("expected a positive pid, got %d ok=%v", pid, ok)
	}
	if !proc.Alive() {
		t.Fatal("expected process to be alive immediately after start")
	}
	if err := proc.Destroy(); err != nil {
		t.Fatalf("unexpected error destroying process: %v", err)
	}
	_ = proc.Wait()
}

func TestFastbootSerialPattern(t *testing.T) {
	out := "015d188c1234abcd\tfastboot\nanother123\tfastboot\n"
	matches := fastbootSerialPattern.FindAllStringSubmatch(out, -1)
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d: %+v", len(matches), matches)
	}
	if matches[0][1] != "015d188c1234abcd" || matches[1][1] != "another123" {
		t.Fatalf("unexpected serials parsed: %+v", matches)
	}
}
