package procutil

import (
	"os"
	"os/exec"
	"testing"
	"time"
)

func TestPIDAlive_CurrentProcessIsAlive(t *testing.T) {
	if !PIDAlive(os.Getpid()) {
		t.Fatal("expected the current process to be reported alive")
	}
}

func TestPIDAlive_NonPositivePID(t *testing.T) {
	if PIDAlive(0) || PIDAlive(-1) {
		t.Fatal("non-positive PIDs must never be reported alive")
	}
}

func TestPIDAlive_UnlikelyPIDIsNotAlive(t *testing.T) {
	// A PID this large is virtually certain not to correspond to a live
	// process on any system running this test.
	if PIDAlive(1 << 30) {
		t.Fatal("expected an implausible PID to be reported not alive")
	}
}

func TestSignalGroup_NilCommandIsNoop(t *testing.T) {
	if err := SignalGroup(nil, 0); err != nil {
		t.Fatalf("SignalGroup(nil) = %v, want nil", err)
	}
	if err := SignalGroup(&exec.Cmd{}, 0); err != nil {
		t.Fatalf("SignalGroup(unstarted) = %v, want nil", err)
	}
}

func TestTerminateGroup_ExitsPromptlyOnSIGTERM(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	SetProcessGroup(cmd)
	if err := cmd.Start(); err != nil {
		t.Skipf("cannot start test process: %v", err)
	}

	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()

	start := time.Now()
	TerminateGroup(cmd, 2*time.Second, done)
	elapsed := time.Since(start)

	select {
	case <-done:
	default:
		t.Fatal("process did not exit after TerminateGroup returned")
	}
	if elapsed >= 2*time.Second {
		t.Fatalf("TerminateGroup took %s, expected SIGTERM to succeed before the grace escalation", elapsed)
	}
}
