package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const counterModel = `
agent_types:
  - id: 0
    name: Counter
    fields:
      - name: v
        offset: 0
        size: 8
        scalar: int64
        qualifier: public_non_critical
`

func writeCounterModel(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.yaml")
	if err := os.WriteFile(path, []byte(counterModel), 0o644); err != nil {
		t.Fatalf("write model: %v", err)
	}
	return path
}

func TestRunCommandRequiresModel(t *testing.T) {
	if err := run(context.Background(), []string{"run"}); err == nil {
		t.Fatal("expected error when --model is missing")
	}
}

func TestUnknownCommand(t *testing.T) {
	if err := run(context.Background(), []string{"bogus"}); err == nil {
		t.Fatal("expected error for unknown command")
	}
}

func TestRunAndQuitOverIPC(t *testing.T) {
	modelPath := writeCounterModel(t)
	socketPath := filepath.Join(t.TempDir(), "distsim.sock")

	runErr := make(chan error, 1)
	go func() {
		runErr <- run(context.Background(), []string{
			"run",
			"--model", modelPath,
			"--total-masters", "1",
			"--num-shards", "1",
			"--total-agent-types", "1",
			"--period", "1",
			"--socket", socketPath,
		})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(socketPath); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for control socket")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := run(context.Background(), []string{"quit", "--socket", socketPath}); err != nil {
		t.Fatalf("quit: %v", err)
	}

	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("run command returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cluster to shut down")
	}
}

// TestRunUntilPausedThenPauseAndQuit drives the no-count "run" / "pause"
// lifecycle the way a real operator does: each subcommand is its own CLI
// invocation, dialing a brand-new connection to the control socket. This
// only succeeds if the control plane can accept and service the "pause"
// connection while the unbounded "run" connection is still open and
// in flight.
func TestRunUntilPausedThenPauseAndQuit(t *testing.T) {
	modelPath := writeCounterModel(t)
	socketPath := filepath.Join(t.TempDir(), "distsim.sock")

	runErr := make(chan error, 1)
	go func() {
		runErr <- run(context.Background(), []string{
			"run",
			"--model", modelPath,
			"--total-masters", "1",
			"--num-shards", "1",
			"--total-agent-types", "1",
			"--period", "1",
			"--socket", socketPath,
		})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(socketPath); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for control socket")
		}
		time.Sleep(10 * time.Millisecond)
	}

	runCmdErr := make(chan error, 1)
	go func() {
		runCmdErr <- run(context.Background(), []string{"run", "--socket", socketPath})
	}()

	// Give the unbounded run command's own connection a moment to actually
	// be accepted and in flight before pausing it.
	time.Sleep(50 * time.Millisecond)

	pauseDone := make(chan error, 1)
	go func() {
		pauseDone <- run(context.Background(), []string{"pause", "--socket", socketPath})
	}()

	select {
	case err := <-pauseDone:
		if err != nil {
			t.Fatalf("pause: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pause command never completed: run connection is starving it out")
	}

	select {
	case err := <-runCmdErr:
		if err != nil {
			t.Fatalf("unbounded run command: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("unbounded run command never returned after pause")
	}

	if err := run(context.Background(), []string{"quit", "--socket", socketPath}); err != nil {
		t.Fatalf("quit: %v", err)
	}

	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("run command returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cluster to shut down")
	}
}
