package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeScript(t *testing.T, name, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func testSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "logs"), 300*time.Millisecond, 2*time.Second, nil)
}

func TestSpawnAndTerminate(t *testing.T) {
	s := testSupervisor(t)
	script := writeScript(t, "sleeper_agent.sh", "#!/bin/sh\ntrap 'exit 0' TERM\nwhile :; do sleep 0.1; done\n")

	spec := Spec{AgentID: "sleeper", ScriptPath: script, Port: 9500, Tier: "worker"}
	if err := s.Spawn(context.Background(), spec); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if !s.Alive("sleeper") {
		t.Fatal("agent not alive after spawn")
	}
	if _, ok := s.Pids()["sleeper"]; !ok {
		t.Fatal("pid not tracked")
	}

	if err := s.Terminate(context.Background(), "sleeper"); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if s.Alive("sleeper") {
		t.Fatal("agent still alive after terminate")
	}
	if len(s.Pids()) != 0 {
		t.Fatalf("pids = %v, want empty", s.Pids())
	}
}

func TestSpawnEarlyExitIsLaunchFailure(t *testing.T) {
	s := testSupervisor(t)
	script := writeScript(t, "broken_agent.sh", "#!/bin/sh\necho 'boom' >&2\nexit 3\n")

	err := s.Spawn(context.Background(), Spec{AgentID: "broken", ScriptPath: script})
	if err == nil {
		t.Fatal("expected launch failure for early-exit script")
	}
	launchErr, ok := err.(*ProcessLaunchError)
	if !ok {
		t.Fatalf("error type = %T, want *ProcessLaunchError", err)
	}
	if launchErr.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", launchErr.ExitCode)
	}
	if s.Alive("broken") {
		t.Error("failed launch left a tracked process")
	}

	// Stderr landed in the agent log.
	data, err := os.ReadFile(s.LogPath("broken"))
	if err != nil {
		t.Fatalf("read agent log: %v", err)
	}
	if !strings.Contains(string(data), "boom") {
		t.Errorf("agent log missing stderr output: %q", data)
	}
}

func TestSpawnMissingInterpreterTarget(t *testing.T) {
	s := testSupervisor(t)

	err := s.Spawn(context.Background(), Spec{AgentID: "ghost", ScriptPath: "/nonexistent/ghost_agent.sh"})
	if err == nil {
		t.Fatal("expected error for missing script")
	}
	if _, ok := err.(*ProcessLaunchError); !ok {
		t.Fatalf("error type = %T, want *ProcessLaunchError", err)
	}
}

func TestTerminateEscalatesToKill(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "logs"), 300*time.Millisecond, 500*time.Millisecond, nil)
	// Ignores TERM; only SIGKILL ends it.
	script := writeScript(t, "stubborn_agent.sh", "#!/bin/sh\ntrap '' TERM\nwhile :; do sleep 0.1; done\n")

	if err := s.Spawn(context.Background(), Spec{AgentID: "stubborn", ScriptPath: script}); err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	start := time.Now()
	if err := s.Terminate(context.Background(), "stubborn"); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 400*time.Millisecond {
		t.Errorf("terminate returned in %v, before the graceful window", elapsed)
	}
	if s.Alive("stubborn") {
		t.Fatal("agent alive after kill escalation")
	}
}

func TestTerminateUnknownAgentIsNoop(t *testing.T) {
	s := testSupervisor(t)
	if err := s.Terminate(context.Background(), "nobody"); err != nil {
		t.Fatalf("Terminate unknown: %v", err)
	}
}

func TestSpawnDuplicateRejected(t *testing.T) {
	s := testSupervisor(t)
	script := writeScript(t, "dup_agent.sh", "#!/bin/sh\ntrap 'exit 0' TERM\nwhile :; do sleep 0.1; done\n")

	spec := Spec{AgentID: "dup", ScriptPath: script}
	if err := s.Spawn(context.Background(), spec); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer s.Terminate(context.Background(), "dup")

	if err := s.Spawn(context.Background(), spec); err == nil {
		t.Fatal("expected duplicate spawn to fail")
	}
}

func TestSpawnConcurrentDuplicateAdmitsOne(t *testing.T) {
	s := testSupervisor(t)
	script := writeScript(t, "race_agent.sh", "#!/bin/sh\ntrap 'exit 0' TERM\nwhile :; do sleep 0.1; done\n")
	defer s.Terminate(context.Background(), "race")

	spec := Spec{AgentID: "race", ScriptPath: script}
	start := make(chan struct{})
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			<-start
			errs <- s.Spawn(context.Background(), spec)
		}()
	}
	close(start)

	var failed int
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			failed++
		}
	}
	if failed != 1 {
		t.Fatalf("%d of 2 concurrent spawns failed, want exactly 1", failed)
	}
	if pids := s.Pids(); len(pids) != 1 {
		t.Fatalf("pids = %v, want a single tracked process", pids)
	}
}

func TestTerminateAll(t *testing.T) {
	s := testSupervisor(t)
	script := writeScript(t, "multi_agent.sh", "#!/bin/sh\ntrap 'exit 0' TERM\nwhile :; do sleep 0.1; done\n")

	for _, id := range []string{"a1", "a2"} {
		if err := s.Spawn(context.Background(), Spec{AgentID: id, ScriptPath: script}); err != nil {
			t.Fatalf("Spawn %s: %v", id, err)
		}
	}

	s.TerminateAll(context.Background())
	if len(s.Pids()) != 0 {
		t.Fatalf("pids after TerminateAll = %v", s.Pids())
	}
}
