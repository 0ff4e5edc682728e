package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestMatchesNamingConvention(t *testing.T) {
	cases := []struct {
		name   string
		wantID string
		wantOK bool
	}{
		{"harvester_agent.sh", "harvester", true},
		{"agent_harvester.sh", "harvester", true},
		{"data_pipeline_agent.py", "data_pipeline", true},
		{"agent_sorter.py", "sorter", true},
		{"harvester.sh", "", false},
		{"agent_.sh", "", false},
		{"_agent.sh", "", false},
		{"harvester_agent.rb", "", false},
		{"notes.txt", "", false},
		{"agent_harvester_agent.sh", "agent_harvester", true},
	}
	for _, tc := range cases {
		id, ok := MatchesNamingConvention(tc.name)
		if ok != tc.wantOK || id != tc.wantID {
			t.Errorf("MatchesNamingConvention(%q) = %q,%v, want %q,%v",
				tc.name, id, ok, tc.wantID, tc.wantOK)
		}
	}
}

func writeAgentScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestScanRegistersUnknownScriptsWithoutStarting(t *testing.T) {
	runner := newFakeRunner()
	reg, home := newTestRegistry(t, runner)
	dir := filepath.Join(home, "agents")

	writeAgentScript(t, dir, "harvester_agent.sh",
		"#!/bin/sh\n# collects and transforms feed data\nsleep 1\n")
	writeAgentScript(t, dir, "notes.txt", "not an agent\n")

	d := NewDiscovery(reg, dir, testLogger())
	ids, err := d.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(ids) != 1 || ids[0] != "harvester" {
		t.Fatalf("registered = %v, want [harvester]", ids)
	}

	got, err := reg.Get("harvester")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusInactive {
		t.Errorf("status = %s, discovered agents must never be started", got.Status)
	}
	if got.AutoStart {
		t.Error("discovered agent has auto_start set")
	}
	if got.Metadata[MetaDiscovered] != "true" {
		t.Error("discovered marker missing from metadata")
	}
	runner.mu.Lock()
	defer runner.mu.Unlock()
	if len(runner.spawned) != 0 {
		t.Errorf("discovery spawned %d processes", len(runner.spawned))
	}
}

func TestScanSkipsKnownAgents(t *testing.T) {
	reg, home := newTestRegistry(t, newFakeRunner())
	dir := filepath.Join(home, "agents")
	ctx := context.Background()

	existing, err := reg.Register(ctx, AgentDefinition{ID: "harvester", Tier: TierSpecialist})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	d := NewDiscovery(reg, dir, testLogger())
	ids, err := d.Scan(ctx)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("registered = %v, want none", ids)
	}
	got, _ := reg.Get("harvester")
	if got.Tier != existing.Tier || got.ScriptPath != existing.ScriptPath {
		t.Error("scan mutated an already-registered agent")
	}
}

func TestScanIsIdempotent(t *testing.T) {
	reg, home := newTestRegistry(t, newFakeRunner())
	dir := filepath.Join(home, "agents")
	writeAgentScript(t, dir, "sorter_agent.sh", "#!/bin/sh\nsleep 1\n")

	d := NewDiscovery(reg, dir, testLogger())
	ctx := context.Background()
	if ids, _ := d.Scan(ctx); len(ids) != 1 {
		t.Fatalf("first scan registered %v", ids)
	}
	if ids, _ := d.Scan(ctx); len(ids) != 0 {
		t.Fatalf("second scan registered %v, want none", ids)
	}
}

func TestScanRecordsTierHint(t *testing.T) {
	reg, home := newTestRegistry(t, newFakeRunner())
	dir := filepath.Join(home, "agents")
	writeAgentScript(t, dir, "janitor_agent.sh",
		"#!/bin/sh\n# nightly cleanup of stale work directories\nsleep 1\n")

	d := NewDiscovery(reg, dir, testLogger())
	if _, err := d.Scan(context.Background()); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	got, err := reg.Get("janitor")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	// Hints inform the operator; the registered tier stays conservative.
	if got.Tier != TierWorker {
		t.Errorf("tier = %s, want worker", got.Tier)
	}
	if got.Metadata[MetaTierHint] != string(TierUtility) {
		t.Errorf("tier hint = %q, want utility", got.Metadata[MetaTierHint])
	}
}

func TestScanMissingDirIsNoop(t *testing.T) {
	reg, home := newTestRegistry(t, newFakeRunner())
	d := NewDiscovery(reg, filepath.Join(home, "does-not-exist"), testLogger())
	ids, err := d.Scan(context.Background())
	if err != nil || len(ids) != 0 {
		t.Fatalf("Scan = %v,%v, want empty no-op", ids, err)
	}
}
