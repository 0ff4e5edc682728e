package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/go-warden/internal/bus"
	"github.com/basket/go-warden/internal/ports"
	"github.com/basket/go-warden/internal/supervisor"
)

// fakeRunner stands in for the supervisor so lifecycle tests never fork.
type fakeRunner struct {
	mu         sync.Mutex
	spawned    []supervisor.Spec
	terminated []string
	alive      map[string]bool
	spawnErr   error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{alive: make(map[string]bool)}
}

func (f *fakeRunner) Spawn(_ context.Context, spec supervisor.Spec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.spawnErr != nil {
		return f.spawnErr
	}
	f.spawned = append(f.spawned, spec)
	f.alive[spec.AgentID] = true
	return nil
}

func (f *fakeRunner) Terminate(_ context.Context, agentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, agentID)
	delete(f.alive, agentID)
	return nil
}

func (f *fakeRunner) Alive(agentID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[agentID]
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testRanges() map[string]ports.Range {
	return map[string]ports.Range{
		string(TierCoordinator): {Start: 42100, End: 42109},
		string(TierSpecialist):  {Start: 42110, End: 42119},
		string(TierWorker):      {Start: 42120, End: 42129},
		string(TierUtility):     {Start: 42130, End: 42139},
	}
}

func newTestRegistry(t *testing.T, runner Runner) (*Registry, string) {
	t.Helper()
	home := t.TempDir()
	store, err := NewStore(filepath.Join(home, "registry.json"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	agentsDir := filepath.Join(home, "agents")
	if err := os.MkdirAll(agentsDir, 0o755); err != nil {
		t.Fatalf("mkdir agents: %v", err)
	}
	reg, err := New(Options{
		Store:         store,
		Ports:         ports.NewAllocator(testRanges()),
		Runner:        runner,
		Bus:           bus.New(),
		Logger:        testLogger(),
		Templates:     NewTemplateGenerator(agentsDir),
		RestartSettle: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return reg, home
}

func TestRegisterAssignsPortAndGeneratesScript(t *testing.T) {
	reg, _ := newTestRegistry(t, newFakeRunner())
	ctx := context.Background()

	def, err := reg.Register(ctx, AgentDefinition{ID: "alpha", Tier: TierCoordinator})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if def.Port < 42100 || def.Port > 42109 {
		t.Errorf("port %d outside coordinator range", def.Port)
	}
	if def.HierarchyLevel != 1 {
		t.Errorf("hierarchy level = %d, want 1", def.HierarchyLevel)
	}
	if def.Status != StatusInactive {
		t.Errorf("status = %s, want INACTIVE", def.Status)
	}
	if def.ScriptPath == "" {
		t.Fatal("expected generated script path")
	}
	if _, err := os.Stat(def.ScriptPath); err != nil {
		t.Errorf("generated script missing: %v", err)
	}
	if def.Metadata[MetaGeneratedScript] != "true" {
		t.Error("generated script not marked in metadata")
	}
}

func TestRegisterDuplicateID(t *testing.T) {
	reg, _ := newTestRegistry(t, newFakeRunner())
	ctx := context.Background()

	if _, err := reg.Register(ctx, AgentDefinition{ID: "alpha"}); err != nil {
		t.Fatalf("first register: %v", err)
	}
	_, err := reg.Register(ctx, AgentDefinition{ID: "alpha"})
	if !errors.Is(err, ErrDuplicateAgent) {
		t.Fatalf("error = %v, want ErrDuplicateAgent", err)
	}
}

func TestRegisterRejectsUnknownTier(t *testing.T) {
	reg, _ := newTestRegistry(t, newFakeRunner())
	_, err := reg.Register(context.Background(), AgentDefinition{ID: "x", Tier: "deity"})
	if err == nil {
		t.Fatal("expected error for unknown tier")
	}
}

func TestRegisterExplicitPortOutOfRange(t *testing.T) {
	reg, _ := newTestRegistry(t, newFakeRunner())
	_, err := reg.Register(context.Background(), AgentDefinition{
		ID: "x", Tier: TierWorker, Port: 42100, // coordinator range
	})
	if err == nil {
		t.Fatal("expected error for port outside tier range")
	}
}

func TestStartDependencyGating(t *testing.T) {
	runner := newFakeRunner()
	reg, _ := newTestRegistry(t, runner)
	ctx := context.Background()

	if _, err := reg.Register(ctx, AgentDefinition{ID: "alpha", Tier: TierCoordinator}); err != nil {
		t.Fatalf("register alpha: %v", err)
	}
	if _, err := reg.Register(ctx, AgentDefinition{
		ID: "beta", Tier: TierWorker, Dependencies: []string{"alpha"},
	}); err != nil {
		t.Fatalf("register beta: %v", err)
	}

	err := reg.Start(ctx, "beta")
	var depErr *DependencyNotMetError
	if !errors.As(err, &depErr) {
		t.Fatalf("error = %v, want DependencyNotMetError", err)
	}
	if len(depErr.Missing) != 1 || depErr.Missing[0] != "alpha" {
		t.Errorf("missing = %v, want [alpha]", depErr.Missing)
	}
	got, _ := reg.Get("beta")
	if got.Status != StatusInactive {
		t.Errorf("beta status = %s after failed gate, want INACTIVE", got.Status)
	}

	if err := reg.Start(ctx, "alpha"); err != nil {
		t.Fatalf("start alpha: %v", err)
	}
	if err := reg.Start(ctx, "beta"); err != nil {
		t.Fatalf("start beta after dependency active: %v", err)
	}
	got, _ = reg.Get("beta")
	if got.Status != StatusActive {
		t.Errorf("beta status = %s, want ACTIVE", got.Status)
	}
}

func TestStartSpawnFailureMovesToError(t *testing.T) {
	runner := newFakeRunner()
	runner.spawnErr = fmt.Errorf("script crashed on launch")
	reg, _ := newTestRegistry(t, runner)
	ctx := context.Background()

	if _, err := reg.Register(ctx, AgentDefinition{ID: "alpha"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Start(ctx, "alpha"); err == nil {
		t.Fatal("expected spawn error")
	}
	got, _ := reg.Get("alpha")
	if got.Status != StatusError {
		t.Errorf("status = %s, want ERROR", got.Status)
	}

	// ERROR is not directly startable; restart is the recovery path.
	err := reg.Start(ctx, "alpha")
	var transErr *IllegalTransitionError
	if !errors.As(err, &transErr) {
		t.Fatalf("error = %v, want IllegalTransitionError", err)
	}

	runner.mu.Lock()
	runner.spawnErr = nil
	runner.mu.Unlock()
	if err := reg.Restart(ctx, "alpha"); err != nil {
		t.Fatalf("Restart out of ERROR: %v", err)
	}
	got, _ = reg.Get("alpha")
	if got.Status != StatusActive {
		t.Errorf("status = %s after restart, want ACTIVE", got.Status)
	}
}

func TestStartPassesSpecToRunner(t *testing.T) {
	runner := newFakeRunner()
	reg, _ := newTestRegistry(t, runner)
	ctx := context.Background()

	def, err := reg.Register(ctx, AgentDefinition{ID: "alpha", Tier: TierSpecialist})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Start(ctx, "alpha"); err != nil {
		t.Fatalf("start: %v", err)
	}
	runner.mu.Lock()
	defer runner.mu.Unlock()
	if len(runner.spawned) != 1 {
		t.Fatalf("spawned %d times, want 1", len(runner.spawned))
	}
	spec := runner.spawned[0]
	if spec.AgentID != "alpha" || spec.Port != def.Port || spec.Tier != string(TierSpecialist) {
		t.Errorf("spec = %+v, does not match definition", spec)
	}
}

func TestStartActiveIsIdempotent(t *testing.T) {
	runner := newFakeRunner()
	reg, _ := newTestRegistry(t, runner)
	ctx := context.Background()

	reg.Register(ctx, AgentDefinition{ID: "alpha"})
	if err := reg.Start(ctx, "alpha"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := reg.Start(ctx, "alpha"); err != nil {
		t.Fatalf("second start: %v", err)
	}
	runner.mu.Lock()
	defer runner.mu.Unlock()
	if len(runner.spawned) != 1 {
		t.Errorf("spawned %d times, want 1", len(runner.spawned))
	}
}

func TestStopInactiveIsNoop(t *testing.T) {
	runner := newFakeRunner()
	reg, _ := newTestRegistry(t, runner)
	ctx := context.Background()

	reg.Register(ctx, AgentDefinition{ID: "alpha"})
	if err := reg.Stop(ctx, "alpha"); err != nil {
		t.Fatalf("stop of inactive agent: %v", err)
	}
	runner.mu.Lock()
	defer runner.mu.Unlock()
	if len(runner.terminated) != 0 {
		t.Errorf("terminate called %d times on inactive agent", len(runner.terminated))
	}
}

func TestAutoStartOnRegister(t *testing.T) {
	runner := newFakeRunner()
	reg, _ := newTestRegistry(t, runner)

	def, err := reg.Register(context.Background(), AgentDefinition{ID: "alpha", AutoStart: true})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if def.Status != StatusActive {
		t.Errorf("status = %s, want ACTIVE after auto-start", def.Status)
	}
}

func TestUnregisterReleasesPortAndScript(t *testing.T) {
	runner := newFakeRunner()
	reg, _ := newTestRegistry(t, runner)
	ctx := context.Background()

	def, err := reg.Register(ctx, AgentDefinition{ID: "alpha", Tier: TierWorker})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Start(ctx, "alpha"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := reg.Unregister(ctx, "alpha"); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if _, err := reg.Get("alpha"); !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("Get after unregister = %v, want ErrAgentNotFound", err)
	}
	if _, err := os.Stat(def.ScriptPath); !os.IsNotExist(err) {
		t.Errorf("generated script not removed: %v", err)
	}
	runner.mu.Lock()
	terminated := len(runner.terminated)
	runner.mu.Unlock()
	if terminated != 1 {
		t.Errorf("terminate called %d times, want 1", terminated)
	}

	// The freed port goes back to the pool.
	again, err := reg.Register(ctx, AgentDefinition{ID: "beta", Tier: TierWorker, Port: def.Port})
	if err != nil {
		t.Fatalf("register on released port: %v", err)
	}
	if again.Port != def.Port {
		t.Errorf("port = %d, want %d", again.Port, def.Port)
	}
}

func TestUnregisterLastAgentSurvivesReload(t *testing.T) {
	reg, home := newTestRegistry(t, newFakeRunner())
	ctx := context.Background()

	if _, err := reg.Register(ctx, AgentDefinition{ID: "alpha", Tier: TierWorker}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Unregister(ctx, "alpha"); err != nil {
		t.Fatalf("unregister: %v", err)
	}

	// The emptied document must still load: the agents member is [] on
	// disk, never null.
	store, err := NewStore(filepath.Join(home, "registry.json"))
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	reloaded, err := New(Options{
		Store:  store,
		Ports:  ports.NewAllocator(testRanges()),
		Runner: newFakeRunner(),
		Logger: testLogger(),
	})
	if err != nil {
		t.Fatalf("reload after unregistering last agent: %v", err)
	}
	if got := reloaded.List(""); len(got) != 0 {
		t.Errorf("got %d agents after reload, want 0", len(got))
	}
}

func TestRegistryPersistsAcrossReload(t *testing.T) {
	runner := newFakeRunner()
	reg, home := newTestRegistry(t, runner)
	ctx := context.Background()

	if _, err := reg.Register(ctx, AgentDefinition{ID: "alpha", Tier: TierCoordinator}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Start(ctx, "alpha"); err != nil {
		t.Fatalf("start: %v", err)
	}

	store, err := NewStore(filepath.Join(home, "registry.json"))
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	reloaded, err := New(Options{
		Store:  store,
		Ports:  ports.NewAllocator(testRanges()),
		Runner: newFakeRunner(),
		Logger: testLogger(),
	})
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	got, err := reloaded.Get("alpha")
	if err != nil {
		t.Fatalf("get after reload: %v", err)
	}
	// A fresh process does not own the old process handles.
	if got.Status != StatusInactive {
		t.Errorf("status after reload = %s, want INACTIVE", got.Status)
	}
	if got.Tier != TierCoordinator {
		t.Errorf("tier = %s, want coordinator", got.Tier)
	}
}

func TestPersistFailureRetriedOnNextMutation(t *testing.T) {
	home := t.TempDir()
	docPath := filepath.Join(home, "state", "registry.json")
	store, err := NewStore(docPath)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	reg, err := New(Options{
		Store:     store,
		Ports:     ports.NewAllocator(testRanges()),
		Runner:    newFakeRunner(),
		Logger:    testLogger(),
		Templates: NewTemplateGenerator(filepath.Join(home, "agents")),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	// A regular file where the state directory belongs makes every save
	// fail. The mutation itself must still succeed.
	if err := os.WriteFile(filepath.Join(home, "state"), nil, 0o644); err != nil {
		t.Fatalf("write blocker: %v", err)
	}
	if _, err := reg.Register(ctx, AgentDefinition{ID: "alpha", Tier: TierWorker}); err != nil {
		t.Fatalf("register with unwritable store: %v", err)
	}
	// With a regular file blocking the state directory, stat fails with
	// ENOTDIR rather than ENOENT; any error means no document was written.
	if _, err := os.Stat(docPath); err == nil {
		t.Fatal("document unexpectedly written")
	}

	// Once the path is writable again the next mutation persists the full
	// state, alpha included.
	if err := os.Remove(filepath.Join(home, "state")); err != nil {
		t.Fatalf("remove blocker: %v", err)
	}
	if _, err := reg.Register(ctx, AgentDefinition{ID: "beta", Tier: TierWorker}); err != nil {
		t.Fatalf("register: %v", err)
	}
	doc, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(doc.Agents) != 2 {
		t.Fatalf("persisted %d agents, want 2 (alpha recovered, beta new)", len(doc.Agents))
	}
}

func TestListOrdersByHierarchyThenID(t *testing.T) {
	reg, _ := newTestRegistry(t, newFakeRunner())
	ctx := context.Background()

	for _, a := range []AgentDefinition{
		{ID: "zeta", Tier: TierWorker},
		{ID: "alpha", Tier: TierWorker},
		{ID: "boss", Tier: TierCoordinator},
		{ID: "sweeper", Tier: TierUtility},
	} {
		if _, err := reg.Register(ctx, a); err != nil {
			t.Fatalf("register %s: %v", a.ID, err)
		}
	}

	all := reg.List("")
	gotIDs := make([]string, len(all))
	for i, a := range all {
		gotIDs[i] = a.ID
	}
	want := []string{"boss", "alpha", "zeta", "sweeper"}
	for i := range want {
		if gotIDs[i] != want[i] {
			t.Fatalf("order = %v, want %v", gotIDs, want)
		}
	}

	workers := reg.List(TierWorker)
	if len(workers) != 2 {
		t.Errorf("len(workers) = %d, want 2", len(workers))
	}
}

func TestPortOwnerOnlyForRunningAgents(t *testing.T) {
	runner := newFakeRunner()
	reg, _ := newTestRegistry(t, runner)
	ctx := context.Background()

	def, _ := reg.Register(ctx, AgentDefinition{ID: "alpha", Tier: TierWorker})
	if _, ok := reg.PortOwner(def.Port); ok {
		t.Error("inactive agent reported as port owner")
	}
	reg.Start(ctx, "alpha")
	owner, ok := reg.PortOwner(def.Port)
	if !ok || owner != "alpha" {
		t.Errorf("PortOwner = %q,%v, want alpha,true", owner, ok)
	}
}

func TestMarkUnhealthy(t *testing.T) {
	runner := newFakeRunner()
	reg, _ := newTestRegistry(t, runner)
	ctx := context.Background()

	reg.Register(ctx, AgentDefinition{ID: "alpha"})
	reg.Start(ctx, "alpha")
	reg.MarkUnhealthy(ctx, "alpha", "process exited unexpectedly")
	got, _ := reg.Get("alpha")
	if got.Status != StatusError {
		t.Errorf("status = %s, want ERROR", got.Status)
	}

	// Only ACTIVE agents are marked; a second call is a no-op.
	reg.MarkUnhealthy(ctx, "alpha", "again")
	got, _ = reg.Get("alpha")
	if got.Status != StatusError {
		t.Errorf("status = %s after second mark, want ERROR", got.Status)
	}
}

func TestLifecycleEventsPublished(t *testing.T) {
	runner := newFakeRunner()
	home := t.TempDir()
	store, err := NewStore(filepath.Join(home, "registry.json"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	b := bus.New()
	reg, err := New(Options{
		Store:     store,
		Ports:     ports.NewAllocator(testRanges()),
		Runner:    runner,
		Bus:       b,
		Logger:    testLogger(),
		Templates: NewTemplateGenerator(filepath.Join(home, "agents")),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	sub := b.Subscribe("agent.")
	defer b.Unsubscribe(sub)

	ctx := context.Background()
	reg.Register(ctx, AgentDefinition{ID: "alpha"})
	reg.Start(ctx, "alpha")
	reg.Stop(ctx, "alpha")

	wantTopics := []string{bus.TopicAgentRegistered, bus.TopicAgentStarted, bus.TopicAgentStopped}
	for _, want := range wantTopics {
		select {
		case ev := <-sub.Ch():
			if ev.Topic != want {
				t.Fatalf("topic = %s, want %s", ev.Topic, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}
