// Package registry is the authoritative store of agent definitions and
// runtime status. All mutations are serialized through a single writer
// lock per Registry instance and persisted to one JSON document; there is
// no global registry state.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/go-warden/internal/bus"
	otelPkg "github.com/basket/go-warden/internal/otel"
	"github.com/basket/go-warden/internal/ports"
	"github.com/basket/go-warden/internal/supervisor"
)

// Runner is what the registry needs from the process supervisor. The
// supervisor keeps exclusive ownership of process handles; the registry
// only ever names agents.
type Runner interface {
	Spawn(ctx context.Context, spec supervisor.Spec) error
	Terminate(ctx context.Context, agentID string) error
	Alive(agentID string) bool
}

// Options wires a Registry's collaborators.
type Options struct {
	Store     *Store
	Ports     *ports.Allocator
	Runner    Runner
	Bus       *bus.Bus
	Logger    *slog.Logger
	Templates *TemplateGenerator

	// RestartSettle is the stop-to-start delay during Restart.
	RestartSettle time.Duration

	// Metrics instruments registry operations when set.
	Metrics *otelPkg.Metrics
}

// Registry manages agent definitions and sequences their lifecycle.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*AgentDefinition
	dirty  bool // last persist failed; retry on next mutation

	store   *Store
	ports   *ports.Allocator
	runner  Runner
	bus     *bus.Bus
	logger  *slog.Logger
	tmpl    *TemplateGenerator
	settle  time.Duration
	metrics *otelPkg.Metrics
}

// New builds a Registry and loads the persisted document. Agents recorded
// as ACTIVE/STARTING by a previous process are reset to INACTIVE: their
// processes are not ours to account for, and the enforcement scanner will
// find any that are still running.
func New(opts Options) (*Registry, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	settle := opts.RestartSettle
	if settle <= 0 {
		settle = 500 * time.Millisecond
	}

	r := &Registry{
		agents:  make(map[string]*AgentDefinition),
		store:   opts.Store,
		ports:   opts.Ports,
		runner:  opts.Runner,
		bus:     opts.Bus,
		logger:  logger,
		tmpl:    opts.Templates,
		settle:  settle,
		metrics: opts.Metrics,
	}

	doc, err := r.store.Load()
	if err != nil {
		return nil, err
	}
	for i := range doc.Agents {
		def := doc.Agents[i].Clone()
		if def.Status.Running() || def.Status == StatusStopping {
			def.Status = StatusInactive
		}
		if def.Port != 0 {
			if err := r.ports.Reserve(string(def.Tier), def.Port); err != nil {
				logger.Warn("could not re-reserve port from document",
					"agent_id", def.ID, "port", def.Port, "error", err)
			}
		}
		r.agents[def.ID] = &def
	}
	if len(doc.Agents) > 0 {
		r.mu.Lock()
		r.persistLocked()
		r.mu.Unlock()
	}
	return r, nil
}

// Register adds a new agent definition. The id must be unused; a port is
// reserved (explicit or allocated for the tier); a script skeleton is
// generated when none is supplied. With AutoStart set the agent is started
// immediately, and a start failure leaves it registered in ERROR.
func (r *Registry) Register(ctx context.Context, def AgentDefinition) (AgentDefinition, error) {
	if strings.TrimSpace(def.ID) == "" {
		return AgentDefinition{}, fmt.Errorf("agent id must be non-empty")
	}
	if def.Tier == "" {
		def.Tier = TierWorker
	}
	if _, err := ParseTier(string(def.Tier)); err != nil {
		r.countOpError(ctx, "register")
		return AgentDefinition{}, err
	}
	for _, dep := range def.Dependencies {
		if dep == def.ID {
			return AgentDefinition{}, fmt.Errorf("agent %q cannot depend on itself", def.ID)
		}
	}
	if def.Name == "" {
		def.Name = def.ID
	}

	r.mu.Lock()
	if _, exists := r.agents[def.ID]; exists {
		r.mu.Unlock()
		r.countOpError(ctx, "register")
		return AgentDefinition{}, fmt.Errorf("%w: %s", ErrDuplicateAgent, def.ID)
	}

	// Port: explicit ports are validated against the tier range and the
	// reservation table; otherwise allocate from the tier's pool.
	var err error
	if def.Port != 0 {
		err = r.ports.Reserve(string(def.Tier), def.Port)
	} else {
		def.Port, err = r.ports.Allocate(string(def.Tier))
	}
	if err != nil {
		r.mu.Unlock()
		r.countOpError(ctx, "register")
		return AgentDefinition{}, err
	}

	if def.ScriptPath == "" && r.tmpl != nil {
		path, genErr := r.tmpl.Generate(def)
		if genErr != nil {
			r.ports.Release(def.Port)
			r.mu.Unlock()
			r.countOpError(ctx, "register")
			return AgentDefinition{}, genErr
		}
		def.ScriptPath = path
		if def.Metadata == nil {
			def.Metadata = make(map[string]string)
		}
		def.Metadata[MetaGeneratedScript] = "true"
	}

	def.HierarchyLevel = def.Tier.HierarchyLevel()
	def.Status = StatusInactive
	now := time.Now().UTC()
	def.CreatedAt = now
	def.UpdatedAt = now

	stored := def.Clone()
	r.agents[def.ID] = &stored
	r.persistLocked()
	r.mu.Unlock()

	r.countOp(ctx, "register")
	r.publish(bus.TopicAgentRegistered, &stored, "")
	r.logger.Info("agent registered",
		"agent_id", def.ID, "tier", def.Tier, "port", def.Port, "script", def.ScriptPath)

	if def.AutoStart {
		if err := r.Start(ctx, def.ID); err != nil {
			got, _ := r.Get(def.ID)
			return got, err
		}
	}
	got, err := r.Get(def.ID)
	return got, err
}

// Unregister stops the agent if needed, releases its port, removes its
// generated script, deletes the entry, and persists.
func (r *Registry) Unregister(ctx context.Context, id string) error {
	r.mu.RLock()
	def, ok := r.agents[id]
	running := ok && (def.Status.Running() || def.Status == StatusError)
	r.mu.RUnlock()
	if !ok {
		r.countOpError(ctx, "unregister")
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}

	if running {
		if err := r.Stop(ctx, id); err != nil {
			return fmt.Errorf("stop before unregister: %w", err)
		}
	}

	r.mu.Lock()
	def, ok = r.agents[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	if def.Port != 0 {
		r.ports.Release(def.Port)
	}
	if def.Metadata[MetaGeneratedScript] == "true" {
		if err := os.Remove(def.ScriptPath); err != nil && !os.IsNotExist(err) {
			r.logger.Warn("could not remove generated script",
				"agent_id", id, "path", def.ScriptPath, "error", err)
		}
	}
	removed := def.Clone()
	delete(r.agents, id)
	r.persistLocked()
	r.mu.Unlock()

	r.countOp(ctx, "unregister")
	r.publish(bus.TopicAgentUnregistered, &removed, "")
	r.logger.Info("agent unregistered", "agent_id", id)
	return nil
}

// Start transitions the agent to STARTING and spawns its process. Every
// dependency must be ACTIVE at the moment Start is evaluated; otherwise a
// DependencyNotMetError is returned and the agent's status is unchanged.
// A spawn failure moves the agent to ERROR and is never retried
// automatically.
func (r *Registry) Start(ctx context.Context, id string) error {
	r.mu.Lock()
	def, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		r.countOpError(ctx, "start")
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	if def.Status == StatusActive {
		r.mu.Unlock()
		return nil
	}
	if !def.Status.CanTransition(StatusStarting) {
		from := def.Status
		r.mu.Unlock()
		r.countOpError(ctx, "start")
		return &IllegalTransitionError{AgentID: id, From: from, To: StatusStarting}
	}

	// Dependency snapshot: taken under the lock, so it is consistent with
	// the state the transition is decided on. A dependency going down
	// after this point does not retroactively fail the start.
	var missing []string
	for _, depID := range def.Dependencies {
		dep, ok := r.agents[depID]
		if !ok || dep.Status != StatusActive {
			missing = append(missing, depID)
		}
	}
	if len(missing) > 0 {
		r.mu.Unlock()
		r.countOpError(ctx, "start")
		return &DependencyNotMetError{AgentID: id, Missing: missing}
	}

	prev := def.Status
	r.setStatusLocked(def, StatusStarting)
	r.persistLocked()
	spec := supervisor.Spec{
		AgentID:    def.ID,
		ScriptPath: def.ScriptPath,
		Port:       def.Port,
		Tier:       string(def.Tier),
	}
	r.mu.Unlock()

	spawnStart := time.Now()
	err := r.runner.Spawn(ctx, spec)
	if err != nil {
		// The allocator probed the port at reservation time, but an outside
		// process may have bound it since (bind-then-release window).
		// Re-verify and retry once on a fresh port before declaring ERROR.
		if !ports.Probe(spec.Port) {
			if newSpec, reErr := r.reallocatePort(id); reErr == nil {
				r.logger.Warn("port taken at spawn time, retrying on new port",
					"agent_id", id, "old_port", spec.Port, "new_port", newSpec.Port)
				err = r.runner.Spawn(ctx, newSpec)
				spec = newSpec
			}
		}
	}
	r.observeSpawn(ctx, time.Since(spawnStart))

	r.mu.Lock()
	def, ok = r.agents[id]
	if !ok {
		r.mu.Unlock()
		if err == nil {
			_ = r.runner.Terminate(ctx, id)
		}
		return fmt.Errorf("%w: %s (removed during start)", ErrAgentNotFound, id)
	}
	if def.Status != StatusStarting {
		// A concurrent Stop cancelled this start.
		r.mu.Unlock()
		if err == nil {
			_ = r.runner.Terminate(ctx, id)
		}
		return fmt.Errorf("start of agent %q cancelled by stop", id)
	}

	if err != nil {
		r.setStatusLocked(def, StatusError)
		r.persistLocked()
		snapshot := def.Clone()
		r.mu.Unlock()
		r.countOpError(ctx, "start")
		r.publish(bus.TopicAgentError, &snapshot, err.Error())
		r.logger.Error("agent start failed", "agent_id", id, "error", err)
		return err
	}

	r.setStatusLocked(def, StatusActive)
	// Record the pid so a later process (the CLI stopping an agent the
	// daemon spawned, or vice versa) can still reach it.
	if po, ok := r.runner.(interface{ Pids() map[string]int }); ok {
		if pid, ok := po.Pids()[id]; ok {
			if def.Metadata == nil {
				def.Metadata = make(map[string]string)
			}
			def.Metadata[MetaPid] = strconv.Itoa(pid)
		}
	}
	r.persistLocked()
	snapshot := def.Clone()
	r.mu.Unlock()

	r.countOp(ctx, "start")
	r.addActive(ctx, 1)
	r.publishTransition(bus.TopicAgentStarted, &snapshot, string(prev), "")
	r.logger.Info("agent started", "agent_id", id, "port", snapshot.Port)
	return nil
}

// reallocatePort swaps the agent onto a fresh port from its tier range.
func (r *Registry) reallocatePort(id string) (supervisor.Spec, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	def, ok := r.agents[id]
	if !ok {
		return supervisor.Spec{}, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	newPort, err := r.ports.Allocate(string(def.Tier))
	if err != nil {
		return supervisor.Spec{}, err
	}
	r.ports.Release(def.Port)
	def.Port = newPort
	def.UpdatedAt = time.Now().UTC()
	r.persistLocked()
	return supervisor.Spec{
		AgentID:    def.ID,
		ScriptPath: def.ScriptPath,
		Port:       def.Port,
		Tier:       string(def.Tier),
	}, nil
}

// Stop asks the supervisor for graceful termination with a bounded wait
// (the supervisor escalates to a hard kill) and transitions the agent to
// INACTIVE. Stopping an INACTIVE agent is a no-op. Stop also cancels a
// start that is still in flight.
func (r *Registry) Stop(ctx context.Context, id string) error {
	r.mu.Lock()
	def, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		r.countOpError(ctx, "stop")
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	if def.Status == StatusInactive {
		r.mu.Unlock()
		return nil
	}
	wasActive := def.Status == StatusActive
	r.setStatusLocked(def, StatusStopping)
	r.persistLocked()
	r.mu.Unlock()

	if err := r.runner.Terminate(ctx, id); err != nil {
		r.logger.Warn("terminate error", "agent_id", id, "error", err)
	}

	r.mu.Lock()
	def, ok = r.agents[id]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	r.setStatusLocked(def, StatusInactive)
	delete(def.Metadata, MetaPid)
	r.persistLocked()
	snapshot := def.Clone()
	r.mu.Unlock()

	r.countOp(ctx, "stop")
	if wasActive {
		r.addActive(ctx, -1)
	}
	r.publish(bus.TopicAgentStopped, &snapshot, "")
	r.logger.Info("agent stopped", "agent_id", id)
	return nil
}

// Restart stops the agent, waits the settle delay, and starts it again.
// This is the only path out of ERROR.
func (r *Registry) Restart(ctx context.Context, id string) error {
	if err := r.Stop(ctx, id); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(r.settle):
	}
	return r.Start(ctx, id)
}

// Get returns a copy of the agent's definition.
func (r *Registry) Get(id string) (AgentDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.agents[id]
	if !ok {
		return AgentDefinition{}, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	return def.Clone(), nil
}

// List returns agent definitions ordered by hierarchy level, then id.
// An empty tier returns all agents.
func (r *Registry) List(tier Tier) []AgentDefinition {
	r.mu.RLock()
	out := make([]AgentDefinition, 0, len(r.agents))
	for _, def := range r.agents {
		if tier != "" && def.Tier != tier {
			continue
		}
		out = append(out, def.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].HierarchyLevel != out[j].HierarchyLevel {
			return out[i].HierarchyLevel < out[j].HierarchyLevel
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// PortOwner returns the agent holding port, if that agent is ACTIVE or
// STARTING. Used by the compliance port check.
func (r *Registry) PortOwner(port int) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, def := range r.agents {
		if def.Port == port && def.Status.Running() {
			return id, true
		}
	}
	return "", false
}

// KnownScript reports whether some agent's script path matches path.
func (r *Registry) KnownScript(path string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, def := range r.agents {
		if def.ScriptPath == path {
			return true
		}
	}
	return false
}

// MarkUnhealthy moves an ACTIVE agent whose process has died to ERROR.
// Called by the heartbeat monitor; a no-op for any other status.
func (r *Registry) MarkUnhealthy(ctx context.Context, id, reason string) {
	r.mu.Lock()
	def, ok := r.agents[id]
	if !ok || def.Status != StatusActive {
		r.mu.Unlock()
		return
	}
	r.setStatusLocked(def, StatusError)
	r.persistLocked()
	snapshot := def.Clone()
	r.mu.Unlock()

	r.addActive(ctx, -1)
	r.publish(bus.TopicAgentUnhealthy, &snapshot, reason)
	r.logger.Error("agent unhealthy", "agent_id", id, "reason", reason)
}

// Save persists the current document explicitly, surfacing any error.
func (r *Registry) Save() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.Save(r.documentLocked())
}

// Document returns a snapshot of the persisted form.
func (r *Registry) Document() Document {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.documentLocked()
}

func (r *Registry) documentLocked() Document {
	doc := Document{Version: DocumentVersion}
	for _, def := range r.agents {
		doc.Agents = append(doc.Agents, def.Clone())
	}
	sort.Slice(doc.Agents, func(i, j int) bool {
		if doc.Agents[i].HierarchyLevel != doc.Agents[j].HierarchyLevel {
			return doc.Agents[i].HierarchyLevel < doc.Agents[j].HierarchyLevel
		}
		return doc.Agents[i].ID < doc.Agents[j].ID
	})
	doc.TotalAgents = len(doc.Agents)
	return doc
}

// persistLocked writes the document. A failure is logged and leaves the
// dirty flag set; the next mutation retries instead of failing the
// operation, so an unwritable disk degrades rather than wedges.
func (r *Registry) persistLocked() {
	if err := r.store.Save(r.documentLocked()); err != nil {
		r.dirty = true
		r.logger.Error("registry persist failed, will retry on next mutation",
			"path", r.store.Path(), "error", err)
		return
	}
	if r.dirty {
		r.logger.Info("registry persisted after earlier failure", "path", r.store.Path())
	}
	r.dirty = false
}

func (r *Registry) setStatusLocked(def *AgentDefinition, next Status) {
	def.Status = next
	def.UpdatedAt = time.Now().UTC()
}

func (r *Registry) publish(topic string, def *AgentDefinition, reason string) {
	r.publishTransition(topic, def, "", reason)
}

func (r *Registry) publishTransition(topic string, def *AgentDefinition, oldStatus, reason string) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(topic, bus.LifecycleEvent{
		AgentID:   def.ID,
		Tier:      string(def.Tier),
		Port:      def.Port,
		OldStatus: oldStatus,
		NewStatus: string(def.Status),
		Reason:    reason,
	})
}

func (r *Registry) countOp(ctx context.Context, op string) {
	if r.metrics == nil {
		return
	}
	r.metrics.RegistryOps.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

func (r *Registry) countOpError(ctx context.Context, op string) {
	if r.metrics == nil {
		return
	}
	r.metrics.RegistryOpErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

func (r *Registry) addActive(ctx context.Context, delta int64) {
	if r.metrics == nil {
		return
	}
	r.metrics.ActiveAgents.Add(ctx, delta)
}

func (r *Registry) observeSpawn(ctx context.Context, d time.Duration) {
	if r.metrics == nil {
		return
	}
	r.metrics.SpawnDuration.Record(ctx, d.Seconds())
}
