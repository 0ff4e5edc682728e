package enforce

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	gnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/go-warden/internal/bus"
	"github.com/basket/go-warden/internal/config"
	otelPkg "github.com/basket/go-warden/internal/otel"
	"github.com/basket/go-warden/internal/ports"
	"github.com/basket/go-warden/internal/registry"
)

// ProcessInfo is the slice of process state the scanner inspects.
type ProcessInfo struct {
	PID     int32
	Cmdline string
}

// PidOwner exposes the supervisor's view of which pids are ours.
type PidOwner interface {
	Pids() map[string]int
}

// Config holds the enforcement policy.
type Config struct {
	// Mode is config.ModeAutoRegister or config.ModeStrict.
	Mode string

	// Interval between routine scans (process and port checks).
	Interval time.Duration

	// GracePeriod a violation may persist after the warning before the
	// scanner escalates. Escalation happens at most once per episode.
	GracePeriod time.Duration

	// Signatures is the explicit allow-list of command-line fragments that
	// identify agent processes. Empty disables the process check entirely:
	// no signatures means nothing can be confidently called an agent.
	Signatures []string

	// SweepCron schedules extra scan cycles on top of the routine
	// interval. Empty disables it.
	SweepCron string

	// AgentsDir is the directory audited by the file check.
	AgentsDir string
}

type finding struct {
	kind     string
	key      string
	evidence string
}

// Scanner detects agent-shaped processes, scripts, and listeners that the
// registry does not account for. Detection and remediation run on one
// goroutine; collaborators are read through their own locks.
type Scanner struct {
	cfg     Config
	reg     *registry.Registry
	ports   *ports.Allocator
	owner   PidOwner
	bus     *bus.Bus
	vlog    *Log
	logger  *slog.Logger
	metrics *otelPkg.Metrics
	track   *tracker
	sched   *cron.Cron

	// Enumeration and remediation seams. Production uses gopsutil; tests
	// substitute fixtures so no processes are harmed.
	listProcs     func(ctx context.Context) ([]ProcessInfo, error)
	listListeners func(ctx context.Context) ([]int, error)
	terminatePid  func(ctx context.Context, pid int32) error
}

// NewScanner wires a Scanner. vlog and metrics may be nil.
func NewScanner(cfg Config, reg *registry.Registry, alloc *ports.Allocator,
	owner PidOwner, b *bus.Bus, vlog *Log, logger *slog.Logger, metrics *otelPkg.Metrics) *Scanner {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 60 * time.Second
	}
	if cfg.Mode == "" {
		cfg.Mode = config.ModeAutoRegister
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{
		cfg:           cfg,
		reg:           reg,
		ports:         alloc,
		owner:         owner,
		bus:           b,
		vlog:          vlog,
		logger:        logger,
		metrics:       metrics,
		track:         newTracker(),
		listProcs:     gopsutilProcs,
		listListeners: gopsutilListeners,
		terminatePid:  gopsutilTerminate,
	}
}

func gopsutilProcs(ctx context.Context) ([]ProcessInfo, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ProcessInfo, 0, len(procs))
	for _, p := range procs {
		cmdline, err := p.CmdlineWithContext(ctx)
		if err != nil || cmdline == "" {
			continue
		}
		out = append(out, ProcessInfo{PID: p.Pid, Cmdline: cmdline})
	}
	return out, nil
}

func gopsutilListeners(ctx context.Context) ([]int, error) {
	conns, err := gnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return nil, err
	}
	var out []int
	for _, c := range conns {
		if c.Status == "LISTEN" {
			out = append(out, int(c.Laddr.Port))
		}
	}
	return out, nil
}

func gopsutilTerminate(ctx context.Context, pid int32) error {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return err
	}
	if err := p.TerminateWithContext(ctx); err != nil {
		return p.KillWithContext(ctx)
	}
	return nil
}

// Run scans on the configured interval until ctx is cancelled. When a
// sweep cron is set, additional cycles run on that schedule.
func (s *Scanner) Run(ctx context.Context) error {
	if s.cfg.SweepCron != "" {
		s.sched = cron.New()
		if _, err := s.sched.AddFunc(s.cfg.SweepCron, func() { s.Scan(ctx) }); err != nil {
			return fmt.Errorf("invalid sweep schedule %q: %w", s.cfg.SweepCron, err)
		}
		s.sched.Start()
		defer s.sched.Stop()
	}

	s.logger.Info("enforcement scanner started",
		"mode", s.cfg.Mode, "interval", s.cfg.Interval, "grace", s.cfg.GracePeriod,
		"signatures", len(s.cfg.Signatures), "sweep", s.cfg.SweepCron)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Scan(ctx)
		}
	}
}

// Scan runs one cycle: detect, warn, escalate after the grace period, and
// resolve episodes whose keys have disappeared. Every cycle runs all three
// checks. Checks are independent: a failing check is logged and skipped
// while the others still run.
func (s *Scanner) Scan(ctx context.Context) {
	cycleID := uuid.NewString()
	now := time.Now().UTC()
	seen := make(map[string]bool)

	var findings []finding
	findings = append(findings, s.runCheck(ctx, KindProcess, s.processCheck)...)
	findings = append(findings, s.runCheck(ctx, KindPort, s.portCheck)...)
	findings = append(findings, s.runCheck(ctx, KindFile, s.fileCheck)...)

	for _, f := range findings {
		seen[f.key] = true
		ep, isNew := s.track.observe(f.key, f.kind, f.evidence, now)
		switch {
		case isNew:
			s.warn(ctx, ep, f.key)
		case !ep.escalated && now.Sub(ep.firstSeen) >= s.cfg.GracePeriod:
			s.escalate(ctx, ep, f.key, now)
		}
	}

	for key, ep := range s.track.sweep(seen) {
		s.resolve(ctx, ep, key)
	}

	if s.metrics != nil {
		s.metrics.ScanCycles.Add(ctx, 1)
	}
	s.logger.Debug("scan cycle complete",
		"cycle_id", cycleID, "findings", len(findings),
		"open_episodes", len(s.track.open))
}

func (s *Scanner) runCheck(ctx context.Context, kind string, check func(context.Context) ([]finding, error)) []finding {
	out, err := check(ctx)
	if err != nil {
		s.logger.Warn("compliance check failed", "kind", kind, "error", err)
		if s.metrics != nil {
			s.metrics.ScanCheckFailures.Add(ctx, 1,
				metric.WithAttributes(attribute.String("kind", kind)))
		}
		return nil
	}
	return out
}

// processCheck flags processes whose command line matches a configured
// signature but whose pid the supervisor does not own.
func (s *Scanner) processCheck(ctx context.Context) ([]finding, error) {
	if len(s.cfg.Signatures) == 0 {
		return nil, nil
	}
	procs, err := s.listProcs(ctx)
	if err != nil {
		return nil, err
	}
	managed := make(map[int]bool)
	for _, pid := range s.owner.Pids() {
		managed[pid] = true
	}

	var out []finding
	for _, p := range procs {
		if managed[int(p.PID)] {
			continue
		}
		if !matchesSignature(p.Cmdline, s.cfg.Signatures) {
			continue
		}
		out = append(out, finding{
			kind:     KindProcess,
			key:      fmt.Sprintf("process:%d", p.PID),
			evidence: p.Cmdline,
		})
	}
	return out, nil
}

func matchesSignature(cmdline string, signatures []string) bool {
	for _, sig := range signatures {
		if sig != "" && strings.Contains(cmdline, sig) {
			return true
		}
	}
	return false
}

// portCheck flags listeners inside a managed tier range with no ACTIVE or
// STARTING agent assigned that port.
func (s *Scanner) portCheck(ctx context.Context) ([]finding, error) {
	listeners, err := s.listListeners(ctx)
	if err != nil {
		return nil, err
	}
	var out []finding
	for _, port := range listeners {
		tier, ok := s.ports.TierOf(port)
		if !ok {
			continue
		}
		if _, owned := s.reg.PortOwner(port); owned {
			continue
		}
		out = append(out, finding{
			kind:     KindPort,
			key:      fmt.Sprintf("port:%d", port),
			evidence: fmt.Sprintf("listener on port %d in %s range with no running agent", port, tier),
		})
	}
	return out, nil
}

// fileCheck flags agent-named scripts in the agents directory that no
// registered agent claims.
func (s *Scanner) fileCheck(ctx context.Context) ([]finding, error) {
	entries, err := os.ReadDir(s.cfg.AgentsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []finding
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		id, ok := registry.MatchesNamingConvention(entry.Name())
		if !ok {
			continue
		}
		if _, err := s.reg.Get(id); err == nil {
			continue
		}
		path := filepath.Join(s.cfg.AgentsDir, entry.Name())
		if s.reg.KnownScript(path) {
			continue
		}
		out = append(out, finding{
			kind:     KindFile,
			key:      "file:" + path,
			evidence: fmt.Sprintf("unregistered agent script %s", path),
		})
	}
	return out, nil
}

func (s *Scanner) warn(ctx context.Context, ep *episode, key string) {
	s.logger.Warn("compliance violation detected",
		"kind", ep.kind, "key", key, "episode_id", ep.id, "evidence", ep.evidence)
	s.record(ctx, ep, key, ActionWarn, false)
	s.publish(bus.TopicViolationDetected, ep, key, ActionWarn)
	if s.metrics != nil {
		s.metrics.Violations.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", ep.kind)))
	}
}

// escalate remediates a violation that outlived its grace period. Each
// episode escalates exactly once.
func (s *Scanner) escalate(ctx context.Context, ep *episode, key string, now time.Time) {
	ep.escalated = true
	ep.escalatedAt = now
	action := ActionEscalate

	switch ep.kind {
	case KindFile:
		if s.cfg.Mode == config.ModeAutoRegister {
			action = ActionAutoRegister
			s.adoptScript(ctx, ep, key)
		}
	case KindProcess:
		if s.cfg.Mode == config.ModeStrict {
			action = ActionTerminate
			s.terminateRogue(ctx, ep, key)
		}
	case KindPort:
		// Port evidence alone never identifies a process well enough to
		// kill it. Both modes stop at reporting.
	}

	s.logger.Error("compliance violation escalated",
		"kind", ep.kind, "key", key, "episode_id", ep.id, "action", action,
		"outstanding", now.Sub(ep.firstSeen).Round(time.Second))
	s.record(ctx, ep, key, action, false)
	s.publish(bus.TopicViolationEscalated, ep, key, action)
	if s.metrics != nil {
		s.metrics.Escalations.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", ep.kind), attribute.String("action", action)))
	}
}

// adoptScript registers an unclaimed script as an inactive worker agent.
func (s *Scanner) adoptScript(ctx context.Context, ep *episode, key string) {
	path := strings.TrimPrefix(key, "file:")
	id, ok := registry.MatchesNamingConvention(filepath.Base(path))
	if !ok {
		return
	}
	def := registry.AgentDefinition{
		ID:          id,
		Name:        id,
		Description: "adopted by compliance scanner",
		Tier:        registry.TierWorker,
		ScriptPath:  path,
		AutoStart:   false,
		Metadata:    map[string]string{registry.MetaDiscovered: "true"},
	}
	if _, err := s.reg.Register(ctx, def); err != nil {
		s.logger.Warn("auto-register failed", "agent_id", id, "path", path, "error", err)
		return
	}
	s.logger.Info("unclaimed script auto-registered", "agent_id", id, "path", path)
}

func (s *Scanner) terminateRogue(ctx context.Context, ep *episode, key string) {
	var pid int32
	if _, err := fmt.Sscanf(key, "process:%d", &pid); err != nil {
		return
	}
	if err := s.terminatePid(ctx, pid); err != nil {
		s.logger.Warn("could not terminate rogue process", "pid", pid, "error", err)
		return
	}
	s.logger.Info("rogue agent process terminated", "pid", pid, "cmdline", ep.evidence)
}

func (s *Scanner) resolve(ctx context.Context, ep *episode, key string) {
	s.logger.Info("compliance violation resolved",
		"kind", ep.kind, "key", key, "episode_id", ep.id)
	s.record(ctx, ep, key, ActionResolve, true)
	s.publish(bus.TopicViolationResolved, ep, key, ActionResolve)
}

func (s *Scanner) record(ctx context.Context, ep *episode, key, action string, resolved bool) {
	if s.vlog == nil {
		return
	}
	rec := ViolationRecord{
		EpisodeID: ep.id,
		Kind:      ep.kind,
		Key:       key,
		Evidence:  ep.evidence,
		Action:    action,
		FirstSeen: ep.firstSeen,
		WarnedAt:  ep.firstSeen,
		Resolved:  resolved,
	}
	if ep.escalated && action != ActionWarn {
		t := ep.escalatedAt
		rec.EscalatedAt = &t
	}
	if err := s.vlog.Record(ctx, rec); err != nil {
		s.logger.Warn("could not record violation", "key", key, "error", err)
	}
}

func (s *Scanner) publish(topic string, ep *episode, key, action string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(topic, bus.ViolationEvent{
		EpisodeID: ep.id,
		Kind:      ep.kind,
		Key:       key,
		Action:    action,
	})
}
