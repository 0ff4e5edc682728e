package registry

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Agent script naming convention: <id>_agent.<ext> or agent_<id>.<ext>
// with ext sh or py.
var scriptExts = map[string]bool{".sh": true, ".py": true}

// MatchesNamingConvention reports whether a filename looks like an agent
// script, returning the derived agent id.
func MatchesNamingConvention(name string) (string, bool) {
	ext := filepath.Ext(name)
	if !scriptExts[ext] {
		return "", false
	}
	base := strings.TrimSuffix(name, ext)
	switch {
	case strings.HasSuffix(base, "_agent") && len(base) > len("_agent"):
		return strings.TrimSuffix(base, "_agent"), true
	case strings.HasPrefix(base, "agent_") && len(base) > len("agent_"):
		return strings.TrimPrefix(base, "agent_"), true
	}
	return "", false
}

// tierKeywords drive the best-effort tier hint from script content. The
// hint is recorded in metadata only; the authoritative tier is always the
// explicit one supplied at registration.
var tierKeywords = []struct {
	tier     Tier
	keywords []string
}{
	{TierCoordinator, []string{"coordinate", "orchestrat", "dispatch", "delegate"}},
	{TierSpecialist, []string{"analyz", "classif", "predict", "transform"}},
	{TierUtility, []string{"cleanup", "backup", "monitor", "maintenance"}},
}

var capabilityKeywords = []string{
	"scrape", "index", "search", "summarize", "translate", "report",
	"ingest", "export", "schedule", "notify",
}

// inspectScript derives a tier hint and capability guesses from script
// content. Read failures degrade to no hints.
func inspectScript(path string) (Tier, []string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return TierWorker, nil
	}
	content := strings.ToLower(string(data))

	hint := TierWorker
	for _, tk := range tierKeywords {
		for _, kw := range tk.keywords {
			if strings.Contains(content, kw) {
				hint = tk.tier
				break
			}
		}
		if hint != TierWorker {
			break
		}
	}

	var caps []string
	for _, kw := range capabilityKeywords {
		if strings.Contains(content, kw) {
			caps = append(caps, kw)
		}
	}
	return hint, caps
}

// Discovery scans a directory for agent-shaped files the registry does not
// know about and registers them. Discovered agents are never auto-started.
type Discovery struct {
	registry *Registry
	dir      string
	logger   *slog.Logger
}

// NewDiscovery creates a Discovery over dir.
func NewDiscovery(reg *Registry, dir string, logger *slog.Logger) *Discovery {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discovery{registry: reg, dir: dir, logger: logger}
}

// Scan registers every unknown agent script in the directory and returns
// the ids it registered. Individual failures are logged and skipped.
func (d *Discovery) Scan(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var registered []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		id, ok := MatchesNamingConvention(entry.Name())
		if !ok {
			continue
		}
		if _, err := d.registry.Get(id); err == nil {
			continue
		}

		path := filepath.Join(d.dir, entry.Name())
		hint, caps := inspectScript(path)

		def := AgentDefinition{
			ID:           id,
			Name:         id,
			Description:  "discovered agent",
			Tier:         TierWorker,
			ScriptPath:   path,
			Capabilities: caps,
			AutoStart:    false,
			Metadata: map[string]string{
				MetaDiscovered: "true",
				MetaTierHint:   string(hint),
			},
		}
		if _, err := d.registry.Register(ctx, def); err != nil {
			d.logger.Warn("discovery: failed to register agent",
				"agent_id", id, "path", path, "error", err)
			continue
		}
		d.logger.Info("discovery: registered agent",
			"agent_id", id, "path", path, "tier_hint", string(hint))
		registered = append(registered, id)
	}
	return registered, nil
}

// Watch rescans whenever the agents directory changes. Events are
// debounced so a burst of writes triggers one scan. Blocks until ctx is
// cancelled.
func (d *Discovery) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return err
	}
	if err := watcher.Add(d.dir); err != nil {
		return err
	}

	const debounce = 500 * time.Millisecond
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
				timerC = timer.C
			} else {
				timer.Reset(debounce)
			}
		case <-timerC:
			timer = nil
			timerC = nil
			if _, err := d.Scan(ctx); err != nil {
				d.logger.Error("discovery: scan failed", "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			d.logger.Error("discovery: watcher error", "error", err)
		}
	}
}
