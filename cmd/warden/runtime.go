package main

import (
	"io"
	"log/slog"
	"path/filepath"

	"github.com/basket/go-warden/internal/bus"
	"github.com/basket/go-warden/internal/config"
	otelPkg "github.com/basket/go-warden/internal/otel"
	"github.com/basket/go-warden/internal/ports"
	"github.com/basket/go-warden/internal/registry"
	"github.com/basket/go-warden/internal/supervisor"
	"github.com/basket/go-warden/internal/telemetry"
)

// runtime bundles the wiring every command needs: config, logger, the
// registry and its collaborators.
type runtime struct {
	cfg    config.Config
	logger *slog.Logger
	bus    *bus.Bus
	alloc  *ports.Allocator
	sup    *supervisor.Supervisor
	reg    *registry.Registry

	logClose io.Closer
}

// buildRuntime loads config and assembles the stack. One-shot commands
// pass quiet to keep structured logs out of their table output; metrics
// may be nil.
func buildRuntime(quiet bool, metrics *otelPkg.Metrics) (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger, logClose, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		return nil, err
	}

	store, err := registry.NewStore(filepath.Join(cfg.HomeDir, "registry.json"))
	if err != nil {
		logClose.Close()
		return nil, err
	}
	ranges := make(map[string]ports.Range, len(cfg.Tiers))
	for name, tc := range cfg.Tiers {
		ranges[name] = ports.Range{Start: tc.PortStart, End: tc.PortEnd}
	}
	alloc := ports.NewAllocator(ranges)
	sup := supervisor.New(filepath.Join(cfg.HomeDir, "logs"),
		cfg.SpawnGrace(), cfg.StopTimeout(), logger)
	b := bus.New()

	reg, err := registry.New(registry.Options{
		Store:         store,
		Ports:         alloc,
		Runner:        sup,
		Bus:           b,
		Logger:        logger,
		Templates:     registry.NewTemplateGenerator(cfg.AgentsDir),
		RestartSettle: cfg.RestartSettle(),
		Metrics:       metrics,
	})
	if err != nil {
		logClose.Close()
		return nil, err
	}

	return &runtime{
		cfg:      cfg,
		logger:   logger,
		bus:      b,
		alloc:    alloc,
		sup:      sup,
		reg:      reg,
		logClose: logClose,
	}, nil
}

func (rt *runtime) Close() {
	rt.logClose.Close()
}
