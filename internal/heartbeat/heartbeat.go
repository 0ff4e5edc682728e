// Package heartbeat watches running agents and flags the ones whose
// process has died underneath the registry.
package heartbeat

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/basket/go-warden/internal/registry"
)

// Liveness is the supervisor-side process check.
type Liveness interface {
	Alive(agentID string) bool
	ExitCode(agentID string) (int, bool)
}

// Monitor periodically compares registry status against supervisor
// liveness. An ACTIVE agent with a dead process is marked unhealthy.
type Monitor struct {
	reg      *registry.Registry
	liveness Liveness
	interval time.Duration
	logger   *slog.Logger
}

// NewMonitor creates a Monitor checking every intervalSeconds.
func NewMonitor(reg *registry.Registry, liveness Liveness, intervalSeconds int, logger *slog.Logger) *Monitor {
	if intervalSeconds <= 0 {
		intervalSeconds = 15
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		reg:      reg,
		liveness: liveness,
		interval: time.Duration(intervalSeconds) * time.Second,
		logger:   logger,
	}
}

// Start begins the check loop in a background goroutine.
func (m *Monitor) Start(ctx context.Context) {
	m.logger.Info("starting heartbeat monitor", "interval", m.interval)
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.CheckOnce(ctx)
			}
		}
	}()
}

// CheckOnce runs a single liveness pass.
func (m *Monitor) CheckOnce(ctx context.Context) {
	for _, def := range m.reg.List("") {
		if def.Status != registry.StatusActive {
			continue
		}
		if m.liveness.Alive(def.ID) {
			continue
		}
		reason := "process exited unexpectedly"
		if code, ok := m.liveness.ExitCode(def.ID); ok {
			reason = "process exited unexpectedly with code " + strconv.Itoa(code)
		}
		m.reg.MarkUnhealthy(ctx, def.ID, reason)
	}
}
