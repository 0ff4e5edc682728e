package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/basket/go-warden/internal/config"
	"github.com/basket/go-warden/internal/enforce"
	"github.com/basket/go-warden/internal/heartbeat"
	otelPkg "github.com/basket/go-warden/internal/otel"
	"github.com/basket/go-warden/internal/registry"
)

func runServeCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: warden serve")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	provider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		ServiceName: cfg.Telemetry.ServiceName,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "telemetry init: %v\n", err)
		return 1
	}
	defer provider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(provider.Meter)
	if err != nil {
		fmt.Fprintf(os.Stderr, "metrics init: %v\n", err)
		return 1
	}

	rt, err := buildRuntime(false, metrics)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup: %v\n", err)
		return 1
	}
	defer rt.Close()
	logger := rt.logger

	logger.Info("warden starting", "version", Version, "home", rt.cfg.HomeDir,
		"agents_dir", rt.cfg.AgentsDir, "enforcement", rt.cfg.Enforcement.Enabled)

	// Pick up agent scripts that appeared while we were down, then keep
	// watching. Discovered agents are registered but never started.
	disco := registry.NewDiscovery(rt.reg, rt.cfg.AgentsDir, logger)
	if _, err := disco.Scan(ctx); err != nil {
		logger.Warn("initial discovery scan failed", "error", err)
	}
	go func() {
		if err := disco.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("discovery watcher stopped", "error", err)
		}
	}()

	for _, def := range rt.reg.List("") {
		if !def.AutoStart || def.Status != registry.StatusInactive {
			continue
		}
		if err := rt.reg.Start(ctx, def.ID); err != nil {
			logger.Error("auto-start failed", "agent_id", def.ID, "error", err)
		}
	}

	heartbeat.NewMonitor(rt.reg, rt.sup, rt.cfg.HeartbeatIntervalSeconds, logger).Start(ctx)

	var vlog *enforce.Log
	if rt.cfg.Enforcement.Enabled {
		vlog, err = enforce.OpenLog(rt.cfg.HomeDir)
		if err != nil {
			logger.Error("could not open violation log", "error", err)
			return 1
		}
		defer vlog.Close()
		scanner := enforce.NewScanner(enforce.Config{
			Mode:        rt.cfg.Enforcement.Mode,
			Interval:    rt.cfg.ScanInterval(),
			GracePeriod: rt.cfg.GracePeriod(),
			Signatures:  rt.cfg.Enforcement.Signatures,
			SweepCron:   rt.cfg.Enforcement.SweepCron,
			AgentsDir:   rt.cfg.AgentsDir,
		}, rt.reg, rt.alloc, rt.sup, rt.bus, vlog, logger, metrics)
		go func() {
			if err := scanner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("enforcement scanner stopped", "error", err)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("warden shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), rt.cfg.StopTimeout()+5*time.Second)
	defer cancel()
	for _, def := range rt.reg.List("") {
		if def.Status.Running() {
			if err := rt.reg.Stop(shutdownCtx, def.ID); err != nil {
				logger.Warn("shutdown stop failed", "agent_id", def.ID, "error", err)
			}
		}
	}
	rt.sup.TerminateAll(shutdownCtx)
	if err := rt.reg.Save(); err != nil {
		logger.Error("final registry save failed", "error", err)
		return 1
	}
	return 0
}
