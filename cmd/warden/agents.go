package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/basket/go-warden/internal/registry"
)

func runRegisterCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("register", flag.ContinueOnError)
	id := fs.String("id", "", "agent id (required)")
	tier := fs.String("tier", "worker", "tier: coordinator, specialist, worker, utility")
	port := fs.Int("port", 0, "explicit port (default: allocate from the tier range)")
	script := fs.String("script", "", "script path (default: generate a skeleton)")
	description := fs.String("description", "", "human-readable description")
	deps := fs.String("deps", "", "comma-separated agent ids this agent depends on")
	capabilities := fs.String("capabilities", "", "comma-separated capability tags")
	autoStart := fs.Bool("auto-start", false, "start the agent immediately and on serve")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *id == "" {
		fmt.Fprintln(os.Stderr, "register: -id is required")
		return 2
	}
	parsedTier, err := registry.ParseTier(*tier)
	if err != nil {
		fmt.Fprintf(os.Stderr, "register: %v\n", err)
		return 2
	}

	rt, err := buildRuntime(true, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup: %v\n", err)
		return 1
	}
	defer rt.Close()

	def, err := rt.reg.Register(ctx, registry.AgentDefinition{
		ID:           *id,
		Description:  *description,
		Tier:         parsedTier,
		Port:         *port,
		ScriptPath:   *script,
		Capabilities: splitList(*capabilities),
		Dependencies: splitList(*deps),
		AutoStart:    *autoStart,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "register: %v\n", err)
		return 1
	}
	fmt.Printf("registered %s (tier %s, port %d)\n", def.ID, def.Tier, def.Port)
	if def.Metadata[registry.MetaGeneratedScript] == "true" {
		fmt.Printf("generated script: %s\n", def.ScriptPath)
	}
	if def.Status == registry.StatusActive {
		fmt.Printf("started %s\n", def.ID)
	}
	return 0
}

func runUnregisterCommand(ctx context.Context, args []string) int {
	id, ok := singleID("unregister", args)
	if !ok {
		return 2
	}
	rt, err := buildRuntime(true, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup: %v\n", err)
		return 1
	}
	defer rt.Close()

	stopDetached(rt, id)
	if err := rt.reg.Unregister(ctx, id); err != nil {
		fmt.Fprintf(os.Stderr, "unregister: %v\n", err)
		return 1
	}
	fmt.Printf("unregistered %s\n", id)
	return 0
}

func runStartCommand(ctx context.Context, args []string) int {
	id, ok := singleID("start", args)
	if !ok {
		return 2
	}
	rt, err := buildRuntime(true, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup: %v\n", err)
		return 1
	}
	defer rt.Close()

	if err := rt.reg.Start(ctx, id); err != nil {
		fmt.Fprintf(os.Stderr, "start: %v\n", err)
		return 1
	}
	def, _ := rt.reg.Get(id)
	fmt.Printf("started %s on port %d\n", id, def.Port)
	return 0
}

func runStopCommand(ctx context.Context, args []string) int {
	id, ok := singleID("stop", args)
	if !ok {
		return 2
	}
	rt, err := buildRuntime(true, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup: %v\n", err)
		return 1
	}
	defer rt.Close()

	stopDetached(rt, id)
	if err := rt.reg.Stop(ctx, id); err != nil {
		fmt.Fprintf(os.Stderr, "stop: %v\n", err)
		return 1
	}
	fmt.Printf("stopped %s\n", id)
	return 0
}

func runRestartCommand(ctx context.Context, args []string) int {
	id, ok := singleID("restart", args)
	if !ok {
		return 2
	}
	rt, err := buildRuntime(true, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup: %v\n", err)
		return 1
	}
	defer rt.Close()

	stopDetached(rt, id)
	if err := rt.reg.Restart(ctx, id); err != nil {
		fmt.Fprintf(os.Stderr, "restart: %v\n", err)
		return 1
	}
	def, _ := rt.reg.Get(id)
	fmt.Printf("restarted %s on port %d\n", id, def.Port)
	return 0
}

func singleID(cmd string, args []string) (string, bool) {
	if len(args) != 1 || args[0] == "" {
		fmt.Fprintf(os.Stderr, "usage: warden %s <agent-id>\n", cmd)
		return "", false
	}
	return args[0], true
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// stopDetached signals an agent process this CLI invocation did not spawn,
// using the pid the registry recorded at start time. The supervisor's own
// Terminate only reaches processes it owns.
func stopDetached(rt *runtime, id string) {
	if rt.sup.Alive(id) {
		return
	}
	def, err := rt.reg.Get(id)
	if err != nil || !def.Status.Running() {
		return
	}
	pid, err := strconv.Atoi(def.Metadata[registry.MetaPid])
	if err != nil || pid <= 0 {
		return
	}
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		return
	}
	deadline := time.Now().Add(rt.cfg.StopTimeout())
	for time.Now().Before(deadline) {
		if syscall.Kill(pid, 0) != nil {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	_ = syscall.Kill(-pid, syscall.SIGKILL)
}
