package main

import (
	"context"
	"fmt"
	"os"

	"github.com/basket/go-warden/internal/registry"
)

func runDiscoverCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: warden discover")
		return 2
	}
	rt, err := buildRuntime(true, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup: %v\n", err)
		return 1
	}
	defer rt.Close()

	ids, err := registry.NewDiscovery(rt.reg, rt.cfg.AgentsDir, rt.logger).Scan(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "discover: %v\n", err)
		return 1
	}
	if len(ids) == 0 {
		fmt.Println(dimStyle.Render("no new agent scripts found"))
		return 0
	}
	for _, id := range ids {
		def, err := rt.reg.Get(id)
		if err != nil {
			continue
		}
		hint := def.Metadata[registry.MetaTierHint]
		fmt.Printf("registered %s (port %d, tier hint %s); start it with: warden start %s\n",
			id, def.Port, hint, id)
	}
	return 0
}
