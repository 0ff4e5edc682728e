package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/basket/go-warden/internal/registry"
)

var (
	headerStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("252"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	activeStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	pendingStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	inactiveStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

func renderStatus(s registry.Status) string {
	switch s {
	case registry.StatusActive:
		return activeStyle.Render(string(s))
	case registry.StatusError:
		return errorStyle.Render(string(s))
	case registry.StatusStarting, registry.StatusStopping:
		return pendingStyle.Render(string(s))
	default:
		return inactiveStyle.Render(string(s))
	}
}

func runListCommand(_ context.Context, args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	tierFilter := fs.String("tier", "", "only show one tier")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	var tier registry.Tier
	if *tierFilter != "" {
		parsed, err := registry.ParseTier(*tierFilter)
		if err != nil {
			fmt.Fprintf(os.Stderr, "list: %v\n", err)
			return 2
		}
		tier = parsed
	}

	rt, err := buildRuntime(true, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup: %v\n", err)
		return 1
	}
	defer rt.Close()

	agents := rt.reg.List(tier)
	if len(agents) == 0 {
		fmt.Println(dimStyle.Render("no agents registered"))
		return 0
	}

	fmt.Printf("%s\n", headerStyle.Render(
		fmt.Sprintf("%-20s %-12s %-6s %-9s %s", "ID", "TIER", "PORT", "STATUS", "CAPABILITIES")))
	for _, a := range agents {
		fmt.Printf("%-20s %-12s %-6d %-9s %s\n",
			a.ID, a.Tier, a.Port, renderStatus(a.Status),
			dimStyle.Render(strings.Join(a.Capabilities, ",")))
	}
	return 0
}

func runStatusCommand(_ context.Context, args []string) int {
	id, ok := singleID("status", args)
	if !ok {
		return 2
	}
	rt, err := buildRuntime(true, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup: %v\n", err)
		return 1
	}
	defer rt.Close()

	def, err := rt.reg.Get(id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}

	label := func(s string) string { return dimStyle.Render(fmt.Sprintf("%-14s", s)) }
	fmt.Printf("%s %s\n", label("id"), headerStyle.Render(def.ID))
	fmt.Printf("%s %s\n", label("status"), renderStatus(def.Status))
	fmt.Printf("%s %s (level %d)\n", label("tier"), def.Tier, def.HierarchyLevel)
	fmt.Printf("%s %d\n", label("port"), def.Port)
	fmt.Printf("%s %s\n", label("script"), def.ScriptPath)
	if def.Description != "" {
		fmt.Printf("%s %s\n", label("description"), def.Description)
	}
	if len(def.Capabilities) > 0 {
		fmt.Printf("%s %s\n", label("capabilities"), strings.Join(def.Capabilities, ", "))
	}
	if len(def.Dependencies) > 0 {
		fmt.Printf("%s %s\n", label("dependencies"), strings.Join(def.Dependencies, ", "))
	}
	fmt.Printf("%s %v\n", label("auto_start"), def.AutoStart)
	fmt.Printf("%s %s\n", label("updated"), def.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
	if pid := def.Metadata[registry.MetaPid]; pid != "" && def.Status.Running() {
		fmt.Printf("%s %s\n", label("pid"), pid)
	}
	fmt.Printf("%s %s\n", label("log"), rt.sup.LogPath(def.ID))
	return 0
}
