package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/basket/go-warden/internal/config"
	"github.com/basket/go-warden/internal/enforce"
)

func runViolationsCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("violations", flag.ContinueOnError)
	n := fs.Int("n", 20, "number of records to show")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	vlog, err := enforce.OpenLog(cfg.HomeDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "violations: %v\n", err)
		return 1
	}
	defer vlog.Close()

	recs, err := vlog.Recent(ctx, *n)
	if err != nil {
		fmt.Fprintf(os.Stderr, "violations: %v\n", err)
		return 1
	}
	if len(recs) == 0 {
		fmt.Println(dimStyle.Render("no violations recorded"))
		return 0
	}

	fmt.Printf("%s\n", headerStyle.Render(
		fmt.Sprintf("%-20s %-8s %-14s %-24s %s", "TIME", "KIND", "ACTION", "KEY", "EVIDENCE")))
	for _, rec := range recs {
		action := rec.Action
		switch action {
		case enforce.ActionTerminate, enforce.ActionEscalate:
			action = errorStyle.Render(action)
		case enforce.ActionResolve:
			action = activeStyle.Render(action)
		}
		fmt.Printf("%-20s %-8s %-14s %-24s %s\n",
			rec.Timestamp.Local().Format("2006-01-02 15:04:05"),
			rec.Kind, action, rec.Key, dimStyle.Render(rec.Evidence))
	}
	return 0
}
