package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE:
  %s serve                    Run the orchestrator: supervise agents,
                              watch the agents directory, enforce compliance

AGENT MANAGEMENT:
  %s register [options]       Register a new agent
                              Options: -id, -tier, -port, -script, -deps,
                              -capabilities, -description, -auto-start
  %s unregister <id>          Stop (if running) and remove an agent
  %s start <id>               Start a registered agent
  %s stop <id>                Stop a running agent
  %s restart <id>             Restart an agent (the only way out of ERROR)
  %s list [-tier <tier>]      List agents by hierarchy
  %s status <id>              Show one agent in detail

DISCOVERY AND COMPLIANCE:
  %s discover                 Scan the agents directory once and register
                              any unknown agent scripts (never started)
  %s violations [-n <count>]  Show recent compliance violations

  %s version                  Print the version

ENVIRONMENT VARIABLES:
  WARDEN_HOME                 Data directory (default: ~/.warden)
  WARDEN_LOG_LEVEL            debug, info, warn, error
  WARDEN_ENFORCEMENT_MODE     auto_register or strict
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0],
		os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}

	var code int
	switch args[0] {
	case "serve":
		code = runServeCommand(ctx, args[1:])
	case "register":
		code = runRegisterCommand(ctx, args[1:])
	case "unregister":
		code = runUnregisterCommand(ctx, args[1:])
	case "start":
		code = runStartCommand(ctx, args[1:])
	case "stop":
		code = runStopCommand(ctx, args[1:])
	case "restart":
		code = runRestartCommand(ctx, args[1:])
	case "list":
		code = runListCommand(ctx, args[1:])
	case "status":
		code = runStatusCommand(ctx, args[1:])
	case "discover":
		code = runDiscoverCommand(ctx, args[1:])
	case "violations":
		code = runViolationsCommand(ctx, args[1:])
	case "version":
		fmt.Println(Version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		printUsage()
		code = 2
	}
	os.Exit(code)
}
