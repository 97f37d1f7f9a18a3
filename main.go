// ABOUTME: Entry point for the membersync CLI and daemon
// ABOUTME: Routes sync, daemon, state, and tui commands based on arguments
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/harperreed/membersync/cli"
	"github.com/harperreed/membersync/config"
	"github.com/harperreed/membersync/state"
	"github.com/harperreed/membersync/sync"
	"github.com/harperreed/membersync/tui"
)

const version = "0.2.1"

func main() {
	showVersion := flag.Bool("version", false, "Show version and exit")
	stateDSN := flag.String("state-dsn", "", "State store DSN (default: ~/.local/share/membersync/state.db)")

	_ = flag.CommandLine.Parse(os.Args[1:])

	if *showVersion {
		fmt.Printf("membersync version %s\n", version)
		os.Exit(0)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(0)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *stateDSN != "" {
		cfg.StateDSN = *stateDSN
	}

	command := args[0]
	commandArgs := args[1:]

	switch command {
	case "sync":
		if len(commandArgs) == 0 {
			fmt.Println("Error: sync requires a subcommand (full or incremental)")
			printUsage()
			os.Exit(1)
		}
		app := mustApp(&cfg, nil)
		defer app.Close()

		switch commandArgs[0] {
		case "full":
			if err := cli.SyncFullCommand(app, commandArgs[1:]); err != nil {
				log.Fatalf("Error: %v", err)
			}
		case "incremental":
			if err := cli.SyncIncrementalCommand(app, commandArgs[1:]); err != nil {
				log.Fatalf("Error: %v", err)
			}
		default:
			fmt.Printf("Error: unknown sync subcommand %q\n", commandArgs[0])
			printUsage()
			os.Exit(1)
		}

	case "daemon":
		app := mustApp(&cfg, nil)
		defer app.Close()
		if err := cli.DaemonCommand(app, commandArgs); err != nil {
			log.Fatalf("Daemon failed: %v", err)
		}

	case "state":
		if len(commandArgs) == 0 {
			fmt.Println("Error: state requires a subcommand (show or reset)")
			printUsage()
			os.Exit(1)
		}
		store, err := state.Open(cfg.StateDSN)
		if err != nil {
			log.Fatalf("Failed to open state store: %v", err)
		}
		defer store.Close()

		switch commandArgs[0] {
		case "show":
			if err := cli.StateShowCommand(store, commandArgs[1:]); err != nil {
				log.Fatalf("Error: %v", err)
			}
		case "reset":
			if err := cli.StateResetCommand(store, commandArgs[1:]); err != nil {
				log.Fatalf("Error: %v", err)
			}
		default:
			fmt.Printf("Error: unknown state subcommand %q\n", commandArgs[0])
			printUsage()
			os.Exit(1)
		}

	case "tui":
		events := sync.NewChannelNotifier(128)
		app := mustApp(&cfg, events)
		defer app.Close()
		if err := tui.Run(app.Reconciler, events); err != nil {
			log.Fatalf("TUI failed: %v", err)
		}

	default:
		fmt.Printf("Error: unknown command %q\n", command)
		printUsage()
		os.Exit(1)
	}
}

func mustApp(cfg *config.Config, notifier sync.Notifier) *cli.App {
	app, err := cli.NewApp(cfg, notifier)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	return app
}

func printUsage() {
	fmt.Println(`membersync - one-way sync from the member registry to the site CMS

Usage:
  membersync [flags] <command> [args]

Commands:
  sync full          Reconcile the entire registry against the CMS
  sync incremental   Reconcile only members changed since the last run
  daemon             Run incremental syncs on an interval
  state show         Show persisted sync state and recent runs
  state reset        Clear persisted sync state
  tui                Interactive dashboard

Flags:
  -version           Show version and exit
  -state-dsn PATH    Override the state store location

Configuration is read from the environment (MEMBERSYNC_*), with a .env
overlay when present. MEMBERSYNC_REGISTRY_URL and MEMBERSYNC_CMS_URL are
required for sync, daemon, and tui.`)
}
