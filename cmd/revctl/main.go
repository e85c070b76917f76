package main

import (
	"fmt"
	"io"
	"os"
)

var version = "dev"

// stdout receives command output; tests replace it.
var stdout io.Writer = os.Stdout

var commands = map[string]func([]string) error{
	"current":     runCurrent,
	"history":     runHistory,
	"heads":       runHeads,
	"plan":        runPlan,
	"upgrade":     runUpgrade,
	"downgrade":   runDowngrade,
	"stamp":       runStamp,
	"unlock":      runUnlock,
	"sync-search": runSyncSearch,
	"search-doc":  runSearchDoc,
	"generate":    runGenerate,
	"schema":      runSchema,
}

func usage() {
	fmt.Fprintf(os.Stderr, `revctl - ContentDB schema revision tool (version %s)

Usage:
  revctl <command> [options]

Commands:
  current      Show the applied revision and lock holder
  history      List revisions from root to heads
  heads        List head revisions
  plan         Show the plan to reach a target without running it
  upgrade      Apply revisions up to a target (default head)
  downgrade    Revert revisions down to a target ("base" reverts all)
  stamp        Record a revision as applied without running it
  unlock       Clear a migration lock left by a crashed run
  sync-search  Regenerate a table's search document
  search-doc   Preview the search document for field values
  generate     Write a new revision from two DDL files
  schema       Print the store's tables, columns, constraints and enums

Every command reading the store accepts --config, --driver, --dsn and
--revisions. REVCTL_* environment variables override the config file and
flags override both.

Run 'revctl <command> -h' for command-specific help.
`, version)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	if cmd == "-h" || cmd == "--help" || cmd == "help" {
		usage()
		os.Exit(0)
	}
	if cmd == "-v" || cmd == "--version" || cmd == "version" {
		fmt.Println(version)
		os.Exit(0)
	}

	fn, ok := commands[cmd]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd) //nolint:gosec // G705: CLI error output
		usage()
		os.Exit(1)
	}

	if err := fn(os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err) //nolint:gosec // G705: CLI error output
		os.Exit(1)
	}
}
