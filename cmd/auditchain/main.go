// Command auditchain runs the audit chain server and operates on a ledger
// store from the command line.
package main

import (
	"fmt"
	"io"
	"os"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches a subcommand and returns the process exit code:
//
//	0 = success
//	1 = verification failed
//	2 = usage or runtime error
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "serve", "server":
		return runServeCmd(args[2:], stdout, stderr)
	case "append":
		return runAppendCmd(args[2:], stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "export":
		return runExportCmd(args[2:], stdout, stderr)
	case "verify-pack":
		return runVerifyPackCmd(args[2:], stdout, stderr)
	case "tip":
		return runTipCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprint(w, `Usage: auditchain <command> [flags]

Commands:
  serve        Run the HTTP API
  append       Append one event to a tenant chain
  verify       Verify a tenant chain (exit 1 if broken)
  export       Export a tenant chain as csv, json or a zip evidence pack
  verify-pack  Verify a zip evidence pack offline (exit 1 if broken)
  tip          Print a tenant's chain tip
  help         Show this help

Every command except verify-pack and help reads AUDITCHAIN_* environment
variables; -config overlays a YAML file first.
`)
}
