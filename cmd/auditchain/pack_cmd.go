package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/Mindburn-Labs/auditchain/pkg/canonicalize"
	"github.com/Mindburn-Labs/auditchain/pkg/export"
	"github.com/Mindburn-Labs/auditchain/pkg/verifier"
)

// runVerifyPackCmd implements `auditchain verify-pack`. It needs no store:
// the pack carries its events, manifest and file hashes.
//
// Exit codes:
//
//	0 = verification passed
//	1 = verification failed
//	2 = runtime error
func runVerifyPackCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify-pack", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		packPath, algorithm string
		jsonOutput          bool
	)
	cmd.StringVar(&packPath, "pack", "", "Path to the zip evidence pack (REQUIRED)")
	cmd.StringVar(&algorithm, "algorithm", string(canonicalize.SHA256), "Hash algorithm the chain was built with")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the report as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if packPath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: -pack is required")
		return 2
	}

	alg, err := canonicalize.ParseAlgorithm(algorithm)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	hasher, err := canonicalize.NewHasher(alg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	data, err := os.ReadFile(packPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	report, err := export.VerifyPack(data, verifier.New(hasher))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if jsonOutput {
		writeJSONOut(stdout, report)
	} else {
		verdict := "PASSED"
		if !report.Verified {
			verdict = "FAILED"
		}
		_, _ = fmt.Fprintf(stdout, "Evidence pack verification %s\n", verdict)
		_, _ = fmt.Fprintf(stdout, "Pack: %s\n", packPath)
		if report.Manifest != nil {
			_, _ = fmt.Fprintf(stdout, "Tenant: %s (%d events)\n", report.Manifest.TenantID, report.Manifest.EventCount)
		}
		_, _ = fmt.Fprintf(stdout, "Checks: %s\n", report.Summary)
		for _, c := range report.Checks {
			if !c.Pass {
				_, _ = fmt.Fprintf(stdout, "  - %s: %s\n", c.Name, c.Reason)
			}
		}
	}

	if !report.Verified {
		return 1
	}
	return 0
}
