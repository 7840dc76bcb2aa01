package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Mindburn-Labs/auditchain/pkg/audit"
	"github.com/Mindburn-Labs/auditchain/pkg/export"
	"github.com/Mindburn-Labs/auditchain/pkg/ledger"
	"github.com/Mindburn-Labs/auditchain/pkg/verifier"
)

// timeFlag is an optional RFC 3339 timestamp flag.
type timeFlag struct{ t *time.Time }

func (f *timeFlag) String() string {
	if f.t == nil {
		return ""
	}
	return f.t.Format(time.RFC3339Nano)
}

func (f *timeFlag) Set(s string) error {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return err
	}
	f.t = &t
	return nil
}

// windowFlags are shared by verify and export.
type windowFlags struct {
	from, to timeFlag
	limit    int
}

func (w *windowFlags) register(cmd *flag.FlagSet) {
	cmd.Var(&w.from, "from", "Only events at or after this RFC 3339 time")
	cmd.Var(&w.to, "to", "Only events at or before this RFC 3339 time")
	cmd.IntVar(&w.limit, "limit", 0, "Maximum number of events (0 = all)")
}

func writeJSONOut(w io.Writer, v any) {
	data, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(data))
}

// runAppendCmd implements `auditchain append`.
func runAppendCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("append", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		configPath, tenant, eventType, payload, payloadFile, id string
		timestamp                                           timeFlag
		genesis                                             bool
	)
	cmd.StringVar(&configPath, "config", "", "YAML config file")
	cmd.StringVar(&tenant, "tenant", "", "Tenant ID (REQUIRED)")
	cmd.StringVar(&eventType, "type", "", "Event type, e.g. CONSENT_GRANTED (REQUIRED)")
	cmd.StringVar(&payload, "payload", "{}", "Event payload as a JSON object")
	cmd.StringVar(&payloadFile, "payload-file", "", "Read the payload from a file ('-' for stdin)")
	cmd.StringVar(&id, "id", "", "Event ID (default: random UUID)")
	cmd.Var(&timestamp, "timestamp", "Event time in RFC 3339 (default: now)")
	cmd.BoolVar(&genesis, "genesis", false, "Mark the first event of a new chain")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if tenant == "" || eventType == "" {
		_, _ = fmt.Fprintln(stderr, "Error: -tenant and -type are required")
		return 2
	}

	raw := []byte(payload)
	if payloadFile != "" {
		var err error
		if payloadFile == "-" {
			raw, err = io.ReadAll(os.Stdin)
		} else {
			raw, err = os.ReadFile(payloadFile)
		}
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: read payload: %v\n", err)
			return 2
		}
	}
	body, err := ledger.DecodePayload(bytes.TrimSpace(raw))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: payload must be a JSON object: %v\n", err)
		return 2
	}

	ctx := context.Background()
	a, err := newApp(ctx, configPath, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = a.close() }()

	req := ledger.AppendRequest{
		TenantID:  tenant,
		EventType: ledger.EventType(eventType),
		Payload:   body,
		ID:        id,
		Genesis:   genesis,
	}
	if timestamp.t != nil {
		req.Timestamp = *timestamp.t
	}
	ev, err := a.svc.Append(ctx, req)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: append: %v\n", err)
		return 2
	}
	writeJSONOut(stdout, ev)
	return 0
}

// runVerifyCmd implements `auditchain verify`.
//
// Exit codes:
//
//	0 = chain intact
//	1 = integrity findings
//	2 = runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		configPath, tenant string
		win                windowFlags
		jsonOutput         bool
	)
	cmd.StringVar(&configPath, "config", "", "YAML config file")
	cmd.StringVar(&tenant, "tenant", "", "Tenant ID (REQUIRED)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the full result as JSON")
	win.register(cmd)
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if tenant == "" {
		_, _ = fmt.Fprintln(stderr, "Error: -tenant is required")
		return 2
	}

	ctx := context.Background()
	a, err := newApp(ctx, configPath, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = a.close() }()

	resp, err := a.svc.Verify(ctx, audit.VerifyRequest{
		TenantID: tenant,
		From:     win.from.t,
		To:       win.to.t,
		Limit:    win.limit,
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: verify: %v\n", err)
		return 2
	}

	res := resp.Result
	if jsonOutput {
		writeJSONOut(stdout, res)
	} else {
		printResult(stdout, tenant, res)
	}
	if !res.IsValid {
		return 1
	}
	return 0
}

func printResult(w io.Writer, tenant string, res *verifier.Result) {
	_, _ = fmt.Fprintf(w, "Tenant: %s\n", tenant)
	_, _ = fmt.Fprintln(w, res.Summary())
	if res.Partial {
		_, _ = fmt.Fprintln(w, "Window verified without the root rule")
	}
	for _, f := range res.RootCauses {
		_, _ = fmt.Fprintf(w, "  - #%d %s [%s]: %s\n", f.Sequence, f.EventID, f.Kind, f.Reason)
	}
}

// runExportCmd implements `auditchain export`.
func runExportCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("export", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		configPath, tenant, format, filter, out string
		win                                     windowFlags
	)
	cmd.StringVar(&configPath, "config", "", "YAML config file")
	cmd.StringVar(&tenant, "tenant", "", "Tenant ID (REQUIRED)")
	cmd.StringVar(&format, "format", "csv", "csv, json or zip")
	cmd.StringVar(&filter, "filter", "", "CEL expression over event, e.g. event.event_type == \"CONSENT_GRANTED\"")
	cmd.StringVar(&out, "out", "", "Output file, '-' for stdout (default: audit_export_<date>.<ext>)")
	win.register(cmd)
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if tenant == "" {
		_, _ = fmt.Fprintln(stderr, "Error: -tenant is required")
		return 2
	}

	ctx := context.Background()
	a, err := newApp(ctx, configPath, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = a.close() }()

	resp, err := a.svc.Export(ctx, audit.ExportRequest{
		TenantID: tenant,
		Format:   export.Format(format),
		From:     win.from.t,
		To:       win.to.t,
		Limit:    win.limit,
		Filter:   filter,
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: export: %v\n", err)
		return 2
	}

	if out == "-" {
		_, _ = stdout.Write(resp.Body)
		return 0
	}
	if out == "" {
		out = resp.Filename
	}
	if err := os.WriteFile(out, resp.Body, 0o644); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: write %s: %v\n", out, err)
		return 2
	}
	_, _ = fmt.Fprintf(stdout, "Exported %d events to %s\n", resp.EventCount, out)
	if resp.Checksum != "" {
		_, _ = fmt.Fprintf(stdout, "SHA-256: %s\n", resp.Checksum)
	}
	return 0
}

// runTipCmd implements `auditchain tip`.
func runTipCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("tip", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var configPath, tenant string
	cmd.StringVar(&configPath, "config", "", "YAML config file")
	cmd.StringVar(&tenant, "tenant", "", "Tenant ID (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if tenant == "" {
		_, _ = fmt.Fprintln(stderr, "Error: -tenant is required")
		return 2
	}

	ctx := context.Background()
	a, err := newApp(ctx, configPath, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = a.close() }()

	tip, err := a.svc.Tip(ctx, tenant)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: tip: %v\n", err)
		return 2
	}
	if tip.IsZero() {
		_, _ = fmt.Fprintf(stderr, "Error: tenant %q has no events\n", tenant)
		return 2
	}
	writeJSONOut(stdout, tip)
	return 0
}
