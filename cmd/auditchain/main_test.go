package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/auditchain/pkg/export"
	"github.com/Mindburn-Labs/auditchain/pkg/ledger"
)

// useSQLite points every command at a fresh SQLite file.
func useSQLite(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.db")
	t.Setenv("AUDITCHAIN_STORE_DRIVER", "sqlite")
	t.Setenv("AUDITCHAIN_SQLITE_PATH", path)
	t.Setenv("AUDITCHAIN_LOG_LEVEL", "ERROR")
	return path
}

func run(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"auditchain"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func appendEvents(t *testing.T, tenant string, n int) {
	t.Helper()
	base := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		code, out, errOut := run("append",
			"-tenant", tenant,
			"-type", string(ledger.EventSignatureCompleted),
			"-payload", fmt.Sprintf(`{"document":"contract-%d","signer":"ana"}`, i),
			"-timestamp", base.Add(time.Duration(i)*time.Minute).Format(time.RFC3339),
		)
		require.Equal(t, 0, code, errOut)
		var ev ledger.Event
		require.NoError(t, json.Unmarshal([]byte(out), &ev))
		require.Equal(t, uint64(i+1), ev.Sequence)
	}
}

func TestRun_Usage(t *testing.T) {
	code, _, errOut := run()
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "Usage: auditchain")

	code, out, _ := run("help")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "verify-pack")

	code, _, errOut = run("frobnicate")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "Unknown command: frobnicate")
}

func TestRun_RequiredFlags(t *testing.T) {
	for _, cmd := range []string{"append", "verify", "export", "tip", "verify-pack"} {
		code, _, _ := run(cmd)
		assert.Equal(t, 2, code, cmd)
	}
	code, _, _ := run("verify", "-nope")
	assert.Equal(t, 2, code)
}

func TestAppendVerifyTip(t *testing.T) {
	useSQLite(t)
	appendEvents(t, "tenant-1", 3)

	code, out, errOut := run("verify", "-tenant", "tenant-1")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "PASS: 3/3 events verified")

	code, out, _ = run("verify", "-tenant", "tenant-1", "-json", "-from", "2025-05-01T12:01:00Z")
	require.Equal(t, 0, code)
	var res struct {
		IsValid     bool `json:"is_valid"`
		TotalEvents int  `json:"total_events"`
		Partial     bool `json:"partial"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.IsValid)
	assert.True(t, res.Partial)
	assert.Equal(t, 2, res.TotalEvents)

	code, out, _ = run("tip", "-tenant", "tenant-1")
	require.Equal(t, 0, code)
	var tip ledger.Tip
	require.NoError(t, json.Unmarshal([]byte(out), &tip))
	assert.Equal(t, uint64(3), tip.Sequence)

	code, _, errOut = run("tip", "-tenant", "nobody")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "no events")
}

func TestAppend_Rejections(t *testing.T) {
	useSQLite(t)

	code, _, errOut := run("append", "-tenant", "t", "-type", "X", "-payload", "[1,2]")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "JSON object")

	for _, trailing := range []string{`{} junk`, `{"a":1}{"b":2}`, `{"a":1} [`} {
		code, _, errOut = run("append", "-tenant", "t", "-type", "X", "-payload", trailing)
		assert.Equal(t, 2, code, trailing)
		assert.Contains(t, errOut, "trailing data", trailing)
	}

	code, _, _ = run("append", "-tenant", "t", "-type", "X", "-timestamp", "noon")
	assert.Equal(t, 2, code)

	code, _, errOut = run("append", "-tenant", "t", "-type", "X", "-timestamp", "2300-01-01T00:00:00Z")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "timestamp out of range")

	code, _, errOut = run("append", "-tenant", "t", "-type", "X", "-id", "evt-1")
	require.Equal(t, 0, code, errOut)
	code, _, errOut = run("append", "-tenant", "t", "-type", "X", "-id", "evt-1")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "duplicate event id")

	payload := filepath.Join(t.TempDir(), "payload.json")
	require.NoError(t, os.WriteFile(payload, []byte(`{"erased_fields":["email","phone"]}`), 0o600))
	code, _, errOut = run("append", "-tenant", "t", "-type", string(ledger.EventDataErasureRecorded), "-payload-file", payload)
	assert.Equal(t, 0, code, errOut)
}

func TestVerify_TamperedStoreFails(t *testing.T) {
	path := useSQLite(t)
	appendEvents(t, "tenant-1", 3)

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`UPDATE audit_events SET payload = '{"document":"forged","signer":"ana"}' WHERE sequence = 2`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	code, out, _ := run("verify", "-tenant", "tenant-1")
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "FAIL")
	assert.Contains(t, out, "content_tamper")
}

func TestExportAndVerifyPack(t *testing.T) {
	useSQLite(t)
	appendEvents(t, "tenant-1", 4)
	dir := t.TempDir()

	csvPath := filepath.Join(dir, "out.csv")
	code, out, errOut := run("export", "-tenant", "tenant-1", "-out", csvPath)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "Exported 4 events")
	data, err := os.ReadFile(csvPath)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), export.CSVHeader))

	code, out, _ = run("export", "-tenant", "tenant-1", "-format", "json", "-out", "-", "-limit", "2")
	require.Equal(t, 0, code)
	var events []ledger.Event
	require.NoError(t, json.Unmarshal([]byte(out), &events))
	assert.Len(t, events, 2)

	packPath := filepath.Join(dir, "pack.zip")
	code, out, _ = run("export", "-tenant", "tenant-1", "-format", "zip", "-out", packPath)
	require.Equal(t, 0, code)
	assert.Contains(t, out, "SHA-256:")

	code, out, errOut = run("verify-pack", "-pack", packPath)
	require.Equal(t, 0, code, out+errOut)
	assert.Contains(t, out, "PASSED")
	assert.Contains(t, out, "tenant-1 (4 events)")

	code, out, _ = run("verify-pack", "-pack", packPath, "-algorithm", "BLAKE3")
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "FAILED")

	code, _, _ = run("export", "-tenant", "tenant-1", "-format", "xml", "-out", "-")
	assert.Equal(t, 2, code)
}

func TestLoadConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auditchain.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http_addr: \":9999\"\nledger:\n  hash_algorithm: SHA3-256\n"), 0o600))

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.HTTPAddr)
	assert.Equal(t, "SHA3-256", string(cfg.Algorithm()))
}

func TestServe(t *testing.T) {
	t.Setenv("AUDITCHAIN_LOG_LEVEL", "ERROR")
	addrCh := make(chan string, 1)
	orig := listen
	listen = func(string) (net.Listener, error) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err == nil {
			addrCh <- ln.Addr().String()
		}
		return ln, err
	}
	t.Cleanup(func() { listen = orig })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan int, 1)
	var stdout, stderr bytes.Buffer
	go func() { done <- serve(ctx, nil, &stdout, &stderr) }()

	var addr string
	select {
	case addr = <-addrCh:
	case <-time.After(5 * time.Second):
		t.Fatal("server did not start")
	}

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, resp.Body.Close())

	cancel()
	select {
	case code := <-done:
		assert.Equal(t, 0, code)
	case <-time.After(15 * time.Second):
		t.Fatal("server did not stop")
	}
}
