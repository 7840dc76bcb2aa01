package export

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/auditchain/pkg/ledger"
	"github.com/Mindburn-Labs/auditchain/pkg/verifier"
)

var t0 = time.Date(2025, 2, 14, 8, 30, 0, 123_000_000, time.UTC)

func buildChain(t *testing.T, n int) []ledger.Event {
	t.Helper()
	l, err := ledger.New(ledger.NewMemoryStore(), ledger.Options{})
	require.NoError(t, err)
	var out []ledger.Event
	for i := 0; i < n; i++ {
		ev, err := l.Append(context.Background(), ledger.AppendRequest{
			TenantID:  "tenant-x",
			EventType: ledger.EventConsentGranted,
			Payload:   ledger.Payload{"n": i, "scope": "email", "amount": 10.5 * float64(i)},
			Timestamp: t0.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
		out = append(out, ev)
	}
	return out
}

func newExporter() *Exporter { return New(verifier.New(nil)) }

func TestCSV_EmptyIsHeaderOnly(t *testing.T) {
	assert.Equal(t, CSVHeader, string(newExporter().CSV(nil)))
	assert.Equal(t, "ID,Type,Timestamp,Payload Hash,Previous Hash,Is Verified", CSVHeader)
}

func TestCSV_Rows(t *testing.T) {
	events := buildChain(t, 3)
	out := string(newExporter().CSV(events))

	lines := strings.Split(out, "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, CSVHeader, lines[0])

	want := `"` + events[0].ID + `","CONSENT_GRANTED","2025-02-14T08:30:00.123Z","` +
		string(events[0].PayloadHash) + `","","Yes"`
	assert.Equal(t, want, lines[1])
	assert.Contains(t, lines[2], `"`+string(events[0].CombinedHash)+`"`)
	assert.True(t, strings.HasSuffix(lines[3], `"Yes"`))
}

func TestCSV_TamperedRowIsNo(t *testing.T) {
	events := buildChain(t, 3)
	events[1].Payload = ledger.Payload{"n": 1000}

	lines := strings.Split(string(newExporter().CSV(events)), "\n")
	assert.True(t, strings.HasSuffix(lines[1], `"Yes"`))
	assert.True(t, strings.HasSuffix(lines[2], `"No"`))
	assert.True(t, strings.HasSuffix(lines[3], `"Yes"`))
}

func TestCSV_WindowRowsStayVerified(t *testing.T) {
	events := buildChain(t, 4)
	lines := strings.Split(string(newExporter().CSV(events[2:])), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasSuffix(lines[1], `"Yes"`))
}

func TestCSV_QuotesAndInvalidDates(t *testing.T) {
	ev := ledger.Event{
		ID:        `evt "quoted", with comma`,
		EventType: "X",
		Payload:   ledger.Payload{},
	}
	lines := strings.Split(string(newExporter().CSV([]ledger.Event{ev})), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, `"evt ""quoted"", with comma","X","INVALID DATE","","","No"`, lines[1])
}

func TestFormatTimestamp(t *testing.T) {
	assert.Equal(t, "INVALID DATE", formatTimestamp(time.Time{}))
	assert.Equal(t, "INVALID DATE", formatTimestamp(time.Date(10000, 1, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, "INVALID DATE", formatTimestamp(time.Date(-1, 1, 1, 0, 0, 0, 0, time.UTC)))

	loc := time.FixedZone("CET", 3600)
	assert.Equal(t, "2025-01-01T00:00:00.000Z", formatTimestamp(time.Date(2025, 1, 1, 1, 0, 0, 0, loc)))
}

func TestJSON(t *testing.T) {
	events := buildChain(t, 2)
	events[1].Payload = ledger.Payload{"note": "<b>&"}

	out, err := newExporter().JSON(events)
	require.NoError(t, err)

	assert.True(t, bytes.HasPrefix(out, []byte("[\n  {\n    \"id\"")))
	assert.Contains(t, string(out), `"note": "<b>&"`)

	var decoded []ledger.Event
	require.NoError(t, json.Unmarshal(out, &decoded))
	require.Len(t, decoded, 2)
	assert.Equal(t, events[0].CombinedHash, decoded[0].CombinedHash)
	assert.Equal(t, events[1].PrevHash, decoded[1].PrevHash)

	empty, err := newExporter().JSON(nil)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(empty))
}

func TestFilenameAndContentType(t *testing.T) {
	day := time.Date(2025, 12, 31, 23, 59, 0, 0, time.UTC)
	assert.Equal(t, "audit_export_2025-12-31.csv", Filename(FormatCSV, day))
	assert.Equal(t, "audit_export_2025-12-31.json", Filename(FormatJSON, day))
	assert.Equal(t, "audit_export_2025-12-31.zip", Filename(FormatZip, day))

	assert.Equal(t, "text/csv; charset=utf-8", ContentType(FormatCSV))
	assert.Equal(t, "application/json", ContentType(FormatJSON))
	assert.Equal(t, "application/zip", ContentType(FormatZip))
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat(" CSV ")
	require.NoError(t, err)
	assert.Equal(t, FormatCSV, f)

	_, err = ParseFormat("xml")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}
