package export

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zip"

	"github.com/Mindburn-Labs/auditchain/pkg/ledger"
	"github.com/Mindburn-Labs/auditchain/pkg/merkle"
	"github.com/Mindburn-Labs/auditchain/pkg/verifier"
)

// ErrEmptyTenantID is returned when a pack is requested without a tenant.
var ErrEmptyTenantID = errors.New("export: tenant_id must not be empty")

// Evidence pack members.
const (
	PackEvents       = "events.json"
	PackCSV          = "events.csv"
	PackVerification = "verification.json"
	PackManifest     = "manifest.json"
	PackReadme       = "README.txt"
)

// PackRequest describes one evidence pack.
type PackRequest struct {
	TenantID string
	Events   []ledger.Event
	Result   *verifier.Result
	Tip      ledger.Tip
	From     *time.Time
	To       *time.Time
	Filter   string
}

// Manifest is the index of an evidence pack. FileHashes maps each member
// to the lowercase hex SHA-256 of its bytes.
type Manifest struct {
	PackID      string            `json:"pack_id"`
	TenantID    string            `json:"tenant_id"`
	GeneratedAt time.Time         `json:"generated_at"`
	EventCount  int               `json:"event_count"`
	ChainTip    ledger.Tip        `json:"chain_tip"`
	Partial     bool              `json:"partial"`
	IsValid     bool              `json:"is_valid"`
	Filter      string            `json:"filter,omitempty"`
	// MerkleRoot is the root of EventTree over the packed events.
	MerkleRoot  string            `json:"merkle_root,omitempty"`
	Period      Period            `json:"period"`
	FileHashes  map[string]string `json:"file_hashes"`
}

// Period is the requested time window; nil bounds are open.
type Period struct {
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
}

// Pack builds a zip evidence pack and returns it with the hex SHA-256 of
// the archive.
func (e *Exporter) Pack(req PackRequest, now time.Time) ([]byte, string, error) {
	if req.TenantID == "" {
		return nil, "", ErrEmptyTenantID
	}
	if req.Result == nil {
		return nil, "", errors.New("export: pack requires a verification result")
	}
	now = now.UTC()

	eventsJSON, err := e.JSON(req.Events)
	if err != nil {
		return nil, "", err
	}
	resultJSON, err := json.MarshalIndent(req.Result, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("export: failed to marshal verification: %w", err)
	}
	members := map[string][]byte{
		PackEvents:       eventsJSON,
		PackCSV:          e.CSV(req.Events),
		PackVerification: resultJSON,
		PackReadme: fmt.Appendf(nil, "Audit evidence pack for tenant %s\nGenerated at %s\n%s\n",
			req.TenantID, now.Format(time.RFC3339), req.Result.Summary()),
	}

	manifest := Manifest{
		PackID:      uuid.New().String(),
		TenantID:    req.TenantID,
		GeneratedAt: now,
		EventCount:  len(req.Events),
		ChainTip:    req.Tip,
		Partial:     req.Result.Partial,
		IsValid:     req.Result.IsValid,
		Filter:      req.Filter,
		MerkleRoot:  EventTree(req.Events).Root,
		Period:      Period{Start: req.From, End: req.To},
		FileHashes:  make(map[string]string, len(members)),
	}
	for name, data := range members {
		manifest.FileHashes[name] = sha256Hex(data)
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("export: failed to marshal manifest: %w", err)
	}
	members[PackManifest] = manifestJSON

	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)
	for _, name := range sortedNames(members) {
		f, err := w.CreateHeader(&zip.FileHeader{
			Name:     name,
			Method:   zip.Deflate,
			Modified: now,
		})
		if err != nil {
			return nil, "", fmt.Errorf("export: add %s: %w", name, err)
		}
		if _, err := f.Write(members[name]); err != nil {
			return nil, "", fmt.Errorf("export: write %s: %w", name, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("export: close pack: %w", err)
	}

	data := buf.Bytes()
	return data, sha256Hex(data), nil
}

// EventTree builds the Merkle tree over events in pack order, one leaf per
// event ID and combined hash.
func EventTree(events []ledger.Event) *merkle.Tree {
	leaves := make([]merkle.Leaf, len(events))
	for i, ev := range events {
		leaves[i] = merkle.Leaf{ID: ev.ID, Hash: string(ev.CombinedHash)}
	}
	return merkle.Build(leaves)
}

// CheckResult is one check of a pack verification.
type CheckResult struct {
	Name   string `json:"name"`
	Pass   bool   `json:"pass"`
	Detail string `json:"detail,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// PackReport is the outcome of VerifyPack.
type PackReport struct {
	Verified   bool             `json:"verified"`
	Manifest   *Manifest        `json:"manifest,omitempty"`
	Checks     []CheckResult    `json:"checks"`
	Chain      *verifier.Result `json:"chain,omitempty"`
	Summary    string           `json:"summary"`
	IssueCount int              `json:"issue_count"`
}

func (r *PackReport) add(c CheckResult) { r.Checks = append(r.Checks, c) }

// VerifyPack checks an evidence pack offline: the manifest is present, every
// listed member matches its hash, and the events re-verify with v. Only an
// unreadable archive is an error; everything else is reported as a check.
func VerifyPack(data []byte, v *verifier.Verifier) (*PackReport, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("export: open pack: %w", err)
	}
	files := make(map[string][]byte, len(zr.File))
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("export: open %s: %w", f.Name, err)
		}
		content, err := io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			return nil, fmt.Errorf("export: read %s: %w", f.Name, err)
		}
		files[f.Name] = content
	}

	report := &PackReport{Checks: make([]CheckResult, 0)}
	defer report.finish()

	raw, ok := files[PackManifest]
	if !ok {
		report.add(CheckResult{Name: "structure", Reason: "missing " + PackManifest})
		return report, nil
	}
	var manifest Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		report.add(CheckResult{Name: "structure", Reason: fmt.Sprintf("invalid manifest JSON: %v", err)})
		return report, nil
	}
	report.Manifest = &manifest
	report.add(CheckResult{Name: "structure", Pass: true, Detail: "manifest present"})

	for _, name := range sortedNames(manifest.FileHashes) {
		want := manifest.FileHashes[name]
		content, ok := files[name]
		switch {
		case !ok:
			report.add(CheckResult{Name: "hash:" + name, Reason: "file missing"})
		case sha256Hex(content) != want:
			report.add(CheckResult{Name: "hash:" + name,
				Reason: fmt.Sprintf("hash mismatch: expected %s, got %s", want, sha256Hex(content))})
		default:
			report.add(CheckResult{Name: "hash:" + name, Pass: true, Detail: "hash verified"})
		}
	}

	events, err := decodeEvents(files[PackEvents])
	if err != nil {
		report.add(CheckResult{Name: "chain_integrity", Reason: err.Error()})
		return report, nil
	}
	if len(events) != manifest.EventCount {
		report.add(CheckResult{Name: "event_count",
			Reason: fmt.Sprintf("manifest lists %d events, pack holds %d", manifest.EventCount, len(events))})
	} else {
		report.add(CheckResult{Name: "event_count", Pass: true, Detail: fmt.Sprintf("%d events", len(events))})
	}

	if root := EventTree(events).Root; root != manifest.MerkleRoot {
		report.add(CheckResult{Name: "merkle_root",
			Reason: fmt.Sprintf("merkle root mismatch: manifest %s, events %s", manifest.MerkleRoot, root)})
	} else {
		report.add(CheckResult{Name: "merkle_root", Pass: true, Detail: "merkle root verified"})
	}

	report.Chain = v.Verify(events, verifier.Options{OpenStart: manifest.Partial})
	if report.Chain.IsValid {
		report.add(CheckResult{Name: "chain_integrity", Pass: true, Detail: report.Chain.Summary()})
	} else {
		report.add(CheckResult{Name: "chain_integrity", Reason: report.Chain.Summary()})
	}
	return report, nil
}

func (r *PackReport) finish() {
	failed := 0
	for _, c := range r.Checks {
		if !c.Pass {
			failed++
		}
	}
	r.IssueCount = failed
	r.Verified = failed == 0 && len(r.Checks) > 0
	if r.Verified {
		r.Summary = fmt.Sprintf("PASS: %d/%d checks passed", len(r.Checks), len(r.Checks))
	} else {
		r.Summary = fmt.Sprintf("FAIL: %d/%d checks failed", failed, len(r.Checks))
	}
}

func decodeEvents(data []byte) ([]ledger.Event, error) {
	if data == nil {
		return nil, fmt.Errorf("missing %s", PackEvents)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var events []ledger.Event
	if err := dec.Decode(&events); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", PackEvents, err)
	}
	return events, nil
}

func sortedNames[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
