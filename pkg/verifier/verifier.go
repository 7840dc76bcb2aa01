// Package verifier recomputes a tenant chain from raw payloads and reports
// every place where stored hashes disagree with the recomputation.
//
// The verifier trusts only the hash primitives and canonical JSON. It never
// reads a stored hash without recomputing what it should have been, and it
// never mutates its input. Integrity problems are returned as findings, not
// errors: a tampered chain is a valid input that produces an invalid result.
package verifier

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Mindburn-Labs/auditchain/pkg/canonicalize"
	"github.com/Mindburn-Labs/auditchain/pkg/chain"
	"github.com/Mindburn-Labs/auditchain/pkg/ledger"
)

// FindingKind classifies an integrity finding.
type FindingKind string

const (
	// FindingRootIntegrity: the first event has a predecessor, or its
	// combined hash differs from its payload hash.
	FindingRootIntegrity FindingKind = "root_integrity"
	// FindingContentTamper: the payload no longer digests to PayloadHash.
	FindingContentTamper FindingKind = "content_tamper"
	// FindingLinkBreak: PrevHash is not the preceding event's CombinedHash.
	// Missing events surface as this kind too.
	FindingLinkBreak FindingKind = "link_break"
	// FindingLinkageForgery: CombinedHash is not Link(PayloadHash, PrevHash).
	FindingLinkageForgery FindingKind = "linkage_forgery"
)

// Finding is one integrity violation attributed to one event.
type Finding struct {
	Kind     FindingKind       `json:"kind"`
	TenantID string            `json:"tenant_id"`
	EventID  string            `json:"event_id"`
	Sequence uint64            `json:"sequence"`
	Position int               `json:"position"`
	Expected canonicalize.Hash `json:"expected,omitempty"`
	Actual   canonicalize.Hash `json:"actual,omitempty"`
	Reason   string            `json:"reason"`
}

// EventStatus is the per-event verdict, in verification order.
type EventStatus struct {
	EventID  string        `json:"event_id"`
	TenantID string        `json:"tenant_id"`
	Sequence uint64        `json:"sequence"`
	Verified bool          `json:"verified"`
	Findings []FindingKind `json:"findings,omitempty"`
}

// Result is the outcome of one verification pass.
type Result struct {
	IsValid        bool          `json:"is_valid"`
	TotalEvents    int           `json:"total_events"`
	VerifiedEvents int           `json:"verified_events"`
	BrokenLinks    int           `json:"broken_links"`
	Tenants        int           `json:"tenants"`
	Partial        bool          `json:"partial"`
	RootCauses     []Finding     `json:"root_causes"`
	Events         []EventStatus `json:"events"`
	VerifiedAt     time.Time     `json:"verified_at"`
}

// Summary renders a one-line verdict for logs and CLI output.
func (r *Result) Summary() string {
	if r.IsValid {
		return fmt.Sprintf("PASS: %d/%d events verified", r.VerifiedEvents, r.TotalEvents)
	}
	return fmt.Sprintf("FAIL: %d/%d events verified, %d broken links, %d findings",
		r.VerifiedEvents, r.TotalEvents, r.BrokenLinks, len(r.RootCauses))
}

// Options tunes a verification pass.
type Options struct {
	// OpenStart skips the root rule for the first event of every tenant.
	// Set it when verifying a window whose first event's predecessor lies
	// outside the window.
	OpenStart bool
}

// Verifier checks chains built with one hash algorithm.
type Verifier struct {
	linker   *chain.Linker
	logger   *slog.Logger
	verified metric.Int64Counter
	findings metric.Int64Counter
}

// New creates a Verifier. A nil hasher selects SHA-256.
func New(hasher *canonicalize.Hasher) *Verifier {
	meter := otel.Meter("github.com/Mindburn-Labs/auditchain/pkg/verifier")
	verified, _ := meter.Int64Counter("auditchain.verifier.events",
		metric.WithDescription("Events examined by verification"))
	findings, _ := meter.Int64Counter("auditchain.verifier.findings",
		metric.WithDescription("Integrity findings by kind"))

	return &Verifier{
		linker:   chain.NewLinker(hasher),
		logger:   slog.Default().With("component", "verifier"),
		verified: verified,
		findings: findings,
	}
}

// WithLogger returns a copy of v logging to logger.
func (v *Verifier) WithLogger(logger *slog.Logger) *Verifier {
	cp := *v
	cp.logger = logger.With("component", "verifier")
	return &cp
}

// Verify checks events, which may span several tenants. Each tenant's events
// are ordered by (Timestamp, Sequence) and verified in a single forward pass.
// Verify is total: it never fails, whatever the input contains.
func (v *Verifier) Verify(events []ledger.Event, opts Options) *Result {
	res := &Result{
		IsValid:     true,
		TotalEvents: len(events),
		Partial:     opts.OpenStart,
		RootCauses:  make([]Finding, 0),
		Events:      make([]EventStatus, 0, len(events)),
		VerifiedAt:  time.Now().UTC(),
	}
	if len(events) == 0 {
		return res
	}

	partitions, order := partition(events)
	res.Tenants = len(order)
	for _, tenantID := range order {
		v.verifyTenant(partitions[tenantID], opts, res)
	}

	for _, f := range res.RootCauses {
		switch f.Kind {
		case FindingLinkBreak, FindingLinkageForgery:
			res.BrokenLinks++
		}
	}
	res.IsValid = len(res.RootCauses) == 0

	ctx := context.Background()
	if v.verified != nil {
		v.verified.Add(ctx, int64(res.TotalEvents))
	}
	if v.findings != nil {
		for _, f := range res.RootCauses {
			v.findings.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(f.Kind))))
		}
	}
	if !res.IsValid {
		v.logger.Warn("chain verification failed",
			"tenants", res.Tenants,
			"total_events", res.TotalEvents,
			"broken_links", res.BrokenLinks,
			"findings", len(res.RootCauses),
		)
	}
	return res
}

func (v *Verifier) verifyTenant(events []ledger.Event, opts Options, res *Result) {
	for i, ev := range events {
		var found []Finding
		add := func(kind FindingKind, expected, actual canonicalize.Hash, reason string) {
			found = append(found, Finding{
				Kind:     kind,
				TenantID: ev.TenantID,
				EventID:  ev.ID,
				Sequence: ev.Sequence,
				Position: i,
				Expected: expected,
				Actual:   actual,
				Reason:   reason,
			})
		}

		rootMismatch := false
		if i == 0 && !opts.OpenStart {
			switch {
			case !ev.PrevHash.IsZero():
				add(FindingRootIntegrity, "", ev.PrevHash, "first event of the chain has a predecessor hash")
			case ev.CombinedHash != ev.PayloadHash:
				rootMismatch = true
				add(FindingRootIntegrity, ev.PayloadHash, ev.CombinedHash, "root combined hash differs from payload hash")
			}
		}

		if digest, err := v.digest(ev); err != nil {
			add(FindingContentTamper, ev.PayloadHash, "", fmt.Sprintf("payload cannot be canonicalized: %v", err))
		} else if digest != ev.PayloadHash {
			add(FindingContentTamper, digest, ev.PayloadHash, "payload does not match payload hash")
		}

		if i > 0 && ev.PrevHash != events[i-1].CombinedHash {
			add(FindingLinkBreak, events[i-1].CombinedHash, ev.PrevHash, "previous hash does not match preceding event")
		}

		if !rootMismatch {
			combined, err := v.linker.Link(ev.PayloadHash, ev.PrevHash)
			switch {
			case err != nil:
				add(FindingLinkageForgery, "", ev.CombinedHash, fmt.Sprintf("stored hashes are malformed: %v", err))
			case combined != ev.CombinedHash:
				add(FindingLinkageForgery, combined, ev.CombinedHash, "combined hash does not match its inputs")
			}
		}

		status := EventStatus{
			EventID:  ev.ID,
			TenantID: ev.TenantID,
			Sequence: ev.Sequence,
			Verified: len(found) == 0,
		}
		for _, f := range found {
			status.Findings = append(status.Findings, f.Kind)
		}
		if status.Verified {
			res.VerifiedEvents++
		}
		res.Events = append(res.Events, status)
		res.RootCauses = append(res.RootCauses, found...)
	}
}

// CheckContent reports whether ev's payload still digests to its recorded
// payload hash. It ignores chain linkage entirely.
func (v *Verifier) CheckContent(ev ledger.Event) bool {
	digest, err := v.digest(ev)
	return err == nil && digest == ev.PayloadHash
}

func (v *Verifier) digest(ev ledger.Event) (canonicalize.Hash, error) {
	return v.linker.Hasher().Digest(ev.Payload)
}

// partition groups events by tenant, preserving first-seen tenant order, and
// stably sorts each group by (Timestamp, Sequence).
func partition(events []ledger.Event) (map[string][]ledger.Event, []string) {
	groups := make(map[string][]ledger.Event)
	var order []string
	for _, ev := range events {
		if _, ok := groups[ev.TenantID]; !ok {
			order = append(order, ev.TenantID)
		}
		groups[ev.TenantID] = append(groups[ev.TenantID], ev)
	}
	for _, g := range groups {
		slices.SortStableFunc(g, func(a, b ledger.Event) int {
			if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
				return c
			}
			switch {
			case a.Sequence < b.Sequence:
				return -1
			case a.Sequence > b.Sequence:
				return 1
			}
			return 0
		})
	}
	return groups, order
}
