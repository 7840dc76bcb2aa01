package ledger

import (
	"context"

	"github.com/Mindburn-Labs/auditchain/pkg/canonicalize"
)

// Store is the persistence collaborator of the Ledger.
//
// Implementations keep one ordered chain per tenant, keyed by
// (tenant, sequence), and must make a committed event visible atomically
// together with the tip it advances.
type Store interface {
	// Tip returns the current tip of tenantID's chain, or the zero Tip if
	// the chain is empty.
	Tip(ctx context.Context, tenantID string) (Tip, error)

	// AppendIfTip commits ev only if the tenant's current tip hash equals
	// expected (zero for an empty chain) and ev.Sequence directly follows it.
	// It returns ErrTipMismatch otherwise, and ErrDuplicateEventID when the
	// tenant's chain already holds an event with ev.ID. IDs are unique per
	// tenant; two tenants may use the same ID.
	AppendIfTip(ctx context.Context, expected canonicalize.Hash, ev Event) error

	// Scan returns the tenant's events matching q in ascending sequence
	// order, at most q.Limit of them when q.Limit > 0.
	Scan(ctx context.Context, tenantID string, q Query) ([]Event, error)
}
