package ledger

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/auditchain/pkg/canonicalize"
	"github.com/Mindburn-Labs/auditchain/pkg/chain"
)

const (
	defaultMaxAttempts = 5
	defaultPageSize    = 500
)

// Options configures a Ledger. Zero values select defaults.
type Options struct {
	// Algorithm selects the digest algorithm. Default SHA256.
	Algorithm canonicalize.Algorithm
	// MaxAttempts bounds compare-and-swap retries per append. Default 5.
	MaxAttempts uint
	// StrictTenants requires the first event of a chain to be appended with
	// Genesis set; otherwise the first append implicitly creates the chain.
	StrictTenants bool
	// PageSize is the store batch size used by Read. Default 500.
	PageSize int
	// RetryInitialInterval is the first backoff delay after a conflict.
	RetryInitialInterval time.Duration

	Clock  func() time.Time
	NewID  func() string
	Logger *slog.Logger
}

// AppendRequest is one inbound append. TenantID may be left empty when the
// request is sent through a tenant-scoped Chain.
type AppendRequest struct {
	TenantID  string    `json:"tenant_id"`
	EventType EventType `json:"event_type"`
	Payload   Payload   `json:"payload"`
	// Timestamp defaults to the ledger clock.
	Timestamp time.Time `json:"timestamp,omitempty"`
	// ID defaults to a random UUID.
	ID string `json:"id,omitempty"`
	// Genesis marks the intended first event of a new chain.
	Genesis bool `json:"genesis,omitempty"`
}

// Ledger appends events to per-tenant chains held by a Store.
type Ledger struct {
	store   Store
	linker  *chain.Linker
	opts    Options
	locks   *tenantLocks
	logger  *slog.Logger
	metrics *instruments
}

// New creates a Ledger over store.
func New(store Store, opts Options) (*Ledger, error) {
	if store == nil {
		return nil, errors.New("ledger: store is required")
	}
	if opts.Algorithm == "" {
		opts.Algorithm = canonicalize.SHA256
	}
	hasher, err := canonicalize.NewHasher(opts.Algorithm)
	if err != nil {
		return nil, err
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	if opts.RetryInitialInterval <= 0 {
		opts.RetryInitialInterval = 2 * time.Millisecond
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.New().String() }
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Ledger{
		store:   store,
		linker:  chain.NewLinker(hasher),
		opts:    opts,
		locks:   newTenantLocks(),
		logger:  logger.With("component", "ledger"),
		metrics: newInstruments(),
	}, nil
}

// Linker returns the linker used for new events.
func (l *Ledger) Linker() *chain.Linker { return l.linker }

// Chain returns a handle scoped to one tenant's chain.
func (l *Ledger) Chain(tenantID string) *Chain {
	return &Chain{ledger: l, tenantID: tenantID}
}

// Append commits req to the chain of req.TenantID.
func (l *Ledger) Append(ctx context.Context, req AppendRequest) (Event, error) {
	return l.Chain(req.TenantID).Append(ctx, req)
}

// Read returns tenantID's events matching q in ascending order.
func (l *Ledger) Read(ctx context.Context, tenantID string, q Query) iter.Seq2[Event, error] {
	return l.Chain(tenantID).Events(ctx, q)
}

// ReadAll collects Read into a slice.
func (l *Ledger) ReadAll(ctx context.Context, tenantID string, q Query) ([]Event, error) {
	return l.Chain(tenantID).All(ctx, q)
}

// Tip returns the current tip of tenantID's chain.
func (l *Ledger) Tip(ctx context.Context, tenantID string) (Tip, error) {
	return l.Chain(tenantID).Tip(ctx)
}

// Chain is a tenant-scoped view of a Ledger.
type Chain struct {
	ledger   *Ledger
	tenantID string
}

// TenantID returns the tenant this chain belongs to.
func (c *Chain) TenantID() string { return c.tenantID }

// Append digests the payload, links it to the current tip and commits it.
//
// Appends to one tenant are serialized in-process; a tip that moved under a
// concurrent writer in another process is retried with backoff until
// MaxAttempts is reached.
func (c *Chain) Append(ctx context.Context, req AppendRequest) (Event, error) {
	l := c.ledger
	start := time.Now()
	attrs := metric.WithAttributes(attribute.String("event_type", string(req.EventType)))

	ctx, span := l.metrics.tracer.Start(ctx, "ledger.Append", trace.WithAttributes(
		attribute.String("tenant_id", c.tenantID),
		attribute.String("event_type", string(req.EventType)),
	))
	defer span.End()

	ev, err := c.append(ctx, req)
	if err != nil {
		l.metrics.appendFailures.Add(ctx, 1, attrs)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		l.logger.WarnContext(ctx, "append rejected",
			"tenant_id", c.tenantID,
			"event_type", req.EventType,
			"error", err,
		)
		return Event{}, err
	}

	l.metrics.appends.Add(ctx, 1, attrs)
	l.metrics.appendLatency.Record(ctx, float64(time.Since(start).Microseconds())/1000, attrs)
	span.SetAttributes(attribute.Int64("sequence", int64(ev.Sequence)))
	l.logger.DebugContext(ctx, "event appended",
		"tenant_id", ev.TenantID,
		"event_id", ev.ID,
		"sequence", ev.Sequence,
		"combined_hash", ev.CombinedHash,
	)
	return ev, nil
}

func (c *Chain) append(ctx context.Context, req AppendRequest) (Event, error) {
	l := c.ledger
	if c.tenantID == "" {
		return Event{}, ErrEmptyTenant
	}
	if req.TenantID != "" && req.TenantID != c.tenantID {
		return Event{}, fmt.Errorf("%w: event for %q appended to chain %q", ErrTenantMismatch, req.TenantID, c.tenantID)
	}
	if req.EventType == "" {
		return Event{}, ErrEmptyEventType
	}

	canonical, err := canonicalize.JCS(req.Payload)
	if err != nil {
		return Event{}, err
	}
	payload, err := DecodePayload(canonical)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %w", canonicalize.ErrSerialization, err)
	}
	payloadHash := l.linker.Hasher().Sum(canonical)

	id := req.ID
	if id == "" {
		id = l.opts.NewID()
	}

	unlock, err := l.locks.acquire(ctx, c.tenantID)
	if err != nil {
		return Event{}, err
	}
	defer unlock()

	attempts := 0
	commit := func() (Event, error) {
		attempts++
		tip, err := l.store.Tip(ctx, c.tenantID)
		if err != nil {
			return Event{}, backoff.Permanent(fmt.Errorf("read tip: %w", err))
		}
		if tip.IsZero() && l.opts.StrictTenants && !req.Genesis {
			return Event{}, backoff.Permanent(fmt.Errorf("%w: %q has no chain and the request is not a genesis event", ErrUnknownTenant, c.tenantID))
		}
		ts, err := l.timestamp(req.Timestamp, tip)
		if err != nil {
			return Event{}, backoff.Permanent(err)
		}
		combined, err := l.linker.Link(payloadHash, tip.Hash)
		if err != nil {
			return Event{}, backoff.Permanent(err)
		}

		ev := Event{
			ID:           id,
			TenantID:     c.tenantID,
			Sequence:     tip.Sequence + 1,
			EventType:    req.EventType,
			Payload:      payload,
			PayloadHash:  payloadHash,
			PrevHash:     tip.Hash,
			CombinedHash: combined,
			Timestamp:    ts,
		}
		if err := l.store.AppendIfTip(ctx, tip.Hash, ev); err != nil {
			if errors.Is(err, ErrTipMismatch) {
				l.metrics.conflicts.Add(ctx, 1)
				return Event{}, err
			}
			return Event{}, backoff.Permanent(err)
		}
		return ev, nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = l.opts.RetryInitialInterval
	policy.MaxInterval = 50 * l.opts.RetryInitialInterval

	ev, err := backoff.Retry(ctx, commit,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(l.opts.MaxAttempts),
	)
	if err != nil {
		if errors.Is(err, ErrTipMismatch) {
			return Event{}, fmt.Errorf("%w: tenant %q after %d attempts: %w", ErrConcurrentAppendConflict, c.tenantID, attempts, err)
		}
		return Event{}, err
	}
	return ev, nil
}

// timestamp resolves the event time. Caller-supplied times must lie within
// [MinTimestamp, MaxTimestamp] and must not precede the tip; clock readings
// that precede it are clamped to it.
func (l *Ledger) timestamp(requested time.Time, tip Tip) (time.Time, error) {
	if !requested.IsZero() {
		ts := requested.UTC()
		if err := checkTimestampRange(ts); err != nil {
			return time.Time{}, err
		}
		if !tip.IsZero() && ts.Before(tip.Timestamp) {
			return time.Time{}, fmt.Errorf("%w: %s < %s", ErrNonMonotonicTimestamp,
				ts.Format(time.RFC3339Nano), tip.Timestamp.Format(time.RFC3339Nano))
		}
		return ts, nil
	}
	now := l.opts.Clock().UTC()
	if !tip.IsZero() && now.Before(tip.Timestamp) {
		now = tip.Timestamp
	}
	if err := checkTimestampRange(now); err != nil {
		return time.Time{}, fmt.Errorf("ledger clock: %w", err)
	}
	return now, nil
}

func checkTimestampRange(ts time.Time) error {
	if ts.Before(MinTimestamp) || ts.After(MaxTimestamp) {
		return fmt.Errorf("%w: %s is outside %d-%d", ErrInvalidTimestamp,
			ts.Format(time.RFC3339Nano), MinTimestamp.Year(), MaxTimestamp.Year())
	}
	return nil
}

// Events returns a lazy, restartable sequence over the chain. Each range
// over the result rescans the store in PageSize batches.
func (c *Chain) Events(ctx context.Context, q Query) iter.Seq2[Event, error] {
	l := c.ledger
	return func(yield func(Event, error) bool) {
		if c.tenantID == "" {
			yield(Event{}, ErrEmptyTenant)
			return
		}
		if err := q.Validate(); err != nil {
			yield(Event{}, err)
			return
		}

		cursor := q.AfterSequence
		remaining := q.Limit
		for {
			page := l.opts.PageSize
			if q.Limit > 0 && remaining < page {
				page = remaining
			}
			batch, err := l.store.Scan(ctx, c.tenantID, Query{
				From:          q.From,
				To:            q.To,
				AfterSequence: cursor,
				Limit:         page,
			})
			if err != nil {
				yield(Event{}, fmt.Errorf("scan %q: %w", c.tenantID, err))
				return
			}
			l.metrics.eventsRead.Add(ctx, int64(len(batch)))

			for _, ev := range batch {
				cursor = ev.Sequence
				if !yield(ev, nil) {
					return
				}
			}
			if q.Limit > 0 {
				remaining -= len(batch)
				if remaining <= 0 {
					return
				}
			}
			if len(batch) < page {
				return
			}
		}
	}
}

// All collects Events into a slice.
func (c *Chain) All(ctx context.Context, q Query) ([]Event, error) {
	var out []Event
	for ev, err := range c.Events(ctx, q) {
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

// Tip returns the chain's current tip.
func (c *Chain) Tip(ctx context.Context) (Tip, error) {
	if c.tenantID == "" {
		return Tip{}, ErrEmptyTenant
	}
	return c.ledger.store.Tip(ctx, c.tenantID)
}
