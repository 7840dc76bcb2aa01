// Package ledger is the append-only, per-tenant audit event chain.
//
// Every compliance action is committed as an Event whose combined hash links
// it to the previous event of the same tenant. Events are never edited or
// deleted; a legal erasure is itself recorded as a new event.
package ledger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/Mindburn-Labs/auditchain/pkg/canonicalize"
)

var (
	ErrEmptyTenant           = errors.New("ledger: tenant id must not be empty")
	ErrEmptyEventType        = errors.New("ledger: event type must not be empty")
	ErrUnknownTenant         = errors.New("ledger: unknown tenant")
	ErrTenantMismatch        = errors.New("ledger: tenant mismatch")
	ErrNonMonotonicTimestamp = errors.New("ledger: timestamp precedes chain tip")
	ErrInvalidQuery          = errors.New("ledger: invalid query")
	ErrInvalidTimestamp      = errors.New("ledger: timestamp out of range")

	// ErrDuplicateEventID is returned by a Store when the tenant's chain
	// already holds an event with the same ID.
	ErrDuplicateEventID = errors.New("ledger: duplicate event id")

	// ErrTipMismatch is returned by a Store when the tip moved between the
	// read and the conditional write.
	ErrTipMismatch = errors.New("ledger: chain tip moved")
	// ErrConcurrentAppendConflict is returned when tip conflicts persisted
	// through every retry.
	ErrConcurrentAppendConflict = errors.New("ledger: concurrent append conflict")
)

// Event timestamps must fit in int64 Unix nanoseconds, the durable stores'
// representation. The range also lies inside the years JSON can encode.
var (
	MinTimestamp = time.Unix(0, math.MinInt64).UTC()
	MaxTimestamp = time.Unix(0, math.MaxInt64).UTC()
)

// EventType tags the business action an event records. The ledger treats it
// as opaque.
type EventType string

const (
	EventConsentGranted      EventType = "CONSENT_GRANTED"
	EventConsentRevoked      EventType = "CONSENT_REVOKED"
	EventIdentityCreated     EventType = "IDENTITY_CREATED"
	EventSignatureCompleted  EventType = "SIGNATURE_COMPLETED"
	EventARCORequestCreated  EventType = "ARCO_REQUEST_CREATED"
	EventARCORequestResolved EventType = "ARCO_REQUEST_RESOLVED"
	EventDataErasureRecorded EventType = "DATA_ERASURE_RECORDED"
)

// Payload is an event body over the JSON value domain. Payloads read back
// from a store carry numbers as json.Number.
type Payload map[string]any

// Event is one immutable entry of a tenant's chain.
type Event struct {
	ID           string            `json:"id"`
	TenantID     string            `json:"tenant_id"`
	Sequence     uint64            `json:"sequence"`
	EventType    EventType         `json:"event_type"`
	Payload      Payload           `json:"payload"`
	PayloadHash  canonicalize.Hash `json:"payload_hash"`
	PrevHash     canonicalize.Hash `json:"prev_hash,omitempty"`
	CombinedHash canonicalize.Hash `json:"combined_hash"`
	Timestamp    time.Time         `json:"timestamp"`
}

// Tip is the most recently committed position of a chain. The zero Tip
// denotes an empty chain.
type Tip struct {
	Hash      canonicalize.Hash `json:"hash"`
	Sequence  uint64            `json:"sequence"`
	Timestamp time.Time         `json:"timestamp"`
}

// IsZero reports whether the chain is empty.
func (t Tip) IsZero() bool { return t.Sequence == 0 }

func tipOf(ev Event) Tip {
	return Tip{Hash: ev.CombinedHash, Sequence: ev.Sequence, Timestamp: ev.Timestamp}
}

// Query bounds a read. Zero fields are unbounded; From and To are inclusive.
type Query struct {
	From          *time.Time
	To            *time.Time
	AfterSequence uint64
	Limit         int
}

// Validate rejects inverted ranges and negative limits.
func (q Query) Validate() error {
	if q.From != nil && q.To != nil && q.From.After(*q.To) {
		return fmt.Errorf("%w: from %s is after to %s", ErrInvalidQuery, q.From.Format(time.RFC3339), q.To.Format(time.RFC3339))
	}
	if q.Limit < 0 {
		return fmt.Errorf("%w: negative limit %d", ErrInvalidQuery, q.Limit)
	}
	return nil
}

func (q Query) matches(ev Event) bool {
	if ev.Sequence <= q.AfterSequence {
		return false
	}
	if q.From != nil && ev.Timestamp.Before(*q.From) {
		return false
	}
	if q.To != nil && ev.Timestamp.After(*q.To) {
		return false
	}
	return true
}

// pastEnd reports whether ev and everything after it lies beyond q.To.
func (q Query) pastEnd(ev Event) bool {
	return q.To != nil && ev.Timestamp.After(*q.To)
}

// DecodePayload parses canonical JSON into a Payload, keeping numbers as
// json.Number so re-canonicalization is exact.
func DecodePayload(data []byte) (Payload, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var p Payload
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("decode payload: trailing data after JSON object")
	}
	if p == nil {
		p = Payload{}
	}
	return p, nil
}

// decodeEvent parses a JSON-encoded event with json.Number payload values.
func decodeEvent(data []byte) (Event, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var ev Event
	if err := dec.Decode(&ev); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	return ev, nil
}

// clonePayload deep-copies the JSON containers of p so stored history cannot
// be changed through a returned event.
func clonePayload(p Payload) Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = cloneValue(vv)
		}
		return out
	case Payload:
		return clonePayload(t)
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = cloneValue(vv)
		}
		return out
	default:
		return v
	}
}

func cloneEvent(ev Event) Event {
	ev.Payload = clonePayload(ev.Payload)
	return ev
}
