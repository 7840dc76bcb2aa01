// Package audit is the service boundary over the ledger: append, verify and
// export for one tenant at a time.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/auditchain/pkg/export"
	"github.com/Mindburn-Labs/auditchain/pkg/ledger"
	"github.com/Mindburn-Labs/auditchain/pkg/verifier"
)

var (
	// ErrEmptyTenantID is returned when a request carries no tenant.
	ErrEmptyTenantID = errors.New("audit: tenant_id must not be empty")
	// ErrInvalidTimeRange is returned when from is after to.
	ErrInvalidTimeRange = errors.New("audit: from must not be after to")
	// ErrUnsupportedFormat is returned for export formats other than csv, json and zip.
	ErrUnsupportedFormat = export.ErrUnsupportedFormat
)

// VerifyRequest selects the events to verify. Nil bounds are open.
type VerifyRequest struct {
	TenantID string     `json:"tenant_id"`
	From     *time.Time `json:"from,omitempty"`
	To       *time.Time `json:"to,omitempty"`
	Limit    int        `json:"limit,omitempty"`
}

// VerifyResponse is the verification result plus the events examined.
type VerifyResponse struct {
	Result *verifier.Result `json:"result"`
	Events []ledger.Event   `json:"events"`
}

// ExportRequest selects and encodes events for download.
type ExportRequest struct {
	TenantID string        `json:"tenant_id"`
	Format   export.Format `json:"format"`
	From     *time.Time    `json:"from,omitempty"`
	To       *time.Time    `json:"to,omitempty"`
	Limit    int           `json:"limit,omitempty"`
	// Filter is an optional CEL expression; see export.Filter.
	Filter string `json:"filter,omitempty"`
}

// ExportResponse is a rendered export ready to be written out.
type ExportResponse struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"-"`
	EventCount  int    `json:"event_count"`
	// Checksum is the hex SHA-256 of Body, set for zip packs.
	Checksum string `json:"checksum,omitempty"`
}

// Service wires the ledger, verifier and exporter.
type Service struct {
	ledger   *ledger.Ledger
	verifier *verifier.Verifier
	exporter *export.Exporter
	clock    func() time.Time
	logger   *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the clock used for export filenames.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// NewService creates a Service. The verifier uses the ledger's hash
// algorithm.
func NewService(l *ledger.Ledger, opts ...Option) *Service {
	s := &Service{
		ledger: l,
		clock:  time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	base := s.logger
	s.logger = base.With("component", "audit")
	s.verifier = verifier.New(l.Linker().Hasher()).WithLogger(base)
	s.exporter = export.New(s.verifier)
	return s
}

// Ledger returns the underlying ledger.
func (s *Service) Ledger() *ledger.Ledger { return s.ledger }

// Verifier returns the verifier configured for the ledger's algorithm.
func (s *Service) Verifier() *verifier.Verifier { return s.verifier }

// Append commits one event.
func (s *Service) Append(ctx context.Context, req ledger.AppendRequest) (ledger.Event, error) {
	ev, err := s.ledger.Append(ctx, req)
	if err != nil {
		return ledger.Event{}, err
	}
	s.logger.InfoContext(ctx, "event recorded",
		"tenant_id", ev.TenantID,
		"event_id", ev.ID,
		"event_type", ev.EventType,
		"sequence", ev.Sequence,
	)
	return ev, nil
}

// Events reads a tenant's events in chain order.
func (s *Service) Events(ctx context.Context, tenantID string, from, to *time.Time, limit int) ([]ledger.Event, error) {
	if tenantID == "" {
		return nil, ErrEmptyTenantID
	}
	if from != nil && to != nil && from.After(*to) {
		return nil, ErrInvalidTimeRange
	}
	return s.ledger.ReadAll(ctx, tenantID, ledger.Query{From: from, To: to, Limit: limit})
}

// Tip returns a tenant's current chain tip.
func (s *Service) Tip(ctx context.Context, tenantID string) (ledger.Tip, error) {
	if tenantID == "" {
		return ledger.Tip{}, ErrEmptyTenantID
	}
	return s.ledger.Tip(ctx, tenantID)
}

// Verify re-checks a tenant's chain, or a window of it. A window that does
// not start at the first event is verified without the root rule.
func (s *Service) Verify(ctx context.Context, req VerifyRequest) (*VerifyResponse, error) {
	events, err := s.Events(ctx, req.TenantID, req.From, req.To, req.Limit)
	if err != nil {
		return nil, err
	}
	res := s.verifier.Verify(events, verifier.Options{OpenStart: openStart(req.From, events)})

	s.logger.InfoContext(ctx, "chain verified",
		"tenant_id", req.TenantID,
		"valid", res.IsValid,
		"total_events", res.TotalEvents,
		"broken_links", res.BrokenLinks,
	)
	return &VerifyResponse{Result: res, Events: events}, nil
}

func openStart(from *time.Time, events []ledger.Event) bool {
	if from != nil {
		return true
	}
	return len(events) > 0 && events[0].Sequence != 1
}

// Export renders a tenant's events as CSV, JSON or a zip evidence pack.
func (s *Service) Export(ctx context.Context, req ExportRequest) (*ExportResponse, error) {
	format, err := export.ParseFormat(string(req.Format))
	if err != nil {
		return nil, err
	}
	var filter *export.Filter
	if req.Filter != "" {
		if filter, err = export.CompileFilter(req.Filter); err != nil {
			return nil, err
		}
	}

	events, err := s.Events(ctx, req.TenantID, req.From, req.To, req.Limit)
	if err != nil {
		return nil, err
	}
	events = filter.Apply(events)

	now := s.clock()
	resp := &ExportResponse{
		Filename:    export.Filename(format, now),
		ContentType: export.ContentType(format),
		EventCount:  len(events),
	}

	switch format {
	case export.FormatCSV:
		resp.Body = s.exporter.CSV(events)
	case export.FormatJSON:
		if resp.Body, err = s.exporter.JSON(events); err != nil {
			return nil, err
		}
	case export.FormatZip:
		tip, err := s.ledger.Tip(ctx, req.TenantID)
		if err != nil {
			return nil, fmt.Errorf("audit: read tip: %w", err)
		}
		// Filtered packs are never complete chains.
		partial := req.Filter != "" || openStart(req.From, events)
		result := s.verifier.Verify(events, verifier.Options{OpenStart: partial})
		resp.Body, resp.Checksum, err = s.exporter.Pack(export.PackRequest{
			TenantID: req.TenantID,
			Events:   events,
			Result:   result,
			Tip:      tip,
			From:     req.From,
			To:       req.To,
			Filter:   req.Filter,
		}, now)
		if err != nil {
			return nil, err
		}
	}

	s.logger.InfoContext(ctx, "audit exported",
		"tenant_id", req.TenantID,
		"format", format,
		"events", len(events),
		"bytes", len(resp.Body),
	)
	return resp, nil
}
