package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/Mindburn-Labs/auditchain/pkg/canonicalize"
)

// Dialect selects placeholder syntax and the driver name.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// schema is portable across both dialects. Timestamps are stored as Unix
// nanoseconds so range filters compare integers.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS audit_events (
	tenant_id     TEXT   NOT NULL,
	sequence      BIGINT NOT NULL,
	id            TEXT   NOT NULL,
	event_type    TEXT   NOT NULL,
	payload       TEXT   NOT NULL,
	payload_hash  TEXT   NOT NULL,
	prev_hash     TEXT   NOT NULL DEFAULT '',
	combined_hash TEXT   NOT NULL,
	ts_nanos      BIGINT NOT NULL,
	PRIMARY KEY (tenant_id, sequence),
	CONSTRAINT audit_events_tenant_event_id UNIQUE (tenant_id, id)
)`,
	`CREATE INDEX IF NOT EXISTS audit_events_tenant_ts ON audit_events (tenant_id, ts_nanos)`,
	`CREATE TABLE IF NOT EXISTS audit_tips (
	tenant_id TEXT   PRIMARY KEY,
	tip_hash  TEXT   NOT NULL,
	sequence  BIGINT NOT NULL,
	ts_nanos  BIGINT NOT NULL
)`,
}

const (
	selectTip = `SELECT tip_hash, sequence, ts_nanos FROM audit_tips WHERE tenant_id = ?`

	insertTip = `INSERT INTO audit_tips (tenant_id, tip_hash, sequence, ts_nanos)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (tenant_id) DO NOTHING`

	advanceTip = `UPDATE audit_tips SET tip_hash = ?, sequence = ?, ts_nanos = ?
		WHERE tenant_id = ? AND tip_hash = ? AND sequence = ?`

	insertEvent = `INSERT INTO audit_events
		(tenant_id, sequence, id, event_type, payload, payload_hash, prev_hash, combined_hash, ts_nanos)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	selectEvents = `SELECT id, tenant_id, sequence, event_type, payload, payload_hash, prev_hash, combined_hash, ts_nanos
		FROM audit_events
		WHERE tenant_id = ? AND sequence > ?`
)

// SQLStore is a durable Store on database/sql for Postgres and SQLite.
//
// The tip row and the event row are written in one transaction; the tip is
// advanced with a conditional write, which is the compare-and-swap.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLStore wraps an open database.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// OpenSQLite opens (creating if needed) a SQLite database file and applies
// the schema. SQLite allows one writer, so the pool is capped at a single
// connection.
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	s := NewSQLStore(db, DialectSQLite)
	if err := s.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// OpenPostgres connects with lib/pq and applies the schema.
func OpenPostgres(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := NewSQLStore(db, DialectPostgres)
	if err := s.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Init creates the tables if they do not exist.
func (s *SQLStore) Init(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply audit schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) Tip(ctx context.Context, tenantID string) (Tip, error) {
	var (
		hash  string
		seq   int64
		nanos int64
	)
	err := s.db.QueryRowContext(ctx, s.rebind(selectTip), tenantID).Scan(&hash, &seq, &nanos)
	if errors.Is(err, sql.ErrNoRows) {
		return Tip{}, nil
	}
	if err != nil {
		return Tip{}, fmt.Errorf("query tip: %w", err)
	}
	return Tip{
		Hash:      canonicalize.Hash(hash),
		Sequence:  uint64(seq),
		Timestamp: time.Unix(0, nanos).UTC(),
	}, nil
}

func (s *SQLStore) AppendIfTip(ctx context.Context, expected canonicalize.Hash, ev Event) error {
	payload, err := canonicalize.JCS(ev.Payload)
	if err != nil {
		return err
	}
	nanos := ev.Timestamp.UnixNano()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }() // no-op after commit

	var res sql.Result
	if expected.IsZero() {
		res, err = tx.ExecContext(ctx, s.rebind(insertTip),
			ev.TenantID, string(ev.CombinedHash), int64(ev.Sequence), nanos)
	} else {
		res, err = tx.ExecContext(ctx, s.rebind(advanceTip),
			string(ev.CombinedHash), int64(ev.Sequence), nanos,
			ev.TenantID, string(expected), int64(ev.Sequence)-1)
	}
	if err != nil {
		return fmt.Errorf("advance tip: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return ErrTipMismatch
	}

	_, err = tx.ExecContext(ctx, s.rebind(insertEvent),
		ev.TenantID, int64(ev.Sequence), ev.ID, string(ev.EventType), string(payload),
		string(ev.PayloadHash), string(ev.PrevHash), string(ev.CombinedHash), nanos)
	if err != nil {
		if isDuplicateEventID(err) {
			return fmt.Errorf("%w: %q", ErrDuplicateEventID, ev.ID)
		}
		return fmt.Errorf("insert audit event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

func (s *SQLStore) Scan(ctx context.Context, tenantID string, q Query) ([]Event, error) {
	var b strings.Builder
	b.WriteString(selectEvents)
	args := []any{tenantID, int64(q.AfterSequence)}
	if q.From != nil {
		b.WriteString(" AND ts_nanos >= ?")
		args = append(args, q.From.UnixNano())
	}
	if q.To != nil {
		b.WriteString(" AND ts_nanos <= ?")
		args = append(args, q.To.UnixNano())
	}
	b.WriteString(" ORDER BY sequence ASC")
	if q.Limit > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(b.String()), args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]Event, 0)
	for rows.Next() {
		var (
			ev         Event
			seq, nanos int64
			eventType  string
			payload    string
			payloadH   string
			prevH      string
			combinedH  string
		)
		if err := rows.Scan(&ev.ID, &ev.TenantID, &seq, &eventType, &payload,
			&payloadH, &prevH, &combinedH, &nanos); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Payload, err = DecodePayload([]byte(payload))
		if err != nil {
			// Keep the row; verification flags the payload hash mismatch.
			ev.Payload = Payload{"_undecodable": payload}
		}
		ev.Sequence = uint64(seq)
		ev.EventType = EventType(eventType)
		ev.PayloadHash = canonicalize.Hash(payloadH)
		ev.PrevHash = canonicalize.Hash(prevH)
		ev.CombinedHash = canonicalize.Hash(combinedH)
		ev.Timestamp = time.Unix(0, nanos).UTC()
		result = append(result, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// isDuplicateEventID reports whether err is a violation of the
// audit_events_tenant_event_id constraint.
func isDuplicateEventID(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505" && pqErr.Constraint == "audit_events_tenant_event_id"
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code() != sqlite3lib.SQLITE_CONSTRAINT_UNIQUE {
		return false
	}
	return strings.Contains(err.Error(), "audit_events.tenant_id, audit_events.id")
}

// rebind rewrites ? placeholders as $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
