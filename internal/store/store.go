// Package store persists bus events and the subscription audit trail in a SQL
// database. SQLite is the default engine; Postgres (through pgx) and MySQL
// are supported with the same schema.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/casualjim/roost/events"
	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	// SQL drivers
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

// Driver names as registered with database/sql.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
	DriverMySQL    = "mysql"
)

// Options selects the database to open.
type Options struct {
	Driver string
	DSN    string
}

// NormalizeDriver maps the accepted aliases onto registered driver names.
func NormalizeDriver(driver string) (string, error) {
	switch strings.ToLower(driver) {
	case "", "sqlite", "sqlite3":
		return DriverSQLite, nil
	case "postgres", "postgresql", "pgx":
		return DriverPostgres, nil
	case "mysql":
		return DriverMySQL, nil
	default:
		return "", fmt.Errorf("unsupported driver: %s (supported: sqlite, postgres, mysql)", driver)
	}
}

// Store is the SQL-backed event store.
type Store struct {
	db      *sqlx.DB
	dialect dialect
	owned   bool
}

// Open connects to the database described by opts. The schema is created by
// Init, which the bus calls on start.
func Open(ctx context.Context, opts Options) (*Store, error) {
	driver, err := NormalizeDriver(opts.Driver)
	if err != nil {
		return nil, err
	}
	if opts.DSN == "" {
		return nil, fmt.Errorf("database dsn is required")
	}

	db, err := sqlx.Open(driver, opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if driver == DriverSQLite {
		// SQLite allows a single writer. One connection serializes access and
		// keeps an in-memory database alive for the lifetime of the pool.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if driver == DriverSQLite && !isMemoryDSN(opts.DSN) {
		for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("failed to configure sqlite (%s): %w", pragma, err)
			}
		}
	}

	s, err := New(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// New wraps an existing connection pool. The caller keeps ownership of db.
func New(db *sqlx.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	d, err := dialectFor(db.DriverName())
	if err != nil {
		return nil, err
	}
	return &Store{db: db, dialect: d}, nil
}

// Dialect names the SQL dialect in use.
func (s *Store) Dialect() string {
	return s.dialect.name
}

func isMemoryDSN(dsn string) bool {
	return dsn == ":memory:" || strings.Contains(dsn, "mode=memory")
}

// Init creates tables and indexes when they are missing.
func (s *Store) Init(ctx context.Context) error {
	// one statement at a time for SQLite compatibility
	for _, stmt := range s.dialect.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}

// Close releases the connection pool when the store opened it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

// Filter narrows event queries. Zero fields do not filter.
type Filter struct {
	// Topic is an exact topic or a glob pattern (see events.Match).
	Topic         string
	Source        string
	CorrelationID string
	Since         time.Time
	Limit         int
}

type eventRow struct {
	Seq           int64          `db:"seq"`
	ID            string         `db:"id"`
	Topic         string         `db:"topic"`
	Source        string         `db:"source"`
	Payload       string         `db:"payload"`
	Timestamp     int64          `db:"timestamp"`
	CorrelationID sql.NullString `db:"correlation_id"`
	Priority      string         `db:"priority"`
	CreatedAt     int64          `db:"created_at"`
}

func (r eventRow) toEvent() (events.Event, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return events.Event{}, fmt.Errorf("event %s: invalid id: %w", r.ID, err)
	}
	var payload events.Payload
	if err := payload.UnmarshalJSON([]byte(r.Payload)); err != nil {
		return events.Event{}, fmt.Errorf("event %s: %w", r.ID, err)
	}
	priority, err := events.ParsePriority(r.Priority)
	if err != nil {
		return events.Event{}, fmt.Errorf("event %s: %w", r.ID, err)
	}
	return events.Event{
		ID:            id,
		Topic:         r.Topic,
		Source:        r.Source,
		Payload:       payload,
		Timestamp:     strfmt.DateTime(time.UnixMilli(r.Timestamp).UTC()),
		CorrelationID: r.CorrelationID.String,
		Priority:      priority,
	}, nil
}

const insertEventSQL = `
INSERT INTO events (id, topic, source, payload, timestamp, correlation_id, priority, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

// Append persists an event. Either the whole row is written or the call fails.
func (s *Store) Append(ctx context.Context, ev events.Event) error {
	payload, err := ev.Payload.MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize payload: %w", err)
	}

	correlation := sql.NullString{String: ev.CorrelationID, Valid: ev.CorrelationID != ""}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(insertEventSQL),
		ev.ID.String(),
		ev.Topic,
		ev.Source,
		string(payload),
		ev.Time().UnixMilli(),
		correlation,
		ev.Priority.String(),
		time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to persist event %s: %w", ev.ID, err)
	}
	return nil
}

const selectEventsSQL = `
SELECT seq, id, topic, source, payload, timestamp, correlation_id, priority, created_at
FROM events`

// Query returns the events matching f, newest first.
func (s *Store) Query(ctx context.Context, f Filter) ([]events.Event, error) {
	var (
		where []string
		args  []any
	)

	if f.Topic != "" && f.Topic != events.Wildcard {
		if events.IsGlob(f.Topic) {
			where = append(where, s.dialect.globClause)
			args = append(args, s.dialect.translateGlob(f.Topic))
		} else {
			where = append(where, "topic = ?")
			args = append(args, f.Topic)
		}
	}
	if f.Source != "" {
		where = append(where, "source = ?")
		args = append(args, f.Source)
	}
	if f.CorrelationID != "" {
		where = append(where, "correlation_id = ?")
		args = append(args, f.CorrelationID)
	}
	if !f.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, ceilMillis(f.Since))
	}

	var q strings.Builder
	q.WriteString(selectEventsSQL)
	if len(where) > 0 {
		q.WriteString("\nWHERE ")
		q.WriteString(strings.Join(where, " AND "))
	}
	q.WriteString("\nORDER BY timestamp DESC, seq DESC")
	if f.Limit > 0 {
		q.WriteString("\nLIMIT ?")
		args = append(args, f.Limit)
	}

	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q.String()), args...); err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}

	result := make([]events.Event, 0, len(rows))
	for _, row := range rows {
		ev, err := row.toEvent()
		if err != nil {
			return nil, err
		}
		result = append(result, ev)
	}
	return result, nil
}

// ceilMillis rounds t up to the stored millisecond precision, so comparisons
// against a sub-millisecond bound agree with comparing full timestamps.
func ceilMillis(t time.Time) int64 {
	ms := t.UnixMilli()
	if t.After(time.UnixMilli(ms)) {
		ms++
	}
	return ms
}

// DeleteBefore removes events whose timestamp is strictly before cutoff.
func (s *Store) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM events WHERE timestamp < ?`), ceilMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to delete events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted events: %w", err)
	}
	return n, nil
}

// Stats summarizes the persisted events.
type Stats struct {
	TotalEvents int64
	// EventsByTopic is ordered by descending count, then topic.
	EventsByTopic *orderedmap.OrderedMap[string, int64]
	EventsSince   int64
}

type topicCount struct {
	Topic string `db:"topic"`
	Count int64  `db:"n"`
}

// Stats counts all events, events per topic, and events at or after since.
func (s *Store) Stats(ctx context.Context, since time.Time) (Stats, error) {
	var stats Stats
	if err := s.db.GetContext(ctx, &stats.TotalEvents, `SELECT COUNT(*) FROM events`); err != nil {
		return Stats{}, fmt.Errorf("failed to count events: %w", err)
	}

	var counts []topicCount
	err := s.db.SelectContext(ctx, &counts,
		`SELECT topic, COUNT(*) AS n FROM events GROUP BY topic ORDER BY n DESC, topic ASC`)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to count events by topic: %w", err)
	}
	stats.EventsByTopic = orderedmap.New[string, int64]()
	for _, c := range counts {
		stats.EventsByTopic.Set(c.Topic, c.Count)
	}

	err = s.db.GetContext(ctx, &stats.EventsSince,
		s.db.Rebind(`SELECT COUNT(*) FROM events WHERE timestamp >= ?`), ceilMillis(since))
	if err != nil {
		return Stats{}, fmt.Errorf("failed to count recent events: %w", err)
	}
	return stats, nil
}

// Audit actions.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

// AuditEntry records one subscription lifecycle action.
type AuditEntry struct {
	Action         string    `db:"action"`
	SubscriptionID string    `db:"subscription_id"`
	Pattern        string    `db:"pattern"`
	OwnerID        string    `db:"owner_id"`
	Timestamp      time.Time `db:"-"`
}

type auditRow struct {
	AuditEntry
	Millis int64 `db:"timestamp"`
}

const insertAuditSQL = `
INSERT INTO subscription_audit (action, subscription_id, pattern, owner_id, timestamp)
VALUES (?, ?, ?, ?, ?)`

// RecordAudit appends an audit entry.
func (s *Store) RecordAudit(ctx context.Context, entry AuditEntry) error {
	if entry.Action != ActionSubscribe && entry.Action != ActionUnsubscribe {
		return fmt.Errorf("unknown audit action %q", entry.Action)
	}
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(insertAuditSQL),
		entry.Action, entry.SubscriptionID, entry.Pattern, entry.OwnerID, ts.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record %s audit: %w", entry.Action, err)
	}
	return nil
}

// Audit lists the audit trail, oldest first. An empty ownerID lists every owner.
func (s *Store) Audit(ctx context.Context, ownerID string) ([]AuditEntry, error) {
	q := `SELECT action, subscription_id, pattern, owner_id, timestamp FROM subscription_audit`
	var args []any
	if ownerID != "" {
		q += ` WHERE owner_id = ?`
		args = append(args, ownerID)
	}
	q += ` ORDER BY seq ASC`

	var rows []auditRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read audit trail: %w", err)
	}

	entries := make([]AuditEntry, 0, len(rows))
	for _, row := range rows {
		e := row.AuditEntry
		e.Timestamp = time.UnixMilli(row.Millis).UTC()
		entries = append(entries, e)
	}
	return entries, nil
}
