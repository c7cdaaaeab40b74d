package pgxaudit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	audit "github.com/kafeiih/audit-trail"
)

const outboxColumns = `payload, delivered, created_at, delivered_at, attempts, COALESCE(last_error, '')`

// Stats summarizes the delivery state of the outbox.
type Stats struct {
	Pending       int
	Delivered     int
	OldestPending *time.Time
}

// OutboxStore persists audit records in audit.outbox. Bound to a pool it
// serves the relay; bound to a transaction it appends entries atomically with
// the business writes.
type OutboxStore struct {
	db DB
}

// NewOutboxStore creates an OutboxStore over any DB (*pgxpool.Pool, pgx.Tx,
// *Tx or a test mock).
func NewOutboxStore(db DB) *OutboxStore {
	return &OutboxStore{db: db}
}

// AppendEntries inserts entries as undelivered rows.
func (s *OutboxStore) AppendEntries(ctx context.Context, entries []audit.OutboxEntry) error {
	for _, e := range entries {
		payload, err := audit.MarshalEnvelope(e.Record)
		if err != nil {
			return err
		}
		r := e.Record
		_, err = s.db.Exec(ctx,
			`INSERT INTO audit.outbox (id, entity_name, entity_id, operation, user_id, correlation_id, source_service, payload, created_at)
			 	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			r.ID, r.EntityName, r.EntityID, string(r.Operation), r.UserID, nullString(r.CorrelationID),
			r.SourceService, payload, e.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("inserting outbox entry %s: %w", r.ID, err)
		}
	}
	return nil
}

// Claim takes a delivery lease on id. It reports false when the entry is
// already delivered or another worker holds an unexpired lease.
func (s *OutboxStore) Claim(ctx context.Context, id uuid.UUID, lease time.Duration) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE audit.outbox SET claimed_until = now() + $2 * interval '1 millisecond'
			WHERE id = $1 AND NOT delivered AND (claimed_until IS NULL OR claimed_until < now())`,
		id, lease.Milliseconds(),
	)
	if err != nil {
		return false, fmt.Errorf("claiming outbox entry %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ClaimStale leases up to limit undelivered entries older than grace that
// nobody holds. Rows locked by a concurrent sweep are skipped.
func (s *OutboxStore) ClaimStale(ctx context.Context, grace time.Duration, limit int, lease time.Duration) ([]audit.OutboxEntry, error) {
	rows, err := s.db.Query(ctx,
		`UPDATE audit.outbox SET claimed_until = now() + $3 * interval '1 millisecond'
			WHERE id IN (
				SELECT id FROM audit.outbox
				WHERE NOT delivered
					AND created_at < now() - $1 * interval '1 millisecond'
					AND (claimed_until IS NULL OR claimed_until < now())
				ORDER BY created_at
				LIMIT $2
				FOR UPDATE SKIP LOCKED)
			RETURNING `+outboxColumns,
		grace.Milliseconds(), limit, lease.Milliseconds(),
	)
	if err != nil {
		return nil, fmt.Errorf("claiming stale outbox entries: %w", err)
	}
	return collectEntries(rows)
}

// MarkDelivered flips id to delivered. It reports false when the entry was
// already delivered, so the transition happens once.
func (s *OutboxStore) MarkDelivered(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE audit.outbox SET delivered = TRUE, delivered_at = now(), claimed_until = NULL, last_error = NULL
			WHERE id = $1 AND NOT delivered`,
		id,
	)
	if err != nil {
		return false, fmt.Errorf("marking outbox entry %s delivered: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Release gives up the lease on id after a failed delivery and records the
// cause. The entry stays undelivered for the next sweep.
func (s *OutboxStore) Release(ctx context.Context, id uuid.UUID, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := s.db.Exec(ctx,
		`UPDATE audit.outbox SET attempts = attempts + 1, last_error = $2, claimed_until = NULL
			WHERE id = $1 AND NOT delivered`,
		id, nullString(msg),
	)
	if err != nil {
		return fmt.Errorf("releasing outbox entry %s: %w", id, err)
	}
	return nil
}

// Get returns a single entry or audit.ErrNotFound.
func (s *OutboxStore) Get(ctx context.Context, id uuid.UUID) (*audit.OutboxEntry, error) {
	row := s.db.QueryRow(ctx, `SELECT `+outboxColumns+` FROM audit.outbox WHERE id = $1`, id)

	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("outbox entry %s: %w", id, audit.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("fetching outbox entry: %w", err)
	}
	return e, nil
}

// ListUndelivered returns the oldest undelivered entries, oldest first.
func (s *OutboxStore) ListUndelivered(ctx context.Context, limit int) ([]audit.OutboxEntry, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+outboxColumns+` FROM audit.outbox
			WHERE NOT delivered
			ORDER BY created_at
			LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing undelivered outbox entries: %w", err)
	}
	return collectEntries(rows)
}

// Stats counts pending and delivered entries.
func (s *OutboxStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRow(ctx,
		`SELECT count(*) FILTER (WHERE NOT delivered)::INT,
				count(*) FILTER (WHERE delivered)::INT,
				min(created_at) FILTER (WHERE NOT delivered)
			FROM audit.outbox`,
	).Scan(&st.Pending, &st.Delivered, &st.OldestPending)
	if err != nil {
		return Stats{}, fmt.Errorf("reading outbox stats: %w", err)
	}
	return st, nil
}

// PendingCount returns the number of undelivered entries.
func (s *OutboxStore) PendingCount(ctx context.Context) (int, error) {
	st, err := s.Stats(ctx)
	if err != nil {
		return 0, err
	}
	return st.Pending, nil
}

// scanner abstracts pgx.Row and pgx.Rows for shared scan logic.
type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (*audit.OutboxEntry, error) {
	var e audit.OutboxEntry
	var payload []byte

	err := s.Scan(&payload, &e.Delivered, &e.CreatedAt, &e.DeliveredAt, &e.Attempts, &e.LastError)
	if err != nil {
		return nil, err
	}

	r, err := audit.UnmarshalEnvelope(payload)
	if err != nil {
		return nil, fmt.Errorf("decoding outbox payload: %w", err)
	}
	e.Record = *r
	return &e, nil
}

func collectEntries(rows pgx.Rows) ([]audit.OutboxEntry, error) {
	defer rows.Close()

	var entries []audit.OutboxEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning outbox entry: %w", err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	return entries, nil
}

// nullString returns nil for empty strings, used for nullable columns.
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
