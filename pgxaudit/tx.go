package pgxaudit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	audit "github.com/kafeiih/audit-trail"
	"github.com/kafeiih/audit-trail/capture"
)

// Capturer is the part of capture.Interceptor the runner drives.
type Capturer interface {
	Capture(ctx context.Context, txID uuid.UUID, tracker capture.Tracker, w capture.EntryWriter) ([]audit.OutboxEntry, error)
	AfterCommit(txID uuid.UUID)
	AfterRollback(txID uuid.UUID)
}

// Tx is the unit of work handed to InTx callbacks. Repositories run their
// statements through it and report entity changes on it.
type Tx struct {
	tx      pgx.Tx
	id      uuid.UUID
	changes capture.ChangeSet
}

// ID identifies the transaction in the capture registry.
func (t *Tx) ID() uuid.UUID { return t.id }

func (t *Tx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return t.tx.Exec(ctx, sql, args...)
}

func (t *Tx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return t.tx.Query(ctx, sql, args...)
}

func (t *Tx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return t.tx.QueryRow(ctx, sql, args...)
}

// Added records the creation of e.
func (t *Tx) Added(e capture.Auditable) { t.changes.Added(e) }

// Modified records an update of an entity.
func (t *Tx) Modified(before, after capture.Auditable) { t.changes.Modified(before, after) }

// Removed records the deletion of e.
func (t *Tx) Removed(e capture.Auditable) { t.changes.Removed(e) }

// Changes returns the changes recorded so far.
func (t *Tx) Changes() []capture.Change { return t.changes.Changes() }

// TxRunner runs business transactions with audit capture. Before commit the
// recorded changes become outbox rows in the same transaction; after commit
// they are handed to the relay.
type TxRunner struct {
	db       Beginner
	capturer Capturer
	logger   *slog.Logger
}

// NewTxRunner creates a TxRunner.
func NewTxRunner(db Beginner, capturer Capturer, logger *slog.Logger) *TxRunner {
	return &TxRunner{db: db, capturer: capturer, logger: logger}
}

// InTx runs fn inside a transaction. Any error or panic from fn, and any
// capture failure, rolls the whole transaction back, business writes included.
func (r *TxRunner) InTx(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) (err error) {
	pgtx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	tx := &Tx{tx: pgtx, id: uuid.New()}

	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := pgtx.Rollback(context.WithoutCancel(ctx)); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			r.logger.Error("rolling back transaction", "tx_id", tx.id, "error", rbErr)
		}
		r.capturer.AfterRollback(tx.id)
	}()

	if err = setSessionInfo(ctx, pgtx); err != nil {
		return err
	}
	if err = fn(ctx, tx); err != nil {
		return err
	}
	if _, err = r.capturer.Capture(ctx, tx.id, tx, NewOutboxStore(pgtx)); err != nil {
		return err
	}
	if err = pgtx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	committed = true

	r.capturer.AfterCommit(tx.id)
	return nil
}

// sessionKeys lists the session variables exposed to database triggers.
var sessionKeys = []string{"app.user_id", "app.username", "app.correlation_id", "app.ip", "app.user_agent"}

// setSessionInfo copies the request audit info into transaction-local
// settings so triggers and ad-hoc queries can read the acting principal.
func setSessionInfo(ctx context.Context, tx DB) error {
	info := audit.InfoFrom(ctx)
	if info == nil {
		return nil
	}
	values := map[string]string{
		"app.user_id":        info.UserID,
		"app.username":       info.Username,
		"app.correlation_id": info.CorrelationID,
		"app.ip":             info.IP,
		"app.user_agent":     info.UserAgent,
	}
	for _, key := range sessionKeys {
		if _, err := tx.Exec(ctx, "SELECT set_config($1, $2, true)", key, values[key]); err != nil {
			return fmt.Errorf("setting %s: %w", key, err)
		}
	}
	return nil
}
