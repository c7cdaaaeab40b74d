package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	audit "github.com/kafeiih/audit-trail"
	"github.com/kafeiih/audit-trail/internal/metrics"
)

var (
	// ErrCaptureFailed wraps every failure that must abort the business
	// transaction.
	ErrCaptureFailed = errors.New("audit capture failed")

	// ErrRecursiveCapture is returned when an audit row itself is offered
	// for capture.
	ErrRecursiveCapture = errors.New("audit rows are not auditable")
)

// reservedEntities are the names of the pipeline's own rows.
var reservedEntities = map[string]struct{}{
	"AuditRecord": {},
	"OutboxEntry": {},
	"AuditLog":    {},
}

// EntryWriter persists outbox entries inside the business transaction.
type EntryWriter interface {
	AppendEntries(ctx context.Context, entries []audit.OutboxEntry) error
}

// Dispatcher receives committed entries for delivery. Dispatch must not block
// the caller.
type Dispatcher interface {
	Dispatch(entries []audit.OutboxEntry)
}

// Option configures an Interceptor.
type Option func(*Interceptor)

// WithClock overrides the capture clock.
func WithClock(now func() time.Time) Option {
	return func(i *Interceptor) { i.now = now }
}

// WithMetrics attaches pipeline metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(i *Interceptor) { i.metrics = m }
}

// Interceptor builds one audit record per changed entity, writes them to the
// outbox in the same transaction, and hands them to the Dispatcher only once
// the transaction has committed.
type Interceptor struct {
	service    string
	dispatcher Dispatcher
	logger     *slog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	mu      sync.Mutex
	pending map[uuid.UUID][]audit.OutboxEntry
}

// NewInterceptor creates an Interceptor for the named source service.
func NewInterceptor(service string, dispatcher Dispatcher, logger *slog.Logger, opts ...Option) (*Interceptor, error) {
	name, err := audit.NormalizeService(service)
	if err != nil {
		return nil, err
	}
	i := &Interceptor{
		service:    name,
		dispatcher: dispatcher,
		logger:     logger,
		now:        time.Now,
		pending:    make(map[uuid.UUID][]audit.OutboxEntry),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Service returns the normalized source service name.
func (i *Interceptor) Service() string { return i.service }

// RegisterChange builds the audit record for a single change. The acting
// user and correlation id come from the audit.Info bound to ctx.
func (i *Interceptor) RegisterChange(ctx context.Context, c Change) (audit.Record, error) {
	if c.Entity == nil {
		return audit.Record{}, fmt.Errorf("%w: change has no entity", audit.ErrInvalidRecord)
	}
	name := c.Entity.EntityName()
	if _, ok := reservedEntities[name]; ok {
		return audit.Record{}, fmt.Errorf("%w: %s", ErrRecursiveCapture, name)
	}

	params := audit.RecordParams{
		Operation:     c.Operation,
		EntityName:    name,
		EntityID:      c.Entity.EntityID(),
		SourceService: i.service,
	}
	if info := audit.InfoFrom(ctx); info != nil {
		params.UserID = info.UserID
		params.CorrelationID = info.CorrelationID
	}

	var err error
	if c.Operation != audit.OperationCreate {
		if params.OldValues, err = Snapshot(c.Before); err != nil {
			return audit.Record{}, fmt.Errorf("snapshot %s %s: %w", name, params.EntityID, err)
		}
	}
	if c.Operation != audit.OperationDelete {
		if params.NewValues, err = Snapshot(c.After); err != nil {
			return audit.Record{}, fmt.Errorf("snapshot %s %s: %w", name, params.EntityID, err)
		}
	}

	r, err := audit.NewRecord(params, i.now)
	if err != nil {
		return audit.Record{}, err
	}
	return *r, nil
}

// Capture records every change of tracker through w and registers the
// resulting entries under txID. Any error must abort the transaction.
func (i *Interceptor) Capture(ctx context.Context, txID uuid.UUID, tracker Tracker, w EntryWriter) ([]audit.OutboxEntry, error) {
	changes := tracker.Changes()
	if len(changes) == 0 {
		return nil, nil
	}

	entries := make([]audit.OutboxEntry, 0, len(changes))
	for _, c := range changes {
		r, err := i.RegisterChange(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCaptureFailed, err)
		}
		entries = append(entries, audit.OutboxEntry{Record: r, CreatedAt: r.Timestamp})
	}

	if err := w.AppendEntries(ctx, entries); err != nil {
		return nil, fmt.Errorf("%w: persist outbox entries: %w", ErrCaptureFailed, err)
	}

	i.mu.Lock()
	i.pending[txID] = append(i.pending[txID], entries...)
	i.mu.Unlock()

	for _, e := range entries {
		i.metrics.RecordCaptured(string(e.Record.Operation))
	}
	return entries, nil
}

// AfterCommit hands the entries registered under txID to the dispatcher.
func (i *Interceptor) AfterCommit(txID uuid.UUID) {
	entries := i.take(txID)
	if len(entries) == 0 {
		return
	}
	i.dispatcher.Dispatch(entries)
}

// AfterRollback discards the entries registered under txID.
func (i *Interceptor) AfterRollback(txID uuid.UUID) {
	if entries := i.take(txID); len(entries) > 0 {
		i.logger.Debug("discarding audit entries of rolled back transaction",
			"tx_id", txID,
			"entries", len(entries),
		)
	}
}

// Pending returns how many transactions have registered entries awaiting
// commit or rollback.
func (i *Interceptor) Pending() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.pending)
}

func (i *Interceptor) take(txID uuid.UUID) []audit.OutboxEntry {
	i.mu.Lock()
	defer i.mu.Unlock()
	entries := i.pending[txID]
	delete(i.pending, txID)
	return entries
}
