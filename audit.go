// Package audit defines the audit record shared by every stage of the
// pipeline: capture inside a business transaction, the outbox relay, the
// broker envelope, the indexer and the query API.
package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SystemUser is recorded as the acting principal when none is bound to the
// request context.
const SystemUser = "system"

// ---------- Context propagation ----------

type contextKey struct{ name string }

var infoKey = contextKey{"audit-info"}

// Info holds the request-scoped audit context. It travels explicitly through
// context.Context and is copied into each Record at capture time, so nothing
// request-scoped is read after the business transaction commits.
type Info struct {
	UserID        string
	Username      string
	CorrelationID string
	IP            string
	UserAgent     string
}

// WithInfo attaches audit info to the context.
func WithInfo(ctx context.Context, info Info) context.Context {
	return context.WithValue(ctx, infoKey, info)
}

// InfoFrom extracts audit info from context. Returns nil if absent.
func InfoFrom(ctx context.Context) *Info {
	i, ok := ctx.Value(infoKey).(Info)
	if !ok {
		return nil
	}
	return &i
}

// ---------- Operation ----------

// Operation is the kind of mutation an audit record describes.
type Operation string

const (
	OperationCreate Operation = "CREATE"
	OperationUpdate Operation = "UPDATE"
	OperationDelete Operation = "DELETE"
)

// IsValid reports whether o is one of CREATE, UPDATE or DELETE.
func (o Operation) IsValid() bool {
	switch o {
	case OperationCreate, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

// ParseOperation normalizes s to an Operation. Matching is case-insensitive
// and the INSERT spelling used by older producers maps to CREATE.
func ParseOperation(s string) (Operation, error) {
	op := Operation(strings.ToUpper(strings.TrimSpace(s)))
	if op == "INSERT" {
		op = OperationCreate
	}
	if !op.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidOperation, s)
	}
	return op, nil
}

// ---------- Record ----------

// Record is an immutable fact about one entity mutation.
type Record struct {
	ID            uuid.UUID      `json:"id"`
	Timestamp     time.Time      `json:"timestamp"`
	Operation     Operation      `json:"operation"`
	EntityName    string         `json:"entityName"`
	EntityID      string         `json:"entityId"`
	UserID        string         `json:"userId"`
	OldValues     map[string]any `json:"oldValues,omitempty"`
	NewValues     map[string]any `json:"newValues,omitempty"`
	ChangedFields []string       `json:"changedFields"`
	SourceService string         `json:"sourceService"`
	CorrelationID string         `json:"correlationId,omitempty"`
}

// RecordParams carries the inputs of NewRecord.
type RecordParams struct {
	Operation     Operation
	EntityName    string
	EntityID      string
	UserID        string
	CorrelationID string
	SourceService string
	OldValues     map[string]any
	NewValues     map[string]any
}

// NewRecord builds a validated Record. The value maps that do not apply to
// the operation are dropped: CREATE keeps only new values, DELETE keeps only
// old values. Accepts an optional nowFn to allow injecting a clock for testing.
func NewRecord(p RecordParams, nowFn ...func() time.Time) (*Record, error) {
	if !p.Operation.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidOperation, p.Operation)
	}
	if p.EntityName == "" {
		return nil, fmt.Errorf("%w: entity name is required", ErrInvalidRecord)
	}
	if p.EntityID == "" {
		return nil, fmt.Errorf("%w: entity id is required", ErrInvalidRecord)
	}
	if p.SourceService == "" {
		return nil, fmt.Errorf("%w: source service is required", ErrInvalidRecord)
	}

	now := time.Now
	if len(nowFn) > 0 && nowFn[0] != nil {
		now = nowFn[0]
	}

	userID := p.UserID
	if userID == "" {
		userID = SystemUser
	}

	r := &Record{
		ID:            uuid.New(),
		Timestamp:     now().UTC(),
		Operation:     p.Operation,
		EntityName:    p.EntityName,
		EntityID:      p.EntityID,
		UserID:        userID,
		SourceService: p.SourceService,
		CorrelationID: p.CorrelationID,
		ChangedFields: []string{},
	}

	switch p.Operation {
	case OperationCreate:
		r.NewValues = nonNil(p.NewValues)
	case OperationDelete:
		r.OldValues = nonNil(p.OldValues)
	case OperationUpdate:
		r.OldValues = nonNil(p.OldValues)
		r.NewValues = nonNil(p.NewValues)
		r.ChangedFields = ChangedFields(r.OldValues, r.NewValues)
	}

	return r, nil
}

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// Validate checks the invariants a Record must hold once it leaves the
// capturing service.
func (r *Record) Validate() error {
	if r.ID == uuid.Nil {
		return fmt.Errorf("%w: id is required", ErrInvalidRecord)
	}
	if !r.Operation.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidOperation, r.Operation)
	}
	if r.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp is required", ErrInvalidRecord)
	}
	if r.EntityName == "" || r.EntityID == "" {
		return fmt.Errorf("%w: entity name and id are required", ErrInvalidRecord)
	}
	if r.SourceService == "" {
		return fmt.Errorf("%w: source service is required", ErrInvalidRecord)
	}
	return nil
}
