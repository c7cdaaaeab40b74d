package audit

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxResults caps every search response.
const DefaultMaxResults = 1000

// OutboxEntry wraps a Record with its delivery state in the emitting
// service's outbox. Entries are never deleted.
type OutboxEntry struct {
	Record      Record
	Delivered   bool
	CreatedAt   time.Time
	DeliveredAt *time.Time
	Attempts    int
	LastError   string
}

// Filter defines the search criteria for audit records. Every non-empty
// field narrows the result; an empty Filter matches everything.
type Filter struct {
	From          *time.Time
	To            *time.Time
	Operation     Operation
	EntityName    string
	EntityID      string
	UserID        string
	SourceService string
	CorrelationID string
	Limit         int
}

// IsEmpty reports whether no predicate is set. Limit is not a predicate.
func (f Filter) IsEmpty() bool {
	return f.From == nil && f.To == nil && f.Operation == "" &&
		f.EntityName == "" && f.EntityID == "" && f.UserID == "" &&
		f.SourceService == "" && f.CorrelationID == ""
}

// Matches reports whether r satisfies every predicate of f. Time bounds are
// inclusive.
func (f Filter) Matches(r Record) bool {
	if f.From != nil && r.Timestamp.Before(*f.From) {
		return false
	}
	if f.To != nil && r.Timestamp.After(*f.To) {
		return false
	}
	if f.Operation != "" && r.Operation != f.Operation {
		return false
	}
	if f.EntityName != "" && r.EntityName != f.EntityName {
		return false
	}
	if f.EntityID != "" && r.EntityID != f.EntityID {
		return false
	}
	if f.UserID != "" && r.UserID != f.UserID {
		return false
	}
	if f.SourceService != "" && !strings.EqualFold(r.SourceService, f.SourceService) {
		return false
	}
	if f.CorrelationID != "" && r.CorrelationID != f.CorrelationID {
		return false
	}
	return true
}

// IndexWriter is the write side of the search store. Only the indexer
// consumer writes.
type IndexWriter interface {
	Index(ctx context.Context, r Record) error
}

// IndexReader is the read side of the search store. Results are ordered by
// timestamp, newest first.
type IndexReader interface {
	Search(ctx context.Context, f Filter) ([]Record, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Record, error)
	GetByEntity(ctx context.Context, entityName, entityID string) ([]Record, error)
	GetByUser(ctx context.Context, userID string) ([]Record, error)
}

// IndexStore is the full search store contract.
type IndexStore interface {
	IndexWriter
	IndexReader
	EnsureIndices(ctx context.Context, services []string) error
}
