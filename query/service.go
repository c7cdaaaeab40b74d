// Package query is the read side of the audit trail. It validates and
// normalizes filters before forwarding them to the index store, and returns
// results in the order the store produced them.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	audit "github.com/kafeiih/audit-trail"
	"github.com/kafeiih/audit-trail/internal/logging"
	"github.com/kafeiih/audit-trail/internal/metrics"
)

// Service answers audit queries.
type Service struct {
	store      audit.IndexReader
	maxResults int
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewService creates a Service. maxResults caps every search; values below
// one fall back to audit.DefaultMaxResults. m may be nil.
func NewService(store audit.IndexReader, maxResults int, logger *slog.Logger, m *metrics.Metrics) *Service {
	if maxResults <= 0 {
		maxResults = audit.DefaultMaxResults
	}
	return &Service{
		store:      store,
		maxResults: maxResults,
		logger:     logging.OrDefault(logger),
		metrics:    m,
	}
}

// MaxResults returns the configured result cap.
func (s *Service) MaxResults() int { return s.maxResults }

// Normalize trims every string predicate, normalizes the operation and the
// source service, checks the time bounds and clamps the limit into
// [1, maxResults].
func (s *Service) Normalize(f audit.Filter) (audit.Filter, error) {
	f.EntityName = strings.TrimSpace(f.EntityName)
	f.EntityID = strings.TrimSpace(f.EntityID)
	f.UserID = strings.TrimSpace(f.UserID)
	f.CorrelationID = strings.TrimSpace(f.CorrelationID)

	if op := strings.TrimSpace(string(f.Operation)); op != "" {
		parsed, err := audit.ParseOperation(op)
		if err != nil {
			return audit.Filter{}, fmt.Errorf("%w: %w", audit.ErrInvalidFilter, err)
		}
		f.Operation = parsed
	} else {
		f.Operation = ""
	}

	if svc := strings.TrimSpace(f.SourceService); svc != "" {
		n, err := audit.NormalizeService(svc)
		if err != nil {
			return audit.Filter{}, fmt.Errorf("%w: %w", audit.ErrInvalidFilter, err)
		}
		f.SourceService = n
	} else {
		f.SourceService = ""
	}

	if f.From != nil && f.To != nil && f.From.After(*f.To) {
		return audit.Filter{}, fmt.Errorf("%w: startDate %s is after endDate %s",
			audit.ErrInvalidFilter, f.From.Format(time.RFC3339), f.To.Format(time.RFC3339))
	}

	switch {
	case f.Limit < 0:
		return audit.Filter{}, fmt.Errorf("%w: limit must not be negative", audit.ErrInvalidFilter)
	case f.Limit == 0 || f.Limit > s.maxResults:
		f.Limit = s.maxResults
	}
	return f, nil
}

// Search returns the records matching f, newest first.
func (s *Service) Search(ctx context.Context, f audit.Filter) ([]audit.Record, error) {
	f, err := s.Normalize(f)
	if err != nil {
		return nil, err
	}

	defer s.metrics.ObserveQuery("search", time.Now())
	records, err := s.store.Search(ctx, f)
	if err != nil {
		return nil, s.storeError("searching audit records", err)
	}
	return records, nil
}

// GetByID returns a single record. A missing id yields audit.ErrNotFound.
func (s *Service) GetByID(ctx context.Context, id uuid.UUID) (*audit.Record, error) {
	if id == uuid.Nil {
		return nil, fmt.Errorf("%w: id is required", audit.ErrInvalidFilter)
	}

	defer s.metrics.ObserveQuery("get_by_id", time.Now())
	r, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, s.storeError("getting audit record", err)
	}
	return r, nil
}

// GetByEntity returns the history of one entity, newest first.
func (s *Service) GetByEntity(ctx context.Context, entityName, entityID string) ([]audit.Record, error) {
	entityName = strings.TrimSpace(entityName)
	entityID = strings.TrimSpace(entityID)
	if entityName == "" || entityID == "" {
		return nil, fmt.Errorf("%w: entity name and id are required", audit.ErrInvalidFilter)
	}

	defer s.metrics.ObserveQuery("get_by_entity", time.Now())
	records, err := s.store.GetByEntity(ctx, entityName, entityID)
	if err != nil {
		return nil, s.storeError("getting entity history", err)
	}
	return records, nil
}

// GetByUser returns the records performed by userID, newest first.
func (s *Service) GetByUser(ctx context.Context, userID string) ([]audit.Record, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", audit.ErrInvalidFilter)
	}

	defer s.metrics.ObserveQuery("get_by_user", time.Now())
	records, err := s.store.GetByUser(ctx, userID)
	if err != nil {
		return nil, s.storeError("getting user history", err)
	}
	return records, nil
}

// storeError keeps not-found as is and reports every other store failure
// as unavailable so callers can retry.
func (s *Service) storeError(op string, err error) error {
	if errors.Is(err, audit.ErrNotFound) || errors.Is(err, audit.ErrUnavailable) {
		return fmt.Errorf("%s: %w", op, err)
	}
	s.logger.Error("audit store query failed", "op", op, "error", err)
	return fmt.Errorf("%s: %w: %w", op, audit.ErrUnavailable, err)
}
