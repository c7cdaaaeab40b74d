// Package memindex is an in-memory audit index store. It backs local
// development and tests with the same ordering and filtering rules as the
// Elasticsearch store.
package memindex

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	audit "github.com/kafeiih/audit-trail"
)

var _ audit.IndexStore = (*Store)(nil)

// Store keeps records keyed by id. Indexing the same id again overwrites the
// previous document.
type Store struct {
	mu         sync.RWMutex
	records    map[uuid.UUID]audit.Record
	indices    map[string]struct{}
	maxResults int
}

// New creates an empty Store. maxResults caps every read; values below one
// fall back to audit.DefaultMaxResults.
func New(maxResults int) *Store {
	if maxResults <= 0 {
		maxResults = audit.DefaultMaxResults
	}
	return &Store{
		records:    make(map[uuid.UUID]audit.Record),
		indices:    make(map[string]struct{}),
		maxResults: maxResults,
	}
}

// Index stores r under its id, in the index of its source service.
func (s *Store) Index(_ context.Context, r audit.Record) error {
	name, err := audit.IndexName(r.SourceService)
	if err != nil {
		return fmt.Errorf("indexing record %s: %w", r.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.ID] = r
	s.indices[name] = struct{}{}
	return nil
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// EnsureIndices registers the index of each service.
func (s *Store) EnsureIndices(_ context.Context, services []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, svc := range services {
		name, err := audit.IndexName(svc)
		if err != nil {
			return err
		}
		s.indices[name] = struct{}{}
	}
	return nil
}

// indexNames lists the registered index names.
func (s *Store) indexNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.indices))
	for n := range s.indices {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Search returns records matching f, newest first.
func (s *Store) Search(_ context.Context, f audit.Filter) ([]audit.Record, error) {
	return s.collect(f.Matches, f.Limit), nil
}

// GetByID returns the record with id or audit.ErrNotFound.
func (s *Store) GetByID(_ context.Context, id uuid.UUID) (*audit.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("record %s: %w", id, audit.ErrNotFound)
	}
	return &r, nil
}

// GetByEntity returns the history of one entity, newest first.
func (s *Store) GetByEntity(_ context.Context, entityName, entityID string) ([]audit.Record, error) {
	f := audit.Filter{EntityName: entityName, EntityID: entityID}
	return s.collect(f.Matches, 0), nil
}

// GetByUser returns records performed by userID, newest first.
func (s *Store) GetByUser(_ context.Context, userID string) ([]audit.Record, error) {
	f := audit.Filter{UserID: userID}
	return s.collect(f.Matches, 0), nil
}

func (s *Store) collect(match func(audit.Record) bool, limit int) []audit.Record {
	if limit <= 0 || limit > s.maxResults {
		limit = s.maxResults
	}

	s.mu.RLock()
	out := make([]audit.Record, 0)
	for _, r := range s.records {
		if match(r) {
			out = append(out, r)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID.String() > out[j].ID.String()
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
