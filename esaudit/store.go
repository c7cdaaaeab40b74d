// Package esaudit stores audit records in Elasticsearch, one index per
// source service, and reads them back across all audit indices.
package esaudit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/google/uuid"

	audit "github.com/kafeiih/audit-trail"
	"github.com/kafeiih/audit-trail/internal/logging"
	"github.com/kafeiih/audit-trail/internal/retry"
)

var _ audit.IndexStore = (*Store)(nil)

// NewClient builds an Elasticsearch client for the given node addresses.
func NewClient(addresses []string) (*elasticsearch.Client, error) {
	c, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: addresses})
	if err != nil {
		return nil, fmt.Errorf("creating elasticsearch client: %w", err)
	}
	return c, nil
}

// Store implements audit.IndexStore over the Elasticsearch REST API.
type Store struct {
	client     esapi.Transport
	maxResults int
	ready      retry.Readiness
	logger     *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithMaxResults caps every read.
func WithMaxResults(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxResults = n
		}
	}
}

// WithReadiness sets the budget EnsureIndices waits for the cluster.
func WithReadiness(r retry.Readiness) Option { return func(s *Store) { s.ready = r } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.logger = logging.OrDefault(l) } }

// New creates a Store on top of client.
func New(client esapi.Transport, opts ...Option) *Store {
	s := &Store{
		client:     client,
		maxResults: audit.DefaultMaxResults,
		ready:      retry.DefaultReadiness(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Index writes r into the index of its source service with the record id as
// document id, so a redelivered record overwrites itself.
func (s *Store) Index(ctx context.Context, r audit.Record) error {
	name, err := audit.IndexName(r.SourceService)
	if err != nil {
		return fmt.Errorf("indexing record %s: %w", r.ID, err)
	}
	body, err := audit.MarshalEnvelope(r)
	if err != nil {
		return err
	}

	res, err := esapi.IndexRequest{
		Index:      name,
		DocumentID: r.ID.String(),
		Body:       bytes.NewReader(body),
	}.Do(ctx, s.client)
	if err != nil {
		return fmt.Errorf("%w: indexing record %s: %w", audit.ErrUnavailable, r.ID, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("%w: indexing record %s into %s: %s", audit.ErrUnavailable, r.ID, name, errorReason(res))
	}
	return nil
}

// Search returns records matching f across every audit index, newest first.
func (s *Store) Search(ctx context.Context, f audit.Filter) ([]audit.Record, error) {
	return s.search(ctx, filterQuery(f), s.size(f.Limit))
}

// GetByID looks the record up by id across every audit index.
func (s *Store) GetByID(ctx context.Context, id uuid.UUID) (*audit.Record, error) {
	records, err := s.search(ctx, term("id", id.String()), 1)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("record %s: %w", id, audit.ErrNotFound)
	}
	return &records[0], nil
}

// GetByEntity returns the history of one entity, newest first.
func (s *Store) GetByEntity(ctx context.Context, entityName, entityID string) ([]audit.Record, error) {
	return s.search(ctx, filterQuery(audit.Filter{EntityName: entityName, EntityID: entityID}), s.maxResults)
}

// GetByUser returns the records performed by userID, newest first.
func (s *Store) GetByUser(ctx context.Context, userID string) ([]audit.Record, error) {
	return s.search(ctx, filterQuery(audit.Filter{UserID: userID}), s.maxResults)
}

func (s *Store) size(limit int) int {
	if limit <= 0 || limit > s.maxResults {
		return s.maxResults
	}
	return limit
}

func (s *Store) search(ctx context.Context, query map[string]any, size int) ([]audit.Record, error) {
	body, err := searchBody(query, size)
	if err != nil {
		return nil, err
	}

	allow := true
	res, err := esapi.SearchRequest{
		Index:             []string{audit.IndexPattern},
		Body:              body,
		AllowNoIndices:    &allow,
		IgnoreUnavailable: &allow,
	}.Do(ctx, s.client)
	if err != nil {
		return nil, fmt.Errorf("%w: searching audit records: %w", audit.ErrUnavailable, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, fmt.Errorf("%w: searching audit records: %s", audit.ErrUnavailable, errorReason(res))
	}

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading search response: %w", audit.ErrUnavailable, err)
	}
	return decodeHits(raw)
}

// EnsureIndices waits for the cluster within the readiness budget and
// creates the index of each service when it does not exist yet.
func (s *Store) EnsureIndices(ctx context.Context, services []string) error {
	err := s.ready.Wait(ctx, s.ping, func(attempt int, err error) {
		s.logger.Warn("elasticsearch not ready", "attempt", attempt, "max_attempts", s.ready.Attempts, "error", err)
	})
	if err != nil {
		return fmt.Errorf("%w: %w", audit.ErrUnavailable, err)
	}

	for _, svc := range services {
		name, err := audit.IndexName(svc)
		if err != nil {
			return err
		}
		created, err := s.ensureIndex(ctx, name)
		if err != nil {
			return err
		}
		if created {
			s.logger.Info("audit index created", "index", name)
		} else {
			s.logger.Debug("audit index exists", "index", name)
		}
	}
	return nil
}

func (s *Store) ping(ctx context.Context) error {
	res, err := esapi.PingRequest{}.Do(ctx, s.client)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("ping: %s", res.Status())
	}
	return nil
}

func (s *Store) ensureIndex(ctx context.Context, name string) (bool, error) {
	res, err := esapi.IndicesExistsRequest{Index: []string{name}}.Do(ctx, s.client)
	if err != nil {
		return false, fmt.Errorf("%w: checking index %s: %w", audit.ErrUnavailable, name, err)
	}
	res.Body.Close()

	switch res.StatusCode {
	case http.StatusOK:
		return false, nil
	case http.StatusNotFound:
	default:
		return false, fmt.Errorf("%w: checking index %s: %s", audit.ErrUnavailable, name, res.Status())
	}

	body, err := json.Marshal(indexBody)
	if err != nil {
		return false, fmt.Errorf("encoding index %s: %w", name, err)
	}
	res, err = esapi.IndicesCreateRequest{Index: name, Body: bytes.NewReader(body)}.Do(ctx, s.client)
	if err != nil {
		return false, fmt.Errorf("%w: creating index %s: %w", audit.ErrUnavailable, name, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		reason := errorReason(res)
		// another replica created it first
		if strings.Contains(reason, "resource_already_exists_exception") {
			return false, nil
		}
		return false, fmt.Errorf("%w: creating index %s: %s", audit.ErrUnavailable, name, reason)
	}
	return true, nil
}

// errorReason reads the error type and reason from an error response.
func errorReason(res *esapi.Response) string {
	var e struct {
		Error struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	}
	if res.Body == nil {
		return res.Status()
	}
	if err := json.NewDecoder(res.Body).Decode(&e); err != nil || e.Error.Type == "" {
		return res.Status()
	}
	return fmt.Sprintf("%s: %s: %s", res.Status(), e.Error.Type, e.Error.Reason)
}
