package chiware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	audit "github.com/kafeiih/audit-trail"
	"github.com/kafeiih/audit-trail/internal/logging"
)

// Querier is the read API the router serves.
type Querier interface {
	Search(ctx context.Context, f audit.Filter) ([]audit.Record, error)
	GetByID(ctx context.Context, id uuid.UUID) (*audit.Record, error)
	GetByEntity(ctx context.Context, entityName, entityID string) ([]audit.Record, error)
	GetByUser(ctx context.Context, userID string) ([]audit.Record, error)
}

// Option configures a router built by this package.
type Option func(*routerConfig)

type routerConfig struct {
	gatherer  prometheus.Gatherer
	checks    []namedCheck
	extractor UserExtractor
	auth      []func(http.Handler) http.Handler
	timeout   time.Duration
}

// WithGatherer exposes gatherer on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(c *routerConfig) { c.gatherer = g }
}

// WithReadinessCheck adds a named check to /readyz.
func WithReadinessCheck(name string, check ReadinessCheck) Option {
	return func(c *routerConfig) { c.checks = append(c.checks, namedCheck{name: name, check: check}) }
}

// WithUserExtractor resolves the acting user of each request.
func WithUserExtractor(e UserExtractor) Option {
	return func(c *routerConfig) { c.extractor = e }
}

// WithAuth runs mw before the request context is built, so the extractor
// sees the identity they resolve.
func WithAuth(mw ...func(http.Handler) http.Handler) Option {
	return func(c *routerConfig) { c.auth = append(c.auth, mw...) }
}

// WithTimeout bounds each request.
func WithTimeout(d time.Duration) Option {
	return func(c *routerConfig) { c.timeout = d }
}

// NewBaseRouter returns a chi router with the shared middleware stack and
// the operational endpoints mounted.
func NewBaseRouter(logger *slog.Logger, opts ...Option) chi.Router {
	logger = logging.OrDefault(logger)
	cfg := routerConfig{timeout: 30 * time.Second}
	for _, opt := range opts {
		opt(&cfg)
	}

	r := chi.NewRouter()
	r.Use(chiMiddleware.Recoverer)
	r.Use(cfg.auth...)
	r.Use(RequestContext(cfg.extractor))
	r.Use(RequestLogger(logger))
	r.Use(chiMiddleware.Timeout(cfg.timeout))

	mountOps(r, cfg)
	return r
}

// NewRouter returns the audit query API:
//
//	GET /audit
//	GET /audit/{id}
//	GET /audit/entity/{entityName}/{entityId}
//	GET /audit/user/{userId}
func NewRouter(svc Querier, logger *slog.Logger, opts ...Option) http.Handler {
	logger = logging.OrDefault(logger)
	h := &queryHandler{svc: svc, logger: logger}

	r := NewBaseRouter(logger, opts...)
	r.Route("/audit", func(r chi.Router) {
		r.Get("/", h.search)
		r.Get("/entity/{entityName}/{entityId}", h.byEntity)
		r.Get("/user/{userId}", h.byUser)
		r.Get("/{id}", h.byID)
	})
	return r
}

type queryHandler struct {
	svc    Querier
	logger *slog.Logger
}

func (h *queryHandler) search(w http.ResponseWriter, r *http.Request) {
	f, err := ParseFilter(r)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	records, err := h.svc.Search(r.Context(), f)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, nonNilRecords(records))
}

func (h *queryHandler) byID(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, r, h.logger, fmt.Errorf("%w: id must be a UUID", audit.ErrInvalidFilter))
		return
	}
	record, err := h.svc.GetByID(r.Context(), id)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, record)
}

func (h *queryHandler) byEntity(w http.ResponseWriter, r *http.Request) {
	records, err := h.svc.GetByEntity(r.Context(), chi.URLParam(r, "entityName"), chi.URLParam(r, "entityId"))
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, nonNilRecords(records))
}

func (h *queryHandler) byUser(w http.ResponseWriter, r *http.Request) {
	records, err := h.svc.GetByUser(r.Context(), chi.URLParam(r, "userId"))
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, nonNilRecords(records))
}

func nonNilRecords(rs []audit.Record) []audit.Record {
	if rs == nil {
		return []audit.Record{}
	}
	return rs
}

// ParseFilter reads the query string of GET /audit. Dates accept RFC 3339
// or a bare YYYY-MM-DD day in UTC; a bare endDate covers the whole day.
func ParseFilter(r *http.Request) (audit.Filter, error) {
	q := r.URL.Query()
	f := audit.Filter{
		Operation:     audit.Operation(q.Get("operation")),
		EntityName:    q.Get("entityName"),
		EntityID:      q.Get("entityId"),
		UserID:        q.Get("userId"),
		SourceService: q.Get("sourceService"),
		CorrelationID: q.Get("correlationId"),
	}

	var err error
	if f.From, err = parseDate("startDate", q.Get("startDate"), false); err != nil {
		return audit.Filter{}, err
	}
	if f.To, err = parseDate("endDate", q.Get("endDate"), true); err != nil {
		return audit.Filter{}, err
	}

	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return audit.Filter{}, fmt.Errorf("%w: limit must be a positive integer", audit.ErrInvalidFilter)
		}
		f.Limit = n
	}
	return f, nil
}

const dayLayout = "2006-01-02"

func parseDate(name, raw string, endOfDay bool) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		t = t.UTC()
		return &t, nil
	}
	if t, err := time.Parse("2006-01-02T15:04:05", raw); err == nil {
		return &t, nil
	}
	t, err := time.Parse(dayLayout, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %q is not an RFC 3339 time or a YYYY-MM-DD day", audit.ErrInvalidFilter, name, raw)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}
