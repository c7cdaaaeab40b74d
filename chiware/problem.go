package chiware

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	audit "github.com/kafeiih/audit-trail"
)

// RetryAfter is advertised on 503 responses.
const RetryAfter = 5

// Problem is an RFC 7807 problem details body.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// StatusFor maps an error onto an HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, audit.ErrInvalidFilter),
		errors.Is(err, audit.ErrInvalidOperation),
		errors.Is(err, audit.ErrInvalidService),
		errors.Is(err, audit.ErrInvalidRecord):
		return http.StatusBadRequest
	case errors.Is(err, audit.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, audit.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WriteError writes err as a problem response. Details of internal errors
// are logged, not returned.
func WriteError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	status := StatusFor(err)
	p := Problem{
		Type:     "about:blank",
		Title:    http.StatusText(status),
		Status:   status,
		Detail:   err.Error(),
		Instance: r.URL.Path,
	}

	switch status {
	case http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", strconv.Itoa(RetryAfter))
		p.Detail = "the audit store is unavailable, retry later"
		logger.Warn("audit store unavailable", "path", r.URL.Path, "error", err)
	case http.StatusInternalServerError:
		p.Detail = ""
		logger.Error("request failed", "path", r.URL.Path, "error", err)
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
