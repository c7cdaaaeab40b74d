// Package chiware provides the chi HTTP surface of the audit trail: the
// request-context middleware business services mount so captured records
// carry the acting user and correlation id, the query router of the audit
// service, and the operational endpoints both expose.
package chiware

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	audit "github.com/kafeiih/audit-trail"
)

// CorrelationHeader carries the correlation id in both directions.
const CorrelationHeader = "X-Correlation-ID"

// UserInfo carries the authenticated user identity extracted by the host application.
type UserInfo struct {
	UserID   string
	Username string
}

// UserExtractor is a function that retrieves the current user from the
// request context.  Each host application injects its own implementation
// (e.g. from Zitadel, Keycloak, etc.).
type UserExtractor func(context.Context) *UserInfo

// RequestContext binds the audit context of every request: the acting user
// from extractor, the correlation id (taken from the request headers or
// generated), the client IP and the user agent. The correlation id is echoed
// in the response. A nil extractor, or one returning nil, leaves the user
// empty so records fall back to the system principal.
func RequestContext(extractor UserExtractor) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			info := audit.Info{
				CorrelationID: ExtractCorrelationID(r),
				IP:            ExtractIP(r.RemoteAddr),
				UserAgent:     r.UserAgent(),
			}
			if info.CorrelationID == "" {
				info.CorrelationID = uuid.NewString()
			}
			if extractor != nil {
				if user := extractor(r.Context()); user != nil {
					info.UserID = user.UserID
					info.Username = user.Username
				}
			}

			w.Header().Set(CorrelationHeader, info.CorrelationID)
			next.ServeHTTP(w, r.WithContext(audit.WithInfo(r.Context(), info)))
		})
	}
}

// RequestLogger logs one line per request once the handler has finished.
// Server errors are logged at error level.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			resource, resourceID := ExtractResource(r)

			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"resource", resource,
				"status", status,
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
			}
			if resourceID != "" {
				attrs = append(attrs, "resource_id", resourceID)
			}
			if info := audit.InfoFrom(r.Context()); info != nil {
				attrs = append(attrs, "correlation_id", info.CorrelationID)
				if info.UserID != "" {
					attrs = append(attrs, "user_id", info.UserID)
				}
			}

			if status >= http.StatusInternalServerError {
				logger.Error("http request", attrs...)
				return
			}
			logger.Info("http request", attrs...)
		})
	}
}

// ExtractResource derives the resource name and resource ID from the request.
// It uses chi's matched route pattern (e.g. /audit/entity/{entityName}/{entityId})
// so the value is stable regardless of the actual ID in the URL.
func ExtractResource(r *http.Request) (resource, resourceID string) {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil || rctx.RoutePattern() == "" {
		return trimRoutePrefix(r.URL.Path), ""
	}

	// Extract last URL param value as resource_id (convention: /{id}).
	params := rctx.URLParams
	if len(params.Values) > 0 {
		resourceID = params.Values[len(params.Values)-1]
	}

	// Build resource from the route pattern, dropping param segments.
	// /v1/transacoes/{id} → transacoes
	parts := strings.Split(trimRoutePrefix(rctx.RoutePattern()), "/")
	clean := parts[:0]
	for _, p := range parts {
		if !strings.HasPrefix(p, "{") && p != "" && p != "*" {
			clean = append(clean, p)
		}
	}
	resource = strings.Join(clean, "/")

	return resource, resourceID
}

func trimRoutePrefix(p string) string {
	return strings.TrimPrefix(strings.TrimPrefix(p, "/"), "v1/")
}

// ExtractCorrelationID returns request correlation id from common headers.
func ExtractCorrelationID(r *http.Request) string {
	if v := r.Header.Get(CorrelationHeader); v != "" {
		return v
	}
	if v := r.Header.Get("X-Request-ID"); v != "" {
		return v
	}
	if v := r.Header.Get("X-Request-Id"); v != "" {
		return v
	}

	return ""
}

// ExtractIP strips the port from a host:port address.
func ExtractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
