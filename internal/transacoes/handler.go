package transacoes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kafeiih/audit-trail/chiware"
	"github.com/kafeiih/audit-trail/internal/logging"
)

// UserHeader carries the acting user set by the upstream gateway.
const UserHeader = "X-User-ID"

// UsernameHeader carries the acting user's display name.
const UsernameHeader = "X-Username"

type userKey struct{}

// Identity trusts the gateway identity headers and stores the user in the
// request context for UserFromContext.
func Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(UserHeader))
		if id == "" {
			next.ServeHTTP(w, r)
			return
		}
		u := &chiware.UserInfo{UserID: id, Username: strings.TrimSpace(r.Header.Get(UsernameHeader))}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, u)))
	})
}

// UserFromContext is the chiware.UserExtractor paired with Identity.
func UserFromContext(ctx context.Context) *chiware.UserInfo {
	u, _ := ctx.Value(userKey{}).(*chiware.UserInfo)
	return u
}

// Handler serves the transacoes HTTP API.
type Handler struct {
	svc    *Service
	logger *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logging.OrDefault(logger)}
}

// Mount registers the routes on r.
func (h *Handler) Mount(r chi.Router) {
	r.Route("/transacoes", func(r chi.Router) {
		r.Post("/deposito", h.deposito)
		r.Post("/saque", h.saque)
		r.Post("/transferencia", h.transferencia)
		r.Get("/conta/{contaId}", h.listByConta)
		r.Get("/{id}", h.get)
	})
}

func (h *Handler) deposito(w http.ResponseWriter, r *http.Request) {
	var req DepositoRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.respond(w, r, http.StatusCreated)(h.svc.Deposit(r.Context(), req))
}

func (h *Handler) saque(w http.ResponseWriter, r *http.Request) {
	var req SaqueRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.respond(w, r, http.StatusCreated)(h.svc.Withdraw(r.Context(), req))
}

func (h *Handler) transferencia(w http.ResponseWriter, r *http.Request) {
	var req TransferenciaRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.respond(w, r, http.StatusCreated)(h.svc.Transfer(r.Context(), req))
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	h.respond(w, r, http.StatusOK)(h.svc.Get(r.Context(), id))
}

func (h *Handler) listByConta(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "contaId")
	if !ok {
		return
	}
	list, err := h.svc.ListByConta(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	chiware.WriteJSON(w, http.StatusOK, list)
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		h.writeError(w, r, fmt.Errorf("%w: %s must be a UUID", ErrInvalidRequest, name))
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		h.writeError(w, r, fmt.Errorf("%w: %v", ErrInvalidRequest, err))
		return false
	}
	return true
}

// respond writes t with status, or the problem for err.
func (h *Handler) respond(w http.ResponseWriter, r *http.Request, status int) func(*Transacao, error) {
	return func(t *Transacao, err error) {
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		chiware.WriteJSON(w, status, t)
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrContaNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrSaldoInsuficiente):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrContasUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	p := chiware.Problem{
		Type:     "about:blank",
		Title:    http.StatusText(status),
		Status:   status,
		Detail:   err.Error(),
		Instance: r.URL.Path,
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("transacoes request failed", "path", r.URL.Path, "error", err)
		p.Detail = ""
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(p)
}
