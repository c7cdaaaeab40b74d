package transacoes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	audit "github.com/kafeiih/audit-trail"
	"github.com/kafeiih/audit-trail/internal/logging"
	"github.com/kafeiih/audit-trail/internal/retry"
)

// Conta is the view of an account returned by the accounts API.
type Conta struct {
	ID      uuid.UUID `json:"id"`
	Titular string    `json:"titular,omitempty"`
	Saldo   float64   `json:"saldo"`
}

// ContasClient calls the accounts API. The correlation id and the acting
// user of the request are forwarded on every call.
type ContasClient struct {
	baseURL string
	http    *http.Client
	policy  retry.Policy
	logger  *slog.Logger
}

// NewContasClient creates a client for the API rooted at baseURL. A nil
// httpClient uses a client with a 10 second timeout.
func NewContasClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *ContasClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &ContasClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		policy:  retry.Policy{Attempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second},
		logger:  logging.OrDefault(logger),
	}
}

// GetConta fetches an account. Reads are retried on transport errors and
// server errors.
func (c *ContasClient) GetConta(ctx context.Context, id uuid.UUID) (*Conta, error) {
	var conta Conta
	err := retry.Do(ctx, c.policy, func(ctx context.Context) error {
		res, err := c.do(ctx, http.MethodGet, "/api/v1/contas/"+id.String(), nil)
		if err != nil {
			return err
		}
		defer res.Body.Close()

		switch {
		case res.StatusCode == http.StatusNotFound:
			return retry.Permanent(fmt.Errorf("conta %s: %w", id, ErrContaNotFound))
		case res.StatusCode >= http.StatusInternalServerError:
			return fmt.Errorf("%w: GET conta %s: %s", ErrContasUnavailable, id, res.Status)
		case res.StatusCode != http.StatusOK:
			return retry.Permanent(fmt.Errorf("%w: GET conta %s: %s", ErrContasUnavailable, id, res.Status))
		}
		if err := json.NewDecoder(res.Body).Decode(&conta); err != nil {
			return retry.Permanent(fmt.Errorf("decoding conta %s: %w", id, err))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &conta, nil
}

// AtualizarSaldo sets the balance of an account.
func (c *ContasClient) AtualizarSaldo(ctx context.Context, id uuid.UUID, saldo float64) error {
	res, err := c.do(ctx, http.MethodPut, "/api/v1/contas/"+id.String()+"/saldo", map[string]any{"saldo": saldo})
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if err := checkWrite(res, id); err != nil {
		return err
	}
	c.logger.Info("saldo atualizado", "conta_id", id, "saldo", saldo)
	return nil
}

// Transferir moves valor from origem to destino.
func (c *ContasClient) Transferir(ctx context.Context, origem, destino uuid.UUID, valor float64) error {
	res, err := c.do(ctx, http.MethodPost, "/api/v1/contas/transferencia", map[string]any{
		"contaOrigemId":  origem,
		"contaDestinoId": destino,
		"valor":          valor,
	})
	if err != nil {
		return err
	}
	defer res.Body.Close()
	return checkWrite(res, origem)
}

func checkWrite(res *http.Response, id uuid.UUID) error {
	switch {
	case res.StatusCode == http.StatusNotFound:
		return fmt.Errorf("conta %s: %w", id, ErrContaNotFound)
	case res.StatusCode == http.StatusUnprocessableEntity:
		return fmt.Errorf("conta %s: %w", id, ErrSaldoInsuficiente)
	case res.StatusCode < 200 || res.StatusCode > 299:
		return fmt.Errorf("%w: %s %s: %s", ErrContasUnavailable, res.Request.Method, res.Request.URL.Path, res.Status)
	}
	return nil
}

func (c *ContasClient) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, retry.Permanent(fmt.Errorf("encoding %s %s: %w", method, path, err))
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("building %s %s: %w", method, path, err))
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if info := audit.InfoFrom(ctx); info != nil {
		if info.CorrelationID != "" {
			req.Header.Set("X-Correlation-ID", info.CorrelationID)
		}
		if info.UserID != "" {
			req.Header.Set(UserHeader, info.UserID)
		}
	}

	res, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", ErrContasUnavailable, method, path, err)
	}
	return res, nil
}
