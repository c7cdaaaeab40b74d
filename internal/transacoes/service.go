package transacoes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kafeiih/audit-trail/internal/logging"
	"github.com/kafeiih/audit-trail/pgxaudit"
)

// Runner runs a unit of work inside an audited transaction.
type Runner interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx *pgxaudit.Tx) error) error
}

// Contas is the accounts API as seen by the service.
type Contas interface {
	GetConta(ctx context.Context, id uuid.UUID) (*Conta, error)
	AtualizarSaldo(ctx context.Context, id uuid.UUID, saldo float64) error
	Transferir(ctx context.Context, origem, destino uuid.UUID, valor float64) error
}

// DepositoRequest credits an account.
type DepositoRequest struct {
	ContaID   uuid.UUID `json:"contaId"`
	Valor     float64   `json:"valor"`
	Descricao string    `json:"descricao"`
}

// SaqueRequest debits an account.
type SaqueRequest struct {
	ContaID   uuid.UUID `json:"contaId"`
	Valor     float64   `json:"valor"`
	Descricao string    `json:"descricao"`
}

// TransferenciaRequest moves money between two accounts.
type TransferenciaRequest struct {
	ContaOrigemID  uuid.UUID `json:"contaOrigemId"`
	ContaDestinoID uuid.UUID `json:"contaDestinoId"`
	Valor          float64   `json:"valor"`
	Descricao      string    `json:"descricao"`
}

// Service records transacoes locally and applies them to the accounts API.
//
// The local rows and the remote balance are not updated atomically. A
// transacao is committed PENDENTE before the remote call and settled to
// CONCLUIDA or CANCELADA in a second transaction; a crash in between leaves
// it PENDENTE. Both commits are captured by the audit trail.
type Service struct {
	runner Runner
	store  *Store
	contas Contas
	logger *slog.Logger
	now    func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithClock overrides the service clock.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// NewService creates a Service.
func NewService(runner Runner, store *Store, contas Contas, logger *slog.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		runner: runner,
		store:  store,
		contas: contas,
		logger: logging.OrDefault(logger),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Deposit credits req.Valor to the account.
func (s *Service) Deposit(ctx context.Context, req DepositoRequest) (*Transacao, error) {
	if err := validate(req.ContaID, req.Valor); err != nil {
		return nil, err
	}
	conta, err := s.contas.GetConta(ctx, req.ContaID)
	if err != nil {
		return nil, err
	}

	t, err := s.open(ctx, TipoDeposito, req.ContaID, nil, req.Valor, req.Descricao)
	if err != nil {
		return nil, err
	}
	return s.settle(ctx, t, s.contas.AtualizarSaldo(ctx, req.ContaID, conta.Saldo+req.Valor))
}

// Withdraw debits req.Valor from the account when the balance covers it.
func (s *Service) Withdraw(ctx context.Context, req SaqueRequest) (*Transacao, error) {
	if err := validate(req.ContaID, req.Valor); err != nil {
		return nil, err
	}
	conta, err := s.contas.GetConta(ctx, req.ContaID)
	if err != nil {
		return nil, err
	}
	if conta.Saldo < req.Valor {
		return nil, fmt.Errorf("conta %s: %w", req.ContaID, ErrSaldoInsuficiente)
	}

	t, err := s.open(ctx, TipoSaque, req.ContaID, nil, req.Valor, req.Descricao)
	if err != nil {
		return nil, err
	}
	return s.settle(ctx, t, s.contas.AtualizarSaldo(ctx, req.ContaID, conta.Saldo-req.Valor))
}

// Transfer moves req.Valor between two distinct accounts.
func (s *Service) Transfer(ctx context.Context, req TransferenciaRequest) (*Transacao, error) {
	if err := validate(req.ContaOrigemID, req.Valor); err != nil {
		return nil, err
	}
	if req.ContaDestinoID == uuid.Nil || req.ContaDestinoID == req.ContaOrigemID {
		return nil, fmt.Errorf("%w: contaDestinoId must be a different account", ErrInvalidRequest)
	}

	destino := req.ContaDestinoID
	t, err := s.open(ctx, TipoTransferencia, req.ContaOrigemID, &destino, req.Valor, req.Descricao)
	if err != nil {
		return nil, err
	}
	return s.settle(ctx, t, s.contas.Transferir(ctx, req.ContaOrigemID, destino, req.Valor))
}

// Get returns one transacao.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Transacao, error) {
	return s.store.Get(ctx, id)
}

// ListByConta returns the transacoes of an account, newest first.
func (s *Service) ListByConta(ctx context.Context, contaID uuid.UUID) ([]Transacao, error) {
	return s.store.ListByConta(ctx, contaID)
}

func validate(conta uuid.UUID, valor float64) error {
	if conta == uuid.Nil {
		return fmt.Errorf("%w: conta id is required", ErrInvalidRequest)
	}
	if valor <= 0 {
		return fmt.Errorf("%w: valor must be greater than zero", ErrInvalidRequest)
	}
	return nil
}

// open commits a PENDENTE transacao.
func (s *Service) open(ctx context.Context, tipo Tipo, origem uuid.UUID, destino *uuid.UUID, valor float64, descricao string) (*Transacao, error) {
	t := Transacao{
		ID:             uuid.New(),
		ContaOrigemID:  origem,
		ContaDestinoID: destino,
		Tipo:           tipo,
		Valor:          valor,
		Descricao:      strings.TrimSpace(descricao),
		Status:         StatusPendente,
		CriadoEm:       s.now().UTC(),
	}

	err := s.runner.InTx(ctx, func(ctx context.Context, tx *pgxaudit.Tx) error {
		if err := insertTransacao(ctx, tx, t); err != nil {
			return err
		}
		tx.Added(t)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// settle moves t to CONCLUIDA when remoteErr is nil and to CANCELADA
// otherwise. The remote error is returned alongside the cancelled transacao.
func (s *Service) settle(ctx context.Context, t *Transacao, remoteErr error) (*Transacao, error) {
	after := *t
	after.Status = StatusConcluida
	if remoteErr != nil {
		after.Status = StatusCancelada
		s.logger.Error("accounts update failed, cancelling transacao",
			"transacao_id", t.ID,
			"tipo", t.Tipo,
			"error", remoteErr,
		)
	}
	processed := s.now().UTC()
	after.ProcessadoEm = &processed

	err := s.runner.InTx(ctx, func(ctx context.Context, tx *pgxaudit.Tx) error {
		if err := updateStatus(ctx, tx, after); err != nil {
			return err
		}
		tx.Modified(*t, after)
		return nil
	})
	if err != nil {
		// the remote side may already reflect the movement
		s.logger.Error("settling transacao failed, left pending",
			"transacao_id", t.ID,
			"status", after.Status,
			"error", err,
		)
		return nil, errors.Join(remoteErr, err)
	}

	if remoteErr != nil {
		return &after, fmt.Errorf("transacao %s cancelled: %w", t.ID, remoteErr)
	}
	return &after, nil
}
