// Package transacoes is a sample business service that moves money between
// accounts owned by a remote accounts API. Every write goes through a
// pgxaudit transaction so the audit trail captures it.
package transacoes

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Tipo is the kind of a transacao.
type Tipo string

const (
	TipoDeposito      Tipo = "DEPOSITO"
	TipoSaque         Tipo = "SAQUE"
	TipoTransferencia Tipo = "TRANSFERENCIA"
)

// Status is the lifecycle state of a transacao. A transacao starts PENDENTE
// and ends CONCLUIDA or CANCELADA.
type Status string

const (
	StatusPendente  Status = "PENDENTE"
	StatusConcluida Status = "CONCLUIDA"
	StatusCancelada Status = "CANCELADA"
)

var (
	ErrInvalidRequest    = errors.New("invalid transacao request")
	ErrNotFound          = errors.New("transacao not found")
	ErrContaNotFound     = errors.New("conta not found")
	ErrSaldoInsuficiente = errors.New("saldo insuficiente")
	ErrContasUnavailable = errors.New("accounts service unavailable")
)

// Transacao is a money movement against one or two accounts.
type Transacao struct {
	ID             uuid.UUID  `json:"id"`
	ContaOrigemID  uuid.UUID  `json:"contaOrigemId"`
	ContaDestinoID *uuid.UUID `json:"contaDestinoId"`
	Tipo           Tipo       `json:"tipo"`
	Valor          float64    `json:"valor"`
	Descricao      string     `json:"descricao"`
	Status         Status     `json:"status"`
	CriadoEm       time.Time  `json:"criadoEm"`
	ProcessadoEm   *time.Time `json:"processadoEm"`
}

// EntityName implements capture.Auditable.
func (t Transacao) EntityName() string { return "Transacao" }

// EntityID implements capture.Auditable.
func (t Transacao) EntityID() string { return t.ID.String() }
