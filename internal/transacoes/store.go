package transacoes

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/kafeiih/audit-trail/pgxaudit"
)

//go:embed schema.sql
var schema string

// ApplySchema creates the transacoes table when it does not exist.
func ApplySchema(ctx context.Context, db pgxaudit.DB) error {
	if _, err := db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("applying transacoes schema: %w", err)
	}
	return nil
}

const transacaoColumns = "id, conta_origem_id, conta_destino_id, tipo, valor, COALESCE(descricao, ''), status, criado_em, processado_em"

func insertTransacao(ctx context.Context, db pgxaudit.DB, t Transacao) error {
	_, err := db.Exec(ctx,
		`INSERT INTO transacoes (id, conta_origem_id, conta_destino_id, tipo, valor, descricao, status, criado_em)
			VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8)`,
		t.ID, t.ContaOrigemID, t.ContaDestinoID, string(t.Tipo), t.Valor, t.Descricao, string(t.Status), t.CriadoEm,
	)
	if err != nil {
		return fmt.Errorf("inserting transacao %s: %w", t.ID, err)
	}
	return nil
}

func updateStatus(ctx context.Context, db pgxaudit.DB, t Transacao) error {
	tag, err := db.Exec(ctx,
		`UPDATE transacoes SET status = $2, processado_em = $3 WHERE id = $1`,
		t.ID, string(t.Status), t.ProcessadoEm,
	)
	if err != nil {
		return fmt.Errorf("updating transacao %s: %w", t.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("updating transacao %s: %w", t.ID, ErrNotFound)
	}
	return nil
}

// Store reads transacoes outside of any business transaction.
type Store struct {
	db pgxaudit.DB
}

// NewStore creates a Store.
func NewStore(db pgxaudit.DB) *Store {
	return &Store{db: db}
}

// Get returns the transacao with id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Transacao, error) {
	row := s.db.QueryRow(ctx, `SELECT `+transacaoColumns+` FROM transacoes WHERE id = $1`, id)
	t, err := scanTransacao(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("transacao %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting transacao %s: %w", id, err)
	}
	return t, nil
}

// ListByConta returns the transacoes that debit or credit contaID, newest
// first.
func (s *Store) ListByConta(ctx context.Context, contaID uuid.UUID) ([]Transacao, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+transacaoColumns+` FROM transacoes
			WHERE conta_origem_id = $1 OR conta_destino_id = $1
			ORDER BY criado_em DESC`,
		contaID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing transacoes of conta %s: %w", contaID, err)
	}
	defer rows.Close()

	out := []Transacao{}
	for rows.Next() {
		t, err := scanTransacao(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning transacao: %w", err)
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating transacoes: %w", err)
	}
	return out, nil
}

func scanTransacao(row pgx.Row) (*Transacao, error) {
	var (
		t          Transacao
		tipo, stat string
	)
	if err := row.Scan(&t.ID, &t.ContaOrigemID, &t.ContaDestinoID, &tipo, &t.Valor, &t.Descricao, &stat, &t.CriadoEm, &t.ProcessadoEm); err != nil {
		return nil, err
	}
	t.Tipo = Tipo(tipo)
	t.Status = Status(stat)
	return &t, nil
}
