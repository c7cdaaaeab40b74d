package transacoes

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	audit "github.com/kafeiih/audit-trail"
	"github.com/kafeiih/audit-trail/capture"
	"github.com/kafeiih/audit-trail/pgxaudit"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ---------- Transactions ----------

type execCall struct {
	sql  string
	args []any
}

type fakeTx struct {
	pgx.Tx
	execs      []execCall
	execErr    error
	failOn     string
	committed  bool
	rolledBack bool
}

func (t *fakeTx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	t.execs = append(t.execs, execCall{sql: sql, args: args})
	if t.execErr != nil && strings.Contains(sql, t.failOn) {
		return pgconn.CommandTag{}, t.execErr
	}
	if strings.HasPrefix(strings.TrimSpace(sql), "UPDATE") {
		return pgconn.NewCommandTag("UPDATE 1"), nil
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (t *fakeTx) Commit(context.Context) error {
	t.committed = true
	return nil
}

func (t *fakeTx) Rollback(context.Context) error {
	if t.committed {
		return pgx.ErrTxClosed
	}
	t.rolledBack = true
	return nil
}

// fakeBeginner hands out a fresh fakeTx per Begin. failOn/execErr apply to
// the n-th transaction when failTx is set.
type fakeBeginner struct {
	txs     []*fakeTx
	failTx  int
	failOn  string
	execErr error
}

func (b *fakeBeginner) Begin(context.Context) (pgx.Tx, error) {
	tx := &fakeTx{}
	b.txs = append(b.txs, tx)
	if b.failTx == len(b.txs) {
		tx.failOn, tx.execErr = b.failOn, b.execErr
	}
	return tx, nil
}

type recordingDispatcher struct {
	mu      sync.Mutex
	entries []audit.OutboxEntry
}

func (d *recordingDispatcher) Dispatch(entries []audit.OutboxEntry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = append(d.entries, entries...)
}

func (d *recordingDispatcher) records() []audit.Record {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]audit.Record, 0, len(d.entries))
	for _, e := range d.entries {
		out = append(out, e.Record)
	}
	return out
}

// ---------- Accounts ----------

type fakeContas struct {
	mu        sync.Mutex
	saldos    map[uuid.UUID]float64
	getErr    error
	updateErr error
	updates   []float64
	transfers int
}

func newFakeContas(saldos map[uuid.UUID]float64) *fakeContas {
	return &fakeContas{saldos: saldos}
}

func (c *fakeContas) GetConta(_ context.Context, id uuid.UUID) (*Conta, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return nil, c.getErr
	}
	saldo, ok := c.saldos[id]
	if !ok {
		return nil, fmt.Errorf("conta %s: %w", id, ErrContaNotFound)
	}
	return &Conta{ID: id, Saldo: saldo}, nil
}

func (c *fakeContas) AtualizarSaldo(_ context.Context, id uuid.UUID, saldo float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.updateErr != nil {
		return c.updateErr
	}
	c.saldos[id] = saldo
	c.updates = append(c.updates, saldo)
	return nil
}

func (c *fakeContas) Transferir(_ context.Context, origem, destino uuid.UUID, valor float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.updateErr != nil {
		return c.updateErr
	}
	if c.saldos[origem] < valor {
		return fmt.Errorf("conta %s: %w", origem, ErrSaldoInsuficiente)
	}
	c.saldos[origem] -= valor
	c.saldos[destino] += valor
	c.transfers++
	return nil
}

// ---------- Wiring ----------

var fixedNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

type harness struct {
	svc        *Service
	beginner   *fakeBeginner
	dispatcher *recordingDispatcher
	contas     *fakeContas
}

func newHarness(t *testing.T, contas *fakeContas) *harness {
	t.Helper()
	logger := discardLogger()
	d := &recordingDispatcher{}
	icpt, err := capture.NewInterceptor("ms-transacoes", d, logger, capture.WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, err)

	b := &fakeBeginner{}
	runner := pgxaudit.NewTxRunner(b, icpt, logger)
	svc := NewService(runner, NewStore(&mockDB{}), contas, logger, WithClock(func() time.Time { return fixedNow }))
	return &harness{svc: svc, beginner: b, dispatcher: d, contas: contas}
}

// ---------- Reads ----------

type mockDB struct {
	queryFn    func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	queryRowFn func(ctx context.Context, sql string, args ...any) pgx.Row
}

func (m *mockDB) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}

func (m *mockDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if m.queryFn != nil {
		return m.queryFn(ctx, sql, args...)
	}
	return &fakeRows{}, nil
}

func (m *mockDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if m.queryRowFn != nil {
		return m.queryRowFn(ctx, sql, args...)
	}
	return errorRow{err: pgx.ErrNoRows}
}

type errorRow struct{ err error }

func (r errorRow) Scan(...any) error { return r.err }

type transacaoRow struct{ t Transacao }

func (r transacaoRow) Scan(dest ...any) error {
	*dest[0].(*uuid.UUID) = r.t.ID
	*dest[1].(*uuid.UUID) = r.t.ContaOrigemID
	*dest[2].(**uuid.UUID) = r.t.ContaDestinoID
	*dest[3].(*string) = string(r.t.Tipo)
	*dest[4].(*float64) = r.t.Valor
	*dest[5].(*string) = r.t.Descricao
	*dest[6].(*string) = string(r.t.Status)
	*dest[7].(*time.Time) = r.t.CriadoEm
	*dest[8].(**time.Time) = r.t.ProcessadoEm
	return nil
}

type fakeRows struct {
	pgx.Rows
	data   []Transacao
	i      int
	closed bool
}

func (r *fakeRows) Next() bool {
	if r.i >= len(r.data) {
		return false
	}
	r.i++
	return true
}

func (r *fakeRows) Scan(dest ...any) error { return transacaoRow{t: r.data[r.i-1]}.Scan(dest...) }
func (r *fakeRows) Err() error             { return nil }
func (r *fakeRows) Close()                 { r.closed = true }
