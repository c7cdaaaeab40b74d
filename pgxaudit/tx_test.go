package pgxaudit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	audit "github.com/kafeiih/audit-trail"
	"github.com/kafeiih/audit-trail/capture"
)

type recordingDispatcher struct {
	mu      sync.Mutex
	entries []audit.OutboxEntry
}

func (d *recordingDispatcher) Dispatch(entries []audit.OutboxEntry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = append(d.entries, entries...)
}

type conta struct {
	ID    string `json:"id"`
	Saldo int    `json:"saldo"`
}

func (c conta) EntityName() string { return "Conta" }
func (c conta) EntityID() string   { return c.ID }

func newRunner(t *testing.T, tx *fakeTx) (*TxRunner, *capture.Interceptor, *recordingDispatcher) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := &recordingDispatcher{}
	icpt, err := capture.NewInterceptor("ms-contas", d, logger)
	require.NoError(t, err)
	return NewTxRunner(&fakeBeginner{tx: tx}, icpt, logger), icpt, d
}

func countExecs(tx *fakeTx, fragment string) int {
	n := 0
	for _, e := range tx.execs {
		if strings.Contains(e.sql, fragment) {
			n++
		}
	}
	return n
}

func TestTxRunner_CommitDispatchesCapturedEntries(t *testing.T) {
	tx := &fakeTx{}
	runner, icpt, d := newRunner(t, tx)

	ctx := audit.WithInfo(context.Background(), audit.Info{UserID: "user-7", CorrelationID: "corr-7"})
	err := runner.InTx(ctx, func(ctx context.Context, tx *Tx) error {
		if _, err := tx.Exec(ctx, "UPDATE contas SET saldo = $1 WHERE id = $2", 150, "c-1"); err != nil {
			return err
		}
		tx.Modified(conta{ID: "c-1", Saldo: 100}, conta{ID: "c-1", Saldo: 150})
		return nil
	})
	require.NoError(t, err)

	assert.True(t, tx.committed)
	assert.False(t, tx.rolledBack)
	assert.Equal(t, len(sessionKeys), countExecs(tx, "set_config"))
	assert.Equal(t, 1, countExecs(tx, "INSERT INTO audit.outbox"))
	assert.Equal(t, 0, icpt.Pending())

	require.Len(t, d.entries, 1)
	r := d.entries[0].Record
	assert.Equal(t, audit.OperationUpdate, r.Operation)
	assert.Equal(t, "user-7", r.UserID)
	assert.Equal(t, "corr-7", r.CorrelationID)
	assert.Equal(t, []string{"saldo"}, r.ChangedFields)
}

func TestTxRunner_SessionInfoOrder(t *testing.T) {
	tx := &fakeTx{}
	runner, _, _ := newRunner(t, tx)

	ctx := audit.WithInfo(context.Background(), audit.Info{UserID: "u1", Username: "alice", IP: "10.0.0.1"})
	require.NoError(t, runner.InTx(ctx, func(context.Context, *Tx) error { return nil }))

	require.Len(t, tx.execs, len(sessionKeys))
	for i, key := range sessionKeys {
		assert.Equal(t, key, tx.execs[i].args[0])
	}
	assert.Equal(t, "u1", tx.execs[0].args[1])
	assert.Equal(t, "alice", tx.execs[1].args[1])
	assert.Equal(t, "10.0.0.1", tx.execs[3].args[1])
}

func TestTxRunner_NoInfoSkipsSessionConfig(t *testing.T) {
	tx := &fakeTx{}
	runner, _, d := newRunner(t, tx)

	require.NoError(t, runner.InTx(context.Background(), func(_ context.Context, tx *Tx) error {
		tx.Added(conta{ID: "c-2"})
		return nil
	}))

	assert.Equal(t, 0, countExecs(tx, "set_config"))
	require.Len(t, d.entries, 1)
	assert.Equal(t, audit.SystemUser, d.entries[0].Record.UserID)
}

func TestTxRunner_BusinessErrorRollsBack(t *testing.T) {
	tx := &fakeTx{}
	runner, icpt, d := newRunner(t, tx)
	errInsufficient := errors.New("saldo insuficiente")

	err := runner.InTx(context.Background(), func(_ context.Context, tx *Tx) error {
		tx.Added(conta{ID: "c-3"})
		return errInsufficient
	})

	require.ErrorIs(t, err, errInsufficient)
	assert.True(t, tx.rolledBack)
	assert.False(t, tx.committed)
	assert.Equal(t, 0, countExecs(tx, "audit.outbox"))
	assert.Empty(t, d.entries)
	assert.Equal(t, 0, icpt.Pending())
}

func TestTxRunner_CaptureFailureRollsBackBusinessWrite(t *testing.T) {
	tx := &fakeTx{execErr: errors.New("outbox insert failed"), failOn: "audit.outbox"}
	runner, icpt, d := newRunner(t, tx)

	err := runner.InTx(context.Background(), func(ctx context.Context, tx *Tx) error {
		if _, err := tx.Exec(ctx, "INSERT INTO contas (id) VALUES ($1)", "c-4"); err != nil {
			return err
		}
		tx.Added(conta{ID: "c-4"})
		return nil
	})

	require.ErrorIs(t, err, capture.ErrCaptureFailed)
	assert.True(t, tx.rolledBack)
	assert.False(t, tx.committed)
	assert.Empty(t, d.entries)
	assert.Equal(t, 0, icpt.Pending())
}

func TestTxRunner_CommitFailureDiscardsPending(t *testing.T) {
	tx := &fakeTx{commitErr: errors.New("serialization failure")}
	runner, icpt, d := newRunner(t, tx)

	err := runner.InTx(context.Background(), func(_ context.Context, tx *Tx) error {
		tx.Removed(conta{ID: "c-5"})
		return nil
	})

	require.Error(t, err)
	assert.True(t, tx.rolledBack)
	assert.Empty(t, d.entries)
	assert.Equal(t, 0, icpt.Pending())
}

func TestTxRunner_PanicRollsBack(t *testing.T) {
	tx := &fakeTx{}
	runner, icpt, d := newRunner(t, tx)

	assert.PanicsWithValue(t, "boom", func() {
		_ = runner.InTx(context.Background(), func(ctx context.Context, tx *Tx) error {
			if _, err := tx.Exec(ctx, "INSERT INTO contas (id) VALUES ($1)", "c-6"); err != nil {
				return err
			}
			tx.Added(conta{ID: "c-6"})
			panic("boom")
		})
	})

	assert.True(t, tx.rolledBack)
	assert.False(t, tx.committed)
	assert.Empty(t, d.entries)
	assert.Equal(t, 0, icpt.Pending())
}

func TestTxRunner_BeginFailure(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	icpt, err := capture.NewInterceptor("ms-contas", &recordingDispatcher{}, logger)
	require.NoError(t, err)
	runner := NewTxRunner(&fakeBeginner{err: errors.New("pool closed")}, icpt, logger)

	called := false
	err = runner.InTx(context.Background(), func(context.Context, *Tx) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, called)
}

func TestTxRunner_SessionConfigFailure(t *testing.T) {
	tx := &fakeTx{execErr: errors.New("permission denied"), failOn: "set_config"}
	runner, _, _ := newRunner(t, tx)

	called := false
	ctx := audit.WithInfo(context.Background(), audit.Info{UserID: "u1"})
	err := runner.InTx(ctx, func(context.Context, *Tx) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, called)
	assert.True(t, tx.rolledBack)
}
