package pgxaudit

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	audit "github.com/kafeiih/audit-trail"
)

func newEntry(t *testing.T) audit.OutboxEntry {
	t.Helper()
	r, err := audit.NewRecord(audit.RecordParams{
		Operation:     audit.OperationCreate,
		EntityName:    "Transacao",
		EntityID:      "t-1",
		UserID:        "user-1",
		SourceService: "ms-transacoes",
		NewValues:     map[string]any{"valor": 100.5, "status": "PENDENTE"},
	})
	require.NoError(t, err)
	return audit.OutboxEntry{Record: *r, CreatedAt: r.Timestamp}
}

func entryRow(t *testing.T, e audit.OutboxEntry) []any {
	t.Helper()
	payload, err := audit.MarshalEnvelope(e.Record)
	require.NoError(t, err)
	return []any{payload, e.Delivered, e.CreatedAt, e.DeliveredAt, e.Attempts, e.LastError}
}

// ---------- AppendEntries ----------

func TestOutboxStore_AppendEntries(t *testing.T) {
	var calls []execCall
	db := &mockDB{
		execFn: func(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			calls = append(calls, execCall{sql: sql, args: args})
			return pgconn.NewCommandTag("INSERT 0 1"), nil
		},
	}

	e1, e2 := newEntry(t), newEntry(t)
	require.NoError(t, NewOutboxStore(db).AppendEntries(context.Background(), []audit.OutboxEntry{e1, e2}))

	require.Len(t, calls, 2)
	args := calls[0].args
	require.Len(t, args, 9)
	assert.Contains(t, calls[0].sql, "INSERT INTO audit.outbox")
	assert.Equal(t, e1.Record.ID, args[0])
	assert.Equal(t, "CREATE", args[3])
	assert.Equal(t, (*string)(nil), args[5], "empty correlation id is stored as NULL")
	assert.Equal(t, "ms-transacoes", args[6])

	payload, ok := args[7].([]byte)
	require.True(t, ok, "payload expected []byte, got %T", args[7])
	decoded, err := audit.UnmarshalEnvelope(payload)
	require.NoError(t, err)
	assert.Equal(t, e1.Record.ID, decoded.ID)
	assert.Equal(t, "PENDENTE", decoded.NewValues["status"])

	assert.Equal(t, e2.Record.ID, calls[1].args[0])
}

func TestOutboxStore_AppendEntries_ExecError(t *testing.T) {
	db := &mockDB{
		execFn: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
			return pgconn.CommandTag{}, errors.New("connection refused")
		},
	}

	err := NewOutboxStore(db).AppendEntries(context.Background(), []audit.OutboxEntry{newEntry(t)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestOutboxStore_AppendEntries_UnserializableValues(t *testing.T) {
	called := false
	db := &mockDB{
		execFn: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
			called = true
			return pgconn.CommandTag{}, nil
		},
	}

	e := newEntry(t)
	e.Record.NewValues = map[string]any{"bad": make(chan int)}

	require.Error(t, NewOutboxStore(db).AppendEntries(context.Background(), []audit.OutboxEntry{e}))
	assert.False(t, called)
}

// ---------- Claim / MarkDelivered / Release ----------

func TestOutboxStore_Claim(t *testing.T) {
	tests := []struct {
		name string
		tag  string
		want bool
	}{
		{"lease taken", "UPDATE 1", true},
		{"held or delivered", "UPDATE 0", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotArgs []any
			db := &mockDB{
				execFn: func(_ context.Context, _ string, args ...any) (pgconn.CommandTag, error) {
					gotArgs = args
					return pgconn.NewCommandTag(tt.tag), nil
				},
			}

			id := uuid.New()
			ok, err := NewOutboxStore(db).Claim(context.Background(), id, 30*time.Second)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
			assert.Equal(t, []any{id, int64(30000)}, gotArgs)
		})
	}
}

func TestOutboxStore_MarkDeliveredOnce(t *testing.T) {
	delivered := map[uuid.UUID]bool{}
	db := &mockDB{
		execFn: func(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			require.Contains(t, sql, "AND NOT delivered")
			id := args[0].(uuid.UUID)
			if delivered[id] {
				return pgconn.NewCommandTag("UPDATE 0"), nil
			}
			delivered[id] = true
			return pgconn.NewCommandTag("UPDATE 1"), nil
		},
	}
	store := NewOutboxStore(db)
	id := uuid.New()

	first, err := store.MarkDelivered(context.Background(), id)
	require.NoError(t, err)
	second, err := store.MarkDelivered(context.Background(), id)
	require.NoError(t, err)

	assert.True(t, first)
	assert.False(t, second)
}

func TestOutboxStore_Release(t *testing.T) {
	var gotSQL string
	var gotArgs []any
	db := &mockDB{
		execFn: func(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			gotSQL, gotArgs = sql, args
			return pgconn.NewCommandTag("UPDATE 1"), nil
		},
	}

	id := uuid.New()
	require.NoError(t, NewOutboxStore(db).Release(context.Background(), id, errors.New("broker down")))

	assert.Contains(t, gotSQL, "attempts = attempts + 1")
	assert.Contains(t, gotSQL, "claimed_until = NULL")
	require.Len(t, gotArgs, 2)
	msg, ok := gotArgs[1].(*string)
	require.True(t, ok)
	assert.Equal(t, "broker down", *msg)
}

func TestOutboxStore_ClaimError(t *testing.T) {
	db := &mockDB{
		execFn: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
			return pgconn.CommandTag{}, errors.New("timeout")
		},
	}
	_, err := NewOutboxStore(db).Claim(context.Background(), uuid.New(), time.Second)
	require.Error(t, err)
}

// ---------- ClaimStale / ListUndelivered ----------

func TestOutboxStore_ClaimStale(t *testing.T) {
	e1, e2 := newEntry(t), newEntry(t)
	e2.Attempts = 2
	e2.LastError = "confirm timeout"
	rows := &fakeRows{data: [][]any{entryRow(t, e1), entryRow(t, e2)}}

	var gotSQL string
	var gotArgs []any
	db := &mockDB{
		queryFn: func(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
			gotSQL, gotArgs = sql, args
			return rows, nil
		},
	}

	entries, err := NewOutboxStore(db).ClaimStale(context.Background(), time.Minute, 50, 30*time.Second)
	require.NoError(t, err)

	assert.Contains(t, gotSQL, "FOR UPDATE SKIP LOCKED")
	assert.Equal(t, []any{int64(60000), 50, int64(30000)}, gotArgs)
	assert.True(t, rows.closed)

	require.Len(t, entries, 2)
	assert.Equal(t, e1.Record.ID, entries[0].Record.ID)
	assert.Equal(t, 2, entries[1].Attempts)
	assert.Equal(t, "confirm timeout", entries[1].LastError)
	assert.False(t, entries[1].Delivered)
}

func TestOutboxStore_ClaimStale_RowsError(t *testing.T) {
	db := &mockDB{
		queryFn: func(context.Context, string, ...any) (pgx.Rows, error) {
			return &fakeRows{err: errors.New("conn reset")}, nil
		},
	}
	_, err := NewOutboxStore(db).ClaimStale(context.Background(), time.Minute, 10, time.Second)
	require.Error(t, err)
}

func TestOutboxStore_ClaimStale_CorruptPayload(t *testing.T) {
	db := &mockDB{
		queryFn: func(context.Context, string, ...any) (pgx.Rows, error) {
			return &fakeRows{data: [][]any{{[]byte(`{"operation":"UPSERT"}`), false, time.Now(), nil, 0, ""}}}, nil
		},
	}
	_, err := NewOutboxStore(db).ClaimStale(context.Background(), time.Minute, 10, time.Second)
	require.ErrorIs(t, err, audit.ErrInvalidOperation)
}

func TestOutboxStore_ListUndelivered_QueryError(t *testing.T) {
	db := &mockDB{
		queryFn: func(context.Context, string, ...any) (pgx.Rows, error) {
			return nil, errors.New("query failed")
		},
	}
	_, err := NewOutboxStore(db).ListUndelivered(context.Background(), 10)
	require.Error(t, err)
}

// ---------- Get / Stats ----------

func TestOutboxStore_Get(t *testing.T) {
	e := newEntry(t)
	deliveredAt := e.CreatedAt.Add(time.Second)
	e.Delivered = true
	e.DeliveredAt = &deliveredAt

	db := &mockDB{
		queryRowFn: func(_ context.Context, _ string, args ...any) pgx.Row {
			assert.Equal(t, e.Record.ID, args[0])
			return &valueRow{values: entryRow(t, e)}
		},
	}

	got, err := NewOutboxStore(db).Get(context.Background(), e.Record.ID)
	require.NoError(t, err)
	assert.True(t, got.Delivered)
	require.NotNil(t, got.DeliveredAt)
	assert.True(t, got.DeliveredAt.Equal(deliveredAt))
	assert.Equal(t, e.Record.EntityID, got.Record.EntityID)
}

func TestOutboxStore_Get_NotFound(t *testing.T) {
	_, err := NewOutboxStore(&mockDB{}).Get(context.Background(), uuid.New())
	require.ErrorIs(t, err, audit.ErrNotFound)
}

func TestOutboxStore_Get_OtherError(t *testing.T) {
	db := &mockDB{
		queryRowFn: func(context.Context, string, ...any) pgx.Row {
			return &errorRow{err: errors.New("boom")}
		},
	}
	_, err := NewOutboxStore(db).Get(context.Background(), uuid.New())
	require.Error(t, err)
	assert.False(t, errors.Is(err, audit.ErrNotFound))
}

func TestOutboxStore_Stats(t *testing.T) {
	oldest := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	db := &mockDB{
		queryRowFn: func(_ context.Context, sql string, _ ...any) pgx.Row {
			assert.True(t, strings.Contains(sql, "FILTER"))
			return &valueRow{values: []any{3, 10, &oldest}}
		},
	}

	st, err := NewOutboxStore(db).Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, st.Pending)
	assert.Equal(t, 10, st.Delivered)
	require.NotNil(t, st.OldestPending)
	assert.True(t, st.OldestPending.Equal(oldest))
}
