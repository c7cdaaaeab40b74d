package relay_test

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	audit "github.com/kafeiih/audit-trail"
)

var errBrokerDown = errors.New("broker unreachable")

// memOutbox is an in-memory outbox with the same claim semantics as the
// PostgreSQL store.
type memOutbox struct {
	mu         sync.Mutex
	now        time.Time
	rows       map[uuid.UUID]*memRow
	claimCalls int
}

type memRow struct {
	entry        audit.OutboxEntry
	claimedUntil time.Time
}

func newMemOutbox() *memOutbox {
	return &memOutbox{
		now:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		rows: make(map[uuid.UUID]*memRow),
	}
}

func (o *memOutbox) advance(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.now = o.now.Add(d)
}

func (o *memOutbox) AppendEntries(_ context.Context, entries []audit.OutboxEntry) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, e := range entries {
		e.CreatedAt = o.now
		o.rows[e.Record.ID] = &memRow{entry: e}
	}
	return nil
}

func (o *memOutbox) Claim(_ context.Context, id uuid.UUID, lease time.Duration) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.claimCalls++
	row, ok := o.rows[id]
	if !ok || row.entry.Delivered || row.claimedUntil.After(o.now) {
		return false, nil
	}
	row.claimedUntil = o.now.Add(lease)
	return true, nil
}

func (o *memOutbox) ClaimStale(_ context.Context, grace time.Duration, limit int, lease time.Duration) ([]audit.OutboxEntry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var stale []*memRow
	for _, row := range o.rows {
		if row.entry.Delivered || row.claimedUntil.After(o.now) {
			continue
		}
		if !row.entry.CreatedAt.Before(o.now.Add(-grace)) {
			continue
		}
		stale = append(stale, row)
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].entry.CreatedAt.Before(stale[j].entry.CreatedAt) })
	if len(stale) > limit {
		stale = stale[:limit]
	}

	out := make([]audit.OutboxEntry, 0, len(stale))
	for _, row := range stale {
		row.claimedUntil = o.now.Add(lease)
		out = append(out, row.entry)
	}
	return out, nil
}

func (o *memOutbox) MarkDelivered(_ context.Context, id uuid.UUID) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	row, ok := o.rows[id]
	if !ok || row.entry.Delivered {
		return false, nil
	}
	now := o.now
	row.entry.Delivered = true
	row.entry.DeliveredAt = &now
	row.claimedUntil = time.Time{}
	return true, nil
}

func (o *memOutbox) Release(_ context.Context, id uuid.UUID, cause error) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	row, ok := o.rows[id]
	if !ok || row.entry.Delivered {
		return nil
	}
	row.entry.Attempts++
	if cause != nil {
		row.entry.LastError = cause.Error()
	}
	row.claimedUntil = time.Time{}
	return nil
}

func (o *memOutbox) PendingCount(context.Context) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, row := range o.rows {
		if !row.entry.Delivered {
			n++
		}
	}
	return n, nil
}

func (o *memOutbox) entry(id uuid.UUID) audit.OutboxEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.rows[id].entry
}

func (o *memOutbox) claims() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.claimCalls
}

// fakePublisher records confirmed publishes and can simulate an outage.
type fakePublisher struct {
	mu        sync.Mutex
	down      bool
	failNext  int
	published []audit.Record
	onPublish func(audit.Record)
}

func (p *fakePublisher) Publish(_ context.Context, r audit.Record) error {
	p.mu.Lock()
	if p.down {
		p.mu.Unlock()
		return errBrokerDown
	}
	if p.failNext > 0 {
		p.failNext--
		p.mu.Unlock()
		return errBrokerDown
	}
	p.published = append(p.published, r)
	hook := p.onPublish
	p.mu.Unlock()

	if hook != nil {
		hook(r)
	}
	return nil
}

func (p *fakePublisher) setDown(down bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.down = down
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

func (p *fakePublisher) countFor(id uuid.UUID) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, r := range p.published {
		if r.ID == id {
			n++
		}
	}
	return n
}
