// Package capture turns the entity changes of an in-flight business
// transaction into audit records persisted in the same transaction.
package capture

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	audit "github.com/kafeiih/audit-trail"
)

// Auditable is implemented by business entities whose mutations are captured.
type Auditable interface {
	EntityName() string
	EntityID() string
}

// Change is one entity mutation observed inside a transaction. Before is
// nil for CREATE, After is nil for DELETE.
type Change struct {
	Operation audit.Operation
	Entity    Auditable
	Before    any
	After     any
}

// Tracker enumerates the changes of a transaction. Any persistence layer
// that can list what it added, modified and removed satisfies it.
type Tracker interface {
	Changes() []Change
}

// ChangeSet is a Tracker filled explicitly by repositories as they write.
type ChangeSet struct {
	mu      sync.Mutex
	changes []Change
}

// Added records the creation of e.
func (s *ChangeSet) Added(e Auditable) {
	s.append(Change{Operation: audit.OperationCreate, Entity: e, After: e})
}

// Modified records an update from before to after. Both snapshots must
// describe the same entity.
func (s *ChangeSet) Modified(before, after Auditable) {
	s.append(Change{Operation: audit.OperationUpdate, Entity: after, Before: before, After: after})
}

// Removed records the deletion of e.
func (s *ChangeSet) Removed(e Auditable) {
	s.append(Change{Operation: audit.OperationDelete, Entity: e, Before: e})
}

func (s *ChangeSet) append(c Change) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changes = append(s.changes, c)
}

// Changes returns a copy of the tracked changes in insertion order.
func (s *ChangeSet) Changes() []Change {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Change, len(s.changes))
	copy(out, s.changes)
	return out
}

// Len returns the number of tracked changes.
func (s *ChangeSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.changes)
}

// Snapshot converts an entity into a field→value map using its JSON
// representation. Maps go through the same round trip. Numbers are kept as
// json.Number so snapshots compare structurally without float rounding.
func Snapshot(v any) (map[string]any, error) {
	if v == nil {
		return nil, nil
	}
	if m, ok := v.(map[string]any); ok && m == nil {
		return nil, nil
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("snapshot must be a JSON object: %w", err)
	}
	return out, nil
}
