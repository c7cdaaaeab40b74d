package audit

import (
	"reflect"
	"sort"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

var valueEquality = []cmp.Option{
	cmpopts.EquateEmpty(),
	cmp.Exporter(func(reflect.Type) bool { return true }),
}

// ValuesEqual reports whether two field values are structurally equal.
// Nil and empty collections compare equal.
func ValuesEqual(a, b any) bool {
	return cmp.Equal(a, b, valueEquality...)
}

// ChangedFields returns the sorted names of the fields whose values differ
// between oldValues and newValues. A key present on one side only counts as
// changed unless its value is nil.
func ChangedFields(oldValues, newValues map[string]any) []string {
	changed := []string{}
	seen := make(map[string]struct{}, len(oldValues)+len(newValues))

	for k, nv := range newValues {
		seen[k] = struct{}{}
		if !ValuesEqual(oldValues[k], nv) {
			changed = append(changed, k)
		}
	}
	for k, ov := range oldValues {
		if _, ok := seen[k]; ok {
			continue
		}
		if !ValuesEqual(ov, newValues[k]) {
			changed = append(changed, k)
		}
	}

	sort.Strings(changed)
	return changed
}
