package engine

import (
	"fmt"
	"sort"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
)

// NewSet builds a member set from items.
func NewSet(items ...string) mapset.Set[string] {
	return mapset.NewThreadUnsafeSet(items...)
}

// SortedMembers returns the members of s in ascending order.
func SortedMembers(s mapset.Set[string]) []string {
	if s == nil {
		return nil
	}
	out := s.ToSlice()
	sort.Strings(out)
	return out
}

// SetDiff returns the members of desired missing from current (added) and
// the members of current missing from desired (removed), both sorted.
func SetDiff(desired, current mapset.Set[string]) (added, removed []string) {
	if desired == nil {
		desired = NewSet()
	}
	if current == nil {
		current = NewSet()
	}
	return SortedMembers(desired.Difference(current)), SortedMembers(current.Difference(desired))
}

// Changes accumulates field diffs for one entity.
type Changes []FieldDiff

// String records field if the values differ.
func (c *Changes) String(field, oldVal, newVal string) {
	if oldVal != newVal {
		*c = append(*c, FieldDiff{Field: field, OldValue: oldVal, NewValue: newVal})
	}
}

// Bool records field if the values differ.
func (c *Changes) Bool(field string, oldVal, newVal bool) {
	c.String(field, fmt.Sprintf("%t", oldVal), fmt.Sprintf("%t", newVal))
}

// Set records field if the sets differ, rendering both sides sorted.
func (c *Changes) Set(field string, oldVal, newVal mapset.Set[string]) {
	added, removed := SetDiff(newVal, oldVal)
	if len(added) == 0 && len(removed) == 0 {
		return
	}
	*c = append(*c, FieldDiff{
		Field:    field,
		OldValue: strings.Join(SortedMembers(oldVal), ", "),
		NewValue: strings.Join(SortedMembers(newVal), ", "),
	})
}

// Sensitive records field without its values if they differ.
func (c *Changes) Sensitive(field, oldVal, newVal string) {
	if oldVal != newVal {
		*c = append(*c, FieldDiff{
			Field:     field,
			OldValue:  SensitiveValue,
			NewValue:  SensitiveValue,
			Sensitive: true,
		})
	}
}

// Empty returns true if nothing was recorded.
func (c Changes) Empty() bool {
	return len(c) == 0
}

// Has returns true if field was recorded.
func (c Changes) Has(field string) bool {
	for _, d := range c {
		if d.Field == field {
			return true
		}
	}
	return false
}

// Reconcile walks the union of desired and current keys in sorted order.
// create is called for keys only in desired, remove for keys only in
// current, and update for keys in both.
func Reconcile[T any](
	desired, current map[string]T,
	create func(key string, d T),
	update func(key string, d, c T),
	remove func(key string, c T),
) {
	keys := make([]string, 0, len(desired)+len(current))
	for k := range desired {
		keys = append(keys, k)
	}
	for k := range current {
		if _, ok := desired[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		d, inDesired := desired[k]
		c, inCurrent := current[k]
		switch {
		case inDesired && !inCurrent:
			create(k, d)
		case inDesired && inCurrent:
			update(k, d, c)
		default:
			remove(k, c)
		}
	}
}
