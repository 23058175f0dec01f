package zulip

import (
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/openfroyo/teamsync/pkg/engine"
)

// NewDiff returns the diff function. Unless deleteUnmanaged is set,
// groups absent from the desired state are left untouched.
func NewDiff(deleteUnmanaged bool) engine.DiffFunc[*Snapshot] {
	return func(desired, current *Snapshot) []engine.Operation {
		if !deleteUnmanaged {
			current = scoped(current, desired)
		}
		return Diff(desired, current)
	}
}

// Diff computes the operations that transform current into desired.
func Diff(desired, current *Snapshot) []engine.Operation {
	var ops []engine.Operation
	engine.Reconcile(desired.Groups, current.Groups,
		func(key string, d Group) {
			var changes engine.Changes
			changes.String("description", "", d.Description)
			changes.Set("members", nil, idStrings(d.Members))
			ops = append(ops, engine.Operation{
				Type:        engine.OperationCreate,
				Kind:        KindGroup,
				Key:         key,
				Changes:     changes,
				Payload:     CreateGroup{Group: d},
				Description: memberCount(cardinality(d)),
			})
		},
		func(key string, d, c Group) {
			var changes engine.Changes
			changes.String("description", c.Description, d.Description)
			changes.Set("members", idStrings(c.Members), idStrings(d.Members))
			if changes.Empty() {
				return
			}
			payload := UpdateGroup{ID: c.ID, Name: c.Name}
			if changes.Has("description") {
				payload.Description = &d.Description
			}
			dm, cm := memberSet(d), memberSet(c)
			payload.Add = sortedIDs(dm.Difference(cm))
			payload.Remove = sortedIDs(cm.Difference(dm))
			ops = append(ops, engine.Operation{
				Type:    engine.OperationUpdate,
				Kind:    KindGroup,
				Key:     key,
				Changes: changes,
				Payload: payload,
			})
		},
		func(key string, c Group) {
			ops = append(ops, engine.Operation{
				Type:        engine.OperationDelete,
				Kind:        KindGroup,
				Key:         key,
				Payload:     DeleteGroup{ID: c.ID, Name: c.Name},
				Description: memberCount(cardinality(c)),
			})
		},
	)
	return ops
}

// scoped keeps only the current groups that are also desired.
func scoped(current, desired *Snapshot) *Snapshot {
	out := NewSnapshot()
	for key, g := range current.Groups {
		if _, ok := desired.Groups[key]; ok {
			out.Groups[key] = g
		}
	}
	return out
}

func memberSet(g Group) mapset.Set[int64] {
	if g.Members == nil {
		return mapset.NewThreadUnsafeSet[int64]()
	}
	return g.Members
}

func cardinality(g Group) int {
	return memberSet(g).Cardinality()
}

func memberCount(n int) string {
	if n == 1 {
		return "1 member"
	}
	return fmt.Sprintf("%d members", n)
}
