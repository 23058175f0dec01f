package mailgun

import (
	"fmt"
	"maps"

	"github.com/openfroyo/teamsync/pkg/engine"
)

// Diff computes the operations that transform current into desired.
// Secrets are compared in plaintext and never rendered. Duplicate routes
// are deleted whatever the desired state.
func Diff(desired, current *Snapshot) []engine.Operation {
	var ops []engine.Operation
	engine.Reconcile(desired.Lists, current.Lists,
		func(key string, d List) {
			var changes engine.Changes
			changes.Set("members", nil, d.Members)
			if len(d.Secrets) > 0 {
				changes.Sensitive("secrets", "", "set")
			}
			ops = append(ops, engine.Operation{
				Type:        engine.OperationCreate,
				Kind:        KindList,
				Key:         key,
				Changes:     changes,
				Payload:     CreateList{List: d},
				Sensitive:   len(d.Secrets) > 0,
				Description: memberCount(d.Members.Cardinality()),
			})
		},
		func(key string, d, c List) {
			var changes engine.Changes
			changes.Set("members", c.Members, d.Members)
			if !maps.Equal(d.Secrets, c.Secrets) {
				changes.Sensitive("secrets", "old", "new")
			}
			if changes.Empty() {
				return
			}
			ops = append(ops, engine.Operation{
				Type:      engine.OperationUpdate,
				Kind:      KindList,
				Key:       key,
				Changes:   changes,
				Payload:   UpdateList{RouteID: c.RouteID, List: d},
				Sensitive: len(d.Secrets) > 0,
			})
		},
		func(key string, c List) {
			ops = append(ops, engine.Operation{
				Type:        engine.OperationDelete,
				Kind:        KindList,
				Key:         key,
				Payload:     DeleteList{RouteID: c.RouteID, Address: c.Address},
				Description: memberCount(c.Members.Cardinality()),
			})
		},
	)

	for _, dup := range current.Duplicates {
		ops = append(ops, engine.Operation{
			Type:        engine.OperationDelete,
			Kind:        KindList,
			Key:         dup.Address,
			Payload:     DeleteList{RouteID: dup.RouteID, Address: dup.Address},
			Description: "duplicate route " + dup.RouteID,
		})
	}
	return ops
}

func memberCount(n int) string {
	if n == 1 {
		return "1 member"
	}
	return fmt.Sprintf("%d members", n)
}
