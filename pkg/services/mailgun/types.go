// Package mailgun synchronizes mailing lists to Mailgun routes.
//
// Each list is one route matching the list address with a forward action
// per member. Only routes whose description starts with
// DescriptionPrefix are managed; every other route is left alone.
package mailgun

import (
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/openfroyo/teamsync/pkg/engine"
)

// ServiceName is the name used in plans and reports.
const ServiceName = "mailgun"

// KindList is the only kind this service manages.
const KindList engine.Kind = "mailgun.list"

// DescriptionPrefix marks routes created by this tool.
const DescriptionPrefix = "managed by an automatic script on github"

// Layer returns the dependency layer of a kind.
func Layer(engine.Kind) int { return 0 }

// List is a mailing list with decrypted members and secrets.
type List struct {
	// Address is the lower-cased list address.
	Address string

	// Members holds lower-cased member addresses.
	Members mapset.Set[string]

	// Secrets holds decrypted sensitive fields, stored encrypted in the
	// route description.
	Secrets map[string]string

	// RouteID is set on lists read from Mailgun.
	RouteID string
}

// Snapshot is the managed mailing-list state, keyed by address.
type Snapshot struct {
	Lists map[string]List

	// Duplicates holds managed routes for an address that already has
	// one in Lists. They are always deleted.
	Duplicates []List
}

// NewSnapshot returns an empty snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{Lists: map[string]List{}}
}

// CreateList is the payload of a route create.
type CreateList struct {
	List List
}

// UpdateList replaces the route of an existing list.
type UpdateList struct {
	RouteID string
	List    List
}

// DeleteList is the payload of a route delete.
type DeleteList struct {
	RouteID string
	Address string
}
