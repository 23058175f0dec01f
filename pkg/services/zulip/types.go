// Package zulip synchronizes chat user groups to Zulip and posts the
// messages of the confirmation flow.
package zulip

import (
	"sort"
	"strconv"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/openfroyo/teamsync/pkg/engine"
)

// ServiceName is the name used in plans and reports.
const ServiceName = "zulip"

// KindGroup is the only kind this service manages.
const KindGroup engine.Kind = "zulip.user-group"

// Layer returns the dependency layer of a kind.
func Layer(engine.Kind) int { return 0 }

// Group is a user group with members given as user IDs.
type Group struct {
	// ID is set on groups read from Zulip.
	ID          int64
	Name        string
	Description string
	Members     mapset.Set[int64]
}

// Snapshot holds user groups keyed by lower-cased name.
type Snapshot struct {
	Groups map[string]Group
}

// NewSnapshot returns an empty snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{Groups: map[string]Group{}}
}

// GroupKey returns the identity of a group.
func GroupKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// User is a Zulip account.
type User struct {
	ID int64 `json:"user_id"`

	// Email is the delivery address. Users may hide it, so it can be empty.
	Email    string `json:"delivery_email"`
	FullName string `json:"full_name"`
	IsBot    bool   `json:"is_bot"`
	IsActive bool   `json:"is_active"`
}

// CreateGroup is the payload of a group create.
type CreateGroup struct {
	Group Group
}

// UpdateGroup is the payload of a group update.
type UpdateGroup struct {
	ID          int64
	Name        string
	Description *string
	Add         []int64
	Remove      []int64
}

// DeleteGroup is the payload of a group delete.
type DeleteGroup struct {
	ID   int64
	Name string
}

func sortedIDs(s mapset.Set[int64]) []int64 {
	if s == nil {
		return nil
	}
	out := s.ToSlice()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// idStrings renders member IDs for the plan.
func idStrings(s mapset.Set[int64]) mapset.Set[string] {
	out := engine.NewSet()
	if s == nil {
		return out
	}
	for id := range s.Iter() {
		out.Add(strconv.FormatInt(id, 10))
	}
	return out
}
