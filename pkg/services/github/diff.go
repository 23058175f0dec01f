package github

import (
	"fmt"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/openfroyo/teamsync/pkg/engine"
)

// Diff computes the operations that transform current into desired.
// Repositories are created and updated but never deleted.
func Diff(desired, current *Snapshot) []engine.Operation {
	var ops []engine.Operation
	ops = append(ops, diffRepos(desired, current)...)
	ops = append(ops, diffTeams(desired, current)...)
	ops = append(ops, diffPermissions(desired, current)...)
	return ops
}

func diffRepos(desired, current *Snapshot) []engine.Operation {
	var ops []engine.Operation
	engine.Reconcile(desired.Repos, current.Repos,
		func(key string, d Repo) {
			var changes engine.Changes
			changes.String("description", "", d.Description)
			changes.String("homepage", "", d.Homepage)
			changes.Bool("private", false, d.Private)
			changes.Bool("archived", false, d.Archived)
			ops = append(ops, engine.Operation{
				Type:    engine.OperationCreate,
				Kind:    KindRepo,
				Key:     key,
				Changes: changes,
				Payload: CreateRepo{Repo: d},
			})
		},
		func(key string, d, c Repo) {
			var changes engine.Changes
			changes.String("description", c.Description, d.Description)
			changes.String("homepage", c.Homepage, d.Homepage)
			changes.Bool("private", c.Private, d.Private)
			changes.Bool("archived", c.Archived, d.Archived)
			if changes.Empty() {
				return
			}
			payload := UpdateRepo{Org: c.Org, Name: c.Name}
			if changes.Has("description") {
				payload.Description = &d.Description
			}
			if changes.Has("homepage") {
				payload.Homepage = &d.Homepage
			}
			if changes.Has("private") {
				payload.Private = &d.Private
			}
			if changes.Has("archived") {
				payload.Archived = &d.Archived
			}
			ops = append(ops, engine.Operation{
				Type:    engine.OperationUpdate,
				Kind:    KindRepo,
				Key:     key,
				Changes: changes,
				Payload: payload,
			})
		},
		func(string, Repo) {},
	)
	return ops
}

func diffTeams(desired, current *Snapshot) []engine.Operation {
	var ops []engine.Operation
	engine.Reconcile(desired.Teams, current.Teams,
		func(key string, d Team) {
			var changes engine.Changes
			changes.String("description", "", d.Description)
			changes.String("privacy", "", d.Privacy)
			changes.Set("members", nil, logins(d.Members, ""))
			changes.Set("maintainers", nil, logins(d.Members, RoleMaintainer))
			ops = append(ops, engine.Operation{
				Type:        engine.OperationCreate,
				Kind:        KindTeam,
				Key:         key,
				Changes:     changes,
				Payload:     CreateTeam{Team: d},
				Description: memberCount(len(d.Members)),
			})
		},
		func(key string, d, c Team) {
			cur := comparableMembers(d, c, current.Owners[strings.ToLower(c.Org)])

			var changes engine.Changes
			changes.String("description", c.Description, d.Description)
			changes.String("privacy", c.Privacy, d.Privacy)
			changes.Set("members", logins(cur, ""), logins(d.Members, ""))
			changes.Set("maintainers", logins(cur, RoleMaintainer), logins(d.Members, RoleMaintainer))
			if changes.Empty() {
				return
			}

			payload := UpdateTeam{Org: c.Org, Name: c.Name, Slug: c.Slug}
			if changes.Has("description") {
				payload.Description = &d.Description
			}
			if changes.Has("privacy") {
				payload.Privacy = &d.Privacy
			}
			for login, role := range d.Members {
				if cur[login] != role {
					if payload.SetMembers == nil {
						payload.SetMembers = map[string]Role{}
					}
					payload.SetMembers[login] = role
				}
			}
			_, payload.RemoveMembers = engine.SetDiff(logins(d.Members, ""), logins(cur, ""))

			ops = append(ops, engine.Operation{
				Type:    engine.OperationUpdate,
				Kind:    KindTeam,
				Key:     key,
				Changes: changes,
				Payload: payload,
			})
		},
		func(key string, c Team) {
			ops = append(ops, engine.Operation{
				Type:        engine.OperationDelete,
				Kind:        KindTeam,
				Key:         key,
				Payload:     DeleteTeam{Org: c.Org, Name: c.Name, Slug: c.Slug},
				Description: memberCount(len(c.Members)),
			})
		},
	)
	return ops
}

func diffPermissions(desired, current *Snapshot) []engine.Operation {
	var ops []engine.Operation
	engine.Reconcile(desired.Permissions, current.Permissions,
		func(key string, d Permission) {
			ops = append(ops, engine.Operation{
				Type:    engine.OperationCreate,
				Kind:    KindPermission,
				Key:     key,
				Changes:     []engine.FieldDiff{{Field: "permission", NewValue: string(d.Access)}},
				Payload:     SetPermission{Permission: d},
				Description: d.Grantee(),
			})
		},
		func(key string, d, c Permission) {
			if d.Access == c.Access {
				return
			}
			ops = append(ops, engine.Operation{
				Type:    engine.OperationUpdate,
				Kind:    KindPermission,
				Key:     key,
				Changes: []engine.FieldDiff{{Field: "permission", OldValue: string(c.Access), NewValue: string(d.Access)}},
				Payload: SetPermission{Permission: Permission{Org: c.Org, Repo: c.Repo, Team: c.Team, User: c.User, Access: d.Access}},
			})
		},
		func(key string, c Permission) {
			ops = append(ops, engine.Operation{
				Type:        engine.OperationDelete,
				Kind:        KindPermission,
				Key:         key,
				Payload:     RemovePermission{Permission: c},
				Description: c.Grantee() + ", " + string(c.Access),
			})
		},
	)
	return ops
}

// comparableMembers returns the current members of c with the role of
// every organization owner and every pending invitee replaced by the
// desired one. GitHub reports neither role faithfully.
func comparableMembers(d, c Team, owners mapset.Set[string]) map[string]Role {
	out := make(map[string]Role, len(c.Members))
	for login, role := range c.Members {
		unreliable := (owners != nil && owners.Contains(login)) ||
			(c.Invited != nil && c.Invited.Contains(login))
		if unreliable {
			if want, ok := d.Members[login]; ok {
				role = want
			}
		}
		out[login] = role
	}
	return out
}

// logins returns the logins holding role, or every login if role is empty.
func logins(members map[string]Role, role Role) mapset.Set[string] {
	s := engine.NewSet()
	for login, r := range members {
		if role == "" || r == role {
			s.Add(login)
		}
	}
	return s
}

func memberCount(n int) string {
	if n == 1 {
		return "1 member"
	}
	return fmt.Sprintf("%d members", n)
}
