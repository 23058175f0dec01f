// Package github synchronizes teams, team memberships, repository
// settings and repository permissions of teams and individual
// collaborators to GitHub organizations.
package github

import (
	"strings"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/openfroyo/teamsync/pkg/engine"
	"github.com/openfroyo/teamsync/pkg/teamdata"
)

// ServiceName is the name used in plans and reports.
const ServiceName = "github"

// Entity kinds, in creation order.
const (
	KindRepo       engine.Kind = "github.repo"
	KindTeam       engine.Kind = "github.team"
	KindPermission engine.Kind = "github.repo-permission"
)

// Layer orders kinds so that repositories and teams exist before a
// permission references them, and permissions go before their team.
func Layer(k engine.Kind) int {
	switch k {
	case KindRepo:
		return 0
	case KindTeam:
		return 1
	case KindPermission:
		return 2
	default:
		return 3
	}
}

// Role is a team membership role.
type Role string

const (
	RoleMember     Role = "member"
	RoleMaintainer Role = "maintainer"
)

// Team is a GitHub team as desired or observed.
type Team struct {
	Org         string
	Name        string
	Slug        string
	Description string
	Privacy     string

	// Members maps lower-cased logins to their role.
	Members map[string]Role

	// Invited holds the members of a read team whose invitation is still
	// pending. GitHub does not report the team role of an invitation, so
	// their role in Members is only a placeholder.
	Invited mapset.Set[string]
}

// Repo holds the managed settings of a repository.
type Repo struct {
	Org         string
	Name        string
	Description string
	Homepage    string
	Private     bool
	Archived    bool
}

// Permission grants a team, or a single user when User is set, an
// access level on a repository.
type Permission struct {
	Org    string
	Repo   string
	Team   string
	User   string
	Access teamdata.Access
}

// Key returns the composite identity of the permission.
func (p Permission) Key() string {
	if p.User != "" {
		return CollaboratorKey(p.Org, p.Repo, p.User)
	}
	return PermissionKey(p.Org, p.Repo, p.Team)
}

// Grantee names who the permission is granted to.
func (p Permission) Grantee() string {
	if p.User != "" {
		return "user " + p.User
	}
	return "team " + p.Team
}

// Snapshot is the GitHub state of every managed organization.
type Snapshot struct {
	Teams       map[string]Team
	Repos       map[string]Repo
	Permissions map[string]Permission

	// Owners maps lower-cased org names to the logins of org owners.
	// GitHub reports owners as maintainers of every team they join.
	Owners map[string]mapset.Set[string]
}

// NewSnapshot returns an empty snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Teams:       map[string]Team{},
		Repos:       map[string]Repo{},
		Permissions: map[string]Permission{},
		Owners:      map[string]mapset.Set[string]{},
	}
}

// TeamKey returns the identity of a team.
func TeamKey(org, name string) string {
	return strings.ToLower(org) + "/" + strings.ToLower(name)
}

// RepoKey returns the identity of a repository.
func RepoKey(org, name string) string {
	return strings.ToLower(org) + "/" + strings.ToLower(name)
}

// PermissionKey returns the composite identity of a team's access to a repository.
func PermissionKey(org, repo, team string) string {
	return strings.ToLower(org) + "/" + strings.ToLower(repo) + "/" + strings.ToLower(team)
}

// CollaboratorKey returns the composite identity of a user's direct
// access to a repository. The prefix keeps it apart from team keys.
func CollaboratorKey(org, repo, login string) string {
	return strings.ToLower(org) + "/" + strings.ToLower(repo) + "/user:" + strings.ToLower(login)
}

// Scope is the set of organizations and repositories a run manages.
type Scope struct {
	// Orgs lists managed organizations, sorted.
	Orgs []string

	// Repos lists managed repositories as org/name, sorted.
	Repos []Repo
}

// CreateTeam is the payload of a team create.
type CreateTeam struct {
	Team Team
}

// UpdateTeam is the payload of a team update. Nil pointers are unchanged.
type UpdateTeam struct {
	Org         string
	Name        string
	Slug        string
	Description *string
	Privacy     *string

	// SetMembers adds members or changes their role.
	SetMembers map[string]Role

	// RemoveMembers lists logins to remove.
	RemoveMembers []string
}

// DeleteTeam is the payload of a team delete.
type DeleteTeam struct {
	Org  string
	Name string
	Slug string
}

// CreateRepo is the payload of a repository create.
type CreateRepo struct {
	Repo Repo
}

// UpdateRepo is the payload of a repository update. Nil pointers are unchanged.
type UpdateRepo struct {
	Org         string
	Name        string
	Description *string
	Homepage    *string
	Private     *bool
	Archived    *bool
}

// SetPermission is the payload of a permission create or update.
type SetPermission struct {
	Permission Permission
}

// RemovePermission is the payload of a permission delete.
type RemovePermission struct {
	Permission Permission
}
