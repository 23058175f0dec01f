package github

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"

	"github.com/openfroyo/teamsync/pkg/teamdata"
)

// DefaultPrivacy is applied to teams that do not set one.
const DefaultPrivacy = "closed"

// BuildDesired derives the desired GitHub state from the team data set.
// Organizations for which ignored returns true are left out entirely.
// People without a GitHub account are skipped with a warning.
func BuildDesired(ctx context.Context, p *teamdata.Provider, ignored func(org string) bool) (*Snapshot, []string, error) {
	if ignored == nil {
		ignored = func(string) bool { return false }
	}

	identity, err := p.Identity(ctx)
	if err != nil {
		return nil, nil, err
	}
	teams, err := p.Teams(ctx)
	if err != nil {
		return nil, nil, err
	}
	repos, err := p.Repos(ctx)
	if err != nil {
		return nil, nil, err
	}
	perms, err := p.RepoPermissions(ctx)
	if err != nil {
		return nil, nil, err
	}
	collaborators, err := p.RepoCollaborators(ctx)
	if err != nil {
		return nil, nil, err
	}

	desired := NewSnapshot()
	var warnings []string

	for _, team := range teams {
		if team.GitHub == nil {
			continue
		}
		members, missing := teamMembers(team, identity)
		for _, person := range missing {
			warnings = append(warnings, fmt.Sprintf("team %s: %s has no GitHub account", team.Name, person))
		}

		privacy := team.GitHub.Privacy
		if privacy == "" {
			privacy = DefaultPrivacy
		}
		for _, org := range team.GitHub.Orgs {
			if ignored(org) {
				continue
			}
			desired.Teams[TeamKey(org, team.Name)] = Team{
				Org:         org,
				Name:        team.Name,
				Description: team.GitHub.Description,
				Privacy:     privacy,
				Members:     maps.Clone(members),
			}
		}
	}

	for _, repo := range repos {
		if ignored(repo.Org) {
			continue
		}
		desired.Repos[RepoKey(repo.Org, repo.Name)] = Repo{
			Org:         repo.Org,
			Name:        repo.Name,
			Description: repo.Description,
			Homepage:    repo.Homepage,
			Private:     repo.Private,
			Archived:    repo.Archived,
		}
	}

	for _, perm := range perms {
		if ignored(perm.Org) {
			continue
		}
		if _, ok := desired.Teams[TeamKey(perm.Org, perm.Team)]; !ok {
			warnings = append(warnings, fmt.Sprintf(
				"repo %s/%s: team %s is not synchronized to %s, permission skipped",
				perm.Org, perm.Repo, perm.Team, perm.Org))
			continue
		}
		desired.Permissions[PermissionKey(perm.Org, perm.Repo, perm.Team)] = Permission{
			Org:    perm.Org,
			Repo:   perm.Repo,
			Team:   perm.Team,
			Access: perm.Access,
		}
	}

	for _, collab := range collaborators {
		if ignored(collab.Org) {
			continue
		}
		perm := Permission{
			Org:    collab.Org,
			Repo:   collab.Repo,
			User:   strings.ToLower(collab.Login),
			Access: collab.Access,
		}
		desired.Permissions[perm.Key()] = perm
	}

	return desired, warnings, nil
}

// ScopeOf returns the organizations and repositories a desired snapshot manages.
func ScopeOf(desired *Snapshot) Scope {
	orgs := map[string]string{}
	for _, t := range desired.Teams {
		orgs[strings.ToLower(t.Org)] = t.Org
	}
	var scope Scope
	for _, r := range desired.Repos {
		orgs[strings.ToLower(r.Org)] = r.Org
		scope.Repos = append(scope.Repos, r)
	}
	for _, org := range orgs {
		scope.Orgs = append(scope.Orgs, org)
	}
	sort.Strings(scope.Orgs)
	sort.Slice(scope.Repos, func(i, j int) bool {
		return RepoKey(scope.Repos[i].Org, scope.Repos[i].Name) < RepoKey(scope.Repos[j].Org, scope.Repos[j].Name)
	})
	return scope
}

// teamMembers maps the team's people to GitHub logins. Maintainers take
// precedence over plain membership.
func teamMembers(team teamdata.Team, identity *teamdata.Identity) (map[string]Role, []string) {
	members := map[string]Role{}
	var missing []string
	add := func(people []string, role Role) {
		for _, person := range people {
			login, ok := identity.GitHubLogin(person)
			if !ok {
				missing = append(missing, person)
				continue
			}
			if members[login] == RoleMaintainer {
				continue
			}
			members[login] = role
		}
	}
	add(team.Maintainers, RoleMaintainer)
	add(team.Members, RoleMember)

	sort.Strings(missing)
	return members, slices.Compact(missing)
}
