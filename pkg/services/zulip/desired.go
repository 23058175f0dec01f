package zulip

import (
	"context"
	"fmt"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/openfroyo/teamsync/pkg/teamdata"
)

// UserDirectory lists the accounts of the chat instance.
type UserDirectory interface {
	Users(ctx context.Context) ([]User, error)
}

// BuildDesired derives the desired user groups. Members resolve through
// their chat user ID, or else their email matched against the user
// directory. Unresolved members are reported as warnings and left out.
func BuildDesired(ctx context.Context, p *teamdata.Provider, dir UserDirectory) (*Snapshot, []string, error) {
	groups, err := p.ChatGroups(ctx)
	if err != nil {
		return nil, nil, err
	}
	identity, err := p.Identity(ctx)
	if err != nil {
		return nil, nil, err
	}

	var byEmail map[string]int64
	lookupEmail := func(email string) (int64, bool, error) {
		if byEmail == nil {
			users, err := dir.Users(ctx)
			if err != nil {
				return 0, false, err
			}
			byEmail = make(map[string]int64, len(users))
			for _, u := range users {
				if u.Email != "" && u.IsActive {
					byEmail[strings.ToLower(u.Email)] = u.ID
				}
			}
		}
		id, ok := byEmail[strings.ToLower(email)]
		return id, ok, nil
	}

	desired := NewSnapshot()
	var warnings []string
	for _, g := range groups {
		members := mapset.NewThreadUnsafeSet[int64]()

		for _, person := range g.Members {
			if id, ok := identity.ZulipID(person); ok {
				members.Add(id)
				continue
			}
			email, ok := identity.Email(person)
			if ok {
				id, found, err := lookupEmail(email)
				if err != nil {
					return nil, nil, err
				}
				if found {
					members.Add(id)
					continue
				}
			}
			warnings = append(warnings, fmt.Sprintf("group %s: %s has no Zulip account", g.Name, person))
		}

		for _, email := range g.ExtraEmails {
			id, found, err := lookupEmail(email)
			if err != nil {
				return nil, nil, err
			}
			if !found {
				warnings = append(warnings, fmt.Sprintf("group %s: no Zulip account uses %s", g.Name, email))
				continue
			}
			members.Add(id)
		}

		desired.Groups[GroupKey(g.Name)] = Group{
			Name:        g.Name,
			Description: g.Description,
			Members:     members,
		}
	}
	return desired, warnings, nil
}
