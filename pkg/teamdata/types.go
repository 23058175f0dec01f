package teamdata

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Access is a repository permission level. Levels are ordered:
// read < triage < write < maintain < admin.
type Access string

const (
	AccessRead     Access = "read"
	AccessTriage   Access = "triage"
	AccessWrite    Access = "write"
	AccessMaintain Access = "maintain"
	AccessAdmin    Access = "admin"
)

// ParseAccess parses a level name, accepting GitHub's legacy aliases
// "pull", "push" and "triage".
func ParseAccess(s string) (Access, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "read", "pull":
		return AccessRead, nil
	case "triage":
		return AccessTriage, nil
	case "write", "push":
		return AccessWrite, nil
	case "maintain":
		return AccessMaintain, nil
	case "admin":
		return AccessAdmin, nil
	default:
		return "", fmt.Errorf("invalid access level: %q", s)
	}
}

// Rank returns the position of the level in the order, or -1.
func (a Access) Rank() int {
	switch a {
	case AccessRead:
		return 0
	case AccessTriage:
		return 1
	case AccessWrite:
		return 2
	case AccessMaintain:
		return 3
	case AccessAdmin:
		return 4
	default:
		return -1
	}
}

// Less reports whether a grants less than b.
func (a Access) Less(b Access) bool {
	return a.Rank() < b.Rank()
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (a *Access) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	parsed, err := ParseAccess(str)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Person is one logical person with their per-service accounts.
type Person struct {
	// ID is the key of the person in people.json.
	ID string `json:"-"`

	Name     string `json:"name"`
	GitHub   string `json:"github" validate:"omitempty,max=39"`
	GitHubID int64  `json:"github_id,omitempty"`
	Email    string `json:"email,omitempty" validate:"omitempty,email|startswith=encrypted+"`
	ZulipID  *int64 `json:"zulip_id,omitempty"`
}

// Team is a named set of people. A team with a GitHub section is
// synchronized to each listed organization.
type Team struct {
	Name        string      `json:"name" validate:"required"`
	Members     []string    `json:"members"`
	Maintainers []string    `json:"maintainers,omitempty"`
	GitHub      *GitHubTeam `json:"github,omitempty"`
}

// GitHubTeam holds the GitHub-specific attributes of a team.
type GitHubTeam struct {
	Orgs        []string `json:"orgs" validate:"required,min=1,dive,required"`
	Description string   `json:"description,omitempty"`
	Privacy     string   `json:"privacy,omitempty" validate:"omitempty,oneof=closed secret"`
}

// Repo is a repository whose settings and permissions are managed.
type Repo struct {
	Org         string            `json:"org" validate:"required"`
	Name        string            `json:"name" validate:"required"`
	Description string            `json:"description,omitempty"`
	Homepage    string            `json:"homepage,omitempty"`
	Private     bool              `json:"private,omitempty"`
	Archived    bool              `json:"archived,omitempty"`
	Teams       map[string]Access `json:"teams,omitempty"`

	// Members grants individual GitHub logins direct access.
	Members map[string]Access `json:"members,omitempty"`
}

// RepoPermission grants a team an access level on a repository.
type RepoPermission struct {
	Org    string `json:"org"`
	Repo   string `json:"repo"`
	Team   string `json:"team"`
	Access Access `json:"access"`
}

// RepoCollaborator grants a GitHub user direct access to a repository.
type RepoCollaborator struct {
	Org    string `json:"org"`
	Repo   string `json:"repo"`
	Login  string `json:"login"`
	Access Access `json:"access"`
}

// MailingList is an address forwarding to a set of members. Members and
// Secrets may hold encrypted values.
type MailingList struct {
	Address string            `json:"address" validate:"required"`
	Members []string          `json:"members"`
	Secrets map[string]string `json:"secrets,omitempty"`
}

// ChatGroup is a chat user group. Members are person IDs; ExtraEmails
// are addresses of accounts not listed in people.json.
type ChatGroup struct {
	Name        string   `json:"name" validate:"required"`
	Description string   `json:"description,omitempty"`
	Members     []string `json:"members"`
	ExtraEmails []string `json:"extra_emails,omitempty"`
}

// Documents served by every source.
const (
	DocPeople     = "people.json"
	DocTeams      = "teams.json"
	DocRepos      = "repos.json"
	DocLists      = "lists.json"
	DocChatGroups = "zulip-groups.json"
)

type peopleDoc struct {
	People map[string]Person `json:"people"`
}

type teamsDoc struct {
	Teams map[string]Team `json:"teams"`
}

type reposDoc struct {
	Repos []Repo `json:"repos"`
}

type listsDoc struct {
	Lists map[string]MailingList `json:"lists"`
}

type chatGroupsDoc struct {
	Groups map[string]ChatGroup `json:"groups"`
}
