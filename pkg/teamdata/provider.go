package teamdata

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/openfroyo/teamsync/pkg/engine"
)

// Provider serves typed, validated records from a Source. A loaded
// document, or a document that failed for good, is kept for the life of
// the Provider, so every service of a run sees the same data set.
// Transient fetch failures are not kept and the next call fetches again.
// Safe for concurrent use.
type Provider struct {
	source   Source
	validate *validator.Validate
	logger   zerolog.Logger

	mu   sync.Mutex
	docs map[string]*docEntry
}

type docEntry struct {
	mu    sync.Mutex
	done  bool
	value any
	err   error
}

// NewProvider creates a provider reading from source.
func NewProvider(source Source, logger zerolog.Logger) *Provider {
	return &Provider{
		source:   source,
		validate: validator.New(),
		logger:   logger.With().Str("component", "teamdata").Logger(),
		docs:     make(map[string]*docEntry),
	}
}

// Source returns the underlying source.
func (p *Provider) Source() Source {
	return p.source
}

func (p *Provider) entry(doc string) *docEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.docs[doc]
	if !ok {
		e = &docEntry{}
		p.docs[doc] = e
	}
	return e
}

func loadDoc[T any](ctx context.Context, p *Provider, doc string, check func(*T) error) (*T, error) {
	e := p.entry(doc)
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.done {
		value, err := decodeDoc(ctx, p, doc, check)
		if engine.IsRetryable(err) {
			return nil, err
		}
		e.value, e.err, e.done = value, err, true
	}
	if e.err != nil {
		return nil, e.err
	}
	return e.value.(*T), nil
}

func decodeDoc[T any](ctx context.Context, p *Provider, doc string, check func(*T) error) (*T, error) {
	data, err := p.source.Fetch(ctx, doc)
	if err != nil {
		if engine.IsRetryable(err) {
			return nil, err
		}
		return nil, engine.NewConfigurationError("failed to load "+doc, err).WithResource(doc)
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, engine.NewConfigurationError("malformed "+doc, err).WithResource(doc).WithCode(engine.ErrCodeValidation)
	}
	if check != nil {
		if err := check(&v); err != nil {
			return nil, engine.NewConfigurationError("invalid "+doc, err).WithResource(doc).WithCode(engine.ErrCodeValidation)
		}
	}
	p.logger.Debug().Str("document", doc).Str("source", p.source.String()).Msg("Team data document loaded")
	return &v, nil
}

// People returns every person keyed by ID.
func (p *Provider) People(ctx context.Context) (map[string]Person, error) {
	d, err := loadDoc(ctx, p, DocPeople, func(d *peopleDoc) error {
		for id, person := range d.People {
			if err := p.validate.Struct(person); err != nil {
				return fmt.Errorf("person %q: %w", id, err)
			}
			person.ID = id
			d.People[id] = person
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return d.People, nil
}

// Identity returns the person to per-service account table.
func (p *Provider) Identity(ctx context.Context) (*Identity, error) {
	people, err := p.People(ctx)
	if err != nil {
		return nil, err
	}
	return NewIdentity(people), nil
}

// Teams returns every team sorted by name. Member references are
// checked against people.json.
func (p *Provider) Teams(ctx context.Context) ([]Team, error) {
	people, err := p.People(ctx)
	if err != nil {
		return nil, err
	}
	d, err := loadDoc(ctx, p, DocTeams, func(d *teamsDoc) error {
		for key, team := range d.Teams {
			if team.Name == "" {
				team.Name = key
				d.Teams[key] = team
			}
			if err := p.validate.Struct(team); err != nil {
				return fmt.Errorf("team %q: %w", key, err)
			}
			for _, m := range append(append([]string(nil), team.Members...), team.Maintainers...) {
				if _, ok := people[m]; !ok {
					return fmt.Errorf("team %q references unknown person %q", key, m)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	teams := make([]Team, 0, len(d.Teams))
	for _, t := range d.Teams {
		teams = append(teams, t)
	}
	sort.Slice(teams, func(i, j int) bool { return teams[i].Name < teams[j].Name })
	return teams, nil
}

// Repos returns every managed repository sorted by org and name.
func (p *Provider) Repos(ctx context.Context) ([]Repo, error) {
	d, err := loadDoc(ctx, p, DocRepos, func(d *reposDoc) error {
		seen := map[string]bool{}
		for _, r := range d.Repos {
			if err := p.validate.Struct(r); err != nil {
				return fmt.Errorf("repo %s/%s: %w", r.Org, r.Name, err)
			}
			key := strings.ToLower(r.Org + "/" + r.Name)
			if seen[key] {
				return fmt.Errorf("repo %s/%s is listed twice", r.Org, r.Name)
			}
			seen[key] = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	repos := append([]Repo(nil), d.Repos...)
	sort.Slice(repos, func(i, j int) bool {
		if repos[i].Org != repos[j].Org {
			return repos[i].Org < repos[j].Org
		}
		return repos[i].Name < repos[j].Name
	})
	return repos, nil
}

// RepoPermissions returns every (team, repository, access) triple.
// Teams referenced by a repository must exist in teams.json.
func (p *Provider) RepoPermissions(ctx context.Context) ([]RepoPermission, error) {
	repos, err := p.Repos(ctx)
	if err != nil {
		return nil, err
	}
	teams, err := p.Teams(ctx)
	if err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(teams))
	for _, t := range teams {
		known[t.Name] = true
	}

	var perms []RepoPermission
	for _, r := range repos {
		names := make([]string, 0, len(r.Teams))
		for name := range r.Teams {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if !known[name] {
				return nil, engine.NewConfigurationError(
					fmt.Sprintf("repo %s/%s grants access to unknown team %q", r.Org, r.Name, name), nil).
					WithResource(DocRepos).WithCode(engine.ErrCodeValidation)
			}
			perms = append(perms, RepoPermission{Org: r.Org, Repo: r.Name, Team: name, Access: r.Teams[name]})
		}
	}
	return perms, nil
}

// RepoCollaborators returns every direct user grant, sorted by
// repository and login. An empty login, or one granted access twice
// under different casing, is rejected.
func (p *Provider) RepoCollaborators(ctx context.Context) ([]RepoCollaborator, error) {
	repos, err := p.Repos(ctx)
	if err != nil {
		return nil, err
	}

	var out []RepoCollaborator
	for _, r := range repos {
		logins := make([]string, 0, len(r.Members))
		seen := make(map[string]bool, len(r.Members))
		for login := range r.Members {
			lower := strings.ToLower(login)
			if lower == "" || seen[lower] {
				return nil, engine.NewConfigurationError(
					fmt.Sprintf("repo %s/%s: invalid or duplicate member %q", r.Org, r.Name, login), nil).
					WithResource(DocRepos).WithCode(engine.ErrCodeValidation)
			}
			seen[lower] = true
			logins = append(logins, login)
		}
		sort.Strings(logins)
		for _, login := range logins {
			out = append(out, RepoCollaborator{Org: r.Org, Repo: r.Name, Login: login, Access: r.Members[login]})
		}
	}
	return out, nil
}

// MailingLists returns every mailing list sorted by address. Encrypted
// values are returned as stored.
func (p *Provider) MailingLists(ctx context.Context) ([]MailingList, error) {
	d, err := loadDoc(ctx, p, DocLists, func(d *listsDoc) error {
		for key, l := range d.Lists {
			if l.Address == "" {
				l.Address = key
				d.Lists[key] = l
			}
			if err := p.validate.Struct(l); err != nil {
				return fmt.Errorf("list %q: %w", key, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	lists := make([]MailingList, 0, len(d.Lists))
	for _, l := range d.Lists {
		lists = append(lists, l)
	}
	sort.Slice(lists, func(i, j int) bool { return lists[i].Address < lists[j].Address })
	return lists, nil
}

// ChatGroups returns every chat group sorted by name. Member references
// are checked against people.json.
func (p *Provider) ChatGroups(ctx context.Context) ([]ChatGroup, error) {
	people, err := p.People(ctx)
	if err != nil {
		return nil, err
	}
	d, err := loadDoc(ctx, p, DocChatGroups, func(d *chatGroupsDoc) error {
		for key, g := range d.Groups {
			if g.Name == "" {
				g.Name = key
				d.Groups[key] = g
			}
			if err := p.validate.Struct(g); err != nil {
				return fmt.Errorf("group %q: %w", key, err)
			}
			for _, m := range g.Members {
				if _, ok := people[m]; !ok {
					return fmt.Errorf("group %q references unknown person %q", key, m)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	groups := make([]ChatGroup, 0, len(d.Groups))
	for _, g := range d.Groups {
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Name < groups[j].Name })
	return groups, nil
}
