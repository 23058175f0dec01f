package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/openfroyo/teamsync/pkg/engine"
	"github.com/openfroyo/teamsync/pkg/teamdata"
)

const (
	pageSize   = 100
	apiVersion = "2022-11-28"
)

// Options configures a Client.
type Options struct {
	BaseURL         string
	RateLimit       float64
	Burst           int
	PageConcurrency int

	// Token returns the token used for an organization.
	Token func(org string) (string, error)

	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// Client reads and writes the organizations of a Scope. Every
// organization has its own session with its own token and rate limiter.
type Client struct {
	baseURL         string
	http            *http.Client
	scope           Scope
	sessions        map[string]*session
	pageConcurrency int
	log             zerolog.Logger
	now             func() time.Time

	mu    sync.Mutex
	slugs map[string]string
}

type session struct {
	org     string
	token   string
	limiter *rate.Limiter
}

// NewClient creates a client for scope. It fails if a token is missing
// for any organization in scope.
func NewClient(opts Options, scope Scope) (*Client, error) {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.PageConcurrency <= 0 {
		opts.PageConcurrency = 1
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}

	c := &Client{
		baseURL:         strings.TrimRight(opts.BaseURL, "/"),
		http:            opts.HTTPClient,
		scope:           scope,
		sessions:        make(map[string]*session, len(scope.Orgs)),
		pageConcurrency: opts.PageConcurrency,
		log:             opts.Logger.With().Str("component", "github-client").Logger(),
		now:             time.Now,
		slugs:           map[string]string{},
	}

	for _, org := range scope.Orgs {
		token, err := opts.Token(org)
		if err != nil {
			return nil, err
		}
		c.sessions[strings.ToLower(org)] = &session{
			org:     org,
			token:   token,
			limiter: rate.NewLimiter(rate.Limit(opts.RateLimit), opts.Burst),
		}
	}
	return c, nil
}

func (c *Client) session(org string) (*session, error) {
	s, ok := c.sessions[strings.ToLower(org)]
	if !ok {
		return nil, engine.NewConfigurationError(fmt.Sprintf("organization %s is not managed", org), nil).
			WithCode(engine.ErrCodeMissingCredential)
	}
	return s, nil
}

// do sends one request and decodes a JSON response into out.
func (c *Client) do(ctx context.Context, s *session, method, path string, body, out any) (http.Header, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, transportError(err)
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, engine.NewPermanentError("failed to encode request", err)
		}
		reader = bytes.NewReader(data)
	}

	target := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		target = c.baseURL + "/" + strings.TrimLeft(path, "/")
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, engine.NewPermanentError("failed to build request", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	req.Header.Set("User-Agent", "sync-team")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transportError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return nil, translate(resp, c.now())
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return nil, engine.NewTransientError("failed to decode response", err)
		}
	}
	return resp.Header, nil
}

// list follows Link headers until the last page.
func list[T any](ctx context.Context, c *Client, s *session, path string) ([]T, error) {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	next := fmt.Sprintf("%s%sper_page=%d", path, sep, pageSize)

	var all []T
	for next != "" {
		var page []T
		h, err := c.do(ctx, s, http.MethodGet, next, nil, &page)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		next = nextLink(h.Get("Link"))
	}
	return all, nil
}

var linkPattern = regexp.MustCompile(`<([^>]+)>;\s*rel="([^"]+)"`)

func nextLink(header string) string {
	for _, m := range linkPattern.FindAllStringSubmatch(header, -1) {
		if m[2] == "next" {
			return m[1]
		}
	}
	return ""
}

type apiUser struct {
	Login string `json:"login"`
}

type apiInvitation struct {
	Login string `json:"login"`
}

type apiTeam struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Slug        string `json:"slug"`
	Description string `json:"description"`
	Privacy     string `json:"privacy"`
	Permission  string `json:"permission"`
}

type apiCollaborator struct {
	Login    string `json:"login"`
	RoleName string `json:"role_name"`
}

type apiRepoInvitation struct {
	ID          int64    `json:"id"`
	Invitee     *apiUser `json:"invitee"`
	Permissions string   `json:"permissions"`
}

type apiRepo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Homepage    string `json:"homepage"`
	Private     bool   `json:"private"`
	Archived    bool   `json:"archived"`
}

// Read implements engine.Client. Team memberships are fetched
// concurrently; any failed page fails the whole read.
func (c *Client) Read(ctx context.Context) (*Snapshot, error) {
	snap := NewSnapshot()

	for _, org := range c.scope.Orgs {
		s, err := c.session(org)
		if err != nil {
			return nil, err
		}

		owners, err := list[apiUser](ctx, c, s, fmt.Sprintf("orgs/%s/members?role=admin", url.PathEscape(org)))
		if err != nil {
			return nil, incomplete("organization owners", org, err)
		}
		ownerSet := engine.NewSet()
		for _, o := range owners {
			ownerSet.Add(strings.ToLower(o.Login))
		}
		snap.Owners[strings.ToLower(org)] = ownerSet

		teams, err := list[apiTeam](ctx, c, s, fmt.Sprintf("orgs/%s/teams", url.PathEscape(org)))
		if err != nil {
			return nil, incomplete("teams", org, err)
		}

		read := make([]Team, len(teams))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(c.pageConcurrency)
		for i, t := range teams {
			g.Go(func() error {
				members, invited, err := c.readMembers(gctx, s, t.Slug)
				if err != nil {
					return incomplete("members of team "+t.Name, org, err)
				}
				read[i] = Team{
					Org:         org,
					Name:        t.Name,
					Slug:        t.Slug,
					Description: t.Description,
					Privacy:     t.Privacy,
					Members:     members,
					Invited:     invited,
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		for _, t := range read {
			key := TeamKey(org, t.Name)
			snap.Teams[key] = t
			c.rememberSlug(key, t.Slug)
		}
	}

	for _, r := range c.scope.Repos {
		if err := c.readRepo(ctx, snap, r); err != nil {
			return nil, err
		}
	}

	c.log.Debug().
		Int("teams", len(snap.Teams)).
		Int("repos", len(snap.Repos)).
		Int("permissions", len(snap.Permissions)).
		Msg("Read current state")
	return snap, nil
}

// readMembers returns the members of a team with their role, and the
// logins whose invitation is still pending.
func (c *Client) readMembers(ctx context.Context, s *session, slug string) (map[string]Role, mapset.Set[string], error) {
	base := fmt.Sprintf("orgs/%s/teams/%s", url.PathEscape(s.org), url.PathEscape(slug))

	maintainers, err := list[apiUser](ctx, c, s, base+"/members?role=maintainer")
	if err != nil {
		return nil, nil, err
	}
	members, err := list[apiUser](ctx, c, s, base+"/members?role=member")
	if err != nil {
		return nil, nil, err
	}
	invitations, err := list[apiInvitation](ctx, c, s, base+"/invitations")
	if err != nil {
		return nil, nil, err
	}

	out := map[string]Role{}
	invited := engine.NewSet()
	for _, inv := range invitations {
		if inv.Login != "" {
			login := strings.ToLower(inv.Login)
			out[login] = RoleMember
			invited.Add(login)
		}
	}
	for _, m := range members {
		login := strings.ToLower(m.Login)
		out[login] = RoleMember
		invited.Remove(login)
	}
	for _, m := range maintainers {
		login := strings.ToLower(m.Login)
		out[login] = RoleMaintainer
		invited.Remove(login)
	}
	return out, invited, nil
}

// readRepo reads a managed repository, its team permissions and its
// direct collaborators. A repository that does not exist yet is left out
// of the snapshot.
func (c *Client) readRepo(ctx context.Context, snap *Snapshot, r Repo) error {
	s, err := c.session(r.Org)
	if err != nil {
		return err
	}
	path := fmt.Sprintf("repos/%s/%s", url.PathEscape(r.Org), url.PathEscape(r.Name))

	var repo apiRepo
	if _, err := c.do(ctx, s, http.MethodGet, path, nil, &repo); err != nil {
		if isNotFound(err) {
			return nil
		}
		return incomplete("repository "+r.Name, r.Org, err)
	}
	snap.Repos[RepoKey(r.Org, r.Name)] = Repo{
		Org:         r.Org,
		Name:        repo.Name,
		Description: repo.Description,
		Homepage:    repo.Homepage,
		Private:     repo.Private,
		Archived:    repo.Archived,
	}

	teams, err := list[apiTeam](ctx, c, s, path+"/teams")
	if err != nil {
		return incomplete("teams of repository "+r.Name, r.Org, err)
	}
	for _, t := range teams {
		access, err := teamdata.ParseAccess(t.Permission)
		if err != nil {
			return engine.NewPermanentError(fmt.Sprintf("repository %s/%s: team %s", r.Org, r.Name, t.Name), err).
				WithService(ServiceName)
		}
		snap.Permissions[PermissionKey(r.Org, r.Name, t.Name)] = Permission{
			Org:    r.Org,
			Repo:   r.Name,
			Team:   t.Name,
			Access: access,
		}
		c.rememberSlug(TeamKey(r.Org, t.Name), t.Slug)
	}

	return c.readCollaborators(ctx, s, snap, r, path)
}

// readCollaborators records direct collaborators and pending repository
// invitations. An invitation counts as granted so that it is not sent
// again on every run.
func (c *Client) readCollaborators(ctx context.Context, s *session, snap *Snapshot, r Repo, path string) error {
	collaborators, err := list[apiCollaborator](ctx, c, s, path+"/collaborators?affiliation=direct")
	if err != nil {
		return incomplete("collaborators of repository "+r.Name, r.Org, err)
	}
	invitations, err := list[apiRepoInvitation](ctx, c, s, path+"/invitations")
	if err != nil {
		return incomplete("invitations of repository "+r.Name, r.Org, err)
	}

	add := func(login, level string) error {
		access, err := teamdata.ParseAccess(level)
		if err != nil {
			return engine.NewPermanentError(fmt.Sprintf("repository %s/%s: collaborator %s", r.Org, r.Name, login), err).
				WithService(ServiceName)
		}
		perm := Permission{Org: r.Org, Repo: r.Name, User: strings.ToLower(login), Access: access}
		snap.Permissions[perm.Key()] = perm
		return nil
	}
	for _, inv := range invitations {
		if inv.Invitee == nil || inv.Invitee.Login == "" {
			continue
		}
		if err := add(inv.Invitee.Login, inv.Permissions); err != nil {
			return err
		}
	}
	for _, collab := range collaborators {
		if err := add(collab.Login, collab.RoleName); err != nil {
			return err
		}
	}
	return nil
}

func incomplete(what, org string, err error) error {
	ee := engine.NewTransientError(fmt.Sprintf("incomplete listing of %s in %s", what, org), err).
		WithCode(engine.ErrCodeIncompleteListing).
		WithService(ServiceName)
	var cause *engine.EngineError
	if errors.As(err, &cause) {
		ee.Class = cause.Class
		ee.RetryAfter = cause.RetryAfter
	}
	return ee
}

func isNotFound(err error) bool {
	var ee *engine.EngineError
	return errors.As(err, &ee) && ee.Code == engine.ErrCodeNotFound
}

func (c *Client) rememberSlug(teamKey, slug string) {
	if slug == "" {
		return
	}
	c.mu.Lock()
	c.slugs[teamKey] = slug
	c.mu.Unlock()
}

// slug returns the slug of a team, falling back to the slug GitHub
// derives from the name.
func (c *Client) slug(org, name, known string) string {
	if known != "" {
		return known
	}
	c.mu.Lock()
	s, ok := c.slugs[TeamKey(org, name)]
	c.mu.Unlock()
	if ok {
		return s
	}
	return Slugify(name)
}

var nonSlug = regexp.MustCompile(`[^a-z0-9_]+`)

// Slugify derives a team slug from a team name.
func Slugify(name string) string {
	return strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(name), "-"), "-")
}

// Apply implements engine.Applier.
func (c *Client) Apply(ctx context.Context, op engine.Operation) error {
	switch p := op.Payload.(type) {
	case CreateRepo:
		return c.createRepo(ctx, p.Repo)
	case UpdateRepo:
		return c.updateRepo(ctx, p)
	case CreateTeam:
		return c.createTeam(ctx, p.Team)
	case UpdateTeam:
		return c.updateTeam(ctx, p)
	case DeleteTeam:
		return c.deleteTeam(ctx, p)
	case SetPermission:
		return c.setPermission(ctx, p.Permission)
	case RemovePermission:
		return c.removePermission(ctx, p.Permission)
	default:
		return engine.NewPermanentError(fmt.Sprintf("unsupported payload %T", op.Payload), nil)
	}
}

func (c *Client) createRepo(ctx context.Context, r Repo) error {
	s, err := c.session(r.Org)
	if err != nil {
		return err
	}
	body := map[string]any{
		"name":        r.Name,
		"description": r.Description,
		"homepage":    r.Homepage,
		"private":     r.Private,
		"auto_init":   true,
	}
	if _, err := c.do(ctx, s, http.MethodPost, fmt.Sprintf("orgs/%s/repos", url.PathEscape(r.Org)), body, nil); err != nil {
		return err
	}
	if r.Archived {
		archived := true
		return c.updateRepo(ctx, UpdateRepo{Org: r.Org, Name: r.Name, Archived: &archived})
	}
	return nil
}

func (c *Client) updateRepo(ctx context.Context, u UpdateRepo) error {
	s, err := c.session(u.Org)
	if err != nil {
		return err
	}
	body := map[string]any{}
	if u.Description != nil {
		body["description"] = *u.Description
	}
	if u.Homepage != nil {
		body["homepage"] = *u.Homepage
	}
	if u.Private != nil {
		body["private"] = *u.Private
	}
	if u.Archived != nil {
		body["archived"] = *u.Archived
	}
	path := fmt.Sprintf("repos/%s/%s", url.PathEscape(u.Org), url.PathEscape(u.Name))
	_, err = c.do(ctx, s, http.MethodPatch, path, body, nil)
	return err
}

func (c *Client) createTeam(ctx context.Context, t Team) error {
	s, err := c.session(t.Org)
	if err != nil {
		return err
	}
	body := map[string]any{
		"name":        t.Name,
		"description": t.Description,
		"privacy":     t.Privacy,
	}
	var created apiTeam
	if _, err := c.do(ctx, s, http.MethodPost, fmt.Sprintf("orgs/%s/teams", url.PathEscape(t.Org)), body, &created); err != nil {
		return err
	}
	c.rememberSlug(TeamKey(t.Org, t.Name), created.Slug)

	return c.setMembers(ctx, s, c.slug(t.Org, t.Name, created.Slug), t.Members)
}

func (c *Client) updateTeam(ctx context.Context, u UpdateTeam) error {
	s, err := c.session(u.Org)
	if err != nil {
		return err
	}
	slug := c.slug(u.Org, u.Name, u.Slug)

	if u.Description != nil || u.Privacy != nil {
		body := map[string]any{}
		if u.Description != nil {
			body["description"] = *u.Description
		}
		if u.Privacy != nil {
			body["privacy"] = *u.Privacy
		}
		path := fmt.Sprintf("orgs/%s/teams/%s", url.PathEscape(u.Org), url.PathEscape(slug))
		if _, err := c.do(ctx, s, http.MethodPatch, path, body, nil); err != nil {
			return err
		}
	}

	if err := c.setMembers(ctx, s, slug, u.SetMembers); err != nil {
		return err
	}
	for _, login := range u.RemoveMembers {
		path := fmt.Sprintf("orgs/%s/teams/%s/memberships/%s", url.PathEscape(u.Org), url.PathEscape(slug), url.PathEscape(login))
		if _, err := c.do(ctx, s, http.MethodDelete, path, nil, nil); err != nil {
			if isNotFound(err) {
				continue
			}
			return err
		}
	}
	return nil
}

// setMembers adds or updates memberships in login order.
func (c *Client) setMembers(ctx context.Context, s *session, slug string, members map[string]Role) error {
	for _, login := range engine.SortedMembers(logins(members, "")) {
		path := fmt.Sprintf("orgs/%s/teams/%s/memberships/%s", url.PathEscape(s.org), url.PathEscape(slug), url.PathEscape(login))
		if _, err := c.do(ctx, s, http.MethodPut, path, map[string]any{"role": members[login]}, nil); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) deleteTeam(ctx context.Context, d DeleteTeam) error {
	s, err := c.session(d.Org)
	if err != nil {
		return err
	}
	path := fmt.Sprintf("orgs/%s/teams/%s", url.PathEscape(d.Org), url.PathEscape(c.slug(d.Org, d.Name, d.Slug)))
	_, err = c.do(ctx, s, http.MethodDelete, path, nil, nil)
	return err
}

func (c *Client) setPermission(ctx context.Context, p Permission) error {
	s, err := c.session(p.Org)
	if err != nil {
		return err
	}
	body := map[string]any{"permission": apiPermission(p.Access)}
	_, err = c.do(ctx, s, http.MethodPut, c.permissionPath(p), body, nil)
	return err
}

// removePermission revokes a grant. Removing a user who only holds a
// pending invitation cancels the invitation instead.
func (c *Client) removePermission(ctx context.Context, p Permission) error {
	s, err := c.session(p.Org)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, s, http.MethodDelete, c.permissionPath(p), nil, nil)
	if err == nil || p.User == "" || !isNotFound(err) {
		return err
	}
	return c.cancelInvitation(ctx, s, p)
}

func (c *Client) cancelInvitation(ctx context.Context, s *session, p Permission) error {
	path := fmt.Sprintf("repos/%s/%s/invitations", url.PathEscape(p.Org), url.PathEscape(p.Repo))
	invitations, err := list[apiRepoInvitation](ctx, c, s, path)
	if err != nil {
		return err
	}
	for _, inv := range invitations {
		if inv.Invitee != nil && strings.EqualFold(inv.Invitee.Login, p.User) {
			_, err := c.do(ctx, s, http.MethodDelete, fmt.Sprintf("%s/%d", path, inv.ID), nil, nil)
			return err
		}
	}
	return nil
}

func (c *Client) permissionPath(p Permission) string {
	if p.User != "" {
		return fmt.Sprintf("repos/%s/%s/collaborators/%s",
			url.PathEscape(p.Org), url.PathEscape(p.Repo), url.PathEscape(p.User))
	}
	return fmt.Sprintf("orgs/%s/teams/%s/repos/%s/%s",
		url.PathEscape(p.Org), url.PathEscape(c.slug(p.Org, p.Team, "")),
		url.PathEscape(p.Org), url.PathEscape(p.Repo))
}

// apiPermission maps an access level to the name the REST API expects.
func apiPermission(a teamdata.Access) string {
	switch a {
	case teamdata.AccessRead:
		return "pull"
	case teamdata.AccessWrite:
		return "push"
	default:
		return string(a)
	}
}
