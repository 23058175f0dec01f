package github

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/teamsync/pkg/engine"
	"github.com/openfroyo/teamsync/pkg/teamdata"
)

type orgTeam struct {
	name        string
	slug        string
	description string
	privacy     string
	members     map[string]string
}

type orgRepo struct {
	apiRepo
	teams         map[string]string
	collaborators map[string]string
}

// githubState is an in-memory organization that serves reads from the
// result of earlier writes.
type githubState struct {
	mu     sync.Mutex
	teams  map[string]*orgTeam
	repos  map[string]*orgRepo
	writes int
}

func newGitHubState() *githubState {
	return &githubState{teams: map[string]*orgTeam{}, repos: map[string]*orgRepo{}}
}

func (g *githubState) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	lock := func(fn http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			g.mu.Lock()
			defer g.mu.Unlock()
			if r.Method != http.MethodGet {
				g.writes++
			}
			fn(w, r)
		}
	}
	decode := func(r *http.Request) map[string]any {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		return body
	}
	str := func(body map[string]any, key string) (string, bool) {
		v, ok := body[key].(string)
		return v, ok
	}

	mux.HandleFunc("GET /orgs/rust-lang/members", lock(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []apiUser{})
	}))
	mux.HandleFunc("GET /orgs/rust-lang/teams", lock(func(w http.ResponseWriter, r *http.Request) {
		out := []apiTeam{}
		for _, tm := range g.teams {
			out = append(out, apiTeam{Name: tm.name, Slug: tm.slug, Description: tm.description, Privacy: tm.privacy})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
		writeJSON(w, out)
	}))
	mux.HandleFunc("POST /orgs/rust-lang/teams", lock(func(w http.ResponseWriter, r *http.Request) {
		body := decode(r)
		name, _ := str(body, "name")
		tm := &orgTeam{name: name, slug: Slugify(name), members: map[string]string{}}
		tm.description, _ = str(body, "description")
		tm.privacy, _ = str(body, "privacy")
		g.teams[tm.slug] = tm
		w.WriteHeader(http.StatusCreated)
		writeJSON(w, apiTeam{Name: tm.name, Slug: tm.slug})
	}))
	mux.HandleFunc("PATCH /orgs/rust-lang/teams/{slug}", lock(func(w http.ResponseWriter, r *http.Request) {
		tm, ok := g.teams[r.PathValue("slug")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		body := decode(r)
		if v, ok := str(body, "description"); ok {
			tm.description = v
		}
		if v, ok := str(body, "privacy"); ok {
			tm.privacy = v
		}
		writeJSON(w, apiTeam{Name: tm.name, Slug: tm.slug})
	}))
	mux.HandleFunc("DELETE /orgs/rust-lang/teams/{slug}", lock(func(w http.ResponseWriter, r *http.Request) {
		delete(g.teams, r.PathValue("slug"))
		for _, repo := range g.repos {
			delete(repo.teams, r.PathValue("slug"))
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	mux.HandleFunc("GET /orgs/rust-lang/teams/{slug}/members", lock(func(w http.ResponseWriter, r *http.Request) {
		out := []apiUser{}
		if tm, ok := g.teams[r.PathValue("slug")]; ok {
			for login, role := range tm.members {
				if role == r.URL.Query().Get("role") {
					out = append(out, apiUser{Login: login})
				}
			}
		}
		writeJSON(w, out)
	}))
	mux.HandleFunc("GET /orgs/rust-lang/teams/{slug}/invitations", lock(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []apiInvitation{})
	}))
	mux.HandleFunc("PUT /orgs/rust-lang/teams/{slug}/memberships/{user}", lock(func(w http.ResponseWriter, r *http.Request) {
		tm, ok := g.teams[r.PathValue("slug")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		role, _ := str(decode(r), "role")
		tm.members[r.PathValue("user")] = role
		writeJSON(w, map[string]string{"state": "active", "role": role})
	}))
	mux.HandleFunc("DELETE /orgs/rust-lang/teams/{slug}/memberships/{user}", lock(func(w http.ResponseWriter, r *http.Request) {
		if tm, ok := g.teams[r.PathValue("slug")]; ok {
			delete(tm.members, r.PathValue("user"))
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	mux.HandleFunc("PUT /orgs/rust-lang/teams/{slug}/repos/rust-lang/{repo}", lock(func(w http.ResponseWriter, r *http.Request) {
		repo, ok := g.repos[r.PathValue("repo")]
		if _, team := g.teams[r.PathValue("slug")]; !ok || !team {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		repo.teams[r.PathValue("slug")], _ = str(decode(r), "permission")
		w.WriteHeader(http.StatusNoContent)
	}))
	mux.HandleFunc("DELETE /orgs/rust-lang/teams/{slug}/repos/rust-lang/{repo}", lock(func(w http.ResponseWriter, r *http.Request) {
		if repo, ok := g.repos[r.PathValue("repo")]; ok {
			delete(repo.teams, r.PathValue("slug"))
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	mux.HandleFunc("POST /orgs/rust-lang/repos", lock(func(w http.ResponseWriter, r *http.Request) {
		body := decode(r)
		repo := &orgRepo{teams: map[string]string{}, collaborators: map[string]string{}}
		repo.Name, _ = str(body, "name")
		repo.Description, _ = str(body, "description")
		repo.Homepage, _ = str(body, "homepage")
		repo.Private, _ = body["private"].(bool)
		g.repos[repo.Name] = repo
		w.WriteHeader(http.StatusCreated)
		writeJSON(w, repo.apiRepo)
	}))
	mux.HandleFunc("GET /repos/rust-lang/{repo}", lock(func(w http.ResponseWriter, r *http.Request) {
		repo, ok := g.repos[r.PathValue("repo")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			writeJSON(w, map[string]string{"message": "Not Found"})
			return
		}
		writeJSON(w, repo.apiRepo)
	}))
	mux.HandleFunc("PATCH /repos/rust-lang/{repo}", lock(func(w http.ResponseWriter, r *http.Request) {
		repo, ok := g.repos[r.PathValue("repo")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		body := decode(r)
		if v, ok := str(body, "description"); ok {
			repo.Description = v
		}
		if v, ok := str(body, "homepage"); ok {
			repo.Homepage = v
		}
		if v, ok := body["private"].(bool); ok {
			repo.Private = v
		}
		if v, ok := body["archived"].(bool); ok {
			repo.Archived = v
		}
		writeJSON(w, repo.apiRepo)
	}))
	mux.HandleFunc("GET /repos/rust-lang/{repo}/teams", lock(func(w http.ResponseWriter, r *http.Request) {
		out := []apiTeam{}
		for slug, perm := range g.repos[r.PathValue("repo")].teams {
			out = append(out, apiTeam{Name: g.teams[slug].name, Slug: slug, Permission: perm})
		}
		writeJSON(w, out)
	}))
	mux.HandleFunc("GET /repos/rust-lang/{repo}/collaborators", lock(func(w http.ResponseWriter, r *http.Request) {
		out := []apiCollaborator{}
		for login, perm := range g.repos[r.PathValue("repo")].collaborators {
			out = append(out, apiCollaborator{Login: login, RoleName: roleName(perm)})
		}
		writeJSON(w, out)
	}))
	mux.HandleFunc("GET /repos/rust-lang/{repo}/invitations", lock(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []apiRepoInvitation{})
	}))
	mux.HandleFunc("PUT /repos/rust-lang/{repo}/collaborators/{user}", lock(func(w http.ResponseWriter, r *http.Request) {
		repo, ok := g.repos[r.PathValue("repo")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		repo.collaborators[r.PathValue("user")], _ = str(decode(r), "permission")
		w.WriteHeader(http.StatusNoContent)
	}))
	mux.HandleFunc("DELETE /repos/rust-lang/{repo}/collaborators/{user}", lock(func(w http.ResponseWriter, r *http.Request) {
		repo, ok := g.repos[r.PathValue("repo")]
		if !ok || repo.collaborators[r.PathValue("user")] == "" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		delete(repo.collaborators, r.PathValue("user"))
		w.WriteHeader(http.StatusNoContent)
	}))

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected call %s %s", r.Method, r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
	})
	return mux
}

// roleName maps the permission names accepted on writes to the role
// names the collaborators listing reports.
func roleName(permission string) string {
	switch permission {
	case "pull":
		return "read"
	case "push":
		return "write"
	default:
		return permission
	}
}

func roundTripDocs() map[string]any {
	return map[string]any{
		teamdata.DocPeople: map[string]any{"people": map[string]teamdata.Person{
			"alice": {Name: "Alice", GitHub: "alice"},
			"bob":   {Name: "Bob", GitHub: "bob"},
			"carol": {Name: "Carol", GitHub: "carol"},
		}},
		teamdata.DocTeams: map[string]any{"teams": map[string]teamdata.Team{
			"infra": {
				Name:        "infra",
				Members:     []string{"bob"},
				Maintainers: []string{"alice"},
				GitHub:      &teamdata.GitHubTeam{Orgs: []string{"rust-lang"}, Description: "Infrastructure"},
			},
			"WG Async": {
				Name:    "WG Async",
				Members: []string{"carol"},
				GitHub:  &teamdata.GitHubTeam{Orgs: []string{"rust-lang"}, Privacy: "secret"},
			},
		}},
		teamdata.DocRepos: map[string]any{"repos": []teamdata.Repo{
			{
				Org: "rust-lang", Name: "rust", Description: "The Rust language",
				Teams:   map[string]teamdata.Access{"infra": teamdata.AccessWrite, "WG Async": teamdata.AccessRead},
				Members: map[string]teamdata.Access{"bors": teamdata.AccessWrite},
			},
			{
				Org: "rust-lang", Name: "www", Homepage: "https://www.rust-lang.org", Archived: true,
				Teams:   map[string]teamdata.Access{"infra": teamdata.AccessAdmin},
				Members: map[string]teamdata.Access{"Ferris": teamdata.AccessTriage},
			},
		}},
	}
}

func planGitHub(t *testing.T, url string, docs map[string]any) (engine.Pipeline, *engine.Plan) {
	t.Helper()
	src, err := teamdata.NewMemorySource(docs)
	require.NoError(t, err)
	svc := NewService(teamdata.NewProvider(src, zerolog.Nop()), testOptions(url), nil)

	pipeline, err := svc.Build(context.Background())
	require.NoError(t, err)
	plan, err := pipeline.Plan(context.Background(), nil)
	require.NoError(t, err)
	return pipeline, plan
}

func TestGitHub_ApplyConverges(t *testing.T) {
	state := newGitHubState()
	state.teams["legacy"] = &orgTeam{name: "legacy", slug: "legacy", privacy: "closed", members: map[string]string{"dave": "member"}}
	state.teams["infra"] = &orgTeam{name: "infra", slug: "infra", description: "Old", privacy: "closed", members: map[string]string{
		"alice": "member",
		"erin":  "member",
	}}
	state.repos["rust"] = &orgRepo{
		apiRepo:       apiRepo{Name: "rust", Description: "The Rust language"},
		teams:         map[string]string{"infra": "pull", "legacy": "admin"},
		collaborators: map[string]string{"rfcbot": "push"},
	}
	srv := httptest.NewServer(state.handler(t))
	defer srv.Close()

	pipeline, plan := planGitHub(t, srv.URL, roundTripDocs())
	require.False(t, plan.IsEmpty())
	assert.Zero(t, state.writes, "planning never writes")

	exec := engine.NewExecutor(engine.RetryPolicy{MaxAttempts: 1, CallTimeout: 5 * time.Second})
	result := exec.Execute(context.Background(), plan, pipeline.Applier(), engine.ModeApply)
	require.True(t, result.Succeeded(), "first error: %v", result.FirstError)

	_, replan := planGitHub(t, srv.URL, roundTripDocs())
	var left []string
	for _, op := range replan.Operations {
		left = append(left, op.String())
	}
	assert.Empty(t, left, "a second plan after apply is empty")

	state.mu.Lock()
	defer state.mu.Unlock()
	assert.NotContains(t, state.teams, "legacy")
	assert.Equal(t, map[string]string{"alice": "maintainer", "bob": "member"}, state.teams["infra"].members)
	assert.Equal(t, "secret", state.teams["wg-async"].privacy)
	assert.Equal(t, map[string]string{"infra": "push", "wg-async": "pull"}, state.repos["rust"].teams)
	assert.Equal(t, map[string]string{"bors": "push"}, state.repos["rust"].collaborators)
	assert.True(t, state.repos["www"].Archived)
	assert.Equal(t, map[string]string{"ferris": "triage"}, state.repos["www"].collaborators)
}

func TestGitHub_ApplyConvergesFromEmpty(t *testing.T) {
	state := newGitHubState()
	srv := httptest.NewServer(state.handler(t))
	defer srv.Close()

	docs := roundTripDocs()
	pipeline, plan := planGitHub(t, srv.URL, docs)
	assert.Equal(t, engine.PlanSummary{Creates: 2 + 2 + 3 + 2}, plan.Summary())

	exec := engine.NewExecutor(engine.RetryPolicy{MaxAttempts: 1, CallTimeout: 5 * time.Second})
	result := exec.Execute(context.Background(), plan, pipeline.Applier(), engine.ModeApply)
	require.True(t, result.Succeeded(), "first error: %v", result.FirstError)

	_, replan := planGitHub(t, srv.URL, docs)
	assert.True(t, replan.IsEmpty(), "left over: %v", replan.Operations)

	// Removing a collaborator from the data revokes it on the next run.
	repos := docs[teamdata.DocRepos].(map[string]any)["repos"].([]teamdata.Repo)
	repos[1].Members = nil
	pipeline, plan = planGitHub(t, srv.URL, docs)
	require.Len(t, plan.Operations, 1)
	assert.Equal(t, engine.OperationDelete, plan.Operations[0].Type)
	assert.True(t, strings.HasSuffix(plan.Operations[0].Key, "/user:ferris"))

	result = exec.Execute(context.Background(), plan, pipeline.Applier(), engine.ModeApply)
	require.True(t, result.Succeeded(), "first error: %v", result.FirstError)
	_, replan = planGitHub(t, srv.URL, docs)
	assert.True(t, replan.IsEmpty(), "left over: %v", replan.Operations)
}
