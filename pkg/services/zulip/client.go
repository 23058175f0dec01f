package zulip

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/openfroyo/teamsync/pkg/engine"
)

// Options configures a Client.
type Options struct {
	BaseURL    string
	RateLimit  float64
	Burst      int
	Username   string
	Token      string
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// Client talks to the Zulip REST API with basic authentication.
type Client struct {
	opts    Options
	limiter *rate.Limiter
	log     zerolog.Logger

	usersOnce sync.Once
	users     []User
	usersErr  error
}

// NewClient creates a Zulip client.
func NewClient(opts Options) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &Client{
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(opts.RateLimit), opts.Burst),
		log:     opts.Logger.With().Str("component", "zulip-client").Logger(),
	}
}

// response is the envelope of every API reply.
type response struct {
	Result     string  `json:"result"`
	Msg        string  `json:"msg"`
	Code       string  `json:"code"`
	RetryAfter float64 `json:"retry-after"`
}

type apiGroup struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Members     []int64 `json:"members"`
	IsSystem    bool    `json:"is_system_group"`
}

// Users returns every account of the instance. The list is fetched once.
func (c *Client) Users(ctx context.Context) ([]User, error) {
	c.usersOnce.Do(func() {
		var body struct {
			Members []User `json:"members"`
		}
		if err := c.do(ctx, http.MethodGet, "users", nil, &body); err != nil {
			c.usersErr = incomplete("users", err)
			return
		}
		c.users = body.Members
	})
	return c.users, c.usersErr
}

// Read implements engine.Client. System groups are never returned.
func (c *Client) Read(ctx context.Context) (*Snapshot, error) {
	var body struct {
		Groups []apiGroup `json:"user_groups"`
	}
	if err := c.do(ctx, http.MethodGet, "user_groups", nil, &body); err != nil {
		return nil, incomplete("user groups", err)
	}

	snap := NewSnapshot()
	for _, g := range body.Groups {
		if g.IsSystem || strings.HasPrefix(g.Name, "role:") {
			continue
		}
		snap.Groups[GroupKey(g.Name)] = Group{
			ID:          g.ID,
			Name:        g.Name,
			Description: g.Description,
			Members:     mapset.NewThreadUnsafeSet(g.Members...),
		}
	}
	c.log.Debug().Int("groups", len(snap.Groups)).Msg("Read current state")
	return snap, nil
}

// Apply implements engine.Applier.
func (c *Client) Apply(ctx context.Context, op engine.Operation) error {
	switch p := op.Payload.(type) {
	case CreateGroup:
		return c.createGroup(ctx, p.Group)
	case UpdateGroup:
		return c.updateGroup(ctx, p)
	case DeleteGroup:
		return c.do(ctx, http.MethodDelete, fmt.Sprintf("user_groups/%d", p.ID), nil, nil)
	default:
		return engine.NewPermanentError(fmt.Sprintf("unsupported payload %T", op.Payload), nil)
	}
}

// createGroup treats an existing group of the same name as success.
func (c *Client) createGroup(ctx context.Context, g Group) error {
	form := url.Values{}
	form.Set("name", g.Name)
	form.Set("description", g.Description)
	form.Set("members", idArray(sortedIDs(memberSet(g))))

	err := c.do(ctx, http.MethodPost, "user_groups/create", form, nil)
	var ee *engine.EngineError
	if errors.As(err, &ee) && ee.Code == engine.ErrCodeAlreadyExists {
		c.log.Debug().Str("group", g.Name).Msg("User group already exists")
		return nil
	}
	return err
}

func (c *Client) updateGroup(ctx context.Context, u UpdateGroup) error {
	if u.Description != nil {
		form := url.Values{}
		form.Set("description", *u.Description)
		if err := c.do(ctx, http.MethodPatch, fmt.Sprintf("user_groups/%d", u.ID), form, nil); err != nil {
			return err
		}
	}
	if len(u.Add) == 0 && len(u.Remove) == 0 {
		return nil
	}
	form := url.Values{}
	form.Set("add", idArray(u.Add))
	form.Set("delete", idArray(u.Remove))
	return c.do(ctx, http.MethodPost, fmt.Sprintf("user_groups/%d/members", u.ID), form, nil)
}

// SendStreamMessage posts content to a stream topic.
func (c *Client) SendStreamMessage(ctx context.Context, stream, topic, content string) error {
	form := url.Values{}
	form.Set("type", "stream")
	form.Set("to", stream)
	form.Set("topic", topic)
	form.Set("content", content)
	return c.do(ctx, http.MethodPost, "messages", form, nil)
}

func (c *Client) do(ctx context.Context, method, path string, form url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return transportError(err)
	}

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.opts.BaseURL+"/"+path, body)
	if err != nil {
		return engine.NewPermanentError("failed to build request", err)
	}
	req.SetBasicAuth(c.opts.Username, c.opts.Token)
	req.Header.Set("User-Agent", "sync-team")
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return transportError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return transportError(err)
	}
	if resp.StatusCode >= 300 {
		return translate(req, resp, data)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return engine.NewTransientError("failed to decode response", err)
		}
	}
	return nil
}

// translate classifies a non-2xx response.
func translate(req *http.Request, resp *http.Response, data []byte) *engine.EngineError {
	var r response
	if json.Unmarshal(data, &r) != nil || r.Msg == "" {
		r.Msg = strings.TrimSpace(string(data))
	}
	cause := fmt.Errorf("%s %s: %s: %s", req.Method, req.URL.Path, resp.Status, r.Msg)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		after := time.Duration(r.RetryAfter * float64(time.Second))
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			after = time.Duration(secs) * time.Second
		}
		return engine.NewThrottledError("rate limited", cause).
			WithCode(engine.ErrCodeRateLimited).
			WithRetryAfter(after)
	case resp.StatusCode == http.StatusBadRequest && strings.Contains(r.Msg, "already exists"):
		return engine.NewPermanentError("already exists", cause).WithCode(engine.ErrCodeAlreadyExists)
	case resp.StatusCode == http.StatusBadRequest:
		return engine.NewPermanentError("request rejected", cause).WithCode(engine.ErrCodeValidation)
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return engine.NewPermanentError("permission denied", cause).WithCode(engine.ErrCodePermissionDenied)
	case resp.StatusCode == http.StatusNotFound:
		return engine.NewPermanentError("not found", cause).WithCode(engine.ErrCodeNotFound)
	case resp.StatusCode >= 500:
		return engine.NewTransientError("server error", cause).WithCode(engine.ErrCodeInternal)
	default:
		return engine.NewPermanentError("unexpected response", cause)
	}
}

func transportError(err error) *engine.EngineError {
	if errors.Is(err, context.Canceled) {
		return engine.NewPermanentError("request cancelled", err).WithCode(engine.ErrCodeCancelled)
	}
	return engine.NewTransientError("request failed", err)
}

func incomplete(what string, err error) error {
	ee := engine.NewTransientError("incomplete listing of "+what, err).
		WithCode(engine.ErrCodeIncompleteListing).
		WithService(ServiceName)
	var cause *engine.EngineError
	if errors.As(err, &cause) {
		ee.Class = cause.Class
		ee.RetryAfter = cause.RetryAfter
	}
	return ee
}

// idArray encodes user IDs the way the API expects, e.g. "[1,2]".
func idArray(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return "[" + strings.Join(parts, ",") + "]"
}
