package mailgun

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/openfroyo/teamsync/pkg/emailcrypt"
	"github.com/openfroyo/teamsync/pkg/engine"
)

const secretsMarker = " secrets:"

// Options configures a Client.
type Options struct {
	BaseURL    string
	RateLimit  float64
	Burst      int
	PageSize   int
	Token      string
	Codec      *emailcrypt.Codec
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// Client reads and writes Mailgun routes.
type Client struct {
	opts    Options
	limiter *rate.Limiter
	log     zerolog.Logger
}

// NewClient creates a Mailgun client.
func NewClient(opts Options) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 1000
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &Client{
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(opts.RateLimit), opts.Burst),
		log:     opts.Logger.With().Str("component", "mailgun-client").Logger(),
	}
}

type route struct {
	ID          string   `json:"id"`
	Priority    int      `json:"priority"`
	Description string   `json:"description"`
	Expression  string   `json:"expression"`
	Actions     []string `json:"actions"`
}

type routePage struct {
	TotalCount int     `json:"total_count"`
	Items      []route `json:"items"`
}

var (
	recipientPattern = regexp.MustCompile(`^match_recipient\("([^"]+)"\)$`)
	forwardPattern   = regexp.MustCompile(`^forward\("([^"]+)"\)$`)
)

// Read implements engine.Client. Routes are listed page by page; a
// listing shorter than the announced total is an error. When several
// managed routes match the same address the first one listed is the
// list and the others are recorded as duplicates.
func (c *Client) Read(ctx context.Context) (*Snapshot, error) {
	snap := NewSnapshot()
	seen := 0
	for skip := 0; ; skip += c.opts.PageSize {
		q := url.Values{}
		q.Set("skip", strconv.Itoa(skip))
		q.Set("limit", strconv.Itoa(c.opts.PageSize))

		var page routePage
		if err := c.do(ctx, http.MethodGet, "routes?"+q.Encode(), nil, &page); err != nil {
			return nil, incomplete(err)
		}
		seen += len(page.Items)

		for _, r := range page.Items {
			list, ok, err := c.parseRoute(r)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			if kept, dup := snap.Lists[list.Address]; dup {
				c.log.Warn().
					Str("address", list.Address).
					Str("route", list.RouteID).
					Str("kept", kept.RouteID).
					Msg("Duplicate managed route")
				snap.Duplicates = append(snap.Duplicates, list)
				continue
			}
			snap.Lists[list.Address] = list
		}

		if len(page.Items) < c.opts.PageSize || seen >= page.TotalCount {
			if seen < page.TotalCount {
				return nil, incomplete(fmt.Errorf("listed %d of %d routes", seen, page.TotalCount))
			}
			break
		}
	}

	c.log.Debug().Int("lists", len(snap.Lists)).Int("routes", seen).Msg("Read current state")
	return snap, nil
}

// parseRoute converts a managed route into a list. Unmanaged routes
// return ok == false.
func (c *Client) parseRoute(r route) (List, bool, error) {
	if !strings.HasPrefix(r.Description, DescriptionPrefix) {
		return List{}, false, nil
	}
	m := recipientPattern.FindStringSubmatch(strings.TrimSpace(r.Expression))
	if m == nil {
		c.log.Warn().Str("route", r.ID).Msg("Managed route has an unexpected expression, ignoring")
		return List{}, false, nil
	}

	list := List{
		Address: strings.ToLower(m[1]),
		Members: engine.NewSet(),
		RouteID: r.ID,
	}
	for _, action := range r.Actions {
		if fm := forwardPattern.FindStringSubmatch(strings.TrimSpace(action)); fm != nil {
			list.Members.Add(strings.ToLower(fm[1]))
		}
	}

	if i := strings.Index(r.Description, secretsMarker); i >= 0 {
		token := strings.TrimSpace(r.Description[i+len(secretsMarker):])
		plain, err := c.opts.Codec.Open(token)
		if err != nil {
			return List{}, false, engine.NewEncryptionError("cannot decrypt secrets of route "+r.ID, err).
				WithService(ServiceName).
				WithResource(list.Address)
		}
		if err := json.Unmarshal([]byte(plain), &list.Secrets); err != nil {
			return List{}, false, engine.NewEncryptionError("malformed secrets in route "+r.ID, err).
				WithService(ServiceName).
				WithResource(list.Address)
		}
	}
	return list, true, nil
}

// do sends one request. Form bodies are url-encoded.
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
	req.SetBasicAuth("api", c.opts.Token)
	req.Header.Set("User-Agent", "sync-team")
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return transportError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return translate(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return engine.NewTransientError("failed to decode response", err)
		}
	}
	return nil
}

// Apply implements engine.Applier.
func (c *Client) Apply(ctx context.Context, op engine.Operation) error {
	switch p := op.Payload.(type) {
	case CreateList:
		form, err := c.routeForm(p.List)
		if err != nil {
			return err
		}
		return c.do(ctx, http.MethodPost, "routes", form, nil)
	case UpdateList:
		form, err := c.routeForm(p.List)
		if err != nil {
			return err
		}
		return c.do(ctx, http.MethodPut, "routes/"+url.PathEscape(p.RouteID), form, nil)
	case DeleteList:
		return c.do(ctx, http.MethodDelete, "routes/"+url.PathEscape(p.RouteID), nil, nil)
	default:
		return engine.NewPermanentError(fmt.Sprintf("unsupported payload %T", op.Payload), nil)
	}
}

// routeForm renders a list as a route. Secrets are sealed with a fresh
// nonce on every write.
func (c *Client) routeForm(l List) (url.Values, error) {
	description := DescriptionPrefix
	if len(l.Secrets) > 0 {
		data, err := json.Marshal(l.Secrets)
		if err != nil {
			return nil, engine.NewPermanentError("failed to encode secrets", err)
		}
		token, err := c.opts.Codec.Seal(string(data))
		if err != nil {
			return nil, engine.NewEncryptionError("failed to seal secrets", err).WithResource(l.Address)
		}
		description += secretsMarker + token
	}

	form := url.Values{}
	form.Set("priority", "0")
	form.Set("description", description)
	form.Set("expression", fmt.Sprintf("match_recipient(%q)", l.Address))
	members := engine.SortedMembers(l.Members)
	if len(members) == 0 {
		form.Add("action", "stop()")
	}
	for _, m := range members {
		form.Add("action", fmt.Sprintf("forward(%q)", m))
	}
	return form, nil
}

func incomplete(err error) error {
	ee := engine.NewTransientError("incomplete listing of routes", err).
		WithCode(engine.ErrCodeIncompleteListing).
		WithService(ServiceName)
	var cause *engine.EngineError
	if errors.As(err, &cause) {
		ee.Class = cause.Class
		ee.RetryAfter = cause.RetryAfter
	}
	return ee
}

// translate classifies a non-2xx response.
func translate(resp *http.Response) *engine.EngineError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var msg struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &msg) != nil || msg.Message == "" {
		msg.Message = strings.TrimSpace(string(body))
	}
	cause := fmt.Errorf("%s %s: %s: %s", resp.Request.Method, resp.Request.URL.Path, resp.Status, msg.Message)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		var after time.Duration
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			after = time.Duration(secs) * time.Second
		}
		return engine.NewThrottledError("rate limited", cause).
			WithCode(engine.ErrCodeRateLimited).
			WithRetryAfter(after)
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return engine.NewPermanentError("permission denied", cause).WithCode(engine.ErrCodePermissionDenied)
	case resp.StatusCode == http.StatusNotFound:
		return engine.NewPermanentError("not found", cause).WithCode(engine.ErrCodeNotFound)
	case resp.StatusCode == http.StatusBadRequest:
		return engine.NewPermanentError("request rejected", cause).WithCode(engine.ErrCodeValidation)
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
