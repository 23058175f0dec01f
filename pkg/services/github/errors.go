package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/openfroyo/teamsync/pkg/engine"
)

// apiError is the error body returned by the REST API.
type apiError struct {
	Message string `json:"message"`
	Errors  []struct {
		Code    string `json:"code"`
		Field   string `json:"field"`
		Message string `json:"message"`
	} `json:"errors"`
}

func (e apiError) String() string {
	msg := e.Message
	for _, sub := range e.Errors {
		detail := sub.Message
		if detail == "" {
			detail = strings.TrimSpace(sub.Field + " " + sub.Code)
		}
		if detail != "" {
			msg += "; " + detail
		}
	}
	return msg
}

// translate classifies a non-2xx response.
func translate(resp *http.Response, now time.Time) *engine.EngineError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var apiErr apiError
	if json.Unmarshal(body, &apiErr) != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	cause := fmt.Errorf("%s %s: %s: %s", resp.Request.Method, resp.Request.URL.Path, resp.Status, apiErr)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusForbidden && isRateLimited(resp, apiErr.Message):
		return engine.NewThrottledError("rate limited", cause).
			WithCode(engine.ErrCodeRateLimited).
			WithRetryAfter(retryAfter(resp.Header, now))
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return engine.NewPermanentError("permission denied", cause).WithCode(engine.ErrCodePermissionDenied)
	case resp.StatusCode == http.StatusNotFound:
		return engine.NewPermanentError("not found", cause).WithCode(engine.ErrCodeNotFound)
	case resp.StatusCode == http.StatusConflict:
		return engine.NewPermanentError("conflict", cause).WithCode(engine.ErrCodeConflict)
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return engine.NewPermanentError("validation failed", cause).WithCode(engine.ErrCodeValidation)
	case resp.StatusCode >= 500:
		return engine.NewTransientError("server error", cause).WithCode(engine.ErrCodeInternal)
	default:
		return engine.NewPermanentError("unexpected response", cause)
	}
}

func isRateLimited(resp *http.Response, message string) bool {
	if resp.Header.Get("X-RateLimit-Remaining") == "0" {
		return true
	}
	if resp.Header.Get("Retry-After") != "" {
		return true
	}
	return strings.Contains(strings.ToLower(message), "rate limit")
}

// retryAfter reads Retry-After (seconds) or X-RateLimit-Reset (epoch seconds).
func retryAfter(h http.Header, now time.Time) time.Duration {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	if v := h.Get("X-RateLimit-Reset"); v != "" {
		if epoch, err := strconv.ParseInt(v, 10, 64); err == nil {
			if d := time.Unix(epoch, 0).Sub(now); d > 0 {
				return d
			}
		}
	}
	return 0
}

// transportError classifies a failure to get any response.
func transportError(err error) *engine.EngineError {
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		return ee
	}
	if errors.Is(err, context.Canceled) {
		return engine.NewPermanentError("request cancelled", err).WithCode(engine.ErrCodeCancelled)
	}
	return engine.NewTransientError("request failed", err)
}
