package nivoda

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shaunnez/diamond-opus-sub002/internal/feed"
	"github.com/shaunnez/diamond-opus-sub002/internal/metrics"
	"github.com/shaunnez/diamond-opus-sub002/internal/ratelimit"
)

// Session tokens are JWTs that outlive any single run; we refresh well
// before the conservative TTL so a long scan never hits an expiry mid-page.
const (
	tokenTTL     = 4 * time.Hour
	refreshSlack = 5 * time.Minute
)

const authQuery = `query Authenticate($username: String!, $password: String!) {
  authenticate {
    username_and_password(username: $username, password: $password) {
      token
    }
  }
}`

type gqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type gqlError struct {
	Message string `json:"message"`
}

// do runs one authenticated GraphQL operation and decodes the data
// envelope into out. Pacing happens per request inside post, so a token
// refresh pays for its own limiter slot.
func (a *Adapter) do(ctx context.Context, op, query string, vars map[string]any, out any) error {
	token, err := a.session(ctx)
	if err != nil {
		return err
	}

	metrics.AdapterCalls.WithLabelValues(a.profile.FeedID, op).Inc()
	if err := a.post(ctx, token, gqlRequest{Query: query, Variables: vars}, out); err != nil {
		metrics.AdapterErrors.WithLabelValues(a.profile.FeedID, op).Inc()
		return fmt.Errorf("nivoda %s: %w", op, err)
	}
	return nil
}

// acquire paces the call on the endpoint limiter. A local wait timeout is
// surfaced as transient so callers escalate through their retry budget.
func (a *Adapter) acquire(ctx context.Context) error {
	err := a.limiter.Acquire(ctx)
	metrics.RateLimiterQueueDepth.WithLabelValues(a.profile.FeedID).Set(float64(a.limiter.QueueDepth()))
	if err == nil {
		return nil
	}
	if errors.Is(err, ratelimit.ErrAcquireTimeout) {
		metrics.RateLimitTimeouts.WithLabelValues(a.profile.FeedID).Inc()
		return feed.Transient(err)
	}
	return err
}

// session returns a token valid for at least refreshSlack, authenticating
// when the cached one is missing or near expiry. Concurrent refreshes may
// race; the last token written wins and both are valid upstream.
func (a *Adapter) session(ctx context.Context) (string, error) {
	a.mu.Lock()
	token, exp := a.token, a.tokenExp
	a.mu.Unlock()
	if token != "" && time.Now().Before(exp.Add(-refreshSlack)) {
		return token, nil
	}
	return a.authenticate(ctx)
}

func (a *Adapter) authenticate(ctx context.Context) (string, error) {
	metrics.AdapterCalls.WithLabelValues(a.profile.FeedID, "authenticate").Inc()

	var out struct {
		Authenticate struct {
			UsernameAndPassword struct {
				Token string `json:"token"`
			} `json:"username_and_password"`
		} `json:"authenticate"`
	}
	req := gqlRequest{
		Query: authQuery,
		Variables: map[string]any{
			"username": a.username,
			"password": a.password,
		},
	}
	if err := a.post(ctx, "", req, &out); err != nil {
		metrics.AdapterErrors.WithLabelValues(a.profile.FeedID, "authenticate").Inc()
		return "", fmt.Errorf("nivoda authenticate: %w", err)
	}
	token := out.Authenticate.UsernameAndPassword.Token
	if token == "" {
		metrics.AdapterErrors.WithLabelValues(a.profile.FeedID, "authenticate").Inc()
		return "", errors.New("nivoda authenticate: empty token")
	}

	a.mu.Lock()
	a.token = token
	a.tokenExp = time.Now().Add(tokenTTL)
	a.mu.Unlock()
	a.log.Debug().Msg("nivoda session refreshed")
	return token, nil
}

// invalidate drops the cached token if it is still the one that was
// rejected, so a racing refresh is not clobbered.
func (a *Adapter) invalidate(token string) {
	a.mu.Lock()
	if a.token == token {
		a.token = ""
		a.tokenExp = time.Time{}
	}
	a.mu.Unlock()
}

// post issues one GraphQL request through the endpoint rate limiter.
// Network failures, 5xx, 429 and rejected tokens come back transient;
// everything else is permanent.
func (a *Adapter) post(ctx context.Context, token string, gr gqlRequest, out any) error {
	if err := a.acquire(ctx); err != nil {
		return err
	}
	body, err := json.Marshal(gr)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if trace := feed.TraceID(ctx); trace != "" {
		req.Header.Set("X-Trace-Id", trace)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return feed.Transient(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		a.invalidate(token)
		return feed.Transientf("token rejected: %s", resp.Status)
	case resp.StatusCode == http.StatusTooManyRequests:
		return feed.Transientf("upstream rate limited: %s", resp.Status)
	case resp.StatusCode >= 500:
		return feed.Transientf("upstream status: %s", resp.Status)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("upstream status: %s", resp.Status)
	}

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []gqlError      `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return feed.Transientf("decode response: %v", err)
	}
	if len(envelope.Errors) > 0 {
		return fmt.Errorf("graphql error: %s", envelope.Errors[0].Message)
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("decode data: %w", err)
		}
	}
	return nil
}
