package syncengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"leadline/internal/domain"
)

// HTTPCloud talks to a remote cloud store over JSON HTTP with bearer token
// auth. It implements CloudStore.
type HTTPCloud struct {
	Endpoint string
	Token    string
	Client   *http.Client
}

func NewHTTPCloud(endpoint, token string) *HTTPCloud {
	return &HTTPCloud{
		Endpoint: endpoint,
		Token:    token,
		Client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *HTTPCloud) FetchActiveRules(ctx context.Context) ([]domain.Rule, error) {
	var rules []domain.Rule
	if err := c.doJSON(ctx, http.MethodGet, "/v1/rules?status=Active", nil, &rules); err != nil {
		return nil, err
	}
	return rules, nil
}

func (c *HTTPCloud) FetchActiveGoals(ctx context.Context) ([]domain.Goal, error) {
	var goals []domain.Goal
	if err := c.doJSON(ctx, http.MethodGet, "/v1/goals?status=Active", nil, &goals); err != nil {
		return nil, err
	}
	return goals, nil
}

func (c *HTTPCloud) FetchUpdatedTargets(ctx context.Context, since string) ([]domain.Target, error) {
	path := "/v1/targets"
	if since != "" {
		path += "?since=" + url.QueryEscape(since)
	}
	var targets []domain.Target
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &targets); err != nil {
		return nil, err
	}
	return targets, nil
}

func (c *HTTPCloud) PushEventsBatch(ctx context.Context, events []PushEvent) (map[int64]PushResult, error) {
	var out struct {
		Accepted map[int64]PushResult `json:"accepted"`
	}
	in := struct {
		Events []PushEvent `json:"events"`
	}{Events: events}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/events/batch", in, &out); err != nil {
		return nil, err
	}
	return out.Accepted, nil
}

func (c *HTTPCloud) UpdateOperatorHeartbeat(ctx context.Context, operatorRef string) error {
	in := struct {
		OperatorRef string `json:"operator_ref"`
	}{OperatorRef: operatorRef}
	return c.doJSON(ctx, http.MethodPost, "/v1/heartbeats/operator", in, nil)
}

func (c *HTTPCloud) UpdateActorHeartbeat(ctx context.Context, actorRef, operatorRef string) error {
	in := struct {
		ActorRef    string `json:"actor_ref"`
		OperatorRef string `json:"operator_ref"`
	}{ActorRef: actorRef, OperatorRef: operatorRef}
	return c.doJSON(ctx, http.MethodPost, "/v1/heartbeats/actor", in, nil)
}

func (c *HTTPCloud) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.Endpoint+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	req.Header.Set("X-Request-Id", uuid.NewString())
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, snippet)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
