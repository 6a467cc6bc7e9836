package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// TokenSource supplies the bearer token for each request.
type TokenSource interface {
	Token() (string, error)
}

// Client talks to the platform's HTTP API.
type Client struct {
	BaseURL string
	// BearerToken is a static token, used when Tokens is nil.
	BearerToken string
	Tokens      TokenSource
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// NewClient creates a client with sane defaults.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 30 * time.Second,
	}
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Unwrap maps 401 to ErrUnauthorized, 404 to ErrNotFound and 409 to ErrAlreadyExists.
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrAlreadyExists
	}
	return nil
}

// Health checks that the platform is reachable and accepts our credentials.
// A platform that verifies tokens authenticates this route too.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "v1/health", nil, nil)
}

func (c *Client) GetAsset(ctx context.Context, id string) (Asset, error) {
	var resp Asset
	if err := c.do(ctx, http.MethodGet, assetPath(id), nil, &resp); err != nil {
		return Asset{}, fmt.Errorf("get asset %s: %w", id, err)
	}
	return resp, nil
}

func (c *Client) DeleteAsset(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodDelete, assetPath(id), nil, nil); err != nil {
		return fmt.Errorf("delete asset %s: %w", id, err)
	}
	return nil
}

// TouchAsset creates the asset or bumps its update time.
func (c *Client) TouchAsset(ctx context.Context, id string) (Asset, error) {
	var resp Asset
	if err := c.do(ctx, http.MethodPut, "v1/assets", map[string]string{"id": id}, &resp); err != nil {
		return Asset{}, fmt.Errorf("touch asset %s: %w", id, err)
	}
	return resp, nil
}

// CreateJob submits an unstarted job.
func (c *Client) CreateJob(ctx context.Context, spec JobSpec) (*Job, error) {
	if strings.TrimSpace(spec.AssetID) == "" {
		return nil, errors.New("job asset id is required")
	}
	var resp TaskStatus
	if err := c.do(ctx, http.MethodPost, "v1/jobs", spec, &resp); err != nil {
		return nil, fmt.Errorf("create job for %s: %w", spec.AssetID, err)
	}
	return &Job{ID: resp.ID, AssetID: spec.AssetID, client: c}, nil
}

// Job is a remote job created through CreateJob.
type Job struct {
	ID      string
	AssetID string
	client  *Client
}

func (j *Job) Start(ctx context.Context) error {
	endpoint := fmt.Sprintf("v1/jobs/%s/start", url.PathEscape(j.ID))
	if err := j.client.do(ctx, http.MethodPost, endpoint, nil, nil); err != nil {
		return fmt.Errorf("start job %s: %w", j.ID, err)
	}
	return nil
}

func (j *Job) Status(ctx context.Context) (TaskStatus, error) {
	var resp TaskStatus
	endpoint := fmt.Sprintf("v1/jobs/%s", url.PathEscape(j.ID))
	if err := j.client.do(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return TaskStatus{}, fmt.Errorf("job %s status: %w", j.ID, err)
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = b
	}
	resp, err := c.send(ctx, method, target, payload)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		// A token rejected early, e.g. after clock skew, is renewed and retried once.
		if inv, ok := c.Tokens.(interface{ Invalidate() }); ok {
			resp.Body.Close()
			inv.Invalidate()
			if resp, err = c.send(ctx, method, target, payload); err != nil {
				return err
			}
		}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, target string, payload []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	token := c.BearerToken
	if c.Tokens != nil {
		if token, err = c.Tokens.Token(); err != nil {
			return nil, fmt.Errorf("session token: %w", err)
		}
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return c.HTTPClient.Do(req)
}

func assetPath(id string) string {
	return "v1/assets?id=" + url.QueryEscape(id)
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
