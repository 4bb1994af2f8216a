// Package graph is a client for the social-graph service that owns follow
// edges. The engine never stores edges itself; it counts them when a
// severance is recorded and restores them on reconnection.
package graph

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

	"github.com/ashita-ai/kizuna/internal/model"
)

// ErrAccountGone is returned by Follow when either account no longer exists.
var ErrAccountGone = errors.New("graph: account no longer exists")

// Error is a non-2xx response from the graph service.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("graph: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the graph service.
	BaseURL string
	// Token, when set, is sent as a bearer token.
	Token string
	// HTTPClient is optional. If nil, a client with Timeout is used.
	HTTPClient *http.Client
	// Timeout applies to individual requests. Defaults to 10 seconds.
	Timeout time.Duration
}

// Client calls the graph service. Safe for concurrent use.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewClient creates a Client. BaseURL is required.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("graph: BaseURL is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		client:  httpClient,
	}, nil
}

type countResponse struct {
	Followers int `json:"followers"`
	Following int `json:"following"`
}

// CountEdges returns how many remote accounts follow local accounts
// (followers) and how many remote accounts local accounts follow
// (following).
func (c *Client) CountEdges(ctx context.Context, local, remote string) (int, int, error) {
	params := url.Values{}
	params.Set("local", local)
	params.Set("remote", remote)
	var resp countResponse
	if err := c.get(ctx, "/v1/edges/count?"+params.Encode(), &resp); err != nil {
		return 0, 0, err
	}
	return resp.Followers, resp.Following, nil
}

type edgesResponse struct {
	Edges []model.FollowEdge `json:"edges"`
}

// SeveredEdges lists edges between local and remote that are recorded as
// broken.
func (c *Client) SeveredEdges(ctx context.Context, local, remote string) ([]model.FollowEdge, error) {
	params := url.Values{}
	params.Set("local", local)
	params.Set("remote", remote)
	var resp edgesResponse
	if err := c.get(ctx, "/v1/edges/severed?"+params.Encode(), &resp); err != nil {
		return nil, err
	}
	return resp.Edges, nil
}

type existsResponse struct {
	Exists bool `json:"exists"`
}

// EdgeExists reports whether the follow edge is currently present.
func (c *Client) EdgeExists(ctx context.Context, e model.FollowEdge) (bool, error) {
	params := url.Values{}
	params.Set("follower", e.Follower)
	params.Set("followee", e.Followee)
	var resp existsResponse
	if err := c.get(ctx, "/v1/edges/exists?"+params.Encode(), &resp); err != nil {
		return false, err
	}
	return resp.Exists, nil
}

// Follow creates the edge. A 409 means it already exists and is not an
// error; 404 and 410 mean one side is gone.
func (c *Client) Follow(ctx context.Context, e model.FollowEdge) error {
	err := c.post(ctx, "/v1/follows", e, nil)
	var apiErr *Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusConflict:
			return nil
		case http.StatusNotFound, http.StatusGone:
			return fmt.Errorf("%w: %s", ErrAccountGone, apiErr.Message)
		}
	}
	return err
}

// apiEnvelope is the service's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("graph: create request: %w", err)
	}
	return c.do(req, dest)
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("graph: marshal request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("graph: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, dest)
}

func (c *Client) do(req *http.Request, dest any) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("graph: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("graph: read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return parseError(resp.StatusCode, body)
	}
	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	var env apiEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("graph: decode response envelope: %w", err)
	}
	if env.Data == nil {
		return json.Unmarshal(body, dest)
	}
	return json.Unmarshal(env.Data, dest)
}

func parseError(status int, body []byte) *Error {
	e := &Error{StatusCode: status}
	var env apiErrorEnvelope
	if err := json.Unmarshal(body, &env); err == nil && env.Error.Message != "" {
		e.Code = env.Error.Code
		e.Message = env.Error.Message
	} else {
		e.Code = http.StatusText(status)
		e.Message = string(body)
	}
	return e
}
