package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"fieldsync/internal/engine"
	"fieldsync/internal/models"
)

// Client talks to the local status API of a running agent.
type Client struct {
	baseURL string
	apiKey  string
	extra   string
	http    *http.Client
}

func NewClient(baseURL, apiKey, extra string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		extra:   extra,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError is a non-2xx answer from the local API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: %d %s", e.StatusCode, e.Message)
}

func (c *Client) Status(ctx context.Context) (engine.Status, error) {
	var st engine.Status
	err := c.do(ctx, http.MethodGet, "/api/v1/status", nil, &st)
	return st, err
}

// Sync runs a cycle. The result is nil when a cycle was already running and the
// request was queued behind it.
func (c *Client) Sync(ctx context.Context) (*engine.CycleResult, error) {
	var res engine.CycleResult
	code, err := c.doCode(ctx, http.MethodPost, "/api/v1/sync", nil, &res)
	if err != nil {
		return nil, err
	}
	if code == http.StatusAccepted {
		return nil, nil
	}
	return &res, nil
}

func (c *Client) Conflicts(ctx context.Context, all bool) ([]models.Conflict, error) {
	var out struct {
		Conflicts []models.Conflict `json:"conflicts"`
	}
	path := "/api/v1/conflicts"
	if all {
		path += "?all=true"
	}
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out.Conflicts, err
}

func (c *Client) ResolveConflict(ctx context.Context, id string, res models.Resolution) (*models.Conflict, error) {
	var out models.Conflict
	if err := c.do(ctx, http.MethodPost, "/api/v1/conflicts/"+url.PathEscape(id)+"/resolve", res, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeadLetters(ctx context.Context) ([]models.QueueItem, error) {
	var out struct {
		DeadLetters []models.QueueItem `json:"dead_letters"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/deadletters", nil, &out)
	return out.DeadLetters, err
}

func (c *Client) RetryDeadLetter(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodPost, "/api/v1/deadletters/"+strconv.FormatInt(id, 10)+"/retry", nil, nil)
}

func (c *Client) DiscardDeadLetter(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/deadletters/"+strconv.FormatInt(id, 10), nil, nil)
}

func (c *Client) Export(ctx context.Context) (string, error) {
	var out struct {
		Path string `json:"path"`
	}
	err := c.do(ctx, http.MethodPost, "/api/v1/export", nil, &out)
	return out.Path, err
}

func (c *Client) ResumeAuth(ctx context.Context, token string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/auth/resume", map[string]string{"token": token}, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	_, err := c.doCode(ctx, method, path, body, out)
	return err
}

func (c *Client) doCode(ctx context.Context, method, path string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeaderDefault, c.apiKey)
		req.Header.Set(apiExtraHeaderDefault, c.extra)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&e)
		return resp.StatusCode, &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
