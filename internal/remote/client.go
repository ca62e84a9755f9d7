package remote

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
	"sync"
	"time"

	"fieldsync/internal/config"
	"fieldsync/internal/models"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const maxErrorBody = 4 << 10

// CreateRequest is the body of POST /entities/{type}.
type CreateRequest struct {
	ID            string          `json:"id"`
	Payload       json.RawMessage `json:"payload"`
	ClientVersion int64           `json:"client_version"`
}

// UpdateRequest is the body of PUT /entities/{type}/{id}.
type UpdateRequest struct {
	Payload     json.RawMessage `json:"payload"`
	BaseVersion int64           `json:"base_version"`
}

// Client talks to the Remote Sync API with a bearer credential.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zerolog.Logger

	mu    sync.RWMutex
	token string
}

// NewClient constructs a client for cfg. A zero RPS disables client-side throttling.
func NewClient(cfg config.RemoteConfig, logger *zerolog.Logger) *Client {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = models.DefaultRequestTimeout
	}

	var limiter *rate.Limiter
	if cfg.RPS > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 5
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		limiter:    limiter,
		logger:     logger,
		token:      cfg.Token,
	}
}

// SetToken swaps the bearer credential, e.g. after re-authentication.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

func (c *Client) bearer() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Create pushes a new entity. The client-generated id is authoritative.
func (c *Client) Create(ctx context.Context, entityType, id string, payload json.RawMessage) (models.Ack, error) {
	endpoint := fmt.Sprintf("%s/entities/%s", c.baseURL, url.PathEscape(entityType))
	var ack models.Ack
	err := c.do(ctx, http.MethodPost, endpoint, CreateRequest{ID: id, Payload: payload}, &ack)
	return ack, err
}

// Update pushes a new payload on top of baseVersion.
func (c *Client) Update(ctx context.Context, entityType, id string, payload json.RawMessage, baseVersion int64) (models.Ack, error) {
	endpoint := fmt.Sprintf("%s/entities/%s/%s", c.baseURL, url.PathEscape(entityType), url.PathEscape(id))
	var ack models.Ack
	err := c.do(ctx, http.MethodPut, endpoint, UpdateRequest{Payload: payload, BaseVersion: baseVersion}, &ack)
	return ack, err
}

// Delete removes the entity if the remote is still at baseVersion.
func (c *Client) Delete(ctx context.Context, entityType, id string, baseVersion int64) (models.Ack, error) {
	endpoint := fmt.Sprintf("%s/entities/%s/%s?base_version=%s", c.baseURL, url.PathEscape(entityType),
		url.PathEscape(id), strconv.FormatInt(baseVersion, 10))
	var ack models.Ack
	err := c.do(ctx, http.MethodDelete, endpoint, nil, &ack)
	return ack, err
}

// Pull returns entities of entityType updated after the since watermark, oldest first.
func (c *Client) Pull(ctx context.Context, entityType, since string) ([]models.RemoteEntity, error) {
	endpoint := fmt.Sprintf("%s/entities/%s", c.baseURL, url.PathEscape(entityType))
	if since != "" {
		endpoint += "?since=" + url.QueryEscape(since)
	}
	var out []models.RemoteEntity
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
	}

	var reader io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if token := c.bearer(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	c.logger.Debug().
		Str("method", method).
		Str("path", req.URL.Path).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("remote request")

	switch {
	case resp.StatusCode == http.StatusConflict:
		var remote models.RemoteEntity
		if err := json.NewDecoder(resp.Body).Decode(&remote); err != nil {
			return &StatusError{Code: resp.StatusCode, Body: "undecodable conflict body: " + err.Error()}
		}
		return &ConflictError{Remote: remote}
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: http %d", ErrUnauthorized, resp.StatusCode)
	case resp.StatusCode >= 300:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
