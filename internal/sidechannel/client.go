// Package sidechannel is the daemon's HTTP client for platform services:
// user authentication, log shipping, execution config and data calls.
package sidechannel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/p-arndt/sandpipe/protocol"
)

var ErrUnauthorized = errors.New("side channel rejected credentials")

// StatusError is a non-2xx answer from the side channel.
type StatusError struct {
	Status  int
	Code    string
	Message string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("side channel: %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("side channel: %d: %s", e.Status, e.Message)
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New creates a client that authenticates with the worker auth token.
func New(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    httpClient,
	}
}

func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, protocol.PathHealth, nil, nil)
}

// WaitReady pings until the side channel answers, backing off between
// attempts.
func (c *Client) WaitReady(ctx context.Context, attempts int, backoff time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = c.Ping(ctx); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("side channel not reachable after %d attempts: %w", attempts, err)
}

// Authenticate resolves a user bearer token to an identity.
func (c *Client) Authenticate(ctx context.Context, userToken string) (*protocol.Identity, error) {
	var id protocol.Identity
	err := c.do(ctx, http.MethodPost, protocol.PathAuth, protocol.AuthRequest{Token: userToken}, &id)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && (se.Status == http.StatusUnauthorized || se.Status == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: %s", ErrUnauthorized, se.Message)
		}
		return nil, err
	}
	return &id, nil
}

func (c *Client) Log(ctx context.Context, entry protocol.LogEntry) error {
	return c.do(ctx, http.MethodPost, protocol.PathLogs, entry, nil)
}

// ExecutionConfig returns what the platform knows about this worker.
func (c *Client) ExecutionConfig(ctx context.Context) (*protocol.WorkerGrant, error) {
	var g protocol.WorkerGrant
	if err := c.do(ctx, http.MethodGet, protocol.PathConfig, nil, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

// Data performs one data operation such as protocol.DataGet.
func (c *Client) Data(ctx context.Context, op string, req protocol.DataRequest) (*protocol.DataResponse, error) {
	var resp protocol.DataResponse
	if err := c.do(ctx, http.MethodPost, protocol.PathDataBase+op, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build %s: %w", path, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var apiErr struct {
		Code    string `json:"error_code"`
		Message string `json:"message"`
	}
	se := &StatusError{Status: resp.StatusCode}
	if json.Unmarshal(data, &apiErr) == nil && apiErr.Message != "" {
		se.Code, se.Message = apiErr.Code, apiErr.Message
	} else {
		se.Message = strings.TrimSpace(string(data))
	}
	return se
}
