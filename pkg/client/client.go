// Package client talks to a running notebookd daemon over HTTP.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

const defaultBaseURL = "http://127.0.0.1:8765/api"

// Client provides HTTP client functionality to communicate with the daemon
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	// Timeout bounds each request. Start and restart wait for readiness, so
	// keep it above the daemon's readiness timeout.
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: defaultBaseURL,
		Timeout: 30 * time.Second,
	}
}

func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: config.BaseURL,
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout},
	}
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	h, err := c.Health(ctx)
	if err != nil {
		c.logger.Debug("Daemon unreachable", "error", err)
		return false
	}
	return h.OK
}

func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	err := c.do(ctx, http.MethodGet, "/health", nil, &h)
	return h, err
}

func (c *Client) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.do(ctx, http.MethodGet, "/status", nil, &st)
	return st, err
}

// Start asks the daemon to start the server. Supervision failures are
// reported in Result; a rejected configuration also returns an *APIError.
func (c *Client) Start(ctx context.Context, req StartRequest) (Result, error) {
	var res Result
	err := c.do(ctx, http.MethodPost, "/start", req, &res)
	return res, err
}

func (c *Client) Stop(ctx context.Context) (Result, error) {
	var res Result
	err := c.do(ctx, http.MethodPost, "/stop", struct{}{}, &res)
	return res, err
}

// Restart restarts with req, or with the last launch configuration when req
// is nil.
func (c *Client) Restart(ctx context.Context, req *StartRequest) (Result, error) {
	var body any = struct{}{}
	if req != nil {
		body = req
	}
	var res Result
	err := c.do(ctx, http.MethodPost, "/restart", body, &res)
	return res, err
}

// Detect inspects python on the daemon host; empty means the configured one.
func (c *Client) Detect(ctx context.Context, python string) (PythonInfo, error) {
	path := "/detect"
	if python != "" {
		path += "?python=" + url.QueryEscape(python)
	}
	var d detectResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &d); err != nil {
		return PythonInfo{}, err
	}
	if !d.Success || d.Info == nil {
		return PythonInfo{}, fmt.Errorf("detect: %s", d.Message)
	}
	return *d.Info, nil
}

func (c *Client) LoadConfig(ctx context.Context) (map[string]string, error) {
	var r configResponse
	if err := c.do(ctx, http.MethodGet, "/config", nil, &r); err != nil {
		return nil, err
	}
	if r.Config == nil {
		r.Config = map[string]string{}
	}
	return r.Config, nil
}

func (c *Client) SaveConfig(ctx context.Context, kv map[string]any) error {
	var r configResponse
	return c.do(ctx, http.MethodPost, "/config", kv, &r)
}

// Watch polls Status every interval and sends each snapshot that differs
// from the previous one. The channel closes when ctx is done. Poll errors
// are logged and retried on the next tick.
func (c *Client) Watch(ctx context.Context, interval time.Duration) <-chan Status {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	out := make(chan Status, 1)
	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		var last *Status
		for {
			st, err := c.Status(ctx)
			switch {
			case err != nil:
				if ctx.Err() != nil {
					return
				}
				c.logger.Debug("status poll failed", "error", err)
			case last == nil || changed(*last, st):
				select {
				case out <- st:
					last = &st
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out
}

// changed ignores uptime and resource usage, which move on every poll.
func changed(a, b Status) bool {
	return a.Seq != b.Seq || a.State != b.State || a.PID != b.PID || a.RestartCount != b.RestartCount
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		// start/restart answer 400 with a Result for configuration errors
		if out != nil && json.Unmarshal(raw, out) == nil {
			if r, ok := out.(*Result); ok && r.Message != "" {
				return &APIError{Status: resp.StatusCode, Message: r.Message}
			}
		}
		return handleErrorResponse(resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// APIError is a non-200 reply from the daemon.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string { return fmt.Sprintf("API error %d: %s", e.Status, e.Message) }

// IsAPIError reports whether err came back from the daemon rather than the
// transport.
func IsAPIError(err error) bool {
	var ae *APIError
	return errors.As(err, &ae)
}

func handleErrorResponse(code int, raw []byte) error {
	var er ErrorResponse
	if err := json.Unmarshal(raw, &er); err == nil {
		msg := er.Error
		if msg == "" {
			msg = er.Message
		}
		if msg != "" {
			return &APIError{Status: code, Message: msg}
		}
	}
	return &APIError{Status: code, Message: http.StatusText(code)}
}
