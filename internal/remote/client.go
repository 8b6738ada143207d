package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client talks to the operator endpoints of a gitview server. Git traffic
// itself goes through any git client.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	retry      *Retrier
}

// NewClient creates a client for the server at baseURL. An empty token sends
// no Authorization header.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		retry:      NewRetrier(nil),
	}
}

// WithRetry replaces the retry policy used for idempotent requests.
func (c *Client) WithRetry(cfg *RetryConfig) *Client {
	c.retry = NewRetrier(cfg)
	return c
}

func (c *Client) url(path string) string {
	return c.baseURL + path
}

func (c *Client) do(ctx context.Context, method, url string, body io.Reader, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	return resp, nil
}

func (c *Client) doJSON(ctx context.Context, method, url string, reqBody, respBody interface{}) error {
	var data []byte
	headers := map[string]string{"Accept": "application/json"}
	if reqBody != nil {
		var err error
		data, err = json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		headers["Content-Type"] = "application/json"
	}

	resp, err := c.do(ctx, method, url, bytes.NewReader(data), headers)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if respBody != nil {
		if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// getJSON is doJSON for GET requests, retried on transient errors.
func (c *Client) getJSON(ctx context.Context, op, url string, respBody interface{}) error {
	return c.retry.Do(ctx, op, func() error {
		return c.doJSON(ctx, http.MethodGet, url, nil, respBody)
	})
}

// Status returns the body of GET /status, which is ReadinessSentinel once
// the server accepts connections.
func (c *Client) Status(ctx context.Context) (string, error) {
	var body string
	err := c.retry.Do(ctx, "status", func() error {
		resp, err := c.do(ctx, http.MethodGet, c.url("/status"), nil, nil)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return decodeError(resp)
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
		if err != nil {
			return fmt.Errorf("read status: %w", err)
		}
		body = strings.TrimSpace(string(data))
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("status: %w", err)
	}
	return body, nil
}

// RemoteError is a non-2xx answer from a gitview server or a webhook
// receiver.
type RemoteError struct {
	Code       string
	Message    string
	Status     int
	RetryAfter time.Duration // from the Retry-After header, if any
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error (%d): %s: %s", e.Status, e.Code, e.Message)
}

// ResponseError describes resp without reading its body.
func ResponseError(resp *http.Response, code string) *RemoteError {
	return &RemoteError{
		Code:       code,
		Message:    resp.Status,
		Status:     resp.StatusCode,
		RetryAfter: parseRetryAfter(resp.Header),
	}
}

// decodeError reads the JSON error body the admin API answers with.
func decodeError(resp *http.Response) error {
	re := ResponseError(resp, "unknown")
	var body ErrorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err == nil && body.Error != "" {
		re.Code = body.Error
		re.Message = body.Message
	}
	return re
}
