package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// HTTPError is a non-2xx response from the homeserver. Code is the HTTP
// status; ErrCode and Message come from the standard Matrix error envelope
// when present.
type HTTPError struct {
	Code    int
	ErrCode string
	Message string
}

func (e *HTTPError) Error() string {
	if e.ErrCode != "" {
		return fmt.Sprintf("%s: %s (HTTP %d)", e.ErrCode, e.Message, e.Code)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Message)
}

// Client issues client-server API requests against one homeserver. Paths
// are relative to /_matrix/ and must arrive with their segments already
// percent-encoded.
type Client struct {
	base   string
	token  string
	http   *http.Client
	logger *zap.Logger
}

// NewClient creates a REST client for the given homeserver base URL.
func NewClient(homeserver, accessToken string, logger *zap.Logger) (*Client, error) {
	u, err := url.Parse(homeserver)
	if err != nil {
		return nil, fmt.Errorf("parse homeserver url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("homeserver url %q: scheme must be http or https", homeserver)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		base:   strings.TrimRight(homeserver, "/"),
		token:  accessToken,
		http:   &http.Client{Timeout: 60 * time.Second},
		logger: logger,
	}, nil
}

// GetJSON issues a GET and decodes the 2xx response body into out.
// The returned status is 0 when the request never reached the server.
func (c *Client) GetJSON(ctx context.Context, path string, query url.Values, out any) (int, error) {
	return c.do(ctx, http.MethodGet, path, query, nil, out)
}

// PostJSON issues a POST with a JSON body (nil means empty object) and
// decodes the 2xx response body into out.
func (c *Client) PostJSON(ctx context.Context, path string, body, out any) (int, error) {
	return c.do(ctx, http.MethodPost, path, nil, body, out)
}

// PutJSON issues a PUT with a JSON body and decodes the 2xx response body
// into out.
func (c *Client) PutJSON(ctx context.Context, path string, body, out any) (int, error) {
	return c.do(ctx, http.MethodPut, path, nil, body, out)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) (int, error) {
	u := c.base + "/_matrix/" + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if method != http.MethodGet {
		if body == nil {
			body = struct{}{}
		}
		encoded, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, decodeError(resp.StatusCode, data)
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response body: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// decodeError turns a Matrix error envelope into an HTTPError. Bodies that
// are not the standard envelope are carried verbatim.
func decodeError(code int, data []byte) *HTTPError {
	var envelope struct {
		ErrCode string `json:"errcode"`
		Err     string `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.ErrCode != "" {
		return &HTTPError{Code: code, ErrCode: envelope.ErrCode, Message: envelope.Err}
	}
	msg := string(data)
	if len(msg) > 256 {
		msg = msg[:256]
	}
	return &HTTPError{Code: code, Message: msg}
}
