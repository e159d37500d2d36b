package testutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"
)

// SendPath is the public ingress route.
const SendPath = "/v1/notifications/send"

// Client drives the dispatch API over HTTP. When a validator is attached,
// each request and response is checked against the OpenAPI document.
type Client struct {
	BaseURL       string
	Token         string
	CorrelationID string
	HTTPClient    *http.Client
	Validator     *OpenAPIValidator
	t             *testing.T
}

// NewClient returns a client that performs no contract checks.
func NewClient(baseURL string) *Client {
	return &Client{BaseURL: baseURL, HTTPClient: http.DefaultClient}
}

// NewClientWithValidator returns a client that reports contract violations on t.
func NewClientWithValidator(t *testing.T, baseURL string, validator *OpenAPIValidator) *Client {
	c := NewClient(baseURL)
	c.Validator = validator
	c.t = t
	return c
}

// WithoutValidation returns a copy that skips contract checks, for requests
// that are malformed on purpose.
func (c *Client) WithoutValidation() *Client {
	clone := *c
	clone.Validator = nil
	return &clone
}

// GET issues a GET to path.
func (c *Client) GET(path string) (*http.Response, error) {
	return c.do(http.MethodGet, path, nil)
}

// POST issues a POST to path. A string body is sent verbatim, anything
// else is JSON encoded.
func (c *Client) POST(path string, body any) (*http.Response, error) {
	payload, err := encodeBody(body)
	if err != nil {
		return nil, err
	}
	return c.do(http.MethodPost, path, payload)
}

// Send posts body to the ingress route.
func (c *Client) Send(body any) (*http.Response, error) {
	return c.POST(SendPath, body)
}

func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case string:
		return []byte(b), nil
	case []byte:
		return b, nil
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal body: %w", err)
	}
	return data, nil
}

// build creates a fresh request each call so validation never drains the
// body that goes on the wire.
func (c *Client) build(method, path string, payload []byte) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, c.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	if c.CorrelationID != "" {
		req.Header.Set("X-Correlation-ID", c.CorrelationID)
	}
	return req, nil
}

func (c *Client) do(method, path string, payload []byte) (*http.Response, error) {
	validate := c.Validator != nil && c.t != nil

	if validate {
		probe, err := c.build(method, path, payload)
		if err != nil {
			return nil, err
		}
		c.Validator.ValidateRequest(c.t, probe)
	}

	req, err := c.build(method, path, payload)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}

	if validate {
		probe, err := c.build(method, path, payload)
		if err != nil {
			return nil, err
		}
		c.Validator.ValidateResponse(c.t, probe, resp)
	}
	return resp, nil
}

// DecodeJSON decodes the response body into v and closes it.
func DecodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

// ReadBody returns the response body as a string and closes it.
func ReadBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(data)
}
