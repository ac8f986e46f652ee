// Package biometric talks to the external face-match service and the
// reference image directory.
package biometric

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
)

const (
	defaultTimeout = 10 * time.Second
	userAgent      = "geoattest/1.0"
	comparePath    = "/v1/compare"
	maxResponse    = 1 << 20
)

// Client is an HTTP client for the face-match service. It satisfies
// checks.Matcher.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// ClientOption configures the Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) ClientOption {
	return func(client *Client) {
		if d > 0 {
			client.httpClient.Timeout = d
		}
	}
}

// NewClient creates a face-match client for baseURL.
func NewClient(baseURL, token string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type compareRequest struct {
	Reference []byte `json:"reference"`
	Candidate []byte `json:"candidate"`
}

type compareResponse struct {
	Confidence *float64 `json:"confidence"`
}

// Compare returns the service's confidence in [0,1] that both images show
// the same face.
func (c *Client) Compare(ctx context.Context, reference, candidate []byte) (float64, error) {
	body, err := c.post(ctx, comparePath, compareRequest{Reference: reference, Candidate: candidate})
	if err != nil {
		return 0, err
	}

	var resp compareResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("decode compare response: %w", err)
	}
	if resp.Confidence == nil {
		return 0, fmt.Errorf("compare response has no confidence")
	}
	conf := *resp.Confidence
	if math.IsNaN(conf) || conf < 0 || conf > 1 {
		return 0, fmt.Errorf("confidence %v outside [0,1]", conf)
	}
	return conf, nil
}

func (c *Client) post(ctx context.Context, path string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponse))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Message string `json:"message"`
			Error   string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &errResp)

		msg := errResp.Message
		if msg == "" {
			msg = errResp.Error
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	return respBody, nil
}
