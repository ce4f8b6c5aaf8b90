// Package droplets talks to the DigitalOcean REST API on behalf of the panel.
// The API token never leaves the server; handlers forward upstream replies to
// the browser mostly untouched.
package droplets

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

// DefaultBaseURL is the public DigitalOcean API.
const DefaultBaseURL = "https://api.digitalocean.com/v2"

// maxResponseBytes bounds how much of an upstream body is read.
const maxResponseBytes = 10 << 20

var (
	// ErrNoToken is returned when no API token is configured.
	ErrNoToken = errors.New("missing DigitalOcean API token")
	// ErrNoPublicAddress means the droplet exists but has no public IPv4 yet.
	ErrNoPublicAddress = errors.New("droplet has no public IPv4 address")
)

// APIError is a non-2xx reply from the cloud API.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("cloud API: HTTP %d: %s", e.Status, strings.TrimSpace(e.Body))
}

// Response is an upstream reply kept verbatim for pass-through.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool { return r.Status >= 200 && r.Status < 300 }

// Client is a minimal DigitalOcean API client.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

// New returns a client for baseURL (DefaultBaseURL when empty).
func New(baseURL, token string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Forward sends one request with the server-side bearer token and returns the
// reply as-is.
func (c *Client) Forward(ctx context.Context, method, path, rawQuery string, body []byte) (*Response, error) {
	if c.Token == "" {
		return nil, ErrNoToken
	}

	target := c.BaseURL + path
	if rawQuery != "" {
		target += "?" + rawQuery
	}
	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s %s: %w", method, path, err)
	}
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = "application/json"
	}
	return &Response{Status: resp.StatusCode, ContentType: ct, Body: data}, nil
}

// List returns the first page of droplets, 200 per page.
func (c *Client) List(ctx context.Context) (*Response, error) {
	q := url.Values{"per_page": {"200"}}
	return c.Forward(ctx, http.MethodGet, "/droplets", q.Encode(), nil)
}

// Create requests a new droplet. payload must pass ValidateCreate.
func (c *Client) Create(ctx context.Context, payload map[string]any) (*Response, error) {
	if err := ValidateCreate(payload); err != nil {
		return nil, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal droplet: %w", err)
	}
	return c.Forward(ctx, http.MethodPost, "/droplets", "", body)
}

// Get fetches one droplet. The raw reply is returned alongside the decoded
// droplet; a non-2xx status is reported as *APIError.
func (c *Client) Get(ctx context.Context, id string) (*Droplet, *Response, error) {
	resp, err := c.Forward(ctx, http.MethodGet, "/droplets/"+url.PathEscape(id), "", nil)
	if err != nil {
		return nil, nil, err
	}
	if !resp.OK() {
		return nil, resp, &APIError{Status: resp.Status, Body: string(resp.Body)}
	}
	var env struct {
		Droplet Droplet `json:"droplet"`
	}
	if err := json.Unmarshal(resp.Body, &env); err != nil {
		return nil, resp, fmt.Errorf("decode droplet %s: %w", id, err)
	}
	return &env.Droplet, resp, nil
}

// Delete requests destruction of a droplet.
func (c *Client) Delete(ctx context.Context, id string) (*Response, error) {
	return c.Forward(ctx, http.MethodDelete, "/droplets/"+url.PathEscape(id), "", nil)
}

// ValidateCreate checks the fields the API requires for a new droplet.
func ValidateCreate(payload map[string]any) error {
	var missing []string
	for _, f := range []string{"name", "region", "size", "image"} {
		if v, ok := payload[f]; !ok || v == nil || v == "" {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("required fields: name, region, size, image (missing %s)", strings.Join(missing, ", "))
	}
	return nil
}
