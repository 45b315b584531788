// CLAUDE:SUMMARY HTTP fetch client for one registry identifier: templated URL, timeout, flattened JSON result.
// Package client performs one registry lookup per identifier.
//
// Every per-identifier problem (transport error, non-2xx status, oversized
// or malformed body) is normalized into a failure Result; errors never
// propagate past this boundary except at construction.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hazyhaar/recolte/netsafe"
	"github.com/hazyhaar/recolte/recolte/internal/flatten"
)

// Placeholder is substituted with the URL-escaped identifier in the
// endpoint template.
const Placeholder = "{id}"

// Result is the normalized outcome of one lookup.
type Result struct {
	ID      string
	Fields  map[string]string // flattened response, nil on failure
	Err     string            // human-readable failure, empty on success
	Status  int               // HTTP status when a response was received
	Elapsed time.Duration
}

// Failed reports whether the lookup produced no usable record.
func (r *Result) Failed() bool { return r.Err != "" }

// Config configures the client.
type Config struct {
	// Template is the endpoint URL containing the {id} placeholder.
	Template string
	// Timeout bounds one request. Default: 30s.
	Timeout time.Duration
	// MaxBytes caps the response body. Default: 4 MiB.
	MaxBytes int64
	// UserAgent sent with requests.
	UserAgent string
	// KeepMarkup skips scrubbing of flattened string values.
	KeepMarkup bool
	// URLValidator validates the endpoint before use (SSRF prevention).
	// Default: netsafe.ValidateURL. Override in tests with httptest
	// servers that listen on loopback addresses.
	URLValidator func(string) error
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 4 * 1024 * 1024
	}
	if c.UserAgent == "" {
		c.UserAgent = "recolte/1.0"
	}
	if c.URLValidator == nil {
		c.URLValidator = netsafe.ValidateURL
	}
}

// Client fetches purpose records for identifiers.
type Client struct {
	http   *http.Client
	config Config
	prefix string
	suffix string
}

// New validates the endpoint template and builds a Client. The template is
// checked once with a sample identifier; per-fetch URLs only vary in the
// escaped identifier, so they stay valid.
func New(cfg Config) (*Client, error) {
	cfg.defaults()
	before, after, ok := strings.Cut(cfg.Template, Placeholder)
	if !ok {
		return nil, fmt.Errorf("client: endpoint template must contain %s: %q", Placeholder, cfg.Template)
	}
	if err := cfg.URLValidator(before + "0" + after); err != nil {
		return nil, fmt.Errorf("client: endpoint rejected: %w", err)
	}
	validate := cfg.URLValidator
	return &Client{
		http: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("too many redirects (%d)", len(via))
				}
				if err := validate(req.URL.String()); err != nil {
					return fmt.Errorf("redirect blocked: %w", err)
				}
				return nil
			},
		},
		config: cfg,
		prefix: before,
		suffix: after,
	}, nil
}

// URLFor returns the request URL for an identifier.
func (c *Client) URLFor(id string) string {
	return c.prefix + url.PathEscape(id) + c.suffix
}

// Fetch performs one GET and normalizes the outcome. The returned Result
// always carries the identifier; per-identifier failures are described in
// Result.Err and never returned as errors.
func (c *Client) Fetch(ctx context.Context, id string) *Result {
	start := time.Now()
	res := &Result{ID: id}
	defer func() { res.Elapsed = time.Since(start) }()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URLFor(id), nil)
	if err != nil {
		res.Err = fmt.Sprintf("new request: %v", err)
		return res
	}
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		res.Err = fmt.Sprintf("http get: %v", err)
		return res
	}
	defer resp.Body.Close()
	res.Status = resp.StatusCode

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		res.Err = fmt.Sprintf("http %d", resp.StatusCode)
		return res
	}

	body, err := netsafe.LimitedReadAll(resp.Body, c.config.MaxBytes)
	if err != nil {
		res.Err = fmt.Sprintf("read body: %v", err)
		return res
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var record map[string]any
	if err := dec.Decode(&record); err != nil {
		res.Err = fmt.Sprintf("decode json: %v", err)
		return res
	}

	fields := flatten.Flatten(record)
	if !c.config.KeepMarkup {
		flatten.Scrub(fields)
	}
	res.Fields = fields
	return res
}
