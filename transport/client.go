// Package transport implements the HTTPS leg of the delivery pipeline:
// a single POST of a serialized item envelope to the ingestion endpoint.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/pkg/errors"
)

const (
	// DefaultEndpoint is the ingestion API base; the item path is appended.
	DefaultEndpoint = "https://api.rollbar.com/api/1/"

	accessTokenHeader = "X-Rollbar-Access-Token"
	contentType       = "application/json; charset=utf-8"

	defaultTimeout = 30 * time.Second
)

// ItemResponse is the parsed body of an item POST.
//
// Success is HTTP 200 with Err == 0. HTTP 200 with Err != 0 is an
// application-level rejection.
type ItemResponse struct {
	StatusCode int                    `json:"-"`
	Err        int                    `json:"err"`
	Message    string                 `json:"message,omitempty"`
	Result     map[string]interface{} `json:"result,omitempty"`

	// RetryAfter is populated from the Retry-After header on HTTP 429.
	RetryAfter time.Duration `json:"-"`
}

// Accepted reports whether the API stored the item.
func (r *ItemResponse) Accepted() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300 && r.Err == 0
}

// Rejected reports an application-level rejection on a 2xx response.
func (r *ItemResponse) Rejected() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300 && r.Err != 0
}

// RateLimited reports HTTP 429.
func (r *ItemResponse) RateLimited() bool {
	return r.StatusCode == http.StatusTooManyRequests
}

// Transient reports a server-side failure worth retrying with backoff.
func (r *ItemResponse) Transient() bool {
	return r.StatusCode >= 500
}

// Client posts finished item envelopes. The queue controller is the only
// caller; it performs at most one post at a time.
type Client interface {
	PostItem(ctx context.Context, body []byte, accessToken string) (*ItemResponse, error)
}

// Options configures an HTTPClient.
type Options struct {
	Endpoint      string
	Timeout       time.Duration
	ProxyAddress  string
	ProxyUser     string
	ProxyPassword string
	UserAgent     string
}

// HTTPClient is the production Client. It owns its http.Client so that
// proxy settings are fixed for the client's lifetime; reconfiguration swaps
// the whole client via the pool.
type HTTPClient struct {
	itemURL    string
	userAgent  string
	httpClient *http.Client
}

// NewHTTPClient builds a client for the given options. The endpoint must be
// an absolute http(s) URL.
func NewHTTPClient(opts Options) (*HTTPClient, error) {
	endpoint := opts.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if !strings.HasSuffix(endpoint, "/") {
		endpoint += "/"
	}
	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, errors.Errorf("invalid endpoint %q", opts.Endpoint)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	httpClient := &http.Client{Timeout: timeout}
	if opts.ProxyAddress != "" {
		proxyURL, err := url.Parse(opts.ProxyAddress)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid proxy address %q", opts.ProxyAddress)
		}
		if opts.ProxyUser != "" {
			proxyURL.User = url.UserPassword(opts.ProxyUser, opts.ProxyPassword)
		}
		httpClient.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	}

	return &HTTPClient{
		itemURL:    endpoint + "item/",
		userAgent:  opts.UserAgent,
		httpClient: httpClient,
	}, nil
}

// ItemURL returns the resolved item endpoint.
func (c *HTTPClient) ItemURL() string {
	return c.itemURL
}

// PostItem posts one serialized envelope and parses the response. A non-nil
// error means the exchange itself failed (DNS, TCP, TLS, read/write); any
// HTTP response, including 4xx/5xx, comes back as an ItemResponse.
func (c *HTTPClient) PostItem(ctx context.Context, body []byte, accessToken string) (*ItemResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.itemURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(accessTokenHeader, accessToken)
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	resp.Body.Close()

	out := &ItemResponse{StatusCode: resp.StatusCode}
	if len(respBody) > 0 {
		// A proxy or LB may answer with a non-JSON body; keep the status
		// classification and surface the text as the message.
		if err := sonic.Unmarshal(respBody, out); err != nil {
			out.Message = strings.TrimSpace(string(respBody))
		}
		out.StatusCode = resp.StatusCode
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		out.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	}

	return out, nil
}

// parseRetryAfter handles the delay-seconds form; anything else falls back
// to a full window.
func parseRetryAfter(v string) time.Duration {
	if v != "" {
		if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return time.Minute
}
