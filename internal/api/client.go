package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const defaultTimeout = 10 * time.Second

// Config holds the connection settings for one DHIS2 instance
type Config struct {
	BaseURL    string        // API root, e.g. http://host/api/29
	Username   string
	Password   string
	Timeout    time.Duration // Per-request timeout
	RetryCount int           // Transport-level retries, applied to GET requests only
	UserAgent  string
}

// Client represents an authenticated channel to the DHIS2 API.
// A Client is owned by a single run and must be closed when the run ends.
type Client struct {
	baseURL string
	http    *resty.Client
}

// StatusError is returned by typed helpers when DHIS2 answers with a non-2xx status
type StatusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// SystemInfo is the subset of /system/info used for the connectivity probe
type SystemInfo struct {
	Version     string `json:"version"`
	Revision    string `json:"revision"`
	ServerDate  string `json:"serverDate"`
	ContextPath string `json:"contextPath"`
}

// NewClient creates a new DHIS2 API client
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = "dhis2submit"
	}

	client := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
	}

	client.http = resty.New().
		SetHeader("User-Agent", userAgent).
		SetHeader("Accept", "application/json").
		SetBasicAuth(cfg.Username, cfg.Password).
		SetTimeout(timeout)

	if cfg.RetryCount > 0 {
		client.http.
			SetRetryCount(cfg.RetryCount).
			SetRetryWaitTime(500 * time.Millisecond).
			SetRetryMaxWaitTime(2 * time.Second).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				// Submissions are never retried here; retry policy for them belongs to the caller
				if r == nil || r.Request == nil || r.Request.Method != http.MethodGet {
					return false
				}
				// Retry on 429 (Too Many Requests) and 5xx server errors
				return r.StatusCode() == 429 || (r.StatusCode() >= 500 && r.StatusCode() <= 504)
			})
	}

	return client
}

// Get performs a GET request to the DHIS2 API
func (c *Client) Get(ctx context.Context, endpoint string, params map[string]string) (*resty.Response, error) {
	req := c.http.R().SetContext(ctx)

	if params != nil {
		req.SetQueryParams(params)
	}

	return req.Get(c.buildURL(endpoint))
}

// Post performs a POST request to the DHIS2 API
func (c *Client) Post(ctx context.Context, endpoint string, payload interface{}) (*resty.Response, error) {
	return c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(payload).
		Post(c.buildURL(endpoint))
}

// SystemInfo fetches /system/info, used as a connectivity and credentials probe
func (c *Client) SystemInfo(ctx context.Context) (*SystemInfo, error) {
	resp, err := c.Get(ctx, "system/info", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to reach DHIS2: %w", err)
	}

	if !resp.IsSuccess() {
		return nil, &StatusError{StatusCode: resp.StatusCode(), Status: resp.Status(), Body: truncate(resp.String(), 200)}
	}

	var info SystemInfo
	if err := json.Unmarshal(resp.Body(), &info); err != nil {
		return nil, fmt.Errorf("failed to parse system info: %w", err)
	}

	return &info, nil
}

// BaseURL returns the API root this client talks to
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Close releases idle connections held by the channel
func (c *Client) Close() {
	c.http.GetClient().CloseIdleConnections()
}

// buildURL constructs the full URL for an endpoint
func (c *Client) buildURL(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "/")
	return fmt.Sprintf("%s/%s", c.baseURL, endpoint)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
