// Package download fetches remote image sources over HTTP with size and
// redirect limits.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	// ErrDownloadFailed covers transport errors, unexpected statuses, and
	// empty bodies.
	ErrDownloadFailed = errors.New("download failed")
	// ErrTooLarge is returned the moment the transfer exceeds the byte cap.
	ErrTooLarge = errors.New("download exceeds size limit")
)

// StatusError reports a non-2xx response together with a short body excerpt.
type StatusError struct {
	Status int
	Detail string
}

func (e *StatusError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("download failed with status %d", e.Status)
	}
	return fmt.Sprintf("download failed with status %d: %s", e.Status, e.Detail)
}

func (e *StatusError) Unwrap() error {
	return ErrDownloadFailed
}

const (
	defaultTimeoutSeconds = 15
	defaultMaxBytes       = 15_000_000
	maxRedirects          = 5
	statusDetailLimit     = 512
)

// Config tunes the HTTP fetch behaviour.
type Config struct {
	TimeoutSeconds int
	MaxBytes       int64
	UserAgent      string
}

// Client downloads remote images. It is safe for concurrent use.
type Client struct {
	httpClient *http.Client
	maxBytes   int64
	userAgent  string
}

// NewClient builds a Client with the configured timeout, byte cap, and
// redirect limit.
func NewClient(cfg Config) *Client {
	timeout := cfg.TimeoutSeconds
	if timeout <= 0 {
		timeout = defaultTimeoutSeconds
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: time.Duration(timeout) * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
		maxBytes:  maxBytes,
		userAgent: strings.TrimSpace(cfg.UserAgent),
	}
}

// MaxBytes exposes the effective byte cap.
func (c *Client) MaxBytes() int64 {
	return c.maxBytes
}

// Download fetches the URL and returns the body plus the observed
// Content-Type header. Only http and https URLs are accepted.
func (c *Client) Download(ctx context.Context, rawURL string) ([]byte, string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, "", fmt.Errorf("%w: parse url: %v", ErrDownloadFailed, err)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, "", fmt.Errorf("%w: scheme %q not allowed", ErrDownloadFailed, parsed.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("%w: build request: %v", ErrDownloadFailed, err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, statusDetailLimit))
		return nil, "", &StatusError{Status: res.StatusCode, Detail: strings.TrimSpace(string(snippet))}
	}
	if res.ContentLength > c.maxBytes {
		return nil, "", fmt.Errorf("%w (limit %d bytes)", ErrTooLarge, c.maxBytes)
	}

	data, err := io.ReadAll(io.LimitReader(res.Body, c.maxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("%w: read body: %v", ErrDownloadFailed, err)
	}
	if int64(len(data)) > c.maxBytes {
		return nil, "", fmt.Errorf("%w (limit %d bytes)", ErrTooLarge, c.maxBytes)
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("%w: empty response body", ErrDownloadFailed)
	}

	return data, res.Header.Get("Content-Type"), nil
}
