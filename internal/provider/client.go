package provider

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/timmy/genflow/internal/config"
)

// Config holds transport settings for one provider endpoint.
type Config struct {
	BaseURL      string
	APIKey       string
	Timeout      time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
}

// ConfigFrom converts the application provider config.
func ConfigFrom(c config.HTTPProviderConfig) Config {
	return Config{
		BaseURL:      c.BaseURL,
		APIKey:       c.APIKey,
		Timeout:      c.Timeout,
		MaxRetries:   c.MaxRetries,
		RetryBackoff: c.RetryBackoff,
	}
}

// newHTTPClient builds a resty client with bounded linear-backoff retries on
// network errors, 429 and 5xx responses.
func newHTTPClient(cfg Config) *resty.Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = 600 * time.Millisecond
	}

	client := resty.New()
	client.SetBaseURL(strings.TrimSuffix(cfg.BaseURL, "/"))
	client.SetHeader("Content-Type", "application/json")
	client.SetTimeout(timeout)

	if cfg.MaxRetries > 0 {
		client.SetRetryCount(cfg.MaxRetries)
		client.SetRetryWaitTime(backoff)
		client.SetRetryMaxWaitTime(backoff * time.Duration(cfg.MaxRetries+1))
		client.AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= 500
		})
		client.SetRetryAfter(func(_ *resty.Client, r *resty.Response) (time.Duration, error) {
			if r == nil || r.Request == nil {
				return backoff, nil
			}
			return backoff * time.Duration(r.Request.Attempt), nil
		})
	}

	return client
}

// transportError classifies an error returned by resty before any response was read.
func transportError(provider string, err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return unavailable(provider, 0, "request failed", err)
}
