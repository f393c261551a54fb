package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// maxBodyBytes bounds a catalog response body.
const maxBodyBytes = 4 << 20

// HTTPOptions configures catalog requests.
type HTTPOptions struct {
	// Client is used for requests; a client with Timeout is created if nil
	Client *http.Client

	// Timeout applies to each attempt when Client is nil
	Timeout time.Duration

	// MaxRetries caps retries of transient failures; 0 disables retrying
	MaxRetries int

	// RetryBackoff is the initial retry interval
	RetryBackoff time.Duration
}

type httpGetter struct {
	client       *http.Client
	maxRetries   int
	retryBackoff time.Duration
}

func newHTTPGetter(opts HTTPOptions) *httpGetter {
	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &httpGetter{
		client:       client,
		maxRetries:   opts.MaxRetries,
		retryBackoff: opts.RetryBackoff,
	}
}

// get fetches target, retrying transport errors and 5xx responses.
func (g *httpGetter) get(ctx context.Context, target string) ([]byte, error) {
	newBackoff := func() backoff.BackOff {
		ebo := backoff.NewExponentialBackOff()
		if g.retryBackoff > 0 {
			ebo.InitialInterval = g.retryBackoff
		}
		ebo.Reset()
		return backoff.WithMaxRetries(ebo, uint64(g.maxRetries))
	}

	var body []byte
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build request: %w", err))
		}

		resp, err := g.client.Do(req)
		if err != nil {
			return fmt.Errorf("failed to fetch catalog: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("failed to fetch catalog: HTTP %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("failed to fetch catalog: HTTP %d", resp.StatusCode))
		}

		body, err = io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return fmt.Errorf("read catalog body: %w", err)
		}
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(newBackoff(), ctx)); err != nil {
		return nil, err
	}
	return body, nil
}

// resolveURL resolves a possibly relative URL against a base URL.
func resolveURL(baseURL, relativeURL string) (string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}

	rel, err := url.Parse(relativeURL)
	if err != nil {
		return "", fmt.Errorf("invalid relative URL: %w", err)
	}

	return base.ResolveReference(rel).String(), nil
}
