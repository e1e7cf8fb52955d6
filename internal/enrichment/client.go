package enrichment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"log/slog"

	"github.com/sethvargo/go-retry"
)

var (
	// ErrVendorUnavailable wraps transport failures and 5xx answers after
	// retries are exhausted.
	ErrVendorUnavailable = errors.New("vendor unavailable")
	// ErrVendorRejected wraps 4xx answers, which are never retried.
	ErrVendorRejected = errors.New("vendor rejected request")
)

// client carries what every vendor integration needs for an outbound call.
type client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	maxRetries uint64
	logger     *slog.Logger
}

func newClient(baseURL, apiKey string, timeout time.Duration, maxRetries int, logger *slog.Logger) client {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		maxRetries: uint64(maxRetries),
		logger:     logger,
	}
}

// doJSON performs an authenticated JSON request with exponential backoff on
// transport errors and 5xx statuses. 4xx answers fail immediately.
func (c client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}

	backoff := retry.WithMaxRetries(c.maxRetries, retry.NewExponential(200*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.logger.Warn("vendor request failed", "path", path, "error", err)
			return retry.RetryableError(fmt.Errorf("%w: %v", ErrVendorUnavailable, err))
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 500:
			c.logger.Warn("vendor returned server error", "path", path, "status", resp.StatusCode)
			return retry.RetryableError(fmt.Errorf("%w: status %d", ErrVendorUnavailable, resp.StatusCode))
		case resp.StatusCode >= 400:
			return fmt.Errorf("%w: status %d", ErrVendorRejected, resp.StatusCode)
		}

		if out == nil {
			return nil
		}
		return json.NewDecoder(resp.Body).Decode(out)
	})
}
