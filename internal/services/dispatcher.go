package services

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/quickwind/workflow/internal/logger"
)

// Dispatcher delivers service-task invocations to catalog endpoints.
type Dispatcher interface {
	// Invoke POSTs the payload and waits for the response within the
	// context deadline. Non-2xx statuses are errors.
	Invoke(ctx context.Context, url string, payload []byte) ([]byte, error)

	// DispatchAsync POSTs the payload in the background. Delivery failures
	// are logged; the workflow waits for the signed callback regardless.
	DispatchAsync(url string, payload []byte, instanceID, taskID string)
}

// HTTPDispatcher is the production Dispatcher over a shared http.Client.
type HTTPDispatcher struct {
	client *http.Client
}

// NewHTTPDispatcher builds a dispatcher with the given overall client
// timeout. The timeout bounds async deliveries; sync invocations are bounded
// by the caller's context as well.
func NewHTTPDispatcher(timeout time.Duration) *HTTPDispatcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPDispatcher{client: &http.Client{Timeout: timeout}}
}

func (d *HTTPDispatcher) Invoke(ctx context.Context, url string, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build invocation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("invoke %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read invocation response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("invoke %s: status %d", url, resp.StatusCode)
	}
	return body, nil
}

func (d *HTTPDispatcher) DispatchAsync(url string, payload []byte, instanceID, taskID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), d.client.Timeout)
		defer cancel()

		if _, err := d.Invoke(ctx, url, payload); err != nil {
			logger.Logger.Warn().
				Err(err).
				Str("instance_id", instanceID).
				Str("task_id", taskID).
				Str("url", url).
				Msg("Async service task dispatch failed")
			return
		}
		logger.Logger.Debug().
			Str("instance_id", instanceID).
			Str("task_id", taskID).
			Msg("Async service task dispatched")
	}()
}
