// Package events publishes best-effort provisioning lifecycle
// notifications, grounded on the build worker's sendCallback: a small
// JSON POST with its own short timeout, whose failure is logged but
// never allowed to affect the job's own outcome.
package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const defaultTimeout = 5 * time.Second

// Event describes a provisioning lifecycle transition.
type Event struct {
	JobID         string `json:"job_id"`
	UserID        int64  `json:"user_id"`
	DojoReference string `json:"dojo_reference"`
	ChallengeID   int64  `json:"challenge_id"`
	State         string `json:"state"`
	Timestamp     int64  `json:"timestamp"`
}

// Publisher emits provisioning events. Implementations must not block
// the orchestrator beyond their own timeout.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// NoopPublisher discards events, used when no callback URL is configured.
type NoopPublisher struct{}

// Publish does nothing.
func (NoopPublisher) Publish(ctx context.Context, ev Event) error { return nil }

// HTTPPublisher POSTs events as JSON to a fixed URL.
type HTTPPublisher struct {
	url    string
	client *http.Client
	logger *zap.Logger
}

// NewHTTPPublisher constructs an HTTPPublisher posting to url.
func NewHTTPPublisher(url string, logger *zap.Logger) *HTTPPublisher {
	return &HTTPPublisher{
		url:    url,
		client: &http.Client{Timeout: defaultTimeout},
		logger: logger,
	}
}

// Publish sends ev, returning an error on transport failure or a
// non-2xx response. Callers that treat event delivery as best-effort
// should log this error rather than fail the job on it.
func (p *HTTPPublisher) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build event request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("event publish returned status %d", resp.StatusCode)
	}
	return nil
}
