package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pollbridge/pollbridge/pkg/log"
)

const (
	// DefaultTimeout bounds each webhook POST
	DefaultTimeout = 30 * time.Second

	// maxErrorBody caps how much of a failure response is kept as last_error
	maxErrorBody = 200
)

// backoffSchedule holds the delay before retry attempt n (1-based); attempts
// beyond the table reuse the final entry
var backoffSchedule = []time.Duration{
	30 * time.Second,
	60 * time.Second,
	120 * time.Second,
	240 * time.Second,
	600 * time.Second,
}

// SendError describes a failed webhook delivery. StatusCode is 0 for
// transport-level failures.
type SendError struct {
	StatusCode int
	Message    string
}

func (e *SendError) Error() string {
	return e.Message
}

// Dispatcher POSTs envelopes to a connection's webhook endpoint
type Dispatcher struct {
	http *http.Client
}

// NewDispatcher creates a dispatcher over the given HTTP client. The client
// is owned by the connection task, not shared.
func NewDispatcher(httpClient *http.Client) *Dispatcher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &Dispatcher{http: httpClient}
}

// Send delivers one serialized envelope. Any status outside [200, 300) and
// any transport error come back as *SendError with the response body
// truncated into the message.
func (d *Dispatcher) Send(ctx context.Context, webhookURL string, payload []byte, secret, connectionID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(payload))
	if err != nil {
		return &SendError{Message: fmt.Sprintf("failed to build request: %v", err)}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Upstream-Connection-Id", connectionID)
	if secret != "" {
		req.Header.Set("X-Webhook-Secret", secret)
	}

	resp, err := d.http.Do(req)
	if err != nil {
		return &SendError{Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		logger := log.WithComponent("dispatch")
		logger.Debug().
			Str("connection_id", connectionID).
			Int("status", resp.StatusCode).
			Msg("webhook delivered")
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &SendError{
		StatusCode: resp.StatusCode,
		Message:    fmt.Sprintf("HTTP %d: %s", resp.StatusCode, body),
	}
}

// Backoff returns the delay before retry attempt n: 30s, 60s, 120s, 240s,
// then 600s for every attempt after that.
func Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if attempts > len(backoffSchedule) {
		attempts = len(backoffSchedule)
	}
	return backoffSchedule[attempts-1]
}
