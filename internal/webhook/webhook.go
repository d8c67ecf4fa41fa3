package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/awarelab/awarelab/internal/database"
	"github.com/awarelab/awarelab/internal/tracker"
)

const (
	maxResponseBodyBytes = 1024
	sendTimeout          = 30 * time.Second
)

// Training event names.
const (
	EventVideoCompleted     = "video.completed"
	EventModuleCompleted    = "module.completed"
	EventQuizSubmitted      = "quiz.submitted"
	EventCertificateIssued  = "certificate.issued"
	EventIntegrityViolation = "watch.integrity_violation"
	EventRateViolation      = "watch.rate_violation"
)

// Event represents a webhook event to dispatch.
type Event struct {
	Name      string         `json:"event"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Client posts training events to a single operator-configured endpoint.
// A Client with an empty URL is disabled and drops every event.
type Client struct {
	db          database.DBTX
	url         string
	secret      string
	http        *http.Client
	retryDelays []time.Duration
	clock       clockwork.Clock
	wg          sync.WaitGroup
}

func New(db database.DBTX, url, secret string) *Client {
	return &Client{
		db:          db,
		url:         url,
		secret:      secret,
		http:        &http.Client{Timeout: 10 * time.Second},
		retryDelays: []time.Duration{1 * time.Second, 4 * time.Second},
		clock:       clockwork.NewRealClock(),
	}
}

// SetClock replaces the clock used for event timestamps and retry back-off.
func (c *Client) SetClock(clock clockwork.Clock) {
	c.clock = clock
}

func (c *Client) Enabled() bool {
	return c != nil && c.url != ""
}

// SignPayload computes HMAC-SHA256 of the payload using the secret.
func SignPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Dispatch sends an event with up to 3 attempts. Each attempt is logged to
// webhook_deliveries.
func (c *Client) Dispatch(ctx context.Context, userID string, event Event) error {
	if !c.Enabled() {
		return nil
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	signature := SignPayload(c.secret, body)
	maxAttempts := 1 + len(c.retryDelays)
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		statusCode, respBody, err := c.doPost(ctx, event.Name, body, signature)
		c.logDelivery(ctx, userID, event.Name, body, statusCode, respBody, attempt)

		if err == nil && statusCode != nil && *statusCode >= 200 && *statusCode < 300 {
			return nil
		}

		switch {
		case err != nil:
			lastErr = err
		case statusCode != nil:
			lastErr = fmt.Errorf("webhook returned status %d", *statusCode)
		}

		if attempt < maxAttempts {
			select {
			case <-c.clock.After(c.retryDelays[attempt-1]):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	return lastErr
}

// Send dispatches an event in the background with its own timeout.
func (c *Client) Send(userID, name string, data map[string]any) {
	if !c.Enabled() {
		return
	}
	event := Event{Name: name, Timestamp: c.clock.Now().UTC(), Data: data}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		if err := c.Dispatch(ctx, userID, event); err != nil {
			slog.Error("webhook: dispatch failed", "user_id", userID, "event", event.Name, "error", err)
		}
	}()
}

// Wait blocks until every event started with Send has finished.
func (c *Client) Wait() {
	if c == nil {
		return
	}
	c.wg.Wait()
}

// For returns a tracker.Notifier that forwards a user's watch violations.
func (c *Client) For(userID string) tracker.Notifier {
	return &watchNotifier{client: c, userID: userID}
}

type watchNotifier struct {
	client *Client
	userID string
}

func (n *watchNotifier) CompletionEligible(string)         {}
func (n *watchNotifier) InsufficientWatch(string, float64) {}

func (n *watchNotifier) IntegrityViolation(videoID string) {
	n.client.Send(n.userID, EventIntegrityViolation, map[string]any{"videoId": videoID})
}

func (n *watchNotifier) RateViolation(videoID string, rate float64) {
	n.client.Send(n.userID, EventRateViolation, map[string]any{"videoId": videoID, "playbackRate": rate})
}

func (c *Client) doPost(ctx context.Context, eventName string, body []byte, signature string) (*int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, "", fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", signature)
	req.Header.Set("X-Webhook-Event", eventName)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err.Error(), err
	}
	defer func() { _ = resp.Body.Close() }()

	respBytes, _ := io.ReadAll(io.LimitReader(resp.Body, int64(maxResponseBodyBytes)+1))
	respBody := string(respBytes)
	if len(respBody) > maxResponseBodyBytes {
		respBody = respBody[:maxResponseBodyBytes]
	}

	return &resp.StatusCode, respBody, nil
}

func (c *Client) logDelivery(ctx context.Context, userID, event string, payload []byte, statusCode *int, responseBody string, attempt int) {
	if _, err := c.db.Exec(ctx,
		`INSERT INTO webhook_deliveries (user_id, event, payload, status_code, response_body, attempt)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		userID, event, payload, statusCode, responseBody, attempt,
	); err != nil {
		slog.Error("webhook: failed to log delivery", "user_id", userID, "error", err)
	}
}
