package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/petal-labs/reactor/core"
)

const defaultWebhookTimeout = 10 * time.Second

// Delivery describes one webhook delivery attempt.
type Delivery struct {
	Action     string
	Kind       core.Kind
	Endpoint   string
	Attempt    int
	StatusCode int
	Duration   time.Duration
	Success    bool
	Error      string
}

// DeliveryObserver receives webhook delivery attempts.
type DeliveryObserver interface {
	ObserveDelivery(Delivery)
}

// webhookBody is the JSON posted to webhook endpoints.
type webhookBody struct {
	Action  string          `json:"action"`
	EventID string          `json:"event_id"`
	Kind    core.Kind       `json:"kind"`
	Source  string          `json:"source"`
	Time    time.Time       `json:"time"`
	Seq     uint64          `json:"seq"`
	Payload json.RawMessage `json:"payload"`
}

func newWebhookAction(d Declaration, client *http.Client, observer DeliveryObserver, logger *slog.Logger) core.Action {
	if client == nil {
		timeout := d.Timeout
		if timeout <= 0 {
			timeout = defaultWebhookTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	endpoint := strings.TrimSpace(d.Endpoint)

	return core.NewAction(d.Name, describe(d, "POST the change event to "+endpoint), func(ctx context.Context, event core.Event) (any, error) {
		payload, err := core.EncodePayload(event.Payload)
		if err != nil {
			return nil, fmt.Errorf("webhook %s: encode payload: %w", d.Name, err)
		}
		body, err := json.Marshal(webhookBody{
			Action:  d.Name,
			EventID: event.ID,
			Kind:    event.Kind,
			Source:  event.Source,
			Time:    event.Time,
			Seq:     event.Seq,
			Payload: payload,
		})
		if err != nil {
			return nil, fmt.Errorf("webhook %s: encode request: %w", d.Name, err)
		}

		var status int
		attempts, err := doWithRetry(ctx, d.Retry, func(ctx context.Context, attempt int) error {
			start := time.Now()
			code, err := post(ctx, client, endpoint, d.Headers, body)
			status = code
			if observer != nil {
				delivery := Delivery{
					Action:     d.Name,
					Kind:       event.Kind,
					Endpoint:   endpoint,
					Attempt:    attempt,
					StatusCode: code,
					Duration:   time.Since(start),
					Success:    err == nil,
				}
				if err != nil {
					delivery.Error = err.Error()
				}
				observer.ObserveDelivery(delivery)
			}
			if err != nil {
				logger.Debug("webhook: attempt failed", "action", d.Name, "attempt", attempt, "error", err)
			}
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("webhook %s: %w", d.Name, err)
		}
		return map[string]any{"status": status, "attempts": attempts}, nil
	})
}

// post sends body and classifies the outcome. Server errors and 429 are
// retryable; other non-2xx responses are not.
func post(ctx context.Context, client *http.Client, endpoint string, headers map[string]string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, retryableError{fmt.Errorf("deliver: %w", err)}
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		return resp.StatusCode, nil
	}

	message := strings.TrimSpace(string(respBody))
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}
	statusErr := fmt.Errorf("endpoint returned status %d: %s", resp.StatusCode, message)
	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		return resp.StatusCode, retryableError{statusErr}
	}
	return resp.StatusCode, statusErr
}
