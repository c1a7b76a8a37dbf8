package warehouse

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"order_processing/internal/models"
)

// Outcome classifies a single delivery attempt.
type Outcome int

const (
	OutcomeDelivered Outcome = iota
	OutcomeTransient         // retry-eligible: network error, timeout, 429, 5xx
	OutcomePermanent         // not retry-eligible: warehouse rejected the payload
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeTransient:
		return "transient"
	case OutcomePermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

type Result struct {
	Outcome    Outcome
	StatusCode int // 0 when no response was received
	Reason     string
}

// Client performs one request/response exchange with the warehouse per call.
// Idempotency rides on the dedupe key: the warehouse treats repeated keys as
// the same event, and a duplicate response counts as delivered.
type Client struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		timeout: timeout,
	}
}

type deliveryResponse struct {
	Status string `json:"status"`
}

// Deliver posts the stored event payload to the warehouse and classifies the
// outcome. The attempt is bounded by the client timeout regardless of the
// caller's context.
func (c *Client) Deliver(ctx context.Context, event *models.OutboxEvent) Result {
	if event == nil || len(event.Payload) == 0 {
		return Result{Outcome: OutcomePermanent, Reason: "empty event payload"}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/car", bytes.NewReader(event.Payload))
	if err != nil {
		return Result{Outcome: OutcomePermanent, Reason: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", event.DedupeKey)

	resp, err := c.http.Do(req)
	if err != nil {
		// network failure or timeout
		return Result{Outcome: OutcomeTransient, Reason: fmt.Sprintf("warehouse request: %v", err)}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))

	return classify(resp.StatusCode, body)
}

func classify(code int, body []byte) Result {
	switch {
	case code >= 200 && code < 300:
		var dr deliveryResponse
		if err := json.Unmarshal(body, &dr); err != nil {
			return Result{
				Outcome:    OutcomeTransient,
				StatusCode: code,
				Reason:     "unparseable success response",
			}
		}
		return Result{Outcome: OutcomeDelivered, StatusCode: code}

	case code == http.StatusConflict:
		// the warehouse already processed this dedupe key
		return Result{Outcome: OutcomeDelivered, StatusCode: code, Reason: "duplicate"}

	case code == http.StatusTooManyRequests || code >= 500:
		return Result{
			Outcome:    OutcomeTransient,
			StatusCode: code,
			Reason:     fmt.Sprintf("warehouse returned %d", code),
		}

	default:
		return Result{
			Outcome:    OutcomePermanent,
			StatusCode: code,
			Reason:     fmt.Sprintf("warehouse rejected event: %d %s", code, strings.TrimSpace(string(body))),
		}
	}
}
