// Package notify fans domain events out to email, the realtime hub, and
// the audit log. Channels are failure-isolated: a dead relay or a full
// socket buffer never fails the operation that emitted the event.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/protfolio666/GapOpsHub-sub000/internal/core"
)

// Message is one outbound email.
type Message struct {
	To      []string `json:"to"`
	Cc      []string `json:"cc,omitempty"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

// Sender delivers email. Implementations must be safe for concurrent
// use.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// DeliveryObserver counts relay deliveries by outcome; *metrics.Metrics
// satisfies it.
type DeliveryObserver interface {
	ObserveEmail(outcome string)
}

// RelayClient posts messages to the external HTTP relay. Calls run
// through a circuit breaker so a dead relay fails fast instead of
// holding a connection per event.
type RelayClient struct {
	url      string
	apiKey   string
	from     string
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
	observer DeliveryObserver // nil disables outcome counting
	logger   *slog.Logger
}

// NewRelayClient builds the relay sender.
func NewRelayClient(url, apiKey, from string) *RelayClient {
	return &RelayClient{
		url:    url,
		apiKey: apiKey,
		from:   from,
		client: &http.Client{Timeout: 10 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "email-relay",
			Timeout: 60 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		logger: slog.Default().With("component", "email"),
	}
}

// SetObserver attaches the delivery outcome counter.
func (c *RelayClient) SetObserver(o DeliveryObserver) {
	c.observer = o
}

func (c *RelayClient) observe(outcome string) {
	if c.observer != nil {
		c.observer.ObserveEmail(outcome)
	}
}

type relayPayload struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Cc      []string `json:"cc,omitempty"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

// Send posts the message to the relay.
func (c *RelayClient) Send(ctx context.Context, msg Message) error {
	if len(msg.To) == 0 {
		return nil
	}
	_, err := c.breaker.Execute(func() (interface{}, error) {
		body, err := json.Marshal(relayPayload{
			From: c.from, To: msg.To, Cc: msg.Cc, Subject: msg.Subject, HTML: msg.HTML,
		})
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.apiKey)

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return nil, fmt.Errorf("relay returned %d: %s", resp.StatusCode, b)
		}
		return nil, nil
	})
	if err != nil {
		c.observe("failed")
		return core.Wrap(core.KindExternal, "send email", err)
	}
	c.observe("sent")
	return nil
}
