package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

type webPushPayload struct {
	AlarmID  string   `json:"alarm_id"`
	Event    string   `json:"event"`
	Title    string   `json:"title"`
	Body     string   `json:"body"`
	Priority Priority `json:"priority"`
}

// WebPushChannel posts messages to the push endpoints registered by each recipient.
type WebPushChannel struct {
	client *http.Client
}

// WebhookOption configures the web-push channel.
type WebhookOption func(*WebPushChannel)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) WebhookOption {
	return func(ch *WebPushChannel) {
		if client != nil {
			ch.client = client
		}
	}
}

// NewWebPushChannel constructs a web-push channel.
func NewWebPushChannel(opts ...WebhookOption) *WebPushChannel {
	channel := &WebPushChannel{
		client: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(channel)
	}
	return channel
}

// Name implements Channel.
func (w *WebPushChannel) Name() string { return ChannelWebPush }

// Send posts to every endpoint of the recipient. 404 and 410 responses mark the endpoint invalid.
func (w *WebPushChannel) Send(ctx context.Context, recipient Recipient, msg Message) Outcome {
	outcome := Outcome{Channel: ChannelWebPush}
	endpoints := recipient.Tokens(ChannelWebPush)
	if len(endpoints) == 0 {
		return outcome
	}
	body, err := json.Marshal(webPushPayload{
		AlarmID:  msg.AlarmID,
		Event:    msg.Event,
		Title:    msg.Title,
		Body:     msg.Body,
		Priority: msg.Priority,
	})
	if err != nil {
		outcome.Err = err
		return outcome
	}
	var errs []error
	for _, endpoint := range endpoints {
		status, err := w.post(ctx, endpoint, body, msg.Priority)
		switch {
		case err != nil:
			errs = append(errs, err)
		case status == http.StatusNotFound || status == http.StatusGone:
			outcome.InvalidTokens = append(outcome.InvalidTokens, endpoint)
		case status >= 300:
			errs = append(errs, fmt.Errorf("web push: non-2xx response %d", status))
		default:
			outcome.Delivered++
		}
	}
	outcome.Err = errors.Join(errs...)
	return outcome
}

func (w *WebPushChannel) post(ctx context.Context, endpoint string, body []byte, priority Priority) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	urgency := "normal"
	if priority == PriorityHigh {
		urgency = "high"
	}
	req.Header.Set("Urgency", urgency)
	resp, err := w.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}
