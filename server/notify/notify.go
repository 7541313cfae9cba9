// Package notify delivers pledge emails through an external mailer.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// LogNotifier writes every message to the log instead of sending it. It is
// the development mailer.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Send(ctx context.Context, to, subject, body, pledgeID string) bool {
	n.logger.InfoContext(ctx, "email", "to", to, "subject", subject, "pledge_id", pledgeID, "body", body)
	return true
}

// Message is the JSON document posted to the mailer webhook.
type Message struct {
	From     string `json:"from,omitempty"`
	To       string `json:"to"`
	Subject  string `json:"subject"`
	Body     string `json:"body"`
	PledgeID string `json:"pledge_id"`
}

// WebhookNotifier posts each message to a mailer endpoint. Any 2xx response
// counts as accepted.
type WebhookNotifier struct {
	url    string
	from   string
	client *http.Client
	logger *slog.Logger
}

type WebhookOption func(*WebhookNotifier)

func WithHTTPClient(c *http.Client) WebhookOption {
	return func(n *WebhookNotifier) { n.client = c }
}

func WithLogger(logger *slog.Logger) WebhookOption {
	return func(n *WebhookNotifier) { n.logger = logger }
}

func NewWebhookNotifier(url, from string, opts ...WebhookOption) *WebhookNotifier {
	n := &WebhookNotifier{
		url:    url,
		from:   from,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func (n *WebhookNotifier) Send(ctx context.Context, to, subject, body, pledgeID string) bool {
	buf, err := json.Marshal(Message{From: n.from, To: to, Subject: subject, Body: body, PledgeID: pledgeID})
	if err != nil {
		n.logger.Error("failed to encode email", "pledge_id", pledgeID, "error", err)
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(buf))
	if err != nil {
		n.logger.Error("failed to create mailer request", "error", err)
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Warn("mailer request failed", "pledge_id", pledgeID, "error", err)
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		n.logger.Warn("mailer rejected email", "pledge_id", pledgeID, "status", resp.StatusCode)
		return false
	}
	return true
}
