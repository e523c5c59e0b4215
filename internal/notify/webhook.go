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

// Sender posts rendered notification text.
type Sender interface {
	Send(ctx context.Context, content string) error
}

// WebhookSender posts text messages to a chat-style webhook.
type WebhookSender struct {
	url    string
	client *http.Client
}

type webhookPayload struct {
	MsgType string      `json:"msgtype"`
	Text    webhookText `json:"text"`
}

type webhookText struct {
	Content string `json:"content"`
}

// NewWebhookSender constructs a sender with the given request timeout.
func NewWebhookSender(url string, timeout time.Duration) (*WebhookSender, error) {
	if url == "" {
		return nil, errors.New("webhook sender: empty url")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookSender{url: url, client: &http.Client{Timeout: timeout}}, nil
}

// Send implements Sender.
func (s *WebhookSender) Send(ctx context.Context, content string) error {
	if s == nil || s.url == "" {
		return errors.New("webhook sender: empty url")
	}
	body, err := json.Marshal(webhookPayload{MsgType: "text", Text: webhookText{Content: content}})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook sender: http %d", resp.StatusCode)
	}
	return nil
}
