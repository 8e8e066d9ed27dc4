package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// WebhookSink posts {"text": ...} to a chat incoming-webhook URL.
type WebhookSink struct {
	URL    string
	Client *http.Client
}

func (WebhookSink) Name() string { return "webhook" }

func (s WebhookSink) Send(ctx context.Context, msg Message) error {
	if strings.TrimSpace(s.URL) == "" {
		return nil
	}
	text := msg.Subject
	if msg.Body != "" {
		text += "\n" + msg.Body
	}
	if msg.Severity == SeverityError {
		text = ":warning: " + text
	}
	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}
