// Package notify delivers out-of-band notifications for cultivation events.
// Delivery is best effort: a failed notification never rolls back the state
// change that produced it.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	charmlog "github.com/charmbracelet/log"
)

const defaultTimeout = 5 * time.Second

// Notifier is what the engine and the reminder scheduler talk to.
type Notifier interface {
	SendReminder(ctx context.Context, r Reminder) error
	SendRecurringStepCreated(ctx context.Context, cropInstanceID, stepName string, recurrenceNumber int) error
}

// Reminder describes one due-step notification.
type Reminder struct {
	CropInstanceID string     `json:"crop_instance_id"`
	StepInstanceID string     `json:"step_instance_id"`
	StepName       string     `json:"step_name"`
	ScheduledStart *time.Time `json:"scheduled_start,omitempty"`
	ScheduledEnd   *time.Time `json:"scheduled_end,omitempty"`
}

// LogNotifier writes notifications to the structured log. It is the default
// when no webhook is configured.
type LogNotifier struct {
	Log *charmlog.Logger
}

func (n LogNotifier) logger() *charmlog.Logger {
	if n.Log != nil {
		return n.Log
	}
	return charmlog.Default()
}

func (n LogNotifier) SendReminder(_ context.Context, r Reminder) error {
	n.logger().Info("reminder due", "crop", r.CropInstanceID, "step", r.StepInstanceID, "name", r.StepName)
	return nil
}

func (n LogNotifier) SendRecurringStepCreated(_ context.Context, cropInstanceID, stepName string, recurrenceNumber int) error {
	n.logger().Info("recurring step created", "crop", cropInstanceID, "name", stepName, "recurrence", recurrenceNumber)
	return nil
}

// WebhookNotifier POSTs notifications as JSON to a configured endpoint.
type WebhookNotifier struct {
	URL     string
	Secret  string
	Client  *http.Client
	Timeout time.Duration
}

func NewWebhookNotifier(url, secret string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &WebhookNotifier{
		URL:     url,
		Secret:  secret,
		Client:  &http.Client{Timeout: timeout},
		Timeout: timeout,
	}
}

type webhookEnvelope struct {
	Type    string          `json:"type"`
	TS      string          `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

func (n *WebhookNotifier) SendReminder(ctx context.Context, r Reminder) error {
	return n.post(ctx, "step.reminder", r)
}

func (n *WebhookNotifier) SendRecurringStepCreated(ctx context.Context, cropInstanceID, stepName string, recurrenceNumber int) error {
	return n.post(ctx, "step.recurrence_created", map[string]any{
		"crop_instance_id":  cropInstanceID,
		"step_name":         stepName,
		"recurrence_number": recurrenceNumber,
	})
}

func (n *WebhookNotifier) post(ctx context.Context, evtType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	body, err := json.Marshal(webhookEnvelope{
		Type:    evtType,
		TS:      time.Now().UTC().Format(time.RFC3339),
		Payload: raw,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Cropline-Event", evtType)
	if strings.TrimSpace(n.Secret) != "" {
		req.Header.Set("X-Cropline-Secret", n.Secret)
	}
	client := n.Client
	if client == nil {
		client = &http.Client{Timeout: n.Timeout}
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}
