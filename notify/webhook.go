package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"chainwatch/core"

	"go.uber.org/zap"
)

// WebhookConfig configures the generic webhook sink.
type WebhookConfig struct {
	URL     string            `mapstructure:"url"`
	Method  string            `mapstructure:"method"`
	Headers map[string]string `mapstructure:"headers"`
}

// DefaultHTTPClient is used by webhook sinks when none is supplied.
func DefaultHTTPClient() *http.Client {
	return &http.Client{
		Timeout: core.HTTPClientTimeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
		},
	}
}

// WebhookSink POSTs the alert as JSON to an arbitrary endpoint.
type WebhookSink struct {
	name   string
	cfg    WebhookConfig
	client *http.Client
	logger *zap.SugaredLogger
}

// NewWebhookSink creates a webhook sink. A nil client uses DefaultHTTPClient.
func NewWebhookSink(name string, cfg WebhookConfig, client *http.Client, logger *zap.SugaredLogger) (*WebhookSink, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: webhook sink %s: url is required", ErrInvalidSinkConfig, name)
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	cfg.Method = strings.ToUpper(cfg.Method)
	if client == nil {
		client = DefaultHTTPClient()
	}
	return &WebhookSink{name: name, cfg: cfg, client: client, logger: logger}, nil
}

// Name implements Sink.
func (s *WebhookSink) Name() string { return s.name }

// webhookPayload is the body sent by WebhookSink.
type webhookPayload struct {
	Event string      `json:"event"`
	Alert *core.Alert `json:"alert"`
}

// Send implements Sink.
func (s *WebhookSink) Send(ctx context.Context, alert *core.Alert) Result {
	start := time.Now()
	body, err := json.Marshal(webhookPayload{Event: "alert.created", Alert: alert})
	if err != nil {
		return newResult(s.name, start, fmt.Errorf("failed to marshal webhook payload: %w", err))
	}
	err = post(ctx, s.client, s.cfg.Method, s.cfg.URL, s.cfg.Headers, body)
	if err == nil {
		s.logger.Infow("Sent webhook notification", "sink", s.name, "alert_id", alert.AlertID)
	}
	return newResult(s.name, start, err)
}

// ChatWebhookSink posts a Slack-compatible attachment message.
type ChatWebhookSink struct {
	name   string
	url    string
	client *http.Client
	logger *zap.SugaredLogger
}

// NewChatWebhookSink creates a chat sink. A nil client uses DefaultHTTPClient.
func NewChatWebhookSink(name, url string, client *http.Client, logger *zap.SugaredLogger) (*ChatWebhookSink, error) {
	if url == "" {
		return nil, fmt.Errorf("%w: chat sink %s: url is required", ErrInvalidSinkConfig, name)
	}
	if client == nil {
		client = DefaultHTTPClient()
	}
	return &ChatWebhookSink{name: name, url: url, client: client, logger: logger}, nil
}

// Name implements Sink.
func (s *ChatWebhookSink) Name() string { return s.name }

var severityColor = map[core.Severity]string{
	core.SeverityCritical: "#d32f2f",
	core.SeverityHigh:     "#f44336",
	core.SeverityMedium:   "#ff9800",
	core.SeverityLow:      "#2196f3",
}

type chatField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type chatAttachment struct {
	Color  string      `json:"color"`
	Title  string      `json:"title"`
	Text   string      `json:"text,omitempty"`
	Fields []chatField `json:"fields"`
	Footer string      `json:"footer"`
	Ts     int64       `json:"ts"`
}

type chatMessage struct {
	Text        string           `json:"text"`
	Attachments []chatAttachment `json:"attachments"`
}

func chatPayload(alert *core.Alert) chatMessage {
	color := severityColor[alert.Severity]
	if color == "" {
		color = "#757575"
	}
	fields := []chatField{
		{Title: "Type", Value: alert.Type, Short: true},
		{Title: "Entity", Value: "`" + alert.Entity + "`", Short: true},
		{Title: "Rule", Value: alert.RuleID, Short: true},
		{Title: "Alert ID", Value: "`" + alert.AlertID + "`", Short: true},
	}
	if alert.TxHash != "" {
		fields = append(fields, chatField{Title: "Transaction", Value: "`" + alert.TxHash + "`"})
	}
	return chatMessage{
		Text: fmt.Sprintf("*%s severity alert*: %s", strings.ToUpper(string(alert.Severity)), alert.Type),
		Attachments: []chatAttachment{{
			Color:  color,
			Title:  alert.Title,
			Text:   alert.Description,
			Fields: fields,
			Footer: "chainwatch",
			Ts:     alert.Timestamp.Unix(),
		}},
	}
}

// Send implements Sink.
func (s *ChatWebhookSink) Send(ctx context.Context, alert *core.Alert) Result {
	start := time.Now()
	body, err := json.Marshal(chatPayload(alert))
	if err != nil {
		return newResult(s.name, start, fmt.Errorf("failed to marshal chat payload: %w", err))
	}
	err = post(ctx, s.client, http.MethodPost, s.url, nil, body)
	if err == nil {
		s.logger.Infow("Sent chat notification", "sink", s.name, "alert_id", alert.AlertID)
	}
	return newResult(s.name, start, err)
}

func post(ctx context.Context, client *http.Client, method, url string, headers map[string]string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", core.UserAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("endpoint returned non-2xx status: %d", resp.StatusCode)
	}
	return nil
}
