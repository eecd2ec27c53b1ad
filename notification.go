package cloudguard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// NotificationPayload is a batched summary of one pipeline run. Findings from
// a single sample evaluation are collapsed into one payload so a noisy origin
// cannot fan out into a notification storm.
type NotificationPayload struct {
	Channel   string
	Topic     string
	Message   string
	Details   map[string]string
	OriginID  string
	Findings  []string
	Timestamp time.Time
}

// NotificationRegistry manages notification senders by channel name.
type NotificationRegistry struct {
	senders map[string]NotificationSender
	mu      sync.RWMutex
}

func NewNotificationRegistry(cfg NotificationConfig, logger zerolog.Logger) *NotificationRegistry {
	registry := &NotificationRegistry{
		senders: make(map[string]NotificationSender),
	}
	registry.Register(&LogNotificationSender{logger: logger.With().Str("component", "notifier").Logger()})
	registry.Register(&WebhookNotificationSender{
		client: &http.Client{Timeout: 10 * time.Second},
		url:    cfg.WebhookURL,
	})
	registry.Register(&EmailNotificationSender{cfg: cfg.Email})
	return registry
}

// Register adds a notification sender.
func (nr *NotificationRegistry) Register(sender NotificationSender) {
	nr.mu.Lock()
	defer nr.mu.Unlock()
	nr.senders[sender.Name()] = sender
}

// Get retrieves a notification sender.
func (nr *NotificationRegistry) Get(channel string) (NotificationSender, bool) {
	nr.mu.RLock()
	defer nr.mu.RUnlock()
	sender, exists := nr.senders[channel]
	return sender, exists
}

// NotificationSink batches findings per pipeline run into one payload and
// ships it on a detached goroutine. Delivery is fire-and-forget: a failed
// send is logged and dropped, never surfaced to the caller.
type NotificationSink struct {
	registry *NotificationRegistry
	cfg      NotificationConfig
	logger   zerolog.Logger
	metrics  MetricsCollector
	wg       sync.WaitGroup
}

func NewNotificationSink(registry *NotificationRegistry, cfg NotificationConfig, logger zerolog.Logger, metrics MetricsCollector) *NotificationSink {
	return &NotificationSink{
		registry: registry,
		cfg:      cfg,
		logger:   logger.With().Str("component", "notification_sink").Logger(),
		metrics:  metrics,
	}
}

// Notify collapses findings from one evaluation into a single payload and
// dispatches it asynchronously. Returns immediately.
func (ns *NotificationSink) Notify(originID string, findings []*Finding) {
	if len(findings) == 0 {
		return
	}
	sender, exists := ns.registry.Get(ns.cfg.Channel)
	if !exists {
		ns.logger.Warn().Str("channel", ns.cfg.Channel).Msg("notification channel not registered")
		return
	}

	payload := &NotificationPayload{
		Channel:   ns.cfg.Channel,
		Topic:     ns.cfg.Topic,
		Message:   summarizeFindings(originID, findings),
		Details:   ns.cfg.Details,
		OriginID:  originID,
		Timestamp: time.Now(),
	}
	for _, f := range findings {
		payload.Findings = append(payload.Findings, f.ID)
	}

	ns.wg.Add(1)
	go func() {
		defer ns.wg.Done()
		sendCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := sender.Send(sendCtx, payload); err != nil {
			ns.logger.Warn().Err(err).Str("channel", ns.cfg.Channel).Msg("notification delivery failed")
			ns.metrics.IncrementCounter("notifications_failed_total", map[string]string{"channel": ns.cfg.Channel})
			return
		}
		ns.metrics.IncrementCounter("notifications_sent_total", map[string]string{"channel": ns.cfg.Channel})
	}()
}

// Wait blocks until all in-flight deliveries have finished. Used during
// shutdown and by tests.
func (ns *NotificationSink) Wait() {
	ns.wg.Wait()
}

func summarizeFindings(originID string, findings []*Finding) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d finding(s) for origin %s: ", len(findings), originID)
	for i, f := range findings {
		if i > 0 {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "%s (%s)", f.Kind, f.Detail)
	}
	return b.String()
}

// LogNotificationSender writes notifications to the structured log.
type LogNotificationSender struct {
	logger zerolog.Logger
}

func (s *LogNotificationSender) Name() string {
	return "log"
}

func (s *LogNotificationSender) Send(ctx context.Context, payload *NotificationPayload) error {
	s.logger.Info().
		Str("topic", payload.Topic).
		Str("origin_id", payload.OriginID).
		Strs("findings", payload.Findings).
		Fields(map[string]interface{}{"details": payload.Details}).
		Msg(payload.Message)
	return nil
}

// WebhookNotificationSender posts notifications to an HTTP webhook.
type WebhookNotificationSender struct {
	client *http.Client
	url    string
}

func (s *WebhookNotificationSender) Name() string {
	return "webhook"
}

func (s *WebhookNotificationSender) Send(ctx context.Context, payload *NotificationPayload) error {
	if s.url == "" {
		return fmt.Errorf("webhook URL not configured")
	}

	webhookPayload := map[string]interface{}{
		"topic":     payload.Topic,
		"message":   payload.Message,
		"originID":  payload.OriginID,
		"findings":  payload.Findings,
		"details":   payload.Details,
		"timestamp": payload.Timestamp.Format(time.RFC3339),
	}

	jsonData, err := json.Marshal(webhookPayload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.url, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "CloudGuard-Notification/1.0")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned non-2xx status code: %d", resp.StatusCode)
	}
	return nil
}

// EmailNotificationSender sends notifications over SMTP.
type EmailNotificationSender struct {
	cfg EmailConfig
}

func (s *EmailNotificationSender) Name() string {
	return "email"
}

func (s *EmailNotificationSender) Send(ctx context.Context, payload *NotificationPayload) error {
	if s.cfg.SMTPHost == "" || s.cfg.To == "" {
		return fmt.Errorf("email sender not configured")
	}
	from := s.cfg.From
	if from == "" {
		from = s.cfg.Username
	}

	var body bytes.Buffer
	fmt.Fprintf(&body, "From: %s\r\n", from)
	fmt.Fprintf(&body, "To: %s\r\n", s.cfg.To)
	fmt.Fprintf(&body, "Subject: Security Alert: %s\r\n\r\n", payload.Topic)
	fmt.Fprintf(&body, "%s\r\n\r\nOrigin: %s\r\nTimestamp: %s\r\n",
		payload.Message, payload.OriginID, payload.Timestamp.Format(time.RFC3339))
	for key, value := range payload.Details {
		fmt.Fprintf(&body, "%s: %s\r\n", key, value)
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.SMTPHost, s.cfg.SMTPPort)
	return smtp.SendMail(addr, nil, from, []string{s.cfg.To}, body.Bytes())
}
