package archive

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// TopicPublisher publishes to a message topic.
type TopicPublisher interface {
	PublishToTopic(ctx context.Context, topicARN, subject, message string) (string, error)
}

// EmailSender sends a plain text email.
type EmailSender interface {
	SendText(ctx context.Context, from string, to []string, subject, body string) error
}

// NotifyConfig selects the channels and the error codes worth an alert.
type NotifyConfig struct {
	TopicARN  string
	FromEmail string
	To        []string
	Codes     []string
}

// NotifySink alerts operators about failed exchanges whose error code is in
// the configured set. Other records are ignored.
type NotifySink struct {
	topic TopicPublisher
	email EmailSender
	cfg   NotifyConfig
	codes map[string]bool
}

// NewNotifySink builds a sink. Either channel may be nil.
func NewNotifySink(topic TopicPublisher, email EmailSender, cfg NotifyConfig) *NotifySink {
	codes := make(map[string]bool, len(cfg.Codes))
	for _, c := range cfg.Codes {
		codes[c] = true
	}
	return &NotifySink{topic: topic, email: email, cfg: cfg, codes: codes}
}

func (s *NotifySink) Name() string { return "notify" }

func (s *NotifySink) Write(ctx context.Context, rec Record) error {
	if rec.ErrorCode == "" || !s.codes[rec.ErrorCode] {
		return nil
	}

	subject := fmt.Sprintf("relay request %s failed: %s", rec.RequestID, rec.ErrorCode)
	body := alertBody(rec)

	var errs []error
	if s.topic != nil && s.cfg.TopicARN != "" {
		if _, err := s.topic.PublishToTopic(ctx, s.cfg.TopicARN, subject, body); err != nil {
			errs = append(errs, err)
		}
	}
	if s.email != nil && s.cfg.FromEmail != "" && len(s.cfg.To) > 0 {
		if err := s.email.SendText(ctx, s.cfg.FromEmail, s.cfg.To, subject, body); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func alertBody(rec Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "request_id: %s\n", rec.RequestID)
	fmt.Fprintf(&b, "requester: %s\n", rec.From)
	if rec.ProviderID != "" {
		fmt.Fprintf(&b, "provider: %s\n", rec.ProviderID)
	}
	fmt.Fprintf(&b, "status: %s\n", rec.Status)
	fmt.Fprintf(&b, "error_code: %s\n", rec.ErrorCode)
	fmt.Fprintf(&b, "posted_at: %s\n", rec.PostedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"))
	fmt.Fprintf(&b, "duration_ms: %d\n", rec.DurationMs)
	return b.String()
}
