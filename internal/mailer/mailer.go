// Package mailer delivers retailer correspondence.
package mailer

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/orderflow/internal/config"
	"github.com/sells-group/orderflow/internal/model"
)

// Message is one outbound email.
type Message struct {
	From    string
	To      string
	Subject string
	Body    string
	// Headers are extra headers, e.g. X-Order-ID.
	Headers map[string]string
}

// Validate checks that the message has an addressable recipient.
func (m Message) Validate() error {
	if m.To == "" || !strings.Contains(m.To, "@") {
		return eris.Errorf("mailer: invalid recipient %q", m.To)
	}
	if m.From == "" {
		return eris.New("mailer: missing sender address")
	}
	return nil
}

// Sender delivers a message. Errors wrapped as resilience.TransientError are
// worth retrying.
type Sender interface {
	Send(ctx context.Context, msg Message) (model.DeliveryInfo, error)
}

// LogSender logs messages instead of sending them.
type LogSender struct{}

// Send implements Sender.
func (LogSender) Send(_ context.Context, msg Message) (model.DeliveryInfo, error) {
	if err := msg.Validate(); err != nil {
		return model.DeliveryInfo{}, err
	}
	id := newMessageID("log")
	zap.L().Info("mailer: email logged",
		zap.String("message_id", id),
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.Int("body_bytes", len(msg.Body)),
	)
	return model.DeliveryInfo{MessageID: id, ProviderStatus: "logged"}, nil
}

// New returns the Sender selected by cfg.
func New(cfg config.MailConfig) (Sender, error) {
	switch cfg.Sender {
	case "", "log":
		return LogSender{}, nil
	case "smtp":
		if cfg.SMTPHost == "" {
			return nil, eris.New("mailer: mail.smtp_host is required for the smtp sender")
		}
		return NewSMTPSender(SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUser,
			Password: cfg.SMTPPassword,
		}), nil
	}
	return nil, eris.Errorf("mailer: unknown sender %q", cfg.Sender)
}

func newMessageID(domain string) string {
	return "<" + uuid.NewString() + "@" + domain + ">"
}
