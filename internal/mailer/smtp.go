package mailer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/orderflow/internal/model"
	"github.com/sells-group/orderflow/internal/resilience"
)

// SMTPConfig configures an SMTP relay.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	Timeout  time.Duration
}

// SMTPSender sends mail through an SMTP relay, upgrading to TLS when the
// server offers STARTTLS.
type SMTPSender struct {
	cfg SMTPConfig
}

// NewSMTPSender creates an SMTPSender.
func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &SMTPSender{cfg: cfg}
}

// Send implements Sender. 4xx replies and connection failures are transient.
func (s *SMTPSender) Send(ctx context.Context, msg Message) (model.DeliveryInfo, error) {
	if err := msg.Validate(); err != nil {
		return model.DeliveryInfo{}, resilience.Permanent(err)
	}
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))

	dialer := net.Dialer{Timeout: s.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return model.DeliveryInfo{}, resilience.NewTransientError(eris.Wrapf(err, "mailer: dial %s", addr), 0)
	}
	deadline := time.Now().Add(s.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	c, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		_ = conn.Close()
		return model.DeliveryInfo{}, classify(err, "greeting")
	}
	defer c.Close() //nolint:errcheck

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(tlsConfig(s.cfg.Host)); err != nil {
			return model.DeliveryInfo{}, classify(err, "starttls")
		}
	}
	if s.cfg.Username != "" {
		auth := smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
		if err := c.Auth(auth); err != nil {
			return model.DeliveryInfo{}, classify(err, "auth")
		}
	}
	if err := c.Mail(msg.From); err != nil {
		return model.DeliveryInfo{}, classify(err, "mail from")
	}
	if err := c.Rcpt(msg.To); err != nil {
		return model.DeliveryInfo{}, classify(err, "rcpt to")
	}
	w, err := c.Data()
	if err != nil {
		return model.DeliveryInfo{}, classify(err, "data")
	}
	id := newMessageID(s.cfg.Host)
	if _, err := w.Write(render(msg, id)); err != nil {
		return model.DeliveryInfo{}, classify(err, "write body")
	}
	if err := w.Close(); err != nil {
		return model.DeliveryInfo{}, classify(err, "end data")
	}
	_ = c.Quit()
	return model.DeliveryInfo{MessageID: id, ProviderStatus: "accepted"}, nil
}

// classify marks 4xx replies and network errors transient and 5xx replies
// permanent.
func classify(err error, stage string) error {
	wrapped := eris.Wrapf(err, "mailer: smtp %s", stage)
	var tp *textproto.Error
	if errors.As(err, &tp) {
		if tp.Code >= 400 && tp.Code < 500 {
			return resilience.NewTransientError(wrapped, tp.Code)
		}
		return resilience.Permanent(wrapped)
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return resilience.NewTransientError(wrapped, 0)
	}
	return wrapped
}

func render(msg Message, id string) []byte {
	var b strings.Builder
	header := func(k, v string) {
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(strings.NewReplacer("\r", "", "\n", "").Replace(v))
		b.WriteString("\r\n")
	}
	header("From", msg.From)
	header("To", msg.To)
	header("Subject", msg.Subject)
	header("Message-ID", id)
	header("Date", time.Now().UTC().Format(time.RFC1123Z))
	header("MIME-Version", "1.0")
	header("Content-Type", "text/plain; charset=UTF-8")
	keys := make([]string, 0, len(msg.Headers))
	for k := range msg.Headers {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		header(textproto.CanonicalMIMEHeaderKey(k), msg.Headers[k])
	}
	b.WriteString("\r\n")
	body := strings.ReplaceAll(msg.Body, "\r\n", "\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	if !strings.HasSuffix(body, "\n") {
		b.WriteString("\r\n")
	}
	return []byte(b.String())
}

func tlsConfig(host string) *tls.Config {
	return &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}
}

func (s *SMTPSender) String() string {
	return fmt.Sprintf("smtp://%s:%d", s.cfg.Host, s.cfg.Port)
}
