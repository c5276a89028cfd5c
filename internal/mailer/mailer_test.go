package mailer

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/orderflow/internal/config"
	"github.com/sells-group/orderflow/internal/resilience"
)

// fakeSMTP is a single-session SMTP server. rcptReply overrides the reply
// to RCPT TO.
type fakeSMTP struct {
	ln        net.Listener
	rcptReply string

	mu   sync.Mutex
	data string
	cmds []string
}

func startFakeSMTP(t *testing.T, rcptReply string) *fakeSMTP {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &fakeSMTP{ln: ln, rcptReply: rcptReply}
	t.Cleanup(func() { _ = ln.Close() })
	go s.serve()
	return s
}

func (s *fakeSMTP) port() int { return s.ln.Addr().(*net.TCPAddr).Port }

func (s *fakeSMTP) serve() {
	conn, err := s.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close() //nolint:errcheck
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	r := bufio.NewReader(conn)
	reply := func(line string) { _, _ = conn.Write([]byte(line + "\r\n")) }

	reply("220 fake ESMTP")
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		cmd := strings.TrimSpace(line)
		s.mu.Lock()
		s.cmds = append(s.cmds, cmd)
		s.mu.Unlock()
		upper := strings.ToUpper(cmd)
		switch {
		case strings.HasPrefix(upper, "EHLO"), strings.HasPrefix(upper, "HELO"):
			reply("250 fake")
		case strings.HasPrefix(upper, "MAIL FROM"):
			reply("250 ok")
		case strings.HasPrefix(upper, "RCPT TO"):
			if s.rcptReply != "" {
				reply(s.rcptReply)
				continue
			}
			reply("250 ok")
		case upper == "DATA":
			reply("354 go ahead")
			var body strings.Builder
			for {
				l, err := r.ReadString('\n')
				if err != nil {
					return
				}
				if l == ".\r\n" {
					break
				}
				body.WriteString(l)
			}
			s.mu.Lock()
			s.data = body.String()
			s.mu.Unlock()
			reply("250 queued")
		case upper == "QUIT":
			reply("221 bye")
			return
		case upper == "RSET", upper == "NOOP":
			reply("250 ok")
		default:
			reply("502 not implemented")
		}
	}
}

func (s *fakeSMTP) received() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}

func testMessage() Message {
	return Message{
		From:    "orders@example.com",
		To:      "buyer@corner.example",
		Subject: "Order PO-1: information needed",
		Body:    "Hello,\nplease send the missing prices.\n",
		Headers: map[string]string{"x-order-id": "o-1"},
	}
}

func TestSMTPSender_Send(t *testing.T) {
	srv := startFakeSMTP(t, "")
	s := NewSMTPSender(SMTPConfig{Host: "127.0.0.1", Port: srv.port(), Timeout: 5 * time.Second})

	info, err := s.Send(context.Background(), testMessage())
	require.NoError(t, err)
	assert.Equal(t, "accepted", info.ProviderStatus)
	assert.True(t, strings.HasPrefix(info.MessageID, "<"))

	require.Eventually(t, func() bool { return srv.received() != "" }, 2*time.Second, 10*time.Millisecond)
	data := srv.received()
	assert.Contains(t, data, "Subject: Order PO-1: information needed\r\n")
	assert.Contains(t, data, "X-Order-Id: o-1\r\n")
	assert.Contains(t, data, "please send the missing prices.\r\n")
}

func TestSMTPSender_TransientReply(t *testing.T) {
	srv := startFakeSMTP(t, "451 try again later")
	s := NewSMTPSender(SMTPConfig{Host: "127.0.0.1", Port: srv.port(), Timeout: 5 * time.Second})

	_, err := s.Send(context.Background(), testMessage())
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}

func TestSMTPSender_PermanentReply(t *testing.T) {
	srv := startFakeSMTP(t, "550 no such user")
	s := NewSMTPSender(SMTPConfig{Host: "127.0.0.1", Port: srv.port(), Timeout: 5 * time.Second})

	_, err := s.Send(context.Background(), testMessage())
	require.Error(t, err)
	assert.False(t, resilience.IsTransient(err))
}

func TestSMTPSender_DialFailureIsTransient(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	s := NewSMTPSender(SMTPConfig{Host: "127.0.0.1", Port: port, Timeout: time.Second})
	_, err = s.Send(context.Background(), testMessage())
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}

func TestSMTPSender_InvalidRecipient(t *testing.T) {
	s := NewSMTPSender(SMTPConfig{Host: "127.0.0.1", Port: 1})
	msg := testMessage()
	msg.To = "nobody"
	_, err := s.Send(context.Background(), msg)
	require.Error(t, err)
	assert.False(t, resilience.IsTransient(err))
}

func TestLogSender(t *testing.T) {
	info, err := LogSender{}.Send(context.Background(), testMessage())
	require.NoError(t, err)
	assert.Equal(t, "logged", info.ProviderStatus)
	assert.NotEmpty(t, info.MessageID)

	msg := testMessage()
	msg.To = ""
	_, err = LogSender{}.Send(context.Background(), msg)
	require.Error(t, err)
}

func TestNew(t *testing.T) {
	s, err := New(config.MailConfig{Sender: "log"})
	require.NoError(t, err)
	assert.IsType(t, LogSender{}, s)

	s, err = New(config.MailConfig{Sender: "smtp", SMTPHost: "mail.example.com", SMTPPort: 2525})
	require.NoError(t, err)
	assert.Equal(t, "smtp://mail.example.com:"+strconv.Itoa(2525), s.(*SMTPSender).String())

	_, err = New(config.MailConfig{Sender: "smtp"})
	require.Error(t, err)
	_, err = New(config.MailConfig{Sender: "pigeon"})
	require.Error(t, err)
}
