package notify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"
)

// MailSink sends plain-text mail through an SMTP relay.
type MailSink struct {
	Host     string
	Port     int
	From     string
	To       string
	Username string
	Password string

	// send is replaced in tests.
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func (MailSink) Name() string { return "mail" }

func (s MailSink) Send(ctx context.Context, msg Message) error {
	to := strings.TrimSpace(msg.To)
	if to == "" {
		to = strings.TrimSpace(s.To)
	}
	if strings.TrimSpace(s.Host) == "" || to == "" {
		return nil
	}
	if strings.TrimSpace(s.From) == "" {
		return errors.New("mail sender address is required")
	}

	port := s.Port
	if port == 0 {
		port = 25
	}
	addr := net.JoinHostPort(s.Host, strconv.Itoa(port))

	var auth smtp.Auth
	if s.Username != "" {
		auth = smtp.PlainAuth("", s.Username, s.Password, s.Host)
	}

	body := buildMail(s.From, to, msg, time.Now())
	send := s.send
	if send == nil {
		send = smtp.SendMail
	}

	// net/smtp has no context support; bound the call from outside.
	errCh := make(chan error, 1)
	go func() { errCh <- send(addr, auth, s.From, []string{to}, body) }()
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("send mail via %s: %w", addr, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("send mail via %s: %w", addr, ctx.Err())
	}
}

func buildMail(from, to string, msg Message, now time.Time) []byte {
	subject := msg.Subject
	if msg.Severity == SeverityError {
		subject = "[ERROR] " + subject
	}
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	fmt.Fprintf(&b, "Date: %s\r\n", now.Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(msg.Body, "\n", "\r\n"))
	b.WriteString("\r\n")
	return []byte(b.String())
}
