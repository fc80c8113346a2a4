package mailer

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/smtp"
	"strconv"
	"time"

	"gopkg.in/gomail.v2"
)

const defaultSMTPTimeout = 30 * time.Second

// SMTPTransport delivers through an SMTP relay. Every connection carries a
// deadline so a stalled relay cannot hold a send forever.
type SMTPTransport struct {
	Host     string
	Port     int
	Username string
	Password string
	Timeout  time.Duration
}

func NewSMTPTransport(host string, port int, username, password string) *SMTPTransport {
	return &SMTPTransport{Host: host, Port: port, Username: username, Password: password, Timeout: defaultSMTPTimeout}
}

func (t *SMTPTransport) Send(ctx context.Context, msg Message) error {
	m := gomail.NewMessage()
	m.SetHeader("From", formatAddress(msg.FromName, msg.FromEmail))
	m.SetHeader("To", formatAddress(msg.ToName, msg.To))
	if msg.ReplyTo != "" {
		m.SetHeader("Reply-To", msg.ReplyTo)
	}
	for k, v := range msg.Headers {
		m.SetHeader(k, v)
	}
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/html", msg.HTMLBody)

	if err := t.deliver(ctx, m); err != nil {
		return fmt.Errorf("smtp send to %s: %w", msg.To, err)
	}
	return nil
}

func (t *SMTPTransport) deliver(ctx context.Context, m *gomail.Message) error {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = defaultSMTPTimeout
	}
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	dialer := net.Dialer{Deadline: deadline}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(t.Host, strconv.Itoa(t.Port)))
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := conn.SetDeadline(deadline); err != nil {
		return err
	}
	// closing the socket unblocks whatever read or write is in flight
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if t.Port == 465 {
		conn = tls.Client(conn, &tls.Config{ServerName: t.Host})
	}
	c, err := smtp.NewClient(conn, t.Host)
	if err != nil {
		return ctxErr(ctx, err)
	}
	defer c.Close()

	if t.Port != 465 {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(&tls.Config{ServerName: t.Host}); err != nil {
				return ctxErr(ctx, err)
			}
		}
	}
	if t.Username != "" {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(smtp.PlainAuth("", t.Username, t.Password, t.Host)); err != nil {
				return ctxErr(ctx, err)
			}
		}
	}

	if err := gomail.Send(&smtpSender{c}, m); err != nil {
		return ctxErr(ctx, err)
	}
	return c.Quit()
}

// ctxErr prefers the context error when cancellation caused err
func ctxErr(ctx context.Context, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		return fmt.Errorf("send aborted: %w", cerr)
	}
	return err
}

// smtpSender adapts an open client to gomail.Sender
type smtpSender struct {
	c *smtp.Client
}

func (s *smtpSender) Send(from string, to []string, msg io.WriterTo) error {
	if err := s.c.Mail(from); err != nil {
		return err
	}
	for _, addr := range to {
		if err := s.c.Rcpt(addr); err != nil {
			return err
		}
	}
	w, err := s.c.Data()
	if err != nil {
		return err
	}
	if _, err := msg.WriteTo(w); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}
