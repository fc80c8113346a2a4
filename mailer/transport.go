// Package mailer delivers rendered campaign messages through a pluggable transport.
package mailer

import (
	"context"
	"net/mail"
)

// Message is one fully rendered email for one recipient
type Message struct {
	To        string
	ToName    string
	Subject   string
	HTMLBody  string
	FromName  string
	FromEmail string
	ReplyTo   string
	Headers   map[string]string
}

// Transport sends a message. Any non-nil error is a failed delivery to that recipient.
type Transport interface {
	Send(ctx context.Context, msg Message) error
}

func formatAddress(name, email string) string {
	if name == "" {
		return email
	}
	return (&mail.Address{Name: name, Address: email}).String()
}
