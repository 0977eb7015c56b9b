// Package notify renders push notifications raised by the worker. It is a
// passive collaborator: it displays what it is given and never reaches back
// into the runtime.
package notify

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/smtp"
	"strings"

	"github.com/rs/zerolog"
)

// Notification is the system notification built from a push payload
type Notification struct {
	Title string         `json:"title"`
	Body  string         `json:"body"`
	Icon  string         `json:"icon,omitempty"`
	Data  map[string]any `json:"data,omitempty"`
}

// URL returns data.url when present
func (n Notification) URL() string {
	if n.Data == nil {
		return ""
	}
	if u, ok := n.Data["url"].(string); ok {
		return u
	}
	return ""
}

// Notifier shows a notification to the user
type Notifier interface {
	Show(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the log
type LogNotifier struct {
	Logger zerolog.Logger
}

// Show implements Notifier
func (l LogNotifier) Show(_ context.Context, n Notification) error {
	l.Logger.Info().
		Str("title", n.Title).
		Str("body", n.Body).
		Str("icon", n.Icon).
		Str("url", n.URL()).
		Msg("notification")
	return nil
}

// Sender delivers one HTML e-mail
type Sender interface {
	Send(to, subject, html string) error
}

// SMTPSender sends through a plain SMTP relay such as MailHog
type SMTPSender struct {
	Addr string
	From string
}

// NewSMTPSender fills the MailHog defaults for empty arguments
func NewSMTPSender(addr, from string) *SMTPSender {
	if addr == "" {
		addr = "localhost:1025"
	}
	if from == "" {
		from = "no-reply@voice101.local"
	}
	return &SMTPSender{Addr: addr, From: from}
}

// Send implements Sender
func (s *SMTPSender) Send(to, subject, body string) error {
	if strings.TrimSpace(to) == "" {
		return errors.New("recipient required")
	}
	msg := "From: " + s.From + "\r\n" +
		"To: " + to + "\r\n" +
		"Subject: " + subject + "\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: text/html; charset=UTF-8\r\n\r\n" +
		body
	if err := smtp.SendMail(s.Addr, nil, s.From, []string{to}, []byte(msg)); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	return nil
}

// EmailNotifier forwards notifications to a fixed inbox
type EmailNotifier struct {
	Sender Sender
	To     string
}

// Show implements Notifier
func (e EmailNotifier) Show(_ context.Context, n Notification) error {
	body := "<p>" + html.EscapeString(n.Body) + "</p>"
	if u := n.URL(); u != "" {
		body += `<p><a href="` + html.EscapeString(u) + `">Open</a></p>`
	}
	return e.Sender.Send(e.To, n.Title, body)
}

// Multi shows a notification on every notifier and joins their errors
type Multi []Notifier

// Show implements Notifier
func (m Multi) Show(ctx context.Context, n Notification) error {
	var errs []error
	for _, nt := range m {
		if err := nt.Show(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
