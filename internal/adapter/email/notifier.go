// Package email provides an SMTP-based notifier for operator notifications.
package email

import (
	"context"
	"fmt"
	"net/smtp"

	"github.com/suhlabs/provisioner/internal/config"
	"github.com/suhlabs/provisioner/internal/port/notifier"
)

// Notifier sends notifications via SMTP.
type Notifier struct {
	cfg config.SMTP
}

// NewNotifier creates a new email notifier.
func NewNotifier(cfg config.SMTP) *Notifier {
	return &Notifier{cfg: cfg}
}

// Name returns the notifier identifier.
func (n *Notifier) Name() string { return "email" }

// Capabilities returns what this notifier supports.
func (n *Notifier) Capabilities() notifier.Capabilities {
	return notifier.Capabilities{RichFormatting: true}
}

// Send delivers the notification as a plain email.
func (n *Notifier) Send(_ context.Context, note notifier.Notification) error {
	if n.cfg.Host == "" || n.cfg.To == "" {
		return notifier.ErrNotConfigured
	}

	addr := fmt.Sprintf("%s:%d", n.cfg.Host, n.cfg.Port)
	subject := fmt.Sprintf("[%s] %s", note.Level, note.Title)
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n\r\nsource: %s",
		n.cfg.From, n.cfg.To, subject, note.Message, note.Source)

	return smtp.SendMail(addr, nil, n.cfg.From, []string{n.cfg.To}, []byte(msg))
}
