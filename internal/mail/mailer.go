package mail

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"ptsmanager/internal/observability"
)

const defaultFrontendBaseURL = "http://localhost:5173"

type Message struct {
	To      string
	Subject string
	Body    string
}

type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Mailer renders the account emails and hands them to a Sender.
type Mailer struct {
	sender  Sender
	baseURL string
}

func New(sender Sender, frontendBaseURL string) *Mailer {
	base := strings.TrimRight(strings.TrimSpace(frontendBaseURL), "/")
	if base == "" {
		base = defaultFrontendBaseURL
	}
	return &Mailer{sender: sender, baseURL: base}
}

// NewFromConfig sends over SMTP when host and credentials are configured and
// logs the messages otherwise.
func NewFromConfig(cfg SMTPConfig, frontendBaseURL string, logger *observability.Logger) *Mailer {
	if cfg.Configured() {
		return New(NewSMTPSender(cfg), frontendBaseURL)
	}
	return New(NewLogSender(logger), frontendBaseURL)
}

func (m *Mailer) SendVerification(ctx context.Context, to, name, token string) error {
	link := m.link("/verify-email", token)
	body := fmt.Sprintf("Hello %s,\n\nConfirm your email address by opening the link below:\n\n%s\n\nIf you did not create an account you can ignore this message.\n", greeting(name), link)

	if err := m.sender.Send(ctx, Message{To: to, Subject: "Verify your email address", Body: body}); err != nil {
		return fmt.Errorf("send verification mail: %w", err)
	}
	return nil
}

func (m *Mailer) SendPasswordReset(ctx context.Context, to, name, token string) error {
	link := m.link("/reset-password", token)
	body := fmt.Sprintf("Hello %s,\n\nReset your password by opening the link below. It expires in one hour.\n\n%s\n\nIf you did not ask for a reset you can ignore this message.\n", greeting(name), link)

	if err := m.sender.Send(ctx, Message{To: to, Subject: "Reset your password", Body: body}); err != nil {
		return fmt.Errorf("send reset mail: %w", err)
	}
	return nil
}

func (m *Mailer) link(path, token string) string {
	return m.baseURL + path + "?token=" + url.QueryEscape(token)
}

func greeting(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "there"
	}
	return name
}

type LogSender struct {
	logger *observability.Logger
}

func NewLogSender(logger *observability.Logger) *LogSender {
	if logger == nil {
		logger = observability.Discard()
	}
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, msg Message) error {
	s.logger.Info("mail_fallback", map[string]any{
		"to":      msg.To,
		"subject": msg.Subject,
		"body":    msg.Body,
	})
	return nil
}
