package alerts

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
)

// SMTPBackend sends alerts as plain-text email.
type SMTPBackend struct {
	host string
	port int
	from string
	to   []string
	auth smtp.Auth

	// send is swappable for tests.
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// SMTPConfig configures the email sink.
type SMTPConfig struct {
	Host     string
	Port     int
	From     string
	To       []string
	User     string
	Password string
}

// NewSMTPBackend creates the email sink.
func NewSMTPBackend(cfg SMTPConfig) (*SMTPBackend, error) {
	if cfg.Host == "" || cfg.From == "" || len(cfg.To) == 0 {
		return nil, fmt.Errorf("smtp host, from, and recipients are required")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}

	var auth smtp.Auth
	if cfg.User != "" {
		auth = smtp.PlainAuth("", cfg.User, cfg.Password, cfg.Host)
	}

	return &SMTPBackend{
		host: cfg.Host,
		port: cfg.Port,
		from: cfg.From,
		to:   cfg.To,
		auth: auth,
		send: smtp.SendMail,
	}, nil
}

func (b *SMTPBackend) Name() string { return "smtp" }

func (b *SMTPBackend) Send(_ context.Context, alert Alert) error {
	var body strings.Builder
	fmt.Fprintf(&body, "From: %s\r\n", b.from)
	fmt.Fprintf(&body, "To: %s\r\n", strings.Join(b.to, ", "))
	fmt.Fprintf(&body, "Subject: [%s] %s\r\n", alert.Severity, alert.Type)
	body.WriteString("\r\n")
	body.WriteString(alert.Message)
	body.WriteString("\r\n")
	if len(alert.Details) > 0 {
		body.WriteString("\r\nDetails:\r\n")
		for key, value := range alert.Details {
			fmt.Fprintf(&body, "  %s: %v\r\n", key, value)
		}
	}
	fmt.Fprintf(&body, "\r\nSource: %s\r\nTime: %s\r\n", alert.Source, alert.Timestamp.Format("2006-01-02 15:04:05 MST"))

	addr := fmt.Sprintf("%s:%d", b.host, b.port)
	if err := b.send(addr, b.auth, b.from, b.to, []byte(body.String())); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}
