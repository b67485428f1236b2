package alerts

import (
	"context"
	"fmt"
	"os"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/option"
)

// PushBackend sends alerts to mobile devices via Firebase Cloud Messaging.
// Without a credentials file it runs in mock mode, logging instead of
// sending, so development environments exercise the same path.
type PushBackend struct {
	client       *messaging.Client
	deviceTokens []string
	minSeverity  Severity
	mock         bool
}

// NewPushBackend creates the FCM sink. Missing credentials yield a mock
// backend rather than an error.
func NewPushBackend(ctx context.Context, credentialsPath string, deviceTokens []string, minSeverity Severity) (*PushBackend, error) {
	if minSeverity == "" {
		minSeverity = SeverityCritical
	}
	backend := &PushBackend{deviceTokens: deviceTokens, minSeverity: minSeverity}

	if credentialsPath == "" {
		log.Warn().Msg("No FCM credentials path provided, using mock push backend")
		backend.mock = true
		return backend, nil
	}
	if _, err := os.Stat(credentialsPath); os.IsNotExist(err) {
		log.Warn().Str("credentials_path", credentialsPath).Msg("FCM credentials file not found, using mock push backend")
		backend.mock = true
		return backend, nil
	}

	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsPath))
	if err != nil {
		return nil, fmt.Errorf("failed to create Firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create messaging client: %w", err)
	}

	backend.client = client
	log.Info().Int("device_count", len(deviceTokens)).Msg("FCM push backend initialized")
	return backend, nil
}

func (b *PushBackend) Name() string { return "push" }

func (b *PushBackend) Send(ctx context.Context, alert Alert) error {
	if severityRank(alert.Severity) < severityRank(b.minSeverity) {
		return nil
	}

	if b.mock {
		log.Info().
			Str("backend", "push_mock").
			Str("type", alert.Type).
			Str("severity", string(alert.Severity)).
			Msg("Mock push notification (not actually sent)")
		return nil
	}

	var lastErr error
	sent := 0
	for _, token := range b.deviceTokens {
		msg := &messaging.Message{
			Token: token,
			Notification: &messaging.Notification{
				Title: fmt.Sprintf("[%s] %s", alert.Severity, alert.Type),
				Body:  alert.Message,
			},
		}
		if alert.Severity == SeverityCritical {
			msg.Android = &messaging.AndroidConfig{Priority: "high"}
			msg.APNS = &messaging.APNSConfig{
				Headers: map[string]string{"apns-priority": "10"},
			}
		}

		if _, err := b.client.Send(ctx, msg); err != nil {
			log.Error().Err(err).Str("device_token", maskToken(token)).Msg("Failed to send push notification")
			lastErr = err
			continue
		}
		sent++
	}

	if sent == 0 && lastErr != nil {
		return fmt.Errorf("failed to push to any device: %w", lastErr)
	}
	return nil
}

func severityRank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

func maskToken(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:4] + "..." + token[len(token)-4:]
}
