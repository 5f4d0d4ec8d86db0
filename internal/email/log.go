package email

import (
	"context"
	"log/slog"

	"github.com/dukerupert/hapo/internal/model"
)

// LogDeliverer writes codes to the log instead of sending them. It is used
// when no email provider is configured.
type LogDeliverer struct {
	logger *slog.Logger
}

func NewLogDeliverer(logger *slog.Logger) *LogDeliverer {
	return &LogDeliverer{logger: logger.With("component", "email")}
}

func (d *LogDeliverer) Deliver(ctx context.Context, destination, code string, purpose model.CodePurpose) error {
	d.logger.InfoContext(ctx, "verification code (email delivery disabled)",
		"destination", destination, "purpose", purpose, "code", code)
	return nil
}
