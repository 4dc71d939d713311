// Package notify delivers operator alerts over Telegram and Discord. Alerts
// carry two levels: critical alerts always go out, informational ones can be
// muted per configuration.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Sender is one delivery channel.
type Sender interface {
	// Send delivers a notification with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name identifies the sender, e.g. "telegram".
	Name() string
}

// Notifier fans alerts out to all registered senders. A failure on one
// sender does not block delivery to the others.
type Notifier struct {
	senders      []Sender
	criticalOnly bool
	logger       *slog.Logger
}

// NewNotifier creates a Notifier. When criticalOnly is set, Info alerts are
// dropped and only Critical ones are delivered.
func NewNotifier(senders []Sender, criticalOnly bool, logger *slog.Logger) *Notifier {
	return &Notifier{
		senders:      senders,
		criticalOnly: criticalOnly,
		logger:       logger.With(slog.String("component", "notifier")),
	}
}

// Critical delivers an alert that requires operator attention. The title is
// prefixed so it stands out in a channel full of routine messages.
func (n *Notifier) Critical(ctx context.Context, title, message string) {
	n.dispatch(ctx, "🚨 "+title, message)
}

// Info delivers a routine status alert. Muted when the notifier is
// configured critical-only.
func (n *Notifier) Info(ctx context.Context, title, message string) {
	if n.criticalOnly {
		return
	}
	n.dispatch(ctx, title, message)
}

func (n *Notifier) dispatch(ctx context.Context, title, message string) {
	if len(n.senders) == 0 {
		return
	}

	var failed []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			failed = append(failed, fmt.Sprintf("%s: %v", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	if len(failed) > 0 {
		n.logger.WarnContext(ctx, "partial alert delivery",
			slog.String("failures", strings.Join(failed, "; ")),
		)
	}
}
