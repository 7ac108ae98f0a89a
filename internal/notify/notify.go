// Package notify tells operators how a deploy or rollback ended.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"

	"github.com/ILLUVRSE/release-orchestrator/internal/models"
)

type Notifier interface {
	Notify(ctx context.Context, a models.DeploymentAttempt) error
}

// Summary is the one-line operator summary of an attempt.
func Summary(a models.DeploymentAttempt) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", a.Project, a.Kind)
	if a.Environment != "" {
		fmt.Fprintf(&b, " [%s]", a.Environment)
	}
	if a.TargetRelease != nil {
		fmt.Fprintf(&b, " %s", models.ReleaseName(*a.TargetRelease))
	}
	if a.Version != "" {
		fmt.Fprintf(&b, " (%s)", a.Version)
	}
	fmt.Fprintf(&b, ": %s", a.Outcome)
	if a.Severity != "" {
		fmt.Fprintf(&b, " [%s]", a.Severity)
	}
	if a.Reason != "" {
		fmt.Fprintf(&b, " - %s", a.Reason)
	}
	return b.String()
}

// LogNotifier writes attempts to the log.
type LogNotifier struct {
	Logger logrus.FieldLogger
}

func (l LogNotifier) Notify(_ context.Context, a models.DeploymentAttempt) error {
	log := l.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	entry := log.WithFields(logrus.Fields{
		"project":  a.Project,
		"attempt":  a.ID,
		"outcome":  a.Outcome,
		"duration": a.Duration(),
	})
	switch {
	case a.Severity == models.SeverityFatal:
		entry.Error(Summary(a))
	case a.Outcome != models.OutcomeSuccess:
		entry.Warn(Summary(a))
	default:
		entry.Info(Summary(a))
	}
	return nil
}

// Sender is satisfied by *tgbotapi.BotAPI.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram posts attempts to a chat.
type Telegram struct {
	bot    Sender
	chatID int64
}

// NewTelegram connects a bot to the Telegram API.
func NewTelegram(token string, chatID int64) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return NewTelegramWithSender(bot, chatID), nil
}

// NewTelegramWithSender is used by tests to swap the API client.
func NewTelegramWithSender(s Sender, chatID int64) *Telegram {
	return &Telegram{bot: s, chatID: chatID}
}

func (t *Telegram) Notify(_ context.Context, a models.DeploymentAttempt) error {
	icon := "✅"
	switch {
	case a.Severity == models.SeverityFatal:
		icon = "🚨"
	case a.Outcome == models.OutcomeRolledBack:
		icon = "↩️"
	case a.Outcome == models.OutcomeAborted:
		icon = "⚠️"
	}
	text := fmt.Sprintf("%s *%s*\n`%s`", icon, escapeMarkdown(Summary(a)), a.ID)
	msg := tgbotapi.NewMessage(t.chatID, text)
	msg.ParseMode = "Markdown"
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

func escapeMarkdown(s string) string {
	return strings.NewReplacer("_", "\\_", "*", "\\*", "`", "\\`", "[", "\\[").Replace(s)
}

// Multi notifies every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, a models.DeploymentAttempt) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
