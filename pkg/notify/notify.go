// Package notify delivers best-effort "new message" notifications to the
// human participant.
package notify

import (
	"context"
	"errors"
	"strings"

	"github.com/swparkaust/chat-with-ai/pkg/logger"
)

// TruncateLength is the maximum body length in runes.
const TruncateLength = 100

var ErrUnsupportedRecipient = errors.New("notify: unsupported recipient")

type Notifier interface {
	Notify(ctx context.Context, userID, title, body string) error
}

// Truncate shortens body to limit runes, marking the cut with "...".
func Truncate(body string, limit int) string {
	runes := []rune(body)
	if limit <= 0 || len(runes) <= limit {
		return body
	}
	return string(runes[:limit]) + "..."
}

// LogNotifier writes notifications to the log. It is the default when no
// external notifier is configured.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, userID, title, body string) error {
	logger.InfoCF("notify", "New message", map[string]interface{}{
		"user_id": userID,
		"title":   title,
		"body":    Truncate(body, TruncateLength),
	})
	return nil
}

// Multi delivers to every notifier that accepts the recipient. Recipients
// no notifier supports are not an error.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, userID, title, body string) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, userID, title, body); err != nil && !errors.Is(err, ErrUnsupportedRecipient) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// recipient returns the id after prefix ("discord:123" -> "123").
func recipient(userID, prefix string) (string, bool) {
	if !strings.HasPrefix(userID, prefix+":") {
		return "", false
	}
	id := strings.TrimSpace(strings.TrimPrefix(userID, prefix+":"))
	return id, id != ""
}
