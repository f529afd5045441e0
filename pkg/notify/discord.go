package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/swparkaust/chat-with-ai/pkg/config"
	"github.com/swparkaust/chat-with-ai/pkg/logger"
)

const sendTimeout = 10 * time.Second

type discordSession interface {
	Open() error
	Close() error
	UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// DiscordNotifier sends direct messages to participants addressed as
// "discord:<user id>".
type DiscordNotifier struct {
	session discordSession

	mu       sync.Mutex
	running  bool
	channels map[string]string
}

func NewDiscordNotifier(cfg config.DiscordConfig) (*DiscordNotifier, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	return newDiscordNotifier(session), nil
}

func newDiscordNotifier(session discordSession) *DiscordNotifier {
	return &DiscordNotifier{session: session, channels: make(map[string]string)}
}

func (d *DiscordNotifier) Start(ctx context.Context) error {
	logger.InfoC("discord", "Starting Discord notifier")
	if err := d.session.Open(); err != nil {
		return fmt.Errorf("failed to open discord session: %w", err)
	}
	d.mu.Lock()
	d.running = true
	d.mu.Unlock()
	return nil
}

func (d *DiscordNotifier) Stop(ctx context.Context) error {
	logger.InfoC("discord", "Stopping Discord notifier")
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
	if err := d.session.Close(); err != nil {
		return fmt.Errorf("failed to close discord session: %w", err)
	}
	return nil
}

func (d *DiscordNotifier) IsRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

func (d *DiscordNotifier) Notify(ctx context.Context, userID, title, body string) error {
	id, ok := recipient(userID, "discord")
	if !ok {
		return ErrUnsupportedRecipient
	}
	if !d.IsRunning() {
		return fmt.Errorf("discord notifier not running")
	}

	content := fmt.Sprintf("**%s**\n%s", title, Truncate(body, TruncateLength))
	return d.withTimeout(ctx, func() error {
		channelID, err := d.dmChannel(id)
		if err != nil {
			return err
		}
		if _, err := d.session.ChannelMessageSend(channelID, content); err != nil {
			return fmt.Errorf("failed to send discord message: %w", err)
		}
		return nil
	})
}

func (d *DiscordNotifier) dmChannel(userID string) (string, error) {
	d.mu.Lock()
	cached, ok := d.channels[userID]
	d.mu.Unlock()
	if ok {
		return cached, nil
	}
	ch, err := d.session.UserChannelCreate(userID)
	if err != nil {
		return "", fmt.Errorf("failed to open discord DM channel: %w", err)
	}
	d.mu.Lock()
	d.channels[userID] = ch.ID
	d.mu.Unlock()
	return ch.ID, nil
}

func (d *DiscordNotifier) withTimeout(ctx context.Context, fn func() error) error {
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-sendCtx.Done():
		return fmt.Errorf("send message timeout: %w", sendCtx.Err())
	}
}
