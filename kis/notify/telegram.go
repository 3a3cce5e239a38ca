// Package notify sends stream connection lost and restored messages to a
// Telegram chat.
package notify

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/kisdeck/kis-ticker/kis/stream"
)

// Sender delivers a Telegram message. *tgbotapi.BotAPI satisfies it.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// escapeMarkdown escapes special Markdown characters for Telegram messages.
func escapeMarkdown(s string) string {
	for _, ch := range []string{"_", "*", "[", "]", "(", ")", "~", "`", ">", "#", "+", "-", "=", "|", "{", "}", ".", "!"} {
		s = strings.ReplaceAll(s, ch, "\\"+ch)
	}
	return s
}

// Telegram reports stream outages. A nil *Telegram is a valid no-op.
type Telegram struct {
	sender Sender
	chatID int64
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	down   bool
	downAt time.Time
	wg     sync.WaitGroup
}

// NewTelegram creates a notifier from a bot token. It returns nil when
// botToken or chatID is unset.
func NewTelegram(botToken string, chatID int64, logger *slog.Logger) (*Telegram, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if botToken == "" || chatID == 0 {
		logger.Info("Telegram not configured, connection notifications disabled")
		return nil, nil
	}

	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}
	logger.Info("Telegram bot initialized", "bot_name", bot.Self.UserName)
	return NewTelegramWithSender(bot, chatID, logger), nil
}

// NewTelegramWithSender creates a notifier around an existing sender.
func NewTelegramWithSender(sender Sender, chatID int64, logger *slog.Logger) *Telegram {
	if logger == nil {
		logger = slog.Default()
	}
	return &Telegram{sender: sender, chatID: chatID, logger: logger, now: time.Now}
}

// OnStreamState is a stream.Config.OnStateChange callback. The first
// unexpected close of an outage and the reopen that ends it each produce
// one message. A deliberate close ends an outage silently.
func (t *Telegram) OnStreamState(state stream.State, cause error) {
	if t == nil {
		return
	}

	t.mu.Lock()
	var text string
	switch {
	case state == stream.StateClosed && cause != nil && !t.down:
		t.down, t.downAt = true, t.now()
		text = fmt.Sprintf("\U0001F534 *KIS stream lost*\n%s", escapeMarkdown(cause.Error()))
	case state == stream.StateOpen && t.down:
		outage := t.now().Sub(t.downAt).Truncate(time.Second)
		t.down = false
		text = fmt.Sprintf("\U0001F7E2 *KIS stream restored* after %s", escapeMarkdown(outage.String()))
	case state == stream.StateClosed && cause == nil:
		t.down = false
	}
	t.mu.Unlock()

	if text == "" {
		return
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.send(text)
	}()
}

func (t *Telegram) send(text string) {
	msg := tgbotapi.NewMessage(t.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdownV2
	if _, err := t.sender.Send(msg); err != nil {
		t.logger.Error("Failed to send Telegram notification", "chat_id", t.chatID, "error", err)
		return
	}
	t.logger.Info("Telegram notification sent", "chat_id", t.chatID)
}

// Close waits for in-flight messages.
func (t *Telegram) Close() {
	if t == nil {
		return
	}
	t.wg.Wait()
}
