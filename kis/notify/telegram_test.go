package notify

import (
	"errors"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kisdeck/kis-ticker/kis/stream"
)

type recordingSender struct {
	mu   sync.Mutex
	msgs []tgbotapi.MessageConfig
	err  error
}

func (r *recordingSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		r.msgs = append(r.msgs, msg)
	}
	return tgbotapi.Message{}, r.err
}

func (r *recordingSender) texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, m := range r.msgs {
		out = append(out, m.Text)
	}
	return out
}

func newTestTelegram(sender Sender) (*Telegram, *time.Time) {
	now := time.Date(2024, 1, 2, 1, 0, 0, 0, time.UTC)
	t := NewTelegramWithSender(sender, 42, nil)
	t.now = func() time.Time { return now }
	return t, &now
}

func TestOutageProducesOneLostAndOneRestored(t *testing.T) {
	sender := &recordingSender{}
	tg, now := newTestTelegram(sender)

	tg.OnStreamState(stream.StateConnecting, nil)
	tg.OnStreamState(stream.StateOpen, nil)
	tg.OnStreamState(stream.StateClosed, errors.New("read: connection reset"))
	tg.OnStreamState(stream.StateConnecting, nil)
	tg.OnStreamState(stream.StateClosed, errors.New("dial: refused"))
	*now = now.Add(12 * time.Second)
	tg.OnStreamState(stream.StateConnecting, nil)
	tg.OnStreamState(stream.StateOpen, nil)
	tg.Close()

	texts := sender.texts()
	require.Len(t, texts, 2)
	assert.Contains(t, texts[0], "KIS stream lost")
	assert.Contains(t, texts[0], "connection reset")
	assert.Contains(t, texts[1], "KIS stream restored")
	assert.Contains(t, texts[1], "12s")

	sender.mu.Lock()
	assert.Equal(t, int64(42), sender.msgs[0].ChatID)
	assert.Equal(t, tgbotapi.ModeMarkdownV2, sender.msgs[0].ParseMode)
	sender.mu.Unlock()
}

func TestDeliberateCloseIsSilent(t *testing.T) {
	sender := &recordingSender{}
	tg, _ := newTestTelegram(sender)

	tg.OnStreamState(stream.StateOpen, nil)
	tg.OnStreamState(stream.StateClosed, nil)
	tg.OnStreamState(stream.StateOpen, nil)
	tg.Close()
	assert.Empty(t, sender.texts())
}

func TestSendFailureIsLogged(t *testing.T) {
	sender := &recordingSender{err: errors.New("telegram down")}
	tg, _ := newTestTelegram(sender)

	tg.OnStreamState(stream.StateClosed, errors.New("eof"))
	tg.Close()
	assert.Len(t, sender.texts(), 1)
}

func TestNilTelegramIsNoop(t *testing.T) {
	var tg *Telegram
	assert.NotPanics(t, func() {
		tg.OnStreamState(stream.StateClosed, errors.New("eof"))
		tg.Close()
	})
}

func TestNewTelegramDisabledWithoutToken(t *testing.T) {
	tg, err := NewTelegram("", 1, nil)
	require.NoError(t, err)
	assert.Nil(t, tg)
}

func TestEscapeMarkdown(t *testing.T) {
	assert.Equal(t, `a\_b\.c\!`, escapeMarkdown("a_b.c!"))
}
