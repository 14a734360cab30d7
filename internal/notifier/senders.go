package notifier

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"

	logx "studiobot/pkg/logx"
)

// LogSender writes alerts to the structured log.
type LogSender struct{ log logx.Logger }

func NewLogSender(log logx.Logger) *LogSender {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &LogSender{log: log}
}

func (l *LogSender) Name() string { return "log" }

func (l *LogSender) Send(_ context.Context, text string) error {
	l.log.Error("notifier.alert", logx.String("text", text))
	return nil
}

const telegramTextLimit = 4096

// TelegramConfig configures TelegramSender.
type TelegramConfig struct {
	Token    string
	ChatIDs  []int64
	ThreadID int
	// APIURL overrides the Bot API endpoint; empty uses the public one.
	APIURL  string
	Timeout time.Duration
}

// TelegramSender posts alerts to one or more Telegram chats.
type TelegramSender struct {
	bot      *tele.Bot
	chats    []*tele.Chat
	threadID int
}

func NewTelegramSender(cfg TelegramConfig) (*TelegramSender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if len(cfg.ChatIDs) == 0 {
		return nil, errors.New("telegram alert chat is not configured")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Offline: true,
		Client:  newHTTPClient(cfg.Timeout),
	})
	if err != nil {
		return nil, err
	}
	s := &TelegramSender{bot: b, threadID: cfg.ThreadID}
	for _, id := range cfg.ChatIDs {
		s.chats = append(s.chats, &tele.Chat{ID: id})
	}
	return s, nil
}

func (t *TelegramSender) Name() string { return "telegram" }

// Send delivers text to every chat. Long text is split on line boundaries.
// Failures for individual chats are joined.
func (t *TelegramSender) Send(ctx context.Context, text string) error {
	chunks := splitText(text, telegramTextLimit)
	var errs []error
	for _, chat := range t.chats {
		for _, chunk := range chunks {
			if err := ctx.Err(); err != nil {
				return errors.Join(append(errs, err)...)
			}
			opt := &tele.SendOptions{DisableWebPagePreview: true, ThreadID: t.threadID}
			if _, err := t.bot.Send(chat, chunk, opt); err != nil {
				errs = append(errs, fmt.Errorf("chat %d: %w", chat.ID, err))
				break
			}
		}
	}
	return errors.Join(errs...)
}

// splitText cuts s into pieces of at most limit runes, preferring newlines.
func splitText(s string, limit int) []string {
	if utf8.RuneCountInString(s) <= limit {
		return []string{s}
	}
	var out []string
	for utf8.RuneCountInString(s) > limit {
		cut := byteOffset(s, limit)
		if i := strings.LastIndexByte(s[:cut], '\n'); i > 0 {
			cut = i + 1
		}
		out = append(out, s[:cut])
		s = s[cut:]
	}
	if s != "" {
		out = append(out, s)
	}
	return out
}

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

func byteOffset(s string, runes int) int {
	n := 0
	for i := range s {
		if n == runes {
			return i
		}
		n++
	}
	return len(s)
}
