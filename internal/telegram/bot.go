package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"github.com/pavelanni/flashtest/internal/dialog"
	"github.com/pavelanni/flashtest/internal/metrics"
)

// maxFileSize is the largest document the Bot API lets bots download.
const maxFileSize = 20 << 20

// api is the part of tgbotapi.BotAPI the adapter uses.
type api interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetFileDirectURL(fileID string) (string, error)
}

// Handler consumes inbound chat messages.
type Handler interface {
	Handle(ctx context.Context, msg dialog.Message) error
}

// Bot connects the dialog engine to Telegram.
type Bot struct {
	bot     *tgbotapi.BotAPI
	api     api
	limiter *rate.Limiter
	http    *http.Client
}

// Config holds Telegram connection settings.
type Config struct {
	Token string
	// RatePerSecond caps outbound messages; Burst allows short spikes.
	RatePerSecond float64
	Burst         int
}

// New logs in to the Bot API.
func New(cfg Config) (*Bot, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("connect to telegram: %w", err)
	}
	slog.Info("telegram bot authorized", "username", bot.Self.UserName)
	b := newBot(bot, cfg)
	b.bot = bot
	return b, nil
}

func newBot(a api, cfg Config) *Bot {
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 30
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RatePerSecond)
	}
	return &Bot{
		api:     a,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		http:    http.DefaultClient,
	}
}

// Run polls for updates and feeds them to h one at a time until ctx is done.
func (b *Bot) Run(ctx context.Context, h Handler) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := b.bot.GetUpdatesChan(u)
	defer b.bot.StopReceivingUpdates()

	for {
		select {
		case <-ctx.Done():
			return nil
		case upd, ok := <-updates:
			if !ok {
				return nil
			}
			msg, ok, err := b.inbound(ctx, upd)
			if err != nil {
				slog.Error("failed to read update", "update_id", upd.UpdateID, "error", err)
				continue
			}
			if !ok {
				continue
			}
			if err := h.Handle(ctx, msg); err != nil {
				slog.Error("failed to handle message", "user_id", msg.From, "error", err)
			}
		}
	}
}

// inbound converts an update into a dialog message. Updates other than
// private messages are ignored.
func (b *Bot) inbound(ctx context.Context, upd tgbotapi.Update) (dialog.Message, bool, error) {
	m := upd.Message
	if m == nil || m.From == nil || m.Chat == nil || !m.Chat.IsPrivate() {
		return dialog.Message{}, false, nil
	}
	msg := dialog.Message{From: m.From.ID, Text: m.Text}
	if m.Document != nil {
		data, err := b.download(ctx, m.Document)
		if err != nil {
			return dialog.Message{}, false, err
		}
		msg.File = &dialog.File{Name: m.Document.FileName, Data: data}
		if msg.Text == "" {
			msg.Text = m.Caption
		}
	}
	return msg, true, nil
}

func (b *Bot) download(ctx context.Context, doc *tgbotapi.Document) ([]byte, error) {
	if doc.FileSize > maxFileSize {
		return nil, fmt.Errorf("file %s is too large (%d bytes)", doc.FileName, doc.FileSize)
	}
	url, err := b.api.GetFileDirectURL(doc.FileID)
	if err != nil {
		return nil, fmt.Errorf("resolve file %s: %w", doc.FileName, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", doc.FileName, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download %s: status %s", doc.FileName, resp.Status)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxFileSize))
}

// SendPrompt sends each message in turn; the reply keyboard rides on the
// last one.
func (b *Bot) SendPrompt(ctx context.Context, userID int64, messages []string, options []string) error {
	for i, text := range messages {
		if strings.TrimSpace(text) == "" {
			continue
		}
		m := tgbotapi.NewMessage(userID, text)
		if i == len(messages)-1 {
			if markup := keyboard(options); markup != nil {
				m.ReplyMarkup = markup
			}
		}
		if err := b.send(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// SendFile sends a document.
func (b *Bot) SendFile(ctx context.Context, userID int64, name string, data []byte) error {
	return b.send(ctx, tgbotapi.NewDocument(userID, tgbotapi.FileBytes{Name: name, Bytes: data}))
}

func (b *Bot) send(ctx context.Context, c tgbotapi.Chattable) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	if _, err := b.api.Send(c); err != nil {
		metrics.DeliveryFailures.WithLabelValues("telegram").Inc()
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// keyboard maps reply options to markup: buttons for a non-empty list, a
// keyboard removal for an empty one, nothing for nil.
func keyboard(options []string) any {
	if options == nil {
		return nil
	}
	if len(options) == 0 {
		return tgbotapi.NewRemoveKeyboard(true)
	}
	rows := make([][]tgbotapi.KeyboardButton, 0, len(options))
	for _, o := range options {
		rows = append(rows, tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton(o)))
	}
	kb := tgbotapi.NewReplyKeyboard(rows...)
	kb.OneTimeKeyboard = true
	return kb
}
