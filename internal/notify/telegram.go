// Package notify owns the Telegram side: urgent alerts with action
// buttons going out, operator replies coming back in.
package notify

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/jaromngmt-hub/twitter-api-bot/internal/config"
	"github.com/jaromngmt-hub/twitter-api-bot/internal/model"
)

// Bot interface for mocking telegram bot API
type Bot interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetSelf() tgbotapi.User
}

type botWrapper struct {
	bot *tgbotapi.BotAPI
}

func (w *botWrapper) GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return w.bot.GetUpdatesChan(config)
}

func (w *botWrapper) StopReceivingUpdates() {
	w.bot.StopReceivingUpdates()
}

func (w *botWrapper) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	return w.bot.Send(c)
}

func (w *botWrapper) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	return w.bot.Request(c)
}

func (w *botWrapper) GetSelf() tgbotapi.User {
	return w.bot.Self
}

// BotFactory creates Bot instances (allows mocking)
type BotFactory func(token, apiEndpoint string, client *http.Client) (Bot, error)

var defaultBotFactory BotFactory = func(token, apiEndpoint string, client *http.Client) (Bot, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, apiEndpoint, client)
	if err != nil {
		return nil, err
	}
	return &botWrapper{bot: bot}, nil
}

// ReplyEvent is an inbound operator reply, either a button press
// (Action non-empty, AlertID from the callback data) or free text.
type ReplyEvent struct {
	AlertID    string
	Action     string
	Text       string
	CallbackID string
	ChatID     int64
}

// Telegram delivers urgent alerts to a single operator chat and surfaces
// replies on the Replies channel.
type Telegram struct {
	token      string
	chatID     int64
	proxy      string
	bot        Bot
	botFactory BotFactory
	replies    chan ReplyEvent
	cancel     context.CancelFunc
}

func NewTelegram(cfg config.TelegramConfig) (*Telegram, error) {
	return NewTelegramWithFactory(cfg, defaultBotFactory)
}

// NewTelegramWithFactory creates a Telegram notifier with a custom bot
// factory (for testing).
func NewTelegramWithFactory(cfg config.TelegramConfig, factory BotFactory) (*Telegram, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	if cfg.ChatID == 0 {
		return nil, fmt.Errorf("telegram chat id is required")
	}
	return &Telegram{
		token:      cfg.Token,
		chatID:     cfg.ChatID,
		proxy:      cfg.Proxy,
		botFactory: factory,
		replies:    make(chan ReplyEvent, 16),
	}, nil
}

func (t *Telegram) initBot() error {
	client := http.DefaultClient
	if t.proxy != "" {
		proxyURL, err := url.Parse(t.proxy)
		if err != nil {
			return fmt.Errorf("parse proxy url: %w", err)
		}
		client = &http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}
	}

	bot, err := t.botFactory(t.token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return fmt.Errorf("create telegram bot: %w", err)
	}
	t.bot = bot
	log.Printf("[telegram] authorized as @%s", bot.GetSelf().UserName)
	return nil
}

// Start connects the bot and begins polling for replies.
func (t *Telegram) Start(ctx context.Context) error {
	if err := t.initBot(); err != nil {
		return err
	}

	ctx, t.cancel = context.WithCancel(ctx)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := t.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case update := <-updates:
				t.handleUpdate(update)
			case <-ctx.Done():
				return
			}
		}
	}()

	log.Printf("[telegram] polling started")
	return nil
}

func (t *Telegram) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	if t.bot != nil {
		t.bot.StopReceivingUpdates()
	}
}

// Replies exposes the inbound reply stream.
func (t *Telegram) Replies() <-chan ReplyEvent {
	return t.replies
}

func (t *Telegram) handleUpdate(update tgbotapi.Update) {
	if update.CallbackQuery != nil {
		t.handleCallback(update.CallbackQuery)
		return
	}
	if update.Message == nil || update.Message.Chat == nil {
		return
	}
	if update.Message.Chat.ID != t.chatID {
		log.Printf("[telegram] ignored message from chat %d", update.Message.Chat.ID)
		return
	}
	text := update.Message.Text
	if text == "" {
		return
	}
	t.replies <- ReplyEvent{
		Text:   text,
		ChatID: update.Message.Chat.ID,
	}
}

// Callback data is "<ACTION>:<alertID>", set when the alert is sent.
func (t *Telegram) handleCallback(cb *tgbotapi.CallbackQuery) {
	parts := strings.SplitN(cb.Data, ":", 2)
	if len(parts) != 2 {
		log.Printf("[telegram] malformed callback data %q", cb.Data)
		return
	}
	event := ReplyEvent{
		Action:     parts[0],
		AlertID:    parts[1],
		CallbackID: cb.ID,
	}
	if cb.Message != nil && cb.Message.Chat != nil {
		event.ChatID = cb.Message.Chat.ID
	}
	t.replies <- event
}

// AnswerCallback acknowledges a button press so the client stops its
// spinner.
func (t *Telegram) AnswerCallback(callbackID, text string) {
	if t.bot == nil || callbackID == "" {
		return
	}
	if _, err := t.bot.Request(tgbotapi.NewCallback(callbackID, text)); err != nil {
		log.Printf("[telegram] answer callback failed: %v", err)
	}
}

// SendUrgent pushes an urgent alert with the three action buttons.
func (t *Telegram) SendUrgent(ctx context.Context, alertID, username string, tweet model.Tweet, rating model.Rating) error {
	if t.bot == nil {
		return fmt.Errorf("telegram bot not started")
	}

	text := fmt.Sprintf("URGENT ALERT (score %d/10)\n\n@%s:\n%s\n\nSummary: %s\n%s",
		rating.Score, username, tweet.Text, rating.Summary, tweet.URL)

	keyboard := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("1. INTERESTING", "INTERESTING:"+alertID),
			tgbotapi.NewInlineKeyboardButtonData("2. NOTHING", "NOTHING:"+alertID),
			tgbotapi.NewInlineKeyboardButtonData("3. BUILD", "BUILD:"+alertID),
		),
	)

	msg := tgbotapi.NewMessage(t.chatID, text)
	msg.ReplyMarkup = keyboard
	msg.DisableWebPagePreview = true

	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("send urgent alert: %w", err)
	}
	return nil
}

// Notify sends a plain progress message to the operator chat.
func (t *Telegram) Notify(ctx context.Context, text string) error {
	if t.bot == nil {
		return fmt.Errorf("telegram bot not started")
	}
	msg := tgbotapi.NewMessage(t.chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	return nil
}
