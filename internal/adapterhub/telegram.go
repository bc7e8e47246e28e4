package adapterhub

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/tenzoki/relay/internal/envelope"
	"github.com/tenzoki/relay/internal/logging"
)

// telegramReconnectBackoff is the bounded reconnect attempt sequence (spec
// §6.5 "5 attempts at 5s, 10s, 30s, 60s, 120s").
var telegramReconnectBackoff = []time.Duration{
	5 * time.Second, 10 * time.Second, 30 * time.Second, 60 * time.Second, 120 * time.Second,
}

// TelegramAdapter bridges a Telegram bot into Relay. Inbound subject is
// "<subjectPrefix>.<chatID>"; outbound truncates to Telegram's 4096-char
// message limit.
type TelegramAdapter struct {
	statusBase

	id       string
	prefix   string
	botToken string
	log      *logging.Logger

	mu      sync.Mutex
	bot     *tgbotapi.BotAPI
	publish PublishFunc
	stopCh  chan struct{}
}

// NewTelegramAdapter builds a TelegramAdapter from its Config. Required
// setting: botToken (string). Optional: subjectPrefix (string, defaults to
// "relay.human.telegram").
func NewTelegramAdapter(cfg Config, log *logging.Logger) (Adapter, error) {
	token, _ := cfg.Settings["botToken"].(string)
	prefix, _ := cfg.Settings["subjectPrefix"].(string)
	if token == "" {
		return nil, fmt.Errorf("telegram adapter %s: botToken is required", cfg.ID)
	}
	if prefix == "" {
		prefix = "relay.human.telegram"
	}
	return &TelegramAdapter{id: cfg.ID, prefix: prefix, botToken: token, log: log}, nil
}

func (a *TelegramAdapter) ID() string                { return a.id }
func (a *TelegramAdapter) DisplayName() string       { return "Telegram: " + a.id }
func (a *TelegramAdapter) SubjectPrefixes() []string { return []string{a.prefix} }

// Start connects to Telegram with bounded exponential-backoff reconnect
// and begins polling for inbound updates. Idempotent.
func (a *TelegramAdapter) Start(publish PublishFunc) error {
	a.mu.Lock()
	if a.bot != nil {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	a.setState(StateConnecting)
	a.publish = publish

	var bot *tgbotapi.BotAPI
	var err error
	for attempt := 0; attempt <= len(telegramReconnectBackoff); attempt++ {
		bot, err = tgbotapi.NewBotAPI(a.botToken)
		if err == nil {
			break
		}
		if attempt == len(telegramReconnectBackoff) {
			a.setError("Max reconnection attempts exhausted")
			return fmt.Errorf("telegram adapter %s: %w", a.id, err)
		}
		time.Sleep(telegramReconnectBackoff[attempt])
	}

	a.mu.Lock()
	a.bot = bot
	a.stopCh = make(chan struct{})
	a.mu.Unlock()
	a.setState(StateConnected)

	go a.pollLoop()
	return nil
}

func (a *TelegramAdapter) pollLoop() {
	update := tgbotapi.NewUpdate(0)
	update.Timeout = 30
	updates := a.bot.GetUpdatesChan(update)

	for {
		select {
		case <-a.stopCh:
			return
		case upd := <-updates:
			if upd.Message == nil {
				continue
			}
			a.bumpInbound()
			chatID := upd.Message.Chat.ID
			subject := fmt.Sprintf("%s.%d", a.prefix, chatID)
			_, err := a.publish(subject, map[string]interface{}{
				"content": upd.Message.Text,
				"platformData": map[string]interface{}{
					"chatId":   chatID,
					"platform": "telegram",
				},
			}, subject, subject)
			if err != nil {
				a.setError(err.Error())
			}
		}
	}
}

// Stop idempotently halts polling and disconnects.
func (a *TelegramAdapter) Stop() error {
	a.setState(StateStopping)
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.bot == nil {
		return nil
	}
	close(a.stopCh)
	a.bot.StopReceivingUpdates()
	a.bot = nil
	a.setState(StateDisconnected)
	return nil
}

// Deliver sends env's payload to the chat id encoded in subject's last
// token, rejecting malformed chat ids outright (spec §6.5: "integers
// only... reject empty or non-integer suffixes").
func (a *TelegramAdapter) Deliver(subject string, env *envelope.Envelope) (DeliveryResult, error) {
	if env.From == a.prefix || strings.HasPrefix(env.From, a.prefix+".") {
		return DeliveryResult{Success: true}, nil // echo guard
	}

	chatIDStr := subject[strings.LastIndex(subject, ".")+1:]
	chatID, err := strconv.ParseInt(chatIDStr, 10, 64)
	if err != nil {
		return DeliveryResult{Success: false, Error: "invalid chat id: " + chatIDStr}, nil
	}

	var content struct {
		Content string `json:"content"`
	}
	_ = env.UnmarshalPayload(&content)
	text := content.Content
	if runes := []rune(text); len(runes) > 4096 {
		text = string(runes[:4096])
	}

	a.mu.Lock()
	bot := a.bot
	a.mu.Unlock()
	if bot == nil {
		return DeliveryResult{Success: false, Error: "adapter not connected"}, nil
	}

	start := time.Now()
	_, err = bot.Send(tgbotapi.NewMessage(chatID, text))
	result := DeliveryResult{DurationMs: time.Since(start).Milliseconds()}
	if err != nil {
		a.setError(err.Error())
		result.Success = false
		result.Error = err.Error()
		return result, err
	}
	a.bumpOutbound()
	result.Success = true
	return result, nil
}

func (a *TelegramAdapter) GetStatus() Status { return a.snapshot() }

// TestConnection verifies the bot token via Telegram's getMe call.
func (a *TelegramAdapter) TestConnection() (bool, error) {
	bot, err := tgbotapi.NewBotAPI(a.botToken)
	if err != nil {
		return false, err
	}
	_, err = bot.GetMe()
	return err == nil, err
}
