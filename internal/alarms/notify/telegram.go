package notify

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/http"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramChannel delivers mobile push messages through a Telegram bot.
// Recipient tokens on the mobile_push channel are chat ids.
type TelegramChannel struct {
	api *tgbotapi.BotAPI
}

// NewTelegramChannel connects to the Bot API. endpoint may be empty to use the public API.
func NewTelegramChannel(token, endpoint string, client *http.Client) (*TelegramChannel, error) {
	if token == "" {
		return nil, errors.New("telegram channel: empty token")
	}
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	if client == nil {
		client = &http.Client{}
	}
	api, err := tgbotapi.NewBotAPIWithClient(token, endpoint, client)
	if err != nil {
		return nil, fmt.Errorf("telegram channel: %w", err)
	}
	return &TelegramChannel{api: api}, nil
}

// Name implements Channel.
func (t *TelegramChannel) Name() string { return ChannelMobile }

// Send messages every chat of the recipient. Chats that blocked the bot or no longer exist are reported invalid.
func (t *TelegramChannel) Send(ctx context.Context, recipient Recipient, msg Message) Outcome {
	outcome := Outcome{Channel: ChannelMobile}
	chats := recipient.Tokens(ChannelMobile)
	if len(chats) == 0 {
		return outcome
	}
	text := fmt.Sprintf("<b>%s</b>\n%s", html.EscapeString(msg.Title), html.EscapeString(msg.Body))
	var errs []error
	for _, chat := range chats {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		chatID, err := strconv.ParseInt(chat, 10, 64)
		if err != nil {
			outcome.InvalidTokens = append(outcome.InvalidTokens, chat)
			continue
		}
		message := tgbotapi.NewMessage(chatID, text)
		message.ParseMode = tgbotapi.ModeHTML
		message.DisableNotification = msg.Priority != PriorityHigh
		if _, err := t.api.Send(message); err != nil {
			if isDeadChat(err) {
				outcome.InvalidTokens = append(outcome.InvalidTokens, chat)
				continue
			}
			errs = append(errs, err)
			continue
		}
		outcome.Delivered++
	}
	outcome.Err = errors.Join(errs...)
	return outcome
}

func isDeadChat(err error) bool {
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.Code == http.StatusForbidden {
		return true
	}
	return apiErr.Code == http.StatusBadRequest && strings.Contains(strings.ToLower(apiErr.Message), "chat not found")
}
