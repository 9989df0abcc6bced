// Package line wraps the LINE Messaging API behind a small interface so
// services can push replies and parse webhooks without the SDK leaking out.
package line

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/line/line-bot-sdk-go/v7/linebot"
)

// ErrInvalidSignature is returned when a webhook fails signature checks.
var ErrInvalidSignature = errors.New("invalid line signature")

// InboundMessage is a text message received from a LINE user.
type InboundMessage struct {
	MessageID  string
	LineUserID string
	Text       string
	Type       string
	Timestamp  time.Time
}

type Messenger interface {
	Push(ctx context.Context, lineUserID, text string) error
	DisplayName(ctx context.Context, lineUserID string) (string, error)
	ParseWebhook(r *http.Request) ([]InboundMessage, error)
}

type BotMessenger struct {
	bot *linebot.Client
}

func NewBotMessenger(channelSecret, channelToken string) (*BotMessenger, error) {
	bot, err := linebot.New(channelSecret, channelToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create line client: %w", err)
	}
	return &BotMessenger{bot: bot}, nil
}

func (m *BotMessenger) Push(ctx context.Context, lineUserID, text string) error {
	if _, err := m.bot.PushMessage(lineUserID, linebot.NewTextMessage(text)).WithContext(ctx).Do(); err != nil {
		return fmt.Errorf("failed to push line message: %w", err)
	}
	return nil
}

func (m *BotMessenger) DisplayName(ctx context.Context, lineUserID string) (string, error) {
	profile, err := m.bot.GetProfile(lineUserID).WithContext(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("failed to get line profile: %w", err)
	}
	return profile.DisplayName, nil
}

// ParseWebhook verifies the request signature and returns the message events.
// Non-message events are skipped; non-text messages are kept with an empty
// text and their type.
func (m *BotMessenger) ParseWebhook(r *http.Request) ([]InboundMessage, error) {
	events, err := m.bot.ParseRequest(r)
	if err != nil {
		if errors.Is(err, linebot.ErrInvalidSignature) {
			return nil, ErrInvalidSignature
		}
		return nil, fmt.Errorf("failed to parse line webhook: %w", err)
	}

	var out []InboundMessage
	for _, event := range events {
		if event.Type != linebot.EventTypeMessage || event.Source == nil || event.Source.UserID == "" {
			continue
		}
		in := InboundMessage{LineUserID: event.Source.UserID, Timestamp: event.Timestamp}
		switch msg := event.Message.(type) {
		case *linebot.TextMessage:
			in.MessageID, in.Text, in.Type = msg.ID, msg.Text, "text"
		case *linebot.ImageMessage:
			in.MessageID, in.Type = msg.ID, "image"
		case *linebot.StickerMessage:
			in.MessageID, in.Type = msg.ID, "sticker"
		default:
			continue
		}
		out = append(out, in)
	}
	return out, nil
}
