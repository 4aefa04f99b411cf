package telegram

import (
	"context"
	"errors"
	"fmt"

	"github.com/Asort97/wgVpnBot/clients/models"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// ErrDelivery marks a message telegram refused, usually a user who blocked
// the bot. Callers log it and move on.
var ErrDelivery = errors.New("notification not delivered")

// CallbackPay is the callback data of every "pay"/"extend" button.
const CallbackPay = "pay"

// Sender is the part of *tgbotapi.BotAPI used for outgoing messages.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type Notifier struct {
	bot Sender
}

func NewNotifier(bot Sender) *Notifier {
	return &Notifier{bot: bot}
}

// Markup builds a one-button-per-row inline keyboard from callback/text pairs.
func Markup(buttons ...[2]string) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(buttons))
	for _, b := range buttons {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData(b[1], b[0])))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func extendMarkup(lang string) tgbotapi.InlineKeyboardMarkup {
	return Markup([2]string{CallbackPay, T(lang, MsgExtend)})
}

func (n *Notifier) send(chatID int64, c tgbotapi.Chattable) error {
	if _, err := n.bot.Send(c); err != nil {
		return fmt.Errorf("%w: chat %d: %w", ErrDelivery, chatID, err)
	}
	return nil
}

// DaysRemaining tells the subscriber how many days are left.
func (n *Notifier) DaysRemaining(_ context.Context, sub models.Subscription, days int) error {
	msg := tgbotapi.NewMessage(sub.ClientID, DaysRemaining(sub.Lang, days))
	msg.ReplyMarkup = extendMarkup(sub.Lang)
	return n.send(sub.ClientID, msg)
}

// SubscriptionExpired tells the subscriber access has been revoked.
func (n *Notifier) SubscriptionExpired(_ context.Context, sub models.Subscription) error {
	msg := tgbotapi.NewMessage(sub.ClientID, T(sub.Lang, MsgExpired))
	msg.ReplyMarkup = extendMarkup(sub.Lang)
	return n.send(sub.ClientID, msg)
}

// SendConfig delivers a rendered client config as a .conf document.
func (n *Notifier) SendConfig(chatID int64, lang, name string, data []byte) error {
	doc := tgbotapi.NewDocument(chatID, tgbotapi.FileBytes{Name: name, Bytes: data})
	doc.Caption = T(lang, MsgConfigReady)
	return n.send(chatID, doc)
}

// Text sends a plain HTML message, used for admin alerts.
func (n *Notifier) Text(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	return n.send(chatID, msg)
}
