package main

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	colorfulprint "github.com/Asort97/wgVpnBot/clients/colorfulPrint"
	"github.com/Asort97/wgVpnBot/clients/config"
	instruct "github.com/Asort97/wgVpnBot/clients/instruction"
	"github.com/Asort97/wgVpnBot/clients/lifecycle"
	"github.com/Asort97/wgVpnBot/clients/models"
	peerconfig "github.com/Asort97/wgVpnBot/clients/peerConfig"
	"github.com/Asort97/wgVpnBot/clients/telegram"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	cbPay          = telegram.CallbackPay
	cbConfig       = "config"
	cbFAQ          = instruct.CallbackMenu
	cbSettings     = "settings"
	cbLanguage     = "change_language"
	cbLangPrefix   = "change_lang_to_"
	cbPlanPrefix   = "sub_duration_"
	cbBackToMenu   = "back_to_main_menu"
	cbBackToPay    = "back_to_pay"
	cbBackSettings = "back_to_settings"
)

// botAPI is the part of *tgbotapi.BotAPI the handlers use.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

type peerService interface {
	Provision(ctx context.Context, clientID int64) (models.PeerProfile, error)
	Renew(ctx context.Context, clientID int64, months int) (time.Time, error)
}

// subscriptions edits records under the same per-client lock the
// lifecycle manager and the expiry sweep hold.
type subscriptions interface {
	UpdateSubscription(ctx context.Context, clientID int64, edit func(sub *models.Subscription, created bool) bool) (models.Subscription, error)
}

type renderedConfigs interface {
	RenderedConfig(clientID int64) ([]byte, error)
}

type app struct {
	bot      botAPI
	cfg      *config.Config
	subs     subscriptions
	peers    peerService
	configs  renderedConfigs
	notifier *telegram.Notifier
	guides   *instruct.Tracker
	now      func() time.Time

	jobs    chan job
	workers sync.WaitGroup

	throttleMu sync.Mutex
	lastAction map[int64]map[string]time.Time
}

// Background jobs for work that talks to the WireGuard daemon, so the
// update loop never waits on it.
type jobKind int

const (
	jobFulfil jobKind = iota
	jobSendConfig
)

type job struct {
	kind     jobKind
	chatID   int64
	months   int
	username string
	lang     string
}

func (a *app) startWorkers(ctx context.Context, concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}
	// jobs must finish even when shutdown starts mid-payment
	ctx = context.WithoutCancel(ctx)
	a.jobs = make(chan job, 256)
	for i := 0; i < concurrency; i++ {
		workerID := i + 1
		a.workers.Add(1)
		go func() {
			defer a.workers.Done()
			for j := range a.jobs {
				a.run(ctx, workerID, j)
			}
		}()
	}
}

// schedule never blocks the update loop: a full queue falls back to a
// dedicated goroutine.
func (a *app) schedule(ctx context.Context, j job) {
	select {
	case a.jobs <- j:
	default:
		a.workers.Add(1)
		go func() {
			defer a.workers.Done()
			a.run(context.WithoutCancel(ctx), 0, j)
		}()
	}
}

func (a *app) stopWorkers() {
	if a.jobs != nil {
		close(a.jobs)
	}
	a.workers.Wait()
}

func (a *app) run(ctx context.Context, workerID int, j job) {
	var err error
	switch j.kind {
	case jobFulfil:
		err = a.fulfil(ctx, j)
	case jobSendConfig:
		err = a.deliverConfig(ctx, j.chatID, j.lang)
	}
	if err != nil {
		log.Printf("[worker %d] job %d for chat %d: %v", workerID, j.kind, j.chatID, err)
	}
}

func (a *app) canProceed(chatID int64, key string, interval time.Duration) bool {
	a.throttleMu.Lock()
	defer a.throttleMu.Unlock()
	now := a.now()
	if a.lastAction == nil {
		a.lastAction = make(map[int64]map[string]time.Time)
	}
	if a.lastAction[chatID] == nil {
		a.lastAction[chatID] = make(map[string]time.Time)
	}
	if t, ok := a.lastAction[chatID][key]; ok && now.Sub(t) < interval {
		return false
	}
	a.lastAction[chatID][key] = now
	return true
}

func (a *app) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.PreCheckoutQuery != nil:
		a.handlePreCheckout(update.PreCheckoutQuery)
	case update.Message != nil && update.Message.SuccessfulPayment != nil:
		a.handleSuccessfulPayment(ctx, update.Message)
	case update.Message != nil:
		a.handleMessage(ctx, update.Message)
	case update.CallbackQuery != nil && update.CallbackQuery.Message != nil:
		a.handleCallback(ctx, update.CallbackQuery)
	}
}

// subscription loads the record, creating it with the user's telegram
// language on first contact and keeping the username current.
func (a *app) subscription(ctx context.Context, chatID int64, from *tgbotapi.User) (models.Subscription, error) {
	sub, err := a.subs.UpdateSubscription(ctx, chatID, func(sub *models.Subscription, created bool) bool {
		if created {
			sub.Lang = telegram.DefaultLang
			if from != nil && strings.ToLower(from.LanguageCode) == "en" {
				sub.Lang = "en"
			}
		}
		if from == nil || from.UserName == "" || from.UserName == sub.Username {
			return false
		}
		sub.Username = from.UserName
		return true
	})
	if err != nil {
		return models.Subscription{}, fmt.Errorf("load subscription: %w", err)
	}
	return sub, nil
}

func (a *app) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if !msg.IsCommand() {
		return
	}
	switch msg.Command() {
	case "start", "menu":
		sub, err := a.subscription(ctx, msg.Chat.ID, msg.From)
		if err != nil {
			colorfulprint.PrintError("[bot] load subscription", err)
			return
		}
		name := ""
		if msg.From != nil {
			name = msg.From.FirstName
		}
		reply := tgbotapi.NewMessage(msg.Chat.ID, a.menuText(sub, name))
		reply.ParseMode = tgbotapi.ModeHTML
		reply.ReplyMarkup = a.menuKeyboard(sub)
		a.send(reply)
	}
}

func (a *app) menuText(sub models.Subscription, name string) string {
	text := telegram.T(sub.Lang, telegram.MsgGreeting, html.EscapeString(name))
	if sub.Active(a.now()) {
		text += "\n\n" + telegram.T(sub.Lang, telegram.MsgSubscribedUntil, sub.DueDate.Format(models.DateLayout))
	}
	return text
}

// menuKeyboard offers the config to active subscribers and payment to
// everyone else.
func (a *app) menuKeyboard(sub models.Subscription) tgbotapi.InlineKeyboardMarkup {
	first := [2]string{cbPay, telegram.T(sub.Lang, telegram.MsgPayButton)}
	if sub.Active(a.now()) {
		first = [2]string{cbConfig, telegram.T(sub.Lang, telegram.MsgConfigButton)}
	}
	return telegram.Markup(
		first,
		[2]string{cbFAQ, telegram.T(sub.Lang, telegram.MsgFAQButton)},
		[2]string{cbSettings, telegram.T(sub.Lang, telegram.MsgSettingsButton)},
	)
}

func (a *app) plansKeyboard(lang string) tgbotapi.InlineKeyboardMarkup {
	var buttons [][2]string
	for months := 1; months <= maxPlanMonths; months++ {
		label := fmt.Sprintf("%s · %s", telegram.Months(lang, months), formatRubles(planPrice(a.cfg.PricePerMonth, months)))
		buttons = append(buttons, [2]string{cbPlanPrefix + strconv.Itoa(months), label})
	}
	buttons = append(buttons, [2]string{cbBackToMenu, telegram.T(lang, telegram.MsgBack)})
	return telegram.Markup(buttons...)
}

func (a *app) handleCallback(ctx context.Context, cq *tgbotapi.CallbackQuery) {
	chatID := cq.Message.Chat.ID
	messageID := cq.Message.MessageID
	data := cq.Data

	sub, err := a.subscription(ctx, chatID, cq.From)
	if err != nil {
		colorfulprint.PrintError("[bot] load subscription", err)
		a.ack(cq, "")
		return
	}
	lang := sub.Lang

	switch {
	case data == cbBackToMenu:
		name := ""
		if cq.From != nil {
			name = cq.From.FirstName
		}
		a.edit(chatID, messageID, a.menuText(sub, name), a.menuKeyboard(sub))
	case data == cbPay || data == cbBackToPay:
		a.edit(chatID, messageID, telegram.T(lang, telegram.MsgChoosePlan), a.plansKeyboard(lang))
	case strings.HasPrefix(data, cbPlanPrefix):
		months, err := strconv.Atoi(strings.TrimPrefix(data, cbPlanPrefix))
		if err != nil || months < 1 || months > maxPlanMonths {
			break
		}
		if !a.canProceed(chatID, "invoice", 3*time.Second) {
			break
		}
		if err := a.sendInvoice(chatID, lang, months); err != nil {
			colorfulprint.PrintError(fmt.Sprintf("[bot] invoice for %d", chatID), err)
		}
	case data == cbConfig:
		if !a.canProceed(chatID, "config", 10*time.Second) {
			break
		}
		if !sub.Active(a.now()) {
			a.send(tgbotapi.NewMessage(chatID, telegram.T(lang, telegram.MsgNoConfig)))
			break
		}
		a.schedule(ctx, job{kind: jobSendConfig, chatID: chatID, lang: lang})
	case data == cbFAQ:
		a.guides.ResetState(chatID)
		kb := instruct.MenuKeyboard(tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(telegram.T(lang, telegram.MsgBack), cbBackToMenu),
		))
		a.edit(chatID, messageID, telegram.T(lang, telegram.MsgFAQ), kb)
	case data == cbSettings || data == cbBackSettings:
		kb := telegram.Markup(
			[2]string{cbLanguage, telegram.T(lang, telegram.MsgSelectLanguage)},
			[2]string{cbBackToMenu, telegram.T(lang, telegram.MsgBack)},
		)
		a.edit(chatID, messageID, telegram.T(lang, telegram.MsgSettings), kb)
	case data == cbLanguage:
		var buttons [][2]string
		for _, l := range telegram.Langs {
			buttons = append(buttons, [2]string{cbLangPrefix + l, strings.ToUpper(l)})
		}
		buttons = append(buttons, [2]string{cbBackSettings, telegram.T(lang, telegram.MsgBack)})
		a.edit(chatID, messageID, telegram.T(lang, telegram.MsgChooseLanguage), telegram.Markup(buttons...))
	case strings.HasPrefix(data, cbLangPrefix):
		next := strings.TrimPrefix(data, cbLangPrefix)
		if !supportedLang(next) {
			break
		}
		_, err := a.subs.UpdateSubscription(ctx, chatID, func(sub *models.Subscription, _ bool) bool {
			if sub.Lang == next {
				return false
			}
			sub.Lang = next
			return true
		})
		if err != nil {
			colorfulprint.PrintError(fmt.Sprintf("[bot] save language of %d", chatID), err)
			break
		}
		kb := telegram.Markup([2]string{cbBackToMenu, telegram.T(next, telegram.MsgBack)})
		a.edit(chatID, messageID, telegram.T(next, telegram.MsgLanguageChanged, strings.ToUpper(next)), kb)
	default:
		t, step, noop, ok := instruct.ParseCallback(data)
		if !ok || noop {
			break
		}
		if !a.guides.Move(chatID, t, step) {
			break
		}
		text, kb := instruct.Page(t, lang, step)
		a.edit(chatID, messageID, text, kb)
	}

	a.ack(cq, "")
}

func supportedLang(lang string) bool {
	for _, l := range telegram.Langs {
		if l == lang {
			return true
		}
	}
	return false
}

func (a *app) sendInvoice(chatID int64, lang string, months int) error {
	price := planPrice(a.cfg.PricePerMonth, months)
	invoice := tgbotapi.NewInvoice(
		chatID,
		telegram.T(lang, telegram.MsgInvoiceTitle),
		telegram.PayFor(lang, months),
		invoicePayload(chatID, months),
		a.cfg.PaymentProviderToken,
		"",
		invoiceCurrency,
		[]tgbotapi.LabeledPrice{{Label: telegram.Months(lang, months), Amount: price}},
	)
	// telegram rejects a null tip list
	invoice.SuggestedTipAmounts = []int{}
	invoice.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.InlineKeyboardButton{Text: telegram.T(lang, telegram.MsgPay), Pay: true}),
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData(telegram.T(lang, telegram.MsgBack), cbBackToPay)),
	)
	_, err := a.bot.Send(invoice)
	return err
}

func (a *app) handlePreCheckout(pcq *tgbotapi.PreCheckoutQuery) {
	ans := tgbotapi.PreCheckoutConfig{
		PreCheckoutQueryID: pcq.ID,
		OK:                 true,
	}
	if _, err := parseInvoicePayload(pcq.InvoicePayload); err != nil {
		ans.OK = false
		ans.ErrorMessage = "unknown plan"
	}
	if _, err := a.bot.Request(ans); err != nil {
		log.Printf("precheckout answer error: %v", err)
	}
}

func (a *app) handleSuccessfulPayment(ctx context.Context, msg *tgbotapi.Message) {
	p := msg.SuccessfulPayment
	inv, err := parseInvoicePayload(p.InvoicePayload)
	if err != nil {
		a.alertAdmin(fmt.Sprintf("payment %s with unreadable payload %q", p.TelegramPaymentChargeID, p.InvoicePayload), msg.From)
		return
	}
	if inv.chatID != msg.Chat.ID {
		// an invoice forwarded to another chat still pays for its owner
		colorfulprint.PrintWarn(fmt.Sprintf("[bot] chat %d paid invoice of chat %d", msg.Chat.ID, inv.chatID))
	}
	sub, err := a.subscription(ctx, msg.Chat.ID, msg.From)
	if err != nil {
		colorfulprint.PrintError("[bot] load subscription", err)
	}
	lang := sub.Lang
	if lang == "" {
		lang = telegram.DefaultLang
	}
	username := ""
	if msg.From != nil {
		username = msg.From.UserName
	}
	colorfulprint.PrintState(fmt.Sprintf("[bot] chat %d paid %d for %d month(s), charge %s",
		inv.chatID, p.TotalAmount, inv.months, p.TelegramPaymentChargeID))
	a.schedule(ctx, job{kind: jobFulfil, chatID: inv.chatID, months: inv.months, username: username, lang: lang})
}

// fulfil extends a paid subscription and delivers the config.
func (a *app) fulfil(ctx context.Context, j job) error {
	due, err := a.peers.Renew(ctx, j.chatID, j.months)
	if err != nil && due.IsZero() {
		a.send(tgbotapi.NewMessage(j.chatID, telegram.T(j.lang, telegram.MsgProvisionFailed)))
		a.alertAdmin(fmt.Sprintf("renewal for %d month(s) failed: %v", j.months, err), &tgbotapi.User{ID: j.chatID, UserName: j.username})
		return fmt.Errorf("renew: %w", err)
	}
	if err != nil {
		// the due date is saved, only re-registration failed
		a.alertAdmin(fmt.Sprintf("peer re-registration failed: %v", err), &tgbotapi.User{ID: j.chatID, UserName: j.username})
	}

	if err := a.deliverConfig(ctx, j.chatID, j.lang); err != nil {
		return err
	}
	a.send(tgbotapi.NewMessage(j.chatID, telegram.T(j.lang, telegram.MsgPaid, due.Format(models.DateLayout))))
	a.alertAdmin(fmt.Sprintf("paid %d month(s), active until %s", j.months, due.Format(models.DateLayout)), &tgbotapi.User{ID: j.chatID, UserName: j.username})
	return nil
}

// deliverConfig provisions the peer if needed and sends its config file.
func (a *app) deliverConfig(ctx context.Context, chatID int64, lang string) error {
	p, err := a.peers.Provision(ctx, chatID)
	if err != nil {
		text := telegram.MsgProvisionFailed
		if errors.Is(err, lifecycle.ErrNoAddressAvailable) {
			text = telegram.MsgPoolExhausted
		}
		a.send(tgbotapi.NewMessage(chatID, telegram.T(lang, text)))
		a.alertAdmin(fmt.Sprintf("provisioning failed: %v", err), &tgbotapi.User{ID: chatID})
		return fmt.Errorf("provision: %w", err)
	}

	data, err := a.configs.RenderedConfig(p.ClientID)
	if errors.Is(err, peerconfig.ErrNotFound) {
		a.send(tgbotapi.NewMessage(chatID, telegram.T(lang, telegram.MsgNoConfig)))
		return err
	}
	if err != nil {
		return fmt.Errorf("render config: %w", err)
	}
	return a.notifier.SendConfig(chatID, lang, configFileName(chatID), data)
}

func configFileName(chatID int64) string {
	return fmt.Sprintf("wg-%d.conf", chatID)
}

func (a *app) send(c tgbotapi.Chattable) {
	if _, err := a.bot.Send(c); err != nil {
		log.Printf("[bot] send error: %v", err)
	}
}

// edit replaces the menu message in place and falls back to a new message
// when telegram refuses the edit.
func (a *app) edit(chatID int64, messageID int, text string, kb tgbotapi.InlineKeyboardMarkup) {
	edit := tgbotapi.NewEditMessageTextAndMarkup(chatID, messageID, text, kb)
	edit.ParseMode = tgbotapi.ModeHTML
	edit.DisableWebPagePreview = true
	if _, err := a.bot.Send(edit); err == nil {
		return
	}
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	msg.ReplyMarkup = kb
	a.send(msg)
}

func (a *app) ack(cq *tgbotapi.CallbackQuery, text string) {
	cfg := tgbotapi.NewCallback(cq.ID, text)
	if _, err := a.bot.Request(cfg); err != nil {
		log.Printf("[bot] callback answer error: %v", err)
	}
}

func (a *app) alertAdmin(text string, user *tgbotapi.User) {
	if a.cfg.AdminChatID == 0 {
		colorfulprint.PrintInfo("[admin alert] " + text)
		return
	}
	var userLink string
	switch {
	case user != nil && user.UserName != "":
		userLink = fmt.Sprintf("<a href=\"https://t.me/%s\">@%s</a>", html.EscapeString(user.UserName), html.EscapeString(user.UserName))
	case user != nil:
		userLink = fmt.Sprintf("<a href=\"tg://user?id=%d\">%d</a>", user.ID, user.ID)
	default:
		userLink = "system"
	}
	if err := a.notifier.Text(a.cfg.AdminChatID, fmt.Sprintf("%s:\n%s", userLink, html.EscapeString(text))); err != nil {
		colorfulprint.PrintWarn(fmt.Sprintf("[admin alert] %v", err))
	}
}
