package main

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Asort97/wgVpnBot/clients/config"
	instruct "github.com/Asort97/wgVpnBot/clients/instruction"
	"github.com/Asort97/wgVpnBot/clients/lifecycle"
	lockmap "github.com/Asort97/wgVpnBot/clients/lockMap"
	"github.com/Asort97/wgVpnBot/clients/models"
	peerconfig "github.com/Asort97/wgVpnBot/clients/peerConfig"
	"github.com/Asort97/wgVpnBot/clients/telegram"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

var today = time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)

type fakeBot struct {
	mu       sync.Mutex
	sent     []tgbotapi.Chattable
	requests []tgbotapi.Chattable
	failEdit bool
}

func (b *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := c.(tgbotapi.EditMessageTextConfig); ok && b.failEdit {
		return tgbotapi.Message{}, errors.New("Bad Request: message to edit not found")
	}
	b.sent = append(b.sent, c)
	return tgbotapi.Message{MessageID: len(b.sent)}, nil
}

func (b *fakeBot) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests = append(b.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (b *fakeBot) texts() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, c := range b.sent {
		switch m := c.(type) {
		case tgbotapi.MessageConfig:
			out = append(out, m.Text)
		case tgbotapi.EditMessageTextConfig:
			out = append(out, m.Text)
		}
	}
	return out
}

func (b *fakeBot) documents() []tgbotapi.DocumentConfig {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []tgbotapi.DocumentConfig
	for _, c := range b.sent {
		if d, ok := c.(tgbotapi.DocumentConfig); ok {
			out = append(out, d)
		}
	}
	return out
}

type memSubs struct {
	mu   sync.Mutex
	data map[int64]models.Subscription
	// afterGet runs once, after the first read.
	afterGet func(id int64)
}

func (m *memSubs) Get(_ context.Context, id int64) (models.Subscription, error) {
	m.mu.Lock()
	s, ok := m.data[id]
	hook := m.afterGet
	m.afterGet = nil
	m.mu.Unlock()
	if hook != nil {
		hook(id)
	}
	if !ok {
		return models.Subscription{}, fmt.Errorf("client %d: %w", id, models.ErrSubscriptionNotFound)
	}
	return s, nil
}

func (m *memSubs) get(id int64) models.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[id]
}

func (m *memSubs) Save(_ context.Context, s models.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[s.ClientID] = s
	return nil
}

type fakePeers struct {
	mu           sync.Mutex
	renewed      map[int64]int
	provisioned  []int64
	provisionErr error
}

func (f *fakePeers) Provision(_ context.Context, id int64) (models.PeerProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.provisionErr != nil {
		return models.PeerProfile{}, f.provisionErr
	}
	f.provisioned = append(f.provisioned, id)
	return models.PeerProfile{ClientID: id, Address: netip.MustParseAddr("10.0.0.3")}, nil
}

func (f *fakePeers) Renew(_ context.Context, id int64, months int) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renewed[id] += months
	return models.Day(today).AddDate(0, months, 0), nil
}

type fakeConfigs map[int64]string

func (f fakeConfigs) RenderedConfig(id int64) ([]byte, error) {
	if s, ok := f[id]; ok {
		return []byte(s), nil
	}
	return nil, peerconfig.ErrNotFound
}

func newTestApp() (*app, *fakeBot, *memSubs, *fakePeers) {
	bot := &fakeBot{}
	subs := &memSubs{data: map[int64]models.Subscription{}}
	peers := &fakePeers{renewed: map[int64]int{}}
	a := &app{
		bot:      bot,
		cfg:      &config.Config{PricePerMonth: 8000},
		subs:     lifecycle.New(lifecycle.Deps{Subscriptions: subs, Now: func() time.Time { return today }}),
		peers:    peers,
		configs:  fakeConfigs{5: "[Interface]\n"},
		notifier: telegram.NewNotifier(bot),
		guides:   instruct.NewTracker(),
		now:      func() time.Time { return today },
	}
	return a, bot, subs, peers
}

func startCommand(chatID int64) *tgbotapi.Message {
	return &tgbotapi.Message{
		Text:     "/start",
		Chat:     &tgbotapi.Chat{ID: chatID},
		From:     &tgbotapi.User{ID: chatID, FirstName: "Ann", UserName: "ann", LanguageCode: "en"},
		Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: 6}},
	}
}

func callback(chatID int64, data string) *tgbotapi.CallbackQuery {
	return &tgbotapi.CallbackQuery{
		ID:      "cq",
		From:    &tgbotapi.User{ID: chatID},
		Message: &tgbotapi.Message{MessageID: 1, Chat: &tgbotapi.Chat{ID: chatID}},
		Data:    data,
	}
}

func firstButton(t *testing.T, c tgbotapi.Chattable) string {
	t.Helper()
	var markup interface{}
	switch m := c.(type) {
	case tgbotapi.MessageConfig:
		markup = m.ReplyMarkup
	case tgbotapi.EditMessageTextConfig:
		markup = *m.ReplyMarkup
	default:
		t.Fatalf("unexpected chattable %T", c)
	}
	kb, ok := markup.(tgbotapi.InlineKeyboardMarkup)
	if !ok || len(kb.InlineKeyboard) == 0 {
		t.Fatalf("no inline keyboard in %T", c)
	}
	return *kb.InlineKeyboard[0][0].CallbackData
}

func TestPlanPrices(t *testing.T) {
	want := []int{8000, 15200, 21600}
	for i, w := range want {
		if got := planPrice(8000, i+1); got != w {
			t.Fatalf("planPrice(%d) = %d, want %d", i+1, got, w)
		}
	}
	if formatRubles(15200) != "152 ₽" || formatRubles(15250) != "152.50 ₽" {
		t.Fatalf("formatRubles: %q %q", formatRubles(15200), formatRubles(15250))
	}
}

func TestInvoicePayload(t *testing.T) {
	inv, err := parseInvoicePayload(invoicePayload(42, 3))
	if err != nil || inv.chatID != 42 || inv.months != 3 {
		t.Fatalf("round trip: %+v %v", inv, err)
	}
	for _, bad := range []string{"", "42", "x:1", "42:0", "42:4", "42:y"} {
		if _, err := parseInvoicePayload(bad); !errors.Is(err, errBadPayload) {
			t.Fatalf("payload %q: expected errBadPayload, got %v", bad, err)
		}
	}
}

func TestStartCreatesSubscriptionAndOffersPayment(t *testing.T) {
	a, bot, subs, _ := newTestApp()
	a.handleMessage(context.Background(), startCommand(5))

	sub, err := subs.Get(context.Background(), 5)
	if err != nil || sub.Lang != "en" || sub.Username != "ann" {
		t.Fatalf("subscription not created: %+v %v", sub, err)
	}
	if got := firstButton(t, bot.sent[0]); got != cbPay {
		t.Fatalf("new user must be offered payment, got %q", got)
	}
	if !strings.Contains(bot.texts()[0], "Greetings, Ann!") {
		t.Fatalf("unexpected greeting %q", bot.texts()[0])
	}
}

func TestStartOffersConfigToActiveSubscriber(t *testing.T) {
	a, bot, subs, _ := newTestApp()
	due := models.Day(today).AddDate(0, 0, 5)
	subs.data[5] = models.Subscription{ClientID: 5, Lang: "en", DueDate: &due, Username: "ann"}

	a.handleMessage(context.Background(), startCommand(5))
	if got := firstButton(t, bot.sent[0]); got != cbConfig {
		t.Fatalf("subscriber must be offered the config, got %q", got)
	}
	if !strings.Contains(bot.texts()[0], "2024-01-15") {
		t.Fatalf("greeting must show the due date: %q", bot.texts()[0])
	}
}

func TestConfigWithoutSubscription(t *testing.T) {
	a, bot, subs, peers := newTestApp()
	subs.data[5] = models.Subscription{ClientID: 5, Lang: "en"}

	a.handleCallback(context.Background(), callback(5, cbConfig))
	if texts := bot.texts(); len(texts) != 1 || texts[0] != "No suitable config found. Sorry!" {
		t.Fatalf("unexpected replies %q", texts)
	}
	if len(peers.provisioned) != 0 {
		t.Fatalf("inactive client must not be provisioned")
	}
	if len(bot.requests) != 1 {
		t.Fatalf("callback must be answered")
	}
}

func TestSuccessfulPaymentRenewsAndSendsConfig(t *testing.T) {
	a, bot, subs, peers := newTestApp()
	subs.data[5] = models.Subscription{ClientID: 5, Lang: "en"}
	a.startWorkers(context.Background(), 2)

	a.handleUpdate(context.Background(), tgbotapi.Update{Message: &tgbotapi.Message{
		Chat: &tgbotapi.Chat{ID: 5},
		From: &tgbotapi.User{ID: 5, UserName: "ann"},
		SuccessfulPayment: &tgbotapi.SuccessfulPayment{
			Currency:                invoiceCurrency,
			TotalAmount:             15200,
			InvoicePayload:          invoicePayload(5, 2),
			TelegramPaymentChargeID: "charge-1",
		},
	}})
	a.stopWorkers()

	if peers.renewed[5] != 2 || len(peers.provisioned) != 1 {
		t.Fatalf("renewed %v provisioned %v", peers.renewed, peers.provisioned)
	}
	docs := bot.documents()
	if len(docs) != 1 || docs[0].File.(tgbotapi.FileBytes).Name != "wg-5.conf" {
		t.Fatalf("config not delivered: %+v", docs)
	}
	found := false
	for _, text := range bot.texts() {
		if strings.Contains(text, "2024-03-10") {
			found = true
		}
	}
	if !found {
		t.Fatalf("payment confirmation missing: %q", bot.texts())
	}
}

func TestPoolExhaustionIsReported(t *testing.T) {
	a, bot, _, peers := newTestApp()
	peers.provisionErr = fmt.Errorf("provision: %w", lifecycle.ErrNoAddressAvailable)

	if err := a.deliverConfig(context.Background(), 5, "en"); err == nil {
		t.Fatalf("expected error")
	}
	if texts := bot.texts(); len(texts) == 0 || !strings.Contains(texts[0], "All VPN slots are taken") {
		t.Fatalf("unexpected replies %q", texts)
	}
}

func TestPreCheckoutRejectsUnknownPayload(t *testing.T) {
	a, bot, _, _ := newTestApp()
	a.handlePreCheckout(&tgbotapi.PreCheckoutQuery{ID: "q1", InvoicePayload: invoicePayload(5, 1)})
	a.handlePreCheckout(&tgbotapi.PreCheckoutQuery{ID: "q2", InvoicePayload: "garbage"})

	ok := bot.requests[0].(tgbotapi.PreCheckoutConfig)
	bad := bot.requests[1].(tgbotapi.PreCheckoutConfig)
	if !ok.OK || bad.OK {
		t.Fatalf("unexpected answers %+v %+v", ok, bad)
	}
}

func TestLanguageChange(t *testing.T) {
	a, bot, subs, _ := newTestApp()
	subs.data[5] = models.Subscription{ClientID: 5, Lang: "ru"}

	a.handleCallback(context.Background(), callback(5, cbLangPrefix+"en"))
	if subs.data[5].Lang != "en" {
		t.Fatalf("language not saved: %+v", subs.data[5])
	}
	if texts := bot.texts(); len(texts) != 1 || texts[0] != "Language was changed to EN" {
		t.Fatalf("unexpected replies %q", texts)
	}

	a.handleCallback(context.Background(), callback(5, cbLangPrefix+"de"))
	if subs.data[5].Lang != "en" {
		t.Fatalf("unsupported language saved")
	}
}

// A renewal that commits while a settings edit is in flight must survive
// the edit.
func TestLanguageChangeKeepsConcurrentRenewal(t *testing.T) {
	a, _, subs, _ := newTestApp()
	subs.data[5] = models.Subscription{ClientID: 5, Lang: "ru"}

	configs, err := peerconfig.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("configs: %v", err)
	}
	locks := lockmap.New()
	mgr := lifecycle.New(lifecycle.Deps{
		Configs:       configs,
		Subscriptions: subs,
		Locks:         locks,
		Now:           func() time.Time { return today },
	})
	a.subs = mgr

	renewed := make(chan error, 1)
	subs.afterGet = func(id int64) {
		go func() {
			_, err := mgr.Renew(context.Background(), id, 3)
			renewed <- err
		}()
		// Let the renewal commit if nothing holds the client lock.
		time.Sleep(50 * time.Millisecond)
	}

	a.handleCallback(context.Background(), callback(5, cbLangPrefix+"en"))
	if err := <-renewed; err != nil {
		t.Fatalf("renew: %v", err)
	}

	got := subs.get(5)
	if got.Lang != "en" {
		t.Fatalf("language not saved: %+v", got)
	}
	if got.DueDate == nil || got.DueDate.Format(models.DateLayout) != "2024-04-10" {
		t.Fatalf("paid renewal lost, due date %v", got.DueDate)
	}
}

func TestEditFallsBackToNewMessage(t *testing.T) {
	a, bot, subs, _ := newTestApp()
	subs.data[5] = models.Subscription{ClientID: 5, Lang: "en"}
	bot.failEdit = true

	a.handleCallback(context.Background(), callback(5, cbPay))
	if len(bot.sent) != 1 {
		t.Fatalf("expected one fallback message, got %d", len(bot.sent))
	}
	if got := firstButton(t, bot.sent[0]); got != cbPlanPrefix+"1" {
		t.Fatalf("plan keyboard expected, got %q", got)
	}
}

func TestThrottle(t *testing.T) {
	a, _, _, _ := newTestApp()
	if !a.canProceed(1, "config", time.Second) {
		t.Fatalf("first action must pass")
	}
	if a.canProceed(1, "config", time.Second) {
		t.Fatalf("repeated action must be throttled")
	}
	if !a.canProceed(2, "config", time.Second) {
		t.Fatalf("other chats are independent")
	}
}
