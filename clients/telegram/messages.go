package telegram

import "fmt"

type MessageID string

const (
	MsgGreeting        MessageID = "greeting"
	MsgPayButton       MessageID = "pay_button"
	MsgConfigButton    MessageID = "config_button"
	MsgFAQButton       MessageID = "faq_button"
	MsgSettingsButton  MessageID = "settings_button"
	MsgBack            MessageID = "back"
	MsgChoosePlan      MessageID = "choose_plan"
	MsgInvoiceTitle    MessageID = "invoice_title"
	MsgPay             MessageID = "pay"
	MsgConfigReady     MessageID = "config_ready"
	MsgNoConfig        MessageID = "no_config"
	MsgFAQ             MessageID = "faq"
	MsgSettings        MessageID = "settings"
	MsgSelectLanguage  MessageID = "select_language"
	MsgChooseLanguage  MessageID = "choose_language"
	MsgLanguageChanged MessageID = "language_changed"
	MsgExtend          MessageID = "extend"
	MsgExpired         MessageID = "expired"
	MsgPaid            MessageID = "paid"
	MsgProvisionFailed MessageID = "provision_failed"
	MsgPoolExhausted   MessageID = "pool_exhausted"
	MsgSubscribedUntil MessageID = "subscribed_until"
)

var catalog = map[string]map[MessageID]string{
	"en": {
		MsgGreeting:        "Greetings, %s!\nIn this bot, you can buy a subscription to a WireGuard VPN service.",
		MsgPayButton:       "Pay to get your config!",
		MsgConfigButton:    "Give me config!",
		MsgFAQButton:       "FAQ",
		MsgSettingsButton:  "Settings",
		MsgBack:            " « Back",
		MsgChoosePlan:      "Please, choose duration of your subscription",
		MsgInvoiceTitle:    "Subscription",
		MsgPay:             "Pay",
		MsgConfigReady:     "Your config is ready!",
		MsgNoConfig:        "No suitable config found. Sorry!",
		MsgFAQ:             "Frequently asked questions",
		MsgSettings:        "Settings",
		MsgSelectLanguage:  "Select language",
		MsgChooseLanguage:  "Select your language:",
		MsgLanguageChanged: "Language was changed to %s",
		MsgExtend:          "Extend subscription",
		MsgExpired:         "Your subscription has run out.",
		MsgPaid:            "Payment received, your subscription is active until %s.",
		MsgProvisionFailed: "We could not prepare your config right now. Support has been notified, please try again later.",
		MsgPoolExhausted:   "All VPN slots are taken at the moment. Please try again later.",
		MsgSubscribedUntil: "Your subscription is active until %s.",
	},
	"ru": {
		MsgGreeting:        "Привет, %s!\nВ этом боте можно купить подписку на WireGuard VPN.",
		MsgPayButton:       "Оплатить и получить конфиг!",
		MsgConfigButton:    "Дай конфиг!",
		MsgFAQButton:       "Вопросы и ответы",
		MsgSettingsButton:  "Настройки",
		MsgBack:            " « Назад",
		MsgChoosePlan:      "Пожалуйста, выберите срок подписки",
		MsgInvoiceTitle:    "Подписка",
		MsgPay:             "Оплатить",
		MsgConfigReady:     "Ваш конфиг готов!",
		MsgNoConfig:        "Подходящий конфиг не найден. Извините!",
		MsgFAQ:             "Часто задаваемые вопросы",
		MsgSettings:        "Настройки",
		MsgSelectLanguage:  "Выбрать язык",
		MsgChooseLanguage:  "Выберите язык:",
		MsgLanguageChanged: "Язык изменён на %s",
		MsgExtend:          "Продлить подписку",
		MsgExpired:         "Ваша подписка закончилась.",
		MsgPaid:            "Оплата получена, подписка активна до %s.",
		MsgProvisionFailed: "Не удалось подготовить конфиг. Поддержка уже в курсе, попробуйте позже.",
		MsgPoolExhausted:   "Сейчас все места на VPN заняты. Попробуйте позже.",
		MsgSubscribedUntil: "Ваша подписка активна до %s.",
	},
}

const DefaultLang = "ru"

// Langs lists the supported languages in menu order.
var Langs = []string{"ru", "en"}

func normLang(lang string) string {
	if _, ok := catalog[lang]; ok {
		return lang
	}
	return DefaultLang
}

// T looks up id in lang, falling back to the default language.
func T(lang string, id MessageID, args ...any) string {
	text, ok := catalog[normLang(lang)][id]
	if !ok {
		text = catalog[DefaultLang][id]
	}
	if len(args) == 0 {
		return text
	}
	return fmt.Sprintf(text, args...)
}

// DaysRemaining is the plural-aware "N days left" text.
func DaysRemaining(lang string, n int) string {
	if normLang(lang) == "en" {
		if n == 1 {
			return "You have 1 day remaining."
		}
		return fmt.Sprintf("You have %d days remaining.", n)
	}
	return fmt.Sprintf("Осталось %d %s подписки.", n, ruPlural(n, "день", "дня", "дней"))
}

// Months is the plural-aware "N months" label used for plans.
func Months(lang string, n int) string {
	if normLang(lang) == "en" {
		if n == 1 {
			return "1 month"
		}
		return fmt.Sprintf("%d months", n)
	}
	return fmt.Sprintf("%d %s", n, ruPlural(n, "месяц", "месяца", "месяцев"))
}

// PayFor is the invoice description.
func PayFor(lang string, months int) string {
	if normLang(lang) == "en" {
		return fmt.Sprintf("Please, pay for %s of your subscription", Months("en", months))
	}
	return fmt.Sprintf("Оплата подписки на %s", Months("ru", months))
}

func ruPlural(n int, one, few, many string) string {
	n %= 100
	if n < 0 {
		n = -n
	}
	if n >= 11 && n <= 14 {
		return many
	}
	switch n % 10 {
	case 1:
		return one
	case 2, 3, 4:
		return few
	}
	return many
}
