package instruct

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

type InstructType int

const (
	Windows InstructType = iota
	Android
	IOS
)

// Callback data prefixes. A step button carries "<prefix><platform>_<step>".
const (
	CallbackMenu = "faq"
	callbackOpen = "guide_"
	callbackStep = "guide_step_"
	callbackNoop = "guide_current"
)

type step struct {
	text     string
	download string
}

var guides = map[InstructType]map[string][]step{
	Windows: {
		"ru": {
			{`Скачайте <a href="https://www.wireguard.com/install/">WireGuard</a> для Windows и установите его`, "https://download.wireguard.com/windows-client/wireguard-installer.exe"},
			{"Сохраните файл конфигурации <code>.conf</code>, который прислал бот", ""},
			{"В WireGuard нажмите «Импорт туннелей из файла» и выберите сохранённый файл", ""},
			{"Нажмите «Подключить»", ""},
		},
		"en": {
			{`Download <a href="https://www.wireguard.com/install/">WireGuard</a> for Windows and install it`, "https://download.wireguard.com/windows-client/wireguard-installer.exe"},
			{"Save the <code>.conf</code> file the bot sent you", ""},
			{"In WireGuard click \"Import tunnel(s) from file\" and pick the saved file", ""},
			{"Click \"Activate\"", ""},
		},
	},
	Android: {
		"ru": {
			{`Установите <a href="https://play.google.com/store/apps/details?id=com.wireguard.android">WireGuard</a> из Google Play`, "https://play.google.com/store/apps/details?id=com.wireguard.android"},
			{"Скачайте файл конфигурации из чата с ботом", ""},
			{"В WireGuard нажмите «+» → «Импорт из файла» и выберите файл", ""},
			{"Включите переключатель туннеля", ""},
		},
		"en": {
			{`Install <a href="https://play.google.com/store/apps/details?id=com.wireguard.android">WireGuard</a> from Google Play`, "https://play.google.com/store/apps/details?id=com.wireguard.android"},
			{"Download the config file from the bot chat", ""},
			{"In WireGuard tap \"+\" → \"Import from file\" and choose the file", ""},
			{"Turn the tunnel switch on", ""},
		},
	},
	IOS: {
		"ru": {
			{`Установите <a href="https://apps.apple.com/app/wireguard/id1441195209">WireGuard</a> из App Store`, "https://apps.apple.com/app/wireguard/id1441195209"},
			{"Откройте файл конфигурации в чате и нажмите «Поделиться» → WireGuard", ""},
			{"Разрешите добавление конфигурации VPN", ""},
			{"Включите туннель в приложении WireGuard", ""},
		},
		"en": {
			{`Install <a href="https://apps.apple.com/app/wireguard/id1441195209">WireGuard</a> from the App Store`, "https://apps.apple.com/app/wireguard/id1441195209"},
			{"Open the config file in the chat and tap Share → WireGuard", ""},
			{"Allow adding the VPN configuration", ""},
			{"Turn the tunnel on in the WireGuard app", ""},
		},
	},
}

var names = map[InstructType]string{
	Windows: "Windows",
	Android: "Android",
	IOS:     "iOS",
}

var labels = map[string]map[string]string{
	"ru": {"back": "⬅️ Назад", "next": "Вперёд ➡️", "download": "Скачать ↗️", "exit": "❌ Выйти", "step": "Шаг"},
	"en": {"back": "⬅️ Back", "next": "Next ➡️", "download": "Download ↗️", "exit": "❌ Close", "step": "Step"},
}

func label(lang, key string) string {
	if l, ok := labels[lang]; ok {
		return l[key]
	}
	return labels["ru"][key]
}

func guide(t InstructType, lang string) []step {
	g := guides[t]
	if s, ok := g[lang]; ok {
		return s
	}
	return g["ru"]
}

// MenuKeyboard lists the platforms, followed by extra rows from the caller.
func MenuKeyboard(extra ...[]tgbotapi.InlineKeyboardButton) tgbotapi.InlineKeyboardMarkup {
	rows := [][]tgbotapi.InlineKeyboardButton{
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("💻 Windows", OpenCallback(Windows)),
			tgbotapi.NewInlineKeyboardButtonData("📱 Android", OpenCallback(Android)),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🍎 iOS", OpenCallback(IOS)),
		),
	}
	return tgbotapi.NewInlineKeyboardMarkup(append(rows, extra...)...)
}

func OpenCallback(t InstructType) string {
	return callbackOpen + strconv.Itoa(int(t))
}

// Page renders one step of a guide with its navigation keyboard. Out of
// range steps are clamped.
func Page(t InstructType, lang string, n int) (string, tgbotapi.InlineKeyboardMarkup) {
	steps := guide(t, lang)
	if n < 0 {
		n = 0
	}
	if n >= len(steps) {
		n = len(steps) - 1
	}

	var rows [][]tgbotapi.InlineKeyboardButton
	var row []tgbotapi.InlineKeyboardButton
	if n > 0 {
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(label(lang, "back"), stepCallback(t, n-1)))
	}
	row = append(row, tgbotapi.NewInlineKeyboardButtonData(fmt.Sprintf("%s %d/%d", label(lang, "step"), n+1, len(steps)), callbackNoop))
	if n < len(steps)-1 {
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(label(lang, "next"), stepCallback(t, n+1)))
	}
	rows = append(rows, row)

	if steps[n].download != "" {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonURL(label(lang, "download"), steps[n].download),
		))
	}
	rows = append(rows, tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData(label(lang, "exit"), CallbackMenu),
	))

	text := fmt.Sprintf("<b>%s</b>\n\n%s", names[t], steps[n].text)
	return text, tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func stepCallback(t InstructType, n int) string {
	return fmt.Sprintf("%s%d_%d", callbackStep, t, n)
}

// ParseCallback recognises guide callbacks. ok is false for anything else;
// the no-op step counter button parses as ok with noop set.
func ParseCallback(data string) (t InstructType, n int, noop, ok bool) {
	switch {
	case data == callbackNoop:
		return 0, 0, true, true
	case strings.HasPrefix(data, callbackStep):
		platform, num, found := strings.Cut(strings.TrimPrefix(data, callbackStep), "_")
		if !found {
			return 0, 0, false, false
		}
		p, err1 := strconv.Atoi(platform)
		s, err2 := strconv.Atoi(num)
		if err1 != nil || err2 != nil || !valid(InstructType(p)) {
			return 0, 0, false, false
		}
		return InstructType(p), s, false, true
	case strings.HasPrefix(data, callbackOpen):
		p, err := strconv.Atoi(strings.TrimPrefix(data, callbackOpen))
		if err != nil || !valid(InstructType(p)) {
			return 0, 0, false, false
		}
		return InstructType(p), 0, false, true
	}
	return 0, 0, false, false
}

func valid(t InstructType) bool {
	_, ok := guides[t]
	return ok
}

// Tracker remembers which guide step each chat is on, so a repeated tap on
// the same button does not resend an identical edit.
type Tracker struct {
	mu     sync.Mutex
	states map[int64]InstructionState
}

type InstructionState struct {
	Type        InstructType
	CurrentStep int
}

func NewTracker() *Tracker {
	return &Tracker{states: make(map[int64]InstructionState)}
}

// Move records the new position and reports whether it changed.
func (tr *Tracker) Move(chatID int64, t InstructType, n int) bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	next := InstructionState{Type: t, CurrentStep: n}
	if cur, ok := tr.states[chatID]; ok && cur == next {
		return false
	}
	tr.states[chatID] = next
	return true
}

func (tr *Tracker) ResetState(chatID int64) {
	tr.mu.Lock()
	delete(tr.states, chatID)
	tr.mu.Unlock()
}
