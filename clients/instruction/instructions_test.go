package instruct

import (
	"strings"
	"testing"
)

func TestPageNavigation(t *testing.T) {
	text, kb := Page(Android, "en", 0)
	if !strings.Contains(text, "Android") || !strings.Contains(text, "Google Play") {
		t.Fatalf("unexpected first page %q", text)
	}
	nav := kb.InlineKeyboard[0]
	if len(nav) != 2 || *nav[1].CallbackData != "guide_step_1_1" {
		t.Fatalf("first page must only offer next, got %+v", nav)
	}
	if kb.InlineKeyboard[1][0].URL == nil {
		t.Fatalf("first page must carry a download link")
	}

	_, kb = Page(Android, "en", 99)
	nav = kb.InlineKeyboard[0]
	if len(nav) != 2 || *nav[0].CallbackData != "guide_step_1_2" || nav[1].Text != "Step 4/4" {
		t.Fatalf("last page must only offer back, got %+v", nav)
	}
	exit := kb.InlineKeyboard[len(kb.InlineKeyboard)-1][0]
	if *exit.CallbackData != CallbackMenu {
		t.Fatalf("exit returns to %q", *exit.CallbackData)
	}
}

func TestPageFallsBackToRussian(t *testing.T) {
	text, _ := Page(IOS, "de", 0)
	if !strings.Contains(text, "Установите") {
		t.Fatalf("expected russian text, got %q", text)
	}
}

func TestParseCallback(t *testing.T) {
	cases := []struct {
		data string
		typ  InstructType
		step int
		noop bool
		ok   bool
	}{
		{OpenCallback(Windows), Windows, 0, false, true},
		{"guide_step_2_3", IOS, 3, false, true},
		{"guide_current", 0, 0, true, true},
		{"guide_step_9_1", 0, 0, false, false},
		{"guide_step_x", 0, 0, false, false},
		{"pay", 0, 0, false, false},
	}
	for _, c := range cases {
		typ, step, noop, ok := ParseCallback(c.data)
		if typ != c.typ || step != c.step || noop != c.noop || ok != c.ok {
			t.Fatalf("ParseCallback(%q) = %v %d %v %v", c.data, typ, step, noop, ok)
		}
	}
}

func TestTracker(t *testing.T) {
	tr := NewTracker()
	if !tr.Move(1, Windows, 0) {
		t.Fatalf("first move must report a change")
	}
	if tr.Move(1, Windows, 0) {
		t.Fatalf("repeated move must be a no-op")
	}
	if !tr.Move(1, Windows, 1) {
		t.Fatalf("next step must report a change")
	}
	tr.ResetState(1)
	if !tr.Move(1, Windows, 1) {
		t.Fatalf("reset must forget the position")
	}
}
