package coordinator

import (
	"strings"
	"testing"

	"github.com/agentdesk/deskcoord/internal/hookrouter"
)

func TestFormatFixMessageListsItems(t *testing.T) {
	msg := formatFixMessage([]string{"A item", "B item"})
	want := "Please address the following:\n- A item\n- B item\n"
	if msg != want {
		t.Errorf("formatFixMessage = %q, want %q", msg, want)
	}
}

func TestFormatSelectionMessageSubstitutesTemplate(t *testing.T) {
	msg := formatSelectionMessage("Fix these for {changeId}:\n{selected_items}", []string{"A", "B"})
	if !strings.Contains(msg, "- A\n") || !strings.Contains(msg, "- B\n") {
		t.Errorf("formatSelectionMessage = %q, want substituted items", msg)
	}
}

func TestFormatSelectionMessageFallsBackWithoutTemplate(t *testing.T) {
	msg := formatSelectionMessage("", []string{"X"})
	if msg != formatFixMessage([]string{"X"}) {
		t.Errorf("expected fallback to formatFixMessage, got %q", msg)
	}
}

func TestRawEventTextPrefersTextThenMessageThenLastMessageThenEventName(t *testing.T) {
	ev := hookrouter.HookEvent{EventName: "codex-notify", Payload: map[string]any{"text": "hello"}}
	if got := rawEventText(ev); got != "hello" {
		t.Errorf("rawEventText = %q, want hello", got)
	}
	ev2 := hookrouter.HookEvent{EventName: "codex-notify", Payload: map[string]any{"message": "world"}}
	if got := rawEventText(ev2); got != "world" {
		t.Errorf("rawEventText = %q, want world", got)
	}
	ev3 := hookrouter.HookEvent{EventName: "codex-notify", Payload: map[string]any{"last_message": "ok"}}
	if got := rawEventText(ev3); got != "ok" {
		t.Errorf("rawEventText = %q, want ok", got)
	}
	ev4 := hookrouter.HookEvent{EventName: "codex-notify", Payload: map[string]any{}}
	if got := rawEventText(ev4); got != "codex-notify" {
		t.Errorf("rawEventText = %q, want event name fallback", got)
	}
}
