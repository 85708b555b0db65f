package hookrouter

import (
	"sync"
	"testing"
)

func TestNormalizeDerivesEventNameFromPriorityKeys(t *testing.T) {
	raw := map[string]any{"hook_event_name": "PostToolUse", "event": "ignored"}
	ev := normalize(raw, "")
	if ev.EventName != "PostToolUse" {
		t.Errorf("EventName = %q, want PostToolUse (higher-priority key should win)", ev.EventName)
	}
}

func TestNormalizeFallsBackToArgv(t *testing.T) {
	ev := normalize(map[string]any{}, "fallback-token")
	if ev.EventName != "fallback-token" {
		t.Errorf("EventName = %q, want argv fallback", ev.EventName)
	}
}

func TestIsDoneBySuffixAndDoneSet(t *testing.T) {
	cases := []struct {
		name string
		want bool
	}{
		{"agent-turn-complete", true},
		{"something-complete", true},
		{"tool/done", true},
		{"PostToolUse", false},
		{"thinking", false},
	}
	for _, c := range cases {
		ev := normalize(map[string]any{"event": c.name}, "")
		if ev.IsDone != c.want {
			t.Errorf("isDone(%q) = %v, want %v", c.name, ev.IsDone, c.want)
		}
	}
}

func TestIsDoneByStatusField(t *testing.T) {
	ev := normalize(map[string]any{"event": "codex-notify", "status": "success"}, "")
	if !ev.IsDone {
		t.Error("expected top-level status=success to mark done")
	}
	ev2 := normalize(map[string]any{
		"event":   "codex-notify",
		"payload": map[string]any{"status": "ok"},
	}, "")
	if !ev2.IsDone {
		t.Error("expected payload.status=ok to mark done")
	}
}

func TestNormalizeExtractsCLISessionIDAliases(t *testing.T) {
	for _, key := range []string{"thread-id", "thread_id", "session_id", "session-id", "conversation_id", "conversation-id"} {
		ev := normalize(map[string]any{key: "cs-42"}, "")
		if ev.CLISessionID != "cs-42" {
			t.Errorf("key %q: CLISessionID = %q, want cs-42", key, ev.CLISessionID)
		}
	}
}

func TestDispatchRoutesByCLISessionID(t *testing.T) {
	r := New(100, 10)
	var got HookEvent
	var mu sync.Mutex
	r.RegisterSessionID("tab-1", "cs-42", "reviewer", func(ev HookEvent) {
		mu.Lock()
		got = ev
		mu.Unlock()
	}, func() bool { return true })

	r.Dispatch(map[string]any{"event": "codex-notify", "session_id": "cs-42"}, "")

	mu.Lock()
	defer mu.Unlock()
	if got.CLISessionID != "cs-42" {
		t.Errorf("handler did not receive expected event, got %+v", got)
	}
}

func TestDispatchRoutesByPendingToken(t *testing.T) {
	r := New(100, 10)
	delivered := make(chan HookEvent, 1)
	r.RegisterPendingToken("tab-1", "pt-1", "reviewer", func(ev HookEvent) { delivered <- ev }, func() bool { return false })

	r.Dispatch(map[string]any{"event": "codex-notify", "pending_token": "pt-1"}, "")

	select {
	case ev := <-delivered:
		if ev.PendingToken != "pt-1" {
			t.Errorf("PendingToken = %q", ev.PendingToken)
		}
	default:
		t.Fatal("expected delivery by pending_token")
	}
}

func TestDispatchFIFOFallbackToOldestHandshaking(t *testing.T) {
	r := New(100, 10)
	var order []string
	var mu sync.Mutex
	r.RegisterPendingToken("tab-1", "pt-1", "reviewer", func(ev HookEvent) {
		mu.Lock()
		order = append(order, "tab-1")
		mu.Unlock()
	}, func() bool { return false })
	r.RegisterPendingToken("tab-2", "pt-2", "reviewer", func(ev HookEvent) {
		mu.Lock()
		order = append(order, "tab-2")
		mu.Unlock()
	}, func() bool { return false })

	// No cli_session_id, no pending_token: must fall back FIFO to the
	// oldest AwaitingHandshake registration of the matching kind.
	r.Dispatch(map[string]any{"event": "codex-notify"}, "")

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 1 || order[0] != "tab-1" {
		t.Errorf("FIFO delivery order = %v, want [tab-1]", order)
	}
}

func TestDispatchBroadcastRespectsSelfFilter(t *testing.T) {
	r := New(100, 10)
	var boundDelivered, unboundDelivered bool
	r.RegisterSessionID("tab-1", "cs-1", "builder", func(ev HookEvent) { boundDelivered = true }, func() bool { return true })
	r.RegisterPendingToken("tab-2", "pt-2", "builder", func(ev HookEvent) { unboundDelivered = true }, func() bool { return false })

	// A Stop event with no cli_session_id must broadcast, but the already
	// bound session (tab-1) must ignore it (scenario S6).
	r.Dispatch(map[string]any{"event": "Stop"}, "")

	if boundDelivered {
		t.Error("already-bound session should ignore a cli_session_id-less broadcast")
	}
	if !unboundDelivered {
		t.Error("unbound session should receive the broadcast")
	}
}

func TestUnregisterAllRemovesEveryRouteForOwner(t *testing.T) {
	r := New(100, 10)
	r.RegisterSessionID("tab-1", "cs-1", "builder", func(HookEvent) {}, func() bool { return true })
	r.RegisterPendingToken("tab-1", "pt-1", "builder", func(HookEvent) {}, func() bool { return false })

	r.UnregisterAll("tab-1")

	r.mu.Lock()
	_, hasSession := r.bySessionID["cs-1"]
	_, hasToken := r.byToken["pt-1"]
	handshakingLen := len(r.handshaking["builder"])
	r.mu.Unlock()

	if hasSession || hasToken || handshakingLen != 0 {
		t.Errorf("dangling routes after UnregisterAll: session=%v token=%v handshaking=%d", hasSession, hasToken, handshakingLen)
	}
}
