package promptmatch

import (
	"strings"
	"testing"
)

func TestShellReadyMatchesConfiguredGlyphs(t *testing.T) {
	pred := ShellReady([]string{"$", "%", ">", "❯"})
	cases := []struct {
		tail string
		want bool
	}{
		{"user@host:~$ ", true},
		{"user@host:~$", true},
		{"project❯ ", true},
		{"still thinking...", false},
		{"", false},
	}
	for _, c := range cases {
		if got := pred(c.tail); got != c.want {
			t.Errorf("ShellReady(%q) = %v, want %v", c.tail, got, c.want)
		}
	}
}

func TestAgentReadyMatchesLiteralMarker(t *testing.T) {
	pred := AgentReady("Welcome to Codex")
	if !pred("blah blah\nWelcome to Codex\n> ") {
		t.Error("expected marker to match")
	}
	if pred("nothing here") {
		t.Error("expected no match")
	}
}

func TestMatcherFiresOnceOnMatch(t *testing.T) {
	m := New()
	fired := 0
	var lastTail string
	m.Install(ShellReady([]string{"$"}), func(tail string) {
		fired++
		lastTail = tail
	})
	m.Feed([]byte("compiling...\n"))
	if fired != 0 {
		t.Fatalf("fired = %d before match, want 0", fired)
	}
	m.Feed([]byte("done\nuser@host:~$ "))
	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}
	if !strings.HasSuffix(lastTail, "$ ") {
		t.Errorf("lastTail = %q, want suffix %q", lastTail, "$ ")
	}
	// Further output must not refire until a new watch is installed.
	m.Feed([]byte("user@host:~$ "))
	if fired != 1 {
		t.Fatalf("fired = %d after second prompt with no new Install, want 1", fired)
	}
}

func TestMatcherStripsANSIBeforeMatching(t *testing.T) {
	m := New()
	fired := false
	m.Install(ShellReady([]string{"$"}), func(string) { fired = true })
	// Color-coded prompt: ESC[32m ... ESC[0m around the glyph.
	m.Feed([]byte("\x1b[32muser@host:~\x1b[0m$ "))
	if !fired {
		t.Error("expected match after stripping ANSI color codes")
	}
}

func TestInstallReplacesPendingWithoutFiring(t *testing.T) {
	m := New()
	fired1, fired2 := 0, 0
	m.Feed([]byte("user@host:~$ "))
	m.Install(ShellReady([]string{"%"}), func(string) { fired1++ })
	m.Install(ShellReady([]string{"$"}), func(string) { fired2++ })
	if fired1 != 0 {
		t.Errorf("first watch fired = %d, want 0 (replaced before match)", fired1)
	}
	if fired2 != 1 {
		t.Errorf("second watch fired = %d, want 1 (tail already satisfies it)", fired2)
	}
}

func TestCancelClearsPendingWithoutFiring(t *testing.T) {
	m := New()
	fired := false
	m.Install(ShellReady([]string{"$"}), func(string) { fired = true })
	m.Cancel()
	m.Feed([]byte("user@host:~$ "))
	if fired {
		t.Error("expected cancelled watch to never fire")
	}
	if m.HasPending() {
		t.Error("expected no pending watch after Cancel")
	}
}

func TestHasPendingReflectsInstallState(t *testing.T) {
	m := New()
	if m.HasPending() {
		t.Fatal("new matcher should have no pending watch")
	}
	m.Install(ShellReady([]string{"$"}), func(string) {})
	if !m.HasPending() {
		t.Error("expected pending watch after Install")
	}
}

func TestMatcherTailIsBounded(t *testing.T) {
	m := New()
	big := strings.Repeat("x", MaxTailBytes+4096)
	m.Feed([]byte(big))
	if len(m.tail) > MaxTailBytes {
		t.Errorf("tail len = %d, want <= %d", len(m.tail), MaxTailBytes)
	}
}
