// Package promptmatch watches a PTY's output stream for a configurable
// "ready" prompt and fires a one-shot callback the moment it appears.
//
// It is deliberately stateless about terminal semantics: unlike a full
// VT100 emulator, it only needs a stripped tail of recent bytes to decide
// whether a shell or agent CLI has gone idle waiting for input. Rendering
// the terminal for a human is the UI's job, not this package's.
package promptmatch

import (
	"strings"
	"sync"

	"github.com/charmbracelet/x/ansi"
)

// MaxTailBytes bounds the rolling tail kept for matching. Large enough to
// span a full prompt line plus any trailing escape sequences, small enough
// that a chatty CLI can never grow it unbounded.
const MaxTailBytes = 32 * 1024

// Predicate reports whether the stripped, printable tail of a channel's
// output indicates the channel is now waiting at a ready prompt.
type Predicate func(strippedTail string) bool

// ShellReady builds a Predicate that matches when the tail ends with one
// of the given shell prompt glyphs (optionally followed by whitespace).
// Typical glyph sets are {"$", "%", ">", "❯"}.
func ShellReady(glyphs []string) Predicate {
	set := append([]string(nil), glyphs...)
	return func(tail string) bool {
		trimmed := strings.TrimRight(tail, " \t")
		if trimmed == "" {
			return false
		}
		for _, g := range set {
			if strings.HasSuffix(trimmed, g) {
				return true
			}
		}
		return false
	}
}

// AgentReady builds a Predicate that matches when the tail ends with (or
// contains, for multi-line greetings) a CLI-specific ready marker — a
// known greeting banner or an interactive-prompt glyph.
func AgentReady(marker string) Predicate {
	return func(tail string) bool {
		if marker == "" {
			return false
		}
		return strings.Contains(tail, marker)
	}
}

// Matcher watches a single channel's output stream. It holds at most one
// pending (predicate, callback) pair at a time, matching the Command
// Sequencer's "one outstanding step" invariant — callers must not Install
// a second watch before the first fires or is Cancelled.
type Matcher struct {
	mu      sync.Mutex
	tail    []byte
	pending *pendingMatch
}

type pendingMatch struct {
	predicate Predicate
	onMatch   func(strippedTail string)
}

// New creates an empty Matcher.
func New() *Matcher {
	return &Matcher{}
}

// Install registers the predicate/callback to fire the next time Feed
// observes a match. It replaces (without firing) any prior pending watch.
func (m *Matcher) Install(predicate Predicate, onMatch func(strippedTail string)) {
	m.mu.Lock()
	m.pending = &pendingMatch{predicate: predicate, onMatch: onMatch}
	// Check immediately: output may already satisfy the predicate (e.g. a
	// shell prompt that was already sitting idle before the watch started).
	cb, tail := m.checkLocked()
	m.mu.Unlock()
	if cb != nil {
		cb(tail)
	}
}

// Cancel clears any pending watch without firing it.
func (m *Matcher) Cancel() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = nil
}

// Feed appends a chunk of raw PTY output and evaluates the pending
// predicate, if any, against the stripped rolling tail.
func (m *Matcher) Feed(chunk []byte) {
	m.mu.Lock()
	m.tail = append(m.tail, chunk...)
	if len(m.tail) > MaxTailBytes {
		m.tail = m.tail[len(m.tail)-MaxTailBytes:]
	}
	cb, tail := m.checkLocked()
	m.mu.Unlock()
	if cb != nil {
		cb(tail)
	}
}

// checkLocked must be called with mu held. It clears and returns the
// pending callback on a match, without invoking it, so callers can run
// the callback outside the lock (it may re-enter Install/Cancel). A match
// also consumes the buffered tail, so the next watch is only satisfied by
// output that arrives after it.
func (m *Matcher) checkLocked() (cb func(string), tail string) {
	if m.pending == nil {
		return nil, ""
	}
	stripped := ansi.Strip(string(m.tail))
	if m.pending.predicate(stripped) {
		cb = m.pending.onMatch
		m.pending = nil
		m.tail = nil
		return cb, stripped
	}
	return nil, ""
}

// HasPending reports whether a watch is currently installed. Exposed for
// tests asserting the "at most one pending match per channel" invariant.
func (m *Matcher) HasPending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending != nil
}
