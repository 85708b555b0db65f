// Package sequencer drives a PTY channel through an ordered chain of
// (write, wait-for-prompt) steps, turning the CLI's opaque "shell here, now
// type a command, now wait" protocol into a linear, testable state
// progression instead of nested callbacks.
package sequencer

import (
	"sync"
	"time"

	"github.com/agentdesk/deskcoord/internal/promptmatch"
)

// BracketedPasteThreshold is the payload-length boundary, in bytes, at
// which the Sequencer switches from bracketed-paste writes to direct
// writes. Some CLIs truncate long bracketed pastes; 500 is empirical.
// Exposed as a named constant, never a magic literal, per the spec.
const BracketedPasteThreshold = 500

// DefaultStepTimeout bounds an ordinary step. Handshake steps pass their
// own, larger Timeout (see config.KindConfig.HandshakeTimeout).
const DefaultStepTimeout = 30 * time.Second

const (
	bracketedPasteStart = "\x1b[200~"
	bracketedPasteEnd   = "\x1b[201~"
	lineTerminator      = "\r"
)

// Writer is the minimal PTY write surface the Sequencer needs.
type Writer interface {
	Write(p []byte)
}

// Step is one (payload, wait-for-prompt) unit of work.
type Step struct {
	Payload   []byte
	WaitFor   promptmatch.Predicate
	Timeout   time.Duration // zero means DefaultStepTimeout
	OnFire    func(strippedTail string)
	OnTimeout func()
}

// Sequencer accepts only one outstanding step at a time; additional
// Submit calls queue in submission order.
type Sequencer struct {
	writer  Writer
	matcher *promptmatch.Matcher

	mu      sync.Mutex
	queue   []Step
	running bool
	aborted bool
	timer   *time.Timer
}

// New creates a Sequencer that writes through w and waits for prompts via m.
func New(w Writer, m *promptmatch.Matcher) *Sequencer {
	return &Sequencer{writer: w, matcher: m}
}

// Submit enqueues a step. If no step is currently in flight, it starts
// immediately; otherwise it waits behind earlier submissions.
func (s *Sequencer) Submit(step Step) {
	s.mu.Lock()
	if s.aborted {
		s.mu.Unlock()
		return
	}
	if s.running {
		s.queue = append(s.queue, step)
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()
	s.run(step)
}

// Abort discards all queued steps and neutralizes any in-flight step's
// callbacks. Safe to call multiple times.
func (s *Sequencer) Abort() {
	s.mu.Lock()
	s.aborted = true
	s.queue = nil
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()
	s.matcher.Cancel()
}

func (s *Sequencer) run(step Step) {
	s.write(step.Payload)

	timeout := step.Timeout
	if timeout <= 0 {
		timeout = DefaultStepTimeout
	}

	var once sync.Once
	finish := func(fire bool, tail string) {
		once.Do(func() {
			s.mu.Lock()
			if s.timer != nil {
				s.timer.Stop()
				s.timer = nil
			}
			aborted := s.aborted
			s.mu.Unlock()
			if aborted {
				return
			}
			if fire {
				if step.OnFire != nil {
					step.OnFire(tail)
				}
			} else {
				if step.OnTimeout != nil {
					step.OnTimeout()
				}
			}
			s.advance()
		})
	}

	s.matcher.Install(step.WaitFor, func(tail string) {
		finish(true, tail)
	})

	s.mu.Lock()
	if s.aborted {
		s.mu.Unlock()
		return
	}
	s.timer = time.AfterFunc(timeout, func() {
		s.matcher.Cancel()
		finish(false, "")
	})
	s.mu.Unlock()
}

// advance pops the next queued step, or marks the sequencer idle.
func (s *Sequencer) advance() {
	s.mu.Lock()
	if s.aborted {
		s.mu.Unlock()
		return
	}
	if len(s.queue) == 0 {
		s.running = false
		s.mu.Unlock()
		return
	}
	next := s.queue[0]
	s.queue = s.queue[1:]
	s.mu.Unlock()
	s.run(next)
}

// WriteOnly frames and writes payload without installing a prompt wait.
// Used once a Session is Ready: completion is signaled by an external hook,
// not by a shell/CLI prompt reappearing, so there is nothing to wait for.
func (s *Sequencer) WriteOnly(payload []byte) {
	s.write(payload)
}

// write chooses bracketed-paste or direct mode based on payload length,
// then appends a line terminator.
func (s *Sequencer) write(payload []byte) {
	if len(payload) == 0 {
		return
	}
	if len(payload) <= BracketedPasteThreshold {
		framed := make([]byte, 0, len(payload)+len(bracketedPasteStart)+len(bracketedPasteEnd)+len(lineTerminator))
		framed = append(framed, bracketedPasteStart...)
		framed = append(framed, payload...)
		framed = append(framed, bracketedPasteEnd...)
		framed = append(framed, lineTerminator...)
		s.writer.Write(framed)
		return
	}
	framed := make([]byte, 0, len(payload)+len(lineTerminator))
	framed = append(framed, payload...)
	framed = append(framed, lineTerminator...)
	s.writer.Write(framed)
}
