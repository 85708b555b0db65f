// Package session implements a single managed conversation with one agent
// CLI: the state machine, history ring buffer, and the launch handshake
// that turns an opaque PTY-driven CLI into a correlatable Ready/Working
// session.
package session

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentdesk/deskcoord/internal/config"
	"github.com/agentdesk/deskcoord/internal/logx"
	"github.com/agentdesk/deskcoord/internal/promptmatch"
	"github.com/agentdesk/deskcoord/internal/ptychannel"
	"github.com/agentdesk/deskcoord/internal/sequencer"
)

// Kind distinguishes the two agent classes the coordinator drives.
type Kind string

const (
	KindBuilder  Kind = "builder"
	KindReviewer Kind = "reviewer"
)

// Mode is the launch mode within a Kind.
type Mode string

const (
	ModeNew        Mode = "new"
	ModeContinue   Mode = "continue"
	ModeFix        Mode = "fix"
	ModeStandalone Mode = "standalone"
	ModeReview     Mode = "review"
)

// State is a node in the Session state machine (spec §4.4).
type State string

const (
	Created           State = "created"
	Launching         State = "launching"
	AwaitingShell     State = "awaiting_shell"
	AwaitingInit      State = "awaiting_init"
	AwaitingHandshake State = "awaiting_handshake"
	Ready             State = "ready"
	Working           State = "working"
	Stopped           State = "stopped"
	Closed            State = "closed"
)

// HistoryCap bounds the session transcript. 201st append drops entry 0.
const HistoryCap = 200

// HistoryItem is one (role, text) transcript entry.
type HistoryItem struct {
	Role string
	Text string
}

// EventKind tags a Session observable event.
type EventKind string

const (
	EventReady            EventKind = "ready"
	EventTurnComplete      EventKind = "turn_complete"
	EventStopped           EventKind = "stopped"
	EventExit              EventKind = "exit"
	EventBusyChanged       EventKind = "busy_changed"
	EventBound             EventKind = "bound"
	EventHistoryAppended   EventKind = "history_appended"
	EventEnteringHandshake EventKind = "entering_handshake"
)

// Event is one observable Session event, delivered to whatever Sink the
// owner (the Session Manager) wires up.
type Event struct {
	Kind         EventKind
	TabID        string
	Text         string
	Code         int
	Busy         bool
	CLISessionID string
	PendingToken string        // set on EventEnteringHandshake and EventBound
	Timeout      time.Duration // set on EventEnteringHandshake
}

// Session composes a Sequencer, a PTY Channel, and the state machine that
// ties them to one agent conversation. Exported fields are safe to read
// under external synchronization (e.g. snapshot for a UI poll); mutation
// happens only through the methods below, each of which takes the internal
// lock — callbacks from the Sequencer's own timers and the PTY reader are
// the reason a Session needs to guard its own fields rather than assume a
// single caller goroutine.
type Session struct {
	TabID        string
	Kind         Kind
	Mode         Mode
	ChangeID     string
	ResumeID     string
	CLISessionID string
	PendingToken string
	State        State
	Busy         bool
	TaskID       string
	History      []HistoryItem

	projectDir     string
	cfg            config.KindConfig
	projectInitCmd string
	emit           func(Event)

	channel *ptychannel.Channel
	matcher *promptmatch.Matcher
	seq     *sequencer.Sequencer

	mu sync.Mutex
}

// New constructs an unopened Session. emit is called synchronously for
// every observable event; the caller (coordinator) is responsible for
// routing it onto its own event loop / UI channel.
func New(tabID string, kind Kind, mode Mode, changeID, resumeID string, cfg config.KindConfig, projectDir, projectInitCmd string, emit func(Event)) *Session {
	channel := ptychannel.New(tabID)
	matcher := promptmatch.New()
	s := &Session{
		TabID:          tabID,
		Kind:           kind,
		Mode:           mode,
		ChangeID:       changeID,
		ResumeID:       resumeID,
		State:          Created,
		projectDir:     projectDir,
		cfg:            cfg,
		projectInitCmd: projectInitCmd,
		emit:           emit,
		channel:        channel,
		matcher:        matcher,
	}
	s.seq = sequencer.New(channel, matcher)
	return s
}

// Channel exposes the underlying PTY channel so the coordinator can wire
// OnOutput/OnExit before Open spawns the process.
func (s *Session) Channel() *ptychannel.Channel {
	return s.channel
}

// Open begins the handshake: spawn a shell, cd into the project (plus the
// optional project-local init script), then launch the agent CLI with
// PENDING_TOKEN in its environment. Readiness is asynchronous — callers
// observe the `ready` event once the Hook Router binds a cli_session_id.
func (s *Session) Open(shellPath string, env []string, cols, rows uint16) error {
	s.mu.Lock()
	s.PendingToken = uuid.NewString()
	s.State = Launching
	s.mu.Unlock()

	if err := s.channel.Start(shellPath, nil, env, s.projectDir, cols, rows); err != nil {
		s.mu.Lock()
		s.State = Stopped
		s.mu.Unlock()
		return fmt.Errorf("session: spawn shell: %w", err)
	}

	s.seq.Submit(sequencer.Step{
		WaitFor: promptmatch.ShellReady(s.cfg.ShellGlyphs),
		OnFire:  s.onShellReady,
	})
	return nil
}

// onShellReady runs after the PTY's native shell prints its first prompt.
func (s *Session) onShellReady(string) {
	s.mu.Lock()
	s.State = AwaitingInit
	s.mu.Unlock()

	cmd := fmt.Sprintf("cd %s", shellQuote(s.projectDir))
	if s.projectInitCmd != "" {
		cmd += fmt.Sprintf(" && { %s || echo 'deskcoord: project init script not found or failed'; }", s.projectInitCmd)
	}
	s.seq.Submit(sequencer.Step{
		Payload: []byte(cmd),
		WaitFor: promptmatch.ShellReady(s.cfg.ShellGlyphs),
		OnFire:  s.onInitReady,
	})
}

// onInitReady runs after cd (and the optional init script) complete, and
// launches the agent CLI itself.
func (s *Session) onInitReady(string) {
	s.mu.Lock()
	s.State = AwaitingHandshake
	timeout := s.cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = config.DefaultBuilderHandshakeTimeout
		if s.Kind == KindReviewer {
			timeout = config.DefaultReviewerHandshakeTimeout
		}
	}
	s.mu.Unlock()

	s.emit(Event{Kind: EventEnteringHandshake, TabID: s.TabID, Timeout: timeout, PendingToken: s.PendingToken})

	s.seq.Submit(sequencer.Step{
		Payload: []byte(s.launchCommand()),
		WaitFor: promptmatch.AgentReady(s.cfg.ReadyMarker),
		Timeout: timeout,
		OnFire: func(string) {
			logx.Info("session: cli ready prompt observed, awaiting hook bind", "tab_id", s.TabID)
		},
	})
}

func (s *Session) launchCommand() string {
	kc := s.cfg
	var args []string
	switch {
	case s.ResumeID != "":
		args = substituteResumeID(kc.ResumeArgs, s.ResumeID)
	case s.Kind == KindReviewer:
		args = append([]string(nil), kc.PingArgs...)
	default:
		args = append([]string(nil), kc.NewArgs...)
	}
	line := fmt.Sprintf("PENDING_TOKEN=%s %s", s.PendingToken, kc.Binary)
	if len(args) > 0 {
		line += " " + strings.Join(args, " ")
	}
	return line
}

func substituteResumeID(args []string, resumeID string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = strings.ReplaceAll(a, "{resume_id}", resumeID)
	}
	return out
}

func shellQuote(path string) string {
	return "'" + strings.ReplaceAll(path, "'", `'\''`) + "'"
}

// Bind completes the handshake: it is called by the coordinator once the
// Hook Router resolves this session's pending_token or an unambiguous
// cli_session_id. A no-op outside AwaitingHandshake (idempotent against a
// duplicate or late bind).
func (s *Session) Bind(cliSessionID string) {
	s.mu.Lock()
	if s.State != AwaitingHandshake {
		s.mu.Unlock()
		return
	}
	token := s.PendingToken
	s.CLISessionID = cliSessionID
	s.PendingToken = ""
	s.State = Ready
	s.mu.Unlock()

	s.appendHistory("system", fmt.Sprintf("%s is ready.", s.Kind))
	s.emit(Event{Kind: EventBound, TabID: s.TabID, CLISessionID: cliSessionID, PendingToken: token})
	s.emit(Event{Kind: EventReady, TabID: s.TabID})
}

// HandleHandshakeTimeout is invoked by the coordinator when the timer armed
// on EventEnteringHandshake fires before Bind. Builder sessions land in
// Stopped; Reviewer sessions land in Created (operator may retry manually —
// no automatic re-launch, see design notes).
func (s *Session) HandleHandshakeTimeout() {
	s.mu.Lock()
	if s.State != AwaitingHandshake {
		s.mu.Unlock()
		return
	}
	s.PendingToken = ""
	s.Busy = false
	s.TaskID = ""
	if s.Kind == KindReviewer {
		s.State = Created
	} else {
		s.State = Stopped
	}
	s.mu.Unlock()

	s.seq.Abort()
	s.channel.Kill()
	s.appendHistory("system", "handshake timed out; re-init required")
	s.emit(Event{Kind: EventExit, TabID: s.TabID, Code: -1})
}

// FeedOutput routes a raw PTY output chunk into the prompt matcher. Must be
// called by whatever goroutine owns PTY-output delivery; Sequencer/Matcher
// are themselves safe for concurrent use.
func (s *Session) FeedOutput(chunk []byte) {
	s.matcher.Feed(chunk)
}

// Submit is valid only in Ready: it mints a task_id, writes the payload
// (bracketed or direct per the 500-byte threshold), and transitions to
// Working. Completion arrives later via a hook, not a prompt match.
func (s *Session) Submit(text string) error {
	s.mu.Lock()
	if s.State != Ready {
		st := s.State
		s.mu.Unlock()
		return fmt.Errorf("session: submit invalid in state %s", st)
	}
	s.TaskID = uuid.NewString()
	s.Busy = true
	s.State = Working
	s.mu.Unlock()

	s.appendHistory("user", text)
	s.seq.WriteOnly([]byte(text))
	s.emit(Event{Kind: EventBusyChanged, TabID: s.TabID, Busy: true})
	return nil
}

// SendMessageExternally is used by the coordinator to inject a turn from
// the paired peer (e.g. AutoFix dispatching fix items to a Builder).
func (s *Session) SendMessageExternally(text string) error {
	if err := s.Submit(text); err != nil {
		return fmt.Errorf("session: not ready: %w", err)
	}
	return nil
}

// HandleCompletion is called by the coordinator when the Hook Router
// delivers a completion event for this session. A no-op outside Working —
// this is what makes a duplicate hook, or one that arrives after a manual
// stop(), idempotent (spec invariants/boundary S2, S3).
func (s *Session) HandleCompletion(text string) {
	s.mu.Lock()
	if s.State != Working {
		s.mu.Unlock()
		return
	}
	s.TaskID = ""
	s.Busy = false
	s.State = Ready
	s.mu.Unlock()

	s.appendHistory("agent", text)
	s.emit(Event{Kind: EventTurnComplete, TabID: s.TabID, Text: text})
	s.emit(Event{Kind: EventBusyChanged, TabID: s.TabID, Busy: false})
}

// Stop sends an interrupt. task_id is cleared before busy so a completion
// hook that was already in flight when Stop ran is discarded by
// HandleCompletion's state==Working guard rather than acting on a stale turn.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.State != Working {
		s.mu.Unlock()
		return
	}
	s.TaskID = ""
	s.Busy = false
	s.State = Ready
	s.mu.Unlock()

	s.channel.Write([]byte{0x03})
	s.appendHistory("system", "Stopped")
	s.emit(Event{Kind: EventStopped, TabID: s.TabID})
	s.emit(Event{Kind: EventBusyChanged, TabID: s.TabID, Busy: false})
}

// Resize adjusts the underlying pty's terminal size.
func (s *Session) Resize(cols, rows uint16) error {
	return s.channel.Resize(cols, rows)
}

// Close unconditionally tears the session down: cancels the sequencer,
// kills the PTY, and marks Closed. Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.State == Closed {
		s.mu.Unlock()
		return
	}
	s.State = Closed
	s.Busy = false
	s.TaskID = ""
	s.PendingToken = ""
	s.mu.Unlock()

	s.seq.Abort()
	s.channel.Kill()
}

// HandleExit is called by the coordinator when the PTY channel reports the
// child process has exited.
func (s *Session) HandleExit(code int) {
	s.mu.Lock()
	if s.State == Closed {
		s.mu.Unlock()
		return
	}
	s.State = Stopped
	s.Busy = false
	s.TaskID = ""
	s.mu.Unlock()

	s.appendHistory("system", fmt.Sprintf("process exited (code %d)", code))
	s.emit(Event{Kind: EventExit, TabID: s.TabID, Code: code})
}

// Snapshot returns copies of the mutable fields for safe external reading
// (e.g. a UI poll) without racing the methods above.
func (s *Session) Snapshot() (state State, busy bool, cliSessionID string, historyLen int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.State, s.Busy, s.CLISessionID, len(s.History)
}

func (s *Session) appendHistory(role, text string) {
	s.mu.Lock()
	s.History = append(s.History, HistoryItem{Role: role, Text: text})
	if len(s.History) > HistoryCap {
		s.History = s.History[len(s.History)-HistoryCap:]
	}
	s.mu.Unlock()
	s.emit(Event{Kind: EventHistoryAppended, TabID: s.TabID})
}
