// Package coordinator is the Session Manager (spec C8): it owns every
// Session, the Pairing Registry, and the AutoFix contexts, and is the sole
// place cross-session mutations happen. Every public method and every
// PTY/hook callback funnels through a single task queue drained by one
// goroutine — the "single-threaded cooperative event loop" the concurrency
// model calls for. Session itself stays self-locking (see internal/session)
// so it remains independently unit-testable; the coordinator's loop is what
// actually serializes hook routing, pairing, and AutoFix dispatch, which are
// the only genuinely cross-session concerns in this system.
package coordinator

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentdesk/deskcoord/internal/autofix"
	"github.com/agentdesk/deskcoord/internal/config"
	"github.com/agentdesk/deskcoord/internal/hookrouter"
	"github.com/agentdesk/deskcoord/internal/logx"
	"github.com/agentdesk/deskcoord/internal/pairing"
	"github.com/agentdesk/deskcoord/internal/session"
)

// EventKind tags an outbound UI event (spec §4.8's emitted event list).
type EventKind string

const (
	EventSessionReady    EventKind = "session_ready"
	EventSessionBusy     EventKind = "session_busy"
	EventTurnComplete    EventKind = "turn_complete"
	EventAutoFixState    EventKind = "autofix_state"
	EventCelebration     EventKind = "celebration"
	EventRefreshExternal EventKind = "refresh_external"
	EventSessionExit     EventKind = "session_exit"
	EventError           EventKind = "error"
)

// Event is what the UI layer receives off Coordinator.Events().
type Event struct {
	Kind        EventKind
	TabID       string
	Busy        bool
	Text        string
	Code        int
	ReviewerTab string
	BuilderTab  string
	AutoFix     autofix.Decision
}

// taskQueueCap bounds the coordinator's internal task backlog. Sized well
// above any plausible UI+hook burst; a full queue indicates something is
// stuck and is logged rather than silently dropped.
const taskQueueCap = 4096

// eventQueueCap bounds the outbound UI event channel.
const eventQueueCap = 1024

// Coordinator is the Session Manager.
type Coordinator struct {
	cfgMgr     *config.Manager
	router     *hookrouter.Router
	shellPath  string
	projectDir string

	sessions map[string]*session.Session
	pairs    *pairing.Registry
	autofix  map[string]*autofix.Ctx // keyed by reviewer tab_id
	timers   map[string]*time.Timer  // keyed by tab_id, handshake timeout

	tasks chan func()
	out   chan Event
	done  chan struct{}
}

// New builds a Coordinator. shellPath is the login shell used to spawn every
// Session's PTY (e.g. "/bin/bash"); projectDir is the working directory every
// Session's shell cd's into; cfgMgr supplies per-kind launch config and the
// scenario catalog AutoFix decisions read.
func New(cfgMgr *config.Manager, router *hookrouter.Router, shellPath, projectDir string) *Coordinator {
	c := &Coordinator{
		cfgMgr:     cfgMgr,
		router:     router,
		shellPath:  shellPath,
		projectDir: projectDir,
		sessions:   make(map[string]*session.Session),
		pairs:      pairing.New(),
		autofix:    make(map[string]*autofix.Ctx),
		timers:     make(map[string]*time.Timer),
		tasks:      make(chan func(), taskQueueCap),
		out:        make(chan Event, eventQueueCap),
		done:       make(chan struct{}),
	}
	go c.run()
	return c
}

// Events is the UI's feed of coordinator-level observable events.
func (c *Coordinator) Events() <-chan Event {
	return c.out
}

// Close stops the event loop. Does not close individual sessions; call
// CloseSession for each tab first if a clean shutdown is required.
func (c *Coordinator) Close() {
	close(c.done)
}

func (c *Coordinator) run() {
	for {
		select {
		case fn := <-c.tasks:
			fn()
		case <-c.done:
			return
		}
	}
}

// enqueue schedules fn to run on the loop goroutine, fire-and-forget. Used
// by PTY/hook callbacks, which must never block their origin goroutine.
func (c *Coordinator) enqueue(fn func()) {
	select {
	case c.tasks <- fn:
	default:
		logx.Error("coordinator: task queue full, dropping task")
	}
}

// submit schedules fn and blocks until it has run, for UI-driven calls that
// need a return value computed on the loop.
func (c *Coordinator) submit(fn func()) {
	doneCh := make(chan struct{})
	c.tasks <- func() {
		fn()
		close(doneCh)
	}
	<-doneCh
}

func (c *Coordinator) emitOut(ev Event) {
	select {
	case c.out <- ev:
	default:
		logx.Warn("coordinator: UI event queue full, dropping event", "kind", ev.Kind, "tab_id", ev.TabID)
	}
}

// OpenBuilder creates and launches a new Builder session, returning its tab_id.
func (c *Coordinator) OpenBuilder(mode session.Mode, changeID, resumeID string) (string, error) {
	return c.open(session.KindBuilder, mode, changeID, resumeID)
}

// OpenReviewer creates and launches a new Reviewer session, returning its tab_id.
func (c *Coordinator) OpenReviewer(mode session.Mode, changeID, resumeID string) (string, error) {
	return c.open(session.KindReviewer, mode, changeID, resumeID)
}

func (c *Coordinator) open(kind session.Kind, mode session.Mode, changeID, resumeID string) (string, error) {
	var tabID string
	var openErr error
	c.submit(func() {
		tabID, openErr = c.openLocked(kind, mode, changeID, resumeID)
	})
	return tabID, openErr
}

func (c *Coordinator) openLocked(kind session.Kind, mode session.Mode, changeID, resumeID string) (string, error) {
	cfg := c.cfgMgr.Get()
	kindKey := string(kind)
	kc, ok := cfg.Kinds[kindKey]
	if !ok {
		return "", fmt.Errorf("coordinator: no config for kind %q", kindKey)
	}

	tabID := uuid.NewString()
	s := session.New(tabID, kind, mode, changeID, resumeID, kc, c.projectDir, cfg.ProjectInitCmd, func(e session.Event) {
		c.enqueue(func() { c.handleSessionEvent(tabID, e) })
	})
	c.sessions[tabID] = s

	ch := s.Channel()
	ch.OnOutput = func(chunk []byte) {
		c.enqueue(func() {
			if sess, ok := c.sessions[tabID]; ok {
				sess.FeedOutput(chunk)
			}
		})
	}
	ch.OnExit = func(code int) {
		c.enqueue(func() { c.handleExit(tabID, code) })
	}

	if err := s.Open(c.shellPath, nil, 80, 24); err != nil {
		delete(c.sessions, tabID)
		return "", err
	}
	return tabID, nil
}

// handleSessionEvent runs on the loop goroutine for every Session-emitted
// event, regardless of which goroutine (sequencer timer, matcher callback,
// loop itself) originally called session.emit.
func (c *Coordinator) handleSessionEvent(tabID string, e session.Event) {
	s, ok := c.sessions[tabID]
	if !ok {
		return
	}

	switch e.Kind {
	case session.EventEnteringHandshake:
		c.armHandshakeTimeout(tabID, s, e.Timeout, e.PendingToken)

	case session.EventBound:
		c.router.UnregisterToken(e.PendingToken)
		if t, ok := c.timers[tabID]; ok {
			t.Stop()
			delete(c.timers, tabID)
		}
		c.router.RegisterSessionID(tabID, e.CLISessionID, string(s.Kind), func(ev hookrouter.HookEvent) {
			c.enqueue(func() { c.onHookEvent(tabID, ev) })
		}, func() bool {
			_, _, cli, _ := s.Snapshot()
			return cli != ""
		})

	case session.EventReady:
		c.emitOut(Event{Kind: EventSessionReady, TabID: tabID})

	case session.EventBusyChanged:
		c.emitOut(Event{Kind: EventSessionBusy, TabID: tabID, Busy: e.Busy})

	case session.EventTurnComplete:
		c.emitOut(Event{Kind: EventTurnComplete, TabID: tabID, Text: e.Text})
		if s.Kind == session.KindReviewer {
			c.onReviewerTurnComplete(tabID, s, e.Text)
		} else {
			c.onBuilderTurnComplete(tabID)
		}

	case session.EventExit:
		c.emitOut(Event{Kind: EventSessionExit, TabID: tabID, Code: e.Code})

	case session.EventHistoryAppended:
		// no direct UI event; the UI polls Snapshot/History on demand.
	}
}

func (c *Coordinator) armHandshakeTimeout(tabID string, s *session.Session, timeout time.Duration, pendingToken string) {
	c.router.RegisterPendingToken(tabID, pendingToken, string(s.Kind), func(ev hookrouter.HookEvent) {
		c.enqueue(func() { c.onHandshakeHook(tabID, ev) })
	}, func() bool {
		_, _, cli, _ := s.Snapshot()
		return cli != ""
	})

	t := time.AfterFunc(timeout, func() {
		c.enqueue(func() {
			delete(c.timers, tabID)
			c.router.UnregisterToken(pendingToken)
			s.HandleHandshakeTimeout()
		})
	})
	c.timers[tabID] = t
}

// onHandshakeHook fires when the hook router resolves an event to a session
// still awaiting its handshake: the first such event binds it.
func (c *Coordinator) onHandshakeHook(tabID string, ev hookrouter.HookEvent) {
	s, ok := c.sessions[tabID]
	if !ok {
		return
	}
	if ev.CLISessionID != "" {
		s.Bind(ev.CLISessionID)
		return
	}
	// Some CLIs never echo a session id on the handshake turn; bind on the
	// pending_token match alone using a synthesized identity equal to the
	// token, so downstream routing still has something stable to key on.
	// An event delivered by the FIFO fallback carries no token, so the
	// session's own pending token is used then.
	token := ev.PendingToken
	if token == "" {
		token = s.PendingToken
	}
	s.Bind(token)
}

// onHookEvent fires for a steady-state (already bound) session.
func (c *Coordinator) onHookEvent(tabID string, ev hookrouter.HookEvent) {
	s, ok := c.sessions[tabID]
	if !ok {
		return
	}
	if ev.IsDone {
		s.HandleCompletion(rawEventText(ev))
	}
}

func rawEventText(ev hookrouter.HookEvent) string {
	if s, ok := ev.Payload["text"].(string); ok {
		return s
	}
	if s, ok := ev.Payload["message"].(string); ok {
		return s
	}
	if s, ok := ev.Payload["last_message"].(string); ok {
		return s
	}
	return ev.EventName
}

func (c *Coordinator) handleExit(tabID string, code int) {
	s, ok := c.sessions[tabID]
	if !ok {
		return
	}
	s.HandleExit(code)
}

// CloseSession tears down tabID: cancels its sequencer, kills its PTY,
// unbinds it from any pair, tears down any AutoFix it anchors, and removes
// every routing-table trace, per spec invariant 7.
func (c *Coordinator) CloseSession(tabID string) {
	c.submit(func() {
		s, ok := c.sessions[tabID]
		if !ok {
			return
		}
		delete(c.autofix, tabID)
		for reviewerTab, ctx := range c.autofix {
			if ctx.BuilderTab == tabID {
				delete(c.autofix, reviewerTab)
			}
		}
		c.pairs.Unbind(tabID)
		if t, ok := c.timers[tabID]; ok {
			t.Stop()
			delete(c.timers, tabID)
		}
		c.router.UnregisterAll(tabID)
		s.Close()
		delete(c.sessions, tabID)
	})
}

// Send proxies to Session.Submit, reporting success.
func (c *Coordinator) Send(tabID, text string) bool {
	var ok bool
	c.submit(func() {
		s, found := c.sessions[tabID]
		if !found {
			return
		}
		ok = s.Submit(text) == nil
	})
	return ok
}

// Stop proxies to Session.Stop.
func (c *Coordinator) Stop(tabID string) {
	c.submit(func() {
		if s, ok := c.sessions[tabID]; ok {
			s.Stop()
		}
	})
}

// Resize proxies to Session.Resize.
func (c *Coordinator) Resize(tabID string, cols, rows uint16) error {
	var err error
	c.submit(func() {
		s, ok := c.sessions[tabID]
		if !ok {
			err = fmt.Errorf("coordinator: unknown tab %q", tabID)
			return
		}
		err = s.Resize(cols, rows)
	})
	return err
}

// Pair binds reviewerTab to builderTab. If builderTab is empty, a new
// Builder session in fix mode is opened first for the same change.
func (c *Coordinator) Pair(reviewerTab, builderTab, changeID string) (string, error) {
	var resultTab string
	var err error
	c.submit(func() {
		resultTab, err = c.pairLocked(reviewerTab, builderTab, changeID)
	})
	return resultTab, err
}

// pairLocked is Pair's body, callable directly when already running on the
// loop goroutine (StartAutoFix, ConfirmSelection's auto_fix branch).
func (c *Coordinator) pairLocked(reviewerTab, builderTab, changeID string) (string, error) {
	if _, ok := c.sessions[reviewerTab]; !ok {
		return "", fmt.Errorf("coordinator: unknown reviewer tab %q", reviewerTab)
	}
	if builderTab == "" {
		var err error
		builderTab, err = c.openLocked(session.KindBuilder, session.ModeFix, changeID, "")
		if err != nil {
			return "", err
		}
	} else if _, ok := c.sessions[builderTab]; !ok {
		return "", fmt.Errorf("coordinator: unknown builder tab %q", builderTab)
	}
	c.pairs.Bind(reviewerTab, builderTab)
	return builderTab, nil
}

// StartAutoFix marks reviewerTab's AutoFix context active and dispatches the
// initial fix items to its paired Builder, auto-pairing first if needed.
func (c *Coordinator) StartAutoFix(reviewerTab, changeID string, initialItems []string) error {
	var err error
	c.submit(func() {
		err = c.startAutoFixLocked(reviewerTab, changeID, initialItems)
	})
	return err
}

func formatFixMessage(items []string) string {
	msg := "Please address the following:\n"
	for _, it := range items {
		msg += "- " + it + "\n"
	}
	return msg
}

// onReviewerTurnComplete drives the AutoFix stage machine (spec §4.7) after
// a Reviewer turn completes, when that reviewer anchors an active cycle.
func (c *Coordinator) onReviewerTurnComplete(reviewerTab string, reviewer *session.Session, text string) {
	ctx, active := c.autofix[reviewerTab]
	if !active || !ctx.Active {
		return
	}

	decision := autofix.DecideNext(text, *ctx, c.cfgMgr.Get())
	switch decision.Kind {
	case "complete":
		delete(c.autofix, reviewerTab)
		c.emitOut(Event{Kind: EventCelebration, TabID: reviewerTab, ReviewerTab: reviewerTab, AutoFix: decision})

	case "stop":
		delete(c.autofix, reviewerTab)
		c.emitOut(Event{Kind: EventAutoFixState, TabID: reviewerTab, ReviewerTab: reviewerTab, AutoFix: decision})

	case "continue":
		builder, ok := c.sessions[ctx.BuilderTab]
		if !ok {
			delete(c.autofix, reviewerTab)
			c.emitOut(Event{Kind: EventError, TabID: reviewerTab, Text: "autofix: paired builder missing"})
			return
		}
		msg := formatFixMessage(decision.Items)
		if err := builder.SendMessageExternally(msg); err != nil {
			// Send-failure handling (spec §4.7): never enter/advance the
			// stage for a cycle whose dispatch failed.
			c.emitOut(Event{Kind: EventError, TabID: reviewerTab, Text: "autofix: builder not ready, dispatch aborted"})
			return
		}
		ctx.Stage = autofix.StageFixing
		ctx.CycleCount = decision.NextCycleCount
		ctx.ScenarioKey = decision.ScenarioKey
		c.emitOut(Event{Kind: EventAutoFixState, TabID: reviewerTab, ReviewerTab: reviewerTab, BuilderTab: ctx.BuilderTab, AutoFix: decision})
	}
}

// reReviewMessage is sent to the Reviewer once a Fix turn completes on its
// paired Builder, per spec §4.7's Fix→Reviewing transition.
const reReviewMessage = "The builder applied a fix. Please re-review and update the checklist."

// onBuilderTurnComplete drives the AutoFix stage machine's Fix->Reviewing
// edge (spec §4.7) after a Builder turn completes, when that builder
// anchors an active cycle's paired reviewer.
func (c *Coordinator) onBuilderTurnComplete(builderTab string) {
	for reviewerTab, ctx := range c.autofix {
		if !ctx.Active || ctx.BuilderTab != builderTab || ctx.Stage != autofix.StageFixing {
			continue
		}
		reviewer, ok := c.sessions[reviewerTab]
		if !ok {
			delete(c.autofix, reviewerTab)
			c.emitOut(Event{Kind: EventError, TabID: reviewerTab, Text: "autofix: reviewer missing"})
			return
		}
		if err := reviewer.SendMessageExternally(reReviewMessage); err != nil {
			c.emitOut(Event{Kind: EventError, TabID: reviewerTab, Text: "autofix: reviewer not ready, re-review dispatch aborted"})
			return
		}
		ctx.Stage = autofix.StageReviewing
		c.emitOut(Event{Kind: EventAutoFixState, TabID: builderTab, ReviewerTab: reviewerTab, BuilderTab: builderTab})
		return
	}
}

// ConfirmSelection implements the confirmation-card protocol (spec §6): the
// operator picked a button on a reviewer's confirmation card. action is one
// of cancel|submit|droid_fix|auto_fix|<free-form>; items are the selected
// checkbox texts. Routing target (current reviewer vs paired builder) and
// message formatting are resolved from the first configured scenario
// button, in catalog order, whose action equals action.
func (c *Coordinator) ConfirmSelection(reviewerTab, action string, items []string) error {
	var err error
	c.submit(func() {
		reviewer, ok := c.sessions[reviewerTab]
		if !ok {
			err = fmt.Errorf("coordinator: unknown reviewer tab %q", reviewerTab)
			return
		}
		cfg := c.cfgMgr.Get()
		var button *config.ScenarioButton
		for _, sc := range cfg.Scenarios {
			for i := range sc.Buttons {
				if sc.Buttons[i].Action == action {
					button = &sc.Buttons[i]
					break
				}
			}
			if button != nil {
				break
			}
		}
		if button == nil {
			err = fmt.Errorf("coordinator: no scenario button for action %q", action)
			return
		}
		if action == "auto_fix" {
			err = c.startAutoFixLocked(reviewerTab, "", items)
			return
		}
		msg := formatSelectionMessage(button.MessageTemplate, items)
		if button.Target == "droid_worker" {
			builderTab, ok := c.pairs.Peer(reviewerTab)
			if !ok {
				err = fmt.Errorf("coordinator: reviewer %q has no paired builder", reviewerTab)
				return
			}
			builder := c.sessions[builderTab]
			err = builder.SendMessageExternally(msg)
			return
		}
		err = reviewer.Submit(msg)
	})
	return err
}

// startAutoFixLocked is StartAutoFix's body, callable while already running
// on the loop (ConfirmSelection's auto_fix branch).
func (c *Coordinator) startAutoFixLocked(reviewerTab, changeID string, items []string) error {
	builderTab, ok := c.pairs.Peer(reviewerTab)
	if !ok {
		var err error
		builderTab, err = c.pairLocked(reviewerTab, "", changeID)
		if err != nil {
			return err
		}
	}
	builder, ok := c.sessions[builderTab]
	if !ok {
		return fmt.Errorf("coordinator: paired builder %q missing", builderTab)
	}
	msg := formatFixMessage(items)
	if err := builder.SendMessageExternally(msg); err != nil {
		return fmt.Errorf("coordinator: dispatch to builder failed: %w", err)
	}
	c.autofix[reviewerTab] = &autofix.Ctx{
		Active:      true,
		Stage:       autofix.StageFixing,
		CycleCount:  1,
		ReviewerTab: reviewerTab,
		BuilderTab:  builderTab,
	}
	c.emitOut(Event{Kind: EventAutoFixState, TabID: reviewerTab, ReviewerTab: reviewerTab, BuilderTab: builderTab})
	return nil
}

func formatSelectionMessage(template string, items []string) string {
	if template == "" {
		return formatFixMessage(items)
	}
	selected := ""
	for _, it := range items {
		selected += "- " + it + "\n"
	}
	out := strings.ReplaceAll(template, "{selected_items}", selected)
	return strings.ReplaceAll(out, "{changeId}", "")
}
