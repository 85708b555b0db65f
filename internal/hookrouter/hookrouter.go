// Package hookrouter accepts out-of-band notify-script callbacks from agent
// CLIs and routes them to the correct Session. It is the only process-wide
// mutable state in the coordinator: a registry mapping cli_session_id and
// pending_token to a handler, mutated only from the coordinator's event
// loop (see internal/coordinator) and read under its mutex by Dispatch.
package hookrouter

import (
	"encoding/json"
	"net/http"
	"runtime"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/agentdesk/deskcoord/internal/logx"
)

// doneSet is the fixed set of literal event-name tokens considered a
// completion, beyond the suffix/status rules in isDone.
var doneSet = map[string]bool{
	"agent-turn-complete": true,
	"turn-complete":       true,
	"response-complete":   true,
	"completed":           true,
	"done":                true,
	"finished":            true,
	"stopped":             true,
}

var doneSuffixes = []string{
	"-complete", "-completed", "-done", "-finished",
	"/complete", "/completed", "/done", "/finished",
}

var doneStatuses = map[string]bool{
	"complete": true, "completed": true, "done": true, "finished": true,
	"stopped": true, "success": true, "ok": true,
}

// refreshTriggers are event names that additionally fan out a debounced
// file-tree refresh signal; this side channel never alters Session state.
var refreshTriggers = map[string]bool{
	"posttooluse":  true,
	"sessionend":   true,
	"stop":         true,
	"subagentstop": true,
}

// eventNameKeys is the priority-ordered list of payload keys scanned to
// derive event_name.
var eventNameKeys = []string{"type", "event_type", "hook_event_name", "event", "event_name", "name"}

var cliSessionIDKeys = []string{"thread-id", "thread_id", "session_id", "session-id", "conversation_id", "conversation-id"}

// HookEvent is the normalized form of an arbitrary notify-script payload.
type HookEvent struct {
	EventName     string
	CLISessionID  string
	PendingToken  string
	IsDone        bool
	Source        string
	Payload       map[string]any
}

func normalize(raw map[string]any, argvFallback string) HookEvent {
	ev := HookEvent{Payload: raw, Source: "http"}

	for _, k := range eventNameKeys {
		if v, ok := raw[k]; ok {
			if s, ok := v.(string); ok && s != "" {
				ev.EventName = s
				break
			}
		}
	}
	if ev.EventName == "" {
		ev.EventName = argvFallback
		ev.Source = "argv"
	}

	for _, k := range cliSessionIDKeys {
		if v, ok := raw[k]; ok {
			if s, ok := v.(string); ok && s != "" {
				ev.CLISessionID = s
				break
			}
		}
	}

	if v, ok := raw["pending_token"]; ok {
		if s, ok := v.(string); ok {
			ev.PendingToken = s
		}
	}

	ev.IsDone = isDone(ev.EventName, raw)
	return ev
}

func isDone(eventName string, raw map[string]any) bool {
	lower := toLower(eventName)
	if doneSet[lower] {
		return true
	}
	for _, suffix := range doneSuffixes {
		if hasSuffix(lower, suffix) {
			return true
		}
	}
	if s, ok := raw["status"].(string); ok && doneStatuses[toLower(s)] {
		return true
	}
	if payload, ok := raw["payload"].(map[string]any); ok {
		if s, ok := payload["status"].(string); ok && doneStatuses[toLower(s)] {
			return true
		}
	}
	return false
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

// Handler is what a Session (or any in-process subscriber) registers to
// receive routed events.
type Handler func(HookEvent)

type registration struct {
	owner   string // tab_id; func values aren't comparable, so unregistration keys off this
	kind    string // "builder" | "reviewer"
	handler Handler
	// known reports whether this handler's session already has a bound
	// cli_session_id — used for the defensive self-filter in step 4.
	known func() bool
}

// Router is the process-local HTTP listener plus in-process dispatcher.
// All mutation happens on the coordinator's event loop; the HTTP handler
// only normalizes and hands events to Dispatch, never mutating Session
// state directly.
type Router struct {
	mu sync.Mutex

	bySessionID map[string]*registration
	byToken     map[string]*registration
	handshaking map[string][]*registration // kind -> FIFO of AwaitingHandshake registrations

	limiter *rate.Limiter

	// OnRefresh is invoked (debounced) when a refresh-triggering event
	// arrives. cmd/deskcoordd sets it to write a debug log line; it is not
	// forwarded onto Coordinator.Events().
	OnRefresh func()
	refreshMu sync.Mutex
	refresh   *time.Timer
}

// RefreshDebounce coalesces a burst of hook events into one UI refresh.
const RefreshDebounce = 500 * time.Millisecond

// New creates a Router. rps/burst configure the token-bucket limiter
// guarding /hook-notify against a runaway notify script.
func New(rps float64, burst int) *Router {
	return &Router{
		bySessionID: make(map[string]*registration),
		byToken:     make(map[string]*registration),
		handshaking: make(map[string][]*registration),
		limiter:     rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// RegisterPendingToken arms routing step 2 for a session awaiting its
// handshake response. owner is the tab_id, used to scope UnregisterAll.
func (r *Router) RegisterPendingToken(owner, token, kind string, handler Handler, known func() bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg := &registration{owner: owner, kind: kind, handler: handler, known: known}
	r.byToken[token] = reg
	r.handshaking[kind] = append(r.handshaking[kind], reg)
}

// RegisterSessionID arms routing step 1 once a cli_session_id is bound.
func (r *Router) RegisterSessionID(owner, cliSessionID, kind string, handler Handler, known func() bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bySessionID[cliSessionID] = &registration{owner: owner, kind: kind, handler: handler, known: known}
}

// UnregisterToken removes a pending_token route (called once bound, or on
// handshake timeout, so it can never misroute a later event).
func (r *Router) UnregisterToken(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.byToken[token]
	delete(r.byToken, token)
	if !ok {
		return
	}
	r.removeFromHandshaking(reg)
}

// UnregisterSessionID removes a bound session's steady-state route.
func (r *Router) UnregisterSessionID(cliSessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bySessionID, cliSessionID)
}

// UnregisterAll removes every route owned by tabID — used by closeSession
// to guarantee no dangling route survives a close (spec invariant 7).
func (r *Router) UnregisterAll(tabID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, reg := range r.bySessionID {
		if reg.owner == tabID {
			delete(r.bySessionID, id)
		}
	}
	for tok, reg := range r.byToken {
		if reg.owner == tabID {
			delete(r.byToken, tok)
		}
	}
	for kind, regs := range r.handshaking {
		filtered := regs[:0]
		for _, reg := range regs {
			if reg.owner != tabID {
				filtered = append(filtered, reg)
			}
		}
		r.handshaking[kind] = filtered
	}
}

func (r *Router) removeFromHandshaking(target *registration) {
	regs := r.handshaking[target.kind]
	for i, reg := range regs {
		if reg == target {
			r.handshaking[target.kind] = append(regs[:i], regs[i+1:]...)
			return
		}
	}
}

// Dispatch normalizes raw and routes it per the four-step policy in spec
// §4.5. Safe dispatch: a panicking handler is recovered and logged, never
// blocking delivery to the other handlers of a broadcast or crashing the
// listener goroutine.
func (r *Router) Dispatch(raw map[string]any, argvFallback string) {
	ev := normalize(raw, argvFallback)

	if r.maybeRefresh(ev) {
		// advisory only, never returns early from routing
	}

	r.mu.Lock()
	var target *registration
	switch {
	case ev.CLISessionID != "":
		if reg, ok := r.bySessionID[ev.CLISessionID]; ok {
			target = reg
		}
	}
	if target == nil && ev.PendingToken != "" {
		if reg, ok := r.byToken[ev.PendingToken]; ok {
			target = reg
		}
	}
	var broadcastKind string
	var fifoTarget *registration
	if target == nil && ev.PendingToken == "" && ev.CLISessionID == "" {
		for kind, regs := range r.handshaking {
			if len(regs) > 0 {
				fifoTarget = regs[0]
				broadcastKind = kind
				break
			}
		}
	}
	var broadcast []*registration
	if target == nil && fifoTarget == nil {
		for _, reg := range r.bySessionID {
			broadcast = append(broadcast, reg)
		}
		for _, reg := range r.byToken {
			broadcast = append(broadcast, reg)
		}
	}
	r.mu.Unlock()

	switch {
	case target != nil:
		safeCall(target.handler, ev)
	case fifoTarget != nil:
		logx.Info("hookrouter: FIFO fallback delivery", "kind", broadcastKind, "event", ev.EventName)
		safeCall(fifoTarget.handler, ev)
	default:
		if len(broadcast) > 0 {
			logx.Warn("hookrouter: broadcasting unrouted event", "event", ev.EventName)
		}
		for _, reg := range broadcast {
			// Defensive self-filter: an already-bound session ignores an
			// event carrying no cli_session_id of its own (scenario S6).
			if ev.CLISessionID == "" && reg.known != nil && reg.known() {
				continue
			}
			safeCall(reg.handler, ev)
		}
	}
}

func safeCall(h Handler, ev HookEvent) {
	defer func() {
		if r := recover(); r != nil {
			stack := make([]byte, 8192)
			n := runtime.Stack(stack, false)
			logx.Error("hookrouter: handler panic", "event", ev.EventName, "recovered", r, "stack", string(stack[:n]))
		}
	}()
	h(ev)
}

func (r *Router) maybeRefresh(ev HookEvent) bool {
	lower := toLower(ev.EventName)
	if !refreshTriggers[lower] && !ev.IsDone {
		return false
	}
	if r.OnRefresh == nil {
		return false
	}
	r.refreshMu.Lock()
	if r.refresh != nil {
		r.refresh.Stop()
	}
	r.refresh = time.AfterFunc(RefreshDebounce, r.OnRefresh)
	r.refreshMu.Unlock()
	return true
}

// ServeHTTP implements the single POST /hook-notify route: 200 OK
// unconditionally after acceptance; errors are logged, never surfaced.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			logx.Error("hookrouter: panic handling request", "recovered", rec)
		}
	}()

	w.WriteHeader(http.StatusOK)

	if !r.limiter.Allow() {
		logx.Warn("hookrouter: rate limit exceeded, dropping request")
		return
	}

	var raw map[string]any
	if err := json.NewDecoder(req.Body).Decode(&raw); err != nil {
		logx.Warn("hookrouter: malformed payload, dropping", "err", err)
		return
	}
	r.Dispatch(raw, "")
}

// NewServeMux builds the listener's route table.
func NewServeMux(r *Router) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("POST /hook-notify", r)
	return mux
}
