// Package autofix implements the pure Review->Fix->Review decision function
// that drives an AutoFix cycle between a paired Reviewer and Builder. It
// holds no PTY or hook state of its own — the coordinator is the only
// caller, passing in the reviewer's completion text and the current cycle
// state and acting on the returned Decision.
package autofix

import (
	"regexp"
	"strings"

	"github.com/agentdesk/deskcoord/internal/config"
)

// MaxCycles bounds how many Review<->Fix round trips a single AutoFix run
// may take before it is forced to stop regardless of remaining items.
const MaxCycles = 10

// Stage names for AutoFixCtx.
const (
	StageFixing    = "fixing"
	StageReviewing = "reviewing"
)

// Ctx is the per-reviewer AutoFix state the coordinator owns; decideNext
// reads it but never mutates it.
type Ctx struct {
	Active      bool
	Stage       string
	CycleCount  int
	ReviewerTab string
	BuilderTab  string
	ScenarioKey string
}

// Decision is the exhaustive result of decideNext.
type Decision struct {
	Kind           string // "stop" | "complete" | "continue"
	Reason         string // set when Kind == "stop": no_scenario_match | zero_checkboxes | max_cycles
	CycleCount     int    // set when Kind == "complete"
	NextCycleCount int    // set when Kind == "continue"
	RemainingCount int    // set when Kind == "stop" with reason max_cycles
	Items          []string
	ScenarioKey    string
}

const (
	reasonNoScenarioMatch = "no_scenario_match"
	reasonZeroCheckboxes  = "zero_checkboxes"
	reasonMaxCycles       = "max_cycles"
)

// checkboxLine matches a markdown task-list item: "- [ ] text", "- [x] text", "- [X] text".
var checkboxLine = regexp.MustCompile(`^\s*-\s*\[( |x|X)\]\s+(.+)$`)

var priorityStripper = regexp.MustCompile(`^[\*_\[\]\s]+`)
var p0p1Token = regexp.MustCompile(`(?i)\bp[01]\b`)

type checkboxItem struct {
	text    string
	checked bool
}

// decideNext is the one entry point the coordinator calls after a Reviewer
// completion in AutoFix mode, per the five-outcome contract.
func decideNext(resultText string, ctx Ctx, cfg *config.Config, maxCycles int) Decision {
	scenario, ok := cfg.ScenarioFor(resultText)
	if !ok {
		return Decision{Kind: "stop", Reason: reasonNoScenarioMatch}
	}

	items := parseCheckboxItems(resultText, scenario.Trigger)
	if len(items) == 0 {
		return Decision{Kind: "stop", Reason: reasonZeroCheckboxes}
	}

	var unresolved []string
	for _, it := range items {
		if !it.checked && isPriorityBlocking(it.text) {
			unresolved = append(unresolved, it.text)
		}
	}

	if len(unresolved) == 0 {
		return Decision{Kind: "complete", CycleCount: ctx.CycleCount}
	}

	if ctx.CycleCount >= maxCycles {
		return Decision{Kind: "stop", Reason: reasonMaxCycles, RemainingCount: len(unresolved)}
	}

	return Decision{
		Kind:           "continue",
		NextCycleCount: ctx.CycleCount + 1,
		Items:          unresolved,
		ScenarioKey:    scenario.Key,
	}
}

// DecideNext runs decideNext with the package's MaxCycles constant.
func DecideNext(resultText string, ctx Ctx, cfg *config.Config) Decision {
	return decideNext(resultText, ctx, cfg, MaxCycles)
}

// parseCheckboxItems extracts task-list items from text, skipping fenced
// code blocks and the leading trigger-marker line.
func parseCheckboxItems(text, trigger string) []checkboxItem {
	lines := strings.Split(text, "\n")
	var items []checkboxItem
	inFence := false
	skippedTrigger := false

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			inFence = !inFence
			continue
		}
		if inFence {
			continue
		}
		if !skippedTrigger && trigger != "" && strings.HasPrefix(strings.TrimSpace(line), strings.TrimSpace(trigger)) {
			skippedTrigger = true
			continue
		}
		m := checkboxLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		mark := m[1]
		items = append(items, checkboxItem{
			text:    strings.TrimSpace(m[2]),
			checked: mark == "x" || mark == "X",
		})
	}
	return items
}

// isPriorityBlocking reports whether item text carries a P0 or P1 marker
// after stripping markdown emphasis/bracket wrapping. P2 and anything
// unmarked never blocks completion.
func isPriorityBlocking(text string) bool {
	stripped := priorityStripper.ReplaceAllString(text, "")
	return p0p1Token.MatchString(stripped)
}
