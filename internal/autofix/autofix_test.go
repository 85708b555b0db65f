package autofix

import (
	"testing"

	"github.com/agentdesk/deskcoord/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Scenarios: []config.Scenario{
			{Key: "fix_confirmation", Trigger: "[fix_confirmation]"},
		},
	}
}

func TestDecideNextNoScenarioMatch(t *testing.T) {
	d := decideNext("just some ordinary completion text", Ctx{}, testConfig(), MaxCycles)
	if d.Kind != "stop" || d.Reason != reasonNoScenarioMatch {
		t.Fatalf("got %+v", d)
	}
}

func TestDecideNextZeroCheckboxes(t *testing.T) {
	d := decideNext("[fix_confirmation]\nNothing to report here.", Ctx{}, testConfig(), MaxCycles)
	if d.Kind != "stop" || d.Reason != reasonZeroCheckboxes {
		t.Fatalf("got %+v", d)
	}
}

func TestDecideNextCompleteWhenOnlyP2Remains(t *testing.T) {
	text := "[fix_confirmation]\n- [x] P0 fix the crash\n- [ ] P2 rename a variable"
	d := decideNext(text, Ctx{CycleCount: 1}, testConfig(), MaxCycles)
	if d.Kind != "complete" {
		t.Fatalf("got %+v, want complete (P2 never blocks)", d)
	}
}

func TestDecideNextContinueReturnsUncheckedP0P1InOrder(t *testing.T) {
	text := "[fix_confirmation]\n- [ ] P1 B item\n- [x] P0 already done\n- [ ] P0 A item\n- [ ] P2 ignored"
	d := decideNext(text, Ctx{CycleCount: 2}, testConfig(), MaxCycles)
	if d.Kind != "continue" {
		t.Fatalf("got %+v", d)
	}
	if len(d.Items) != 2 || d.Items[0] != "B item" || d.Items[1] != "A item" {
		t.Fatalf("items = %v, want document-order unchecked P0/P1 texts", d.Items)
	}
	if d.NextCycleCount != 3 {
		t.Fatalf("NextCycleCount = %d, want 3", d.NextCycleCount)
	}
	if d.ScenarioKey != "fix_confirmation" {
		t.Fatalf("ScenarioKey = %q", d.ScenarioKey)
	}
}

func TestDecideNextMaxCyclesCaps(t *testing.T) {
	text := "[fix_confirmation]\n- [ ] P0 still broken"
	d := decideNext(text, Ctx{CycleCount: 10}, testConfig(), MaxCycles)
	if d.Kind != "stop" || d.Reason != reasonMaxCycles || d.RemainingCount != 1 {
		t.Fatalf("got %+v", d)
	}
}

func TestParseCheckboxItemsSkipsFencedCodeBlocks(t *testing.T) {
	text := "[fix_confirmation]\n```\n- [ ] not a real item\n```\n- [ ] P1 real item"
	items := parseCheckboxItems(text, "[fix_confirmation]")
	if len(items) != 1 || items[0].text != "P1 real item" {
		t.Fatalf("items = %+v, want only the item outside the fence", items)
	}
}

func TestParseCheckboxItemsSkipsTriggerMarkerLine(t *testing.T) {
	items := parseCheckboxItems("[fix_confirmation]\n- [ ] P0 do the thing", "[fix_confirmation]")
	if len(items) != 1 {
		t.Fatalf("items = %+v, trigger line should not itself be parsed as an item", items)
	}
}

func TestIsPriorityBlockingStripsMarkdownWrapping(t *testing.T) {
	if !isPriorityBlocking("**[P0]** fix the thing") {
		t.Error("expected P0 wrapped in markdown emphasis/brackets to still be detected")
	}
	if isPriorityBlocking("P01 is not a real priority token") {
		t.Error("expected word-boundary match to reject P01")
	}
	if isPriorityBlocking("low priority, P2 only") {
		t.Error("expected P2 to never be priority-blocking")
	}
}
