package engine

import (
	"strings"
	"testing"

	"github.com/pipeweave/pipeweave/internal/attractor/runtime"
)

func TestBuildFidelityPreamble_Truncate_IsExactlyTwoLines(t *testing.T) {
	got := buildFidelityPreamble(nil, "run-1", "ship it", "truncate", "prev", []string{"a", "b"}, nil)
	if got != "Goal: ship it\nRun ID: run-1" {
		t.Fatalf("truncate preamble: %q", got)
	}
}

func TestBuildFidelityPreamble_Compact_ListsStatusAndNonPrivateKeys(t *testing.T) {
	ctx := runtime.NewContext()
	ctx.Set("task", "refactor")
	ctx.Set("_private", "hidden")

	outcomes := map[string]runtime.Outcome{
		"a": {Status: runtime.StatusSuccess},
		"b": {Status: runtime.StatusFail},
	}
	got := buildFidelityPreamble(ctx, "run-1", "ship it", "compact", "a", []string{"a", "b"}, outcomes)

	if !strings.Contains(got, "a(success)") || !strings.Contains(got, "b(fail)") {
		t.Fatalf("compact preamble missing per-node status: %q", got)
	}
	if !strings.Contains(got, "task=refactor") {
		t.Fatalf("compact preamble missing non-private context key: %q", got)
	}
	if strings.Contains(got, "_private") {
		t.Fatalf("compact preamble leaked private key: %q", got)
	}
}

func TestBuildFidelityPreamble_SummaryLow_IsTotalsOnly(t *testing.T) {
	ctx := runtime.NewContext()
	ctx.Set("task", "refactor")

	outcomes := map[string]runtime.Outcome{
		"a": {Status: runtime.StatusSuccess},
		"b": {Status: runtime.StatusFail},
		"c": {Status: runtime.StatusSuccess},
	}
	got := buildFidelityPreamble(ctx, "run-1", "ship it", "summary:low", "c", []string{"a", "b", "c"}, outcomes)

	if !strings.Contains(got, "3 nodes") || !strings.Contains(got, "2 success") || !strings.Contains(got, "1 fail") {
		t.Fatalf("summary:low totals: %q", got)
	}
	if strings.Contains(got, "task=refactor") {
		t.Fatalf("summary:low must not include a context dump: %q", got)
	}
	if strings.Contains(got, "notes=") {
		t.Fatalf("summary:low must not include per-node notes: %q", got)
	}
}

func TestBuildFidelityPreamble_SummaryMedium_LastFiveWithNotesAndContext(t *testing.T) {
	ctx := runtime.NewContext()
	ctx.Set("task", "refactor")

	outcomes := map[string]runtime.Outcome{}
	completed := make([]string, 0, 7)
	for i := 0; i < 7; i++ {
		id := string(rune('a' + i))
		completed = append(completed, id)
		outcomes[id] = runtime.Outcome{Status: runtime.StatusSuccess, Notes: "note-" + id}
	}
	got := buildFidelityPreamble(ctx, "run-1", "ship it", "summary:medium", "g", completed, outcomes)

	if strings.Contains(got, "note-a") || strings.Contains(got, "note-b") {
		t.Fatalf("summary:medium should only include the last 5 outcomes: %q", got)
	}
	if !strings.Contains(got, "note-c") || !strings.Contains(got, "note-g") {
		t.Fatalf("summary:medium missing recent outcomes: %q", got)
	}
	if !strings.Contains(got, "task=refactor") {
		t.Fatalf("summary:medium missing non-private context: %q", got)
	}
}

func TestBuildFidelityPreamble_SummaryHigh_FullContextAndLogs(t *testing.T) {
	ctx := runtime.NewContext()
	ctx.Set("task", "refactor")
	ctx.Set("_private", "hidden")
	ctx.AppendLog("stage a started")

	outcomes := map[string]runtime.Outcome{
		"a": {Status: runtime.StatusFail, FailureReason: "boom", ContextUpdates: map[string]any{"retry_count": 1}},
	}
	got := buildFidelityPreamble(ctx, "run-1", "ship it", "summary:high", "a", []string{"a"}, outcomes)

	if !strings.Contains(got, "failure=\"boom\"") {
		t.Fatalf("summary:high missing failure reason: %q", got)
	}
	if !strings.Contains(got, "context_updates=[retry_count]") {
		t.Fatalf("summary:high missing context-update keys: %q", got)
	}
	if !strings.Contains(got, "_private=hidden") {
		t.Fatalf("summary:high must include private context keys: %q", got)
	}
	if !strings.Contains(got, "stage a started") {
		t.Fatalf("summary:high must include logs: %q", got)
	}
}

func TestBuildFidelityPreamble_DistinctAcrossTiers(t *testing.T) {
	ctx := runtime.NewContext()
	ctx.Set("task", "refactor")
	outcomes := map[string]runtime.Outcome{"a": {Status: runtime.StatusSuccess, Notes: "done"}}
	completed := []string{"a"}

	compact := buildFidelityPreamble(ctx, "run-1", "g", "compact", "a", completed, outcomes)
	low := buildFidelityPreamble(ctx, "run-1", "g", "summary:low", "a", completed, outcomes)
	medium := buildFidelityPreamble(ctx, "run-1", "g", "summary:medium", "a", completed, outcomes)
	high := buildFidelityPreamble(ctx, "run-1", "g", "summary:high", "a", completed, outcomes)

	seen := map[string]bool{}
	for _, p := range []string{compact, low, medium, high} {
		if seen[p] {
			t.Fatalf("two fidelity tiers produced identical preambles: %q", p)
		}
		seen[p] = true
	}
}
