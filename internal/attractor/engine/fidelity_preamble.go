package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pipeweave/pipeweave/internal/attractor/runtime"
)

// buildFidelityPreamble synthesizes the context carryover text prepended to a
// codergen prompt when fidelity is anything other than "full". Each mode
// produces genuinely different content, calibrated to its target verbosity
// (§4.4): truncate is the bare two-line form the goal-gate/resume tooling
// parses; compact lists completed nodes with status plus non-private
// context; the summary tiers progressively widen from totals-only up to the
// full context (including private keys) and the run's log.
func buildFidelityPreamble(ctx *runtime.Context, runID string, goal string, fidelity string, prevNode string, completed []string, nodeOutcomes map[string]runtime.Outcome) string {
	base := fmt.Sprintf("Goal: %s\nRun ID: %s", strings.TrimSpace(goal), strings.TrimSpace(runID))
	if fidelity == "truncate" {
		return base
	}

	lines := []string{base}
	if strings.TrimSpace(prevNode) != "" {
		lines = append(lines, fmt.Sprintf("Previous node: %s", strings.TrimSpace(prevNode)))
	}

	switch {
	case fidelity == "summary:low":
		lines = append(lines, summaryLowLines(completed, nodeOutcomes)...)
	case fidelity == "summary:medium":
		lines = append(lines, summaryMediumLines(completed, nodeOutcomes)...)
		lines = append(lines, contextLines(ctx, false)...)
	case fidelity == "summary:high":
		lines = append(lines, summaryHighLines(completed, nodeOutcomes)...)
		lines = append(lines, contextLines(ctx, true)...)
		lines = append(lines, logLines(ctx)...)
	default: // "compact" and any unrecognized non-full mode fall back to it.
		lines = append(lines, completedWithStatusLines(completed, nodeOutcomes)...)
		lines = append(lines, contextLines(ctx, false)...)
	}
	return strings.Join(lines, "\n")
}

// completedWithStatusLines renders "Completed nodes: id(status), ..." for
// the compact tier.
func completedWithStatusLines(completed []string, nodeOutcomes map[string]runtime.Outcome) []string {
	if len(completed) == 0 {
		return nil
	}
	parts := make([]string, 0, len(completed))
	for _, id := range completed {
		status := "unknown"
		if out, ok := nodeOutcomes[id]; ok {
			status = string(out.Status)
		}
		parts = append(parts, fmt.Sprintf("%s(%s)", id, status))
	}
	return []string{fmt.Sprintf("Completed nodes: %s", strings.Join(parts, ", "))}
}

// summaryLowLines renders goal totals and a success/fail breakdown only —
// no per-node detail, no context dump (§4.4 "target ~600 tokens").
func summaryLowLines(completed []string, nodeOutcomes map[string]runtime.Outcome) []string {
	success, fail, other := 0, 0, 0
	for _, id := range completed {
		out, ok := nodeOutcomes[id]
		if !ok {
			other++
			continue
		}
		switch out.Status {
		case runtime.StatusSuccess, runtime.StatusPartialSuccess:
			success++
		case runtime.StatusFail:
			fail++
		default:
			other++
		}
	}
	return []string{
		fmt.Sprintf("Completed: %d nodes (%d success, %d fail, %d other)", len(completed), success, fail, other),
	}
}

// summaryMediumLines renders the goal plus the last 5 completed nodes'
// outcomes with notes (§4.4 "target ~1500 tokens"); non-private context is
// appended separately by the caller.
func summaryMediumLines(completed []string, nodeOutcomes map[string]runtime.Outcome) []string {
	recent := completed
	if len(recent) > 5 {
		recent = recent[len(recent)-5:]
	}
	if len(recent) == 0 {
		return nil
	}
	lines := []string{"Recent outcomes:"}
	for _, id := range recent {
		lines = append(lines, outcomeLine(id, nodeOutcomes[id], false))
	}
	return lines
}

// summaryHighLines renders every completed node's outcome with notes,
// failure reason, and context-update keys (§4.4 "target ~3000 tokens").
func summaryHighLines(completed []string, nodeOutcomes map[string]runtime.Outcome) []string {
	if len(completed) == 0 {
		return nil
	}
	lines := []string{"All outcomes:"}
	for _, id := range completed {
		lines = append(lines, outcomeLine(id, nodeOutcomes[id], true))
	}
	return lines
}

func outcomeLine(id string, out runtime.Outcome, includeContextKeys bool) string {
	parts := []string{fmt.Sprintf("- %s: status=%s", id, out.Status)}
	if strings.TrimSpace(out.Notes) != "" {
		parts = append(parts, fmt.Sprintf("notes=%q", out.Notes))
	}
	if strings.TrimSpace(out.FailureReason) != "" {
		parts = append(parts, fmt.Sprintf("failure=%q", out.FailureReason))
	}
	if includeContextKeys && len(out.ContextUpdates) > 0 {
		keys := make([]string, 0, len(out.ContextUpdates))
		for k := range out.ContextUpdates {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts = append(parts, fmt.Sprintf("context_updates=[%s]", strings.Join(keys, ", ")))
	}
	return strings.Join(parts, " ")
}

// contextLines renders the context dump. full=false lists only
// ctx.NonPrivateKeys() (compact/summary:medium); full=true dumps the
// complete snapshot, private keys included (summary:high).
func contextLines(ctx *runtime.Context, full bool) []string {
	if ctx == nil {
		return nil
	}
	vals := ctx.Snapshot()
	var keys []string
	if full {
		keys = make([]string, 0, len(vals))
		for k := range vals {
			keys = append(keys, k)
		}
		sort.Strings(keys)
	} else {
		keys = ctx.NonPrivateKeys()
	}
	if len(keys) == 0 {
		return nil
	}
	lines := []string{"Context:"}
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("- %s=%v", k, vals[k]))
	}
	return lines
}

// logLines renders the run's append-only log (summary:high only).
func logLines(ctx *runtime.Context) []string {
	if ctx == nil {
		return nil
	}
	logs := ctx.SnapshotLogs()
	if len(logs) == 0 {
		return nil
	}
	lines := []string{"Logs:"}
	for _, l := range logs {
		lines = append(lines, "- "+l)
	}
	return lines
}

func decodeCompletedNodes(ctx *runtime.Context) []string {
	if ctx == nil {
		return nil
	}
	v, ok := ctx.Get("completed_nodes")
	if !ok || v == nil {
		return nil
	}
	switch x := v.(type) {
	case []string:
		return append([]string{}, x...)
	case []any:
		out := make([]string, 0, len(x))
		for _, it := range x {
			s := strings.TrimSpace(fmt.Sprint(it))
			if s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
