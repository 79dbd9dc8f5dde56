// Package engine implements the Runner: the loop that walks a graph node by
// node, dispatching each to its Handler, applying edge-selection and retry
// policy, checkpointing after every stage, and resolving goal gates and
// loop_restart cycles at the terminal node.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	rdebug "runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/pipeweave/pipeweave/internal/attractor/cond"
	"github.com/pipeweave/pipeweave/internal/attractor/model"
	"github.com/pipeweave/pipeweave/internal/attractor/runtime"
)

// NewRunID returns a new globally unique, lexically sortable, filesystem-safe
// run identifier.
func NewRunID() string {
	return ulid.Make().String()
}

func defaultLogsRoot() string {
	base := os.Getenv("XDG_STATE_HOME")
	if base == "" {
		home := os.Getenv("HOME")
		if home == "" {
			base = "."
		} else {
			base = filepath.Join(home, ".local", "state")
		}
	}
	return filepath.Join(base, "pipeweave", "runs")
}

// Engine is a single pipeline run in progress.
type Engine struct {
	Graph   *model.Graph
	Config  Config
	RunID   string
	LogsRoot string

	Context *runtime.Context

	warningsMu sync.Mutex
	warnings   []string

	// loop_restart bookkeeping.
	restartCount           int
	restartSignatureCounts map[string]int
	baseLogsRoot           string

	// Fidelity/session resolution state.
	incomingEdge          *model.Edge
	forceNextFidelity     string
	forceNextFidelityUsed bool
	lastResolvedFidelity  string
	lastResolvedThreadKey string

	// nodeOutcomes mirrors runLoop's local outcome map so handlers can read
	// completed nodes' Outcome when building a fidelity preamble.
	nodeOutcomes map[string]runtime.Outcome
}

// Result is returned by a successfully completed run.
type Result struct {
	RunID       string
	LogsRoot    string
	FinalStatus runtime.FinalStatus
	Warnings    []string
}

// NewEngine prepares a Runner for one execution of graph. runID may be empty,
// in which case one is generated.
func NewEngine(graph *model.Graph, cfg Config, runID string) (*Engine, error) {
	if graph == nil {
		return nil, fmt.Errorf("graph is nil")
	}
	if err := graph.Validate(); err != nil {
		return nil, fmt.Errorf("invalid graph: %w", err)
	}
	cfg.applyDefaults()
	if strings.TrimSpace(runID) == "" {
		runID = NewRunID()
	}
	logsRoot := filepath.Join(cfg.LogsRoot, runID)

	e := &Engine{
		Graph:    graph,
		Config:   cfg,
		RunID:    runID,
		LogsRoot: logsRoot,
		Context:  runtime.NewContext(),
	}
	e.baseLogsRoot = logsRoot
	return e, nil
}

// Warn records a non-fatal problem both in the run's warning list and as a
// published event.
func (e *Engine) Warn(msg string) {
	if e == nil {
		return
	}
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return
	}
	e.warningsMu.Lock()
	e.warnings = append(e.warnings, msg)
	e.warningsMu.Unlock()
	e.publish(map[string]any{"event": "warning", "message": msg})
}

func (e *Engine) warningsCopy() []string {
	if e == nil {
		return nil
	}
	e.warningsMu.Lock()
	defer e.warningsMu.Unlock()
	return append([]string{}, e.warnings...)
}

func (e *Engine) publish(fields map[string]any) {
	if e == nil || e.Config.EventEmitter == nil {
		return
	}
	e.Config.EventEmitter.Publish(Event{
		Timestamp: time.Now().UTC(),
		RunID:     e.RunID,
		Fields:    fields,
	})
}

// Run executes the pipeline to completion: success (terminal node reached
// with all goal gates satisfied), or failure (error returned, final.json
// written with status=fail).
func (e *Engine) Run(ctx context.Context) (res *Result, runErr error) {
	if err := os.MkdirAll(e.LogsRoot, 0o755); err != nil {
		return nil, err
	}
	for k, v := range e.Graph.Attrs {
		e.Context.Set("graph."+k, v)
	}
	e.Context.Set("graph.goal", e.Graph.Attrs["goal"])

	start, err := e.Graph.StartNode()
	if err != nil {
		return nil, err
	}

	defer func() {
		if runErr == nil {
			return
		}
		finalPath := filepath.Join(e.LogsRoot, "final.json")
		if _, statErr := os.Stat(finalPath); statErr == nil {
			return
		}
		reason := strings.TrimSpace(runErr.Error())
		if reason == "" {
			reason = "run failed"
		}
		_, _ = e.finalizeTerminal(runtime.FinalFail, reason)
	}()

	return e.runLoop(ctx, start.ID, nil, map[string]int{}, map[string]runtime.Outcome{})
}

func (e *Engine) runLoop(ctx context.Context, current string, completed []string, nodeRetries map[string]int, nodeOutcomes map[string]runtime.Outcome) (*Result, error) {
	e.nodeOutcomes = nodeOutcomes
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		node := e.Graph.Nodes[current]
		if node == nil {
			return nil, fmt.Errorf("missing node: %s", current)
		}
		prev := ""
		if len(completed) > 0 {
			prev = completed[len(completed)-1]
		}
		e.Context.Set("previous_node", prev)
		e.Context.Set("current_node", current)
		e.Context.Set("completed_nodes", append([]string{}, completed...))

		if node.ResolvedType() == "codergen" {
			mode, threadKey := resolveFidelityAndThread(e.Graph, e.incomingEdge, node)
			if strings.TrimSpace(e.forceNextFidelity) != "" && !e.forceNextFidelityUsed {
				mode = strings.TrimSpace(e.forceNextFidelity)
				threadKey = ""
				if mode == "full" {
					threadKey = resolveThreadKey(e.Graph, e.incomingEdge, node)
				}
				e.forceNextFidelityUsed = true
			}
			e.lastResolvedFidelity = mode
			e.lastResolvedThreadKey = threadKey
		} else {
			e.lastResolvedFidelity = ""
			e.lastResolvedThreadKey = ""
		}

		if model.IsTerminal(node) {
			ok, failedGate := checkGoalGates(e.Graph, nodeOutcomes)
			if !ok && failedGate != "" {
				target := resolveRetryTarget(e.Graph, failedGate)
				if target == "" {
					return nil, fmt.Errorf("goal gate unsatisfied (%s) and no retry target", failedGate)
				}
				e.incomingEdge = nil
				current = target
				continue
			}
			out, err := e.executeNode(ctx, node)
			if err != nil {
				return nil, err
			}
			nodeOutcomes[node.ID] = out
			completed = append(completed, node.ID)
			if _, err := e.checkpoint(node.ID, completed, nodeRetries); err != nil {
				return nil, err
			}
			return e.finalizeTerminal(runtime.FinalSuccess, "")
		}

		out, err := e.executeWithRetry(ctx, node, nodeRetries)
		if err != nil {
			return nil, err
		}

		completed = append(completed, node.ID)
		nodeOutcomes[node.ID] = out

		e.Context.ApplyUpdates(out.ContextUpdates)
		e.Context.Set("outcome", string(out.Status))
		e.Context.Set("preferred_label", out.PreferredLabel)
		e.Context.Set("failure_reason", out.FailureReason)

		if _, err := e.checkpoint(node.ID, completed, nodeRetries); err != nil {
			return nil, err
		}

		if node.ResolvedType() == "parallel" {
			join := strings.TrimSpace(e.Context.GetString("parallel.join_node", ""))
			if join == "" {
				return nil, fmt.Errorf("parallel node missing parallel.join_node in context")
			}
			e.incomingEdge = nil
			current = join
			continue
		}

		failureClass := ""
		if fc, ok := out.ContextUpdates["failure_class"]; ok {
			failureClass = fmt.Sprint(fc)
		}
		hop, err := resolveNextHop(e.Graph, node.ID, out, e.Context, failureClass)
		if err != nil {
			return nil, err
		}
		if hop == nil || hop.Edge == nil {
			if out.Status == runtime.StatusFail {
				return nil, fmt.Errorf("stage failed with no outgoing fail edge: %s", out.FailureReason)
			}
			return e.finalizeTerminal(runtime.FinalSuccess, "")
		}
		next := hop.Edge
		e.publish(map[string]any{
			"event":     "edge_selected",
			"from_node": node.ID,
			"to_node":   next.To,
			"label":     next.Label(),
			"condition": next.Condition(),
			"source":    string(hop.Source),
		})

		if next.LoopRestart() {
			return e.loopRestart(ctx, next.To, node.ID, out)
		}
		e.incomingEdge = next
		current = next.To
	}
}

// loopRestart terminates the current iteration and re-launches from
// targetNodeID with a fresh context and a fresh logs sub-directory, subject
// to the failure-class/signature circuit breaker: only transient_infra
// failures may trigger a restart, and a repeating failure signature trips the
// breaker before max_restarts is reached.
func (e *Engine) loopRestart(ctx context.Context, targetNodeID, failedNodeID string, out runtime.Outcome) (*Result, error) {
	failureClass := classifyFailureClass(out)
	signature := restartFailureSignature(failedNodeID, out, failureClass)
	limit := loopRestartSignatureLimit(e.Graph)

	if failureClass != failureClassTransientInfra {
		return nil, fmt.Errorf(
			"loop_restart blocked: failure_class=%s failure_signature=%s node=%s",
			failureClass, signature, failedNodeID,
		)
	}
	if e.restartSignatureCounts == nil {
		e.restartSignatureCounts = map[string]int{}
	}
	count := e.restartSignatureCounts[signature] + 1
	e.restartSignatureCounts[signature] = count
	if count > limit {
		return nil, fmt.Errorf(
			"loop_restart circuit breaker tripped: failure_signature=%s count=%d threshold=%d node=%s",
			signature, count, limit, failedNodeID,
		)
	}

	e.restartCount++
	maxRestarts := parseInt(e.Graph.Attrs["max_restarts"], 50)
	if e.restartCount > maxRestarts {
		return nil, fmt.Errorf("loop_restart limit exceeded (%d restarts, max %d)", e.restartCount, maxRestarts)
	}

	newLogsRoot := filepath.Join(e.baseLogsRoot, fmt.Sprintf("restart-%d", e.restartCount))
	if err := os.MkdirAll(newLogsRoot, 0o755); err != nil {
		return nil, fmt.Errorf("loop_restart: create logs dir: %w", err)
	}
	e.publish(map[string]any{
		"event":             "loop_restart",
		"restart_count":     e.restartCount,
		"target_node":       targetNodeID,
		"new_logs_root":     newLogsRoot,
		"failure_class":     string(failureClass),
		"failure_signature": signature,
		"signature_count":   count,
		"signature_limit":   limit,
		"failed_node_id":    failedNodeID,
	})
	e.LogsRoot = newLogsRoot

	persistKeys := loopRestartPersistKeyNames(e.Graph)
	persisted := map[string]any{}
	for _, k := range persistKeys {
		if v, ok := e.Context.Get(k); ok {
			persisted[k] = v
		}
	}
	e.Context = runtime.NewContext()
	for k, v := range e.Graph.Attrs {
		e.Context.Set("graph."+k, v)
	}
	e.Context.Set("graph.goal", e.Graph.Attrs["goal"])
	for k, v := range persisted {
		e.Context.Set(k, v)
	}

	e.incomingEdge = nil
	e.forceNextFidelity = ""
	e.forceNextFidelityUsed = false

	return e.runLoop(ctx, targetNodeID, nil, map[string]int{}, map[string]runtime.Outcome{})
}

func (e *Engine) finalizeTerminal(status runtime.FinalStatus, failureReason string) (*Result, error) {
	failureReason = strings.TrimSpace(failureReason)
	if status == runtime.FinalFail && failureReason == "" {
		failureReason = "run failed"
	}
	final := runtime.FinalOutcome{
		Timestamp:     time.Now().UTC(),
		Status:        status,
		RunID:         e.RunID,
		RestartCount:  e.restartCount,
		FailureReason: failureReason,
	}
	if err := final.Save(filepath.Join(e.LogsRoot, "final.json")); err != nil {
		return nil, err
	}
	if status == runtime.FinalSuccess {
		return &Result{
			RunID:       e.RunID,
			LogsRoot:    e.LogsRoot,
			FinalStatus: runtime.FinalSuccess,
			Warnings:    e.warningsCopy(),
		}, nil
	}
	return nil, nil
}

func (e *Engine) executeNode(ctx context.Context, node *model.Node) (runtime.Outcome, error) {
	if nodeTimeout := parseDuration(node.Attr("timeout", ""), 0); nodeTimeout > 0 {
		cctx, cancel := context.WithTimeout(ctx, nodeTimeout)
		defer cancel()
		ctx = cctx
	}

	h := e.Config.HandlerRegistry.Resolve(node)
	stageDir := filepath.Join(e.LogsRoot, node.ID)
	if err := os.MkdirAll(stageDir, 0o755); err != nil {
		return runtime.Outcome{Status: runtime.StatusFail, FailureReason: err.Error()}, err
	}
	// Nodes may execute multiple times (retry, goal gates, loop_restart); clear
	// a stale status.json so a handler that doesn't write one this attempt
	// can't have its predecessor's file mistaken for fresh output.
	_ = os.Remove(filepath.Join(stageDir, "status.json"))

	var out runtime.Outcome
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				stack := string(rdebug.Stack())
				_ = os.WriteFile(filepath.Join(stageDir, "panic.txt"), []byte(fmt.Sprintf("%v\n\n%s", r, stack)), 0o644)
				out = runtime.Outcome{
					Status:        runtime.StatusFail,
					FailureReason: fmt.Sprintf("panic: %v", r),
					Notes:         "handler panic recovered",
				}
				err = nil
			}
		}()
		out, err = h.Execute(ctx, &Execution{
			Graph:    e.Graph,
			Context:  e.Context,
			LogsRoot: e.LogsRoot,
			WorkDir:  e.Config.WorkDir,
			Engine:   e,
		}, node)
	}()
	if err != nil {
		out = runtime.Outcome{Status: runtime.StatusRetry, FailureReason: err.Error()}
	}

	if b, readErr := os.ReadFile(filepath.Join(stageDir, "status.json")); readErr == nil {
		if parsed, decErr := runtime.DecodeOutcomeJSON(b); decErr == nil {
			out = parsed
		}
	}
	out, cerr := out.Canonicalize()
	if cerr != nil {
		return runtime.Outcome{Status: runtime.StatusFail, FailureReason: cerr.Error()}, cerr
	}
	if out.ContextUpdates == nil {
		out.ContextUpdates = map[string]any{}
	}
	if out.SuggestedNextIDs == nil {
		out.SuggestedNextIDs = []string{}
	}
	if verr := out.Validate(); verr != nil {
		if (out.Status == runtime.StatusFail || out.Status == runtime.StatusRetry) && strings.TrimSpace(out.FailureReason) == "" {
			out.FailureReason = verr.Error()
		}
	}
	_ = writeJSON(filepath.Join(stageDir, "status.json"), out)
	return out, nil
}

func (e *Engine) executeWithRetry(ctx context.Context, node *model.Node, retries map[string]int) (runtime.Outcome, error) {
	if single, ok := e.Config.HandlerRegistry.Resolve(node).(SingleExecutionHandler); ok && single.SkipRetry() {
		e.publish(map[string]any{"event": "stage_attempt_start", "node_id": node.ID, "attempt": 1, "max": 1})
		out, _ := e.executeNode(ctx, node)
		e.publish(map[string]any{
			"event": "stage_attempt_end", "node_id": node.ID, "attempt": 1, "max": 1,
			"status": string(out.Status), "failure_reason": out.FailureReason,
		})
		return out, nil
	}

	maxAttempts := maxAttemptsFor(e.Graph, node)
	maxRetries := maxAttempts - 1
	allowPartial := node.AttrBool("allow_partial", false)
	stageDir := filepath.Join(e.LogsRoot, node.ID)

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		e.publish(map[string]any{"event": "stage_attempt_start", "node_id": node.ID, "attempt": attempt, "max": maxAttempts})
		out, _ := e.executeNode(ctx, node)
		e.publish(map[string]any{
			"event": "stage_attempt_end", "node_id": node.ID, "attempt": attempt, "max": maxAttempts,
			"status": string(out.Status), "failure_reason": out.FailureReason,
		})
		if out.Status == runtime.StatusSuccess || out.Status == runtime.StatusPartialSuccess || out.Status == runtime.StatusSkipped {
			retries[node.ID] = 0
			return out, nil
		}

		failureClass := readFailureClassHint(out)
		if !shouldRetryOutcome(out, failureClass) {
			out.Status = runtime.StatusFail
			if out.FailureReason == "" {
				out.FailureReason = "deterministic failure; retry blocked"
			}
			fo, _ := out.Canonicalize()
			_ = writeJSON(filepath.Join(stageDir, "status.json"), fo)
			return fo, nil
		}

		if attempt < maxAttempts {
			retries[node.ID]++
			delay := backoffDelayForNode(e.RunID, e.Graph, node, attempt)
			e.publish(map[string]any{
				"event": "stage_retry_sleep", "node_id": node.ID, "attempt": attempt,
				"delay_ms": delay.Milliseconds(), "retries": retries[node.ID], "max_retry": maxRetries,
			})
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return runtime.Outcome{Status: runtime.StatusFail, FailureReason: ctx.Err().Error()}, nil
			}
			continue
		}

		if allowPartial {
			po, _ := (runtime.Outcome{
				Status:        runtime.StatusPartialSuccess,
				Notes:         "retries exhausted, partial accepted",
				FailureReason: out.FailureReason,
			}).Canonicalize()
			_ = writeJSON(filepath.Join(stageDir, "status.json"), po)
			return po, nil
		}
		out.Status = runtime.StatusFail
		if out.FailureReason == "" {
			out.FailureReason = "max retries exceeded"
		}
		fo, _ := out.Canonicalize()
		_ = writeJSON(filepath.Join(stageDir, "status.json"), fo)
		return fo, nil
	}
	return runtime.Outcome{Status: runtime.StatusFail, FailureReason: "max retries exceeded"}, nil
}

func (e *Engine) checkpoint(nodeID string, completed []string, retries map[string]int) (string, error) {
	cp := runtime.NewCheckpoint(e.RunID, nodeID, completed, retries, e.Context, e.restartCount)
	ref, err := e.Config.Backend.SaveCheckpoint(cp, e.LogsRoot)
	if err != nil {
		e.Warn(fmt.Sprintf("checkpoint backend failed for node %s: %v", nodeID, err))
		return "", nil
	}
	e.publish(map[string]any{"event": "checkpoint_saved", "node_id": nodeID, "ref": ref})
	return ref, nil
}

func checkGoalGates(g *model.Graph, outcomes map[string]runtime.Outcome) (bool, string) {
	for id, out := range outcomes {
		n := g.Nodes[id]
		if n == nil || !n.AttrBool("goal_gate", false) {
			continue
		}
		if out.Status != runtime.StatusSuccess && out.Status != runtime.StatusPartialSuccess {
			return false, id
		}
	}
	return true, ""
}

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

func parseInt(s string, def int) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return def
	}
	return n
}

// selectNextEdge implements the five-rule edge-selection priority: matched
// conditional edges first (weight desc, then target id asc, then
// declaration order), then an unconditional edge whose label matches the
// handler's preferred_label, then one whose target matches a suggested next
// id, then the highest-weight unconditional edge, then any edge.
func selectNextEdge(g *model.Graph, from string, out runtime.Outcome, ctx *runtime.Context) (*model.Edge, error) {
	edges := g.Outgoing(from)
	if len(edges) == 0 {
		return nil, nil
	}

	var condMatched []*model.Edge
	for _, e := range edges {
		c := strings.TrimSpace(e.Condition())
		if c == "" {
			continue
		}
		ok, err := cond.Evaluate(c, out, ctx)
		if err != nil {
			return nil, err
		}
		if ok {
			condMatched = append(condMatched, e)
		}
	}
	if len(condMatched) > 0 {
		return bestEdge(condMatched), nil
	}

	var uncond []*model.Edge
	for _, e := range edges {
		if strings.TrimSpace(e.Condition()) == "" {
			uncond = append(uncond, e)
		}
	}
	if len(uncond) == 0 {
		return bestEdge(edges), nil
	}

	if strings.TrimSpace(out.PreferredLabel) != "" {
		want := normalizeLabel(out.PreferredLabel)
		sorted := append([]*model.Edge{}, uncond...)
		sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })
		for _, e := range sorted {
			if normalizeLabel(e.Label()) == want {
				return e, nil
			}
		}
	}

	if len(out.SuggestedNextIDs) > 0 {
		sorted := append([]*model.Edge{}, uncond...)
		sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })
		for _, suggested := range out.SuggestedNextIDs {
			for _, e := range sorted {
				if e.To == suggested {
					return e, nil
				}
			}
		}
	}

	return bestEdge(uncond), nil
}

func bestEdge(edges []*model.Edge) *model.Edge {
	sorted := append([]*model.Edge{}, edges...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Weight() != sorted[j].Weight() {
			return sorted[i].Weight() > sorted[j].Weight()
		}
		if sorted[i].To != sorted[j].To {
			return sorted[i].To < sorted[j].To
		}
		return sorted[i].Order < sorted[j].Order
	})
	return sorted[0]
}

func normalizeLabel(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) >= 4 && s[0] == '[' && s[2] == ']' && s[3] == ' ' {
		return strings.TrimSpace(s[4:])
	}
	if len(s) >= 3 && s[1] == ')' && s[2] == ' ' {
		return strings.TrimSpace(s[3:])
	}
	if len(s) >= 4 && s[1] == ' ' && s[2] == '-' && s[3] == ' ' {
		return strings.TrimSpace(s[4:])
	}
	return s
}
