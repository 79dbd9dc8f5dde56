package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	osexec "os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pipeweave/pipeweave/internal/attractor/cond"
	"github.com/pipeweave/pipeweave/internal/attractor/model"
	"github.com/pipeweave/pipeweave/internal/attractor/procutil"
	"github.com/pipeweave/pipeweave/internal/attractor/runtime"
)

// ParallelHandler implements the fan-out/join coordinator (C11, §4.8): bounded
// concurrency across a node's outgoing edges (its "branches"), a cloned
// Context per branch, and the 4x3 join-policy x error-policy matrix. Each
// branch recursively walks the graph (through the same handler-dispatch and
// edge-selection path the Runner itself uses) until it reaches the
// discovered join node, a terminal node, or a dead end.
type ParallelHandler struct{}

// parallelBranchResult is one entry of the "parallel.results" array (§4.8).
type parallelBranchResult struct {
	BranchKey      string              `json:"branch_key"`
	NodeID         string              `json:"nodeId"`
	StartNodeID    string              `json:"start_node_id"`
	StopNodeID     string              `json:"stop_node_id,omitempty"`
	LastNodeID     string              `json:"last_node_id,omitempty"`
	Status         runtime.StageStatus `json:"status"`
	Notes          string              `json:"notes,omitempty"`
	FailureReason  string              `json:"failure_reason,omitempty"`
	ContextUpdates map[string]any      `json:"contextUpdates,omitempty"`
	LogsRoot       string              `json:"logs_root,omitempty"`
	DurationMS     int64               `json:"duration_ms,omitempty"`
}

func (h *ParallelHandler) Execute(ctx context.Context, exec *Execution, node *model.Node) (runtime.Outcome, error) {
	if exec == nil || exec.Engine == nil || exec.Graph == nil {
		return runtime.Outcome{Status: runtime.StatusFail, FailureReason: "parallel handler missing execution context"}, nil
	}

	branches := exec.Graph.Outgoing(node.ID)
	if len(branches) == 0 {
		return runtime.Outcome{Status: runtime.StatusFail, FailureReason: "parallel node has no outgoing edges"}, nil
	}

	joinID, err := findJoinNode(exec.Graph, branches)
	if err != nil {
		return runtime.Outcome{Status: runtime.StatusFail, FailureReason: err.Error()}, nil
	}

	n := len(branches)
	joinPolicy := strings.ToLower(strings.TrimSpace(node.Attr("join_policy", "wait_all")))
	errorPolicy := strings.ToLower(strings.TrimSpace(node.Attr("error_policy", "continue")))
	maxParallel := node.AttrInt("max_parallel", n)
	if maxParallel <= 0 || maxParallel > n {
		maxParallel = n
	}
	required := requiredSuccesses(joinPolicy, node, n)

	stageDir := filepath.Join(exec.LogsRoot, node.ID)
	_ = os.MkdirAll(stageDir, 0o755)

	results := make([]parallelBranchResult, n)
	jobs := make(chan int, n)
	for i := range branches {
		jobs <- i
	}
	close(jobs)

	type branchCompletion struct {
		idx    int
		result parallelBranchResult
	}
	completions := make(chan branchCompletion, n)

	branchCtx, cancelBranches := context.WithCancel(ctx)
	defer cancelBranches()
	var stopOnce sync.Once
	stopLaunching := make(chan struct{})
	stop := func() {
		stopOnce.Do(func() {
			close(stopLaunching)
			cancelBranches()
		})
	}

	branchesRoot := filepath.Join(stageDir, "branches")
	var wg sync.WaitGroup
	workers := maxParallel
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for idx := range jobs {
				edge := branches[idx]
				key := branchKey(edge, idx)
				select {
				case <-stopLaunching:
					completions <- branchCompletion{idx: idx, result: parallelBranchResult{
						BranchKey: key, NodeID: edge.To, StartNodeID: edge.To, StopNodeID: joinID,
						Status: runtime.StatusSkipped, Notes: "not started: join already resolved",
					}}
					continue
				default:
				}
				start := time.Now()
				clonedCtx := exec.Context.Clone()
				branchRoot := filepath.Join(branchesRoot, fmt.Sprintf("%02d-%s", idx+1, key))
				out, lastNode := runParallelBranch(branchCtx, exec, edge, clonedCtx, joinID, branchRoot)
				completions <- branchCompletion{idx: idx, result: parallelBranchResult{
					BranchKey:      key,
					NodeID:         edge.To,
					StartNodeID:    edge.To,
					StopNodeID:     joinID,
					LastNodeID:     lastNode,
					Status:         out.Status,
					Notes:          out.Notes,
					FailureReason:  out.FailureReason,
					ContextUpdates: out.ContextUpdates,
					LogsRoot:       branchRoot,
					DurationMS:     time.Since(start).Milliseconds(),
				}}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(completions)
	}()

	succeeded, completed := 0, 0
	resolved := false
	var finalStatus runtime.StageStatus
	var finalReason string

	for c := range completions {
		results[c.idx] = c.result
		completed++
		if c.result.Status == runtime.StatusSuccess || c.result.Status == runtime.StatusPartialSuccess {
			succeeded++
		}
		if !resolved {
			if done, status, reason := evaluateJoinProgress(joinPolicy, errorPolicy, n, required, succeeded, completed); done {
				resolved = true
				finalStatus = status
				finalReason = reason
				stop()
			}
		}
	}
	if !resolved {
		finalStatus, finalReason = evaluateJoinProgress2(joinPolicy, errorPolicy, n, required, succeeded, completed)
	}

	_ = writeJSON(filepath.Join(stageDir, "parallel_results.json"), results)

	updates := map[string]any{
		"parallel.join_node":      joinID,
		"parallel.results":        results,
		"parallel.join_policy":    joinPolicy,
		"parallel.error_policy":   errorPolicy,
		"parallel.required":       required,
		"parallel.succeeded":      succeeded,
		"parallel.final_status":   string(finalStatus),
	}
	if finalStatus == runtime.StatusFail {
		updates["parallel.final_failure_reason"] = finalReason
		updates["failure_class"] = classifyParallelFailureClass(results)
	}

	return runtime.Outcome{
		Status:         finalStatus,
		FailureReason:  finalReason,
		Notes:          fmt.Sprintf("parallel %s/%s: %d/%d branches succeeded (required %d), join=%s", joinPolicy, errorPolicy, succeeded, n, required, joinID),
		ContextUpdates: updates,
	}, nil
}

func branchKey(e *model.Edge, idx int) string {
	key := sanitizeKeyComponent(e.To)
	if key == "" {
		key = fmt.Sprintf("branch-%d", idx+1)
	}
	return key
}

// requiredSuccesses computes R, the number of branch successes needed to
// satisfy the join, per §4.8's per-policy formulas.
func requiredSuccesses(joinPolicy string, node *model.Node, n int) int {
	switch joinPolicy {
	case "k_of_n":
		k := node.AttrInt("join_k", 1)
		if k < 1 {
			k = 1
		}
		if k > n {
			k = n
		}
		return k
	case "quorum":
		frac := node.AttrFloat("join_k", 1.0)
		if frac <= 0 {
			frac = 1.0
		}
		if frac > 1 {
			frac = 1.0
		}
		r := int(math.Ceil(frac * float64(n)))
		if r < 1 {
			r = 1
		}
		if r > n {
			r = n
		}
		return r
	case "first_success":
		return 1
	default: // wait_all
		return n
	}
}

// evaluateJoinProgress decides whether the join can resolve before every
// branch has completed (an "early" resolution): a success target reached, a
// success target made unreachable, or (wait_all/fail_fast) a first failure.
// done=false means the caller must keep waiting for more completions.
func evaluateJoinProgress(joinPolicy, errorPolicy string, n, required, succeeded, completed int) (done bool, status runtime.StageStatus, reason string) {
	switch joinPolicy {
	case "first_success":
		if succeeded >= 1 {
			return true, runtime.StatusSuccess, ""
		}
		if completed >= n {
			if errorPolicy == "ignore" {
				return true, runtime.StatusSuccess, ""
			}
			return true, runtime.StatusFail, "first_success: no branch succeeded"
		}
		return false, "", ""
	case "k_of_n", "quorum":
		if errorPolicy == "ignore" {
			if completed >= n {
				return true, runtime.StatusSuccess, ""
			}
			return false, "", ""
		}
		if succeeded >= required {
			return true, runtime.StatusSuccess, ""
		}
		remaining := n - completed
		if succeeded+remaining < required {
			// fail_fast and continue behave identically here: the open
			// question in §9 is resolved by only aborting once the success
			// target is mathematically unreachable, never on a bare first
			// failure.
			return true, runtime.StatusFail, fmt.Sprintf("%s: required %d successes, at most %d reachable", joinPolicy, required, succeeded+remaining)
		}
		if completed >= n {
			return true, runtime.StatusFail, fmt.Sprintf("%s: only %d/%d successes", joinPolicy, succeeded, required)
		}
		return false, "", ""
	default: // wait_all
		failedSoFar := completed - succeeded
		if errorPolicy == "fail_fast" && failedSoFar > 0 {
			return true, runtime.StatusFail, "wait_all/fail_fast: branch failed"
		}
		if completed >= n {
			if errorPolicy == "ignore" {
				return true, runtime.StatusSuccess, ""
			}
			if succeeded == n {
				return true, runtime.StatusSuccess, ""
			}
			if succeeded >= 1 {
				return true, runtime.StatusPartialSuccess, ""
			}
			// Open question in §9: wait_all/continue with zero successes is
			// fail, not partial_success(0).
			return true, runtime.StatusFail, "wait_all: no branch succeeded"
		}
		return false, "", ""
	}
}

// evaluateJoinProgress2 is the terminal fallback evaluation used when every
// branch has completed and evaluateJoinProgress never reported done=true
// (this only happens for policies whose early-exit and final checks coincide
// once completed==n, so it reuses the same table for consistency).
func evaluateJoinProgress2(joinPolicy, errorPolicy string, n, required, succeeded, completed int) (runtime.StageStatus, string) {
	_, status, reason := evaluateJoinProgress(joinPolicy, errorPolicy, n, required, succeeded, n)
	if status == "" {
		status = runtime.StatusFail
		reason = "parallel join did not resolve"
	}
	return status, reason
}

func classifyParallelFailureClass(results []parallelBranchResult) string {
	if len(results) == 0 {
		return failureClassDeterministic
	}
	sawFailure := false
	for _, r := range results {
		if r.Status != runtime.StatusFail && r.Status != runtime.StatusRetry {
			continue
		}
		sawFailure = true
		cls := readFailureClassHint(runtime.Outcome{Status: r.Status, FailureReason: r.FailureReason, ContextUpdates: r.ContextUpdates})
		if normalizedFailureClassOrDefault(cls) != failureClassTransientInfra {
			return failureClassDeterministic
		}
	}
	if !sawFailure {
		return failureClassDeterministic
	}
	return failureClassTransientInfra
}

// runParallelBranch recursively executes nodes starting at edge.To (through
// the same handler-dispatch/edge-selection path the Runner itself uses, per
// §2's "When a node's handler is the parallel coordinator... it recursively
// executes its branch target nodes"), stopping once it would reach joinID (the
// join node is executed exactly once, by the Runner, after all branches
// settle), a terminal node, or a dead end.
func runParallelBranch(ctx context.Context, exec *Execution, edge *model.Edge, clonedCtx *runtime.Context, joinID, branchLogsRoot string) (runtime.Outcome, string) {
	cur := edge.To
	var out runtime.Outcome
	visited := map[string]int{}
	for {
		if cur == "" || cur == joinID {
			return out, cur
		}
		if ctx.Err() != nil {
			return runtime.Outcome{Status: runtime.StatusFail, FailureReason: ctx.Err().Error()}, cur
		}
		node := exec.Graph.Nodes[cur]
		if node == nil {
			return runtime.Outcome{Status: runtime.StatusFail, FailureReason: fmt.Sprintf("branch: missing node %s", cur)}, cur
		}
		visited[cur]++
		if visited[cur] > 1000 {
			return runtime.Outcome{Status: runtime.StatusFail, FailureReason: "branch exceeded node-visit safety limit"}, cur
		}

		out = executeBranchNodeWithRetry(ctx, exec, node, clonedCtx, branchLogsRoot)
		clonedCtx.ApplyUpdates(out.ContextUpdates)
		clonedCtx.Set("outcome", string(out.Status))
		clonedCtx.Set("preferred_label", out.PreferredLabel)

		if model.IsTerminal(node) {
			return out, cur
		}

		failureClass := readFailureClassHint(out)
		hop, err := resolveNextHop(exec.Graph, cur, out, clonedCtx, failureClass)
		if err != nil {
			return runtime.Outcome{Status: runtime.StatusFail, FailureReason: err.Error()}, cur
		}
		if hop == nil || hop.Edge == nil {
			if out.Status == runtime.StatusFail {
				return runtime.Outcome{Status: runtime.StatusFail, FailureReason: "branch stage failed with no outgoing edge"}, cur
			}
			return out, cur
		}
		cur = hop.Edge.To
	}
}

// executeBranchNodeWithRetry mirrors Engine.executeNode/executeWithRetry
// (§4.3/§4.6) but is parameterized over an explicit cloned Context and a
// branch-local logs root instead of the Runner's own mutable fields, since
// branches run concurrently and must not share either.
func executeBranchNodeWithRetry(ctx context.Context, exec *Execution, node *model.Node, clonedCtx *runtime.Context, branchLogsRoot string) runtime.Outcome {
	h := exec.Engine.Config.HandlerRegistry.Resolve(node)
	stageDir := filepath.Join(branchLogsRoot, node.ID)
	_ = os.MkdirAll(stageDir, 0o755)

	maxAttempts := maxAttemptsFor(exec.Graph, node)
	if single, ok := h.(SingleExecutionHandler); ok && single.SkipRetry() {
		maxAttempts = 1
	}
	allowPartial := node.AttrBool("allow_partial", false)

	var out runtime.Outcome
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		nodeCtx := ctx
		var cancel context.CancelFunc
		if nodeTimeout := parseDuration(node.Attr("timeout", ""), 0); nodeTimeout > 0 {
			nodeCtx, cancel = context.WithTimeout(ctx, nodeTimeout)
		}
		out = runBranchHandlerSafely(nodeCtx, h, exec, clonedCtx, node, branchLogsRoot)
		if cancel != nil {
			cancel()
		}

		if out.Status == runtime.StatusSuccess || out.Status == runtime.StatusPartialSuccess || out.Status == runtime.StatusSkipped {
			_ = writeJSON(filepath.Join(stageDir, "status.json"), out)
			return out
		}

		failureClass := readFailureClassHint(out)
		if !shouldRetryOutcome(out, failureClass) {
			out.Status = runtime.StatusFail
			if out.FailureReason == "" {
				out.FailureReason = "deterministic failure; retry blocked"
			}
			_ = writeJSON(filepath.Join(stageDir, "status.json"), out)
			return out
		}

		if attempt < maxAttempts {
			delay := backoffDelayForNode(exec.Engine.RunID, exec.Graph, node, attempt)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				out = runtime.Outcome{Status: runtime.StatusFail, FailureReason: ctx.Err().Error()}
				_ = writeJSON(filepath.Join(stageDir, "status.json"), out)
				return out
			}
			continue
		}

		if allowPartial {
			out.Status = runtime.StatusPartialSuccess
			out.Notes = "retries exhausted, partial accepted"
			_ = writeJSON(filepath.Join(stageDir, "status.json"), out)
			return out
		}
		out.Status = runtime.StatusFail
		if out.FailureReason == "" {
			out.FailureReason = "max retries exceeded"
		}
		_ = writeJSON(filepath.Join(stageDir, "status.json"), out)
		return out
	}
	return runtime.Outcome{Status: runtime.StatusFail, FailureReason: "max retries exceeded"}
}

func runBranchHandlerSafely(ctx context.Context, h Handler, exec *Execution, clonedCtx *runtime.Context, node *model.Node, branchLogsRoot string) (out runtime.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = runtime.Outcome{Status: runtime.StatusFail, FailureReason: fmt.Sprintf("panic: %v", r), Notes: "handler panic recovered"}
		}
	}()
	branchExec := &Execution{
		Graph:    exec.Graph,
		Context:  clonedCtx,
		LogsRoot: branchLogsRoot,
		WorkDir:  exec.WorkDir,
		Engine:   exec.Engine,
	}
	o, err := h.Execute(ctx, branchExec, node)
	if err != nil {
		return runtime.Outcome{Status: runtime.StatusRetry, FailureReason: err.Error()}
	}
	o2, cerr := o.Canonicalize()
	if cerr != nil {
		return runtime.Outcome{Status: runtime.StatusFail, FailureReason: cerr.Error()}
	}
	if o2.ContextUpdates == nil {
		o2.ContextUpdates = map[string]any{}
	}
	return o2
}

// FanInHandler is the handler for parallel.fan_in-shaped nodes (tripleoctagon
// shape): it summarizes "parallel.results" left by the preceding
// ParallelHandler run into its own Outcome so normal edge selection (§4.2)
// can route on the aggregate join result.
type FanInHandler struct{}

func (h *FanInHandler) Execute(ctx context.Context, exec *Execution, node *model.Node) (runtime.Outcome, error) {
	_ = ctx
	raw, ok := exec.Context.Get("parallel.results")
	if !ok || raw == nil {
		return runtime.Outcome{Status: runtime.StatusFail, FailureReason: "no parallel.results found in context"}, nil
	}
	results, err := decodeParallelResults(raw)
	if err != nil {
		return runtime.Outcome{Status: runtime.StatusFail, FailureReason: err.Error()}, nil
	}
	if len(results) == 0 {
		return runtime.Outcome{Status: runtime.StatusFail, FailureReason: "no parallel results to evaluate"}, nil
	}

	succeeded, failed, skipped := 0, 0, 0
	for _, r := range results {
		switch r.Status {
		case runtime.StatusSuccess, runtime.StatusPartialSuccess:
			succeeded++
		case runtime.StatusSkipped:
			skipped++
		default:
			failed++
		}
	}

	status := runtime.StageStatus(exec.Context.GetString("parallel.final_status", ""))
	reason := exec.Context.GetString("parallel.final_failure_reason", "")
	if status == "" {
		// The Runner always applies the parallel node's ContextUpdates before
		// jumping to the fan-in node (engine.go runLoop), so this fallback
		// only matters if the fan-in node is reached by some other path.
		switch {
		case succeeded == len(results):
			status = runtime.StatusSuccess
		case succeeded > 0:
			status = runtime.StatusPartialSuccess
		default:
			status = runtime.StatusFail
			reason = "all parallel branches failed"
		}
	}

	return runtime.Outcome{
		Status:        status,
		FailureReason: reason,
		Notes:         fmt.Sprintf("fan-in: %d succeeded, %d failed, %d skipped of %d branches", succeeded, failed, skipped, len(results)),
		ContextUpdates: map[string]any{
			"parallel.fan_in.succeeded": succeeded,
			"parallel.fan_in.failed":    failed,
			"parallel.fan_in.skipped":   skipped,
		},
	}, nil
}

func decodeParallelResults(raw any) ([]parallelBranchResult, error) {
	if v, ok := raw.([]parallelBranchResult); ok {
		return v, nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var out []parallelBranchResult
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// findJoinFanInNode locates the parallel.fan_in (tripleoctagon) node reachable
// from every branch, preferring the closest such node when several qualify.
func findJoinFanInNode(g *model.Graph, branches []*model.Edge) (string, error) {
	if g == nil {
		return "", fmt.Errorf("graph is nil")
	}
	if len(branches) == 0 {
		return "", fmt.Errorf("no branches")
	}

	type cand struct {
		id      string
		maxDist int
		sumDist int
	}

	reachable := make([]map[string]int, 0, len(branches))
	for _, e := range branches {
		if e == nil {
			continue
		}
		reachable = append(reachable, bfsFanInDistances(g, e.To))
	}
	if len(reachable) == 0 {
		return "", fmt.Errorf("no valid branches")
	}

	cands := []cand{}
	for id, d0 := range reachable[0] {
		maxD := d0
		sumD := d0
		ok := true
		for i := 1; i < len(reachable); i++ {
			d, exists := reachable[i][id]
			if !exists {
				ok = false
				break
			}
			sumD += d
			if d > maxD {
				maxD = d
			}
		}
		if ok {
			cands = append(cands, cand{id: id, maxDist: maxD, sumDist: sumD})
		}
	}
	if len(cands) == 0 {
		return "", fmt.Errorf("no parallel.fan_in join node reachable from all branches")
	}

	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].maxDist != cands[j].maxDist {
			return cands[i].maxDist < cands[j].maxDist
		}
		if cands[i].sumDist != cands[j].sumDist {
			return cands[i].sumDist < cands[j].sumDist
		}
		return cands[i].id < cands[j].id
	})
	return cands[0].id, nil
}

func bfsFanInDistances(g *model.Graph, start string) map[string]int {
	type item struct {
		id   string
		dist int
	}
	seen := map[string]bool{start: true}
	queue := []item{{id: start, dist: 0}}
	out := map[string]int{}

	for len(queue) > 0 {
		it := queue[0]
		queue = queue[1:]

		n := g.Nodes[it.id]
		if n != nil && model.ShapeToType(n.Shape()) == "parallel.fan_in" {
			if _, exists := out[it.id]; !exists {
				out[it.id] = it.dist
			}
		}

		for _, e := range g.Outgoing(it.id) {
			if e == nil || seen[e.To] {
				continue
			}
			seen[e.To] = true
			queue = append(queue, item{id: e.To, dist: it.dist + 1})
		}
	}
	return out
}

// findJoinNode finds the convergence point for a set of branches. It prefers
// an explicit parallel.fan_in (tripleoctagon) node; if none is reachable from
// every branch, it falls back to the nearest node reachable from all of them
// (a graph that fans back together without a dedicated fan-in node).
func findJoinNode(g *model.Graph, branches []*model.Edge) (string, error) {
	if joinID, err := findJoinFanInNode(g, branches); err == nil && joinID != "" {
		return joinID, nil
	}

	type cand struct {
		id      string
		maxDist int
		sumDist int
	}

	reachable := make([]map[string]int, 0, len(branches))
	for _, e := range branches {
		if e == nil {
			continue
		}
		reachable = append(reachable, bfsAllDistances(g, e.To))
	}
	if len(reachable) == 0 {
		return "", fmt.Errorf("no valid branches")
	}

	var cands []cand
	for id, d0 := range reachable[0] {
		maxD := d0
		sumD := d0
		ok := true
		for i := 1; i < len(reachable); i++ {
			d, exists := reachable[i][id]
			if !exists {
				ok = false
				break
			}
			sumD += d
			if d > maxD {
				maxD = d
			}
		}
		if ok {
			cands = append(cands, cand{id: id, maxDist: maxD, sumDist: sumD})
		}
	}
	if len(cands) == 0 {
		return "", fmt.Errorf("no convergence node reachable from all branches")
	}

	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].maxDist != cands[j].maxDist {
			return cands[i].maxDist < cands[j].maxDist
		}
		if cands[i].sumDist != cands[j].sumDist {
			return cands[i].sumDist < cands[j].sumDist
		}
		return cands[i].id < cands[j].id
	})
	return cands[0].id, nil
}

func bfsAllDistances(g *model.Graph, start string) map[string]int {
	type item struct {
		id   string
		dist int
	}
	seen := map[string]bool{start: true}
	queue := []item{{id: start, dist: 0}}
	out := map[string]int{}

	for len(queue) > 0 {
		it := queue[0]
		queue = queue[1:]
		if it.id != start {
			if _, exists := out[it.id]; !exists {
				out[it.id] = it.dist
			}
		}
		for _, e := range g.Outgoing(it.id) {
			if e == nil || seen[e.To] {
				continue
			}
			seen[e.To] = true
			queue = append(queue, item{id: e.To, dist: it.dist + 1})
		}
	}
	return out
}

func sanitizeKeyComponent(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ""
	}
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

// ManagerLoopHandler implements the nested-pipeline supervisor (house shape,
// §3: manager.poll_interval/max_cycles/stop_condition/actions,
// stack.child_dotfile/child_autostart). It starts a detached child process
// that is expected to run its own pipeline and write the same persisted
// checkpoint/final documents this engine writes for itself (§6), then polls
// those documents until the child finishes, the stop condition is satisfied,
// or max_cycles is exhausted (§4.13).
type ManagerLoopHandler struct{}

func (h *ManagerLoopHandler) Execute(ctx context.Context, exec *Execution, node *model.Node) (runtime.Outcome, error) {
	childDir := strings.TrimSpace(node.Attr("stack.child_dotfile", ""))
	if childDir == "" {
		return runtime.Outcome{Status: runtime.StatusFail, FailureReason: "stack.manager_loop requires stack.child_dotfile (child logs/checkpoint directory)"}, nil
	}
	if !filepath.IsAbs(childDir) {
		childDir = filepath.Join(exec.WorkDir, childDir)
	}
	if err := os.MkdirAll(childDir, 0o755); err != nil {
		return runtime.Outcome{Status: runtime.StatusFail, FailureReason: fmt.Sprintf("create child dir: %v", err)}, nil
	}

	pollInterval := parseDuration(node.Attr("manager.poll_interval", ""), 2*time.Second)
	maxCycles := node.AttrInt("manager.max_cycles", 30)
	if maxCycles <= 0 {
		maxCycles = 30
	}
	stopCondition := strings.TrimSpace(node.Attr("manager.stop_condition", ""))
	actions := splitManagerActions(node.Attr("manager.actions", ""))

	stageDir := filepath.Join(exec.LogsRoot, node.ID)
	if err := os.MkdirAll(stageDir, 0o755); err != nil {
		return runtime.Outcome{Status: runtime.StatusFail, FailureReason: err.Error()}, nil
	}

	autostart := strings.TrimSpace(node.Attr("stack.child_autostart", ""))
	var cmd *osexec.Cmd
	var waitDone chan struct{}
	var waitErr error
	if node.AttrBool("stack.child_autostart_enabled", autostart != "") && autostart != "" {
		cmd = osexec.Command("bash", "-c", autostart)
		cmd.Dir = childDir
		procutil.SetProcessGroup(cmd)
		stdout, err := os.Create(filepath.Join(stageDir, "child_stdout.log"))
		if err != nil {
			return runtime.Outcome{Status: runtime.StatusFail, FailureReason: err.Error()}, nil
		}
		defer stdout.Close()
		stderr, err := os.Create(filepath.Join(stageDir, "child_stderr.log"))
		if err != nil {
			return runtime.Outcome{Status: runtime.StatusFail, FailureReason: err.Error()}, nil
		}
		defer stderr.Close()
		cmd.Stdout = stdout
		cmd.Stderr = stderr
		if err := cmd.Start(); err != nil {
			return runtime.Outcome{Status: runtime.StatusFail, FailureReason: fmt.Sprintf("start child: %v", err)}, nil
		}
		waitDone = make(chan struct{})
		go func() {
			waitErr = cmd.Wait()
			close(waitDone)
		}()
		defer func() {
			if waitDone != nil {
				select {
				case <-waitDone:
				default:
					procutil.TerminateGroup(cmd, 2*time.Second, waitDone)
					<-waitDone
				}
			}
		}()
	}

	checkpointPath := filepath.Join(childDir, "checkpoint.json")
	finalPath := filepath.Join(childDir, "final.json")

	childExited := func() (bool, int) {
		if cmd == nil || waitDone == nil {
			return false, 0
		}
		select {
		case <-waitDone:
			if waitErr == nil {
				return true, 0
			}
			if ee, ok := waitErr.(*osexec.ExitError); ok {
				return true, ee.ExitCode()
			}
			return true, -1
		default:
			return false, 0
		}
	}

	for cycle := 1; cycle <= maxCycles; cycle++ {
		if ctx.Err() != nil {
			return runtime.Outcome{Status: runtime.StatusFail, FailureReason: ctx.Err().Error()}, nil
		}

		if fo, err := runtime.LoadFinalOutcome(finalPath); err == nil {
			if exec.Engine != nil {
				exec.Engine.Warn(fmt.Sprintf("manager_loop %s: child reported final status %s after %d cycle(s)", node.ID, fo.Status, cycle))
			}
			if fo.Status != runtime.FinalSuccess {
				return runtime.Outcome{
					Status:        runtime.StatusFail,
					FailureReason: fmt.Sprintf("manager-loop child pipeline failed: %s", fo.FailureReason),
					ContextUpdates: map[string]any{
						"manager_loop.cycles":      cycle,
						"manager_loop.child_final": string(fo.Status),
					},
				}, nil
			}
			return runtime.Outcome{
				Status: runtime.StatusSuccess,
				Notes:  fmt.Sprintf("manager-loop child pipeline completed after %d cycle(s)", cycle),
				ContextUpdates: map[string]any{
					"manager_loop.cycles":      cycle,
					"manager_loop.child_final": string(fo.Status),
				},
			}, nil
		}

		if cp, err := runtime.LoadCheckpoint(checkpointPath); err == nil {
			if stopCondition != "" {
				cpCtx := runtime.NewContext()
				cpCtx.ApplyUpdates(cp.ContextValues)
				outcome := runtime.Outcome{Status: runtime.StatusSuccess, ContextUpdates: cp.ContextValues}
				matched, err := cond.Evaluate(stopCondition, outcome, cpCtx)
				if err != nil {
					exec.Engine.Warn(fmt.Sprintf("manager_loop %s: invalid stop_condition: %v", node.ID, err))
				} else if matched {
					return runtime.Outcome{
						Status: runtime.StatusSuccess,
						Notes:  fmt.Sprintf("manager-loop stop_condition satisfied at %s after %d cycle(s)", cp.CurrentNode, cycle),
						ContextUpdates: map[string]any{
							"manager_loop.cycles":      cycle,
							"manager_loop.stop_node":   cp.CurrentNode,
							"manager_loop.child_state": cp.ContextValues,
						},
					}, nil
				}
			}
			for _, act := range actions {
				if act == "log" && exec.Engine != nil {
					exec.Engine.Warn(fmt.Sprintf("manager_loop %s: cycle %d, child at %s", node.ID, cycle, cp.CurrentNode))
				}
			}
		}

		if exited, code := childExited(); exited {
			if code != 0 {
				return runtime.Outcome{
					Status:         runtime.StatusFail,
					FailureReason:  fmt.Sprintf("manager-loop child exited with code %d", code),
					ContextUpdates: map[string]any{"manager_loop.cycles": cycle, "manager_loop.child_exit_code": code},
				}, nil
			}
			if cp, err := runtime.LoadCheckpoint(checkpointPath); err == nil {
				return runtime.Outcome{
					Status: runtime.StatusSuccess,
					Notes:  fmt.Sprintf("manager-loop child exited 0 with last checkpoint at %s", cp.CurrentNode),
					ContextUpdates: map[string]any{
						"manager_loop.cycles":      cycle,
						"manager_loop.child_state": cp.ContextValues,
					},
				}, nil
			}
			return runtime.Outcome{Status: runtime.StatusFail, FailureReason: "manager-loop child exited 0 with no checkpoint or final outcome"}, nil
		}

		select {
		case <-ctx.Done():
			return runtime.Outcome{Status: runtime.StatusFail, FailureReason: ctx.Err().Error()}, nil
		case <-time.After(pollInterval):
		}
	}

	return runtime.Outcome{
		Status:         runtime.StatusFail,
		FailureReason:  fmt.Sprintf("manager-loop max_cycles (%d) exceeded without stop_condition or child completion", maxCycles),
		ContextUpdates: map[string]any{"manager_loop.cycles": maxCycles},
	}, nil
}

func splitManagerActions(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	fields := strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ' ' })
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ToLower(strings.TrimSpace(f))
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}
