package engine

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pipeweave/pipeweave/internal/attractor/model"
	"github.com/pipeweave/pipeweave/internal/attractor/runtime"
)

func TestRequiredSuccesses(t *testing.T) {
	n := model.NewNode("par")
	n.Attrs["join_k"] = "2"
	if got := requiredSuccesses("k_of_n", n, 5); got != 2 {
		t.Fatalf("k_of_n: got %d want 2", got)
	}
	n.Attrs["join_k"] = "0.6"
	if got := requiredSuccesses("quorum", n, 5); got != 3 {
		t.Fatalf("quorum: got %d want 3 (ceil(0.6*5))", got)
	}
	if got := requiredSuccesses("first_success", n, 5); got != 1 {
		t.Fatalf("first_success: got %d want 1", got)
	}
	if got := requiredSuccesses("wait_all", n, 5); got != 5 {
		t.Fatalf("wait_all: got %d want 5", got)
	}
}

func TestEvaluateJoinProgress_WaitAllContinue(t *testing.T) {
	// Zero successes out of all completed: fail, not partial_success(0).
	if done, status, _ := evaluateJoinProgress("wait_all", "continue", 3, 3, 0, 3); !done || status != runtime.StatusFail {
		t.Fatalf("wait_all/continue all-fail: done=%v status=%v want fail", done, status)
	}
	// Partial successes: partial_success.
	if done, status, _ := evaluateJoinProgress("wait_all", "continue", 3, 3, 2, 3); !done || status != runtime.StatusPartialSuccess {
		t.Fatalf("wait_all/continue partial: done=%v status=%v want partial_success", done, status)
	}
	// All succeed: success.
	if done, status, _ := evaluateJoinProgress("wait_all", "continue", 3, 3, 3, 3); !done || status != runtime.StatusSuccess {
		t.Fatalf("wait_all/continue all-succeed: done=%v status=%v want success", done, status)
	}
	// fail_fast aborts on first failure, before all branches complete.
	if done, status, _ := evaluateJoinProgress("wait_all", "fail_fast", 3, 3, 1, 2); !done || status != runtime.StatusFail {
		t.Fatalf("wait_all/fail_fast early: done=%v status=%v want fail", done, status)
	}
	// Not yet resolved: only 1 of 3 completed, no failures, wait_all needs all.
	if done, _, _ := evaluateJoinProgress("wait_all", "continue", 3, 3, 1, 1); done {
		t.Fatalf("wait_all/continue: expected not yet resolved with 1/3 completed")
	}
}

func TestEvaluateJoinProgress_KOfN(t *testing.T) {
	// Success target reached early: resolves before all branches finish.
	if done, status, _ := evaluateJoinProgress("k_of_n", "continue", 5, 2, 2, 3); !done || status != runtime.StatusSuccess {
		t.Fatalf("k_of_n success-early: done=%v status=%v want success", done, status)
	}
	// fail_fast: only aborts once success becomes unreachable, not on first failure.
	// 5 branches, need 3; 1 completed and failed, 4 remain -> still reachable.
	if done, _, _ := evaluateJoinProgress("k_of_n", "fail_fast", 5, 3, 0, 1); done {
		t.Fatalf("k_of_n/fail_fast: first failure alone must not abort while target is still reachable")
	}
	// 5 branches, need 3; 3 completed all failed, 2 remain -> 0+2 < 3, unreachable.
	if done, status, _ := evaluateJoinProgress("k_of_n", "fail_fast", 5, 3, 0, 3); !done || status != runtime.StatusFail {
		t.Fatalf("k_of_n/fail_fast unreachable: done=%v status=%v want fail", done, status)
	}
	// ignore policy waits for all completions regardless of failures.
	if done, status, _ := evaluateJoinProgress("k_of_n", "ignore", 3, 2, 0, 2); done {
		t.Fatalf("k_of_n/ignore: should not resolve before all complete, got status=%v", status)
	}
	if done, status, _ := evaluateJoinProgress("k_of_n", "ignore", 3, 2, 0, 3); !done || status != runtime.StatusSuccess {
		t.Fatalf("k_of_n/ignore all-complete: done=%v status=%v want success", done, status)
	}
}

func TestEvaluateJoinProgress_FirstSuccess(t *testing.T) {
	if done, status, _ := evaluateJoinProgress("first_success", "continue", 4, 1, 1, 1); !done || status != runtime.StatusSuccess {
		t.Fatalf("first_success: done=%v status=%v want success", done, status)
	}
	if done, _, _ := evaluateJoinProgress("first_success", "continue", 4, 1, 0, 2); done {
		t.Fatalf("first_success: should wait while branches remain and none succeeded yet")
	}
	if done, status, _ := evaluateJoinProgress("first_success", "continue", 4, 1, 0, 4); !done || status != runtime.StatusFail {
		t.Fatalf("first_success all-fail: done=%v status=%v want fail", done, status)
	}
}

// buildParallelGraph wires start -> par -> {a, b, c} -> join -> exit, where
// par is a parallel (component) node and join is a parallel.fan_in
// (tripleoctagon) node. Each branch is a tool node running a trivial shell
// command so the test needs no LLM backend.
func buildParallelGraph(t *testing.T, branchCommands map[string]string) *model.Graph {
	t.Helper()
	g := model.NewGraph("parallel-test")

	start := model.NewNode("start")
	start.Attrs["shape"] = "Mdiamond"
	g.AddNode(start)

	par := model.NewNode("par")
	par.Attrs["shape"] = "component"
	g.AddNode(par)

	for id, cmd := range branchCommands {
		n := model.NewNode(id)
		n.Attrs["shape"] = "parallelogram"
		n.Attrs["tool_command"] = cmd
		g.AddNode(n)
		g.AddEdge(model.NewEdge("par", id))
		g.AddEdge(model.NewEdge(id, "join"))
	}

	join := model.NewNode("join")
	join.Attrs["shape"] = "tripleoctagon"
	g.AddNode(join)

	exit := model.NewNode("exit")
	exit.Attrs["shape"] = "Msquare"
	g.AddNode(exit)

	g.AddEdge(model.NewEdge("start", "par"))
	okEdge := model.NewEdge("join", "exit")
	okEdge.Attrs["label"] = "default"
	g.AddEdge(okEdge)

	return g
}

func runParallelTestEngine(t *testing.T, par *model.Node, branchCommands map[string]string) *Result {
	t.Helper()
	res, err := runParallelTestEngineAllowError(t, par, branchCommands)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return res
}

func runParallelTestEngineAllowError(t *testing.T, par *model.Node, branchCommands map[string]string) (*Result, error) {
	t.Helper()
	g := buildParallelGraph(t, branchCommands)
	if par != nil {
		for k, v := range par.Attrs {
			g.Nodes["par"].Attrs[k] = v
		}
	}

	logsRoot := t.TempDir()
	workDir := t.TempDir()
	eng, err := NewEngine(g, Config{LogsRoot: logsRoot, WorkDir: workDir}, "")
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return eng.Run(ctx)
}

func TestParallelHandler_WaitAll_AllSucceed(t *testing.T) {
	res := runParallelTestEngine(t, nil, map[string]string{
		"a": "exit 0",
		"b": "exit 0",
		"c": "exit 0",
	})
	if res.FinalStatus != runtime.FinalSuccess {
		t.Fatalf("final status: got %s want success", res.FinalStatus)
	}

	b, err := os.ReadFile(filepath.Join(res.LogsRoot, "par", "parallel_results.json"))
	if err != nil {
		t.Fatalf("read parallel_results.json: %v", err)
	}
	var results []parallelBranchResult
	if err := json.Unmarshal(b, &results); err != nil {
		t.Fatalf("unmarshal parallel_results.json: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("results: got %d want 3", len(results))
	}
	for _, r := range results {
		if r.Status != runtime.StatusSuccess {
			t.Fatalf("branch %s: status %s want success", r.NodeID, r.Status)
		}
	}
}

func TestParallelHandler_WaitAllContinue_OneFails_PartialSuccess(t *testing.T) {
	res := runParallelTestEngine(t, nil, map[string]string{
		"a": "exit 0",
		"b": "exit 1",
	})
	// wait_all/continue with at least one success and one failure resolves
	// the join node partial_success, which the fan-in handler's default
	// edge can still route onward from (no condition means unconditional).
	if res.FinalStatus != runtime.FinalSuccess {
		t.Fatalf("final status: got %s want success (partial join still reaches exit via default edge)", res.FinalStatus)
	}
}

func TestParallelHandler_KOfN_TwoOfThreeRequired(t *testing.T) {
	par := model.NewNode("par")
	par.Attrs["join_policy"] = "k_of_n"
	par.Attrs["join_k"] = "2"
	res := runParallelTestEngine(t, par, map[string]string{
		"a": "exit 0",
		"b": "exit 0",
		"c": "exit 1",
	})
	if res.FinalStatus != runtime.FinalSuccess {
		t.Fatalf("final status: got %s want success (2 of 3 succeeded, required 2)", res.FinalStatus)
	}
}

func TestParallelHandler_FirstSuccess(t *testing.T) {
	par := model.NewNode("par")
	par.Attrs["join_policy"] = "first_success"
	res := runParallelTestEngine(t, par, map[string]string{
		"a": "exit 1",
		"b": "exit 0",
	})
	if res.FinalStatus != runtime.FinalSuccess {
		t.Fatalf("final status: got %s want success (at least one branch succeeded)", res.FinalStatus)
	}
}

func TestParallelHandler_WaitAllFailFast_AllFail(t *testing.T) {
	// The only edge out of the fan-in node is the unconditional "default"
	// edge; a deterministic all-branches-failed outcome at a parallel.fan_in
	// node only follows a matching *conditional* edge (§4.2/§4.5 step 8), so
	// with no such edge this graph is a genuine dead end and the run reports
	// an error (with final.json still recording the failure, §6).
	par := model.NewNode("par")
	par.Attrs["join_policy"] = "wait_all"
	par.Attrs["error_policy"] = "fail_fast"
	res, runErr := runParallelTestEngineAllowError(t, par, map[string]string{
		"a": "exit 1",
		"b": "exit 1",
	})
	if runErr == nil {
		t.Fatalf("expected an error for all-branches-failed with no fail-routing edge, got res=%+v", res)
	}
}

func TestFindJoinFanInNode(t *testing.T) {
	g := buildParallelGraph(t, map[string]string{"a": "exit 0", "b": "exit 0"})
	branches := g.Outgoing("par")
	id, err := findJoinFanInNode(g, branches)
	if err != nil {
		t.Fatalf("findJoinFanInNode: %v", err)
	}
	if id != "join" {
		t.Fatalf("join node: got %q want %q", id, "join")
	}
}
