package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/pipeweave/pipeweave/internal/attractor/engine"
	"github.com/pipeweave/pipeweave/internal/attractor/model"
	"github.com/pipeweave/pipeweave/internal/turnstore"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "--version", "-v", "version":
		fmt.Printf("pipeweave %s\n", version)
	case "run":
		runCmd(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  pipeweave --version")
	fmt.Fprintln(os.Stderr, "  pipeweave run [--profile <run.yaml>] [--run-id <id>] [--logs-root <dir>]")
}

func signalCancelContext() (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		if _, ok := <-sigCh; ok {
			cancel()
		}
	}()
	return ctx, func() {
		signal.Stop(sigCh)
		close(sigCh)
		cancel()
	}
}

func runCmd(args []string) {
	var profilePath, runID, logsRoot string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--profile":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--profile requires a value")
				os.Exit(1)
			}
			profilePath = args[i]
		case "--run-id":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--run-id requires a value")
				os.Exit(1)
			}
			runID = args[i]
		case "--logs-root":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--logs-root requires a value")
				os.Exit(1)
			}
			logsRoot = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}

	profile := defaultProfile()
	if profilePath != "" {
		loaded, err := loadRunProfile(profilePath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		profile = loaded
	}
	if logsRoot != "" {
		profile.LogsRoot = logsRoot
	}

	graph := demoGraph()
	if err := graph.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "invalid demo graph:", err)
		os.Exit(1)
	}

	cfg := engine.Config{LogsRoot: profile.LogsRoot}
	if profile.TurnstoreDir != "" {
		backend, err := turnstore.NewBackend(profile.TurnstoreDir)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		backend.Delegate = engine.FileCheckpointBackend{}
		cfg.Backend = backend
	}

	eng, err := engine.NewEngine(graph, cfg, runID)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	events, cancelSub := eng.Config.EventEmitter.Subscribe()
	defer cancelSub()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			b, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintln(os.Stderr, string(b))
		}
	}()

	ctx, cleanup := signalCancelContext()
	res, runErr := eng.Run(ctx)
	cleanup()
	cancelSub()
	<-done

	if runErr != nil {
		fmt.Fprintln(os.Stderr, runErr)
		os.Exit(1)
	}
	fmt.Printf("run_id=%s\n", res.RunID)
	fmt.Printf("logs_root=%s\n", res.LogsRoot)
	fmt.Printf("final_status=%s\n", res.FinalStatus)
	for _, w := range res.Warnings {
		fmt.Fprintf(os.Stderr, "WARNING: %s\n", w)
	}
	if string(res.FinalStatus) == "success" {
		os.Exit(0)
	}
	os.Exit(1)
}

// demoGraph builds a small representative pipeline entirely in Go: a start
// node, a codergen stage, a conditional gate, and two terminal outcomes.
// There is no DOT/file graph format in scope (§1 Non-goals); embedding
// programs construct a *model.Graph directly, exactly as this does.
func demoGraph() *model.Graph {
	g := model.NewGraph("pipeweave-demo")

	start := model.NewNode("start")
	start.Attrs["shape"] = "Mdiamond"
	g.AddNode(start)

	implement := model.NewNode("implement")
	implement.Attrs["shape"] = "box"
	implement.Attrs["prompt"] = "implement the requested change"
	g.AddNode(implement)

	gate := model.NewNode("gate")
	gate.Attrs["shape"] = "diamond"
	g.AddNode(gate)

	success := model.NewNode("success")
	success.Attrs["shape"] = "Msquare"
	g.AddNode(success)

	failure := model.NewNode("failure")
	failure.Attrs["shape"] = "Msquare"
	g.AddNode(failure)

	g.AddEdge(model.NewEdge("start", "implement"))
	g.AddEdge(model.NewEdge("implement", "gate"))
	okEdge := model.NewEdge("gate", "success")
	okEdge.Attrs["condition"] = "outcome=success"
	g.AddEdge(okEdge)
	failEdge := model.NewEdge("gate", "failure")
	failEdge.Attrs["condition"] = "outcome!=success"
	g.AddEdge(failEdge)

	return g
}

// RunProfile is the CLI's own small YAML-configurable layer of run-level
// knobs. The engine package itself defines no file format (per Non-goals);
// this is reference-CLI convenience only.
type RunProfile struct {
	LogsRoot     string            `yaml:"logs_root"`
	RetryPreset  string            `yaml:"retry_preset"`
	Fidelity     string            `yaml:"fidelity"`
	ModelAliases map[string]string `yaml:"model_aliases"`
	TurnstoreDir string            `yaml:"turnstore_dir"`
}

func defaultProfile() RunProfile {
	return RunProfile{RetryPreset: "standard", Fidelity: "summary"}
}

func loadRunProfile(path string) (RunProfile, error) {
	profile := defaultProfile()
	b, err := os.ReadFile(path)
	if err != nil {
		return profile, fmt.Errorf("read run profile %s: %w", filepath.Base(path), err)
	}
	if err := unmarshalYAMLProfile(b, &profile); err != nil {
		return profile, fmt.Errorf("parse run profile %s: %w", filepath.Base(path), err)
	}
	return profile, nil
}
