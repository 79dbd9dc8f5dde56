package runtime

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// Checkpoint is the serializable snapshot written after every stage (C8).
type Checkpoint struct {
	Timestamp      time.Time      `json:"timestamp"`
	RunID          string         `json:"run_id"`
	CurrentNode    string         `json:"current_node"`
	CompletedNodes []string       `json:"completed_nodes"`
	NodeRetries    map[string]int `json:"node_retries"`
	ContextValues  map[string]any `json:"context_values"`
	Logs           []string       `json:"logs"`
	RestartCount   int            `json:"restart_count"`
}

// NewCheckpoint builds a Checkpoint from the Runner's live state.
func NewCheckpoint(runID, currentNode string, completedNodes []string, nodeRetries map[string]int, ctx *Context, restartCount int) *Checkpoint {
	cp := &Checkpoint{
		Timestamp:      time.Now().UTC(),
		RunID:          runID,
		CurrentNode:    currentNode,
		CompletedNodes: append([]string{}, completedNodes...),
		NodeRetries:    map[string]int{},
		RestartCount:   restartCount,
	}
	for k, v := range nodeRetries {
		cp.NodeRetries[k] = v
	}
	if ctx != nil {
		cp.ContextValues = ctx.Snapshot()
		cp.Logs = ctx.SnapshotLogs()
	}
	return cp
}

// Save writes the checkpoint as indented JSON to path, creating parent
// directories as needed. Callers are expected to treat a write error as
// non-fatal (§4.7: "Write errors are logged and ignored").
func (cp *Checkpoint) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

// LoadCheckpoint reads a Checkpoint document from path.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cp Checkpoint
	if err := json.Unmarshal(b, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}
