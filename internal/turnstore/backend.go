package turnstore

import (
	"fmt"
	"time"

	"github.com/pipeweave/pipeweave/internal/attractor/runtime"
)

// Backend adapts a Store into the engine's CheckpointBackend contract: every
// SaveCheckpoint call appends one Checkpoint-typed record chained to the
// run's prior checkpoint, and returns "turnstore:<hash>" as the opaque
// reference folded into stage metadata. It also writes a plain
// checkpoint.json alongside it (via delegate), since logsRoot-based tooling
// (status inspection, resume) still expects that file to exist.
type Backend struct {
	Store    *Store
	Delegate interface {
		SaveCheckpoint(cp *runtime.Checkpoint, logsRoot string) (string, error)
	}
}

// NewBackend opens a Store rooted at dir and wraps it for use as an
// engine.Config.Backend.
func NewBackend(dir string) (*Backend, error) {
	store, err := NewStore(dir)
	if err != nil {
		return nil, err
	}
	return &Backend{Store: store}, nil
}

func (b *Backend) SaveCheckpoint(cp *runtime.Checkpoint, logsRoot string) (string, error) {
	if b == nil || b.Store == nil {
		return "", fmt.Errorf("turnstore: backend is nil")
	}
	if b.Delegate != nil {
		if _, err := b.Delegate.SaveCheckpoint(cp, logsRoot); err != nil {
			return "", err
		}
	}

	data := map[string]any{
		"current_node":    cp.CurrentNode,
		"completed_nodes": cp.CompletedNodes,
		"node_retries":    cp.NodeRetries,
		"context_values":  cp.ContextValues,
		"logs":            cp.Logs,
		"restart_count":   cp.RestartCount,
	}
	ts := cp.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	hash, err := b.Store.Append(cp.RunID, TypeCheckpoint, 1, ts, data)
	if err != nil {
		return "", err
	}
	return "turnstore:" + hash, nil
}
