package engine

import (
	"path/filepath"

	"github.com/pipeweave/pipeweave/internal/attractor/gitutil"
	"github.com/pipeweave/pipeweave/internal/attractor/runtime"
)

// CheckpointBackend persists a Checkpoint after every stage and returns an
// opaque reference string (a filesystem path, a git commit SHA, a
// turn-store record id) that gets folded into the stage's checkpoint
// metadata. Callers treat a non-nil error as non-fatal: the run continues
// and the failure is recorded as a warning.
type CheckpointBackend interface {
	SaveCheckpoint(cp *runtime.Checkpoint, logsRoot string) (ref string, err error)
}

// FileCheckpointBackend writes checkpoint.json under the run's logs
// directory. This is the default backend and requires no external tooling.
type FileCheckpointBackend struct{}

func (FileCheckpointBackend) SaveCheckpoint(cp *runtime.Checkpoint, logsRoot string) (string, error) {
	path := filepath.Join(logsRoot, "checkpoint.json")
	if err := cp.Save(path); err != nil {
		return "", err
	}
	return path, nil
}

// GitCheckpointBackend commits the working directory after every stage in
// addition to writing checkpoint.json, giving each stage a durable,
// content-addressed reference (the commit SHA) that downstream tooling can
// diff or check out independently of the JSON snapshot.
type GitCheckpointBackend struct {
	WorkDir string
}

func (b GitCheckpointBackend) SaveCheckpoint(cp *runtime.Checkpoint, logsRoot string) (string, error) {
	if _, err := (FileCheckpointBackend{}).SaveCheckpoint(cp, logsRoot); err != nil {
		return "", err
	}
	msg := "checkpoint: " + cp.CurrentNode
	sha, err := gitutil.CommitAllowEmpty(b.WorkDir, msg)
	if err != nil {
		return "", err
	}
	return sha, nil
}
