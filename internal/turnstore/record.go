// Package turnstore is a local, append-only, content-addressed record store.
// It exists as the in-repo "alternate: append-only turn-store" checkpoint
// backend: each record is msgpack-encoded and addressed by its BLAKE3 hash,
// reverse-DNS typed the way a CXDB-style registry types its turns.
package turnstore

import (
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Well-known record type identifiers, reverse-DNS style.
const (
	TypeCheckpoint  = "com.pipeweave.engine.Checkpoint"
	TypeRunStarted  = "com.pipeweave.engine.RunStarted"
	TypeRunFinished = "com.pipeweave.engine.RunFinished"
)

// Record is one append-only entry. ParentHash chains it to the previous
// record in the same run, forming a linear history per RunID.
type Record struct {
	TypeID      string         `msgpack:"type_id"`
	TypeVersion int            `msgpack:"type_version"`
	RunID       string         `msgpack:"run_id"`
	ParentHash  string         `msgpack:"parent_hash,omitempty"`
	Timestamp   time.Time      `msgpack:"timestamp"`
	Data        map[string]any `msgpack:"data"`
}

func encodeRecord(r Record) ([]byte, error) {
	return msgpack.Marshal(r)
}

func decodeRecord(b []byte) (Record, error) {
	var r Record
	if err := msgpack.Unmarshal(b, &r); err != nil {
		return Record{}, err
	}
	return r, nil
}
