package turnstore

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

// Store is a directory-backed, content-addressed append log. Records are
// written once under objects/<hash prefix>/<hash> and never mutated; each
// run keeps a separate head pointer so Append can chain ParentHash without a
// central index.
type Store struct {
	Dir string

	mu    sync.Mutex
	heads map[string]string
}

// NewStore opens (creating if necessary) a turn-store rooted at dir.
func NewStore(dir string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("turnstore: dir must not be empty")
	}
	if err := os.MkdirAll(filepath.Join(dir, "objects"), 0o755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(dir, "heads"), 0o755); err != nil {
		return nil, err
	}
	return &Store{Dir: dir, heads: map[string]string{}}, nil
}

func hashOf(b []byte) string {
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func (s *Store) objectPath(hash string) string {
	prefix := hash
	if len(prefix) > 2 {
		prefix = hash[:2]
	}
	return filepath.Join(s.Dir, "objects", prefix, hash)
}

func (s *Store) headPath(runID string) string {
	return filepath.Join(s.Dir, "heads", runID+".head")
}

// Head returns the most recently appended record hash for runID, or "" if
// none exists yet (checked in memory first, then on disk for a store opened
// against an existing run).
func (s *Store) Head(runID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.headLocked(runID)
}

func (s *Store) headLocked(runID string) string {
	if h, ok := s.heads[runID]; ok {
		return h
	}
	b, err := os.ReadFile(s.headPath(runID))
	if err != nil {
		return ""
	}
	h := strings.TrimSpace(string(b))
	s.heads[runID] = h
	return h
}

// Append encodes data as a new Record chained to runID's current head,
// writes it content-addressed, advances the head, and returns the record's
// hash.
func (s *Store) Append(runID, typeID string, typeVersion int, ts time.Time, data map[string]any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	rec := Record{
		TypeID:      typeID,
		TypeVersion: typeVersion,
		RunID:       runID,
		ParentHash:  s.headLocked(runID),
		Timestamp:   ts,
		Data:        data,
	}
	b, err := encodeRecord(rec)
	if err != nil {
		return "", err
	}
	hash := hashOf(b)
	path := s.objectPath(hash)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err != nil {
		if err := os.WriteFile(path, b, 0o644); err != nil {
			return "", err
		}
	}
	if err := os.WriteFile(s.headPath(runID), []byte(hash), 0o644); err != nil {
		return "", err
	}
	s.heads[runID] = hash
	return hash, nil
}

// Get reads back the record stored at hash.
func (s *Store) Get(hash string) (Record, error) {
	b, err := os.ReadFile(s.objectPath(hash))
	if err != nil {
		return Record{}, err
	}
	return decodeRecord(b)
}

// History walks a run's chain from its current head back to the first
// record, oldest last.
func (s *Store) History(runID string) ([]Record, error) {
	hash := s.Head(runID)
	var out []Record
	for hash != "" {
		rec, err := s.Get(hash)
		if err != nil {
			return out, err
		}
		out = append(out, rec)
		hash = rec.ParentHash
	}
	return out, nil
}
