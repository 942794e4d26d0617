// Package store implements the durable persistence of Raft's
// (currentTerm, votedFor, log) tuple, one file per node.
package store

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/ReshiAdavan/raftcoordinator/internal/store/gobcodec"
)

// LogEntry is a single replicated log entry. Index 0 always holds the
// sentinel {Term: 0, Command: "init"}; real entries start at index 1.
type LogEntry struct {
	Term    uint64
	Command string
}

// PersistentState is the tuple that must survive a restart.
type PersistentState struct {
	CurrentTerm uint64
	VotedFor    string // "" means no vote cast this term
	Log         []LogEntry
}

// Store loads and persists a node's durable state.
type Store interface {
	LoadIfExists() (*PersistentState, error)
	Persist(state PersistentState) error
}

// FileStore persists to raft_state_<serverID>.bin under dataDir.
type FileStore struct {
	path      string
	persistMu sync.Mutex // serializes writes so the on-disk file matches some in-memory snapshot
}

// NewFileStore builds the deterministic per-node file name from serverID.
func NewFileStore(dataDir, serverID string) *FileStore {
	return &FileStore{path: filepath.Join(dataDir, "raft_state_"+serverID+".bin")}
}

// Path returns the file this store reads and writes.
func (s *FileStore) Path() string { return s.path }

// LoadIfExists returns (nil, nil) if the file is absent — cold start is
// not an error. A corrupt file is logged and treated as absent, matching
// spec.md §4.1 (a known limitation: a node that had voted restarts as if
// it never had, see DESIGN.md for why this implementation keeps it).
func (s *FileStore) LoadIfExists() (*PersistentState, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "read raft state file")
	}

	var state PersistentState
	dec := gobcodec.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&state); err != nil {
		gobcodec.Logger.Warnw("discarding corrupt raft state file, starting fresh", "path", s.path, "error", err)
		return nil, nil
	}
	return &state, nil
}

// Persist writes state via write-temp-then-rename, so a crash mid-write
// cannot leave a truncated file that LoadIfExists would silently accept.
func (s *FileStore) Persist(state PersistentState) error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	buf := new(bytes.Buffer)
	enc := gobcodec.NewEncoder(buf)
	if err := enc.Encode(state); err != nil {
		return errors.Wrap(err, "encode raft state")
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "create data directory")
	}

	tmp, err := os.CreateTemp(dir, ".raft-state-*.tmp")
	if err != nil {
		return errors.Wrap(err, "create temp raft state file")
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return errors.Wrap(err, "write temp raft state file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "sync temp raft state file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close temp raft state file")
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return errors.Wrap(err, "rename temp raft state file into place")
	}
	return nil
}
