package state

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/hoidn/BMAD-METHOD/pkg/schema"
)

const (
	stateFile   = "state.json"
	backupCount = 3
)

// Store manages per-run directories under a runs root. Each run owns
// <root>/<run-id>/ holding state.json, rotated backups, spill files, and
// the run lock.
type Store struct {
	root string
}

// NewStore creates the runs root if needed.
func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeState, "create runs dir: %s", err.Error()).WithCause(err)
	}
	return &Store{root: root}, nil
}

// RunDir returns the directory for a run, creating it if needed.
func (s *Store) RunDir(runID string) (string, error) {
	dir := filepath.Join(s.root, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", schema.NewErrorf(schema.ErrCodeState, "create run dir: %s", err.Error()).WithCause(err)
	}
	return dir, nil
}

// SpillDir returns the run's spill directory, creating it if needed.
func (s *Store) SpillDir(runID string) (string, error) {
	dir := filepath.Join(s.root, runID, "spill")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", schema.NewErrorf(schema.ErrCodeState, "create spill dir: %s", err.Error()).WithCause(err)
	}
	return dir, nil
}

// Save writes the state atomically: temp file in the same directory, fsync,
// rename over state.json, fsync the directory. The previous version is
// rotated into numbered backups first.
func (s *Store) Save(st *RunState) error {
	dir, err := s.RunDir(st.RunID)
	if err != nil {
		return err
	}
	st.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeState, "marshal state: %s", err.Error()).WithCause(err)
	}

	target := filepath.Join(dir, stateFile)
	rotateBackups(target)

	tmp, err := os.CreateTemp(dir, stateFile+".*.tmp")
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeState, "create temp state: %s", err.Error()).WithCause(err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpName)
		return schema.NewErrorf(schema.ErrCodeState, "write state: %s", err.Error()).WithCause(err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return schema.NewErrorf(schema.ErrCodeState, "commit state: %s", err.Error()).WithCause(err)
	}
	syncDir(dir)
	return nil
}

// Load reads and strictly validates a run's state. Leftover temp files from
// torn writes are discarded. Any validation failure is a config error so the
// caller never resumes from a half-trusted record.
func (s *Store) Load(runID string) (*RunState, error) {
	dir := filepath.Join(s.root, runID)
	discardTemps(dir)

	data, err := os.ReadFile(filepath.Join(dir, stateFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, schema.NewErrorf(schema.ErrCodeState, "run %s has no state file", runID)
		}
		return nil, schema.NewErrorf(schema.ErrCodeState, "read state: %s", err.Error()).WithCause(err)
	}

	var st RunState
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&st); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfig, "corrupt state for run %s: %s", runID, err.Error()).WithCause(err)
	}
	if err := validate(&st); err != nil {
		return nil, err
	}
	if st.RunID != runID {
		return nil, schema.NewErrorf(schema.ErrCodeConfig, "state run_id %q does not match directory %q", st.RunID, runID)
	}
	return &st, nil
}

// List returns the run IDs present in the store, newest first by mtime.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeState, "list runs: %s", err.Error()).WithCause(err)
	}
	type ent struct {
		id string
		mt time.Time
	}
	var runs []ent
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		runs = append(runs, ent{e.Name(), info.ModTime()})
	}
	for i := 1; i < len(runs); i++ {
		for j := i; j > 0 && runs[j].mt.After(runs[j-1].mt); j-- {
			runs[j], runs[j-1] = runs[j-1], runs[j]
		}
	}
	ids := make([]string, len(runs))
	for i, r := range runs {
		ids[i] = r.id
	}
	return ids, nil
}

func validate(st *RunState) error {
	switch {
	case st.SchemaVersion != CurrentSchemaVersion:
		return schema.NewErrorf(schema.ErrCodeConfig, "unsupported state schema version %d", st.SchemaVersion)
	case st.RunID == "":
		return schema.NewErrorf(schema.ErrCodeConfig, "state missing run_id")
	case st.Workflow == "":
		return schema.NewErrorf(schema.ErrCodeConfig, "state missing workflow name")
	case st.Status == "":
		return schema.NewErrorf(schema.ErrCodeConfig, "state missing status")
	case st.Steps == nil:
		return schema.NewErrorf(schema.ErrCodeConfig, "state missing steps map")
	}
	switch st.Status {
	case schema.RunStatusRunning, schema.RunStatusCompleted, schema.RunStatusFailed,
		schema.RunStatusCancelled, schema.RunStatusError:
	default:
		return schema.NewErrorf(schema.ErrCodeConfig, "unknown run status %q", st.Status)
	}
	for name, sr := range st.Steps {
		if sr == nil {
			return schema.NewErrorf(schema.ErrCodeConfig, "step %q has nil result", name)
		}
		switch sr.Status {
		case schema.StepStatusPending, schema.StepStatusRunning, schema.StepStatusCompleted,
			schema.StepStatusFailed, schema.StepStatusSkipped:
		default:
			return schema.NewErrorf(schema.ErrCodeConfig, "step %q has unknown status %q", name, sr.Status)
		}
	}
	return nil
}

// rotateBackups shifts state.json.bak.N up, dropping the oldest, then moves
// the current state into .bak.1. Best effort; backups never block a save.
func rotateBackups(target string) {
	if _, err := os.Stat(target); err != nil {
		return
	}
	for i := backupCount - 1; i >= 1; i-- {
		os.Rename(backupName(target, i), backupName(target, i+1))
	}
	data, err := os.ReadFile(target)
	if err != nil {
		return
	}
	os.WriteFile(backupName(target, 1), data, 0o644)
}

func backupName(target string, n int) string {
	return fmt.Sprintf("%s.bak.%d", target, n)
}

func discardTemps(dir string) {
	matches, _ := filepath.Glob(filepath.Join(dir, stateFile+".*.tmp"))
	for _, m := range matches {
		os.Remove(m)
	}
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	d.Sync()
	d.Close()
}
