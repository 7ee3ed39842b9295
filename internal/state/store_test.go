package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hoidn/BMAD-METHOD/pkg/schema"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "runs"))
	require.NoError(t, err)
	return s
}

func sampleState(runID string) *RunState {
	st := NewRunState(runID, "demo", "abc123", "/work", map[string]any{"env": "test"})
	ec := 0
	st.Steps["greet"] = &StepResult{
		Status:      schema.StepStatusCompleted,
		ExitCode:    &ec,
		Attempts:    1,
		Output:      "hello\n",
		Fingerprint: "fp-1",
	}
	st.Cursor = "next"
	return st
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	st := sampleState("run-1")
	require.NoError(t, s.Save(st))

	got, err := s.Load("run-1")
	require.NoError(t, err)
	assert.Equal(t, st.RunID, got.RunID)
	assert.Equal(t, st.Workflow, got.Workflow)
	assert.Equal(t, st.WorkflowChecksum, got.WorkflowChecksum)
	assert.Equal(t, schema.RunStatusRunning, got.Status)
	assert.Equal(t, "next", got.Cursor)
	require.Contains(t, got.Steps, "greet")
	assert.Equal(t, "hello\n", got.Steps["greet"].Output)
	assert.Equal(t, "fp-1", got.Steps["greet"].Fingerprint)
	require.NotNil(t, got.Steps["greet"].ExitCode)
	assert.Equal(t, 0, *got.Steps["greet"].ExitCode)
}

func TestStore_LoadMissingRun(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Load("ghost")
	require.Error(t, err)
	var ee *schema.EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, schema.ErrCodeState, ee.Code)
}

func TestStore_LoadRejectsCorruptState(t *testing.T) {
	s := newTestStore(t)

	write := func(t *testing.T, runID, content string) {
		t.Helper()
		dir, err := s.RunDir(runID)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, "state.json"), []byte(content), 0o644))
	}

	tests := []struct {
		name    string
		runID   string
		content string
	}{
		{"not json", "c1", "{{{"},
		{"unknown field", "c2", `{"schema_version":1,"run_id":"c2","workflow":"w","status":"running","steps":{},"surprise":true}`},
		{"bad schema version", "c3", `{"schema_version":99,"run_id":"c3","workflow":"w","status":"running","steps":{}}`},
		{"bad run status", "c4", `{"schema_version":1,"run_id":"c4","workflow":"w","status":"dancing","steps":{}}`},
		{"missing steps", "c5", `{"schema_version":1,"run_id":"c5","workflow":"w","status":"running"}`},
		{"run id mismatch", "c6", `{"schema_version":1,"run_id":"other","workflow":"w","status":"running","steps":{}}`},
		{"bad step status", "c7", `{"schema_version":1,"run_id":"c7","workflow":"w","status":"running","steps":{"s":{"status":"odd","attempts":1,"duration_ms":0}}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			write(t, tt.runID, tt.content)
			_, err := s.Load(tt.runID)
			require.Error(t, err)
			var ee *schema.EngineError
			require.ErrorAs(t, err, &ee)
			assert.Equal(t, schema.ErrCodeConfig, ee.Code)
		})
	}
}

func TestStore_SaveRotatesBackups(t *testing.T) {
	s := newTestStore(t)
	st := sampleState("run-bak")

	for i := 0; i < 5; i++ {
		st.Cursor = string(rune('a' + i))
		require.NoError(t, s.Save(st))
	}

	dir, err := s.RunDir("run-bak")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, "state.json.bak.1"))
	assert.FileExists(t, filepath.Join(dir, "state.json.bak.2"))
	assert.FileExists(t, filepath.Join(dir, "state.json.bak.3"))
	assert.NoFileExists(t, filepath.Join(dir, "state.json.bak.4"))
}

func TestStore_LoadDiscardsTempFiles(t *testing.T) {
	s := newTestStore(t)
	st := sampleState("run-tmp")
	require.NoError(t, s.Save(st))

	dir, err := s.RunDir("run-tmp")
	require.NoError(t, err)
	torn := filepath.Join(dir, "state.json.123.tmp")
	require.NoError(t, os.WriteFile(torn, []byte("partial"), 0o644))

	_, err = s.Load("run-tmp")
	require.NoError(t, err)
	assert.NoFileExists(t, torn)
}

func TestStore_List(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save(sampleState("run-old")))
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, s.Save(sampleState("run-new")))

	ids, err := s.List()
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.Equal(t, "run-new", ids[0])
}

func TestRecordError(t *testing.T) {
	ee := schema.NewError(schema.ErrCodeTimeout, "took too long").WithStep("slow")
	rec := RecordError(ee)
	require.NotNil(t, rec)
	assert.Equal(t, schema.ErrCodeTimeout, rec.Code)
	assert.Equal(t, "took too long", rec.Message)
	assert.Equal(t, "slow", rec.Step)

	rec = RecordError(os.ErrPermission)
	require.NotNil(t, rec)
	assert.Equal(t, schema.ErrCodeExecution, rec.Code)

	assert.Nil(t, RecordError(nil))
}
