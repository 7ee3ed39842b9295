// Package state persists run progress so interrupted runs can resume.
// Writes are atomic: state is serialized to a temp file, fsynced, and
// renamed over the previous version.
package state

import (
	"time"

	"github.com/hoidn/BMAD-METHOD/pkg/schema"
)

// RunState is the complete persisted record of one workflow run.
type RunState struct {
	SchemaVersion int    `json:"schema_version"`
	RunID         string `json:"run_id"`

	Workflow         string `json:"workflow"`
	WorkflowChecksum string `json:"workflow_checksum"`
	Workspace        string `json:"workspace"`

	Status    schema.RunStatus `json:"status"`
	StartedAt time.Time        `json:"started_at"`
	UpdatedAt time.Time        `json:"updated_at"`

	// Cursor is the name of the step about to execute or executing.
	Cursor string `json:"cursor,omitempty"`

	Context map[string]any         `json:"context,omitempty"`
	Steps   map[string]*StepResult `json:"steps"`
	Loops   map[string]*LoopState  `json:"loops,omitempty"`

	// Error holds the terminal engine error for failed/error runs.
	Error *ErrorRecord `json:"error,omitempty"`
}

// CurrentSchemaVersion is bumped on incompatible RunState layout changes.
const CurrentSchemaVersion = 1

// StepResult records one step's latest outcome.
type StepResult struct {
	Status      schema.StepStatus `json:"status"`
	ExitCode    *int              `json:"exit_code,omitempty"`
	Attempts    int               `json:"attempts"`
	StartedAt   time.Time         `json:"started_at,omitempty"`
	CompletedAt time.Time         `json:"completed_at,omitempty"`
	DurationMs  int64             `json:"duration_ms"`

	Output     string   `json:"output,omitempty"`
	Lines      []string `json:"lines,omitempty"`
	JSON       any      `json:"json,omitempty"`
	Truncated  bool     `json:"truncated,omitempty"`
	SpillPath  string   `json:"spill_path,omitempty"`
	ParseError bool     `json:"parse_error,omitempty"`

	// Injection records what dependency content injection included and
	// truncated for provider steps.
	Injection *InjectionRecord `json:"injection,omitempty"`

	// Fingerprint identifies the step definition plus its resolved inputs;
	// on resume a completed step with a matching fingerprint is skipped.
	Fingerprint string `json:"fingerprint,omitempty"`

	Error *ErrorRecord `json:"error,omitempty"`
}

// InjectionRecord is the persisted summary of prompt dependency injection.
type InjectionRecord struct {
	FilesShown   int   `json:"files_shown"`
	FilesOmitted int   `json:"files_omitted,omitempty"`
	BytesShown   int64 `json:"bytes_shown"`
	BytesOmitted int64 `json:"bytes_omitted,omitempty"`
	Truncated    bool  `json:"truncated,omitempty"`
}

// LoopState tracks an in-progress or finished loop step.
type LoopState struct {
	Iteration         int                      `json:"iteration"`
	Total             int                      `json:"total,omitempty"`
	StartedAt         time.Time                `json:"started_at"`
	Iterations        []IterationRecord        `json:"iterations,omitempty"`
	TerminationReason schema.TerminationReason `json:"termination_reason,omitempty"`
	Summary           *LoopSummary             `json:"summary,omitempty"`
}

// IterationRecord captures one loop iteration's outcome.
type IterationRecord struct {
	Index      int               `json:"index"`
	Item       any               `json:"item,omitempty"`
	Status     schema.StepStatus `json:"status"`
	ExitCode   *int              `json:"exit_code,omitempty"`
	DurationMs int64             `json:"duration_ms"`
	Error      string            `json:"error,omitempty"`
}

// LoopSummary is exposed to later steps after a loop completes.
// Completed + Failed + Skipped always equals Total.
type LoopSummary struct {
	Total       int     `json:"total"`
	Completed   int     `json:"completed"`
	Failed      int     `json:"failed"`
	Skipped     int     `json:"skipped"`
	SuccessRate float64 `json:"success_rate"`
}

// ErrorRecord is the serializable form of an engine error.
type ErrorRecord struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Step    string         `json:"step,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// RecordError converts an engine error for persistence.
func RecordError(err error) *ErrorRecord {
	if err == nil {
		return nil
	}
	if ee, ok := err.(*schema.EngineError); ok {
		return &ErrorRecord{Code: ee.Code, Message: ee.Message, Step: ee.Step, Details: ee.Details}
	}
	return &ErrorRecord{Code: schema.ErrCodeExecution, Message: err.Error()}
}

// NewRunState initializes state for a fresh run.
func NewRunState(runID, workflow, checksum, workspace string, ctx map[string]any) *RunState {
	now := time.Now().UTC()
	return &RunState{
		SchemaVersion:    CurrentSchemaVersion,
		RunID:            runID,
		Workflow:         workflow,
		WorkflowChecksum: checksum,
		Workspace:        workspace,
		Status:           schema.RunStatusRunning,
		StartedAt:        now,
		UpdatedAt:        now,
		Context:          ctx,
		Steps:            map[string]*StepResult{},
		Loops:            map[string]*LoopState{},
	}
}
