package expressions

import (
	"time"

	"github.com/hoidn/BMAD-METHOD/pkg/schema"
)

// Scope holds all data available for variable resolution during one step
// attempt. Namespaces are explicit: a reference always names its namespace
// (loop item name, "loop", "steps", "context", "run"); names never shadow
// across namespaces.
type Scope struct {
	Run     RunScope
	Context map[string]any
	Steps   map[string]*StepValues
	Loop    *LoopScope // nil outside loop bodies
}

// RunScope exposes run-level variables (run.id, run.timestamp_utc, run.workspace).
type RunScope struct {
	ID           string
	TimestampUTC string
	Workspace    string
}

// StepValues is the slice of a completed step's result visible to variable
// resolution: steps.<name>.exit_code|output|lines|json|duration. ExitCode is
// nil for steps that never spawned a process (dependency, variable, or path
// failures), and such steps never count as OK.
type StepValues struct {
	Status     schema.StepStatus
	ExitCode   *int
	Output     string
	Lines      []string
	JSON       any
	DurationMs int64
}

// OK reports whether the step ran (or was skipped) with exit code zero.
func (sv *StepValues) OK() bool {
	return sv.ExitCode != nil && *sv.ExitCode == 0
}

// LoopScope holds the variables of the current loop iteration. ItemName is
// the binding name for the current item ("item" unless the loop renames it).
type LoopScope struct {
	ItemName  string
	Item      any
	Index     int // 0-based
	Total     int // for_each only; 0 for while
	Iteration int // 1-based
	Started   time.Time
}

// Elapsed returns whole seconds since the loop started.
func (l *LoopScope) Elapsed() int64 {
	if l.Started.IsZero() {
		return 0
	}
	return int64(time.Since(l.Started).Seconds())
}

// WithLoop returns a shallow copy of the scope bound to the given loop
// iteration. The parent scope is not mutated, so parallel iterations can
// each hold their own copy.
func (s *Scope) WithLoop(loop *LoopScope) *Scope {
	cp := *s
	cp.Loop = loop
	return &cp
}

// WithSteps returns a shallow copy of the scope with an isolated step-result
// view. Loop bodies use this so iteration-local results do not leak between
// iterations.
func (s *Scope) WithSteps(steps map[string]*StepValues) *Scope {
	cp := *s
	cp.Steps = steps
	return &cp
}
