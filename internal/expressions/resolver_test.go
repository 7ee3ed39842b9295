package expressions

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hoidn/BMAD-METHOD/pkg/schema"
)

func exitCode(n int) *int { return &n }

func testScope() *Scope {
	return &Scope{
		Run: RunScope{
			ID:           "run-42",
			TimestampUTC: "2026-08-30T12:00:00Z",
			Workspace:    "/work",
		},
		Context: map[string]any{
			"name":   "world",
			"nested": map[string]any{"key": "deep"},
		},
		Steps: map[string]*StepValues{
			"scan": {
				Status:     schema.StepStatusCompleted,
				ExitCode:   exitCode(0),
				Output:     "3 files",
				Lines:      []string{"a.go", "b.go", "c.go"},
				JSON:       map[string]any{"count": float64(3), "files": []any{"a.go"}},
				DurationMs: 120,
			},
		},
	}
}

func TestResolver_Resolve(t *testing.T) {
	r := NewResolver()
	scope := testScope()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain text untouched", "hello world", "hello world"},
		{"context value", "hello ${context.name}", "hello world"},
		{"nested context", "${context.nested.key}", "deep"},
		{"run id", "run=${run.id}", "run=run-42"},
		{"run timestamp", "${run.timestamp_utc}", "2026-08-30T12:00:00Z"},
		{"run workspace", "${run.workspace}", "/work"},
		{"step output", "${steps.scan.output}", "3 files"},
		{"step exit code", "rc=${steps.scan.exit_code}", "rc=0"},
		{"step duration", "${steps.scan.duration}", "120"},
		{"step json pointer", "${steps.scan.json.count}", "3"},
		{"lines join with newlines", "${steps.scan.lines}", "a.go\nb.go\nc.go"},
		{"dollar escape", "cost: $$5", "cost: $5"},
		{"double brace passthrough", "tpl ${{params.MODEL}} end", "tpl ${{params.MODEL}} end"},
		{"bare dollar literal", "a$b", "a$b"},
		{"adjacent references", "${context.name}${run.id}", "worldrun-42"},
		{"whitespace inside braces", "${ context.name }", "world"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Resolve(tt.input, scope)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolver_ResolveErrors(t *testing.T) {
	r := NewResolver()
	scope := testScope()

	tests := []struct {
		name  string
		input string
	}{
		{"unknown namespace", "${bogus.thing}"},
		{"missing context key", "${context.absent}"},
		{"missing step", "${steps.nope.output}"},
		{"unknown step field", "${steps.scan.stdout}"},
		{"missing json path", "${steps.scan.json.absent}"},
		{"loop outside loop", "${loop.index}"},
		{"empty reference", "${}"},
		{"unclosed reference", "${context.name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Resolve(tt.input, scope)
			require.Error(t, err)
			var ee *schema.EngineError
			require.ErrorAs(t, err, &ee)
			assert.Equal(t, schema.ErrCodeVariable, ee.Code)
		})
	}
}

func TestResolver_StepWithoutExitCode(t *testing.T) {
	r := NewResolver()
	scope := testScope()
	scope.Steps["broken"] = &StepValues{Status: schema.StepStatusFailed}

	_, err := r.Resolve("rc=${steps.broken.exit_code}", scope)
	require.Error(t, err)
	var ee *schema.EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, schema.ErrCodeVariable, ee.Code)
}

func TestResolver_OutputDerivedFromLines(t *testing.T) {
	r := NewResolver()
	scope := testScope()
	scope.Steps["listing"] = &StepValues{
		Status:   schema.StepStatusCompleted,
		ExitCode: exitCode(0),
		Lines:    []string{"one", "two"},
	}

	got, err := r.Resolve("${steps.listing.output}", scope)
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo", got)
}

func TestResolver_ResolveAllowMissing(t *testing.T) {
	r := NewResolver()
	got, err := r.ResolveAllowMissing("x=${context.absent};y=${context.name}", testScope())
	require.NoError(t, err)
	assert.Equal(t, "x=;y=world", got)
}

func TestResolver_LoopScope(t *testing.T) {
	r := NewResolver()
	scope := testScope().WithLoop(&LoopScope{
		ItemName:  "item",
		Item:      map[string]any{"path": "x.txt"},
		Index:     2,
		Total:     5,
		Iteration: 3,
		Started:   time.Now(),
	})

	got, err := r.Resolve("${item.path} ${loop.index}/${loop.total} iter=${loop.iteration}", scope)
	require.NoError(t, err)
	assert.Equal(t, "x.txt 2/5 iter=3", got)

	// The binding name follows item_name.
	scope = testScope().WithLoop(&LoopScope{ItemName: "file", Item: "a.go", Index: 0, Total: 1, Iteration: 1})
	got, err = r.Resolve("${file}", scope)
	require.NoError(t, err)
	assert.Equal(t, "a.go", got)

	// The default name is not bound when renamed.
	_, err = r.Resolve("${item}", scope)
	require.Error(t, err)
}

func TestResolver_ResolveSlice(t *testing.T) {
	r := NewResolver()
	got, err := r.ResolveSlice([]string{"echo", "${context.name}"}, testScope())
	require.NoError(t, err)
	assert.Equal(t, []string{"echo", "world"}, got)

	_, err = r.ResolveSlice([]string{"ok", "${context.absent}"}, testScope())
	require.Error(t, err)
}

func TestResolver_ResolveExprOperands(t *testing.T) {
	r := NewResolver()
	scope := testScope()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"string quoted", `${context.name} == "world"`, `"world" == "world"`},
		{"number raw", "${steps.scan.json.count} > 2", "3 > 2"},
		{"exit code raw", "${steps.scan.exit_code} == 0", "0 == 0"},
		{"lines as list", `"a.go" in ${steps.scan.lines}`, `"a.go" in ["a.go", "b.go", "c.go"]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.ResolveExprOperands(tt.input, scope)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolver_Lookup(t *testing.T) {
	r := NewResolver()
	val, err := r.Lookup("steps.scan.json.files", testScope())
	require.NoError(t, err)
	assert.Equal(t, []any{"a.go"}, val)

	_, err = r.Lookup("steps.scan.json.absent", testScope())
	require.Error(t, err)
}
