package workflow

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hoidn/BMAD-METHOD/pkg/schema"
)

const validWorkflow = `
name: demo
version: "1.0"
providers:
  claude:
    command: ["claude-shim", "--model", "{{params.MODEL}}", "{{PROMPT}}"]
    params:
      MODEL: base
context:
  env: test
secrets:
  - API_TOKEN
steps:
  - name: greet
    command: ["echo", "hello ${context.env}"]
    timeout: 30s
  - name: ask
    provider:
      name: claude
      prompt: "summarize"
    on:
      failure:
        goto: cleanup
  - name: cleanup
    command: ["rm", "-f", "tmp.txt"]
`

func TestParse_Valid(t *testing.T) {
	wf, err := Parse([]byte(validWorkflow))
	require.NoError(t, err)
	assert.Equal(t, "demo", wf.Name)
	assert.Len(t, wf.Steps, 3)
	assert.True(t, wf.Strict())
	assert.Len(t, wf.Checksum, 64)
	assert.Equal(t, []string{"API_TOKEN"}, wf.Secrets)

	require.Contains(t, wf.Providers, "claude")
	assert.Equal(t, schema.KindCommand, wf.Steps[0].Kind())
	assert.Equal(t, schema.KindProvider, wf.Steps[1].Kind())
}

func TestParse_ChecksumIsStable(t *testing.T) {
	a, err := Parse([]byte(validWorkflow))
	require.NoError(t, err)
	b, err := Parse([]byte(validWorkflow))
	require.NoError(t, err)
	assert.Equal(t, a.Checksum, b.Checksum)

	c, err := Parse([]byte(validWorkflow + "\n# trailing comment\n"))
	require.NoError(t, err)
	assert.NotEqual(t, a.Checksum, c.Checksum)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wf.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validWorkflow), 0o644))

	wf, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "demo", wf.Name)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
	var ee *schema.EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, schema.ErrCodeConfig, ee.Code)
}

func TestParse_SchemaViolations(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"not yaml", ":\n  - ["},
		{"missing name", "steps:\n  - name: a\n    command: [\"true\"]\n"},
		{"missing steps", "name: w\n"},
		{"unknown top level field", "name: w\nsurprise: 1\nsteps:\n  - name: a\n    command: [\"true\"]\n"},
		{"unknown step field", "name: w\nsteps:\n  - name: a\n    command: [\"true\"]\n    shell: bash\n"},
		{"bad timeout format", "name: w\nsteps:\n  - name: a\n    command: [\"true\"]\n    timeout: soon\n"},
		{"step without name", "name: w\nsteps:\n  - command: [\"true\"]\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestParse_SemanticViolations(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			"duplicate step names",
			"name: w\nsteps:\n  - name: a\n    command: [\"true\"]\n  - name: a\n    command: [\"true\"]\n",
			"duplicate",
		},
		{
			"reserved step name",
			"name: w\nsteps:\n  - name: _end\n    command: [\"true\"]\n",
			"reserved",
		},
		{
			"two kinds on one step",
			"name: w\nsteps:\n  - name: a\n    command: [\"true\"]\n    wait_for:\n      pattern: \"*.txt\"\n",
			"exactly one",
		},
		{
			"unknown provider reference",
			"name: w\nsteps:\n  - name: a\n    provider:\n      name: ghost\n      prompt: p\n",
			"provider",
		},
		{
			"prompt and prompt_file together",
			"name: w\nproviders:\n  p:\n    command: [\"shim\", \"{{PROMPT}}\"]\nsteps:\n  - name: a\n    provider:\n      name: p\n      prompt: x\n      prompt_file: y.md\n",
			"mutually exclusive",
		},
		{
			"for_each items and source together",
			"name: w\nsteps:\n  - name: a\n    for_each:\n      items: [1]\n      source: steps.x.json.files\n      steps:\n        - name: b\n          command: [\"true\"]\n",
			"items",
		},
		{
			"goto unknown target",
			"name: w\nsteps:\n  - name: a\n    command: [\"true\"]\n    on:\n      success:\n        goto: nowhere\n",
			"nowhere",
		},
		{
			"goto into loop body",
			"name: w\nsteps:\n  - name: a\n    command: [\"true\"]\n    on:\n      success:\n        goto: inner\n  - name: loop\n    for_each:\n      items: [1]\n      steps:\n        - name: inner\n          command: [\"true\"]\n",
			"inner",
		},
		{
			"loop_break outside loop",
			"name: w\nsteps:\n  - name: a\n    command: [\"true\"]\n    on:\n      success:\n        goto: _loop_break\n",
			"_loop_break",
		},
		{
			"transition with goto and end",
			"name: w\nsteps:\n  - name: a\n    command: [\"true\"]\n    on:\n      success:\n        goto: a\n        end: true\n",
			"",
		},
		{
			"argv provider without prompt token",
			"name: w\nproviders:\n  p:\n    command: [\"shim\"]\nsteps:\n  - name: a\n    provider:\n      name: p\n      prompt: x\n",
			"{{PROMPT}}",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			if tt.want != "" {
				assert.Contains(t, err.Error(), tt.want)
			}
		})
	}
}

func TestParse_LoopBodies(t *testing.T) {
	const yaml = `
name: loops
steps:
  - name: fan
    for_each:
      items: ["a", "b"]
      item_name: file
      parallel: true
      max_workers: 2
      steps:
        - name: work
          command: ["echo", "${file}"]
          on:
            failure:
              goto: _loop_continue
  - name: poll
    while:
      condition:
        file_exists: keep-going
      max_iterations: 10
      steps:
        - name: tick
          command: ["date"]
  - name: wait
    wait_for:
      pattern: "out/*.json"
      min_count: 2
      timeout: 10s
`
	wf, err := Parse([]byte(yaml))
	require.NoError(t, err)
	require.Len(t, wf.Steps, 3)
	assert.Equal(t, schema.KindForEach, wf.Steps[0].Kind())
	assert.Equal(t, schema.KindWhile, wf.Steps[1].Kind())
	assert.Equal(t, schema.KindWaitFor, wf.Steps[2].Kind())
	assert.Equal(t, "file", wf.Steps[0].ForEach.ItemName)
	assert.Equal(t, 10, wf.Steps[1].While.MaxIterations)
	assert.Equal(t, 2, wf.Steps[2].WaitFor.MinCount)
}
