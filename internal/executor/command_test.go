package executor

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hoidn/BMAD-METHOD/internal/deps"
	"github.com/hoidn/BMAD-METHOD/internal/expressions"
	"github.com/hoidn/BMAD-METHOD/internal/pathsafe"
	"github.com/hoidn/BMAD-METHOD/pkg/schema"
)

func newTestBuilder(t *testing.T, wf *schema.Workflow) (*Builder, string) {
	t.Helper()
	root, err := pathsafe.NewRoot(t.TempDir())
	require.NoError(t, err)
	resolver := expressions.NewResolver()
	return NewBuilder(wf, root, resolver, deps.NewValidator(root, resolver)), root.Dir()
}

func buildScope() *expressions.Scope {
	return &expressions.Scope{
		Run:     expressions.RunScope{ID: "r1", Workspace: "/w"},
		Context: map[string]any{"name": "world"},
		Steps:   map[string]*expressions.StepValues{},
	}
}

func TestBuilder_Command(t *testing.T) {
	b, dir := newTestBuilder(t, &schema.Workflow{Name: "w"})

	t.Run("argv substitution", func(t *testing.T) {
		step := &schema.Step{Name: "greet", Command: []string{"echo", "hello ${context.name}"}}
		inv, err := b.Build(step, buildScope(), nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"echo", "hello world"}, inv.Argv)
		assert.Equal(t, DefaultTimeout, inv.Timeout)
		assert.False(t, inv.Provider)
		assert.Nil(t, inv.Stdin)
	})

	t.Run("undefined variable fails build", func(t *testing.T) {
		step := &schema.Step{Name: "bad", Command: []string{"echo", "${context.absent}"}}
		_, err := b.Build(step, buildScope(), nil)
		require.Error(t, err)
		var ee *schema.EngineError
		require.ErrorAs(t, err, &ee)
		assert.Equal(t, schema.ErrCodeVariable, ee.Code)
		assert.Equal(t, "bad", ee.Step)
	})

	t.Run("input file becomes stdin", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "in.txt"), []byte("stdin ${not.resolved}"), 0o644))
		step := &schema.Step{Name: "feed", Command: []string{"cat"}, InputFile: "in.txt"}
		inv, err := b.Build(step, buildScope(), nil)
		require.NoError(t, err)
		// File contents are passed through without substitution.
		assert.Equal(t, "stdin ${not.resolved}", string(inv.Stdin))
	})

	t.Run("input file outside workspace rejected", func(t *testing.T) {
		step := &schema.Step{Name: "leak", Command: []string{"cat"}, InputFile: "../outside.txt"}
		_, err := b.Build(step, buildScope(), nil)
		assert.Error(t, err)
	})

	t.Run("timeout parsed", func(t *testing.T) {
		step := &schema.Step{Name: "slow", Command: []string{"sleep"}, Timeout: "45s"}
		inv, err := b.Build(step, buildScope(), nil)
		require.NoError(t, err)
		assert.Equal(t, 45*time.Second, inv.Timeout)
	})

	t.Run("bad timeout rejected", func(t *testing.T) {
		step := &schema.Step{Name: "odd", Command: []string{"true"}, Timeout: "soon"}
		_, err := b.Build(step, buildScope(), nil)
		assert.Error(t, err)
	})
}

func TestBuilder_Env(t *testing.T) {
	t.Setenv("BMAD_TEST_SECRET", "tok-12345")
	t.Setenv("BMAD_TEST_OTHER", "leaky")

	wf := &schema.Workflow{Name: "w", Secrets: []string{"BMAD_TEST_SECRET"}}
	b, _ := newTestBuilder(t, wf)

	step := &schema.Step{
		Name:    "envy",
		Command: []string{"env"},
		Env:     map[string]string{"GREETING": "hi ${context.name}"},
	}
	inv, err := b.Build(step, buildScope(), nil)
	require.NoError(t, err)

	assert.Contains(t, inv.Env, "GREETING=hi world")
	assert.Contains(t, inv.Env, "BMAD_TEST_SECRET=tok-12345")
	for _, kv := range inv.Env {
		assert.False(t, strings.HasPrefix(kv, "BMAD_TEST_OTHER="), "unlisted env var leaked: %s", kv)
	}
}

func TestBuilder_Provider(t *testing.T) {
	wf := &schema.Workflow{
		Name: "w",
		Providers: map[string]schema.ProviderTemplate{
			"argvp": {
				Command: []string{"shim", "--model", "{{params.MODEL}}", "{{PROMPT}}"},
				Params:  map[string]string{"MODEL": "base"},
			},
			"stdinp": {
				Command:   []string{"shim", "--read-stdin", "{{PROMPT}}"},
				Transport: schema.TransportStdin,
			},
			"noprompt": {
				Command: []string{"shim"},
			},
		},
	}
	b, dir := newTestBuilder(t, wf)

	t.Run("argv transport places prompt as one element", func(t *testing.T) {
		step := &schema.Step{
			Name:     "ask",
			Provider: &schema.ProviderInvocation{Name: "argvp", Prompt: "summarize ${context.name} files"},
		}
		inv, err := b.Build(step, buildScope(), nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"shim", "--model", "base", "summarize world files"}, inv.Argv)
		assert.True(t, inv.Provider)
		assert.Nil(t, inv.Stdin)
	})

	t.Run("step params override template defaults", func(t *testing.T) {
		step := &schema.Step{
			Name: "ask2",
			Provider: &schema.ProviderInvocation{
				Name:   "argvp",
				Prompt: "p",
				Params: map[string]string{"MODEL": "fancy"},
			},
		}
		inv, err := b.Build(step, buildScope(), nil)
		require.NoError(t, err)
		assert.Contains(t, inv.Argv, "fancy")
		assert.NotContains(t, inv.Argv, "base")
	})

	t.Run("stdin transport drops placeholder", func(t *testing.T) {
		step := &schema.Step{
			Name:     "ask3",
			Provider: &schema.ProviderInvocation{Name: "stdinp", Prompt: "the prompt"},
		}
		inv, err := b.Build(step, buildScope(), nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"shim", "--read-stdin"}, inv.Argv)
		assert.Equal(t, "the prompt", string(inv.Stdin))
	})

	t.Run("prompt file", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "prompt.md"), []byte("from file ${context.name}"), 0o644))
		step := &schema.Step{
			Name:     "ask4",
			Provider: &schema.ProviderInvocation{Name: "stdinp", PromptFile: "prompt.md"},
		}
		inv, err := b.Build(step, buildScope(), nil)
		require.NoError(t, err)
		assert.Equal(t, "from file world", string(inv.Stdin))
	})

	t.Run("prompt and prompt_file are exclusive", func(t *testing.T) {
		step := &schema.Step{
			Name:     "ask5",
			Provider: &schema.ProviderInvocation{Name: "stdinp", Prompt: "a", PromptFile: "prompt.md"},
		}
		_, err := b.Build(step, buildScope(), nil)
		assert.Error(t, err)
	})

	t.Run("argv transport without token rejected", func(t *testing.T) {
		step := &schema.Step{
			Name:     "ask6",
			Provider: &schema.ProviderInvocation{Name: "noprompt", Prompt: "p"},
		}
		_, err := b.Build(step, buildScope(), nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "{{PROMPT}}")
	})

	t.Run("unknown provider", func(t *testing.T) {
		step := &schema.Step{
			Name:     "ask7",
			Provider: &schema.ProviderInvocation{Name: "ghost", Prompt: "p"},
		}
		_, err := b.Build(step, buildScope(), nil)
		require.Error(t, err)
		var ee *schema.EngineError
		require.ErrorAs(t, err, &ee)
		assert.Equal(t, schema.ErrCodeConfig, ee.Code)
	})
}

func TestBuilder_ProviderDependencyInjection(t *testing.T) {
	wf := &schema.Workflow{
		Name: "w",
		Providers: map[string]schema.ProviderTemplate{
			"p": {Command: []string{"shim", "{{PROMPT}}"}},
		},
	}
	b, dir := newTestBuilder(t, wf)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "docs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "docs", "a.md"), []byte("alpha"), 0o644))

	spec := &schema.DependencySpec{Required: []string{"docs/*.md"}, Inject: schema.InjectList}
	step := &schema.Step{
		Name:      "ask",
		Provider:  &schema.ProviderInvocation{Name: "p", Prompt: "review"},
		DependsOn: spec,
	}

	res := &deps.Resolution{Required: []string{"docs/a.md"}}
	inv, err := b.Build(step, buildScope(), res)
	require.NoError(t, err)
	prompt := inv.Argv[len(inv.Argv)-1]
	assert.Contains(t, prompt, "- docs/a.md")
	assert.Contains(t, prompt, "review")

	require.NotNil(t, inv.Injection)
	assert.Equal(t, 1, inv.Injection.FilesShown)
	assert.False(t, inv.Injection.Truncated)
}

func TestBuilder_ProviderInjectionSummaryContent(t *testing.T) {
	wf := &schema.Workflow{
		Name: "w",
		Providers: map[string]schema.ProviderTemplate{
			"p": {Command: []string{"shim", "{{PROMPT}}"}},
		},
	}
	b, dir := newTestBuilder(t, wf)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("alpha"), 0o644))

	step := &schema.Step{
		Name:      "ask",
		Provider:  &schema.ProviderInvocation{Name: "p", Prompt: "go"},
		DependsOn: &schema.DependencySpec{Required: []string{"a.txt"}, Inject: schema.InjectContent},
	}
	inv, err := b.Build(step, buildScope(), &deps.Resolution{Required: []string{"a.txt"}})
	require.NoError(t, err)

	require.NotNil(t, inv.Injection)
	assert.Equal(t, 1, inv.Injection.FilesShown)
	assert.Equal(t, int64(5), inv.Injection.BytesShown)
	assert.Zero(t, inv.Injection.BytesOmitted)
}

func TestBuilder_NoInjectionMeansNilSummary(t *testing.T) {
	wf := &schema.Workflow{
		Name: "w",
		Providers: map[string]schema.ProviderTemplate{
			"p": {Command: []string{"shim", "{{PROMPT}}"}},
		},
	}
	b, _ := newTestBuilder(t, wf)
	step := &schema.Step{Name: "ask", Provider: &schema.ProviderInvocation{Name: "p", Prompt: "go"}}
	inv, err := b.Build(step, buildScope(), nil)
	require.NoError(t, err)
	assert.Nil(t, inv.Injection)
}
