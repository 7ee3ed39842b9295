// Package executor turns command and provider steps into child processes:
// argv composition, prompt transport, secret-scoped environments, timeouts,
// and retry with backoff.
package executor

import (
	"os"
	"strings"
	"time"

	"github.com/hoidn/BMAD-METHOD/internal/deps"
	"github.com/hoidn/BMAD-METHOD/internal/expressions"
	"github.com/hoidn/BMAD-METHOD/internal/pathsafe"
	"github.com/hoidn/BMAD-METHOD/pkg/schema"
)

// DefaultTimeout bounds a step process when no timeout is declared.
const DefaultTimeout = 300 * time.Second

// Invocation is a fully resolved, ready-to-spawn process description.
type Invocation struct {
	Argv    []string
	Stdin   []byte
	Env     []string
	Timeout time.Duration

	// CaptureName is the base name for spill files, usually the step name.
	CaptureName string

	// Provider marks shim invocations, which follow the shim exit-code
	// contract for retry classification.
	Provider bool

	// Injection records what dependency content injection included and
	// omitted; nil when the step injects nothing.
	Injection *deps.InjectionSummary
}

// Builder composes invocations from step definitions.
type Builder struct {
	wf       *schema.Workflow
	root     *pathsafe.Root
	resolver *expressions.Resolver
	deps     *deps.Validator
}

// NewBuilder creates an invocation builder for one workflow.
func NewBuilder(wf *schema.Workflow, root *pathsafe.Root, resolver *expressions.Resolver, dv *deps.Validator) *Builder {
	return &Builder{wf: wf, root: root, resolver: resolver, deps: dv}
}

// Build composes the invocation for a command or provider step. Dependency
// resolution has already happened; res carries the matches for injection.
func (b *Builder) Build(step *schema.Step, scope *expressions.Scope, res *deps.Resolution) (*Invocation, error) {
	inv := &Invocation{CaptureName: step.Name}

	var err error
	if inv.Timeout, err = parseTimeout(step.Timeout); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfig, "step %s: bad timeout %q", step.Name, step.Timeout).WithStep(step.Name)
	}
	if inv.Env, err = b.buildEnv(step, scope); err != nil {
		return nil, err
	}

	switch step.Kind() {
	case schema.KindCommand:
		if err := b.buildCommand(step, scope, inv); err != nil {
			return nil, err
		}
	case schema.KindProvider:
		if err := b.buildProvider(step, scope, res, inv); err != nil {
			return nil, err
		}
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %s is not executable", step.Name).WithStep(step.Name)
	}
	return inv, nil
}

func (b *Builder) buildCommand(step *schema.Step, scope *expressions.Scope, inv *Invocation) error {
	argv := make([]string, 0, len(step.Command))
	for _, arg := range step.Command {
		resolved, err := b.resolver.Resolve(arg, scope)
		if err != nil {
			return wrapStep(err, step.Name)
		}
		argv = append(argv, resolved)
	}
	if len(argv) == 0 || argv[0] == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "step %s: empty command", step.Name).WithStep(step.Name)
	}
	inv.Argv = argv

	if step.InputFile != "" {
		data, err := b.readWorkspaceFile(step.InputFile, scope)
		if err != nil {
			return wrapStep(err, step.Name)
		}
		inv.Stdin = data
	}
	return nil
}

func (b *Builder) buildProvider(step *schema.Step, scope *expressions.Scope, res *deps.Resolution, inv *Invocation) error {
	pi := step.Provider
	tmpl, ok := b.wf.Providers[pi.Name]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeConfig, "step %s: unknown provider %q", step.Name, pi.Name).WithStep(step.Name)
	}

	prompt, injected, err := b.composePrompt(step, scope, res)
	if err != nil {
		return err
	}
	inv.Injection = injected

	// Template defaults first, step overrides on top. Values are resolved
	// so parameters can reference run variables.
	params := map[string]string{}
	for k, v := range tmpl.Params {
		params[k] = v
	}
	for k, v := range pi.Params {
		params[k] = v
	}
	for k, v := range params {
		if params[k], err = b.resolver.Resolve(v, scope); err != nil {
			return wrapStep(err, step.Name)
		}
	}

	transport := tmpl.Transport
	if transport == "" {
		transport = schema.TransportArgv
	}

	argv := make([]string, 0, len(tmpl.Command))
	promptPlaced := false
	for _, arg := range tmpl.Command {
		if arg == schema.PromptPlaceholder {
			if transport == schema.TransportArgv {
				argv = append(argv, prompt)
				promptPlaced = true
			}
			// stdin transport drops the placeholder element
			continue
		}
		expanded := expandParams(arg, params)
		resolved, err := b.resolver.Resolve(expanded, scope)
		if err != nil {
			return wrapStep(err, step.Name)
		}
		argv = append(argv, resolved)
	}
	if len(argv) == 0 || argv[0] == "" {
		return schema.NewErrorf(schema.ErrCodeConfig, "provider %q has an empty command template", pi.Name).WithStep(step.Name)
	}

	switch transport {
	case schema.TransportArgv:
		if !promptPlaced {
			return schema.NewErrorf(schema.ErrCodeConfig,
				"provider %q uses argv transport but its template has no %s token", pi.Name, schema.PromptPlaceholder).WithStep(step.Name)
		}
	case schema.TransportStdin:
		inv.Stdin = []byte(prompt)
	default:
		return schema.NewErrorf(schema.ErrCodeConfig, "provider %q: unknown transport %q", pi.Name, transport).WithStep(step.Name)
	}

	inv.Argv = argv
	inv.Provider = true
	return nil
}

// composePrompt resolves the step's prompt text (inline or from a file) and
// applies dependency injection to it. The summary reports what injection
// included and truncated; it is nil when nothing was injected.
func (b *Builder) composePrompt(step *schema.Step, scope *expressions.Scope, res *deps.Resolution) (string, *deps.InjectionSummary, error) {
	pi := step.Provider
	var prompt string
	switch {
	case pi.Prompt != "" && pi.PromptFile != "":
		return "", nil, schema.NewErrorf(schema.ErrCodeValidation, "step %s: prompt and prompt_file are mutually exclusive", step.Name).WithStep(step.Name)
	case pi.Prompt != "":
		prompt = pi.Prompt
	case pi.PromptFile != "":
		data, err := b.readWorkspaceFile(pi.PromptFile, scope)
		if err != nil {
			return "", nil, wrapStep(err, step.Name)
		}
		prompt = string(data)
	}

	prompt, err := b.resolver.Resolve(prompt, scope)
	if err != nil {
		return "", nil, wrapStep(err, step.Name)
	}

	if step.DependsOn != nil && res != nil {
		injected, summary, err := b.deps.Inject(prompt, step.DependsOn, res)
		if err != nil {
			return "", nil, wrapStep(err, step.Name)
		}
		return injected, summary, nil
	}
	return prompt, nil, nil
}

// buildEnv assembles the child environment: a minimal base, resolved step
// env vars, and only the allowlisted secret names. Nothing else from the
// parent environment leaks through.
func (b *Builder) buildEnv(step *schema.Step, scope *expressions.Scope) ([]string, error) {
	env := []string{}
	for _, name := range []string{"PATH", "HOME", "LANG", "TMPDIR", "TZ"} {
		if v, ok := os.LookupEnv(name); ok {
			env = append(env, name+"="+v)
		}
	}

	for k, v := range step.Env {
		resolved, err := b.resolver.Resolve(v, scope)
		if err != nil {
			return nil, wrapStep(err, step.Name)
		}
		env = append(env, k+"="+resolved)
	}

	allowed := append(append([]string{}, b.wf.Secrets...), step.Secrets...)
	for _, name := range allowed {
		if v, ok := os.LookupEnv(name); ok {
			env = append(env, name+"="+v)
		}
	}
	return env, nil
}

func (b *Builder) readWorkspaceFile(rel string, scope *expressions.Scope) ([]byte, error) {
	resolved, err := b.resolver.Resolve(rel, scope)
	if err != nil {
		return nil, err
	}
	abs, err := b.root.Resolve(resolved)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "read %q: %s", resolved, err.Error()).WithCause(err)
	}
	return data, nil
}

// expandParams replaces {{params.NAME}} tokens with merged parameter values.
func expandParams(s string, params map[string]string) string {
	if !strings.Contains(s, "{{params.") {
		return s
	}
	for k, v := range params {
		s = strings.ReplaceAll(s, "{{params."+k+"}}", v)
	}
	return s
}

func parseTimeout(s string) (time.Duration, error) {
	if s == "" {
		return DefaultTimeout, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, schema.NewErrorf(schema.ErrCodeConfig, "invalid timeout %q", s)
	}
	return d, nil
}

func wrapStep(err error, step string) error {
	if ee, ok := err.(*schema.EngineError); ok && ee.Step == "" {
		return ee.WithStep(step)
	}
	return err
}
