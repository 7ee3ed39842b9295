// Package engine drives workflow runs: it sequences steps, evaluates when
// gates, routes transitions, executes loops, and persists state after every
// step attempt so an interrupted run can resume.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hoidn/BMAD-METHOD/internal/audit"
	"github.com/hoidn/BMAD-METHOD/internal/conditions"
	"github.com/hoidn/BMAD-METHOD/internal/deps"
	"github.com/hoidn/BMAD-METHOD/internal/executor"
	"github.com/hoidn/BMAD-METHOD/internal/expressions"
	"github.com/hoidn/BMAD-METHOD/internal/logging"
	"github.com/hoidn/BMAD-METHOD/internal/output"
	"github.com/hoidn/BMAD-METHOD/internal/pathsafe"
	"github.com/hoidn/BMAD-METHOD/internal/state"
	"github.com/hoidn/BMAD-METHOD/pkg/schema"
)

// signal is the control-flow result of executing a step list.
type signal int

const (
	sigNone   signal = iota // keep executing the current list
	sigDone                 // list fell off the end
	sigEnd                  // explicit successful termination
	sigStop                 // terminal outcome recorded in e.term
	sigBreak                // exit the enclosing loop
	sigContinue             // skip to the next iteration of the enclosing loop
	sigFailed               // a loop-body step failed with no handler
)

// terminal captures how a run ends when it does not complete normally.
type terminal struct {
	run   schema.RunStatus
	final schema.FinalStatus
	err   *schema.EngineError
}

// Engine executes one workflow run at a time. Top-level sequencing is
// single-threaded; the only concurrency is parallel for_each iterations on
// a bounded worker pool.
type Engine struct {
	wf     *schema.Workflow
	root   *pathsafe.Root
	store  *state.Store
	logger *slog.Logger
	masker *logging.Masker

	resolver *expressions.Resolver
	conds    *conditions.Evaluator
	depsV    *deps.Validator
	builder  *executor.Builder
	procs    *executor.Runner

	cancelled atomic.Bool

	mu       sync.Mutex
	st       *state.RunState
	events   *audit.Log
	fsm      *fsm
	spillDir string
	runScope expressions.RunScope
	term     *terminal
}

// New wires an engine for one loaded workflow rooted at the workspace.
func New(wf *schema.Workflow, root *pathsafe.Root, store *state.Store, logger *slog.Logger, masker *logging.Masker) *Engine {
	resolver := expressions.NewResolver()
	exprs := expressions.NewExprEngine()
	depsV := deps.NewValidator(root, resolver)
	return &Engine{
		wf:       wf,
		root:     root,
		store:    store,
		logger:   logger,
		masker:   masker,
		resolver: resolver,
		conds:    conditions.NewEvaluator(resolver, exprs, root),
		depsV:    depsV,
		builder:  executor.NewBuilder(wf, root, resolver, depsV),
		procs:    executor.NewRunner(root, masker, logger),
	}
}

// Cancel requests cooperative cancellation. It is checked between steps and
// between loop iterations; an in-flight process finishes under its normal
// timeout handling.
func (e *Engine) Cancel() { e.cancelled.Store(true) }

// Run starts a fresh run and drives it to a final status. initialCtx
// overrides same-named keys from the workflow's declared context.
func (e *Engine) Run(ctx context.Context, initialCtx map[string]any) (schema.FinalStatus, string, error) {
	merged := map[string]any{}
	for k, v := range e.wf.Context {
		merged[k] = v
	}
	for k, v := range initialCtx {
		merged[k] = v
	}

	runID := uuid.NewString()
	st := state.NewRunState(runID, e.wf.Name, e.wf.Checksum, e.root.Dir(), merged)
	final, err := e.drive(ctx, st, false)
	return final, runID, err
}

// Resume continues a previously persisted run. Completed steps whose
// fingerprints still match are not re-executed.
func (e *Engine) Resume(ctx context.Context, runID string) (schema.FinalStatus, error) {
	st, err := e.store.Load(runID)
	if err != nil {
		return schema.FinalError, err
	}
	if e.wf.Checksum != "" && st.WorkflowChecksum != "" && st.WorkflowChecksum != e.wf.Checksum {
		return schema.FinalError, schema.NewErrorf(schema.ErrCodeConfig,
			"workflow changed since run %s started (checksum mismatch)", runID)
	}

	switch st.Status {
	case schema.RunStatusCompleted:
		return schema.FinalSuccess, nil
	case schema.RunStatusCancelled:
		return schema.FinalCancelled, nil
	case schema.RunStatusError:
		return schema.FinalError, schema.NewErrorf(schema.ErrCodeState,
			"run %s ended with an error and cannot be resumed", runID)
	case schema.RunStatusFailed:
		st.Status = schema.RunStatusRunning
		st.Error = nil
	}
	return e.drive(ctx, st, true)
}

func (e *Engine) drive(ctx context.Context, st *state.RunState, resumed bool) (schema.FinalStatus, error) {
	ctx = logging.WithRunID(ctx, st.RunID)

	runDir, err := e.store.RunDir(st.RunID)
	if err != nil {
		return schema.FinalError, err
	}
	lock, err := state.AcquireLock(runDir)
	if err != nil {
		return schema.FinalError, err
	}
	defer lock.Release()

	if e.spillDir, err = e.store.SpillDir(st.RunID); err != nil {
		return schema.FinalError, err
	}
	events, err := audit.Open(ctx, runDir, st.RunID)
	if err != nil {
		return schema.FinalError, err
	}
	defer events.Close()

	e.st = st
	e.events = events
	e.fsm = &fsm{events: events}
	e.term = nil
	e.runScope = expressions.RunScope{
		ID:           st.RunID,
		TimestampUTC: st.StartedAt.UTC().Format(time.RFC3339),
		Workspace:    e.root.Dir(),
	}

	eventType := audit.EventRunStarted
	if resumed {
		eventType = audit.EventRunResumed
	}
	if err := events.Append(ctx, eventType, "", map[string]any{"workflow": e.wf.Name}); err != nil {
		return schema.FinalError, err
	}
	if err := e.store.Save(st); err != nil {
		return schema.FinalError, err
	}

	e.logger.InfoContext(ctx, "run starting",
		slog.String("workflow", e.wf.Name),
		slog.Bool("resumed", resumed))

	// Top-level step results are visible to later variable references.
	vals := map[string]*expressions.StepValues{}
	for name, r := range st.Steps {
		if !strings.Contains(name, ".") && r.Status == schema.StepStatusCompleted {
			vals[name] = stepValues(r)
		}
	}

	sig, runErr := e.executeList(ctx, e.wf.Steps, "", nil, vals)
	return e.finish(ctx, sig, runErr)
}

func (e *Engine) finish(ctx context.Context, sig signal, runErr error) (schema.FinalStatus, error) {
	var t terminal
	switch {
	case runErr != nil:
		t = terminal{run: schema.RunStatusError, final: schema.FinalError, err: asEngineError(runErr)}
	case sig == sigDone || sig == sigEnd:
		t = terminal{run: schema.RunStatusCompleted, final: schema.FinalSuccess}
	case sig == sigStop && e.term != nil:
		t = *e.term
	default:
		t = terminal{run: schema.RunStatusError, final: schema.FinalError,
			err: schema.NewError(schema.ErrCodeTransition, "run ended without a terminal outcome")}
	}

	e.mu.Lock()
	_ = e.fsm.runTransition(ctx, e.st.Status, t.run)
	e.st.Status = t.run
	if t.err != nil {
		e.st.Error = state.RecordError(t.err)
	}
	saveErr := e.store.Save(e.st)
	e.mu.Unlock()

	_ = e.events.Append(ctx, audit.EventRunFinished, "", map[string]any{
		"status": string(t.run), "exit_code": t.final.ExitCode(),
	})
	e.logger.InfoContext(ctx, "run finished",
		slog.String("status", string(t.run)),
		slog.Int("exit_code", t.final.ExitCode()))

	if saveErr != nil {
		return schema.FinalError, saveErr
	}
	if t.err != nil {
		return t.final, t.err
	}
	return t.final, nil
}

// executeList runs one step list to a control-flow boundary. prefix
// namespaces persisted step keys (loop iterations get isolated prefixes);
// loop is non-nil inside loop bodies; vals is the step-result view visible
// to variable references within this list.
func (e *Engine) executeList(ctx context.Context, steps []schema.Step, prefix string, loop *expressions.LoopScope, vals map[string]*expressions.StepValues) (signal, error) {
	names := make(map[string]int, len(steps))
	for i := range steps {
		names[steps[i].Name] = i
	}
	inLoop := loop != nil

	i := 0
	for i >= 0 && i < len(steps) {
		if e.cancelled.Load() || ctx.Err() != nil {
			e.setTerm(schema.RunStatusCancelled, schema.FinalCancelled,
				schema.NewError(schema.ErrCodeCancelled, "run cancelled"))
			_ = e.events.Append(ctx, audit.EventCancelled, "", nil)
			return sigStop, nil
		}

		step := &steps[i]
		key := prefix + step.Name
		stepCtx := logging.WithStepName(ctx, key)
		scope := e.scope(loop, vals)

		if step.Kind() == schema.KindInvalid {
			e.setTerm(schema.RunStatusError, schema.FinalError,
				schema.NewErrorf(schema.ErrCodeValidation,
					"step %s must declare exactly one execution kind", step.Name).WithStep(step.Name))
			return sigStop, nil
		}

		e.mu.Lock()
		e.st.Cursor = key
		e.mu.Unlock()

		// Resume skip: a completed step with an unchanged fingerprint keeps
		// its recorded result.
		if prior := e.priorResult(key); prior != nil && prior.Status == schema.StepStatusCompleted &&
			prior.Fingerprint != "" && prior.Fingerprint == e.fingerprint(step, scope) {
			vals[step.Name] = stepValues(prior)
			next, sig := e.routeSuccess(stepCtx, step, names, inLoop, i)
			if sig != sigNone {
				return sig, nil
			}
			i = next
			continue
		}

		// when gate: false means skipped with a synthetic success outcome.
		if step.When != nil {
			pass, cerr := e.conds.Evaluate(step.When, scope)
			if cerr != nil {
				res := failedResult(cerr)
				if err := e.saveStep(stepCtx, key, res); err != nil {
					return sigNone, err
				}
				vals[step.Name] = stepValues(res)
				next, sig := e.routeFailure(stepCtx, step, res, names, inLoop, i)
				if sig != sigNone {
					return sig, nil
				}
				i = next
				continue
			}
			if !pass {
				zero := 0
				res := &state.StepResult{Status: schema.StepStatusSkipped, ExitCode: &zero,
					CompletedAt: time.Now().UTC(), Fingerprint: e.fingerprint(step, scope)}
				_ = e.fsm.stepTransition(stepCtx, key, schema.StepStatusPending, schema.StepStatusSkipped)
				if err := e.saveStep(stepCtx, key, res); err != nil {
					return sigNone, err
				}
				vals[step.Name] = stepValues(res)
				next, sig := e.routeSuccess(stepCtx, step, names, inLoop, i)
				if sig != sigNone {
					return sig, nil
				}
				i = next
				continue
			}
		}

		var res *state.StepResult
		var ctrl signal
		var err error
		switch step.Kind() {
		case schema.KindCommand, schema.KindProvider:
			res, err = e.runLeaf(stepCtx, step, key, scope)
		case schema.KindForEach:
			res, ctrl, err = e.runForEach(stepCtx, step, key, scope, vals)
		case schema.KindWhile:
			res, ctrl, err = e.runWhile(stepCtx, step, key, scope, vals)
		case schema.KindWaitFor:
			res, err = e.runWaitFor(stepCtx, step, key, scope)
		}
		if err != nil {
			return sigNone, err
		}

		if err := e.saveStep(stepCtx, key, res); err != nil {
			return sigNone, err
		}
		vals[step.Name] = stepValues(res)

		// A loop body reached an explicit run-level termination.
		if ctrl == sigEnd || ctrl == sigStop {
			return ctrl, nil
		}

		var next int
		var sig signal
		if res.Status == schema.StepStatusCompleted {
			next, sig = e.routeSuccess(stepCtx, step, names, inLoop, i)
		} else {
			next, sig = e.routeFailure(stepCtx, step, res, names, inLoop, i)
		}
		if sig != sigNone {
			return sig, nil
		}
		i = next
	}
	return sigDone, nil
}

// routeSuccess decides where control goes after a successful (or skipped)
// step. Returns the next index, or a non-sigNone signal to unwind.
func (e *Engine) routeSuccess(ctx context.Context, step *schema.Step, names map[string]int, inLoop bool, cur int) (int, signal) {
	if step.On != nil && step.On.Success != nil {
		return e.applyTransition(ctx, step, step.On.Success, names, inLoop, cur)
	}
	return cur + 1, sigNone
}

// routeFailure decides where control goes after a failed step. Without an
// explicit failure transition, strict mode halts the run; non-strict mode
// falls through to the next step.
func (e *Engine) routeFailure(ctx context.Context, step *schema.Step, res *state.StepResult, names map[string]int, inLoop bool, cur int) (int, signal) {
	if step.On != nil && step.On.Failure != nil {
		return e.applyTransition(ctx, step, step.On.Failure, names, inLoop, cur)
	}
	if e.wf.Strict() {
		// Inside a loop body the enclosing loop decides what an unhandled
		// failure means (on_item_failure, join policy); outside, halt.
		if inLoop {
			return 0, sigFailed
		}
		final := schema.FinalHalted
		serr := schema.NewErrorf(schema.ErrCodeTransition,
			"step %s failed with no failure transition in strict mode", step.Name).WithStep(step.Name)
		if res.Error != nil {
			if res.Error.Code == schema.ErrCodeTimeout {
				final = schema.FinalTimeout
			}
			serr = serr.WithDetails(map[string]any{"cause": res.Error.Message, "code": res.Error.Code})
		}
		e.setTerm(schema.RunStatusFailed, final, serr)
		return 0, sigStop
	}
	return cur + 1, sigNone
}

func (e *Engine) applyTransition(ctx context.Context, step *schema.Step, t *schema.Transition, names map[string]int, inLoop bool, cur int) (int, signal) {
	_ = e.events.Append(ctx, audit.EventTransition, step.Name, map[string]any{
		"goto": t.Goto, "end": t.End, "error": t.Error,
	})

	switch {
	case t.Error != "":
		e.setTerm(schema.RunStatusError, schema.FinalError,
			schema.NewErrorf(schema.ErrCodeExecution, "%s", t.Error).WithStep(step.Name))
		return 0, sigStop
	case t.End:
		return 0, sigEnd
	case t.Goto != "":
		switch t.Goto {
		case schema.TargetEnd:
			return 0, sigEnd
		case schema.TargetError:
			e.setTerm(schema.RunStatusError, schema.FinalError,
				schema.NewErrorf(schema.ErrCodeExecution, "step %s routed to error termination", step.Name).WithStep(step.Name))
			return 0, sigStop
		case schema.TargetStart:
			return 0, sigNone
		case schema.TargetLoopBreak:
			if inLoop {
				return 0, sigBreak
			}
			e.haltTransition(step, "_loop_break used outside a loop")
			return 0, sigStop
		case schema.TargetLoopContinue:
			if inLoop {
				return 0, sigContinue
			}
			e.haltTransition(step, "_loop_continue used outside a loop")
			return 0, sigStop
		default:
			if idx, ok := names[t.Goto]; ok {
				return idx, sigNone
			}
			// Goto may only target the current step list; a target outside
			// it (including escaping a loop body) halts the run.
			e.haltTransition(step, "goto target "+t.Goto+" not found in the current step list")
			return 0, sigStop
		}
	}
	return cur + 1, sigNone
}

func (e *Engine) haltTransition(step *schema.Step, msg string) {
	e.setTerm(schema.RunStatusFailed, schema.FinalHalted,
		schema.NewErrorf(schema.ErrCodeTransition, "step %s: %s", step.Name, msg).WithStep(step.Name))
}

// runLeaf executes one command or provider step, including dependency
// validation, retries, output processing, and artifact writes. It returns
// the step result; infrastructure failures (state writes) are the only
// returned errors.
func (e *Engine) runLeaf(ctx context.Context, step *schema.Step, key string, scope *expressions.Scope) (*state.StepResult, error) {
	res := &state.StepResult{Status: schema.StepStatusRunning, StartedAt: time.Now().UTC()}
	_ = e.fsm.stepTransition(ctx, key, schema.StepStatusPending, schema.StepStatusRunning)
	if err := e.saveStep(ctx, key, res); err != nil {
		return nil, err
	}

	var dres *deps.Resolution
	if step.DependsOn != nil {
		var err error
		if dres, err = e.depsV.Resolve(step.DependsOn, scope); err != nil {
			return finishFailed(res, err), nil
		}
	}

	inv, err := e.builder.Build(step, scope, dres)
	if err != nil {
		return finishFailed(res, err), nil
	}
	res.Fingerprint = fingerprintInvocation(step, inv)
	if inv.Injection != nil {
		res.Injection = &state.InjectionRecord{
			FilesShown:   inv.Injection.FilesShown,
			FilesOmitted: inv.Injection.FilesOmitted,
			BytesShown:   inv.Injection.BytesShown,
			BytesOmitted: inv.Injection.BytesOmitted,
			Truncated:    inv.Injection.Truncated,
		}
	}

	maxAttempts := 1
	if step.Retry != nil && step.Retry.MaxAttempts > 1 {
		maxAttempts = step.Retry.MaxAttempts
	}

	var out *executor.Outcome
	for attempt := 1; ; attempt++ {
		out, err = e.procs.Run(ctx, inv, e.spillDir)
		if err != nil {
			res.Attempts = attempt
			return finishFailed(res, err), nil
		}
		res.Attempts = attempt
		if err := e.saveStep(ctx, key, res); err != nil {
			return nil, err
		}
		if out.OK() || attempt >= maxAttempts || !executor.Retryable(out, step.Retry, inv.Provider) {
			break
		}
		_ = e.events.Append(ctx, audit.EventStepRetried, key, map[string]any{
			"attempt": attempt, "exit_code": out.ExitCode, "timed_out": out.TimedOut,
		})
		delay := executor.ComputeBackoff(step.Retry, attempt-1)
		if werr := executor.WaitForBackoff(ctx, delay); werr != nil {
			return finishFailed(res, schema.NewError(schema.ErrCodeCancelled, "cancelled during retry backoff").WithStep(step.Name)), nil
		}
	}

	res.ExitCode = &out.ExitCode
	res.DurationMs = out.Duration.Milliseconds()

	if out.TimedOut {
		return finishFailed(res, schema.NewErrorf(schema.ErrCodeTimeout,
			"step %s timed out after %s", step.Name, inv.Timeout).WithStep(step.Name)), nil
	}

	mode := step.OutputCapture
	if mode == "" {
		mode = schema.CaptureText
	}
	proc, perr := output.Process(out.Capture, mode, step.AllowParseError)
	if perr != nil {
		return finishFailed(res, perr), nil
	}
	// Lines and json modes persist only their variant; the raw text field
	// stays empty so state never duplicates the stream.
	res.Output = proc.Text
	res.Lines = proc.Lines
	res.JSON = proc.JSON
	res.Truncated = proc.Truncated
	res.SpillPath = proc.SpillPath
	res.ParseError = proc.ParseError

	if step.OutputFile != "" {
		if werr := e.writeArtifact(step.OutputFile, out.Capture.Bytes(), scope); werr != nil {
			return finishFailed(res, werr), nil
		}
	}

	if !out.OK() {
		stderrNote := e.masker.Mask(out.Stderr)
		ferr := schema.NewErrorf(schema.ErrCodeExecution,
			"step %s exited with code %d", step.Name, out.ExitCode).WithStep(step.Name)
		if stderrNote != "" {
			ferr = ferr.WithDetails(map[string]any{"stderr": stderrNote})
		}
		return finishFailed(res, ferr), nil
	}

	res.Status = schema.StepStatusCompleted
	res.CompletedAt = time.Now().UTC()
	_ = e.fsm.stepTransition(ctx, key, schema.StepStatusRunning, schema.StepStatusCompleted)
	return res, nil
}

// writeArtifact stores bytes at a workspace-relative path using the same
// temp-then-rename discipline as the state store.
func (e *Engine) writeArtifact(rel string, data []byte, scope *expressions.Scope) error {
	resolved, err := e.resolver.Resolve(rel, scope)
	if err != nil {
		return err
	}
	abs, err := e.root.Resolve(resolved)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return schema.NewErrorf(schema.ErrCodeExecution, "create artifact dir: %s", err.Error()).WithCause(err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(abs), filepath.Base(abs)+".*.tmp")
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeExecution, "create artifact temp: %s", err.Error()).WithCause(err)
	}
	name := tmp.Name()
	if _, err = tmp.Write(data); err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(name)
		return schema.NewErrorf(schema.ErrCodeExecution, "write artifact: %s", err.Error()).WithCause(err)
	}
	if err := os.Rename(name, abs); err != nil {
		os.Remove(name)
		return schema.NewErrorf(schema.ErrCodeExecution, "commit artifact: %s", err.Error()).WithCause(err)
	}
	return nil
}

// --- helpers ---

func (e *Engine) scope(loop *expressions.LoopScope, vals map[string]*expressions.StepValues) *expressions.Scope {
	e.mu.Lock()
	ctxMap := e.st.Context
	e.mu.Unlock()
	return &expressions.Scope{Run: e.runScope, Context: ctxMap, Steps: vals, Loop: loop}
}

func (e *Engine) priorResult(key string) *state.StepResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.st.Steps[key]
}

func (e *Engine) saveStep(ctx context.Context, key string, res *state.StepResult) error {
	e.mu.Lock()
	e.st.Steps[key] = res
	err := e.store.Save(e.st)
	e.mu.Unlock()
	if err != nil {
		e.logger.ErrorContext(ctx, "state save failed", slog.String("error", err.Error()))
	}
	return err
}

func (e *Engine) saveLoop(ctx context.Context, key string, ls *state.LoopState) error {
	e.mu.Lock()
	if e.st.Loops == nil {
		e.st.Loops = map[string]*state.LoopState{}
	}
	e.st.Loops[key] = ls
	err := e.store.Save(e.st)
	e.mu.Unlock()
	if err != nil {
		e.logger.ErrorContext(ctx, "state save failed", slog.String("error", err.Error()))
	}
	return err
}

func (e *Engine) setTerm(run schema.RunStatus, final schema.FinalStatus, err *schema.EngineError) {
	e.mu.Lock()
	if e.term == nil {
		e.term = &terminal{run: run, final: final, err: err}
	}
	e.mu.Unlock()
}

// fingerprint hashes a step definition plus its resolved inputs. For leaf
// steps this includes the resolved argv and stdin; resolution failures fall
// back to an empty fingerprint, which never matches.
func (e *Engine) fingerprint(step *schema.Step, scope *expressions.Scope) string {
	switch step.Kind() {
	case schema.KindCommand, schema.KindProvider:
		var dres *deps.Resolution
		if step.DependsOn != nil {
			var err error
			if dres, err = e.depsV.Resolve(step.DependsOn, scope); err != nil {
				return ""
			}
		}
		inv, err := e.builder.Build(step, scope, dres)
		if err != nil {
			return ""
		}
		return fingerprintInvocation(step, inv)
	default:
		return fingerprintInvocation(step, nil)
	}
}

func fingerprintInvocation(step *schema.Step, inv *executor.Invocation) string {
	h := sha256.New()
	def, _ := json.Marshal(step)
	h.Write(def)
	if inv != nil {
		for _, a := range inv.Argv {
			h.Write([]byte{0})
			h.Write([]byte(a))
		}
		h.Write([]byte{0})
		h.Write(inv.Stdin)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func stepValues(r *state.StepResult) *expressions.StepValues {
	return &expressions.StepValues{
		Status:     r.Status,
		ExitCode:   r.ExitCode,
		Output:     r.Output,
		Lines:      r.Lines,
		JSON:       r.JSON,
		DurationMs: r.DurationMs,
	}
}

func failedResult(err error) *state.StepResult {
	return finishFailed(&state.StepResult{StartedAt: time.Now().UTC()}, err)
}

func finishFailed(res *state.StepResult, err error) *state.StepResult {
	res.Status = schema.StepStatusFailed
	res.CompletedAt = time.Now().UTC()
	res.Error = state.RecordError(err)
	return res
}

func asEngineError(err error) *schema.EngineError {
	if ee, ok := err.(*schema.EngineError); ok {
		return ee
	}
	return schema.NewError(schema.ErrCodeExecution, err.Error()).WithCause(err)
}

