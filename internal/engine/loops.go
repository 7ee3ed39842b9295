package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hoidn/BMAD-METHOD/internal/audit"
	"github.com/hoidn/BMAD-METHOD/internal/expressions"
	"github.com/hoidn/BMAD-METHOD/internal/state"
	"github.com/hoidn/BMAD-METHOD/pkg/schema"
)

const (
	defaultMaxWorkers   = 4
	defaultWhileMaxIter = 1000
	defaultWaitInterval = time.Second
	defaultWaitTimeout  = 300 * time.Second
	defaultLoopItemName = "item"
	defaultJoinPolicy   = "all"
	defaultItemFailure  = "break"
)

// iterOutcome records how one for_each iteration ended.
type iterOutcome struct {
	index  int
	item   any
	status schema.StepStatus
	start  time.Time
	dur    time.Duration
	sig    signal
}

// runForEach resolves the item source once and iterates the body, either
// sequentially or across a bounded worker pool. The returned signal is
// non-sigNone only when a body reached a run-level termination (end/error).
func (e *Engine) runForEach(ctx context.Context, step *schema.Step, key string, scope *expressions.Scope, vals map[string]*expressions.StepValues) (*state.StepResult, signal, error) {
	fe := step.ForEach
	res := &state.StepResult{Status: schema.StepStatusRunning, StartedAt: time.Now().UTC(),
		Fingerprint: fingerprintInvocation(step, nil)}
	_ = e.fsm.stepTransition(ctx, key, schema.StepStatusPending, schema.StepStatusRunning)
	if err := e.saveStep(ctx, key, res); err != nil {
		return nil, sigNone, err
	}

	items, err := e.resolveItems(fe, scope)
	if err != nil {
		return finishFailed(res, err), sigNone, nil
	}

	itemName := fe.ItemName
	if itemName == "" {
		itemName = defaultLoopItemName
	}
	onFailure := fe.OnItemFailure
	if onFailure == "" {
		onFailure = defaultItemFailure
	}

	start := time.Now().UTC()
	ls := &state.LoopState{Total: len(items), StartedAt: start}

	var outcomes []iterOutcome
	var propagate signal
	if fe.Parallel {
		outcomes, propagate, err = e.forEachParallel(ctx, step, key, items, itemName, onFailure, scope, vals, start)
	} else {
		outcomes, propagate, err = e.forEachSequential(ctx, step, key, items, itemName, onFailure, scope, vals, start)
	}
	if err != nil {
		return nil, sigNone, err
	}

	summary := summarize(outcomes, len(items))
	ls.Iteration = len(outcomes)
	ls.Summary = summary
	for _, o := range outcomes {
		ls.Iterations = append(ls.Iterations, state.IterationRecord{
			Index:      o.index,
			Item:       o.item,
			Status:     o.status,
			DurationMs: o.dur.Milliseconds(),
		})
	}
	if err := e.saveLoop(ctx, key, ls); err != nil {
		return nil, sigNone, err
	}

	res.DurationMs = time.Since(start).Milliseconds()
	res.JSON = summaryJSON(summary)

	if propagate == sigEnd || propagate == sigStop {
		res.Status = schema.StepStatusCompleted
		res.CompletedAt = time.Now().UTC()
		return res, propagate, nil
	}

	// Parallel mode joins by policy; sequential mode succeeds unless a
	// failure hit an on_item_failure break.
	if fe.Parallel {
		policy := fe.JoinPolicy
		if policy == "" {
			policy = defaultJoinPolicy
		}
		ok, perr := joinSatisfied(policy, summary)
		if perr != nil {
			return finishFailed(res, perr), sigNone, nil
		}
		if !ok {
			return finishFailed(res, schema.NewErrorf(schema.ErrCodeExecution,
				"for_each %s: join policy %q not satisfied (%d/%d completed)",
				step.Name, policy, summary.Completed, summary.Total).WithStep(step.Name)), sigNone, nil
		}
	} else if summary.Failed > 0 && onFailure == "break" {
		return finishFailed(res, schema.NewErrorf(schema.ErrCodeExecution,
			"for_each %s: %d of %d iterations failed", step.Name, summary.Failed, summary.Total).WithStep(step.Name)), sigNone, nil
	}

	zero := 0
	res.ExitCode = &zero
	res.Status = schema.StepStatusCompleted
	res.CompletedAt = time.Now().UTC()
	_ = e.fsm.stepTransition(ctx, key, schema.StepStatusRunning, schema.StepStatusCompleted)
	return res, sigNone, nil
}

func (e *Engine) forEachSequential(ctx context.Context, step *schema.Step, key string, items []any, itemName, onFailure string, scope *expressions.Scope, vals map[string]*expressions.StepValues, start time.Time) ([]iterOutcome, signal, error) {
	var outcomes []iterOutcome
	for idx, item := range items {
		if e.cancelled.Load() || ctx.Err() != nil {
			e.setTerm(schema.RunStatusCancelled, schema.FinalCancelled,
				schema.NewError(schema.ErrCodeCancelled, "run cancelled"))
			return outcomes, sigStop, nil
		}

		o, sig, err := e.runIteration(ctx, step, key, idx, len(items), item, itemName, scope, vals, start)
		if err != nil {
			return outcomes, sigNone, err
		}
		outcomes = append(outcomes, o)

		switch sig {
		case sigEnd, sigStop:
			return outcomes, sig, nil
		case sigBreak:
			return outcomes, sigNone, nil
		}
		if o.status == schema.StepStatusFailed && onFailure == "break" {
			return outcomes, sigNone, nil
		}
	}
	return outcomes, sigNone, nil
}

func (e *Engine) forEachParallel(ctx context.Context, step *schema.Step, key string, items []any, itemName, onFailure string, scope *expressions.Scope, vals map[string]*expressions.StepValues, start time.Time) ([]iterOutcome, signal, error) {
	workers := step.ForEach.MaxWorkers
	if workers <= 0 {
		workers = defaultMaxWorkers
	}
	pool := NewWorkerPool(workers)
	iterCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var mu sync.Mutex
	var outcomes []iterOutcome
	var propagate signal

	dispatched := 0
	for idx, item := range items {
		idx, item := idx, item
		err := pool.Submit(iterCtx, func(fnCtx context.Context) error {
			o, sig, ierr := e.runIteration(fnCtx, step, key, idx, len(items), item, itemName, scope, vals, start)
			mu.Lock()
			defer mu.Unlock()
			if ierr != nil {
				o = iterOutcome{index: idx, item: item, status: schema.StepStatusFailed, start: start}
			}
			outcomes = append(outcomes, o)
			switch sig {
			case sigEnd, sigStop:
				if propagate == sigNone {
					propagate = sig
				}
				cancel()
			case sigBreak:
				cancel()
			}
			if o.status == schema.StepStatusFailed && onFailure == "break" {
				cancel()
			}
			return ierr
		})
		if err != nil {
			break
		}
		dispatched++
	}

	joined := make(chan struct{})
	go func() {
		pool.Wait()
		close(joined)
	}()

	joinTimeout := parseDurationDefault(step.ForEach.JoinTimeout, 0)
	if joinTimeout > 0 {
		select {
		case <-joined:
		case <-time.After(joinTimeout):
			// Cancel outstanding iterations; they are recorded below as
			// failed, never silently dropped.
			cancel()
			<-joined
		}
	} else {
		<-joined
	}
	pool.Shutdown()

	pm := pool.Metrics()
	e.logger.DebugContext(ctx, "for_each pool joined",
		slog.String("step", step.Name),
		slog.Int64("completed", pm.Completed),
		slog.Int64("failed", pm.Failed))

	mu.Lock()
	defer mu.Unlock()

	// Account for iterations that never ran or never reported.
	seen := map[int]bool{}
	for _, o := range outcomes {
		seen[o.index] = true
	}
	for idx, item := range items {
		if !seen[idx] {
			status := schema.StepStatusSkipped
			if idx < dispatched {
				status = schema.StepStatusFailed
			}
			outcomes = append(outcomes, iterOutcome{index: idx, item: item, status: status, start: start})
		}
	}
	return outcomes, propagate, nil
}

// runIteration executes one body pass with an isolated step-result view.
func (e *Engine) runIteration(ctx context.Context, step *schema.Step, key string, idx, total int, item any, itemName string, scope *expressions.Scope, vals map[string]*expressions.StepValues, start time.Time) (iterOutcome, signal, error) {
	iterStart := time.Now().UTC()
	loop := &expressions.LoopScope{
		ItemName:  itemName,
		Item:      item,
		Index:     idx,
		Total:     total,
		Iteration: idx + 1,
		Started:   start,
	}
	iterVals := make(map[string]*expressions.StepValues, len(vals))
	for k, v := range vals {
		iterVals[k] = v
	}

	prefix := fmt.Sprintf("%s[%d].", key, idx)
	sig, err := e.executeList(ctx, step.ForEach.Body, prefix, loop, iterVals)
	if err != nil {
		return iterOutcome{}, sigNone, err
	}

	o := iterOutcome{index: idx, item: item, start: iterStart, dur: time.Since(iterStart), sig: sig}
	switch sig {
	case sigDone, sigContinue, sigBreak:
		o.status = schema.StepStatusCompleted
	case sigFailed:
		o.status = schema.StepStatusFailed
	default:
		o.status = schema.StepStatusCompleted
	}
	_ = e.events.Append(ctx, audit.EventLoopIteration, key, map[string]any{
		"index": idx, "status": string(o.status),
	})
	return o, sig, nil
}

func (e *Engine) resolveItems(fe *schema.ForEachSpec, scope *expressions.Scope) ([]any, error) {
	if len(fe.Items) > 0 {
		return fe.Items, nil
	}
	if fe.Source == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "for_each needs items or a source")
	}
	val, err := e.resolver.Lookup(fe.Source, scope)
	if err != nil {
		return nil, err
	}
	items, ok := toSlice(val)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"for_each source %q did not produce a list (got %T)", fe.Source, val)
	}
	return items, nil
}

// runWhile re-evaluates its condition before each iteration under hard
// iteration and duration bounds, recording exactly one termination reason.
func (e *Engine) runWhile(ctx context.Context, step *schema.Step, key string, scope *expressions.Scope, vals map[string]*expressions.StepValues) (*state.StepResult, signal, error) {
	ws := step.While
	res := &state.StepResult{Status: schema.StepStatusRunning, StartedAt: time.Now().UTC(),
		Fingerprint: fingerprintInvocation(step, nil)}
	_ = e.fsm.stepTransition(ctx, key, schema.StepStatusPending, schema.StepStatusRunning)
	if err := e.saveStep(ctx, key, res); err != nil {
		return nil, sigNone, err
	}

	maxIter := ws.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultWhileMaxIter
	}
	maxDur := parseDurationDefault(ws.MaxDuration, 0)
	delay := parseDurationDefault(ws.Delay, 0)

	start := time.Now().UTC()
	ls := &state.LoopState{StartedAt: start}

	// Body results accumulate in a loop-local view: the continuation
	// condition sees the latest iteration's steps, but nothing leaks into
	// the enclosing scope.
	loopVals := make(map[string]*expressions.StepValues, len(vals))
	for k, v := range vals {
		loopVals[k] = v
	}

	var reason schema.TerminationReason
	var propagate signal
	i := 0

loop:
	for {
		if e.cancelled.Load() || ctx.Err() != nil {
			reason = schema.TermCancelled
			break
		}
		if i >= maxIter {
			reason = schema.TermMaxIterations
			break
		}
		if maxDur > 0 && time.Since(start) >= maxDur {
			reason = schema.TermTimeout
			break
		}

		loopScope := &expressions.LoopScope{Index: i, Iteration: i + 1, Started: start}
		cont, cerr := e.conds.Evaluate(ws.Condition, scope.WithSteps(loopVals).WithLoop(loopScope))
		if cerr != nil {
			ls.Iteration = i
			_ = e.saveLoop(ctx, key, ls)
			return finishFailed(res, cerr), sigNone, nil
		}
		if !cont {
			reason = schema.TermConditionFalse
			break
		}

		iterStart := time.Now().UTC()
		prefix := fmt.Sprintf("%s[%d].", key, i)
		sig, err := e.executeList(ctx, ws.Body, prefix, loopScope, loopVals)
		if err != nil {
			return nil, sigNone, err
		}

		rec := state.IterationRecord{Index: i, Status: schema.StepStatusCompleted,
			DurationMs: time.Since(iterStart).Milliseconds()}
		switch sig {
		case sigFailed:
			rec.Status = schema.StepStatusFailed
			ls.Iterations = append(ls.Iterations, rec)
			ls.Iteration = i + 1
			_ = e.saveLoop(ctx, key, ls)
			return finishFailed(res, schema.NewErrorf(schema.ErrCodeExecution,
				"while %s: iteration %d failed", step.Name, i).WithStep(step.Name)), sigNone, nil
		case sigBreak:
			reason = schema.TermExplicitBreak
			ls.Iterations = append(ls.Iterations, rec)
			i++
			break loop
		case sigEnd, sigStop:
			propagate = sig
			ls.Iterations = append(ls.Iterations, rec)
			i++
			break loop
		}
		ls.Iterations = append(ls.Iterations, rec)
		_ = e.events.Append(ctx, audit.EventLoopIteration, key, map[string]any{"index": i})
		i++
		ls.Iteration = i
		if err := e.saveLoop(ctx, key, ls); err != nil {
			return nil, sigNone, err
		}

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
			}
		}
	}

	if reason == schema.TermCancelled {
		e.setTerm(schema.RunStatusCancelled, schema.FinalCancelled,
			schema.NewError(schema.ErrCodeCancelled, "run cancelled"))
		propagate = sigStop
	}

	ls.Iteration = i
	ls.TerminationReason = reason
	if err := e.saveLoop(ctx, key, ls); err != nil {
		return nil, sigNone, err
	}

	zero := 0
	res.ExitCode = &zero
	res.Status = schema.StepStatusCompleted
	res.CompletedAt = time.Now().UTC()
	res.DurationMs = time.Since(start).Milliseconds()
	res.JSON = map[string]any{
		"iterations":         i,
		"termination_reason": string(reason),
	}
	_ = e.fsm.stepTransition(ctx, key, schema.StepStatusRunning, schema.StepStatusCompleted)
	return res, propagate, nil
}

// runWaitFor polls a glob pattern until enough matches appear or the
// timeout elapses.
func (e *Engine) runWaitFor(ctx context.Context, step *schema.Step, key string, scope *expressions.Scope) (*state.StepResult, error) {
	ws := step.WaitFor
	res := &state.StepResult{Status: schema.StepStatusRunning, StartedAt: time.Now().UTC(),
		Fingerprint: fingerprintInvocation(step, nil)}
	_ = e.fsm.stepTransition(ctx, key, schema.StepStatusPending, schema.StepStatusRunning)
	if err := e.saveStep(ctx, key, res); err != nil {
		return nil, err
	}

	minCount := ws.MinCount
	if minCount <= 0 {
		minCount = 1
	}
	interval := parseDurationDefault(ws.Interval, defaultWaitInterval)
	timeout := parseDurationDefault(ws.Timeout, defaultWaitTimeout)
	deadline := time.Now().Add(timeout)

	for {
		matches, err := e.depsV.Matches(ws.Pattern, scope)
		if err != nil {
			return finishFailed(res, err), nil
		}
		if len(matches) >= minCount {
			zero := 0
			res.ExitCode = &zero
			res.Status = schema.StepStatusCompleted
			res.CompletedAt = time.Now().UTC()
			res.DurationMs = time.Since(res.StartedAt).Milliseconds()
			res.JSON = map[string]any{"matched": len(matches), "files": matches}
			_ = e.fsm.stepTransition(ctx, key, schema.StepStatusRunning, schema.StepStatusCompleted)
			return res, nil
		}
		if e.cancelled.Load() || ctx.Err() != nil {
			return finishFailed(res, schema.NewError(schema.ErrCodeCancelled, "run cancelled").WithStep(step.Name)), nil
		}
		if time.Now().After(deadline) {
			return finishFailed(res, schema.NewErrorf(schema.ErrCodeTimeout,
				"wait_for %s: %q matched %d of %d within %s",
				step.Name, ws.Pattern, len(matches), minCount, timeout).WithStep(step.Name)), nil
		}
		select {
		case <-time.After(interval):
		case <-ctx.Done():
		}
	}
}

// --- helpers ---

func summarize(outcomes []iterOutcome, total int) *state.LoopSummary {
	s := &state.LoopSummary{Total: total}
	for _, o := range outcomes {
		switch o.status {
		case schema.StepStatusCompleted:
			s.Completed++
		case schema.StepStatusFailed:
			s.Failed++
		default:
			s.Skipped++
		}
	}
	// Iterations never reached count as skipped so the counts always cover
	// the full item list.
	s.Skipped += total - (s.Completed + s.Failed + s.Skipped)
	if total > 0 {
		s.SuccessRate = float64(s.Completed) / float64(total)
	}
	return s
}

func summaryJSON(s *state.LoopSummary) map[string]any {
	return map[string]any{
		"total":        s.Total,
		"completed":    s.Completed,
		"failed":       s.Failed,
		"skipped":      s.Skipped,
		"success_rate": s.SuccessRate,
	}
}

func joinSatisfied(policy string, s *state.LoopSummary) (bool, error) {
	switch policy {
	case "all":
		return s.Completed == s.Total, nil
	case "any":
		return s.Completed >= 1 || s.Total == 0, nil
	case "majority":
		return s.Completed*2 > s.Total, nil
	}
	return false, schema.NewErrorf(schema.ErrCodeConfig, "unknown join policy %q", policy)
}

func toSlice(v any) ([]any, bool) {
	switch t := v.(type) {
	case []any:
		return t, true
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}

func parseDurationDefault(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return def
	}
	return d
}
