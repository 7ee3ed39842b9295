package workflow

import (
	"fmt"

	"github.com/hoidn/BMAD-METHOD/pkg/schema"
)

// reservedTargets are valid goto destinations that never name a step.
var reservedTargets = map[string]bool{
	schema.TargetStart:        true,
	schema.TargetEnd:          true,
	schema.TargetError:        true,
	schema.TargetLoopBreak:    true,
	schema.TargetLoopContinue: true,
}

// validateSemantics applies the structural rules JSON Schema cannot
// express: step name uniqueness, execution-kind exclusivity, goto targets
// resolving within their own step list, and provider references.
func validateSemantics(wf *schema.Workflow) error {
	if len(wf.Providers) > 0 {
		for name, tmpl := range wf.Providers {
			if err := validateProvider(name, &tmpl); err != nil {
				return err
			}
		}
	}
	return validateList(wf, wf.Steps, "", false)
}

func validateProvider(name string, tmpl *schema.ProviderTemplate) error {
	if tmpl.Transport != "" && tmpl.Transport != schema.TransportArgv && tmpl.Transport != schema.TransportStdin {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"provider %q: unknown transport %q", name, tmpl.Transport)
	}
	if tmpl.Transport == "" || tmpl.Transport == schema.TransportArgv {
		found := false
		for _, arg := range tmpl.Command {
			if arg == schema.PromptPlaceholder {
				found = true
				break
			}
		}
		if !found {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"provider %q uses argv transport but its command has no %s token", name, schema.PromptPlaceholder)
		}
	}
	return nil
}

func validateList(wf *schema.Workflow, steps []schema.Step, path string, inLoop bool) error {
	names := map[string]bool{}
	for i := range steps {
		step := &steps[i]
		at := step.Name
		if path != "" {
			at = path + "." + step.Name
		}

		if reservedTargets[step.Name] {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"step %s: name collides with a reserved target", at)
		}
		if names[step.Name] {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"duplicate step name %q in %s", step.Name, listLabel(path))
		}
		names[step.Name] = true

		if step.Kind() == schema.KindInvalid {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"step %s must declare exactly one of command, provider, for_each, while, wait_for", at)
		}

		if step.Provider != nil {
			if _, ok := wf.Providers[step.Provider.Name]; !ok {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"step %s references unknown provider %q", at, step.Provider.Name)
			}
			if step.Provider.Prompt != "" && step.Provider.PromptFile != "" {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"step %s: prompt and prompt_file are mutually exclusive", at)
			}
		}

		if step.ForEach != nil {
			if len(step.ForEach.Items) == 0 && step.ForEach.Source == "" {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"step %s: for_each needs items or a source", at)
			}
			if len(step.ForEach.Items) > 0 && step.ForEach.Source != "" {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"step %s: for_each items and source are mutually exclusive", at)
			}
			if err := validateList(wf, step.ForEach.Body, at, true); err != nil {
				return err
			}
		}
		if step.While != nil {
			if step.While.Condition == nil {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"step %s: while needs a condition", at)
			}
			if err := validateList(wf, step.While.Body, at, true); err != nil {
				return err
			}
		}
	}

	// Goto targets resolve only within their own list.
	for i := range steps {
		step := &steps[i]
		at := step.Name
		if path != "" {
			at = path + "." + step.Name
		}
		for _, t := range []*schema.Transition{transitionOf(step, true), transitionOf(step, false)} {
			if t == nil {
				continue
			}
			set := 0
			if t.Goto != "" {
				set++
			}
			if t.End {
				set++
			}
			if t.Error != "" {
				set++
			}
			if set > 1 {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"step %s: a transition sets more than one of goto, end, error", at)
			}
			if t.Goto == "" || reservedTargets[t.Goto] {
				if (t.Goto == schema.TargetLoopBreak || t.Goto == schema.TargetLoopContinue) && !inLoop {
					return schema.NewErrorf(schema.ErrCodeValidation,
						"step %s: %s is only valid inside a loop body", at, t.Goto)
				}
				continue
			}
			if !names[t.Goto] {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"step %s: goto target %q not found in %s", at, t.Goto, listLabel(path))
			}
		}
	}
	return nil
}

func transitionOf(step *schema.Step, success bool) *schema.Transition {
	if step.On == nil {
		return nil
	}
	if success {
		return step.On.Success
	}
	return step.On.Failure
}

func listLabel(path string) string {
	if path == "" {
		return "the top-level step list"
	}
	return fmt.Sprintf("the body of %s", path)
}
