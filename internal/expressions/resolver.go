package expressions

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/hoidn/BMAD-METHOD/pkg/schema"
)

// Resolver substitutes ${namespace.path} references in user strings.
//
// Escapes: "$$" yields a literal "$"; "${{...}}" is passed through verbatim
// for downstream templating. Substitution never applies to file contents
// read via input_file/prompt_file — callers only pass declaration strings.
type Resolver struct {
	paths *PathResolver
}

// NewResolver creates a Resolver.
func NewResolver() *Resolver {
	return &Resolver{paths: NewPathResolver()}
}

// Resolve substitutes every reference in input. A reference to an undefined
// variable returns a VARIABLE_ERROR naming the reference.
func (r *Resolver) Resolve(input string, scope *Scope) (string, error) {
	return r.resolve(input, scope, false, false)
}

// ResolveAllowMissing substitutes references, resolving undefined variables
// to the empty string. Used only for fields named in the per-field allowlist.
func (r *Resolver) ResolveAllowMissing(input string, scope *Scope) (string, error) {
	return r.resolve(input, scope, true, false)
}

// ResolveSlice substitutes references in each element of a slice.
func (r *Resolver) ResolveSlice(in []string, scope *Scope) ([]string, error) {
	out := make([]string, len(in))
	for i, s := range in {
		v, err := r.Resolve(s, scope)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// ResolveMap substitutes references in each value of a string map.
func (r *Resolver) ResolveMap(in map[string]string, scope *Scope) (map[string]string, error) {
	if in == nil {
		return nil, nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		rv, err := r.Resolve(v, scope)
		if err != nil {
			return nil, err
		}
		out[k] = rv
	}
	return out, nil
}

// ResolveExprOperands substitutes references for use inside a restricted
// expression: strings are embedded as quoted literals, numbers and booleans
// raw, and arrays as list literals, so the result stays a single parseable
// expression.
func (r *Resolver) ResolveExprOperands(input string, scope *Scope) (string, error) {
	return r.resolve(input, scope, false, true)
}

// Lookup resolves a single bare reference (no ${} wrapper) to its value.
// Used for for_each item sources like "steps.scan.json.files".
func (r *Resolver) Lookup(ref string, scope *Scope) (any, error) {
	return r.lookup(strings.TrimSpace(ref), scope)
}

func (r *Resolver) resolve(input string, scope *Scope, allowMissing, exprMode bool) (string, error) {
	var out strings.Builder
	out.Grow(len(input))

	i := 0
	for i < len(input) {
		c := input[i]
		if c != '$' {
			out.WriteByte(c)
			i++
			continue
		}

		// "$$" escapes a literal dollar.
		if i+1 < len(input) && input[i+1] == '$' {
			out.WriteByte('$')
			i += 2
			continue
		}

		// "${{...}}" passes through verbatim.
		if strings.HasPrefix(input[i:], "${{") {
			end := strings.Index(input[i+3:], "}}")
			if end == -1 {
				return "", schema.NewErrorf(schema.ErrCodeVariable, "unclosed ${{ in %q", input)
			}
			out.WriteString(input[i : i+3+end+2])
			i += 3 + end + 2
			continue
		}

		if strings.HasPrefix(input[i:], "${") {
			end := strings.IndexByte(input[i+2:], '}')
			if end == -1 {
				return "", schema.NewErrorf(schema.ErrCodeVariable, "unclosed ${ in %q", input)
			}
			ref := strings.TrimSpace(input[i+2 : i+2+end])
			if ref == "" {
				return "", schema.NewError(schema.ErrCodeVariable, "empty variable reference ${}")
			}

			val, err := r.lookup(ref, scope)
			if err != nil {
				if allowMissing {
					i += 2 + end + 1
					continue
				}
				return "", err
			}

			if exprMode {
				lit, err := exprLiteral(val)
				if err != nil {
					return "", schema.NewErrorf(schema.ErrCodeVariable,
						"cannot embed %q in expression: %s", ref, err.Error())
				}
				out.WriteString(lit)
			} else {
				out.WriteString(formatValue(val))
			}
			i += 2 + end + 1
			continue
		}

		// Bare '$' with no recognized form stays literal.
		out.WriteByte('$')
		i++
	}

	return out.String(), nil
}

// lookup resolves a dotted reference against the scope namespaces.
func (r *Resolver) lookup(ref string, scope *Scope) (any, error) {
	parts := strings.Split(ref, ".")
	ns := parts[0]

	// Loop item binding has highest precedence; the binding name is explicit
	// ("item" or the loop's custom name), so there is no cross-namespace
	// shadowing to resolve.
	if scope.Loop != nil && ns == scope.Loop.ItemName {
		if len(parts) == 1 {
			return scope.Loop.Item, nil
		}
		return r.traverse(scope.Loop.Item, parts[1:], ref)
	}

	switch ns {
	case "loop":
		return r.lookupLoop(parts, ref, scope)
	case "steps":
		return r.lookupStep(parts, ref, scope)
	case "context":
		if len(parts) < 2 {
			return nil, missingVar(ref, "context references need a key: context.<key>")
		}
		if scope.Context == nil {
			return nil, missingVar(ref, "context is empty")
		}
		val, ok := scope.Context[parts[1]]
		if !ok {
			return nil, missingVar(ref, fmt.Sprintf("context key %q not set", parts[1]))
		}
		if len(parts) == 2 {
			return val, nil
		}
		return r.traverse(val, parts[2:], ref)
	case "run":
		if len(parts) != 2 {
			return nil, missingVar(ref, "run references are run.<field>")
		}
		switch parts[1] {
		case "id":
			return scope.Run.ID, nil
		case "timestamp_utc":
			return scope.Run.TimestampUTC, nil
		case "workspace":
			return scope.Run.Workspace, nil
		}
		return nil, missingVar(ref, fmt.Sprintf("unknown run field %q", parts[1]))
	}

	return nil, missingVar(ref, fmt.Sprintf("unknown namespace %q", ns))
}

func (r *Resolver) lookupLoop(parts []string, ref string, scope *Scope) (any, error) {
	if scope.Loop == nil {
		return nil, missingVar(ref, "loop variable referenced outside a loop")
	}
	if len(parts) != 2 {
		return nil, missingVar(ref, "loop references are loop.<field>")
	}
	switch parts[1] {
	case "index":
		return scope.Loop.Index, nil
	case "total":
		return scope.Loop.Total, nil
	case "iteration":
		return scope.Loop.Iteration, nil
	case "elapsed":
		return scope.Loop.Elapsed(), nil
	}
	return nil, missingVar(ref, fmt.Sprintf("unknown loop field %q", parts[1]))
}

func (r *Resolver) lookupStep(parts []string, ref string, scope *Scope) (any, error) {
	if len(parts) < 3 {
		return nil, missingVar(ref, "step references are steps.<name>.<field>")
	}
	name := parts[1]
	sv, ok := scope.Steps[name]
	if !ok || sv == nil {
		return nil, missingVar(ref, fmt.Sprintf("step %q has no recorded result", name))
	}
	switch parts[2] {
	case "exit_code":
		if sv.ExitCode == nil {
			return nil, missingVar(ref, fmt.Sprintf("step %q has no exit code", name))
		}
		return *sv.ExitCode, nil
	case "output":
		// Lines-mode results carry no raw text; derive it from the lines so
		// the reference stays usable in either capture mode.
		if sv.Output == "" && sv.Lines != nil {
			return strings.Join(sv.Lines, "\n"), nil
		}
		return sv.Output, nil
	case "lines":
		if len(parts) > 3 {
			return nil, missingVar(ref, "lines does not support indexing")
		}
		return sv.Lines, nil
	case "duration":
		return sv.DurationMs, nil
	case "json":
		if len(parts) == 3 {
			return sv.JSON, nil
		}
		// Dot-notation pointer into the parsed json result. Wildcards and
		// indexing are not supported.
		val, err := r.paths.Resolve(sv.JSON, parts[3:])
		if err != nil {
			return nil, missingVar(ref, err.Error())
		}
		return val, nil
	}
	return nil, missingVar(ref, fmt.Sprintf("unknown step field %q", parts[2]))
}

// traverse walks plain nested maps for context and loop-item sub-paths.
func (r *Resolver) traverse(root any, segments []string, ref string) (any, error) {
	cur := root
	for _, seg := range segments {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, missingVar(ref, fmt.Sprintf("cannot traverse %q: not an object", seg))
		}
		cur, ok = m[seg]
		if !ok {
			return nil, missingVar(ref, fmt.Sprintf("field %q not found", seg))
		}
	}
	return cur, nil
}

func missingVar(ref, why string) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeVariable, "undefined variable ${%s}: %s", ref, why).
		WithDetails(map[string]any{"variable": ref})
}

// formatValue renders a resolved value as plain text for character-exact
// substitution into user strings.
func formatValue(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return ""
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case []string:
		return strings.Join(v, "\n")
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// exprLiteral renders a resolved value as a literal token of the restricted
// expression language.
func exprLiteral(val any) (string, error) {
	switch v := val.(type) {
	case string:
		return strconv.Quote(v), nil
	case nil:
		return "nil", nil
	case bool:
		return strconv.FormatBool(v), nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case []string:
		elems := make([]string, len(v))
		for i, s := range v {
			elems[i] = strconv.Quote(s)
		}
		return "[" + strings.Join(elems, ", ") + "]", nil
	case []any:
		elems := make([]string, len(v))
		for i, e := range v {
			lit, err := exprLiteral(e)
			if err != nil {
				return "", err
			}
			elems[i] = lit
		}
		return "[" + strings.Join(elems, ", ") + "]", nil
	default:
		return "", fmt.Errorf("value of type %T has no expression literal form", val)
	}
}
