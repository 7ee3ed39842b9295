// Package conditions evaluates the structured predicate trees used by
// `when` gates and `while` continuation checks. Evaluation is side-effect
// free: predicates only read run state and the workspace.
package conditions

import (
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/hoidn/BMAD-METHOD/internal/expressions"
	"github.com/hoidn/BMAD-METHOD/internal/pathsafe"
	"github.com/hoidn/BMAD-METHOD/pkg/schema"
)

// maxDepth caps predicate tree recursion.
const maxDepth = 50

// Evaluator evaluates Condition trees against a variable scope.
type Evaluator struct {
	resolver *expressions.Resolver
	exprs    *expressions.ExprEngine
	root     *pathsafe.Root

	mu      sync.RWMutex
	regexps map[string]*regexp.Regexp
}

// NewEvaluator creates a condition evaluator.
func NewEvaluator(resolver *expressions.Resolver, exprs *expressions.ExprEngine, root *pathsafe.Root) *Evaluator {
	return &Evaluator{
		resolver: resolver,
		exprs:    exprs,
		root:     root,
		regexps:  make(map[string]*regexp.Regexp),
	}
}

// Evaluate returns the boolean value of a condition tree. A nil condition
// is vacuously true.
func (e *Evaluator) Evaluate(cond *schema.Condition, scope *expressions.Scope) (bool, error) {
	return e.eval(cond, scope, 0)
}

func (e *Evaluator) eval(cond *schema.Condition, scope *expressions.Scope, depth int) (bool, error) {
	if cond == nil {
		return true, nil
	}
	if depth > maxDepth {
		return false, schema.NewErrorf(schema.ErrCodeConfig, "condition exceeds depth limit %d", maxDepth)
	}

	switch {
	case len(cond.All) > 0:
		for _, c := range cond.All {
			ok, err := e.eval(c, scope, depth+1)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil

	case len(cond.Any) > 0:
		for _, c := range cond.Any {
			ok, err := e.eval(c, scope, depth+1)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	case cond.Not != nil:
		ok, err := e.eval(cond.Not, scope, depth+1)
		if err != nil {
			return false, err
		}
		return !ok, nil

	case cond.StepOK != "":
		// A step that never produced an exit code (failed before spawning)
		// is not OK, whatever its other fields look like.
		sv, ok := scope.Steps[cond.StepOK]
		if !ok || sv == nil {
			return false, nil
		}
		return sv.OK(), nil

	case cond.FileExists != "":
		rel, err := e.resolver.Resolve(cond.FileExists, scope)
		if err != nil {
			return false, err
		}
		abs, err := e.root.Resolve(rel)
		if err != nil {
			return false, err
		}
		_, statErr := os.Stat(abs)
		return statErr == nil, nil

	case cond.EnvSet != "":
		_, set := os.LookupEnv(cond.EnvSet)
		return set, nil

	case len(cond.Equals) > 0:
		if len(cond.Equals) != 2 {
			return false, schema.NewError(schema.ErrCodeConfig, "equals needs exactly [left, right]")
		}
		left, right, err := e.operands(cond.Equals[0], cond.Equals[1], scope)
		if err != nil {
			return false, err
		}
		return left == right, nil

	case len(cond.Contains) > 0:
		if len(cond.Contains) != 2 {
			return false, schema.NewError(schema.ErrCodeConfig, "contains needs exactly [haystack, needle]")
		}
		hay, needle, err := e.operands(cond.Contains[0], cond.Contains[1], scope)
		if err != nil {
			return false, err
		}
		return strings.Contains(hay, needle), nil

	case len(cond.Regex) > 0:
		if len(cond.Regex) != 2 {
			return false, schema.NewError(schema.ErrCodeConfig, "regex needs exactly [value, pattern]")
		}
		val, err := e.resolver.Resolve(cond.Regex[0], scope)
		if err != nil {
			return false, err
		}
		re, err := e.compileRegex(cond.Regex[1])
		if err != nil {
			return false, err
		}
		return re.MatchString(val), nil

	case cond.NumCompare != nil:
		return e.compare(cond.NumCompare, scope)

	case cond.Expr != "":
		resolved, err := e.resolver.ResolveExprOperands(cond.Expr, scope)
		if err != nil {
			return false, err
		}
		return e.exprs.EvaluateBool(resolved)
	}

	return false, schema.NewError(schema.ErrCodeConfig, "empty condition: no predicate set")
}

func (e *Evaluator) operands(left, right string, scope *expressions.Scope) (string, string, error) {
	l, err := e.resolver.Resolve(left, scope)
	if err != nil {
		return "", "", err
	}
	r, err := e.resolver.Resolve(right, scope)
	if err != nil {
		return "", "", err
	}
	return l, r, nil
}

func (e *Evaluator) compare(nc *schema.NumCompare, scope *expressions.Scope) (bool, error) {
	ls, rs, err := e.operands(nc.Left, nc.Right, scope)
	if err != nil {
		return false, err
	}
	l, err := strconv.ParseFloat(strings.TrimSpace(ls), 64)
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeConfig, "compare left %q is not numeric", ls)
	}
	r, err := strconv.ParseFloat(strings.TrimSpace(rs), 64)
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeConfig, "compare right %q is not numeric", rs)
	}
	switch nc.Op {
	case "lt", "<":
		return l < r, nil
	case "le", "<=":
		return l <= r, nil
	case "gt", ">":
		return l > r, nil
	case "ge", ">=":
		return l >= r, nil
	case "eq", "==":
		return l == r, nil
	case "ne", "!=":
		return l != r, nil
	}
	return false, schema.NewErrorf(schema.ErrCodeConfig, "unknown compare op %q", nc.Op)
}

func (e *Evaluator) compileRegex(pattern string) (*regexp.Regexp, error) {
	e.mu.RLock()
	re, ok := e.regexps[pattern]
	e.mu.RUnlock()
	if ok {
		return re, nil
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfig, "invalid regex %q: %s", pattern, err.Error()).WithCause(err)
	}
	e.mu.Lock()
	e.regexps[pattern] = re
	e.mu.Unlock()
	return re, nil
}
