package expressions

import (
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
	"github.com/expr-lang/expr/vm"

	"github.com/hoidn/BMAD-METHOD/pkg/schema"
)

// maxExprDepth caps expression tree recursion to reject pathological inputs.
const maxExprDepth = 50

// ExprEngine evaluates the restricted expression subset of `expr:`
// conditions: arithmetic, comparison, boolean, and membership operators
// over literal operands. Variable references are substituted into literals
// before parsing, so the tree is whitelisted: any call, member access,
// identifier, or other node kind is rejected before compilation, and the
// compiled program runs in the library VM, never the host's dynamic
// evaluation facility.
// Thread-safe: compiled *vm.Program objects are cached and reused.
type ExprEngine struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewExprEngine creates a new restricted expression engine.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{cache: make(map[string]*vm.Program)}
}

// EvaluateBool evaluates an expression expected to produce a boolean.
func (e *ExprEngine) EvaluateBool(expression string) (bool, error) {
	out, err := e.Evaluate(expression)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"expression %q evaluated to %T, want bool", expression, out)
	}
	return b, nil
}

// Evaluate validates, compiles (or retrieves from cache), and runs an
// expression.
func (e *ExprEngine) Evaluate(expression string) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty expression")
	}

	prg, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	out, err := vm.Run(prg, map[string]any{})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"expression %q: %s", expression, err.Error()).WithCause(err)
	}
	return out, nil
}

func (e *ExprEngine) getOrCompile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	tree, err := parser.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"parse expression %q: %s", expression, err.Error()).WithCause(err)
	}
	if err := checkNode(tree.Node, 0); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"expression %q rejected: %s", expression, err.Error())
	}

	prg, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"compile expression %q: %s", expression, err.Error()).WithCause(err)
	}
	e.cache[expression] = prg
	return prg, nil
}

var allowedBinaryOps = map[string]bool{
	"and": true, "or": true, "&&": true, "||": true,
	"==": true, "!=": true,
	"<": true, "<=": true, ">": true, ">=": true,
	"+": true, "-": true, "*": true, "/": true, "%": true,
	"in": true,
}

var allowedUnaryOps = map[string]bool{
	"not": true, "!": true, "-": true, "+": true,
}

// checkNode walks the parsed tree, admitting only the whitelisted subset.
func checkNode(node ast.Node, depth int) error {
	if depth > maxExprDepth {
		return schema.NewErrorf(schema.ErrCodeValidation, "expression exceeds depth limit %d", maxExprDepth)
	}
	switch n := node.(type) {
	case *ast.NilNode, *ast.IntegerNode, *ast.FloatNode, *ast.BoolNode, *ast.StringNode:
		return nil
	case *ast.UnaryNode:
		if !allowedUnaryOps[n.Operator] {
			return schema.NewErrorf(schema.ErrCodeValidation, "operator %q not allowed", n.Operator)
		}
		return checkNode(n.Node, depth+1)
	case *ast.BinaryNode:
		if !allowedBinaryOps[n.Operator] {
			return schema.NewErrorf(schema.ErrCodeValidation, "operator %q not allowed", n.Operator)
		}
		if err := checkNode(n.Left, depth+1); err != nil {
			return err
		}
		return checkNode(n.Right, depth+1)
	case *ast.ArrayNode:
		for _, elem := range n.Nodes {
			if err := checkNode(elem, depth+1); err != nil {
				return err
			}
		}
		return nil
	case *ast.IdentifierNode:
		return schema.NewErrorf(schema.ErrCodeValidation,
			"identifier %q not allowed: substitute a ${...} reference instead", n.Value)
	case *ast.CallNode, *ast.BuiltinNode:
		return schema.NewError(schema.ErrCodeValidation, "calls are not allowed")
	case *ast.MemberNode, *ast.ChainNode:
		return schema.NewError(schema.ErrCodeValidation, "attribute access is not allowed")
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "syntax node %T not allowed", node)
	}
}
