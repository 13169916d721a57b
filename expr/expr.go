package expr

import (
	"errors"
	"sort"
	"time"
)

// Expression is a compiled, reusable condition. It is safe for concurrent use.
type Expression struct {
	source      string
	root        Node
	identifiers []string
}

// Option configures compilation.
type Option func(*Parser)

// WithRegexTimeout overrides the per-match timeout for =~ patterns.
func WithRegexTimeout(d time.Duration) Option {
	return func(p *Parser) {
		if d > 0 {
			p.regexTimeout = d
		}
	}
}

// Compile parses and validates an expression. Every construct outside the
// allowed grammar fails here with an *InvalidExpressionError.
func Compile(source string, opts ...Option) (*Expression, error) {
	if len(source) > MaxExpressionLength {
		return nil, &InvalidExpressionError{
			Expression: source[:64] + "...",
			Reason:     "expression exceeds maximum length",
		}
	}

	tokens, err := Tokenize(source)
	if err != nil {
		return nil, err
	}

	parser := NewParser(source, tokens)
	for _, opt := range opts {
		opt(parser)
	}

	root, err := parser.Parse()
	if err != nil {
		return nil, err
	}

	return &Expression{source: source, root: root, identifiers: collectIdentifiers(root)}, nil
}

// MustCompile is like Compile but panics on error. Intended for static expressions.
func MustCompile(source string) *Expression {
	e, err := Compile(source)
	if err != nil {
		panic(err)
	}
	return e
}

// Source returns the original expression text.
func (e *Expression) Source() string { return e.source }

// Root returns the parsed tree.
func (e *Expression) Root() Node { return e.root }

// Identifiers returns the sorted, distinct context names the expression reads.
func (e *Expression) Identifiers() []string {
	out := make([]string, len(e.identifiers))
	copy(out, e.identifiers)
	return out
}

// Value evaluates the expression and returns its raw result.
func (e *Expression) Value(ctx map[string]interface{}) (interface{}, error) {
	v, err := e.root.Eval(ctx)
	if err != nil {
		var ee *evalError
		if errors.As(err, &ee) {
			return nil, &EvaluationError{Expression: e.source, Reason: ee.reason, Err: ee.err}
		}
		return nil, &EvaluationError{Expression: e.source, Reason: "evaluation failed", Err: err}
	}
	return v, nil
}

// Evaluate reports whether the expression is truthy for ctx. Names missing
// from ctx evaluate to none, which is falsy.
func (e *Expression) Evaluate(ctx map[string]interface{}) (bool, error) {
	v, err := e.Value(ctx)
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}

// Evaluate compiles and evaluates source in one step.
func Evaluate(source string, ctx map[string]interface{}) (bool, error) {
	e, err := Compile(source)
	if err != nil {
		return false, err
	}
	return e.Evaluate(ctx)
}

// Validate checks that source compiles without evaluating it.
func Validate(source string) error {
	_, err := Compile(source)
	return err
}

func collectIdentifiers(root Node) []string {
	seen := make(map[string]struct{})
	var walk func(Node)
	walk = func(n Node) {
		switch node := n.(type) {
		case *IdentifierNode:
			seen[node.Name] = struct{}{}
		case *ListNode:
			for _, e := range node.Elements {
				walk(e)
			}
		case *DictNode:
			for i := range node.Keys {
				walk(node.Keys[i])
				walk(node.Values[i])
			}
		case *IndexNode:
			walk(node.Target)
			walk(node.Key)
		case *LogicalNode:
			walk(node.Left)
			walk(node.Right)
		case *NotNode:
			walk(node.Operand)
		case *NegateNode:
			walk(node.Operand)
		case *ArithmeticNode:
			walk(node.Left)
			walk(node.Right)
		case *CompareNode:
			walk(node.Left)
			for _, c := range node.Comparisons {
				walk(c.Right)
			}
		}
	}
	walk(root)

	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
