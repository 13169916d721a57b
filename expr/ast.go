package expr

import (
	"fmt"
	"strings"

	"github.com/dlclark/regexp2"
)

// Node is a compiled expression tree node.
type Node interface {
	// Eval computes the node value against an evaluation context.
	Eval(ctx map[string]interface{}) (interface{}, error)
	// String renders the node for debugging.
	String() string
}

// LiteralNode holds a constant value.
type LiteralNode struct {
	Value interface{}
}

func (n *LiteralNode) Eval(map[string]interface{}) (interface{}, error) {
	return n.Value, nil
}

func (n *LiteralNode) String() string {
	if s, ok := n.Value.(string); ok {
		return fmt.Sprintf("%q", s)
	}
	if n.Value == nil {
		return "none"
	}
	return fmt.Sprintf("%v", n.Value)
}

// IdentifierNode looks a name up in the context. Missing names evaluate to nil.
type IdentifierNode struct {
	Name string
}

func (n *IdentifierNode) Eval(ctx map[string]interface{}) (interface{}, error) {
	if ctx == nil {
		return nil, nil
	}
	return ctx[n.Name], nil
}

func (n *IdentifierNode) String() string { return n.Name }

// ListNode is a list or tuple literal.
type ListNode struct {
	Elements []Node
}

func (n *ListNode) Eval(ctx map[string]interface{}) (interface{}, error) {
	out := make([]interface{}, 0, len(n.Elements))
	for _, elem := range n.Elements {
		v, err := elem.Eval(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (n *ListNode) String() string {
	parts := make([]string, len(n.Elements))
	for i, e := range n.Elements {
		parts[i] = e.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// DictNode is a dict literal. Keys must evaluate to strings.
type DictNode struct {
	Keys   []Node
	Values []Node
}

func (n *DictNode) Eval(ctx map[string]interface{}) (interface{}, error) {
	out := make(map[string]interface{}, len(n.Keys))
	for i := range n.Keys {
		k, err := n.Keys[i].Eval(ctx)
		if err != nil {
			return nil, err
		}
		key, ok := normalize(k).(string)
		if !ok {
			return nil, errorf("dict keys must be strings, not %s", typeName(k))
		}
		v, err := n.Values[i].Eval(ctx)
		if err != nil {
			return nil, err
		}
		out[key] = v
	}
	return out, nil
}

func (n *DictNode) String() string {
	parts := make([]string, len(n.Keys))
	for i := range n.Keys {
		parts[i] = n.Keys[i].String() + ": " + n.Values[i].String()
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// IndexNode is a subscript: target[key].
type IndexNode struct {
	Target Node
	Key    Node
}

func (n *IndexNode) Eval(ctx map[string]interface{}) (interface{}, error) {
	target, err := n.Target.Eval(ctx)
	if err != nil {
		return nil, err
	}
	key, err := n.Key.Eval(ctx)
	if err != nil {
		return nil, err
	}
	return index(target, key)
}

func (n *IndexNode) String() string {
	return n.Target.String() + "[" + n.Key.String() + "]"
}

// LogicalNode is a short-circuiting "and" or "or". Like most scripting
// languages the result is the deciding operand, not a coerced bool.
type LogicalNode struct {
	Operator string // "and" or "or"
	Left     Node
	Right    Node
}

func (n *LogicalNode) Eval(ctx map[string]interface{}) (interface{}, error) {
	left, err := n.Left.Eval(ctx)
	if err != nil {
		return nil, err
	}
	if n.Operator == "and" {
		if !truthy(left) {
			return left, nil
		}
	} else if truthy(left) {
		return left, nil
	}
	return n.Right.Eval(ctx)
}

func (n *LogicalNode) String() string {
	return "(" + n.Left.String() + " " + n.Operator + " " + n.Right.String() + ")"
}

// NotNode negates the truthiness of its operand.
type NotNode struct {
	Operand Node
}

func (n *NotNode) Eval(ctx map[string]interface{}) (interface{}, error) {
	v, err := n.Operand.Eval(ctx)
	if err != nil {
		return nil, err
	}
	return !truthy(v), nil
}

func (n *NotNode) String() string { return "not " + n.Operand.String() }

// NegateNode is unary minus.
type NegateNode struct {
	Operand Node
}

func (n *NegateNode) Eval(ctx map[string]interface{}) (interface{}, error) {
	v, err := n.Operand.Eval(ctx)
	if err != nil {
		return nil, err
	}
	switch val := normalize(v).(type) {
	case nil:
		return nil, nil
	case float64:
		return -val, nil
	default:
		return nil, errorf("bad operand type for unary -: %s", typeName(v))
	}
}

func (n *NegateNode) String() string { return "-" + n.Operand.String() }

// ArithmeticNode is a binary +, -, *, / or %.
type ArithmeticNode struct {
	Operator string
	Left     Node
	Right    Node
}

func (n *ArithmeticNode) Eval(ctx map[string]interface{}) (interface{}, error) {
	left, err := n.Left.Eval(ctx)
	if err != nil {
		return nil, err
	}
	right, err := n.Right.Eval(ctx)
	if err != nil {
		return nil, err
	}
	return arithmetic(n.Operator, left, right)
}

func (n *ArithmeticNode) String() string {
	return "(" + n.Left.String() + " " + n.Operator + " " + n.Right.String() + ")"
}

// Comparison is one link of a comparison chain.
type Comparison struct {
	Operator string // ==, !=, <, <=, >, >=, in, not in, is, is not, =~
	Right    Node
	// Regex is set for =~ and compiled once at parse time.
	Regex *regexp2.Regexp
}

// CompareNode evaluates a chain such as "0.4 <= risk_score < 0.7" as the
// conjunction of each adjacent pair, evaluating each operand at most once.
type CompareNode struct {
	Left        Node
	Comparisons []Comparison
}

func (n *CompareNode) Eval(ctx map[string]interface{}) (interface{}, error) {
	left, err := n.Left.Eval(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range n.Comparisons {
		right, err := c.Right.Eval(ctx)
		if err != nil {
			return nil, err
		}
		ok, err := compare(c, left, right)
		if err != nil {
			return nil, err
		}
		if !ok {
			return false, nil
		}
		left = right
	}
	return true, nil
}

func (n *CompareNode) String() string {
	var sb strings.Builder
	sb.WriteString("(")
	sb.WriteString(n.Left.String())
	for _, c := range n.Comparisons {
		sb.WriteString(" " + c.Operator + " " + c.Right.String())
	}
	sb.WriteString(")")
	return sb.String()
}

func compare(c Comparison, left, right interface{}) (bool, error) {
	switch c.Operator {
	case "==", "is":
		return equal(left, right), nil
	case "!=", "is not":
		return !equal(left, right), nil
	case "<", "<=", ">", ">=":
		cmp, ok := order(left, right)
		if !ok {
			return false, nil
		}
		switch c.Operator {
		case "<":
			return cmp < 0, nil
		case "<=":
			return cmp <= 0, nil
		case ">":
			return cmp > 0, nil
		default:
			return cmp >= 0, nil
		}
	case "in":
		return contains(right, left)
	case "not in":
		found, err := contains(right, left)
		return !found, err
	case "=~":
		s, ok := normalize(left).(string)
		if !ok || c.Regex == nil {
			return false, nil
		}
		matched, err := c.Regex.MatchString(s)
		if err != nil {
			return false, &evalError{reason: "regex match failed", err: err}
		}
		return matched, nil
	}
	return false, errorf("unknown comparison operator %q", c.Operator)
}
