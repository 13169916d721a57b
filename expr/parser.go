package expr

import (
	"strconv"
	"strings"
	"time"

	"github.com/dlclark/regexp2"
)

const (
	// MaxExpressionLength bounds the source size accepted by Compile
	MaxExpressionLength = 4096
	// MaxDepth bounds nesting of sub-expressions
	MaxDepth = 64
	// DefaultRegexTimeout bounds a single =~ match
	DefaultRegexTimeout = 100 * time.Millisecond
)

// Parser is a recursive descent parser over the restricted condition grammar:
//
//	expr       := or
//	or         := and (("or" | "||") and)*
//	and        := not (("and" | "&&") not)*
//	not        := ("not" | "!") not | comparison
//	comparison := additive (compop additive)*
//	additive   := term (("+" | "-") term)*
//	term       := unary (("*" | "/" | "%") unary)*
//	unary      := "-" unary | postfix
//	postfix    := primary ("[" expr "]")*
//	primary    := NUMBER | STRING | true | false | none | null | IDENT
//	            | "(" expr ")" | "(" expr "," ... ")" | "[" ... "]" | "{" k ":" v, ... "}"
//
// Anything else, notably calls, attribute access and assignment, is rejected.
type Parser struct {
	source       string
	tokens       []Token
	current      int
	depth        int
	regexTimeout time.Duration
}

// NewParser creates a parser for already tokenized input.
func NewParser(source string, tokens []Token) *Parser {
	return &Parser{source: source, tokens: tokens, regexTimeout: DefaultRegexTimeout}
}

// Parse builds the expression tree, failing if any tokens remain.
func (p *Parser) Parse() (Node, error) {
	if len(p.tokens) == 0 || p.peek().Type == TokenEOF {
		return nil, p.fail(p.peek(), "empty expression")
	}

	node, err := p.parseExpression()
	if err != nil {
		return nil, err
	}

	if tok := p.peek(); tok.Type != TokenEOF {
		return nil, p.unexpected(tok)
	}
	return node, nil
}

func (p *Parser) parseExpression() (Node, error) {
	p.depth++
	defer func() { p.depth-- }()
	if p.depth > MaxDepth {
		return nil, p.fail(p.peek(), "expression nested too deeply")
	}
	return p.parseOr()
}

func (p *Parser) parseOr() (Node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.matchKeyword("or") || p.matchOperator("||") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &LogicalNode{Operator: "or", Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parseAnd() (Node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.matchKeyword("and") || p.matchOperator("&&") {
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &LogicalNode{Operator: "and", Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parseNot() (Node, error) {
	if p.matchKeyword("not") || p.matchOperator("!") {
		p.depth++
		defer func() { p.depth-- }()
		if p.depth > MaxDepth {
			return nil, p.fail(p.peek(), "expression nested too deeply")
		}
		operand, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &NotNode{Operand: operand}, nil
	}
	return p.parseComparison()
}

func (p *Parser) parseComparison() (Node, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}

	var comparisons []Comparison
	for {
		tok := p.peek()
		op := ""
		switch {
		case tok.Type == TokenOPERATOR && isComparisonOperator(tok.Value):
			p.advance()
			op = tok.Value
		case tok.is(TokenKEYWORD, "in"):
			p.advance()
			op = "in"
		case tok.is(TokenKEYWORD, "not") && p.peekAt(1).is(TokenKEYWORD, "in"):
			p.advance()
			p.advance()
			op = "not in"
		case tok.is(TokenKEYWORD, "is"):
			p.advance()
			op = "is"
			if p.matchKeyword("not") {
				op = "is not"
			}
		}
		if op == "" {
			break
		}

		rightTok := p.peek()
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}

		c := Comparison{Operator: op, Right: right}
		if op == "=~" {
			re, err := p.compileRegex(rightTok, right)
			if err != nil {
				return nil, err
			}
			c.Regex = re
		}
		comparisons = append(comparisons, c)
	}

	if len(comparisons) == 0 {
		return left, nil
	}
	return &CompareNode{Left: left, Comparisons: comparisons}, nil
}

func (p *Parser) compileRegex(tok Token, right Node) (*regexp2.Regexp, error) {
	lit, ok := right.(*LiteralNode)
	if !ok {
		return nil, p.fail(tok, "right side of =~ must be a string literal")
	}
	pattern, ok := lit.Value.(string)
	if !ok {
		return nil, p.fail(tok, "right side of =~ must be a string literal")
	}
	re, err := regexp2.Compile(pattern, regexp2.None)
	if err != nil {
		return nil, p.fail(tok, "invalid regular expression: "+err.Error())
	}
	re.MatchTimeout = p.regexTimeout
	return re, nil
}

func (p *Parser) parseAdditive() (Node, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for {
		tok := p.peek()
		if tok.Type != TokenOPERATOR || (tok.Value != "+" && tok.Value != "-") {
			return left, nil
		}
		p.advance()
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		left = &ArithmeticNode{Operator: tok.Value, Left: left, Right: right}
	}
}

func (p *Parser) parseTerm() (Node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		tok := p.peek()
		if tok.Type != TokenOPERATOR || (tok.Value != "*" && tok.Value != "/" && tok.Value != "%") {
			return left, nil
		}
		p.advance()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &ArithmeticNode{Operator: tok.Value, Left: left, Right: right}
	}
}

func (p *Parser) parseUnary() (Node, error) {
	if p.matchOperator("-") {
		p.depth++
		defer func() { p.depth-- }()
		if p.depth > MaxDepth {
			return nil, p.fail(p.peek(), "expression nested too deeply")
		}
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		if lit, ok := operand.(*LiteralNode); ok {
			if f, isNum := lit.Value.(float64); isNum {
				return &LiteralNode{Value: -f}, nil
			}
		}
		return &NegateNode{Operand: operand}, nil
	}
	if tok := p.peek(); tok.Type == TokenOPERATOR && tok.Value == "+" {
		return nil, p.fail(tok, "unary + is not allowed")
	}
	return p.parsePostfix()
}

func (p *Parser) parsePostfix() (Node, error) {
	node, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		tok := p.peek()
		switch {
		case tok.is(TokenPUNCT, "["):
			p.advance()
			key, err := p.parseExpression()
			if err != nil {
				return nil, err
			}
			if err := p.expectPunct("]"); err != nil {
				return nil, err
			}
			node = &IndexNode{Target: node, Key: key}
		case tok.is(TokenPUNCT, "("):
			return nil, p.fail(tok, "function calls are not allowed")
		case tok.is(TokenFORBIDDEN, "."):
			return nil, p.fail(tok, "attribute access is not allowed")
		default:
			return node, nil
		}
	}
}

func (p *Parser) parsePrimary() (Node, error) {
	tok := p.peek()

	switch tok.Type {
	case TokenNUMBER:
		p.advance()
		f, err := strconv.ParseFloat(tok.Value, 64)
		if err != nil {
			return nil, p.fail(tok, "invalid number")
		}
		return &LiteralNode{Value: f}, nil

	case TokenSTRING:
		p.advance()
		s, err := unquote(tok.Value)
		if err != nil {
			return nil, p.fail(tok, "invalid string literal")
		}
		return &LiteralNode{Value: s}, nil

	case TokenIDENTIFIER:
		p.advance()
		return &IdentifierNode{Name: tok.Value}, nil

	case TokenKEYWORD:
		switch strings.ToLower(tok.Value) {
		case "true":
			p.advance()
			return &LiteralNode{Value: true}, nil
		case "false":
			p.advance()
			return &LiteralNode{Value: false}, nil
		case "none", "null":
			p.advance()
			return &LiteralNode{Value: nil}, nil
		}
		return nil, p.unexpected(tok)

	case TokenPUNCT:
		switch tok.Value {
		case "(":
			p.advance()
			return p.parseParenthesized()
		case "[":
			p.advance()
			elems, err := p.parseSequence("]")
			if err != nil {
				return nil, err
			}
			return &ListNode{Elements: elems}, nil
		case "{":
			p.advance()
			return p.parseDict()
		}
		return nil, p.unexpected(tok)

	case TokenEOF:
		return nil, p.fail(tok, "unexpected end of expression")
	}

	return nil, p.unexpected(tok)
}

// parseParenthesized handles grouping and tuple literals. Tuples evaluate to lists.
func (p *Parser) parseParenthesized() (Node, error) {
	if p.matchPunct(")") {
		return &ListNode{}, nil
	}
	first, err := p.parseExpression()
	if err != nil {
		return nil, err
	}
	if p.matchPunct(")") {
		return first, nil
	}
	if !p.matchPunct(",") {
		return nil, p.unexpected(p.peek())
	}
	elems := []Node{first}
	rest, err := p.parseSequence(")")
	if err != nil {
		return nil, err
	}
	return &ListNode{Elements: append(elems, rest...)}, nil
}

// parseSequence parses comma separated expressions up to the closing
// punctuation, allowing a trailing comma.
func (p *Parser) parseSequence(closing string) ([]Node, error) {
	var elems []Node
	for {
		if p.matchPunct(closing) {
			return elems, nil
		}
		elem, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		elems = append(elems, elem)
		if p.matchPunct(closing) {
			return elems, nil
		}
		if !p.matchPunct(",") {
			return nil, p.unexpected(p.peek())
		}
	}
}

func (p *Parser) parseDict() (Node, error) {
	dict := &DictNode{}
	for {
		if p.matchPunct("}") {
			return dict, nil
		}
		key, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		if err := p.expectPunct(":"); err != nil {
			return nil, err
		}
		value, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		dict.Keys = append(dict.Keys, key)
		dict.Values = append(dict.Values, value)
		if p.matchPunct("}") {
			return dict, nil
		}
		if !p.matchPunct(",") {
			return nil, p.unexpected(p.peek())
		}
	}
}

func isComparisonOperator(op string) bool {
	switch op {
	case "==", "!=", "<", "<=", ">", ">=", "=~":
		return true
	}
	return false
}

// unquote strips the quotes and resolves the common escapes. Unknown escapes
// keep their backslash so regex patterns such as "\d+" survive.
func unquote(lit string) (string, error) {
	if len(lit) < 2 {
		return "", strconv.ErrSyntax
	}
	body := lit[1 : len(lit)-1]
	if !strings.Contains(body, `\`) {
		return body, nil
	}

	var sb strings.Builder
	sb.Grow(len(body))
	for i := 0; i < len(body); i++ {
		c := body[i]
		if c != '\\' || i == len(body)-1 {
			sb.WriteByte(c)
			continue
		}
		i++
		switch body[i] {
		case '\\':
			sb.WriteByte('\\')
		case '\'':
			sb.WriteByte('\'')
		case '"':
			sb.WriteByte('"')
		case 'n':
			sb.WriteByte('\n')
		case 't':
			sb.WriteByte('\t')
		case 'r':
			sb.WriteByte('\r')
		default:
			sb.WriteByte('\\')
			sb.WriteByte(body[i])
		}
	}
	return sb.String(), nil
}

func (p *Parser) peek() Token {
	return p.peekAt(0)
}

func (p *Parser) peekAt(offset int) Token {
	i := p.current + offset
	if i >= len(p.tokens) {
		return Token{Type: TokenEOF, Position: len(p.source)}
	}
	return p.tokens[i]
}

func (p *Parser) advance() Token {
	tok := p.peek()
	if p.current < len(p.tokens) {
		p.current++
	}
	return tok
}

func (p *Parser) matchKeyword(kw string) bool {
	if p.peek().is(TokenKEYWORD, kw) {
		p.advance()
		return true
	}
	return false
}

func (p *Parser) matchOperator(op string) bool {
	tok := p.peek()
	if tok.Type == TokenOPERATOR && tok.Value == op {
		p.advance()
		return true
	}
	return false
}

func (p *Parser) matchPunct(punct string) bool {
	tok := p.peek()
	if tok.Type == TokenPUNCT && tok.Value == punct {
		p.advance()
		return true
	}
	return false
}

func (p *Parser) expectPunct(punct string) error {
	if p.matchPunct(punct) {
		return nil
	}
	tok := p.peek()
	if tok.Type == TokenEOF {
		return p.fail(tok, "expected '"+punct+"' before end of expression")
	}
	return p.fail(tok, "expected '"+punct+"'")
}

// unexpected builds the rejection for a token that cannot appear here,
// naming the forbidden construct when there is one.
func (p *Parser) unexpected(tok Token) error {
	if tok.Type == TokenEOF {
		return p.fail(tok, "unexpected end of expression")
	}
	if tok.Type == TokenFORBIDDEN {
		switch tok.Value {
		case ".":
			return p.fail(tok, "attribute access is not allowed")
		case "=", ":=":
			return p.fail(tok, "assignment is not allowed")
		case ";":
			return p.fail(tok, "multiple statements are not allowed")
		case "**":
			return p.fail(tok, "exponentiation is not allowed")
		case "//":
			return p.fail(tok, "floor division is not allowed")
		}
		if strings.HasPrefix(tok.Value, "__") {
			return p.fail(tok, "dunder names are not allowed")
		}
		return p.fail(tok, "'"+tok.Value+"' is not allowed")
	}
	return p.fail(tok, "unexpected token")
}

func (p *Parser) fail(tok Token, reason string) error {
	return &InvalidExpressionError{
		Expression: p.source,
		Position:   tok.Position,
		Token:      tok.Value,
		Reason:     reason,
	}
}
