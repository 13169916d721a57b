package expr

import (
	"fmt"
	"regexp"
	"strings"
)

// TokenType represents the type of a token in a condition expression.
type TokenType int

const (
	// TokenEOF represents end of input
	TokenEOF TokenType = iota
	// TokenNUMBER is an integer or decimal literal
	TokenNUMBER
	// TokenSTRING is a single or double quoted literal
	TokenSTRING
	// TokenIDENTIFIER is a field name looked up in the context
	TokenIDENTIFIER
	// TokenKEYWORD is one of and, or, not, in, is, true, false, none, null
	TokenKEYWORD
	// TokenOPERATOR is a comparison, arithmetic or logical operator
	TokenOPERATOR
	// TokenPUNCT is a bracket, brace, parenthesis, comma or colon
	TokenPUNCT
	// TokenFORBIDDEN is lexically valid but never allowed (".", "=", "**", ":=", statement keywords)
	TokenFORBIDDEN
)

// String returns the string representation of a token type.
func (tt TokenType) String() string {
	switch tt {
	case TokenEOF:
		return "EOF"
	case TokenNUMBER:
		return "NUMBER"
	case TokenSTRING:
		return "STRING"
	case TokenIDENTIFIER:
		return "IDENTIFIER"
	case TokenKEYWORD:
		return "KEYWORD"
	case TokenOPERATOR:
		return "OPERATOR"
	case TokenPUNCT:
		return "PUNCT"
	case TokenFORBIDDEN:
		return "FORBIDDEN"
	default:
		return "UNKNOWN"
	}
}

// Token is a single lexeme with its byte offset for error reporting.
type Token struct {
	Type     TokenType
	Value    string
	Position int
}

// String returns a string representation of the token for debugging.
func (t Token) String() string {
	return fmt.Sprintf("%s(%q) at pos %d", t.Type, t.Value, t.Position)
}

// is reports whether the token has the given type and (case-insensitive) value.
func (t Token) is(tt TokenType, value string) bool {
	return t.Type == tt && strings.EqualFold(t.Value, value)
}

type tokenPattern struct {
	Type    TokenType
	Pattern *regexp.Regexp
}

var (
	// Multi-character operators come before their single-character prefixes.
	tokenPatterns = []tokenPattern{
		{TokenNUMBER, regexp.MustCompile(`^(?:\d+\.\d*|\.\d+|\d+)(?:[eE][+-]?\d+)?`)},
		{TokenSTRING, regexp.MustCompile(`^"(?:[^"\\]|\\.)*"`)},
		{TokenSTRING, regexp.MustCompile(`^'(?:[^'\\]|\\.)*'`)},
		{TokenFORBIDDEN, regexp.MustCompile(`^(?:\*\*|:=|//)`)},
		{TokenOPERATOR, regexp.MustCompile(`^(?:==|!=|<=|>=|=~|&&|\|\|)`)},
		{TokenOPERATOR, regexp.MustCompile(`^[<>+\-*/%!]`)},
		{TokenPUNCT, regexp.MustCompile(`^[()\[\]{},:]`)},
		{TokenFORBIDDEN, regexp.MustCompile(`^[.=;@\x60$#~^&|\\]`)},
		{TokenIDENTIFIER, regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*`)},
	}

	whitespacePattern = regexp.MustCompile(`^\s+`)

	keywords = map[string]bool{
		"and": true, "or": true, "not": true, "in": true, "is": true,
		"true": true, "false": true, "none": true, "null": true,
	}

	// statement and control-flow keywords are never valid in a condition
	forbiddenKeywords = map[string]bool{
		"lambda": true, "import": true, "def": true, "class": true, "for": true,
		"while": true, "if": true, "else": true, "yield": true, "await": true,
		"async": true, "global": true, "nonlocal": true, "with": true, "del": true,
		"return": true, "assert": true, "raise": true, "try": true, "except": true,
		"exec": true, "eval": true,
	}
)

// Tokenize converts a condition expression into tokens terminated by EOF.
// Characters outside the grammar produce an *InvalidExpressionError.
func Tokenize(expression string) ([]Token, error) {
	var tokens []Token
	position := 0

	for position < len(expression) {
		rest := expression[position:]
		if match := whitespacePattern.FindString(rest); match != "" {
			position += len(match)
			continue
		}

		matched := false
		for _, p := range tokenPatterns {
			match := p.Pattern.FindString(rest)
			if match == "" {
				continue
			}

			tok := Token{Type: p.Type, Value: match, Position: position}
			if p.Type == TokenIDENTIFIER {
				lower := strings.ToLower(match)
				switch {
				case keywords[lower]:
					tok.Type = TokenKEYWORD
				case forbiddenKeywords[lower], strings.HasPrefix(match, "__"):
					tok.Type = TokenFORBIDDEN
				}
			}

			tokens = append(tokens, tok)
			position += len(match)
			matched = true
			break
		}

		if !matched {
			return nil, &InvalidExpressionError{
				Expression: expression,
				Position:   position,
				Token:      string([]rune(rest)[:1]),
				Reason:     "unexpected character",
			}
		}
	}

	tokens = append(tokens, Token{Type: TokenEOF, Position: position})
	return tokens, nil
}
