package expr

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleContext() map[string]interface{} {
	return map[string]interface{}{
		"value_usd":  150000.0,
		"risk_score": 0.5,
		"chain":      "tron",
		"labels":     []interface{}{"mixer", "exchange"},
		"tx_hash":    "0x0000ab12",
		"count":      3,
		"metadata":   map[string]interface{}{"memo": "order 42", "hops": 4},
	}
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name       string
		expression string
		expected   bool
	}{
		{"numeric comparison", "value_usd > 100000", true},
		{"int context value", "count == 3", true},
		{"membership", `"mixer" in labels`, true},
		{"negated membership", `"bridge" not in labels`, true},
		{"chained comparison inside", "0.4 <= risk_score < 0.7", true},
		{"chained comparison outside", "0.6 <= risk_score < 0.7", false},
		{"list literal", `chain in ["tron", "bsc"]`, true},
		{"tuple literal", `chain in ("eth", "bsc")`, false},
		{"tuple equals list", "(1, 2) == [1, 2]", true},
		{"subscript list", `labels[0] == "mixer"`, true},
		{"negative subscript", `labels[-1] == "exchange"`, true},
		{"subscript dict", `metadata["hops"] >= 4`, true},
		{"dict literal", `{"a": 1}["a"] == 1`, true},
		{"substring", `"42" in metadata["memo"]`, true},
		{"arithmetic", "value_usd * 2 - 100000 > 150000", true},
		{"modulo", "count % 2 == 1", true},
		{"unary minus", "-value_usd < 0", true},
		{"and or precedence", "false and true or true", true},
		{"c-style operators", "!(risk_score > 0.9) && (count > 1 || false)", true},
		{"not binds looser than comparison", "not value_usd > 1", false},
		{"regex", `tx_hash =~ "^0x0{4}"`, true},
		{"regex escape class", `metadata["memo"] =~ "\d+$"`, true},
		{"regex non-string subject", `count =~ "3"`, false},
		{"is none", "missing is none", true},
		{"is not none", "risk_score is not None", true},
		{"string concatenation", `chain + "-mainnet" == "tron-mainnet"`, true},
		{"single quoted", `chain == 'tron'`, true},
		{"keywords case-insensitive", "True AND NOT False", true},
		{"empty list is falsy", "[]", false},
		{"null literal", "null == none", true},
	}

	ctx := sampleContext()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := Evaluate(tt.expression, ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestEvaluate_MissingIdentifiersAreFalsy(t *testing.T) {
	ctx := map[string]interface{}{"value_usd": 10.0}

	tests := []struct {
		expression string
		expected   bool
	}{
		{"risk_score", false},
		{"risk_score > 0.5", false},
		{"risk_score < 0.5", false},
		{"not risk_score", true},
		{"risk_score == none", true},
		{`"mixer" in labels`, false},
		{"labels[0] == 'x'", false},
		{"risk_score + 1 > 0", false},
		{"risk_score or value_usd", true},
	}

	for _, tt := range tests {
		t.Run(tt.expression, func(t *testing.T) {
			result, err := Evaluate(tt.expression, ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, result)
		})
	}

	result, err := Evaluate("anything", nil)
	require.NoError(t, err)
	assert.False(t, result)
}

func TestCompile_RejectsForbiddenConstructs(t *testing.T) {
	tests := []struct {
		name       string
		expression string
		reason     string
	}{
		{"function call", `open("/etc/passwd")`, "function calls"},
		{"dunder import", `__import__("os")`, "dunder"},
		{"attribute access", "event.value_usd > 1", "attribute access"},
		{"method call", `chain.upper() == "TRON"`, "attribute access"},
		{"assignment", "x = 1", "assignment"},
		{"walrus", "(x := 1)", "assignment"},
		{"statements", "a; b", "multiple statements"},
		{"lambda", "lambda: 1", "'lambda' is not allowed"},
		{"conditional expression", "1 if a else 2", "'if' is not allowed"},
		{"exponent", "2 ** 64", "exponentiation"},
		{"backtick", "`ls`", "not allowed"},
		{"unknown character", "value_usd > 1 €", "unexpected character"},
		{"empty", "   ", "empty expression"},
		{"unbalanced", "(value_usd > 1", "end of expression"},
		{"dangling operator", "value_usd >", "end of expression"},
		{"invalid regex", `chain =~ "("`, "invalid regular expression"},
		{"non literal regex", "chain =~ tx_hash", "string literal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(tt.expression)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidExpression))

			var invalid *InvalidExpressionError
			require.True(t, errors.As(err, &invalid))
			assert.Contains(t, invalid.Error(), tt.reason)
		})
	}
}

func TestCompile_Limits(t *testing.T) {
	long := strings.Repeat("a or ", MaxExpressionLength/5+1) + "a"
	_, err := Compile(long)
	assert.ErrorIs(t, err, ErrInvalidExpression)

	deep := strings.Repeat("(", MaxDepth+5) + "1" + strings.Repeat(")", MaxDepth+5)
	_, err = Compile(deep)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nested too deeply")

	shallow := strings.Repeat("(", 10) + "1" + strings.Repeat(")", 10)
	_, err = Compile(shallow)
	assert.NoError(t, err)
}

func TestEvaluate_Errors(t *testing.T) {
	ctx := sampleContext()

	_, err := Evaluate("value_usd / 0 > 1", ctx)
	var evalErr *EvaluationError
	require.True(t, errors.As(err, &evalErr))
	assert.ErrorIs(t, err, ErrDivisionByZero)

	_, err = Evaluate(`value_usd + "x" > 1`, ctx)
	require.True(t, errors.As(err, &evalErr))
	assert.Contains(t, err.Error(), "unsupported operand types")

	_, err = Evaluate("1 in value_usd", ctx)
	assert.Error(t, err)
}

func TestExpression_IdentifiersAndReuse(t *testing.T) {
	e, err := Compile(`value_usd > 1 and "x" in labels and metadata["memo"] and value_usd < 10`)
	require.NoError(t, err)
	assert.Equal(t, []string{"labels", "metadata", "value_usd"}, e.Identifiers())

	ok, err := e.Evaluate(map[string]interface{}{"value_usd": 5, "labels": []string{"x"}, "metadata": map[string]string{"memo": "m"}})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.Evaluate(map[string]interface{}{"value_usd": 50})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTokenize(t *testing.T) {
	tokens, err := Tokenize(`risk_score >= 0.7 and "a b" in labels`)
	require.NoError(t, err)

	types := make([]TokenType, len(tokens))
	for i, tok := range tokens {
		types[i] = tok.Type
	}
	assert.Equal(t, []TokenType{
		TokenIDENTIFIER, TokenOPERATOR, TokenNUMBER, TokenKEYWORD,
		TokenSTRING, TokenKEYWORD, TokenIDENTIFIER, TokenEOF,
	}, types)
	assert.Equal(t, 14, tokens[2].Position)
}
