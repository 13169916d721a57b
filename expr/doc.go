// Package expr implements the sandboxed condition language used by typology rules.
//
// Conditions are boolean expressions over an event context map, for example
//
//	value_usd > 50000 and "mixer" in labels
//	0.4 <= risk_score < 0.7 or chain in ["tron", "bsc"]
//	tx_hash =~ "^0x0{8}"
//
// Only literals, names, list/tuple/dict displays, subscripts, arithmetic,
// comparisons and boolean operators are accepted. Calls, attribute access,
// assignment and statements are rejected at compile time with an
// *InvalidExpressionError, so a rule either compiles into something safe or
// never loads. Names absent from the context evaluate to none, which is
// falsy, and ordered comparisons against none are false.
package expr
