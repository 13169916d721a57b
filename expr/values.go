package expr

import (
	"fmt"
	"math"
	"reflect"
	"strings"
)

// normalize converts context values into the small set of runtime types the
// evaluator works with: nil, bool, float64, string, []interface{} and
// map[string]interface{}. Unknown types pass through unchanged.
func normalize(v interface{}) interface{} {
	switch val := v.(type) {
	case nil, bool, float64, string, []interface{}, map[string]interface{}:
		return val
	case int:
		return float64(val)
	case int8:
		return float64(val)
	case int16:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case uint:
		return float64(val)
	case uint8:
		return float64(val)
	case uint16:
		return float64(val)
	case uint32:
		return float64(val)
	case uint64:
		return float64(val)
	case float32:
		return float64(val)
	case *float64:
		if val == nil {
			return nil
		}
		return *val
	case []string:
		out := make([]interface{}, len(val))
		for i, s := range val {
			out[i] = s
		}
		return out
	case map[string]string:
		out := make(map[string]interface{}, len(val))
		for k, s := range val {
			out[k] = s
		}
		return out
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]interface{}, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = rv.Index(i).Interface()
		}
		return out
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return v
		}
		out := make(map[string]interface{}, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = iter.Value().Interface()
		}
		return out
	case reflect.Ptr:
		if rv.IsNil() {
			return nil
		}
		return normalize(rv.Elem().Interface())
	}
	return v
}

// truthy follows the usual scripting convention: nil, false, zero, empty
// strings and empty collections are false.
func truthy(v interface{}) bool {
	switch val := normalize(v).(type) {
	case nil:
		return false
	case bool:
		return val
	case float64:
		return val != 0 && !math.IsNaN(val)
	case string:
		return val != ""
	case []interface{}:
		return len(val) > 0
	case map[string]interface{}:
		return len(val) > 0
	default:
		return true
	}
}

func equal(a, b interface{}) bool {
	a, b = normalize(a), normalize(b)
	switch av := a.(type) {
	case nil:
		return b == nil
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case float64:
		bv, ok := b.(float64)
		return ok && av == bv
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case []interface{}:
		bv, ok := b.([]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case map[string]interface{}:
		bv, ok := b.(map[string]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			other, exists := bv[k]
			if !exists || !equal(v, other) {
				return false
			}
		}
		return true
	default:
		return reflect.DeepEqual(a, b)
	}
}

// order compares two values for <, <=, > and >=. ok is false when the
// operands are not both numbers or both strings, which makes the ordered
// comparison false rather than an error so optional fields can be probed.
func order(a, b interface{}) (cmp int, ok bool) {
	a, b = normalize(a), normalize(b)
	switch av := a.(type) {
	case float64:
		bv, isNum := b.(float64)
		if !isNum || math.IsNaN(av) || math.IsNaN(bv) {
			return 0, false
		}
		switch {
		case av < bv:
			return -1, true
		case av > bv:
			return 1, true
		}
		return 0, true
	case string:
		bv, isStr := b.(string)
		if !isStr {
			return 0, false
		}
		return strings.Compare(av, bv), true
	}
	return 0, false
}

// contains implements the "in" operator: list membership, substring match
// or map key presence. A nil container contains nothing.
func contains(container, item interface{}) (bool, error) {
	switch c := normalize(container).(type) {
	case nil:
		return false, nil
	case []interface{}:
		for _, elem := range c {
			if equal(elem, item) {
				return true, nil
			}
		}
		return false, nil
	case string:
		s, ok := normalize(item).(string)
		if !ok {
			if item == nil {
				return false, nil
			}
			return false, errorf("'in <string>' requires string as left operand, not %s", typeName(item))
		}
		return strings.Contains(c, s), nil
	case map[string]interface{}:
		key, ok := normalize(item).(string)
		if !ok {
			return false, nil
		}
		_, exists := c[key]
		return exists, nil
	default:
		return false, errorf("argument of type %s is not a container", typeName(container))
	}
}

func arithmetic(op string, a, b interface{}) (interface{}, error) {
	a, b = normalize(a), normalize(b)
	if a == nil || b == nil {
		return nil, nil
	}

	switch av := a.(type) {
	case float64:
		bv, ok := b.(float64)
		if !ok {
			break
		}
		switch op {
		case "+":
			return av + bv, nil
		case "-":
			return av - bv, nil
		case "*":
			return av * bv, nil
		case "/":
			if bv == 0 {
				return nil, &evalError{reason: "cannot evaluate " + op, err: ErrDivisionByZero}
			}
			return av / bv, nil
		case "%":
			if bv == 0 {
				return nil, &evalError{reason: "cannot evaluate " + op, err: ErrDivisionByZero}
			}
			m := math.Mod(av, bv)
			if m != 0 && (m < 0) != (bv < 0) {
				m += bv
			}
			return m, nil
		}
	case string:
		if bv, ok := b.(string); ok && op == "+" {
			return av + bv, nil
		}
	case []interface{}:
		if bv, ok := b.([]interface{}); ok && op == "+" {
			out := make([]interface{}, 0, len(av)+len(bv))
			out = append(out, av...)
			return append(out, bv...), nil
		}
	}

	return nil, errorf("unsupported operand types for %s: %s and %s", op, typeName(a), typeName(b))
}

func index(container, key interface{}) (interface{}, error) {
	switch c := normalize(container).(type) {
	case nil:
		return nil, nil
	case []interface{}:
		n, ok := normalize(key).(float64)
		if !ok || n != math.Trunc(n) {
			return nil, errorf("list indices must be integers, not %s", typeName(key))
		}
		i := int(n)
		if i < 0 {
			i += len(c)
		}
		if i < 0 || i >= len(c) {
			return nil, nil
		}
		return c[i], nil
	case map[string]interface{}:
		k, ok := normalize(key).(string)
		if !ok {
			return nil, nil
		}
		return c[k], nil
	case string:
		n, ok := normalize(key).(float64)
		if !ok || n != math.Trunc(n) {
			return nil, errorf("string indices must be integers, not %s", typeName(key))
		}
		runes := []rune(c)
		i := int(n)
		if i < 0 {
			i += len(runes)
		}
		if i < 0 || i >= len(runes) {
			return nil, nil
		}
		return string(runes[i]), nil
	default:
		return nil, errorf("%s is not subscriptable", typeName(container))
	}
}

func typeName(v interface{}) string {
	switch normalize(v).(type) {
	case nil:
		return "none"
	case bool:
		return "bool"
	case float64:
		return "number"
	case string:
		return "string"
	case []interface{}:
		return "list"
	case map[string]interface{}:
		return "dict"
	default:
		return fmt.Sprintf("%T", v)
	}
}
