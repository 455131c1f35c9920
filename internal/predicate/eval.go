package predicate

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/tidwall/gjson"
)

// ErrUnboundPlaceholder is returned by Eval when expr still contains a "?"
// that Bind should have substituted first.
var ErrUnboundPlaceholder = errors.New("predicate: cannot evaluate unbound placeholder")

// Lookup resolves a Path's top-level segment to the property's raw JSON
// value (typically backed by property.LWWBackend.Get). Remaining path
// segments, if any, are traversed as JSON sub-structure via gjson. A false
// second return means the property is absent (IS NULL evaluates true).
type Lookup func(property string) ([]byte, bool)

// Eval evaluates expr against the entity reachable through lookup. It
// returns ErrUnboundPlaceholder rather than guessing if a clause still
// carries a "?" literal.
func Eval(expr Expr, lookup Lookup) (bool, error) {
	switch e := expr.(type) {
	case BoolLiteral:
		return bool(e), nil
	case And:
		l, err := Eval(e.Left, lookup)
		if err != nil {
			return false, err
		}
		if !l {
			return false, nil
		}
		return Eval(e.Right, lookup)
	case Or:
		l, err := Eval(e.Left, lookup)
		if err != nil {
			return false, err
		}
		if l {
			return true, nil
		}
		return Eval(e.Right, lookup)
	case Not:
		v, err := Eval(e.Inner, lookup)
		if err != nil {
			return false, err
		}
		return !v, nil
	case IsNull:
		_, ok := resolve(e.Path, lookup)
		return !ok, nil
	case Comparison:
		if e.Value.Kind == KindPlaceholder {
			return false, fmt.Errorf("%w: %s", ErrUnboundPlaceholder, e)
		}
		raw, ok := resolve(e.Path, lookup)
		if !ok {
			return false, nil
		}
		return evalCompare(raw, e.Op, e.Value)
	case In:
		for _, v := range e.Values {
			if v.Kind == KindPlaceholder {
				return false, fmt.Errorf("%w: %s", ErrUnboundPlaceholder, e)
			}
		}
		raw, ok := resolve(e.Path, lookup)
		if !ok {
			return false, nil
		}
		for _, v := range e.Values {
			eq, err := evalCompare(raw, OpEq, v)
			if err != nil {
				return false, err
			}
			if eq {
				return true, nil
			}
		}
		return false, nil
	case Between:
		if e.Low.Kind == KindPlaceholder || e.High.Kind == KindPlaceholder {
			return false, fmt.Errorf("%w: %s", ErrUnboundPlaceholder, e)
		}
		raw, ok := resolve(e.Path, lookup)
		if !ok {
			return false, nil
		}
		low, err := evalCompare(raw, OpGte, e.Low)
		if err != nil {
			return false, err
		}
		if !low {
			return false, nil
		}
		return evalCompare(raw, OpLte, e.High)
	default:
		return false, fmt.Errorf("predicate: eval: unhandled expr type %T", expr)
	}
}

// resolve returns the raw JSON bytes a Path points at: the first segment's
// property value from lookup, with remaining segments traversed via gjson.
func resolve(path Path, lookup Lookup) ([]byte, bool) {
	if len(path) == 0 {
		return nil, false
	}
	raw, ok := lookup(path[0])
	if !ok {
		return nil, false
	}
	if len(path) == 1 {
		return raw, true
	}
	sub := gjson.GetBytes(raw, join(path[1:]))
	if !sub.Exists() {
		return nil, false
	}
	return []byte(sub.Raw), true
}

func join(segs []string) string {
	out := segs[0]
	for _, s := range segs[1:] {
		out += "." + s
	}
	return out
}

// evalCompare compares a raw JSON-encoded value against a literal, coercing
// numeric kinds (i16/i32/i64/f64 per spec.md §6 all compare as numbers).
func evalCompare(raw []byte, op CompareOp, lit Literal) (bool, error) {
	switch lit.Kind {
	case KindString, KindEntityId:
		s, ok := asString(raw)
		if !ok {
			return false, nil
		}
		return compareOrdered(op, stringCmp(s, lit.Str)), nil
	case KindBool:
		b, ok := asBool(raw)
		if !ok {
			return false, nil
		}
		if op != OpEq && op != OpNeq {
			return false, fmt.Errorf("predicate: bool only supports = and <>")
		}
		eq := b == lit.Bool
		if op == OpNeq {
			return !eq, nil
		}
		return eq, nil
	case KindInt:
		f, ok := asNumber(raw)
		if !ok {
			return false, nil
		}
		return compareOrdered(op, numCmp(f, float64(lit.Int))), nil
	case KindFloat:
		f, ok := asNumber(raw)
		if !ok {
			return false, nil
		}
		return compareOrdered(op, numCmp(f, lit.Flt)), nil
	case KindNull:
		isNull := string(raw) == "null" || len(raw) == 0
		eq := isNull
		if op == OpEq {
			return eq, nil
		}
		if op == OpNeq {
			return !eq, nil
		}
		return false, fmt.Errorf("predicate: null only supports = and <>")
	default:
		return false, fmt.Errorf("predicate: unsupported literal kind for comparison")
	}
}

func compareOrdered(op CompareOp, cmp int) bool {
	switch op {
	case OpEq:
		return cmp == 0
	case OpNeq:
		return cmp != 0
	case OpLt:
		return cmp < 0
	case OpLte:
		return cmp <= 0
	case OpGt:
		return cmp > 0
	case OpGte:
		return cmp >= 0
	default:
		return false
	}
}

func stringCmp(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func numCmp(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func asString(raw []byte) (string, bool) {
	s := string(raw)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		unquoted, err := strconv.Unquote(s)
		if err != nil {
			return "", false
		}
		return unquoted, true
	}
	return s, true
}

func asBool(raw []byte) (bool, bool) {
	switch string(raw) {
	case "true":
		return true, true
	case "false":
		return false, true
	default:
		return false, false
	}
}

func asNumber(raw []byte) (float64, bool) {
	f, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
