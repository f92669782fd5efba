package schema

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/spf13/cast"
)

// --------------------------------------------------------------------------
// Value helpers shared by the adapters and the query builder
// --------------------------------------------------------------------------

// ToNumber reports the float64 value of v if v has a numeric Go type.
// Strings are not parsed, use Coerce for that.
func ToNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		f, err := cast.ToFloat64E(n)
		return f, err == nil
	default:
		return 0, false
	}
}

// Coerce converts v into a number, falling back to 0 for values that are not numeric.
// Numeric strings are parsed.
func Coerce(v any) float64 {
	if _, isBool := v.(bool); isBool {
		return 0
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return 0
	}
	return f
}

// Equal compares two field values. Numbers compare by value regardless of their Go type.
func Equal(a, b any) bool {
	na, okA := ToNumber(a)
	nb, okB := ToNumber(b)
	if okA && okB {
		return na == nb
	}
	return reflect.DeepEqual(a, b)
}

// typeRank orders values of different kinds: nil < bool < number < string < anything else.
func typeRank(v any) int {
	if v == nil {
		return 0
	}
	if _, ok := v.(bool); ok {
		return 1
	}
	if _, ok := ToNumber(v); ok {
		return 2
	}
	if _, ok := v.(string); ok {
		return 3
	}
	return 4
}

// Compare orders two field values and returns -1, 0 or 1.
func Compare(a, b any) int {
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch ra {
	case 0:
		return 0
	case 1:
		ba, bb := a.(bool), b.(bool)
		switch {
		case ba == bb:
			return 0
		case !ba:
			return -1
		default:
			return 1
		}
	case 2:
		na, _ := ToNumber(a)
		nb, _ := ToNumber(b)
		switch {
		case na < nb:
			return -1
		case na > nb:
			return 1
		default:
			return 0
		}
	case 3:
		return strings.Compare(a.(string), b.(string))
	default:
		return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
	}
}
