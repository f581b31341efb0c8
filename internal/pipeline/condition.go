package pipeline

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"strconv"
	"strings"

	"github.com/Priya8975/sales-webhooks/internal/domain"
)

// evaluate reports whether the payload satisfies cond.
func evaluate(cond *domain.Condition, data map[string]any) bool {
	actual, found := getPath(data, cond.Field)

	switch cond.Operator {
	case domain.OpExists:
		return found
	case domain.OpNotExists:
		return !found
	}
	if !found {
		// ne and not_in hold for a missing field; every other comparison fails.
		return cond.Operator == domain.OpNe || cond.Operator == domain.OpNotIn
	}

	switch cond.Operator {
	case domain.OpEq:
		return equal(actual, cond.Value)
	case domain.OpNe:
		return !equal(actual, cond.Value)
	case domain.OpGt, domain.OpGte, domain.OpLt, domain.OpLte:
		return compare(cond.Operator, actual, cond.Value)
	case domain.OpIn:
		return member(actual, cond.Value)
	case domain.OpNotIn:
		return !member(actual, cond.Value)
	case domain.OpContains:
		return contains(actual, cond.Value)
	}
	return false
}

// toNumber converts numeric values, json.Number and numeric strings to an
// exact decimal so integers beyond 2^53 compare correctly.
func toNumber(v any) (*big.Float, bool) {
	f := new(big.Float).SetPrec(numberPrec)
	switch n := v.(type) {
	case int:
		return f.SetInt64(int64(n)), true
	case int32:
		return f.SetInt64(int64(n)), true
	case int64:
		return f.SetInt64(n), true
	case uint:
		return f.SetUint64(uint64(n)), true
	case uint64:
		return f.SetUint64(n), true
	case float32:
		return decimal(f, float64(n), 32)
	case float64:
		return decimal(f, n, 64)
	case json.Number:
		_, ok := f.SetString(string(n))
		return f, ok
	case string:
		_, ok := f.SetString(strings.TrimSpace(n))
		return f, ok && n != ""
	}
	return nil, false
}

const numberPrec = 256

// decimal uses the shortest decimal form of n so 0.1 from config equals
// "0.1" from a payload.
func decimal(f *big.Float, n float64, bitSize int) (*big.Float, bool) {
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return nil, false
	}
	_, ok := f.SetString(strconv.FormatFloat(n, 'g', -1, bitSize))
	return f, ok
}

func isNumeric(v any) bool {
	if _, ok := v.(string); ok {
		return false
	}
	_, ok := toNumber(v)
	return ok
}

func equal(a, b any) bool {
	if isNumeric(a) || isNumeric(b) {
		na, okA := toNumber(a)
		nb, okB := toNumber(b)
		if okA && okB {
			return na.Cmp(nb) == 0
		}
	}
	if reflect.DeepEqual(a, b) {
		return true
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func compare(op domain.Operator, a, b any) bool {
	var c int
	na, okA := toNumber(a)
	nb, okB := toNumber(b)
	if okA && okB {
		c = na.Cmp(nb)
	} else {
		c = strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
	}
	switch op {
	case domain.OpGt:
		return c > 0
	case domain.OpGte:
		return c >= 0
	case domain.OpLt:
		return c < 0
	default:
		return c <= 0
	}
}

func asSlice(v any) []any {
	if v == nil {
		return nil
	}
	if s, ok := v.([]any); ok {
		return s
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return []any{v}
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out
}

func member(actual, set any) bool {
	for _, candidate := range asSlice(set) {
		if equal(actual, candidate) {
			return true
		}
	}
	return false
}

func contains(actual, needle any) bool {
	if s, ok := actual.(string); ok {
		return strings.Contains(s, fmt.Sprint(needle))
	}
	if _, ok := actual.(map[string]any); ok {
		return false
	}
	for _, item := range asSlice(actual) {
		if equal(item, needle) {
			return true
		}
	}
	return false
}
