// Package query defines the argument shapes of the repository contract
// (filters, ordering, pagination, shaping, aggregation) together with their
// runtime validation and an in-memory evaluator shared by the engines.
package query

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/xaenox/botadmin/internal/dberrors"
	"github.com/xaenox/botadmin/internal/schema"
)

// Record is one row keyed by schema field name. Results may also carry
// relation names and "_count".
type Record map[string]any

// Clone returns a shallow copy.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Data is the field assignment of a create or update. A key mapped to nil
// (or DbNull) sets SQL NULL; a missing key leaves the field untouched.
type Data map[string]any

// NullKind distinguishes the null states of nullable and JSON columns.
type NullKind uint8

const (
	// DbNull is SQL NULL.
	DbNull NullKind = iota + 1
	// JsonNull is the JSON literal null stored in a JSON column.
	JsonNull
	// AnyNull matches DbNull or JsonNull. Filters only.
	AnyNull
)

func (n NullKind) String() string {
	switch n {
	case DbNull:
		return "DbNull"
	case JsonNull:
		return "JsonNull"
	case AnyNull:
		return "AnyNull"
	}
	return "NullKind(?)"
}

var jsonNull = json.RawMessage("null")

func Ptr[T any](v T) *T { return &v }

// Normalize converts a value supplied for f into its canonical form: int64,
// string, time.Time or compact json.RawMessage, and nil for SQL NULL.
func Normalize(f *schema.Field, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if nk, ok := v.(NullKind); ok {
		switch {
		case nk == DbNull:
			return nil, nil
		case nk == JsonNull && f.Kind == schema.KindJSON:
			return jsonNull, nil
		}
		return nil, dberrors.Validation("%s cannot be assigned to %s", nk, f.Name)
	}

	switch f.Kind {
	case schema.KindInt:
		n, ok := toInt64(v)
		if !ok {
			return nil, dberrors.Validation("%s expects an integer, got %T", f.Name, v)
		}
		return n, nil
	case schema.KindString:
		switch s := v.(type) {
		case string:
			return s, nil
		case *string:
			if s == nil {
				return nil, nil
			}
			return *s, nil
		}
		return nil, dberrors.Validation("%s expects a string, got %T", f.Name, v)
	case schema.KindTime:
		switch t := v.(type) {
		case time.Time:
			return t, nil
		case *time.Time:
			if t == nil {
				return nil, nil
			}
			return *t, nil
		}
		return nil, dberrors.Validation("%s expects a time, got %T", f.Name, v)
	case schema.KindJSON:
		return normalizeJSON(f, v)
	}
	return nil, dberrors.Validation("%s has an unsupported kind", f.Name)
}

func normalizeJSON(f *schema.Field, v any) (any, error) {
	var raw []byte
	switch j := v.(type) {
	case json.RawMessage:
		if j == nil {
			return nil, nil
		}
		raw = j
	case []byte:
		if j == nil {
			return nil, nil
		}
		raw = j
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, dberrors.Validation("%s: value is not JSON encodable: %v", f.Name, err)
		}
		raw = b
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, dberrors.Validation("%s expects valid JSON: %v", f.Name, err)
	}
	return json.RawMessage(buf.Bytes()), nil
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case uint:
		if uint64(n) > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case float64:
		if n == math.Trunc(n) {
			return int64(n), true
		}
	case *int64:
		if n != nil {
			return *n, true
		}
	case *int:
		if n != nil {
			return int64(*n), true
		}
	}
	return 0, false
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	if i, ok := toInt64(v); ok {
		return float64(i), true
	}
	return 0, false
}

// Compare orders two canonical non-nil values of the same kind. Integers
// and floats compare numerically.
func Compare(a, b any) int {
	switch av := a.(type) {
	case int64:
		if bv, ok := b.(int64); ok {
			return cmpOrdered(av, bv)
		}
	case string:
		if bv, ok := b.(string); ok {
			return strings.Compare(av, bv)
		}
	case time.Time:
		if bv, ok := b.(time.Time); ok {
			return av.Compare(bv)
		}
	case json.RawMessage:
		if bv, ok := b.(json.RawMessage); ok {
			return bytes.Compare(av, bv)
		}
	}
	af, aok := toFloat64(a)
	bf, bok := toFloat64(b)
	if aok && bok {
		return cmpOrdered(af, bf)
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func cmpOrdered[T int64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Equal reports whether two canonical values are the same. nil equals only nil.
func Equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return Compare(a, b) == 0
}

// keyOf renders values into a comparable grouping key.
func keyOf(values ...any) string {
	var b strings.Builder
	for _, v := range values {
		switch t := v.(type) {
		case nil:
			b.WriteString("\x00n")
		case time.Time:
			fmt.Fprintf(&b, "\x00t%d", t.UnixNano())
		case json.RawMessage:
			fmt.Fprintf(&b, "\x00j%s", t)
		default:
			fmt.Fprintf(&b, "\x00v%T:%v", v, v)
		}
	}
	return b.String()
}
