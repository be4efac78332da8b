package query

import (
	"sort"

	"github.com/xaenox/botadmin/internal/schema"
)

// EffectiveOrder appends the primary key as the final tie-breaker so every
// ordering is total.
func EffectiveOrder(m *schema.Model, order []OrderBy) []OrderBy {
	pk := m.PrimaryKey().Name
	out := make([]OrderBy, 0, len(order)+1)
	for _, o := range order {
		out = append(out, o)
		if o.Field == pk && o.Relevance == nil {
			return out
		}
	}
	return append(out, OrderBy{Field: pk})
}

// NullsFirst reports where nulls sort under o.
func (o OrderBy) NullsFirst() bool {
	switch o.Nulls {
	case NullsFirst:
		return true
	case NullsLast:
		return false
	}
	return o.Sort == Desc
}

func compareValues(a, b any, o OrderBy) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		if o.NullsFirst() {
			return -1
		}
		return 1
	case b == nil:
		if o.NullsFirst() {
			return 1
		}
		return -1
	}
	c := Compare(a, b)
	if o.Sort == Desc {
		c = -c
	}
	return c
}

func relevanceOf(r *Relevance, rec Record) float64 {
	texts := make([]string, 0, len(r.Fields))
	for _, f := range r.Fields {
		if s, ok := rec[f].(string); ok {
			texts = append(texts, s)
		}
	}
	return RelevanceScore(r.Search, texts...)
}

// CompareRows orders a and b under order. order should be effective.
func CompareRows(order []OrderBy, a, b Record) int {
	for _, o := range order {
		var c int
		if o.Relevance != nil {
			c = compareValues(relevanceOf(o.Relevance, a), relevanceOf(o.Relevance, b), OrderBy{Sort: o.Relevance.Sort})
		} else {
			c = compareValues(a[o.Field], b[o.Field], o)
		}
		if c != 0 {
			return c
		}
	}
	return 0
}

// SortRows sorts rows in place under the effective order of m.
func SortRows(m *schema.Model, rows []Record, order []OrderBy) {
	eff := EffectiveOrder(m, order)
	sort.SliceStable(rows, func(i, j int) bool { return CompareRows(eff, rows[i], rows[j]) < 0 })
}

// Distinct keeps the first row of every distinct combination of fields.
func Distinct(rows []Record, fields []string) []Record {
	if len(fields) == 0 {
		return rows
	}
	seen := make(map[string]bool, len(rows))
	out := make([]Record, 0, len(rows))
	vals := make([]any, len(fields))
	for _, r := range rows {
		for i, f := range fields {
			vals[i] = r[f]
		}
		k := keyOf(vals...)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, r)
	}
	return out
}

// Window applies cursor, skip and take to rows sorted under the effective
// order. A negative take counts backwards from the cursor, or from the end.
func Window(order []OrderBy, rows []Record, cursor Record, take *int, skip int) []Record {
	if cursor != nil {
		if take != nil && *take < 0 {
			end := len(rows)
			for end > 0 && CompareRows(order, rows[end-1], cursor) > 0 {
				end--
			}
			rows = rows[:end]
		} else {
			start := 0
			for start < len(rows) && CompareRows(order, rows[start], cursor) < 0 {
				start++
			}
			rows = rows[start:]
		}
	}

	if take != nil && *take < 0 {
		end := len(rows) - skip
		if end < 0 {
			end = 0
		}
		start := end + *take
		if start < 0 {
			start = 0
		}
		return append([]Record(nil), rows[start:end]...)
	}

	if skip > len(rows) {
		skip = len(rows)
	}
	rows = rows[skip:]
	if take != nil && *take < len(rows) {
		rows = rows[:*take]
	}
	return append([]Record(nil), rows...)
}
