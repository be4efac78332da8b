package query

import (
	"encoding/json"
	"strings"

	"github.com/xaenox/botadmin/internal/schema"
)

// RowSource gives the evaluator access to related rows.
type RowSource interface {
	Rows(model string) []Record
}

// tern is a three-valued truth value. Comparisons against NULL are unknown,
// and unknown rows never match, even under NOT.
type tern uint8

const (
	tFalse tern = iota
	tTrue
	tUnknown
)

func boolTern(b bool) tern {
	if b {
		return tTrue
	}
	return tFalse
}

func and(a, b tern) tern {
	switch {
	case a == tFalse || b == tFalse:
		return tFalse
	case a == tUnknown || b == tUnknown:
		return tUnknown
	}
	return tTrue
}

func or(a, b tern) tern {
	switch {
	case a == tTrue || b == tTrue:
		return tTrue
	case a == tUnknown || b == tUnknown:
		return tUnknown
	}
	return tFalse
}

func not(a tern) tern {
	switch a {
	case tTrue:
		return tFalse
	case tFalse:
		return tTrue
	}
	return tUnknown
}

// Match reports whether rec satisfies the normalized filter w.
func Match(src RowSource, m *schema.Model, w Where, rec Record) bool {
	return evalWhere(src, m, w, rec) == tTrue
}

// FilterRows returns the rows of rows that satisfy w.
func FilterRows(src RowSource, m *schema.Model, w Where, rows []Record) []Record {
	out := make([]Record, 0, len(rows))
	for _, r := range rows {
		if Match(src, m, w, r) {
			out = append(out, r)
		}
	}
	return out
}

func evalWhere(src RowSource, m *schema.Model, w Where, rec Record) tern {
	res := tTrue
	for name, flt := range w.Fields {
		f, ok := m.Field(name)
		if !ok || flt == nil {
			continue
		}
		res = and(res, evalFilter(f, flt, rec[name]))
	}
	for name, rf := range w.Relations {
		rel, ok := m.Relation(name)
		if !ok || rf == nil {
			continue
		}
		res = and(res, evalRelation(src, m, rel, rf, rec))
	}
	for _, sub := range w.AND {
		res = and(res, evalWhere(src, m, sub, rec))
	}
	if w.OR != nil {
		alt := tFalse
		for _, sub := range w.OR {
			alt = or(alt, evalWhere(src, m, sub, rec))
		}
		res = and(res, alt)
	}
	for _, sub := range w.NOT {
		res = and(res, not(evalWhere(src, m, sub, rec)))
	}
	return res
}

func evalFilter(f *schema.Field, flt *Filter, v any) tern {
	res := tTrue
	fold := flt.Mode == ModeInsensitive

	if flt.Equals != nil {
		if nk, ok := flt.Equals.(NullKind); ok {
			res = and(res, boolTern(isNull(nk, v)))
		} else {
			res = and(res, compareTern(v, flt.Equals, fold, func(c int) bool { return c == 0 }))
		}
	}
	if flt.Not != nil {
		res = and(res, not(evalFilter(f, flt.Not, v)))
	}
	if flt.In != nil {
		res = and(res, inTern(v, flt.In, fold))
	}
	if flt.NotIn != nil {
		res = and(res, not(inTern(v, flt.NotIn, fold)))
	}
	if flt.Lt != nil {
		res = and(res, compareTern(v, flt.Lt, fold, func(c int) bool { return c < 0 }))
	}
	if flt.Lte != nil {
		res = and(res, compareTern(v, flt.Lte, fold, func(c int) bool { return c <= 0 }))
	}
	if flt.Gt != nil {
		res = and(res, compareTern(v, flt.Gt, fold, func(c int) bool { return c > 0 }))
	}
	if flt.Gte != nil {
		res = and(res, compareTern(v, flt.Gte, fold, func(c int) bool { return c >= 0 }))
	}
	for _, p := range []struct {
		operand *string
		test    func(s, sub string) bool
	}{
		{flt.Contains, strings.Contains},
		{flt.StartsWith, strings.HasPrefix},
		{flt.EndsWith, strings.HasSuffix},
	} {
		if p.operand == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			res = and(res, tUnknown)
			continue
		}
		sub := *p.operand
		if fold {
			s, sub = strings.ToLower(s), strings.ToLower(sub)
		}
		res = and(res, boolTern(p.test(s, sub)))
	}
	if flt.Search != nil {
		s, _ := v.(string)
		res = and(res, boolTern(SearchMatch(*flt.Search, s)))
	}
	return res
}

func isNull(nk NullKind, v any) bool {
	raw, isJSON := v.(json.RawMessage)
	jsonNullValue := isJSON && string(raw) == "null"
	switch nk {
	case DbNull:
		return v == nil
	case JsonNull:
		return jsonNullValue
	case AnyNull:
		return v == nil || jsonNullValue
	}
	return false
}

func compareTern(v, operand any, fold bool, test func(int) bool) tern {
	if v == nil {
		return tUnknown
	}
	if fold {
		vs, ok1 := v.(string)
		os, ok2 := operand.(string)
		if ok1 && ok2 {
			return boolTern(test(strings.Compare(strings.ToLower(vs), strings.ToLower(os))))
		}
	}
	return boolTern(test(Compare(v, operand)))
}

func inTern(v any, list []any, fold bool) tern {
	if len(list) == 0 {
		return tFalse
	}
	if v == nil {
		return tUnknown
	}
	for _, item := range list {
		if compareTern(v, item, fold, func(c int) bool { return c == 0 }) == tTrue {
			return tTrue
		}
	}
	return tFalse
}

// Related returns the rows of the relation rel for rec.
func Related(src RowSource, m *schema.Model, rel *schema.Relation, rec Record) []Record {
	target := m.Target(rel)
	key, matchField := rec[m.PrimaryKey().Name], rel.RemoteField
	if rel.Owning() {
		key, matchField = rec[rel.LocalField], target.PrimaryKey().Name
	}
	if key == nil {
		return nil
	}
	var out []Record
	for _, row := range src.Rows(target.Name) {
		if Equal(row[matchField], key) {
			out = append(out, row)
			if rel.Kind == schema.ToOne {
				break
			}
		}
	}
	return out
}

func evalRelation(src RowSource, m *schema.Model, rel *schema.Relation, rf *RelationFilter, rec Record) tern {
	target := m.Target(rel)
	rows := Related(src, m, rel, rec)
	matches := func(w *Where, row Record) bool { return evalWhere(src, target, *w, row) == tTrue }

	res := true
	if rf.Some != nil {
		found := false
		for _, row := range rows {
			if matches(rf.Some, row) {
				found = true
				break
			}
		}
		res = res && found
	}
	if rf.Every != nil {
		for _, row := range rows {
			if !matches(rf.Every, row) {
				res = false
				break
			}
		}
	}
	if rf.None != nil {
		for _, row := range rows {
			if matches(rf.None, row) {
				res = false
				break
			}
		}
	}
	if rf.Is != nil {
		res = res && len(rows) > 0 && matches(rf.Is, rows[0])
	}
	if rf.IsNot != nil {
		res = res && !(len(rows) > 0 && matches(rf.IsNot, rows[0]))
	}
	if rf.Exists != nil {
		res = res && (len(rows) > 0) == *rf.Exists
	}
	return boolTern(res)
}
