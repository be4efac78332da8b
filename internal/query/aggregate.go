package query

import (
	"math"
	"sort"

	"github.com/xaenox/botadmin/internal/dberrors"
	"github.com/xaenox/botadmin/internal/schema"
)

// aggValue computes fn over field for rows. Count returns int64, Avg
// *float64, Sum int64 and Min/Max the field's canonical value. Empty inputs
// yield nil except for Count.
func aggValue(fn AggFunc, field string, rows []Record) any {
	if fn == AggCount {
		var n int64
		for _, r := range rows {
			if field == All || r[field] != nil {
				n++
			}
		}
		return n
	}

	var (
		seen  bool
		sum   int64
		total float64
		n     int64
		best  any
	)
	for _, r := range rows {
		v := r[field]
		if v == nil {
			continue
		}
		switch fn {
		case AggAvg:
			i, _ := toInt64(v)
			total += float64(i)
			n++
		case AggSum:
			i, _ := toInt64(v)
			sum, _ = addInt64(sum, i)
		case AggMin:
			if best == nil || Compare(v, best) < 0 {
				best = v
			}
		case AggMax:
			if best == nil || Compare(v, best) > 0 {
				best = v
			}
		}
		seen = true
	}
	if !seen {
		return nil
	}
	switch fn {
	case AggAvg:
		avg := total / float64(n)
		return &avg
	case AggSum:
		return sum
	}
	return best
}

func addInt64(a, b int64) (int64, bool) {
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return 0, false
	}
	return a + b, true
}

// checkSums fails when the sum of a field over rows leaves the bigint range.
func checkSums(rows []Record, fields []string) error {
	for _, f := range fields {
		var sum int64
		for _, r := range rows {
			i, ok := toInt64(r[f])
			if !ok {
				continue
			}
			var in bool
			if sum, in = addInt64(sum, i); !in {
				return dberrors.New(dberrors.KindUnknown, "sum of %s is out of range for bigint", f)
			}
		}
	}
	return nil
}

// sumFields lists the fields args sums anywhere: in its aggregates, its
// having filter or its ordering.
func sumFields(args GroupByArgs) []string {
	fields := append([]string(nil), args.Aggregations.Sum...)
	var walk func(h Having)
	walk = func(h Having) {
		for name, hf := range h.Fields {
			if hf != nil && hf.Sum != nil {
				fields = append(fields, name)
			}
		}
		for _, list := range [][]Having{h.AND, h.OR, h.NOT} {
			for _, sub := range list {
				walk(sub)
			}
		}
	}
	if args.Having != nil {
		walk(*args.Having)
	}
	for _, o := range args.OrderBy {
		if o.Aggregate == AggSum {
			fields = append(fields, o.Field)
		}
	}
	return fields
}

// Aggregate computes the requested aggregates over rows. A sum outside the
// bigint range is an UnknownEngineError, as it is on PostgreSQL.
func Aggregate(rows []Record, a Aggregations) (AggregateResult, error) {
	var res AggregateResult
	if err := checkSums(rows, a.Sum); err != nil {
		return res, err
	}
	if a.Count != nil {
		res.Count = make(map[string]int64, len(a.Count))
		for _, f := range a.Count {
			res.Count[f] = aggValue(AggCount, f, rows).(int64)
		}
	}
	if a.Avg != nil {
		res.Avg = make(map[string]*float64, len(a.Avg))
		for _, f := range a.Avg {
			v, _ := aggValue(AggAvg, f, rows).(*float64)
			res.Avg[f] = v
		}
	}
	for _, p := range []struct {
		fn     AggFunc
		fields []string
		dst    *map[string]any
	}{
		{AggSum, a.Sum, &res.Sum},
		{AggMin, a.Min, &res.Min},
		{AggMax, a.Max, &res.Max},
	} {
		if p.fields == nil {
			continue
		}
		*p.dst = make(map[string]any, len(p.fields))
		for _, f := range p.fields {
			(*p.dst)[f] = aggValue(p.fn, f, rows)
		}
	}
	return res, nil
}

type group struct {
	key  Record
	vals []any
	rows []Record
}

// GroupRows groups rows (in primary key order) by args.By, applies having,
// ordering and skip/take. args must be normalized.
func GroupRows(m *schema.Model, rows []Record, args GroupByArgs) ([]Group, error) {
	index := make(map[string]*group)
	var groups []*group
	for _, r := range rows {
		vals := make([]any, len(args.By))
		for i, f := range args.By {
			vals[i] = r[f]
		}
		k := keyOf(vals...)
		g, ok := index[k]
		if !ok {
			key := make(Record, len(args.By))
			for i, f := range args.By {
				key[f] = vals[i]
			}
			g = &group{key: key, vals: vals}
			index[k] = g
			groups = append(groups, g)
		}
		g.rows = append(g.rows, r)
	}
	if sums := sumFields(args); len(sums) > 0 {
		for _, g := range groups {
			if err := checkSums(g.rows, sums); err != nil {
				return nil, err
			}
		}
	}

	if args.Having != nil {
		kept := groups[:0]
		for _, g := range groups {
			if evalHaving(m, *args.Having, g) == tTrue {
				kept = append(kept, g)
			}
		}
		groups = kept
	}

	sort.SliceStable(groups, func(i, j int) bool {
		a, b := groups[i], groups[j]
		for _, o := range args.OrderBy {
			var av, bv any
			if o.Aggregate != AggNone {
				av, bv = aggSortValue(o.Aggregate, o.Field, a.rows), aggSortValue(o.Aggregate, o.Field, b.rows)
			} else {
				av, bv = a.key[o.Field], b.key[o.Field]
			}
			if c := compareValues(av, bv, o); c != 0 {
				return c < 0
			}
		}
		for idx := range args.By {
			if c := compareValues(a.vals[idx], b.vals[idx], OrderBy{}); c != 0 {
				return c < 0
			}
		}
		return false
	})

	if args.Skip > len(groups) {
		groups = nil
	} else {
		groups = groups[args.Skip:]
	}
	if args.Take != nil && *args.Take < len(groups) {
		groups = groups[:*args.Take]
	}

	out := make([]Group, len(groups))
	for i, g := range groups {
		res, err := Aggregate(g.rows, args.Aggregations)
		if err != nil {
			return nil, err
		}
		out[i] = Group{Key: g.key, AggregateResult: res}
	}
	return out, nil
}

func aggSortValue(fn AggFunc, field string, rows []Record) any {
	v := aggValue(fn, field, rows)
	if p, ok := v.(*float64); ok {
		if p == nil {
			return nil
		}
		return *p
	}
	return v
}

func evalHaving(m *schema.Model, h Having, g *group) tern {
	res := tTrue
	for name, hf := range h.Fields {
		f, ok := m.Field(name)
		if !ok || hf == nil {
			continue
		}
		if hf.Value != nil {
			res = and(res, evalFilter(f, hf.Value, g.key[name]))
		}
		for _, p := range []struct {
			fn  AggFunc
			flt *Filter
		}{
			{AggCount, hf.Count},
			{AggAvg, hf.Avg},
			{AggSum, hf.Sum},
			{AggMin, hf.Min},
			{AggMax, hf.Max},
		} {
			if p.flt == nil {
				continue
			}
			res = and(res, evalFilter(f, p.flt, aggSortValue(p.fn, name, g.rows)))
		}
	}
	for _, sub := range h.AND {
		res = and(res, evalHaving(m, sub, g))
	}
	if h.OR != nil {
		alt := tFalse
		for _, sub := range h.OR {
			alt = or(alt, evalHaving(m, sub, g))
		}
		res = and(res, alt)
	}
	for _, sub := range h.NOT {
		res = and(res, not(evalHaving(m, sub, g)))
	}
	return res
}
