package query

import (
	"sort"
	"strings"

	"github.com/xaenox/botadmin/internal/dberrors"
	"github.com/xaenox/botadmin/internal/schema"
)

type operandFunc func(v any) (any, error)

func fieldOperand(f *schema.Field) operandFunc {
	return func(v any) (any, error) { return Normalize(f, v) }
}

func floatOperand(v any) (any, error) {
	n, ok := toFloat64(v)
	if !ok {
		return nil, dberrors.Validation("expected a number, got %T", v)
	}
	return n, nil
}

var countField = &schema.Field{Name: "_count", Kind: schema.KindInt}

// NormalizeWhere checks w against m and returns a copy with every operand in
// canonical form.
func NormalizeWhere(m *schema.Model, w Where) (Where, error) {
	var out Where
	if len(w.Fields) > 0 {
		out.Fields = make(map[string]*Filter, len(w.Fields))
		for name, flt := range w.Fields {
			f, ok := m.Field(name)
			if !ok {
				return Where{}, unknownField(m, name)
			}
			if flt == nil {
				continue
			}
			nf, err := normalizeFilter(f, flt, fieldOperand(f))
			if err != nil {
				return Where{}, err
			}
			out.Fields[name] = nf
		}
	}
	if len(w.Relations) > 0 {
		out.Relations = make(map[string]*RelationFilter, len(w.Relations))
		for name, rf := range w.Relations {
			rel, ok := m.Relation(name)
			if !ok {
				return Where{}, dberrors.Validation("%s has no relation %q", m.Name, name)
			}
			if rf == nil {
				continue
			}
			nrf, err := normalizeRelationFilter(m, rel, rf)
			if err != nil {
				return Where{}, err
			}
			out.Relations[name] = nrf
		}
	}
	var err error
	if out.AND, err = normalizeWheres(m, w.AND); err != nil {
		return Where{}, err
	}
	if out.OR, err = normalizeWheres(m, w.OR); err != nil {
		return Where{}, err
	}
	if out.NOT, err = normalizeWheres(m, w.NOT); err != nil {
		return Where{}, err
	}
	return out, nil
}

func normalizeWheres(m *schema.Model, ws []Where) ([]Where, error) {
	if ws == nil {
		return nil, nil
	}
	out := make([]Where, len(ws))
	for i, w := range ws {
		nw, err := NormalizeWhere(m, w)
		if err != nil {
			return nil, err
		}
		out[i] = nw
	}
	return out, nil
}

func normalizeRelationFilter(m *schema.Model, rel *schema.Relation, rf *RelationFilter) (*RelationFilter, error) {
	target := m.Target(rel)
	toMany := rf.Some != nil || rf.Every != nil || rf.None != nil
	toOne := rf.Is != nil || rf.IsNot != nil || rf.Exists != nil
	switch {
	case rel.Kind == schema.ToMany && toOne:
		return nil, dberrors.Validation("%s.%s is a list relation: use some, every or none", m.Name, rel.Name)
	case rel.Kind == schema.ToOne && toMany:
		return nil, dberrors.Validation("%s.%s is a single relation: use is or isNot", m.Name, rel.Name)
	}

	out := &RelationFilter{Exists: rf.Exists}
	for _, p := range []struct {
		src *Where
		dst **Where
	}{
		{rf.Some, &out.Some},
		{rf.Every, &out.Every},
		{rf.None, &out.None},
		{rf.Is, &out.Is},
		{rf.IsNot, &out.IsNot},
	} {
		if p.src == nil {
			continue
		}
		nw, err := NormalizeWhere(target, *p.src)
		if err != nil {
			return nil, err
		}
		*p.dst = &nw
	}
	return out, nil
}

func normalizeFilter(f *schema.Field, flt *Filter, operand operandFunc) (*Filter, error) {
	out := &Filter{Mode: flt.Mode}
	if flt.Mode == ModeInsensitive && f.Kind != schema.KindString {
		return nil, dberrors.Validation("%s: insensitive mode applies to strings only", f.Name)
	}

	if flt.Equals != nil {
		if nk, ok := flt.Equals.(NullKind); ok {
			if err := checkNullKind(f, nk); err != nil {
				return nil, err
			}
			out.Equals = nk
		} else {
			v, err := nonNullOperand(f, flt.Equals, operand)
			if err != nil {
				return nil, err
			}
			out.Equals = v
		}
	}
	if flt.Not != nil {
		not, err := normalizeFilter(f, flt.Not, operand)
		if err != nil {
			return nil, err
		}
		out.Not = not
	}

	if f.Kind == schema.KindJSON {
		if flt.In != nil || flt.NotIn != nil || flt.Lt != nil || flt.Lte != nil || flt.Gt != nil || flt.Gte != nil ||
			flt.Contains != nil || flt.StartsWith != nil || flt.EndsWith != nil || flt.Search != nil {
			return nil, dberrors.Validation("%s: Json fields support equals and not only", f.Name)
		}
		return out, nil
	}

	var err error
	if out.In, err = normalizeList(f, flt.In, operand); err != nil {
		return nil, err
	}
	if out.NotIn, err = normalizeList(f, flt.NotIn, operand); err != nil {
		return nil, err
	}

	for _, p := range []struct {
		src any
		dst *any
	}{
		{flt.Lt, &out.Lt},
		{flt.Lte, &out.Lte},
		{flt.Gt, &out.Gt},
		{flt.Gte, &out.Gte},
	} {
		if p.src == nil {
			continue
		}
		v, err := nonNullOperand(f, p.src, operand)
		if err != nil {
			return nil, err
		}
		*p.dst = v
	}

	if flt.Contains != nil || flt.StartsWith != nil || flt.EndsWith != nil {
		if f.Kind != schema.KindString {
			return nil, dberrors.Validation("%s: contains, startsWith and endsWith apply to strings only", f.Name)
		}
		out.Contains, out.StartsWith, out.EndsWith = flt.Contains, flt.StartsWith, flt.EndsWith
	}
	if flt.Search != nil {
		if !f.Searchable {
			return nil, dberrors.Validation("%s is not searchable", f.Name)
		}
		if !HasTerms(*flt.Search) {
			return nil, dberrors.Validation("%s: search query has no terms", f.Name)
		}
		out.Search = flt.Search
	}
	return out, nil
}

func normalizeList(f *schema.Field, values []any, operand operandFunc) ([]any, error) {
	if values == nil {
		return nil, nil
	}
	out := make([]any, 0, len(values))
	for _, v := range values {
		nv, err := nonNullOperand(f, v, operand)
		if err != nil {
			return nil, err
		}
		out = append(out, nv)
	}
	return out, nil
}

func nonNullOperand(f *schema.Field, v any, operand operandFunc) (any, error) {
	if _, ok := v.(NullKind); ok {
		return nil, dberrors.Validation("%s: null is only valid as an equals operand", f.Name)
	}
	nv, err := operand(v)
	if err != nil {
		return nil, err
	}
	if nv == nil {
		return nil, dberrors.Validation("%s: null is only valid as an equals operand", f.Name)
	}
	return nv, nil
}

func checkNullKind(f *schema.Field, nk NullKind) error {
	switch nk {
	case DbNull:
		if !f.Nullable {
			return dberrors.Validation("%s is required and cannot be null", f.Name)
		}
	case JsonNull, AnyNull:
		if f.Kind != schema.KindJSON {
			return dberrors.Validation("%s applies to Json fields only, not %s", nk, f.Name)
		}
	default:
		return dberrors.Validation("%s: unknown null kind", f.Name)
	}
	return nil
}

// UniqueKey returns the unique field and value that w selects by equality.
// w must already be normalized.
func UniqueKey(m *schema.Model, w Where) (*schema.Field, any, bool) {
	for _, f := range m.UniqueFields() {
		flt, ok := w.Fields[f.Name]
		if !ok || flt == nil || flt.Equals == nil || flt.Mode != ModeDefault {
			continue
		}
		if _, null := flt.Equals.(NullKind); null {
			continue
		}
		return f, flt.Equals, true
	}
	return nil, nil, false
}

// NormalizeUnique is NormalizeWhere for unique filters: w must pin at least
// one unique field by equality.
func NormalizeUnique(m *schema.Model, w Where) (Where, error) {
	nw, err := NormalizeWhere(m, w)
	if err != nil {
		return Where{}, err
	}
	if _, _, ok := UniqueKey(m, nw); !ok {
		names := make([]string, 0, 2)
		for _, f := range m.UniqueFields() {
			names = append(names, f.Name)
		}
		return Where{}, dberrors.Validation("%s: unique filter needs an equality on one of %s", m.Name, strings.Join(names, ", "))
	}
	return nw, nil
}

func (o OrderBy) isRelevance() bool { return o.Relevance != nil }

func normalizeOrder(m *schema.Model, order []OrderBy, grouped bool) ([]OrderBy, error) {
	if order == nil {
		return nil, nil
	}
	out := make([]OrderBy, 0, len(order))
	for _, o := range order {
		if o.isRelevance() {
			if grouped {
				return nil, dberrors.Validation("%s: groupBy cannot order by relevance", m.Name)
			}
			if o.Field != "" {
				return nil, dberrors.Validation("%s: orderBy sets both a field and relevance", m.Name)
			}
			if len(o.Relevance.Fields) == 0 || !HasTerms(o.Relevance.Search) {
				return nil, dberrors.Validation("%s: relevance needs fields and a search query", m.Name)
			}
			for _, name := range o.Relevance.Fields {
				f, ok := m.Field(name)
				if !ok {
					return nil, unknownField(m, name)
				}
				if !f.Searchable {
					return nil, dberrors.Validation("%s is not searchable", f.Name)
				}
			}
			out = append(out, o)
			continue
		}

		f, ok := m.Field(o.Field)
		if !ok {
			return nil, unknownField(m, o.Field)
		}
		if o.Aggregate != AggNone {
			if !grouped {
				return nil, dberrors.Validation("%s: aggregate ordering applies to groupBy only", m.Name)
			}
			if err := checkAggregate(f, o.Aggregate); err != nil {
				return nil, err
			}
		} else if !f.Kind.Ordered() {
			return nil, dberrors.Validation("%s cannot be ordered by", f.Name)
		}
		out = append(out, o)
	}
	return out, nil
}

func checkAggregate(f *schema.Field, fn AggFunc) error {
	switch fn {
	case AggAvg, AggSum:
		if !f.Kind.Numeric() {
			return dberrors.Validation("%s of %s: field is %s, not numeric", fn, f.Name, f.Kind)
		}
	case AggMin, AggMax:
		if !f.Kind.Ordered() {
			return dberrors.Validation("%s of %s: %s values are not ordered", fn, f.Name, f.Kind)
		}
	}
	return nil
}

func normalizeScalarNames(m *schema.Model, names []string) error {
	for _, n := range names {
		if _, ok := m.Field(n); !ok {
			return unknownField(m, n)
		}
	}
	return nil
}

// NormalizeFind validates read arguments, including nested relation reads.
func NormalizeFind(m *schema.Model, args FindArgs) (FindArgs, error) {
	var err error
	out := args
	if out.Where, err = NormalizeWhere(m, args.Where); err != nil {
		return FindArgs{}, err
	}
	if args.Cursor != nil {
		cursor, err := NormalizeUnique(m, *args.Cursor)
		if err != nil {
			return FindArgs{}, err
		}
		out.Cursor = &cursor
	}
	if out.OrderBy, err = normalizeOrder(m, args.OrderBy, false); err != nil {
		return FindArgs{}, err
	}
	if args.Cursor != nil {
		for _, o := range args.OrderBy {
			if o.isRelevance() {
				return FindArgs{}, dberrors.Validation("%s: cursor pagination cannot be combined with relevance ordering", m.Name)
			}
		}
	}
	if args.Skip < 0 {
		return FindArgs{}, dberrors.Validation("%s: skip must not be negative", m.Name)
	}
	if err := normalizeScalarNames(m, args.Distinct); err != nil {
		return FindArgs{}, err
	}

	if len(args.Select) > 0 && len(args.Include) > 0 {
		return FindArgs{}, dberrors.Validation("%s: select and include are mutually exclusive", m.Name)
	}
	if len(args.Select) > 0 && len(args.Omit) > 0 {
		return FindArgs{}, dberrors.Validation("%s: select and omit are mutually exclusive", m.Name)
	}
	if out.Select, err = normalizeSelection(m, args.Select, true); err != nil {
		return FindArgs{}, err
	}
	if out.Include, err = normalizeSelection(m, args.Include, false); err != nil {
		return FindArgs{}, err
	}
	if err := normalizeScalarNames(m, args.Omit); err != nil {
		return FindArgs{}, err
	}

	if args.Count != nil {
		out.Count = make(map[string]*Where, len(args.Count))
		for name, w := range args.Count {
			rel, ok := m.Relation(name)
			if !ok || rel.Kind != schema.ToMany {
				return FindArgs{}, dberrors.Validation("%s: _count applies to list relations, %q is not one", m.Name, name)
			}
			if w == nil {
				out.Count[name] = nil
				continue
			}
			nw, err := NormalizeWhere(m.Target(rel), *w)
			if err != nil {
				return FindArgs{}, err
			}
			out.Count[name] = &nw
		}
	}
	return out, nil
}

func normalizeSelection(m *schema.Model, sel Selection, scalars bool) (Selection, error) {
	if sel == nil {
		return nil, nil
	}
	out := make(Selection, len(sel))
	for name, nested := range sel {
		if _, ok := m.Field(name); ok {
			if !scalars {
				return nil, dberrors.Validation("%s: include takes relations, %q is a field", m.Name, name)
			}
			if nested != nil {
				return nil, dberrors.Validation("%s: field %q takes no nested arguments", m.Name, name)
			}
			out[name] = nil
			continue
		}
		rel, ok := m.Relation(name)
		if !ok {
			return nil, unknownField(m, name)
		}
		var args FindArgs
		if nested != nil {
			args = *nested
		}
		if rel.Kind == schema.ToOne && (!args.Where.IsZero() || len(args.OrderBy) > 0 || args.Paginated()) {
			return nil, dberrors.Validation("%s.%s is a single relation: only select, include and omit apply", m.Name, name)
		}
		na, err := NormalizeFind(m.Target(rel), args)
		if err != nil {
			return nil, err
		}
		out[name] = &na
	}
	return out, nil
}

// NormalizeCreate validates the data of a create. Every field without a
// default must be present.
func NormalizeCreate(m *schema.Model, d Data) (Data, error) {
	out, err := normalizeData(m, d, false)
	if err != nil {
		return nil, err
	}
	var missing []string
	for _, f := range m.Fields {
		if f.HasDefault() {
			continue
		}
		if _, ok := out[f.Name]; !ok {
			missing = append(missing, f.Name)
		}
	}
	if len(missing) > 0 {
		return nil, &dberrors.Error{Kind: dberrors.KindValidation, Model: m.Name, Fields: missing, Message: "missing required fields"}
	}
	return out, nil
}

// NormalizeUpdate validates the data of an update.
func NormalizeUpdate(m *schema.Model, d Data) (Data, error) {
	if m.Immutable {
		return nil, dberrors.Validation("%s rows are immutable once created", m.Name)
	}
	return normalizeData(m, d, true)
}

func normalizeData(m *schema.Model, d Data, update bool) (Data, error) {
	out := make(Data, len(d))
	for name, v := range d {
		f, ok := m.Field(name)
		if !ok {
			if _, rel := m.Relation(name); rel {
				return nil, dberrors.Validation("%s.%s: nested writes are not supported, set the foreign key instead", m.Name, name)
			}
			return nil, unknownField(m, name)
		}
		if update && f.ReadOnly {
			return nil, dberrors.Validation("%s.%s is read-only", m.Name, name)
		}
		nv, err := Normalize(f, v)
		if err != nil {
			return nil, err
		}
		if nv == nil && !f.Nullable {
			if f.Primary && !update {
				continue
			}
			return nil, dberrors.Validation("%s.%s is required and cannot be null", m.Name, name)
		}
		out[name] = nv
	}
	return out, nil
}

func normalizeAggregations(m *schema.Model, a Aggregations) error {
	for _, name := range a.Count {
		if name == All {
			continue
		}
		if _, ok := m.Field(name); !ok {
			return unknownField(m, name)
		}
	}
	for _, g := range []struct {
		fn    AggFunc
		names []string
	}{
		{AggAvg, a.Avg},
		{AggSum, a.Sum},
		{AggMin, a.Min},
		{AggMax, a.Max},
	} {
		for _, name := range g.names {
			f, ok := m.Field(name)
			if !ok {
				return unknownField(m, name)
			}
			if err := checkAggregate(f, g.fn); err != nil {
				return err
			}
		}
	}
	return nil
}

func NormalizeAggregate(m *schema.Model, args AggregateArgs) (AggregateArgs, error) {
	find, err := NormalizeFind(m, FindArgs{
		Where:   args.Where,
		OrderBy: args.OrderBy,
		Cursor:  args.Cursor,
		Take:    args.Take,
		Skip:    args.Skip,
	})
	if err != nil {
		return AggregateArgs{}, err
	}
	if err := normalizeAggregations(m, args.Aggregations); err != nil {
		return AggregateArgs{}, err
	}
	out := args
	out.Where, out.OrderBy, out.Cursor = find.Where, find.OrderBy, find.Cursor
	return out, nil
}

func NormalizeGroupBy(m *schema.Model, args GroupByArgs) (GroupByArgs, error) {
	if len(args.By) == 0 {
		return GroupByArgs{}, dberrors.Validation("%s: groupBy needs at least one by field", m.Name)
	}
	by := make(map[string]bool, len(args.By))
	for _, name := range args.By {
		f, ok := m.Field(name)
		if !ok {
			return GroupByArgs{}, unknownField(m, name)
		}
		if f.Kind == schema.KindJSON {
			return GroupByArgs{}, dberrors.Validation("%s: cannot group by Json field %s", m.Name, name)
		}
		if by[name] {
			return GroupByArgs{}, dberrors.Validation("%s: %s is listed twice in by", m.Name, name)
		}
		by[name] = true
	}

	var err error
	out := args
	if out.Where, err = NormalizeWhere(m, args.Where); err != nil {
		return GroupByArgs{}, err
	}
	if args.Having != nil {
		h, err := normalizeHaving(m, by, *args.Having)
		if err != nil {
			return GroupByArgs{}, err
		}
		out.Having = &h
	}
	if out.OrderBy, err = normalizeOrder(m, args.OrderBy, true); err != nil {
		return GroupByArgs{}, err
	}
	for _, o := range args.OrderBy {
		if !by[o.Field] {
			return GroupByArgs{}, notInBy(m, "orderBy", o.Field)
		}
	}
	if (args.Take != nil || args.Skip != 0) && len(args.OrderBy) == 0 {
		return GroupByArgs{}, dberrors.Validation("%s: groupBy with take or skip needs orderBy", m.Name)
	}
	if args.Take != nil && *args.Take < 0 {
		return GroupByArgs{}, dberrors.Validation("%s: groupBy take must not be negative", m.Name)
	}
	if args.Skip < 0 {
		return GroupByArgs{}, dberrors.Validation("%s: skip must not be negative", m.Name)
	}
	if err := normalizeAggregations(m, args.Aggregations); err != nil {
		return GroupByArgs{}, err
	}
	return out, nil
}

func normalizeHaving(m *schema.Model, by map[string]bool, h Having) (Having, error) {
	var out Having
	if len(h.Fields) > 0 {
		out.Fields = make(map[string]*HavingFilter, len(h.Fields))
		for _, name := range sortedKeys(h.Fields) {
			hf := h.Fields[name]
			if !by[name] {
				return Having{}, notInBy(m, "having", name)
			}
			f, _ := m.Field(name)
			if hf == nil {
				continue
			}
			nhf, err := normalizeHavingFilter(f, hf)
			if err != nil {
				return Having{}, err
			}
			out.Fields[name] = nhf
		}
	}
	for _, p := range []struct {
		src []Having
		dst *[]Having
	}{
		{h.AND, &out.AND},
		{h.OR, &out.OR},
		{h.NOT, &out.NOT},
	} {
		if p.src == nil {
			continue
		}
		*p.dst = make([]Having, len(p.src))
		for i, sub := range p.src {
			nh, err := normalizeHaving(m, by, sub)
			if err != nil {
				return Having{}, err
			}
			(*p.dst)[i] = nh
		}
	}
	return out, nil
}

func normalizeHavingFilter(f *schema.Field, hf *HavingFilter) (*HavingFilter, error) {
	out := &HavingFilter{}
	var err error
	if hf.Value != nil {
		if out.Value, err = normalizeFilter(f, hf.Value, fieldOperand(f)); err != nil {
			return nil, err
		}
	}
	if hf.Count != nil {
		if out.Count, err = normalizeFilter(countField, hf.Count, fieldOperand(countField)); err != nil {
			return nil, err
		}
	}
	for _, p := range []struct {
		fn  AggFunc
		src *Filter
		dst **Filter
	}{
		{AggAvg, hf.Avg, &out.Avg},
		{AggSum, hf.Sum, &out.Sum},
		{AggMin, hf.Min, &out.Min},
		{AggMax, hf.Max, &out.Max},
	} {
		if p.src == nil {
			continue
		}
		if err := checkAggregate(f, p.fn); err != nil {
			return nil, err
		}
		operand := fieldOperand(f)
		if p.fn == AggAvg {
			operand = floatOperand
		}
		// aggregates of a nullable field may be null, so null checks are allowed
		agg := *f
		agg.Nullable = true
		nf, err := normalizeFilter(&agg, p.src, operand)
		if err != nil {
			return nil, err
		}
		*p.dst = nf
	}
	return out, nil
}

func unknownField(m *schema.Model, name string) error {
	return dberrors.Validation("%s has no field %q", m.Name, name)
}

func notInBy(m *schema.Model, clause, name string) error {
	return dberrors.Validation("%s: %s field %q must be listed in by", m.Name, clause, name)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
