package storage

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/huandu/go-sqlbuilder"
	"github.com/lib/pq"

	"github.com/xaenox/botadmin/internal/query"
	"github.com/xaenox/botadmin/internal/schema"
)

// binder is satisfied by every go-sqlbuilder builder: Var records an
// argument and returns its placeholder.
type binder interface {
	Var(arg any) string
}

// renderer turns normalized query arguments into SQL fragments, binding
// operands through b. Subquery aliases are numbered per statement.
type renderer struct {
	b binder
	n int
}

func (r *renderer) alias() string {
	r.n++
	return fmt.Sprintf("t%d", r.n)
}

func quote(name string) string { return pq.QuoteIdentifier(name) }

func colRef(alias string, f *schema.Field) string {
	return alias + "." + quote(f.Column)
}

// ordered makes string comparison byte-wise, which is how records compare
// in memory.
func ordered(expr string, f *schema.Field) string {
	if f.Kind == schema.KindString {
		return expr + ` COLLATE "C"`
	}
	return expr
}

// sqlValue converts a canonical value into a driver argument.
func sqlValue(v any) any {
	if raw, ok := v.(json.RawMessage); ok {
		return string(raw)
	}
	return v
}

func (r *renderer) param(f *schema.Field, v any, fold bool) string {
	p := r.b.Var(sqlValue(v))
	if f.Kind == schema.KindJSON {
		p += "::jsonb"
	}
	if fold {
		p = "lower(" + p + ")"
	}
	return p
}

func nullCheck(expr string, nk query.NullKind) string {
	switch nk {
	case query.JsonNull:
		return expr + " = 'null'::jsonb"
	case query.AnyNull:
		return "(" + expr + " IS NULL OR " + expr + " = 'null'::jsonb)"
	}
	return expr + " IS NULL"
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func (r *renderer) filter(expr string, f *schema.Field, flt *query.Filter) string {
	fold := flt.Mode == query.ModeInsensitive && f.Kind == schema.KindString
	lhs := expr
	if fold {
		lhs = "lower(" + expr + ")"
	}
	cmp := ordered(lhs, f)

	var parts []string
	if flt.Equals != nil {
		if nk, ok := flt.Equals.(query.NullKind); ok {
			parts = append(parts, nullCheck(expr, nk))
		} else {
			parts = append(parts, lhs+" = "+r.param(f, flt.Equals, fold))
		}
	}
	if flt.Not != nil {
		parts = append(parts, "NOT ("+r.filter(expr, f, flt.Not)+")")
	}
	if flt.In != nil {
		parts = append(parts, r.list(lhs, f, flt.In, fold, "IN", "FALSE"))
	}
	if flt.NotIn != nil {
		parts = append(parts, r.list(lhs, f, flt.NotIn, fold, "NOT IN", "TRUE"))
	}
	for _, rng := range []struct {
		op      string
		operand any
	}{
		{"<", flt.Lt}, {"<=", flt.Lte}, {">", flt.Gt}, {">=", flt.Gte},
	} {
		if rng.operand != nil {
			parts = append(parts, cmp+" "+rng.op+" "+ordered(r.param(f, rng.operand, fold), f))
		}
	}
	like := "LIKE"
	if fold {
		like = "ILIKE"
	}
	for _, p := range []struct {
		operand        *string
		prefix, suffix string
	}{
		{flt.Contains, "%", "%"},
		{flt.StartsWith, "", "%"},
		{flt.EndsWith, "%", ""},
	} {
		if p.operand != nil {
			pattern := p.prefix + likeEscaper.Replace(*p.operand) + p.suffix
			parts = append(parts, expr+" "+like+" "+r.b.Var(pattern))
		}
	}
	if flt.Search != nil {
		parts = append(parts, fmt.Sprintf("%s @@ to_tsquery('simple', %s)",
			searchVector("coalesce("+expr+", '')"), r.b.Var(query.TSQuery(*flt.Search))))
	}
	if len(parts) == 0 {
		return "TRUE"
	}
	return strings.Join(parts, " AND ")
}

// searchVector splits text into lowercased runs of letters and digits, the
// words the in-memory search matches, before handing it to the simple parser.
func searchVector(text string) string {
	return "to_tsvector('simple', regexp_replace(lower(" + text + "), '[^[:alnum:]]+', ' ', 'g'))"
}

func (r *renderer) list(lhs string, f *schema.Field, values []any, fold bool, op, empty string) string {
	if len(values) == 0 {
		return empty
	}
	ps := make([]string, len(values))
	for i, v := range values {
		ps[i] = r.param(f, v, fold)
	}
	return lhs + " " + op + " (" + strings.Join(ps, ", ") + ")"
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// where renders w against the row aliased as alias.
func (r *renderer) where(m *schema.Model, alias string, w query.Where) string {
	var parts []string
	for _, name := range sortedKeys(w.Fields) {
		f, _ := m.Field(name)
		parts = append(parts, r.filter(colRef(alias, f), f, w.Fields[name]))
	}
	for _, name := range sortedKeys(w.Relations) {
		rel, _ := m.Relation(name)
		parts = append(parts, r.relation(m, alias, rel, w.Relations[name]))
	}
	for _, sub := range w.AND {
		parts = append(parts, "("+r.where(m, alias, sub)+")")
	}
	if w.OR != nil {
		if len(w.OR) == 0 {
			parts = append(parts, "FALSE")
		} else {
			alts := make([]string, len(w.OR))
			for i, sub := range w.OR {
				alts[i] = "(" + r.where(m, alias, sub) + ")"
			}
			parts = append(parts, "("+strings.Join(alts, " OR ")+")")
		}
	}
	for _, sub := range w.NOT {
		parts = append(parts, "NOT ("+r.where(m, alias, sub)+")")
	}
	if len(parts) == 0 {
		return "TRUE"
	}
	return strings.Join(parts, " AND ")
}

func (r *renderer) relation(m *schema.Model, alias string, rel *schema.Relation, rf *query.RelationFilter) string {
	target := m.Target(rel)
	a := r.alias()
	var join string
	if rel.Owning() {
		local, _ := m.Field(rel.LocalField)
		join = colRef(a, target.PrimaryKey()) + " = " + colRef(alias, local)
	} else {
		remote, _ := target.Field(rel.RemoteField)
		join = colRef(a, remote) + " = " + colRef(alias, m.PrimaryKey())
	}
	exists := func(cond string) string {
		return fmt.Sprintf("EXISTS (SELECT 1 FROM %s %s WHERE %s AND %s)", quote(target.Table), a, join, cond)
	}

	var parts []string
	if rf.Some != nil {
		parts = append(parts, exists(r.where(target, a, *rf.Some)))
	}
	if rf.Every != nil {
		parts = append(parts, "NOT "+exists("NOT COALESCE(("+r.where(target, a, *rf.Every)+"), FALSE)"))
	}
	if rf.None != nil {
		parts = append(parts, "NOT "+exists(r.where(target, a, *rf.None)))
	}
	if rf.Is != nil {
		parts = append(parts, exists(r.where(target, a, *rf.Is)))
	}
	if rf.IsNot != nil {
		parts = append(parts, "NOT "+exists(r.where(target, a, *rf.IsNot)))
	}
	if rf.Exists != nil {
		if *rf.Exists {
			parts = append(parts, exists("TRUE"))
		} else {
			parts = append(parts, "NOT "+exists("TRUE"))
		}
	}
	if len(parts) == 0 {
		return "TRUE"
	}
	return strings.Join(parts, " AND ")
}

func direction(s query.SortOrder) string {
	if s == query.Desc {
		return "DESC"
	}
	return "ASC"
}

func (r *renderer) orderTerm(m *schema.Model, alias string, o query.OrderBy) string {
	if rel := o.Relevance; rel != nil {
		cols := make([]string, len(rel.Fields))
		for i, name := range rel.Fields {
			f, _ := m.Field(name)
			cols[i] = colRef(alias, f)
		}
		return fmt.Sprintf("ts_rank(%s, to_tsquery('simple', %s)) %s",
			searchVector("concat_ws(' ', "+strings.Join(cols, ", ")+")"), r.b.Var(query.TSQuery(rel.Search)), direction(rel.Sort))
	}
	f, _ := m.Field(o.Field)
	nulls := "NULLS LAST"
	if o.NullsFirst() {
		nulls = "NULLS FIRST"
	}
	return ordered(colRef(alias, f), f) + " " + direction(o.Sort) + " " + nulls
}

func (r *renderer) order(m *schema.Model, alias string, order []query.OrderBy) []string {
	terms := make([]string, len(order))
	for i, o := range order {
		terms[i] = r.orderTerm(m, alias, o)
	}
	return terms
}

func reverseOrder(order []query.OrderBy) []query.OrderBy {
	out := make([]query.OrderBy, len(order))
	for i, o := range order {
		nf := o.NullsFirst()
		if o.Sort == query.Desc {
			o.Sort = query.Asc
		} else {
			o.Sort = query.Desc
		}
		if nf {
			o.Nulls = query.NullsLast
		} else {
			o.Nulls = query.NullsFirst
		}
		if o.Relevance != nil {
			rel := *o.Relevance
			if rel.Sort == query.Desc {
				rel.Sort = query.Asc
			} else {
				rel.Sort = query.Desc
			}
			o.Relevance = &rel
		}
		out[i] = o
	}
	return out
}

// beyond renders "the row sorts strictly after v on o", or before it when
// backwards is set.
func (r *renderer) beyond(expr string, f *schema.Field, v any, o query.OrderBy, backwards bool) string {
	nullsFirst := o.NullsFirst()
	if backwards {
		nullsFirst = !nullsFirst
	}
	if v == nil {
		if nullsFirst {
			return expr + " IS NOT NULL"
		}
		return "FALSE"
	}
	op := ">"
	if (o.Sort == query.Desc) != backwards {
		op = "<"
	}
	cond := ordered(expr, f) + " " + op + " " + ordered(r.param(f, v, false), f)
	if nullsFirst {
		return cond
	}
	return "(" + cond + " OR " + expr + " IS NULL)"
}

func (r *renderer) same(expr string, f *schema.Field, v any) string {
	if v == nil {
		return expr + " IS NULL"
	}
	return expr + " = " + r.param(f, v, false)
}

// cursor renders the keyset condition "at or beyond cursor" under order.
func (r *renderer) cursor(m *schema.Model, alias string, order []query.OrderBy, cursor query.Record, backwards bool) string {
	var alts, prefix []string
	for _, o := range order {
		f, _ := m.Field(o.Field)
		expr := colRef(alias, f)
		v := cursor[o.Field]
		if step := r.beyond(expr, f, v, o, backwards); step != "FALSE" {
			alts = append(alts, "("+strings.Join(append(append([]string{}, prefix...), step), " AND ")+")")
		}
		prefix = append(prefix, r.same(expr, f, v))
	}
	alts = append(alts, "("+strings.Join(prefix, " AND ")+")")
	return "(" + strings.Join(alts, " OR ") + ")"
}

func returning(m *schema.Model) string {
	cols := make([]string, len(m.Fields))
	for i, c := range m.Columns() {
		cols[i] = quote(c)
	}
	return "RETURNING " + strings.Join(cols, ", ")
}

func selectColumns(m *schema.Model, alias string) []string {
	cols := make([]string, len(m.Fields))
	for i, f := range m.Fields {
		cols[i] = colRef(alias, f)
	}
	return cols
}

// buildFind selects the rows of m matching args. With a cursor row the
// keyset condition is added; window applies take and skip in SQL. A
// negative take reverses the order and the caller restores it.
func buildFind(m *schema.Model, args query.FindArgs, cursor query.Record, window bool) (string, []any) {
	table := quote(m.Table)
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	r := &renderer{b: sb}
	sb.Select(selectColumns(m, table)...).From(table)

	order := query.EffectiveOrder(m, args.OrderBy)
	backwards := window && args.Take != nil && *args.Take < 0
	cond := r.where(m, table, args.Where)
	if cursor != nil && window {
		cond += " AND " + r.cursor(m, table, order, cursor, backwards)
	}
	sb.Where(cond)
	if backwards {
		order = reverseOrder(order)
	}
	sb.OrderBy(r.order(m, table, order)...)
	if window {
		if args.Take != nil {
			take := *args.Take
			if take < 0 {
				take = -take
			}
			sb.Limit(take)
		}
		if args.Skip > 0 {
			sb.Offset(args.Skip)
		}
	}
	return sb.Build()
}

type aggColumn struct {
	fn    query.AggFunc
	field string
	name  string
}

func aggExpr(m *schema.Model, alias string, fn query.AggFunc, field string) string {
	if field == query.All {
		return "COUNT(*)"
	}
	f, _ := m.Field(field)
	c := colRef(alias, f)
	switch fn {
	case query.AggCount:
		return "COUNT(" + c + ")"
	case query.AggAvg:
		return "AVG(" + c + ")::float8"
	case query.AggSum:
		return "SUM(" + c + ")::bigint"
	case query.AggMin:
		return "MIN(" + ordered(c, f) + ")"
	default:
		return "MAX(" + ordered(c, f) + ")"
	}
}

func aggColumns(a query.Aggregations) []aggColumn {
	var cols []aggColumn
	for _, set := range []struct {
		fn     query.AggFunc
		fields []string
	}{
		{query.AggCount, a.Count}, {query.AggAvg, a.Avg}, {query.AggSum, a.Sum},
		{query.AggMin, a.Min}, {query.AggMax, a.Max},
	} {
		for _, field := range set.fields {
			cols = append(cols, aggColumn{fn: set.fn, field: field, name: fmt.Sprintf("agg_%d", len(cols))})
		}
	}
	return cols
}

func aggSelect(m *schema.Model, alias string, cols []aggColumn) []string {
	exprs := make([]string, len(cols))
	for i, c := range cols {
		exprs[i] = aggExpr(m, alias, c.fn, c.field) + " AS " + c.name
	}
	return exprs
}

// buildAggregate computes a over all rows matching where.
func buildAggregate(m *schema.Model, where query.Where, a query.Aggregations) (string, []any, []aggColumn) {
	table := quote(m.Table)
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	r := &renderer{b: sb}
	cols := aggColumns(a)
	sb.Select(aggSelect(m, table, cols)...).From(table).Where(r.where(m, table, where))
	stmt, args := sb.Build()
	return stmt, args, cols
}

// aggregateField describes numeric aggregate results in having filters.
var aggregateField = &schema.Field{Name: "_agg", Kind: schema.KindInt}

func (r *renderer) having(m *schema.Model, alias string, h query.Having) string {
	var parts []string
	for _, name := range sortedKeys(h.Fields) {
		f, _ := m.Field(name)
		hf := h.Fields[name]
		for _, c := range []struct {
			flt   *query.Filter
			fn    query.AggFunc
			field *schema.Field
		}{
			{hf.Value, query.AggNone, f},
			{hf.Count, query.AggCount, aggregateField},
			{hf.Avg, query.AggAvg, aggregateField},
			{hf.Sum, query.AggSum, aggregateField},
			{hf.Min, query.AggMin, f},
			{hf.Max, query.AggMax, f},
		} {
			if c.flt == nil {
				continue
			}
			expr := colRef(alias, f)
			if c.fn != query.AggNone {
				expr = aggExpr(m, alias, c.fn, name)
			}
			parts = append(parts, r.filter(expr, c.field, c.flt))
		}
	}
	for _, sub := range h.AND {
		parts = append(parts, "("+r.having(m, alias, sub)+")")
	}
	if h.OR != nil {
		if len(h.OR) == 0 {
			parts = append(parts, "FALSE")
		} else {
			alts := make([]string, len(h.OR))
			for i, sub := range h.OR {
				alts[i] = "(" + r.having(m, alias, sub) + ")"
			}
			parts = append(parts, "("+strings.Join(alts, " OR ")+")")
		}
	}
	for _, sub := range h.NOT {
		parts = append(parts, "NOT ("+r.having(m, alias, sub)+")")
	}
	if len(parts) == 0 {
		return "TRUE"
	}
	return strings.Join(parts, " AND ")
}

// buildGroupBy groups the rows matching args.Where by args.By. Groups are
// ordered by args.OrderBy, then by the grouping values ascending.
func buildGroupBy(m *schema.Model, args query.GroupByArgs) (string, []any, []aggColumn) {
	table := quote(m.Table)
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	r := &renderer{b: sb}
	cols := aggColumns(args.Aggregations)

	by := make([]string, len(args.By))
	tiebreak := make([]string, len(args.By))
	for i, name := range args.By {
		f, _ := m.Field(name)
		by[i] = colRef(table, f)
		tiebreak[i] = ordered(by[i], f) + " ASC NULLS LAST"
	}
	sb.Select(append(append([]string{}, by...), aggSelect(m, table, cols)...)...).
		From(table).
		Where(r.where(m, table, args.Where)).
		GroupBy(by...)
	if args.Having != nil {
		sb.Having(r.having(m, table, *args.Having))
	}

	var order []string
	for _, o := range args.OrderBy {
		f, _ := m.Field(o.Field)
		expr := ordered(colRef(table, f), f)
		if o.Aggregate != query.AggNone {
			expr = aggExpr(m, table, o.Aggregate, o.Field)
		}
		nulls := "NULLS LAST"
		if o.NullsFirst() {
			nulls = "NULLS FIRST"
		}
		order = append(order, expr+" "+direction(o.Sort)+" "+nulls)
	}
	sb.OrderBy(append(order, tiebreak...)...)
	if args.Take != nil {
		sb.Limit(*args.Take)
	}
	if args.Skip > 0 {
		sb.Offset(args.Skip)
	}
	stmt, sqlArgs := sb.Build()
	return stmt, sqlArgs, cols
}

// dataColumns lists the columns and values of d in field order.
func dataColumns(m *schema.Model, d query.Data) ([]string, []any) {
	var cols []string
	var vals []any
	for _, f := range m.Fields {
		if v, ok := d[f.Name]; ok {
			cols = append(cols, quote(f.Column))
			vals = append(vals, sqlValue(v))
		}
	}
	return cols, vals
}

func buildInsert(m *schema.Model, d query.Data) (string, []any) {
	table := quote(m.Table)
	cols, vals := dataColumns(m, d)
	if len(cols) == 0 {
		return "INSERT INTO " + table + " DEFAULT VALUES " + returning(m), nil
	}
	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto(table).Cols(cols...).Values(vals...)
	ib.SQL(returning(m))
	return ib.Build()
}

// buildInsertMany writes rows in one statement. Columns a row leaves out
// take their default.
func buildInsertMany(m *schema.Model, rows []query.Data, skipDuplicates bool) (string, []any) {
	var fields []*schema.Field
	for _, f := range m.Fields {
		for _, d := range rows {
			if _, ok := d[f.Name]; ok {
				fields = append(fields, f)
				break
			}
		}
	}
	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto(quote(m.Table))
	if len(fields) == 0 {
		pk := m.PrimaryKey()
		fields = []*schema.Field{pk}
	}
	cols := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = quote(f.Column)
	}
	ib.Cols(cols...)
	for _, d := range rows {
		vals := make([]any, len(fields))
		for i, f := range fields {
			if v, ok := d[f.Name]; ok {
				vals[i] = sqlValue(v)
			} else {
				vals[i] = sqlbuilder.Raw("DEFAULT")
			}
		}
		ib.Values(vals...)
	}
	if skipDuplicates {
		ib.SQL("ON CONFLICT DO NOTHING")
	}
	return ib.Build()
}

// scope restricts a write to the rows matching where, at most limit of them
// in primary key order.
func (r *renderer) scope(m *schema.Model, table string, where query.Where, limit *int) string {
	if limit == nil {
		return r.where(m, table, where)
	}
	pk := m.PrimaryKey()
	s := r.alias()
	return fmt.Sprintf("%s IN (SELECT %s FROM %s %s WHERE %s ORDER BY %s ASC LIMIT %s)",
		colRef(table, pk), colRef(s, pk), table, s, r.where(m, s, where), colRef(s, pk), r.b.Var(*limit))
}

func bumpStamp(table string, f *schema.Field) string {
	c := quote(f.Column)
	return fmt.Sprintf("%s = GREATEST(now(), %s.%s + interval '1 microsecond')", c, table, c)
}

// buildUpdate reports false when d assigns nothing and no stamp advances.
func buildUpdate(m *schema.Model, where query.Where, d query.Data, limit *int) (string, []any, bool) {
	table := quote(m.Table)
	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update(table)

	var assigns []string
	for _, f := range m.Fields {
		if v, ok := d[f.Name]; ok {
			assigns = append(assigns, ub.Assign(quote(f.Column), sqlValue(v)))
		}
	}
	if stamp := m.UpdatedStamp(); stamp != nil {
		if _, explicit := d[stamp.Name]; !explicit {
			assigns = append(assigns, bumpStamp(table, stamp))
		}
	}
	if len(assigns) == 0 {
		return "", nil, false
	}
	r := &renderer{b: ub}
	ub.Set(assigns...)
	ub.Where(r.scope(m, table, where, limit))
	ub.SQL(returning(m))
	stmt, args := ub.Build()
	return stmt, args, true
}

func buildDelete(m *schema.Model, where query.Where, limit *int) (string, []any) {
	table := quote(m.Table)
	db := sqlbuilder.PostgreSQL.NewDeleteBuilder()
	r := &renderer{b: db}
	db.DeleteFrom(table)
	db.Where(r.scope(m, table, where, limit))
	db.SQL(returning(m))
	return db.Build()
}

// conflictKey returns the unique field an upsert can resolve with ON
// CONFLICT: where is a lone equality on it and create carries the same
// value.
func conflictKey(m *schema.Model, where query.Where, create query.Data) (*schema.Field, bool) {
	if m.Immutable || len(where.Fields) != 1 || len(where.Relations) > 0 ||
		where.AND != nil || where.OR != nil || where.NOT != nil {
		return nil, false
	}
	key, v, ok := query.UniqueKey(m, where)
	if !ok {
		return nil, false
	}
	flt := where.Fields[key.Name]
	if flt.Equals == nil || flt.Not != nil || flt.In != nil || flt.NotIn != nil ||
		flt.Lt != nil || flt.Lte != nil || flt.Gt != nil || flt.Gte != nil ||
		flt.Contains != nil || flt.StartsWith != nil || flt.EndsWith != nil || flt.Search != nil ||
		flt.Mode != query.ModeDefault {
		return nil, false
	}
	if cv, ok := create[key.Name]; !ok || !query.Equal(cv, v) {
		return nil, false
	}
	return key, true
}

func buildUpsert(m *schema.Model, key *schema.Field, create, update query.Data) (string, []any) {
	table := quote(m.Table)
	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	cols, vals := dataColumns(m, create)
	ib.InsertInto(table).Cols(cols...).Values(vals...)

	var assigns []string
	for _, f := range m.Fields {
		if v, ok := update[f.Name]; ok {
			assigns = append(assigns, quote(f.Column)+" = "+ib.Var(sqlValue(v)))
		}
	}
	if stamp := m.UpdatedStamp(); stamp != nil {
		if _, explicit := update[stamp.Name]; !explicit {
			assigns = append(assigns, bumpStamp(table, stamp))
		}
	}
	if len(assigns) == 0 {
		c := quote(key.Column)
		assigns = append(assigns, c+" = EXCLUDED."+c)
	}
	ib.SQL(fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s", quote(key.Column), strings.Join(assigns, ", ")))
	ib.SQL(returning(m))
	return ib.Build()
}
