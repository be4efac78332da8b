package query

type Mode uint8

const (
	ModeDefault Mode = iota
	// ModeInsensitive compares strings case-insensitively.
	ModeInsensitive
)

// Filter is the condition on one scalar field. All set operators must hold.
// A nil slice leaves In/NotIn unset; an empty slice matches nothing (In) or
// everything (NotIn).
type Filter struct {
	Equals     any
	Not        *Filter
	In         []any
	NotIn      []any
	Lt         any
	Lte        any
	Gt         any
	Gte        any
	Contains   *string
	StartsWith *string
	EndsWith   *string
	Search     *string
	Mode       Mode
}

func Eq(v any) *Filter  { return &Filter{Equals: v} }
func Ne(v any) *Filter  { return &Filter{Not: &Filter{Equals: v}} }
func Lt(v any) *Filter  { return &Filter{Lt: v} }
func Lte(v any) *Filter { return &Filter{Lte: v} }
func Gt(v any) *Filter  { return &Filter{Gt: v} }
func Gte(v any) *Filter { return &Filter{Gte: v} }

func In(values ...any) *Filter {
	if values == nil {
		values = []any{}
	}
	return &Filter{In: values}
}

func NotIn(values ...any) *Filter {
	if values == nil {
		values = []any{}
	}
	return &Filter{NotIn: values}
}

func Contains(s string) *Filter   { return &Filter{Contains: &s} }
func StartsWith(s string) *Filter { return &Filter{StartsWith: &s} }
func EndsWith(s string) *Filter   { return &Filter{EndsWith: &s} }

// Search matches rows whose field contains the query terms, see SearchMatch.
func Search(q string) *Filter { return &Filter{Search: &q} }

func IsNull() *Filter  { return &Filter{Equals: DbNull} }
func NotNull() *Filter { return &Filter{Not: &Filter{Equals: DbNull}} }

// Insensitive switches f to case-insensitive string comparison.
func (f *Filter) Insensitive() *Filter {
	f.Mode = ModeInsensitive
	return f
}

// Where is a conjunction of field filters, relation filters and the
// boolean combinators. A non-nil empty OR matches nothing.
type Where struct {
	Fields    map[string]*Filter
	Relations map[string]*RelationFilter
	AND       []Where
	OR        []Where
	NOT       []Where
}

// RelationFilter applies to a relation: Some/Every/None on to-many
// relations, Is/IsNot/Exists on to-one relations.
type RelationFilter struct {
	Some   *Where
	Every  *Where
	None   *Where
	Is     *Where
	IsNot  *Where
	Exists *bool
}

// By returns a Where with a single field filter.
func By(field string, f *Filter) Where {
	return Where{Fields: map[string]*Filter{field: f}}
}

// ID is the primary key filter.
func ID(id int64) Where { return By("id", Eq(id)) }

// Rel returns a Where with a single relation filter.
func Rel(name string, rf *RelationFilter) Where {
	return Where{Relations: map[string]*RelationFilter{name: rf}}
}

func Some(w Where) *RelationFilter  { return &RelationFilter{Some: &w} }
func Every(w Where) *RelationFilter { return &RelationFilter{Every: &w} }
func None(w Where) *RelationFilter  { return &RelationFilter{None: &w} }
func Is(w Where) *RelationFilter    { return &RelationFilter{Is: &w} }
func IsNot(w Where) *RelationFilter { return &RelationFilter{IsNot: &w} }

// And sets another field filter on a copy of w.
func (w Where) And(field string, f *Filter) Where {
	fields := make(map[string]*Filter, len(w.Fields)+1)
	for k, v := range w.Fields {
		fields[k] = v
	}
	fields[field] = f
	w.Fields = fields
	return w
}

// IsZero reports whether w has no conditions at all.
func (w Where) IsZero() bool {
	return len(w.Fields) == 0 && len(w.Relations) == 0 &&
		len(w.AND) == 0 && w.OR == nil && len(w.NOT) == 0
}

func AND(ws ...Where) Where { return Where{AND: ws} }

func OR(ws ...Where) Where {
	if ws == nil {
		ws = []Where{}
	}
	return Where{OR: ws}
}

func NOT(ws ...Where) Where { return Where{NOT: ws} }
