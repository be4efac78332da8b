package query

type SortOrder uint8

const (
	Asc SortOrder = iota
	Desc
)

func (s SortOrder) String() string {
	if s == Desc {
		return "desc"
	}
	return "asc"
}

type NullsOrder uint8

const (
	// NullsDefault puts nulls last ascending and first descending.
	NullsDefault NullsOrder = iota
	NullsFirst
	NullsLast
)

type AggFunc uint8

const (
	AggNone AggFunc = iota
	AggCount
	AggAvg
	AggSum
	AggMin
	AggMax
)

func (a AggFunc) String() string {
	switch a {
	case AggCount:
		return "_count"
	case AggAvg:
		return "_avg"
	case AggSum:
		return "_sum"
	case AggMin:
		return "_min"
	case AggMax:
		return "_max"
	}
	return ""
}

// Relevance orders by how well Fields match Search.
type Relevance struct {
	Fields []string
	Search string
	Sort   SortOrder
}

// OrderBy is one ordering key. Exactly one of Field or Relevance is set.
// Aggregate applies only to groupBy ordering.
type OrderBy struct {
	Field     string
	Sort      SortOrder
	Nulls     NullsOrder
	Aggregate AggFunc
	Relevance *Relevance
}

func AscBy(field string) OrderBy  { return OrderBy{Field: field} }
func DescBy(field string) OrderBy { return OrderBy{Field: field, Sort: Desc} }

// Selection maps scalar field names to nil and relation names to the
// arguments of the nested read (nil for defaults).
type Selection map[string]*FindArgs

// Pick selects the named fields or relations with default arguments.
func Pick(names ...string) Selection {
	s := make(Selection, len(names))
	for _, n := range names {
		s[n] = nil
	}
	return s
}

// FindArgs are the arguments of every read. On nested relation reads Where,
// OrderBy and the pagination fields are scoped to the parent row.
type FindArgs struct {
	Where    Where
	OrderBy  []OrderBy
	Cursor   *Where
	Take     *int
	Skip     int
	Distinct []string

	Select  Selection
	Include Selection
	Omit    []string
	// Count requests "_count" of the named to-many relations. A nil Where
	// counts every related row.
	Count map[string]*Where
}

// Paginated reports whether the args narrow the result beyond Where.
func (a *FindArgs) Paginated() bool {
	return a.Cursor != nil || a.Take != nil || a.Skip != 0 || len(a.Distinct) > 0
}

// Aggregations lists the fields per aggregate function. Count accepts "_all".
type Aggregations struct {
	Count []string
	Avg   []string
	Sum   []string
	Min   []string
	Max   []string
}

func (a Aggregations) IsZero() bool {
	return len(a.Count)+len(a.Avg)+len(a.Sum)+len(a.Min)+len(a.Max) == 0
}

// All is the "_all" pseudo field of Count.
const All = "_all"

type AggregateArgs struct {
	Where   Where
	OrderBy []OrderBy
	Cursor  *Where
	Take    *int
	Skip    int
	Aggregations
}

// AggregateResult holds the requested aggregates. Maps for functions that
// were not requested are nil. Avg, Sum, Min and Max are nil when no non-null
// value was aggregated.
type AggregateResult struct {
	Count map[string]int64
	Avg   map[string]*float64
	Sum   map[string]any
	Min   map[string]any
	Max   map[string]any
}

type GroupByArgs struct {
	By      []string
	Where   Where
	Having  *Having
	OrderBy []OrderBy
	Take    *int
	Skip    int
	Aggregations
}

// Having filters groups. Field names must be among By.
type Having struct {
	Fields map[string]*HavingFilter
	AND    []Having
	OR     []Having
	NOT    []Having
}

// HavingFilter filters one field of a group by its grouped value or by an
// aggregate of it.
type HavingFilter struct {
	Value *Filter
	Count *Filter
	Avg   *Filter
	Sum   *Filter
	Min   *Filter
	Max   *Filter
}

func HavingBy(field string, f *HavingFilter) *Having {
	return &Having{Fields: map[string]*HavingFilter{field: f}}
}

// Group is one groupBy result row.
type Group struct {
	Key Record
	AggregateResult
}
