package query

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xaenox/botadmin/internal/dberrors"
	"github.com/xaenox/botadmin/internal/schema"
)

type tables map[string][]Record

func (t tables) Rows(model string) []Record { return t[model] }

func model(t *testing.T, name string) *schema.Model {
	t.Helper()
	m, ok := schema.Chatbots().Model(name)
	require.True(t, ok)
	return m
}

func ids(rows []Record) []int64 {
	out := make([]int64, len(rows))
	for i, r := range rows {
		out[i] = r["id"].(int64)
	}
	return out
}

func fixture() tables {
	return tables{
		schema.User: {
			{"id": int64(1), "email": "a@x.com", "password": "h", "name": "Ann"},
			{"id": int64(2), "email": "b@x.com", "password": "h", "name": nil},
			{"id": int64(3), "email": "c@x.com", "password": "h", "name": "bob"},
		},
		schema.Chatbot: {
			{"id": int64(10), "name": "Helper", "description": "answers questions", "userId": int64(1)},
			{"id": int64(11), "name": "Sales", "description": nil, "userId": int64(1)},
			{"id": int64(12), "name": "Support", "description": "answers tickets", "userId": int64(3)},
		},
	}
}

func TestNormalizeWhereCoercesOperands(t *testing.T) {
	m := model(t, schema.User)

	w, err := NormalizeWhere(m, By("id", In(1, int32(2))))
	require.NoError(t, err)
	assert.Equal(t, []any{int64(1), int64(2)}, w.Fields["id"].In)
}

func TestNormalizeWhereRejectsMisuse(t *testing.T) {
	user := model(t, schema.User)
	flow := model(t, schema.Flow)

	tests := []struct {
		name string
		m    *schema.Model
		w    Where
	}{
		{"unknown field", user, By("nickname", Eq("x"))},
		{"contains on int", user, By("id", Contains("1"))},
		{"insensitive on int", user, By("id", Eq(1).Insensitive())},
		{"null on required", user, By("email", IsNull())},
		{"json null on string", user, By("name", Eq(JsonNull))},
		{"range on json", flow, By("steps", Gt("[]"))},
		{"empty search", user, By("name", Search(" & "))},
		{"wrong type", user, By("email", Eq(42))},
		{"list filter on single relation", model(t, schema.Chatbot), Rel("user", Some(Where{}))},
		{"single filter on list relation", user, Rel("chatbots", Is(Where{}))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NormalizeWhere(tt.m, tt.w)
			require.Error(t, err)
			assert.ErrorIs(t, err, dberrors.ErrValidation)
		})
	}
}

func TestNullComparisonsNeverMatch(t *testing.T) {
	src := fixture()
	m := model(t, schema.User)

	w, err := NormalizeWhere(m, NOT(By("name", Eq("Ann"))))
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, ids(FilterRows(src, m, w, src[schema.User])))

	w, err = NormalizeWhere(m, By("name", IsNull()))
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, ids(FilterRows(src, m, w, src[schema.User])))
}

func TestEmptyListsAndOr(t *testing.T) {
	src := fixture()
	m := model(t, schema.User)

	for _, w := range []Where{OR(), By("id", In())} {
		nw, err := NormalizeWhere(m, w)
		require.NoError(t, err)
		assert.Empty(t, FilterRows(src, m, nw, src[schema.User]))
	}

	nw, err := NormalizeWhere(m, By("id", NotIn()))
	require.NoError(t, err)
	assert.Len(t, FilterRows(src, m, nw, src[schema.User]), 3)
}

func TestInsensitiveMode(t *testing.T) {
	src := fixture()
	m := model(t, schema.User)

	w, err := NormalizeWhere(m, By("name", StartsWith("B").Insensitive()))
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, ids(FilterRows(src, m, w, src[schema.User])))
}

func TestRelationFilters(t *testing.T) {
	src := fixture()
	m := model(t, schema.User)

	tests := []struct {
		name string
		rf   *RelationFilter
		want []int64
	}{
		{"some", Some(By("name", Eq("Sales"))), []int64{1}},
		{"every", Every(By("description", Contains("answers"))), []int64{2, 3}},
		{"none", None(Where{}), []int64{2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := NormalizeWhere(m, Rel("chatbots", tt.rf))
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(FilterRows(src, m, w, src[schema.User])))
		})
	}
}

func TestToOneRelationFilter(t *testing.T) {
	src := fixture()
	m := model(t, schema.Chatbot)

	w, err := NormalizeWhere(m, Rel("user", Is(By("email", EndsWith("c@x.com")))))
	require.NoError(t, err)
	assert.Equal(t, []int64{12}, ids(FilterRows(src, m, w, src[schema.Chatbot])))

	w, err = NormalizeWhere(m, Rel("user", IsNot(By("id", Eq(1)))))
	require.NoError(t, err)
	assert.Equal(t, []int64{12}, ids(FilterRows(src, m, w, src[schema.Chatbot])))
}

func TestSortRowsNullsAndTieBreak(t *testing.T) {
	m := model(t, schema.User)
	rows := append([]Record(nil), fixture()[schema.User]...)

	SortRows(m, rows, []OrderBy{AscBy("name")})
	assert.Equal(t, []int64{1, 3, 2}, ids(rows))

	SortRows(m, rows, []OrderBy{DescBy("name")})
	assert.Equal(t, []int64{2, 3, 1}, ids(rows))

	SortRows(m, rows, []OrderBy{{Field: "name", Sort: Desc, Nulls: NullsLast}})
	assert.Equal(t, []int64{3, 1, 2}, ids(rows))

	SortRows(m, rows, []OrderBy{AscBy("password")})
	assert.Equal(t, []int64{1, 2, 3}, ids(rows))
}

func TestRelevanceOrdering(t *testing.T) {
	m := model(t, schema.Chatbot)
	rows := append([]Record(nil), fixture()[schema.Chatbot]...)

	SortRows(m, rows, []OrderBy{{Relevance: &Relevance{Fields: []string{"name", "description"}, Search: "answers tickets", Sort: Desc}}})
	assert.Equal(t, []int64{12, 10, 11}, ids(rows))
}

func TestWindow(t *testing.T) {
	m := model(t, schema.User)
	order := EffectiveOrder(m, nil)
	rows := fixture()[schema.User]

	assert.Equal(t, []int64{2}, ids(Window(order, rows, nil, Ptr(1), 1)))
	assert.Empty(t, Window(order, rows, nil, Ptr(2), 5))
	assert.Equal(t, []int64{2, 3}, ids(Window(order, rows, nil, Ptr(-2), 0)))
	assert.Equal(t, []int64{2, 3}, ids(Window(order, rows, rows[1], nil, 0)))
	assert.Equal(t, []int64{3}, ids(Window(order, rows, rows[1], Ptr(5), 1)))
	assert.Equal(t, []int64{1, 2}, ids(Window(order, rows, rows[1], Ptr(-2), 0)))
	assert.Empty(t, Window(order, rows, nil, Ptr(0), 0))
}

func TestFindWithUnknownCursorIsEmpty(t *testing.T) {
	src := fixture()
	m := model(t, schema.User)

	args, err := NormalizeFind(m, FindArgs{Cursor: &Where{Fields: map[string]*Filter{"id": Eq(99)}}})
	require.NoError(t, err)
	assert.Empty(t, Find(src, m, args))
}

func TestDistinct(t *testing.T) {
	src := fixture()
	m := model(t, schema.Chatbot)

	args, err := NormalizeFind(m, FindArgs{Distinct: []string{"userId"}, OrderBy: []OrderBy{DescBy("id")}})
	require.NoError(t, err)
	assert.Equal(t, []int64{12, 11}, ids(Find(src, m, args)))
}

func TestNormalizeFindShaping(t *testing.T) {
	m := model(t, schema.Chatbot)

	_, err := NormalizeFind(m, FindArgs{Select: Pick("name"), Include: Pick("user")})
	assert.ErrorIs(t, err, dberrors.ErrValidation)

	_, err = NormalizeFind(m, FindArgs{Select: Pick("name"), Omit: []string{"description"}})
	assert.ErrorIs(t, err, dberrors.ErrValidation)

	_, err = NormalizeFind(m, FindArgs{Include: Pick("name")})
	assert.ErrorIs(t, err, dberrors.ErrValidation)

	_, err = NormalizeFind(m, FindArgs{Include: Selection{"user": {Take: Ptr(1)}}})
	assert.ErrorIs(t, err, dberrors.ErrValidation)

	_, err = NormalizeFind(m, FindArgs{
		Cursor:  &Where{Fields: map[string]*Filter{"id": Eq(1)}},
		OrderBy: []OrderBy{{Relevance: &Relevance{Fields: []string{"name"}, Search: "bot"}}},
	})
	assert.ErrorIs(t, err, dberrors.ErrValidation)

	args, err := NormalizeFind(m, FindArgs{
		Include: Selection{"conversations": {Include: Pick("messages"), Take: Ptr(2)}},
		Count:   map[string]*Where{"flows": nil},
	})
	require.NoError(t, err)
	assert.NotNil(t, args.Include["conversations"].Include["messages"])
}

func TestNormalizeUniqueNeedsUniqueEquality(t *testing.T) {
	m := model(t, schema.User)

	_, err := NormalizeUnique(m, By("name", Eq("Ann")))
	assert.ErrorIs(t, err, dberrors.ErrValidation)

	w, err := NormalizeUnique(m, By("email", Eq("a@x.com")).And("name", Eq("Ann")))
	require.NoError(t, err)
	f, v, ok := UniqueKey(m, w)
	require.True(t, ok)
	assert.Equal(t, "email", f.Name)
	assert.Equal(t, "a@x.com", v)
}

func TestNormalizeCreate(t *testing.T) {
	m := model(t, schema.Flow)

	_, err := NormalizeCreate(m, Data{"chatbotId": 1, "name": "onboarding"})
	var e *dberrors.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, dberrors.KindValidation, e.Kind)
	assert.Equal(t, []string{"steps"}, e.Fields)

	d, err := NormalizeCreate(m, Data{"chatbotId": 1, "name": "onboarding", "steps": []string{"greet", "ask"}})
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`["greet","ask"]`), d["steps"])
	assert.Equal(t, int64(1), d["chatbotId"])

	_, err = NormalizeCreate(m, Data{"chatbotId": 1, "name": "x", "steps": "[]", "chatbot": 1})
	assert.ErrorIs(t, err, dberrors.ErrValidation)
}

func TestNormalizeUpdate(t *testing.T) {
	_, err := NormalizeUpdate(model(t, schema.Message), Data{"content": "edited"})
	assert.ErrorIs(t, err, dberrors.ErrValidation)

	_, err = NormalizeUpdate(model(t, schema.User), Data{"id": 5})
	assert.ErrorIs(t, err, dberrors.ErrValidation)

	_, err = NormalizeUpdate(model(t, schema.User), Data{"email": nil})
	assert.ErrorIs(t, err, dberrors.ErrValidation)

	d, err := NormalizeUpdate(model(t, schema.User), Data{"name": DbNull})
	require.NoError(t, err)
	assert.Contains(t, d, "name")
	assert.Nil(t, d["name"])

	d, err = NormalizeUpdate(model(t, schema.Integration), Data{"config": JsonNull})
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage("null"), d["config"])
}

func TestJSONNullFilters(t *testing.T) {
	m := model(t, schema.Integration)
	src := tables{schema.Integration: {
		{"id": int64(1), "config": nil},
		{"id": int64(2), "config": json.RawMessage("null")},
		{"id": int64(3), "config": json.RawMessage(`{"a":1}`)},
	}}

	tests := []struct {
		nk   NullKind
		want []int64
	}{
		{DbNull, []int64{1}},
		{JsonNull, []int64{2}},
		{AnyNull, []int64{1, 2}},
	}
	for _, tt := range tests {
		w, err := NormalizeWhere(m, By("config", Eq(tt.nk)))
		require.NoError(t, err)
		assert.Equal(t, tt.want, ids(FilterRows(src, m, w, src[schema.Integration])), tt.nk.String())
	}

	w, err := NormalizeWhere(m, By("config", Eq(map[string]int{"a": 1})))
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, ids(FilterRows(src, m, w, src[schema.Integration])))
}

func analyticsRows() []Record {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return []Record{
		{"id": int64(1), "chatbotId": int64(1), "userId": int64(7), "action": "view", "timestamp": now},
		{"id": int64(2), "chatbotId": int64(1), "userId": nil, "action": "view", "timestamp": now.Add(time.Minute)},
		{"id": int64(3), "chatbotId": int64(1), "userId": int64(9), "action": "click", "timestamp": now.Add(2 * time.Minute)},
		{"id": int64(4), "chatbotId": int64(2), "userId": int64(7), "action": "view", "timestamp": now.Add(3 * time.Minute)},
	}
}

func TestAggregate(t *testing.T) {
	rows := analyticsRows()

	res, err := Aggregate(rows, Aggregations{
		Count: []string{All, "userId"},
		Avg:   []string{"userId"},
		Sum:   []string{"chatbotId"},
		Min:   []string{"action"},
		Max:   []string{"timestamp"},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{All: 4, "userId": 3}, res.Count)
	require.NotNil(t, res.Avg["userId"])
	assert.InDelta(t, 23.0/3.0, *res.Avg["userId"], 1e-9)
	assert.Equal(t, int64(5), res.Sum["chatbotId"])
	assert.Equal(t, "click", res.Min["action"])
	assert.Equal(t, rows[3]["timestamp"], res.Max["timestamp"])

	empty, err := Aggregate(nil, Aggregations{Avg: []string{"userId"}, Sum: []string{"userId"}})
	require.NoError(t, err)
	assert.Nil(t, empty.Avg["userId"])
	assert.Nil(t, empty.Sum["userId"])
	assert.Nil(t, empty.Count)
}

func TestSumOutOfRange(t *testing.T) {
	m := model(t, schema.Analytics)
	rows := []Record{
		{"id": int64(1), "chatbotId": int64(1), "userId": int64(math.MaxInt64)},
		{"id": int64(2), "chatbotId": int64(1), "userId": int64(1)},
		{"id": int64(3), "chatbotId": int64(2), "userId": int64(math.MinInt64)},
	}

	_, err := Aggregate(rows[:2], Aggregations{Sum: []string{"userId"}})
	assert.Equal(t, dberrors.KindUnknown, dberrors.KindOf(err))

	res, err := Aggregate(rows, Aggregations{Sum: []string{"userId"}, Avg: []string{"userId"}})
	require.NoError(t, err, "the running total comes back into range")
	assert.Equal(t, int64(0), res.Sum["userId"])
	require.NotNil(t, res.Avg["userId"])

	args, err := NormalizeGroupBy(m, GroupByArgs{
		By:           []string{"chatbotId"},
		Aggregations: Aggregations{Sum: []string{"userId"}},
	})
	require.NoError(t, err)
	_, err = GroupRows(m, rows, args)
	assert.Equal(t, dberrors.KindUnknown, dberrors.KindOf(err))

	_, err = GroupRows(m, rows[2:], args)
	assert.NoError(t, err)
}

func TestNormalizeAggregateRejectsNonNumeric(t *testing.T) {
	m := model(t, schema.Analytics)

	_, err := NormalizeAggregate(m, AggregateArgs{Aggregations: Aggregations{Avg: []string{"action"}}})
	assert.ErrorIs(t, err, dberrors.ErrValidation)

	_, err = NormalizeAggregate(m, AggregateArgs{Aggregations: Aggregations{Sum: []string{"timestamp"}}})
	assert.ErrorIs(t, err, dberrors.ErrValidation)

	_, err = NormalizeAggregate(m, AggregateArgs{Aggregations: Aggregations{Min: []string{"action"}, Max: []string{"timestamp"}}})
	assert.NoError(t, err)
}

func TestGroupRows(t *testing.T) {
	m := model(t, schema.Analytics)

	args, err := NormalizeGroupBy(m, GroupByArgs{
		By:           []string{"chatbotId"},
		Having:       HavingBy("chatbotId", &HavingFilter{Count: Gt(1)}),
		Aggregations: Aggregations{Count: []string{All}},
	})
	require.NoError(t, err)
	groups, err := GroupRows(m, analyticsRows(), args)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, Record{"chatbotId": int64(1)}, groups[0].Key)
	assert.Equal(t, int64(3), groups[0].Count[All])

	args, err = NormalizeGroupBy(m, GroupByArgs{
		By:           []string{"action"},
		OrderBy:      []OrderBy{{Field: "action", Aggregate: AggCount, Sort: Desc}},
		Take:         Ptr(1),
		Aggregations: Aggregations{Count: []string{"action"}},
	})
	require.NoError(t, err)
	groups, err = GroupRows(m, analyticsRows(), args)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "view", groups[0].Key["action"])
	assert.Equal(t, int64(3), groups[0].Count["action"])
}

func TestNormalizeGroupByValidation(t *testing.T) {
	m := model(t, schema.Analytics)

	tests := []struct {
		name string
		args GroupByArgs
	}{
		{"empty by", GroupByArgs{}},
		{"having outside by", GroupByArgs{By: []string{"chatbotId"}, Having: HavingBy("action", &HavingFilter{Value: Eq("view")})}},
		{"orderBy outside by", GroupByArgs{By: []string{"chatbotId"}, OrderBy: []OrderBy{AscBy("action")}}},
		{"take without orderBy", GroupByArgs{By: []string{"chatbotId"}, Take: Ptr(1)}},
		{"skip without orderBy", GroupByArgs{By: []string{"chatbotId"}, Skip: 1}},
		{"avg of string", GroupByArgs{By: []string{"action"}, Having: HavingBy("action", &HavingFilter{Avg: Gt(1)})}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NormalizeGroupBy(m, tt.args)
			assert.ErrorIs(t, err, dberrors.ErrValidation)
		})
	}
}

func TestSearch(t *testing.T) {
	assert.True(t, SearchMatch("hello world", "Hello there, world!"))
	assert.False(t, SearchMatch("hello & !there", "Hello there, world!"))
	assert.True(t, SearchMatch("foo | world", "Hello there, world!"))
	assert.False(t, SearchMatch("foo", ""))
	assert.True(t, SearchMatch("x", "a@x.com"))
	assert.Equal(t, "a & x & com", TSQuery("a@x.com"))

	assert.Equal(t, "hello & world", TSQuery("hello world"))
	assert.Equal(t, "(a & b) | !c", TSQuery("a&b | !c"))
	assert.Equal(t, 2.0, RelevanceScore("answers tickets missing", "answers", "open tickets"))
}
