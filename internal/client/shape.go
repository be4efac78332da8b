package client

import (
	"context"
	"sort"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"

	"github.com/xaenox/botadmin/internal/dberrors"
	"github.com/xaenox/botadmin/internal/query"
	"github.com/xaenox/botadmin/internal/schema"
)

// countKey holds the relation counts of a shaped record.
const countKey = "_count"

// read runs normalized args against m and returns shaped records.
func (c *Client) read(ctx context.Context, m *schema.Model, args query.FindArgs) ([]query.Record, error) {
	rows, err := c.fetch(ctx, m, args)
	if err != nil {
		return nil, err
	}
	for i, rec := range rows {
		rows[i] = project(m, rec, args)
	}
	return rows, nil
}

// fetch returns the rows under args with every requested relation and
// count attached. Scalars are not projected yet so that keys stay available
// to the caller.
func (c *Client) fetch(ctx context.Context, m *schema.Model, args query.FindArgs) ([]query.Record, error) {
	rows, err := c.exec.Find(ctx, m, args)
	if err != nil || len(rows) == 0 {
		return rows, err
	}
	for _, name := range relationNames(m, args) {
		rel, _ := m.Relation(name)
		if err := c.loadRelation(ctx, m, rel, nestedArgs(args, name), rows); err != nil {
			return nil, err
		}
	}
	if len(args.Count) > 0 {
		if err := c.loadCounts(ctx, m, args.Count, rows); err != nil {
			return nil, err
		}
	}
	return rows, nil
}

// relationNames lists the relations named in select or include, sorted.
func relationNames(m *schema.Model, args query.FindArgs) []string {
	sel := args.Include
	if len(args.Select) > 0 {
		sel = args.Select
	}
	var names []string
	for name := range sel {
		if _, ok := m.Relation(name); ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func nestedArgs(args query.FindArgs, name string) query.FindArgs {
	nested := args.Include[name]
	if len(args.Select) > 0 {
		nested = args.Select[name]
	}
	if nested == nil {
		return query.FindArgs{}
	}
	return *nested
}

func distinctKeys(rows []query.Record, field string) []any {
	seen := make(map[any]bool, len(rows))
	keys := make([]any, 0, len(rows))
	for _, rec := range rows {
		v := rec[field]
		if v == nil || seen[v] {
			continue
		}
		seen[v] = true
		keys = append(keys, v)
	}
	return keys
}

// loadRelation attaches rel to every row. Unpaginated list relations are
// loaded with one query for all parents; paginated ones with one query per
// parent so that take and skip apply per parent.
func (c *Client) loadRelation(ctx context.Context, m *schema.Model, rel *schema.Relation, nested query.FindArgs, rows []query.Record) error {
	target := m.Target(rel)
	pk := m.PrimaryKey().Name

	if rel.Owning() {
		keys := distinctKeys(rows, rel.LocalField)
		byKey := make(map[any]query.Record, len(keys))
		if len(keys) > 0 {
			args := nested
			args.Where = query.By(target.PrimaryKey().Name, query.In(keys...))
			children, err := c.fetchNormalized(ctx, target, args)
			if err != nil {
				return err
			}
			for _, child := range children {
				byKey[child[target.PrimaryKey().Name]] = project(target, child, nested)
			}
		}
		for _, rec := range rows {
			if child, ok := byKey[rec[rel.LocalField]]; ok {
				rec[rel.Name] = child
			} else {
				rec[rel.Name] = nil
			}
		}
		return nil
	}

	groups := make(map[any][]query.Record, len(rows))
	if nested.Paginated() {
		for _, rec := range rows {
			args := nested
			args.Where = scoped(nested.Where, rel.RemoteField, query.Eq(rec[pk]))
			children, err := c.fetchNormalized(ctx, target, args)
			if err != nil {
				return err
			}
			groups[rec[pk]] = children
		}
	} else {
		args := nested
		args.Where = scoped(nested.Where, rel.RemoteField, query.In(distinctKeys(rows, pk)...))
		children, err := c.fetchNormalized(ctx, target, args)
		if err != nil {
			return err
		}
		for _, child := range children {
			key := child[rel.RemoteField]
			groups[key] = append(groups[key], child)
		}
	}

	for _, rec := range rows {
		children := groups[rec[pk]]
		if rel.Kind == schema.ToOne {
			if len(children) == 0 {
				rec[rel.Name] = nil
			} else {
				rec[rel.Name] = project(target, children[0], nested)
			}
			continue
		}
		list := make([]query.Record, len(children))
		for i, child := range children {
			list[i] = project(target, child, nested)
		}
		rec[rel.Name] = list
	}
	return nil
}

// scoped narrows w to the rows whose field matches f.
func scoped(w query.Where, field string, f *query.Filter) query.Where {
	if w.IsZero() {
		return query.By(field, f)
	}
	return query.AND(w, query.By(field, f))
}

func (c *Client) fetchNormalized(ctx context.Context, m *schema.Model, args query.FindArgs) ([]query.Record, error) {
	na, err := query.NormalizeFind(m, args)
	if err != nil {
		return nil, err
	}
	return c.fetch(ctx, m, na)
}

// loadCounts attaches "_count" to every row with one grouped count per
// relation.
func (c *Client) loadCounts(ctx context.Context, m *schema.Model, counts map[string]*query.Where, rows []query.Record) error {
	pk := m.PrimaryKey().Name
	keys := distinctKeys(rows, pk)
	byRel := make(map[string]map[any]int64, len(counts))
	for name, w := range counts {
		rel, _ := m.Relation(name)
		target := m.Target(rel)
		var filter query.Where
		if w != nil {
			filter = *w
		}
		args, err := query.NormalizeGroupBy(target, query.GroupByArgs{
			By:           []string{rel.RemoteField},
			Where:        scoped(filter, rel.RemoteField, query.In(keys...)),
			Aggregations: query.Aggregations{Count: []string{query.All}},
		})
		if err != nil {
			return err
		}
		groups, err := c.exec.GroupBy(ctx, target, args)
		if err != nil {
			return err
		}
		perKey := make(map[any]int64, len(groups))
		for _, g := range groups {
			perKey[g.Key[rel.RemoteField]] = g.Count[query.All]
		}
		byRel[name] = perKey
	}
	for _, rec := range rows {
		out := make(map[string]int64, len(counts))
		for name := range counts {
			out[name] = byRel[name][rec[pk]]
		}
		rec[countKey] = out
	}
	return nil
}

// project keeps the selected fields of rec, or every field not omitted plus
// the included relations.
func project(m *schema.Model, rec query.Record, args query.FindArgs) query.Record {
	out := make(query.Record, len(m.Fields))
	if len(args.Select) > 0 {
		for name := range args.Select {
			if v, ok := rec[name]; ok {
				out[name] = v
			}
		}
	} else {
		omit := make(map[string]bool, len(args.Omit))
		for _, name := range args.Omit {
			omit[name] = true
		}
		for _, f := range m.Fields {
			if !omit[f.Name] {
				out[f.Name] = rec[f.Name]
			}
		}
		for name := range args.Include {
			out[name] = rec[name]
		}
	}
	if len(args.Count) > 0 {
		out[countKey] = rec[countKey]
	}
	return out
}

func decode[T any](rec query.Record) (*T, error) {
	var out T
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: "json",
		Result:  &out,
	})
	if err != nil {
		return nil, errors.Wrap(err, "new decoder")
	}
	if err := dec.Decode(map[string]any(rec)); err != nil {
		return nil, errors.Wrap(err, "decode record")
	}
	return &out, nil
}

func (r *Repository[T]) decodeOne(rec query.Record) (*T, error) {
	out, err := decode[T](rec)
	if err != nil {
		return nil, dberrors.Annotate(err, r.model.Name, "decode")
	}
	return out, nil
}

func (r *Repository[T]) decodeAll(rows []query.Record) ([]T, error) {
	out := make([]T, len(rows))
	for i, rec := range rows {
		v, err := r.decodeOne(rec)
		if err != nil {
			return nil, err
		}
		out[i] = *v
	}
	return out, nil
}
