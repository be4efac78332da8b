package client

import (
	"context"

	"github.com/xaenox/botadmin/internal/dberrors"
	"github.com/xaenox/botadmin/internal/query"
	"github.com/xaenox/botadmin/internal/schema"
)

// Repository is the uniform contract of one entity. T is the typed row the
// records are decoded into.
type Repository[T any] struct {
	c     *Client
	model *schema.Model
}

func newRepository[T any](c *Client, name string) *Repository[T] {
	return &Repository[T]{c: c, model: c.model(name)}
}

func (r *Repository[T]) Model() *schema.Model { return r.model }

func (r *Repository[T]) run(ctx context.Context, op string, fn func(context.Context) error) error {
	return r.c.observe(ctx, r.model.Name, op, fn)
}

// uniqueArgs validates the arguments of findUnique: a unique filter plus
// the shaping fields.
func (r *Repository[T]) uniqueArgs(args query.FindArgs) (query.FindArgs, error) {
	if len(args.OrderBy) > 0 || args.Paginated() {
		return query.FindArgs{}, dberrors.Validation("%s: findUnique takes no ordering or pagination", r.model.Name)
	}
	where, err := query.NormalizeUnique(r.model, args.Where)
	if err != nil {
		return query.FindArgs{}, err
	}
	args.Where = query.Where{}
	na, err := query.NormalizeFind(r.model, args)
	if err != nil {
		return query.FindArgs{}, err
	}
	na.Where = where
	// a second row means the unique key is broken
	na.Take = query.Ptr(2)
	return na, nil
}

func (r *Repository[T]) findUnique(ctx context.Context, op string, args query.FindArgs) (rec query.Record, err error) {
	err = r.run(ctx, op, func(ctx context.Context) error {
		na, err := r.uniqueArgs(args)
		if err != nil {
			return err
		}
		rows, err := r.c.read(ctx, r.model, na)
		if err != nil {
			return err
		}
		switch len(rows) {
		case 0:
			if op == "findUniqueOrThrow" {
				return dberrors.NotFound(r.model.Name)
			}
		case 1:
			rec = rows[0]
		default:
			return dberrors.New(dberrors.KindUnknown, "unique filter matched %d rows", len(rows))
		}
		return nil
	})
	return rec, err
}

// FindUniqueRecord returns the shaped record matching the unique filter
// args.Where, or nil.
func (r *Repository[T]) FindUniqueRecord(ctx context.Context, args query.FindArgs) (query.Record, error) {
	return r.findUnique(ctx, "findUnique", args)
}

// FindUnique returns the row matching the unique filter args.Where, or nil
// when there is none.
func (r *Repository[T]) FindUnique(ctx context.Context, args query.FindArgs) (*T, error) {
	rec, err := r.findUnique(ctx, "findUnique", args)
	if err != nil || rec == nil {
		return nil, err
	}
	return r.decodeOne(rec)
}

func (r *Repository[T]) FindUniqueOrThrow(ctx context.Context, args query.FindArgs) (*T, error) {
	rec, err := r.findUnique(ctx, "findUniqueOrThrow", args)
	if err != nil {
		return nil, err
	}
	return r.decodeOne(rec)
}

func (r *Repository[T]) findFirst(ctx context.Context, op string, args query.FindArgs) (rec query.Record, err error) {
	err = r.run(ctx, op, func(ctx context.Context) error {
		take := 1
		if args.Take != nil && *args.Take < 0 {
			take = -1
		}
		args.Take = &take
		na, err := query.NormalizeFind(r.model, args)
		if err != nil {
			return err
		}
		rows, err := r.c.read(ctx, r.model, na)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			if op == "findFirstOrThrow" {
				return dberrors.NotFound(r.model.Name)
			}
			return nil
		}
		rec = rows[0]
		return nil
	})
	return rec, err
}

// FindFirst returns the first row under args, or nil. A negative Take
// returns the last row instead.
func (r *Repository[T]) FindFirst(ctx context.Context, args query.FindArgs) (*T, error) {
	rec, err := r.findFirst(ctx, "findFirst", args)
	if err != nil || rec == nil {
		return nil, err
	}
	return r.decodeOne(rec)
}

func (r *Repository[T]) FindFirstOrThrow(ctx context.Context, args query.FindArgs) (*T, error) {
	rec, err := r.findFirst(ctx, "findFirstOrThrow", args)
	if err != nil {
		return nil, err
	}
	return r.decodeOne(rec)
}

// FindManyRecords returns the shaped records under args. Fields left out by
// select or omit are absent from the records.
func (r *Repository[T]) FindManyRecords(ctx context.Context, args query.FindArgs) (rows []query.Record, err error) {
	err = r.run(ctx, "findMany", func(ctx context.Context) error {
		na, err := query.NormalizeFind(r.model, args)
		if err != nil {
			return err
		}
		rows, err = r.c.read(ctx, r.model, na)
		return err
	})
	if rows == nil && err == nil {
		rows = []query.Record{}
	}
	return rows, err
}

// FindMany returns the rows under args, never nil on success.
func (r *Repository[T]) FindMany(ctx context.Context, args query.FindArgs) ([]T, error) {
	rows, err := r.FindManyRecords(ctx, args)
	if err != nil {
		return nil, err
	}
	return r.decodeAll(rows)
}

func (r *Repository[T]) Create(ctx context.Context, data query.Data) (*T, error) {
	var rec query.Record
	err := r.run(ctx, "create", func(ctx context.Context) error {
		d, err := query.NormalizeCreate(r.model, data)
		if err != nil {
			return err
		}
		rec, err = r.c.exec.Insert(ctx, r.model, d)
		return err
	})
	if err != nil {
		return nil, err
	}
	return r.decodeOne(rec)
}

// CreateMany inserts rows as one unit and returns how many were written.
// With skipDuplicates rows colliding on a unique field are left out.
func (r *Repository[T]) CreateMany(ctx context.Context, data []query.Data, skipDuplicates bool) (n int64, err error) {
	err = r.run(ctx, "createMany", func(ctx context.Context) error {
		rows := make([]query.Data, len(data))
		for i, d := range data {
			nd, err := query.NormalizeCreate(r.model, d)
			if err != nil {
				return err
			}
			rows[i] = nd
		}
		if len(rows) == 0 {
			return nil
		}
		n, err = r.c.exec.InsertMany(ctx, r.model, rows, skipDuplicates)
		return err
	})
	return n, err
}

// Update applies data to the row matching the unique filter where.
func (r *Repository[T]) Update(ctx context.Context, where query.Where, data query.Data) (*T, error) {
	var rec query.Record
	err := r.run(ctx, "update", func(ctx context.Context) error {
		w, err := query.NormalizeUnique(r.model, where)
		if err != nil {
			return err
		}
		d, err := query.NormalizeUpdate(r.model, data)
		if err != nil {
			return err
		}
		rows, err := r.c.exec.Update(ctx, r.model, w, d, nil)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return dberrors.NotFound(r.model.Name)
		}
		rec = rows[0]
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r.decodeOne(rec)
}

func checkLimit(m *schema.Model, limit *int) error {
	if limit != nil && *limit < 0 {
		return dberrors.Validation("%s: limit must not be negative", m.Name)
	}
	return nil
}

// UpdateMany applies data to at most limit rows matching where (all when
// limit is nil) and returns the number updated.
func (r *Repository[T]) UpdateMany(ctx context.Context, where query.Where, data query.Data, limit *int) (n int64, err error) {
	err = r.run(ctx, "updateMany", func(ctx context.Context) error {
		if err := checkLimit(r.model, limit); err != nil {
			return err
		}
		w, err := query.NormalizeWhere(r.model, where)
		if err != nil {
			return err
		}
		d, err := query.NormalizeUpdate(r.model, data)
		if err != nil {
			return err
		}
		rows, err := r.c.exec.Update(ctx, r.model, w, d, limit)
		n = int64(len(rows))
		return err
	})
	return n, err
}

// Delete removes the row matching the unique filter where and returns it.
func (r *Repository[T]) Delete(ctx context.Context, where query.Where) (*T, error) {
	var rec query.Record
	err := r.run(ctx, "delete", func(ctx context.Context) error {
		w, err := query.NormalizeUnique(r.model, where)
		if err != nil {
			return err
		}
		rows, err := r.c.exec.Delete(ctx, r.model, w, nil)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return dberrors.NotFound(r.model.Name)
		}
		rec = rows[0]
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r.decodeOne(rec)
}

func (r *Repository[T]) DeleteMany(ctx context.Context, where query.Where, limit *int) (n int64, err error) {
	err = r.run(ctx, "deleteMany", func(ctx context.Context) error {
		if err := checkLimit(r.model, limit); err != nil {
			return err
		}
		w, err := query.NormalizeWhere(r.model, where)
		if err != nil {
			return err
		}
		rows, err := r.c.exec.Delete(ctx, r.model, w, limit)
		n = int64(len(rows))
		return err
	})
	return n, err
}

// Upsert updates the row matching the unique filter where with update, or
// creates it from create. Concurrent upserts on the same key do not both
// insert.
func (r *Repository[T]) Upsert(ctx context.Context, where query.Where, create, update query.Data) (*T, error) {
	var rec query.Record
	err := r.run(ctx, "upsert", func(ctx context.Context) error {
		w, err := query.NormalizeUnique(r.model, where)
		if err != nil {
			return err
		}
		cd, err := query.NormalizeCreate(r.model, create)
		if err != nil {
			return err
		}
		var ud query.Data
		if !r.model.Immutable {
			// immutable rows are rejected by the engine only when they exist
			if ud, err = query.NormalizeUpdate(r.model, update); err != nil {
				return err
			}
		}
		rec, err = r.c.exec.Upsert(ctx, r.model, w, cd, ud)
		return err
	})
	if err != nil {
		return nil, err
	}
	return r.decodeOne(rec)
}

func (c *Client) count(ctx context.Context, m *schema.Model, where query.Where, fields []string) (map[string]int64, error) {
	args, err := query.NormalizeAggregate(m, query.AggregateArgs{
		Where:        where,
		Aggregations: query.Aggregations{Count: append([]string{query.All}, fields...)},
	})
	if err != nil {
		return nil, err
	}
	res, err := c.exec.Aggregate(ctx, m, args)
	if err != nil {
		return nil, err
	}
	return res.Count, nil
}

// Count returns the number of rows matching where.
func (r *Repository[T]) Count(ctx context.Context, where query.Where) (n int64, err error) {
	err = r.run(ctx, "count", func(ctx context.Context) error {
		res, err := r.c.count(ctx, r.model, where, nil)
		n = res[query.All]
		return err
	})
	return n, err
}

// CountFields returns the number of rows matching where under "_all" and
// the number of non-null values of each field.
func (r *Repository[T]) CountFields(ctx context.Context, where query.Where, fields ...string) (counts map[string]int64, err error) {
	err = r.run(ctx, "count", func(ctx context.Context) error {
		counts, err = r.c.count(ctx, r.model, where, fields)
		return err
	})
	return counts, err
}

func (r *Repository[T]) Aggregate(ctx context.Context, args query.AggregateArgs) (res query.AggregateResult, err error) {
	err = r.run(ctx, "aggregate", func(ctx context.Context) error {
		na, err := query.NormalizeAggregate(r.model, args)
		if err != nil {
			return err
		}
		res, err = r.c.exec.Aggregate(ctx, r.model, na)
		return err
	})
	return res, err
}

func (r *Repository[T]) GroupBy(ctx context.Context, args query.GroupByArgs) (groups []query.Group, err error) {
	err = r.run(ctx, "groupBy", func(ctx context.Context) error {
		na, err := query.NormalizeGroupBy(r.model, args)
		if err != nil {
			return err
		}
		groups, err = r.c.exec.GroupBy(ctx, r.model, na)
		return err
	})
	if groups == nil && err == nil {
		groups = []query.Group{}
	}
	return groups, err
}
