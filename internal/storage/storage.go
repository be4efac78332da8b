package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/xaenox/botadmin/internal/query"
	"github.com/xaenox/botadmin/internal/schema"
)

// Executor runs single statements against one engine. Arguments are
// already normalized by the query package; records come back keyed by
// field name with canonical values.
type Executor interface {
	Find(ctx context.Context, m *schema.Model, args query.FindArgs) ([]query.Record, error)
	Aggregate(ctx context.Context, m *schema.Model, args query.AggregateArgs) (query.AggregateResult, error)
	GroupBy(ctx context.Context, m *schema.Model, args query.GroupByArgs) ([]query.Group, error)

	Insert(ctx context.Context, m *schema.Model, data query.Data) (query.Record, error)
	// InsertMany returns the number of rows written. With skipDuplicates
	// rows that collide on a unique field are dropped instead of failing
	// the batch.
	InsertMany(ctx context.Context, m *schema.Model, rows []query.Data, skipDuplicates bool) (int64, error)
	// Update applies data to at most limit matching rows (all when nil),
	// lowest primary key first, and returns the updated rows.
	Update(ctx context.Context, m *schema.Model, where query.Where, data query.Data, limit *int) ([]query.Record, error)
	// Delete removes at most limit matching rows and returns them. Delete
	// policies of referencing relations are applied.
	Delete(ctx context.Context, m *schema.Model, where query.Where, limit *int) ([]query.Record, error)
	// Upsert updates the row matching the unique filter where, or inserts
	// create when there is none, atomically.
	Upsert(ctx context.Context, m *schema.Model, where query.Where, create, update query.Data) (query.Record, error)

	Exec(ctx context.Context, stmt string, args ...any) (int64, error)
	Query(ctx context.Context, stmt string, args ...any) ([]query.Record, error)
}

type Tx interface {
	Executor
	ID() string
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

type TxOptions struct {
	Isolation sql.IsolationLevel
	// MaxWait bounds the time spent acquiring the transaction.
	MaxWait time.Duration
	// Timeout bounds the time the transaction body may run. It is enforced
	// by the caller through the context passed to each statement.
	Timeout time.Duration
}

type Storage interface {
	Executor
	Schema() *schema.Schema
	// Connect and Disconnect are idempotent.
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Begin(ctx context.Context, opts TxOptions) (Tx, error)
	Close() error
}
