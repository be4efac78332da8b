// Package client exposes the typed repositories of the nine entities on top
// of a storage engine, together with transactions, batches and raw queries.
package client

import (
	"context"
	"fmt"
	"time"

	"github.com/huandu/go-sqlbuilder"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xaenox/botadmin/internal/dberrors"
	"github.com/xaenox/botadmin/internal/metrics"
	"github.com/xaenox/botadmin/internal/models"
	"github.com/xaenox/botadmin/internal/query"
	"github.com/xaenox/botadmin/internal/schema"
	"github.com/xaenox/botadmin/internal/storage"
)

const tracerName = "github.com/xaenox/botadmin/internal/client"

// DefaultTxOptions apply to transactions that do not set their own limits.
var DefaultTxOptions = storage.TxOptions{MaxWait: 2 * time.Second, Timeout: 5 * time.Second}

type Option func(*Client)

func WithMetrics(r *metrics.Recorder) Option {
	return func(c *Client) { c.metrics = r }
}

// WithTxDefaults replaces the limits used by Transaction and Batch.
func WithTxDefaults(opts storage.TxOptions) Option {
	return func(c *Client) { c.txDefaults = opts }
}

func WithTracer(t trace.Tracer) Option {
	return func(c *Client) { c.tracer = t }
}

// Client is safe for concurrent use. A Client handed to a transaction body
// is bound to that transaction and must not outlive it.
type Client struct {
	store      storage.Storage
	exec       storage.Executor
	tx         storage.Tx
	schema     *schema.Schema
	logger     *zap.Logger
	metrics    *metrics.Recorder
	tracer     trace.Tracer
	txDefaults storage.TxOptions

	User                 *Repository[models.User]
	Chatbot              *Repository[models.Chatbot]
	Conversation         *Repository[models.Conversation]
	Message              *Repository[models.Message]
	Integration          *Repository[models.Integration]
	MessageTemplate      *Repository[models.MessageTemplate]
	ChatbotCustomization *Repository[models.ChatbotCustomization]
	Flow                 *Repository[models.Flow]
	Analytics            *Repository[models.Analytics]
}

func New(store storage.Storage, logger *zap.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		store:      store,
		exec:       store,
		schema:     store.Schema(),
		logger:     logger,
		tracer:     otel.Tracer(tracerName),
		txDefaults: DefaultTxOptions,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.bind()
	return c
}

func (c *Client) bind() {
	c.User = newRepository[models.User](c, schema.User)
	c.Chatbot = newRepository[models.Chatbot](c, schema.Chatbot)
	c.Conversation = newRepository[models.Conversation](c, schema.Conversation)
	c.Message = newRepository[models.Message](c, schema.Message)
	c.Integration = newRepository[models.Integration](c, schema.Integration)
	c.MessageTemplate = newRepository[models.MessageTemplate](c, schema.MessageTemplate)
	c.ChatbotCustomization = newRepository[models.ChatbotCustomization](c, schema.ChatbotCustomization)
	c.Flow = newRepository[models.Flow](c, schema.Flow)
	c.Analytics = newRepository[models.Analytics](c, schema.Analytics)
}

func (c *Client) withTx(tx storage.Tx) *Client {
	scoped := *c
	scoped.exec = tx
	scoped.tx = tx
	scoped.bind()
	return &scoped
}

func (c *Client) Schema() *schema.Schema { return c.schema }

// InTransaction reports whether c is bound to an open transaction.
func (c *Client) InTransaction() bool { return c.tx != nil }

func (c *Client) Connect(ctx context.Context) error {
	return c.observe(ctx, "", "$connect", func(ctx context.Context) error {
		return c.store.Connect(ctx)
	})
}

func (c *Client) Disconnect(ctx context.Context) error {
	return c.observe(ctx, "", "$disconnect", func(ctx context.Context) error {
		return c.store.Disconnect(ctx)
	})
}

// observe runs fn inside a span named after the model and operation, and
// annotates and records its error.
func (c *Client) observe(ctx context.Context, model, op string, fn func(context.Context) error) error {
	name := op
	if model != "" {
		name = model + "." + op
	}
	ctx, span := c.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.model", model),
		attribute.String("db.operation", op),
		attribute.Bool("db.in_transaction", c.tx != nil),
	))
	defer span.End()

	start := time.Now()
	err := dberrors.Annotate(fn(ctx), model, op)
	c.metrics.Observe(model, op, err, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, dberrors.KindOf(err).String())
		c.logger.Debug("operation failed",
			zap.String("model", model),
			zap.String("op", op),
			zap.Error(err))
	}
	return err
}

func (c *Client) mergeTxOptions(opts []storage.TxOptions) storage.TxOptions {
	o := c.txDefaults
	for _, in := range opts {
		if in.Isolation != 0 {
			o.Isolation = in.Isolation
		}
		if in.MaxWait != 0 {
			o.MaxWait = in.MaxWait
		}
		if in.Timeout != 0 {
			o.Timeout = in.Timeout
		}
	}
	return o
}

// Transaction runs fn with a client bound to one transaction. The
// transaction commits when fn returns nil and rolls back otherwise,
// including when fn panics or outlives the timeout. Calling Transaction on a
// transaction-bound client runs fn in the open transaction.
func (c *Client) Transaction(ctx context.Context, fn func(ctx context.Context, tx *Client) error, opts ...storage.TxOptions) error {
	if c.tx != nil {
		return fn(ctx, c)
	}
	o := c.mergeTxOptions(opts)

	var tx storage.Tx
	err := c.observe(ctx, "", "$transaction", func(ctx context.Context) error {
		var err error
		tx, err = c.store.Begin(ctx, o)
		return err
	})
	if err != nil {
		return err
	}

	bodyCtx := ctx
	if o.Timeout > 0 {
		var cancel context.CancelFunc
		bodyCtx, cancel = context.WithTimeout(ctx, o.Timeout)
		defer cancel()
	}

	finished := false
	defer func() {
		if !finished {
			// fn panicked
			c.rollback(ctx, tx, "rollback")
		}
	}()

	err = fn(bodyCtx, c.withTx(tx))
	finished = true
	switch {
	case ctx.Err() == nil && bodyCtx.Err() != nil:
		c.rollback(ctx, tx, "timeout")
		return dberrors.Annotate(dberrors.Transaction("transaction %s exceeded its %s timeout", tx.ID(), o.Timeout), "", "$transaction")
	case err != nil:
		c.rollback(ctx, tx, "rollback")
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		c.metrics.Transaction("rollback")
		return dberrors.Annotate(err, "", "$transaction")
	}
	c.metrics.Transaction("commit")
	return nil
}

func (c *Client) rollback(ctx context.Context, tx storage.Tx, outcome string) {
	if err := tx.Rollback(context.WithoutCancel(ctx)); err != nil {
		c.logger.Warn("rollback failed", zap.String("tx_id", tx.ID()), zap.Error(err))
	}
	c.metrics.Transaction(outcome)
}

// BatchOp is one operation of a batch. It must use the client it is given.
type BatchOp func(ctx context.Context, tx *Client) (any, error)

// Batch runs ops in order inside one transaction and returns their results.
// The first failure rolls back every operation.
func (c *Client) Batch(ctx context.Context, ops ...BatchOp) ([]any, error) {
	results := make([]any, 0, len(ops))
	err := c.Transaction(ctx, func(ctx context.Context, tx *Client) error {
		for i, op := range ops {
			res, err := op(ctx, tx)
			if err != nil {
				tx.logger.Debug("batch operation failed", zap.Int("index", i), zap.Error(err))
				return err
			}
			results = append(results, res)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// ExecuteRaw runs a statement whose arguments are bound through "$?"
// placeholders and returns the number of affected rows.
func (c *Client) ExecuteRaw(ctx context.Context, format string, args ...any) (int64, error) {
	stmt, bound := sqlbuilder.Build(format, args...).BuildWithFlavor(sqlbuilder.PostgreSQL)
	return c.ExecuteRawUnsafe(ctx, stmt, bound...)
}

// QueryRaw runs a query whose arguments are bound through "$?" placeholders.
// Rows are keyed by column name and bypass the model shaping.
func (c *Client) QueryRaw(ctx context.Context, format string, args ...any) ([]query.Record, error) {
	stmt, bound := sqlbuilder.Build(format, args...).BuildWithFlavor(sqlbuilder.PostgreSQL)
	return c.QueryRawUnsafe(ctx, stmt, bound...)
}

// ExecuteRawUnsafe passes stmt to the engine verbatim. The caller is
// responsible for escaping anything interpolated into it.
func (c *Client) ExecuteRawUnsafe(ctx context.Context, stmt string, args ...any) (n int64, err error) {
	err = c.observe(ctx, "", "$executeRaw", func(ctx context.Context) error {
		n, err = c.exec.Exec(ctx, stmt, args...)
		return err
	})
	return n, err
}

// QueryRawUnsafe passes stmt to the engine verbatim.
func (c *Client) QueryRawUnsafe(ctx context.Context, stmt string, args ...any) (rows []query.Record, err error) {
	err = c.observe(ctx, "", "$queryRaw", func(ctx context.Context) error {
		rows, err = c.exec.Query(ctx, stmt, args...)
		return err
	})
	return rows, err
}

// Stats counts the rows of every model.
func (c *Client) Stats(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64)
	for _, m := range c.schema.Models() {
		err := c.observe(ctx, m.Name, "count", func(ctx context.Context) error {
			res, err := c.count(ctx, m, query.Where{}, nil)
			out[m.Name] = res[query.All]
			return err
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (c *Client) model(name string) *schema.Model {
	m, ok := c.schema.Model(name)
	if !ok {
		panic(fmt.Sprintf("client: schema has no model %q", name))
	}
	return m
}
