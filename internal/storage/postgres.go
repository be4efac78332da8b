package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/xaenox/botadmin/internal/dberrors"
	"github.com/xaenox/botadmin/internal/query"
	"github.com/xaenox/botadmin/internal/schema"
)

type DatabaseConfig struct {
	Host        string
	Port        int
	User        string
	Password    string
	DBName      string
	SSLMode     string
	UseInMemory bool
	// URL, when set, is used instead of the individual settings.
	URL string

	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
	MigrateOnConnect bool
}

func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

// New returns the engine selected by cfg. Neither engine connects until
// Connect or the first operation.
func New(cfg DatabaseConfig, s *schema.Schema, logger *zap.Logger) Storage {
	if cfg.UseInMemory {
		return NewMemoryStorage(s, logger)
	}
	return NewPostgresStorage(cfg, s, logger)
}

type PostgresStorage struct {
	cfg    DatabaseConfig
	schema *schema.Schema
	logger *zap.Logger

	mu sync.Mutex
	db *sqlx.DB
}

func NewPostgresStorage(cfg DatabaseConfig, s *schema.Schema, logger *zap.Logger) *PostgresStorage {
	return &PostgresStorage{cfg: cfg, schema: s, logger: logger}
}

func (s *PostgresStorage) Schema() *schema.Schema { return s.schema }

func (s *PostgresStorage) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectLocked(ctx)
}

func (s *PostgresStorage) connectLocked(ctx context.Context) error {
	if s.db != nil {
		return nil
	}
	db, err := sqlx.Open("postgres", s.cfg.DSN())
	if err != nil {
		return dberrors.Connection(errors.Wrap(err, "open database"))
	}
	if s.cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	}
	if s.cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	}
	if s.cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)
	}

	// Test the connection
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		s.logger.Error("failed to reach PostgreSQL", zap.Error(err))
		if ctx.Err() != nil {
			return contextError(err)
		}
		return dberrors.Connection(err)
	}

	if s.cfg.MigrateOnConnect {
		if err := runMigrations(ctx, db.DB, s.logger, migrateUp); err != nil {
			_ = db.Close()
			return dberrors.Wrap(dberrors.KindConnection, err, "initialize database schema")
		}
	}

	s.db = db
	s.logger.Info("connected to PostgreSQL",
		zap.String("host", s.cfg.Host),
		zap.String("dbname", s.cfg.DBName),
	)
	return nil
}

func (s *PostgresStorage) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	if err != nil {
		return dberrors.Connection(err)
	}
	s.logger.Info("disconnected from PostgreSQL")
	return nil
}

func (s *PostgresStorage) Close() error {
	return s.Disconnect(context.Background())
}

func (s *PostgresStorage) handle(ctx context.Context) (*sqlx.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.connectLocked(ctx); err != nil {
		return nil, err
	}
	return s.db, nil
}

// Migrate applies the embedded migrations.
func (s *PostgresStorage) Migrate(ctx context.Context) error {
	db, err := s.handle(ctx)
	if err != nil {
		return err
	}
	return runMigrations(ctx, db.DB, s.logger, migrateUp)
}

// MigrateDown reverts every embedded migration.
func (s *PostgresStorage) MigrateDown(ctx context.Context) error {
	db, err := s.handle(ctx)
	if err != nil {
		return err
	}
	return runMigrations(ctx, db.DB, s.logger, migrateDown)
}

func (s *PostgresStorage) executor(ctx context.Context) (*pgExecutor, error) {
	db, err := s.handle(ctx)
	if err != nil {
		return nil, err
	}
	return &pgExecutor{q: db, db: db, schema: s.schema, logger: s.logger}, nil
}

func (s *PostgresStorage) Find(ctx context.Context, m *schema.Model, args query.FindArgs) ([]query.Record, error) {
	e, err := s.executor(ctx)
	if err != nil {
		return nil, err
	}
	return e.Find(ctx, m, args)
}

func (s *PostgresStorage) Aggregate(ctx context.Context, m *schema.Model, args query.AggregateArgs) (query.AggregateResult, error) {
	e, err := s.executor(ctx)
	if err != nil {
		return query.AggregateResult{}, err
	}
	return e.Aggregate(ctx, m, args)
}

func (s *PostgresStorage) GroupBy(ctx context.Context, m *schema.Model, args query.GroupByArgs) ([]query.Group, error) {
	e, err := s.executor(ctx)
	if err != nil {
		return nil, err
	}
	return e.GroupBy(ctx, m, args)
}

func (s *PostgresStorage) Insert(ctx context.Context, m *schema.Model, data query.Data) (query.Record, error) {
	e, err := s.executor(ctx)
	if err != nil {
		return nil, err
	}
	return e.Insert(ctx, m, data)
}

func (s *PostgresStorage) InsertMany(ctx context.Context, m *schema.Model, rows []query.Data, skipDuplicates bool) (int64, error) {
	e, err := s.executor(ctx)
	if err != nil {
		return 0, err
	}
	return e.InsertMany(ctx, m, rows, skipDuplicates)
}

func (s *PostgresStorage) Update(ctx context.Context, m *schema.Model, where query.Where, data query.Data, limit *int) ([]query.Record, error) {
	e, err := s.executor(ctx)
	if err != nil {
		return nil, err
	}
	return e.Update(ctx, m, where, data, limit)
}

func (s *PostgresStorage) Delete(ctx context.Context, m *schema.Model, where query.Where, limit *int) ([]query.Record, error) {
	e, err := s.executor(ctx)
	if err != nil {
		return nil, err
	}
	return e.Delete(ctx, m, where, limit)
}

func (s *PostgresStorage) Upsert(ctx context.Context, m *schema.Model, where query.Where, create, update query.Data) (query.Record, error) {
	e, err := s.executor(ctx)
	if err != nil {
		return nil, err
	}
	return e.Upsert(ctx, m, where, create, update)
}

func (s *PostgresStorage) Exec(ctx context.Context, stmt string, args ...any) (int64, error) {
	e, err := s.executor(ctx)
	if err != nil {
		return 0, err
	}
	return e.Exec(ctx, stmt, args...)
}

func (s *PostgresStorage) Query(ctx context.Context, stmt string, args ...any) ([]query.Record, error) {
	e, err := s.executor(ctx)
	if err != nil {
		return nil, err
	}
	return e.Query(ctx, stmt, args...)
}

// Begin pins a pooled connection for the transaction. MaxWait bounds the
// wait for a free connection.
func (s *PostgresStorage) Begin(ctx context.Context, opts TxOptions) (Tx, error) {
	db, err := s.handle(ctx)
	if err != nil {
		return nil, err
	}
	waitCtx := ctx
	if opts.MaxWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, opts.MaxWait)
		defer cancel()
	}
	conn, err := db.Connx(waitCtx)
	if err != nil {
		if waitCtx.Err() != nil && ctx.Err() == nil {
			return nil, dberrors.Transaction("timed out after %s waiting for a connection", opts.MaxWait)
		}
		return nil, classify(s.schema, err)
	}
	tx, err := conn.BeginTxx(ctx, &sql.TxOptions{Isolation: opts.Isolation})
	if err != nil {
		_ = conn.Close()
		return nil, classify(s.schema, err)
	}

	id := uuid.NewString()
	s.logger.Info("transaction started",
		zap.String("tx_id", id),
		zap.String("isolation", opts.Isolation.String()),
	)
	return &pgTx{
		pgExecutor: &pgExecutor{q: tx, schema: s.schema, logger: s.logger.With(zap.String("tx_id", id))},
		tx:         tx,
		conn:       conn,
		id:         id,
	}, nil
}

type pgTx struct {
	*pgExecutor
	tx   *sqlx.Tx
	conn *sqlx.Conn
	id   string

	mu   sync.Mutex
	done bool
}

func (t *pgTx) ID() string { return t.id }

func (t *pgTx) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return dberrors.Transaction("transaction %s is already closed", t.id)
	}
	t.done = true
	err := t.tx.Commit()
	_ = t.conn.Close()
	if err != nil {
		t.logger.Error("commit failed", zap.Error(err))
		return classify(t.schema, err)
	}
	t.logger.Info("transaction committed")
	return nil
}

func (t *pgTx) Rollback(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil
	}
	t.done = true
	err := t.tx.Rollback()
	_ = t.conn.Close()
	if err != nil && !errors.Is(err, sql.ErrTxDone) {
		return classify(t.schema, err)
	}
	t.logger.Info("transaction rolled back")
	return nil
}

// pgExecutor runs statements on the pool or, when db is nil, inside a
// transaction.
type pgExecutor struct {
	q      sqlx.ExtContext
	db     *sqlx.DB
	schema *schema.Schema
	logger *zap.Logger
}

func (e *pgExecutor) rows(ctx context.Context, m *schema.Model, stmt string, args []any) ([]query.Record, error) {
	e.logger.Debug("query", zap.String("sql", stmt), zap.Int("args", len(args)))
	rows, err := e.q.QueryxContext(ctx, stmt, args...)
	if err != nil {
		return nil, classify(e.schema, err)
	}
	defer rows.Close()

	out := []query.Record{}
	for rows.Next() {
		raw := make(map[string]any)
		if err := rows.MapScan(raw); err != nil {
			return nil, classify(e.schema, err)
		}
		rec, err := decodeRow(m, raw)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(e.schema, err)
	}
	return out, nil
}

func (e *pgExecutor) exec(ctx context.Context, stmt string, args []any) (int64, error) {
	e.logger.Debug("exec", zap.String("sql", stmt), zap.Int("args", len(args)))
	res, err := e.q.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, classify(e.schema, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, classify(e.schema, err)
	}
	return n, nil
}

func (e *pgExecutor) Find(ctx context.Context, m *schema.Model, args query.FindArgs) ([]query.Record, error) {
	var cursor query.Record
	if args.Cursor != nil {
		stmt, sqlArgs := buildFind(m, query.FindArgs{Where: *args.Cursor, Take: query.Ptr(1)}, nil, true)
		found, err := e.rows(ctx, m, stmt, sqlArgs)
		if err != nil {
			return nil, err
		}
		if len(found) == 0 {
			return []query.Record{}, nil
		}
		cursor = found[0]
	}

	if len(args.Distinct) > 0 {
		stmt, sqlArgs := buildFind(m, args, nil, false)
		all, err := e.rows(ctx, m, stmt, sqlArgs)
		if err != nil {
			return nil, err
		}
		all = query.Distinct(all, args.Distinct)
		return query.Window(query.EffectiveOrder(m, args.OrderBy), all, cursor, args.Take, args.Skip), nil
	}

	stmt, sqlArgs := buildFind(m, args, cursor, true)
	out, err := e.rows(ctx, m, stmt, sqlArgs)
	if err != nil {
		return nil, err
	}
	if args.Take != nil && *args.Take < 0 {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

func (e *pgExecutor) Aggregate(ctx context.Context, m *schema.Model, args query.AggregateArgs) (query.AggregateResult, error) {
	if args.Cursor != nil || args.Take != nil || args.Skip > 0 {
		rows, err := e.Find(ctx, m, query.FindArgs{
			Where: args.Where, OrderBy: args.OrderBy, Cursor: args.Cursor, Take: args.Take, Skip: args.Skip,
		})
		if err != nil {
			return query.AggregateResult{}, err
		}
		return query.Aggregate(rows, args.Aggregations)
	}
	if args.Aggregations.IsZero() {
		return query.AggregateResult{}, nil
	}
	stmt, sqlArgs, cols := buildAggregate(m, args.Where, args.Aggregations)
	rows, err := e.rows(ctx, nil, stmt, sqlArgs)
	if err != nil {
		return query.AggregateResult{}, err
	}
	res := newAggregateResult(args.Aggregations)
	if len(rows) > 0 {
		if err := fillAggregates(m, &res, cols, rows[0]); err != nil {
			return query.AggregateResult{}, err
		}
	}
	return res, nil
}

func (e *pgExecutor) GroupBy(ctx context.Context, m *schema.Model, args query.GroupByArgs) ([]query.Group, error) {
	stmt, sqlArgs, cols := buildGroupBy(m, args)
	rows, err := e.rows(ctx, nil, stmt, sqlArgs)
	if err != nil {
		return nil, err
	}
	groups := make([]query.Group, 0, len(rows))
	for _, row := range rows {
		key := make(query.Record, len(args.By))
		for _, name := range args.By {
			f, _ := m.Field(name)
			v, err := decodeValue(f, row[f.Column])
			if err != nil {
				return nil, err
			}
			key[name] = v
		}
		g := query.Group{Key: key, AggregateResult: newAggregateResult(args.Aggregations)}
		if err := fillAggregates(m, &g.AggregateResult, cols, row); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, nil
}

func newAggregateResult(a query.Aggregations) query.AggregateResult {
	var res query.AggregateResult
	if a.Count != nil {
		res.Count = make(map[string]int64, len(a.Count))
	}
	if a.Avg != nil {
		res.Avg = make(map[string]*float64, len(a.Avg))
	}
	if a.Sum != nil {
		res.Sum = make(map[string]any, len(a.Sum))
	}
	if a.Min != nil {
		res.Min = make(map[string]any, len(a.Min))
	}
	if a.Max != nil {
		res.Max = make(map[string]any, len(a.Max))
	}
	return res
}

func fillAggregates(m *schema.Model, res *query.AggregateResult, cols []aggColumn, row query.Record) error {
	for _, c := range cols {
		v := row[c.name]
		switch c.fn {
		case query.AggCount:
			n, err := decodeValue(aggregateField, v)
			if err != nil {
				return err
			}
			res.Count[c.field], _ = n.(int64)
		case query.AggAvg:
			if v == nil {
				res.Avg[c.field] = nil
				continue
			}
			avg, err := toFloat(v)
			if err != nil {
				return err
			}
			res.Avg[c.field] = &avg
		case query.AggSum:
			sum, err := decodeValue(aggregateField, v)
			if err != nil {
				return err
			}
			res.Sum[c.field] = sum
		case query.AggMin, query.AggMax:
			f, _ := m.Field(c.field)
			val, err := decodeValue(f, v)
			if err != nil {
				return err
			}
			if c.fn == query.AggMin {
				res.Min[c.field] = val
			} else {
				res.Max[c.field] = val
			}
		}
	}
	return nil
}

func (e *pgExecutor) Insert(ctx context.Context, m *schema.Model, data query.Data) (query.Record, error) {
	stmt, args := buildInsert(m, data)
	rows, err := e.rows(ctx, m, stmt, args)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, dberrors.Unknown(errors.New("insert returned no row"))
	}
	return rows[0], nil
}

func (e *pgExecutor) InsertMany(ctx context.Context, m *schema.Model, rows []query.Data, skipDuplicates bool) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	stmt, args := buildInsertMany(m, rows, skipDuplicates)
	return e.exec(ctx, stmt, args)
}

func (e *pgExecutor) Update(ctx context.Context, m *schema.Model, where query.Where, data query.Data, limit *int) ([]query.Record, error) {
	stmt, args, ok := buildUpdate(m, where, data, limit)
	if !ok {
		return e.Find(ctx, m, query.FindArgs{Where: where, Take: limit})
	}
	rows, err := e.rows(ctx, m, stmt, args)
	if err != nil {
		return nil, err
	}
	query.SortRows(m, rows, nil)
	return rows, nil
}

func (e *pgExecutor) Delete(ctx context.Context, m *schema.Model, where query.Where, limit *int) ([]query.Record, error) {
	stmt, args := buildDelete(m, where, limit)
	rows, err := e.rows(ctx, m, stmt, args)
	if err != nil {
		return nil, err
	}
	query.SortRows(m, rows, nil)
	return rows, nil
}

// upsertAttempts bounds the serializable retries of one upsert. Every round
// of racing upserts commits at least one of them.
const upsertAttempts = 10

// Upsert resolves a lone unique equality with ON CONFLICT. Other filters
// lock the matching row inside a serializable transaction, retried while a
// concurrent writer wins.
func (e *pgExecutor) Upsert(ctx context.Context, m *schema.Model, where query.Where, create, update query.Data) (query.Record, error) {
	if key, ok := conflictKey(m, where, create); ok {
		stmt, args := buildUpsert(m, key, create, update)
		rows, err := e.rows(ctx, m, stmt, args)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return nil, dberrors.Unknown(errors.New("upsert returned no row"))
		}
		return rows[0], nil
	}
	if e.db == nil {
		return e.upsertLocked(ctx, m, where, create, update)
	}

	var rec query.Record
	var err error
	for attempt := 0; attempt < upsertAttempts; attempt++ {
		err = e.serializable(ctx, func(tx *pgExecutor) error {
			var txErr error
			rec, txErr = tx.upsertLocked(ctx, m, where, create, update)
			return txErr
		})
		if !lostRace(err) {
			break
		}
		e.logger.Debug("upsert lost a race, retrying", zap.String("model", m.Name), zap.Error(err))
	}
	return rec, err
}

func (e *pgExecutor) upsertLocked(ctx context.Context, m *schema.Model, where query.Where, create, update query.Data) (query.Record, error) {
	stmt, args := buildFind(m, query.FindArgs{Where: where, Take: query.Ptr(1)}, nil, true)
	existing, err := e.rows(ctx, m, stmt+" FOR UPDATE", args)
	if err != nil {
		return nil, err
	}
	if len(existing) == 0 {
		return e.Insert(ctx, m, create)
	}
	if m.Immutable {
		return nil, dberrors.Validation("%s rows are immutable once created", m.Name)
	}
	pk := m.PrimaryKey().Name
	updated, err := e.Update(ctx, m, query.By(pk, query.Eq(existing[0][pk])), update, nil)
	if err != nil {
		return nil, err
	}
	if len(updated) == 0 {
		return nil, dberrors.NotFound(m.Name)
	}
	return updated[0], nil
}

func (e *pgExecutor) serializable(ctx context.Context, fn func(*pgExecutor) error) (err error) {
	tx, err := e.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return classify(e.schema, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(&pgExecutor{q: tx, schema: e.schema, logger: e.logger}); err != nil {
		return err
	}
	return classify(e.schema, tx.Commit())
}

// lostRace reports failures a retry of the upsert can resolve.
func lostRace(err error) bool {
	if err == nil {
		return false
	}
	if dberrors.KindOf(err) == dberrors.KindUniqueConstraint {
		return true
	}
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && (pqErr.Code == "40001" || pqErr.Code == "40P01")
}

func (e *pgExecutor) Exec(ctx context.Context, stmt string, args ...any) (int64, error) {
	return e.exec(ctx, stmt, args)
}

func (e *pgExecutor) Query(ctx context.Context, stmt string, args ...any) ([]query.Record, error) {
	return e.rows(ctx, nil, stmt, args)
}

// decodeRow keys raw by field name for m. Without a model, columns are kept
// as returned and byte slices become strings.
func decodeRow(m *schema.Model, raw map[string]any) (query.Record, error) {
	rec := make(query.Record, len(raw))
	for col, v := range raw {
		if m != nil {
			if f, ok := m.FieldByColumn(col); ok {
				val, err := decodeValue(f, v)
				if err != nil {
					return nil, err
				}
				rec[f.Name] = val
				continue
			}
		}
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		if t, ok := v.(time.Time); ok {
			v = t.UTC()
		}
		rec[col] = v
	}
	return rec, nil
}

// decodeValue converts a scanned column into the canonical value for f.
func decodeValue(f *schema.Field, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch f.Kind {
	case schema.KindInt:
		switch x := v.(type) {
		case []byte:
			n, err := strconv.ParseInt(string(x), 10, 64)
			if err != nil {
				return nil, dberrors.Unknown(errors.Wrapf(err, "decode %s", f.Name))
			}
			return n, nil
		case string:
			n, err := strconv.ParseInt(x, 10, 64)
			if err != nil {
				return nil, dberrors.Unknown(errors.Wrapf(err, "decode %s", f.Name))
			}
			return n, nil
		}
	case schema.KindString:
		if b, ok := v.([]byte); ok {
			return string(b), nil
		}
	case schema.KindTime:
		if t, ok := v.(time.Time); ok {
			return t.UTC(), nil
		}
	case schema.KindJSON:
		switch x := v.(type) {
		case []byte:
			v = json.RawMessage(append([]byte(nil), x...))
		case string:
			v = json.RawMessage(x)
		}
	}
	out, err := query.Normalize(f, v)
	if err != nil {
		return nil, dberrors.Unknown(errors.Wrapf(err, "decode %s", f.Name))
	}
	return out, nil
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case []byte:
		return strconv.ParseFloat(string(x), 64)
	case string:
		return strconv.ParseFloat(x, 64)
	case int64:
		return float64(x), nil
	}
	return 0, dberrors.Unknown(errors.Errorf("unexpected aggregate value %T", v))
}

var (
	_ Storage = (*PostgresStorage)(nil)
	_ Tx      = (*pgTx)(nil)
)
