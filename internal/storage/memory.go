package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xaenox/botadmin/internal/dberrors"
	"github.com/xaenox/botadmin/internal/query"
	"github.com/xaenox/botadmin/internal/schema"
)

// tables is one immutable version of the in-memory database. Writers clone
// it, apply their changes and publish the clone; records are never mutated
// in place.
type tables struct {
	rows map[string][]query.Record
	seq  map[string]int64
	pk   map[string]string
}

func newTables(s *schema.Schema) *tables {
	t := &tables{
		rows: make(map[string][]query.Record),
		seq:  make(map[string]int64),
		pk:   make(map[string]string),
	}
	for _, m := range s.Models() {
		t.pk[m.Name] = m.PrimaryKey().Name
	}
	return t
}

func (t *tables) Rows(model string) []query.Record { return t.rows[model] }

func (t *tables) clone() *tables {
	c := &tables{
		rows: make(map[string][]query.Record, len(t.rows)),
		seq:  make(map[string]int64, len(t.seq)),
		pk:   t.pk,
	}
	for k, v := range t.rows {
		c.rows[k] = append([]query.Record(nil), v...)
	}
	for k, v := range t.seq {
		c.seq[k] = v
	}
	return c
}

func (t *tables) idOf(model string, rec query.Record) int64 {
	id, _ := rec[t.pk[model]].(int64)
	return id
}

func (t *tables) index(model string, id int64) (int, bool) {
	rows := t.rows[model]
	i := sort.Search(len(rows), func(i int) bool { return t.idOf(model, rows[i]) >= id })
	return i, i < len(rows) && t.idOf(model, rows[i]) == id
}

func (t *tables) has(model string, id any) bool {
	n, ok := id.(int64)
	if !ok {
		return false
	}
	_, found := t.index(model, n)
	return found
}

// put inserts or replaces rec keeping the table in primary key order.
func (t *tables) put(model string, rec query.Record) {
	i, found := t.index(model, t.idOf(model, rec))
	if found {
		t.rows[model][i] = rec
		return
	}
	rows := append(t.rows[model], nil)
	copy(rows[i+1:], rows[i:])
	rows[i] = rec
	t.rows[model] = rows
}

func (t *tables) remove(model string, ids map[int64]bool) {
	rows := t.rows[model]
	kept := rows[:0]
	for _, r := range rows {
		if !ids[t.idOf(model, r)] {
			kept = append(kept, r)
		}
	}
	t.rows[model] = kept
}

type memBackend interface {
	read(ctx context.Context) (*tables, error)
	write(ctx context.Context, fn func(t *tables) error) error
}

// memExecutor implements Executor over a backend: the committed store or
// an open transaction.
type memExecutor struct {
	backend memBackend
	schema  *schema.Schema
	now     func() time.Time
}

var errRawUnsupported = dberrors.Validation("raw SQL is not supported by the in-memory engine")

func cloneAll(rows []query.Record) []query.Record {
	out := make([]query.Record, len(rows))
	for i, r := range rows {
		out[i] = r.Clone()
	}
	return out
}

func (e memExecutor) Find(ctx context.Context, m *schema.Model, args query.FindArgs) ([]query.Record, error) {
	t, err := e.backend.read(ctx)
	if err != nil {
		return nil, err
	}
	return cloneAll(query.Find(t, m, args)), nil
}

func (e memExecutor) Aggregate(ctx context.Context, m *schema.Model, args query.AggregateArgs) (query.AggregateResult, error) {
	t, err := e.backend.read(ctx)
	if err != nil {
		return query.AggregateResult{}, err
	}
	rows := query.Find(t, m, query.FindArgs{
		Where:   args.Where,
		OrderBy: args.OrderBy,
		Cursor:  args.Cursor,
		Take:    args.Take,
		Skip:    args.Skip,
	})
	return query.Aggregate(rows, args.Aggregations)
}

func (e memExecutor) GroupBy(ctx context.Context, m *schema.Model, args query.GroupByArgs) ([]query.Group, error) {
	t, err := e.backend.read(ctx)
	if err != nil {
		return nil, err
	}
	rows := query.FilterRows(t, m, args.Where, t.Rows(m.Name))
	return query.GroupRows(m, rows, args)
}

func (e memExecutor) Insert(ctx context.Context, m *schema.Model, data query.Data) (rec query.Record, err error) {
	err = e.backend.write(ctx, func(t *tables) error {
		rec, err = e.insert(t, m, data)
		return err
	})
	return rec, err
}

func (e memExecutor) InsertMany(ctx context.Context, m *schema.Model, rows []query.Data, skipDuplicates bool) (n int64, err error) {
	err = e.backend.write(ctx, func(t *tables) error {
		n = 0
		for _, d := range rows {
			if _, err := e.insert(t, m, d); err != nil {
				if skipDuplicates && errors.Is(err, dberrors.ErrUniqueConstraint) {
					continue
				}
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (e memExecutor) Update(ctx context.Context, m *schema.Model, where query.Where, data query.Data, limit *int) (out []query.Record, err error) {
	err = e.backend.write(ctx, func(t *tables) error {
		out, err = e.update(t, m, where, data, limit)
		return err
	})
	return out, err
}

func (e memExecutor) Delete(ctx context.Context, m *schema.Model, where query.Where, limit *int) (out []query.Record, err error) {
	err = e.backend.write(ctx, func(t *tables) error {
		out, err = e.delete(t, m, where, limit)
		return err
	})
	return out, err
}

func (e memExecutor) Upsert(ctx context.Context, m *schema.Model, where query.Where, create, update query.Data) (rec query.Record, err error) {
	err = e.backend.write(ctx, func(t *tables) error {
		existing := query.Find(t, m, query.FindArgs{Where: where, Take: query.Ptr(1)})
		if len(existing) == 0 {
			rec, err = e.insert(t, m, create)
			return err
		}
		if m.Immutable {
			return dberrors.Validation("%s rows are immutable once created", m.Name)
		}
		pk := m.PrimaryKey().Name
		updated, err := e.update(t, m, query.By(pk, query.Eq(existing[0][pk])), update, nil)
		if err != nil {
			return err
		}
		rec = updated[0]
		return nil
	})
	return rec, err
}

func (memExecutor) Exec(context.Context, string, ...any) (int64, error) {
	return 0, errRawUnsupported
}

func (memExecutor) Query(context.Context, string, ...any) ([]query.Record, error) {
	return nil, errRawUnsupported
}

// stamp is the engine clock at the precision PostgreSQL stores.
func (e memExecutor) stamp() time.Time {
	return e.now().UTC().Truncate(time.Microsecond)
}

// advance returns an update stamp strictly after prev.
func (e memExecutor) advance(prev any) time.Time {
	now := e.stamp()
	if p, ok := prev.(time.Time); ok && !now.After(p) {
		now = p.Add(time.Microsecond)
	}
	return now
}

func (e memExecutor) insert(t *tables, m *schema.Model, data query.Data) (query.Record, error) {
	now := e.stamp()
	rec := make(query.Record, len(m.Fields))
	for _, f := range m.Fields {
		v, ok := data[f.Name]
		switch {
		case ok:
			rec[f.Name] = v
		case f.Primary:
			rec[f.Name] = t.seq[m.Name] + 1
		case f.CreatedStamp || f.UpdatedStamp:
			rec[f.Name] = now
		default:
			rec[f.Name] = nil
		}
	}
	if t.has(m.Name, rec[m.PrimaryKey().Name]) {
		return nil, dberrors.Unique(m.Name, m.PrimaryKey().Name)
	}
	if err := checkUnique(t, m, rec); err != nil {
		return nil, err
	}
	if err := checkReferences(t, m, rec); err != nil {
		return nil, err
	}
	if id := t.idOf(m.Name, rec); id > t.seq[m.Name] {
		t.seq[m.Name] = id
	}
	t.put(m.Name, rec)
	return rec.Clone(), nil
}

func (e memExecutor) update(t *tables, m *schema.Model, where query.Where, data query.Data, limit *int) ([]query.Record, error) {
	matched := query.Find(t, m, query.FindArgs{Where: where, Take: limit})
	stamp := m.UpdatedStamp()
	out := make([]query.Record, 0, len(matched))
	for _, old := range matched {
		rec := old.Clone()
		for k, v := range data {
			rec[k] = v
		}
		if _, explicit := data[stampName(stamp)]; stamp != nil && !explicit {
			rec[stamp.Name] = e.advance(old[stamp.Name])
		}
		if err := checkUnique(t, m, rec); err != nil {
			return nil, err
		}
		if err := checkReferences(t, m, rec); err != nil {
			return nil, err
		}
		t.put(m.Name, rec)
		out = append(out, rec.Clone())
	}
	return out, nil
}

func stampName(f *schema.Field) string {
	if f == nil {
		return ""
	}
	return f.Name
}

// checkUnique rejects rec when another row holds one of its unique values.
func checkUnique(t *tables, m *schema.Model, rec query.Record) error {
	self := t.idOf(m.Name, rec)
	for _, f := range m.UniqueFields() {
		v := rec[f.Name]
		if v == nil || f.Primary {
			continue
		}
		for _, row := range t.rows[m.Name] {
			if t.idOf(m.Name, row) != self && query.Equal(row[f.Name], v) {
				return dberrors.Unique(m.Name, f.Name)
			}
		}
	}
	return nil
}

func checkReferences(t *tables, m *schema.Model, rec query.Record) error {
	for _, r := range m.Relations {
		if !r.Owning() {
			continue
		}
		v := rec[r.LocalField]
		if v == nil {
			continue
		}
		if !t.has(r.Target, v) {
			return dberrors.ForeignKey(m.Name, r.LocalField)
		}
	}
	return nil
}

type doomedRow struct {
	model string
	id    int64
}

func (e memExecutor) delete(t *tables, m *schema.Model, where query.Where, limit *int) ([]query.Record, error) {
	matched := query.Find(t, m, query.FindArgs{Where: where, Take: limit})

	doomed := make(map[string]map[int64]bool)
	mark := func(model string, id int64) bool {
		if doomed[model] == nil {
			doomed[model] = make(map[int64]bool)
		}
		if doomed[model][id] {
			return false
		}
		doomed[model][id] = true
		return true
	}
	var queue []doomedRow
	for _, rec := range matched {
		id := t.idOf(m.Name, rec)
		mark(m.Name, id)
		queue = append(queue, doomedRow{m.Name, id})
	}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		for _, ref := range e.schema.ReferencesTo(p.model) {
			if ref.Relation.OnDelete != schema.Cascade {
				continue
			}
			child := ref.Model.Name
			for _, row := range t.rows[child] {
				if query.Equal(row[ref.Relation.LocalField], p.id) && mark(child, t.idOf(child, row)) {
					queue = append(queue, doomedRow{child, t.idOf(child, row)})
				}
			}
		}
	}

	var blocked []string
	type nulling struct {
		model string
		field string
		ids   map[int64]bool
	}
	var nullify []nulling
	for parent, ids := range doomed {
		for _, ref := range e.schema.ReferencesTo(parent) {
			child, field := ref.Model.Name, ref.Relation.LocalField
			switch ref.Relation.OnDelete {
			case schema.Restrict:
				for _, row := range t.rows[child] {
					fk, _ := row[field].(int64)
					if row[field] != nil && ids[fk] && !doomed[child][t.idOf(child, row)] {
						blocked = append(blocked, child+"."+field)
						break
					}
				}
			case schema.SetNull:
				nullify = append(nullify, nulling{child, field, ids})
			}
		}
	}
	if len(blocked) > 0 {
		sort.Strings(blocked)
		return nil, dberrors.StillReferenced(blocked...)
	}

	for _, n := range nullify {
		for _, row := range t.rows[n.model] {
			fk, ok := row[n.field].(int64)
			if !ok || !n.ids[fk] || doomed[n.model][t.idOf(n.model, row)] {
				continue
			}
			rec := row.Clone()
			rec[n.field] = nil
			t.put(n.model, rec)
		}
	}
	for model, ids := range doomed {
		t.remove(model, ids)
	}
	return cloneAll(matched), nil
}

// MemoryStorage is a process-local engine with the same contract as the
// PostgreSQL engine. Transactions are serialized through a single slot;
// writes outside a transaction never wait for it. A transaction that wrote
// fails to commit when another write was published after it began. Readers
// see the last published version.
type MemoryStorage struct {
	memExecutor
	logger *zap.Logger

	mu        sync.RWMutex
	state     *tables
	version   int64
	connected bool

	// publishing serializes writes and commits
	publishing sync.Mutex
	slot       chan struct{}
}

type MemoryOption func(*MemoryStorage)

// WithClock replaces the clock used for timestamps.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStorage) { s.now = now }
}

func NewMemoryStorage(s *schema.Schema, logger *zap.Logger, opts ...MemoryOption) *MemoryStorage {
	if logger == nil {
		logger = zap.NewNop()
	}
	ms := &MemoryStorage{
		logger: logger,
		state:  newTables(s),
		slot:   make(chan struct{}, 1),
	}
	ms.memExecutor = memExecutor{backend: ms, schema: s, now: time.Now}
	for _, opt := range opts {
		opt(ms)
	}
	return ms
}

func (s *MemoryStorage) Schema() *schema.Schema { return s.schema }

func (s *MemoryStorage) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		s.connected = true
		s.logger.Info("connected to in-memory storage")
	}
	return nil
}

func (s *MemoryStorage) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		s.connected = false
		s.logger.Info("disconnected from in-memory storage")
	}
	return nil
}

func (s *MemoryStorage) Close() error {
	return s.Disconnect(context.Background())
}

func (s *MemoryStorage) snapshot() (*tables, int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state, s.version
}

func (s *MemoryStorage) publish(t *tables) {
	s.mu.Lock()
	s.state = t
	s.version++
	s.mu.Unlock()
}

func (s *MemoryStorage) acquire(ctx context.Context, maxWait time.Duration) error {
	waitCtx := ctx
	if maxWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, maxWait)
		defer cancel()
	}
	select {
	case s.slot <- struct{}{}:
		return nil
	case <-waitCtx.Done():
		if ctx.Err() == nil {
			return dberrors.Transaction("timed out after %s waiting for a transaction slot", maxWait)
		}
		return contextError(ctx.Err())
	}
}

func (s *MemoryStorage) release() { <-s.slot }

func (s *MemoryStorage) read(ctx context.Context) (*tables, error) {
	if err := ctx.Err(); err != nil {
		return nil, contextError(err)
	}
	state, _ := s.snapshot()
	return state, nil
}

func (s *MemoryStorage) write(ctx context.Context, fn func(t *tables) error) error {
	if err := ctx.Err(); err != nil {
		return contextError(err)
	}
	s.publishing.Lock()
	defer s.publishing.Unlock()
	state, _ := s.snapshot()
	next := state.clone()
	if err := fn(next); err != nil {
		return err
	}
	s.publish(next)
	return nil
}

// Begin opens a transaction once the slot is free. A transaction still open
// after opts.Timeout is rolled back and its slot released.
func (s *MemoryStorage) Begin(ctx context.Context, opts TxOptions) (Tx, error) {
	if err := s.acquire(ctx, opts.MaxWait); err != nil {
		return nil, err
	}
	state, version := s.snapshot()
	tx := &memTx{store: s, id: uuid.NewString(), state: state.clone(), base: version}
	tx.memExecutor = memExecutor{backend: tx, schema: s.schema, now: s.now}
	if opts.Timeout > 0 {
		tx.mu.Lock()
		tx.timer = time.AfterFunc(opts.Timeout, func() { tx.expire(opts.Timeout) })
		tx.mu.Unlock()
	}
	s.logger.Info("transaction started",
		zap.String("tx_id", tx.id),
		zap.String("isolation", opts.Isolation.String()))
	return tx, nil
}

type memTx struct {
	memExecutor
	store *MemoryStorage
	id    string
	base  int64
	timer *time.Timer

	mu    sync.Mutex
	state *tables
	dirty bool
	done  bool
}

func (t *memTx) ID() string { return t.id }

func (t *memTx) check(ctx context.Context) error {
	if t.done {
		return dberrors.Transaction("transaction %s is already closed", t.id)
	}
	if err := ctx.Err(); err != nil {
		return contextError(err)
	}
	return nil
}

func (t *memTx) read(ctx context.Context) (*tables, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	return t.state, nil
}

func (t *memTx) write(ctx context.Context, fn func(*tables) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(ctx); err != nil {
		return err
	}
	next := t.state.clone()
	if err := fn(next); err != nil {
		return err
	}
	t.state = next
	t.dirty = true
	return nil
}

// close marks t done and frees the slot. t.mu must be held.
func (t *memTx) close() {
	t.done = true
	if t.timer != nil {
		t.timer.Stop()
	}
	t.store.release()
}

func (t *memTx) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return dberrors.Transaction("transaction %s is already closed", t.id)
	}
	defer t.close()
	if !t.dirty {
		t.store.logger.Info("transaction committed", zap.String("tx_id", t.id))
		return nil
	}

	t.store.publishing.Lock()
	defer t.store.publishing.Unlock()
	if _, version := t.store.snapshot(); version != t.base {
		t.store.logger.Info("transaction rolled back on conflict", zap.String("tx_id", t.id))
		return dberrors.Transaction("transaction %s conflicts with a write committed after it began", t.id)
	}
	t.store.publish(t.state)
	t.store.logger.Info("transaction committed", zap.String("tx_id", t.id))
	return nil
}

func (t *memTx) Rollback(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil
	}
	t.close()
	t.store.logger.Info("transaction rolled back", zap.String("tx_id", t.id))
	return nil
}

func (t *memTx) expire(after time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return
	}
	t.close()
	t.store.logger.Warn("transaction expired",
		zap.String("tx_id", t.id),
		zap.Duration("timeout", after))
}

// contextError classifies a cancelled or expired context.
func contextError(err error) error {
	return dberrors.Wrap(dberrors.KindConnection, err, "operation cancelled before the engine answered")
}

var (
	_ Storage = (*MemoryStorage)(nil)
	_ Tx      = (*memTx)(nil)
)
