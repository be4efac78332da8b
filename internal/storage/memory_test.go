package storage

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xaenox/botadmin/internal/dberrors"
	"github.com/xaenox/botadmin/internal/query"
	"github.com/xaenox/botadmin/internal/schema"
)

func newMemory(t *testing.T, opts ...MemoryOption) *MemoryStorage {
	t.Helper()
	return NewMemoryStorage(schema.Chatbots(), zaptest.NewLogger(t), opts...)
}

func model(t *testing.T, s Storage, name string) *schema.Model {
	t.Helper()
	m, ok := s.Schema().Model(name)
	require.True(t, ok, name)
	return m
}

func insert(t *testing.T, s Storage, name string, data query.Data) query.Record {
	t.Helper()
	rec, err := s.Insert(context.Background(), model(t, s, name), data)
	require.NoError(t, err)
	return rec
}

func all(t *testing.T, s Storage, name string) []query.Record {
	t.Helper()
	rows, err := s.Find(context.Background(), model(t, s, name), query.FindArgs{})
	require.NoError(t, err)
	return rows
}

func user(email string) query.Data {
	return query.Data{"email": email, "password": "hash"}
}

func TestMemoryInsertDefaults(t *testing.T) {
	s := newMemory(t)

	first := insert(t, s, schema.User, user("a@x.com"))
	second := insert(t, s, schema.User, user("b@x.com"))

	assert.Equal(t, int64(1), first["id"])
	assert.Equal(t, int64(2), second["id"])
	assert.Nil(t, first["name"])
	assert.IsType(t, time.Time{}, first["createdAt"])
	assert.Equal(t, first["createdAt"], first["updatedAt"])

	t.Run("explicit id advances the sequence", func(t *testing.T) {
		insert(t, s, schema.User, query.Data{"id": int64(10), "email": "c@x.com", "password": "hash"})
		next := insert(t, s, schema.User, user("d@x.com"))
		assert.Equal(t, int64(11), next["id"])
	})

	t.Run("duplicate id", func(t *testing.T) {
		_, err := s.Insert(context.Background(), model(t, s, schema.User), query.Data{"id": int64(1), "email": "e@x.com", "password": "hash"})
		assert.True(t, errors.Is(err, dberrors.ErrUniqueConstraint))
	})
}

func TestMemoryConstraints(t *testing.T) {
	s := newMemory(t)
	ctx := context.Background()
	u := insert(t, s, schema.User, user("a@x.com"))

	_, err := s.Insert(ctx, model(t, s, schema.User), user("a@x.com"))
	require.Error(t, err)
	assert.Equal(t, dberrors.KindUniqueConstraint, dberrors.KindOf(err))

	_, err = s.Insert(ctx, model(t, s, schema.Chatbot), query.Data{"name": "Bot", "userId": int64(99)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, dberrors.ErrForeignKey))

	bot := insert(t, s, schema.Chatbot, query.Data{"name": "Bot", "userId": u["id"]})
	custom := query.Data{"chatbotId": bot["id"], "config": json.RawMessage(`{}`)}
	insert(t, s, schema.ChatbotCustomization, custom)
	_, err = s.Insert(ctx, model(t, s, schema.ChatbotCustomization), custom)
	assert.True(t, errors.Is(err, dberrors.ErrUniqueConstraint))

	t.Run("optional references", func(t *testing.T) {
		in := insert(t, s, schema.Integration, query.Data{"userId": u["id"], "type": "slack", "chatbotId": nil})
		assert.Nil(t, in["chatbotId"])
		ev := insert(t, s, schema.Analytics, query.Data{"chatbotId": bot["id"], "action": "view", "userId": nil})
		assert.Nil(t, ev["userId"])
	})

	t.Run("update into a taken value", func(t *testing.T) {
		other := insert(t, s, schema.User, user("b@x.com"))
		_, err := s.Update(ctx, model(t, s, schema.User), query.ID(other["id"].(int64)), query.Data{"email": "a@x.com"}, nil)
		assert.True(t, errors.Is(err, dberrors.ErrUniqueConstraint))
	})
}

func TestMemoryDeletePolicies(t *testing.T) {
	s := newMemory(t)
	ctx := context.Background()

	u1 := insert(t, s, schema.User, user("a@x.com"))
	u2 := insert(t, s, schema.User, user("b@x.com"))
	b1 := insert(t, s, schema.Chatbot, query.Data{"name": "One", "userId": u1["id"]})
	b2 := insert(t, s, schema.Chatbot, query.Data{"name": "Two", "userId": u2["id"]})
	insert(t, s, schema.Integration, query.Data{"userId": u1["id"], "type": "slack", "chatbotId": b1["id"]})
	insert(t, s, schema.Analytics, query.Data{"chatbotId": b2["id"], "userId": u1["id"], "action": "view"})
	conv := insert(t, s, schema.Conversation, query.Data{"chatbotId": b1["id"]})
	insert(t, s, schema.Message, query.Data{"conversationId": conv["id"], "content": "hi", "sender": "user"})

	users := model(t, s, schema.User)
	bots := model(t, s, schema.Chatbot)

	_, err := s.Delete(ctx, users, query.ID(u1["id"].(int64)), nil)
	require.Error(t, err)
	var de *dberrors.Error
	require.True(t, errors.As(err, &de))
	assert.Equal(t, dberrors.KindForeignKey, de.Kind)
	assert.Equal(t, []string{"Chatbot.userId"}, de.Fields)
	assert.Len(t, all(t, s, schema.Integration), 1, "a blocked delete changes nothing")

	deleted, err := s.Delete(ctx, bots, query.ID(b1["id"].(int64)), nil)
	require.NoError(t, err)
	require.Len(t, deleted, 1)
	assert.Empty(t, all(t, s, schema.Conversation))
	assert.Empty(t, all(t, s, schema.Message))
	integrations := all(t, s, schema.Integration)
	require.Len(t, integrations, 1)
	assert.Nil(t, integrations[0]["chatbotId"])

	_, err = s.Delete(ctx, users, query.ID(u1["id"].(int64)), nil)
	require.NoError(t, err)
	assert.Empty(t, all(t, s, schema.Integration))
	events := all(t, s, schema.Analytics)
	require.Len(t, events, 1)
	assert.Nil(t, events[0]["userId"])
}

func TestMemoryUpdate(t *testing.T) {
	frozen := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s := newMemory(t, WithClock(func() time.Time { return frozen }))
	ctx := context.Background()
	bots := model(t, s, schema.Chatbot)

	u := insert(t, s, schema.User, user("a@x.com"))
	for _, name := range []string{"a", "b", "c"} {
		insert(t, s, schema.Chatbot, query.Data{"name": name, "userId": u["id"]})
	}

	t.Run("updatedAt advances on every update", func(t *testing.T) {
		first, err := s.Update(ctx, bots, query.ID(1), query.Data{"name": "x"}, nil)
		require.NoError(t, err)
		second, err := s.Update(ctx, bots, query.ID(1), query.Data{"name": "x"}, nil)
		require.NoError(t, err)

		t1 := first[0]["updatedAt"].(time.Time)
		t2 := second[0]["updatedAt"].(time.Time)
		assert.True(t, t1.After(frozen))
		assert.True(t, t2.After(t1))
		assert.Equal(t, first[0]["name"], second[0]["name"])
		assert.Equal(t, frozen, second[0]["createdAt"])
	})

	t.Run("limit takes the lowest ids", func(t *testing.T) {
		updated, err := s.Update(ctx, bots, query.By("userId", query.Eq(u["id"])), query.Data{"description": "d"}, query.Ptr(2))
		require.NoError(t, err)
		require.Len(t, updated, 2)
		assert.Equal(t, int64(1), updated[0]["id"])
		assert.Equal(t, int64(2), updated[1]["id"])

		rows, err := s.Find(ctx, bots, query.FindArgs{Where: query.By("description", query.IsNull())})
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, int64(3), rows[0]["id"])
	})

	t.Run("no match", func(t *testing.T) {
		updated, err := s.Update(ctx, bots, query.ID(42), query.Data{"name": "y"}, nil)
		require.NoError(t, err)
		assert.Empty(t, updated)
	})
}

func TestMemoryUpsert(t *testing.T) {
	s := newMemory(t)
	ctx := context.Background()
	users := model(t, s, schema.User)
	where := query.By("email", query.Eq("a@x.com"))
	create := query.Data{"email": "a@x.com", "password": "hash", "name": "created"}
	update := query.Data{"name": "updated"}

	first, err := s.Upsert(ctx, users, where, create, update)
	require.NoError(t, err)
	assert.Equal(t, "created", first["name"])

	second, err := s.Upsert(ctx, users, where, create, update)
	require.NoError(t, err)
	assert.Equal(t, first["id"], second["id"])
	assert.Equal(t, "updated", second["name"])
	assert.Len(t, all(t, s, schema.User), 1)

	t.Run("immutable rows", func(t *testing.T) {
		u := insert(t, s, schema.User, user("b@x.com"))
		bot := insert(t, s, schema.Chatbot, query.Data{"name": "Bot", "userId": u["id"]})
		conv := insert(t, s, schema.Conversation, query.Data{"chatbotId": bot["id"]})
		msg := query.Data{"conversationId": conv["id"], "content": "hi", "sender": "user"}
		rec := insert(t, s, schema.Message, msg)

		_, err := s.Upsert(ctx, model(t, s, schema.Message), query.ID(rec["id"].(int64)), msg, nil)
		assert.True(t, errors.Is(err, dberrors.ErrValidation))
	})
}

func TestMemoryInsertMany(t *testing.T) {
	s := newMemory(t)
	ctx := context.Background()
	users := model(t, s, schema.User)
	rows := []query.Data{user("a@x.com"), user("a@x.com"), user("b@x.com")}

	_, err := s.InsertMany(ctx, users, rows, false)
	assert.True(t, errors.Is(err, dberrors.ErrUniqueConstraint))
	assert.Empty(t, all(t, s, schema.User), "a failed batch writes nothing")

	n, err := s.InsertMany(ctx, users, rows, true)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Len(t, all(t, s, schema.User), 2)
}

func TestMemoryDeleteMany(t *testing.T) {
	s := newMemory(t)
	ctx := context.Background()
	users := model(t, s, schema.User)
	for _, email := range []string{"a@x.com", "b@x.com", "c@y.com"} {
		insert(t, s, schema.User, user(email))
	}
	where := query.By("email", query.EndsWith("@x.com"))

	deleted, err := s.Delete(ctx, users, where, query.Ptr(1))
	require.NoError(t, err)
	require.Len(t, deleted, 1)
	assert.Equal(t, "a@x.com", deleted[0]["email"])

	_, err = s.Delete(ctx, users, where, nil)
	require.NoError(t, err)
	rows, err := s.Find(ctx, users, query.FindArgs{Where: where})
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.Len(t, all(t, s, schema.User), 1)
}

func TestMemoryTransactions(t *testing.T) {
	s := newMemory(t)
	ctx := context.Background()
	users := model(t, s, schema.User)

	tx, err := s.Begin(ctx, TxOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, tx.ID())
	_, err = tx.Insert(ctx, users, user("a@x.com"))
	require.NoError(t, err)

	inside, err := tx.Find(ctx, users, query.FindArgs{})
	require.NoError(t, err)
	assert.Len(t, inside, 1)
	assert.Empty(t, all(t, s, schema.User), "uncommitted rows are invisible")

	t.Run("max wait", func(t *testing.T) {
		_, err := s.Begin(ctx, TxOptions{MaxWait: 10 * time.Millisecond})
		assert.True(t, errors.Is(err, dberrors.ErrTransaction))
	})

	require.NoError(t, tx.Commit(ctx))
	assert.Len(t, all(t, s, schema.User), 1)

	_, err = tx.Insert(ctx, users, user("b@x.com"))
	assert.True(t, errors.Is(err, dberrors.ErrTransaction), "closed transactions reject statements")
	assert.Error(t, tx.Commit(ctx))

	tx, err = s.Begin(ctx, TxOptions{MaxWait: time.Second})
	require.NoError(t, err)
	_, err = tx.Insert(ctx, users, user("b@x.com"))
	require.NoError(t, err)
	require.NoError(t, tx.Rollback(ctx))
	require.NoError(t, tx.Rollback(ctx))
	assert.Len(t, all(t, s, schema.User), 1)

	t.Run("failed statement keeps earlier writes", func(t *testing.T) {
		tx, err := s.Begin(ctx, TxOptions{})
		require.NoError(t, err)
		defer tx.Rollback(ctx)

		_, err = tx.Insert(ctx, users, user("c@x.com"))
		require.NoError(t, err)
		_, err = tx.Insert(ctx, users, user("c@x.com"))
		require.Error(t, err)
		rows, err := tx.Find(ctx, users, query.FindArgs{})
		require.NoError(t, err)
		assert.Len(t, rows, 2)
	})
}

func TestMemoryWritesOutsideTransactions(t *testing.T) {
	s := newMemory(t)
	ctx := context.Background()
	users := model(t, s, schema.User)

	t.Run("do not wait for an open transaction", func(t *testing.T) {
		tx, err := s.Begin(ctx, TxOptions{})
		require.NoError(t, err)
		insert(t, s, schema.User, user("outside@x.com"))

		rows, err := tx.Find(ctx, users, query.FindArgs{})
		require.NoError(t, err)
		assert.Empty(t, rows, "the transaction keeps its snapshot")
		require.NoError(t, tx.Commit(ctx))
		assert.Len(t, all(t, s, schema.User), 1)
	})

	t.Run("fail the commit of a transaction that wrote", func(t *testing.T) {
		tx, err := s.Begin(ctx, TxOptions{})
		require.NoError(t, err)
		_, err = tx.Insert(ctx, users, user("inside@x.com"))
		require.NoError(t, err)
		insert(t, s, schema.User, user("second@x.com"))

		err = tx.Commit(ctx)
		assert.True(t, errors.Is(err, dberrors.ErrTransaction), "got %v", err)
		assert.Len(t, all(t, s, schema.User), 2)

		next, err := s.Begin(ctx, TxOptions{MaxWait: 10 * time.Millisecond})
		require.NoError(t, err, "a failed commit frees the slot")
		require.NoError(t, next.Rollback(ctx))
	})
}

func TestMemoryTransactionExpires(t *testing.T) {
	s := newMemory(t)
	ctx := context.Background()
	users := model(t, s, schema.User)

	tx, err := s.Begin(ctx, TxOptions{Timeout: 20 * time.Millisecond})
	require.NoError(t, err)
	_, err = tx.Insert(ctx, users, user("a@x.com"))
	require.NoError(t, err)

	next, err := s.Begin(ctx, TxOptions{MaxWait: 2 * time.Second})
	require.NoError(t, err, "the expired transaction released its slot")
	require.NoError(t, next.Rollback(ctx))

	_, err = tx.Insert(ctx, users, user("b@x.com"))
	assert.True(t, errors.Is(err, dberrors.ErrTransaction))
	assert.True(t, errors.Is(tx.Commit(ctx), dberrors.ErrTransaction))
	assert.Empty(t, all(t, s, schema.User))
}

func TestMemoryCancelledContext(t *testing.T) {
	s := newMemory(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Find(ctx, model(t, s, schema.User), query.FindArgs{})
	assert.True(t, errors.Is(err, dberrors.ErrConnection))
}

func TestMemoryAggregates(t *testing.T) {
	s := newMemory(t)
	ctx := context.Background()
	u := insert(t, s, schema.User, user("a@x.com"))
	b1 := insert(t, s, schema.Chatbot, query.Data{"name": "One", "userId": u["id"]})
	b2 := insert(t, s, schema.Chatbot, query.Data{"name": "Two", "userId": u["id"]})
	for _, ev := range []query.Data{
		{"chatbotId": b1["id"], "action": "view"},
		{"chatbotId": b1["id"], "action": "click", "userId": u["id"]},
		{"chatbotId": b2["id"], "action": "view"},
	} {
		insert(t, s, schema.Analytics, ev)
	}
	events := model(t, s, schema.Analytics)

	res, err := s.Aggregate(ctx, events, query.AggregateArgs{
		Aggregations: query.Aggregations{Count: []string{query.All, "userId"}, Max: []string{"chatbotId"}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Count[query.All])
	assert.Equal(t, int64(1), res.Count["userId"])
	assert.Equal(t, b2["id"], res.Max["chatbotId"])

	groups, err := s.GroupBy(ctx, events, query.GroupByArgs{
		By:           []string{"action"},
		Aggregations: query.Aggregations{Count: []string{query.All}},
	})
	require.NoError(t, err)
	require.Len(t, groups, 2)
	counts := map[any]int64{}
	for _, g := range groups {
		counts[g.Key["action"]] = g.Count[query.All]
	}
	assert.Equal(t, map[any]int64{"view": 2, "click": 1}, counts)
}

func TestMemoryRawSQL(t *testing.T) {
	s := newMemory(t)
	_, err := s.Exec(context.Background(), "DELETE FROM users")
	assert.True(t, errors.Is(err, dberrors.ErrValidation))
	_, err = s.Query(context.Background(), "SELECT 1")
	assert.True(t, errors.Is(err, dberrors.ErrValidation))
}

func TestNewSelectsEngine(t *testing.T) {
	s := schema.Chatbots()
	assert.IsType(t, &MemoryStorage{}, New(DatabaseConfig{UseInMemory: true}, s, zaptest.NewLogger(t)))
	assert.IsType(t, &PostgresStorage{}, New(DatabaseConfig{Host: "localhost"}, s, zaptest.NewLogger(t)))
}
