package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
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

// livePostgres connects to BOTADMIN_TEST_DATABASE_URL and empties every
// table. The test is skipped when the variable is unset.
func livePostgres(t *testing.T) *PostgresStorage {
	t.Helper()
	url := os.Getenv("BOTADMIN_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("BOTADMIN_TEST_DATABASE_URL is not set")
	}
	s := NewPostgresStorage(DatabaseConfig{URL: url, MigrateOnConnect: true}, schema.Chatbots(), zaptest.NewLogger(t))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, s.Connect(ctx))
	t.Cleanup(func() { _ = s.Close() })

	_, err := s.Exec(ctx, `TRUNCATE users, chatbots, conversations, messages, integrations,
		message_templates, chatbot_customizations, flows, analytics RESTART IDENTITY CASCADE`)
	require.NoError(t, err)
	return s
}

func TestPostgresContract(t *testing.T) {
	s := livePostgres(t)
	ctx := context.Background()
	users := model(t, s, schema.User)
	bots := model(t, s, schema.Chatbot)

	u := insert(t, s, schema.User, user("a@x.com"))
	assert.Equal(t, int64(1), u["id"])
	assert.IsType(t, time.Time{}, u["createdAt"])

	_, err := s.Insert(ctx, users, user("a@x.com"))
	var de *dberrors.Error
	require.True(t, errors.As(err, &de))
	assert.Equal(t, dberrors.KindUniqueConstraint, de.Kind)
	assert.Equal(t, []string{"email"}, de.Fields)

	_, err = s.Insert(ctx, bots, query.Data{"name": "Bot", "userId": int64(99)})
	assert.True(t, errors.Is(err, dberrors.ErrForeignKey))

	bot := insert(t, s, schema.Chatbot, query.Data{"name": "Bot", "userId": u["id"]})
	flow := insert(t, s, schema.Flow, query.Data{"chatbotId": bot["id"], "name": "f", "steps": json.RawMessage(`[{"say":"hi"}]`)})
	assert.Equal(t, json.RawMessage(`[{"say":"hi"}]`), flow["steps"])

	t.Run("updatedAt advances", func(t *testing.T) {
		first, err := s.Update(ctx, bots, query.ID(bot["id"].(int64)), query.Data{"name": "x"}, nil)
		require.NoError(t, err)
		second, err := s.Update(ctx, bots, query.ID(bot["id"].(int64)), query.Data{"name": "x"}, nil)
		require.NoError(t, err)
		assert.True(t, second[0]["updatedAt"].(time.Time).After(first[0]["updatedAt"].(time.Time)))
	})

	t.Run("upsert twice", func(t *testing.T) {
		where := query.By("email", query.Eq("b@x.com"))
		create := query.Data{"email": "b@x.com", "password": "hash"}
		first, err := s.Upsert(ctx, users, where, create, query.Data{"name": "n"})
		require.NoError(t, err)
		assert.Nil(t, first["name"])
		second, err := s.Upsert(ctx, users, where, create, query.Data{"name": "n"})
		require.NoError(t, err)
		assert.Equal(t, first["id"], second["id"])
		assert.Equal(t, "n", second["name"])
	})

	t.Run("restricted delete", func(t *testing.T) {
		_, err := s.Delete(ctx, users, query.ID(u["id"].(int64)), nil)
		require.True(t, errors.As(err, &de))
		assert.Equal(t, dberrors.KindForeignKey, de.Kind)
		assert.Equal(t, []string{"Chatbot.userId"}, de.Fields)
	})

	t.Run("cursor pages backwards", func(t *testing.T) {
		for _, name := range []string{"b", "c", "d"} {
			insert(t, s, schema.Chatbot, query.Data{"name": name, "userId": u["id"]})
		}
		cursor := query.ID(3)
		rows, err := s.Find(ctx, bots, query.FindArgs{Cursor: &cursor, Take: query.Ptr(-2)})
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, int64(2), rows[0]["id"])
		assert.Equal(t, int64(3), rows[1]["id"])
	})

	t.Run("transaction rollback", func(t *testing.T) {
		tx, err := s.Begin(ctx, TxOptions{MaxWait: time.Second})
		require.NoError(t, err)
		_, err = tx.Insert(ctx, users, user("tx@x.com"))
		require.NoError(t, err)
		require.NoError(t, tx.Rollback(ctx))

		rows, err := s.Find(ctx, users, query.FindArgs{Where: query.By("email", query.Eq("tx@x.com"))})
		require.NoError(t, err)
		assert.Empty(t, rows)
	})

	t.Run("search splits emails into words", func(t *testing.T) {
		rows, err := s.Find(ctx, users, query.FindArgs{Where: query.By("email", query.Search("x"))})
		require.NoError(t, err)
		assert.Len(t, rows, 2)
		for _, rec := range rows {
			assert.True(t, query.SearchMatch("x", rec["email"].(string)))
		}
	})

	t.Run("raw query", func(t *testing.T) {
		rows, err := s.Query(ctx, "SELECT count(*) AS n FROM users")
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, int64(2), rows[0]["n"])
	})
}

func TestPostgresConcurrentUpserts(t *testing.T) {
	s := livePostgres(t)
	ctx := context.Background()
	users := model(t, s, schema.User)

	tests := []struct {
		name  string
		email string
		where func(email string) query.Where
	}{
		{
			name:  "lone equality",
			email: "lone@x.com",
			where: func(email string) query.Where { return query.By("email", query.Eq(email)) },
		},
		{
			name:  "compound filter",
			email: "compound@x.com",
			where: func(email string) query.Where { return query.AND(query.By("email", query.Eq(email))) },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			const callers = 8
			errs := make(chan error, callers)
			var wg sync.WaitGroup
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, err := s.Upsert(ctx, users, tt.where(tt.email), user(tt.email), query.Data{"name": fmt.Sprintf("caller %d", i)})
					errs <- err
				}(i)
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				assert.NoError(t, err)
			}

			res, err := s.Aggregate(ctx, users, query.AggregateArgs{
				Where:        query.By("email", query.Eq(tt.email)),
				Aggregations: query.Aggregations{Count: []string{query.All}},
			})
			require.NoError(t, err)
			assert.Equal(t, int64(1), res.Count[query.All])
		})
	}
}
