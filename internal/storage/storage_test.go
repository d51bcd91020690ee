package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/woxQAQ/frame-runtime/internal/fault"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), Config{
		URL:            "sqlite:" + filepath.Join(t.TempDir(), "test.db"),
		MaxConnections: 4,
		MinConnections: 1,
		ConnectTimeout: time.Second,
		QueryTimeout:   5 * time.Second,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	_, err = store.Execute(context.Background(),
		"CREATE TABLE todos (id INTEGER PRIMARY KEY, title TEXT NOT NULL, done INTEGER, score REAL)", "")
	require.NoError(t, err)
	return store
}

func TestQueryAndExecute(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	n, err := store.Execute(ctx, "INSERT INTO todos (title, done, score) VALUES (?, ?, ?)", `["write tests", 0, 1.5]`)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = store.Execute(ctx, "INSERT INTO todos (title, done, score) VALUES (?, ?, ?)", `["ship", 1, 2]`)
	require.NoError(t, err)

	res, err := store.Query(ctx, "SELECT id, title, done, score FROM todos WHERE done = ? ORDER BY id", `[0]`)
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "title", "done", "score"}, res.Columns)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "write tests", res.Rows[0]["title"])
	assert.EqualValues(t, 1, res.Rows[0]["id"])
	assert.InDelta(t, 1.5, res.Rows[0]["score"], 0.0001)

	empty, err := store.Query(ctx, "SELECT id FROM todos WHERE id = ?", `[999]`)
	require.NoError(t, err)
	assert.NotNil(t, empty.Rows)
	assert.Empty(t, empty.Rows)

	assert.True(t, store.Healthy(ctx))
	assert.Equal(t, "sqlite", store.Driver())
}

func TestQueryErrors(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.Query(ctx, "SELECT * FROM missing_table", "")
	var qe *QueryError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, fault.Module, fault.KindOf(err))

	_, err = store.Execute(ctx, "INSERT INTO todos (title) VALUES (?)", `{"not":"an array"}`)
	var pe *ParamsError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, fault.Validation, fault.KindOf(err))
}

func TestTransactions(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.Execute(ctx, "INSERT INTO todos (title) VALUES (?)", `["rolled back"]`)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	tx, err = store.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.Execute(ctx, "INSERT INTO todos (title) VALUES (?)", `["kept"]`)
	require.NoError(t, err)
	inside, err := tx.Query(ctx, "SELECT title FROM todos", "")
	require.NoError(t, err)
	assert.Len(t, inside.Rows, 1)
	require.NoError(t, tx.Commit())

	res, err := store.Query(ctx, "SELECT title FROM todos", "")
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "kept", res.Rows[0]["title"])

	assert.Error(t, tx.Commit(), "committing twice should fail")
}

func TestInMemorySqlite(t *testing.T) {
	store, err := Open(context.Background(), Config{URL: "sqlite::memory:", MaxConnections: 8}, zap.NewNop())
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	_, err = store.Execute(ctx, "CREATE TABLE kv (k TEXT, v TEXT)", "")
	require.NoError(t, err)
	_, err = store.Execute(ctx, "INSERT INTO kv VALUES (?, ?)", `["a", "b"]`)
	require.NoError(t, err)

	// Every operation must see the same database.
	res, err := store.Query(ctx, "SELECT v FROM kv WHERE k = ?", `["a"]`)
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "b", res.Rows[0]["v"])
}

func TestInMemorySqliteSurvivesIdle(t *testing.T) {
	for _, url := range []string{"sqlite::memory:", ":memory:"} {
		t.Run(url, func(t *testing.T) {
			store, err := Open(context.Background(), Config{URL: url, MaxConnections: 4, MinConnections: 0}, zap.NewNop())
			require.NoError(t, err)
			defer store.Close()
			ctx := context.Background()

			_, err = store.Execute(ctx, "CREATE TABLE counter (n INTEGER)", "")
			require.NoError(t, err)
			for i := 0; i < 5; i++ {
				_, err = store.Execute(ctx, "INSERT INTO counter VALUES (?)", fmt.Sprintf("[%d]", i))
				require.NoError(t, err)
			}
			stats := store.db.Stats()
			assert.Equal(t, 1, stats.OpenConnections)
			assert.Zero(t, stats.MaxIdleClosed, "the only connection was closed while idle")

			res, err := store.Query(ctx, "SELECT COUNT(*) AS c FROM counter", "")
			require.NoError(t, err)
			require.Len(t, res.Rows, 1)
			assert.EqualValues(t, 5, res.Rows[0]["c"])
		})
	}

	assert.True(t, isMemoryDSN("file:shared?mode=memory&cache=shared"))
	assert.False(t, isMemoryDSN("data.db"))
}

func TestParseParams(t *testing.T) {
	args, err := ParseParams(`[1, 2.5, "x", true, null, {"a":1}]`)
	require.NoError(t, err)
	assert.Equal(t, []any{int64(1), 2.5, "x", true, nil, `{"a":1}`}, args)

	args, err = ParseParams("  ")
	require.NoError(t, err)
	assert.Nil(t, args)

	_, err = ParseParams("[1,")
	assert.Error(t, err)
}

func TestDriverFor(t *testing.T) {
	tests := []struct {
		url    string
		driver string
		dsn    string
	}{
		{"postgres://u:p@localhost/db", "postgres", "postgres://u:p@localhost/db"},
		{"postgresql://localhost/db", "postgres", "postgresql://localhost/db"},
		{"sqlite:data.db", "sqlite", "data.db"},
		{"sqlite://data.db", "sqlite", "data.db"},
		{"file:data.db?cache=shared", "sqlite", "file:data.db?cache=shared"},
		{"./app.db", "sqlite", "./app.db"},
	}
	for _, tt := range tests {
		driver, dsn, err := driverFor(tt.url)
		require.NoError(t, err, tt.url)
		assert.Equal(t, tt.driver, driver, tt.url)
		assert.Equal(t, tt.dsn, dsn, tt.url)
	}

	_, _, err := driverFor("mysql://localhost/db")
	assert.Error(t, err)
	_, _, err = driverFor("")
	assert.Error(t, err)
}

func TestMaskURL(t *testing.T) {
	assert.Equal(t, "postgres://app:****@db:5432/prod", MaskURL("postgres://app:secret@db:5432/prod"))
	assert.Equal(t, "postgres://db/prod", MaskURL("postgres://db/prod"))
	assert.Equal(t, "sqlite:data.db", MaskURL("sqlite:data.db"))
}

func TestOperationsRespectContext(t *testing.T) {
	store := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Query(ctx, "SELECT 1", "")
	assert.Error(t, err)
}
