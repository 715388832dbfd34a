package data

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen(t *testing.T) {
	t.Run("creates database file in nested directory", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "deep", "nested", "aichat.db")

		store, err := Open(path)
		require.NoError(t, err)
		defer store.Close()

		_, err = os.Stat(path)
		assert.NoError(t, err)
		assert.NoError(t, store.Health(context.Background()))
	})

	t.Run("idempotent migrations", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "aichat.db")

		store1, err := Open(path)
		require.NoError(t, err)
		require.NoError(t, store1.Close())

		store2, err := Open(path)
		require.NoError(t, err)
		defer store2.Close()
		assert.NoError(t, store2.Migrate())
	})

	t.Run("in memory", func(t *testing.T) {
		store, err := Open(MemoryPath)
		require.NoError(t, err)
		defer store.Close()

		for _, table := range []string{"conversations", "turns", "profiles", "traces"} {
			var name string
			err := store.DB().QueryRow(
				"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
			).Scan(&name)
			assert.NoError(t, err, "table %s missing", table)
		}
	})
}

func TestWithTx(t *testing.T) {
	store, err := Open(MemoryPath)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	now := UnixMillis(time.Now())

	t.Run("commits on success", func(t *testing.T) {
		err := store.WithTx(ctx, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx,
				"INSERT INTO profiles (user_id, data, updated_at) VALUES (?, ?, ?)", "u1", "{}", now)
			return err
		})
		require.NoError(t, err)

		var count int
		require.NoError(t, store.DB().QueryRow("SELECT COUNT(*) FROM profiles WHERE user_id = 'u1'").Scan(&count))
		assert.Equal(t, 1, count)
	})

	t.Run("rolls back on error", func(t *testing.T) {
		boom := errors.New("boom")
		err := store.WithTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO profiles (user_id, data, updated_at) VALUES (?, ?, ?)", "u2", "{}", now); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)

		var count int
		require.NoError(t, store.DB().QueryRow("SELECT COUNT(*) FROM profiles WHERE user_id = 'u2'").Scan(&count))
		assert.Zero(t, count)
	})
}

func TestSplitSQL(t *testing.T) {
	script := `
-- comment
CREATE TABLE a (x TEXT DEFAULT ';');
CREATE INDEX i ON a(x);
`
	stmts := splitSQL(script)
	require.Len(t, stmts, 2)
	assert.Equal(t, "CREATE TABLE a (x TEXT DEFAULT ';');", stmts[0])
	assert.Equal(t, "CREATE INDEX i ON a(x);", stmts[1])
}

func TestUnixMillisRoundTrip(t *testing.T) {
	ts := time.Date(2025, 3, 4, 5, 6, 7, 8_000_000, time.UTC)
	assert.True(t, ts.Equal(FromUnixMillis(UnixMillis(ts))))
}
