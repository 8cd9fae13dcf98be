package store_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/propdb/pkg/errors"
	"github.com/ajitpratap0/propdb/pkg/store"
)

func newStore(t *testing.T) (*sql.DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.sqlite")
	db, err := store.OpenWritable(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, path
}

func TestInsertSQL(t *testing.T) {
	assert.Equal(t, "INSERT INTO _objects_val (id, value) VALUES (?, ?)", store.Values.InsertSQL(1))
	assert.Equal(t,
		"INSERT INTO _objects_eav (id, entity_id, attribute_id, value_id) VALUES (?, ?, ?, ?), (?, ?, ?, ?)",
		store.Associations.InsertSQL(2))
}

func TestLifecycle(t *testing.T) {
	ctx := context.Background()
	db, path := newStore(t)

	require.NoError(t, store.ApplyDurability(ctx, db, store.DurabilityFast))
	mode, err := store.JournalMode(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, "off", mode)

	require.NoError(t, store.CreateTables(ctx, db))
	v, err := store.Version(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, 0, v, "unfinished store carries no version")

	_, err = db.ExecContext(ctx, store.Entities.InsertSQL(2), 1, "A", nil, 2, "B", nil)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, store.Attributes.InsertSQL(2),
		1, "Name", "General", 0, nil, nil, nil, 0, 0,
		2, "parent", "__parent__", 11, nil, nil, nil, 0, 0)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, store.Values.InsertSQL(2), 1, "Foo", 2, int64(7))
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, store.Associations.InsertSQL(2), 1, 1, 1, 1, 2, 1, 2, 2)
	require.NoError(t, err)

	require.NoError(t, store.Finalize(ctx, db))
	require.NoError(t, store.RestoreDurability(ctx, db))
	mode, err = store.JournalMode(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, "delete", mode)

	v, err = store.Version(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, store.SchemaVersion, v)

	var indexCount int
	require.NoError(t, db.QueryRowContext(ctx,
		"SELECT count(*) FROM sqlite_master WHERE type = 'index' AND name LIKE 'idx_%'").Scan(&indexCount))
	assert.Equal(t, 7, indexCount)
	require.NoError(t, db.Close())

	ro, err := store.OpenReadOnly(ctx, path)
	require.NoError(t, err)
	defer ro.Close()

	rows, err := ro.QueryContext(ctx, store.DefaultQuery)
	require.NoError(t, err)
	defer rows.Close()
	var got [][]interface{}
	for rows.Next() {
		var dbid int64
		var category, name string
		var value interface{}
		require.NoError(t, rows.Scan(&dbid, &category, &name, &value))
		got = append(got, []interface{}{dbid, category, name, value})
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, [][]interface{}{{int64(1), "General", "Name", "Foo"}}, got, "internal category is hidden")

	_, err = ro.ExecContext(ctx, "DELETE FROM _objects_val")
	assert.Error(t, err, "read-only store")
}

func TestFinalize_BeforeTables(t *testing.T) {
	db, _ := newStore(t)
	err := store.Finalize(context.Background(), db)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeLoad))

	v, err := store.Version(context.Background(), db)
	require.NoError(t, err)
	assert.Equal(t, 0, v, "failed finalize leaves no version")
}

func TestApplyDurability(t *testing.T) {
	ctx := context.Background()
	db, _ := newStore(t)

	require.NoError(t, store.ApplyDurability(ctx, db, store.DurabilitySafe))
	mode, err := store.JournalMode(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, "delete", mode)

	err = store.ApplyDurability(ctx, db, "reckless")
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestOpenReadOnly_Missing(t *testing.T) {
	_, err := store.OpenReadOnly(context.Background(), filepath.Join(t.TempDir(), "absent.sqlite"))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypePrecondition))
}
