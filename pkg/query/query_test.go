package query_test

import (
	"context"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/propdb/pkg/decoder"
	"github.com/ajitpratap0/propdb/pkg/errors"
	"github.com/ajitpratap0/propdb/pkg/json"
	"github.com/ajitpratap0/propdb/pkg/loader"
	"github.com/ajitpratap0/propdb/pkg/query"
	"github.com/ajitpratap0/propdb/pkg/store"
	"github.com/ajitpratap0/propdb/pkg/testutil"
)

// build loads fx into a new store; finalize false leaves it unfinished.
func build(t *testing.T, fx *testutil.Fixture, finalize bool) string {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "model.sqlite")
	db, err := store.OpenWritable(ctx, path)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, store.ApplyDurability(ctx, db, store.DurabilityFast))
	require.NoError(t, store.CreateTables(ctx, db))
	dec, err := decoder.FromArrays(fx.Arrays())
	require.NoError(t, err)
	_, err = loader.New(db, loader.Options{}, nil).Load(ctx, dec)
	require.NoError(t, err)
	if finalize {
		require.NoError(t, store.Finalize(ctx, db))
		require.NoError(t, store.RestoreDurability(ctx, db))
	}
	return path
}

func open(t *testing.T, path string) *query.Gateway {
	t.Helper()
	g, err := query.Open(context.Background(), path, testutil.TestLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { g.Close() })
	return g
}

func TestQuery_Scenario(t *testing.T) {
	g := open(t, build(t, testutil.Scenario(), true))

	rows, err := g.Query(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, rows, 1)

	assert.Equal(t, []query.Field{
		{Name: "dbid", Value: int64(1)},
		{Name: "category", Value: "General"},
		{Name: "name", Value: "Name"},
		{Name: "value", Value: "Foo"},
	}, rows[0].Fields)

	// entity 2 has no properties but still has its row
	rows, err = g.Query(context.Background(), "SELECT external_id FROM _objects_id WHERE id = ?", 2)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	v, ok := rows[0].Get("external_id")
	assert.True(t, ok)
	assert.Equal(t, "B", v)
}

func TestQuery_DefaultViewMatchesInput(t *testing.T) {
	fx := testutil.Generate(120, 8, 25, 4)
	g := open(t, build(t, fx, true))

	rows, err := g.Query(context.Background(), "  ")
	require.NoError(t, err)

	attrs := fx.Arrays().Attrs
	var want [][]interface{}
	for i := 1; i <= len(fx.IDs); i++ {
		seg := fx.Segment(i)
		for p := 0; p < len(seg); p += 2 {
			a := attrs[seg[p]]
			if a.Internal() {
				continue
			}
			want = append(want, []interface{}{int64(i), a.Category, a.Label(), fx.Vals[seg[p+1]-1]})
		}
	}

	var got [][]interface{}
	var last int64
	for _, r := range rows {
		m := r.Map()
		dbid := m["dbid"].(int64)
		assert.GreaterOrEqual(t, dbid, last, "ordered by dbid")
		last = dbid
		got = append(got, []interface{}{dbid, m["category"], m["name"], m["value"]})
	}
	assert.ElementsMatch(t, want, got)
}

func TestQuery_InternalCategories(t *testing.T) {
	fx := testutil.Scenario()
	fx.Attrs = append(fx.Attrs, testutil.Attr("secret", "__hidden__", 0, "", "", "", 0, 0))
	fx.AVs = []int64{1, 1, 2, 1}
	g := open(t, build(t, fx, true))
	ctx := context.Background()

	rows, err := g.Query(ctx, "")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	name, _ := rows[0].Get("name")
	assert.Equal(t, "Name", name)

	rows, err = g.Query(ctx, "SELECT name FROM _objects_attr WHERE category = '__hidden__'")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, map[string]interface{}{"name": "secret"}, rows[0].Map())
}

func TestQuery_DisplayNameFallback(t *testing.T) {
	fx := testutil.Scenario()
	fx.Attrs = [][]interface{}{testutil.Attr("Name", "General", 0, "", "", "Display Name", 0, 0)}
	g := open(t, build(t, fx, true))

	rows, err := g.Query(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	name, _ := rows[0].Get("name")
	assert.Equal(t, "Display Name", name)
}

func TestQuery_IdempotentReload(t *testing.T) {
	fx := testutil.Generate(60, 6, 10, 3)
	ctx := context.Background()

	collect := func(path string) []string {
		rows, err := open(t, path).Query(ctx, "SELECT entity_id, attribute_id, value_id FROM _objects_eav")
		require.NoError(t, err)
		var out []string
		for _, r := range rows {
			b, err := json.Marshal(r)
			require.NoError(t, err)
			out = append(out, string(b))
		}
		sort.Strings(out)
		return out
	}
	assert.Equal(t, collect(build(t, fx, true)), collect(build(t, fx, true)))
}

func TestQuery_MalformedSQLIsVerbatim(t *testing.T) {
	path := build(t, testutil.Scenario(), true)
	g := open(t, path)
	ctx := context.Background()

	db, err := store.OpenReadOnly(ctx, path)
	require.NoError(t, err)
	defer db.Close()
	_, native := db.QueryContext(ctx, "SELEC * FROM properties")
	require.Error(t, native)

	_, err = g.Query(ctx, "SELEC * FROM properties")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeQuery))
	assert.Equal(t, native.Error(), err.Error())
}

func TestQuery_ReadOnly(t *testing.T) {
	g := open(t, build(t, testutil.Scenario(), true))
	_, err := g.Query(context.Background(), "DELETE FROM _objects_eav")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeQuery))

	rows, err := g.Query(context.Background(), "SELECT count(*) AS n FROM _objects_eav")
	require.NoError(t, err)
	n, _ := rows[0].Get("n")
	assert.Equal(t, int64(1), n)
}

func TestOpen_UnfinishedStoreRefused(t *testing.T) {
	path := build(t, testutil.Scenario(), false)
	_, err := query.Open(context.Background(), path, nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypePrecondition))
	assert.Contains(t, err.Error(), "not ready")
}

func TestRow(t *testing.T) {
	r := query.Row{Fields: []query.Field{
		{Name: "z", Value: int64(1)},
		{Name: "a", Value: "x"},
		{Name: "m", Value: nil},
	}}
	b, err := json.Marshal(r)
	require.NoError(t, err)
	assert.Equal(t, `{"z":1,"a":"x","m":null}`, string(b))

	_, ok := r.Get("missing")
	assert.False(t, ok)
	assert.Equal(t, map[string]interface{}{"z": int64(1), "a": "x", "m": nil}, r.Map())
}
