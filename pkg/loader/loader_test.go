package loader_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/propdb/pkg/decoder"
	"github.com/ajitpratap0/propdb/pkg/errors"
	"github.com/ajitpratap0/propdb/pkg/loader"
	"github.com/ajitpratap0/propdb/pkg/store"
	"github.com/ajitpratap0/propdb/pkg/testutil"
)

type event struct {
	kind  string
	table string
	rows  int64
}

type recorder struct {
	mu      sync.Mutex
	events  []event
	onBatch func()
}

func (r *recorder) add(e event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) DecodeStarted(strategy string) { r.add(event{kind: "decode", table: strategy}) }
func (r *recorder) PhaseStarted(table string) { r.add(event{kind: "start", table: table}) }
func (r *recorder) BatchCompleted(table string, rows int, _ time.Duration) {
	r.add(event{kind: "batch", table: table, rows: int64(rows)})
	if r.onBatch != nil {
		r.onBatch()
	}
}
func (r *recorder) PhaseCompleted(table string, rows int64, _ time.Duration) {
	r.add(event{kind: "done", table: table, rows: rows})
}

func (r *recorder) kinds(kind string) []event {
	var out []event
	for _, e := range r.events {
		if e.kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func newStore(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()
	db, err := store.OpenWritable(ctx, filepath.Join(t.TempDir(), "model.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, store.ApplyDurability(ctx, db, store.DurabilityFast))
	require.NoError(t, store.CreateTables(ctx, db))
	return db
}

func count(t *testing.T, db *sql.DB, query string, args ...interface{}) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.QueryRow(query, args...).Scan(&n))
	return n
}

func TestLoad_Scenario(t *testing.T) {
	ctx := testutil.TestContext(t)
	db := newStore(t)
	dec, err := decoder.FromArrays(testutil.Scenario().Arrays())
	require.NoError(t, err)

	rec := &recorder{}
	stats, err := loader.New(db, loader.Options{}, loader.Multi{rec, loader.ZapObserver{Logger: testutil.TestLogger(t)}}).Load(ctx, dec)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Entities)
	assert.Equal(t, int64(1), stats.Attributes)
	assert.Equal(t, int64(1), stats.Values)
	assert.Equal(t, int64(1), stats.Associations)

	assert.Equal(t, int64(2), count(t, db, "SELECT count(*) FROM _objects_id"))
	assert.Equal(t, int64(1), count(t, db, "SELECT count(*) FROM _objects_eav WHERE id = 1 AND entity_id = 1 AND attribute_id = 1 AND value_id = 1"))
	assert.Equal(t, int64(1), count(t, db, "SELECT count(*) FROM _objects_attr WHERE display_name IS NULL AND description IS NULL AND data_type_context IS NULL"))
	assert.Equal(t, int64(1), count(t, db, "SELECT count(*) FROM _objects_id WHERE id = 2 AND external_id = 'B' AND viewable_id IS NULL"))

	assert.Equal(t, event{kind: "decode", table: decoder.StrategyMaterialize}, rec.events[0])
	var order []string
	for _, e := range rec.kinds("done") {
		order = append(order, e.table)
	}
	assert.Equal(t, []string{"_objects_id", "_objects_attr", "_objects_val", "_objects_eav"}, order)
}

func TestLoad_PagesAndSplitting(t *testing.T) {
	fx := testutil.Generate(250, 12, 30, 9)
	for _, strategy := range []string{decoder.StrategyMaterialize, decoder.StrategyStream} {
		t.Run(strategy, func(t *testing.T) {
			ctx := testutil.TestContext(t)
			db := newStore(t)
			dec, err := decoder.New(ctx, fx.Source(t), decoder.Options{Strategy: strategy})
			require.NoError(t, err)

			rec := &recorder{}
			// 8 parameters: one attribute row or two association rows per statement
			stats, err := loader.New(db, loader.Options{PageSize: 100, MaxParams: 8}, rec).Load(ctx, dec)
			require.NoError(t, err)

			assert.Equal(t, int64(250), stats.Entities)
			assert.Equal(t, int64(len(fx.AVs)/2), stats.Associations)
			assert.Equal(t, stats.Associations, count(t, db, "SELECT count(*) FROM _objects_eav"))
			assert.Equal(t, stats.Associations, count(t, db, "SELECT max(id) FROM _objects_eav"), "association ids are dense")

			var batches []int64
			for _, e := range rec.kinds("batch") {
				if e.table == "_objects_id" {
					batches = append(batches, e.rows)
				}
			}
			assert.Equal(t, []int64{100, 100, 50}, batches)

			// every segment landed on its entity
			for _, i := range []int{1, 9, 10, 11, 249, 250} {
				assert.Equal(t, int64(len(fx.Segment(i))/2), count(t, db, "SELECT count(*) FROM _objects_eav WHERE entity_id = ?", i), "entity %d", i)
			}
			assert.Equal(t, int64(0), count(t, db, "SELECT count(*) FROM _objects_eav WHERE entity_id = 10"), "entity 10 has no pairs")
		})
	}
}

func TestLoad_DecodeErrorMidStream(t *testing.T) {
	ctx := testutil.TestContext(t)
	db := newStore(t)
	src := testutil.Scenario().Source(t)
	src.Set(decoder.InputValues, []byte(`["", "Foo"`))

	dec, err := decoder.New(ctx, src, decoder.Options{Strategy: decoder.StrategyStream})
	require.NoError(t, err)
	_, err = loader.New(db, loader.Options{}, nil).Load(ctx, dec)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeDecode), "got %v", err)
}

func TestLoad_ReferenceOutOfRange(t *testing.T) {
	ctx := testutil.TestContext(t)
	db := newStore(t)
	src := testutil.Scenario().Source(t)
	src.Set(decoder.InputAssociations, []byte(`[1, 2]`))

	// streaming without a verification pass: the loader catches it
	dec, err := decoder.New(ctx, src, decoder.Options{Strategy: decoder.StrategyStream})
	require.NoError(t, err)
	_, err = loader.New(db, loader.Options{}, nil).Load(ctx, dec)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeDecode))
	assert.Contains(t, err.Error(), "value 2")
}

func TestLoad_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(testutil.TestContext(t))
	defer cancel()
	db := newStore(t)
	dec, err := decoder.FromArrays(testutil.Generate(100, 5, 5, 2).Arrays())
	require.NoError(t, err)

	rec := &recorder{onBatch: cancel}
	_, err = loader.New(db, loader.Options{PageSize: 10}, rec).Load(ctx, dec)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeCancelled), "got %v", err)
	assert.Len(t, rec.kinds("done"), 0)
}

func TestLoad_NoTables(t *testing.T) {
	ctx := testutil.TestContext(t)
	db, err := store.OpenWritable(ctx, filepath.Join(t.TempDir(), "empty.sqlite"))
	require.NoError(t, err)
	defer db.Close()

	dec, err := decoder.FromArrays(testutil.Scenario().Arrays())
	require.NoError(t, err)
	_, err = loader.New(db, loader.Options{}, nil).Load(ctx, dec)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeLoad))
}
