package pipeline_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/propdb/internal/pipeline"
	"github.com/ajitpratap0/propdb/pkg/config"
	"github.com/ajitpratap0/propdb/pkg/decoder"
	"github.com/ajitpratap0/propdb/pkg/errors"
	"github.com/ajitpratap0/propdb/pkg/loader"
	"github.com/ajitpratap0/propdb/pkg/observability"
	"github.com/ajitpratap0/propdb/pkg/query"
	"github.com/ajitpratap0/propdb/pkg/source"
	"github.com/ajitpratap0/propdb/pkg/testutil"
)

func newConverter(t *testing.T, mutate func(*config.Config), observers ...loader.Observer) *pipeline.Converter {
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())
	return pipeline.NewConverter(cfg, testutil.TestLogger(t), observers...)
}

func assertNoStore(t *testing.T, output string) {
	t.Helper()
	assert.NoFileExists(t, output)
	assert.NoFileExists(t, output+pipeline.PartialSuffix)
}

func TestConvert_Scenario(t *testing.T) {
	ctx := testutil.TestContext(t)
	output := filepath.Join(t.TempDir(), "out", "model.sqlite")

	res, err := newConverter(t, nil).Convert(ctx, source.NewDir(testutil.Scenario().WriteDir(t)), output)
	require.NoError(t, err)
	assert.Equal(t, output, res.Output)
	assert.Equal(t, decoder.StrategyMaterialize, res.Strategy)
	assert.Equal(t, int64(2), res.Counts.Entities)
	assert.Equal(t, int64(1), res.Stats.Associations)
	assert.NoFileExists(t, output+pipeline.PartialSuffix)

	gw, err := query.Open(ctx, output, testutil.TestLogger(t))
	require.NoError(t, err)
	defer gw.Close()

	rows, err := gw.Query(ctx, "")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, map[string]interface{}{
		"dbid": int64(1), "category": "General", "name": "Name", "value": "Foo",
	}, rows[0].Map())
}

func TestConvert_Strategies(t *testing.T) {
	fx := testutil.Generate(120, 7, 9, 5)
	for _, strategy := range []string{config.StrategyMaterialize, config.StrategyStream} {
		t.Run(strategy, func(t *testing.T) {
			ctx := testutil.TestContext(t)
			output := filepath.Join(t.TempDir(), "model.sqlite")
			conv := newConverter(t, func(c *config.Config) {
				c.Decode.Strategy = strategy
				c.Load.PageSize = 16
			})

			res, err := conv.Convert(ctx, fx.Source(t), output)
			require.NoError(t, err)
			assert.Equal(t, strategy, res.Strategy)
			assert.Equal(t, int64(120), res.Stats.Entities)
			assert.Equal(t, int64(len(fx.AVs)/2), res.Stats.Associations)
		})
	}
}

func TestConvert_MissingInput(t *testing.T) {
	src := testutil.Scenario().Source(t)
	src.Delete(decoder.InputValues)
	output := filepath.Join(t.TempDir(), "model.sqlite")

	_, err := newConverter(t, nil).Convert(testutil.TestContext(t), src, output)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypePrecondition), "got %v", err)
	assertNoStore(t, output)
}

func TestConvert_DecodeErrorLeavesNothing(t *testing.T) {
	fx := testutil.Scenario()
	fx.AVs = []int64{1, 2} // value 2 does not exist
	output := filepath.Join(t.TempDir(), "model.sqlite")

	for _, verify := range []bool{true, false} {
		conv := newConverter(t, func(c *config.Config) {
			c.Decode.Strategy = config.StrategyStream
			c.Decode.Verify = verify
		})
		_, err := conv.Convert(testutil.TestContext(t), fx.Source(t), output)
		require.Error(t, err)
		assert.True(t, errors.HasType(err, errors.ErrorTypeDecode), "verify=%v: got %v", verify, err)
		assertNoStore(t, output)
	}
}

func TestConvert_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(testutil.TestContext(t))
	output := filepath.Join(t.TempDir(), "model.sqlite")

	cancelOnPhase := &phaseHook{table: "_objects_attr", fn: cancel}
	conv := newConverter(t, func(c *config.Config) {
		c.Decode.Verify = false
	}, cancelOnPhase)

	_, err := conv.Convert(ctx, testutil.Generate(50, 4, 4, 3).Source(t), output)
	require.Error(t, err)
	assert.True(t, errors.HasType(err, errors.ErrorTypeCancelled), "got %v", err)
	assertNoStore(t, output)
}

func TestConvert_ReplacesExistingStore(t *testing.T) {
	ctx := testutil.TestContext(t)
	output := filepath.Join(t.TempDir(), "model.sqlite")
	conv := newConverter(t, nil)

	_, err := conv.Convert(ctx, testutil.Generate(10, 3, 3, 2).Source(t), output)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(output+pipeline.PartialSuffix, []byte("stale"), 0o600))

	_, err = conv.Convert(ctx, testutil.Scenario().Source(t), output)
	require.NoError(t, err)

	gw, err := query.Open(ctx, output, testutil.TestLogger(t))
	require.NoError(t, err)
	defer gw.Close()
	rows, err := gw.Query(ctx, "SELECT count(*) AS n FROM _objects_id")
	require.NoError(t, err)
	n, _ := rows[0].Get("n")
	assert.Equal(t, int64(2), n)
}

func TestConvert_TracesLoadPhases(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := observability.Init(config.TracingConfig{Enabled: true, ServiceName: "propdb", SampleRate: 1}, "test", &buf)
	require.NoError(t, err)

	output := filepath.Join(t.TempDir(), "model.sqlite")
	_, err = newConverter(t, nil).Convert(testutil.TestContext(t), testutil.Scenario().Source(t), output)
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	out := buf.String()
	assert.Contains(t, out, `"convert.load"`)
	assert.Contains(t, out, `"phase.completed"`)
	assert.Contains(t, out, `"_objects_eav"`)
}

func TestConvert_NoOutput(t *testing.T) {
	_, err := newConverter(t, nil).Convert(testutil.TestContext(t), testutil.Scenario().Source(t), "")
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

// phaseHook runs fn when the phase for table starts.
type phaseHook struct {
	loader.NopObserver
	table string
	fn    func()
}

func (h *phaseHook) PhaseStarted(table string) {
	if table == h.table {
		h.fn()
	}
}
