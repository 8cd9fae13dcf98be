package source_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/propdb/pkg/config"
	"github.com/ajitpratap0/propdb/pkg/decoder"
	"github.com/ajitpratap0/propdb/pkg/errors"
	"github.com/ajitpratap0/propdb/pkg/source"
	"github.com/ajitpratap0/propdb/pkg/testutil"
)

func TestFileName(t *testing.T) {
	assert.Equal(t, "objects_ids.json.gz", source.FileName(decoder.InputIDs))
	assert.Equal(t, "objects_offs.json.gz", source.FileName(decoder.InputOffsets))
	assert.Equal(t, "objects_avs.json.gz", source.FileName(decoder.InputAssociations))
	assert.Equal(t, "objects_attrs.json.gz", source.FileName(decoder.InputAttributes))
	assert.Equal(t, "objects_vals.json.gz", source.FileName(decoder.InputValues))
}

func TestDir(t *testing.T) {
	ctx := testutil.TestContext(t)
	fx := testutil.Scenario()
	dir := fx.WriteDir(t)

	src := source.NewDir(dir)
	require.NoError(t, source.Require(ctx, src))

	want := fx.Encode(t, decoder.InputIDs)
	size, err := src.Stat(ctx, decoder.InputIDs)
	require.NoError(t, err)
	assert.Equal(t, int64(len(want)), size)

	r, err := src.Open(ctx, decoder.InputIDs)
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, want, got)
}

func TestRequire_MissingInputs(t *testing.T) {
	ctx := testutil.TestContext(t)
	dir := testutil.Scenario().WriteDir(t)
	require.NoError(t, os.Remove(filepath.Join(dir, source.FileName(decoder.InputValues))))
	require.NoError(t, os.Remove(filepath.Join(dir, source.FileName(decoder.InputOffsets))))

	err := source.Require(ctx, source.NewDir(dir))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypePrecondition))
	assert.Contains(t, err.Error(), "offsets")
	assert.Contains(t, err.Error(), "vals")

	_, err = source.NewDir(dir).Open(ctx, decoder.InputValues)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

func TestRequire_NilSource(t *testing.T) {
	err := source.Require(testutil.TestContext(t), nil)
	assert.True(t, errors.IsType(err, errors.ErrorTypePrecondition))
}

func TestMemory(t *testing.T) {
	ctx := testutil.TestContext(t)
	m := source.NewMemory()
	m.Set(decoder.InputIDs, []byte(`["", "A"]`))

	for i := 0; i < 2; i++ {
		r, err := m.Open(ctx, decoder.InputIDs)
		require.NoError(t, err)
		data, err := io.ReadAll(r)
		require.NoError(t, err)
		assert.Equal(t, `["", "A"]`, string(data))
	}
	assert.Equal(t, 2, m.Opens(decoder.InputIDs))

	_, err := m.Stat(ctx, decoder.InputAttributes)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))

	m.Delete(decoder.InputIDs)
	_, err = m.Open(ctx, decoder.InputIDs)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

func TestParse(t *testing.T) {
	ctx := testutil.TestContext(t)
	cfg := config.Default().Source

	src, err := source.Parse(ctx, "/data/model", cfg)
	require.NoError(t, err)
	assert.Equal(t, &source.Dir{Path: "/data/model"}, src)

	src, err = source.Parse(ctx, "file:///data/model", cfg)
	require.NoError(t, err)
	assert.IsType(t, &source.Dir{}, src)

	src, err = source.Parse(ctx, "https://example.com/models/1", cfg)
	require.NoError(t, err)
	assert.IsType(t, &source.HTTP{}, src)

	_, err = source.Parse(ctx, "ftp://example.com/x", cfg)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	_, err = source.Parse(ctx, "minio://bucket/prefix", cfg)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig), "minio needs an endpoint")

	_, err = source.Parse(ctx, "", cfg)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestScheme(t *testing.T) {
	for location, want := range map[string]string{
		"/data/model":          "file",
		"models/1":             "file",
		`C:\models\1`:          "file",
		"file:///data/model":   "file",
		"S3://bucket/prefix":   "s3",
		"gs://bucket/prefix":   "gs",
		"http://10.0.0.1/x":    "http",
		"https://example.com/": "https",
	} {
		assert.Equal(t, want, source.Scheme(location), location)
	}
}

func newFileServer(t *testing.T, fx *testutil.Fixture, wantAuth string) *httptest.Server {
	t.Helper()
	files := map[string][]byte{}
	for _, in := range decoder.Inputs {
		files["/models/1/"+source.FileName(in)] = fx.Encode(t, in)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if wantAuth != "" && r.Header.Get("Authorization") != wantAuth {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		data, ok := files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/gzip")
		_, _ = w.Write(data)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTP_BearerToken(t *testing.T) {
	ctx := testutil.TestContext(t)
	fx := testutil.Scenario()
	srv := newFileServer(t, fx, "Bearer secret")

	cfg := config.Default().Source
	cfg.BearerToken = "secret"
	src, err := source.NewHTTP(ctx, srv.URL+"/models/1", cfg)
	require.NoError(t, err)

	require.NoError(t, source.Require(ctx, src))
	r, err := src.Open(ctx, decoder.InputAttributes)
	require.NoError(t, err)
	defer r.Close()
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, fx.Encode(t, decoder.InputAttributes), got)
}

func TestHTTP_Errors(t *testing.T) {
	ctx := testutil.TestContext(t)
	srv := newFileServer(t, testutil.Scenario(), "Bearer secret")

	// no credentials
	src, err := source.NewHTTP(ctx, srv.URL+"/models/1/", config.Default().Source)
	require.NoError(t, err)
	_, err = src.Open(ctx, decoder.InputIDs)
	assert.True(t, errors.IsType(err, errors.ErrorTypeFetch))
	assert.Contains(t, err.Error(), "401")

	cfg := config.Default().Source
	cfg.BearerToken = "secret"
	src, err = source.NewHTTP(ctx, srv.URL+"/models/2", cfg)
	require.NoError(t, err)
	err = source.Require(ctx, src)
	assert.True(t, errors.IsType(err, errors.ErrorTypePrecondition))
}

func TestHTTP_ClientCredentials(t *testing.T) {
	ctx := testutil.TestContext(t)
	fx := testutil.Scenario()
	files := newFileServer(t, fx, "Bearer issued-token")

	var tokenRequests atomic.Int32
	auth := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenRequests.Add(1)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"access_token":"issued-token","token_type":"bearer","expires_in":3600}`)
	}))
	t.Cleanup(auth.Close)

	cfg := config.Default().Source
	cfg.ClientID = "id"
	cfg.ClientSecret = "secret"
	cfg.TokenURL = auth.URL + "/token"
	cfg.Scopes = []string{"data:read"}
	src, err := source.NewHTTP(ctx, files.URL+"/models/1", cfg)
	require.NoError(t, err)

	mem, err := source.Prefetch(ctx, src, testutil.TestLogger(t))
	require.NoError(t, err)
	for _, in := range decoder.Inputs {
		size, err := mem.Stat(ctx, in)
		require.NoError(t, err)
		assert.Equal(t, int64(len(fx.Encode(t, in))), size, string(in))
	}
	assert.Equal(t, int32(1), tokenRequests.Load(), "token is cached across requests")
}

func TestPrefetch_FailsOnMissingInput(t *testing.T) {
	ctx := testutil.TestContext(t)
	dir := source.NewDir(t.TempDir())
	_, err := source.Prefetch(ctx, dir, nil)
	require.Error(t, err)
	assert.True(t, errors.HasType(err, errors.ErrorTypeNotFound))
	assert.Contains(t, err.Error(), "not found")
}

func TestPrefetch_MemoryIsReturnedAsIs(t *testing.T) {
	m := testutil.Scenario().Source(t)
	got, err := source.Prefetch(testutil.TestContext(t), m, nil)
	require.NoError(t, err)
	assert.Same(t, m, got)
}
