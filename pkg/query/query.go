// Package query runs read-only SQL against a finished store.
package query

import (
	"bytes"
	"context"
	"database/sql"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/ajitpratap0/propdb/pkg/errors"
	"github.com/ajitpratap0/propdb/pkg/json"
	"github.com/ajitpratap0/propdb/pkg/metrics"
	"github.com/ajitpratap0/propdb/pkg/store"
)

// Gateway answers queries against one store. It is safe for concurrent use.
type Gateway struct {
	db     *sql.DB
	path   string
	logger *zap.Logger
}

// Open opens the store at path read-only. Stores that were never finalized,
// or carry another schema version, are refused with ErrorTypePrecondition.
func Open(ctx context.Context, path string, logger *zap.Logger) (*Gateway, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := store.OpenReadOnly(ctx, path)
	if err != nil {
		return nil, err
	}
	v, err := store.Version(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	if v != store.SchemaVersion {
		db.Close()
		return nil, errors.Newf(errors.ErrorTypePrecondition, "store is not ready: schema version %d, want %d", v, store.SchemaVersion).
			WithDetail("path", path)
	}
	return &Gateway{db: db, path: path, logger: logger.With(zap.String("store", path))}, nil
}

// Query runs q with args, or store.DefaultQuery when q is blank. Engine
// errors are returned with their message unchanged.
func (g *Gateway) Query(ctx context.Context, q string, args ...interface{}) ([]Row, error) {
	if strings.TrimSpace(q) == "" {
		q = store.DefaultQuery
	}
	rows, err := g.query(ctx, q, args...)
	if err != nil {
		metrics.QueriesTotal.WithLabelValues("error").Inc()
		g.logger.Debug("query failed", zap.String("query", q), zap.Error(err))
		return nil, err
	}
	metrics.QueriesTotal.WithLabelValues("success").Inc()
	return rows, nil
}

func (g *Gateway) query(ctx context.Context, q string, args ...interface{}) ([]Row, error) {
	rs, err := g.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Verbatim(err, errors.ErrorTypeQuery)
	}
	defer rs.Close()

	cols, err := rs.Columns()
	if err != nil {
		return nil, errors.Verbatim(err, errors.ErrorTypeQuery)
	}

	out := []Row{}
	for rs.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rs.Scan(ptrs...); err != nil {
			return nil, errors.Verbatim(err, errors.ErrorTypeQuery)
		}
		row := Row{Fields: make([]Field, len(cols))}
		for i, c := range cols {
			row.Fields[i] = Field{Name: c, Value: normalize(values[i])}
		}
		out = append(out, row)
	}
	if err := rs.Err(); err != nil {
		return nil, errors.Verbatim(err, errors.ErrorTypeQuery)
	}
	return out, nil
}

// normalize returns blobs holding valid UTF-8 as strings.
func normalize(v interface{}) interface{} {
	if b, ok := v.([]byte); ok {
		if utf8.Valid(b) {
			return string(b)
		}
		return bytes.Clone(b)
	}
	return v
}

// Path returns the store path.
func (g *Gateway) Path() string {
	return g.path
}

// Close closes the underlying connections.
func (g *Gateway) Close() error {
	return g.db.Close()
}

// Field is one named column of a row.
type Field struct {
	Name  string
	Value interface{}
}

// Row is a result row with fields in column order.
type Row struct {
	Fields []Field
}

// Get returns the value of the first field called name.
func (r Row) Get(name string) (interface{}, bool) {
	for _, f := range r.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

// Map returns the row as a map; later duplicate column names win.
func (r Row) Map() map[string]interface{} {
	m := make(map[string]interface{}, len(r.Fields))
	for _, f := range r.Fields {
		m[f.Name] = f.Value
	}
	return m
}

// MarshalJSON encodes the row as an object with keys in column order.
func (r Row) MarshalJSON() ([]byte, error) {
	buf := json.GetBuffer()
	defer json.PutBuffer(buf)

	buf.WriteByte('{')
	for i, f := range r.Fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(f.Name)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := json.Marshal(f.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return bytes.Clone(buf.Bytes()), nil
}
