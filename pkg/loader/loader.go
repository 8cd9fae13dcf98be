// Package loader drains a decoder into the four storage tables with
// multi-row inserts bounded by a page size and the engine's limit on bound
// parameters.
package loader

import (
	"context"
	"database/sql"
	"iter"
	"time"

	"github.com/ajitpratap0/propdb/pkg/decoder"
	"github.com/ajitpratap0/propdb/pkg/errors"
	"github.com/ajitpratap0/propdb/pkg/store"
)

const (
	DefaultPageSize = 1000
	// DefaultMaxParams is SQLite's default SQLITE_MAX_VARIABLE_NUMBER.
	DefaultMaxParams = 32766
)

// Options configures a Loader.
type Options struct {
	// PageSize is the number of dictionary rows requested per page
	PageSize int
	// MaxParams bounds the bound parameters of one statement
	MaxParams int
}

// Stats counts the rows written per table.
type Stats struct {
	Entities     int64
	Attributes   int64
	Values       int64
	Associations int64
	Duration     time.Duration
}

// Loader writes one decoded property database into a store whose tables
// already exist. A Loader must not be shared between concurrent loads.
type Loader struct {
	db   *sql.DB
	opts Options
	obs  Observer
}

// New returns a loader writing to db.
func New(db *sql.DB, opts Options, obs Observer) *Loader {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.MaxParams <= 0 {
		opts.MaxParams = DefaultMaxParams
	}
	if obs == nil {
		obs = NopObserver{}
	}
	return &Loader{db: db, opts: opts, obs: obs}
}

// Load runs the phases entities, attributes, values and associations in
// that order, each in its own transaction. Any failure aborts the load; the
// store must then be discarded.
func (l *Loader) Load(ctx context.Context, dec decoder.Decoder) (Stats, error) {
	start := time.Now()
	var stats Stats
	var err error

	l.obs.DecodeStarted(dec.Strategy())

	stats.Entities, err = loadDictionary(ctx, l, store.Entities, dec.IDs(ctx, l.opts.PageSize),
		func(args []interface{}, id int64, externalID interface{}) []interface{} {
			return append(args, id, externalID, nil)
		})
	if err != nil {
		return stats, err
	}

	stats.Attributes, err = loadDictionary(ctx, l, store.Attributes, dec.Attributes(ctx, l.opts.PageSize),
		func(args []interface{}, id int64, a decoder.Attribute) []interface{} {
			return append(args, id, a.Name, a.Category, a.DataType, nullIfEmpty(a.DataTypeContext),
				nullIfEmpty(a.Description), nullIfEmpty(a.DisplayName), a.Flags, a.DisplayPrecision)
		})
	if err != nil {
		return stats, err
	}

	stats.Values, err = loadDictionary(ctx, l, store.Values, dec.Values(ctx, l.opts.PageSize),
		func(args []interface{}, id int64, v interface{}) []interface{} {
			return append(args, id, v)
		})
	if err != nil {
		return stats, err
	}

	counts := decoder.Counts{Entities: stats.Entities, Attributes: stats.Attributes, Values: stats.Values}
	stats.Associations, err = l.loadAssociations(ctx, dec, counts)
	if err != nil {
		return stats, err
	}

	stats.Duration = time.Since(start)
	return stats, nil
}

// rowsPerStatement is the largest row count of one INSERT into t that stays
// within both the page size and the parameter limit.
func (l *Loader) rowsPerStatement(t store.Table, want int) int {
	n := l.opts.MaxParams / len(t.Columns)
	if want < n {
		n = want
	}
	if n < 1 {
		n = 1
	}
	return n
}

// phase is one table's transaction plus a prepared statement for the common
// statement size.
type phase struct {
	l       *Loader
	table   store.Table
	tx      *sql.Tx
	full    *sql.Stmt
	fullLen int
	start   time.Time
}

func (l *Loader) begin(ctx context.Context, t store.Table, fullRows int) (*phase, error) {
	l.obs.PhaseStarted(t.Name)
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, loadError(ctx, err, t, "failed to begin transaction")
	}
	stmt, err := tx.PrepareContext(ctx, t.InsertSQL(fullRows))
	if err != nil {
		_ = tx.Rollback()
		return nil, loadError(ctx, err, t, "failed to prepare insert")
	}
	return &phase{l: l, table: t, tx: tx, full: stmt, fullLen: fullRows, start: time.Now()}, nil
}

// insert writes rows rows whose flattened column values are args.
func (p *phase) insert(ctx context.Context, rows int, args []interface{}) error {
	var err error
	if rows == p.fullLen {
		_, err = p.full.ExecContext(ctx, args...)
	} else {
		_, err = p.tx.ExecContext(ctx, p.table.InsertSQL(rows), args...)
	}
	if err != nil {
		return loadError(ctx, err, p.table, "batch insert failed").WithDetail("rows", rows)
	}
	return nil
}

func (p *phase) commit(ctx context.Context, rows int64) error {
	p.full.Close()
	if err := p.tx.Commit(); err != nil {
		return loadError(ctx, err, p.table, "failed to commit")
	}
	p.l.obs.PhaseCompleted(p.table.Name, rows, time.Since(p.start))
	return nil
}

func (p *phase) abort() {
	p.full.Close()
	_ = p.tx.Rollback()
}

// loadDictionary inserts every page of seq; ids are 1-based positions.
func loadDictionary[T any](ctx context.Context, l *Loader, t store.Table, seq iter.Seq2[[]T, error],
	row func(args []interface{}, id int64, item T) []interface{}) (int64, error) {
	per := l.rowsPerStatement(t, l.opts.PageSize)
	p, err := l.begin(ctx, t, per)
	if err != nil {
		return 0, err
	}

	var id int64
	args := make([]interface{}, 0, per*len(t.Columns))
	for page, err := range seq {
		if err != nil {
			p.abort()
			return id, err
		}
		batchStart := time.Now()
		for start := 0; start < len(page); start += per {
			if err := cancelled(ctx); err != nil {
				p.abort()
				return id, err
			}
			end := min(start+per, len(page))
			args = args[:0]
			for _, item := range page[start:end] {
				id++
				args = row(args, id, item)
			}
			if err := p.insert(ctx, end-start, args); err != nil {
				p.abort()
				return id, err
			}
		}
		l.obs.BatchCompleted(t.Name, len(page), time.Since(batchStart))
	}
	return id, p.commit(ctx, id)
}

// loadAssociations writes one statement per entity segment, split where the
// segment would exceed the parameter limit. Association ids are a running
// counter; entity, attribute and value ids are taken as given.
func (l *Loader) loadAssociations(ctx context.Context, dec decoder.Decoder, counts decoder.Counts) (int64, error) {
	t := store.Associations
	per := l.rowsPerStatement(t, l.opts.MaxParams)
	p, err := l.begin(ctx, t, per)
	if err != nil {
		return 0, err
	}

	var id int64
	var segments, batchRows int
	batchStart := time.Now()
	args := make([]interface{}, 0, per*len(t.Columns))
	for seg, err := range dec.Associations(ctx) {
		if err != nil {
			p.abort()
			return id, err
		}
		if err := seg.Check(counts); err != nil {
			p.abort()
			return id, err
		}
		for start := 0; start < seg.Len(); start += per {
			if err := cancelled(ctx); err != nil {
				p.abort()
				return id, err
			}
			end := min(start+per, seg.Len())
			args = args[:0]
			for i := start; i < end; i++ {
				attr, val := seg.Pair(i)
				id++
				args = append(args, id, seg.EntityID, attr, val)
			}
			if err := p.insert(ctx, end-start, args); err != nil {
				p.abort()
				return id, err
			}
			batchRows += end - start
		}
		segments++
		if segments%l.opts.PageSize == 0 {
			l.obs.BatchCompleted(t.Name, batchRows, time.Since(batchStart))
			batchRows, batchStart = 0, time.Now()
		}
	}
	if batchRows > 0 {
		l.obs.BatchCompleted(t.Name, batchRows, time.Since(batchStart))
	}
	return id, p.commit(ctx, id)
}

// nullIfEmpty stores absent text as NULL so COALESCE in the view falls back.
func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func cancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeCancelled, "load cancelled")
	}
	return nil
}

func loadError(ctx context.Context, err error, t store.Table, msg string) *errors.Error {
	if ctx.Err() != nil {
		return errors.Wrap(err, errors.ErrorTypeCancelled, "load cancelled").WithDetail("table", t.Name)
	}
	return errors.Wrap(err, errors.ErrorTypeLoad, msg).WithDetail("table", t.Name)
}
