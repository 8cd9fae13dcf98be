// Package pipeline orchestrates one conversion of a property database into
// a finished store.
//
// # Overview
//
// A conversion runs these steps in order, each in its own trace span:
//
//	precondition  all five inputs exist
//	decode        build a decoder for the configured strategy
//	verify        validate structure and every reference (optional)
//	load          create tables, bulk load, add view and indices
//	publish       stamp the schema version and move the file into place
//
// The store is written to <output>.partial and renamed over <output> only
// after it is complete, so a reader never opens an unfinished store. On any
// failure the partial file is removed and a typed error is returned.
//
// # Basic Usage
//
//	conv := pipeline.NewConverter(config.Default(), logger)
//	res, err := conv.Convert(ctx, source.NewDir("./model"), "./model.sqlite")
package pipeline

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/propdb/pkg/config"
	"github.com/ajitpratap0/propdb/pkg/decoder"
	"github.com/ajitpratap0/propdb/pkg/errors"
	"github.com/ajitpratap0/propdb/pkg/loader"
	"github.com/ajitpratap0/propdb/pkg/metrics"
	"github.com/ajitpratap0/propdb/pkg/observability"
	"github.com/ajitpratap0/propdb/pkg/source"
	"github.com/ajitpratap0/propdb/pkg/store"
)

// PartialSuffix marks a store that is still being written.
const PartialSuffix = ".partial"

// Converter turns sources into stores. It holds no per-conversion state and
// may run several conversions to different outputs concurrently.
type Converter struct {
	cfg       *config.Config
	logger    *zap.Logger
	observers []loader.Observer
}

// Result describes a finished conversion.
type Result struct {
	Output   string
	Strategy string
	// Counts is the outcome of the verification pass; zero when skipped
	Counts   decoder.Counts
	Stats    loader.Stats
	Duration time.Duration
}

// NewConverter creates a converter. Extra observers receive the loader's
// notifications in addition to logging and metrics.
func NewConverter(cfg *config.Config, logger *zap.Logger, observers ...loader.Observer) *Converter {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Converter{cfg: cfg, logger: logger, observers: observers}
}

// With returns a converter that also notifies observers.
func (c *Converter) With(observers ...loader.Observer) *Converter {
	all := append(append([]loader.Observer(nil), c.observers...), observers...)
	return &Converter{cfg: c.cfg, logger: c.logger, observers: all}
}

// Convert builds the store at output from src.
func (c *Converter) Convert(ctx context.Context, src decoder.Source, output string) (res Result, err error) {
	timer := metrics.NewTimer("convert")
	log := c.logger.With(zap.String("store", output))

	ctx, span := observability.StartSpan(ctx, timer.Name())
	span.SetAttribute("output", output)
	defer func() {
		span.End(err)
		if err != nil {
			metrics.ConversionsTotal.WithLabelValues("failed").Inc()
			log.Error("conversion failed",
				zap.String("error_type", string(errors.TypeOf(err))),
				zap.Error(err))
			return
		}
		metrics.ConversionsTotal.WithLabelValues("complete").Inc()
		metrics.ConversionDuration.Observe(res.Duration.Seconds())
		log.Info("conversion complete",
			zap.String("strategy", res.Strategy),
			zap.Int64("entities", res.Stats.Entities),
			zap.Int64("associations", res.Stats.Associations),
			zap.Duration("duration", res.Duration))
	}()

	res.Output = output
	if output == "" {
		return res, errors.New(errors.ErrorTypeConfig, "no output path")
	}

	if err = step(ctx, "convert.precondition", func(ctx context.Context) error {
		return source.Require(ctx, src)
	}); err != nil {
		return res, err
	}

	if c.cfg.Source.Prefetch && remote(src) {
		if err = step(ctx, "convert.fetch", func(ctx context.Context) error {
			mem, err := source.Prefetch(ctx, src, log)
			if err == nil {
				src = mem
			}
			return err
		}); err != nil {
			return res, err
		}
	}

	var dec decoder.Decoder
	if err = step(ctx, "convert.decode", func(ctx context.Context) error {
		var err error
		dec, err = decoder.New(ctx, src, decoder.Options{
			Strategy:        c.cfg.Decode.Strategy,
			MemoryFraction:  c.cfg.Decode.MemoryFraction,
			ExpansionFactor: c.cfg.Decode.ExpansionFactor,
			PageSize:        c.cfg.Decode.PageSize,
			Logger:          log,
		})
		return err
	}); err != nil {
		return res, err
	}
	res.Strategy = dec.Strategy()

	if c.cfg.Decode.Verify {
		if err = step(ctx, "convert.verify", func(ctx context.Context) error {
			var err error
			res.Counts, err = dec.Verify(ctx)
			return err
		}); err != nil {
			return res, err
		}
		log.Info("input verified",
			zap.Int64("entities", res.Counts.Entities),
			zap.Int64("attributes", res.Counts.Attributes),
			zap.Int64("values", res.Counts.Values),
			zap.Int64("associations", res.Counts.Associations))
	}

	partial := output + PartialSuffix
	loadCtx, loadSpan := observability.StartSpan(ctx, "convert.load")
	res.Stats, err = c.load(loadCtx, dec, partial, log, observability.PhaseEvents{Span: loadSpan})
	loadSpan.End(err)
	if err != nil {
		_ = os.Remove(partial)
		return res, err
	}

	if err = os.Rename(partial, output); err != nil {
		_ = os.Remove(partial)
		return res, errors.Wrap(err, errors.ErrorTypeLoad, "failed to publish store").WithDetail("path", output)
	}

	res.Duration = timer.Stop()
	return res, nil
}

// load writes and finalizes the store at path.
func (c *Converter) load(ctx context.Context, dec decoder.Decoder, path string, log *zap.Logger, events loader.Observer) (loader.Stats, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return loader.Stats{}, errors.Wrap(err, errors.ErrorTypeLoad, "failed to create output directory")
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return loader.Stats{}, errors.Wrap(err, errors.ErrorTypeLoad, "failed to remove stale partial store")
	}

	db, err := store.OpenWritable(ctx, path)
	if err != nil {
		return loader.Stats{}, err
	}
	stats, err := c.fill(ctx, db, dec, log, events)
	if cerr := db.Close(); err == nil && cerr != nil {
		err = errors.Wrap(cerr, errors.ErrorTypeLoad, "failed to close store")
	}
	return stats, err
}

func (c *Converter) fill(ctx context.Context, db *sql.DB, dec decoder.Decoder, log *zap.Logger, events loader.Observer) (loader.Stats, error) {
	if err := store.ApplyDurability(ctx, db, c.cfg.Load.Durability); err != nil {
		return loader.Stats{}, err
	}
	if err := store.CreateTables(ctx, db); err != nil {
		return loader.Stats{}, err
	}

	observers := append(loader.Multi{loader.ZapObserver{Logger: log}, events}, c.observers...)
	if c.cfg.Metrics.Enabled {
		observers = append(observers, metrics.NewLoadObserver())
	}
	stats, err := loader.New(db, loader.Options{
		PageSize:  c.cfg.Load.PageSize,
		MaxParams: c.cfg.Load.MaxParams,
	}, observers).Load(ctx, dec)
	if err != nil {
		return stats, err
	}

	if err := step(ctx, "convert.finalize", func(ctx context.Context) error {
		return store.Finalize(ctx, db)
	}); err != nil {
		return stats, err
	}
	if c.cfg.Load.RestoreDurability {
		if err := store.RestoreDurability(ctx, db); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

// step runs fn inside a child span.
func step(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := observability.StartSpan(ctx, name)
	err := fn(ctx)
	span.End(err)
	return err
}

// remote reports whether src fetches over the network.
func remote(src decoder.Source) bool {
	switch src.(type) {
	case *source.Dir, *source.Memory:
		return false
	default:
		return true
	}
}
