package decoder

import (
	"context"
	"iter"

	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/ajitpratap0/propdb/pkg/errors"
)

// Strategies accepted by Options.Strategy.
const (
	StrategyMaterialize = "materialize"
	StrategyStream      = "stream"
	StrategyAuto        = "auto"
)

// Decoder exposes the five inputs as lazy sequences. A sequence yields a
// non-nil error at most once, as its last element.
type Decoder interface {
	// IDs yields pages of external ids; the first element is entity 1.
	IDs(ctx context.Context, pageSize int) iter.Seq2[[]interface{}, error]
	// Attributes yields pages of attribute definitions; the first is attribute 1.
	Attributes(ctx context.Context, pageSize int) iter.Seq2[[]Attribute, error]
	// Values yields pages of scalar values; the first is value 1.
	Values(ctx context.Context, pageSize int) iter.Seq2[[]interface{}, error]
	// Associations yields one segment per offsets entry, in entity order,
	// including entities without properties.
	Associations(ctx context.Context) iter.Seq2[Segment, error]
	// Verify checks structure and every invariant without side effects.
	Verify(ctx context.Context) (Counts, error)
	// Strategy names the decode strategy in use.
	Strategy() string
}

// Options configures New.
type Options struct {
	// Strategy is StrategyMaterialize (default), StrategyStream or StrategyAuto
	Strategy string
	// MemoryFraction of available memory StrategyAuto may spend materializing
	MemoryFraction float64
	// ExpansionFactor estimates decoded size from stored input size
	ExpansionFactor float64
	// PageSize is the page size Verify uses when streaming; defaults to 4096
	PageSize int
	Logger   *zap.Logger
}

const defaultVerifyPage = 4096

// availableMemory is replaced in tests.
var availableMemory = func() (uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.Available, nil
}

// New returns a decoder over src. With StrategyMaterialize every input is
// read, decompressed and validated before New returns, so a decode error
// surfaces here and no sequence is ever produced from bad input.
func New(ctx context.Context, src Source, opts Options) (Decoder, error) {
	if src == nil {
		return nil, errors.New(errors.ErrorTypePrecondition, "no input source")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	strategy := opts.Strategy
	if strategy == "" {
		strategy = StrategyMaterialize
	}
	if strategy == StrategyAuto {
		var err error
		if strategy, err = chooseStrategy(ctx, src, opts, log); err != nil {
			return nil, err
		}
	}

	switch strategy {
	case StrategyMaterialize:
		arrays, err := materialize(ctx, src)
		if err != nil {
			return nil, err
		}
		return FromArrays(arrays)
	case StrategyStream:
		pageSize := opts.PageSize
		if pageSize <= 0 {
			pageSize = defaultVerifyPage
		}
		return &streamDecoder{src: src, verifyPage: pageSize}, nil
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "unknown decode strategy %q", strategy)
	}
}

// chooseStrategy streams when the estimated decoded size of all inputs
// would not fit in the allowed share of available memory.
func chooseStrategy(ctx context.Context, src Source, opts Options, log *zap.Logger) (string, error) {
	var total int64
	for _, in := range Inputs {
		size, err := src.Stat(ctx, in)
		if err != nil {
			return "", err
		}
		total += size
	}

	fraction := opts.MemoryFraction
	if fraction <= 0 {
		fraction = 0.5
	}
	expansion := opts.ExpansionFactor
	if expansion < 1 {
		expansion = 1
	}

	avail, err := availableMemory()
	if err != nil {
		log.Warn("cannot read available memory, streaming", zap.Error(err))
		return StrategyStream, nil
	}

	estimate := float64(total) * expansion
	budget := float64(avail) * fraction
	strategy := StrategyMaterialize
	if estimate > budget {
		strategy = StrategyStream
	}
	log.Info("decode strategy selected",
		zap.String("strategy", strategy),
		zap.Int64("input_bytes", total),
		zap.Float64("estimated_bytes", estimate),
		zap.Float64("budget_bytes", budget))
	return strategy, nil
}

// pageError yields err once as the only element of a sequence.
func pageError[T any](err error) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		yield(zero, err)
	}
}

func checkPageSize(pageSize int) error {
	if pageSize < 1 {
		return errors.Newf(errors.ErrorTypeConfig, "page size must be positive, got %d", pageSize)
	}
	return nil
}

func cancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeCancelled, "decode cancelled")
	}
	return nil
}
