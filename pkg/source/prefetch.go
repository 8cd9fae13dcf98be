package source

import (
	"context"
	"io"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/propdb/pkg/decoder"
)

// Prefetch downloads all five inputs of src concurrently and returns them as
// a Memory source. The first failure cancels the remaining downloads.
func Prefetch(ctx context.Context, src decoder.Source, log *zap.Logger) (*Memory, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if m, ok := src.(*Memory); ok {
		return m, nil
	}

	buffers := make([][]byte, len(decoder.Inputs))
	g, gctx := errgroup.WithContext(ctx)
	for i, in := range decoder.Inputs {
		g.Go(func() error {
			start := time.Now()
			r, err := src.Open(gctx, in)
			if err != nil {
				return asFetchError(err, in, "failed to open input")
			}
			defer r.Close()
			data, err := io.ReadAll(r)
			if err != nil {
				return asFetchError(err, in, "failed to read input")
			}
			buffers[i] = data
			log.Debug("input fetched",
				zap.String("input", string(in)),
				zap.Int("bytes", len(data)),
				zap.Duration("duration", time.Since(start)))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	m := NewMemory()
	for i, in := range decoder.Inputs {
		m.Set(in, buffers[i])
	}
	return m, nil
}
