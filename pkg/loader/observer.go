package loader

import (
	"time"

	"go.uber.org/zap"
)

// Observer is notified at the defined points of a load. Implementations
// must be cheap; they run on the loading goroutine.
type Observer interface {
	// DecodeStarted is called once, before the first phase.
	DecodeStarted(strategy string)
	// PhaseStarted is called when loading into table begins.
	PhaseStarted(table string)
	// BatchCompleted is called after rows were written to table.
	BatchCompleted(table string, rows int, elapsed time.Duration)
	// PhaseCompleted is called after the phase for table committed.
	PhaseCompleted(table string, rows int64, elapsed time.Duration)
}

// NopObserver ignores every notification.
type NopObserver struct{}

func (NopObserver) DecodeStarted(string) {}
func (NopObserver) PhaseStarted(string) {}
func (NopObserver) BatchCompleted(string, int, time.Duration) {}
func (NopObserver) PhaseCompleted(string, int64, time.Duration) {}

// ZapObserver logs phases at info and batches at debug.
type ZapObserver struct {
	Logger *zap.Logger
}

func (o ZapObserver) DecodeStarted(strategy string) {
	o.Logger.Info("decode started", zap.String("strategy", strategy))
}

func (o ZapObserver) PhaseStarted(table string) {
	o.Logger.Info("load phase started", zap.String("table", table))
}

func (o ZapObserver) BatchCompleted(table string, rows int, elapsed time.Duration) {
	o.Logger.Debug("batch inserted",
		zap.String("table", table),
		zap.Int("rows", rows),
		zap.Duration("elapsed", elapsed))
}

func (o ZapObserver) PhaseCompleted(table string, rows int64, elapsed time.Duration) {
	o.Logger.Info("load phase completed",
		zap.String("table", table),
		zap.Int64("rows", rows),
		zap.Duration("elapsed", elapsed))
}

// Multi fans notifications out to every observer in order.
type Multi []Observer

func (m Multi) DecodeStarted(strategy string) {
	for _, o := range m {
		o.DecodeStarted(strategy)
	}
}

func (m Multi) PhaseStarted(table string) {
	for _, o := range m {
		o.PhaseStarted(table)
	}
}

func (m Multi) BatchCompleted(table string, rows int, elapsed time.Duration) {
	for _, o := range m {
		o.BatchCompleted(table, rows, elapsed)
	}
}

func (m Multi) PhaseCompleted(table string, rows int64, elapsed time.Duration) {
	for _, o := range m {
		o.PhaseCompleted(table, rows, elapsed)
	}
}
