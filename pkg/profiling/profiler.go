// Package profiling captures CPU, heap and execution-trace profiles around a
// conversion and samples heap usage while it runs.
package profiling

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/propdb/pkg/errors"
)

// ProfileType names one profile the profiler can collect.
type ProfileType string

const (
	CPUProfile    ProfileType = "cpu"
	MemoryProfile ProfileType = "memory"
	TraceProfile  ProfileType = "trace"
)

// Config controls what is collected and where it is written.
type Config struct {
	Types     []ProfileType
	OutputDir string
	// SampleInterval is how often heap usage is sampled; zero disables it
	SampleInterval time.Duration
}

// DefaultConfig collects CPU and heap profiles into dir.
func DefaultConfig(dir string) Config {
	return Config{
		Types:          []ProfileType{CPUProfile, MemoryProfile},
		OutputDir:      dir,
		SampleInterval: 100 * time.Millisecond,
	}
}

// RuntimeStats summarises heap usage seen while profiling.
type RuntimeStats struct {
	PeakHeapBytes  uint64
	TotalAllocated uint64
	NumGC          uint32
	Samples        int
}

// Profiler collects the configured profiles between Start and Stop.
type Profiler struct {
	cfg    Config
	logger *zap.Logger
	stamp  string

	cpuFile   *os.File
	traceFile *os.File

	stop chan struct{}
	wg   sync.WaitGroup

	mu    sync.Mutex
	stats RuntimeStats
}

// New creates a profiler. Nothing is collected until Start.
func New(cfg Config, logger *zap.Logger) *Profiler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Profiler{cfg: cfg, logger: logger, stop: make(chan struct{})}
}

func (p *Profiler) has(t ProfileType) bool {
	for _, c := range p.cfg.Types {
		if c == t {
			return true
		}
	}
	return false
}

func (p *Profiler) path(kind, ext string) string {
	return filepath.Join(p.cfg.OutputDir, fmt.Sprintf("%s_%s.%s", kind, p.stamp, ext))
}

// Start creates the output directory and begins CPU profiling, tracing and
// heap sampling as configured.
func (p *Profiler) Start(ctx context.Context) error {
	if err := os.MkdirAll(p.cfg.OutputDir, 0o755); err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to create profile directory")
	}
	p.stamp = time.Now().Format("20060102_150405")

	if p.has(CPUProfile) {
		f, err := os.Create(p.path("cpu", "prof"))
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeInternal, "failed to create CPU profile file")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			_ = f.Close()
			return errors.Wrap(err, errors.ErrorTypeInternal, "failed to start CPU profiling")
		}
		p.cpuFile = f
	}
	if p.has(TraceProfile) {
		f, err := os.Create(p.path("trace", "out"))
		if err != nil {
			p.stopCPU()
			return errors.Wrap(err, errors.ErrorTypeInternal, "failed to create trace file")
		}
		if err := trace.Start(f); err != nil {
			_ = f.Close()
			p.stopCPU()
			return errors.Wrap(err, errors.ErrorTypeInternal, "failed to start tracing")
		}
		p.traceFile = f
	}
	if p.cfg.SampleInterval > 0 {
		p.wg.Add(1)
		go p.sample(ctx)
	}

	p.logger.Info("profiling started",
		zap.String("output_dir", p.cfg.OutputDir),
		zap.Any("types", p.cfg.Types))
	return nil
}

func (p *Profiler) stopCPU() {
	if p.cpuFile == nil {
		return
	}
	pprof.StopCPUProfile()
	_ = p.cpuFile.Close()
	p.logger.Info("CPU profile saved", zap.String("file", p.cpuFile.Name()))
	p.cpuFile = nil
}

// Stop ends collection, writes the heap profile and returns the sampled
// runtime statistics.
func (p *Profiler) Stop() (RuntimeStats, error) {
	close(p.stop)
	p.wg.Wait()

	p.stopCPU()
	if p.traceFile != nil {
		trace.Stop()
		_ = p.traceFile.Close()
		p.logger.Info("trace saved", zap.String("file", p.traceFile.Name()))
		p.traceFile = nil
	}

	var err error
	if p.has(MemoryProfile) {
		err = p.writeHeap()
	}

	stats := p.Stats()
	p.logger.Info("profiling completed",
		zap.Uint64("peak_heap_bytes", stats.PeakHeapBytes),
		zap.Uint64("total_allocated_bytes", stats.TotalAllocated),
		zap.Uint32("gc_runs", stats.NumGC))
	return stats, err
}

func (p *Profiler) writeHeap() error {
	f, err := os.Create(p.path("memory", "prof"))
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to create memory profile file")
	}
	defer f.Close()

	runtime.GC()
	if err := pprof.WriteHeapProfile(f); err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to write memory profile")
	}
	p.logger.Info("memory profile saved", zap.String("file", f.Name()))
	return nil
}

// Stats returns the heap statistics sampled so far.
func (p *Profiler) Stats() RuntimeStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func (p *Profiler) sample(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.SampleInterval)
	defer ticker.Stop()

	var ms runtime.MemStats
	record := func() {
		runtime.ReadMemStats(&ms)
		p.mu.Lock()
		p.stats.PeakHeapBytes = max(p.stats.PeakHeapBytes, ms.HeapAlloc)
		p.stats.TotalAllocated = ms.TotalAlloc
		p.stats.NumGC = ms.NumGC
		p.stats.Samples++
		p.mu.Unlock()
	}

	record()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			record()
			return
		case <-ticker.C:
			record()
		}
	}
}

// Run profiles fn and returns its error. A profiling failure is logged and
// does not mask fn's result.
func Run(ctx context.Context, cfg Config, logger *zap.Logger, fn func(context.Context) error) (RuntimeStats, error) {
	p := New(cfg, logger)
	if err := p.Start(ctx); err != nil {
		return RuntimeStats{}, err
	}
	runErr := fn(ctx)
	stats, err := p.Stop()
	if err != nil {
		p.logger.Error("failed to finish profiling", zap.Error(err))
	}
	return stats, runErr
}
