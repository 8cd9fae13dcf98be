// Package metrics provides Prometheus instrumentation for propdb. It defines
// the collectors for the bulk load, conversions and queries, and an observer
// that feeds the load collectors from the loader's notifications.
//
// # Basic Usage
//
//	// Count a finished conversion
//	metrics.ConversionsTotal.WithLabelValues("complete").Inc()
//
//	// Feed load metrics from a loader
//	l := loader.New(db, opts, metrics.NewLoadObserver())
//
//	// Time an operation
//	timer := metrics.NewTimer("convert")
//	convert()
//	metrics.ConversionDuration.Observe(timer.Stop().Seconds())
//
// All collectors register with the default registry through promauto and
// are exposed by promhttp.Handler().
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RowsInserted counts rows written to each storage table.
	// Labels: table
	RowsInserted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "propdb_rows_inserted_total",
			Help: "Total number of rows inserted into store tables",
		},
		[]string{"table"},
	)

	// BatchLatency tracks the time spent writing one batch.
	// Labels: table
	BatchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "propdb_batch_latency_seconds",
			Help: "Latency of one batched insert",
			Buckets: []float64{
				0.0001, // 100μs - tiny dictionary pages
				0.001,  // 1ms
				0.01,   // 10ms - typical 1000-row page
				0.1,    // 100ms
				1,      // 1s - large association batches
				10,
			},
		},
		[]string{"table"},
	)

	// Throughput reports the rows per second of the running phase.
	// Labels: table
	Throughput = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "propdb_throughput_rows_per_second",
			Help: "Rows per second of the most recent load phase",
		},
		[]string{"table"},
	)

	// ConversionsTotal counts conversions by outcome.
	// Labels: status (complete/failed)
	ConversionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "propdb_conversions_total",
			Help: "Total number of conversions by outcome",
		},
		[]string{"status"},
	)

	// ConversionDuration tracks end-to-end conversion time.
	ConversionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "propdb_conversion_duration_seconds",
			Help:    "Duration of complete conversions",
			Buckets: prometheus.ExponentialBuckets(0.1, 4, 10), // 100ms .. ~7h
		},
	)

	// QueriesTotal counts gateway queries by outcome.
	// Labels: status (success/error)
	QueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "propdb_queries_total",
			Help: "Total number of queries by outcome",
		},
		[]string{"status"},
	)
)

// Timer provides a simple timing mechanism for measuring operation durations.
type Timer struct {
	start time.Time
	name  string
}

// NewTimer creates a new timer and starts timing immediately.
func NewTimer(name string) *Timer {
	return &Timer{
		start: time.Now(),
		name:  name,
	}
}

// Stop returns the elapsed duration since creation. It may be called more
// than once.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}

// Name returns the timer's name.
func (t *Timer) Name() string {
	return t.name
}

// ThroughputTracker accumulates rows for one table and reports rows per
// second. Thread-safe for concurrent use.
type ThroughputTracker struct {
	mu        sync.Mutex
	count     int64     // Rows since last reset
	lastReset time.Time // Time of last reset
	table     string
}

// NewThroughputTracker creates a new throughput tracker for table.
func NewThroughputTracker(table string) *ThroughputTracker {
	return &ThroughputTracker{
		lastReset: time.Now(),
		table:     table,
	}
}

// Increment adds n to the row count.
func (t *ThroughputTracker) Increment(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.count += n
}

// GetAndReset calculates the current throughput, updates the gauge, resets
// the counter and returns the throughput.
func (t *ThroughputTracker) GetAndReset() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	elapsed := time.Since(t.lastReset).Seconds()
	if elapsed == 0 {
		return 0
	}

	throughput := float64(t.count) / elapsed

	t.count = 0
	t.lastReset = time.Now()

	Throughput.WithLabelValues(t.table).Set(throughput)

	return throughput
}

// LoadObserver records loader notifications in the load collectors. It
// satisfies loader.Observer.
type LoadObserver struct {
	mu       sync.Mutex
	trackers map[string]*ThroughputTracker
}

// NewLoadObserver returns an observer feeding the package collectors.
func NewLoadObserver() *LoadObserver {
	return &LoadObserver{trackers: make(map[string]*ThroughputTracker)}
}

func (o *LoadObserver) DecodeStarted(string) {}

func (o *LoadObserver) PhaseStarted(table string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.trackers[table] = NewThroughputTracker(table)
}

func (o *LoadObserver) BatchCompleted(table string, rows int, elapsed time.Duration) {
	RowsInserted.WithLabelValues(table).Add(float64(rows))
	BatchLatency.WithLabelValues(table).Observe(elapsed.Seconds())

	o.mu.Lock()
	tracker := o.trackers[table]
	o.mu.Unlock()
	if tracker != nil {
		tracker.Increment(int64(rows))
	}
}

func (o *LoadObserver) PhaseCompleted(table string, _ int64, _ time.Duration) {
	o.mu.Lock()
	tracker := o.trackers[table]
	delete(o.trackers, table)
	o.mu.Unlock()
	if tracker != nil {
		tracker.GetAndReset()
	}
}
