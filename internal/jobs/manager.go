package jobs

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/ajitpratap0/propdb/internal/pipeline"
	"github.com/ajitpratap0/propdb/pkg/config"
	"github.com/ajitpratap0/propdb/pkg/decoder"
	"github.com/ajitpratap0/propdb/pkg/errors"
	"github.com/ajitpratap0/propdb/pkg/loader"
	"github.com/ajitpratap0/propdb/pkg/query"
	"github.com/ajitpratap0/propdb/pkg/source"
)

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// Resolver turns a source location into a decoder source.
type Resolver func(ctx context.Context, location string) (decoder.Source, error)

// Options customises a Manager.
type Options struct {
	// Resolve defaults to source.Parse with the configured source settings
	Resolve Resolver
	// Observers receive loader notifications of every run
	Observers []loader.Observer
	// Now defaults to time.Now
	Now func() time.Time
}

// Manager runs at most one conversion per key and keeps its record.
type Manager struct {
	cfg     *config.Config
	dir     string
	logger  *zap.Logger
	conv    *pipeline.Converter
	resolve Resolver
	now     func() time.Time

	mu      sync.Mutex
	records map[string]*Record
	runs    map[string]*run

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	cron   *cron.Cron
}

type run struct {
	id   string
	done chan struct{}
}

// NewManager opens the cache directory and loads existing records. Runs
// that were pending or running when the process stopped are marked failed.
func NewManager(cfg *config.Config, logger *zap.Logger, opts Options) (*Manager, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	dir := cfg.Server.CacheDir
	if dir == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "no cache directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to create cache directory").WithDetail("dir", dir)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:     cfg,
		dir:     dir,
		logger:  logger.With(zap.String("component", "jobs")),
		resolve: opts.Resolve,
		now:     opts.Now,
		records: make(map[string]*Record),
		runs:    make(map[string]*run),
		ctx:     ctx,
		cancel:  cancel,
	}
	if m.resolve == nil {
		m.resolve = func(ctx context.Context, location string) (decoder.Source, error) {
			return source.Parse(ctx, location, cfg.Source)
		}
	}
	if m.now == nil {
		m.now = time.Now
	}
	m.conv = pipeline.NewConverter(cfg, m.logger, opts.Observers...)

	if err := m.loadRecords(); err != nil {
		cancel()
		return nil, err
	}
	return m, nil
}

func (m *Manager) loadRecords() error {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to list cache directory")
	}
	for _, e := range entries {
		if !e.IsDir() || !keyPattern.MatchString(e.Name()) {
			continue
		}
		r, err := readRecord(m.keyDir(e.Name()))
		if err != nil {
			if !os.IsNotExist(err) {
				m.logger.Warn("skipping unreadable job record", zap.String("key", e.Name()), zap.Error(err))
			}
			continue
		}
		if !r.Status.Finished() {
			r.Status = StatusFailed
			r.Error = &Failure{Type: errors.ErrorTypeCancelled, Message: "interrupted by restart"}
			r.log(m.now(), "interrupted by restart")
			if err := writeRecord(m.keyDir(r.Key), r); err != nil {
				return err
			}
		}
		m.records[r.Key] = r
	}
	m.logger.Info("job records loaded", zap.Int("count", len(m.records)))
	return nil
}

// Start schedules the retention sweep. It is a no-op when retention is zero.
func (m *Manager) Start() error {
	if m.cfg.Server.Retention <= 0 {
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(m.cfg.Server.PruneSchedule, func() {
		if _, err := m.Prune(); err != nil {
			m.logger.Error("prune failed", zap.Error(err))
		}
	}); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "invalid prune schedule").
			WithDetail("schedule", m.cfg.Server.PruneSchedule)
	}
	c.Start()
	m.mu.Lock()
	m.cron = c
	m.mu.Unlock()
	return nil
}

// Close stops the sweep, cancels running conversions and waits for them.
func (m *Manager) Close() error {
	m.mu.Lock()
	c := m.cron
	m.cron = nil
	m.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
	m.cancel()
	m.wg.Wait()
	return nil
}

// ValidKey reports whether key can name a store.
func ValidKey(key string) bool {
	return keyPattern.MatchString(key)
}

func (m *Manager) keyDir(key string) string {
	return filepath.Join(m.dir, key)
}

// StorePath is where the store for key lives once complete.
func (m *Manager) StorePath(key string) string {
	return filepath.Join(m.keyDir(key), storeFile)
}

// Submit starts converting location into the store for key and returns the
// new pending record. A key whose conversion is still running is refused
// with ErrorTypeConflict.
func (m *Manager) Submit(key, location string) (Record, error) {
	if !ValidKey(key) {
		return Record{}, errors.Newf(errors.ErrorTypeConfig, "invalid store key %q", key)
	}
	if location == "" {
		return Record{}, errors.New(errors.ErrorTypeConfig, "no source location")
	}
	if err := m.ctx.Err(); err != nil {
		return Record{}, errors.Wrap(err, errors.ErrorTypeCancelled, "manager is closed")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.runs[key]; ok {
		return Record{}, errors.New(errors.ErrorTypeConflict, "a conversion is already running for this key").
			WithDetail("key", key).WithDetail("id", r.id)
	}
	if err := os.MkdirAll(m.keyDir(key), 0o755); err != nil {
		return Record{}, errors.Wrap(err, errors.ErrorTypeInternal, "failed to create store directory")
	}

	now := m.now()
	rec := &Record{
		ID:        uuid.New().String(),
		Key:       key,
		Source:    location,
		Status:    StatusPending,
		CreatedAt: now,
	}
	rec.log(now, "submitted")
	if err := writeRecord(m.keyDir(key), rec); err != nil {
		return Record{}, err
	}
	m.records[key] = rec

	r := &run{id: rec.ID, done: make(chan struct{})}
	m.runs[key] = r
	m.wg.Add(1)
	go m.execute(key, location, r)

	return rec.clone(), nil
}

func (m *Manager) execute(key, location string, r *run) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		delete(m.runs, key)
		m.mu.Unlock()
		close(r.done)
	}()

	log := m.logger.With(zap.String("job_id", r.id), zap.String("key", key))
	m.update(key, r.id, func(rec *Record) {
		rec.Status = StatusRunning
		rec.log(m.now(), "running")
	})
	log.Info("conversion started", zap.String("source", location))

	err := m.convert(m.ctx, key, location, r.id)

	m.update(key, r.id, func(rec *Record) {
		if err != nil {
			rec.Status = StatusFailed
			rec.Error = &Failure{Type: errors.TypeOf(err), Message: err.Error()}
			rec.log(m.now(), "failed: "+err.Error())
			return
		}
		rec.Status = StatusComplete
		rec.log(m.now(), "complete")
	})
	if err != nil {
		log.Error("conversion failed", zap.Error(err))
	}
}

func (m *Manager) convert(ctx context.Context, key, location, id string) error {
	src, err := m.resolve(ctx, location)
	if err != nil {
		return err
	}
	defer source.Close(src)

	obs := &recordObserver{m: m, key: key, id: id}
	conv := m.conv.With(obs)
	_, err = conv.Convert(ctx, src, m.StorePath(key))
	return err
}

// update applies fn to the record of key if it still belongs to run id and
// persists it.
func (m *Manager) update(key, id string, fn func(*Record)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	if !ok || rec.ID != id {
		return
	}
	fn(rec)
	if err := writeRecord(m.keyDir(key), rec); err != nil {
		m.logger.Error("failed to persist job record", zap.String("key", key), zap.Error(err))
	}
}

// Status returns the record of key or an ErrorTypeNotFound error.
func (m *Manager) Status(key string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	if !ok {
		return Record{}, errors.New(errors.ErrorTypeNotFound, "no such store").WithDetail("key", key)
	}
	return rec.clone(), nil
}

// Wait blocks until the running conversion of key, if any, has finished and
// returns the record.
func (m *Manager) Wait(ctx context.Context, key string) (Record, error) {
	m.mu.Lock()
	r, ok := m.runs[key]
	m.mu.Unlock()
	if ok {
		select {
		case <-r.done:
		case <-ctx.Done():
			return Record{}, errors.Wrap(ctx.Err(), errors.ErrorTypeCancelled, "wait cancelled")
		}
	}
	return m.Status(key)
}

// Query runs q against the finished store of key. It is refused with
// ErrorTypeConflict while a conversion is running and ErrorTypePrecondition
// when the latest run did not complete.
func (m *Manager) Query(ctx context.Context, key, q string, args ...interface{}) ([]query.Row, error) {
	rec, err := m.Status(key)
	if err != nil {
		return nil, err
	}
	switch rec.Status {
	case StatusComplete:
	case StatusPending, StatusRunning:
		return nil, errors.New(errors.ErrorTypeConflict, "store is still loading").WithDetail("key", key)
	default:
		return nil, errors.Newf(errors.ErrorTypePrecondition, "store is not available: last run %s", rec.Status).
			WithDetail("key", key)
	}

	gw, err := query.Open(ctx, m.StorePath(key), m.logger)
	if err != nil {
		return nil, err
	}
	defer gw.Close()
	return gw.Query(ctx, q, args...)
}

// Prune deletes finished keys not updated within the retention period and
// returns how many were removed.
func (m *Manager) Prune() (int, error) {
	retention := m.cfg.Server.Retention
	if retention <= 0 {
		return 0, nil
	}
	cutoff := m.now().Add(-retention)

	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int
	for key, rec := range m.records {
		if _, running := m.runs[key]; running || !rec.Status.Finished() || rec.UpdatedAt.After(cutoff) {
			continue
		}
		if err := os.RemoveAll(m.keyDir(key)); err != nil {
			return removed, errors.Wrap(err, errors.ErrorTypeInternal, "failed to remove expired store").WithDetail("key", key)
		}
		delete(m.records, key)
		removed++
		m.logger.Info("expired store removed", zap.String("key", key), zap.Time("updated_at", rec.UpdatedAt))
	}
	return removed, nil
}
