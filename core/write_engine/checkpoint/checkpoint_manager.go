// Package checkpoint periodically persists dirty pages and partition metas so
// that the page store files hold a consistent state of every partition.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	flushmanager "github.com/sushant-115/gojopage/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojopage/core/write_engine/page_manager"
	partitionmeta "github.com/sushant-115/gojopage/core/write_engine/partition_meta"
	internaltelemetry "github.com/sushant-115/gojopage/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// DirtyPageSource is page memory as seen by the checkpointer.
type DirtyPageSource interface {
	BeginCheckpoint() ([]pagemanager.FullPageID, error)
	CheckpointPage(id pagemanager.FullPageID, buf []byte) (bool, error)
	FinishCheckpoint()
}

// BeforeCheckpointFunc runs before a checkpoint takes its write lock, e.g. to
// flush in-memory structures into pages. It may take the read lock.
type BeforeCheckpointFunc func(ctx context.Context) error

// Config tunes the checkpointer.
type Config struct {
	// Interval between automatic checkpoints. Zero disables the loop.
	Interval time.Duration `yaml:"interval"`
	// LockTimeout bounds how long a page modification waits for the checkpoint read lock.
	LockTimeout time.Duration `yaml:"lock_timeout"`
	// WriteThreads is the number of concurrent page writers.
	WriteThreads int `yaml:"write_threads"`
	// MaxWriteBytesPerSecond throttles page writes. Zero means unthrottled.
	MaxWriteBytesPerSecond int64 `yaml:"max_write_bytes_per_second"`
}

// Result describes a finished checkpoint.
type Result struct {
	ID           uuid.UUID
	Reason       string
	Pages        int
	Metas        int
	MergedDeltas int
	Duration     time.Duration
}

// Manager runs checkpoints over the registered page memories.
type Manager struct {
	cfg     Config
	store   *flushmanager.FilePageStoreManager
	metas   *partitionmeta.Manager
	lock    *TimeoutLock
	limiter *rate.Limiter
	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *internaltelemetry.PageMemoryMetrics

	current atomic.Pointer[uuid.UUID]
	last    atomic.Pointer[Result]

	// runMu serializes checkpoint passes.
	runMu     sync.Mutex
	sourcesMu sync.Mutex
	sources   []DirtyPageSource
	listeners []BeforeCheckpointFunc

	loopMu  sync.Mutex
	stopCh  chan struct{}
	loopWg  sync.WaitGroup
	stopped atomic.Bool
}

// NewManager creates a checkpointer writing to store.
func NewManager(cfg Config, store *flushmanager.FilePageStoreManager, metas *partitionmeta.Manager, logger *zap.Logger, metrics *internaltelemetry.PageMemoryMetrics) *Manager {
	if cfg.WriteThreads <= 0 {
		cfg.WriteThreads = 4
	}
	if metrics == nil {
		metrics = internaltelemetry.NoopPageMemoryMetrics()
	}
	limit, burst := rate.Inf, store.PageSize()
	if cfg.MaxWriteBytesPerSecond > 0 {
		limit = rate.Limit(cfg.MaxWriteBytesPerSecond)
		if int64(burst) < cfg.MaxWriteBytesPerSecond {
			burst = int(cfg.MaxWriteBytesPerSecond)
		}
	}
	m := &Manager{
		cfg:     cfg,
		store:   store,
		metas:   metas,
		lock:    NewTimeoutLock(cfg.LockTimeout),
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger.Named("checkpoint_manager"),
		tracer:  otel.Tracer("gojopage/checkpoint"),
		metrics: metrics,
	}
	id := partitionmeta.NoCheckpoint
	m.current.Store(&id)
	return m
}

// CheckpointTimeoutLock returns the lock page modifications must hold.
func (m *Manager) CheckpointTimeoutLock() *TimeoutLock { return m.lock }

// CurrentCheckpointID is the epoch modifications are tagged with. It changes
// only under the checkpoint write lock.
func (m *Manager) CurrentCheckpointID() uuid.UUID { return *m.current.Load() }

// LastResult returns the most recent successful checkpoint, if any.
func (m *Manager) LastResult() (Result, bool) {
	r := m.last.Load()
	if r == nil {
		return Result{}, false
	}
	return *r, true
}

func (m *Manager) RegisterPageMemory(src DirtyPageSource) {
	m.sourcesMu.Lock()
	defer m.sourcesMu.Unlock()
	m.sources = append(m.sources, src)
}

func (m *Manager) UnregisterPageMemory(src DirtyPageSource) {
	m.sourcesMu.Lock()
	defer m.sourcesMu.Unlock()
	for i, s := range m.sources {
		if s == src {
			m.sources = append(m.sources[:i], m.sources[i+1:]...)
			return
		}
	}
}

// AddBeforeCheckpointListener registers fn to run at the start of every pass.
func (m *Manager) AddBeforeCheckpointListener(fn BeforeCheckpointFunc) {
	m.sourcesMu.Lock()
	defer m.sourcesMu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// WritePageToDeltaFilePageStore persists a page evicted between checkpoints.
func (m *Manager) WritePageToDeltaFilePageStore(id pagemanager.FullPageID, buf []byte) error {
	return m.store.WriteDeltaPage(id, buf)
}

type sourcePages struct {
	src DirtyPageSource
	ids []pagemanager.FullPageID
}

// Checkpoint runs one checkpoint pass and returns its id. Concurrent calls
// run one after another.
func (m *Manager) Checkpoint(ctx context.Context, reason string) (uuid.UUID, error) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.stopped.Load() {
		return uuid.Nil, flushmanager.ErrCheckpointerStopped
	}

	start := time.Now()
	ctx, span := m.tracer.Start(ctx, "checkpoint", trace.WithAttributes(attribute.String("reason", reason)))
	defer span.End()

	// 1. Let owners of in-memory structures persist them into pages.
	m.sourcesMu.Lock()
	listeners := append([]BeforeCheckpointFunc(nil), m.listeners...)
	m.sourcesMu.Unlock()
	for _, fn := range listeners {
		if err := fn(ctx); err != nil {
			// Listener failures are logged; the pass still runs.
			m.logger.Warn("Before checkpoint listener failed", zap.Error(err))
		}
	}

	// 2. Switch ids and collect dirty pages under the write lock.
	id, begun, err := m.begin(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return uuid.Nil, err
	}
	span.SetAttributes(attribute.String("checkpoint.id", id.String()))
	defer func() {
		for _, sp := range begun {
			sp.src.FinishCheckpoint()
		}
	}()

	// 3. Write pages, then metas, then make both durable.
	res := Result{ID: id, Reason: reason}
	res.Pages, err = m.writePages(ctx, begun)
	if err == nil {
		res.Metas, err = m.writeMetas(id)
	}
	if err == nil {
		err = m.store.Sync()
	}
	// 4. Fold delta pages written by evictions into the main files.
	if err == nil {
		// Merging is best effort; the delta pages stay readable if it fails.
		n, mergeErr := m.store.MergeDeltaFiles(ctx, m.limiter)
		res.MergedDeltas = n
		if mergeErr != nil {
			m.logger.Warn("Failed to merge delta files", zap.Error(mergeErr))
		}
	}
	res.Duration = time.Since(start)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.logger.Error("Checkpoint failed", zap.Stringer("checkpointID", id), zap.String("reason", reason), zap.Error(err))
		return id, fmt.Errorf("checkpoint %s failed: %w", id, err)
	}

	// 5. Publish the outcome.
	m.last.Store(&res)
	attrs := metric.WithAttributes(attribute.String("reason", reason))
	m.metrics.CheckpointsCounter.Add(ctx, 1, attrs)
	m.metrics.CheckpointPagesCounter.Add(ctx, int64(res.Pages), attrs)
	m.metrics.CheckpointDurationHist.Record(ctx, res.Duration.Milliseconds(), attrs)
	span.SetAttributes(attribute.Int("checkpoint.pages", res.Pages))
	m.logger.Info("Checkpoint finished",
		zap.Stringer("checkpointID", id),
		zap.String("reason", reason),
		zap.Int("pages", res.Pages),
		zap.Int("metas", res.Metas),
		zap.Int("mergedDeltaPages", res.MergedDeltas),
		zap.Duration("duration", res.Duration))
	return id, nil
}

// BetweenCheckpoints runs fn while no checkpoint pass can write to the main
// page files.
func (m *Manager) BetweenCheckpoints(fn func() error) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.stopped.Load() {
		return flushmanager.ErrCheckpointerStopped
	}
	return fn()
}

// begin switches to a new checkpoint id and collects the dirty pages of every
// source while no page can be modified.
func (m *Manager) begin(ctx context.Context) (uuid.UUID, []sourcePages, error) {
	if err := m.lock.WriteLock(ctx); err != nil {
		return uuid.Nil, nil, fmt.Errorf("failed to take checkpoint write lock: %w", err)
	}
	defer m.lock.WriteUnlock()

	// Readers are drained; nothing changes until the unlock.
	m.sourcesMu.Lock()
	sources := append([]DirtyPageSource(nil), m.sources...)
	m.sourcesMu.Unlock()

	var begun []sourcePages
	for _, src := range sources {
		ids, err := src.BeginCheckpoint()
		if err != nil {
			for _, sp := range begun {
				sp.src.FinishCheckpoint()
			}
			return uuid.Nil, nil, fmt.Errorf("failed to collect dirty pages: %w", err)
		}
		begun = append(begun, sourcePages{src: src, ids: ids})
	}

	// Modifications from here on belong to the next checkpoint.
	id := uuid.New()
	m.current.Store(&id)
	return id, begun, nil
}

// writePages copies every collected page to the main files with bounded
// concurrency. Pages no longer pending are skipped.
func (m *Manager) writePages(ctx context.Context, begun []sourcePages) (int, error) {
	pageSize := m.store.PageSize()
	var written atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.WriteThreads)
	for _, sp := range begun {
		for _, id := range sp.ids {
			g.Go(func() error {
				if err := m.limiter.WaitN(gctx, pageSize); err != nil {
					return err
				}
				buf := make([]byte, pageSize)
				ok, err := sp.src.CheckpointPage(id, buf)
				if err != nil {
					return err
				}
				if !ok {
					return nil
				}
				if err := m.store.WritePage(id, buf); err != nil {
					return err
				}
				written.Add(1)
				return nil
			})
		}
	}
	err := g.Wait()
	return int(written.Load()), err
}

// writeMetas persists every partition meta as id sees it.
func (m *Manager) writeMetas(id uuid.UUID) (int, error) {
	var errs error
	n := 0
	for _, meta := range m.metas.Metas() {
		if _, err := m.metas.WriteMeta(meta, id); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		n++
	}
	return n, errs
}

// Start runs a checkpoint every Interval until Stop.
func (m *Manager) Start() {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if m.cfg.Interval <= 0 || m.stopCh != nil {
		return
	}
	m.stopCh = make(chan struct{})
	m.loopWg.Add(1)
	go m.run(m.stopCh)
	m.logger.Info("Checkpoint loop started", zap.Duration("interval", m.cfg.Interval))
}

func (m *Manager) run(stopCh chan struct{}) {
	defer m.loopWg.Done()
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stopCh
		cancel()
	}()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if _, err := m.Checkpoint(ctx, "timeout"); err != nil && !errors.Is(err, flushmanager.ErrCheckpointerStopped) {
				m.logger.Warn("Scheduled checkpoint failed", zap.Error(err))
			}
		}
	}
}

// Stop ends the checkpoint loop. With final set, one last checkpoint runs
// before the manager refuses further passes.
func (m *Manager) Stop(ctx context.Context, final bool) error {
	m.loopMu.Lock()
	if m.stopCh != nil {
		close(m.stopCh)
		m.stopCh = nil
	}
	m.loopMu.Unlock()
	m.loopWg.Wait()

	var err error
	if final && !m.stopped.Load() {
		_, err = m.Checkpoint(ctx, "shutdown")
	}
	m.stopped.Store(true)
	return err
}
