// Package dataregion sizes and owns the page memory of one data region and
// exposes the collaborators the storage engine works with.
package dataregion

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/sushant-115/gojopage/core/write_engine/checkpoint"
	flushmanager "github.com/sushant-115/gojopage/core/write_engine/flush_manager"
	pagememory "github.com/sushant-115/gojopage/core/write_engine/page_memory"
	partitionmeta "github.com/sushant-115/gojopage/core/write_engine/partition_meta"
	internaltelemetry "github.com/sushant-115/gojopage/internal/telemetry"
	"go.uber.org/zap"
)

const (
	MiB int64 = 1 << 20
	GiB int64 = 1 << 30

	minSegmentSize = MiB
)

// Config describes a data region.
type Config struct {
	Name string `yaml:"name"`
	// Size is the total page memory size in bytes.
	Size     int64 `yaml:"size"`
	PageSize int   `yaml:"page_size"`
	// ConcurrencyLevel is the number of segments; zero or less means one per CPU.
	ConcurrencyLevel int `yaml:"concurrency_level"`
}

// State is the lifecycle state of a region. Stopped is terminal.
type State int32

const (
	StateUnstarted State = iota
	StateStarted
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUnstarted:
		return "unstarted"
	case StateStarted:
		return "started"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// CalculateSegmentSizes splits size into concurrency equal segments of at
// least 1 MiB each, so the sum may exceed size on small regions.
func CalculateSegmentSizes(size int64, concurrency int) []int64 {
	if concurrency <= 0 {
		panic(fmt.Sprintf("concurrency level must be positive: %d", concurrency))
	}
	segSize := max(size/int64(concurrency), minSegmentSize)
	sizes := make([]int64, concurrency)
	for i := range sizes {
		sizes[i] = segSize
	}
	return sizes
}

// CalculateCheckpointBufferSize returns the copy-on-write buffer size for a
// region of the given size.
func CalculateCheckpointBufferSize(size int64) int64 {
	switch {
	case size < GiB:
		return min(256*MiB, size)
	case size < 8*GiB:
		return size / 4
	default:
		return 2 * GiB
	}
}

// DataRegion goes Unstarted -> Started -> Stopped.
type DataRegion struct {
	cfg     Config
	store   *flushmanager.FilePageStoreManager
	metas   *partitionmeta.Manager
	cpm     *checkpoint.Manager
	logger  *zap.Logger
	metrics *internaltelemetry.PageMemoryMetrics

	mu    sync.Mutex
	state atomic.Int32
	// pageMemory is published once Start has fully built it.
	pageMemory atomic.Pointer[pagememory.PageMemory]
}

// New creates an unstarted region.
func New(cfg Config, store *flushmanager.FilePageStoreManager, metas *partitionmeta.Manager, cpm *checkpoint.Manager, logger *zap.Logger, metrics *internaltelemetry.PageMemoryMetrics) *DataRegion {
	if cfg.ConcurrencyLevel <= 0 {
		cfg.ConcurrencyLevel = runtime.NumCPU()
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = store.PageSize()
	}
	return &DataRegion{
		cfg:     cfg,
		store:   store,
		metas:   metas,
		cpm:     cpm,
		logger:  logger.Named("data_region").With(zap.String("region", cfg.Name)),
		metrics: metrics,
	}
}

func (r *DataRegion) Config() Config { return r.cfg }

func (r *DataRegion) State() State { return State(r.state.Load()) }

// Start creates the page memory and registers it with the checkpointer.
func (r *DataRegion) Start() (*pagememory.PageMemory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.State() {
	case StateStarted:
		return nil, flushmanager.ErrRegionAlreadyStarted
	case StateStopped:
		return nil, fmt.Errorf("%w: cannot restart", flushmanager.ErrRegionStopped)
	}
	if r.cfg.PageSize != r.store.PageSize() {
		return nil, fmt.Errorf("%w: region %d, store %d", flushmanager.ErrPageSizeMismatch, r.cfg.PageSize, r.store.PageSize())
	}

	// Size the segments and the checkpoint buffer from the region size.
	pmCfg := pagememory.Config{
		PageSize:             r.cfg.PageSize,
		SegmentSizes:         CalculateSegmentSizes(r.cfg.Size, r.cfg.ConcurrencyLevel),
		CheckpointBufferSize: CalculateCheckpointBufferSize(r.cfg.Size),
	}
	pm, err := pagememory.New(pmCfg, r.store, r.cpm.WritePageToDeltaFilePageStore, r.cpm.CheckpointTimeoutLock(), r.logger, r.metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create page memory: %w", err)
	}
	// From now on every checkpoint collects this memory's dirty pages.
	r.cpm.RegisterPageMemory(pm)

	r.pageMemory.Store(pm)
	r.state.Store(int32(StateStarted))
	r.logger.Info("Data region started",
		zap.Int64("size", r.cfg.Size),
		zap.Int("segments", len(pmCfg.SegmentSizes)),
		zap.Int64("segmentSize", pmCfg.SegmentSizes[0]),
		zap.Int64("checkpointBufferSize", pmCfg.CheckpointBufferSize))
	return pm, nil
}

// PageMemory returns the page memory of a started region.
func (r *DataRegion) PageMemory() (*pagememory.PageMemory, error) {
	switch r.State() {
	case StateUnstarted:
		return nil, flushmanager.ErrRegionNotStarted
	case StateStopped:
		return nil, flushmanager.ErrRegionStopped
	}
	return r.pageMemory.Load(), nil
}

// Stop shuts the page memory down, writing dirty pages out when flush is set.
// Stopping a region that never started does nothing; stopping twice is harmless.
func (r *DataRegion) Stop(flush bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.State() != StateStarted {
		return nil
	}
	r.state.Store(int32(StateStopped))

	pm := r.pageMemory.Load()
	r.cpm.UnregisterPageMemory(pm)
	if err := pm.Stop(flush); err != nil {
		r.logger.Error("Failed to stop page memory", zap.Error(err))
		return fmt.Errorf("failed to stop data region %q: %w", r.cfg.Name, err)
	}
	r.logger.Info("Data region stopped", zap.Bool("flush", flush))
	return nil
}

func (r *DataRegion) FilePageStoreManager() *flushmanager.FilePageStoreManager { return r.store }

func (r *DataRegion) PartitionMetaManager() *partitionmeta.Manager { return r.metas }

func (r *DataRegion) CheckpointManager() *checkpoint.Manager { return r.cpm }
