// Package pagestore is the storage engine entry point. It opens partitions on
// top of a data region and turns corruption reports into partition quarantine.
package pagestore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	dataregion "github.com/sushant-115/gojopage/core/storage_engine/data_region"
	"github.com/sushant-115/gojopage/core/write_engine/checkpoint"
	flushmanager "github.com/sushant-115/gojopage/core/write_engine/flush_manager"
	pagememory "github.com/sushant-115/gojopage/core/write_engine/page_memory"
	partitionmeta "github.com/sushant-115/gojopage/core/write_engine/partition_meta"
	internaltelemetry "github.com/sushant-115/gojopage/internal/telemetry"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Config wires a storage engine.
type Config struct {
	// Dir holds the partition files.
	Dir        string            `yaml:"dir"`
	PageSize   int               `yaml:"page_size"`
	Region     dataregion.Config `yaml:"region"`
	Checkpoint checkpoint.Config `yaml:"checkpoint"`
	// BackupBytesPerSecond throttles Backup. Zero copies at full speed.
	BackupBytesPerSecond int64 `yaml:"backup_bytes_per_second"`
}

// Engine owns the storage of one node.
type Engine struct {
	cfg     Config
	logger  *zap.Logger
	metrics *internaltelemetry.PageMemoryMetrics

	store  *flushmanager.FilePageStoreManager
	metas  *partitionmeta.Manager
	cpm    *checkpoint.Manager
	region *dataregion.DataRegion
	pm     *pagememory.PageMemory

	mu         sync.Mutex
	partitions map[partitionmeta.Key]*Partition
	closed     bool
	// listsSavedFor is the checkpoint id the free lists were last saved under.
	listsSavedFor uuid.UUID
	listsSaved    bool
}

// Open starts a data region over cfg.Dir and the checkpoint loop.
func Open(cfg Config, logger *zap.Logger, metrics *internaltelemetry.PageMemoryMetrics) (*Engine, error) {
	if metrics == nil {
		metrics = internaltelemetry.NoopPageMemoryMetrics()
	}
	// Files, metas and the checkpointer come first; the region needs all three.
	store, err := flushmanager.NewFilePageStoreManager(cfg.Dir, cfg.PageSize, logger)
	if err != nil {
		return nil, err
	}
	metas := partitionmeta.NewManager(store, cfg.PageSize, logger)
	cpm := checkpoint.NewManager(cfg.Checkpoint, store, metas, logger, metrics)
	if cfg.Region.PageSize == 0 {
		cfg.Region.PageSize = cfg.PageSize
	}
	// Start the page memory over the store.
	region := dataregion.New(cfg.Region, store, metas, cpm, logger, metrics)
	pm, err := region.Start()
	if err != nil {
		return nil, multierr.Append(err, store.Close())
	}

	e := &Engine{
		cfg:        cfg,
		logger:     logger.Named("page_store"),
		metrics:    metrics,
		store:      store,
		metas:      metas,
		cpm:        cpm,
		region:     region,
		pm:         pm,
		partitions: make(map[partitionmeta.Key]*Partition),
	}
	// Free lists are saved into pages ahead of every checkpoint.
	cpm.AddBeforeCheckpointListener(e.saveFreeLists)
	cpm.Start()
	e.logger.Info("Storage engine opened", zap.String("dir", cfg.Dir), zap.Int("pageSize", cfg.PageSize))
	return e, nil
}

func (e *Engine) Region() *dataregion.DataRegion { return e.region }

func (e *Engine) PageSize() int { return e.cfg.PageSize }

// OpenPartition opens a partition, loading its meta and free list. A partition
// found corrupted is quarantined and returned together with the error.
func (e *Engine) OpenPartition(ctx context.Context, groupID int32, partitionID int) (*Partition, error) {
	key := partitionmeta.Key{GroupID: groupID, PartitionID: partitionID}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, flushmanager.ErrStoreClosed
	}
	if p, ok := e.partitions[key]; ok {
		return p, p.guard()
	}

	// An unreadable meta still yields a partition, quarantined.
	meta, err := e.metas.ReadOrCreateMeta(groupID, partitionID)
	if err != nil {
		if _, ok := flushmanager.AsCorruptedDataStructure(err); !ok {
			return nil, err
		}
		meta = partitionmeta.NewPartitionMeta(groupID, partitionID, partitionmeta.NoCheckpoint, 0, 0, 0)
		p := newPartition(e, meta)
		e.partitions[key] = p
		return p, p.handle(err)
	}

	p := newPartition(e, meta)
	if err := p.freeList.Load(ctx); err != nil {
		e.partitions[key] = p
		return p, p.handle(err)
	}
	// Opened after the free lists were saved for the coming checkpoint: the
	// loaded list is what that checkpoint persists.
	if e.listsSaved && e.listsSavedFor == e.cpm.CurrentCheckpointID() {
		p.freeList.Freeze(e.listsSavedFor)
	}
	e.partitions[key] = p
	e.logger.Info("Partition opened", zap.Stringer("partition", key),
		zap.Int32("pageCount", meta.PageCount()), zap.Int("freePages", p.freeList.Size()))
	return p, nil
}

// Partition returns an opened partition.
func (e *Engine) Partition(groupID int32, partitionID int) (*Partition, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.partitions[partitionmeta.Key{GroupID: groupID, PartitionID: partitionID}]
	return p, ok
}

// Partitions returns the opened partitions ordered by group and partition.
func (e *Engine) Partitions() []*Partition {
	e.mu.Lock()
	parts := make([]*Partition, 0, len(e.partitions))
	for _, p := range e.partitions {
		parts = append(parts, p)
	}
	e.mu.Unlock()
	sort.Slice(parts, func(i, j int) bool {
		if parts[i].groupID != parts[j].groupID {
			return parts[i].groupID < parts[j].groupID
		}
		return parts[i].partitionID < parts[j].partitionID
	})
	return parts
}

// DestroyPartition drops a partition and its files. Nothing may use the
// partition concurrently.
func (e *Engine) DestroyPartition(groupID int32, partitionID int) error {
	key := partitionmeta.Key{GroupID: groupID, PartitionID: partitionID}
	e.mu.Lock()
	p, ok := e.partitions[key]
	delete(e.partitions, key)
	e.mu.Unlock()
	if ok && p.quarantined.Load() != nil {
		e.metrics.QuarantinedPartitionGauge.Add(context.Background(), -1)
	}

	e.metas.RemoveMeta(key)
	var errs error
	errs = multierr.Append(errs, e.pm.DropPartition(groupID, partitionID))
	errs = multierr.Append(errs, e.store.Destroy(groupID, partitionID))
	e.logger.Info("Partition destroyed", zap.Stringer("partition", key), zap.Error(errs))
	return errs
}

// Checkpoint runs a checkpoint now.
func (e *Engine) Checkpoint(ctx context.Context, reason string) error {
	_, err := e.cpm.Checkpoint(ctx, reason)
	return err
}

// LastCheckpoint returns the outcome of the latest completed checkpoint.
func (e *Engine) LastCheckpoint() (checkpoint.Result, bool) { return e.cpm.LastResult() }

// saveFreeLists persists every free list ahead of a checkpoint. Saved lists
// stay frozen until that checkpoint begins.
func (e *Engine) saveFreeLists(ctx context.Context) error {
	e.mu.Lock()
	e.listsSavedFor, e.listsSaved = e.cpm.CurrentCheckpointID(), true
	e.mu.Unlock()

	var errs error
	for _, p := range e.Partitions() {
		if p.quarantined.Load() != nil {
			continue
		}
		errs = multierr.Append(errs, p.saveFreeList(ctx))
	}
	return errs
}

// Close runs a final checkpoint and releases every resource.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	// Final checkpoint, then drop the memory, then the files.
	var errs error
	if err := e.cpm.Stop(ctx, true); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("final checkpoint: %w", err))
	}
	errs = multierr.Append(errs, e.region.Stop(true))
	errs = multierr.Append(errs, e.store.Close())
	e.logger.Info("Storage engine closed", zap.Error(errs))
	return errs
}
