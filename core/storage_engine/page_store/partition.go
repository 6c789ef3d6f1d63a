package pagestore

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	flushmanager "github.com/sushant-115/gojopage/core/write_engine/flush_manager"
	"github.com/sushant-115/gojopage/core/write_engine/freelist"
	pagemanager "github.com/sushant-115/gojopage/core/write_engine/page_manager"
	partitionmeta "github.com/sushant-115/gojopage/core/write_engine/partition_meta"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// DataPageVersion is the version stamped on data pages.
const DataPageVersion uint16 = 1

// Partition is an open partition. Once quarantined every call fails with
// ErrPartitionQuarantined wrapping the corruption that caused it.
type Partition struct {
	engine      *Engine
	groupID     int32
	partitionID int
	meta        *partitionmeta.PartitionMeta
	freeList    *freelist.FreeList
	logger      *zap.Logger

	quarantined atomic.Pointer[flushmanager.CorruptedDataStructureError]
}

func newPartition(e *Engine, meta *partitionmeta.PartitionMeta) *Partition {
	return &Partition{
		engine:      e,
		groupID:     meta.GroupID(),
		partitionID: meta.PartitionID(),
		meta:        meta,
		freeList:    freelist.New(meta, e.pm, e.cfg.PageSize, e.logger),
		logger: e.logger.With(
			zap.Int32("groupID", meta.GroupID()),
			zap.Int("partitionID", meta.PartitionID())),
	}
}

func (p *Partition) GroupID() int32   { return p.groupID }
func (p *Partition) PartitionID() int { return p.partitionID }

// Meta returns the live partition meta.
func (p *Partition) Meta() *partitionmeta.PartitionMeta { return p.meta }

// Snapshot returns the meta as the given checkpoint must persist it.
func (p *Partition) Snapshot(checkpointID uuid.UUID) partitionmeta.Snapshot {
	return p.meta.MetaSnapshot(checkpointID)
}

// FreePages returns the number of pages waiting for reuse.
func (p *Partition) FreePages() int { return p.freeList.Size() }

// Quarantined returns the corruption that quarantined the partition, if any.
func (p *Partition) Quarantined() (*flushmanager.CorruptedDataStructureError, bool) {
	c := p.quarantined.Load()
	return c, c != nil
}

// MaxPayloadSize is the number of bytes a data page carries after its header.
func (p *Partition) MaxPayloadSize() int {
	return p.engine.cfg.PageSize - pagemanager.PageHeaderSize
}

func (p *Partition) guard() error {
	if c := p.quarantined.Load(); c != nil {
		return fmt.Errorf("%w: %w", flushmanager.ErrPartitionQuarantined, c)
	}
	return nil
}

// handle quarantines the partition if err reports corruption. The first
// corruption wins; err is returned unchanged.
func (p *Partition) handle(err error) error {
	c, ok := flushmanager.AsCorruptedDataStructure(err)
	if !ok {
		return err
	}
	if p.quarantined.CompareAndSwap(nil, c) {
		ctx := context.Background()
		p.engine.metrics.CorruptionsCounter.Add(ctx, 1)
		p.engine.metrics.QuarantinedPartitionGauge.Add(ctx, 1)
		p.logger.Error("Partition quarantined", zap.Stringer("kind", c.Kind), zap.Error(c))
	}
	return err
}

// mutate runs fn under the checkpoint read lock with the current checkpoint id.
func (p *Partition) mutate(ctx context.Context, fn func(checkpointID uuid.UUID) error) error {
	if err := p.guard(); err != nil {
		return err
	}
	lock := p.engine.cpm.CheckpointTimeoutLock()
	if err := lock.ReadLock(ctx); err != nil {
		return err
	}
	defer lock.ReadUnlock()
	return p.handle(fn(p.engine.cpm.CurrentCheckpointID()))
}

func (p *Partition) fullID(id pagemanager.PageID) pagemanager.FullPageID {
	return pagemanager.NewFullPageID(p.groupID, id)
}

// checkLive rejects ids that cannot address a live data page of the partition.
func (p *Partition) checkLive(id pagemanager.PageID) error {
	switch {
	case id.PartitionID() != p.partitionID || id.Flag() != pagemanager.FlagData:
		return fmt.Errorf("%w: %s is not a data page of partition %d", flushmanager.ErrInvalidPageID, id, p.partitionID)
	case id.PageIndex() == 0 || id.PageIndex() > int64(p.meta.PageCount()):
		return fmt.Errorf("%w: %s was never allocated", flushmanager.ErrInvalidPageID, id)
	case p.freeList.Contains(id):
		return fmt.Errorf("%w: %s is free", flushmanager.ErrInvalidPageID, id)
	}
	return nil
}

// checkStamp rejects id unless buf is the data page currently handed out as
// id. A freed and reallocated page carries a newer rotation than old handles.
func checkStamp(buf []byte, id pagemanager.PageID) error {
	if t := pagemanager.GetPageType(buf); t != pagemanager.PageTypeData {
		return fmt.Errorf("%w: page %s has type %s", flushmanager.ErrInvalidPageData, id, t)
	}
	if stamped := pagemanager.GetHeaderPageID(buf); stamped != id {
		return fmt.Errorf("%w: stale handle %s, page is currently %s", flushmanager.ErrInvalidPageID, id, stamped)
	}
	return nil
}

func (p *Partition) checkHandle(id pagemanager.PageID) error {
	return p.engine.pm.Read(p.fullID(id), func(buf []byte) error {
		return checkStamp(buf, id)
	})
}

// AllocatePage returns an empty data page.
func (p *Partition) AllocatePage(ctx context.Context) (pagemanager.PageID, error) {
	var id pagemanager.PageID
	err := p.mutate(ctx, func(checkpointID uuid.UUID) error {
		var err error
		id, err = p.freeList.Allocate(checkpointID)
		if err != nil {
			return err
		}
		err = p.engine.pm.Write(p.fullID(id), func(buf []byte) error {
			clear(buf)
			pagemanager.SetPageHeader(buf, pagemanager.PageTypeData, DataPageVersion, id)
			return nil
		})
		if err != nil {
			// The page was never handed out, put it back.
			return multierr.Append(err, p.freeList.Unallocate(id))
		}
		return nil
	})
	if err != nil {
		return pagemanager.InvalidPageID, err
	}
	p.engine.metrics.PagesAllocatedCounter.Add(ctx, 1)
	return id, nil
}

// FreePage returns a page for reuse.
func (p *Partition) FreePage(ctx context.Context, id pagemanager.PageID) error {
	err := p.mutate(ctx, func(checkpointID uuid.UUID) error {
		return p.freeList.Reclaim(checkpointID, id)
	})
	if err == nil {
		p.engine.metrics.PagesReclaimedCounter.Add(ctx, 1)
	}
	return err
}

// WritePage replaces the payload of an allocated page.
func (p *Partition) WritePage(ctx context.Context, id pagemanager.PageID, payload []byte) error {
	if len(payload) > p.MaxPayloadSize() {
		return fmt.Errorf("%w: payload of %d bytes exceeds %d", flushmanager.ErrInvalidPageData, len(payload), p.MaxPayloadSize())
	}
	return p.mutate(ctx, func(uuid.UUID) error {
		if err := p.checkLive(id); err != nil {
			return err
		}
		return p.engine.pm.Write(p.fullID(id), func(buf []byte) error {
			if err := checkStamp(buf, id); err != nil {
				return err
			}
			clear(buf)
			pagemanager.SetPageHeader(buf, pagemanager.PageTypeData, DataPageVersion, id)
			copy(buf[pagemanager.PageHeaderSize:], payload)
			return nil
		})
	})
}

// ReadPage returns a copy of the payload of an allocated page.
func (p *Partition) ReadPage(ctx context.Context, id pagemanager.PageID) ([]byte, error) {
	if err := p.guard(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := p.checkLive(id); err != nil {
		return nil, err
	}
	var payload []byte
	err := p.engine.pm.Read(p.fullID(id), func(buf []byte) error {
		if err := checkStamp(buf, id); err != nil {
			return err
		}
		payload = append([]byte(nil), buf[pagemanager.PageHeaderSize:]...)
		return nil
	})
	return payload, err
}

// SetTreeRoot points the partition's index root at an allocated page, or
// clears it with InvalidPageID.
func (p *Partition) SetTreeRoot(ctx context.Context, id pagemanager.PageID) error {
	return p.mutate(ctx, func(checkpointID uuid.UUID) error {
		if id != pagemanager.InvalidPageID {
			if err := p.checkLive(id); err != nil {
				return err
			}
			if err := p.checkHandle(id); err != nil {
				return err
			}
		}
		p.meta.SetTreeRootPageID(checkpointID, id)
		return nil
	})
}

func (p *Partition) saveFreeList(ctx context.Context) error {
	return p.mutate(ctx, func(checkpointID uuid.UUID) error {
		return p.freeList.Save(ctx, checkpointID)
	})
}
