// Package pagememory caches partition pages in fixed-size segments and
// cooperates with the checkpointer to persist them.
//
// Pages are pinned for the duration of a Read or Write callback. Write must be
// called while the checkpoint read lock is held, which keeps the dirty set of a
// checkpoint stable while it is being collected. A page modified while its
// checkpoint copy is still pending is first copied into the checkpoint buffer,
// so the checkpoint always persists the page as it stood when it began.
package pagememory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	flushmanager "github.com/sushant-115/gojopage/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojopage/core/write_engine/page_manager"
	internaltelemetry "github.com/sushant-115/gojopage/internal/telemetry"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// PageStore is where pages missing from memory are read from.
type PageStore interface {
	ReadPage(id pagemanager.FullPageID, buf []byte) error
}

// PageWriter persists a page image, e.g. a dirty victim to a delta file.
type PageWriter func(id pagemanager.FullPageID, buf []byte) error

// CheckpointLock reports whether pages may be modified. Holders are counted
// across all goroutines, so a write from a goroutine that does not hold the
// lock passes while any other goroutine holds it. The check reliably rejects
// writes while no one holds the lock, including the whole time the
// checkpointer holds it exclusively.
type CheckpointLock interface {
	IsReadLockHeld() bool
}

// Config sizes a PageMemory.
type Config struct {
	PageSize int
	// SegmentSizes is the byte size of each segment.
	SegmentSizes []int64
	// CheckpointBufferSize is the byte size of the copy-on-write buffer.
	CheckpointBufferSize int64
}

// PageMemory is the page cache of a data region.
type PageMemory struct {
	pageSize          int
	store             PageStore
	replacementWriter PageWriter
	cpLock            CheckpointLock
	logger            *zap.Logger
	metrics           *internaltelemetry.PageMemoryMetrics

	// lifecycleMu is held shared by every operation and exclusively by Stop.
	lifecycleMu sync.RWMutex
	stopped     atomic.Bool
	segments    []*segment

	cpMu          sync.Mutex
	cpBuffer      map[pagemanager.FullPageID][]byte
	cpBufferLimit int
	cpRunning     bool
}

// New creates page memory. It holds no pages until used.
func New(cfg Config, store PageStore, replacementWriter PageWriter, cpLock CheckpointLock, logger *zap.Logger, metrics *internaltelemetry.PageMemoryMetrics) (*PageMemory, error) {
	if cfg.PageSize <= 0 {
		return nil, fmt.Errorf("invalid page size %d", cfg.PageSize)
	}
	if len(cfg.SegmentSizes) == 0 {
		return nil, fmt.Errorf("page memory needs at least one segment")
	}
	if metrics == nil {
		metrics = internaltelemetry.NoopPageMemoryMetrics()
	}
	pm := &PageMemory{
		pageSize:          cfg.PageSize,
		store:             store,
		replacementWriter: replacementWriter,
		cpLock:            cpLock,
		logger:            logger.Named("page_memory"),
		metrics:           metrics,
		cpBuffer:          make(map[pagemanager.FullPageID][]byte),
		cpBufferLimit:     int(cfg.CheckpointBufferSize / int64(cfg.PageSize)),
	}
	total := 0
	for i, size := range cfg.SegmentSizes {
		frames := int(size / int64(cfg.PageSize))
		if frames < 1 {
			frames = 1
		}
		pm.segments = append(pm.segments, newSegment(pm, i, frames))
		total += frames
	}
	if pm.cpBufferLimit < 1 {
		pm.cpBufferLimit = 1
	}
	pm.logger.Info("Page memory initialized",
		zap.Int("segments", len(pm.segments)),
		zap.Int("frames", total),
		zap.Int("pageSize", cfg.PageSize),
		zap.Int("checkpointBufferPages", pm.cpBufferLimit))
	return pm, nil
}

func (pm *PageMemory) PageSize() int { return pm.pageSize }

// Capacity returns the total number of frames.
func (pm *PageMemory) Capacity() int {
	n := 0
	for _, s := range pm.segments {
		n += len(s.frames)
	}
	return n
}

func (pm *PageMemory) segmentFor(id pagemanager.FullPageID) *segment {
	return pm.segments[id.Hash()%uint64(len(pm.segments))]
}

func (pm *PageMemory) enter() error {
	pm.lifecycleMu.RLock()
	if pm.stopped.Load() {
		pm.lifecycleMu.RUnlock()
		return flushmanager.ErrPageMemoryStopped
	}
	return nil
}

func (pm *PageMemory) leave() { pm.lifecycleMu.RUnlock() }

func (pm *PageMemory) acquire(id pagemanager.FullPageID) (*segment, *pagemanager.Page, error) {
	s := pm.segmentFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	page, err := s.acquire(id)
	return s, page, err
}

func (pm *PageMemory) release(s *segment, page *pagemanager.Page, dirty bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dirty {
		page.SetDirty(true)
	}
	page.Unpin()
}

// Read pins the page and calls fn with its bytes under a shared latch. fn must
// not retain or modify buf.
func (pm *PageMemory) Read(id pagemanager.FullPageID, fn func(buf []byte) error) error {
	if err := pm.enter(); err != nil {
		return err
	}
	defer pm.leave()

	s, page, err := pm.acquire(id)
	if err != nil {
		return err
	}
	page.RLock()
	err = fn(page.GetData())
	page.RUnlock()
	pm.release(s, page, false)
	return err
}

// Write pins the page and calls fn with its bytes under an exclusive latch. The
// page is marked dirty once fn was called. The caller must hold the checkpoint
// read lock; Write can only detect that nobody holds it (see CheckpointLock).
func (pm *PageMemory) Write(id pagemanager.FullPageID, fn func(buf []byte) error) error {
	if pm.cpLock != nil && !pm.cpLock.IsReadLockHeld() {
		return flushmanager.ErrCheckpointLockNotHeld
	}
	if err := pm.enter(); err != nil {
		return err
	}
	defer pm.leave()

	s, page, err := pm.acquire(id)
	if err != nil {
		return err
	}
	page.Lock()
	if err := pm.copyOnWrite(s, page); err != nil {
		page.Unlock()
		pm.release(s, page, false)
		return err
	}
	err = fn(page.GetData())
	page.Unlock()
	pm.release(s, page, true)
	return err
}

// copyOnWrite saves the checkpoint image of a pending page before its first
// modification. Must be called with the page latch held exclusively.
func (pm *PageMemory) copyOnWrite(s *segment, page *pagemanager.Page) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !page.IsCheckpointPending() || page.IsCheckpointCopied() {
		return nil
	}
	pm.cpMu.Lock()
	defer pm.cpMu.Unlock()
	if len(pm.cpBuffer) >= pm.cpBufferLimit {
		return fmt.Errorf("%w: %d pages", flushmanager.ErrCheckpointBufferOverflow, pm.cpBufferLimit)
	}
	pm.cpBuffer[page.GetFullPageID()] = append([]byte(nil), page.GetData()...)
	page.SetCheckpointCopied(true)
	pm.metrics.CheckpointBufferPages.Add(context.Background(), 1)
	return nil
}

// BeginCheckpoint marks every dirty page as pending for a new checkpoint and
// returns their ids in store order. The caller must hold the checkpoint write
// lock so no page is modified meanwhile.
func (pm *PageMemory) BeginCheckpoint() ([]pagemanager.FullPageID, error) {
	if err := pm.enter(); err != nil {
		return nil, err
	}
	defer pm.leave()

	pm.cpMu.Lock()
	if pm.cpRunning {
		pm.cpMu.Unlock()
		return nil, flushmanager.ErrCheckpointInProgress
	}
	pm.cpRunning = true
	pm.cpMu.Unlock()

	var ids []pagemanager.FullPageID
	for _, s := range pm.segments {
		s.mu.Lock()
		for _, p := range s.frames {
			if p.IsValid() && p.IsDirty() {
				p.SetDirty(false)
				p.SetCheckpointPending(true)
				p.SetCheckpointCopied(false)
				ids = append(ids, p.GetFullPageID())
			}
		}
		s.mu.Unlock()
	}
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].GroupID != ids[j].GroupID {
			return ids[i].GroupID < ids[j].GroupID
		}
		return ids[i].PageID < ids[j].PageID
	})
	return ids, nil
}

// CheckpointPage copies the checkpoint image of a pending page into buf. It
// reports false if the page is not pending.
func (pm *PageMemory) CheckpointPage(id pagemanager.FullPageID, buf []byte) (bool, error) {
	if err := pm.enter(); err != nil {
		return false, err
	}
	defer pm.leave()

	s := pm.segmentFor(id)
	s.mu.Lock()
	frameIdx, ok := s.pageTable[id]
	if !ok {
		s.mu.Unlock()
		return false, nil
	}
	page := s.frames[frameIdx]
	if !page.IsCheckpointPending() {
		s.mu.Unlock()
		return false, nil
	}
	page.Pin()
	s.mu.Unlock()

	// A writer holding the latch has already saved the image, see copyOnWrite.
	page.RLock()
	s.mu.Lock()
	if page.IsCheckpointCopied() {
		pm.takeBufferedLocked(id, buf)
	} else {
		copy(buf, page.GetData())
	}
	page.SetCheckpointPending(false)
	page.SetCheckpointCopied(false)
	page.Unpin()
	s.mu.Unlock()
	page.RUnlock()
	return true, nil
}

func (pm *PageMemory) takeBufferedLocked(id pagemanager.FullPageID, buf []byte) {
	pm.cpMu.Lock()
	defer pm.cpMu.Unlock()
	copy(buf, pm.cpBuffer[id])
	delete(pm.cpBuffer, id)
	pm.metrics.CheckpointBufferPages.Add(context.Background(), -1)
}

// FinishCheckpoint ends the running checkpoint. Pages it did not write are
// marked dirty again so the next checkpoint picks them up.
func (pm *PageMemory) FinishCheckpoint() {
	pm.lifecycleMu.RLock()
	defer pm.lifecycleMu.RUnlock()

	requeued := 0
	for _, s := range pm.segments {
		s.mu.Lock()
		for _, p := range s.frames {
			if p.IsValid() && p.IsCheckpointPending() {
				p.SetCheckpointPending(false)
				p.SetCheckpointCopied(false)
				p.SetDirty(true)
				requeued++
			}
		}
		s.mu.Unlock()
	}

	pm.cpMu.Lock()
	if n := len(pm.cpBuffer); n > 0 {
		pm.metrics.CheckpointBufferPages.Add(context.Background(), -int64(n))
	}
	clear(pm.cpBuffer)
	pm.cpRunning = false
	pm.cpMu.Unlock()
	if requeued > 0 {
		pm.logger.Warn("Checkpoint left pages unwritten", zap.Int("pages", requeued))
	}
}

// CheckpointBufferSize returns the number of pages held in the checkpoint buffer.
func (pm *PageMemory) CheckpointBufferSize() int {
	pm.cpMu.Lock()
	defer pm.cpMu.Unlock()
	return len(pm.cpBuffer)
}

// LoadedPages returns the number of pages currently held.
func (pm *PageMemory) LoadedPages() int {
	n := 0
	for _, s := range pm.segments {
		s.mu.Lock()
		n += len(s.pageTable)
		s.mu.Unlock()
	}
	return n
}

// DirtyPages returns the number of pages modified since their last checkpoint.
func (pm *PageMemory) DirtyPages() int {
	n := 0
	for _, s := range pm.segments {
		s.mu.Lock()
		for _, p := range s.frames {
			if p.IsValid() && (p.IsDirty() || p.IsCheckpointPending()) {
				n++
			}
		}
		s.mu.Unlock()
	}
	return n
}

// DropPartition forgets every cached page of a partition without writing it.
func (pm *PageMemory) DropPartition(groupID int32, partitionID int) error {
	if err := pm.enter(); err != nil {
		return err
	}
	defer pm.leave()
	dropped := 0
	for _, s := range pm.segments {
		s.mu.Lock()
		dropped += s.dropPartitionInternal(groupID, partitionID)
		s.mu.Unlock()
	}
	pm.logger.Debug("Dropped partition pages", zap.Int32("groupID", groupID), zap.Int("partitionID", partitionID), zap.Int("pages", dropped))
	return nil
}

// Stop releases all pages. With flush set, dirty pages are written through the
// replacement writer first. Stop is idempotent.
func (pm *PageMemory) Stop(flush bool) error {
	pm.lifecycleMu.Lock()
	defer pm.lifecycleMu.Unlock()
	if pm.stopped.Swap(true) {
		return nil
	}

	var errs error
	flushed := 0
	for _, s := range pm.segments {
		s.mu.Lock()
		for _, p := range s.frames {
			if !p.IsValid() {
				continue
			}
			if flush && (p.IsDirty() || p.IsCheckpointPending()) {
				if err := pm.replacementWriter(p.GetFullPageID(), p.GetData()); err != nil {
					errs = multierr.Append(errs, fmt.Errorf("failed to flush page %s: %w", p.GetFullPageID(), err))
				} else {
					flushed++
				}
			}
			p.Reset()
		}
		clear(s.pageTable)
		s.lruList.Init()
		s.mu.Unlock()
	}
	pm.cpMu.Lock()
	clear(pm.cpBuffer)
	pm.cpMu.Unlock()

	pm.logger.Info("Page memory stopped", zap.Bool("flush", flush), zap.Int("flushedPages", flushed), zap.Error(errs))
	return errs
}

func (pm *PageMemory) recordHit()  { pm.metrics.PageHitsCounter.Add(context.Background(), 1) }
func (pm *PageMemory) recordMiss() { pm.metrics.PageMissesCounter.Add(context.Background(), 1) }
func (pm *PageMemory) recordEviction() {
	pm.metrics.EvictionsCounter.Add(context.Background(), 1)
}
func (pm *PageMemory) recordReplacementWrite() {
	pm.metrics.ReplacementWritesCounter.Add(context.Background(), 1)
}
