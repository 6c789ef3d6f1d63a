package pagememory

import (
	"container/list" // For LRU
	"errors"
	"fmt"
	"sync"

	flushmanager "github.com/sushant-115/gojopage/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojopage/core/write_engine/page_manager"
	"go.uber.org/zap"
)

// segment is one independently locked slice of page memory with its own LRU.
// Frame metadata of the pages it owns is guarded by mu.
type segment struct {
	mu        sync.Mutex
	pm        *PageMemory
	idx       int
	frames    []*pagemanager.Page
	pageTable map[pagemanager.FullPageID]int // FullPageID to frame index
	lruList   *list.List                     // frame indices, most recent at the front
}

func newSegment(pm *PageMemory, idx int, numFrames int) *segment {
	s := &segment{
		pm:        pm,
		idx:       idx,
		frames:    make([]*pagemanager.Page, numFrames),
		pageTable: make(map[pagemanager.FullPageID]int, numFrames),
		lruList:   list.New(),
	}
	for i := range s.frames {
		s.frames[i] = pagemanager.NewPage(pm.pageSize)
	}
	return s
}

// acquire returns the pinned frame holding id, loading it from the page store
// if needed. Must be called with the segment lock held.
func (s *segment) acquire(id pagemanager.FullPageID) (*pagemanager.Page, error) {
	// Hit: pin it and move it to the LRU front.
	if frameIdx, ok := s.pageTable[id]; ok {
		page := s.frames[frameIdx]
		page.Pin()
		if page.GetLruElement() != nil {
			s.lruList.MoveToFront(page.GetLruElement())
		}
		s.pm.recordHit()
		return page, nil
	}
	s.pm.recordMiss()

	// Miss: free a frame, then load the page into it.

	frameIdx, err := s.getVictimFrameInternal()
	if err != nil {
		return nil, err
	}
	victim := s.frames[frameIdx]
	if err := s.evictInternal(frameIdx); err != nil {
		return nil, err
	}

	err = s.pm.store.ReadPage(id, victim.GetData())
	if err != nil && !errors.Is(err, flushmanager.ErrPageNotFound) {
		victim.Reset()
		return nil, fmt.Errorf("failed to read page %s: %w", id, err)
	}
	if err != nil {
		// Never written: the page starts zeroed.
		clear(victim.GetData())
	}

	// Publish the frame under its new id.
	victim.Assign(id)
	victim.Pin()
	s.pageTable[id] = frameIdx
	victim.SetLruElement(s.lruList.PushFront(frameIdx))
	return victim, nil
}

// evictInternal frees a frame, writing its page to the delta file first if it
// is dirty. Must be called with the segment lock held.
func (s *segment) evictInternal(frameIdx int) error {
	victim := s.frames[frameIdx]
	if !victim.IsValid() {
		return nil
	}
	victimID := victim.GetFullPageID()
	if victim.IsDirty() {
		// Unpinned pages have no latch holder, so the bytes are stable here.
		if err := s.pm.replacementWriter(victimID, victim.GetData()); err != nil {
			return fmt.Errorf("failed to write dirty victim page %s: %w", victimID, err)
		}
		s.pm.recordReplacementWrite()
		s.pm.logger.Debug("Wrote dirty victim to delta file", zap.Stringer("pageID", victimID), zap.Int("segment", s.idx))
	}
	delete(s.pageTable, victimID)
	if victim.GetLruElement() != nil {
		s.lruList.Remove(victim.GetLruElement())
	}
	victim.Reset()
	s.pm.recordEviction()
	return nil
}

// getVictimFrameInternal finds a frame to reuse. Empty frames come first, then
// the least recently used page that is neither pinned nor part of a running
// checkpoint. Must be called with the segment lock held.
func (s *segment) getVictimFrameInternal() (int, error) {
	if len(s.pageTable) < len(s.frames) {
		for i, p := range s.frames {
			if !p.IsValid() {
				return i, nil
			}
		}
	}
	for e := s.lruList.Back(); e != nil; e = e.Prev() {
		frameIdx := e.Value.(int)
		p := s.frames[frameIdx]
		if p.GetPinCount() == 0 && !p.IsCheckpointPending() {
			return frameIdx, nil
		}
	}
	return -1, fmt.Errorf("%w: segment %d, %d frames", flushmanager.ErrNoFreeFrames, s.idx, len(s.frames))
}

// dropPartitionInternal forgets every page of a partition without writing it.
// The caller guarantees that nothing uses the partition concurrently.
func (s *segment) dropPartitionInternal(groupID int32, partitionID int) int {
	dropped := 0
	for id, frameIdx := range s.pageTable {
		if id.GroupID != groupID || id.PartitionID() != partitionID {
			continue
		}
		p := s.frames[frameIdx]
		delete(s.pageTable, id)
		if p.GetLruElement() != nil {
			s.lruList.Remove(p.GetLruElement())
		}
		p.Reset()
		dropped++
	}
	return dropped
}
