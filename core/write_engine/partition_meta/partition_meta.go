// Package partitionmeta keeps the per-partition roots and page count that a
// checkpoint persists into the partition meta page.
//
// Every field carries the checkpoint it was last modified under. The first
// modification under a new checkpoint archives the previous value, so the
// checkpoint writer can ask for the state as it was when its checkpoint began
// while foreground operations keep moving the live values forward.
package partitionmeta

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	pagemanager "github.com/sushant-115/gojopage/core/write_engine/page_manager"
)

// NoCheckpoint tags modifications made before any checkpoint started.
var NoCheckpoint = uuid.Nil

// fieldState is immutable once published.
type fieldState[T any] struct {
	live      T
	liveEpoch uuid.UUID
	// archived is the live value as it stood before the first modification under liveEpoch.
	archived T
}

// versionedField is a single checkpoint-aware field. Updates are CAS loops on
// an immutable state, so readers never block and always see a complete state.
type versionedField[T any] struct {
	state atomic.Pointer[fieldState[T]]
}

func newVersionedField[T any](epoch uuid.UUID, v T) *versionedField[T] {
	f := &versionedField[T]{}
	f.state.Store(&fieldState[T]{live: v, liveEpoch: epoch, archived: v})
	return f
}

func (f *versionedField[T]) update(epoch uuid.UUID, apply func(T) T) T {
	for {
		old := f.state.Load()
		next := &fieldState[T]{live: apply(old.live), liveEpoch: epoch, archived: old.archived}
		if old.liveEpoch != epoch {
			next.archived = old.live
		}
		if f.state.CompareAndSwap(old, next) {
			return next.live
		}
	}
}

func (f *versionedField[T]) get() T {
	return f.state.Load().live
}

func (f *versionedField[T]) at(epoch uuid.UUID) T {
	s := f.state.Load()
	if s.liveEpoch == epoch {
		return s.archived
	}
	return s.live
}

// PartitionMeta is owned by the page memory of one partition.
type PartitionMeta struct {
	groupID     int32
	partitionID int

	treeRootPageID      *versionedField[pagemanager.PageID]
	reuseListRootPageID *versionedField[pagemanager.PageID]
	pageCount           *versionedField[int32]
}

// NewPartitionMeta creates a meta whose values were last modified under checkpointID.
func NewPartitionMeta(groupID int32, partitionID int, checkpointID uuid.UUID, treeRootPageID, reuseListRootPageID pagemanager.PageID, pageCount int32) *PartitionMeta {
	return &PartitionMeta{
		groupID:             groupID,
		partitionID:         partitionID,
		treeRootPageID:      newVersionedField(checkpointID, treeRootPageID),
		reuseListRootPageID: newVersionedField(checkpointID, reuseListRootPageID),
		pageCount:           newVersionedField(checkpointID, pageCount),
	}
}

func (m *PartitionMeta) GroupID() int32   { return m.groupID }
func (m *PartitionMeta) PartitionID() int { return m.partitionID }

// TreeRootPageID returns the live root of the partition's primary index.
func (m *PartitionMeta) TreeRootPageID() pagemanager.PageID { return m.treeRootPageID.get() }

// SetTreeRootPageID updates the index root under the given checkpoint.
func (m *PartitionMeta) SetTreeRootPageID(checkpointID uuid.UUID, id pagemanager.PageID) {
	m.treeRootPageID.update(checkpointID, func(pagemanager.PageID) pagemanager.PageID { return id })
}

// ReuseListRootPageID returns the live root of the free list.
func (m *PartitionMeta) ReuseListRootPageID() pagemanager.PageID { return m.reuseListRootPageID.get() }

// SetReuseListRootPageID updates the free list root under the given checkpoint.
func (m *PartitionMeta) SetReuseListRootPageID(checkpointID uuid.UUID, id pagemanager.PageID) {
	m.reuseListRootPageID.update(checkpointID, func(pagemanager.PageID) pagemanager.PageID { return id })
}

// PageCount returns the live number of allocated pages.
func (m *PartitionMeta) PageCount() int32 { return m.pageCount.get() }

// IncrementPageCount adds exactly one page and returns the new count.
func (m *PartitionMeta) IncrementPageCount(checkpointID uuid.UUID) int32 {
	return m.pageCount.update(checkpointID, func(c int32) int32 { return c + 1 })
}

// MetaSnapshot returns the values the checkpoint identified by checkpointID must
// persist. Fields modified under checkpointID report their value from before
// that modification; other fields report their live value.
func (m *PartitionMeta) MetaSnapshot(checkpointID uuid.UUID) Snapshot {
	return Snapshot{
		CheckpointID:        checkpointID,
		TreeRootPageID:      m.treeRootPageID.at(checkpointID),
		ReuseListRootPageID: m.reuseListRootPageID.at(checkpointID),
		PageCount:           m.pageCount.at(checkpointID),
	}
}

func (m *PartitionMeta) String() string {
	return fmt.Sprintf("PartitionMeta(grp=%d, part=%d, treeRoot=%#x, reuseRoot=%#x, pages=%d)",
		m.groupID, m.partitionID, uint64(m.TreeRootPageID()), uint64(m.ReuseListRootPageID()), m.PageCount())
}

// Snapshot is an immutable view of a PartitionMeta for one checkpoint.
type Snapshot struct {
	CheckpointID        uuid.UUID
	TreeRootPageID      pagemanager.PageID
	ReuseListRootPageID pagemanager.PageID
	PageCount           int32
}
