package pagemanager

import (
	"errors"
	"fmt"
)

// --- Page Identifiers ---

// PageID packs a partition id, a page flag and an in-partition page index into
// a single 64 bit handle. Bit layout (most significant first):
//
//	rotation (8) | flag (8) | partition id (16) | page index (32)
//
// Every component that exchanges page ids must agree on this layout.
type PageID uint64

const (
	PageIndexBits   = 32
	PartitionIDBits = 16
	FlagBits        = 8
	RotationBits    = 8

	partitionIDShift = PageIndexBits
	flagShift        = PageIndexBits + PartitionIDBits
	rotationShift    = PageIndexBits + PartitionIDBits + FlagBits

	pageIndexMask   = (uint64(1) << PageIndexBits) - 1
	partitionIDMask = (uint64(1) << PartitionIDBits) - 1
	flagMask        = (uint64(1) << FlagBits) - 1
	rotationMask    = (uint64(1) << RotationBits) - 1
	effectiveMask   = (uint64(1) << rotationShift) - 1

	MaxPartitionID = int(partitionIDMask)
	MaxPageIndex   = int64(pageIndexMask)
)

// Page flags.
const (
	// FlagData marks ordinary data pages (tree nodes, free list buckets, rows).
	FlagData byte = 1
	// FlagAux marks auxiliary pages such as the partition meta page.
	FlagAux byte = 2
)

// InvalidPageID is never produced by NewPageID because the flag is always non zero.
const InvalidPageID PageID = 0

// ErrInvalidPageID is returned when a page id field is outside of its range.
var ErrInvalidPageID = errors.New("invalid page id")

// NewPageID encodes the three page id fields. Out of range inputs are rejected
// instead of being truncated.
func NewPageID(partitionID int, flag byte, pageIdx int64) (PageID, error) {
	if partitionID < 0 || partitionID > MaxPartitionID {
		return InvalidPageID, fmt.Errorf("%w: partition id %d out of range [0, %d]", ErrInvalidPageID, partitionID, MaxPartitionID)
	}
	if flag != FlagData && flag != FlagAux {
		return InvalidPageID, fmt.Errorf("%w: unknown flag %d", ErrInvalidPageID, flag)
	}
	if pageIdx < 0 || pageIdx > MaxPageIndex {
		return InvalidPageID, fmt.Errorf("%w: page index %d out of range [0, %d]", ErrInvalidPageID, pageIdx, MaxPageIndex)
	}
	return PageID(uint64(flag)<<flagShift | uint64(partitionID)<<partitionIDShift | uint64(pageIdx)), nil
}

// PartitionMetaPageID returns the well known id of the partition meta page:
// the auxiliary page with index 0.
func PartitionMetaPageID(partitionID uint16) PageID {
	return PageID(uint64(FlagAux)<<flagShift | uint64(partitionID)<<partitionIDShift)
}

// PartitionID returns the partition the page belongs to.
func (id PageID) PartitionID() int { return int(uint64(id) >> partitionIDShift & partitionIDMask) }

// Flag returns the page flag.
func (id PageID) Flag() byte { return byte(uint64(id) >> flagShift & flagMask) }

// PageIndex returns the index of the page inside its partition.
func (id PageID) PageIndex() int64 { return int64(uint64(id) & pageIndexMask) }

// Rotation returns the reuse counter of the handle.
func (id PageID) Rotation() int { return int(uint64(id) >> rotationShift & rotationMask) }

// Effective strips the rotation, leaving the part that addresses storage.
func (id PageID) Effective() PageID { return PageID(uint64(id) & effectiveMask) }

// Rotate returns the handle that a reused page is handed out with. The counter
// wraps around and never returns to zero, so a rotated id always differs from
// the original allocation.
func (id PageID) Rotate() PageID {
	r := uint64(id.Rotation())%rotationMask + 1
	return PageID(uint64(id)&effectiveMask | r<<rotationShift)
}

// IsMetaPage reports whether id addresses a partition meta page.
func (id PageID) IsMetaPage() bool {
	return id.Flag() == FlagAux && id.PageIndex() == 0
}

func (id PageID) String() string {
	return fmt.Sprintf("PageID(part=%d, flag=%d, idx=%d, rot=%d)", id.PartitionID(), id.Flag(), id.PageIndex(), id.Rotation())
}

// FullPageID identifies a page across cache groups.
type FullPageID struct {
	GroupID int32
	PageID  PageID
}

// NewFullPageID builds a FullPageID from its effective page id, so that stale
// rotated handles and fresh ones address the same page.
func NewFullPageID(groupID int32, pageID PageID) FullPageID {
	return FullPageID{GroupID: groupID, PageID: pageID.Effective()}
}

// PartitionID is a shortcut for f.PageID.PartitionID().
func (f FullPageID) PartitionID() int { return f.PageID.PartitionID() }

// Hash spreads page ids over page memory segments.
func (f FullPageID) Hash() uint64 {
	h := uint64(f.PageID)*0x9E3779B97F4A7C15 ^ uint64(uint32(f.GroupID))*0xC2B2AE3D27D4EB4F
	return h ^ h>>29
}

func (f FullPageID) String() string {
	return fmt.Sprintf("FullPageID(grp=%d, %s)", f.GroupID, f.PageID)
}
