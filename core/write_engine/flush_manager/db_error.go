package flushmanager

import (
	"errors"
	"fmt"
	"strings"

	pagemanager "github.com/sushant-115/gojopage/core/write_engine/page_manager"
)

// --- Error Definitions ---

var (
	ErrPageNotFound       = errors.New("page not found")
	ErrIO                 = errors.New("i/o error")
	ErrChecksumMismatch   = errors.New("page checksum mismatch, data corruption suspected")
	ErrInvalidPageData    = errors.New("invalid page data")
	ErrInvalidFileHeader  = errors.New("invalid page store file header")
	ErrPageSizeMismatch   = errors.New("page store page size does not match configured page size")
	ErrStoreClosed        = errors.New("page store is closed")
	ErrSerialization      = errors.New("error during serialization")
	ErrDeserialization    = errors.New("error during deserialization")
	ErrInvalidPageID      = pagemanager.ErrInvalidPageID
	ErrInvalidPartitionID = errors.New("invalid partition id")

	// --- Lifecycle ---
	ErrRegionNotStarted     = errors.New("data region not started")
	ErrRegionAlreadyStarted = errors.New("data region already started")
	ErrRegionStopped        = errors.New("data region stopped")
	ErrPageMemoryStopped    = errors.New("page memory stopped")

	// --- Checkpointing ---
	ErrCheckpointLockTimeout    = errors.New("checkpoint read lock acquisition timed out")
	ErrCheckpointLockNotHeld    = errors.New("page modified without holding the checkpoint read lock")
	ErrCheckpointBufferOverflow = errors.New("checkpoint buffer is full")
	ErrCheckpointInProgress     = errors.New("checkpoint already in progress")
	ErrCheckpointerStopped      = errors.New("checkpoint manager stopped")
	ErrNoFreeFrames             = errors.New("page memory segment is full and no pages can be evicted")

	// ErrCorruptedDataStructure is matched by every CorruptedDataStructureError.
	ErrCorruptedDataStructure = errors.New("corrupted data structure")
	ErrPartitionQuarantined   = errors.New("partition is quarantined")
)

// --- Corruption ---

// StructureKind tells which data structure was found corrupted.
type StructureKind int

const (
	KindUnknown StructureKind = iota
	KindFreeList
	KindPartitionMeta
	KindTree
)

func (k StructureKind) String() string {
	switch k {
	case KindFreeList:
		return "free list"
	case KindPartitionMeta:
		return "partition meta"
	case KindTree:
		return "tree"
	default:
		return "data structure"
	}
}

// CorruptedDataStructureError reports a structure that can no longer be trusted.
// It is never repaired in place; the engine decides whether to quarantine or
// rebuild the owning partition.
type CorruptedDataStructureError struct {
	Kind    StructureKind
	Msg     string
	Cause   error
	GroupID int32
	PageIDs []pagemanager.PageID
}

// NewCorruptedFreeListError builds a free list corruption error.
func NewCorruptedFreeListError(msg string, cause error, groupID int32, pageIDs ...pagemanager.PageID) *CorruptedDataStructureError {
	return &CorruptedDataStructureError{Kind: KindFreeList, Msg: msg, Cause: cause, GroupID: groupID, PageIDs: pageIDs}
}

// NewCorruptedPartitionMetaError builds a partition meta corruption error.
func NewCorruptedPartitionMetaError(msg string, cause error, groupID int32, pageIDs ...pagemanager.PageID) *CorruptedDataStructureError {
	return &CorruptedDataStructureError{Kind: KindPartitionMeta, Msg: msg, Cause: cause, GroupID: groupID, PageIDs: pageIDs}
}

func (e *CorruptedDataStructureError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "corrupted %s: %s [groupID=%d", e.Kind, e.Msg, e.GroupID)
	if len(e.PageIDs) > 0 {
		b.WriteString(", pageIDs=")
		for i, id := range e.PageIDs {
			if i > 0 {
				b.WriteByte(',')
			}
			fmt.Fprintf(&b, "%#016x", uint64(id))
		}
	}
	b.WriteByte(']')
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

func (e *CorruptedDataStructureError) Unwrap() error { return e.Cause }

// Is makes errors.Is(err, ErrCorruptedDataStructure) hold for every kind.
func (e *CorruptedDataStructureError) Is(target error) bool {
	return target == ErrCorruptedDataStructure
}

// ContainsPage reports whether id (compared without rotation) is implicated.
func (e *CorruptedDataStructureError) ContainsPage(id pagemanager.PageID) bool {
	for _, p := range e.PageIDs {
		if p.Effective() == id.Effective() {
			return true
		}
	}
	return false
}

// AsCorruptedDataStructure extracts the corruption payload from err.
func AsCorruptedDataStructure(err error) (*CorruptedDataStructureError, bool) {
	var c *CorruptedDataStructureError
	if errors.As(err, &c) {
		return c, true
	}
	return nil, false
}

// --- Storage ---

// StorageError wraps an underlying store failure with the page it concerned.
// It is kept apart from corruption since I/O failures may be transient.
type StorageError struct {
	Op          string
	GroupID     int32
	PartitionID int
	PageID      pagemanager.PageID
	Err         error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s failed [groupID=%d, partitionID=%d, pageID=%#016x]: %v", e.Op, e.GroupID, e.PartitionID, uint64(e.PageID), e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func newStorageError(op string, id pagemanager.FullPageID, err error) error {
	return &StorageError{Op: op, GroupID: id.GroupID, PartitionID: id.PartitionID(), PageID: id.PageID, Err: err}
}
