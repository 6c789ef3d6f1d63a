// Package freelist keeps the reclaimed pages of a partition for reuse.
//
// Reclaimed ids are handed out last-in first-out. The list is persisted as a
// chain of bucket pages rooted at the partition's reuse list root:
//
//	header | next u64 | count u32 | page ids u64...
//
// Any impossible state met while mutating or loading the list is reported as a
// CorruptedDataStructureError; the list is never repaired in place.
//
// A handed out page carries its handle, rotation included, in its header. A
// handle whose rotation differs from the stamped one is stale and cannot free
// the page.
package freelist

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/google/uuid"
	flushmanager "github.com/sushant-115/gojopage/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojopage/core/write_engine/page_manager"
	partitionmeta "github.com/sushant-115/gojopage/core/write_engine/partition_meta"
	"go.uber.org/zap"
)

const (
	BucketPageVersion uint16 = 1

	nextOffset  = pagemanager.PageHeaderSize
	countOffset = nextOffset + 8
	idsOffset   = countOffset + 4
)

// PageMemory is the page access the free list needs.
type PageMemory interface {
	Read(id pagemanager.FullPageID, fn func(buf []byte) error) error
	Write(id pagemanager.FullPageID, fn func(buf []byte) error) error
}

// FreeList is safe for concurrent use.
type FreeList struct {
	groupID     int32
	partitionID int
	meta        *partitionmeta.PartitionMeta
	pm          PageMemory
	pageSize    int
	logger      *zap.Logger

	mu sync.Mutex
	// ids is the reuse stack, top at the end.
	ids []pagemanager.PageID
	// members holds the effective ids in ids.
	members map[pagemanager.PageID]struct{}
	// chain is the bucket pages of the persisted list, head first.
	chain []pagemanager.PageID
	dirty bool
	// savedFor is the checkpoint id current at the last Save. Until a newer
	// checkpoint begins the saved list is what gets persisted, so no page of it
	// may be handed out.
	savedFor uuid.UUID
	saved    bool
}

// New creates an empty free list for the partition described by meta.
func New(meta *partitionmeta.PartitionMeta, pm PageMemory, pageSize int, logger *zap.Logger) *FreeList {
	return &FreeList{
		groupID:     meta.GroupID(),
		partitionID: meta.PartitionID(),
		meta:        meta,
		pm:          pm,
		pageSize:    pageSize,
		logger:      logger.Named("free_list"),
		members:     make(map[pagemanager.PageID]struct{}),
	}
}

// BucketCapacity is the number of page ids one bucket page holds.
func BucketCapacity(pageSize int) int {
	return (pageSize - idsOffset) / 8
}

func (f *FreeList) corrupted(msg string, ids ...pagemanager.PageID) error {
	return flushmanager.NewCorruptedFreeListError(
		fmt.Sprintf("%s [partitionID=%d]", msg, f.partitionID), nil, f.groupID, ids...)
}

func (f *FreeList) fullID(id pagemanager.PageID) pagemanager.FullPageID {
	return pagemanager.NewFullPageID(f.groupID, id)
}

// Allocate returns a reusable page, or grows the partition by one page when
// the list is empty. Reused ids come back rotated. Between a Save and the
// begin of the next checkpoint the list is frozen and Allocate always grows.
func (f *FreeList) Allocate(checkpointID uuid.UUID) (pagemanager.PageID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.frozenLocked(checkpointID) {
		return f.growLocked(checkpointID)
	}
	if n := len(f.ids); n > 0 {
		id := f.ids[n-1]
		f.ids = f.ids[:n-1]
		delete(f.members, id.Effective())
		f.dirty = true
		return id.Rotate(), nil
	}
	return f.growLocked(checkpointID)
}

func (f *FreeList) frozenLocked(checkpointID uuid.UUID) bool {
	return f.saved && f.savedFor == checkpointID
}

// Freeze marks the persisted list as the one the checkpoint following
// checkpointID will write, as Save does. It is used for lists loaded after the
// free lists were saved for that checkpoint.
func (f *FreeList) Freeze(checkpointID uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.savedFor, f.saved = checkpointID, true
}

// Unallocate takes back a page returned by Allocate that the caller could not
// initialize. The page was never handed out, so its header is not checked.
func (f *FreeList) Unallocate(id pagemanager.PageID) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.validateLocked(id); err != nil {
		return err
	}
	if _, ok := f.members[id.Effective()]; ok {
		return f.corrupted("unallocated page is already free", id)
	}
	f.ids = append(f.ids, id)
	f.members[id.Effective()] = struct{}{}
	f.dirty = true
	return nil
}

func (f *FreeList) growLocked(checkpointID uuid.UUID) (pagemanager.PageID, error) {
	count := f.meta.IncrementPageCount(checkpointID)
	id, err := pagemanager.NewPageID(f.partitionID, pagemanager.FlagData, int64(count))
	if err != nil {
		return pagemanager.InvalidPageID, fmt.Errorf("failed to grow partition %d: %w", f.partitionID, err)
	}
	return id, nil
}

// validateLocked checks that id can be a data page of this partition.
func (f *FreeList) validateLocked(id pagemanager.PageID) error {
	switch {
	case id.PartitionID() != f.partitionID:
		return f.corrupted(fmt.Sprintf("page belongs to partition %d", id.PartitionID()), id)
	case id.Flag() != pagemanager.FlagData:
		return f.corrupted(fmt.Sprintf("page has flag %d, expected data", id.Flag()), id)
	case id.PageIndex() == 0 || id.PageIndex() > int64(f.meta.PageCount()):
		return f.corrupted(fmt.Sprintf("page index %d outside of allocated range [1, %d]", id.PageIndex(), f.meta.PageCount()), id)
	}
	return nil
}

func (f *FreeList) inChainLocked(id pagemanager.PageID) bool {
	for _, c := range f.chain {
		if c.Effective() == id.Effective() {
			return true
		}
	}
	return false
}

// Reclaim returns a page to the list. Reclaiming a page twice, a page of another
// partition or a page that was never allocated fails with a corruption error.
func (f *FreeList) Reclaim(checkpointID uuid.UUID, id pagemanager.PageID) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.validateLocked(id); err != nil {
		return err
	}
	if _, ok := f.members[id.Effective()]; ok {
		return f.corrupted("page reclaimed twice", id)
	}
	if f.inChainLocked(id) {
		return f.corrupted("page is a free list bucket", id)
	}
	if err := f.checkHandleLocked(id); err != nil {
		return err
	}
	f.ids = append(f.ids, id)
	f.members[id.Effective()] = struct{}{}
	f.dirty = true
	f.logger.Debug("Reclaimed page", zap.Stringer("pageID", id), zap.Stringer("checkpointID", checkpointID))
	return nil
}

// checkHandleLocked rejects id if the page header carries another handle of
// the same page, i.e. the page was freed and handed out again since id was
// issued. Pages never stamped are accepted.
func (f *FreeList) checkHandleLocked(id pagemanager.PageID) error {
	stamped := pagemanager.InvalidPageID
	err := f.pm.Read(f.fullID(id), func(buf []byte) error {
		if pagemanager.GetPageType(buf) == pagemanager.PageTypeData {
			stamped = pagemanager.GetHeaderPageID(buf)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to read page %s: %w", id, err)
	}
	if stamped != pagemanager.InvalidPageID && stamped != id {
		return f.corrupted(fmt.Sprintf("stale handle, page is currently handed out as %s", stamped), id, stamped)
	}
	return nil
}

// Size returns the number of reusable pages.
func (f *FreeList) Size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ids)
}

// Contains reports whether id, ignoring rotation, is in the list.
func (f *FreeList) Contains(id pagemanager.PageID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.members[id.Effective()]
	return ok
}

// BucketPages returns the bucket pages of the persisted chain.
func (f *FreeList) BucketPages() []pagemanager.PageID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]pagemanager.PageID(nil), f.chain...)
}

// Save writes the list into its bucket chain and points the reuse list root at
// it. Bucket pages come from the partition, never from the list itself; buckets
// no longer needed are returned to the list. The caller must hold the
// checkpoint read lock. From then on until a checkpoint newer than
// checkpointID begins, Allocate does not hand out listed pages.
func (f *FreeList) Save(ctx context.Context, checkpointID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	// A clean list is frozen too: its persisted chain is still the one the
	// coming checkpoint writes.
	f.savedFor, f.saved = checkpointID, true
	if !f.dirty {
		return nil
	}

	capacity := BucketCapacity(f.pageSize)
	if capacity < 1 {
		return fmt.Errorf("page size %d too small for free list buckets", f.pageSize)
	}
	// Shrink the chain first, then grow it to fit the remaining ids.
	need := func() int { return (len(f.ids) + capacity - 1) / capacity }
	for len(f.chain) > need() {
		surplus := f.chain[len(f.chain)-1]
		f.chain = f.chain[:len(f.chain)-1]
		f.ids = append(f.ids, surplus)
		f.members[surplus.Effective()] = struct{}{}
	}
	for len(f.chain) < need() {
		id, err := f.growLocked(checkpointID)
		if err != nil {
			return err
		}
		f.chain = append(f.chain, id)
	}

	// Each bucket holds its slice of the stack and links to the next one.
	for i, bucket := range f.chain {
		if err := ctx.Err(); err != nil {
			return err
		}
		next := pagemanager.InvalidPageID
		if i+1 < len(f.chain) {
			next = f.chain[i+1]
		}
		lo := i * capacity
		hi := min(lo+capacity, len(f.ids))
		err := f.pm.Write(f.fullID(bucket), func(buf []byte) error {
			writeBucket(buf, bucket, next, f.ids[lo:hi])
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to write free list bucket %s: %w", bucket, err)
		}
	}

	root := pagemanager.InvalidPageID
	if len(f.chain) > 0 {
		root = f.chain[0]
	}
	f.meta.SetReuseListRootPageID(checkpointID, root)
	f.dirty = false
	f.logger.Debug("Saved free list",
		zap.Int32("groupID", f.groupID),
		zap.Int("partitionID", f.partitionID),
		zap.Int("pages", len(f.ids)),
		zap.Int("buckets", len(f.chain)))
	return nil
}

func writeBucket(buf []byte, self, next pagemanager.PageID, ids []pagemanager.PageID) {
	clear(buf)
	pagemanager.SetPageHeader(buf, pagemanager.PageTypeFreeListBucket, BucketPageVersion, self)
	binary.LittleEndian.PutUint64(buf[nextOffset:], uint64(next))
	binary.LittleEndian.PutUint32(buf[countOffset:], uint32(len(ids)))
	for i, id := range ids {
		binary.LittleEndian.PutUint64(buf[idsOffset+i*8:], uint64(id))
	}
}

// Load replaces the in-memory list with the chain rooted at the reuse list root.
func (f *FreeList) Load(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	capacity := BucketCapacity(f.pageSize)
	var (
		ids     []pagemanager.PageID
		members = make(map[pagemanager.PageID]struct{})
		chain   []pagemanager.PageID
		visited = make(map[pagemanager.PageID]struct{})
	)
	// Walk the chain, validating every bucket and every id before anything
	// replaces the current list.
	for bucket := f.meta.ReuseListRootPageID(); bucket != pagemanager.InvalidPageID; {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := f.validateLocked(bucket); err != nil {
			return err
		}
		if _, ok := visited[bucket.Effective()]; ok {
			return f.corrupted("cycle in free list bucket chain", append(chain, bucket)...)
		}
		if _, ok := members[bucket.Effective()]; ok {
			return f.corrupted("free list bucket is also a free page", bucket)
		}
		visited[bucket.Effective()] = struct{}{}
		chain = append(chain, bucket)

		var next pagemanager.PageID
		err := f.pm.Read(f.fullID(bucket), func(buf []byte) error {
			if t := pagemanager.GetPageType(buf); t != pagemanager.PageTypeFreeListBucket {
				return f.corrupted(fmt.Sprintf("unexpected page type %s in free list chain", t), bucket)
			}
			count := int(binary.LittleEndian.Uint32(buf[countOffset:]))
			if count > capacity {
				return f.corrupted(fmt.Sprintf("bucket count %d exceeds capacity %d", count, capacity), bucket)
			}
			for i := 0; i < count; i++ {
				id := pagemanager.PageID(binary.LittleEndian.Uint64(buf[idsOffset+i*8:]))
				if err := f.validateLocked(id); err != nil {
					return err
				}
				if _, dup := members[id.Effective()]; dup {
					return f.corrupted("page listed twice in free list", bucket, id)
				}
				if _, isBucket := visited[id.Effective()]; isBucket {
					return f.corrupted("free list bucket is also a free page", bucket, id)
				}
				members[id.Effective()] = struct{}{}
				ids = append(ids, id)
			}
			next = pagemanager.PageID(binary.LittleEndian.Uint64(buf[nextOffset:]))
			return nil
		})
		if err != nil {
			return err
		}
		bucket = next
	}

	// The loaded list matches the persisted chain.
	f.ids, f.members, f.chain = ids, members, chain
	f.dirty = false
	f.logger.Debug("Loaded free list",
		zap.Int32("groupID", f.groupID),
		zap.Int("partitionID", f.partitionID),
		zap.Int("pages", len(ids)),
		zap.Int("buckets", len(chain)))
	return nil
}
