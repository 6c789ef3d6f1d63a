package partitionmeta

import (
	"encoding/binary"
	"fmt"

	flushmanager "github.com/sushant-115/gojopage/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojopage/core/write_engine/page_manager"
)

// Meta page layout after the common page header:
//
//	tree root u64 | reuse list root u64 | page count i32
const (
	MetaPageVersion uint16 = 1

	treeRootOffset  = pagemanager.PageHeaderSize
	reuseRootOffset = treeRootOffset + 8
	pageCountOffset = reuseRootOffset + 8
	metaPayloadEnd  = pageCountOffset + 4
)

// WriteSnapshot serializes snap into a partition meta page.
func WriteSnapshot(buf []byte, partitionID uint16, snap Snapshot) {
	clear(buf)
	pagemanager.SetPageHeader(buf, pagemanager.PageTypePartitionMeta, MetaPageVersion, pagemanager.PartitionMetaPageID(partitionID))
	binary.LittleEndian.PutUint64(buf[treeRootOffset:], uint64(snap.TreeRootPageID))
	binary.LittleEndian.PutUint64(buf[reuseRootOffset:], uint64(snap.ReuseListRootPageID))
	binary.LittleEndian.PutUint32(buf[pageCountOffset:], uint32(snap.PageCount))
}

// ReadSnapshot parses a partition meta page. The returned snapshot carries no
// checkpoint id.
func ReadSnapshot(groupID int32, partitionID uint16, buf []byte) (Snapshot, error) {
	metaPageID := pagemanager.PartitionMetaPageID(partitionID)
	if len(buf) < metaPayloadEnd {
		return Snapshot{}, flushmanager.NewCorruptedPartitionMetaError(
			fmt.Sprintf("meta page buffer too small: %d bytes", len(buf)), nil, groupID, metaPageID)
	}
	if t := pagemanager.GetPageType(buf); t != pagemanager.PageTypePartitionMeta {
		return Snapshot{}, flushmanager.NewCorruptedPartitionMetaError(
			fmt.Sprintf("unexpected page type %s in partition meta page", t), nil, groupID, metaPageID)
	}
	if v := pagemanager.GetPageVersion(buf); v != MetaPageVersion {
		return Snapshot{}, flushmanager.NewCorruptedPartitionMetaError(
			fmt.Sprintf("unsupported partition meta version %d", v), nil, groupID, metaPageID)
	}
	snap := Snapshot{
		TreeRootPageID:      pagemanager.PageID(binary.LittleEndian.Uint64(buf[treeRootOffset:])),
		ReuseListRootPageID: pagemanager.PageID(binary.LittleEndian.Uint64(buf[reuseRootOffset:])),
		PageCount:           int32(binary.LittleEndian.Uint32(buf[pageCountOffset:])),
	}
	if snap.PageCount < 0 {
		return Snapshot{}, flushmanager.NewCorruptedPartitionMetaError(
			fmt.Sprintf("negative page count %d", snap.PageCount), nil, groupID, metaPageID)
	}
	for _, root := range []pagemanager.PageID{snap.TreeRootPageID, snap.ReuseListRootPageID} {
		if root == pagemanager.InvalidPageID {
			continue
		}
		if root.PartitionID() != int(partitionID) || root.PageIndex() > int64(snap.PageCount) {
			return Snapshot{}, flushmanager.NewCorruptedPartitionMetaError(
				"root page outside of the partition", nil, groupID, metaPageID, root)
		}
	}
	return snap, nil
}
