package pagemanager

import "encoding/binary"

// PageType identifies the layout stored in a page.
type PageType uint16

const (
	PageTypeUnknown        PageType = 0
	PageTypePartitionMeta  PageType = 1
	PageTypeFreeListBucket PageType = 2
	PageTypeData           PageType = 3
)

func (t PageType) String() string {
	switch t {
	case PageTypePartitionMeta:
		return "partition_meta"
	case PageTypeFreeListBucket:
		return "free_list_bucket"
	case PageTypeData:
		return "data"
	default:
		return "unknown"
	}
}

// Common page header, little endian:
//
//	type u16 | version u16 | crc u32 | page id u64
const (
	PageHeaderSize = 16

	typeOffset    = 0
	versionOffset = 2
	CRCOffset     = 4
	pageIDOffset  = 8
)

// SetPageHeader writes the common header into buf.
func SetPageHeader(buf []byte, t PageType, version uint16, id PageID) {
	binary.LittleEndian.PutUint16(buf[typeOffset:], uint16(t))
	binary.LittleEndian.PutUint16(buf[versionOffset:], version)
	binary.LittleEndian.PutUint64(buf[pageIDOffset:], uint64(id))
}

func GetPageType(buf []byte) PageType {
	return PageType(binary.LittleEndian.Uint16(buf[typeOffset:]))
}

func GetPageVersion(buf []byte) uint16 {
	return binary.LittleEndian.Uint16(buf[versionOffset:])
}

func GetHeaderPageID(buf []byte) PageID {
	return PageID(binary.LittleEndian.Uint64(buf[pageIDOffset:]))
}

func GetPageCRC(buf []byte) uint32 {
	return binary.LittleEndian.Uint32(buf[CRCOffset:])
}

func SetPageCRC(buf []byte, crc uint32) {
	binary.LittleEndian.PutUint32(buf[CRCOffset:], crc)
}

// IsZeroPage reports whether the page was never written.
func IsZeroPage(buf []byte) bool {
	for _, b := range buf {
		if b != 0 {
			return false
		}
	}
	return true
}
