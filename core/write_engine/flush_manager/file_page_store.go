package flushmanager

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"github.com/golang/snappy"
	pagemanager "github.com/sushant-115/gojopage/core/write_engine/page_manager"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	StoreMagic   uint32 = 0x6010DA6E
	StoreVersion uint32 = 1

	storeHeaderFieldsSize = 5 * 4
	deltaRecordHeaderSize = 8 + 4 + 4
)

// StoreFileHeader occupies the first page of every partition file.
type StoreFileHeader struct {
	Magic       uint32
	Version     uint32
	PageSize    uint32
	GroupID     int32
	PartitionID uint32
}

// FilePageStore is the page file of a single partition plus its delta file.
// Page index i is stored at offset (i+1)*pageSize; page 0 of the file holds
// the StoreFileHeader.
type FilePageStore struct {
	groupID     int32
	partitionID int
	path        string
	deltaPath   string
	pageSize    int
	logger      *zap.Logger

	mu    sync.Mutex
	file  *os.File
	delta *os.File
	// deltaIndex maps effective page ids to the offset of their latest delta record.
	deltaIndex map[pagemanager.PageID]int64
	deltaSize  int64
	closed     bool
}

func openFilePageStore(path, deltaPath string, groupID int32, partitionID, pageSize int, logger *zap.Logger) (*FilePageStore, error) {
	s := &FilePageStore{
		groupID:     groupID,
		partitionID: partitionID,
		path:        path,
		deltaPath:   deltaPath,
		pageSize:    pageSize,
		logger:      logger,
		deltaIndex:  make(map[pagemanager.PageID]int64),
	}

	_, statErr := os.Stat(path)
	switch {
	case os.IsNotExist(statErr):
		file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
		if err != nil {
			return nil, fmt.Errorf("%w: creating file %s: %v", ErrIO, path, err)
		}
		s.file = file
		header := StoreFileHeader{
			Magic:       StoreMagic,
			Version:     StoreVersion,
			PageSize:    uint32(pageSize),
			GroupID:     groupID,
			PartitionID: uint32(partitionID),
		}
		if err := s.writeHeader(&header); err != nil {
			_ = file.Close()
			_ = os.Remove(path)
			return nil, fmt.Errorf("failed to write initial header: %w", err)
		}
	case statErr == nil:
		file, err := os.OpenFile(path, os.O_RDWR, 0644)
		if err != nil {
			return nil, fmt.Errorf("%w: opening file %s: %v", ErrIO, path, err)
		}
		s.file = file
		var header StoreFileHeader
		if err := s.readHeader(&header); err != nil {
			_ = file.Close()
			return nil, err
		}
		if header.Magic != StoreMagic || header.Version != StoreVersion {
			_ = file.Close()
			return nil, fmt.Errorf("%w: %s: magic 0x%x version %d", ErrInvalidFileHeader, path, header.Magic, header.Version)
		}
		if header.PageSize != uint32(pageSize) {
			_ = file.Close()
			return nil, fmt.Errorf("%w: file %d, configured %d", ErrPageSizeMismatch, header.PageSize, pageSize)
		}
		if header.GroupID != groupID || header.PartitionID != uint32(partitionID) {
			_ = file.Close()
			return nil, fmt.Errorf("%w: %s belongs to group %d partition %d", ErrInvalidFileHeader, path, header.GroupID, header.PartitionID)
		}
	default:
		return nil, fmt.Errorf("%w: stating file %s: %v", ErrIO, path, statErr)
	}

	delta, err := os.OpenFile(deltaPath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		_ = s.file.Close()
		return nil, fmt.Errorf("%w: opening delta file %s: %v", ErrIO, deltaPath, err)
	}
	s.delta = delta
	if err := s.replayDelta(); err != nil {
		_ = s.file.Close()
		_ = s.delta.Close()
		return nil, err
	}
	return s, nil
}

// writeHeader serializes the header into page 0 of the file.
func (s *FilePageStore) writeHeader(header *StoreFileHeader) error {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return fmt.Errorf("%w: serializing header: %v", ErrSerialization, err)
	}
	page := make([]byte, s.pageSize)
	copy(page, buf.Bytes())
	if _, err := s.file.WriteAt(page, 0); err != nil {
		return fmt.Errorf("%w: writing header to disk: %v", ErrIO, err)
	}
	return s.file.Sync()
}

func (s *FilePageStore) readHeader(header *StoreFileHeader) error {
	data := make([]byte, storeHeaderFieldsSize)
	n, err := s.file.ReadAt(data, 0)
	if err != nil && !(errors.Is(err, io.EOF) && n == len(data)) {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: %s is too small (header too short)", ErrInvalidFileHeader, s.path)
		}
		return fmt.Errorf("%w: reading header from disk: %v", ErrIO, err)
	}
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, header); err != nil {
		return fmt.Errorf("%w: deserializing header: %v", ErrDeserialization, err)
	}
	return nil
}

// replayDelta rebuilds the delta index. A torn record at the tail is cut off.
func (s *FilePageStore) replayDelta() error {
	fi, err := s.delta.Stat()
	if err != nil {
		return fmt.Errorf("%w: stating delta file: %v", ErrIO, err)
	}
	size := fi.Size()
	var off int64
	hdr := make([]byte, deltaRecordHeaderSize)
	for off+deltaRecordHeaderSize <= size {
		if _, err := s.delta.ReadAt(hdr, off); err != nil {
			return fmt.Errorf("%w: reading delta record at %d: %v", ErrIO, off, err)
		}
		id := pagemanager.PageID(binary.LittleEndian.Uint64(hdr[0:]))
		length := int64(binary.LittleEndian.Uint32(hdr[8:]))
		if off+deltaRecordHeaderSize+length > size {
			break
		}
		s.deltaIndex[id.Effective()] = off
		off += deltaRecordHeaderSize + length
	}
	if off != size {
		s.logger.Warn("Truncating torn delta file tail",
			zap.String("path", s.deltaPath), zap.Int64("validSize", off), zap.Int64("fileSize", size))
		if err := s.delta.Truncate(off); err != nil {
			return fmt.Errorf("%w: truncating delta file: %v", ErrIO, err)
		}
	}
	s.deltaSize = off
	return nil
}

func (s *FilePageStore) fullID(id pagemanager.PageID) pagemanager.FullPageID {
	return pagemanager.NewFullPageID(s.groupID, id)
}

func (s *FilePageStore) checkPage(id pagemanager.PageID, buf []byte) error {
	if s.closed {
		return ErrStoreClosed
	}
	if len(buf) != s.pageSize {
		return fmt.Errorf("%w: page buffer size (%d) != page size (%d)", ErrInvalidPageData, len(buf), s.pageSize)
	}
	if id.PartitionID() != s.partitionID {
		return fmt.Errorf("%w: page belongs to partition %d, store serves %d", ErrInvalidPartitionID, id.PartitionID(), s.partitionID)
	}
	if id.Flag() == pagemanager.FlagAux && !id.IsMetaPage() {
		return fmt.Errorf("%w: only the meta page is stored among auxiliary pages", ErrInvalidPageID)
	}
	return nil
}

func (s *FilePageStore) pageOffset(id pagemanager.PageID) int64 {
	return (id.PageIndex() + 1) * int64(s.pageSize)
}

// ReadPage reads the latest copy of the page into buf, preferring the delta file.
func (s *FilePageStore) ReadPage(id pagemanager.PageID, buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkPage(id, buf); err != nil {
		return newStorageError("read page", s.fullID(id), err)
	}
	if off, ok := s.deltaIndex[id.Effective()]; ok {
		if err := s.readDeltaRecord(off, buf); err != nil {
			return newStorageError("read delta page", s.fullID(id), err)
		}
		return nil
	}
	if id.Flag() == pagemanager.FlagData && id.PageIndex() == 0 {
		return newStorageError("read page", s.fullID(id), fmt.Errorf("%w: data page index 0 is reserved", ErrInvalidPageID))
	}

	offset := s.pageOffset(id)
	fi, err := s.file.Stat()
	if err != nil {
		return newStorageError("read page", s.fullID(id), fmt.Errorf("%w: %v", ErrIO, err))
	}
	if offset+int64(s.pageSize) > fi.Size() {
		return newStorageError("read page", s.fullID(id), ErrPageNotFound)
	}
	n, err := s.file.ReadAt(buf, offset)
	if err != nil && !(errors.Is(err, io.EOF) && n == len(buf)) {
		return newStorageError("read page", s.fullID(id), fmt.Errorf("%w: reading at offset %d: %v", ErrIO, offset, err))
	}
	if !pagemanager.IsZeroPage(buf) {
		if err := verifyCRC(buf); err != nil {
			return newStorageError("read page", s.fullID(id), err)
		}
	}
	return nil
}

// WritePage writes buf to the main file. An older delta copy of the page is dropped.
func (s *FilePageStore) WritePage(id pagemanager.PageID, buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkPage(id, buf); err != nil {
		return newStorageError("write page", s.fullID(id), err)
	}
	if id.Flag() == pagemanager.FlagData && id.PageIndex() == 0 {
		return newStorageError("write page", s.fullID(id), fmt.Errorf("%w: data page index 0 is reserved", ErrInvalidPageID))
	}
	return s.writePageInternal(id, buf)
}

// writePageInternal must be called with s.mu held.
func (s *FilePageStore) writePageInternal(id pagemanager.PageID, buf []byte) error {
	page := stampCRC(buf)
	offset := s.pageOffset(id)
	if _, err := s.file.WriteAt(page, offset); err != nil {
		return newStorageError("write page", s.fullID(id), fmt.Errorf("%w: writing at offset %d: %v", ErrIO, offset, err))
	}
	delete(s.deltaIndex, id.Effective())
	return nil
}

// WriteDeltaPage appends a snappy compressed copy of the page to the delta file.
func (s *FilePageStore) WriteDeltaPage(id pagemanager.PageID, buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkPage(id, buf); err != nil {
		return newStorageError("write delta page", s.fullID(id), err)
	}
	compressed := snappy.Encode(nil, stampCRC(buf))
	record := make([]byte, deltaRecordHeaderSize+len(compressed))
	binary.LittleEndian.PutUint64(record[0:], uint64(id.Effective()))
	binary.LittleEndian.PutUint32(record[8:], uint32(len(compressed)))
	binary.LittleEndian.PutUint32(record[12:], crc32.ChecksumIEEE(compressed))
	copy(record[deltaRecordHeaderSize:], compressed)

	if _, err := s.delta.WriteAt(record, s.deltaSize); err != nil {
		return newStorageError("write delta page", s.fullID(id), fmt.Errorf("%w: %v", ErrIO, err))
	}
	s.deltaIndex[id.Effective()] = s.deltaSize
	s.deltaSize += int64(len(record))
	return nil
}

// readDeltaRecord must be called with s.mu held.
func (s *FilePageStore) readDeltaRecord(off int64, buf []byte) error {
	hdr := make([]byte, deltaRecordHeaderSize)
	if _, err := s.delta.ReadAt(hdr, off); err != nil {
		return fmt.Errorf("%w: reading delta record header at %d: %v", ErrIO, off, err)
	}
	length := binary.LittleEndian.Uint32(hdr[8:])
	crc := binary.LittleEndian.Uint32(hdr[12:])
	compressed := make([]byte, length)
	if _, err := s.delta.ReadAt(compressed, off+deltaRecordHeaderSize); err != nil {
		return fmt.Errorf("%w: reading delta record at %d: %v", ErrIO, off, err)
	}
	if crc32.ChecksumIEEE(compressed) != crc {
		return fmt.Errorf("%w: delta record at %d", ErrChecksumMismatch, off)
	}
	page, err := snappy.Decode(nil, compressed)
	if err != nil {
		return fmt.Errorf("%w: decompressing delta record at %d: %v", ErrDeserialization, off, err)
	}
	if len(page) != s.pageSize {
		return fmt.Errorf("%w: delta record holds %d bytes", ErrInvalidPageData, len(page))
	}
	if err := verifyCRC(page); err != nil {
		return err
	}
	copy(buf, page)
	return nil
}

// DeltaPages returns how many pages currently live in the delta file.
func (s *FilePageStore) DeltaPages() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deltaIndex)
}

// MergeDelta folds delta pages into the main file and truncates the delta file.
// limiter, when not nil, throttles the copy in bytes per second.
func (s *FilePageStore) MergeDelta(ctx context.Context, limiter *rate.Limiter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}
	if len(s.deltaIndex) == 0 {
		return 0, nil
	}

	buf := make([]byte, s.pageSize)
	merged := 0
	for id, off := range s.deltaIndex {
		if limiter != nil {
			if err := limiter.WaitN(ctx, s.pageSize); err != nil {
				return merged, fmt.Errorf("rate limiter error: %w", err)
			}
		}
		if err := s.readDeltaRecord(off, buf); err != nil {
			return merged, newStorageError("merge delta page", s.fullID(id), err)
		}
		if err := s.writePageInternal(id, buf); err != nil {
			return merged, err
		}
		merged++
	}
	if err := s.file.Sync(); err != nil {
		return merged, fmt.Errorf("%w: sync after delta merge: %v", ErrIO, err)
	}
	if err := s.delta.Truncate(0); err != nil {
		return merged, fmt.Errorf("%w: truncating delta file: %v", ErrIO, err)
	}
	s.deltaSize = 0
	return merged, nil
}

// Pages returns the number of page slots present in the main file.
func (s *FilePageStore) Pages() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}
	fi, err := s.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrIO, err)
	}
	return fi.Size()/int64(s.pageSize) - 1, nil
}

// Sync flushes the main and delta files.
func (s *FilePageStore) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("%w: sync %s: %v", ErrIO, s.path, err)
	}
	if err := s.delta.Sync(); err != nil {
		return fmt.Errorf("%w: sync %s: %v", ErrIO, s.deltaPath, err)
	}
	return nil
}

// Close syncs and closes both files.
func (s *FilePageStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var firstErr error
	for _, f := range []*os.File{s.file, s.delta} {
		if err := f.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// stampCRC returns a copy of buf with the page CRC filled in.
func stampCRC(buf []byte) []byte {
	page := make([]byte, len(buf))
	copy(page, buf)
	pagemanager.SetPageCRC(page, 0)
	pagemanager.SetPageCRC(page, crc32.ChecksumIEEE(page))
	return page
}

func verifyCRC(buf []byte) error {
	stored := pagemanager.GetPageCRC(buf)
	pagemanager.SetPageCRC(buf, 0)
	actual := crc32.ChecksumIEEE(buf)
	pagemanager.SetPageCRC(buf, stored)
	if stored != actual {
		return fmt.Errorf("%w: stored 0x%08x, computed 0x%08x", ErrChecksumMismatch, stored, actual)
	}
	return nil
}
