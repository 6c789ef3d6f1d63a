package flushmanager

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	pagemanager "github.com/sushant-115/gojopage/core/write_engine/page_manager"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const testPageSize = 256

func setupStoreManager(t *testing.T) (*FilePageStoreManager, string) {
	t.Helper()
	dir := t.TempDir()
	m, err := NewFilePageStoreManager(dir, testPageSize, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m, dir
}

func dataPage(t *testing.T, partitionID int, idx int64) pagemanager.PageID {
	t.Helper()
	id, err := pagemanager.NewPageID(partitionID, pagemanager.FlagData, idx)
	require.NoError(t, err)
	return id
}

func filledPage(id pagemanager.PageID, fill byte) []byte {
	buf := make([]byte, testPageSize)
	for i := pagemanager.PageHeaderSize; i < len(buf); i++ {
		buf[i] = fill
	}
	pagemanager.SetPageHeader(buf, pagemanager.PageTypeData, 1, id)
	return buf
}

func TestFilePageStore_WriteAndRead(t *testing.T) {
	m, _ := setupStoreManager(t)
	id := pagemanager.NewFullPageID(1, dataPage(t, 3, 5))

	require.NoError(t, m.WritePage(id, filledPage(id.PageID, 0xAB)))

	buf := make([]byte, testPageSize)
	require.NoError(t, m.ReadPage(id, buf))
	require.Equal(t, byte(0xAB), buf[testPageSize-1])
	require.Equal(t, pagemanager.PageTypeData, pagemanager.GetPageType(buf))

	// Pages below the written one exist as zero slots, pages past the end do not.
	require.NoError(t, m.ReadPage(pagemanager.NewFullPageID(1, dataPage(t, 3, 2)), buf))
	require.True(t, pagemanager.IsZeroPage(buf))

	err := m.ReadPage(pagemanager.NewFullPageID(1, dataPage(t, 3, 99)), buf)
	require.ErrorIs(t, err, ErrPageNotFound)

	var storageErr *StorageError
	require.True(t, errors.As(err, &storageErr))
	require.Equal(t, int32(1), storageErr.GroupID)
	require.Equal(t, 3, storageErr.PartitionID)
}

func TestFilePageStore_RejectsReservedIndexAndForeignPartition(t *testing.T) {
	m, _ := setupStoreManager(t)
	s, err := m.Open(1, 3)
	require.NoError(t, err)

	buf := make([]byte, testPageSize)
	require.ErrorIs(t, s.WritePage(dataPage(t, 3, 0), buf), ErrInvalidPageID)
	require.ErrorIs(t, s.WritePage(dataPage(t, 4, 1), buf), ErrInvalidPartitionID)
	require.ErrorIs(t, s.WritePage(dataPage(t, 3, 1), make([]byte, 10)), ErrInvalidPageData)
}

func TestFilePageStore_ChecksumMismatch(t *testing.T) {
	m, dir := setupStoreManager(t)
	id := pagemanager.NewFullPageID(2, dataPage(t, 0, 1))
	require.NoError(t, m.WritePage(id, filledPage(id.PageID, 0x11)))
	require.NoError(t, m.Close())

	// Flip a payload byte behind the store's back.
	path := dir + "/group-2/part-0.bin"
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0x22}, int64(3*testPageSize-1))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	m2, err := NewFilePageStoreManager(dir, testPageSize, zap.NewNop())
	require.NoError(t, err)
	defer m2.Close()

	err = m2.ReadPage(id, make([]byte, testPageSize))
	require.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestFilePageStore_DeltaOverridesMainAndMerges(t *testing.T) {
	m, dir := setupStoreManager(t)
	id := pagemanager.NewFullPageID(1, dataPage(t, 7, 4))

	require.NoError(t, m.WritePage(id, filledPage(id.PageID, 0x01)))
	require.NoError(t, m.WriteDeltaPage(id, filledPage(id.PageID, 0x02)))

	buf := make([]byte, testPageSize)
	require.NoError(t, m.ReadPage(id, buf))
	require.Equal(t, byte(0x02), buf[testPageSize-1], "delta copy is newer than the main copy")

	s, ok := m.Store(1, 7)
	require.True(t, ok)
	require.Equal(t, 1, s.DeltaPages())

	// Delta survives a restart.
	require.NoError(t, m.Close())
	m2, err := NewFilePageStoreManager(dir, testPageSize, zap.NewNop())
	require.NoError(t, err)
	defer m2.Close()
	require.NoError(t, m2.ReadPage(id, buf))
	require.Equal(t, byte(0x02), buf[testPageSize-1])

	merged, err := m2.MergeDeltaFiles(context.Background(), rate.NewLimiter(rate.Inf, testPageSize))
	require.NoError(t, err)
	require.Equal(t, 1, merged)

	s2, ok := m2.Store(1, 7)
	require.True(t, ok)
	require.Equal(t, 0, s2.DeltaPages())
	require.NoError(t, m2.ReadPage(id, buf))
	require.Equal(t, byte(0x02), buf[testPageSize-1])
}

func TestFilePageStore_MainWriteDropsOlderDelta(t *testing.T) {
	m, _ := setupStoreManager(t)
	id := pagemanager.NewFullPageID(1, dataPage(t, 7, 4))

	require.NoError(t, m.WriteDeltaPage(id, filledPage(id.PageID, 0x02)))
	require.NoError(t, m.WritePage(id, filledPage(id.PageID, 0x03)))

	buf := make([]byte, testPageSize)
	require.NoError(t, m.ReadPage(id, buf))
	require.Equal(t, byte(0x03), buf[testPageSize-1])
}

func TestFilePageStore_ReopenValidatesHeader(t *testing.T) {
	dir := t.TempDir()
	m, err := NewFilePageStoreManager(dir, testPageSize, zap.NewNop())
	require.NoError(t, err)
	_, err = m.Open(1, 1)
	require.NoError(t, err)
	require.NoError(t, m.Close())

	m2, err := NewFilePageStoreManager(dir, testPageSize*2, zap.NewNop())
	require.NoError(t, err)
	defer m2.Close()
	_, err = m2.Open(1, 1)
	require.ErrorIs(t, err, ErrPageSizeMismatch)
}

func TestFilePageStoreManager_DestroyAndClose(t *testing.T) {
	m, dir := setupStoreManager(t)
	id := pagemanager.NewFullPageID(5, dataPage(t, 2, 1))
	require.NoError(t, m.WritePage(id, filledPage(id.PageID, 0x09)))

	require.NoError(t, m.Destroy(5, 2))
	_, err := os.Stat(dir + "/group-5/part-2.bin")
	require.True(t, os.IsNotExist(err))

	require.NoError(t, m.Close())
	_, err = m.Open(5, 2)
	require.ErrorIs(t, err, ErrStoreClosed)
}

func TestCorruptedDataStructureError(t *testing.T) {
	id := dataPage(t, 1, 10)
	cause := errors.New("boom")
	err := error(NewCorruptedFreeListError("page reclaimed twice", cause, 42, id))

	require.ErrorIs(t, err, ErrCorruptedDataStructure)
	require.ErrorIs(t, err, cause)

	c, ok := AsCorruptedDataStructure(err)
	require.True(t, ok)
	require.Equal(t, KindFreeList, c.Kind)
	require.Equal(t, int32(42), c.GroupID)
	require.True(t, c.ContainsPage(id.Rotate()))
	require.Contains(t, err.Error(), "free list")
	require.Contains(t, err.Error(), "groupID=42")

	_, ok = AsCorruptedDataStructure(ErrIO)
	require.False(t, ok)
	require.NotErrorIs(t, &StorageError{Op: "read page", Err: ErrIO}, ErrCorruptedDataStructure)
}
