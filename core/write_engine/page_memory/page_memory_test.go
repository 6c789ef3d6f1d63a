package pagememory

import (
	"encoding/binary"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	flushmanager "github.com/sushant-115/gojopage/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojopage/core/write_engine/page_manager"
	"go.uber.org/zap"
)

const testPageSize = 64

type memStore struct {
	mu     sync.Mutex
	pages  map[pagemanager.FullPageID][]byte
	reads  int
	writes int
}

func newMemStore() *memStore {
	return &memStore{pages: make(map[pagemanager.FullPageID][]byte)}
}

func (s *memStore) ReadPage(id pagemanager.FullPageID, buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	p, ok := s.pages[id]
	if !ok {
		return flushmanager.ErrPageNotFound
	}
	copy(buf, p)
	return nil
}

func (s *memStore) WritePage(id pagemanager.FullPageID, buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	s.pages[id] = append([]byte(nil), buf...)
	return nil
}

func (s *memStore) get(id pagemanager.FullPageID) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pages[id]
}

type fakeLock struct{ held bool }

func (l *fakeLock) IsReadLockHeld() bool { return l.held }

func setupPageMemory(t *testing.T, frames int, cpBufferPages int) (*PageMemory, *memStore, *fakeLock) {
	t.Helper()
	store := newMemStore()
	lock := &fakeLock{held: true}
	pm, err := New(Config{
		PageSize:             testPageSize,
		SegmentSizes:         []int64{int64(frames * testPageSize)},
		CheckpointBufferSize: int64(cpBufferPages * testPageSize),
	}, store, store.WritePage, lock, zap.NewNop(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pm.Stop(false) })
	return pm, store, lock
}

func dataPage(t *testing.T, idx int64) pagemanager.FullPageID {
	t.Helper()
	id, err := pagemanager.NewPageID(1, pagemanager.FlagData, idx)
	require.NoError(t, err)
	return pagemanager.NewFullPageID(0, id)
}

func writeValue(t *testing.T, pm *PageMemory, id pagemanager.FullPageID, v uint64) {
	t.Helper()
	require.NoError(t, pm.Write(id, func(buf []byte) error {
		binary.LittleEndian.PutUint64(buf[pagemanager.PageHeaderSize:], v)
		return nil
	}))
}

func readValue(t *testing.T, pm *PageMemory, id pagemanager.FullPageID) uint64 {
	t.Helper()
	var v uint64
	require.NoError(t, pm.Read(id, func(buf []byte) error {
		v = binary.LittleEndian.Uint64(buf[pagemanager.PageHeaderSize:])
		return nil
	}))
	return v
}

func TestPageMemory_ReadWrite(t *testing.T) {
	pm, store, _ := setupPageMemory(t, 4, 4)
	id := dataPage(t, 1)

	require.Equal(t, uint64(0), readValue(t, pm, id), "unwritten pages read as zero")
	writeValue(t, pm, id, 42)
	require.Equal(t, uint64(42), readValue(t, pm, id))
	require.Equal(t, 1, store.reads, "second access is served from memory")
	require.Equal(t, 1, pm.DirtyPages())
}

func TestPageMemory_WriteRequiresCheckpointReadLock(t *testing.T) {
	pm, _, lock := setupPageMemory(t, 4, 4)
	lock.held = false
	err := pm.Write(dataPage(t, 1), func([]byte) error { return nil })
	require.ErrorIs(t, err, flushmanager.ErrCheckpointLockNotHeld)
}

func TestPageMemory_EvictionWritesDirtyVictims(t *testing.T) {
	pm, store, _ := setupPageMemory(t, 2, 4)
	for i := int64(1); i <= 3; i++ {
		writeValue(t, pm, dataPage(t, i), uint64(i*10))
	}
	require.Equal(t, 2, pm.LoadedPages())
	require.NotNil(t, store.get(dataPage(t, 1)), "LRU victim went to the replacement writer")

	// Reloaded from the store after eviction.
	require.Equal(t, uint64(10), readValue(t, pm, dataPage(t, 1)))
}

func TestPageMemory_PinnedPagesAreNotEvicted(t *testing.T) {
	pm, _, _ := setupPageMemory(t, 1, 4)
	err := pm.Read(dataPage(t, 1), func([]byte) error {
		return pm.Read(dataPage(t, 2), func([]byte) error { return nil })
	})
	require.ErrorIs(t, err, flushmanager.ErrNoFreeFrames)
}

func TestPageMemory_CheckpointSeesImageAtBegin(t *testing.T) {
	pm, _, _ := setupPageMemory(t, 4, 4)
	a, b := dataPage(t, 1), dataPage(t, 2)
	writeValue(t, pm, a, 1)
	writeValue(t, pm, b, 2)

	ids, err := pm.BeginCheckpoint()
	require.NoError(t, err)
	require.Equal(t, []pagemanager.FullPageID{a, b}, ids)
	_, err = pm.BeginCheckpoint()
	require.ErrorIs(t, err, flushmanager.ErrCheckpointInProgress)

	// Modified after the checkpoint began: the checkpoint still writes 1.
	writeValue(t, pm, a, 100)
	require.Equal(t, 1, pm.CheckpointBufferSize())

	buf := make([]byte, testPageSize)
	ok, err := pm.CheckpointPage(a, buf)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(1), binary.LittleEndian.Uint64(buf[pagemanager.PageHeaderSize:]))
	require.Equal(t, 0, pm.CheckpointBufferSize())

	ok, err = pm.CheckpointPage(b, buf)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(2), binary.LittleEndian.Uint64(buf[pagemanager.PageHeaderSize:]))

	ok, err = pm.CheckpointPage(b, buf)
	require.NoError(t, err)
	require.False(t, ok, "already written")
	pm.FinishCheckpoint()

	// Only the page modified during the checkpoint stays dirty.
	require.Equal(t, 1, pm.DirtyPages())
	require.Equal(t, uint64(100), readValue(t, pm, a))
}

func TestPageMemory_CheckpointBufferOverflow(t *testing.T) {
	pm, _, _ := setupPageMemory(t, 4, 1)
	a, b := dataPage(t, 1), dataPage(t, 2)
	writeValue(t, pm, a, 1)
	writeValue(t, pm, b, 2)

	_, err := pm.BeginCheckpoint()
	require.NoError(t, err)
	writeValue(t, pm, a, 10)
	err = pm.Write(b, func([]byte) error { return nil })
	require.ErrorIs(t, err, flushmanager.ErrCheckpointBufferOverflow)
	require.Equal(t, uint64(2), readValue(t, pm, b), "failed write left the page untouched")
}

func TestPageMemory_UnfinishedCheckpointRequeuesPages(t *testing.T) {
	pm, _, _ := setupPageMemory(t, 4, 4)
	writeValue(t, pm, dataPage(t, 1), 1)
	_, err := pm.BeginCheckpoint()
	require.NoError(t, err)
	require.Equal(t, 1, pm.DirtyPages())
	pm.FinishCheckpoint()
	require.Equal(t, 1, pm.DirtyPages())

	ids, err := pm.BeginCheckpoint()
	require.NoError(t, err)
	require.Len(t, ids, 1)
	pm.FinishCheckpoint()
}

func TestPageMemory_DropPartition(t *testing.T) {
	pm, store, _ := setupPageMemory(t, 4, 4)
	writeValue(t, pm, dataPage(t, 1), 1)
	require.NoError(t, pm.DropPartition(0, 1))
	require.Equal(t, 0, pm.LoadedPages())
	require.Nil(t, store.get(dataPage(t, 1)))
}

func TestPageMemory_StopFlushes(t *testing.T) {
	pm, store, _ := setupPageMemory(t, 4, 4)
	writeValue(t, pm, dataPage(t, 1), 7)
	require.NoError(t, pm.Stop(true))
	require.NoError(t, pm.Stop(true), "stop is idempotent")
	require.Equal(t, uint64(7), binary.LittleEndian.Uint64(store.get(dataPage(t, 1))[pagemanager.PageHeaderSize:]))

	err := pm.Read(dataPage(t, 1), func([]byte) error { return nil })
	require.ErrorIs(t, err, flushmanager.ErrPageMemoryStopped)
}

func TestPageMemory_ConcurrentWriters(t *testing.T) {
	pm, _, _ := setupPageMemory(t, 8, 8)
	id := dataPage(t, 1)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_ = pm.Write(id, func(buf []byte) error {
					v := binary.LittleEndian.Uint64(buf[pagemanager.PageHeaderSize:])
					binary.LittleEndian.PutUint64(buf[pagemanager.PageHeaderSize:], v+1)
					return nil
				})
			}
		}()
	}
	wg.Wait()
	require.Equal(t, uint64(800), readValue(t, pm, id))
}
