package checkpoint

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	flushmanager "github.com/sushant-115/gojopage/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojopage/core/write_engine/page_manager"
	pagememory "github.com/sushant-115/gojopage/core/write_engine/page_memory"
	partitionmeta "github.com/sushant-115/gojopage/core/write_engine/partition_meta"
	"go.uber.org/zap"
)

const testPageSize = 256

type testEnv struct {
	store *flushmanager.FilePageStoreManager
	metas *partitionmeta.Manager
	cpm   *Manager
	pm    *pagememory.PageMemory
}

func setupCheckpoint(t *testing.T, frames int) *testEnv {
	t.Helper()
	logger := zap.NewNop()
	store, err := flushmanager.NewFilePageStoreManager(t.TempDir(), testPageSize, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	metas := partitionmeta.NewManager(store, testPageSize, logger)
	cpm := NewManager(Config{LockTimeout: time.Second, WriteThreads: 2}, store, metas, logger, nil)
	pm, err := pagememory.New(pagememory.Config{
		PageSize:             testPageSize,
		SegmentSizes:         []int64{int64(frames * testPageSize)},
		CheckpointBufferSize: 4 * testPageSize,
	}, store, cpm.WritePageToDeltaFilePageStore, cpm.CheckpointTimeoutLock(), logger, nil)
	require.NoError(t, err)
	cpm.RegisterPageMemory(pm)
	t.Cleanup(func() { _ = pm.Stop(false) })
	return &testEnv{store: store, metas: metas, cpm: cpm, pm: pm}
}

func pageOf(t *testing.T, idx int64) pagemanager.FullPageID {
	t.Helper()
	id, err := pagemanager.NewPageID(0, pagemanager.FlagData, idx)
	require.NoError(t, err)
	return pagemanager.NewFullPageID(1, id)
}

func (e *testEnv) write(t *testing.T, id pagemanager.FullPageID, v uint64) {
	t.Helper()
	lock := e.cpm.CheckpointTimeoutLock()
	require.NoError(t, lock.ReadLock(context.Background()))
	defer lock.ReadUnlock()
	require.NoError(t, e.pm.Write(id, func(buf []byte) error {
		pagemanager.SetPageHeader(buf, pagemanager.PageTypeData, 1, id.PageID)
		binary.LittleEndian.PutUint64(buf[pagemanager.PageHeaderSize:], v)
		return nil
	}))
}

func storedValue(t *testing.T, store *flushmanager.FilePageStoreManager, id pagemanager.FullPageID) uint64 {
	t.Helper()
	buf := make([]byte, testPageSize)
	require.NoError(t, store.ReadPage(id, buf))
	return binary.LittleEndian.Uint64(buf[pagemanager.PageHeaderSize:])
}

func TestTimeoutLock_ReadLockTimesOutBehindWriter(t *testing.T) {
	lock := NewTimeoutLock(20 * time.Millisecond)
	require.NoError(t, lock.WriteLock(context.Background()))
	require.True(t, lock.IsWriteLockHeld())

	err := lock.ReadLock(context.Background())
	require.ErrorIs(t, err, flushmanager.ErrCheckpointLockTimeout)
	require.False(t, lock.IsReadLockHeld())

	lock.WriteUnlock()
	require.NoError(t, lock.ReadLock(context.Background()))
	require.True(t, lock.IsReadLockHeld())
	require.NoError(t, lock.ReadLock(context.Background()), "readers share the lock")
	lock.ReadUnlock()
	lock.ReadUnlock()
	require.False(t, lock.IsReadLockHeld())
}

func TestTimeoutLock_ReadLockHeldIsProcessWide(t *testing.T) {
	lock := NewTimeoutLock(0)
	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		if lock.ReadLock(context.Background()) != nil {
			close(held)
			return
		}
		close(held)
		<-release
		lock.ReadUnlock()
	}()
	<-held
	require.True(t, lock.IsReadLockHeld(), "a holder on another goroutine counts")
	close(release)
	<-done
	require.False(t, lock.IsReadLockHeld())

	require.NoError(t, lock.WriteLock(context.Background()))
	require.False(t, lock.IsReadLockHeld())
	lock.WriteUnlock()
}

func TestTimeoutLock_WriterWaitsForReaders(t *testing.T) {
	lock := NewTimeoutLock(0)
	require.NoError(t, lock.ReadLock(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, lock.WriteLock(ctx))

	lock.ReadUnlock()
	require.NoError(t, lock.WriteLock(context.Background()))
	lock.WriteUnlock()
}

func TestManager_CheckpointWritesDirtyPagesAndMetas(t *testing.T) {
	env := setupCheckpoint(t, 8)
	meta, err := env.metas.ReadOrCreateMeta(1, 0)
	require.NoError(t, err)

	before := env.cpm.CurrentCheckpointID()
	require.Equal(t, partitionmeta.NoCheckpoint, before)
	meta.IncrementPageCount(before)
	meta.IncrementPageCount(before)
	env.write(t, pageOf(t, 1), 11)
	env.write(t, pageOf(t, 2), 22)

	id, err := env.cpm.Checkpoint(context.Background(), "test")
	require.NoError(t, err)
	require.NotEqual(t, before, id)
	require.Equal(t, id, env.cpm.CurrentCheckpointID())

	require.Equal(t, uint64(11), storedValue(t, env.store, pageOf(t, 1)))
	require.Equal(t, uint64(22), storedValue(t, env.store, pageOf(t, 2)))
	require.Equal(t, 0, env.pm.DirtyPages())

	res, ok := env.cpm.LastResult()
	require.True(t, ok)
	require.Equal(t, 2, res.Pages)
	require.Equal(t, 1, res.Metas)

	// The persisted meta is readable by a fresh manager.
	reloaded := partitionmeta.NewManager(env.store, testPageSize, zap.NewNop())
	m2, err := reloaded.ReadOrCreateMeta(1, 0)
	require.NoError(t, err)
	require.Equal(t, int32(2), m2.PageCount())
}

func TestManager_MetaChangesUnderRunningCheckpointAreExcluded(t *testing.T) {
	env := setupCheckpoint(t, 8)
	meta, err := env.metas.ReadOrCreateMeta(1, 0)
	require.NoError(t, err)
	meta.IncrementPageCount(env.cpm.CurrentCheckpointID())

	first, err := env.cpm.Checkpoint(context.Background(), "first")
	require.NoError(t, err)

	// Tagged with the finished checkpoint: included by the next one.
	meta.IncrementPageCount(first)
	_, err = env.cpm.Checkpoint(context.Background(), "second")
	require.NoError(t, err)
	reloaded := partitionmeta.NewManager(env.store, testPageSize, zap.NewNop())
	m2, err := reloaded.ReadOrCreateMeta(1, 0)
	require.NoError(t, err)
	require.Equal(t, int32(2), m2.PageCount())

	// Tagged with the checkpoint being written: excluded from it.
	running := uuid.New()
	meta.IncrementPageCount(running)
	snap, err := env.metas.WriteMeta(meta, running)
	require.NoError(t, err)
	require.Equal(t, int32(2), snap.PageCount)
	require.Equal(t, int32(3), meta.PageCount())
}

func TestManager_EvictedPagesGoToDeltaAndMerge(t *testing.T) {
	env := setupCheckpoint(t, 1)
	env.write(t, pageOf(t, 1), 1)
	env.write(t, pageOf(t, 2), 2) // evicts page 1 into the delta file

	s, ok := env.store.Store(1, 0)
	require.True(t, ok)
	require.Equal(t, 1, s.DeltaPages())
	require.Equal(t, uint64(1), storedValue(t, env.store, pageOf(t, 1)))

	_, err := env.cpm.Checkpoint(context.Background(), "test")
	require.NoError(t, err)
	require.Equal(t, 0, s.DeltaPages())
	require.Equal(t, uint64(1), storedValue(t, env.store, pageOf(t, 1)))
	require.Equal(t, uint64(2), storedValue(t, env.store, pageOf(t, 2)))
}

func TestManager_StopRunsFinalCheckpoint(t *testing.T) {
	env := setupCheckpoint(t, 4)
	env.cpm.cfg.Interval = time.Hour
	env.cpm.Start()
	env.write(t, pageOf(t, 1), 5)

	require.NoError(t, env.cpm.Stop(context.Background(), true))
	require.Equal(t, uint64(5), storedValue(t, env.store, pageOf(t, 1)))

	_, err := env.cpm.Checkpoint(context.Background(), "late")
	require.ErrorIs(t, err, flushmanager.ErrCheckpointerStopped)
}

func TestManager_IntervalLoop(t *testing.T) {
	env := setupCheckpoint(t, 4)
	env.cpm.cfg.Interval = 10 * time.Millisecond
	env.cpm.Start()
	defer func() { _ = env.cpm.Stop(context.Background(), false) }()

	require.Eventually(t, func() bool {
		_, ok := env.cpm.LastResult()
		return ok
	}, 2*time.Second, 5*time.Millisecond)
}

func TestManager_BetweenCheckpointsExcludesPasses(t *testing.T) {
	env := setupCheckpoint(t, 4)
	env.write(t, pageOf(t, 1), 1)

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- env.cpm.BetweenCheckpoints(func() error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	cpDone := make(chan error, 1)
	go func() {
		_, err := env.cpm.Checkpoint(context.Background(), "blocked")
		cpDone <- err
	}()
	select {
	case <-cpDone:
		t.Fatal("checkpoint ran while excluded")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-done)
	require.NoError(t, <-cpDone)

	require.NoError(t, env.cpm.Stop(context.Background(), false))
	require.ErrorIs(t, env.cpm.BetweenCheckpoints(func() error { return nil }), flushmanager.ErrCheckpointerStopped)
}
