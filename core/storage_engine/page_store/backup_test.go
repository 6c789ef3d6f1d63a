package pagestore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEngine_BackupCanBeOpened(t *testing.T) {
	ctx := context.Background()
	e := setupEngine(t, t.TempDir())
	p := openPartition(t, e, 1, 0)
	q := openPartition(t, e, 2, 7)

	a, err := p.AllocatePage(ctx)
	require.NoError(t, err)
	require.NoError(t, p.WritePage(ctx, a, []byte("backed up")))
	require.NoError(t, p.SetTreeRoot(ctx, a))
	b, err := q.AllocatePage(ctx)
	require.NoError(t, err)
	require.NoError(t, q.FreePage(ctx, b))

	dir := filepath.Join(t.TempDir(), "backup")
	manifest, err := e.Backup(ctx, dir)
	require.NoError(t, err)
	require.Len(t, manifest.Files, 2)
	require.Equal(t, int32(1), manifest.Files[0].GroupID)
	require.Equal(t, filepath.Join("group-2", "part-7.bin"), manifest.Files[1].Path)
	last, ok := e.LastCheckpoint()
	require.True(t, ok)
	require.Equal(t, last.ID, manifest.CheckpointID)

	// Changes after the backup are not in it.
	require.NoError(t, p.WritePage(ctx, a, []byte("later")))

	verified, err := VerifyBackup(dir)
	require.NoError(t, err)
	require.Equal(t, manifest.CheckpointID, verified.CheckpointID)
	require.Equal(t, manifest.Files, verified.Files)

	restored := setupEngine(t, dir)
	rp := openPartition(t, restored, 1, 0)
	require.Equal(t, a, rp.Meta().TreeRootPageID())
	payload, err := rp.ReadPage(ctx, a)
	require.NoError(t, err)
	require.Equal(t, []byte("backed up"), payload[:9])
	rq := openPartition(t, restored, 2, 7)
	require.Equal(t, 1, rq.FreePages())
}

func TestVerifyBackup_DetectsTampering(t *testing.T) {
	ctx := context.Background()
	e := setupEngine(t, t.TempDir())
	p := openPartition(t, e, 1, 0)
	_, err := p.AllocatePage(ctx)
	require.NoError(t, err)

	dir := t.TempDir()
	manifest, err := e.Backup(ctx, dir)
	require.NoError(t, err)

	path := filepath.Join(dir, manifest.Files[0].Path)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{1})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = VerifyBackup(dir)
	require.ErrorContains(t, err, "checksum")

	_, err = VerifyBackup(t.TempDir())
	require.Error(t, err)
}
