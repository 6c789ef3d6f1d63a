package pagemanager

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPageID_RoundTrip(t *testing.T) {
	cases := []struct {
		partitionID int
		flag        byte
		pageIdx     int64
	}{
		{0, FlagData, 0},
		{1, FlagData, 1},
		{666, FlagAux, 0},
		{MaxPartitionID, FlagData, MaxPageIndex},
		{12345, FlagAux, 987654321},
	}

	for _, c := range cases {
		id, err := NewPageID(c.partitionID, c.flag, c.pageIdx)
		require.NoError(t, err)
		require.Equal(t, c.partitionID, id.PartitionID())
		require.Equal(t, c.flag, id.Flag())
		require.Equal(t, c.pageIdx, id.PageIndex())
		require.Equal(t, 0, id.Rotation())
		require.NotEqual(t, InvalidPageID, id)
	}
}

func TestPageID_RejectsOutOfRange(t *testing.T) {
	_, err := NewPageID(-1, FlagData, 0)
	require.True(t, errors.Is(err, ErrInvalidPageID))

	_, err = NewPageID(MaxPartitionID+1, FlagData, 0)
	require.ErrorIs(t, err, ErrInvalidPageID)

	_, err = NewPageID(0, FlagData, MaxPageIndex+1)
	require.ErrorIs(t, err, ErrInvalidPageID)

	_, err = NewPageID(0, FlagData, -5)
	require.ErrorIs(t, err, ErrInvalidPageID)

	_, err = NewPageID(0, 7, 1)
	require.ErrorIs(t, err, ErrInvalidPageID)
}

func TestPartitionMetaPageID(t *testing.T) {
	for _, p := range []uint16{0, 1, 666, 65535} {
		id := PartitionMetaPageID(p)
		require.Equal(t, int(p), id.PartitionID())
		require.Equal(t, FlagAux, id.Flag())
		require.Equal(t, int64(0), id.PageIndex())
		require.True(t, id.IsMetaPage())
	}

	data, err := NewPageID(666, FlagData, 0)
	require.NoError(t, err)
	require.False(t, data.IsMetaPage())
	require.NotEqual(t, PartitionMetaPageID(666), data)
}

func TestPageID_Rotate(t *testing.T) {
	id, err := NewPageID(3, FlagData, 42)
	require.NoError(t, err)

	rotated := id.Rotate()
	require.NotEqual(t, id, rotated)
	require.Equal(t, 1, rotated.Rotation())
	require.Equal(t, id, rotated.Effective())
	require.Equal(t, id.PartitionID(), rotated.PartitionID())
	require.Equal(t, id.PageIndex(), rotated.PageIndex())

	// The counter wraps but never returns to zero.
	r := id
	for i := 0; i < 300; i++ {
		r = r.Rotate()
		require.NotZero(t, r.Rotation())
		require.Equal(t, id, r.Effective())
	}
}

func TestFullPageID_IgnoresRotation(t *testing.T) {
	id, err := NewPageID(9, FlagData, 7)
	require.NoError(t, err)

	require.Equal(t, NewFullPageID(1, id), NewFullPageID(1, id.Rotate()))
	require.NotEqual(t, NewFullPageID(1, id), NewFullPageID(2, id))
	require.Equal(t, 9, NewFullPageID(1, id).PartitionID())
}

func TestPageHeader(t *testing.T) {
	buf := make([]byte, 64)
	require.True(t, IsZeroPage(buf))

	id := PartitionMetaPageID(4)
	SetPageHeader(buf, PageTypePartitionMeta, 1, id)
	SetPageCRC(buf, 0xCAFEBABE)

	require.False(t, IsZeroPage(buf))
	require.Equal(t, PageTypePartitionMeta, GetPageType(buf))
	require.Equal(t, uint16(1), GetPageVersion(buf))
	require.Equal(t, id, GetHeaderPageID(buf))
	require.Equal(t, uint32(0xCAFEBABE), GetPageCRC(buf))
	require.Equal(t, "partition_meta", GetPageType(buf).String())
}
