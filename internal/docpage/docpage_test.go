package docpage

import (
	"testing"

	"github.com/galdrdb/galdrdb/internal/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddAndGetDocument_SinglePage(t *testing.T) {
	p := New(1, 1024)

	idx, err := p.AddDocument([]byte("hello world"), nil, 11)
	require.NoError(t, err)
	assert.Equal(t, common.SlotIndex(0), idx)

	got, err := p.GetLocalData(idx)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello world"), got)
}

func TestAddDocument_RoundTripThroughBytes(t *testing.T) {
	p := New(2, 1024)
	idx, err := p.AddDocument([]byte{0x41, 0x42, 0x43}, nil, 3)
	require.NoError(t, err)

	loaded, err := Load(p.ID, p.Bytes())
	require.NoError(t, err)

	got, err := loaded.GetLocalData(idx)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x41, 0x42, 0x43}, got)
}

func TestCanFit_RejectsOversizedDocument(t *testing.T) {
	p := New(1, 256)
	assert.False(t, p.CanFit(10000, 0))
}

func TestAddDocument_ExtentListRoundTrip(t *testing.T) {
	p := New(1, 1024)
	ids := []common.PageID{10, 11, 12}
	idx, err := p.AddDocument(nil, ids, 9000)
	require.NoError(t, err)

	slot, err := p.GetSlot(idx)
	require.NoError(t, err)
	assert.Equal(t, uint16(3), slot.PageCount)
	assert.Equal(t, ids, slot.PageIDs)
	assert.Equal(t, uint32(9000), slot.TotalSize)
}

func TestTombstoneMakesSlotDeleted(t *testing.T) {
	p := New(1, 1024)
	idx, err := p.AddDocument([]byte("bye"), nil, 3)
	require.NoError(t, err)

	require.NoError(t, p.Tombstone(idx))

	_, err = p.GetLocalData(idx)
	var delErr *common.DocumentSlotDeleted
	assert.ErrorAs(t, err, &delErr)
}

func TestLogicalFreeAccountsForTombstones(t *testing.T) {
	p := New(1, 1024)
	idx, err := p.AddDocument(make([]byte, 100), nil, 100)
	require.NoError(t, err)

	beforePhysical := p.PhysicalFree()
	require.NoError(t, p.Tombstone(idx))

	assert.Equal(t, beforePhysical, p.PhysicalFree())
	assert.Greater(t, p.LogicalFree(), p.PhysicalFree())
}

func TestCompactReclaimsTombstonedSpaceAndPreservesSlotIndices(t *testing.T) {
	p := New(1, 1024)
	idx1, err := p.AddDocument([]byte("one"), nil, 3)
	require.NoError(t, err)
	idx2, err := p.AddDocument([]byte("two-two"), nil, 7)
	require.NoError(t, err)

	require.NoError(t, p.Tombstone(idx1))
	require.True(t, p.ShouldCompact(0))

	p.Compact()
	p.Compact() // idempotent

	got, err := p.GetLocalData(idx2)
	require.NoError(t, err)
	assert.Equal(t, []byte("two-two"), got)

	_, err = p.GetLocalData(idx1)
	assert.Error(t, err)
}

func TestFreeSpaceInvariant(t *testing.T) {
	p := New(1, 1024)
	_, err := p.AddDocument([]byte("x"), nil, 1)
	require.NoError(t, err)
	assert.LessOrEqual(t, p.FreeSpaceOffset(), p.FreeSpaceEnd())
}
