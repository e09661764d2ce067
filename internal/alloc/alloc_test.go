package alloc

import (
	"testing"

	"github.com/galdrdb/galdrdb/internal/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBitmapAllocateAndFindFree(t *testing.T) {
	b := NewBitmap(200)

	for i := 0; i < 64; i++ {
		b.Allocate(common.PageID(i))
	}

	id, ok := b.FindFree(0)
	require.True(t, ok)
	assert.Equal(t, common.PageID(64), id)
}

func TestBitmapRoundTripBytes(t *testing.T) {
	b := NewBitmap(128)
	b.Allocate(3)
	b.Allocate(65)

	loaded := LoadBitmap(b.Bytes(), 128)
	assert.True(t, loaded.IsAllocated(3))
	assert.True(t, loaded.IsAllocated(65))
	assert.False(t, loaded.IsAllocated(4))
}

func TestBitmapFindFreeWrapsAroundHint(t *testing.T) {
	b := NewBitmap(10)
	for i := 0; i < 10; i++ {
		if i != 2 {
			b.Allocate(common.PageID(i))
		}
	}
	id, ok := b.FindFree(5)
	require.True(t, ok)
	assert.Equal(t, common.PageID(2), id)
}

func TestBitmapFindFreeExhausted(t *testing.T) {
	b := NewBitmap(4)
	for i := 0; i < 4; i++ {
		b.Allocate(common.PageID(i))
	}
	_, ok := b.FindFree(0)
	assert.False(t, ok)
}

func TestFSMLevelsRoundTrip(t *testing.T) {
	f := NewFreeSpaceMap(100)
	f.SetLevel(5, common.FSMHigh)
	f.SetLevel(6, common.FSMLow)

	loaded := LoadFreeSpaceMap(f.Bytes(), 100)
	assert.Equal(t, common.FSMHigh, loaded.Level(5))
	assert.Equal(t, common.FSMLow, loaded.Level(6))
	assert.Equal(t, common.FSMFull, loaded.Level(7))
}

func TestFSMFindPageWithSpace(t *testing.T) {
	f := NewFreeSpaceMap(64)
	f.SetLevel(40, common.FSMMedium)
	f.SetLevel(41, common.FSMHigh)

	id, ok := f.FindPageWithSpace(0, common.FSMHigh)
	require.True(t, ok)
	assert.Equal(t, common.PageID(41), id)

	id, ok = f.FindPageWithSpace(0, common.FSMMedium)
	require.True(t, ok)
	assert.Equal(t, common.PageID(40), id)
}

func TestLevelForFreeRatio(t *testing.T) {
	assert.Equal(t, common.FSMFull, LevelForFreeRatio(0.05))
	assert.Equal(t, common.FSMLow, LevelForFreeRatio(0.2))
	assert.Equal(t, common.FSMMedium, LevelForFreeRatio(0.5))
	assert.Equal(t, common.FSMHigh, LevelForFreeRatio(0.9))
}
