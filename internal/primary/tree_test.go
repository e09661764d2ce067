package primary

import (
	"path/filepath"
	"testing"

	"github.com/galdrdb/galdrdb/internal/common"
	"github.com/galdrdb/galdrdb/internal/pager"
	"github.com/stretchr/testify/require"
)

// fixedAllocator is a minimal Allocator for tests: it never reuses pages
// and never actually frees bitmap bits, since these tests only exercise
// tree structure, not the allocator itself.
type fixedAllocator struct {
	pager *pager.Pager
	next  common.PageID
}

func newFixedAllocator(p *pager.Pager, start common.PageID) *fixedAllocator {
	return &fixedAllocator{pager: p, next: start}
}

func (a *fixedAllocator) AllocatePage() (common.PageID, error) {
	id := a.next
	a.next++
	if err := a.pager.SetLength(int(a.next) + 1); err != nil {
		return 0, err
	}
	return id, nil
}

func (a *fixedAllocator) FreePage(common.PageID) error { return nil }

func newTestTree(t *testing.T) (*Tree, *pager.Pager) {
	t.Helper()
	dir := t.TempDir()
	p, err := pager.Open(filepath.Join(dir, "primary.db"), pager.Options{PageSize: 512, CacheSize: 64})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	a := newFixedAllocator(p, 1)
	tree, err := Create(p, a, nil)
	require.NoError(t, err)
	return tree, p
}

func TestInsertAndGet(t *testing.T) {
	tree, _ := newTestTree(t)

	for i := uint32(0); i < 50; i++ {
		require.NoError(t, tree.Insert(i, common.Location{PageID: common.PageID(i + 100), SlotIndex: 0}))
	}

	for i := uint32(0); i < 50; i++ {
		loc, found, err := tree.Get(i)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, common.PageID(i+100), loc.PageID)
	}

	_, found, err := tree.Get(999)
	require.NoError(t, err)
	require.False(t, found)
}

func TestInsertCausesSplitAndRootGrowth(t *testing.T) {
	tree, _ := newTestTree(t)
	initialRoot := tree.Root()

	for i := uint32(0); i < 200; i++ {
		require.NoError(t, tree.Insert(i, common.Location{PageID: common.PageID(i), SlotIndex: 1}))
	}

	require.NotEqual(t, initialRoot, tree.Root(), "root should have grown after enough splits")

	for i := uint32(0); i < 200; i++ {
		loc, found, err := tree.Get(i)
		require.NoError(t, err)
		require.True(t, found, "key %d missing after splits", i)
		require.Equal(t, common.PageID(i), loc.PageID)
	}
}

func TestUpdateExistingKeyOverwritesValue(t *testing.T) {
	tree, _ := newTestTree(t)
	require.NoError(t, tree.Insert(5, common.Location{PageID: 1, SlotIndex: 0}))
	require.NoError(t, tree.Insert(5, common.Location{PageID: 2, SlotIndex: 0}))

	loc, found, err := tree.Get(5)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, common.PageID(2), loc.PageID)
}

func TestDeleteRemovesKey(t *testing.T) {
	tree, _ := newTestTree(t)
	for i := uint32(0); i < 30; i++ {
		require.NoError(t, tree.Insert(i, common.Location{PageID: common.PageID(i), SlotIndex: 0}))
	}

	require.NoError(t, tree.Delete(15))

	_, found, err := tree.Get(15)
	require.NoError(t, err)
	require.False(t, found)

	for _, i := range []uint32{0, 14, 16, 29} {
		_, found, err := tree.Get(i)
		require.NoError(t, err)
		require.True(t, found)
	}
}

func TestDeleteNonexistentKeyErrors(t *testing.T) {
	tree, _ := newTestTree(t)
	require.NoError(t, tree.Insert(1, common.Location{PageID: 1}))
	require.ErrorIs(t, tree.Delete(42), ErrNotFound)
}

func TestDeleteTriggersMergeAcrossManyKeys(t *testing.T) {
	tree, _ := newTestTree(t)
	const n = 300
	for i := uint32(0); i < n; i++ {
		require.NoError(t, tree.Insert(i, common.Location{PageID: common.PageID(i)}))
	}
	for i := uint32(0); i < n; i += 2 {
		require.NoError(t, tree.Delete(i))
	}
	for i := uint32(0); i < n; i++ {
		_, found, err := tree.Get(i)
		require.NoError(t, err)
		if i%2 == 0 {
			require.False(t, found, "key %d should have been deleted", i)
		} else {
			require.True(t, found, "key %d should still be present", i)
		}
	}
}

func TestRangeScanAscendsAcrossLeaves(t *testing.T) {
	tree, _ := newTestTree(t)
	const n = 150
	for i := uint32(0); i < n; i++ {
		require.NoError(t, tree.Insert(i, common.Location{PageID: common.PageID(i)}))
	}

	it := tree.Range(40, 60, true)
	var got []uint32
	for it.Next() {
		got = append(got, it.Entry().Key)
	}
	require.NoError(t, it.Err())

	require.Len(t, got, 21)
	for i, k := range got {
		require.Equal(t, uint32(40+i), k)
	}
}

func TestRangeScanToEnd(t *testing.T) {
	tree, _ := newTestTree(t)
	for i := uint32(0); i < 20; i++ {
		require.NoError(t, tree.Insert(i, common.Location{PageID: common.PageID(i)}))
	}
	it := tree.Range(15, 0, false)
	count := 0
	for it.Next() {
		count++
	}
	require.Equal(t, 5, count)
}

func TestGetLatchedMatchesGet(t *testing.T) {
	tree, _ := newTestTree(t)
	for i := uint32(0); i < 80; i++ {
		require.NoError(t, tree.Insert(i, common.Location{PageID: common.PageID(i), SlotIndex: common.SlotIndex(i)}))
	}
	for i := uint32(0); i < 80; i++ {
		want, _, err := tree.Get(i)
		require.NoError(t, err)
		got, found, err := tree.GetLatched(i)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, want, got)
	}
}

func TestOrderComputation(t *testing.T) {
	m := Order(512)
	require.Greater(t, m, 3)
}
