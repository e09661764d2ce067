package secondary

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/galdrdb/galdrdb/internal/common"
	"github.com/galdrdb/galdrdb/internal/pager"
	"github.com/stretchr/testify/require"
)

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

func newTestTree(t *testing.T, unique bool) (*Tree, *pager.Pager) {
	t.Helper()
	dir := t.TempDir()
	p, err := pager.Open(filepath.Join(dir, "secondary.db"), pager.Options{PageSize: 512, CacheSize: 64})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	alloc := newFixedAllocator(p, 1)
	tree, err := Create(p, alloc, unique, nil)
	require.NoError(t, err)
	return tree, p
}

func strKey(s string) []byte { return EncodeString(nil, s) }

func TestInsertAndLookup(t *testing.T) {
	tree, _ := newTestTree(t, false)

	require.NoError(t, tree.Insert(strKey("alice"), common.Location{PageID: 1, SlotIndex: 0}))
	require.NoError(t, tree.Insert(strKey("bob"), common.Location{PageID: 1, SlotIndex: 1}))

	locs, err := tree.Locators(strKey("alice"))
	require.NoError(t, err)
	require.Equal(t, []common.Location{{PageID: 1, SlotIndex: 0}}, locs)

	locs, err = tree.Locators(strKey("carol"))
	require.NoError(t, err)
	require.Empty(t, locs)
}

func TestDuplicateKeysAccumulate(t *testing.T) {
	tree, _ := newTestTree(t, false)

	key := strKey("shared")
	for i := 0; i < 5; i++ {
		require.NoError(t, tree.Insert(key, common.Location{PageID: common.PageID(i + 1), SlotIndex: 0}))
	}

	locs, err := tree.Locators(key)
	require.NoError(t, err)
	require.Len(t, locs, 5)
}

func TestSplitAcrossManyKeys(t *testing.T) {
	tree, _ := newTestTree(t, false)

	const n = 400
	for i := 0; i < n; i++ {
		key := strKey(fmt.Sprintf("key-%04d", i))
		require.NoError(t, tree.Insert(key, common.Location{PageID: common.PageID(i + 1), SlotIndex: 0}))
	}

	for i := 0; i < n; i++ {
		key := strKey(fmt.Sprintf("key-%04d", i))
		locs, err := tree.Locators(key)
		require.NoError(t, err)
		require.Len(t, locs, 1)
		require.Equal(t, common.PageID(i+1), locs[0].PageID)
	}
}

func TestOverflowChainForHeavyDuplicates(t *testing.T) {
	tree, _ := newTestTree(t, false)

	key := strKey("hot")
	const n = 200
	for i := 0; i < n; i++ {
		require.NoError(t, tree.Insert(key, common.Location{PageID: common.PageID(i + 1), SlotIndex: 0}))
	}

	locs, err := tree.Locators(key)
	require.NoError(t, err)
	require.Len(t, locs, n)
}

func TestDeleteRemovesExactEntry(t *testing.T) {
	tree, _ := newTestTree(t, false)

	key := strKey("shared")
	locA := common.Location{PageID: 1, SlotIndex: 0}
	locB := common.Location{PageID: 2, SlotIndex: 0}
	require.NoError(t, tree.Insert(key, locA))
	require.NoError(t, tree.Insert(key, locB))

	require.NoError(t, tree.Delete(key, locA))

	locs, err := tree.Locators(key)
	require.NoError(t, err)
	require.Equal(t, []common.Location{locB}, locs)
}

func TestDeleteNonexistentReturnsNotFound(t *testing.T) {
	tree, _ := newTestTree(t, false)
	err := tree.Delete(strKey("nope"), common.Location{PageID: 1})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteTriggersRebalanceAcrossManyKeys(t *testing.T) {
	tree, _ := newTestTree(t, false)

	const n = 400
	for i := 0; i < n; i++ {
		key := strKey(fmt.Sprintf("key-%04d", i))
		require.NoError(t, tree.Insert(key, common.Location{PageID: common.PageID(i + 1), SlotIndex: 0}))
	}
	for i := 0; i < n; i += 2 {
		key := strKey(fmt.Sprintf("key-%04d", i))
		require.NoError(t, tree.Delete(key, common.Location{PageID: common.PageID(i + 1), SlotIndex: 0}))
	}

	for i := 1; i < n; i += 2 {
		key := strKey(fmt.Sprintf("key-%04d", i))
		locs, err := tree.Locators(key)
		require.NoError(t, err)
		require.Len(t, locs, 1)
	}
	for i := 0; i < n; i += 2 {
		key := strKey(fmt.Sprintf("key-%04d", i))
		locs, err := tree.Locators(key)
		require.NoError(t, err)
		require.Empty(t, locs)
	}
}

func TestRangeScanAscendsInOrder(t *testing.T) {
	tree, _ := newTestTree(t, false)

	const n = 150
	for i := 0; i < n; i++ {
		key := strKey(fmt.Sprintf("k%04d", i))
		require.NoError(t, tree.Insert(key, common.Location{PageID: common.PageID(i + 1), SlotIndex: 0}))
	}

	lo := strKey("k0040")
	hi := strKey("k0060")
	it := tree.Range(lo, hi, true, true, true)

	var got []string
	for it.Next() {
		got = append(got, string(it.Entry().Key))
	}
	require.NoError(t, it.Err())
	require.Len(t, got, 21)
	require.Equal(t, string(lo), got[0])
	require.Equal(t, string(hi), got[len(got)-1])
}

func TestExactScanReturnsOnlyMatchingKey(t *testing.T) {
	tree, _ := newTestTree(t, false)

	require.NoError(t, tree.Insert(strKey("a"), common.Location{PageID: 1}))
	require.NoError(t, tree.Insert(strKey("b"), common.Location{PageID: 2}))
	require.NoError(t, tree.Insert(strKey("b"), common.Location{PageID: 3}))
	require.NoError(t, tree.Insert(strKey("c"), common.Location{PageID: 4}))

	it := tree.Exact(strKey("b"))
	var locs []common.Location
	for it.Next() {
		locs = append(locs, it.Entry().Loc)
	}
	require.NoError(t, it.Err())
	require.ElementsMatch(t, []common.Location{{PageID: 2}, {PageID: 3}}, locs)
}

func TestUniqueIndexRejectsDuplicateLiveKey(t *testing.T) {
	tree, _ := newTestTree(t, true)

	live := func(common.Location) bool { return true }

	require.NoError(t, tree.InsertUnique("by_email", strKey("a@example.com"), common.Location{PageID: 1}, live))

	err := tree.InsertUnique("by_email", strKey("a@example.com"), common.Location{PageID: 2}, live)
	var violation *common.UniqueConstraintViolation
	require.ErrorAs(t, err, &violation)
	require.Equal(t, "by_email", violation.Index)
}

func TestUniqueIndexAllowsKeyWhenPriorEntryNotLive(t *testing.T) {
	tree, _ := newTestTree(t, true)

	dead := func(common.Location) bool { return false }

	require.NoError(t, tree.InsertUnique("by_email", strKey("a@example.com"), common.Location{PageID: 1}, dead))
	require.NoError(t, tree.InsertUnique("by_email", strKey("a@example.com"), common.Location{PageID: 2}, dead))
}

func TestUniqueIndexAllowsMultipleNullKeys(t *testing.T) {
	tree, _ := newTestTree(t, true)

	live := func(common.Location) bool { return true }
	nullKey := EncodeNull(nil)

	require.NoError(t, tree.InsertUnique("by_phone", nullKey, common.Location{PageID: 1}, live))
	require.NoError(t, tree.InsertUnique("by_phone", nullKey, common.Location{PageID: 2}, live))
}
