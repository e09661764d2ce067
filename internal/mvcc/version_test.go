package mvcc

import (
	"testing"

	"github.com/galdrdb/galdrdb/internal/common"
	"github.com/stretchr/testify/require"
)

func TestValidateAndInstallInsertAndVisibility(t *testing.T) {
	vi := NewVersionIndex()

	ops := []VersionOperation{{Collection: "users", DocId: 1, Location: common.Location{PageID: 1, SlotIndex: 0}, ExpectAbsent: true}}
	require.NoError(t, vi.ValidateAndInstall(10, 1, ops))

	v, ok := vi.GetVisible("users", 1, 1)
	require.True(t, ok)
	require.Equal(t, common.TxId(10), v.CreatedBy)

	_, ok = vi.GetVisible("users", 1, 0)
	require.False(t, ok, "version committed at csn 1 must not be visible to an earlier snapshot")
}

func TestValidateAndInstallDetectsWriteConflict(t *testing.T) {
	vi := NewVersionIndex()
	ops := []VersionOperation{{Collection: "users", DocId: 1, Location: common.Location{PageID: 1}, ExpectAbsent: true}}
	require.NoError(t, vi.ValidateAndInstall(10, 1, ops))

	head, _ := vi.GetLatest("users", 1)

	// Transaction 20 read an older version (tx 9 never existed) and tries
	// to update; the head's actual creator is tx 10, so this must conflict.
	updateOps := []VersionOperation{{Collection: "users", DocId: 1, Location: common.Location{PageID: 2}, ReadVersionTxId: 9}}
	err := vi.ValidateAndInstall(20, 2, updateOps)

	var conflict *common.WriteConflict
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, head.CreatedBy, conflict.ConflictingTxId)

	// A failed validate_and_install installs nothing.
	latest, _ := vi.GetLatest("users", 1)
	require.Equal(t, head, latest)
}

func TestValidateAndInstallUpdateChainsOldHead(t *testing.T) {
	vi := NewVersionIndex()
	insertOps := []VersionOperation{{Collection: "users", DocId: 1, Location: common.Location{PageID: 1}, ExpectAbsent: true}}
	require.NoError(t, vi.ValidateAndInstall(10, 1, insertOps))

	updateOps := []VersionOperation{{Collection: "users", DocId: 1, Location: common.Location{PageID: 2}, ReadVersionTxId: 10}}
	require.NoError(t, vi.ValidateAndInstall(11, 2, updateOps))

	head, ok := vi.GetLatest("users", 1)
	require.True(t, ok)
	require.Equal(t, common.TxId(11), head.CreatedBy)
	require.NotNil(t, head.Prev)
	require.Equal(t, common.CSN(2), head.Prev.DeletedCSN)

	// Snapshot at csn 1 still sees the original version.
	v, ok := vi.GetVisible("users", 1, 1)
	require.True(t, ok)
	require.Equal(t, common.TxId(10), v.CreatedBy)
}

func TestCollectGarbageReclaimsOnlyWhatNoSnapshotNeeds(t *testing.T) {
	vi := NewVersionIndex()
	require.NoError(t, vi.ValidateAndInstall(1, 1, []VersionOperation{{Collection: "c", DocId: 1, Location: common.Location{PageID: 1}, ExpectAbsent: true}}))
	require.NoError(t, vi.ValidateAndInstall(2, 2, []VersionOperation{{Collection: "c", DocId: 1, Location: common.Location{PageID: 2}, ReadVersionTxId: 1}}))
	require.NoError(t, vi.ValidateAndInstall(3, 3, []VersionOperation{{Collection: "c", DocId: 1, Location: common.Location{PageID: 3}, ReadVersionTxId: 2}}))

	// A snapshot still active at csn 2 must keep the csn-2 version alive.
	collected := vi.CollectGarbage(2)
	var locations []common.PageID
	for _, c := range collected {
		locations = append(locations, c.Location.PageID)
	}
	require.NotContains(t, locations, common.PageID(2))

	head, _ := vi.GetLatest("c", 1)
	v, ok := vi.GetVisible("c", 1, 2)
	require.True(t, ok)
	require.Equal(t, common.PageID(2), v.Location.PageID)
	require.Equal(t, common.PageID(3), head.Location.PageID)
}

func TestCollectGarbageReclaimsDeletedHeadOnceUnobserved(t *testing.T) {
	vi := NewVersionIndex()
	require.NoError(t, vi.ValidateAndInstall(1, 1, []VersionOperation{{Collection: "c", DocId: 1, Location: common.Location{PageID: 1}, ExpectAbsent: true}}))
	require.NoError(t, vi.ValidateAndInstall(2, 2, []VersionOperation{{Collection: "c", DocId: 1, Location: common.Location{PageID: 1}, ReadVersionTxId: 1, IsDelete: true}}))

	// Neither the original version nor the delete tombstone is visible to
	// a snapshot this far past the delete, so the whole chain collects.
	collected := vi.CollectGarbage(5)
	require.Len(t, collected, 2)
	for _, c := range collected {
		require.Equal(t, common.PageID(1), c.Location.PageID)
	}

	_, ok := vi.GetLatest("c", 1)
	require.False(t, ok)
}
