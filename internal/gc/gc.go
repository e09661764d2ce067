// Package gc implements the garbage collector and vacuum sweep described
// in spec §4.10: reclaiming document-page space no longer referenced by
// any version a live snapshot can still see.
package gc

import (
	"github.com/galdrdb/galdrdb/internal/common"
	"github.com/galdrdb/galdrdb/internal/metrics"
	"github.com/galdrdb/galdrdb/internal/mvcc"
	"github.com/galdrdb/galdrdb/internal/txn"
)

// Collector ties the version index's candidate sweep to the store's
// document-page deallocation.
type Collector struct {
	store     *txn.Store
	versions  *mvcc.VersionIndex
	txManager *mvcc.TransactionManager
}

func NewCollector(store *txn.Store, versions *mvcc.VersionIndex, txManager *mvcc.TransactionManager) *Collector {
	return &Collector{store: store, versions: versions, txManager: txManager}
}

// Run collects every version no longer visible to the oldest active
// snapshot and frees its storage, skipping a location more than one
// collected version shares (an update whose old and new versions happen
// to reference the same physical slot, a case §4.10 doesn't rule out).
// Returns the number of versions collected.
func (c *Collector) Run() (int, error) {
	oldest := c.txManager.OldestActiveSnapshotCSN()
	collected := c.versions.CollectGarbage(oldest)

	freed := make(map[common.Location]struct{}, len(collected))
	for _, v := range collected {
		if _, done := freed[v.Location]; done {
			continue
		}
		freed[v.Location] = struct{}{}
		if err := txn.FreeDocumentLocation(c.store, v.Location); err != nil {
			return 0, err
		}
	}

	metrics.VersionsCollected.Add(float64(len(collected)))
	return len(collected), nil
}
