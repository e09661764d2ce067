package gc

import (
	"github.com/galdrdb/galdrdb/internal/common"
	"github.com/galdrdb/galdrdb/internal/docpage"
	"github.com/galdrdb/galdrdb/internal/mvcc"
	"github.com/galdrdb/galdrdb/internal/txn"
)

// VacuumStats summarizes one Vacuum pass for logging/metrics.
type VacuumStats struct {
	VersionsCollected int
	PagesCompacted    int
	PagesTruncated    int
}

// Vacuumer is the user-invoked full sweep described in spec §4.10: it
// runs GC, then compacts every live document page whose tombstoned slots
// have opened a large enough logical/physical gap, then truncates any
// run of free pages left at the end of the file.
type Vacuumer struct {
	store       *txn.Store
	collector   *Collector
	collections txn.Registry
}

func NewVacuumer(store *txn.Store, collector *Collector, collections txn.Registry) *Vacuumer {
	return &Vacuumer{store: store, collector: collector, collections: collections}
}

// Run performs one full vacuum sweep.
func (v *Vacuumer) Run() (VacuumStats, error) {
	var stats VacuumStats

	collected, err := v.collector.Run()
	if err != nil {
		return stats, err
	}
	stats.VersionsCollected = collected

	pages, err := v.livePages()
	if err != nil {
		return stats, err
	}
	for id := range pages {
		compacted, err := v.compactPage(id)
		if err != nil {
			return stats, err
		}
		if compacted {
			stats.PagesCompacted++
		}
	}

	reclaimed, err := v.store.Alloc.TrimTrailingFree()
	if err != nil {
		return stats, err
	}
	stats.PagesTruncated = reclaimed

	return stats, nil
}

// livePages returns every document head page currently referenced by a
// live key in any collection's primary index, deduped across
// collections (two collections never share a page, but the scan is
// cheap enough not to special-case it).
func (v *Vacuumer) livePages() (map[common.PageID]struct{}, error) {
	pages := make(map[common.PageID]struct{})
	for _, coll := range v.collections {
		it := coll.Primary.Range(0, 0, false)
		for it.Next() {
			pages[it.Entry().Loc.PageID] = struct{}{}
		}
		if err := it.Err(); err != nil {
			return nil, err
		}
	}
	return pages, nil
}

// compactPage repacks one document head page in place if the gap
// between its logical and physical free space clears the minimum gain,
// per docpage.ShouldCompact. Continuation pages never hold tombstoned
// slots (they are freed outright by FreeDocumentLocation) so they are
// never candidates.
func (v *Vacuumer) compactPage(id common.PageID) (bool, error) {
	buf, err := v.store.Pager.Read(id)
	if err != nil {
		return false, err
	}
	page, err := docpage.Load(id, buf)
	if err != nil {
		return false, err
	}
	if page.IsContinuation() || !page.ShouldCompact(docpage.MinCompactionGain) {
		return false, nil
	}
	page.Compact()
	if err := v.store.Pager.Write(id, page.Bytes()); err != nil {
		return false, err
	}
	v.store.Alloc.UpdateFSMLevel(id, page.FSMLevel())
	return true, nil
}

// CompactTo writes every document live at snapshotCSN from srcStore's
// collections into dstStore's collections (the façade owns opening the
// destination file and building its collections/indexes with matching
// names before calling this, since gc has no knowledge of the on-disk
// header/bootstrap layout). Secondary index keys are recovered by
// scanning each source index once and matching on location, since the
// key content itself is never stored alongside the primary document.
func CompactTo(srcStore *txn.Store, src txn.Registry, dstStore *txn.Store, dst txn.Registry, versions *mvcc.VersionIndex, snapshotCSN common.CSN) error {
	for name, coll := range src {
		dstColl, ok := dst[name]
		if !ok {
			continue
		}

		keysByLoc := make(map[string]map[common.Location][]byte, len(coll.Indexes))
		for idxName, idx := range coll.Indexes {
			keysByLoc[idxName] = indexKeysByLocation(idx)
		}

		it := coll.Primary.Range(0, 0, false)
		for it.Next() {
			entry := it.Entry()
			v, ok := versions.GetVisible(name, entry.Key, snapshotCSN)
			if !ok || !v.IsLive() {
				continue
			}

			data, err := txn.ReadDocument(srcStore, v.Location)
			if err != nil {
				return err
			}
			newLoc, err := txn.WriteDocument(dstStore, data)
			if err != nil {
				return err
			}
			if err := dstColl.Primary.Insert(entry.Key, newLoc); err != nil {
				return err
			}

			for idxName, byLoc := range keysByLoc {
				key, ok := byLoc[v.Location]
				if !ok {
					continue
				}
				dstIdx := dstColl.Indexes[idxName]
				if dstIdx.Def.Unique {
					if err := dstIdx.Tree.InsertUnique(idxName, key, newLoc, nil); err != nil {
						return err
					}
				} else if err := dstIdx.Tree.Insert(key, newLoc); err != nil {
					return err
				}
			}
		}
		if err := it.Err(); err != nil {
			return err
		}
	}
	return nil
}

func indexKeysByLocation(idx *txn.Index) map[common.Location][]byte {
	out := make(map[common.Location][]byte)
	it := idx.Tree.Range(nil, nil, false, false, false)
	for it.Next() {
		e := it.Entry()
		out[e.Loc] = append([]byte{}, e.Key...)
	}
	return out
}
