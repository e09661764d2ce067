// Package mvcc implements the version index and transaction manager
// behind snapshot isolation: singly-linked version chains per document,
// first-committer-wins conflict detection, and garbage collection of
// versions no longer visible to any live snapshot.
package mvcc

import (
	"sync"

	"github.com/galdrdb/galdrdb/internal/common"
)

// DocumentVersion is one link in a document's version chain, older-ward
// via Prev. A chain's head is the newest version.
type DocumentVersion struct {
	Location   common.Location
	CommitCSN  common.CSN
	CreatedBy  common.TxId
	DeletedCSN common.CSN
	Prev       *DocumentVersion
}

// IsLive reports whether this version has not been superseded or deleted.
func (v *DocumentVersion) IsLive() bool { return v.DeletedCSN == common.MaxCSN }

type docKey struct {
	Collection string
	DocId      uint32
}

// VersionOperation describes one write-set entry being validated and
// installed at commit time.
type VersionOperation struct {
	Collection      string
	DocId           uint32
	Location        common.Location
	IsDelete        bool
	ReadVersionTxId common.TxId
	ExpectAbsent    bool
}

// CollectableVersion is a version the collector has determined is no
// longer visible to any live snapshot.
type CollectableVersion struct {
	Collection string
	DocId      uint32
	Location   common.Location
}

// VersionIndex maps (collection, doc_id) to its head version. A single
// mutex protects the map and candidate set: validate_and_install is the
// sole serialization point for commit, per §4.7's concurrency note.
type VersionIndex struct {
	mu         sync.Mutex
	heads      map[docKey]*DocumentVersion
	candidates map[docKey]struct{}
}

func NewVersionIndex() *VersionIndex {
	return &VersionIndex{
		heads:      make(map[docKey]*DocumentVersion),
		candidates: make(map[docKey]struct{}),
	}
}

// GetLatest returns the head version regardless of visibility.
func (vi *VersionIndex) GetLatest(collection string, docId uint32) (*DocumentVersion, bool) {
	vi.mu.Lock()
	defer vi.mu.Unlock()
	v, ok := vi.heads[docKey{collection, docId}]
	return v, ok
}

// GetVisible walks the chain for the first version visible to snapshotCSN.
func (vi *VersionIndex) GetVisible(collection string, docId uint32, snapshotCSN common.CSN) (*DocumentVersion, bool) {
	vi.mu.Lock()
	defer vi.mu.Unlock()
	for v := vi.heads[docKey{collection, docId}]; v != nil; v = v.Prev {
		if v.CommitCSN <= snapshotCSN && (v.DeletedCSN == common.MaxCSN || v.DeletedCSN > snapshotCSN) {
			return v, true
		}
	}
	return nil, false
}

// Validate checks every op's expected prior state against the current
// head without installing anything. Commit calls this before applying any
// primary-tree or secondary-index mutation, so a conflict (by far the most
// common commit failure under contention) never requires those mutations
// to be undone.
func (vi *VersionIndex) Validate(ops []VersionOperation) error {
	vi.mu.Lock()
	defer vi.mu.Unlock()
	return vi.validateLocked(ops)
}

func (vi *VersionIndex) validateLocked(ops []VersionOperation) error {
	for _, op := range ops {
		head := vi.heads[docKey{op.Collection, op.DocId}]
		if op.ExpectAbsent {
			if head != nil && head.IsLive() {
				return &common.WriteConflict{Collection: op.Collection, DocId: op.DocId, ConflictingTxId: head.CreatedBy}
			}
			continue
		}
		if head == nil || head.CreatedBy != op.ReadVersionTxId {
			conflicting := common.TxId(0)
			if head != nil {
				conflicting = head.CreatedBy
			}
			return &common.WriteConflict{Collection: op.Collection, DocId: op.DocId, ConflictingTxId: conflicting}
		}
	}
	return nil
}

// ValidateAndInstall atomically re-validates every op's expected prior
// state against the current head, then installs all new versions. The
// first conflicting op aborts the whole call -- nothing is installed on
// error. Callers that already ran Validate before mutating other state
// still call this: it is the sole point that actually installs a version,
// and re-checking under the same lock costs nothing since nothing else can
// run between the two calls while the caller holds its own commit lock.
func (vi *VersionIndex) ValidateAndInstall(txId common.TxId, commitCSN common.CSN, ops []VersionOperation) error {
	vi.mu.Lock()
	defer vi.mu.Unlock()

	if err := vi.validateLocked(ops); err != nil {
		return err
	}

	for _, op := range ops {
		key := docKey{op.Collection, op.DocId}
		old := vi.heads[key]

		next := &DocumentVersion{
			Location:   op.Location,
			CommitCSN:  commitCSN,
			CreatedBy:  txId,
			DeletedCSN: common.MaxCSN,
			Prev:       old,
		}
		if op.IsDelete {
			next.DeletedCSN = commitCSN
		}
		vi.heads[key] = next

		if old != nil {
			old.DeletedCSN = commitCSN
			vi.candidates[key] = struct{}{}
		}
		if op.IsDelete {
			vi.candidates[key] = struct{}{}
		}
	}
	return nil
}

// Unlink splices target out of the chain rooted at (collection, docId),
// for use only by the garbage collector.
func (vi *VersionIndex) Unlink(collection string, docId uint32, prev, target *DocumentVersion) {
	vi.mu.Lock()
	defer vi.mu.Unlock()
	key := docKey{collection, docId}
	if prev == nil {
		if vi.heads[key] == target {
			vi.heads[key] = target.Prev
		}
		return
	}
	if prev.Prev == target {
		prev.Prev = target.Prev
	}
}

// RebuildEntry installs a synthetic head version during bootstrap
// (RebuildVersionIndex on open), with commit_csn = 0 and created_by = 0
// as spec §9's decision records.
func (vi *VersionIndex) RebuildEntry(collection string, docId uint32, loc common.Location) {
	vi.mu.Lock()
	defer vi.mu.Unlock()
	vi.heads[docKey{collection, docId}] = &DocumentVersion{
		Location:   loc,
		CommitCSN:  0,
		CreatedBy:  0,
		DeletedCSN: common.MaxCSN,
	}
}

// CollectGarbage walks every candidate chain and unlinks versions no
// longer visible to any snapshot at or after oldestSnapshotCSN, returning
// what storage can now reclaim.
func (vi *VersionIndex) CollectGarbage(oldestSnapshotCSN common.CSN) []CollectableVersion {
	vi.mu.Lock()
	defer vi.mu.Unlock()

	var collected []CollectableVersion

	for key := range vi.candidates {
		head := vi.heads[key]
		if head == nil {
			delete(vi.candidates, key)
			continue
		}

		// keep is the oldest version still visible to oldestSnapshotCSN --
		// the same condition GetVisible applies for that snapshot.
		keep := head
		for keep != nil {
			if keep.CommitCSN <= oldestSnapshotCSN && (keep.IsLive() || keep.DeletedCSN > oldestSnapshotCSN) {
				break
			}
			keep = keep.Prev
		}

		if keep == nil {
			// Nothing in the chain, including the head, is visible to the
			// oldest active snapshot: the whole chain is collectible.
			for v := head; v != nil; v = v.Prev {
				collected = append(collected, CollectableVersion{Collection: key.Collection, DocId: key.DocId, Location: v.Location})
			}
			delete(vi.heads, key)
			delete(vi.candidates, key)
			continue
		}

		for keep.Prev != nil && keep.Prev.DeletedCSN <= oldestSnapshotCSN {
			old := keep.Prev
			collected = append(collected, CollectableVersion{Collection: key.Collection, DocId: key.DocId, Location: old.Location})
			keep.Prev = old.Prev
		}

		if keep == head && keep.Prev == nil && keep.IsLive() {
			delete(vi.candidates, key)
		}
	}

	return collected
}
