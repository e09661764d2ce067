package txn

import (
	"errors"
	"sync"
	"time"

	"github.com/galdrdb/galdrdb/internal/common"
	"github.com/galdrdb/galdrdb/internal/metrics"
	"github.com/galdrdb/galdrdb/internal/mvcc"
	"github.com/galdrdb/galdrdb/internal/secondary"
)

type writeKind int

const (
	opInsert writeKind = iota
	opUpdate
	opDelete
)

// writeEntry is one write-set record, per §4.9's {op, bytes?,
// old_index_keys?, new_index_keys?, read_version_tx_id?} shape. Index
// keys are pre-encoded (see internal/secondary's Encode* helpers) by the
// caller, which is the layer that knows how to pull field values out of
// a document's bytes.
type writeEntry struct {
	kind            writeKind
	docId           uint32
	bytes           []byte
	oldIndexKeys    map[string][]byte
	newIndexKeys    map[string][]byte
	readVersionTxId common.TxId
}

type docRef struct {
	Collection string
	DocId      uint32
}

// Transaction holds a private read set and write set against a shared
// Store, per §4.9. Nothing it does is visible to any other transaction
// until Commit installs it.
type Transaction struct {
	store       *Store
	collections Registry
	txId        common.TxId
	snapshotCSN common.CSN
	readOnly    bool

	mu     sync.Mutex
	writes map[docRef]*writeEntry
	reads  map[docRef]common.TxId
	done   bool
}

// Begin starts a read/write transaction against the given collection
// registry, snapshotting store.TxManager's last-committed CSN.
func Begin(store *Store, collections Registry) *Transaction {
	txId, snap := store.TxManager.BeginTx()
	return &Transaction{
		store:       store,
		collections: collections,
		txId:        txId,
		snapshotCSN: snap,
		writes:      make(map[docRef]*writeEntry),
		reads:       make(map[docRef]common.TxId),
	}
}

// BeginReadOnly starts a transaction that only ever calls GetById; its
// Commit is a no-op retiring the snapshot, used interchangeably with
// Rollback/Close.
func BeginReadOnly(store *Store, collections Registry) *Transaction {
	t := Begin(store, collections)
	t.readOnly = true
	return t
}

func (t *Transaction) TxId() common.TxId       { return t.txId }
func (t *Transaction) SnapshotCSN() common.CSN { return t.snapshotCSN }

func (t *Transaction) collection(name string) (*Collection, error) {
	c, ok := t.collections[name]
	if !ok {
		return nil, common.ErrNoSuchCollection
	}
	return c, nil
}

// GetById returns the document visible to this transaction's snapshot,
// checking the write set first for read-your-own-writes.
func (t *Transaction) GetById(collection string, id uint32) ([]byte, error) {
	ref := docRef{collection, id}

	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return nil, common.ErrTxClosed
	}
	if w, ok := t.writes[ref]; ok {
		t.mu.Unlock()
		if w.kind == opDelete {
			return nil, common.ErrCellNotFound
		}
		return w.bytes, nil
	}
	t.mu.Unlock()

	if _, err := t.collection(collection); err != nil {
		return nil, err
	}

	v, ok := t.store.Versions.GetVisible(collection, id, t.snapshotCSN)
	if !ok {
		return nil, common.ErrCellNotFound
	}

	t.mu.Lock()
	t.reads[ref] = v.CreatedBy
	t.mu.Unlock()

	return ReadDocument(t.store, v.Location)
}

// resolveReadVersion records (or reuses) the creator tx id of the
// currently visible version of (collection, id), for Update/Delete's
// read_version_tx_id. Returns ErrCellNotFound if no version is visible.
func (t *Transaction) resolveReadVersion(collection string, id uint32) (common.TxId, error) {
	ref := docRef{collection, id}

	t.mu.Lock()
	if seen, ok := t.reads[ref]; ok {
		t.mu.Unlock()
		return seen, nil
	}
	t.mu.Unlock()

	v, ok := t.store.Versions.GetVisible(collection, id, t.snapshotCSN)
	if !ok {
		return 0, common.ErrCellNotFound
	}

	t.mu.Lock()
	t.reads[ref] = v.CreatedBy
	t.mu.Unlock()
	return v.CreatedBy, nil
}

// Insert assigns a new id from the collection's next_id counter unless
// explicitId is non-nil, in which case it verifies no live version of
// that id currently exists. Per §4.5, a unique index's exact-key lookup
// also runs here against each index's already-committed tree, rejecting
// an obvious duplicate synchronously rather than only at Commit time; the
// authoritative enforcement still happens in Commit's InsertUnique call
// (serialized under the store's commit lock), so a duplicate introduced by
// another transaction between this check and Commit is still caught.
func (t *Transaction) Insert(collection string, bytes []byte, newIndexKeys map[string][]byte, explicitId *uint32) (uint32, error) {
	if t.readOnly {
		return 0, common.ErrInvalidArgument
	}
	coll, err := t.collection(collection)
	if err != nil {
		return 0, err
	}

	if err := checkUniqueKeys(coll, newIndexKeys); err != nil {
		return 0, err
	}

	var id uint32
	if explicitId != nil {
		id = *explicitId
		if v, ok := t.store.Versions.GetLatest(collection, id); ok && v.IsLive() {
			return 0, &common.WriteConflict{Collection: collection, DocId: id, ConflictingTxId: v.CreatedBy}
		}
		coll.bumpNextId(id)
	} else {
		id = coll.reserveId()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return 0, common.ErrTxClosed
	}
	t.writes[docRef{collection, id}] = &writeEntry{kind: opInsert, docId: id, bytes: bytes, newIndexKeys: newIndexKeys}
	return id, nil
}

// checkUniqueKeys rejects a key that already has a live entry in one of
// coll's unique indexes. A nil LiveChecker (same as Commit's InsertUnique
// calls use) treats any existing entry as live, which holds as long as
// every index stays in sync with document lifetime -- Commit always
// removes a document's old key before a later transaction can see it as
// free, so a surviving entry means a genuinely live duplicate.
func checkUniqueKeys(coll *Collection, newIndexKeys map[string][]byte) error {
	for name, key := range newIndexKeys {
		idx, ok := coll.Indexes[name]
		if !ok || !idx.Def.Unique || secondary.IsNullComponent(key) {
			continue
		}
		existing, err := idx.Tree.Locators(key)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return &common.UniqueConstraintViolation{Index: name, Key: key}
		}
	}
	return nil
}

// Update requires an existing version visible to this transaction's
// snapshot and records its creator as the read-version for conflict
// detection at commit.
func (t *Transaction) Update(collection string, id uint32, bytes []byte, oldIndexKeys, newIndexKeys map[string][]byte) error {
	if t.readOnly {
		return common.ErrInvalidArgument
	}
	if _, err := t.collection(collection); err != nil {
		return err
	}
	ref := docRef{collection, id}

	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return common.ErrTxClosed
	}
	if existing, ok := t.writes[ref]; ok {
		if existing.kind == opDelete {
			t.mu.Unlock()
			return common.ErrCellNotFound
		}
		// Chained write within the same transaction: keep the original
		// op kind (and, for opUpdate, the original old_index_keys and
		// read-version) since those still describe the state actually
		// installed in the trees -- only bytes/new_index_keys move.
		existing.bytes = bytes
		existing.newIndexKeys = newIndexKeys
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	readTx, err := t.resolveReadVersion(collection, id)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return common.ErrTxClosed
	}
	t.writes[ref] = &writeEntry{kind: opUpdate, docId: id, bytes: bytes, oldIndexKeys: oldIndexKeys, newIndexKeys: newIndexKeys, readVersionTxId: readTx}
	return nil
}

// Delete requires an existing visible version, same as Update, but
// records a tombstone write-set entry.
func (t *Transaction) Delete(collection string, id uint32, oldIndexKeys map[string][]byte) error {
	if t.readOnly {
		return common.ErrInvalidArgument
	}
	if _, err := t.collection(collection); err != nil {
		return err
	}
	ref := docRef{collection, id}

	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return common.ErrTxClosed
	}
	if existing, ok := t.writes[ref]; ok {
		if existing.kind == opDelete {
			t.mu.Unlock()
			return common.ErrCellNotFound
		}
		if existing.kind == opInsert {
			// The document never left this transaction, so deleting it
			// is simply dropping the pending insert.
			delete(t.writes, ref)
			t.mu.Unlock()
			return nil
		}
		existing.kind = opDelete
		existing.bytes = nil
		existing.newIndexKeys = nil
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	readTx, err := t.resolveReadVersion(collection, id)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return common.ErrTxClosed
	}
	t.writes[ref] = &writeEntry{kind: opDelete, docId: id, oldIndexKeys: oldIndexKeys, readVersionTxId: readTx}
	return nil
}

// committedLoc is the bookkeeping Commit threads between its phases: the
// newly written location (insert/update) and the prior live location
// (update/delete), if any.
type committedLoc struct {
	loc     common.Location
	prevLoc common.Location
	hadPrev bool
}

// Commit is the sequence described in §4.9, reordered from a literal
// reading of its three phases so that a rejected write never leaves the
// version index pointing at a primary-tree/index state that was never
// actually applied:
//  1. Write document bytes for every write-set entry (each page write is
//     logged to the WAL transparently by the pager's WAL hook) -- safe to
//     leave behind if the commit aborts, reclaimed by a future vacuum.
//  2. Validate every op against the version index without installing
//     anything. A conflict here -- by far the most common commit failure
//     under contention -- aborts with nothing beyond phase 1's orphaned
//     document bytes touched.
//  3. Apply the primary-tree and secondary-index mutations. Because
//     Commit holds the store's commit lock for its entire duration, no
//     other transaction's commit can run between steps 2 and 3, so this
//     step cannot fail due to a state change the validate step didn't
//     already see -- but it can still fail on a disk/allocation error, in
//     which case every mutation already applied earlier in this loop is
//     unwound before aborting.
//  4. validate_and_install against the version index. Given step 3 only
//     ever runs after step 2 already passed and nothing else can run in
//     between, this is expected to always succeed; it is still handled as
//     a real failure (unwinding step 3's mutations) rather than assumed.
//  5. Seal the WAL transaction. Freeing the superseded locations comes
//     after the version index has committed, since reclaiming a page is
//     the one step here that cannot be undone; a failure to free is
//     logged and left for a future vacuum rather than failing a commit
//     that has otherwise already succeeded.
func (t *Transaction) Commit() error {
	if t.readOnly {
		return common.ErrInvalidArgument
	}

	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return common.ErrTxClosed
	}
	t.done = true
	writes := t.writes
	t.mu.Unlock()

	if len(writes) == 0 {
		t.store.TxManager.AbortTx(t.txId)
		return nil
	}

	t.store.commitMu.Lock()
	defer t.store.commitMu.Unlock()

	start := time.Now()
	defer func() { metrics.CommitLatency.Observe(time.Since(start).Seconds()) }()

	t.store.Wal.BeginTx(t.txId)

	ops := make([]mvcc.VersionOperation, 0, len(writes))
	locs := make(map[docRef]committedLoc, len(writes))
	refs := make([]docRef, 0, len(writes))

	for ref, w := range writes {
		if _, err := t.collection(ref.Collection); err != nil {
			t.store.Wal.AbortTx()
			t.store.TxManager.AbortTx(t.txId)
			return err
		}

		var cl committedLoc
		if head, ok := t.store.Versions.GetLatest(ref.Collection, ref.DocId); ok && head.IsLive() {
			cl.prevLoc = head.Location
			cl.hadPrev = true
		}

		op := mvcc.VersionOperation{
			Collection:      ref.Collection,
			DocId:           ref.DocId,
			IsDelete:        w.kind == opDelete,
			ReadVersionTxId: w.readVersionTxId,
			ExpectAbsent:    w.kind == opInsert,
		}

		if w.kind != opDelete {
			loc, err := WriteDocument(t.store, w.bytes)
			if err != nil {
				t.store.Wal.AbortTx()
				t.store.TxManager.AbortTx(t.txId)
				return err
			}
			cl.loc = loc
			op.Location = loc
		} else {
			op.Location = cl.prevLoc
		}

		locs[ref] = cl
		ops = append(ops, op)
		refs = append(refs, ref)
	}

	if err := t.store.Versions.Validate(ops); err != nil {
		t.store.Wal.AbortTx()
		t.store.TxManager.AbortTx(t.txId)
		metrics.WriteConflicts.Inc()
		return err
	}

	applied := make([]docRef, 0, len(refs))
	for _, ref := range refs {
		if err := t.applyWrite(ref, writes[ref], locs[ref]); err != nil {
			t.unapplyWrites(writes, locs, applied)
			t.store.Wal.AbortTx()
			t.store.TxManager.AbortTx(t.txId)
			return err
		}
		applied = append(applied, ref)
	}

	commitCSN := t.store.TxManager.CommitTx(t.txId)
	if err := t.store.Versions.ValidateAndInstall(t.txId, commitCSN, ops); err != nil {
		t.unapplyWrites(writes, locs, applied)
		t.store.Wal.AbortTx()
		metrics.WriteConflicts.Inc()
		return err
	}

	for _, ref := range refs {
		cl := locs[ref]
		if !cl.hadPrev {
			continue
		}
		if err := FreeDocumentLocation(t.store, cl.prevLoc); err != nil {
			t.store.Log.Warn().Err(err).Str("collection", ref.Collection).Uint32("doc_id", ref.DocId).
				Msg("failed to free superseded document location, left for a future vacuum")
		}
	}

	if err := t.store.Wal.CommitTx(); err != nil {
		return err
	}
	t.store.Log.Debug().Uint64("tx_id", uint64(t.txId)).Int("writes", len(writes)).Msg("transaction committed")
	return nil
}

// applyWrite applies one write-set entry's primary-tree and secondary-index
// mutations. Called before validate_and_install (see Commit); its effects
// are unwound by unapplyWrite if a later entry in the same batch fails or
// validate_and_install itself rejects the batch.
func (t *Transaction) applyWrite(ref docRef, w *writeEntry, cl committedLoc) error {
	coll, err := t.collection(ref.Collection)
	if err != nil {
		return err
	}

	switch w.kind {
	case opInsert:
		if err := coll.Primary.Insert(ref.DocId, cl.loc); err != nil {
			return err
		}
		return applyIndexKeys(coll, cl.loc, common.Location{}, false, nil, w.newIndexKeys)
	case opUpdate:
		if cl.hadPrev {
			if err := coll.Primary.Delete(ref.DocId); err != nil && !errors.Is(err, common.ErrCellNotFound) {
				return err
			}
		}
		if err := coll.Primary.Insert(ref.DocId, cl.loc); err != nil {
			return err
		}
		return applyIndexKeys(coll, cl.loc, cl.prevLoc, cl.hadPrev, w.oldIndexKeys, w.newIndexKeys)
	case opDelete:
		if cl.hadPrev {
			if err := coll.Primary.Delete(ref.DocId); err != nil && !errors.Is(err, common.ErrCellNotFound) {
				return err
			}
		}
		return applyIndexKeys(coll, common.Location{}, cl.prevLoc, cl.hadPrev, w.oldIndexKeys, nil)
	}
	return nil
}

// unapplyWrites reverses applyWrite for every ref in applied, in reverse
// order, restoring the primary tree and every secondary index to their
// pre-commit state. Only ever called before validate_and_install has
// installed anything for this batch, so superseded locations are never
// freed here -- there is nothing to give back, only tree/index entries to
// restore.
func (t *Transaction) unapplyWrites(writes map[docRef]*writeEntry, locs map[docRef]committedLoc, applied []docRef) {
	for i := len(applied) - 1; i >= 0; i-- {
		ref := applied[i]
		t.unapplyWrite(ref, writes[ref], locs[ref])
	}
}

// unapplyWrite is applyWrite's inverse. Errors are not propagated: this
// only ever runs while already unwinding a failed commit, and a tree
// already holding the entry it tries to remove (or missing the one it
// tries to restore) is tolerated the same way applyWrite tolerates a
// missing prior entry.
func (t *Transaction) unapplyWrite(ref docRef, w *writeEntry, cl committedLoc) {
	coll, err := t.collection(ref.Collection)
	if err != nil {
		return
	}

	switch w.kind {
	case opInsert:
		unapplyIndexKeys(coll, cl.loc, common.Location{}, false, nil, w.newIndexKeys)
		_ = coll.Primary.Delete(ref.DocId)
	case opUpdate:
		unapplyIndexKeys(coll, cl.loc, cl.prevLoc, cl.hadPrev, w.oldIndexKeys, w.newIndexKeys)
		_ = coll.Primary.Delete(ref.DocId)
		if cl.hadPrev {
			_ = coll.Primary.Insert(ref.DocId, cl.prevLoc)
		}
	case opDelete:
		unapplyIndexKeys(coll, common.Location{}, cl.prevLoc, cl.hadPrev, w.oldIndexKeys, nil)
		if cl.hadPrev {
			_ = coll.Primary.Insert(ref.DocId, cl.prevLoc)
		}
	}
}

// applyIndexKeys removes each index's old key (if the document had a
// prior location) and inserts its new key (if one is supplied).
func applyIndexKeys(coll *Collection, newLoc, prevLoc common.Location, hadPrev bool, oldKeys, newKeys map[string][]byte) error {
	for name, idx := range coll.Indexes {
		if hadPrev {
			if oldKey, ok := oldKeys[name]; ok {
				if err := idx.Tree.Delete(oldKey, prevLoc); err != nil && !errors.Is(err, secondary.ErrNotFound) {
					return err
				}
			}
		}
		newKey, ok := newKeys[name]
		if !ok {
			continue
		}
		if idx.Def.Unique {
			if err := idx.Tree.InsertUnique(name, newKey, newLoc, nil); err != nil {
				return err
			}
		} else if err := idx.Tree.Insert(newKey, newLoc); err != nil {
			return err
		}
	}
	return nil
}

// unapplyIndexKeys is applyIndexKeys's inverse: remove the new key just
// inserted, restore the old key just removed. Best-effort, since this only
// ever runs while unwinding a failed commit and there is nothing further to
// abort to.
func unapplyIndexKeys(coll *Collection, newLoc, prevLoc common.Location, hadPrev bool, oldKeys, newKeys map[string][]byte) {
	for name, idx := range coll.Indexes {
		if newKey, ok := newKeys[name]; ok {
			_ = idx.Tree.Delete(newKey, newLoc)
		}
		if hadPrev {
			if oldKey, ok := oldKeys[name]; ok {
				if idx.Def.Unique {
					_ = idx.Tree.InsertUnique(name, oldKey, prevLoc, nil)
				} else {
					_ = idx.Tree.Insert(oldKey, prevLoc)
				}
			}
		}
	}
}

// Rollback discards the write set; no WAL frames were ever written to
// disk for this transaction's storage writes (abort_tx was never
// needed since Commit was never called), and the reserved snapshot
// retires from the transaction manager's active set.
func (t *Transaction) Rollback() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return
	}
	t.done = true
	t.store.TxManager.AbortTx(t.txId)
}

// Close retires a read-only transaction's snapshot. Safe to call
// multiple times.
func (t *Transaction) Close() { t.Rollback() }
