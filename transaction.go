package galdrdb

import (
	"github.com/galdrdb/galdrdb/internal/common"
	"github.com/galdrdb/galdrdb/internal/gc"
	"github.com/galdrdb/galdrdb/internal/txn"
	"github.com/galdrdb/galdrdb/internal/walog"
)

// Transaction wraps internal/txn.Transaction with the façade's
// opportunistic auto-GC and auto-checkpoint triggers, per spec §4.9.
type Transaction struct {
	*txn.Transaction
	db *Database
}

// BeginTransaction starts a read/write transaction.
func (db *Database) BeginTransaction() *Transaction {
	db.mu.Lock()
	defer db.mu.Unlock()
	return &Transaction{Transaction: txn.Begin(db.store, db.collections), db: db}
}

// BeginReadOnlyTransaction starts a transaction that only ever calls
// GetById.
func (db *Database) BeginReadOnlyTransaction() *Transaction {
	db.mu.Lock()
	defer db.mu.Unlock()
	return &Transaction{Transaction: txn.BeginReadOnly(db.store, db.collections), db: db}
}

// Commit commits the wrapped transaction, then opportunistically runs GC
// (every GcThreshold commits, when AutoGc is set) and checkpoints the WAL
// (once its frame count passes WalCheckpointThreshold, when
// AutoCheckpoint is set).
func (t *Transaction) Commit() error {
	if err := t.Transaction.Commit(); err != nil {
		return err
	}

	t.db.mu.Lock()
	t.db.commitsSinceGc++
	shouldGc := t.db.opts.AutoGc && t.db.commitsSinceGc >= t.db.opts.GcThreshold
	if shouldGc {
		t.db.commitsSinceGc = 0
	}
	t.db.mu.Unlock()

	if shouldGc {
		if _, err := t.db.collector.Run(); err != nil {
			return err
		}
	}

	if t.db.opts.AutoCheckpoint && t.db.wal.FrameCount() >= t.db.opts.WalCheckpointThreshold {
		if err := t.db.Checkpoint(); err != nil {
			return err
		}
	}
	return nil
}

// Checkpoint applies every committed WAL frame (a no-op here since
// Write already wrote through to the main file; the frame's only other
// job is driving the conservative bitmap reconstruction on crash
// recovery) and truncates the log.
func (db *Database) Checkpoint() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.wal.Checkpoint(func(walog.Frame) error { return nil }); err != nil {
		return err
	}
	if err := db.pager.Flush(); err != nil {
		return err
	}
	return db.persistMaps()
}

// persistMaps writes the current bitmap, FSM, and collections metadata
// to fresh chunk chains and updates the header to point at them,
// freeing the previous chains. Bitmap/FSM/metadata are only durable as
// of a checkpoint or Close -- not logged incrementally per-mutation --
// so recovery instead conservatively reconstructs allocation state from
// replayed page-write frames (see recoverAndLoad).
func (db *Database) persistMaps() error {
	bitmapBytes := db.alloc.Bitmap().Bytes()
	fsmBytes := db.alloc.FreeSpaceMap().Bytes()

	newBitmapRoot, err := writeChunkedBlob(db.pager, db.alloc, bitmapBytes)
	if err != nil {
		return err
	}
	newFsmRoot, err := writeChunkedBlob(db.pager, db.alloc, fsmBytes)
	if err != nil {
		return err
	}

	colls := make([]collectionMeta, 0, len(db.collections))
	for name, c := range db.collections {
		cm := collectionMeta{Name: name, RootPage: c.Primary.Root(), DocCount: 0, NextId: c.NextId()}
		for idxName, idx := range c.Indexes {
			cm.Indexes = append(cm.Indexes, indexMeta{
				Name:     idxName,
				Unique:   idx.Def.Unique,
				RootPage: idx.Tree.Root(),
				Fields:   idx.Def.Fields,
			})
		}
		colls = append(colls, cm)
	}
	newMetaRoot, err := writeChunkedBlob(db.pager, db.alloc, encodeCollections(colls))
	if err != nil {
		return err
	}

	oldBitmapRoot, oldFsmRoot, oldMetaRoot := db.header.BitmapStart, db.header.FsmStart, db.header.CollectionsMetadataPage

	db.header.BitmapStart = newBitmapRoot
	db.header.FsmStart = newFsmRoot
	db.header.CollectionsMetadataPage = newMetaRoot
	db.header.TotalPageCount = uint32(db.alloc.Bitmap().Len())
	db.header.LastCommitFrame = 0
	if err := db.writeHeaderPage(); err != nil {
		return err
	}
	if err := db.pager.Flush(); err != nil {
		return err
	}

	if oldBitmapRoot != 0 {
		if err := freeChunkedBlob(db.pager, db.alloc, oldBitmapRoot); err != nil {
			return err
		}
	}
	if oldFsmRoot != 0 {
		if err := freeChunkedBlob(db.pager, db.alloc, oldFsmRoot); err != nil {
			return err
		}
	}
	if oldMetaRoot != 0 {
		if err := freeChunkedBlob(db.pager, db.alloc, oldMetaRoot); err != nil {
			return err
		}
	}
	return nil
}

// Vacuum runs a full GC + page-compaction + trailing-truncation sweep.
func (db *Database) Vacuum() (gc.VacuumStats, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.vacuumer.Run()
}

// CompactTo rewrites every live document (as of the current snapshot)
// into a brand-new database file at dstPath, which must not already
// exist. The destination is built with the same collection/index
// schema as the source before gc.CompactTo streams documents into it.
func (db *Database) CompactTo(dstPath string, opts Options) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	dst, err := Create(dstPath, opts)
	if err != nil {
		return err
	}
	defer dst.Close()

	for name, coll := range db.collections {
		schema := CollectionSchema{Name: name}
		for idxName, idx := range coll.Indexes {
			schema.IndexDefs = append(schema.IndexDefs, common.IndexDef{
				Name:   idxName,
				Fields: idx.Def.Fields,
				Unique: idx.Def.Unique,
			})
		}
		if err := dst.CreateCollection(schema); err != nil {
			return err
		}
	}

	snapshot := db.store.TxManager.OldestActiveSnapshotCSN()
	if err := gc.CompactTo(db.store, db.collections, dst.store, dst.collections, db.store.Versions, snapshot); err != nil {
		return err
	}
	return dst.Checkpoint()
}

// Close flushes and persists bitmap/FSM/collection metadata, then closes
// the WAL and pager. Safe to call once; a second call's pager/WAL
// operations will simply fail since the handles are already closed.
func (db *Database) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.persistMaps(); err != nil {
		return err
	}
	if err := db.wal.Close(); err != nil {
		return err
	}
	return db.pager.Close()
}
