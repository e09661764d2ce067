// Package txn implements the transaction layer described in spec §4.9:
// per-transaction read/write sets, snapshot-isolated reads, and the
// three-phase commit that ties storage writes to version-index
// validation and WAL durability.
package txn

import (
	"sync"

	"github.com/galdrdb/galdrdb/internal/alloc"
	"github.com/galdrdb/galdrdb/internal/common"
	"github.com/galdrdb/galdrdb/internal/mvcc"
	"github.com/galdrdb/galdrdb/internal/pager"
	"github.com/galdrdb/galdrdb/internal/primary"
	"github.com/galdrdb/galdrdb/internal/secondary"
	"github.com/galdrdb/galdrdb/internal/walog"
	"github.com/rs/zerolog"
)

// Index bundles one secondary index's declaration with its live tree.
type Index struct {
	Def  common.IndexDef
	Tree *secondary.Tree
}

// Collection is one named document collection: the primary doc_id index,
// its secondary indexes, and the next_id counter new inserts draw from.
type Collection struct {
	Name    string
	Primary *primary.Tree
	Indexes map[string]*Index

	mu     sync.Mutex
	nextId uint32
}

// NewCollection wraps an already-open primary tree and index set. nextId
// is the first id a future insert without a caller-supplied id will use;
// the façade persists it in collection metadata and passes the last
// known value back in on Open.
func NewCollection(name string, primaryTree *primary.Tree, indexes map[string]*Index, nextId uint32) *Collection {
	if indexes == nil {
		indexes = make(map[string]*Index)
	}
	return &Collection{Name: name, Primary: primaryTree, Indexes: indexes, nextId: nextId}
}

// reserveId hands out the next free doc_id, for transactions that don't
// supply one explicitly. Reservation happens eagerly at Insert time
// rather than at commit, per §4.9's "reserved locally per transaction"
// note -- an aborted transaction simply leaks the reserved id, which is
// fine since ids are never reused.
func (c *Collection) reserveId() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextId
	c.nextId++
	return id
}

// bumpNextId advances the counter past id if id was caller-supplied and
// larger than anything reserved so far, keeping future auto-assigned ids
// from colliding with it.
func (c *Collection) bumpNextId(id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id >= c.nextId {
		c.nextId = id + 1
	}
}

// NextId returns the current counter value, for the façade to persist in
// collection metadata at checkpoint/close.
func (c *Collection) NextId() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextId
}

// Registry is the set of open collections a Store's transactions can
// touch, keyed by name. The façade owns the registry and swaps it atomically on
// collection create/drop; transactions only ever read from it.
type Registry map[string]*Collection

// Store bundles the handles every transaction needs that outlive any
// single transaction: the pager, page allocator, WAL, version index, and
// transaction manager. The façade constructs one Store per open database.
type Store struct {
	Pager     *pager.Pager
	Alloc     *alloc.PageStore
	Wal       *walog.Wal
	Versions  *mvcc.VersionIndex
	TxManager *mvcc.TransactionManager
	Log       zerolog.Logger

	// PageSize is cached off Pager for document-page sizing decisions.
	PageSize int

	// commitMu serializes the storage-write phase of Commit across
	// transactions -- this engine accepts one writer committing at a
	// time, many concurrent readers (§4.11's single-writer embedded-db
	// model), so phase 1's tree/page mutations never race each other.
	commitMu sync.Mutex
}

// NewStore wires the long-lived handles a database's transactions share.
func NewStore(p *pager.Pager, a *alloc.PageStore, w *walog.Wal, v *mvcc.VersionIndex, tm *mvcc.TransactionManager, log zerolog.Logger) *Store {
	return &Store{Pager: p, Alloc: a, Wal: w, Versions: v, TxManager: tm, Log: log, PageSize: p.PageSize()}
}
