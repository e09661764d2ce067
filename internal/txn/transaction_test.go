package txn

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/galdrdb/galdrdb/internal/alloc"
	"github.com/galdrdb/galdrdb/internal/common"
	"github.com/galdrdb/galdrdb/internal/mvcc"
	"github.com/galdrdb/galdrdb/internal/pager"
	"github.com/galdrdb/galdrdb/internal/primary"
	"github.com/galdrdb/galdrdb/internal/secondary"
	"github.com/galdrdb/galdrdb/internal/walog"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const testPageSize = 4096

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()

	p, err := pager.Open(filepath.Join(dir, "data.db"), pager.Options{PageSize: testPageSize})
	require.NoError(t, err)
	require.NoError(t, p.SetLength(1))

	w, err := walog.Open(filepath.Join(dir, "data.wal"), testPageSize, zerolog.Nop())
	require.NoError(t, err)
	p.SetWAL(w)

	bitmap := alloc.NewBitmap(1)
	bitmap.Allocate(0) // page 0 is the header, never allocated to content
	fsm := alloc.NewFreeSpaceMap(1)
	pageStore := alloc.NewPageStore(p, bitmap, fsm)

	return &Store{
		Pager:     p,
		Alloc:     pageStore,
		Wal:       w,
		Versions:  mvcc.NewVersionIndex(),
		TxManager: mvcc.NewTransactionManager(),
		Log:       zerolog.Nop(),
		PageSize:  testPageSize,
	}
}

func newTestCollection(t *testing.T, store *Store, name string, indexes map[string]*Index) *Collection {
	t.Helper()
	tree, err := primary.Create(store.Pager, store.Alloc, nil)
	require.NoError(t, err)
	return NewCollection(name, tree, indexes, 1)
}

func newUniqueIndex(t *testing.T, store *Store, name string) *Index {
	t.Helper()
	tree, err := secondary.Create(store.Pager, store.Alloc, true, nil)
	require.NoError(t, err)
	return &Index{Def: common.IndexDef{Name: name, Fields: []string{"email"}, Unique: true}, Tree: tree}
}

func TestInsertThenGetByIdSeesCommittedDocument(t *testing.T) {
	store := newTestStore(t)
	coll := newTestCollection(t, store, "users", nil)
	registry := Registry{"users": coll}

	tx := Begin(store, registry)
	id, err := tx.Insert("users", []byte(`{"name":"ada"}`), nil, nil)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	tx2 := Begin(store, registry)
	defer tx2.Rollback()
	got, err := tx2.GetById("users", id)
	require.NoError(t, err)
	require.Equal(t, `{"name":"ada"}`, string(got))
}

func TestGetByIdReadsOwnWriteBeforeCommit(t *testing.T) {
	store := newTestStore(t)
	coll := newTestCollection(t, store, "users", nil)
	registry := Registry{"users": coll}

	tx := Begin(store, registry)
	defer tx.Rollback()
	id, err := tx.Insert("users", []byte("v1"), nil, nil)
	require.NoError(t, err)

	got, err := tx.GetById("users", id)
	require.NoError(t, err)
	require.Equal(t, "v1", string(got))
}

func TestUpdateReplacesBytesAndOldLocationIsFreed(t *testing.T) {
	store := newTestStore(t)
	coll := newTestCollection(t, store, "users", nil)
	registry := Registry{"users": coll}

	tx := Begin(store, registry)
	id, err := tx.Insert("users", []byte("v1"), nil, nil)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	tx2 := Begin(store, registry)
	require.NoError(t, tx2.Update("users", id, []byte("v2"), nil, nil))
	require.NoError(t, tx2.Commit())

	tx3 := Begin(store, registry)
	defer tx3.Rollback()
	got, err := tx3.GetById("users", id)
	require.NoError(t, err)
	require.Equal(t, "v2", string(got))
}

func TestDeleteThenGetByIdNotFound(t *testing.T) {
	store := newTestStore(t)
	coll := newTestCollection(t, store, "users", nil)
	registry := Registry{"users": coll}

	tx := Begin(store, registry)
	id, err := tx.Insert("users", []byte("v1"), nil, nil)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	tx2 := Begin(store, registry)
	require.NoError(t, tx2.Delete("users", id, nil))
	require.NoError(t, tx2.Commit())

	tx3 := Begin(store, registry)
	defer tx3.Rollback()
	_, err = tx3.GetById("users", id)
	require.ErrorIs(t, err, common.ErrCellNotFound)
}

func TestWriteConflictOnStaleReadVersion(t *testing.T) {
	store := newTestStore(t)
	coll := newTestCollection(t, store, "users", nil)
	registry := Registry{"users": coll}

	tx := Begin(store, registry)
	id, err := tx.Insert("users", []byte("v1"), nil, nil)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	// Two transactions both snapshot the same committed version.
	txA := Begin(store, registry)
	txB := Begin(store, registry)

	require.NoError(t, txA.Update("users", id, []byte("from-a"), nil, nil))
	require.NoError(t, txA.Commit())

	require.NoError(t, txB.Update("users", id, []byte("from-b"), nil, nil))
	err = txB.Commit()
	var conflict *common.WriteConflict
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, uint32(id), conflict.DocId)
}

func TestExplicitIdInsertRejectsLiveDuplicate(t *testing.T) {
	store := newTestStore(t)
	coll := newTestCollection(t, store, "users", nil)
	registry := Registry{"users": coll}

	explicit := uint32(42)
	tx := Begin(store, registry)
	_, err := tx.Insert("users", []byte("v1"), nil, &explicit)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	tx2 := Begin(store, registry)
	defer tx2.Rollback()
	_, err = tx2.Insert("users", []byte("v2"), nil, &explicit)
	var conflict *common.WriteConflict
	require.ErrorAs(t, err, &conflict)
}

func TestUniqueIndexRejectsDuplicateEmailAcrossCommits(t *testing.T) {
	store := newTestStore(t)
	idx := newUniqueIndex(t, store, "by_email")
	coll := newTestCollection(t, store, "users", map[string]*Index{"by_email": idx})
	registry := Registry{"users": coll}

	key := func(s string) []byte { return secondary.EncodeString(nil, s) }

	tx := Begin(store, registry)
	_, err := tx.Insert("users", []byte("ada"), map[string][]byte{"by_email": key("ada@example.com")}, nil)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	tx2 := Begin(store, registry)
	defer tx2.Rollback()
	_, err = tx2.Insert("users", []byte("eve"), map[string][]byte{"by_email": key("ada@example.com")}, nil)
	var violation *common.UniqueConstraintViolation
	require.ErrorAs(t, err, &violation)
	require.Equal(t, "by_email", violation.Index)
}

func TestUpdateMovesUniqueIndexEntryToNewKey(t *testing.T) {
	store := newTestStore(t)
	idx := newUniqueIndex(t, store, "by_email")
	coll := newTestCollection(t, store, "users", map[string]*Index{"by_email": idx})
	registry := Registry{"users": coll}

	key := func(s string) []byte { return secondary.EncodeString(nil, s) }

	tx := Begin(store, registry)
	id, err := tx.Insert("users", []byte("ada"), map[string][]byte{"by_email": key("old@example.com")}, nil)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	tx2 := Begin(store, registry)
	require.NoError(t, tx2.Update("users", id, []byte("ada2"), map[string][]byte{"by_email": key("old@example.com")}, map[string][]byte{"by_email": key("new@example.com")}))
	require.NoError(t, tx2.Commit())

	// The old key is now free to reuse by a different document.
	tx3 := Begin(store, registry)
	_, err = tx3.Insert("users", []byte("eve"), map[string][]byte{"by_email": key("old@example.com")}, nil)
	require.NoError(t, err)
	require.NoError(t, tx3.Commit())

	locs, err := idx.Tree.Locators(key("new@example.com"))
	require.NoError(t, err)
	require.Len(t, locs, 1)
}

func TestRollbackDiscardsWriteSet(t *testing.T) {
	store := newTestStore(t)
	coll := newTestCollection(t, store, "users", nil)
	registry := Registry{"users": coll}

	tx := Begin(store, registry)
	id, err := tx.Insert("users", []byte("v1"), nil, nil)
	require.NoError(t, err)
	tx.Rollback()

	tx2 := Begin(store, registry)
	defer tx2.Rollback()
	_, err = tx2.GetById("users", id)
	require.True(t, errors.Is(err, common.ErrCellNotFound))
}

func TestLargeDocumentSpansExtentPages(t *testing.T) {
	store := newTestStore(t)
	coll := newTestCollection(t, store, "blobs", nil)
	registry := Registry{"blobs": coll}

	big := make([]byte, testPageSize*3)
	for i := range big {
		big[i] = byte(i % 251)
	}

	tx := Begin(store, registry)
	id, err := tx.Insert("blobs", big, nil, nil)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	tx2 := Begin(store, registry)
	defer tx2.Rollback()
	got, err := tx2.GetById("blobs", id)
	require.NoError(t, err)
	require.Equal(t, big, got)
}
