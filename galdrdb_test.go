package galdrdb

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/galdrdb/galdrdb/internal/common"
	"github.com/galdrdb/galdrdb/internal/secondary"
	"github.com/stretchr/testify/require"
)

func testOptions() Options {
	o := DefaultOptions()
	o.PageSize = 4096
	o.GcThreshold = 2
	o.WalCheckpointThreshold = 4
	return o
}

func TestCreateThenOpenRoundTripsDocument(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	db, err := Create(path, testOptions())
	require.NoError(t, err)
	require.NoError(t, db.CreateCollection(CollectionSchema{Name: "users"}))

	tx := db.BeginTransaction()
	id, err := tx.Insert("users", []byte("ada"), nil, nil)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	require.NoError(t, db.Close())

	db2, err := Open(path, testOptions())
	require.NoError(t, err)
	defer db2.Close()

	tx2 := db2.BeginReadOnlyTransaction()
	defer tx2.Close()
	got, err := tx2.GetById("users", id)
	require.NoError(t, err)
	require.Equal(t, "ada", string(got))
}

func TestCreateFailsIfFileAlreadyExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	db, err := Create(path, testOptions())
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = Create(path, testOptions())
	require.ErrorIs(t, err, common.ErrDatabaseExists)
}

func TestOpenOrCreateCreatesThenReopens(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	db, err := OpenOrCreate(path, testOptions())
	require.NoError(t, err)
	require.NoError(t, db.CreateCollection(CollectionSchema{Name: "widgets"}))
	require.NoError(t, db.Close())

	db2, err := OpenOrCreate(path, testOptions())
	require.NoError(t, err)
	defer db2.Close()
	require.Contains(t, db2.Collections(), "widgets")
}

func TestUniqueSecondaryIndexRejectsDuplicateAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	db, err := Create(path, testOptions())
	require.NoError(t, err)
	require.NoError(t, db.CreateCollection(CollectionSchema{
		Name:      "users",
		IndexDefs: []common.IndexDef{{Name: "by_email", Fields: []string{"email"}, Unique: true}},
	}))

	key := func(s string) []byte { return secondary.EncodeString(nil, s) }

	tx := db.BeginTransaction()
	_, err = tx.Insert("users", []byte("ada"), map[string][]byte{"by_email": key("ada@example.com")}, nil)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	require.NoError(t, db.Close())

	db2, err := Open(path, testOptions())
	require.NoError(t, err)
	defer db2.Close()

	tx2 := db2.BeginTransaction()
	defer tx2.Rollback()
	_, err = tx2.Insert("users", []byte("eve"), map[string][]byte{"by_email": key("ada@example.com")}, nil)
	var violation *common.UniqueConstraintViolation
	require.ErrorAs(t, err, &violation)
}

func TestDropCollectionRemovesIt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	db, err := Create(path, testOptions())
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.CreateCollection(CollectionSchema{Name: "temp"}))
	tx := db.BeginTransaction()
	_, err = tx.Insert("temp", []byte("x"), nil, nil)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	require.NoError(t, db.DropCollection("temp"))
	require.NotContains(t, db.Collections(), "temp")

	err = db.DropCollection("temp")
	require.ErrorIs(t, err, common.ErrNoSuchCollection)
}

func TestVacuumReclaimsDeletedDocuments(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	db, err := Create(path, testOptions())
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.CreateCollection(CollectionSchema{Name: "items"}))

	var ids []uint32
	for i := 0; i < 20; i++ {
		tx := db.BeginTransaction()
		id, err := tx.Insert("items", make([]byte, 256), nil, nil)
		require.NoError(t, err)
		require.NoError(t, tx.Commit())
		ids = append(ids, id)
	}
	for _, id := range ids {
		tx := db.BeginTransaction()
		require.NoError(t, tx.Delete("items", id, nil))
		require.NoError(t, tx.Commit())
	}

	stats, err := db.Vacuum()
	require.NoError(t, err)
	require.GreaterOrEqual(t, stats.VersionsCollected, len(ids))
}

func TestCheckpointSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	db, err := Create(path, testOptions())
	require.NoError(t, err)
	require.NoError(t, db.CreateCollection(CollectionSchema{Name: "users"}))

	tx := db.BeginTransaction()
	id, err := tx.Insert("users", []byte("ada"), nil, nil)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	require.NoError(t, db.Checkpoint())
	require.NoError(t, db.Close())

	db2, err := Open(path, testOptions())
	require.NoError(t, err)
	defer db2.Close()

	tx2 := db2.BeginReadOnlyTransaction()
	defer tx2.Close()
	got, err := tx2.GetById("users", id)
	require.NoError(t, err)
	require.Equal(t, "ada", string(got))
}

func TestCompactToCopiesLiveDocumentsOnly(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "src.db")
	dstPath := filepath.Join(dir, "dst.db")

	db, err := Create(srcPath, testOptions())
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.CreateCollection(CollectionSchema{Name: "items"}))

	tx := db.BeginTransaction()
	keepId, err := tx.Insert("items", []byte("keep"), nil, nil)
	require.NoError(t, err)
	dropId, err := tx.Insert("items", []byte("drop"), nil, nil)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	tx2 := db.BeginTransaction()
	require.NoError(t, tx2.Delete("items", dropId, nil))
	require.NoError(t, tx2.Commit())

	require.NoError(t, db.CompactTo(dstPath, testOptions()))

	dst, err := Open(dstPath, testOptions())
	require.NoError(t, err)
	defer dst.Close()

	tx3 := dst.BeginReadOnlyTransaction()
	defer tx3.Close()
	got, err := tx3.GetById("items", keepId)
	require.NoError(t, err)
	require.Equal(t, "keep", string(got))

	_, err = tx3.GetById("items", dropId)
	require.True(t, errors.Is(err, common.ErrCellNotFound))
}

func TestMetricsReturnsRegisteredCollectors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	db, err := Create(path, testOptions())
	require.NoError(t, err)
	defer db.Close()

	families, err := db.Metrics().Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}

func TestAutoCheckpointTriggersAfterFrameThreshold(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	opts := testOptions()
	opts.AutoCheckpoint = true
	opts.WalCheckpointThreshold = 2

	db, err := Create(path, opts)
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.CreateCollection(CollectionSchema{Name: "items"}))

	for i := 0; i < 5; i++ {
		tx := db.BeginTransaction()
		_, err := tx.Insert("items", []byte("x"), nil, nil)
		require.NoError(t, err)
		require.NoError(t, tx.Commit())
	}
	require.Less(t, db.wal.FrameCount(), uint64(5))
}
