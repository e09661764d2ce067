package galdrdb

import (
	"fmt"
	"os"
	"sync"

	"github.com/galdrdb/galdrdb/internal/alloc"
	"github.com/galdrdb/galdrdb/internal/common"
	"github.com/galdrdb/galdrdb/internal/gc"
	"github.com/galdrdb/galdrdb/internal/logging"
	"github.com/galdrdb/galdrdb/internal/metrics"
	"github.com/galdrdb/galdrdb/internal/mvcc"
	"github.com/galdrdb/galdrdb/internal/pager"
	"github.com/galdrdb/galdrdb/internal/primary"
	"github.com/galdrdb/galdrdb/internal/secondary"
	"github.com/galdrdb/galdrdb/internal/txn"
	"github.com/galdrdb/galdrdb/internal/walog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

const walSuffix = ".wal"

// Database is one open GaldrDb file: the pager/WAL/allocator stack, the
// version index and transaction manager, and the set of open
// collections, per spec §4.11.
type Database struct {
	path string
	opts Options
	log  zerolog.Logger

	pager *pager.Pager
	wal   *walog.Wal
	alloc *alloc.PageStore

	store       *txn.Store
	collections txn.Registry

	mu sync.Mutex

	header header

	collector *gc.Collector
	vacuumer  *gc.Vacuumer

	commitsSinceGc int
}

// Create makes a brand-new database file at path. It fails if the file
// already exists.
func Create(path string, opts Options) (*Database, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, common.ErrDatabaseExists
	} else if !os.IsNotExist(err) {
		return nil, &common.IoError{Underlying: err}
	}
	return bootstrap(path, opts.withDefaults(), true)
}

// Open opens an existing database file at path, running WAL recovery and
// rebuilding the in-memory version index from the primary trees.
func Open(path string, opts Options) (*Database, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, &common.IoError{Underlying: err}
	}
	return bootstrap(path, opts.withDefaults(), false)
}

// OpenOrCreate opens path if it exists, else creates it.
func OpenOrCreate(path string, opts Options) (*Database, error) {
	if _, err := os.Stat(path); err == nil {
		return Open(path, opts)
	}
	return Create(path, opts.withDefaults())
}

func bootstrap(path string, opts Options, create bool) (*Database, error) {
	if opts.LogLevel != "" {
		logging.Init(logging.Config{Level: opts.LogLevel})
	}
	log := logging.WithComponent("database")

	db := &Database{path: path, opts: opts, log: log, collections: make(txn.Registry)}

	var salt [encryptionSaltSize]byte
	var encKey []byte
	if create {
		if opts.Encryption.Password != "" {
			if _, err := readRandom(salt[:]); err != nil {
				return nil, err
			}
			encKey = pager.DeriveKey(opts.Encryption.Password, salt[:], opts.Encryption.KdfIterations)
		}
	} else {
		hdrBuf, err := readHeaderPageRaw(path, opts.PageSize)
		if err != nil {
			return nil, err
		}
		hdr, err := decodeHeader(hdrBuf)
		if err != nil {
			return nil, err
		}
		salt = hdr.EncryptionSalt
		if opts.Encryption.Password != "" {
			encKey = pager.DeriveKey(opts.Encryption.Password, salt[:], opts.Encryption.KdfIterations)
		}
	}

	p, err := pager.Open(path, pager.Options{
		PageSize:      opts.PageSize,
		CacheSize:     opts.PageCacheSize,
		UseMmap:       opts.UseMmap,
		EncryptionKey: encKey,
		Log:           &log,
	})
	if err != nil {
		return nil, err
	}
	db.pager = p

	walPath := path + walSuffix
	w, err := walog.Open(walPath, opts.PageSize, log)
	if err != nil {
		return nil, err
	}
	db.wal = w

	if create {
		if err := db.createFresh(salt); err != nil {
			return nil, err
		}
	} else {
		if err := db.recoverAndLoad(); err != nil {
			return nil, err
		}
	}

	if opts.UseWal {
		p.SetWAL(w)
	}

	tm := mvcc.NewTransactionManager()
	versions := mvcc.NewVersionIndex()
	db.store = txn.NewStore(p, db.alloc, w, versions, tm, log)
	db.collector = gc.NewCollector(db.store, versions, tm)
	db.vacuumer = gc.NewVacuumer(db.store, db.collector, db.collections)

	if err := db.rebuildVersionIndex(); err != nil {
		return nil, err
	}

	return db, nil
}

// createFresh lays out a new, empty database: header page, empty
// bitmap/FSM (page 0 pre-marked allocated for the header), and an empty
// collections blob.
func (db *Database) createFresh(salt [encryptionSaltSize]byte) error {
	bitmap := alloc.NewBitmap(1)
	fsm := alloc.NewFreeSpaceMap(1)
	bitmap.Allocate(0)
	store := alloc.NewPageStore(db.pager, bitmap, fsm)
	db.alloc = store

	if err := db.pager.SetLength(1); err != nil {
		return err
	}

	metaRoot, err := writeChunkedBlob(db.pager, store, encodeCollections(nil))
	if err != nil {
		return err
	}

	db.header = header{
		Version:                 headerVersion,
		PageSize:                uint32(db.opts.PageSize),
		TotalPageCount:          uint32(bitmap.Len()),
		CollectionsMetadataPage: metaRoot,
		EncryptionSalt:          salt,
	}
	return db.writeHeaderPage()
}

// recoverAndLoad replays the WAL (with the pager's hook not yet
// installed, so replayed writes are never re-logged), then loads the
// header, bitmap, and FSM.
func (db *Database) recoverAndLoad() error {
	hdrBuf, err := db.pager.Read(0)
	if err != nil {
		return err
	}
	hdr, err := decodeHeader(hdrBuf)
	if err != nil {
		return err
	}
	db.header = *hdr

	// A conservative placeholder bitmap/FSM, grown as recovery replays
	// page writes, since the persisted bitmap image may be stale
	// relative to whatever the WAL is about to replay on top of it.
	bitmap := alloc.NewBitmap(int(hdr.TotalPageCount))
	fsm := alloc.NewFreeSpaceMap(int(hdr.TotalPageCount))
	store := alloc.NewPageStore(db.pager, bitmap, fsm)
	db.alloc = store

	applied, err := db.wal.Recover(func(f walog.Frame) error {
		if f.ChangeType != walog.ChangeTypePage {
			return nil
		}
		pageID, data := walog.DecodePagePayload(f.Payload)
		if int(pageID) >= bitmap.Len() {
			n := int(pageID) + 1
			bitmap.Resize(n)
			fsm.Resize(n)
		}
		if err := db.pager.Write(pageID, data); err != nil {
			return err
		}
		bitmap.Allocate(pageID)
		return nil
	})
	if err != nil {
		return err
	}
	db.log.Info().Int("frames_replayed", applied).Msg("recovered from wal")

	// Reload the header in case recovery replayed a newer copy of page 0.
	hdrBuf, err = db.pager.Read(0)
	if err != nil {
		return err
	}
	hdr, err = decodeHeader(hdrBuf)
	if err != nil {
		return err
	}
	db.header = *hdr

	if hdr.BitmapStart != 0 {
		persistedBitmap, err := readChunkedBlob(db.pager, hdr.BitmapStart)
		if err != nil {
			return err
		}
		loaded := alloc.LoadBitmap(persistedBitmap, int(hdr.TotalPageCount))
		if bitmap.Len() > loaded.Len() {
			loaded.Resize(bitmap.Len())
		}
		for i := 0; i < bitmap.Len(); i++ {
			if bitmap.IsAllocated(common.PageID(i)) {
				loaded.Allocate(common.PageID(i))
			}
		}
		bitmap = loaded
		store.ReplaceBitmap(bitmap)
	}
	if hdr.FsmStart != 0 {
		persistedFsm, err := readChunkedBlob(db.pager, hdr.FsmStart)
		if err != nil {
			return err
		}
		fsm = alloc.LoadFreeSpaceMap(persistedFsm, int(hdr.TotalPageCount))
		store.ReplaceFSM(fsm)
	}

	metaBytes, err := readChunkedBlob(db.pager, hdr.CollectionsMetadataPage)
	if err != nil {
		return err
	}
	colls, err := decodeCollections(metaBytes)
	if err != nil {
		return err
	}
	for _, c := range colls {
		coll, err := openCollection(db.pager, store, c)
		if err != nil {
			return err
		}
		db.collections[c.Name] = coll
	}
	return nil
}

func openCollection(p *pager.Pager, store *alloc.PageStore, c collectionMeta) (*txn.Collection, error) {
	primaryTree := primary.Open(p, store, c.RootPage, noopRootChange)
	indexes := make(map[string]*txn.Index, len(c.Indexes))
	for _, idx := range c.Indexes {
		tree := secondary.Open(p, store, idx.RootPage, idx.Unique, noopRootChange)
		indexes[idx.Name] = &txn.Index{
			Def:  common.IndexDef{Name: idx.Name, Fields: idx.Fields, Unique: idx.Unique},
			Tree: tree,
		}
	}
	return txn.NewCollection(c.Name, primaryTree, indexes, c.NextId), nil
}

// noopRootChange is safe for every tree the façade opens: the current
// root is always read back via Tree.Root() when metadata is persisted,
// so there is nothing to track incrementally.
func noopRootChange(common.PageID) error { return nil }

// rebuildVersionIndex walks every collection's primary tree and installs
// a synthetic head version for each live key, per §9's adopted recovery
// policy (commit_csn=0, created_by=0). next_id is recomputed as
// max(key)+1 unless StrictMonotonicIds is set, in which case the
// persisted counter from collection metadata is trusted as-is.
func (db *Database) rebuildVersionIndex() error {
	for name, coll := range db.collections {
		it := coll.Primary.Range(0, 0, false)
		next := uint32(0)
		for it.Next() {
			e := it.Entry()
			db.store.Versions.RebuildEntry(name, e.Key, e.Loc)
			if e.Key+1 > next {
				next = e.Key + 1
			}
		}
		if err := it.Err(); err != nil {
			return err
		}
		if !db.opts.StrictMonotonicIds && next > 0 {
			db.collections[name] = txn.NewCollection(name, coll.Primary, coll.Indexes, next)
		}
	}
	return nil
}

func (db *Database) writeHeaderPage() error {
	return db.pager.Write(0, db.header.encode(db.opts.PageSize))
}

func readHeaderPageRaw(path string, pageSize int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &common.IoError{Underlying: err}
	}
	defer f.Close()
	buf := make([]byte, pageSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return nil, &common.IoError{Underlying: fmt.Errorf("read header page: %w", err)}
	}
	return buf, nil
}

func readRandom(buf []byte) (int, error) {
	f, err := os.Open("/dev/urandom")
	if err != nil {
		return 0, &common.IoError{Underlying: err}
	}
	defer f.Close()
	return f.Read(buf)
}

// Path returns the database file's path on disk.
func (db *Database) Path() string { return db.path }

// Metrics returns a prometheus.Registry with every GaldrDb collector
// registered, for an embedding application to scrape. The core never
// starts an HTTP listener itself.
func (db *Database) Metrics() *prometheus.Registry { return metrics.Registry() }
