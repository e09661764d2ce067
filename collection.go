package galdrdb

import (
	"github.com/galdrdb/galdrdb/internal/common"
	"github.com/galdrdb/galdrdb/internal/primary"
	"github.com/galdrdb/galdrdb/internal/secondary"
	"github.com/galdrdb/galdrdb/internal/txn"
)

// CreateCollection builds a brand-new collection's primary tree and any
// secondary indexes its schema declares, and registers it for
// transactions to use.
func (db *Database) CreateCollection(schema CollectionSchema) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, exists := db.collections[schema.Name]; exists {
		return common.ErrCollectionExists
	}

	primaryTree, err := primary.Create(db.pager, db.alloc, noopRootChange)
	if err != nil {
		return err
	}

	indexes := make(map[string]*txn.Index, len(schema.IndexDefs))
	for _, def := range schema.IndexDefs {
		tree, err := secondary.Create(db.pager, db.alloc, def.Unique, noopRootChange)
		if err != nil {
			return err
		}
		indexes[def.Name] = &txn.Index{Def: def, Tree: tree}
	}

	db.collections[schema.Name] = txn.NewCollection(schema.Name, primaryTree, indexes, 1)
	return nil
}

// DropCollection removes a collection and frees the storage of every
// live document. The pages of its primary tree and secondary index trees
// are not freed.
// There is no transactional undo for this call -- it is meant for schema
// management, not user data mutation.
func (db *Database) DropCollection(name string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	coll, ok := db.collections[name]
	if !ok {
		return common.ErrNoSuchCollection
	}

	it := coll.Primary.Range(0, 0, false)
	for it.Next() {
		if err := txn.FreeDocumentLocation(db.store, it.Entry().Loc); err != nil {
			return err
		}
	}
	if err := it.Err(); err != nil {
		return err
	}

	delete(db.collections, name)
	return nil
}

// Collections lists every currently open collection's name.
func (db *Database) Collections() []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	names := make([]string, 0, len(db.collections))
	for name := range db.collections {
		names = append(names, name)
	}
	return names
}
