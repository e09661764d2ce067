package primary

import "github.com/galdrdb/galdrdb/internal/common"

// Entry is one (doc_id, locator) pair yielded by a range scan.
type Entry struct {
	Key uint32
	Loc common.Location
}

// Iterator walks leaves in ascending key order via next_leaf links, per
// spec §4.4's range-scan description.
type Iterator struct {
	tree    *Tree
	leaf    *Node
	idx     int
	end     uint32
	hasEnd  bool
	done    bool
	started bool
	err     error
}

// Range returns an ascending iterator over keys in [start, end]. Pass
// hasEnd=false to scan to the end of the tree.
func (t *Tree) Range(start uint32, end uint32, hasEnd bool) *Iterator {
	id := t.root
	for {
		n, err := t.readNode(id)
		if err != nil {
			return &Iterator{err: err, done: true}
		}
		if n.IsLeaf() {
			idx, _ := n.searchLeaf(start)
			return &Iterator{tree: t, leaf: n, idx: idx, end: end, hasEnd: hasEnd}
		}
		id = n.Child(n.childIndex(start))
	}
}

// Next advances the iterator and reports whether an entry is available.
func (it *Iterator) Next() bool {
	if it.done {
		return false
	}
	if it.started {
		it.idx++
	}
	it.started = true
	for {
		if it.idx >= it.leaf.KeyCount() {
			next := it.leaf.NextLeaf()
			if next == common.InvalidPageID {
				it.done = true
				return false
			}
			n, err := it.tree.readNode(next)
			if err != nil {
				it.err = err
				it.done = true
				return false
			}
			it.leaf = n
			it.idx = 0
			continue
		}
		key := it.leaf.Key(it.idx)
		if it.hasEnd && key > it.end {
			it.done = true
			return false
		}
		return true
	}
}

// Entry returns the current (key, locator) pair; valid only after Next
// returns true.
func (it *Iterator) Entry() Entry {
	return Entry{Key: it.leaf.Key(it.idx), Loc: it.leaf.Value(it.idx)}
}

// Err returns any error encountered while iterating.
func (it *Iterator) Err() error { return it.err }
