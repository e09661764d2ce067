package secondary

import "github.com/galdrdb/galdrdb/internal/common"

// Entry pairs a secondary key with the document locator it points to.
type Entry struct {
	Key []byte
	Loc common.Location
}

// Iterator walks secondary-index entries in key order, across leaf
// boundaries via next_leaf links and through any overflow chains.
type Iterator struct {
	tree *Tree

	leaf *Node
	idx  int

	lo, hi       []byte
	hasLo, hasHi bool
	hiInclusive  bool

	overflow    []common.Location
	overflowPos int
	currentKey  []byte

	cur     Entry
	started bool
	done    bool
	err     error
}

// Range scans all entries with key >= lo (or from the beginning if
// hasLo is false) up to hi, inclusive of hi iff hiInclusive, or to the
// end of the index if hasHi is false. This covers spec §4.5's exact,
// prefix_range, and range operations: callers encode the bound bytes
// (e.g. a prefix with a 0xff-padded upper bound) before calling Range.
func (t *Tree) Range(lo, hi []byte, hasLo, hasHi, hiInclusive bool) *Iterator {
	it := &Iterator{tree: t, lo: lo, hi: hi, hasLo: hasLo, hasHi: hasHi, hiInclusive: hiInclusive}

	startKey := lo
	if !hasLo {
		startKey = nil
	}
	n, err := t.findLeaf(startKey)
	if err != nil {
		it.err = err
		it.done = true
		return it
	}
	it.leaf = n
	if hasLo {
		it.idx = n.lowerBound(lo)
	} else {
		it.idx = 0
	}
	return it
}

// Exact scans every entry whose key equals key.
func (t *Tree) Exact(key []byte) *Iterator {
	return t.Range(key, key, true, true, true)
}

func (it *Iterator) withinUpper(key []byte) bool {
	if !it.hasHi {
		return true
	}
	cmp := compareBytes(key, it.hi)
	if it.hiInclusive {
		return cmp <= 0
	}
	return cmp < 0
}

func compareBytes(a, b []byte) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// Next advances the iterator, returning false once exhausted or on error.
func (it *Iterator) Next() bool {
	if it.done {
		return false
	}

	if it.started && it.overflowPos < len(it.overflow) {
		it.cur = Entry{Key: it.currentKey, Loc: it.overflow[it.overflowPos]}
		it.overflowPos++
		return true
	}

	if it.started {
		it.idx++
	}
	it.started = true

	for {
		if it.leaf == nil {
			it.done = true
			return false
		}
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

		c := it.leaf.leafCellAt(it.idx)
		if !it.withinUpper(c.Key) {
			it.done = true
			return false
		}

		it.currentKey = append([]byte{}, c.Key...)
		it.cur = Entry{Key: it.currentKey, Loc: c.Loc}

		if c.Overflow != common.InvalidPageID {
			locs, err := it.tree.walkOverflow(c.Overflow)
			if err != nil {
				it.err = err
				it.done = true
				return false
			}
			it.overflow = locs
			it.overflowPos = 0
		} else {
			it.overflow = nil
			it.overflowPos = 0
		}
		return true
	}
}

func (it *Iterator) Entry() Entry { return it.cur }
func (it *Iterator) Err() error   { return it.err }
