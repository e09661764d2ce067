package secondary

import (
	"bytes"

	"github.com/galdrdb/galdrdb/internal/common"
	"github.com/galdrdb/galdrdb/internal/pager"
)

// Allocator hands out and reclaims page ids, mirroring internal/primary's
// interface of the same name (kept separate so the two tree packages
// stay independently wired, per the teacher's per-engine ownership
// style).
type Allocator interface {
	AllocatePage() (common.PageID, error)
	FreePage(common.PageID) error
}

// Tree is the byte-string-keyed B+ tree behind one secondary index.
type Tree struct {
	pager   *pager.Pager
	alloc   Allocator
	latches *LatchManager

	root         common.PageID
	onRootChange func(common.PageID) error

	unique bool
}

// Create allocates a fresh empty leaf as a new index's root.
func Create(p *pager.Pager, alloc Allocator, unique bool, onRootChange func(common.PageID) error) (*Tree, error) {
	id, err := alloc.AllocatePage()
	if err != nil {
		return nil, err
	}
	root := NewLeaf(id, p.PageSize())
	if err := p.Write(id, root.Bytes()); err != nil {
		return nil, err
	}
	return Open(p, alloc, id, unique, onRootChange), nil
}

func Open(p *pager.Pager, alloc Allocator, root common.PageID, unique bool, onRootChange func(common.PageID) error) *Tree {
	return &Tree{
		pager:        p,
		alloc:        alloc,
		latches:      NewLatchManager(),
		root:         root,
		unique:       unique,
		onRootChange: onRootChange,
	}
}

func (t *Tree) Root() common.PageID { return t.root }

func (t *Tree) readNode(id common.PageID) (*Node, error) {
	data, err := t.pager.Read(id)
	if err != nil {
		return nil, err
	}
	return Load(id, data)
}

func (t *Tree) writeNode(n *Node) error { return t.pager.Write(n.ID, n.Bytes()) }

func (t *Tree) readOverflow(id common.PageID) (*OverflowPage, error) {
	data, err := t.pager.Read(id)
	if err != nil {
		return nil, err
	}
	return LoadOverflowPage(id, data)
}

func (t *Tree) writeOverflow(o *OverflowPage) error { return t.pager.Write(o.ID, o.Bytes()) }

// findLeaf descends from the root to the leaf that would contain key.
func (t *Tree) findLeaf(key []byte) (*Node, error) {
	id := t.root
	for {
		n, err := t.readNode(id)
		if err != nil {
			return nil, err
		}
		if n.IsLeaf() {
			return n, nil
		}
		id = n.childAt(n.childIndex(key))
	}
}

// Locators returns every (page_id, slot_index) stored for key, including
// any in an overflow chain, across the one or more leaves it may span.
func (t *Tree) Locators(key []byte) ([]common.Location, error) {
	n, err := t.findLeaf(key)
	if err != nil {
		return nil, err
	}

	var out []common.Location
	idx := n.lowerBound(key)
	for {
		for idx < n.KeyCount() {
			cell := n.leafCellAt(idx)
			if !bytes.Equal(cell.Key, key) {
				return out, nil
			}
			out = append(out, cell.Loc)
			if cell.Overflow != common.InvalidPageID {
				locs, err := t.walkOverflow(cell.Overflow)
				if err != nil {
					return nil, err
				}
				out = append(out, locs...)
			}
			idx++
		}
		next := n.NextLeaf()
		if next == common.InvalidPageID {
			return out, nil
		}
		n, err = t.readNode(next)
		if err != nil {
			return nil, err
		}
		idx = 0
	}
}

func (t *Tree) walkOverflow(id common.PageID) ([]common.Location, error) {
	var out []common.Location
	for id != common.InvalidPageID {
		o, err := t.readOverflow(id)
		if err != nil {
			return nil, err
		}
		out = append(out, o.Locators()...)
		id = o.Next()
	}
	return out, nil
}

// LiveChecker reports whether a stored locator still refers to a live
// (non-superseded) document version; the unique-constraint check uses it
// to ignore entries that are no longer visible to anyone.
type LiveChecker func(common.Location) bool
