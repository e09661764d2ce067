package primary

import (
	"github.com/galdrdb/galdrdb/internal/common"
	"github.com/galdrdb/galdrdb/internal/pager"
)

// Allocator hands out and reclaims page ids for new tree nodes. The
// database façade wires this to the bitmap/FSM allocator (§4.2).
type Allocator interface {
	AllocatePage() (common.PageID, error)
	FreePage(common.PageID) error
}

// Tree is the integer-keyed, crab-latching B+ tree mapping doc_id to its
// physical (page_id, slot_index) locator, per spec §4.4.
type Tree struct {
	pager   *pager.Pager
	alloc   Allocator
	latches *LatchManager

	root        common.PageID
	onRootChange func(common.PageID) error

	order int
}

// Open attaches a Tree to an existing root page (read from collection
// metadata by the caller).
func Open(p *pager.Pager, alloc Allocator, root common.PageID, onRootChange func(common.PageID) error) *Tree {
	return &Tree{
		pager:        p,
		alloc:        alloc,
		latches:      NewLatchManager(),
		root:         root,
		onRootChange: onRootChange,
		order:        Order(p.PageSize()),
	}
}

// Create allocates a fresh empty leaf as the root of a brand-new tree.
func Create(p *pager.Pager, alloc Allocator, onRootChange func(common.PageID) error) (*Tree, error) {
	id, err := alloc.AllocatePage()
	if err != nil {
		return nil, err
	}
	root := NewLeaf(id, p.PageSize())
	if err := p.Write(id, root.Bytes()); err != nil {
		return nil, err
	}
	t := Open(p, alloc, id, onRootChange)
	return t, nil
}

func (t *Tree) Root() common.PageID { return t.root }

func (t *Tree) readNode(id common.PageID) (*Node, error) {
	data, err := t.pager.Read(id)
	if err != nil {
		return nil, err
	}
	return Load(id, data)
}

func (t *Tree) writeNode(n *Node) error {
	return t.pager.Write(n.ID, n.Bytes())
}

func (t *Tree) minKeys() int {
	// ceil((m-1)/2) with m-1 taken as a leaf's key capacity. Leaves hold
	// fewer keys than internal nodes, so this bound serves both levels and
	// a merge of two nodes at the bound always fits in one page.
	leafCap := (t.pager.PageSize() - headerSize) / (keySize + leafValueSize)
	return (leafCap + 1) / 2
}

// Get performs an unlatched point lookup (callers holding an exclusive
// transaction-level lock use this; concurrent readers use GetLatched).
func (t *Tree) Get(key uint32) (common.Location, bool, error) {
	id := t.root
	for {
		n, err := t.readNode(id)
		if err != nil {
			return common.Location{}, false, err
		}
		if n.IsLeaf() {
			idx, found := n.searchLeaf(key)
			if !found {
				return common.Location{}, false, nil
			}
			return n.Value(idx), true, nil
		}
		id = n.Child(n.childIndex(key))
	}
}

// GetLatched performs a concurrent lookup using crab latching: a read
// latch on the child is acquired before the parent's is released, per
// spec §4.4.
func (t *Tree) GetLatched(key uint32) (common.Location, bool, error) {
	stack := newLockStack(t.latches)
	defer stack.releaseAll()

	id := t.root
	for {
		stack.push(id, LatchRead)
		n, err := t.readNode(id)
		if err != nil {
			return common.Location{}, false, err
		}
		if n.IsLeaf() {
			idx, found := n.searchLeaf(key)
			if !found {
				return common.Location{}, false, nil
			}
			return n.Value(idx), true, nil
		}
		id = n.Child(n.childIndex(key))
		stack.releaseExceptTop()
	}
}
