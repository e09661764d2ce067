package secondary

import (
	"bytes"

	"github.com/galdrdb/galdrdb/internal/common"
)

var ErrNotFound = common.ErrCellNotFound

// Delete removes the single (key, loc) entry from the index. Because keys
// are non-unique, loc disambiguates which occurrence to remove -- the
// caller already knows which document version it is retracting.
func (t *Tree) Delete(key []byte, loc common.Location) error {
	stack := newLockStack(t.latches)
	defer stack.releaseAll()

	stack.push(t.root, LatchWrite)
	underfull, err := t.deleteAndRebalance(t.root, key, loc, stack)
	if err != nil {
		return err
	}
	_ = underfull
	return t.maybeCollapseRoot()
}

func (t *Tree) deleteAndRebalance(id common.PageID, key []byte, loc common.Location, stack *lockStack) (bool, error) {
	n, err := t.readNode(id)
	if err != nil {
		return false, err
	}

	if n.IsLeaf() {
		if !t.removeLeafEntry(n, key, loc) {
			return false, ErrNotFound
		}
		if err := t.writeNode(n); err != nil {
			return false, err
		}
		return id != t.root && n.IsUnderfull(), nil
	}

	childIdx := n.childIndex(key)
	childID := n.childAt(childIdx)

	stack.push(childID, LatchWrite)
	childUnderfull, err := t.deleteAndRebalance(childID, key, loc, stack)
	if err != nil {
		return false, err
	}
	if !childUnderfull {
		stack.releaseExceptTop()
		return false, nil
	}

	if err := t.rebalanceChild(n, childIdx); err != nil {
		return false, err
	}
	if err := t.writeNode(n); err != nil {
		return false, err
	}
	stack.releaseExceptTop()
	return id != t.root && n.IsUnderfull(), nil
}

// removeLeafEntry deletes the first occurrence of key whose locator
// matches loc, checking the in-leaf run first and then any overflow
// chain attached to it.
func (t *Tree) removeLeafEntry(n *Node, key []byte, loc common.Location) bool {
	idx := n.lowerBound(key)
	for idx < n.KeyCount() {
		c := n.leafCellAt(idx)
		if !bytes.Equal(c.Key, key) {
			break
		}
		if c.Loc == loc {
			if c.Overflow != common.InvalidPageID {
				// Promote the overflow chain's first locator into this
				// cell's slot so the run stays exactly the same length.
				promoted, rest, ok := t.popFirstOverflow(c.Overflow)
				if ok {
					n.removeAt(idx)
					n.insertLeafAt(idx, key, promoted)
					n.setLeafOverflow(idx, rest)
					return true
				}
			}
			n.removeAt(idx)
			return true
		}
		idx++
	}
	return false
}

// popFirstOverflow removes and returns the first locator in the overflow
// chain rooted at head, along with the (possibly changed) chain head to
// store back on the leaf cell. ok is false if the chain was empty.
func (t *Tree) popFirstOverflow(head common.PageID) (common.Location, common.PageID, bool) {
	o, err := t.readOverflow(head)
	if err != nil || o.Count() == 0 {
		return common.Location{}, common.InvalidPageID, false
	}
	locs := o.Locators()
	first := locs[0]
	o.Remove(0)
	if o.Count() > 0 {
		t.writeOverflow(o)
		return first, head, true
	}
	next := o.Next()
	t.alloc.FreePage(head)
	return first, next, true
}

func (t *Tree) rebalanceChild(parent *Node, childIdx int) error {
	if childIdx > 0 {
		left, err := t.readNode(parent.childAt(childIdx - 1))
		if err != nil {
			return err
		}
		if !left.IsUnderfull() && left.KeyCount() > 1 {
			return t.borrowFromLeft(parent, childIdx, left)
		}
	}
	if childIdx < parent.KeyCount() {
		right, err := t.readNode(parent.childAt(childIdx + 1))
		if err != nil {
			return err
		}
		if !right.IsUnderfull() && right.KeyCount() > 1 {
			return t.borrowFromRight(parent, childIdx, right)
		}
	}
	if childIdx > 0 {
		left, err := t.readNode(parent.childAt(childIdx - 1))
		if err != nil {
			return err
		}
		child, err := t.readNode(parent.childAt(childIdx))
		if err != nil {
			return err
		}
		return t.mergeSiblings(parent, childIdx-1, left, child)
	}
	right, err := t.readNode(parent.childAt(childIdx + 1))
	if err != nil {
		return err
	}
	child, err := t.readNode(parent.childAt(childIdx))
	if err != nil {
		return err
	}
	return t.mergeSiblings(parent, childIdx, child, right)
}

func (t *Tree) borrowFromLeft(parent *Node, childIdx int, left *Node) error {
	child, err := t.readNode(parent.childAt(childIdx))
	if err != nil {
		return err
	}

	if child.IsLeaf() {
		lastIdx := left.KeyCount() - 1
		c := left.leafCellAt(lastIdx)
		left.removeAt(lastIdx)
		child.insertLeafAt(0, c.Key, c.Loc)
		child.setLeafOverflow(0, c.Overflow)
		sepIdx := childIdx - 1
		parent.removeAt(sepIdx)
		parent.insertInternalAt(sepIdx, c.Key, parent.childAt(childIdx))
		return t.writeAll(parent, left, child)
	}

	lastIdx := left.KeyCount() - 1
	lastCell := left.internalCellAt(lastIdx)
	movedChild := lastCell.Child
	left.removeAt(lastIdx)

	sepIdx := childIdx - 1
	parentSep := parent.internalCellAt(sepIdx)

	oldChild0 := child.childAt(0)
	child.setChild0(movedChild)
	child.insertInternalAt(0, parentSep.Key, oldChild0)

	parent.removeAt(sepIdx)
	parent.insertInternalAt(sepIdx, lastCell.Key, parent.childAt(childIdx))

	return t.writeAll(parent, left, child)
}

func (t *Tree) borrowFromRight(parent *Node, childIdx int, right *Node) error {
	child, err := t.readNode(parent.childAt(childIdx))
	if err != nil {
		return err
	}

	if child.IsLeaf() {
		c := right.leafCellAt(0)
		right.removeAt(0)
		child.insertLeafAt(child.KeyCount(), c.Key, c.Loc)
		child.setLeafOverflow(child.KeyCount()-1, c.Overflow)

		newSep := right.leafCellAt(0).Key
		parent.removeAt(childIdx)
		parent.insertInternalAt(childIdx, newSep, parent.childAt(childIdx+1))
		return t.writeAll(parent, child, right)
	}

	firstCell := right.internalCellAt(0)
	movedChild := right.childAt(0)
	right.setChild0(firstCell.Child)
	right.removeAt(0)

	parentSep := parent.internalCellAt(childIdx)
	child.insertInternalAt(child.KeyCount(), parentSep.Key, movedChild)

	parent.removeAt(childIdx)
	parent.insertInternalAt(childIdx, firstCell.Key, parent.childAt(childIdx+1))

	return t.writeAll(parent, child, right)
}

// mergeSiblings folds right into left and removes the separator between
// them from parent, freeing right's page.
func (t *Tree) mergeSiblings(parent *Node, sepIdx int, left, right *Node) error {
	if left.IsLeaf() {
		for i := 0; i < right.KeyCount(); i++ {
			c := right.leafCellAt(i)
			left.insertLeafAt(left.KeyCount(), c.Key, c.Loc)
			left.setLeafOverflow(left.KeyCount()-1, c.Overflow)
		}
		left.SetNextLeaf(right.NextLeaf())
	} else {
		sep := parent.internalCellAt(sepIdx)
		left.insertInternalAt(left.KeyCount(), sep.Key, right.childAt(0))
		for i := 0; i < right.KeyCount(); i++ {
			c := right.internalCellAt(i)
			left.insertInternalAt(left.KeyCount(), c.Key, c.Child)
		}
	}

	// Removing the separator at sepIdx also drops the directory slot that
	// pointed at right: the cell that used to sit at sepIdx+1 (right's
	// child pointer) shifts down to occupy sepIdx, so the next lookup via
	// childAt resolves through left's already-correct page id.
	parent.removeAt(sepIdx)

	if err := t.writeNode(parent); err != nil {
		return err
	}
	if err := t.writeNode(left); err != nil {
		return err
	}
	return t.alloc.FreePage(right.ID)
}

func (t *Tree) writeAll(nodes ...*Node) error {
	for _, n := range nodes {
		if err := t.writeNode(n); err != nil {
			return err
		}
	}
	return nil
}

// maybeCollapseRoot shrinks the tree's height when the root is an
// internal node left with no separators: its sole remaining child
// becomes the new root.
func (t *Tree) maybeCollapseRoot() error {
	root, err := t.readNode(t.root)
	if err != nil {
		return err
	}
	if root.IsLeaf() || root.KeyCount() > 0 {
		return nil
	}
	newRoot := root.childAt(0)
	if err := t.alloc.FreePage(t.root); err != nil {
		return err
	}
	t.root = newRoot
	if t.onRootChange != nil {
		return t.onRootChange(newRoot)
	}
	return nil
}
