package primary

import "github.com/galdrdb/galdrdb/internal/common"

// ErrNotFound is returned when a key does not exist in the tree.
var ErrNotFound = common.ErrCellNotFound

// Delete removes key from the tree, rebalancing underfull nodes via
// borrow-left, then borrow-right, then merge, per spec §4.4.
func (t *Tree) Delete(key uint32) error {
	stack := newLockStack(t.latches)
	defer stack.releaseAll()

	stack.push(t.root, LatchWrite)
	_, err := t.deleteAndRebalance(t.root, key, stack)
	if err != nil {
		return err
	}
	return t.maybeCollapseRoot()
}

// deleteAndRebalance returns whether the node at id is now underfull
// (and thus needs its parent to rebalance it).
func (t *Tree) deleteAndRebalance(id common.PageID, key uint32, stack *lockStack) (bool, error) {
	n, err := t.readNode(id)
	if err != nil {
		return false, err
	}

	if n.IsLeaf() {
		idx, found := n.searchLeaf(key)
		if !found {
			return false, ErrNotFound
		}
		n.removeLeafAt(idx)
		if err := t.writeNode(n); err != nil {
			return false, err
		}
		return id != t.root && n.KeyCount() < t.minKeys(), nil
	}

	childIdx := n.childIndex(key)
	childID := n.Child(childIdx)

	stack.push(childID, LatchWrite)
	childUnderflowed, err := t.deleteAndRebalance(childID, key, stack)
	if err != nil {
		return false, err
	}
	if !childUnderflowed {
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
	return id != t.root && n.KeyCount() < t.minKeys(), nil
}

// rebalanceChild restores the minimum-keys invariant for the child at
// childIdx by borrowing from a sibling or merging with one.
func (t *Tree) rebalanceChild(parent *Node, childIdx int) error {
	childID := parent.Child(childIdx)
	child, err := t.readNode(childID)
	if err != nil {
		return err
	}

	if childIdx > 0 {
		leftID := parent.Child(childIdx - 1)
		left, err := t.readNode(leftID)
		if err != nil {
			return err
		}
		if left.KeyCount() > t.minKeys() {
			t.borrowFromLeft(parent, childIdx-1, left, child)
			return t.writeAll(left, child, parent)
		}
	}

	if childIdx < parent.KeyCount() {
		rightID := parent.Child(childIdx + 1)
		right, err := t.readNode(rightID)
		if err != nil {
			return err
		}
		if right.KeyCount() > t.minKeys() {
			t.borrowFromRight(parent, childIdx, child, right)
			return t.writeAll(child, right, parent)
		}
	}

	if childIdx > 0 {
		leftID := parent.Child(childIdx - 1)
		left, err := t.readNode(leftID)
		if err != nil {
			return err
		}
		return t.mergeSiblings(parent, childIdx-1, left, child)
	}

	rightID := parent.Child(childIdx + 1)
	right, err := t.readNode(rightID)
	if err != nil {
		return err
	}
	return t.mergeSiblings(parent, childIdx, child, right)
}

func (t *Tree) writeAll(nodes ...*Node) error {
	for _, n := range nodes {
		if err := t.writeNode(n); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tree) borrowFromLeft(parent *Node, sepIdx int, left, child *Node) {
	if child.IsLeaf() {
		lastIdx := left.KeyCount() - 1
		k, v := left.Key(lastIdx), left.Value(lastIdx)
		left.removeLeafAt(lastIdx)
		child.insertLeafAt(0, k, v)
		parent.setKey(sepIdx, child.Key(0))
		return
	}
	sepKey := parent.Key(sepIdx)
	lastIdx := left.KeyCount() - 1
	movedChild := left.Child(left.KeyCount())
	movedKey := left.Key(lastIdx)
	left.removeInternalAt(lastIdx, left.KeyCount())

	for j := child.KeyCount(); j > 0; j-- {
		child.setKey(j, child.Key(j-1))
	}
	for j := child.KeyCount() + 1; j > 0; j-- {
		child.setChild(j, child.Child(j-1))
	}
	child.setKey(0, sepKey)
	child.setChild(0, movedChild)
	child.setKeyCount(child.KeyCount() + 1)

	parent.setKey(sepIdx, movedKey)
}

func (t *Tree) borrowFromRight(parent *Node, sepIdx int, child, right *Node) {
	if child.IsLeaf() {
		k, v := right.Key(0), right.Value(0)
		right.removeLeafAt(0)
		child.insertLeafAt(child.KeyCount(), k, v)
		parent.setKey(sepIdx, right.Key(0))
		return
	}
	sepKey := parent.Key(sepIdx)
	movedChild := right.Child(0)
	movedKey := right.Key(0)
	right.removeInternalAt(0, 0)

	child.insertInternalAt(child.KeyCount(), sepKey, movedChild)
	parent.setKey(sepIdx, movedKey)
}

// mergeSiblings folds right into left through the separator key at
// parent index sepIdx, then removes the now-redundant separator.
func (t *Tree) mergeSiblings(parent *Node, sepIdx int, left, right *Node) error {
	if left.IsLeaf() {
		for i := 0; i < right.KeyCount(); i++ {
			left.insertLeafAt(left.KeyCount(), right.Key(i), right.Value(i))
		}
		left.SetNextLeaf(right.NextLeaf())
	} else {
		sepKey := parent.Key(sepIdx)
		left.insertInternalAt(left.KeyCount(), sepKey, right.Child(0))
		for i := 0; i < right.KeyCount(); i++ {
			left.insertInternalAt(left.KeyCount(), right.Key(i), right.Child(i+1))
		}
	}

	parent.removeInternalAt(sepIdx, sepIdx+1)
	if err := t.writeNode(left); err != nil {
		return err
	}
	return t.alloc.FreePage(right.ID)
}

// maybeCollapseRoot shrinks the tree height when the root has a single
// child and no keys of its own.
func (t *Tree) maybeCollapseRoot() error {
	root, err := t.readNode(t.root)
	if err != nil {
		return err
	}
	if root.IsLeaf() || root.KeyCount() > 0 {
		return nil
	}
	newRoot := root.Child(0)
	if err := t.alloc.FreePage(t.root); err != nil {
		return err
	}
	t.root = newRoot
	if t.onRootChange != nil {
		return t.onRootChange(newRoot)
	}
	return nil
}
