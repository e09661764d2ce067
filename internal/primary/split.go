package primary

import "github.com/galdrdb/galdrdb/internal/common"

// Insert descends to the target leaf and inserts (key, loc), splitting
// full nodes on the way back up and growing a new root when the
// original root splits, per spec §4.4.
func (t *Tree) Insert(key uint32, loc common.Location) error {
	stack := newLockStack(t.latches)
	defer stack.releaseAll()

	stack.push(t.root, LatchWrite)
	splitKey, newPageID, didSplit, err := t.insertAndSplit(t.root, key, loc, stack)
	if err != nil {
		return err
	}
	if didSplit {
		return t.growRoot(splitKey, newPageID)
	}
	return nil
}

func (t *Tree) insertAndSplit(id common.PageID, key uint32, loc common.Location, stack *lockStack) (uint32, common.PageID, bool, error) {
	n, err := t.readNode(id)
	if err != nil {
		return 0, 0, false, err
	}

	if n.IsLeaf() {
		idx, found := n.searchLeaf(key)
		if found {
			n.setValue(idx, loc)
			return 0, 0, false, t.writeNode(n)
		}
		if !n.IsFull() {
			n.insertLeafAt(idx, key, loc)
			return 0, 0, false, t.writeNode(n)
		}
		sep, newID, err := t.splitLeaf(n, idx, key, loc)
		return sep, newID, true, err
	}

	childIdx := n.childIndex(key)
	childID := n.Child(childIdx)

	// Crab latching: the child's latch is held together with every
	// ancestor's while recursing; once the child returns without a split,
	// every latch except the top of the stack is released.
	stack.push(childID, LatchWrite)
	childSep, childNewID, childSplit, err := t.insertAndSplit(childID, key, loc, stack)
	if err != nil {
		return 0, 0, false, err
	}
	if !childSplit {
		stack.releaseExceptTop()
		return 0, 0, false, nil
	}

	if !n.IsFull() {
		n.insertInternalAt(n.childIndex(childSep), childSep, childNewID)
		if err := t.writeNode(n); err != nil {
			return 0, 0, false, err
		}
		stack.releaseExceptTop()
		return 0, 0, false, nil
	}

	sep, newID, err := t.splitInternal(n, childSep, childNewID)
	return sep, newID, true, err
}

// splitLeaf divides a full leaf (plus the pending insert) in half,
// allocates a new right sibling, and returns the separator key (the
// first key of the new right page) to promote to the parent.
func (t *Tree) splitLeaf(n *Node, insertAt int, key uint32, loc common.Location) (uint32, common.PageID, error) {
	keys := make([]uint32, 0, n.KeyCount()+1)
	vals := make([]common.Location, 0, n.KeyCount()+1)
	for i := 0; i < n.KeyCount(); i++ {
		if i == insertAt {
			keys = append(keys, key)
			vals = append(vals, loc)
		}
		keys = append(keys, n.Key(i))
		vals = append(vals, n.Value(i))
	}
	if insertAt == n.KeyCount() {
		keys = append(keys, key)
		vals = append(vals, loc)
	}

	mid := len(keys) / 2

	newID, err := t.alloc.AllocatePage()
	if err != nil {
		return 0, 0, err
	}
	right := NewLeaf(newID, len(n.data))

	n.setKeyCount(0)
	for i := 0; i < mid; i++ {
		n.insertLeafAt(i, keys[i], vals[i])
	}
	for i := mid; i < len(keys); i++ {
		right.insertLeafAt(i-mid, keys[i], vals[i])
	}

	right.SetNextLeaf(n.NextLeaf())
	n.SetNextLeaf(right.ID)

	if err := t.writeNode(n); err != nil {
		return 0, 0, err
	}
	if err := t.writeNode(right); err != nil {
		return 0, 0, err
	}

	return right.Key(0), right.ID, nil
}

// splitInternal divides a full internal node (plus the pending
// separator/child) in half. The middle key is promoted to the parent
// and does not appear in either child; the left child's right pointer
// is implicitly the middle key's original right child.
func (t *Tree) splitInternal(n *Node, sepKey uint32, sepChild common.PageID) (uint32, common.PageID, error) {
	count := n.KeyCount()
	keys := make([]uint32, 0, count+1)
	children := make([]common.PageID, 0, count+2)

	insertAt := n.childIndex(sepKey)
	children = append(children, n.Child(0))
	for i := 0; i < count; i++ {
		if i == insertAt {
			keys = append(keys, sepKey)
			children = append(children, sepChild)
		}
		keys = append(keys, n.Key(i))
		children = append(children, n.Child(i+1))
	}
	if insertAt == count {
		keys = append(keys, sepKey)
		children = append(children, sepChild)
	}

	mid := len(keys) / 2
	middleKey := keys[mid]

	newID, err := t.alloc.AllocatePage()
	if err != nil {
		return 0, 0, err
	}
	right := NewInternal(newID, len(n.data))

	n.setKeyCount(0)
	n.setChild(0, children[0])
	for i := 0; i < mid; i++ {
		n.insertInternalAt(i, keys[i], children[i+1])
	}

	right.setChild(0, children[mid+1])
	for i := mid + 1; i < len(keys); i++ {
		right.insertInternalAt(i-mid-1, keys[i], children[i+1])
	}

	if err := t.writeNode(n); err != nil {
		return 0, 0, err
	}
	if err := t.writeNode(right); err != nil {
		return 0, 0, err
	}

	return middleKey, right.ID, nil
}

// growRoot allocates a new root page when the previous root has split.
func (t *Tree) growRoot(sepKey uint32, rightID common.PageID) error {
	newRootID, err := t.alloc.AllocatePage()
	if err != nil {
		return err
	}
	newRoot := NewInternal(newRootID, t.pager.PageSize())
	newRoot.setChild(0, t.root)
	newRoot.insertInternalAt(0, sepKey, rightID)
	if err := t.writeNode(newRoot); err != nil {
		return err
	}
	t.root = newRootID
	if t.onRootChange != nil {
		return t.onRootChange(newRootID)
	}
	return nil
}
