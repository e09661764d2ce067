package secondary

import "github.com/galdrdb/galdrdb/internal/common"

// Insert adds (key, loc) to the index. Duplicate keys are permitted: the
// new entry is appended to the end of key's existing run, per spec
// §4.5's non-unique-keys policy.
func (t *Tree) Insert(key []byte, loc common.Location) error {
	stack := newLockStack(t.latches)
	defer stack.releaseAll()

	stack.push(t.root, LatchWrite)
	sepKey, newID, didSplit, err := t.insertAndSplit(t.root, key, loc, stack)
	if err != nil {
		return err
	}
	if didSplit {
		return t.growRoot(sepKey, newID)
	}
	return nil
}

func (t *Tree) insertAndSplit(id common.PageID, key []byte, loc common.Location, stack *lockStack) ([]byte, common.PageID, bool, error) {
	n, err := t.readNode(id)
	if err != nil {
		return nil, 0, false, err
	}

	if n.IsLeaf() {
		insertAt := t.leafInsertPoint(n, key)

		if n.CanFitLeaf(key) {
			n.insertLeafAt(insertAt, key, loc)
			return nil, 0, false, t.writeNode(n)
		}

		if t.isSingleKeyLeaf(n, key) {
			if err := t.appendOverflow(n, key, loc); err != nil {
				return nil, 0, false, err
			}
			return nil, 0, false, t.writeNode(n)
		}

		sep, newID, err := t.splitLeaf(n, insertAt, key, loc)
		return sep, newID, true, err
	}

	childIdx := n.childIndex(key)
	childID := n.childAt(childIdx)

	stack.push(childID, LatchWrite)
	childSep, childNewID, childSplit, err := t.insertAndSplit(childID, key, loc, stack)
	if err != nil {
		return nil, 0, false, err
	}
	if !childSplit {
		stack.releaseExceptTop()
		return nil, 0, false, nil
	}

	if n.CanFitInternal(childSep) {
		n.insertInternalAt(n.childIndex(childSep), childSep, childNewID)
		if err := t.writeNode(n); err != nil {
			return nil, 0, false, err
		}
		stack.releaseExceptTop()
		return nil, 0, false, nil
	}

	sep, newID, err := t.splitInternal(n, childSep, childNewID)
	return sep, newID, true, err
}

// leafInsertPoint finds where a new (key, loc) belongs: after the last
// existing occurrence of key, so duplicates stay grouped in insertion
// order.
func (t *Tree) leafInsertPoint(n *Node, key []byte) int {
	idx, found := n.search(key)
	if !found {
		return idx
	}
	for idx < n.KeyCount() {
		c := n.leafCellAt(idx)
		if string(c.Key) != string(key) {
			break
		}
		idx++
	}
	return idx
}

// isSingleKeyLeaf reports whether every existing entry in n shares key --
// meaning a normal split cannot separate them, so overflow is the only
// option.
func (t *Tree) isSingleKeyLeaf(n *Node, key []byte) bool {
	count := n.KeyCount()
	if count == 0 {
		return false
	}
	first := n.leafCellAt(0).Key
	last := n.leafCellAt(count - 1).Key
	return string(first) == string(key) && string(last) == string(key)
}

// appendOverflow routes an extra duplicate into key's overflow chain,
// creating the chain if this is the first overflow for the key.
func (t *Tree) appendOverflow(n *Node, key []byte, loc common.Location) error {
	idx := n.lowerBound(key)
	cell := n.leafCellAt(idx)

	head := cell.Overflow
	if head == common.InvalidPageID {
		id, err := t.alloc.AllocatePage()
		if err != nil {
			return err
		}
		page := NewOverflowPage(id, t.pager.PageSize())
		page.Append(loc)
		if err := t.writeOverflow(page); err != nil {
			return err
		}
		n.setLeafOverflow(idx, id)
		return nil
	}

	o, err := t.readOverflow(head)
	if err != nil {
		return err
	}
	for !o.Append(loc) {
		next := o.Next()
		if next == common.InvalidPageID {
			newID, err := t.alloc.AllocatePage()
			if err != nil {
				return err
			}
			page := NewOverflowPage(newID, t.pager.PageSize())
			page.Append(loc)
			if err := t.writeOverflow(page); err != nil {
				return err
			}
			o.SetNext(newID)
			return t.writeOverflow(o)
		}
		if err := t.writeOverflow(o); err != nil {
			return err
		}
		o, err = t.readOverflow(next)
		if err != nil {
			return err
		}
	}
	return t.writeOverflow(o)
}

func (t *Tree) splitLeaf(n *Node, insertAt int, key []byte, loc common.Location) ([]byte, common.PageID, error) {
	type entry struct {
		key []byte
		loc common.Location
	}
	entries := make([]entry, 0, n.KeyCount()+1)
	for i := 0; i < n.KeyCount(); i++ {
		if i == insertAt {
			entries = append(entries, entry{key, loc})
		}
		c := n.leafCellAt(i)
		entries = append(entries, entry{append([]byte{}, c.Key...), c.Loc})
	}
	if insertAt == n.KeyCount() {
		entries = append(entries, entry{key, loc})
	}

	mid := len(entries) / 2
	// Never split a duplicate run across the boundary's key value if
	// avoidable: nudge the midpoint forward to the first differing key.
	for mid < len(entries)-1 && string(entries[mid].key) == string(entries[mid-1].key) {
		mid++
	}

	newID, err := t.alloc.AllocatePage()
	if err != nil {
		return nil, 0, err
	}
	right := NewLeaf(newID, len(n.data))

	n.setKeyCount(0)
	n.setFreeEnd(uint16(n.pageSize() - 2))
	for i := 0; i < mid; i++ {
		n.insertLeafAt(i, entries[i].key, entries[i].loc)
	}
	for i := mid; i < len(entries); i++ {
		right.insertLeafAt(i-mid, entries[i].key, entries[i].loc)
	}

	right.SetNextLeaf(n.NextLeaf())
	n.SetNextLeaf(right.ID)

	if err := t.writeNode(n); err != nil {
		return nil, 0, err
	}
	if err := t.writeNode(right); err != nil {
		return nil, 0, err
	}

	return right.leafCellAt(0).Key, right.ID, nil
}

func (t *Tree) splitInternal(n *Node, sepKey []byte, sepChild common.PageID) ([]byte, common.PageID, error) {
	type entry struct {
		key   []byte
		child common.PageID
	}
	count := n.KeyCount()
	entries := make([]entry, 0, count+1)
	insertAt := n.childIndex(sepKey)
	for i := 0; i < count; i++ {
		if i == insertAt {
			entries = append(entries, entry{sepKey, sepChild})
		}
		c := n.internalCellAt(i)
		entries = append(entries, entry{append([]byte{}, c.Key...), c.Child})
	}
	if insertAt == count {
		entries = append(entries, entry{sepKey, sepChild})
	}

	mid := len(entries) / 2
	middleKey := entries[mid].key

	children := make([]common.PageID, 0, len(entries)+1)
	children = append(children, n.childAt(0))
	for _, e := range entries {
		children = append(children, e.child)
	}

	newID, err := t.alloc.AllocatePage()
	if err != nil {
		return nil, 0, err
	}
	right := NewInternal(newID, len(n.data))

	n.setKeyCount(0)
	n.setFreeEnd(uint16(n.pageSize() - 2))
	n.setChild0(children[0])
	for i := 0; i < mid; i++ {
		n.insertInternalAt(i, entries[i].key, children[i+1])
	}

	right.setChild0(children[mid+1])
	for i := mid + 1; i < len(entries); i++ {
		right.insertInternalAt(i-mid-1, entries[i].key, children[i+1])
	}

	if err := t.writeNode(n); err != nil {
		return nil, 0, err
	}
	if err := t.writeNode(right); err != nil {
		return nil, 0, err
	}

	return middleKey, right.ID, nil
}

func (t *Tree) growRoot(sepKey []byte, rightID common.PageID) error {
	newRootID, err := t.alloc.AllocatePage()
	if err != nil {
		return err
	}
	newRoot := NewInternal(newRootID, t.pager.PageSize())
	newRoot.setChild0(t.root)
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
