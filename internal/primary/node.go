// Package primary implements the integer-keyed B+ tree that maps a
// collection's doc_id values to their physical (page_id, slot_index)
// locator, per spec §4.4. Unlike the teacher's variable-length cell
// directory, keys and values here are fixed-width, so nodes are laid out
// as plain contiguous arrays rather than a directory of variable cells.
package primary

import (
	"encoding/binary"

	"github.com/galdrdb/galdrdb/internal/common"
)

const (
	// PageTypeInternal and PageTypeLeaf tag page §3's node_type field.
	PageTypeInternal byte = 0
	PageTypeLeaf     byte = 1

	// pageTypeTag is the page-level type byte (0x02 for primary trees).
	pageTypeTag byte = 0x02

	// headerSize is {page_type(1), node_type(1), key_count(2), next_leaf(4)}.
	headerSize = 8

	offPageType = 0
	offNodeType = 1
	offKeyCount = 2
	offNextLeaf = 4

	keySize          = 4 // doc_id, big-endian for natural ordering
	childSize        = 4 // child page id
	leafValueSize    = 8 // page_id(4) + slot_index(4)
)

// Order returns the maximum fanout m for a given page size: an internal
// node holds up to m-1 keys and m children, and must fit in one page.
func Order(pageSize int) int {
	// headerSize + (m-1)*keySize + m*childSize <= pageSize
	m := (pageSize - headerSize + keySize) / (keySize + childSize)
	if m < 3 {
		m = 3
	}
	return m
}

// Node wraps one on-disk primary-tree page.
type Node struct {
	ID   common.PageID
	data []byte
}

// NewLeaf formats a fresh empty leaf page.
func NewLeaf(id common.PageID, pageSize int) *Node {
	n := &Node{ID: id, data: make([]byte, pageSize)}
	n.data[offPageType] = pageTypeTag
	n.data[offNodeType] = PageTypeLeaf
	n.setKeyCount(0)
	n.SetNextLeaf(common.InvalidPageID)
	return n
}

// NewInternal formats a fresh empty internal page.
func NewInternal(id common.PageID, pageSize int) *Node {
	n := &Node{ID: id, data: make([]byte, pageSize)}
	n.data[offPageType] = pageTypeTag
	n.data[offNodeType] = PageTypeInternal
	n.setKeyCount(0)
	return n
}

// Load wraps an existing page buffer without copying.
func Load(id common.PageID, data []byte) (*Node, error) {
	if data[offPageType] != pageTypeTag {
		return nil, &common.StorageCorrupt{PageID: id, Reason: "unexpected page type for primary tree node"}
	}
	return &Node{ID: id, data: data}, nil
}

// Bytes returns the on-disk representation, ready for pager.Write.
func (n *Node) Bytes() []byte { return n.data }

func (n *Node) pageSize() int { return len(n.data) }

func (n *Node) IsLeaf() bool { return n.data[offNodeType] == PageTypeLeaf }

func (n *Node) KeyCount() int { return int(binary.BigEndian.Uint16(n.data[offKeyCount:])) }
func (n *Node) setKeyCount(c int) {
	binary.BigEndian.PutUint16(n.data[offKeyCount:], uint16(c))
}

func (n *Node) NextLeaf() common.PageID {
	return common.PageID(binary.BigEndian.Uint32(n.data[offNextLeaf:]))
}
func (n *Node) SetNextLeaf(id common.PageID) {
	binary.BigEndian.PutUint32(n.data[offNextLeaf:], uint32(id))
}

func (n *Node) keyOffset(i int) int { return headerSize + i*keySize }

func (n *Node) Key(i int) uint32 {
	return binary.BigEndian.Uint32(n.data[n.keyOffset(i):])
}

func (n *Node) setKey(i int, key uint32) {
	binary.BigEndian.PutUint32(n.data[n.keyOffset(i):], key)
}

// valuesOffset is where the value array begins: after a key area sized
// for Capacity() keys, so values stay put as keys are added or removed.
func (n *Node) valuesOffset() int { return headerSize + n.Capacity()*keySize }

// Child returns the i-th child pointer of an internal node (0..KeyCount()).
func (n *Node) Child(i int) common.PageID {
	off := n.valuesOffset() + i*childSize
	return common.PageID(binary.BigEndian.Uint32(n.data[off:]))
}

func (n *Node) setChild(i int, id common.PageID) {
	off := n.valuesOffset() + i*childSize
	binary.BigEndian.PutUint32(n.data[off:], uint32(id))
}

// Value returns the i-th leaf payload.
func (n *Node) Value(i int) common.Location {
	off := n.valuesOffset() + i*leafValueSize
	return common.Location{
		PageID:    common.PageID(binary.BigEndian.Uint32(n.data[off:])),
		SlotIndex: common.SlotIndex(binary.BigEndian.Uint32(n.data[off+4:])),
	}
}

func (n *Node) setValue(i int, loc common.Location) {
	off := n.valuesOffset() + i*leafValueSize
	binary.BigEndian.PutUint32(n.data[off:], uint32(loc.PageID))
	binary.BigEndian.PutUint32(n.data[off+4:], uint32(loc.SlotIndex))
}

// entrySize is the per-key footprint, used to compute fanout limits.
func (n *Node) entrySize() int {
	if n.IsLeaf() {
		return keySize + leafValueSize
	}
	return keySize + childSize
}

// Capacity is the maximum number of keys this page can hold, accounting
// for the extra trailing child pointer on internal nodes.
func (n *Node) Capacity() int {
	avail := n.pageSize() - headerSize
	if n.IsLeaf() {
		return avail / n.entrySize()
	}
	// avail >= keyCount*keySize + (keyCount+1)*childSize
	return (avail - childSize) / n.entrySize()
}

func (n *Node) IsFull() bool { return n.KeyCount() >= n.Capacity() }

// searchLeaf returns (index, true) if key is present, or (insertion
// point, false) otherwise.
func (n *Node) searchLeaf(key uint32) (int, bool) {
	lo, hi := 0, n.KeyCount()
	for lo < hi {
		mid := (lo + hi) / 2
		k := n.Key(mid)
		switch {
		case key == k:
			return mid, true
		case key < k:
			hi = mid
		default:
			lo = mid + 1
		}
	}
	return lo, false
}

// childIndex returns the index of the child that must be descended into
// to find key, per spec §4.4: "descend choosing the first child whose
// separator > key".
func (n *Node) childIndex(key uint32) int {
	count := n.KeyCount()
	i := 0
	for i < count && key >= n.Key(i) {
		i++
	}
	return i
}

// insertLeafAt opens a gap at index i by shifting everything from i
// onward one slot to the right, then writes (key, loc) there. Caller
// must ensure there is room.
func (n *Node) insertLeafAt(i int, key uint32, loc common.Location) {
	count := n.KeyCount()
	for j := count; j > i; j-- {
		n.setKey(j, n.Key(j-1))
		n.setValue(j, n.Value(j-1))
	}
	n.setKey(i, key)
	n.setValue(i, loc)
	n.setKeyCount(count + 1)
}

func (n *Node) removeLeafAt(i int) {
	count := n.KeyCount()
	for j := i; j < count-1; j++ {
		n.setKey(j, n.Key(j+1))
		n.setValue(j, n.Value(j+1))
	}
	n.setKeyCount(count - 1)
}

// insertInternalAt inserts separator key at position i with rightChild
// as the child immediately to its right.
func (n *Node) insertInternalAt(i int, key uint32, rightChild common.PageID) {
	count := n.KeyCount()
	for j := count; j > i; j-- {
		n.setKey(j, n.Key(j-1))
	}
	for j := count + 1; j > i+1; j-- {
		n.setChild(j, n.Child(j-1))
	}
	n.setKey(i, key)
	n.setChild(i+1, rightChild)
	n.setKeyCount(count + 1)
}

// removeInternalAt removes separator key i and the child at position
// childPos (either i or i+1, caller's choice of which side collapsed).
func (n *Node) removeInternalAt(i, childPos int) {
	count := n.KeyCount()
	for j := i; j < count-1; j++ {
		n.setKey(j, n.Key(j+1))
	}
	for j := childPos; j < count; j++ {
		n.setChild(j, n.Child(j+1))
	}
	n.setKeyCount(count - 1)
}
