package secondary

import (
	"bytes"
	"encoding/binary"

	"github.com/galdrdb/galdrdb/internal/common"
)

const (
	PageTypeInternal byte = 0
	PageTypeLeaf     byte = 1

	pageTypeTag byte = 0x03

	// headerSize is {page_type(1), node_type(1), key_count(2), next_leaf(4)}.
	headerSize = 8

	offPageType = 0
	offNodeType = 1
	offKeyCount = 2
	offNextLeaf = 4

	cellDirEntrySize = 2 // one big-endian offset per cell

	locatorSize = 8 // page_id(4) + slot_index(4), same shape as internal/primary

	// minFillRatio is the occupancy threshold below which a leaf or
	// internal node is considered underfull and a candidate for
	// borrow/merge, the variable-key analogue of primary's ceil((m-1)/2).
	minFillRatio = 0.4
)

var (
	ErrPageFull     = common.ErrPageFull
	ErrCellNotFound = common.ErrCellNotFound
)

// Node is one on-disk secondary-tree page: a cell directory growing from
// low addresses, cells growing from high addresses, exactly like
// internal/docpage but keyed on (key []byte) rather than a slot index.
type Node struct {
	ID   common.PageID
	data []byte
}

func NewLeaf(id common.PageID, pageSize int) *Node {
	n := &Node{ID: id, data: make([]byte, pageSize)}
	n.data[offPageType] = pageTypeTag
	n.data[offNodeType] = PageTypeLeaf
	n.setKeyCount(0)
	n.setFreeEnd(uint16(pageSize - 2))
	n.SetNextLeaf(common.InvalidPageID)
	return n
}

func NewInternal(id common.PageID, pageSize int) *Node {
	n := &Node{ID: id, data: make([]byte, pageSize)}
	n.data[offPageType] = pageTypeTag
	n.data[offNodeType] = PageTypeInternal
	n.setKeyCount(0)
	n.setFreeEnd(uint16(pageSize - 2))
	return n
}

func Load(id common.PageID, data []byte) (*Node, error) {
	if data[offPageType] != pageTypeTag {
		return nil, &common.StorageCorrupt{PageID: id, Reason: "unexpected page type for secondary tree node"}
	}
	return &Node{ID: id, data: data}, nil
}

func (n *Node) Bytes() []byte   { return n.data }
func (n *Node) pageSize() int   { return len(n.data) }
func (n *Node) IsLeaf() bool    { return n.data[offNodeType] == PageTypeLeaf }

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

// freeEnd is stored in the last 2 bytes of the header-adjacent scratch
// area: reuse offNextLeaf's neighboring bytes is unsafe, so it is kept in
// a small trailer at the very end of the page instead, mirroring
// internal/docpage's free_space_end field.
func (n *Node) freeEndOffset() int { return n.pageSize() - 2 }

func (n *Node) freeEnd() uint16 {
	return binary.BigEndian.Uint16(n.data[n.freeEndOffset():])
}
func (n *Node) setFreeEnd(v uint16) {
	binary.BigEndian.PutUint16(n.data[n.freeEndOffset():], v)
}

func (n *Node) cellDirOffset(i int) int { return headerSize + i*cellDirEntrySize }

func (n *Node) cellOffset(i int) uint16 {
	return binary.BigEndian.Uint16(n.data[n.cellDirOffset(i):])
}
func (n *Node) setCellOffset(i int, off uint16) {
	binary.BigEndian.PutUint16(n.data[n.cellDirOffset(i):], off)
}

// leafCell is a decoded leaf entry: one key and its locator. Duplicate
// keys across the tree appear as separate leafCells in sorted order.
// Overflow carries the page id of an overflow chain holding additional
// locators for this exact key when a single key's duplicate count alone
// would not fit in one leaf (spec §4.5); 0 (common.InvalidPageID) means
// no overflow.
type leafCell struct {
	Key      []byte
	Loc      common.Location
	Overflow common.PageID
}

// internalCell is a decoded separator: key plus the child to its right.
type internalCell struct {
	Key   []byte
	Child common.PageID
}

func (n *Node) leafCellAt(i int) leafCell {
	off := int(n.cellOffset(i))
	keyLen := int(binary.BigEndian.Uint16(n.data[off:]))
	key := n.data[off+2 : off+2+keyLen]
	locOff := off + 2 + keyLen
	return leafCell{
		Key: key,
		Loc: common.Location{
			PageID:    common.PageID(binary.BigEndian.Uint32(n.data[locOff:])),
			SlotIndex: common.SlotIndex(binary.BigEndian.Uint32(n.data[locOff+4:])),
		},
		Overflow: common.PageID(binary.BigEndian.Uint32(n.data[locOff+8:])),
	}
}

func (n *Node) setLeafOverflow(i int, overflow common.PageID) {
	off := int(n.cellOffset(i))
	keyLen := int(binary.BigEndian.Uint16(n.data[off:]))
	locOff := off + 2 + keyLen
	binary.BigEndian.PutUint32(n.data[locOff+8:], uint32(overflow))
}

func (n *Node) internalCellAt(i int) internalCell {
	off := int(n.cellOffset(i))
	keyLen := int(binary.BigEndian.Uint16(n.data[off:]))
	key := n.data[off+2 : off+2+keyLen]
	childOff := off + 2 + keyLen
	return internalCell{
		Key:   key,
		Child: common.PageID(binary.BigEndian.Uint32(n.data[childOff:])),
	}
}

func leafCellSize(key []byte) int     { return 2 + len(key) + locatorSize + 4 }
func internalCellSize(key []byte) int { return 2 + len(key) + 4 }

// dirEnd is the byte offset just past the last directory entry.
func (n *Node) dirEnd() int { return n.cellDirOffset(n.KeyCount()) }

// CanFitLeaf reports whether one more leaf cell of this key size fits in
// the gap between the directory and freeEnd. A delete shifts the
// directory but leaves the removed cell's bytes in place; that space is
// reused only when a split rebuilds the node.
func (n *Node) CanFitLeaf(key []byte) bool {
	need := cellDirEntrySize + leafCellSize(key)
	avail := int(n.freeEnd()) - n.dirEnd()
	return avail >= need
}

func (n *Node) CanFitInternal(key []byte) bool {
	need := cellDirEntrySize + internalCellSize(key)
	avail := int(n.freeEnd()) - n.dirEnd()
	return avail >= need
}

// usedBytes is the payload area from freeEnd to the trailer, used to
// judge underflow for variable-length keys (a fixed min-key-count
// threshold, as internal/primary uses, doesn't make sense once key size
// varies per entry). Cells of removed entries still count here, so
// deletes alone never make a node underfull.
func (n *Node) usedBytes() int { return n.pageSize() - 2 - int(n.freeEnd()) }

// capacityBytes is the total payload area available for cells across
// the node's lifetime (excludes header, trailer, and directory growth
// headroom is accounted for by the caller comparing against dirEnd).
func (n *Node) capacityBytes() int { return n.pageSize() - 2 - headerSize }

// IsUnderfull reports whether this node's occupancy has fallen below
// the minimum fill ratio, meriting a borrow or merge.
func (n *Node) IsUnderfull() bool {
	return float64(n.usedBytes()) < minFillRatio*float64(n.capacityBytes())
}

// search returns the index of the first cell whose key is >= key (lower
// bound), and whether that cell's key equals key exactly.
func (n *Node) search(key []byte) (int, bool) {
	count := n.KeyCount()
	lo, hi := 0, count
	for lo < hi {
		mid := (lo + hi) / 2
		var k []byte
		if n.IsLeaf() {
			k = n.leafCellAt(mid).Key
		} else {
			k = n.internalCellAt(mid).Key
		}
		switch bytes.Compare(key, k) {
		case 0:
			return mid, true
		case -1:
			hi = mid
		default:
			lo = mid + 1
		}
	}
	return lo, false
}

// lowerBound returns the first index whose key is >= key, without
// reporting equality -- used to find the left edge of a run of
// duplicate keys.
func (n *Node) lowerBound(key []byte) int {
	idx, _ := n.search(key)
	for idx > 0 && bytes.Equal(n.leafCellAt(idx-1).Key, key) {
		idx--
	}
	return idx
}

// childIndex descends per spec §4.4/§4.5: first child whose separator > key.
func (n *Node) childIndex(key []byte) int {
	count := n.KeyCount()
	i := 0
	for i < count && bytes.Compare(key, n.internalCellAt(i).Key) >= 0 {
		i++
	}
	return i
}

func (n *Node) childAt(i int) common.PageID {
	if i == 0 {
		return common.PageID(binary.BigEndian.Uint32(n.data[headerSize-4 : headerSize]))
	}
	return n.internalCellAt(i - 1).Child
}

// child0 is stored in the 4 bytes immediately preceding the cell
// directory's first entry -- the leftmost child of an internal node,
// which has no separator key of its own.
func (n *Node) setChild0(id common.PageID) {
	binary.BigEndian.PutUint32(n.data[headerSize-4:headerSize], uint32(id))
}

func (n *Node) insertLeafAt(i int, key []byte, loc common.Location) {
	n.shiftCellsRight(i)
	size := leafCellSize(key)
	newEnd := n.freeEnd() - uint16(size)
	off := int(newEnd)
	binary.BigEndian.PutUint16(n.data[off:], uint16(len(key)))
	copy(n.data[off+2:], key)
	locOff := off + 2 + len(key)
	binary.BigEndian.PutUint32(n.data[locOff:], uint32(loc.PageID))
	binary.BigEndian.PutUint32(n.data[locOff+4:], uint32(loc.SlotIndex))
	binary.BigEndian.PutUint32(n.data[locOff+8:], uint32(common.InvalidPageID))

	n.setCellOffset(i, newEnd)
	n.setFreeEnd(newEnd)
	n.setKeyCount(n.KeyCount() + 1)
}

func (n *Node) insertInternalAt(i int, key []byte, child common.PageID) {
	n.shiftCellsRight(i)
	size := internalCellSize(key)
	newEnd := n.freeEnd() - uint16(size)
	off := int(newEnd)
	binary.BigEndian.PutUint16(n.data[off:], uint16(len(key)))
	copy(n.data[off+2:], key)
	binary.BigEndian.PutUint32(n.data[off+2+len(key):], uint32(child))

	n.setCellOffset(i, newEnd)
	n.setFreeEnd(newEnd)
	n.setKeyCount(n.KeyCount() + 1)
}

func (n *Node) shiftCellsRight(i int) {
	for j := n.KeyCount(); j > i; j-- {
		n.setCellOffset(j, n.cellOffset(j-1))
	}
}

func (n *Node) removeAt(i int) {
	count := n.KeyCount()
	for j := i; j < count-1; j++ {
		n.setCellOffset(j, n.cellOffset(j+1))
	}
	n.setKeyCount(count - 1)
}
