package secondary

import (
	"encoding/binary"

	"github.com/galdrdb/galdrdb/internal/common"
)

// overflowPageTag marks a page as a duplicate-key overflow chain link,
// allocated when a single key's occurrences outgrow one leaf (§4.5).
const overflowPageTag byte = 0x04

const (
	overflowHeaderSize = 9 // {type(1), count(4), next(4)}
	overflowOffCount   = 1
	overflowOffNext    = 5
)

// OverflowPage holds a dense array of locators for one key, with a link
// to the next page in the chain.
type OverflowPage struct {
	ID   common.PageID
	data []byte
}

func NewOverflowPage(id common.PageID, pageSize int) *OverflowPage {
	o := &OverflowPage{ID: id, data: make([]byte, pageSize)}
	o.data[0] = overflowPageTag
	o.setCount(0)
	o.SetNext(common.InvalidPageID)
	return o
}

func LoadOverflowPage(id common.PageID, data []byte) (*OverflowPage, error) {
	if data[0] != overflowPageTag {
		return nil, &common.StorageCorrupt{PageID: id, Reason: "unexpected page type for overflow chain"}
	}
	return &OverflowPage{ID: id, data: data}, nil
}

func (o *OverflowPage) Bytes() []byte { return o.data }

func (o *OverflowPage) Count() int { return int(binary.BigEndian.Uint32(o.data[overflowOffCount:])) }
func (o *OverflowPage) setCount(c int) {
	binary.BigEndian.PutUint32(o.data[overflowOffCount:], uint32(c))
}

func (o *OverflowPage) Next() common.PageID {
	return common.PageID(binary.BigEndian.Uint32(o.data[overflowOffNext:]))
}
func (o *OverflowPage) SetNext(id common.PageID) {
	binary.BigEndian.PutUint32(o.data[overflowOffNext:], uint32(id))
}

func (o *OverflowPage) capacity() int {
	return (len(o.data) - overflowHeaderSize) / locatorSize
}

// Append adds loc if there is room, reporting false if the page is full.
func (o *OverflowPage) Append(loc common.Location) bool {
	n := o.Count()
	if n >= o.capacity() {
		return false
	}
	off := overflowHeaderSize + n*locatorSize
	binary.BigEndian.PutUint32(o.data[off:], uint32(loc.PageID))
	binary.BigEndian.PutUint32(o.data[off+4:], uint32(loc.SlotIndex))
	o.setCount(n + 1)
	return true
}

// Locators returns every locator stored on this page.
func (o *OverflowPage) Locators() []common.Location {
	n := o.Count()
	out := make([]common.Location, n)
	for i := 0; i < n; i++ {
		off := overflowHeaderSize + i*locatorSize
		out[i] = common.Location{
			PageID:    common.PageID(binary.BigEndian.Uint32(o.data[off:])),
			SlotIndex: common.SlotIndex(binary.BigEndian.Uint32(o.data[off+4:])),
		}
	}
	return out
}

// Remove deletes the locator at index i, compacting the array.
func (o *OverflowPage) Remove(i int) {
	n := o.Count()
	for j := i; j < n-1; j++ {
		srcOff := overflowHeaderSize + (j+1)*locatorSize
		dstOff := overflowHeaderSize + j*locatorSize
		copy(o.data[dstOff:dstOff+locatorSize], o.data[srcOff:srcOff+locatorSize])
	}
	o.setCount(n - 1)
}
