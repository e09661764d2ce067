// Package docpage implements the slotted document page described in
// spec §4.3: a cell (slot) directory growing from low addresses and a
// payload area growing from high addresses, with multi-page "extent"
// documents addressed by a head slot carrying the full list of page ids.
package docpage

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/galdrdb/galdrdb/internal/common"
)

const (
	// PageTypeDocument tags a page as a slotted document page (0x01 in
	// spec §3; continuation/extent pages carry the same tag but no slot
	// directory of their own, see IsContinuation).
	PageTypeDocument byte = 0x01

	// headerSize is {type(1), flags(1), slot_count(2), free_space_offset(2),
	// free_space_end(2), crc32(4)} = 12 bytes.
	headerSize = 12

	offType            = 0
	offFlags           = 1
	offSlotCount       = 2
	offFreeSpaceOffset = 4
	offFreeSpaceEnd    = 6
	offCRC32           = 8

	// slotEntrySize is the fixed directory-entry width: {page_count(2),
	// total_size(4), offset(2), length(2)}; the page id list for
	// multi-page documents is stored inline in the payload area rather
	// than the fixed-width directory entry, referenced by offset/length
	// like any other slot payload.
	slotEntrySize = 10

	// FlagContinuation marks a page as a raw extent continuation with no
	// slot directory of its own -- the whole page after headerSize is one
	// document's payload bytes.
	FlagContinuation byte = 0x01
)

var (
	// ErrSlotNotFound means the requested slot index does not exist.
	ErrSlotNotFound = common.ErrCellNotFound
	// ErrNoRoom means the page cannot fit the document even after
	// compaction; the caller must pick a different page.
	ErrNoRoom = common.ErrPageFull
)

// Slot is a directory entry describing one document record.
type Slot struct {
	// PageCount is the number of pages (including this one) the document
	// occupies. 0 marks a tombstone: the slot exists (so indexes pointing
	// at it fail cleanly) but carries no data.
	PageCount uint16
	// PageIDs holds the extent's page ids when PageCount > 1, in order.
	// Empty for single-page documents (the head page is implicit).
	PageIDs []common.PageID
	// TotalSize is the document's logical byte length across all extent
	// pages.
	TotalSize uint32
	// offset/length address this slot's own local payload (the head
	// page's share: either the whole document for single-page documents,
	// or the page-id list + leading bytes for extents).
	offset uint16
	length uint16
}

// Page is one slotted document page, held as a full in-memory buffer that
// mirrors the on-disk byte layout exactly -- the CRC is recomputed and
// checked on every load/store boundary crossing (pager read/write).
type Page struct {
	ID   common.PageID
	data []byte
}

// New formats a fresh document page of pageSize bytes.
func New(id common.PageID, pageSize int) *Page {
	p := &Page{ID: id, data: make([]byte, pageSize)}
	p.data[offType] = PageTypeDocument
	p.setSlotCount(0)
	p.setFreeSpaceOffset(headerSize)
	p.setFreeSpaceEnd(uint16(pageSize))
	return p
}

// NewContinuation formats a fresh extent continuation page: header only,
// the remainder is raw document bytes with no slot directory.
func NewContinuation(id common.PageID, pageSize int) *Page {
	p := New(id, pageSize)
	p.data[offFlags] |= FlagContinuation
	return p
}

// Load wraps an existing on-disk page buffer (as returned by the pager)
// without copying, validating its CRC.
func Load(id common.PageID, data []byte) (*Page, error) {
	p := &Page{ID: id, data: data}
	if p.data[offType] != PageTypeDocument {
		return nil, &common.StorageCorrupt{PageID: common.PageID(id), Reason: fmt.Sprintf("unexpected page type %#x", p.data[offType])}
	}
	if !p.verifyCRC() {
		return nil, &common.StorageCorrupt{PageID: common.PageID(id), Reason: "crc32 mismatch"}
	}
	return p, nil
}

// Bytes returns the page's on-disk representation, with the CRC stamped
// fresh. Callers pass this straight to pager.Write.
func (p *Page) Bytes() []byte {
	p.stampCRC()
	return p.data
}

func (p *Page) pageSize() int { return len(p.data) }

func (p *Page) IsContinuation() bool { return p.data[offFlags]&FlagContinuation != 0 }

func (p *Page) SlotCount() uint16 { return binary.LittleEndian.Uint16(p.data[offSlotCount:]) }
func (p *Page) setSlotCount(n uint16) {
	binary.LittleEndian.PutUint16(p.data[offSlotCount:], n)
}

func (p *Page) FreeSpaceOffset() uint16 {
	return binary.LittleEndian.Uint16(p.data[offFreeSpaceOffset:])
}
func (p *Page) setFreeSpaceOffset(v uint16) {
	binary.LittleEndian.PutUint16(p.data[offFreeSpaceOffset:], v)
}

func (p *Page) FreeSpaceEnd() uint16 { return binary.LittleEndian.Uint16(p.data[offFreeSpaceEnd:]) }
func (p *Page) setFreeSpaceEnd(v uint16) {
	binary.LittleEndian.PutUint16(p.data[offFreeSpaceEnd:], v)
}

func (p *Page) verifyCRC() bool {
	stored := binary.LittleEndian.Uint32(p.data[offCRC32:])
	return stored == p.computeCRC()
}

func (p *Page) stampCRC() {
	binary.LittleEndian.PutUint32(p.data[offCRC32:], p.computeCRC())
}

// computeCRC covers everything except the CRC field itself.
func (p *Page) computeCRC() uint32 {
	h := crc32.NewIEEE()
	h.Write(p.data[:offCRC32])
	h.Write(p.data[offCRC32+4:])
	return h.Sum32()
}

// slotDirOffset returns the byte offset of slot n's directory entry.
func (p *Page) slotDirOffset(n uint16) int {
	return headerSize + int(n)*slotEntrySize
}

func (p *Page) readSlot(n uint16) Slot {
	off := p.slotDirOffset(n)
	s := Slot{
		PageCount: binary.LittleEndian.Uint16(p.data[off:]),
		TotalSize: binary.LittleEndian.Uint32(p.data[off+2:]),
		offset:    binary.LittleEndian.Uint16(p.data[off+6:]),
		length:    binary.LittleEndian.Uint16(p.data[off+8:]),
	}
	if s.PageCount > 1 && s.length > 0 {
		s.PageIDs = decodePageIDList(p.data[s.offset : s.offset+s.length])
	}
	return s
}

func (p *Page) writeSlotEntry(n uint16, s Slot) {
	off := p.slotDirOffset(n)
	binary.LittleEndian.PutUint16(p.data[off:], s.PageCount)
	binary.LittleEndian.PutUint32(p.data[off+2:], s.TotalSize)
	binary.LittleEndian.PutUint16(p.data[off+6:], s.offset)
	binary.LittleEndian.PutUint16(p.data[off+8:], s.length)
}

func encodePageIDList(ids []common.PageID) []byte {
	buf := make([]byte, 4*len(ids))
	for i, id := range ids {
		binary.LittleEndian.PutUint32(buf[i*4:], uint32(id))
	}
	return buf
}

func decodePageIDList(buf []byte) []common.PageID {
	ids := make([]common.PageID, len(buf)/4)
	for i := range ids {
		ids[i] = common.PageID(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return ids
}

// HeadCapacity is the largest single-page document a fresh page of
// pageSize bytes can hold: the whole page minus its header and one
// directory entry.
func HeadCapacity(pageSize int) int {
	return pageSize - headerSize - slotEntrySize
}

// ContinuationCapacity is how many raw document bytes a continuation
// page of pageSize bytes can carry.
func ContinuationCapacity(pageSize int) int {
	return pageSize - headerSize
}

// CanFit reports whether a document of dataSize bytes (plus any extent
// page-id list of listSize bytes) can be appended without compaction.
func (p *Page) CanFit(dataSize, listSize int) bool {
	need := listSize + dataSize + slotEntrySize
	avail := int(p.FreeSpaceEnd()) - int(p.FreeSpaceOffset())
	return avail >= need
}

// AddDocument appends a new slot carrying localBytes (the head page's
// share of the document -- the whole document for single-page documents,
// or the page-id list followed by nothing else for extents, since extent
// continuation pages hold the remaining raw bytes). extentPageIDs and
// totalSize describe the full document for multi-page cases; pass nil and
// len(localBytes) for single-page documents.
func (p *Page) AddDocument(localBytes []byte, extentPageIDs []common.PageID, totalSize uint32) (common.SlotIndex, error) {
	listBytes := encodePageIDList(extentPageIDs)
	payload := append(append([]byte{}, listBytes...), localBytes...)

	if !p.CanFit(len(localBytes), len(listBytes)) {
		return 0, ErrNoRoom
	}

	newEnd := p.FreeSpaceEnd() - uint16(len(payload))
	copy(p.data[newEnd:], payload)
	p.setFreeSpaceEnd(newEnd)

	slotIdx := p.SlotCount()
	pageCount := uint16(1)
	if len(extentPageIDs) > 0 {
		pageCount = uint16(len(extentPageIDs))
	}
	s := Slot{
		PageCount: pageCount,
		TotalSize: totalSize,
		offset:    newEnd,
		length:    uint16(len(payload)),
	}
	p.writeSlotEntry(slotIdx, s)
	p.setSlotCount(slotIdx + 1)
	p.setFreeSpaceOffset(uint16(p.slotDirOffset(slotIdx + 1)))

	return common.SlotIndex(slotIdx), nil
}

// GetSlot returns the directory entry for slot idx.
func (p *Page) GetSlot(idx common.SlotIndex) (Slot, error) {
	if uint16(idx) >= p.SlotCount() {
		return Slot{}, ErrSlotNotFound
	}
	return p.readSlot(uint16(idx)), nil
}

// GetLocalData returns this page's share of a slot's payload: the whole
// document for single-page slots, or the page-id list plus nothing else
// for extents (continuation pages carry the remaining bytes raw, see
// ExtentPayload).
func (p *Page) GetLocalData(idx common.SlotIndex) ([]byte, error) {
	s, err := p.GetSlot(idx)
	if err != nil {
		return nil, err
	}
	if s.PageCount == 0 {
		return nil, &common.DocumentSlotDeleted{PageID: p.ID, Slot: idx}
	}
	listLen := len(s.PageIDs) * 4
	raw := p.data[s.offset : s.offset+s.length]
	if s.PageCount > 1 {
		return raw[listLen:], nil
	}
	return raw, nil
}

// ExtentPayload returns the raw bytes of a continuation page -- the
// entire page after the header, up to length bytes.
func (p *Page) ExtentPayload(length int) []byte {
	return p.data[headerSize : headerSize+length]
}

// WriteExtentPayload stamps a continuation page's raw bytes.
func (p *Page) WriteExtentPayload(payload []byte) {
	copy(p.data[headerSize:], payload)
	end := headerSize + len(payload)
	if end > int(p.FreeSpaceEnd()) || p.FreeSpaceEnd() == uint16(p.pageSize()) {
		p.setFreeSpaceEnd(uint16(end))
	}
}

// Tombstone marks a slot as logically deleted: page_count becomes 0 so
// GetLocalData reports DocumentSlotDeleted, and the payload bytes become
// hole space for the next compaction pass.
func (p *Page) Tombstone(idx common.SlotIndex) error {
	s, err := p.GetSlot(idx)
	if err != nil {
		return err
	}
	s.PageCount = 0
	s.PageIDs = nil
	p.writeSlotEntry(uint16(idx), s)
	return nil
}

// PhysicalFree is free_space_end - free_space_offset, the space available
// without compacting.
func (p *Page) PhysicalFree() int {
	return int(p.FreeSpaceEnd()) - int(p.FreeSpaceOffset())
}

// LogicalFree is physical free space plus the space occupied by
// tombstoned (page_count == 0) slots -- reclaimable by compaction.
func (p *Page) LogicalFree() int {
	free := p.PhysicalFree()
	for i := uint16(0); i < p.SlotCount(); i++ {
		s := p.readSlot(i)
		if s.PageCount == 0 {
			free += int(s.length)
		}
	}
	return free
}
