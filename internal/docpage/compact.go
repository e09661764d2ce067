package docpage

import "github.com/galdrdb/galdrdb/internal/common"

// MinCompactionGain is the default threshold (bytes) below which
// compaction is not considered worthwhile, per spec §4.3.
const MinCompactionGain = 64

// ShouldCompact reports whether the gap between logical and physical free
// space meets minGain, i.e. compaction would actually help.
func (p *Page) ShouldCompact(minGain int) bool {
	return p.LogicalFree()-p.PhysicalFree() >= minGain
}

// Compact repacks live (non-tombstoned) slots to the high end of the
// page, in directory order, and resets free_space_end. It is idempotent:
// running it twice in a row is a no-op the second time. Slot indices are
// preserved -- only their backing offset/length move -- so callers
// holding a (page_id, slot_index) locator remain valid across a
// compaction.
func (p *Page) Compact() {
	n := p.SlotCount()
	type live struct {
		idx uint16
		s   Slot
	}
	var slots []live
	for i := uint16(0); i < n; i++ {
		s := p.readSlot(i)
		if s.PageCount == 0 {
			// The tombstone's bytes are not carried over, so it no
			// longer counts toward LogicalFree.
			if s.length != 0 {
				s.offset, s.length = 0, 0
				p.writeSlotEntry(i, s)
			}
			continue
		}
		slots = append(slots, live{idx: i, s: s})
	}

	writeEnd := uint16(p.pageSize())
	for _, ls := range slots {
		raw := append([]byte{}, p.data[ls.s.offset:ls.s.offset+ls.s.length]...)
		writeEnd -= uint16(len(raw))
		copy(p.data[writeEnd:], raw)
		ls.s.offset = writeEnd
		p.writeSlotEntry(ls.idx, ls.s)
	}
	p.setFreeSpaceEnd(writeEnd)
}

// FSMLevel classifies this page's logical free ratio per spec §4.3.
func (p *Page) FSMLevel() common.FSMLevel {
	ratio := float64(p.LogicalFree()) / float64(p.pageSize())
	switch {
	case ratio < 0.10:
		return common.FSMFull
	case ratio < 0.40:
		return common.FSMLow
	case ratio < 0.70:
		return common.FSMMedium
	default:
		return common.FSMHigh
	}
}
