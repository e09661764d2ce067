package txn

import (
	"github.com/galdrdb/galdrdb/internal/common"
	"github.com/galdrdb/galdrdb/internal/docpage"
)

// WriteDocument writes data into a document page, trying a page the FSM
// reports has room before falling back to a fresh allocation, splitting
// across continuation pages if data exceeds one page's capacity (§4.3).
// It is exported so internal/gc's compaction pass can reuse it.
func WriteDocument(store *Store, data []byte) (common.Location, error) {
	if len(data) <= docpage.HeadCapacity(store.PageSize) {
		return writeSinglePage(store, data)
	}
	return writeExtentDocument(store, data)
}

func writeSinglePage(store *Store, data []byte) (common.Location, error) {
	id, page, err := findPageForDocument(store, len(data), 0)
	if err != nil {
		return common.Location{}, err
	}
	slot, err := page.AddDocument(data, nil, uint32(len(data)))
	if err != nil {
		return common.Location{}, err
	}
	if err := store.Pager.Write(id, page.Bytes()); err != nil {
		return common.Location{}, err
	}
	store.Alloc.UpdateFSMLevel(id, fsmLevelFor(page, store.PageSize))
	return common.Location{PageID: id, SlotIndex: slot}, nil
}

func writeExtentDocument(store *Store, data []byte) (common.Location, error) {
	contCap := docpage.ContinuationCapacity(store.PageSize)
	var pageIDs []common.PageID
	for off := 0; off < len(data); off += contCap {
		end := off + contCap
		if end > len(data) {
			end = len(data)
		}
		id, err := store.Alloc.AllocatePage()
		if err != nil {
			return common.Location{}, err
		}
		cp := docpage.NewContinuation(id, store.PageSize)
		cp.WriteExtentPayload(data[off:end])
		if err := store.Pager.Write(id, cp.Bytes()); err != nil {
			return common.Location{}, err
		}
		pageIDs = append(pageIDs, id)
	}

	listLen := 4 * len(pageIDs)
	id, page, err := findPageForDocument(store, 0, listLen)
	if err != nil {
		return common.Location{}, err
	}
	slot, err := page.AddDocument(nil, pageIDs, uint32(len(data)))
	if err != nil {
		return common.Location{}, err
	}
	if err := store.Pager.Write(id, page.Bytes()); err != nil {
		return common.Location{}, err
	}
	store.Alloc.UpdateFSMLevel(id, fsmLevelFor(page, store.PageSize))
	return common.Location{PageID: id, SlotIndex: slot}, nil
}

// findPageForDocument asks the FSM for a page with enough free space
// before allocating a fresh one.
func findPageForDocument(store *Store, localLen, listLen int) (common.PageID, *docpage.Page, error) {
	if id, ok := store.Alloc.FindPageWithSpace(common.FSMLow, 1); ok {
		if buf, err := store.Pager.Read(id); err == nil {
			if p, err := docpage.Load(id, buf); err == nil && !p.IsContinuation() && p.CanFit(localLen, listLen) {
				return id, p, nil
			}
		}
	}
	id, err := store.Alloc.AllocatePage()
	if err != nil {
		return 0, nil, err
	}
	return id, docpage.New(id, store.PageSize), nil
}

func fsmLevelFor(p *docpage.Page, pageSize int) common.FSMLevel {
	ratio := float64(p.PhysicalFree()) / float64(pageSize)
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

// FreeDocumentLocation tombstones the slot at loc, frees any extent
// continuation pages it owned, and deallocates the host page outright if
// every slot on it is now empty. Shared by Transaction.Commit (replacing
// an updated/deleted document's prior location) and internal/gc.
func FreeDocumentLocation(store *Store, loc common.Location) error {
	buf, err := store.Pager.Read(loc.PageID)
	if err != nil {
		return err
	}
	page, err := docpage.Load(loc.PageID, buf)
	if err != nil {
		return err
	}
	slot, err := page.GetSlot(loc.SlotIndex)
	if err != nil {
		return err
	}
	for _, extID := range slot.PageIDs {
		if err := store.Alloc.FreePage(extID); err != nil {
			return err
		}
	}
	if err := page.Tombstone(loc.SlotIndex); err != nil {
		return err
	}
	if err := store.Pager.Write(loc.PageID, page.Bytes()); err != nil {
		return err
	}
	if pageFullyEmpty(page) {
		return store.Alloc.FreePage(loc.PageID)
	}
	store.Alloc.UpdateFSMLevel(loc.PageID, fsmLevelFor(page, store.PageSize))
	return nil
}

func pageFullyEmpty(p *docpage.Page) bool {
	for i := common.SlotIndex(0); i < common.SlotIndex(p.SlotCount()); i++ {
		if s, err := p.GetSlot(i); err == nil && s.PageCount != 0 {
			return false
		}
	}
	return true
}

// ReadDocument reassembles the full byte content of the document at loc,
// following its extent page-id list if it spans more than one page.
func ReadDocument(store *Store, loc common.Location) ([]byte, error) {
	buf, err := store.Pager.Read(loc.PageID)
	if err != nil {
		return nil, err
	}
	page, err := docpage.Load(loc.PageID, buf)
	if err != nil {
		return nil, err
	}
	slot, err := page.GetSlot(loc.SlotIndex)
	if err != nil {
		return nil, err
	}
	local, err := page.GetLocalData(loc.SlotIndex)
	if err != nil {
		return nil, err
	}
	if len(slot.PageIDs) == 0 {
		return local, nil
	}

	out := make([]byte, 0, slot.TotalSize)
	remaining := int(slot.TotalSize)
	for _, extID := range slot.PageIDs {
		extBuf, err := store.Pager.Read(extID)
		if err != nil {
			return nil, err
		}
		extPage, err := docpage.Load(extID, extBuf)
		if err != nil {
			return nil, err
		}
		take := remaining
		if contCap := docpage.ContinuationCapacity(store.PageSize); take > contCap {
			take = contCap
		}
		out = append(out, extPage.ExtentPayload(take)...)
		remaining -= take
	}
	return out, nil
}
