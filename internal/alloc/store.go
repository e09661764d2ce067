package alloc

import (
	"sync"

	"github.com/galdrdb/galdrdb/internal/common"
	"github.com/galdrdb/galdrdb/internal/pager"
)

// PageStore ties the Bitmap and FreeSpaceMap to a live pager: it is the
// concrete Allocator every B+ tree package's interface of that name
// expects, plus the FSM lookups document-page writers need to pick a
// destination page before falling back to a fresh allocation (§4.2/§4.3).
type PageStore struct {
	pager *pager.Pager

	mu     sync.Mutex
	bitmap *Bitmap
	fsm    *FreeSpaceMap
	hint   common.PageID
}

func NewPageStore(p *pager.Pager, bitmap *Bitmap, fsm *FreeSpaceMap) *PageStore {
	return &PageStore{pager: p, bitmap: bitmap, fsm: fsm, hint: 1}
}

// AllocatePage returns the first free page, growing the bitmap, FSM, and
// backing file by one page if none is free.
func (s *PageStore) AllocatePage() (common.PageID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.bitmap.FindFree(s.hint)
	if !ok {
		id = common.PageID(s.bitmap.Len())
		n := int(id) + 1
		s.bitmap.Resize(n)
		s.fsm.Resize(n)
		if err := s.pager.SetLength(n); err != nil {
			return 0, err
		}
	}
	s.bitmap.Allocate(id)
	s.fsm.SetLevel(id, common.FSMFull)
	s.hint = id + 1
	return id, nil
}

// FreePage marks id free again. Its FSM level is set to full so the FSM
// never offers a freed page as a document-page candidate.
func (s *PageStore) FreePage(id common.PageID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bitmap.Deallocate(id)
	s.fsm.SetLevel(id, common.FSMFull)
	return nil
}

// FindPageWithSpace returns the first allocated page whose FSM level is
// at least minLvl, for a document writer to try before allocating fresh.
func (s *PageStore) FindPageWithSpace(minLvl common.FSMLevel, hint common.PageID) (common.PageID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fsm.FindPageWithSpace(hint, minLvl)
}

// UpdateFSMLevel is called after a document-page write changes its
// logical free space.
func (s *PageStore) UpdateFSMLevel(id common.PageID, lvl common.FSMLevel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fsm.SetLevel(id, lvl)
}

// Bitmap and FSM expose the underlying maps for the façade's periodic
// persistence of bitmap/FSM chunk pages.
func (s *PageStore) Bitmap() *Bitmap             { return s.bitmap }
func (s *PageStore) FreeSpaceMap() *FreeSpaceMap { return s.fsm }

// ReplaceBitmap/ReplaceFSM swap in a freshly loaded map, used by the
// façade's open-time bootstrap once the persisted bitmap/FSM image has
// been reconciled against whatever WAL recovery replayed on top of it.
func (s *PageStore) ReplaceBitmap(b *Bitmap) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bitmap = b
}

func (s *PageStore) ReplaceFSM(f *FreeSpaceMap) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fsm = f
}

// TrimTrailingFree shrinks the bitmap, FSM, and backing file past the
// longest run of free pages at the end of the file, per §4.10's vacuum
// truncation step. Returns the number of pages reclaimed.
func (s *PageStore) TrimTrailingFree() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.bitmap.Len()
	last := n
	for last > 1 && !s.bitmap.IsAllocated(common.PageID(last-1)) {
		last--
	}
	if last == n {
		return 0, nil
	}

	reclaimed := n - last
	s.bitmap.ShrinkTo(last)
	s.fsm.ShrinkTo(last)
	if err := s.pager.SetLength(last); err != nil {
		return 0, err
	}
	if s.hint >= common.PageID(last) {
		s.hint = 1
	}
	return reclaimed, nil
}
