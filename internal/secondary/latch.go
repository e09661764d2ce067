package secondary

import (
	"sync"

	"github.com/galdrdb/galdrdb/internal/common"
)

// maxLockStackDepth mirrors internal/primary's bound -- both trees share
// the same crab-latching discipline from spec §4.4/§4.5.
const maxLockStackDepth = 32

type LatchMode int

const (
	LatchRead LatchMode = iota
	LatchWrite
)

type pageLatch struct{ mu sync.RWMutex }

func (l *pageLatch) lock(mode LatchMode) {
	if mode == LatchRead {
		l.mu.RLock()
	} else {
		l.mu.Lock()
	}
}

func (l *pageLatch) unlock(mode LatchMode) {
	if mode == LatchRead {
		l.mu.RUnlock()
	} else {
		l.mu.Unlock()
	}
}

type LatchManager struct {
	mu      sync.Mutex
	latches map[common.PageID]*pageLatch
}

func NewLatchManager() *LatchManager {
	return &LatchManager{latches: make(map[common.PageID]*pageLatch)}
}

func (lm *LatchManager) get(id common.PageID) *pageLatch {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	l, ok := lm.latches[id]
	if !ok {
		l = &pageLatch{}
		lm.latches[id] = l
	}
	return l
}

type lockStack struct {
	lm    *LatchManager
	ids   [maxLockStackDepth]common.PageID
	modes [maxLockStackDepth]LatchMode
	depth int
}

func newLockStack(lm *LatchManager) *lockStack { return &lockStack{lm: lm} }

func (s *lockStack) push(id common.PageID, mode LatchMode) {
	l := s.lm.get(id)
	l.lock(mode)
	if s.depth >= maxLockStackDepth {
		panic("secondary: lock stack exceeded maximum tree depth")
	}
	s.ids[s.depth] = id
	s.modes[s.depth] = mode
	s.depth++
}

func (s *lockStack) releaseExceptTop() {
	if s.depth < 2 {
		return
	}
	for i := 0; i < s.depth-1; i++ {
		s.lm.get(s.ids[i]).unlock(s.modes[i])
	}
	s.ids[0] = s.ids[s.depth-1]
	s.modes[0] = s.modes[s.depth-1]
	s.depth = 1
}

func (s *lockStack) releaseAll() {
	for i := s.depth - 1; i >= 0; i-- {
		s.lm.get(s.ids[i]).unlock(s.modes[i])
	}
	s.depth = 0
}
