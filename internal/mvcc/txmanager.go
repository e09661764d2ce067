package mvcc

import (
	"sync"

	"github.com/galdrdb/galdrdb/internal/common"
)

// TransactionManager allocates TxIds at begin and CSNs at commit, and
// tracks which snapshots are still active so the garbage collector knows
// how far back it may safely collect.
type TransactionManager struct {
	mu sync.Mutex

	nextTxId         common.TxId
	lastCommittedCSN common.CSN

	active map[common.TxId]common.CSN
}

func NewTransactionManager() *TransactionManager {
	return &TransactionManager{active: make(map[common.TxId]common.CSN)}
}

// BeginTx allocates a new TxId and records its snapshot CSN as the
// manager's current last-committed CSN.
func (m *TransactionManager) BeginTx() (common.TxId, common.CSN) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextTxId++
	txId := m.nextTxId
	snapshot := m.lastCommittedCSN
	m.active[txId] = snapshot
	return txId, snapshot
}

// CommitTx allocates the next CSN, records it as the new
// last-committed CSN, and retires txId from the active set.
func (m *TransactionManager) CommitTx(txId common.TxId) common.CSN {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastCommittedCSN++
	commitCSN := m.lastCommittedCSN
	delete(m.active, txId)
	return commitCSN
}

// AbortTx retires txId from the active set without allocating a CSN.
func (m *TransactionManager) AbortTx(txId common.TxId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, txId)
}

// OldestActiveSnapshotCSN is the minimum snapshot CSN across active
// transactions, or the last committed CSN if none are active. The
// garbage collector must never reclaim a version still visible at or
// after this CSN.
func (m *TransactionManager) OldestActiveSnapshotCSN() common.CSN {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.active) == 0 {
		return m.lastCommittedCSN
	}
	oldest := common.MaxCSN
	for _, snap := range m.active {
		if snap < oldest {
			oldest = snap
		}
	}
	return oldest
}

// ActiveSnapshotCount reports how many transactions currently hold a
// live snapshot, surfaced through internal/metrics.
func (m *TransactionManager) ActiveSnapshotCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}
