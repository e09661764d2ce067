// Package stress implements the workload generator behind cmd/galdrstress:
// concurrent transactional churn against a galdrdb.Database, adapted from
// the teacher's common/benchmark key-distribution and latency-histogram
// machinery but driven against document ids and a Transaction instead of
// a byte-string Get/Put engine.
package stress

import (
	"math/rand"
	"sync/atomic"
)

// keyGen hands out document ids within [0, numKeys) according to the
// workload's access pattern. Unlike the teacher's KeyGenerator (which
// formats a byte-string key), galdrdb's primary index is integer-keyed,
// so this only ever needs to produce a uint32.
type keyGen struct {
	numKeys int
	rng     *rand.Rand
	zipf    *rand.Zipf
	seq     atomic.Int64
}

func newKeyGen(numKeys int, seed int64, zipfian bool) *keyGen {
	rng := rand.New(rand.NewSource(seed))
	kg := &keyGen{numKeys: numKeys, rng: rng}
	if zipfian && numKeys > 1 {
		kg.zipf = rand.NewZipf(rng, 1.1, 1, uint64(numKeys-1))
	}
	return kg
}

func (kg *keyGen) next() uint32 {
	if kg.zipf != nil {
		return uint32(kg.zipf.Uint64())
	}
	return uint32(kg.rng.Intn(kg.numKeys))
}

func (kg *keyGen) sequential() uint32 {
	return uint32(int(kg.seq.Add(1)-1) % kg.numKeys)
}
