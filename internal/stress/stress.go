package stress

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/galdrdb/galdrdb"
	"github.com/galdrdb/galdrdb/internal/common"
)

// WorkloadType selects the read/write/delete mix a Runner drives.
type WorkloadType string

const (
	WorkloadBalanced   WorkloadType = "balanced"    // even read/write split
	WorkloadWriteHeavy WorkloadType = "write-heavy" // mostly inserts/updates
	WorkloadReadHeavy  WorkloadType = "read-heavy"  // mostly reads
	// WorkloadHighChurn hammers a small key range with updates and
	// deletes, built to keep GC/vacuum's candidate set and tombstoned
	// page compaction continuously busy.
	WorkloadHighChurn WorkloadType = "high-churn"
)

const collectionName = "stress"

// Config is the stress run's scenario, matching the teacher's benchmark
// Config shape but aimed at a galdrdb.Database instead of a raw engine.
type Config struct {
	Path     string
	Workload WorkloadType

	Workers int
	Timeout time.Duration
	Limit   int // total ops across all workers; 0 means unbounded (timeout-driven)
	Retries int // retries on WriteConflict before the op counts as an error

	Seed    int64
	Initial int // documents preloaded before the timed run starts
	Keep    bool

	Verbose bool
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.Retries < 0 {
		c.Retries = 0
	}
	if c.Initial <= 0 {
		c.Initial = 1000
	}
	return c
}

// Result summarizes one run.
type Result struct {
	Config Config

	TotalOps  int64
	Inserts   int64
	Updates   int64
	Deletes   int64
	Reads     int64
	Conflicts int64
	Errors    int64
	Duration  time.Duration
	OpsPerSec float64

	ReadLatency  LatencyStats
	WriteLatency LatencyStats

	VacuumStatsString string
}

// Runner drives one workload against a freshly created (or reused)
// database file.
type Runner struct {
	cfg Config
	db  *galdrdb.Database

	keys                                              atomic.Int64 // one past the highest id inserted (ids are dense from 0), bound for choosing read/update/delete targets
	inserts, updates, deletes, reads, conflicts, errs atomic.Int64

	readLat  *latencyHistogram
	writeLat *latencyHistogram
}

// Run opens (or creates) the database at cfg.Path, preloads cfg.Initial
// documents, then drives cfg.Workers concurrent workers against it for
// cfg.Timeout (or until cfg.Limit total ops, whichever comes first).
func Run(cfg Config) (*Result, error) {
	cfg = cfg.withDefaults()

	opts := galdrdb.DefaultOptions()
	db, err := galdrdb.OpenOrCreate(cfg.Path, opts)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	defer func() {
		db.Close()
		if !cfg.Keep {
			os.Remove(cfg.Path)
			os.Remove(cfg.Path + ".wal")
		}
	}()

	found := false
	for _, name := range db.Collections() {
		if name == collectionName {
			found = true
			break
		}
	}
	if !found {
		if err := db.CreateCollection(galdrdb.CollectionSchema{Name: collectionName}); err != nil {
			return nil, fmt.Errorf("create collection: %w", err)
		}
	}

	r := &Runner{cfg: cfg, db: db, readLat: newLatencyHistogram(), writeLat: newLatencyHistogram()}

	if err := r.preload(); err != nil {
		return nil, fmt.Errorf("preload: %w", err)
	}

	start := time.Now()
	r.runWorkers()
	duration := time.Since(start)

	var vacuumSummary string
	if cfg.Verbose {
		stats, err := db.Vacuum()
		if err != nil {
			return nil, fmt.Errorf("vacuum: %w", err)
		}
		vacuumSummary = fmt.Sprintf("collected=%d compacted=%d truncated=%d",
			stats.VersionsCollected, stats.PagesCompacted, stats.PagesTruncated)
	}

	total := r.inserts.Load() + r.updates.Load() + r.deletes.Load() + r.reads.Load()
	res := &Result{
		Config:       cfg,
		TotalOps:     total,
		Inserts:      r.inserts.Load(),
		Updates:      r.updates.Load(),
		Deletes:      r.deletes.Load(),
		Reads:        r.reads.Load(),
		Conflicts:    r.conflicts.Load(),
		Errors:       r.errs.Load(),
		Duration:     duration,
		OpsPerSec:    float64(total) / duration.Seconds(),
		ReadLatency:  r.readLat.stats(),
		WriteLatency: r.writeLat.stats(),

		VacuumStatsString: vacuumSummary,
	}
	return res, nil
}

func (r *Runner) preload() error {
	value := make([]byte, 64)
	for i := 0; i < r.cfg.Initial; i++ {
		tx := r.db.BeginTransaction()
		id := uint32(i)
		if _, err := tx.Insert(collectionName, value, nil, &id); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	r.keys.Store(int64(r.cfg.Initial))
	return nil
}

func (r *Runner) runWorkers() {
	var wg sync.WaitGroup
	stop := make(chan struct{})
	var opCount atomic.Int64

	timer := time.AfterFunc(r.cfg.Timeout, func() { close(stop) })
	defer timer.Stop()

	for w := 0; w < r.cfg.Workers; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			kg := newKeyGen(1<<30, r.cfg.Seed+int64(workerID), r.cfg.Workload == WorkloadHighChurn)
			for {
				select {
				case <-stop:
					return
				default:
				}
				if r.cfg.Limit > 0 && opCount.Add(1) > int64(r.cfg.Limit) {
					return
				}
				r.doOp(kg)
			}
		}(w)
	}
	wg.Wait()
}

func (r *Runner) keyRange() int {
	n := int(r.keys.Load())
	if n <= 0 {
		return 1
	}
	return n
}

func (r *Runner) doOp(kg *keyGen) {
	switch r.cfg.Workload {
	case WorkloadWriteHeavy:
		r.weightedOp(kg, 10, 70, 20)
	case WorkloadReadHeavy:
		r.weightedOp(kg, 85, 10, 5)
	case WorkloadHighChurn:
		r.churnOp(kg)
	default:
		r.weightedOp(kg, 50, 35, 15)
	}
}

// weightedOp rolls out of 100: readPct of rolls read, the next writePct
// update, and the rest insert. The third argument (the insert share) is
// not read, and no delete is issued.
func (r *Runner) weightedOp(kg *keyGen, readPct, writePct, _ int) {
	roll := int(kg.rng.Intn(100))
	switch {
	case roll < readPct:
		r.doRead(kg)
	case roll < readPct+writePct:
		r.doUpdate(kg)
	default:
		r.doInsert()
	}
}

// churnOp concentrates update/delete traffic on a small key range
// (bounded by keyRange/10, minimum 50) to stress GC and page compaction.
func (r *Runner) churnOp(kg *keyGen) {
	small := r.keyRange() / 10
	if small < 50 {
		small = 50
	}
	roll := kg.rng.Intn(100)
	switch {
	case roll < 50:
		id := uint32(kg.rng.Intn(small))
		r.update(id)
	case roll < 80:
		id := uint32(kg.rng.Intn(small))
		r.delete(id)
	default:
		r.doInsert()
	}
}

func (r *Runner) doRead(kg *keyGen) {
	id := uint32(kg.rng.Intn(r.keyRange()))
	tx := r.db.BeginReadOnlyTransaction()
	defer tx.Close()

	start := time.Now()
	_, err := tx.GetById(collectionName, id)
	r.readLat.record(time.Since(start))
	if err != nil && !errors.Is(err, common.ErrCellNotFound) {
		r.errs.Add(1)
		return
	}
	r.reads.Add(1)
}

func (r *Runner) doUpdate(kg *keyGen) {
	id := uint32(kg.rng.Intn(r.keyRange()))
	r.update(id)
}

func (r *Runner) update(id uint32) {
	value := make([]byte, 64)
	var lastErr error
	start := time.Now()
	for attempt := 0; attempt <= r.cfg.Retries; attempt++ {
		tx := r.db.BeginTransaction()
		if err := tx.Update(collectionName, id, value, nil, nil); err != nil {
			tx.Rollback()
			if errors.Is(err, common.ErrCellNotFound) {
				return
			}
			lastErr = err
			continue
		}
		if err := tx.Commit(); err != nil {
			var conflict *common.WriteConflict
			if errors.As(err, &conflict) {
				r.conflicts.Add(1)
				lastErr = err
				continue
			}
			lastErr = err
			break
		}
		r.writeLat.record(time.Since(start))
		r.updates.Add(1)
		return
	}
	if lastErr != nil {
		r.errs.Add(1)
	}
}

func (r *Runner) delete(id uint32) {
	var lastErr error
	start := time.Now()
	for attempt := 0; attempt <= r.cfg.Retries; attempt++ {
		tx := r.db.BeginTransaction()
		if err := tx.Delete(collectionName, id, nil); err != nil {
			tx.Rollback()
			if errors.Is(err, common.ErrCellNotFound) {
				return
			}
			lastErr = err
			continue
		}
		if err := tx.Commit(); err != nil {
			var conflict *common.WriteConflict
			if errors.As(err, &conflict) {
				r.conflicts.Add(1)
				lastErr = err
				continue
			}
			lastErr = err
			break
		}
		r.writeLat.record(time.Since(start))
		r.deletes.Add(1)
		return
	}
	if lastErr != nil {
		r.errs.Add(1)
	}
}

func (r *Runner) doInsert() {
	value := make([]byte, 64)
	tx := r.db.BeginTransaction()
	start := time.Now()
	if _, err := tx.Insert(collectionName, value, nil, nil); err != nil {
		tx.Rollback()
		r.errs.Add(1)
		return
	}
	if err := tx.Commit(); err != nil {
		r.errs.Add(1)
		return
	}
	r.writeLat.record(time.Since(start))
	r.inserts.Add(1)
	r.keys.Add(1)
}
