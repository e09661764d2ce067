// Package galdrdb implements an embedded, single-file document database:
// a slotted-page store under a primary integer-keyed B+ tree and
// byte-string-keyed secondary indexes, MVCC snapshot isolation, a
// write-ahead log, and a garbage collector/vacuum pass. See DESIGN.md for
// how each package grounds its approach.
package galdrdb

import (
	"github.com/galdrdb/galdrdb/internal/common"
	"github.com/galdrdb/galdrdb/internal/logging"
)

// EncryptionOptions configures at-rest AES-256-GCM page encryption. A
// zero value (empty Password) leaves the database unencrypted.
type EncryptionOptions struct {
	Password      string
	KdfIterations int
}

// Options configures Open/Create, following the teacher's plain-struct
// config-with-defaults shape rather than a functional-options pattern.
type Options struct {
	PageSize               int
	UseWal                 bool
	AutoCheckpoint         bool
	WalCheckpointThreshold uint64
	UseMmap                bool
	PageCacheSize          int
	ExpansionPageCount     int
	AutoGc                 bool
	GcThreshold            int
	Encryption             EncryptionOptions
	LogLevel               logging.Level

	// StrictMonotonicIds, when set, keeps each collection's next_id
	// counter as persisted in collection metadata (written at Checkpoint
	// and Close) instead of recomputing it from max(key) when the version
	// index is rebuilt on open. Off by
	// default: id reuse after a delete-then-crash is an accepted policy.
	StrictMonotonicIds bool
}

// DefaultOptions returns the default configuration. Create/Open copy
// from it only the numeric fields a caller left at zero (PageSize,
// WalCheckpointThreshold, PageCacheSize, ExpansionPageCount,
// GcThreshold); boolean fields such as UseWal, AutoCheckpoint and AutoGc
// are used as given.
func DefaultOptions() Options {
	return Options{
		PageSize:               4096,
		UseWal:                 true,
		AutoCheckpoint:         true,
		WalCheckpointThreshold: 1000,
		UseMmap:                false,
		PageCacheSize:          256,
		ExpansionPageCount:     16,
		AutoGc:                 true,
		GcThreshold:            250,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.PageSize == 0 {
		o.PageSize = d.PageSize
	}
	if o.WalCheckpointThreshold == 0 {
		o.WalCheckpointThreshold = d.WalCheckpointThreshold
	}
	if o.PageCacheSize == 0 {
		o.PageCacheSize = d.PageCacheSize
	}
	if o.ExpansionPageCount == 0 {
		o.ExpansionPageCount = d.ExpansionPageCount
	}
	if o.GcThreshold == 0 {
		o.GcThreshold = d.GcThreshold
	}
	return o
}

// CollectionSchema declares a collection's name and secondary indexes at
// CreateCollection/Open time: a compile-time registry entry rather than
// attribute/reflection-driven metadata, per the adopted redesign.
type CollectionSchema struct {
	Name      string
	IndexDefs []common.IndexDef
}
