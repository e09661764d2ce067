// Package pager reads and writes fixed-size pages against a backing file.
// It fronts the raw file with an optional bounded LRU cache and an
// optional memory-map fast path, and offers a WAL hook so every page
// write made inside an open WAL transaction is logged before it lands on
// disk (see internal/walog).
//
// Backends are a closed set -- fileIO or mmapIO, optionally wrapped by an
// encryptedIO layer, with an optional lruCache in front -- rather
// than an open interface hierarchy, per the "replace dynamic dispatch
// with a tagged variant" redesign flag.
package pager

import (
	"fmt"
	"os"

	"github.com/galdrdb/galdrdb/internal/common"
	"github.com/galdrdb/galdrdb/internal/logging"
	"github.com/galdrdb/galdrdb/internal/metrics"
	"github.com/rs/zerolog"
)

// WalHook is implemented by *walog.Wal (internal/walog). The pager calls LogPage
// before a dirty page is written through to the main file so that a
// crash between the WAL write and the main-file write is recoverable.
type WalHook interface {
	LogPage(pageID common.PageID, data []byte) error
}

// Options configures a Pager. See galdrdb.Options for the user-facing
// equivalent; the façade translates one into the other at Open time.
type Options struct {
	PageSize      int
	CacheSize     int // pages; 0 disables caching
	UseMmap       bool
	EncryptionKey []byte // 32 bytes; nil disables at-rest encryption
	Log           *zerolog.Logger
}

// Pager owns the file handle and all page-level I/O.
type Pager struct {
	io       pageIO
	cache    *lruCache // nil if caching disabled
	pageSize int
	wal      WalHook
	log      zerolog.Logger

	stats common.Stats
}

// Open opens or creates the backing file at path and returns a Pager
// sized for opts.PageSize. The caller is responsible for writing page 0
// (the header) on first create; Open itself only deals in raw pages.
func Open(path string, opts Options) (*Pager, error) {
	if opts.PageSize <= 0 {
		return nil, fmt.Errorf("pager: invalid page size %d", opts.PageSize)
	}
	log := logging.WithComponent("pager")
	if opts.Log != nil {
		log = *opts.Log
	}

	var io pageIO
	var err error
	if opts.UseMmap {
		io, err = newMmapIO(path, opts.PageSize, log)
		if err != nil {
			log.Warn().Err(err).Msg("mmap unavailable, falling back to file I/O")
			io, err = newFileIO(path)
		}
	} else {
		io, err = newFileIO(path)
	}
	if err != nil {
		return nil, &common.IoError{Underlying: err}
	}

	if len(opts.EncryptionKey) > 0 {
		io, err = newEncryptedIO(io, opts.EncryptionKey, opts.PageSize)
		if err != nil {
			return nil, err
		}
	}

	p := &Pager{
		io:       io,
		pageSize: opts.PageSize,
		log:      log,
	}
	if opts.CacheSize > 0 {
		p.cache = newLRUCache(opts.CacheSize)
	}
	return p, nil
}

// SetWAL installs (or clears, with nil) the WAL hook used to log page
// writes before they hit the main file.
func (p *Pager) SetWAL(wal WalHook) { p.wal = wal }

// PageSize returns the configured page size.
func (p *Pager) PageSize() int { return p.pageSize }

// Read returns a copy of the current contents of page id. Reads check the
// cache first; a miss reads through to the underlying I/O and populates
// the cache.
func (p *Pager) Read(id common.PageID) ([]byte, error) {
	if p.cache != nil {
		if data, ok := p.cache.get(id); ok {
			metrics.PageCacheHits.Inc()
			p.stats.CacheHits++
			out := make([]byte, p.pageSize)
			copy(out, data)
			return out, nil
		}
	}
	metrics.PageCacheMisses.Inc()

	buf := make([]byte, p.pageSize)
	if err := p.io.readAt(id, buf); err != nil {
		return nil, &common.IoError{Underlying: err}
	}
	p.stats.PageReads++

	if p.cache != nil {
		p.cache.put(id, buf, p.evict)
	}
	out := make([]byte, p.pageSize)
	copy(out, buf)
	return out, nil
}

// Write durably stages page id's contents. If a WAL hook is installed,
// the page is logged there first; Write itself does not fsync -- callers
// call Flush (or rely on WAL commit fsync) for durability.
func (p *Pager) Write(id common.PageID, data []byte) error {
	if len(data) != p.pageSize {
		return fmt.Errorf("pager: page %d: expected %d bytes, got %d", id, p.pageSize, len(data))
	}
	if p.wal != nil {
		if err := p.wal.LogPage(id, data); err != nil {
			return err
		}
	}
	if err := p.io.writeAt(id, data); err != nil {
		return &common.IoError{Underlying: err}
	}
	p.stats.PageWrites++
	p.stats.BytesWritten += int64(p.pageSize)

	if p.cache != nil {
		cp := make([]byte, p.pageSize)
		copy(cp, data)
		p.cache.put(id, cp, p.evict)
	}
	return nil
}

// evict is called by the cache when a clean slot must be reused; since
// Write always writes through immediately, evicting a page never loses
// data -- it just drops it from memory.
func (p *Pager) evict(id common.PageID, data []byte) {}

// Flush ensures every page written so far is durable on the underlying
// medium (fsync for file I/O, msync for mmap).
func (p *Pager) Flush() error {
	if err := p.io.sync(); err != nil {
		return &common.IoError{Underlying: err}
	}
	return nil
}

// SetLength grows or shrinks the backing file to hold exactly nPages
// pages. Growing is how §4.2's bitmap/FSM expansion materializes new
// pages; shrinking is how Vacuum reclaims trailing free pages.
func (p *Pager) SetLength(nPages int) error {
	if err := p.io.truncate(int64(nPages) * int64(p.pageSize)); err != nil {
		return &common.IoError{Underlying: err}
	}
	return nil
}

// Stats returns a snapshot of the pager's counters.
func (p *Pager) Stats() common.Stats { return p.stats }

// Close flushes and releases the underlying file handle.
func (p *Pager) Close() error {
	if err := p.Flush(); err != nil {
		return err
	}
	return p.io.close()
}

// pageIO is the closed set of raw byte-level backends a Pager can sit on.
type pageIO interface {
	readAt(id common.PageID, dst []byte) error
	writeAt(id common.PageID, src []byte) error
	truncate(size int64) error
	sync() error
	close() error
}

// fileIO is the baseline pageIO backed by os.File.ReadAt/WriteAt.
type fileIO struct {
	file     *os.File
	pageSize int
}

func newFileIO(path string) (*fileIO, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	return &fileIO{file: f}, nil
}

func (f *fileIO) readAt(id common.PageID, dst []byte) error {
	_, err := f.file.ReadAt(dst, int64(id)*int64(len(dst)))
	return err
}

func (f *fileIO) writeAt(id common.PageID, src []byte) error {
	_, err := f.file.WriteAt(src, int64(id)*int64(len(src)))
	return err
}

func (f *fileIO) truncate(size int64) error { return f.file.Truncate(size) }
func (f *fileIO) sync() error               { return f.file.Sync() }
func (f *fileIO) close() error              { return f.file.Close() }
