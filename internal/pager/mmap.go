package pager

import (
	"fmt"
	"os"
	"sync"
	"syscall"

	"github.com/galdrdb/galdrdb/internal/common"
	"github.com/rs/zerolog"
)

// mmapIO memory-maps the backing file and serves reads/writes as memcpy
// against the mapping. It grows the mapping (remap) whenever truncate
// extends the file past the current mapping size. On platforms or file
// sizes where mmap is unavailable, Open falls back to fileIO silently
// (see Open in pager.go), per spec §4.1.
type mmapIO struct {
	file     *os.File
	data     []byte
	pageSize int
	mu       sync.RWMutex
	log      zerolog.Logger
}

func newMmapIO(path string, pageSize int, log zerolog.Logger) (*mmapIO, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	m := &mmapIO{file: f, pageSize: pageSize, log: log}
	if info.Size() > 0 {
		if err := m.mapFile(info.Size()); err != nil {
			f.Close()
			return nil, err
		}
	}
	return m, nil
}

func (m *mmapIO) mapFile(size int64) error {
	if m.data != nil {
		if err := syscall.Munmap(m.data); err != nil {
			return err
		}
		m.data = nil
	}
	if size == 0 {
		return nil
	}
	data, err := syscall.Mmap(int(m.file.Fd()), 0, int(size), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmap: %w", err)
	}
	m.data = data
	return nil
}

func (m *mmapIO) readAt(id common.PageID, dst []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	off := int64(id) * int64(len(dst))
	if m.data == nil || off+int64(len(dst)) > int64(len(m.data)) {
		return fmt.Errorf("mmap: page %d out of mapped range", id)
	}
	copy(dst, m.data[off:off+int64(len(dst))])
	return nil
}

func (m *mmapIO) writeAt(id common.PageID, src []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	off := int64(id) * int64(len(src))
	if m.data == nil || off+int64(len(src)) > int64(len(m.data)) {
		return fmt.Errorf("mmap: page %d out of mapped range", id)
	}
	copy(m.data[off:off+int64(len(src))], src)
	return nil
}

func (m *mmapIO) truncate(size int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.file.Truncate(size); err != nil {
		return err
	}
	return m.mapFile(size)
}

func (m *mmapIO) sync() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.data != nil {
		if err := msync(m.data); err != nil {
			return err
		}
	}
	return m.file.Sync()
}

func (m *mmapIO) close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.data != nil {
		if err := syscall.Munmap(m.data); err != nil {
			return err
		}
		m.data = nil
	}
	return m.file.Close()
}
