//go:build linux || darwin

package pager

import "syscall"

// msync flushes a memory mapping's dirty pages back to the backing file.
// Without it, Sync's call to file.Sync() alone is not guaranteed to pick
// up writes made through the mmap'd region on every platform.
func msync(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	_, _, errno := syscall.Syscall(syscall.SYS_MSYNC, uintptrOf(data), uintptr(len(data)), uintptr(syscall.MS_SYNC))
	if errno != 0 {
		return errno
	}
	return nil
}
