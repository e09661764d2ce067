//go:build linux || darwin

package pager

import "unsafe"

func uintptrOf(data []byte) uintptr {
	return uintptr(unsafe.Pointer(&data[0]))
}
