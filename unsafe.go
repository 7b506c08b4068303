package mdb

import (
	"unsafe"
)

func unsafeAdd(base unsafe.Pointer, offset uintptr) unsafe.Pointer {
	return unsafe.Pointer(uintptr(base) + offset)
}

func unsafeIndex(base unsafe.Pointer, offset uintptr, elemsz uintptr, n int) unsafe.Pointer {
	return unsafe.Pointer(uintptr(base) + offset + uintptr(n)*elemsz)
}

func unsafeByteSlice(base unsafe.Pointer, offset uintptr, i, j int) []byte {
	// See: https://github.com/golang/go/wiki/cgo#turning-c-arrays-into-go-slices
	//
	// This memory is not allocated from C, but it is unmanaged by Go's
	// garbage collector and should behave similarly, and the compiler
	// should produce the same code if we only use Go primitives.
	return (*[maxAllocSize]byte)(unsafeAdd(base, offset))[i:j:j]
}

// unsafeSlice modifies the data, len, and cap of a slice variable pointed to
// by the slice parameter. This helper should be used over other direct slice
// manipulation to ensure all usages are easily identified & updated.
func unsafeSlice(slice unsafe.Pointer, data unsafe.Pointer, len int) {
	s := (*sliceHeader)(slice)
	s.data = data
	s.len = len
	s.cap = len
}

// sliceHeader mirrors reflect.SliceHeader without depending on the
// reflect package.
type sliceHeader struct {
	data unsafe.Pointer
	len  int
	cap  int
}

const maxAllocSize = 0x7FFFFFFF
