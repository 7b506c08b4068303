package mdb

import (
	"bytes"
	"encoding/binary"
)

// comparator selectors persisted in bucket.cmp. Dispatch is a switch in
// Bucket.less, never a vtable, so the comparator is always reproducible
// purely from on-disk flags.
const (
	cmpBytes = iota
	cmpBytesReverse
	cmpNativeInt
	cmpCustom
)

// CompareFunc is a caller-supplied comparator.
// Registered on one Bucket handle via SetComparator; only the cmpCustom
// selector is ever stored in the descriptor, never the function.
type CompareFunc func(a, b []byte) int

// customComparators holds the live (non-persistable) custom comparator
// functions, keyed by the *bucket descriptor of the handle that
// SetComparator was called on.
var customComparators = map[*bucket]CompareFunc{}

// SetComparator installs a custom key comparator for the bucket,
// overriding the flag-derived one. The function is registered against
// this handle's in-memory descriptor only: a Bucket for the same
// sub-database obtained in another transaction or process does not see
// it and orders keys without it until SetComparator is called on that
// handle too.
func (b *Bucket) SetComparator(fn CompareFunc) {
	b.bucket.cmp = cmpCustom
	customComparators[b.bucket] = fn
}

// less returns <0, 0, >0 comparing a and b under this bucket's
// configured comparator.
func (b *Bucket) less(a, c []byte) int {
	switch b.bucket.cmp {
	case cmpBytesReverse:
		return bytes.Compare(c, a)
	case cmpNativeInt:
		return compareNativeInt(a, c)
	case cmpCustom:
		if fn, ok := customComparators[b.bucket]; ok {
			return fn(a, c)
		}
		return bytes.Compare(a, c)
	default:
		return bytes.Compare(a, c)
	}
}

// compareNativeInt compares two keys as native-endian unsigned integers.
// Keys of differing length fall back to byte comparison since
// INTEGERKEY requires a fixed key width the caller is responsible for.
func compareNativeInt(a, c []byte) int {
	if len(a) != len(c) {
		return bytes.Compare(a, c)
	}
	switch len(a) {
	case 4:
		return compareUint(uint64(binary.LittleEndian.Uint32(a)), uint64(binary.LittleEndian.Uint32(c)))
	case 8:
		return compareUint(binary.LittleEndian.Uint64(a), binary.LittleEndian.Uint64(c))
	default:
		return bytes.Compare(a, c)
	}
}

func compareUint(a, c uint64) int {
	switch {
	case a < c:
		return -1
	case a > c:
		return 1
	default:
		return 0
	}
}

// selectorForFlags derives the comparator selector from a bucket's
// persisted flags at creation time: ordering is fixed when a sub-database
// is created and persisted via those flags thereafter.
func selectorForFlags(flags uint32) uint8 {
	switch {
	case flags&bucketIntegerKey != 0:
		return cmpNativeInt
	case flags&bucketReverseKey != 0:
		return cmpBytesReverse
	default:
		return cmpBytes
	}
}
