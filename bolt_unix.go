//go:build !windows
// +build !windows

package mdb

import (
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// flock acquires an advisory lock on a file descriptor, polling a
// non-blocking flock attempt until it succeeds or timeout elapses. A
// timeout of zero means wait indefinitely.
func flock(db *DB, exclusive bool, timeout time.Duration) error {
	var t time.Time
	if timeout != 0 {
		t = time.Now()
	}
	fd := db.file.Fd()
	flag := unix.LOCK_NB
	if exclusive {
		flag |= unix.LOCK_EX
	} else {
		flag |= unix.LOCK_SH
	}
	for {
		// Attempt to obtain the lock (exclusive or shared, per above).
		err := unix.Flock(int(fd), flag)
		if err == nil {
			return nil
		} else if err != unix.EWOULDBLOCK {
			return err
		}

		// If we timed out then return an error.
		if timeout != 0 && time.Since(t) > timeout-flockRetryTimeout {
			return ErrTimeout
		}

		// Wait for a bit and try again.
		time.Sleep(flockRetryTimeout)
	}
}

const flockRetryTimeout = 50 * time.Millisecond

// funlock releases an advisory lock on a file descriptor.
func funlock(db *DB) error {
	return unix.Flock(int(db.file.Fd()), unix.LOCK_UN)
}

// mmap memory maps a DB's data file. The view is read-write when
// Options.WriteMap is set and read-only otherwise; in both cases dirty
// pages are staged through allocator-owned buffers and written with
// WriteAt, never through the mapping.
func mmap(db *DB, sz int) error {
	prot := unix.PROT_READ
	flags := unix.MAP_SHARED
	if db.writeMap {
		prot |= unix.PROT_WRITE
	}

	b, err := unix.Mmap(int(db.file.Fd()), 0, sz, prot, flags|db.MmapFlags)
	if err != nil {
		return err
	}

	// Advise the kernel that the mmap is accessed randomly.
	if err := unix.Madvise(b, unix.MADV_RANDOM); err != nil {
		return fmt.Errorf("madvise: %s", err)
	}

	// Save the original byte slice and convert to a byte array pointer.
	db.dataref = b
	db.data = (*[maxMapSize]byte)(unsafe.Pointer(&b[0]))
	db.datasz = sz
	return nil
}

// munmap unmaps a DB's data file from memory.
func munmap(db *DB) error {
	// Ignore the unmap if we have no mapped data.
	if db.dataref == nil {
		return nil
	}

	// Unmap using the original byte slice.
	err := unix.Munmap(db.dataref)
	db.dataref = nil
	db.data = nil
	db.datasz = 0
	return err
}

// fdatasync flushes written data to the disk.
func fdatasync(db *DB) error {
	return db.file.Sync()
}
