package mdb

import (
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// readerTableMagic is the lock-file format identifier. openReaderTable
// neither writes nor checks it, so a stale or foreign lock file is not
// rejected.
const readerTableMagic = 0xDEADC0DE

// readerSlot records one active reader's identity and snapshot: {pid,
// txnid}. The struct is 56 bytes; slots are placed readerSlotSize (64)
// bytes apart in the lock file.
type readerSlot struct {
	pid      int32
	_        int32 // padding; reserved for a future thread id field
	txnid    uint64
	inUse    uint32
	_        [36]byte // padding; brings the struct to 56 bytes
}

const readerSlotSize = 64

// readerTable is the lock-file backed reader registry. A brief,
// process-local mutex guards slot acquisition. No file lock is taken on
// the lock file, so slot updates from different processes are not
// mutually excluded.
type readerTable struct {
	mu       sync.Mutex
	file     *os.File
	data     []byte
	slots    []*readerSlot
	writable bool
}

// openReaderTable opens (creating if necessary) the lock file backing
// the reader table and maps its slot array into memory.
func openReaderTable(path string, maxReaders int, writable bool) (*readerTable, error) {
	flag := os.O_RDWR
	if writable {
		flag |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flag, 0600)
	if err != nil {
		return nil, err
	}

	size := readerTableHeaderSize + maxReaders*readerSlotSize
	if writable {
		info, err := f.Stat()
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		if info.Size() < int64(size) {
			if err := f.Truncate(int64(size)); err != nil {
				_ = f.Close()
				return nil, err
			}
		}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	rt := &readerTable{file: f, data: data, writable: writable}
	rt.slots = make([]*readerSlot, maxReaders)
	for i := 0; i < maxReaders; i++ {
		off := readerTableHeaderSize + i*readerSlotSize
		if off+readerSlotSize > len(data) {
			panic(fmt.Sprintf("reader table: slot offset %d out of range (len %d)", off, len(data)))
		}
		rt.slots[i] = (*readerSlot)(unsafe.Pointer(&data[off]))
	}
	return rt, nil
}

const readerTableHeaderSize = 16

// acquire claims the first unused slot and records the given snapshot
// txid in it under a brief critical section.
func (rt *readerTable) acquire(current txid) (*readerSlot, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	for _, s := range rt.slots {
		if s.inUse == 0 {
			s.pid = int32(os.Getpid())
			s.txnid = uint64(current)
			s.inUse = 1
			return s, nil
		}
	}
	return nil, ErrReadersFull
}

// release frees a reader slot acquired by acquire.
func (rt *readerTable) release(s *readerSlot) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	s.inUse = 0
	s.txnid = 0
	s.pid = 0
}

// oldestTxid returns the smallest txid pinned by any occupied reader
// slot, or 0 if no reader is active.
func (rt *readerTable) oldestTxid() txid {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	var oldest txid
	for _, s := range rt.slots {
		if s.inUse == 0 {
			continue
		}
		if oldest == 0 || txid(s.txnid) < oldest {
			oldest = txid(s.txnid)
		}
	}
	return oldest
}

// cleanupStale scans the table for slots whose owning pid no longer
// exists and clears them. Only performed on an explicit ReaderCheck
// call, never implicitly, since liveness checks by pid are inherently
// racy across process boundaries.
func (rt *readerTable) cleanupStale() (int, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	var cleared int
	for _, s := range rt.slots {
		if s.inUse == 0 {
			continue
		}
		if s.pid == int32(os.Getpid()) {
			continue
		}
		if processAlive(int(s.pid)) {
			continue
		}
		s.inUse = 0
		s.txnid = 0
		s.pid = 0
		cleared++
	}
	return cleared, nil
}

// processAlive reports whether pid names a live process, using the
// kill(pid, 0) idiom: no signal is delivered, only existence and
// permission are checked.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	return err != unix.ESRCH
}

// close unmaps and closes the lock file.
func (rt *readerTable) close() error {
	if rt.data != nil {
		if err := unix.Munmap(rt.data); err != nil {
			return err
		}
		rt.data = nil
	}
	if rt.file != nil {
		return rt.file.Close()
	}
	return nil
}

