package mdb

import (
	"fmt"
	"sort"
	"unsafe"
)

// txPending holds the pages that a given transaction has freed, plus,
// for each, the txid that had allocated it, so that a rollback can
// restore that allocation record. Rather than a literal B-tree keyed by
// txid (which would need its own bucket/node machinery just to hold an
// integer-keyed list), the pages
// freed by each still-referenced transaction are kept as an in-memory
// map and persisted as one dedicated freelist page run on commit - the
// same information, addressed directly instead of through another
// B-tree lookup. See DESIGN.md.
type txPending struct {
	ids              []pgid
	alreadyAllocated []pgid
	lastReleaseBegin txid // beginning txid of last matching releaseRange
}

// freelist implements the page allocator and oldest-reader based
// reclamation of freed pages.
type freelist struct {
	ids     []pgid              // all free and available free page ids.
	allocs  map[pgid]txid       // mapping of txid that allocated a pgid.
	pending map[txid]*txPending // mapping of soon-to-be free page ids by tx.
	cache   map[pgid]bool       // fast lookup of all free and pending page ids.
}

// newFreelist returns an empty, initialized freelist.
func newFreelist() *freelist {
	return &freelist{
		allocs:  make(map[pgid]txid),
		pending: make(map[txid]*txPending),
		cache:   make(map[pgid]bool),
	}
}

// size returns the size of the page after serialization.
func (f *freelist) size() int {
	n := f.count()
	if n >= 0xFFFF {
		// The first element will be used to store the count. See freelist.write.
		n++
	}
	return int(pageHeaderSize) + (int(unsafe.Sizeof(pgid(0))) * n)
}

// count returns count of pages on the freelist.
func (f *freelist) count() int {
	return f.free_count() + f.pending_count()
}

// free_count returns count of free pages.
func (f *freelist) free_count() int {
	return len(f.ids)
}

// pending_count returns count of pending pages.
func (f *freelist) pending_count() int {
	var count int
	for _, txp := range f.pending {
		count += len(txp.ids)
	}
	return count
}

// copyall copies into dst a list of all free ids and all pending ids in
// one sorted list. f.count returns the minimum length required for dst.
func (f *freelist) copyall(dst []pgid) {
	m := make(pgids, 0, f.pending_count())
	for _, txp := range f.pending {
		m = append(m, txp.ids...)
	}
	sort.Sort(m)
	mergepgids(dst, f.ids, m)
}

// allocate attempts to allocate the given number of contiguous pages
// by scanning an in-memory sorted list of reclaimable page ids for a
// contiguous run of n. It returns the starting page id or 0 if no contiguous block could be
// found; the caller falls back to extending the mapped file.
func (f *freelist) allocate(txid txid, n int) pgid {
	if len(f.ids) == 0 {
		return 0
	}

	var initial, previd pgid
	for i, id := range f.ids {
		if id <= 1 {
			panic(fmt.Sprintf("invalid page allocation: %d", id))
		}

		// Reset initial page if this is not contiguous.
		if previd == 0 || id-previd != 1 {
			initial = id
		}

		// If we found a contiguous block then remove it and return it.
		if (id-initial)+1 == pgid(n) {
			// If we're allocating off the beginning then take the fast path
			// and just adjust the existing slice. This will use extra
			// memory temporarily but the append() in free() will realloc
			// the slice as is necessary.
			if (i + 1) == n {
				f.ids = f.ids[i+1:]
			} else {
				copy(f.ids[i-n+1:], f.ids[i+1:])
				f.ids = f.ids[:len(f.ids)-n]
			}

			// Remove from the free cache.
			for i := pgid(0); i < pgid(n); i++ {
				delete(f.cache, initial+i)
			}
			f.allocs[initial] = txid
			return initial
		}

		previd = id
	}
	return 0
}

// free releases a page and its overflow for a given transaction id. If
// the page is already free, it's a panic.
func (f *freelist) free(txid txid, p *page) {
	if p.id <= 1 {
		panic(fmt.Sprintf("cannot free page 0 or 1: %d", p.id))
	}

	// Free page and all its overflow pages.
	txp := f.pending[txid]
	if txp == nil {
		txp = &txPending{}
		f.pending[txid] = txp
	}
	allocTxid, ok := f.allocs[p.id]
	if ok {
		delete(f.allocs, p.id)
	} else if (p.flags & freelistPageFlag) != 0 {
		// Freelist is always allocated by prior tx.
		allocTxid = txid - 1
	}

	for id := p.id; id <= p.id+pgid(p.overflow); id++ {
		// Verify that page is not already free.
		if f.cache[id] {
			panic(fmt.Sprintf("page %d already freed", id))
		}

		// Add to the freelist and cache.
		txp.ids = append(txp.ids, id)
		txp.alreadyAllocated = append(txp.alreadyAllocated, pgid(allocTxid))
		f.cache[id] = true
	}
}

// release moves all page ids for a transaction id (or older) to the
// freelist: the freed list becomes reusable once no live reader still
// pins a snapshot older than it.
func (f *freelist) release(txid txid) {
	m := make(pgids, 0)
	for tid, txp := range f.pending {
		if tid <= txid {
			// Move transaction's pending pages to the available freelist.
			// Don't remove from the cache since the page is still free.
			m = append(m, txp.ids...)
			delete(f.pending, tid)
		}
	}
	sort.Sort(m)
	f.ids = pgids(f.ids).merge(m)
}

// releaseRange moves pending pages allocated within an extent [begin,end]
// to the free list.
func (f *freelist) releaseRange(begin, end txid) {
	if begin > end {
		return
	}
	var m pgids
	for tid, txp := range f.pending {
		if tid < begin || tid > end {
			continue
		}
		// Don't recompute freed pages if ranges haven't updated.
		if txp.lastReleaseBegin == begin {
			continue
		}
		for i := 0; i < len(txp.ids); i++ {
			if atxid := txp.alreadyAllocated[i]; txid(atxid) < begin || txid(atxid) > end {
				continue
			}
			m = append(m, txp.ids[i])
			txp.ids[i] = txp.ids[len(txp.ids)-1]
			txp.ids = txp.ids[:len(txp.ids)-1]
			txp.alreadyAllocated[i] = txp.alreadyAllocated[len(txp.alreadyAllocated)-1]
			txp.alreadyAllocated = txp.alreadyAllocated[:len(txp.alreadyAllocated)-1]
			i--
		}
		txp.lastReleaseBegin = begin
		if len(txp.ids) == 0 {
			delete(f.pending, tid)
		}
	}
	sort.Sort(m)
	f.ids = pgids(f.ids).merge(m)
}

// rollback removes the pages from a given pending tx.
func (f *freelist) rollback(tid txid) {
	// Remove page ids from cache.
	txp := f.pending[tid]
	if txp == nil {
		return
	}
	var m pgids
	for i, id := range txp.ids {
		delete(f.cache, id)
		allocTxid := txp.alreadyAllocated[i]
		if allocTxid == 0 {
			continue
		}
		if allocTxid != pgid(tid) {
			// Pending free aborted; restore the page to the caller's
			// original allocator record.
			f.allocs[id] = txid(allocTxid)
		} else {
			m = append(m, id)
		}
	}
	// Remove pages from pending list and mark as free if allocated by txid.
	delete(f.pending, tid)
	sort.Sort(m)
	f.ids = pgids(f.ids).merge(m)
}

// freed returns whether a given page is in the free list.
func (f *freelist) freed(pgId pgid) bool {
	return f.cache[pgId]
}

// read initializes the freelist from a freelist page.
func (f *freelist) read(p *page) {
	if (p.flags & freelistPageFlag) == 0 {
		panic(fmt.Sprintf("invalid freelist page: %d, page type is %s", p.id, p.typ()))
	}
	ids := f.arrayPageIDs(p)
	f.readIDs(ids)
}

func (f *freelist) arrayPageIDs(p *page) []pgid {
	var idx, count = 0, int(p.count)
	if count == 0xFFFF {
		idx = 1
		c := *(*pgid)(unsafeAdd(unsafe.Pointer(p), unsafe.Sizeof(*p)))
		count = int(c)
		if count < 0 {
			panic(fmt.Sprintf("leading element count %d overflows int", c))
		}
	}
	if count == 0 {
		return nil
	}
	var ids []pgid
	data := unsafeIndex(unsafe.Pointer(p), unsafe.Sizeof(*p), unsafe.Sizeof(ids[0]), idx)
	unsafeSlice(unsafe.Pointer(&ids), data, count)
	return ids
}

// readIDs initializes the freelist from a given list of ids.
func (f *freelist) readIDs(ids []pgid) {
	f.ids = ids
	f.reindex()
}

// write writes the page ids onto a freelist page. All free and pending
// ids are saved to disk since in the event of a program crash, all
// pending ids will become free.
func (f *freelist) write(p *page) error {
	// Combine the old free pgids and pgids waiting on an open transaction.

	// Update the header flag.
	p.flags |= freelistPageFlag

	// The page.count can only hold up to 64k elements so if we overflow that
	// number then we handle it by putting the size in the first element.
	l := f.count()
	if l == 0 {
		p.count = uint16(l)
	} else if l < 0xFFFF {
		p.count = uint16(l)
		data := unsafeAdd(unsafe.Pointer(p), unsafe.Sizeof(*p))
		var ids []pgid
		unsafeSlice(unsafe.Pointer(&ids), data, l)
		f.copyall(ids)
	} else {
		p.count = 0xFFFF
		data := unsafeAdd(unsafe.Pointer(p), unsafe.Sizeof(*p))
		var ids []pgid
		unsafeSlice(unsafe.Pointer(&ids), data, l+1)
		ids[0] = pgid(l)
		f.copyall(ids[1:])
	}

	return nil
}

// reload reads the freelist from a page and filters out pending items.
func (f *freelist) reload(p *page) {
	f.read(p)

	// Build a cache of only pending pages.
	pcache := make(map[pgid]bool)
	for _, txp := range f.pending {
		for _, pendingID := range txp.ids {
			pcache[pendingID] = true
		}
	}

	// Check each page in the freelist and build a new available freelist
	// with any pages not in the pending lists.
	var a []pgid
	for _, id := range f.ids {
		if !pcache[id] {
			a = append(a, id)
		}
	}
	f.ids = a

	// Once the available list is rebuilt then rebuild the free cache so that
	// it includes the available and pending free pages.
	f.reindex()
}

// reindex rebuilds the free cache based on available and pending free lists.
func (f *freelist) reindex() {
	ids := f.ids
	f.cache = make(map[pgid]bool, len(ids))
	for _, id := range ids {
		f.cache[id] = true
	}
	for _, txp := range f.pending {
		for _, pendingID := range txp.ids {
			f.cache[pendingID] = true
		}
	}
}
