package mdb

import (
	"bytes"
	"fmt"
	"unsafe"
)

const (
	// minFillPercent/maxFillPercent bound Bucket.FillPercent, the knob
	// controlling how aggressively spill() packs a page before starting a
	// new one: entries are partitioned by a split index chosen to honor
	// a per-side byte budget.
	minFillPercent = 0.1
	maxFillPercent = 1.0
)

// DefaultFillPercent is the percentage that split pages are filled.
// This value can be changed by setting Bucket.FillPercent.
const DefaultFillPercent = 0.5

// Sub-database descriptor flags. These persist in bucket.flags and
// select both the key comparator and whether DUPSORT storage is active.
const (
	bucketReverseKey = 0x02
	bucketDupSort    = 0x04
	bucketIntegerKey = 0x08
	bucketIntegerDup = 0x20
	bucketReverseDup = 0x40
)

// Exported names for the flags above, passed to CreateBucketWithFlags.
// These are the only sub-database flags callers outside the package
// can select.
const (
	ReverseKey = bucketReverseKey
	DupSort    = bucketDupSort
	IntegerKey = bucketIntegerKey
)

// maxKeySize is the documented maximum key length: small enough that
// any key fits fully in a branch node.
const maxKeySize = 511

// maxValueSize bounds a single value to what fits in a uint32 length prefix.
const maxValueSize = (1 << 32) - 1

// bucket represents the on-disk representation of a sub-database. It
// is embedded directly in the parent's leaf value when bucketLeafFlag
// is set, as this full header (followed by an inline page when root is
// 0) - the same inline-when-small storage reused here for DUPSORT (see
// DESIGN.md).
type bucket struct {
	root      pgid   // page id of the bucket's root-level page
	sequence  uint64 // monotonically incrementing, used by NextSequence()
	flags     uint32 // bucketReverseKey | bucketDupSort | ...
	cmp       uint8  // comparator selector, see comparator.go
	_         [3]byte
	depth     uint32 // tree depth; this and the counters below are never updated (Bucket.Stats computes them)
	branches  uint32 // branch page count
	leafs     uint32 // leaf page count
	overflows uint32 // overflow page count
	entries   uint64 // total key count (dup values count individually)
}

// Bucket represents a collection of key/value pairs, or a DUPSORT
// collection of key/value-set pairs, inside the database. Buckets nest:
// a named sub-database is a Bucket reachable from the
// root; a DUPSORT key's duplicate set is itself a nested Bucket whose
// keys are the sorted values (see DESIGN.md's bucket.go entry).
type Bucket struct {
	*bucket
	tx          *Tx
	buckets     map[string]*Bucket // subbucket cache
	page        *page              // inline page reference
	rootNode    *node              // materialized node for the root page
	nodes       map[pgid]*node     // node cache
	FillPercent float64
}

// newBucket returns a new bucket associated with a transaction.
func newBucket(tx *Tx) Bucket {
	var b = Bucket{tx: tx, FillPercent: DefaultFillPercent}
	if tx.writable {
		b.buckets = make(map[string]*Bucket)
		b.nodes = make(map[pgid]*node)
	}
	return b
}

// Tx returns the tx of the bucket.
func (b *Bucket) Tx() *Tx { return b.tx }

// Root returns the root of the bucket.
func (b *Bucket) Root() pgid { return b.root }

// Writable returns whether the bucket is writable.
func (b *Bucket) Writable() bool { return b.tx.writable }

// DupSort reports whether this bucket stores sorted duplicate values
// per key.
func (b *Bucket) DupSort() bool { return b.flags&bucketDupSort != 0 }

// Cursor creates a cursor associated with the bucket.
// The cursor is only valid as long as the transaction is open.
// Do not use a cursor after the transaction is closed.
func (b *Bucket) Cursor() *Cursor {
	b.tx.stats.IncCursorCount(1)
	return &Cursor{bucket: b, stack: make([]elemRef, 0)}
}

// Bucket retrieves a nested bucket by name. Returns nil if the bucket
// does not exist.
func (b *Bucket) Bucket(name []byte) *Bucket {
	if b.buckets != nil {
		if child := b.buckets[string(name)]; child != nil {
			return child
		}
	}

	// Move cursor to key.
	c := b.Cursor()
	k, v, flags := c.seek(name)

	// Return nil if the key doesn't exist or it is not a bucket.
	if !bytes.Equal(name, k) || (flags&bucketLeafFlag) == 0 {
		return nil
	}

	// Otherwise create a bucket and cache it.
	child := b.openBucket(v)
	if b.buckets != nil {
		b.buckets[string(name)] = child
	}

	return child
}

// openBucket opens a bucket from a raw (possibly inline) byte slice.
func (b *Bucket) openBucket(value []byte) *Bucket {
	var child = newBucket(b.tx)

	// Unaligned access requires a copy to be made.
	const unalignedMask = unsafe.Alignof(struct {
		bucket
	}{}) - 1
	unaligned := uintptr(unsafe.Pointer(&value[0]))&unalignedMask != 0
	if unaligned {
		value = cloneBytes(value)
	}

	child.bucket = &bucket{}
	*child.bucket = *(*bucket)(unsafe.Pointer(&value[0]))

	// Save a reference to the inline page if the bucket is inline.
	if child.root == 0 {
		child.page = (*page)(unsafe.Pointer(&value[bucketHeaderSize]))
	}

	return &child
}

// CreateBucket creates a new bucket at the given key and returns the new
// bucket. Returns an error if the key already exists, if the bucket name
// is blank, or if the bucket name is too long.
func (b *Bucket) CreateBucket(key []byte) (*Bucket, error) {
	return b.createBucket(key, 0)
}

// CreateBucketWithFlags mirrors CreateBucket but records sub-database
// descriptor flags (DUPSORT/REVERSEKEY/INTEGERKEY/...) at creation time.
// Ordering is fixed at sub-database creation and persisted via these flags.
func (b *Bucket) CreateBucketWithFlags(key []byte, flags uint32) (*Bucket, error) {
	return b.createBucket(key, flags)
}

func (b *Bucket) createBucket(key []byte, flags uint32) (*Bucket, error) {
	if b.tx.db == nil {
		return nil, ErrTxClosed
	} else if !b.tx.writable {
		return nil, ErrTxNotWritable
	} else if len(key) == 0 {
		return nil, ErrBucketNameRequired
	} else if len(key) > maxKeySize {
		return nil, ErrKeyTooLarge
	}

	// Move cursor to correct position.
	c := b.Cursor()
	k, _, flagsFound := c.seek(key)

	// Return an error if there is an existing key.
	if bytes.Equal(key, k) {
		if (flagsFound & bucketLeafFlag) != 0 {
			return nil, ErrBucketExists
		}
		return nil, ErrIncompatibleValue
	}

	// The root bucket's keys are the named sub-databases, bounded by MaxDBs.
	if b == &b.tx.root && b.tx.db.MaxDBs > 0 {
		var n int
		_ = b.ForEachBucket(func([]byte) error { n++; return nil })
		if n >= b.tx.db.MaxDBs {
			return nil, ErrDBsFull
		}
	}

	// Create empty, inline bucket.
	var bkt = Bucket{
		bucket:      &bucket{flags: flags, cmp: selectorForFlags(flags)},
		rootNode:    &node{isLeaf: true},
		FillPercent: DefaultFillPercent,
	}
	var value = bkt.write()

	// Insert into node.
	key = cloneBytes(key)
	c.node().put(key, key, value, 0, bucketLeafFlag)

	// Since subbuckets are not allowed on inline buckets, we need to
	// dereference the inline page, if it exists. This should only be the
	// case for the root bucket.
	b.page = nil

	return b.Bucket(key), nil
}

// CreateBucketIfNotExists creates a new bucket if it doesn't already
// exist and returns a reference to it.
func (b *Bucket) CreateBucketIfNotExists(key []byte) (*Bucket, error) {
	child, err := b.CreateBucket(key)
	if err == ErrBucketExists {
		return b.Bucket(key), nil
	} else if err != nil {
		return nil, err
	}
	return child, nil
}

// DeleteBucket deletes a bucket at the given key. Returns an error if
// the bucket does not exist, or if the key represents a non-bucket
// value.
func (b *Bucket) DeleteBucket(key []byte) error {
	if b.tx.db == nil {
		return ErrTxClosed
	} else if !b.Writable() {
		return ErrTxNotWritable
	}

	c := b.Cursor()
	k, _, flags := c.seek(key)

	if !bytes.Equal(key, k) {
		return ErrBucketNotFound
	} else if (flags & bucketLeafFlag) == 0 {
		return ErrIncompatibleValue
	}

	child := b.Bucket(key)

	err := child.ForEachBucket(func(k []byte) error {
		if _, _, childFlags := child.Cursor().seek(k); (childFlags & bucketLeafFlag) != 0 {
			if err := child.DeleteBucket(k); err != nil {
				return fmt.Errorf("delete bucket: %s", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	delete(b.buckets, string(key))

	child.nodes = nil
	child.rootNode = nil
	child.free()

	c.node().del(key)

	return nil
}

// ForEachBucket calls fn for every nested bucket directly under b.
func (b *Bucket) ForEachBucket(fn func(k []byte) error) error {
	return b.ForEach(func(k, v []byte) error {
		if v == nil {
			return fn(k)
		}
		return nil
	})
}

// Get retrieves the value for a key in the bucket. Returns nil if the
// key does not exist or if the key is a nested bucket. The returned
// value is only valid for the life of the transaction.
//
// In a DUPSORT bucket this returns the first (smallest) duplicate value
// for key, matching LMDB's mdb_get semantics; use Cursor to enumerate
// all duplicates.
func (b *Bucket) Get(key []byte) []byte {
	k, v, flags := b.Cursor().seek(key)

	// Return nil if this is a bucket.
	if (flags & bucketLeafFlag) != 0 {
		// In a DUPSORT bucket the entry is key's duplicate set: return
		// its first value.
		if b.DupSort() && bytes.Equal(k, key) {
			if dup := b.Bucket(key); dup != nil {
				first, _ := dup.Cursor().First()
				return first
			}
		}
		return nil
	}
	if k == nil || !bytes.Equal(k, key) {
		return nil
	}
	return v
}

// Put flag bits for the public Put/Delete API.
const (
	PutNoOverwrite uint32 = 1 << iota
	PutNoDupData
	// PutAppend skips the top-down search when key sorts after every
	// existing key in the bucket, inserting directly at the cursor's
	// last position instead. A key that turns out not to be greater
	// than the current last key falls back to the normal search path,
	// so a caller that gets the ordering wrong still gets a correct
	// (if slower) insert rather than a corrupted tree.
	PutAppend
	// PutAppendDup applies the same fast path to the duplicate set of
	// a DUPSORT key: value must sort after the key's current last
	// duplicate.
	PutAppendDup
)

// Put sets the value for a key in the bucket. If the key exists then its
// previous value will be overwritten (unless PutNoOverwrite is set, in
// which case ErrKeyExists is returned). In a DUPSORT bucket, Put inserts
// (key,value) into the sorted duplicate set for key instead of replacing
// the prior value (PutNoDupData rejects an exact (key,value) repeat).
//
// Put copies key and value, so neither needs to remain valid after the
// call returns.
func (b *Bucket) Put(key []byte, value []byte, flags uint32) error {
	if b.tx.db == nil {
		return ErrTxClosed
	} else if !b.Writable() {
		return ErrTxNotWritable
	} else if len(key) == 0 {
		return ErrKeyRequired
	} else if len(key) > maxKeySize {
		return ErrKeyTooLarge
	} else if uint64(len(value)) > maxValueSize {
		return ErrValueTooLarge
	}

	if b.DupSort() {
		return b.putDup(key, value, flags)
	}

	if flags&PutAppend != 0 {
		if ok, c := b.appendCursor(key); ok {
			key = cloneBytes(key)
			c.node().put(key, key, cloneBytes(value), 0, 0)
			return nil
		}
	}

	// Move cursor to correct position.
	c := b.Cursor()
	k, _, flagsFound := c.seek(key)

	if bytes.Equal(key, k) {
		if (flagsFound & bucketLeafFlag) != 0 {
			return ErrIncompatibleValue
		}
		if flags&PutNoOverwrite != 0 {
			return ErrKeyExists
		}
	}

	// Insert into node.
	key = cloneBytes(key)
	c.node().put(key, key, cloneBytes(value), 0, 0)

	return nil
}

// appendCursor checks whether key sorts strictly after every existing
// key in the bucket and, if so, returns a cursor already positioned at
// the last element so the caller can insert without a fresh top-down
// search. Mirrors mdb_cursor_put's MDB_APPEND check: the new key must
// compare greater than the current last key, otherwise the caller falls
// back to the normal search-based insert path.
func (b *Bucket) appendCursor(key []byte) (bool, *Cursor) {
	c := b.Cursor()
	lastKey, _ := c.Last()
	if lastKey == nil {
		return true, c
	}
	if b.less(lastKey, key) < 0 {
		return true, c
	}
	return false, nil
}

// putDup implements Put for a DUPSORT bucket: key maps to a nested
// Bucket whose keys are the sorted duplicate values (see DESIGN.md and
// the bucketLeafFlag doc comment in page.go).
func (b *Bucket) putDup(key, value []byte, flags uint32) error {
	dup, err := b.dupBucket(key, true)
	if err != nil {
		return err
	}
	putFlags := uint32(0)
	if flags&PutNoDupData != 0 {
		putFlags |= PutNoOverwrite
	}
	if flags&PutAppendDup != 0 {
		putFlags |= PutAppend
	}
	if err := dup.Put(value, nil, putFlags); err != nil {
		if err == ErrKeyExists {
			return ErrKeyExists
		}
		return err
	}
	return nil
}

// dupBucket returns (creating if create is set and absent) the nested
// bucket holding key's sorted duplicate set.
func (b *Bucket) dupBucket(key []byte, create bool) (*Bucket, error) {
	if child := b.Bucket(key); child != nil {
		return child, nil
	}
	if !create {
		return nil, ErrNotFound
	}
	dupFlags := uint32(0)
	if b.flags&bucketReverseDup != 0 {
		dupFlags |= bucketReverseKey
	}
	if b.flags&bucketIntegerDup != 0 {
		dupFlags |= bucketIntegerKey
	}
	return b.createBucket(key, dupFlags)
}

// Delete removes a key from the bucket. If the bucket is configured for
// DUPSORT and val is non-nil, only that duplicate is removed; a nil val
// against a DUPSORT key removes every duplicate for that key.
// If the key does not exist then nothing is done and a nil error is
// returned.
func (b *Bucket) Delete(key []byte, val []byte) error {
	if b.tx.db == nil {
		return ErrTxClosed
	} else if !b.Writable() {
		return ErrTxNotWritable
	}

	c := b.Cursor()
	k, _, flags := c.seek(key)

	if !bytes.Equal(key, k) {
		return nil
	}

	// Return an error if there is already existing bucket value.
	if (flags & bucketLeafFlag) != 0 {
		if b.DupSort() && val == nil {
			return b.DeleteBucket(key)
		}
		if b.DupSort() && val != nil {
			dup := b.Bucket(key)
			if dup == nil {
				return nil
			}
			if err := dup.Delete(val, nil); err != nil {
				return err
			}
			if dup.Stats_Empty() {
				return b.DeleteBucket(key)
			}
			return nil
		}
		return ErrIncompatibleValue
	}

	// Delete the node if we have a matching key.
	c.node().del(key)

	return nil
}

// Stats_Empty reports whether the bucket currently holds no entries.
// Used internally to drop an emptied DUPSORT nested bucket.
func (b *Bucket) Stats_Empty() bool {
	c := b.Cursor()
	k, _, _ := c.first()
	return k == nil
}

// BucketStats reports the sub-database descriptor counters: depth,
// branch/leaf/overflow page counts, and entry count.
type BucketStats struct {
	Depth         int
	BranchPageN   int
	LeafPageN     int
	OverflowPageN int
	KeyN          int
}

// Stats walks every page reachable from the bucket's root and
// computes BucketStats fresh, rather than trusting incrementally
// maintained counters, since keeping running totals correct across
// every split, merge, and rebalance path is its own source of drift bugs.
func (b *Bucket) Stats() BucketStats {
	var s BucketStats
	if b.root == 0 {
		// Inline bucket: count directly off the single page/node.
		s.Depth = 1
		_ = b.ForEach(func(_, _ []byte) error { s.KeyN++; return nil })
		return s
	}

	b.tx.forEachPage(b.root, func(p *page, stackDepth int, stack []pgid) {
		d := stackDepth + 1
		if d > s.Depth {
			s.Depth = d
		}
		switch {
		case (p.flags & branchPageFlag) != 0:
			s.BranchPageN++
		case (p.flags & leafPageFlag) != 0:
			s.LeafPageN++
			s.KeyN += int(p.count)
		}
		s.OverflowPageN += int(p.overflow)
	})
	return s
}

// Sequence returns the current integer for the bucket without
// incrementing it.
func (b *Bucket) Sequence() uint64 { return b.bucket.sequence }

// SetSequence updates the sequence number for the bucket.
func (b *Bucket) SetSequence(v uint64) error {
	if b.tx.db == nil {
		return ErrTxClosed
	} else if !b.Writable() {
		return ErrTxNotWritable
	}

	// Materialize the root node if it hasn't been already so that the
	// bucket will be saved during commit.
	if b.rootNode == nil {
		_ = b.node(b.root, nil)
	}

	b.bucket.sequence = v
	return nil
}

// NextSequence returns an autoincrementing integer for the bucket.
func (b *Bucket) NextSequence() (uint64, error) {
	if b.tx.db == nil {
		return 0, ErrTxClosed
	} else if !b.Writable() {
		return 0, ErrTxNotWritable
	}
	if b.bucket.sequence == 1<<64-1 {
		return 0, ErrSequenceOverflow
	}

	if b.rootNode == nil {
		_ = b.node(b.root, nil)
	}

	b.bucket.sequence++
	return b.bucket.sequence, nil
}

// ForEach executes a function for each key/value pair in a bucket in
// the bucket's comparator order. Under
// DUPSORT, v is nil and the caller should descend via Bucket(k) to
// enumerate that key's duplicates; non-DUPSORT callers get (k,v)
// directly. If the provided function returns an error then the
// iteration is stopped and the error is returned to the caller.
func (b *Bucket) ForEach(fn func(k, v []byte) error) error {
	if b.tx.db == nil {
		return ErrTxClosed
	}
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

// free recursively frees all pages in the bucket.
func (b *Bucket) free() {
	if b.root == 0 {
		return
	}

	var tx = b.tx
	b.tx.forEachPage(b.root, func(p *page, _ int, _ []pgid) {
		tx.db.freelist.free(tx.meta.txid, p)
	})
	b.root = 0
}

// dereference removes all references to the old mmap.
func (b *Bucket) dereference() {
	if b.rootNode != nil {
		b.rootNode.root().dereference()
	}

	for _, child := range b.buckets {
		child.dereference()
	}
}

// pageNode returns the in-memory node, if it exists. Otherwise returns
// the underlying page.
func (b *Bucket) pageNode(id pgid) (*page, *node) {
	// Inline buckets have a fake page embedded in their value so we
	// treat the bucket itself as a page.
	if b.root == 0 {
		if id != 0 {
			panic(fmt.Sprintf("inline bucket non-zero page access(2): %d != 0", id))
		}
		if b.rootNode != nil {
			return nil, b.rootNode
		}
		return b.page, nil
	}

	// Check the node cache for non-inline buckets.
	if b.nodes != nil {
		if n := b.nodes[id]; n != nil {
			return nil, n
		}
	}

	// Finally lookup the page from the transaction if no node is materialized.
	return b.tx.page(id), nil
}

// node creates a node from a page and associates it with a given parent.
func (b *Bucket) node(pgId pgid, parent *node) *node {
	_assert(b.nodes != nil, "nodes map expected")

	// Retrieve node if it's already been created.
	if n := b.nodes[pgId]; n != nil {
		return n
	}

	// Otherwise create a node and cache it.
	n := &node{bucket: b, parent: parent}
	if n.parent == nil {
		b.rootNode = n
	} else {
		n.parent.children = append(n.parent.children, n)
	}

	// Use the inline page, if this is an inline bucket.
	var p = b.page
	if p == nil {
		p = b.tx.page(pgId)
	}

	// Read the page into the node and cache it.
	n.read(p)
	b.nodes[pgId] = n

	// Update statistics.
	b.tx.stats.IncNodeCount(1)

	return n
}

// rebalance attempts to balance all nodes.
func (b *Bucket) rebalance() {
	for _, n := range b.nodes {
		n.rebalance()
	}
	for _, child := range b.buckets {
		child.rebalance()
	}
}

// spill writes all the nodes for this bucket to dirty pages.
func (b *Bucket) spill() error {
	// Spill all child buckets first.
	for name, child := range b.buckets {
		// If the child bucket is small enough and it has no child buckets
		// then we can just inline it.
		var value []byte
		if child.inlineable() {
			child.free()
			value = child.write()
		} else {
			if err := child.spill(); err != nil {
				return err
			}

			// Update the child bucket header in this bucket.
			value = make([]byte, unsafe.Sizeof(bucket{}))
			var bkt = (*bucket)(unsafe.Pointer(&value[0]))
			*bkt = *child.bucket
		}

		// Skip writing the bucket if there are no materialized nodes.
		if child.rootNode == nil {
			continue
		}

		// Update parent node.
		var c = b.Cursor()
		k, _, flags := c.seek([]byte(name))
		if !bytes.Equal([]byte(name), k) {
			panic(fmt.Sprintf("misplaced bucket header: %x -> %x", []byte(name), k))
		}
		if flags&bucketLeafFlag == 0 {
			panic(fmt.Sprintf("unexpected bucket header flag: %x", flags))
		}
		c.node().put([]byte(name), []byte(name), value, 0, bucketLeafFlag)
	}

	// Ignore if there's not a materialized root node.
	if b.rootNode == nil {
		return nil
	}

	// Spill nodes.
	if err := b.rootNode.spill(); err != nil {
		return err
	}
	b.rootNode = b.rootNode.root()

	// Update the root node for this bucket.
	if b.rootNode.pgid >= b.tx.meta.pgid {
		panic(fmt.Sprintf("pgid (%d) above high water mark (%d)", b.rootNode.pgid, b.tx.meta.pgid))
	}
	b.root = b.rootNode.pgid

	return nil
}

// inlineable returns true if a bucket is small enough to be written
// inline and if it contains no nested buckets, the same inline-when-small
// storage DUPSORT uses.
func (b *Bucket) inlineable() bool {
	var n = b.rootNode

	// Bucket must only contain a single leaf and must only contain a
	// limited number of entries.
	if n == nil || !n.isLeaf {
		return false
	}

	// Bucket is not inlineable if it contains subbuckets or if it goes
	// beyond our threshold for inline bucket size.
	var size = pageHeaderSize
	for _, inode := range n.inodes {
		size += uintptr(leafPageElementSize) + uintptr(len(inode.key)) + uintptr(len(inode.value))

		if inode.flags&bucketLeafFlag != 0 {
			return false
		} else if size > b.maxInlineBucketSize() {
			return false
		}
	}

	return true
}

// maxInlineBucketSize returns the maximum size an inline bucket may be.
func (b *Bucket) maxInlineBucketSize() uintptr {
	return uintptr(b.tx.db.pageSize / 4)
}

// write allocates and writes a bucket to a byte slice.
func (b *Bucket) write() []byte {
	// Allocate the appropriate size.
	var n = b.rootNode
	var value = make([]byte, bucketHeaderSize+n.size())

	// Write a bucket header.
	var bkt = (*bucket)(unsafe.Pointer(&value[0]))
	*bkt = *b.bucket

	// Convert byte slice to a fake page and write the root node.
	var p = (*page)(unsafe.Pointer(&value[bucketHeaderSize]))
	n.write(p)

	return value
}

const bucketHeaderSize = unsafe.Sizeof(bucket{})

// cloneBytes returns a copy of a given slice.
func cloneBytes(v []byte) []byte {
	var clone = make([]byte, len(v))
	copy(clone, v)
	return clone
}
