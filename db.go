package mdb

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"runtime"
	"sort"
	"sync"
	"time"
	"unsafe"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ondisklabs/mdb/internal/metrics"
)

// The largest step that can be taken when remapping the mmap.
const maxMmapStep = 1 << 30 // 1GB

// IgnoreNoSync specifies whether the NoSync field of a DB is ignored when
// syncing a commit. It is true on OpenBSD and false elsewhere.
var IgnoreNoSync = runtime.GOOS == "openbsd"

// DefaultMaxReaders is the default maximum size of the reader table,
// fixed at environment creation.
const DefaultMaxReaders = 126

// DefaultMaxDBs is the default size of the named sub-database table.
const DefaultMaxDBs = 4096

// DefaultAllocSize is the amount of space allocated when the database
// needs to create new pages. This is done to amortize the cost of
// truncate() calls.
const DefaultAllocSize = 16 * 1024 * 1024

// Env is an alias kept for readers coming from the LMDB/mdbx naming
// convention; DB is the primary name used across this package's API.
type Env = DB

// DB represents a collection of named sub-databases persisted to a
// single memory-mapped file on disk. All reads and writes are performed
// by transactions which can be obtained through the DB.
//
// IMPORTANT: You must close the database before exiting to ensure all
// data is flushed and the file is in a consistent state.
type DB struct {
	// When enabled, the database will perform a Check() after every commit.
	// A panic is issued if the database is in an inconsistent state. This
	// flag has a large performance impact so it should only be used for
	// debugging purposes.
	StrictMode bool

	// Setting the NoSync flag will cause the database to skip fsync()
	// calls after each commit. This can be useful when bulk loading data
	// into a database and you can restart the bulk load in the event of
	// a system failure or database corruption. Do not set this flag for
	// normal use.
	//
	// If the package global IgnoreNoSync constant is true, this value is
	// ignored. See the comment on that constant for more details.
	//
	// THIS IS UNSAFE. PLEASE USE WITH CAUTION.
	NoSync bool

	// NoMetaSync: the meta page is still written every commit, but fsync
	// on it is skipped, trading a narrower durability window for latency.
	NoMetaSync bool

	// NoFreelistSync is copied from Options but has no effect: Commit
	// writes the freelist to a fresh page run on every commit. A meta
	// page whose freelist root is pgidNoFreelist is still handled on
	// open by rebuilding the freelist with a full scan.
	NoFreelistSync bool

	// When true, bolt will always load the free pages when the DB is
	// opened (which is the behavior of always peforming a check).
	PreLoadFreelist bool

	// MaxReaders bounds the reader table; the (n+1)th concurrent reader
	// gets ErrReadersFull.
	MaxReaders int

	// MaxDBs bounds the named sub-database table.
	MaxDBs int

	// When true, skips the truncate call when growing the database. Setting
	// this to true is only safe on non-ext3/ext4 systems.
	NoGrowSync bool

	// If you want to read the entire database fast, you can set
	// MmapFlag to syscall.MAP_POPULATE on Linux 2.6.23+ for sequential
	// read-ahead.
	MmapFlags int

	// MaxBatchSize is the maximum size of a batch.
	MaxBatchSize int

	// MaxBatchDelay is the maximum delay before a batch starts.
	MaxBatchDelay time.Duration

	// AllocSize is the amount of space allocated when the database needs
	// to create new pages.
	AllocSize int

	path     string
	lockPath string
	openFile func(string, int, os.FileMode) (*os.File, error)
	file     *os.File
	lockFile *os.File // separate lock file holding the reader table
	dataref  []byte   // mmap'ed data; read-only unless WriteMap is set
	data     *[maxMapSize]byte
	datasz   int
	filesz   int // current on disk file size
	meta0    *meta
	meta1    *meta
	pageSize int
	opened   bool
	rwtx     *Tx
	txs      []*Tx
	freelist *freelist
	stats    Stats

	pagePool sync.Pool

	batchMu sync.Mutex
	batch   *batch

	rwlock   sync.Mutex   // Allows only one writer at a time.
	metalock sync.Mutex   // Protects meta page access.
	mmaplock sync.RWMutex // Protects mmap access during remapping.
	statlock sync.RWMutex // Protects stats access.

	ops struct {
		writeAt func(b []byte, off int64) (n int, err error)
	}

	readOnly bool
	writeMap bool

	// readers is the reader table: a lock-file backed slot array
	// recording each active read transaction's
	// snapshot txid, used to compute the oldest live snapshot for
	// freelist reclamation.
	readers *readerTable

	instanceID uuid.UUID

	log     zerolog.Logger
	metrics *metrics.Collector
}

const maxMapSize = 0x7FFFFFFF // 2GB by default on 32-bit systems
const maxAllocSizeDB = 0xFFFFFFF

// Path returns the path to currently open database file.
func (db *DB) Path() string {
	return db.path
}

// GoString returns the Go string representation of the database.
func (db *DB) GoString() string {
	return fmt.Sprintf("mdb.DB{path:%q}", db.path)
}

// String returns the string representation of the database.
func (db *DB) String() string {
	return fmt.Sprintf("DB<%q>", db.path)
}

// Open creates and opens a database at the given path with a given file
// mode. If the file does not exist then it will be created automatically.
//
// Only one process may open the file at a given time. Attempting to
// open a database file from two different processes will cause it to
// hang until the other process closes it. Opening the same file from
// the same process is not supported.
//
// Options passed can be nil and will use the default options.
func Open(path string, mode os.FileMode, options *Options) (*DB, error) {
	db := &DB{
		opened: true,
	}
	// Set default options if no options are provided.
	if options == nil {
		options = DefaultOptions
	}
	db.NoSync = options.NoSync
	db.NoGrowSync = options.NoGrowSync
	db.NoFreelistSync = options.NoFreelistSync
	db.PreLoadFreelist = options.PreLoadFreelist
	db.MmapFlags = options.MmapFlags
	db.NoMetaSync = options.NoMetaSync
	db.MaxReaders = options.MaxReaders
	db.MaxDBs = options.MaxDBs
	db.writeMap = options.WriteMap

	if db.MaxReaders <= 0 {
		db.MaxReaders = DefaultMaxReaders
	}
	if db.MaxDBs <= 0 {
		db.MaxDBs = DefaultMaxDBs
	}

	// Set default values for later DB operations.
	db.MaxBatchSize = DefaultMaxBatchSize
	db.MaxBatchDelay = DefaultMaxBatchDelay
	db.AllocSize = DefaultAllocSize

	flag := os.O_RDWR
	if options.ReadOnly {
		flag = os.O_RDONLY
		db.readOnly = true
	} else {
		flag |= os.O_CREATE
	}

	db.openFile = os.OpenFile
	var err error
	if db.file, err = db.openFile(path, flag, mode); err != nil {
		_ = db.close()
		return nil, err
	}
	db.path = db.file.Name()
	db.lockPath = db.path + "-lock"

	db.instanceID = uuid.New()
	if options.Logger != nil {
		db.log = *options.Logger
	} else {
		db.log = zerolog.Nop()
	}
	db.log = db.log.With().Str("instance", db.instanceID.String()).Logger()
	db.metrics = metrics.NewCollector(options.MetricsNamespace)

	// Lock file so that other processes using the mdb library cannot use
	// the database at the same time. This would cause corruption since
	// the two processes would write meta pages and free pages separately.
	// The database file is locked exclusively (only one process can grab
	// the lock) otherwise -- except on read-only mode, where it is
	// shared.
	if err := flock(db, !db.readOnly, options.Timeout); err != nil {
		_ = db.close()
		return nil, err
	}

	// Open the reader table in the separate lock file. No file lock is
	// taken on it; a writable opener sizes it to hold MaxReaders slots.
	rt, err := openReaderTable(db.lockPath, db.MaxReaders, !db.readOnly)
	if err != nil {
		_ = db.close()
		return nil, err
	}
	db.readers = rt

	// Default values for test hooks
	db.ops.writeAt = db.file.WriteAt

	if db.pageSize = options.PageSize; db.pageSize == 0 {
		// Set the default page size to the OS page size, determined at
		// environment creation.
		db.pageSize = defaultPageSize()
	}

	// Initialize the database if it doesn't exist.
	if info, err := db.file.Stat(); err != nil {
		_ = db.close()
		return nil, err
	} else if info.Size() == 0 {
		// Initialize new files with meta pages.
		if err := db.init(); err != nil {
			_ = db.close()
			return nil, err
		}
	} else {
		// Read the first meta page to determine the page size.
		var buf [0x1000]byte
		// If we can't read the page size, but can read a page, assume
		// it's the same as the OS or one given in the options and move on.
		if bw, err := db.file.ReadAt(buf[:], 0); err == nil && bw == len(buf) {
			if m := db.pageInBuffer(buf[:], 0).meta(); m.validate() == nil {
				db.pageSize = int(m.pageSize)
			}
		}
	}

	// Initialize page pool.
	db.pagePool = sync.Pool{
		New: func() interface{} {
			return make([]byte, db.pageSize)
		},
	}

	// Memory map the data file.
	if err := db.mmap(options.InitialMmapSize); err != nil {
		_ = db.close()
		return nil, err
	}

	if db.readOnly {
		if db.PreLoadFreelist {
			db.loadFreelist()
		}
		db.log.Info().Str("path", db.path).Msg("environment opened read-only")
		return db, nil
	}

	// Load freelist or skip loading if opening in read-only mode.
	db.loadFreelist()

	db.log.Info().Str("path", db.path).Int("page_size", db.pageSize).Msg("environment opened")
	return db, nil
}

// loadFreelist reads the freelist if it is synced, or reconstructs it
// by scanning the entire database (only if firstIndex free pages are
// unsynced).
func (db *DB) loadFreelist() {
	db.freelist = newFreelist()
	if !db.hasSyncedFreelist() {
		// Reconstruct free list by scanning the DB.
		db.freelist.readIDs(db.freepages())
	} else {
		// Read free list from freelist page.
		db.freelist.read(db.page(db.meta().freeDB.root))
	}
	db.stats.FreePageN = db.freelist.free_count()
}

func (db *DB) hasSyncedFreelist() bool {
	return db.meta().freeDB.root != pgidNoFreelist
}

// pgidNoFreelist marks a meta page whose freelist was not synced; on
// open the freelist is then rebuilt by a full scan instead of read. No
// commit in this package writes this value.
const pgidNoFreelist = 0xFFFFFFFFFFFFFFFF

// freepages scans every page in the database to identify which pages
// are not referenced by any bucket, used to rebuild the freelist from
// scratch if it was not synced on a prior close.
func (db *DB) freepages() []pgid {
	tx, err := db.beginTx()
	defer func() {
		err = tx.Rollback()
		if err != nil {
			panic("freepages: failed to rollback tx")
		}
	}()
	if err != nil {
		panic("freepages: failed to open read only tx")
	}

	reachable := make(map[pgid]*page)
	nofreed := make(map[pgid]bool)
	ech := make(chan error)
	go func() {
		for e := range ech {
			panic(fmt.Sprintf("freepages: failed to get all reachable pages (%v)", e))
		}
	}()
	tx.checkBucket(&tx.root, reachable, nofreed, ech)
	close(ech)

	var fids []pgid
	for i := pgid(2); i < db.meta().pgid; i++ {
		if _, ok := reachable[i]; !ok {
			fids = append(fids, i)
		}
	}
	return fids
}

// init creates a new database file and initializes its meta pages. The
// on-disk layout is: page 0/1 (the alternating meta pages), page 2
// (the initial, empty freelist page run), page 3 (the initial, empty
// root leaf). Both grow dynamically from there as ordinary allocated
// pages - there is no fixed region reserved for either.
func (db *DB) init() error {
	// Create two meta pages on a buffer.
	buf := make([]byte, db.pageSize*4)
	for i := 0; i < 2; i++ {
		p := db.pageInBuffer(buf, pgid(i))
		p.id = pgid(i)
		p.flags = metaPageFlag

		// Initialize the meta page.
		m := p.meta()
		m.magic = magic
		m.version = version
		m.pageSize = uint32(db.pageSize)
		m.freeDB.root = 2
		m.root = bucket{root: 3}
		m.pgid = 4
		m.txid = txid(i)
		m.checksum = m.sum64()
	}

	// Write an empty freelist at page 2.
	p := db.pageInBuffer(buf, pgid(2))
	p.id = 2
	p.flags = freelistPageFlag
	p.count = 0

	// Write an empty leaf page at page 3 for the root bucket.
	p = db.pageInBuffer(buf, pgid(3))
	p.id = 3
	p.flags = leafPageFlag
	p.count = 0

	// Write the buffer to our data file.
	if _, err := db.ops.writeAt(buf, 0); err != nil {
		return err
	}
	if err := fdatasync(db); err != nil {
		return err
	}
	db.filesz = len(buf)

	return nil
}

// Close releases all database resources. It will block waiting for any
// open transactions to finish before closing the database and
// returning.
func (db *DB) Close() error {
	db.rwlock.Lock()
	defer db.rwlock.Unlock()

	db.metalock.Lock()
	defer db.metalock.Unlock()

	db.mmaplock.RLock()
	defer db.mmaplock.RUnlock()

	return db.close()
}

func (db *DB) close() error {
	if !db.opened {
		return nil
	}

	db.opened = false

	db.freelist = nil

	// Clear ops.
	db.ops.writeAt = nil

	// Close the mmap.
	if err := db.munmap(); err != nil {
		return err
	}

	// Close the reader table / lock file.
	if db.readers != nil {
		_ = db.readers.close()
	}

	// Close file handles.
	if db.file != nil {
		if !db.readOnly {
			_ = funlock(db)
		}
		if err := db.file.Close(); err != nil {
			return fmt.Errorf("db file close: %s", err)
		}
		db.file = nil
	}

	db.log.Info().Str("path", db.path).Msg("environment closed")
	db.path = ""
	return nil
}

// Begin starts a new transaction. Multiple read-only transactions can
// be used concurrently but only one write transaction can be used at a
// time. Starting multiple write transactions will cause the calls to
// block and be serialized until the current write transaction finishes.
//
// Transactions should not be dependent on one another. Opening a read
// transaction and a write transaction in the same goroutine can cause
// the writer to deadlock because the database periodically needs to
// re-mmap itself as it grows and it cannot do that while a read
// transaction is open.
//
// IMPORTANT: You must close read-only transactions after you are
// finished or else the database will not reclaim old pages.
func (db *DB) Begin(writable bool) (*Tx, error) {
	if writable {
		return db.beginRWTx()
	}
	return db.beginTx()
}

func (db *DB) beginTx() (*Tx, error) {
	// Lock the meta pages while we initialize the transaction. We obtain
	// the meta lock before the mmap lock because that's the order that
	// the write transaction will use.
	db.metalock.Lock()

	// Obtain a read-only lock on the mmap. When the mmap is remapped it
	// will obtain a write lock so all transactions must finish before it
	// can be remapped.
	db.mmaplock.RLock()

	// Exit if the database is not open yet.
	if !db.opened {
		db.mmaplock.RUnlock()
		db.metalock.Unlock()
		return nil, ErrDatabaseNotOpen
	}

	// Claim a reader slot before releasing metalock, in a brief
	// critical section.
	slot, err := db.readers.acquire(db.meta().txid)
	if err != nil {
		db.mmaplock.RUnlock()
		db.metalock.Unlock()
		return nil, err
	}

	// Create a transaction associated with the database.
	t := &Tx{readerSlot: slot}
	t.init(db)

	// Keep track of transaction until it closes.
	db.txs = append(db.txs, t)
	n := len(db.txs)

	// Unlock the meta pages.
	db.metalock.Unlock()

	// Update the transaction stats.
	db.statlock.Lock()
	db.stats.TxN++
	db.stats.OpenTxN = n
	db.statlock.Unlock()
	db.metrics.ObserveTxStart()
	db.metrics.ObserveEnv(metrics.EnvStats{
		FreePageN: db.stats.FreePageN, PendingPageN: db.stats.PendingPageN,
		FreelistInuse: db.stats.FreelistInuse, OpenTxN: n, TxN: db.stats.TxN,
	})

	return t, nil
}

func (db *DB) beginRWTx() (*Tx, error) {
	// If the database was opened with Options.ReadOnly, return an error.
	if db.readOnly {
		return nil, ErrDatabaseNotWritable
	}

	// Obtain writer lock. This is released by the transaction when it
	// closes. This enforces only one writer transaction at a time.
	db.rwlock.Lock()

	// Once we have the writer lock then we can lock the meta pages so
	// that we can set up the transaction.
	db.metalock.Lock()
	defer db.metalock.Unlock()

	// Exit if the database is not open yet.
	if !db.opened {
		db.rwlock.Unlock()
		return nil, ErrDatabaseNotOpen
	}

	// Create a transaction associated with the database.
	t := &Tx{writable: true}
	t.init(db)
	db.rwtx = t
	db.freePages()
	return t, nil
}

// freePages releases any pages associated with closed read-only
// transactions, using the oldest remaining reader's txid as the cutoff.
// Open in-process read transactions and lock-file reader slots (which
// may belong to other processes sharing this environment) are both
// consulted.
func (db *DB) freePages() {
	ids := make([]txid, 0, len(db.txs))
	for _, t := range db.txs {
		ids = append(ids, t.meta.txid)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	// Free all pending pages prior to the earliest open transaction.
	minid := txid(0xFFFFFFFFFFFFFFFF)
	if len(ids) > 0 {
		minid = ids[0]
	}
	if oldest := db.readers.oldestTxid(); oldest != 0 && oldest < minid {
		minid = oldest
	}
	if minid > 0 {
		db.freelist.release(minid - 1)
	}

	// Release pages whose whole allocate/free lifetime falls strictly
	// between two still-open transactions - no live snapshot can ever
	// observe them.
	released := minid + 1
	for _, id := range ids {
		if id > released {
			db.freelist.releaseRange(released, id-1)
		}
		released = id + 1
	}
	db.freelist.releaseRange(released, txid(0xFFFFFFFFFFFFFFFF))
}

// removeTx removes a transaction from the database.
func (db *DB) removeTx(tx *Tx) {
	// Release the read lock on the mmap.
	db.mmaplock.RUnlock()

	// Release the reader slot.
	if tx.readerSlot != nil {
		db.readers.release(tx.readerSlot)
	}

	// Use the meta lock to restrict access to the DB object.
	db.metalock.Lock()

	// Remove the transaction.
	for i, t := range db.txs {
		if t == tx {
			last := len(db.txs) - 1
			db.txs[i] = db.txs[last]
			db.txs[last] = nil
			db.txs = db.txs[:last]
			break
		}
	}
	n := len(db.txs)

	// Unlock the meta pages.
	db.metalock.Unlock()

	// Merge statistics.
	db.statlock.Lock()
	db.stats.OpenTxN = n
	db.stats.TxStats.add(&tx.stats)
	db.statlock.Unlock()
}

// ReaderCheck clears any reader slots whose recorded PID no longer
// exists. Only cleaned on an explicit call; this package never clears
// a slot implicitly. Returns the number of slots cleared.
func (db *DB) ReaderCheck() (int, error) {
	return db.readers.cleanupStale()
}

// Update executes a function within the context of a read-write
// managed transaction. If no error is returned from the function then
// the transaction is committed. If an error is returned then the
// entire transaction is rolled back. Any error that is returned from
// the function or returned from the commit is returned from the
// Update() method.
//
// Attempting to manually commit or rollback within the function will
// cause a panic.
func (db *DB) Update(fn func(*Tx) error) error {
	t, err := db.Begin(true)
	if err != nil {
		return err
	}

	// Make sure the transaction rolls back in the event of a panic.
	defer func() {
		if t.db != nil {
			t.rollback()
		}
	}()

	// Mark as a managed tx so that the inner function cannot manually
	// commit.
	t.managed = true

	// If an error is returned from the function then rollback and return
	// error.
	err = fn(t)
	t.managed = false
	if err != nil {
		_ = t.Rollback()
		return err
	}

	return t.Commit()
}

// View executes a function within the context of a managed read-only
// transaction. Any error that is returned from the function is
// returned from the View() method.
func (db *DB) View(fn func(*Tx) error) error {
	t, err := db.Begin(false)
	if err != nil {
		return err
	}

	defer func() {
		if t.db != nil {
			t.nonPhysicalRollback()
		}
	}()

	t.managed = true
	err = fn(t)
	t.managed = false
	if err != nil {
		_ = t.Rollback()
		return err
	}

	return t.Rollback()
}

// Sync executes fdatasync() against the database file handle.
func (db *DB) Sync() error { return fdatasync(db) }

// Stats retrieves ongoing performance stats for the database. This is
// only updated when a transaction closes.
func (db *DB) Stats() Stats {
	db.statlock.RLock()
	defer db.statlock.RUnlock()
	return db.stats
}

// This is for internal access to the raw data bytes from the C cursor,
// testing use only.
func (db *DB) Info() *Info {
	_assert(db.data != nil, "database not mmap'ed")
	return &Info{uintptr(unsafe.Pointer(&db.data[0])), db.pageSize}
}

// page retrieves a page reference from the mmap based on the current
// page size.
func (db *DB) page(id pgid) *page {
	pos := id * pgid(db.pageSize)
	return (*page)(unsafe.Pointer(&db.data[pos]))
}

// pageInBuffer retrieves a page reference from a given byte array based
// on the current page size.
func (db *DB) pageInBuffer(b []byte, id pgid) *page {
	return (*page)(unsafe.Pointer(&b[id*pgid(db.pageSize)]))
}

// meta retrieves the current meta page reference.
func (db *DB) meta() *meta {
	// We have to return the meta with the highest txid which doesn't have
	// a broken checksum, since there is no way to know whether a
	// writer tx was interrupted and failed to write the full commit.
	metaA := db.meta0
	metaB := db.meta1
	if db.meta1.txid > db.meta0.txid {
		metaA = db.meta1
		metaB = db.meta0
	}

	if err := metaA.validate(); err == nil {
		return metaA
	} else if err := metaB.validate(); err == nil {
		return metaB
	}

	panic(ErrPanic)
}

// allocate returns a contiguous block of memory starting at a given
// page.
func (db *DB) allocate(txid txid, count int) (*page, error) {
	// Allocate a temporary buffer for the page.
	var buf []byte
	if count == 1 {
		buf = db.pagePool.Get().([]byte)
	} else {
		buf = make([]byte, count*db.pageSize)
	}
	p := (*page)(unsafe.Pointer(&buf[0]))
	p.overflow = uint32(count - 1)

	// Use pages from the freelist if they are available.
	if p.id = db.freelist.allocate(txid, count); p.id != 0 {
		return p, nil
	}

	// Resize mmap() if we're at the end.
	p.id = db.rwtx.meta.pgid
	var minsz = int((p.id+pgid(count))+1) * db.pageSize
	if minsz >= db.datasz {
		if err := db.mmap(minsz); err != nil {
			return nil, fmt.Errorf("mmap allocate error: %s", err)
		}
	}

	// Move the page id high water mark.
	db.rwtx.meta.pgid += pgid(count)

	return p, nil
}

// mmap opens the underlying memory-mapped file and initializes the
// meta references. minsz is the minimum size that the new mmap can be.
func (db *DB) mmap(minsz int) error {
	db.mmaplock.Lock()
	defer db.mmaplock.Unlock()

	info, err := db.file.Stat()
	if err != nil {
		return fmt.Errorf("mmap stat error: %s", err)
	} else if int(info.Size()) < db.pageSize*2 {
		return fmt.Errorf("file size too small")
	}

	// Ensure the size is at least the minimum size and aligned to a
	// page boundary, growing in increments to amortize future remaps.
	fileSize := int(info.Size())
	var size = fileSize
	if size < minsz {
		size = minsz
	}
	size, err = db.mmapSize(size)
	if err != nil {
		return err
	}

	// Dereference all mmap references before unmapping.
	if db.rwtx != nil {
		db.rwtx.root.dereference()
	}

	// Unmap existing data before continuing.
	if err := db.munmap(); err != nil {
		return err
	}

	// Memory-map the data file as a byte slice.
	if err := mmap(db, size); err != nil {
		return err
	}

	// Save references to the meta pages.
	db.meta0 = db.page(0).meta()
	db.meta1 = db.page(1).meta()

	// Validate the meta pages. We only return an error if both meta
	// pages fail validation, since meta0 failing validation means that
	// it wasn't saved properly -- but we can recover using meta1. And
	// vice-versa.
	err0 := db.meta0.validate()
	err1 := db.meta1.validate()
	if err0 != nil && err1 != nil {
		return err0
	}

	return nil
}

// mmapSize determines the appropriate size for the mmap given the
// current size of the database. The minimum size is 32KB and doubles
// until it reaches 1GB, after which it grows by 1GB increments, to
// amortize remap frequency as the file grows.
func (db *DB) mmapSize(size int) (int, error) {
	for i := uint(15); i <= 30; i++ {
		if size <= 1<<i {
			return 1 << i, nil
		}
	}
	if size > maxAllocSizeDB {
		return 0, fmt.Errorf("mmap too large")
	}

	sz := int64(size)
	if remainder := sz % int64(maxMmapStep); remainder > 0 {
		sz += int64(maxMmapStep) - remainder
	}

	pageSize := int64(db.pageSize)
	if (sz % pageSize) != 0 {
		sz = ((sz / pageSize) + 1) * pageSize
	}

	if sz > maxMapSize {
		sz = maxMapSize
	}

	return int(sz), nil
}

// grow grows the size of the database to the given sz.
func (db *DB) grow(sz int) error {
	// Ignore if the new size is less than available file size.
	if sz <= db.filesz {
		return nil
	}

	// If the data is smaller than the alloc size then only allocate
	// what's needed. Otherwise, allocate in multiples of the alloc size.
	if db.datasz < db.AllocSize {
		sz = db.datasz
	} else {
		sz += db.AllocSize
	}

	// Truncate and fsync to ensure file size metadata is flushed.
	// https://github.com/boltdb/bolt/issues/284
	if !db.NoGrowSync && !db.readOnly {
		if err := db.file.Truncate(int64(sz)); err != nil {
			return fmt.Errorf("file resize error: %s", err)
		}
		if err := db.file.Sync(); err != nil {
			return fmt.Errorf("file sync error: %s", err)
		}
	}

	db.filesz = sz
	return nil
}

// munmap unmaps the data file from memory.
func (db *DB) munmap() error {
	if err := munmap(db); err != nil {
		return fmt.Errorf("unmap error: " + err.Error())
	}
	return nil
}

// IsReadOnly returns true if the database is opened in read-only mode.
func (db *DB) IsReadOnly() bool {
	return db.readOnly
}

// Options represents the options that can be set when opening a
// database.
type Options struct {
	// Timeout is the amount of time to wait to obtain a file lock.
	Timeout time.Duration

	// Sets the DB.NoGrowSync flag before memory mapping the file.
	NoGrowSync bool

	// Sets DB.NoFreelistSync. The setting has no effect; see
	// DB.NoFreelistSync.
	NoFreelistSync bool

	// PreLoadFreelist always loads the free-pages when opening the DB.
	PreLoadFreelist bool

	// ReadOnly opens the database in read-only mode.
	ReadOnly bool

	// MmapFlags sets additional flags for mmap().
	MmapFlags int

	// NoSync sets DB.NoSync directly on Open, skipping commit fsyncs.
	NoSync bool

	// NoMetaSync skips fsyncing the meta page after commit while still
	// syncing dirty data pages.
	NoMetaSync bool

	// WriteMap maps the data file with write permission. Dirty pages
	// are still staged in allocator-owned buffers and written to the
	// file with WriteAt; nothing is written through the mapping.
	// Forbidden together with nested write transactions; see
	// DESIGN.md's Open Question resolution.
	WriteMap bool

	// InitialMmapSize is the initial mmap size of the database in bytes.
	InitialMmapSize int

	// PageSize overrides the default OS page size.
	PageSize int

	// MaxReaders bounds the reader table.
	MaxReaders int

	// MaxDBs bounds the named sub-database table.
	MaxDBs int

	// Logger receives environment lifecycle events (open and close),
	// each tagged with the DB's instance id. A nil Logger disables
	// logging.
	Logger *zerolog.Logger

	// MetricsNamespace is the Prometheus namespace metrics are
	// registered under; see internal/metrics.
	MetricsNamespace string
}

// DefaultOptions represent the options used if nil options are passed
// into Open(). No timeout is used which will cause the database to
// wait indefinitely for a lock.
var DefaultOptions = &Options{
	Timeout:    0,
	NoGrowSync: false,
}

// Stats represents statistics about the database.
type Stats struct {
	// Freelist stats
	FreePageN     int // total number of free pages on the freelist
	PendingPageN  int // total number of pending pages on the freelist
	FreeAlloc     int // total bytes allocated in free pages
	FreelistInuse int // total bytes used by the freelist

	// Transaction stats
	TxN     int // total number of started read transactions
	OpenTxN int // number of currently open read transactions

	TxStats TxStats // global, ongoing stats.
}

// Sub calculates and returns the difference between two sets of
// database stats.
func (s *Stats) Sub(other *Stats) Stats {
	if other == nil {
		return *s
	}
	var diff Stats
	diff.FreePageN = s.FreePageN
	diff.PendingPageN = s.PendingPageN
	diff.FreeAlloc = s.FreeAlloc
	diff.FreelistInuse = s.FreelistInuse
	diff.TxN = s.TxN - other.TxN
	diff.TxStats = s.TxStats.Sub(&other.TxStats)
	return diff
}

// Info is internal representation of the data that is exposed for
// debug use by mdb.
type Info struct {
	Data     uintptr
	PageSize int
}

func defaultPageSize() int {
	return os.Getpagesize()
}

// lockFileHash derives a stable 64-bit FNV-1a hash of path. It performs
// no collision check, and nothing in this package calls it or returns
// errLockNameCollision.
func lockFileHash(path string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(path))
	return h.Sum64()
}

var errLockNameCollision = errors.New("mdb: lock name collision, refusing to share semaphore")
