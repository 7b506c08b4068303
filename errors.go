package mdb

import "errors"

// These errors can be returned when opening or calling methods on a DB.
var (
	// ErrDatabaseNotOpen is returned when a DB instance is accessed before it
	// is opened or after it is closed.
	ErrDatabaseNotOpen = errors.New("database not open")

	// ErrDatabaseOpen denotes opening a database that is already open.
	// Open does not detect that case, and no function in this package
	// returns it.
	ErrDatabaseOpen = errors.New("database already open")

	// ErrInvalid is returned when a data file does not look like an mdb
	// database.
	ErrInvalid = errors.New("invalid database")

	// ErrVersionMismatch is returned when the data file was created with a
	// different version of the on-disk format.
	ErrVersionMismatch = errors.New("version mismatch")

	// ErrChecksum is returned when either meta page checksum does not match.
	ErrChecksum = errors.New("checksum error")

	// ErrTimeout is returned when a database cannot obtain an exclusive lock
	// on the data file after the timeout passed to Open().
	ErrTimeout = errors.New("timeout")

	// ErrCorrupted denotes a file layout that does not match what the
	// meta pages record. Tx.Check reports such problems as formatted
	// errors instead, and no function in this package returns it.
	ErrCorrupted = errors.New("database corrupted")

	// ErrPanic is the value DB.meta panics with when neither meta page
	// validates. A failed meta write does not mark the DB: later
	// operations are not short-circuited and nothing returns this error.
	ErrPanic = errors.New("environment panicked: meta write failed")
)

// These errors can occur when beginning or committing a Tx.
var (
	// ErrTxNotWritable is returned when performing a write operation on a
	// read-only transaction.
	ErrTxNotWritable = errors.New("tx not writable")

	// ErrTxClosed is returned when committing or rolling back a
	// transaction that has already been committed or rolled back.
	ErrTxClosed = errors.New("tx closed")

	// ErrTxError denotes a transaction left in an error state by a failed
	// mutation. No function in this package returns it: a failed write
	// operation does not mark its transaction, and later operations on
	// that transaction run as usual.
	ErrTxError = errors.New("tx is in an error state, must rollback")

	// ErrDatabaseNotWritable is returned when a mutating call is made
	// against a DB opened with Options.ReadOnly.
	ErrDatabaseNotWritable = errors.New("database is in read-only mode")

	// ErrMapFull denotes a mapped region that cannot grow further. No
	// function in this package returns it: the mapping grows on demand,
	// and a map that cannot grow fails with a formatted mmap error.
	ErrMapFull = errors.New("mmap full")

	// ErrMapResized denotes a reader whose mapping is stale because
	// another process grew the data file's map size. No function in this
	// package returns it.
	ErrMapResized = errors.New("environment map size resized by another process")

	// ErrReadersFull is returned when MaxReaders concurrent read
	// transactions are already outstanding.
	ErrReadersFull = errors.New("reader table is full")

	// ErrBadRSlot denotes a reader whose slot was invalidated while still
	// referenced. No function in this package returns it.
	ErrBadRSlot = errors.New("invalid reader slot")

	// ErrTxFull denotes a write transaction that has exceeded a limit on
	// the dirty/freed pages it may track. No such limit exists, and no
	// function in this package returns it.
	ErrTxFull = errors.New("tx has too many dirty pages")
)

// These errors can occur when putting or deleting a value or a bucket.
var (
	// ErrBucketNotFound is returned when trying to access a bucket that has
	// not been created yet.
	ErrBucketNotFound = errors.New("bucket not found")

	// ErrBucketExists is returned when creating a bucket that already
	// exists.
	ErrBucketExists = errors.New("bucket already exists")

	// ErrBucketNameRequired is returned when creating a bucket with a
	// blank name.
	ErrBucketNameRequired = errors.New("bucket name required")

	// ErrKeyRequired is returned when inserting a zero-length key.
	ErrKeyRequired = errors.New("key required")

	// ErrKeyTooLarge is returned when inserting a key, or creating a
	// bucket whose name, is longer than maxKeySize (511 bytes).
	ErrKeyTooLarge = errors.New("key too large")

	// ErrValueTooLarge is returned when inserting a value that is larger
	// than maxValueSize (2^32-1 bytes).
	ErrValueTooLarge = errors.New("value too large")

	// ErrIncompatibleValue is returned when trying to create or delete a
	// bucket on an existing non-bucket key, or when operating on a bucket
	// with flags that don't match the DUPSORT/comparator flags it was
	// created with.
	ErrIncompatibleValue = errors.New("incompatible value")

	// ErrSequenceOverflow is returned when NextSequence() would overflow
	// the 64-bit sequence counter.
	ErrSequenceOverflow = errors.New("sequence overflow")

	// ErrKeyExists mirrors MDB_KEYEXIST: returned by Put with NoOverwrite
	// (or NoDupData in a DUPSORT bucket) when the key (or key/value pair)
	// is already present.
	ErrKeyExists = errors.New("key already exists")

	// ErrNotFound mirrors MDB_NOTFOUND.
	ErrNotFound = errors.New("key not found")

	// ErrDBsFull is returned when the environment's named sub-database
	// table (bounded at Env creation) has no free slot left.
	ErrDBsFull = errors.New("maximum number of named databases reached")

	// ErrFreePagesNotLoaded is returned by Tx.Page when the DB's freelist
	// has not been loaded: a DB opened with Options.ReadOnly and without
	// Options.PreLoadFreelist.
	ErrFreePagesNotLoaded = errors.New("free pages are not pre-loaded")
)
