package mdb

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// DefaultMaxBatchSize is the default value of DB.MaxBatchSize.
const DefaultMaxBatchSize = 1000

// DefaultMaxBatchDelay is the default value of DB.MaxBatchDelay.
const DefaultMaxBatchDelay = 10 * time.Millisecond

// Batch calls fn as part of a batch. It behaves similar to Update,
// except:
//
//  1. concurrent Batch calls can be combined into a single Bolt
//     transaction.
//
//  2. the function passed to Batch may be called multiple times,
//     regardless of whether it returns error or not.
//
// This means that Batch function side effects must be idempotent and
// take permanent effect only after a successful return is seen in
// caller.
//
// The maximum batch size and delay can be adjusted with DB.MaxBatchSize
// and DB.MaxBatchDelay, respectively.
//
// Batch is only useful when there are multiple goroutines calling it.
func (db *DB) Batch(fn func(*Tx) error) error {
	errCh := make(chan error, 1)

	db.batchMu.Lock()
	if (db.batch == nil) || (db.batch != nil && len(db.batch.calls) >= db.MaxBatchSize) {
		// There is no existing batch, or the existing batch is full; start a new one.
		db.batch = &batch{
			db: db,
		}
		db.batch.timer = time.AfterFunc(db.MaxBatchDelay, db.batch.trigger)
	}
	db.batch.calls = append(db.batch.calls, call{fn: fn, err: errCh})
	if len(db.batch.calls) >= db.MaxBatchSize {
		// wake up batch, it's ready to run
		go db.batch.trigger()
	}
	db.batchMu.Unlock()

	err := <-errCh
	if err == errTriedTooManyTimesForBatch {
		return db.Update(fn)
	}
	return err
}

type call struct {
	fn  func(*Tx) error
	err chan<- error
}

type batch struct {
	db    *DB
	timer *time.Timer
	start sync.Once
	calls []call
}

// trigger runs the batch if it hasn't already been run.
func (b *batch) trigger() {
	b.start.Do(b.run)
}

// run performs the transactions in the batch and communicates results
// back to DB.Batch. When a call fails, it is removed from the batch and
// sent errTriedTooManyTimesForBatch so that DB.Batch reruns it on its
// own, and the remaining calls are retried together in a new
// transaction; a single call's error is thus reported to that call alone.
func (b *batch) run() {
	b.db.batchMu.Lock()
	b.timer.Stop()
	// Make sure no new work is added to this batch, but don't break
	// other batches.
	if b.db.batch == b {
		b.db.batch = nil
	}
	b.db.batchMu.Unlock()

retry:
	for len(b.calls) > 0 {
		var failIdx = -1
		err := b.db.Update(func(tx *Tx) error {
			for i, c := range b.calls {
				if err := safelyCall(c.fn, tx); err != nil {
					failIdx = i
					return err
				}
			}
			return nil
		})

		if failIdx >= 0 {
			// take the failing transaction out of the batch. it's
			// safe to shorten b.calls here because db.batch no longer
			// points to us, so no other goroutine appends to it.
			c := b.calls[failIdx]
			b.calls[failIdx], b.calls = b.calls[len(b.calls)-1], b.calls[:len(b.calls)-1]
			// tell the submitter re-run it solo, continue with the rest of the batch
			c.err <- errTriedTooManyTimesForBatch
			continue retry
		}

		// pass success, or bolt internal errors, to all callers
		for _, c := range b.calls {
			c.err <- err
		}
		break retry
	}
}

// errTriedTooManyTimesForBatch signals DB.Batch to fall back to a
// solo Update call for the offending function.
var errTriedTooManyTimesForBatch = errors.New("mdb: batch call retried solo")

// safelyCall calls fn safely, recovering from any panic it raises and
// turning it into an error so one bad call can't wedge the whole batch.
func safelyCall(fn func(*Tx) error, tx *Tx) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("mdb: batch call panicked: %v", p)
		}
	}()
	return fn(tx)
}
