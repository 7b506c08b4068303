package mdb

import (
	"bytes"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func mustOpen(t *testing.T, opts *Options) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "db")
	db, err := Open(path, 0666, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// basic put/get: put three keys, commit, then confirm both Get
// and cursor iteration see them in comparator order.
func TestScenarioBasicPutGet(t *testing.T) {
	db := mustOpen(t, nil)

	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		if err != nil {
			return err
		}
		for _, kv := range [][2]string{{"alpha", "1"}, {"beta", "2"}, {"gamma", "3"}} {
			if err := b.Put([]byte(kv[0]), []byte(kv[1]), 0); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, db.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("widgets"))
		require.Equal(t, []byte("2"), b.Get([]byte("beta")))

		c := b.Cursor()
		var got [][2]string
		for k, v := c.First(); k != nil; k, v = c.Next() {
			got = append(got, [2]string{string(k), string(v)})
		}
		require.Equal(t, [][2]string{{"alpha", "1"}, {"beta", "2"}, {"gamma", "3"}}, got)
		return nil
	}))
}

// MVCC isolation: a reader begun before a commit keeps seeing the
// pre-commit value until it ends; a reader begun after sees the new one.
func TestScenarioMVCCIsolation(t *testing.T) {
	db := mustOpen(t, nil)
	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		if err != nil {
			return err
		}
		return b.Put([]byte("beta"), []byte("2"), 0)
	}))

	r1, err := db.Begin(false)
	require.NoError(t, err)

	require.NoError(t, db.Update(func(tx *Tx) error {
		return tx.Bucket([]byte("widgets")).Put([]byte("beta"), []byte("22"), 0)
	}))

	require.Equal(t, []byte("2"), r1.Bucket([]byte("widgets")).Get([]byte("beta")))
	require.NoError(t, r1.Rollback())

	require.NoError(t, db.View(func(tx *Tx) error {
		require.Equal(t, []byte("22"), tx.Bucket([]byte("widgets")).Get([]byte("beta")))
		return nil
	}))
}

// overflow value: a value much larger than one page round-trips
// through a close/reopen cycle and reports at least one overflow page.
func TestScenarioOverflowValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")
	big := bytes.Repeat([]byte{0}, 20000)

	db, err := Open(path, 0666, &Options{PageSize: 4096})
	require.NoError(t, err)

	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("blobs"))
		if err != nil {
			return err
		}
		return b.Put([]byte("k"), big, 0)
	}))
	require.NoError(t, db.Close())

	db2, err := Open(path, 0666, &Options{PageSize: 4096})
	require.NoError(t, err)
	defer db2.Close()

	require.NoError(t, db2.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("blobs"))
		require.Equal(t, big, b.Get([]byte("k")))
		stats := b.Stats()
		require.GreaterOrEqual(t, stats.OverflowPageN, 1)
		return nil
	}))
}

// DUPSORT: duplicate values for one key are stored and iterated
// in sorted order, and NoDupData rejects an exact repeat.
func TestScenarioDupSort(t *testing.T) {
	db := mustOpen(t, nil)

	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucketWithFlags([]byte("tags"), DupSort)
		if err != nil {
			return err
		}
		for _, v := range []string{"a", "c", "b"} {
			if err := b.Put([]byte("k"), []byte(v), 0); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, db.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("tags"))
		dup := b.Bucket([]byte("k"))
		require.NotNil(t, dup)

		var vals []string
		c := dup.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			vals = append(vals, string(k))
		}
		require.Equal(t, []string{"a", "b", "c"}, vals)
		return nil
	}))

	err := db.Update(func(tx *Tx) error {
		b := tx.Bucket([]byte("tags"))
		return b.Put([]byte("k"), []byte("b"), PutNoDupData)
	})
	require.ErrorIs(t, err, ErrKeyExists)
}

// split and merge: inserting enough keys with a small page size
// forces multi-level splits; deleting half triggers rebalance/merge,
// and iteration order stays correct throughout.
func TestScenarioSplitAndMerge(t *testing.T) {
	db := mustOpen(t, &Options{PageSize: 512})

	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("data"))
		if err != nil {
			return err
		}
		for i := 0; i < 1000; i++ {
			k := []byte(fmt.Sprintf("key-%032d", i))
			v := bytes.Repeat([]byte{'x'}, 40)
			if err := b.Put(k, v, 0); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, db.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("data"))
		stats := b.Stats()
		require.Equal(t, 1000, stats.KeyN)
		require.GreaterOrEqual(t, stats.Depth, 2)

		c := b.Cursor()
		prev := []byte{}
		n := 0
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			require.True(t, bytes.Compare(prev, k) < 0 || n == 0)
			prev = append([]byte{}, k...)
			n++
		}
		require.Equal(t, 1000, n)
		return nil
	}))

	require.NoError(t, db.Update(func(tx *Tx) error {
		b := tx.Bucket([]byte("data"))
		for i := 0; i < 1000; i += 2 {
			k := []byte(fmt.Sprintf("key-%032d", i))
			if err := b.Delete(k, nil); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, db.View(func(tx *Tx) error {
		stats := tx.Bucket([]byte("data")).Stats()
		require.Equal(t, 500, stats.KeyN)
		return nil
	}))
}

// readers full: a reader table bounded at N readers rejects the
// N+1th concurrent read transaction with ErrReadersFull, and recovers
// once a slot is freed.
func TestScenarioReadersFull(t *testing.T) {
	db := mustOpen(t, &Options{MaxReaders: 4})

	var txs []*Tx
	for i := 0; i < 4; i++ {
		tx, err := db.Begin(false)
		require.NoError(t, err)
		txs = append(txs, tx)
	}

	_, err := db.Begin(false)
	require.ErrorIs(t, err, ErrReadersFull)

	require.NoError(t, txs[0].Rollback())
	txs = txs[1:]

	tx, err := db.Begin(false)
	require.NoError(t, err)
	txs = append(txs, tx)

	for _, tx := range txs {
		require.NoError(t, tx.Rollback())
	}
}

// Durability: commit, close, and reopen yields the same image.
func TestInvariantDurableAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")
	db, err := Open(path, 0666, nil)
	require.NoError(t, err)

	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("durable"))
		if err != nil {
			return err
		}
		return b.Put([]byte("x"), []byte("y"), 0)
	}))
	require.NoError(t, db.Close())

	db2, err := Open(path, 0666, nil)
	require.NoError(t, err)
	defer db2.Close()

	require.NoError(t, db2.View(func(tx *Tx) error {
		require.Equal(t, []byte("y"), tx.Bucket([]byte("durable")).Get([]byte("x")))
		return nil
	}))
}

// append fast path: keys inserted in increasing order with PutAppend
// land in the same position a plain Put would, and a misordered
// PutAppend still inserts correctly by falling back to a normal search.
func TestScenarioPutAppend(t *testing.T) {
	db := mustOpen(t, nil)

	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("series"))
		if err != nil {
			return err
		}
		for i := 0; i < 5; i++ {
			key := []byte(fmt.Sprintf("%03d", i))
			if err := b.Put(key, []byte("v"), PutAppend); err != nil {
				return err
			}
		}
		// Out-of-order key under PutAppend must still land correctly.
		return b.Put([]byte("002b"), []byte("w"), PutAppend)
	}))

	require.NoError(t, db.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("series"))
		c := b.Cursor()
		var got []string
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			got = append(got, string(k))
		}
		require.Equal(t, []string{"000", "001", "002", "002b", "003", "004"}, got)
		require.Equal(t, []byte("w"), b.Get([]byte("002b")))
		return nil
	}))
}

// append fast path for DUPSORT: PutAppendDup inserts duplicate values
// in increasing order without a per-value search.
func TestScenarioPutAppendDup(t *testing.T) {
	db := mustOpen(t, nil)

	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucketWithFlags([]byte("events"), DupSort)
		if err != nil {
			return err
		}
		for _, v := range []string{"a", "b", "c"} {
			if err := b.Put([]byte("day1"), []byte(v), PutAppendDup); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, db.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("events"))
		dup := b.Bucket([]byte("day1"))
		require.NotNil(t, dup)

		var got []string
		require.NoError(t, dup.ForEach(func(k, _ []byte) error {
			got = append(got, string(k))
			return nil
		}))
		require.Equal(t, []string{"a", "b", "c"}, got)
		return nil
	}))
}
