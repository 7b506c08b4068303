package mdb

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestMethodPage exercises Tx.Page across both a writable and a
// read-only handle on the same file, confirming page introspection
// works identically regardless of which mode opened the environment.
func TestMethodPage(t *testing.T) {
	testCases := []struct {
		name            string
		readonly        bool
		preLoadFreePage bool
		expectedError   error
	}{
		{
			name:          "write mode",
			readonly:      false,
			expectedError: nil,
		},
		{
			name:            "readonly mode with preloading free pages",
			readonly:        true,
			preLoadFreePage: true,
			expectedError:   nil,
		},
	}

	fileName, err := prepareData(t)
	require.NoError(t, err)

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			db, err := Open(fileName, 0666, &Options{
				ReadOnly:        tc.readonly,
				PreLoadFreelist: tc.preLoadFreePage,
			})
			require.NoError(t, err)
			defer db.Close()

			tx, err := db.Begin(!tc.readonly)
			require.NoError(t, err)

			_, err = tx.Page(0)
			require.Equal(t, tc.expectedError, err)

			if tc.readonly {
				require.NoError(t, tx.Rollback())
			} else {
				require.NoError(t, tx.Commit())
			}

			require.NoError(t, db.Close())
		})
	}
}

func prepareData(t *testing.T) (string, error) {
	fileName := filepath.Join(t.TempDir(), "db")
	db, err := Open(fileName, 0666, nil)
	if err != nil {
		return "", err
	}
	if err := db.Close(); err != nil {
		return "", err
	}

	return fileName, nil
}

// TestMethodPage_OutOfRange asserts a page id beyond the current high
// water mark is reported as "not yet allocated" rather than panicking.
func TestMethodPage_OutOfRange(t *testing.T) {
	fileName, err := prepareData(t)
	require.NoError(t, err)

	db, err := Open(fileName, 0666, nil)
	require.NoError(t, err)
	defer db.Close()

	tx, err := db.Begin(false)
	require.NoError(t, err)
	defer tx.Rollback()

	info, err := tx.Page(1 << 20)
	require.NoError(t, err)
	require.Nil(t, info)
}

// TestDupSortLeafEncoding reaches past the public API to confirm a
// DUPSORT key's duplicate set is stored as a nested bucket descriptor -
// a leaf entry carrying bucketLeafFlag - rather than LMDB's literal
// packed leaf2 sub-page, and that the explicit uint32 flags field on
// leafPageElement round-trips across a commit and reopen.
func TestDupSortLeafEncoding(t *testing.T) {
	fileName, err := prepareData(t)
	require.NoError(t, err)

	db, err := Open(fileName, 0666, nil)
	require.NoError(t, err)
	defer db.Close()

	tx, err := db.Begin(true)
	require.NoError(t, err)

	b, err := tx.root.CreateBucketWithFlags([]byte("dups"), DupSort)
	require.NoError(t, err)
	require.NoError(t, b.Put([]byte("k"), []byte("v1"), 0))
	require.NoError(t, b.Put([]byte("k"), []byte("v2"), 0))
	require.NoError(t, b.Put([]byte("k"), []byte("v3"), 0))
	require.NoError(t, tx.Commit())

	tx, err = db.Begin(false)
	require.NoError(t, err)
	defer tx.Rollback()

	b = tx.Bucket([]byte("dups"))
	require.NotNil(t, b)
	require.True(t, b.DupSort())

	_, _, flags := b.Cursor().seek([]byte("k"))
	require.NotZero(t, flags&bucketLeafFlag, "duplicate set must be stored as a nested bucket descriptor")

	dup := b.Bucket([]byte("k"))
	require.NotNil(t, dup)

	var values []string
	require.NoError(t, dup.ForEach(func(k, _ []byte) error {
		values = append(values, string(k))
		return nil
	}))
	require.Equal(t, []string{"v1", "v2", "v3"}, values)

	if dup.root != 0 {
		p := tx.db.page(dup.root)
		for i := uint16(0); i < p.count; i++ {
			elem := p.leafPageElement(i)
			require.Zero(t, elem.flags&bucketLeafFlag, "duplicate values themselves are plain leaf entries, not nested buckets")
		}
	}
}
