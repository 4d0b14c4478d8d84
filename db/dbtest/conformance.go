// Package dbtest holds behaviour checks shared by every db.DB engine.
package dbtest

import (
	"encoding/binary"
	"errors"
	"sync"
	"testing"

	"github.com/celer-network/go-sidechain/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	nsA = []byte("a")
	nsB = []byte("ab")
)

// Options toggles checks that do not apply to every engine.
type Options struct {
	// Interleaved engines allow two open write transactions at once.
	Interleaved bool
}

// Run exercises the db.DB contract against databases returned by open.
func Run(t *testing.T, open func(t *testing.T) db.DB, opts Options) {
	t.Run("SetGetDelete", func(t *testing.T) { testSetGetDelete(t, open(t)) })
	t.Run("TxReadYourWrites", func(t *testing.T) { testTxReadYourWrites(t, open(t)) })
	t.Run("TxDiscard", func(t *testing.T) { testTxDiscard(t, open(t)) })
	t.Run("IteratorPrefix", func(t *testing.T) { testIteratorPrefix(t, open(t)) })
	t.Run("TxIteratorOverlay", func(t *testing.T) { testTxIteratorOverlay(t, open(t)) })
	t.Run("ConcurrentIncrement", func(t *testing.T) { testConcurrentIncrement(t, open(t)) })
	if opts.Interleaved {
		t.Run("FirstCommitterWins", func(t *testing.T) { testFirstCommitterWins(t, open(t)) })
	}
}

func testSetGetDelete(t *testing.T, store db.DB) {
	defer store.Close()

	_, found, err := store.Get(nsA, []byte("k"))
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.Set(nsA, []byte("k"), []byte("v")))
	v, found, err := store.Get(nsA, []byte("k"))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("v"), v)

	// same key in another namespace is a different key
	found, err = store.Exist(nsB, []byte("k"))
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.Delete(nsA, []byte("k")))
	found, err = store.Exist(nsA, []byte("k"))
	require.NoError(t, err)
	assert.False(t, found)
}

func testTxReadYourWrites(t *testing.T, store db.DB) {
	defer store.Close()

	require.NoError(t, store.Set(nsA, []byte("gone"), []byte("x")))

	tx, err := store.NewTx()
	require.NoError(t, err)
	defer tx.Discard()

	require.NoError(t, tx.Set(nsA, []byte("k"), []byte("v1")))
	require.NoError(t, tx.Delete(nsA, []byte("gone")))

	v, found, err := tx.Get(nsA, []byte("k"))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("v1"), v)

	found, err = tx.Exist(nsA, []byte("gone"))
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, tx.Commit())

	v, found, err = store.Get(nsA, []byte("k"))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("v1"), v)
	found, err = store.Exist(nsA, []byte("gone"))
	require.NoError(t, err)
	assert.False(t, found)
}

func testTxDiscard(t *testing.T, store db.DB) {
	defer store.Close()

	tx, err := store.NewTx()
	require.NoError(t, err)
	require.NoError(t, tx.Set(nsA, []byte("k"), []byte("v")))
	tx.Discard()

	found, err := store.Exist(nsA, []byte("k"))
	require.NoError(t, err)
	assert.False(t, found)
}

func testIteratorPrefix(t *testing.T, store db.DB) {
	defer store.Close()

	for _, k := range []string{"p3", "p1", "q1", "p2"} {
		require.NoError(t, store.Set(nsA, []byte(k), []byte("v"+k)))
	}
	// shares the "a" byte with nsA but must not leak into it
	require.NoError(t, store.Set(nsB, []byte("p0"), []byte("other")))
	require.NoError(t, store.Set(nil, []byte{0xff, 0xff}, []byte("tail")))

	iter, err := store.Iterator(nsA, []byte("p"))
	require.NoError(t, err)
	keys, values, err := db.CollectIterator(iter)
	require.NoError(t, err)

	assert.Equal(t, [][]byte{[]byte("p1"), []byte("p2"), []byte("p3")}, keys)
	assert.Equal(t, [][]byte{[]byte("vp1"), []byte("vp2"), []byte("vp3")}, values)

	iter, err = store.Iterator(nil, []byte{0xff})
	require.NoError(t, err)
	keys, _, err = db.CollectIterator(iter)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{{0xff, 0xff}}, keys)
}

func testTxIteratorOverlay(t *testing.T, store db.DB) {
	defer store.Close()

	require.NoError(t, store.Set(nsA, []byte("p1"), []byte("old")))
	require.NoError(t, store.Set(nsA, []byte("p2"), []byte("drop")))

	tx, err := store.NewTx()
	require.NoError(t, err)
	defer tx.Discard()

	require.NoError(t, tx.Set(nsA, []byte("p1"), []byte("new")))
	require.NoError(t, tx.Delete(nsA, []byte("p2")))
	require.NoError(t, tx.Set(nsA, []byte("p0"), []byte("add")))

	iter, err := tx.Iterator(nsA, []byte("p"))
	require.NoError(t, err)
	keys, values, err := db.CollectIterator(iter)
	require.NoError(t, err)

	assert.Equal(t, [][]byte{[]byte("p0"), []byte("p1")}, keys)
	assert.Equal(t, [][]byte{[]byte("add"), []byte("new")}, values)
}

func increment(store db.DB) error {
	for {
		err := func() error {
			tx, err := store.NewTx()
			if err != nil {
				return err
			}
			defer tx.Discard()

			var n uint64
			v, found, err := tx.Get(nsA, []byte("counter"))
			if err != nil {
				return err
			}
			if found {
				n = binary.BigEndian.Uint64(v)
			}
			buf := make([]byte, 8)
			binary.BigEndian.PutUint64(buf, n+1)
			if err := tx.Set(nsA, []byte("counter"), buf); err != nil {
				return err
			}
			return tx.Commit()
		}()
		if errors.Is(err, db.ErrConflict) {
			continue
		}
		return err
	}
}

func testConcurrentIncrement(t *testing.T, store db.DB) {
	defer store.Close()

	const workers, rounds = 8, 10
	var wg sync.WaitGroup
	errs := make(chan error, workers*rounds)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				errs <- increment(store)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	v, found, err := store.Get(nsA, []byte("counter"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint64(workers*rounds), binary.BigEndian.Uint64(v))
}

func testFirstCommitterWins(t *testing.T, store db.DB) {
	defer store.Close()

	require.NoError(t, store.Set(nsA, []byte("balance"), []byte{10}))

	tx1, err := store.NewTx()
	require.NoError(t, err)
	defer tx1.Discard()
	tx2, err := store.NewTx()
	require.NoError(t, err)
	defer tx2.Discard()

	_, _, err = tx1.Get(nsA, []byte("balance"))
	require.NoError(t, err)
	_, _, err = tx2.Get(nsA, []byte("balance"))
	require.NoError(t, err)

	require.NoError(t, tx1.Set(nsA, []byte("balance"), []byte{5}))
	require.NoError(t, tx2.Set(nsA, []byte("balance"), []byte{0}))

	require.NoError(t, tx1.Commit())
	assert.ErrorIs(t, tx2.Commit(), db.ErrConflict)

	v, _, err := store.Get(nsA, []byte("balance"))
	require.NoError(t, err)
	assert.Equal(t, []byte{5}, v)
}
