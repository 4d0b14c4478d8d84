package ledger

import (
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/celer-network/go-sidechain/db"
	"github.com/celer-network/go-sidechain/db/badgerdb"
	"github.com/celer-network/go-sidechain/db/memorydb"
	"github.com/celer-network/go-sidechain/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice  = common.HexToAddress("0xa11ce00000000000000000000000000000000001")
	bob    = common.HexToAddress("0xb0b0000000000000000000000000000000000002")
	carol  = common.HexToAddress("0xca401000000000000000000000000000000000003")
	asset1 = common.HexToHash("0x01")
	asset2 = common.HexToHash("0x02")
)

func u(n uint64) *uint256.Int {
	return uint256.NewInt(n)
}

func newTestLedger(t *testing.T) (*Ledger, *memorydb.DB) {
	store := memorydb.NewDB()
	return newTestLedgerOn(t, store), store
}

func newTestLedgerOn(t *testing.T, store db.DB) *Ledger {
	require.NoError(t, InitCounters(store, 1))
	serializer, err := types.NewSerializer()
	require.NoError(t, err)
	return NewLedger(store, serializer, 1000)
}

// testEngines are the engines that allow interleaved write transactions.
var testEngines = []struct {
	name string
	open func(t *testing.T) db.DB
}{
	{"memorydb", func(t *testing.T) db.DB { return memorydb.NewDB() }},
	{"badgerdb", func(t *testing.T) db.DB {
		store, err := badgerdb.NewDB(t.TempDir())
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		return store
	}},
}

func balanceOf(t *testing.T, l *Ledger, address common.Address, assetID common.Hash) uint64 {
	b, err := l.GetBalance(address, assetID)
	require.NoError(t, err)
	return b.Uint256().Uint64()
}

func TestWithdrawalScenario(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.ApplyLightTx(ctx, types.NewDeposit(alice, asset1, u(10), 0))
	require.NoError(t, err)

	receipt, err := l.ApplyLightTx(ctx, types.NewWithdrawal(alice, asset1, u(5), 1))
	require.NoError(t, err)
	assert.Equal(t, "0000000000000000000000000000000000000000000000000000000000000005", receipt.FromBalance.Hex())
	assert.True(t, receipt.ToBalance.IsZero())
	assert.Equal(t, uint64(5), balanceOf(t, l, alice, asset1))

	_, err = l.ApplyLightTx(ctx, types.NewWithdrawal(alice, asset1, u(10), 2))
	assert.ErrorIs(t, err, types.ErrInsufficientBalance)
	assert.Equal(t, types.ClassRetryWithDifferentInput, types.ClassifyError(err))
	assert.Equal(t, uint64(5), balanceOf(t, l, alice, asset1))
}

func TestGetBalanceAbsent(t *testing.T) {
	l, _ := newTestLedger(t)
	b, err := l.GetBalance(carol, asset2)
	require.NoError(t, err)
	assert.Equal(t, types.ZeroBalance, b)
}

func TestRemittanceIsAtomic(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.ApplyLightTx(ctx, types.NewDeposit(alice, asset1, u(7), 0))
	require.NoError(t, err)

	receipt, err := l.ApplyLightTx(ctx, types.NewRemittance(alice, bob, asset1, u(3), 1))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), receipt.FromBalance.Uint256().Uint64())
	assert.Equal(t, uint64(3), receipt.ToBalance.Uint256().Uint64())

	// fails on the debit side, so bob must not be credited either
	_, err = l.ApplyLightTx(ctx, types.NewRemittance(alice, bob, asset1, u(5), 2))
	assert.ErrorIs(t, err, types.ErrInsufficientBalance)
	assert.Equal(t, uint64(4), balanceOf(t, l, alice, asset1))
	assert.Equal(t, uint64(3), balanceOf(t, l, bob, asset1))
}

func TestDuplicateLightTx(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	deposit := types.NewDeposit(alice, asset1, u(10), 0)
	first, err := l.ApplyLightTx(ctx, deposit)
	require.NoError(t, err)

	_, err = l.ApplyLightTx(ctx, deposit)
	assert.ErrorIs(t, err, types.ErrDuplicateLightTx)
	assert.Equal(t, uint64(10), balanceOf(t, l, alice, asset1))

	// the rejected replay must not burn a GSN
	next, err := l.ApplyLightTx(ctx, types.NewDeposit(alice, asset1, u(1), 1))
	require.NoError(t, err)
	assert.Equal(t, first.GSN+1, next.GSN)
}

func TestInvalidShapeRejected(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.ApplyLightTx(ctx, &types.LightTx{Type: types.LightTxType(7), From: alice, Value: u(1)})
	assert.ErrorIs(t, err, types.ErrInvalidLightTxType)

	_, err = l.ApplyLightTx(ctx, types.NewRemittance(alice, alice, asset1, u(1), 0))
	assert.ErrorIs(t, err, types.ErrInvalidLightTx)
}

func TestNotBootstrapped(t *testing.T) {
	serializer, err := types.NewSerializer()
	require.NoError(t, err)
	l := NewLedger(memorydb.NewDB(), serializer, 0)

	_, err = l.ApplyLightTx(context.Background(), types.NewDeposit(alice, asset1, u(1), 0))
	assert.ErrorIs(t, err, ErrNotBootstrapped)
}

func TestDepositOverflowIsFatal(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	max := new(uint256.Int).SetAllOne()
	_, err := l.ApplyLightTx(ctx, types.NewDeposit(alice, asset1, max, 0))
	require.NoError(t, err)

	assert.Panics(t, func() {
		_, _ = l.ApplyLightTx(ctx, types.NewDeposit(alice, asset1, u(1), 1))
	})
	b, err := l.GetBalance(alice, asset1)
	require.NoError(t, err)
	assert.Equal(t, max, b.Uint256())
}

func TestCancelledContext(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := l.ApplyLightTx(ctx, types.NewDeposit(alice, asset1, u(1), 0))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, uint64(0), balanceOf(t, l, alice, asset1))

	gsn, err := MustReadCounter(l.db, KeyGSN)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), gsn)
}

func TestConcurrentApplyGSN(t *testing.T) {
	for _, engine := range testEngines {
		t.Run(engine.name, func(t *testing.T) {
			l := newTestLedgerOn(t, engine.open(t))
			ctx := context.Background()

			const workers, perWorker = 8, 15
			var (
				wg   sync.WaitGroup
				mu   sync.Mutex
				gsns []uint64
			)
			for w := 0; w < workers; w++ {
				wg.Add(1)
				go func(w int) {
					defer wg.Done()
					for i := 0; i < perWorker; i++ {
						// all workers hit the same account to force conflicts
						receipt, err := l.ApplyLightTx(ctx, types.NewDeposit(alice, asset1, u(1), uint64(w*perWorker+i)))
						if !assert.NoError(t, err) {
							return
						}
						mu.Lock()
						gsns = append(gsns, receipt.GSN)
						mu.Unlock()
					}
				}(w)
			}
			wg.Wait()

			require.Len(t, gsns, workers*perWorker)
			sort.Slice(gsns, func(i, j int) bool { return gsns[i] < gsns[j] })
			for i, gsn := range gsns {
				assert.Equal(t, uint64(i), gsn)
			}
			assert.Equal(t, uint64(workers*perWorker), balanceOf(t, l, alice, asset1))

			// receipt order by GSN matches apply order
			hashes, err := l.Receipts().PendingReceiptHashes(1)
			require.NoError(t, err)
			require.Len(t, hashes, workers*perWorker)
			for i, h := range hashes {
				r, found, err := l.Receipts().GetReceiptByGSN(uint64(i))
				require.NoError(t, err)
				require.True(t, found)
				assert.Equal(t, h, r.ReceiptHash)
			}
		})
	}
}

func TestConservationOfValue(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	people := []common.Address{alice, bob, carol}

	var deposited, withdrawn uint64
	lsn := uint64(0)
	next := func() uint64 { lsn++; return lsn }
	for round := uint64(1); round <= 20; round++ {
		p := people[round%3]
		q := people[(round+1)%3]
		if _, err := l.ApplyLightTx(ctx, types.NewDeposit(p, asset1, u(round*3), next())); err == nil {
			deposited += round * 3
		}
		_, _ = l.ApplyLightTx(ctx, types.NewRemittance(p, q, asset1, u(round*2), next()))
		if _, err := l.ApplyLightTx(ctx, types.NewWithdrawal(q, asset1, u(round), next())); err == nil {
			withdrawn += round
		}
		if _, err := l.ApplyLightTx(ctx, types.NewInstantWithdrawal(p, asset1, u(round*5), next())); err == nil {
			withdrawn += round * 5
		}
	}

	var total uint64
	for _, p := range people {
		total += balanceOf(t, l, p, asset1)
	}
	assert.Equal(t, deposited-withdrawn, total)
}

func TestApplyLightTxs(t *testing.T) {
	l, _ := newTestLedger(t)
	results := l.ApplyLightTxs(context.Background(), []*types.LightTx{
		types.NewDeposit(alice, asset1, u(2), 0),
		types.NewWithdrawal(alice, asset1, u(3), 1),
		types.NewWithdrawal(alice, asset1, u(2), 2),
	})
	require.Len(t, results, 3)
	assert.NoError(t, results[0].Err)
	assert.ErrorIs(t, results[1].Err, types.ErrInsufficientBalance)
	assert.NoError(t, results[2].Err)
	assert.Equal(t, uint64(1), results[2].Receipt.GSN)
}
