package stage

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/celer-network/go-sidechain/db"
	"github.com/celer-network/go-sidechain/db/badgerdb"
	"github.com/celer-network/go-sidechain/db/memorydb"
	"github.com/celer-network/go-sidechain/imt"
	"github.com/celer-network/go-sidechain/ledger"
	"github.com/celer-network/go-sidechain/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/sha3"
)

var (
	alice  = common.HexToAddress("0xa11ce00000000000000000000000000000000001")
	bob    = common.HexToAddress("0xb0b0000000000000000000000000000000000002")
	asset1 = common.HexToHash("0x01")
	asset2 = common.HexToHash("0x02")
)

type fakeSource struct {
	mu        sync.Mutex
	anchored  uint64
	err       error
	submitted []common.Hash
}

func (f *fakeSource) CurrentAnchoredStageHeight(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.anchored, f.err
}

func (f *fakeSource) SubmitStageAnchor(ctx context.Context, stageHash, receiptRoot, accountRoot common.Hash) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return common.Hash{}, f.err
	}
	f.submitted = append(f.submitted, stageHash)
	return crypto.Keccak256Hash(stageHash.Bytes(), receiptRoot.Bytes(), accountRoot.Bytes()), nil
}

// testEngines are the engines that allow interleaved write transactions.
// sqldb queues writers on one connection and cannot interleave at all.
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

type fixture struct {
	store    db.DB
	ledger   *ledger.Ledger
	protocol *Protocol
	source   *fakeSource
}

func newFixture(t *testing.T, config Config) *fixture {
	return newFixtureOn(t, memorydb.NewDB(), config)
}

func newFixtureOn(t *testing.T, store db.DB, config Config) *fixture {
	source := &fakeSource{}
	require.NoError(t, Bootstrap(context.Background(), store, source, "0xanchor"))

	serializer, err := types.NewSerializer()
	require.NoError(t, err)
	l := ledger.NewLedger(store, serializer, 100)
	p, err := NewProtocol(store, l.Receipts(), source, config)
	require.NoError(t, err)
	return &fixture{store: store, ledger: l, protocol: p, source: source}
}

func (f *fixture) apply(t *testing.T, lightTx *types.LightTx) *types.Receipt {
	r, err := f.ledger.ApplyLightTx(context.Background(), lightTx)
	require.NoError(t, err)
	return r
}

func TestCommitStageScenario(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	var receipts []common.Hash
	for i := uint64(0); i < 3; i++ {
		r := f.apply(t, types.NewDeposit(alice, asset1, uint256.NewInt(i+1), i))
		assert.Equal(t, uint64(1), r.StageHeight)
		receipts = append(receipts, r.ReceiptHash)
	}

	result, err := f.protocol.CommitStage(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, types.StageHash(1), result.StageHash)

	tree, err := imt.Build(sha3.NewLegacyKeccak256(), receipts)
	require.NoError(t, err)
	root, err := tree.RootHash()
	require.NoError(t, err)
	assert.Equal(t, root, result.ReceiptRoot)
	// alice holds a single asset, so no account contributes a hash
	assert.Equal(t, imt.EmptyHash, result.AccountRoot)

	expected, err := f.protocol.ExpectedStageHeight()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), expected)

	status, err := f.protocol.StageStatus(1)
	require.NoError(t, err)
	assert.Equal(t, StatusTreesBuilt, status)

	_, err = f.protocol.CommitStage(ctx, 1)
	assert.ErrorIs(t, err, types.ErrStageAlreadyExists)

	// the failed call left everything as it was
	expected, err = f.protocol.ExpectedStageHeight()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), expected)
	pending, err := ledger.PendingReceiptHashes(f.store, 1)
	require.NoError(t, err)
	assert.Equal(t, receipts, pending)
	balance, err := f.ledger.GetBalance(alice, asset1)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), balance.Uint256().Uint64())
	s, _, err := f.protocol.GetStage(1)
	require.NoError(t, err)
	assert.Equal(t, receipts, s.ReceiptHashes)
	assert.Equal(t, StatusTreesBuilt, s.Status)

	r := f.apply(t, types.NewDeposit(bob, asset1, uint256.NewInt(9), 0))
	assert.Equal(t, uint64(2), r.StageHeight)
}

func TestCommitStageUnexpectedHeight(t *testing.T) {
	f := newFixture(t, Config{})
	f.apply(t, types.NewDeposit(alice, asset1, uint256.NewInt(1), 0))

	_, err := f.protocol.CommitStage(context.Background(), 5)
	assert.ErrorIs(t, err, types.ErrUnexpectedStageHeight)
	assert.Equal(t, types.ClassRetryWithDifferentInput, types.ClassifyError(err))

	status, err := f.protocol.StageStatus(5)
	require.NoError(t, err)
	assert.Equal(t, StatusCollecting, status)
}

func TestCommitStageNoPendingWork(t *testing.T) {
	f := newFixture(t, Config{})

	_, err := f.protocol.CommitStage(context.Background(), 1)
	assert.ErrorIs(t, err, types.ErrNoPendingWork)
	assert.Equal(t, types.ClassSkip, types.ClassifyError(err))

	// the failed attempt must not move the height
	expected, err := f.protocol.ExpectedStageHeight()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), expected)
}

func TestCommitStageCancelled(t *testing.T) {
	f := newFixture(t, Config{})
	f.apply(t, types.NewDeposit(alice, asset1, uint256.NewInt(1), 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.protocol.CommitStage(ctx, 1)
	assert.ErrorIs(t, err, context.Canceled)

	_, found, err := f.protocol.GetStage(1)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestAccountTreeHonoursSingleAssetSetting(t *testing.T) {
	for _, include := range []bool{false, true} {
		f := newFixture(t, Config{IncludeSingleAssetAccounts: include})
		f.apply(t, types.NewDeposit(alice, asset1, uint256.NewInt(1), 0))
		f.apply(t, types.NewDeposit(alice, asset2, uint256.NewInt(2), 1))
		f.apply(t, types.NewDeposit(bob, asset1, uint256.NewInt(3), 0))

		_, err := f.protocol.CommitStage(context.Background(), 1)
		require.NoError(t, err)
		s, found, err := f.protocol.GetStage(1)
		require.NoError(t, err)
		require.True(t, found)

		if include {
			assert.Len(t, s.AccountHashes, 2)
		} else {
			assert.Len(t, s.AccountHashes, 1)
		}
	}
}

func TestConfirmAnchorMatch(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	r := f.apply(t, types.NewDeposit(alice, asset1, uint256.NewInt(1), 0))

	result, err := f.protocol.CommitStage(ctx, 1)
	require.NoError(t, err)

	require.NoError(t, f.protocol.ConfirmAnchor(ctx, 1, result.ReceiptRoot, result.AccountRoot))
	// idempotent
	require.NoError(t, f.protocol.ConfirmAnchor(ctx, 1, result.ReceiptRoot, result.AccountRoot))

	status, err := f.protocol.StageStatus(1)
	require.NoError(t, err)
	assert.Equal(t, StatusAnchored, status)

	stored, _, err := f.ledger.Receipts().GetReceipt(r.LightTxHash)
	require.NoError(t, err)
	assert.True(t, stored.Onchain)

	pending, err := f.protocol.PendingStages()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestConfirmAnchorMismatchHalts(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	r := f.apply(t, types.NewDeposit(alice, asset1, uint256.NewInt(1), 0))

	result, err := f.protocol.CommitStage(ctx, 1)
	require.NoError(t, err)

	err = f.protocol.ConfirmAnchor(ctx, 1, crypto.Keccak256Hash([]byte("other")), result.AccountRoot)
	assert.ErrorIs(t, err, types.ErrAnchorMismatch)
	assert.Equal(t, types.ClassOperatorIntervention, types.ClassifyError(err))

	status, err := f.protocol.StageStatus(1)
	require.NoError(t, err)
	assert.Equal(t, StatusAborted, status)

	stored, _, err := f.ledger.Receipts().GetReceipt(r.LightTxHash)
	require.NoError(t, err)
	assert.False(t, stored.Onchain)

	height, halted, err := f.protocol.Halted()
	require.NoError(t, err)
	assert.True(t, halted)
	assert.Equal(t, uint64(1), height)

	f.apply(t, types.NewDeposit(bob, asset1, uint256.NewInt(1), 0))
	_, err = f.protocol.CommitStage(ctx, 2)
	assert.ErrorIs(t, err, types.ErrHalted)

	require.NoError(t, f.protocol.ClearHalt(ctx))
	_, err = f.protocol.CommitStage(ctx, 2)
	assert.NoError(t, err)
}

func TestConfirmAnchorUnknownStage(t *testing.T) {
	f := newFixture(t, Config{})
	err := f.protocol.ConfirmAnchor(context.Background(), 7, common.Hash{}, common.Hash{})
	assert.ErrorIs(t, err, types.ErrUnknownStage)
}

func TestSlice(t *testing.T) {
	for _, cacheSize := range []int{1, 16} {
		f := newFixture(t, Config{CacheSize: cacheSize})
		ctx := context.Background()

		var receipts []*types.Receipt
		for i := uint64(0); i < 5; i++ {
			receipts = append(receipts, f.apply(t, types.NewDeposit(alice, asset1, uint256.NewInt(1), i)))
		}
		result, err := f.protocol.CommitStage(ctx, 1)
		require.NoError(t, err)

		// push stage 1 out of a single entry cache
		f.apply(t, types.NewDeposit(bob, asset1, uint256.NewInt(1), 0))
		_, err = f.protocol.CommitStage(ctx, 2)
		require.NoError(t, err)

		for _, r := range receipts {
			slice, err := f.protocol.Slice(1, r.ReceiptHash)
			require.NoError(t, err)
			assert.Equal(t, result.ReceiptRoot, slice.ReceiptRoot)
			assert.Contains(t, slice.LeafElements, r.ReceiptHash)
			assert.Equal(t, slice.Slot+8, slice.NodeIndex)

			hasher := sha3.NewLegacyKeccak256()
			assert.Equal(t, imt.LeafHashOf(hasher, slice.LeafElements), slice.LeafHash)
			assert.True(t, imt.VerifyProof(hasher, slice.LeafHash, slice.Proof, result.ReceiptRoot))
		}

		_, err = f.protocol.Slice(1, crypto.Keccak256Hash([]byte("missing")))
		assert.ErrorIs(t, err, imt.ErrNotFound)

		_, err = f.protocol.Slice(9, receipts[0].ReceiptHash)
		assert.ErrorIs(t, err, types.ErrUnknownStage)
	}
}

func TestSubmitAnchor(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.apply(t, types.NewDeposit(alice, asset1, uint256.NewInt(1), 0))

	result, err := f.protocol.CommitStage(ctx, 1)
	require.NoError(t, err)

	txHash, err := f.protocol.SubmitAnchor(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []common.Hash{types.StageHash(1)}, f.source.submitted)

	s, _, err := f.protocol.GetStage(1)
	require.NoError(t, err)
	assert.Equal(t, txHash, s.AnchorTx)

	pending, err := f.protocol.PendingStages()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, uint64(1), pending[0].Height)

	require.NoError(t, f.protocol.ConfirmAnchor(ctx, 1, result.ReceiptRoot, result.AccountRoot))
	again, err := f.protocol.SubmitAnchor(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, txHash, again)
	assert.Len(t, f.source.submitted, 1)
}

func TestSubmitAnchorSourceError(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.apply(t, types.NewDeposit(alice, asset1, uint256.NewInt(1), 0))
	_, err := f.protocol.CommitStage(ctx, 1)
	require.NoError(t, err)

	f.source.err = errors.New("rpc down")
	_, err = f.protocol.SubmitAnchor(ctx, 1)
	assert.Error(t, err)
	assert.Equal(t, types.ClassRetrySameCall, types.ClassifyError(err))

	status, err := f.protocol.StageStatus(1)
	require.NoError(t, err)
	assert.Equal(t, StatusTreesBuilt, status)
}

func TestConcurrentCommitStage(t *testing.T) {
	for _, engine := range testEngines {
		t.Run(engine.name, func(t *testing.T) {
			f := newFixtureOn(t, engine.open(t), Config{MaxCommitRetries: 100})
			f.apply(t, types.NewDeposit(alice, asset1, uint256.NewInt(1), 0))

			var (
				wg        sync.WaitGroup
				mu        sync.Mutex
				succeeded int
			)
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := f.protocol.CommitStage(context.Background(), 1); err == nil {
						mu.Lock()
						succeeded++
						mu.Unlock()
					} else {
						assert.True(t, errors.Is(err, types.ErrStageAlreadyExists) || errors.Is(err, types.ErrUnexpectedStageHeight), "%v", err)
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, 1, succeeded)

			expected, err := f.protocol.ExpectedStageHeight()
			require.NoError(t, err)
			assert.Equal(t, uint64(2), expected)
		})
	}
}

// hookDB runs beforeCommit once, right before the first commit of a transaction it handed out.
type hookDB struct {
	db.DB
	once         sync.Once
	beforeCommit func()
}

func (h *hookDB) NewTx() (db.Transaction, error) {
	tx, err := h.DB.NewTx()
	if err != nil {
		return nil, err
	}
	return &hookTx{Transaction: tx, hook: h}, nil
}

type hookTx struct {
	db.Transaction
	hook *hookDB
}

func (tx *hookTx) Commit() error {
	tx.hook.once.Do(tx.hook.beforeCommit)
	return tx.Transaction.Commit()
}

func TestApplyDuringCommitStage(t *testing.T) {
	for _, engine := range testEngines {
		t.Run(engine.name, func(t *testing.T) {
			store := engine.open(t)
			f := newFixtureOn(t, store, Config{})
			ctx := context.Background()
			first := f.apply(t, types.NewDeposit(alice, asset1, uint256.NewInt(1), 0))

			// bob's deposit commits while the stage transaction is still open
			var late *types.Receipt
			hooked := &hookDB{DB: store, beforeCommit: func() {
				late = f.apply(t, types.NewDeposit(bob, asset1, uint256.NewInt(2), 0))
			}}
			p, err := NewProtocol(hooked, f.ledger.Receipts(), f.source, Config{})
			require.NoError(t, err)

			_, err = p.CommitStage(ctx, 1)
			require.NoError(t, err)
			require.NotNil(t, late)
			assert.Equal(t, uint64(1), late.StageHeight)

			s, found, err := p.GetStage(1)
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, []common.Hash{first.ReceiptHash, late.ReceiptHash}, s.ReceiptHashes)

			expected, err := p.ExpectedStageHeight()
			require.NoError(t, err)
			assert.Equal(t, uint64(2), expected)
			_, err = p.Slice(1, late.ReceiptHash)
			assert.NoError(t, err)
		})
	}
}

func TestConcurrentApplyAndCommitStage(t *testing.T) {
	for _, engine := range testEngines {
		t.Run(engine.name, func(t *testing.T) {
			f := newFixtureOn(t, engine.open(t), Config{MaxCommitRetries: 1000})
			ctx := context.Background()

			const applies = 40
			var receipts []*types.Receipt
			done := make(chan struct{})
			go func() {
				defer close(done)
				for i := uint64(0); i < applies; i++ {
					r, err := f.ledger.ApplyLightTx(ctx, types.NewDeposit(alice, asset1, uint256.NewInt(1), i))
					if !assert.NoError(t, err) {
						return
					}
					receipts = append(receipts, r)
				}
			}()

			commit := func() {
				height, err := f.protocol.ExpectedStageHeight()
				require.NoError(t, err)
				if _, err := f.protocol.CommitStage(ctx, height); err != nil {
					require.ErrorIs(t, err, types.ErrNoPendingWork)
				}
			}
		loop:
			for {
				select {
				case <-done:
					break loop
				default:
					commit()
				}
			}
			commit()
			require.Len(t, receipts, applies)

			expected, err := f.protocol.ExpectedStageHeight()
			require.NoError(t, err)
			leftover, err := ledger.PendingReceiptHashes(f.store, expected)
			require.NoError(t, err)
			assert.Empty(t, leftover)

			// every receipt sits in the tree of the stage it was tagged for
			staged := 0
			for h := uint64(1); h < expected; h++ {
				s, found, err := f.protocol.GetStage(h)
				require.NoError(t, err)
				require.True(t, found, "stage %d", h)
				pending, err := ledger.PendingReceiptHashes(f.store, h)
				require.NoError(t, err)
				assert.Equal(t, pending, s.ReceiptHashes, "stage %d", h)
				staged += len(s.ReceiptHashes)
			}
			assert.Equal(t, applies, staged)
			for _, r := range receipts {
				s, _, err := f.protocol.GetStage(r.StageHeight)
				require.NoError(t, err)
				require.NotNil(t, s)
				assert.Contains(t, s.ReceiptHashes, r.ReceiptHash)
			}
		})
	}
}

func TestConfirmAnchorAbortedNeedsClearHalt(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	r := f.apply(t, types.NewDeposit(alice, asset1, uint256.NewInt(1), 0))
	result, err := f.protocol.CommitStage(ctx, 1)
	require.NoError(t, err)

	err = f.protocol.ConfirmAnchor(ctx, 1, crypto.Keccak256Hash([]byte("other")), result.AccountRoot)
	require.ErrorIs(t, err, types.ErrAnchorMismatch)

	err = f.protocol.ConfirmAnchor(ctx, 1, result.ReceiptRoot, result.AccountRoot)
	assert.ErrorIs(t, err, types.ErrHalted)
	status, err := f.protocol.StageStatus(1)
	require.NoError(t, err)
	assert.Equal(t, StatusAborted, status)
	stored, _, err := f.ledger.Receipts().GetReceipt(r.LightTxHash)
	require.NoError(t, err)
	assert.False(t, stored.Onchain)

	require.NoError(t, f.protocol.ClearHalt(ctx))
	require.NoError(t, f.protocol.ConfirmAnchor(ctx, 1, result.ReceiptRoot, result.AccountRoot))
	status, err = f.protocol.StageStatus(1)
	require.NoError(t, err)
	assert.Equal(t, StatusAnchored, status)
	stored, _, err = f.ledger.Receipts().GetReceipt(r.LightTxHash)
	require.NoError(t, err)
	assert.True(t, stored.Onchain)
}

func TestBootstrap(t *testing.T) {
	ctx := context.Background()
	store := memorydb.NewDB()
	source := &fakeSource{anchored: 41}

	require.NoError(t, Bootstrap(ctx, store, source, "0xanchor"))
	expected, err := ledger.MustReadCounter(store, ledger.KeyExpectedStageHeight)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), expected)
	gsn, err := ledger.MustReadCounter(store, ledger.KeyGSN)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), gsn)

	// a restart keeps the local counters
	source.anchored = 50
	require.NoError(t, Bootstrap(ctx, store, source, "0xanchor"))
	expected, err = ledger.MustReadCounter(store, ledger.KeyExpectedStageHeight)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), expected)

	err = Bootstrap(ctx, store, source, "0xother")
	assert.ErrorIs(t, err, types.ErrAnchorSourceMismatch)

	source.err = errors.New("rpc down")
	assert.Error(t, Bootstrap(ctx, memorydb.NewDB(), source, "0xanchor"))
}

func TestStageRecordRoundTrip(t *testing.T) {
	store := memorydb.NewDB()
	s := &Stage{
		Height:        3,
		Hash:          types.StageHash(3),
		ReceiptHashes: []common.Hash{crypto.Keccak256Hash([]byte("r"))},
		ReceiptRoot:   crypto.Keccak256Hash([]byte("root")),
		Status:        StatusAnchored,
		AnchorTx:      crypto.Keccak256Hash([]byte("tx")),
		AttemptID:     "attempt",
	}
	tx, err := store.NewTx()
	require.NoError(t, err)
	require.NoError(t, saveStage(tx, s))
	require.NoError(t, tx.Commit())

	loaded, found, err := loadStage(store, 3)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, s, loaded)

	_, found, err = loadStage(store, 4)
	require.NoError(t, err)
	assert.False(t, found)
}
