// Package ledger applies light transactions to account balances and records
// their receipts. Every apply is one db transaction covering the balance
// changes, the GSN allocation and the receipt.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/celer-network/go-sidechain/db"
	"github.com/celer-network/go-sidechain/log"
	"github.com/celer-network/go-sidechain/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

const DefaultMaxCommitRetries = 16

var logger = log.NewLogger("ledger")

type Ledger struct {
	db               db.DB
	serializer       *types.Serializer
	receipts         *ReceiptStore
	maxCommitRetries int
}

func NewLedger(database db.DB, serializer *types.Serializer, maxCommitRetries int) *Ledger {
	if maxCommitRetries <= 0 {
		maxCommitRetries = DefaultMaxCommitRetries
	}
	return &Ledger{
		db:               database,
		serializer:       serializer,
		receipts:         NewReceiptStore(database, serializer),
		maxCommitRetries: maxCommitRetries,
	}
}

func (l *Ledger) Receipts() *ReceiptStore {
	return l.receipts
}

// GetBalance returns the zero balance for accounts that were never touched.
func (l *Ledger) GetBalance(address common.Address, assetID common.Hash) (types.Balance, error) {
	return getBalance(l.db, address, assetID)
}

func getBalance(r db.Reader, address common.Address, assetID common.Hash) (types.Balance, error) {
	v, found, err := r.Get(db.NamespaceAccount, accountKey(address, assetID))
	if err != nil {
		return types.ZeroBalance, err
	}
	if !found {
		return types.ZeroBalance, nil
	}
	balance, err := types.BalanceFromBytes(v)
	if err != nil {
		return types.ZeroBalance, fmt.Errorf("account %s asset %s: %w", address.Hex(), assetID.Hex(), err)
	}
	return balance, nil
}

// ApplyLightTx applies lightTx and returns its receipt. Either everything the
// apply touches is committed or nothing is. A lost commit race re-runs the
// whole apply against fresh state.
func (l *Ledger) ApplyLightTx(ctx context.Context, lightTx *types.LightTx) (*types.Receipt, error) {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		receipt, err := l.applyOnce(ctx, lightTx)
		if errors.Is(err, db.ErrConflict) && attempt < l.maxCommitRetries {
			commitConflicts.Inc()
			logger.Debug().Int("attempt", attempt).Msg("apply lost commit race, retrying")
			continue
		}
		if err != nil {
			class := types.ClassifyError(err)
			rejectedLightTxs.WithLabelValues(class.String()).Inc()
			logger.Debug().Err(err).Str("class", class.String()).Msg("light transaction rejected")
			return nil, err
		}

		appliedLightTxs.WithLabelValues(lightTx.Type.String()).Inc()
		lastGSN.Set(float64(receipt.GSN))
		logger.Debug().Uint64("gsn", receipt.GSN).Uint64("stageHeight", receipt.StageHeight).
			Str("lightTxHash", receipt.LightTxHash.Hex()).Str("type", lightTx.Type.String()).Msg("light transaction applied")
		return receipt, nil
	}
}

func (l *Ledger) applyOnce(ctx context.Context, lightTx *types.LightTx) (*types.Receipt, error) {
	if err := lightTx.Validate(); err != nil {
		return nil, err
	}
	lightTxHash, err := l.serializer.LightTxHash(lightTx)
	if err != nil {
		return nil, err
	}

	tx, err := l.db.NewTx()
	if err != nil {
		return nil, err
	}
	defer tx.Discard()

	// checked up front so a replay never touches balances
	if applied, err := tx.Exist(db.NamespaceReceipt, lightTxHash.Bytes()); err != nil {
		return nil, err
	} else if applied {
		return nil, fmt.Errorf("%w: %s", types.ErrDuplicateLightTx, lightTxHash.Hex())
	}

	var fromBalance, toBalance types.Balance
	switch lightTx.Type {
	case types.LightTxTypeDeposit:
		toBalance, err = credit(tx, lightTx.To, lightTx.AssetID, lightTx.Value)
	case types.LightTxTypeWithdrawal, types.LightTxTypeInstantWithdrawal:
		fromBalance, err = debit(tx, lightTx.From, lightTx.AssetID, lightTx.Value)
	case types.LightTxTypeRemittance:
		fromBalance, err = debit(tx, lightTx.From, lightTx.AssetID, lightTx.Value)
		if err == nil {
			toBalance, err = credit(tx, lightTx.To, lightTx.AssetID, lightTx.Value)
		}
	default:
		err = fmt.Errorf("%w: %s", types.ErrInvalidLightTxType, lightTx.Type)
	}
	if err != nil {
		return nil, err
	}

	stageHeight, err := MustReadCounter(tx, KeyExpectedStageHeight)
	if err != nil {
		return nil, err
	}
	gsn, err := MustReadCounter(tx, KeyGSN)
	if err != nil {
		return nil, err
	}
	if err := WriteCounter(tx, KeyGSN, gsn+1); err != nil {
		return nil, err
	}

	receipt := &types.Receipt{
		GSN:         gsn,
		StageHeight: stageHeight,
		LightTxHash: lightTxHash,
		LightTx:     lightTx,
		FromBalance: fromBalance,
		ToBalance:   toBalance,
	}
	if receipt.ReceiptHash, err = l.serializer.ReceiptHash(receipt); err != nil {
		return nil, err
	}
	if err := l.receipts.RecordPendingReceiptTx(tx, receipt); err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return receipt, nil
}

func debit(tx db.Transaction, address common.Address, assetID common.Hash, value *uint256.Int) (types.Balance, error) {
	current, err := getBalance(tx, address, assetID)
	if err != nil {
		return types.ZeroBalance, err
	}
	balance := current.Uint256()
	if balance.Lt(value) {
		return types.ZeroBalance, fmt.Errorf("%w: %s has %s of asset %s, needs %s",
			types.ErrInsufficientBalance, address.Hex(), balance.Dec(), assetID.Hex(), value.Dec())
	}
	updated := types.BalanceFromUint256(new(uint256.Int).Sub(balance, value))
	return updated, tx.Set(db.NamespaceAccount, accountKey(address, assetID), updated.Bytes())
}

func credit(tx db.Transaction, address common.Address, assetID common.Hash, value *uint256.Int) (types.Balance, error) {
	current, err := getBalance(tx, address, assetID)
	if err != nil {
		return types.ZeroBalance, err
	}
	sum, overflow := new(uint256.Int).AddOverflow(current.Uint256(), value)
	if overflow {
		// an amount this large can only come from corrupted input upstream
		logger.Error().Str("address", address.Hex()).Str("assetID", assetID.Hex()).
			Str("balance", current.Hex()).Str("value", value.Hex()).Msg("balance overflow")
		panic(fmt.Errorf("%w: %s asset %s", types.ErrBalanceOverflow, address.Hex(), assetID.Hex()))
	}
	updated := types.BalanceFromUint256(sum)
	return updated, tx.Set(db.NamespaceAccount, accountKey(address, assetID), updated.Bytes())
}

// ApplyResult pairs an input with its outcome in ApplyLightTxs.
type ApplyResult struct {
	Receipt *types.Receipt
	Err     error
}

// ApplyLightTxs applies each transaction on its own; a failure does not stop the rest.
func (l *Ledger) ApplyLightTxs(ctx context.Context, lightTxs []*types.LightTx) []ApplyResult {
	results := make([]ApplyResult, len(lightTxs))
	for i, lightTx := range lightTxs {
		results[i].Receipt, results[i].Err = l.ApplyLightTx(ctx, lightTx)
	}
	return results
}
