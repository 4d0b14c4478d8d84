package anchor

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
)

var ErrNoRevertReason = errors.New("no revert reason")

// ReplayBackend is the part of an ethclient needed to replay a transaction.
type ReplayBackend interface {
	TransactionByHash(ctx context.Context, hash common.Hash) (*ethtypes.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// RevertReason replays txHash as a call in the block that mined it and
// returns the reason string it reverted with.
func RevertReason(ctx context.Context, backend ReplayBackend, txHash common.Hash) (string, error) {
	tx, _, err := backend.TransactionByHash(ctx, txHash)
	if err != nil {
		return "", err
	}
	receipt, err := backend.TransactionReceipt(ctx, txHash)
	if err != nil {
		return "", err
	}
	from, err := ethtypes.Sender(ethtypes.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return "", err
	}

	msg := ethereum.CallMsg{
		From:     from,
		To:       tx.To(),
		Gas:      tx.Gas(),
		GasPrice: tx.GasPrice(),
		Value:    tx.Value(),
		Data:     tx.Data(),
	}
	output, err := backend.CallContract(ctx, msg, receipt.BlockNumber)
	if err != nil {
		data, ok := errorData(err)
		if !ok {
			return "", err
		}
		output = data
	}
	return decodeRevert(output)
}

// errorData extracts the revert payload that geth attaches to execution errors.
func errorData(err error) ([]byte, bool) {
	var dataErr interface{ ErrorData() interface{} }
	if !errors.As(err, &dataErr) {
		return nil, false
	}
	s, ok := dataErr.ErrorData().(string)
	if !ok {
		return nil, false
	}
	data, err := hexutil.Decode(s)
	if err != nil {
		return nil, false
	}
	return data, true
}

func decodeRevert(data []byte) (string, error) {
	if len(data) == 0 {
		return "", ErrNoRevertReason
	}
	reason, err := abi.UnpackRevert(data)
	if err != nil {
		return "", fmt.Errorf("%w: %x", ErrNoRevertReason, data)
	}
	return reason, nil
}
