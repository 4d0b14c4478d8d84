// Package anchor talks to the base chain contract that records stage roots.
package anchor

import (
	"context"
	"errors"
	"fmt"

	"github.com/celer-network/go-sidechain/log"
	"github.com/celer-network/go-sidechain/utils"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
)

var logger = log.NewLogger("anchor")

var ErrReadOnly = errors.New("anchor client has no transactor")

// Backend is what the client needs from an ethclient.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
}

// StageAnchored is a decoded AddNewStage event.
type StageAnchored struct {
	StageHeight uint64
	StageHash   common.Hash
	ReceiptRoot common.Hash
	AccountRoot common.Hash
	Raw         ethtypes.Log
}

type Client struct {
	backend   Backend
	address   common.Address
	contract  *bind.BoundContract
	auth      *bind.TransactOpts
	waitMined bool
}

// NewClient binds the contract at address. auth may be nil for a client that only reads.
func NewClient(backend Backend, address common.Address, auth *bind.TransactOpts, waitMined bool) *Client {
	return &Client{
		backend:   backend,
		address:   address,
		contract:  bind.NewBoundContract(address, parsedABI, backend, backend, backend),
		auth:      auth,
		waitMined: waitMined,
	}
}

func (c *Client) Address() common.Address {
	return c.address
}

// CurrentAnchoredStageHeight returns the contract's stage height.
func (c *Client) CurrentAnchoredStageHeight(ctx context.Context) (uint64, error) {
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, methodStageHeight); err != nil {
		return 0, err
	}
	height, err := unpackStageHeight(out)
	if err != nil {
		return 0, err
	}
	return height, nil
}

// SubmitStageAnchor sends addNewStage and, if configured, waits for it to be mined.
func (c *Client) SubmitStageAnchor(ctx context.Context, stageHash, receiptRoot, accountRoot common.Hash) (common.Hash, error) {
	if c.auth == nil {
		return common.Hash{}, ErrReadOnly
	}
	opts := *c.auth
	opts.Context = ctx

	roots := [2][32]byte{receiptRoot, accountRoot}
	tx, err := c.contract.Transact(&opts, methodAddNewStage, [32]byte(stageHash), roots)
	if err != nil {
		return common.Hash{}, err
	}
	logger.Debug().Str("tx", tx.Hash().Hex()).Str("stageHash", stageHash.Hex()).Msg("addNewStage sent")

	if c.waitMined {
		if _, err := utils.WaitMined(ctx, c.backend, tx); err != nil {
			return tx.Hash(), err
		}
	}
	return tx.Hash(), nil
}

// WatchStageAnchored streams AddNewStage events into sink from block start on,
// or from the head when start is nil.
func (c *Client) WatchStageAnchored(ctx context.Context, start *uint64, sink chan<- *StageAnchored) (event.Subscription, error) {
	logs, sub, err := c.contract.WatchLogs(&bind.WatchOpts{Context: ctx, Start: start}, eventAddNewStage)
	if err != nil {
		return nil, err
	}
	return event.NewSubscription(func(quit <-chan struct{}) error {
		defer sub.Unsubscribe()
		for {
			select {
			case raw := <-logs:
				ev, err := c.decodeStageAnchored(raw)
				if err != nil {
					return err
				}
				select {
				case sink <- ev:
				case err := <-sub.Err():
					return err
				case <-quit:
					return nil
				}
			case err := <-sub.Err():
				return err
			case <-quit:
				return nil
			}
		}
	}), nil
}

func (c *Client) decodeStageAnchored(raw ethtypes.Log) (*StageAnchored, error) {
	var ev contractStageAnchored
	if err := c.contract.UnpackLog(&ev, eventAddNewStage, raw); err != nil {
		return nil, fmt.Errorf("decode %s: %w", eventAddNewStage, err)
	}
	if !ev.StageHeight.IsUint64() {
		return nil, fmt.Errorf("stage height %s out of range", ev.StageHeight)
	}
	return &StageAnchored{
		StageHeight: ev.StageHeight.Uint64(),
		StageHash:   ev.StageHash,
		ReceiptRoot: ev.ReceiptRootHash,
		AccountRoot: ev.AccountRootHash,
		Raw:         raw,
	}, nil
}
