package types

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

type LightTxType uint8

const (
	LightTxTypeDeposit LightTxType = iota
	LightTxTypeWithdrawal
	LightTxTypeInstantWithdrawal
	LightTxTypeRemittance
)

func (t LightTxType) String() string {
	switch t {
	case LightTxTypeDeposit:
		return "deposit"
	case LightTxTypeWithdrawal:
		return "withdrawal"
	case LightTxTypeInstantWithdrawal:
		return "instantWithdrawal"
	case LightTxTypeRemittance:
		return "remittance"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// LightTx is a signature-verified transfer instruction. From is the zero address
// for deposits and To is the zero address for both withdrawal variants.
type LightTx struct {
	Type                LightTxType
	From                common.Address
	To                  common.Address
	AssetID             common.Hash
	Value               *uint256.Int
	LocalSequenceNumber uint64
}

func NewDeposit(to common.Address, assetID common.Hash, value *uint256.Int, lsn uint64) *LightTx {
	return &LightTx{Type: LightTxTypeDeposit, To: to, AssetID: assetID, Value: cloneValue(value), LocalSequenceNumber: lsn}
}

func NewWithdrawal(from common.Address, assetID common.Hash, value *uint256.Int, lsn uint64) *LightTx {
	return &LightTx{Type: LightTxTypeWithdrawal, From: from, AssetID: assetID, Value: cloneValue(value), LocalSequenceNumber: lsn}
}

func NewInstantWithdrawal(from common.Address, assetID common.Hash, value *uint256.Int, lsn uint64) *LightTx {
	return &LightTx{Type: LightTxTypeInstantWithdrawal, From: from, AssetID: assetID, Value: cloneValue(value), LocalSequenceNumber: lsn}
}

func NewRemittance(from, to common.Address, assetID common.Hash, value *uint256.Int, lsn uint64) *LightTx {
	return &LightTx{Type: LightTxTypeRemittance, From: from, To: to, AssetID: assetID, Value: cloneValue(value), LocalSequenceNumber: lsn}
}

func (tx *LightTx) GetLightTxType() LightTxType {
	return tx.Type
}

// HasFrom reports whether the variant debits an account.
func (tx *LightTx) HasFrom() bool {
	return tx.Type != LightTxTypeDeposit
}

// HasTo reports whether the variant credits an account.
func (tx *LightTx) HasTo() bool {
	return tx.Type == LightTxTypeDeposit || tx.Type == LightTxTypeRemittance
}

// Validate checks the shape of tx. It does not look at balances.
func (tx *LightTx) Validate() error {
	if tx == nil {
		return fmt.Errorf("%w: nil transaction", ErrInvalidLightTx)
	}
	switch tx.Type {
	case LightTxTypeDeposit, LightTxTypeWithdrawal, LightTxTypeInstantWithdrawal, LightTxTypeRemittance:
	default:
		return fmt.Errorf("%w: %s", ErrInvalidLightTxType, tx.Type)
	}
	if tx.Value == nil {
		return fmt.Errorf("%w: missing value", ErrInvalidLightTx)
	}

	zero := common.Address{}
	if tx.HasFrom() && tx.From == zero {
		return fmt.Errorf("%w: %s requires from", ErrInvalidLightTx, tx.Type)
	}
	if !tx.HasFrom() && tx.From != zero {
		return fmt.Errorf("%w: %s must not carry from", ErrInvalidLightTx, tx.Type)
	}
	if tx.HasTo() && tx.To == zero {
		return fmt.Errorf("%w: %s requires to", ErrInvalidLightTx, tx.Type)
	}
	if !tx.HasTo() && tx.To != zero {
		return fmt.Errorf("%w: %s must not carry to", ErrInvalidLightTx, tx.Type)
	}
	if tx.Type == LightTxTypeRemittance && tx.From == tx.To {
		return fmt.Errorf("%w: remittance to self", ErrInvalidLightTx)
	}
	return nil
}

func cloneValue(v *uint256.Int) *uint256.Int {
	if v == nil {
		return nil
	}
	return v.Clone()
}
