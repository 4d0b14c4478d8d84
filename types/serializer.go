package types

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// Serializer produces the canonical ABI encodings that light transaction and
// receipt hashes are taken over.
type Serializer struct {
	typeRegistry     *typeRegistry
	lightTxArguments abi.Arguments
	receiptArguments abi.Arguments
}

func NewSerializer() (*Serializer, error) {
	typeRegistry, err := newTypeRegistry()
	if err != nil {
		return nil, err
	}
	return &Serializer{
		typeRegistry:     typeRegistry,
		lightTxArguments: createLightTxArguments(typeRegistry),
		receiptArguments: createReceiptArguments(typeRegistry),
	}, nil
}

func createLightTxArguments(r *typeRegistry) abi.Arguments {
	return abi.Arguments([]abi.Argument{
		{Name: "lightTxType", Type: r.uint8Ty},
		{Name: "from", Type: r.addressTy},
		{Name: "to", Type: r.addressTy},
		{Name: "assetID", Type: r.bytes32Ty},
		{Name: "value", Type: r.uint256Ty},
		{Name: "lsn", Type: r.uint64Ty},
	})
}

func createReceiptArguments(r *typeRegistry) abi.Arguments {
	return abi.Arguments([]abi.Argument{
		{Name: "gsn", Type: r.uint64Ty},
		{Name: "stageHeight", Type: r.uint64Ty},
		{Name: "lightTxHash", Type: r.bytes32Ty},
		{Name: "fromBalance", Type: r.bytes32Ty},
		{Name: "toBalance", Type: r.bytes32Ty},
	})
}

func (tx *LightTx) Serialize(s *Serializer) ([]byte, error) {
	if tx.Value == nil {
		return nil, fmt.Errorf("Serialize LightTx: %w: missing value", ErrInvalidLightTx)
	}
	data, err := s.lightTxArguments.Pack(
		uint8(tx.Type),
		tx.From,
		tx.To,
		[32]byte(tx.AssetID),
		tx.Value.ToBig(),
		tx.LocalSequenceNumber,
	)
	if err != nil {
		return nil, fmt.Errorf("Serialize LightTx %v: %w", tx, err)
	}
	return data, nil
}

func (s *Serializer) DeserializeLightTx(data []byte) (*LightTx, error) {
	values, err := s.lightTxArguments.Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("Deserialize LightTx: %w", err)
	}
	txType, ok0 := values[0].(uint8)
	from, ok1 := values[1].(common.Address)
	to, ok2 := values[2].(common.Address)
	assetID, ok3 := values[3].([32]byte)
	value, ok4 := values[4].(*big.Int)
	lsn, ok5 := values[5].(uint64)
	if !(ok0 && ok1 && ok2 && ok3 && ok4 && ok5) {
		return nil, fmt.Errorf("Deserialize LightTx: unexpected field types %T", values)
	}
	v, overflow := uint256.FromBig(value)
	if overflow {
		return nil, fmt.Errorf("Deserialize LightTx: value overflows 256 bits")
	}
	return &LightTx{
		Type:                LightTxType(txType),
		From:                from,
		To:                  to,
		AssetID:             common.Hash(assetID),
		Value:               v,
		LocalSequenceNumber: lsn,
	}, nil
}

// LightTxHash is keccak256 of the ABI encoding of tx.
func (s *Serializer) LightTxHash(tx *LightTx) (common.Hash, error) {
	data, err := tx.Serialize(s)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(data), nil
}

func (r *Receipt) Serialize(s *Serializer) ([]byte, error) {
	data, err := s.receiptArguments.Pack(
		r.GSN,
		r.StageHeight,
		[32]byte(r.LightTxHash),
		[32]byte(r.FromBalance),
		[32]byte(r.ToBalance),
	)
	if err != nil {
		return nil, fmt.Errorf("Serialize Receipt %d: %w", r.GSN, err)
	}
	return data, nil
}

// ReceiptHash is keccak256 of the ABI encoding of the receipt content. The
// Onchain flag and the hash itself are not part of it.
func (s *Serializer) ReceiptHash(r *Receipt) (common.Hash, error) {
	data, err := r.Serialize(s)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(data), nil
}
