package ledger

import (
	"fmt"

	"github.com/celer-network/go-sidechain/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/fxamacker/cbor/v2"
)

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}

// receiptRecord is the stored form of a receipt. The light transaction is kept in
// its ABI encoding so the stored bytes are exactly what was hashed.
type receiptRecord struct {
	GSN         uint64 `cbor:"1,keyasint"`
	StageHeight uint64 `cbor:"2,keyasint"`
	LightTxHash []byte `cbor:"3,keyasint"`
	LightTx     []byte `cbor:"4,keyasint"`
	FromBalance []byte `cbor:"5,keyasint"`
	ToBalance   []byte `cbor:"6,keyasint"`
	ReceiptHash []byte `cbor:"7,keyasint"`
	Onchain     bool   `cbor:"8,keyasint"`
}

func encodeReceipt(s *types.Serializer, r *types.Receipt) ([]byte, error) {
	if r.LightTx == nil {
		return nil, fmt.Errorf("receipt %d has no light transaction", r.GSN)
	}
	txData, err := r.LightTx.Serialize(s)
	if err != nil {
		return nil, err
	}
	return encMode.Marshal(&receiptRecord{
		GSN:         r.GSN,
		StageHeight: r.StageHeight,
		LightTxHash: r.LightTxHash.Bytes(),
		LightTx:     txData,
		FromBalance: r.FromBalance.Bytes(),
		ToBalance:   r.ToBalance.Bytes(),
		ReceiptHash: r.ReceiptHash.Bytes(),
		Onchain:     r.Onchain,
	})
}

func decodeReceipt(s *types.Serializer, data []byte) (*types.Receipt, error) {
	var rec receiptRecord
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode receipt: %w", err)
	}
	tx, err := s.DeserializeLightTx(rec.LightTx)
	if err != nil {
		return nil, err
	}
	fromBalance, err := types.BalanceFromBytes(rec.FromBalance)
	if err != nil {
		return nil, fmt.Errorf("receipt %d from balance: %w", rec.GSN, err)
	}
	toBalance, err := types.BalanceFromBytes(rec.ToBalance)
	if err != nil {
		return nil, fmt.Errorf("receipt %d to balance: %w", rec.GSN, err)
	}
	return &types.Receipt{
		GSN:         rec.GSN,
		StageHeight: rec.StageHeight,
		LightTxHash: common.BytesToHash(rec.LightTxHash),
		LightTx:     tx,
		FromBalance: fromBalance,
		ToBalance:   toBalance,
		ReceiptHash: common.BytesToHash(rec.ReceiptHash),
		Onchain:     rec.Onchain,
	}, nil
}

// EncMode is the deterministic CBOR encoding used for stored records.
func EncMode() cbor.EncMode {
	return encMode
}
