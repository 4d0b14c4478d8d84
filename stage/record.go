package stage

import (
	"fmt"

	"github.com/celer-network/go-sidechain/db"
	"github.com/celer-network/go-sidechain/ledger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/fxamacker/cbor/v2"
)

type stageRecord struct {
	Height        uint64   `cbor:"1,keyasint"`
	Hash          []byte   `cbor:"2,keyasint"`
	ReceiptHashes [][]byte `cbor:"3,keyasint"`
	AccountHashes [][]byte `cbor:"4,keyasint"`
	ReceiptRoot   []byte   `cbor:"5,keyasint"`
	AccountRoot   []byte   `cbor:"6,keyasint"`
	Status        uint8    `cbor:"7,keyasint"`
	AnchorTx      []byte   `cbor:"8,keyasint,omitempty"`
	AttemptID     string   `cbor:"9,keyasint"`
}

func hashesToBytes(hashes []common.Hash) [][]byte {
	out := make([][]byte, len(hashes))
	for i := range hashes {
		out[i] = hashes[i].Bytes()
	}
	return out
}

func bytesToHashes(bs [][]byte) []common.Hash {
	if len(bs) == 0 {
		return nil
	}
	out := make([]common.Hash, len(bs))
	for i := range bs {
		out[i] = common.BytesToHash(bs[i])
	}
	return out
}

func saveStage(tx db.Transaction, s *Stage) error {
	rec := &stageRecord{
		Height:        s.Height,
		Hash:          s.Hash.Bytes(),
		ReceiptHashes: hashesToBytes(s.ReceiptHashes),
		AccountHashes: hashesToBytes(s.AccountHashes),
		ReceiptRoot:   s.ReceiptRoot.Bytes(),
		AccountRoot:   s.AccountRoot.Bytes(),
		Status:        uint8(s.Status),
		AttemptID:     s.AttemptID,
	}
	if s.AnchorTx != (common.Hash{}) {
		rec.AnchorTx = s.AnchorTx.Bytes()
	}
	data, err := ledger.EncMode().Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode stage %d: %w", s.Height, err)
	}
	return tx.Set(db.NamespaceStage, ledger.Uint64Key(s.Height), data)
}

func decodeStage(data []byte) (*Stage, error) {
	var rec stageRecord
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode stage: %w", err)
	}
	s := &Stage{
		Height:        rec.Height,
		Hash:          common.BytesToHash(rec.Hash),
		ReceiptHashes: bytesToHashes(rec.ReceiptHashes),
		AccountHashes: bytesToHashes(rec.AccountHashes),
		ReceiptRoot:   common.BytesToHash(rec.ReceiptRoot),
		AccountRoot:   common.BytesToHash(rec.AccountRoot),
		Status:        Status(rec.Status),
		AttemptID:     rec.AttemptID,
	}
	if len(rec.AnchorTx) > 0 {
		s.AnchorTx = common.BytesToHash(rec.AnchorTx)
	}
	return s, nil
}

func loadStage(r db.Reader, height uint64) (*Stage, bool, error) {
	data, found, err := r.Get(db.NamespaceStage, ledger.Uint64Key(height))
	if err != nil || !found {
		return nil, false, err
	}
	s, err := decodeStage(data)
	if err != nil {
		return nil, false, err
	}
	return s, true, nil
}
