package ledger

import (
	"encoding/binary"
	"fmt"

	"github.com/celer-network/go-sidechain/db"
	"github.com/celer-network/go-sidechain/types"
	"github.com/ethereum/go-ethereum/common"
)

// ReceiptStore keeps one receipt per applied light transaction.
//
//	rcpt|lightTxHash            -> receipt record
//	gsn|gsn                     -> lightTxHash
//	pend|stageHeight gsn        -> lightTxHash receiptHash   (only while not onchain)
type ReceiptStore struct {
	db         db.DB
	serializer *types.Serializer
}

func NewReceiptStore(database db.DB, serializer *types.Serializer) *ReceiptStore {
	return &ReceiptStore{db: database, serializer: serializer}
}

// RecordPendingReceipt stores receipt in its own transaction.
func (s *ReceiptStore) RecordPendingReceipt(receipt *types.Receipt) error {
	tx, err := s.db.NewTx()
	if err != nil {
		return err
	}
	defer tx.Discard()

	if err := s.RecordPendingReceiptTx(tx, receipt); err != nil {
		return err
	}
	return tx.Commit()
}

// RecordPendingReceiptTx stores receipt as part of tx.
func (s *ReceiptStore) RecordPendingReceiptTx(tx db.Transaction, receipt *types.Receipt) error {
	key := receipt.LightTxHash.Bytes()
	exists, err := tx.Exist(db.NamespaceReceipt, key)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s", types.ErrDuplicateLightTx, receipt.LightTxHash.Hex())
	}

	data, err := encodeReceipt(s.serializer, receipt)
	if err != nil {
		return err
	}
	if err := tx.Set(db.NamespaceReceipt, key, data); err != nil {
		return err
	}
	if err := tx.Set(db.NamespaceGSN, Uint64Key(receipt.GSN), key); err != nil {
		return err
	}
	if receipt.Onchain {
		return nil
	}
	pending := append(receipt.LightTxHash.Bytes(), receipt.ReceiptHash.Bytes()...)
	return tx.Set(db.NamespacePending, pendingKey(receipt.StageHeight, receipt.GSN), pending)
}

func (s *ReceiptStore) GetReceipt(lightTxHash common.Hash) (*types.Receipt, bool, error) {
	return s.getReceipt(s.db, lightTxHash)
}

func (s *ReceiptStore) getReceipt(r db.Reader, lightTxHash common.Hash) (*types.Receipt, bool, error) {
	data, found, err := r.Get(db.NamespaceReceipt, lightTxHash.Bytes())
	if err != nil || !found {
		return nil, false, err
	}
	receipt, err := decodeReceipt(s.serializer, data)
	if err != nil {
		return nil, false, err
	}
	return receipt, true, nil
}

func (s *ReceiptStore) GetReceiptByGSN(gsn uint64) (*types.Receipt, bool, error) {
	txHash, found, err := s.db.Get(db.NamespaceGSN, Uint64Key(gsn))
	if err != nil || !found {
		return nil, false, err
	}
	return s.GetReceipt(common.BytesToHash(txHash))
}

// PendingEntry is one not yet anchored receipt.
type PendingEntry struct {
	StageHeight uint64
	GSN         uint64
	LightTxHash common.Hash
	ReceiptHash common.Hash
}

func pendingEntries(r db.Reader, prefix []byte) ([]PendingEntry, error) {
	iter, err := r.Iterator(db.NamespacePending, prefix)
	if err != nil {
		return nil, err
	}
	keys, values, err := db.CollectIterator(iter)
	if err != nil {
		return nil, err
	}
	entries := make([]PendingEntry, len(keys))
	for i := range keys {
		if len(keys[i]) != 16 || len(values[i]) != 2*common.HashLength {
			return nil, fmt.Errorf("malformed pending entry %x", keys[i])
		}
		entries[i] = PendingEntry{
			StageHeight: binary.BigEndian.Uint64(keys[i][:8]),
			GSN:         binary.BigEndian.Uint64(keys[i][8:]),
			LightTxHash: common.BytesToHash(values[i][:common.HashLength]),
			ReceiptHash: common.BytesToHash(values[i][common.HashLength:]),
		}
	}
	return entries, nil
}

// PendingReceiptHashes returns receipt hashes of stageHeight that are not onchain, in GSN order.
func (s *ReceiptStore) PendingReceiptHashes(stageHeight uint64) ([]common.Hash, error) {
	return PendingReceiptHashes(s.db, stageHeight)
}

func PendingReceiptHashes(r db.Reader, stageHeight uint64) ([]common.Hash, error) {
	entries, err := pendingEntries(r, Uint64Key(stageHeight))
	if err != nil {
		return nil, err
	}
	hashes := make([]common.Hash, len(entries))
	for i, e := range entries {
		hashes[i] = e.ReceiptHash
	}
	return hashes, nil
}

// HasPendingReceipts reports whether stageHeight has receipts awaiting anchoring.
func (s *ReceiptStore) HasPendingReceipts(stageHeight uint64) (bool, error) {
	entries, err := pendingEntries(s.db, Uint64Key(stageHeight))
	return len(entries) > 0, err
}

// PendingEntries lists pending receipts of every stage, by stage height then GSN.
func (s *ReceiptStore) PendingEntries() ([]PendingEntry, error) {
	return pendingEntries(s.db, nil)
}

// MarkCommitted sets onchain on every receipt of stageHeight in its own transaction.
func (s *ReceiptStore) MarkCommitted(stageHeight uint64) error {
	tx, err := s.db.NewTx()
	if err != nil {
		return err
	}
	defer tx.Discard()

	if _, err := s.MarkCommittedTx(tx, stageHeight); err != nil {
		return err
	}
	return tx.Commit()
}

// MarkCommittedTx sets onchain on every pending receipt of stageHeight and drops
// them from the pending index. Calling it again is a no-op.
func (s *ReceiptStore) MarkCommittedTx(tx db.Transaction, stageHeight uint64) (int, error) {
	entries, err := pendingEntries(tx, Uint64Key(stageHeight))
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		receipt, found, err := s.getReceipt(tx, e.LightTxHash)
		if err != nil {
			return 0, err
		}
		if !found {
			return 0, fmt.Errorf("pending entry without receipt %s", e.LightTxHash.Hex())
		}
		receipt.Onchain = true
		data, err := encodeReceipt(s.serializer, receipt)
		if err != nil {
			return 0, err
		}
		if err := tx.Set(db.NamespaceReceipt, e.LightTxHash.Bytes(), data); err != nil {
			return 0, err
		}
		if err := tx.Delete(db.NamespacePending, pendingKey(e.StageHeight, e.GSN)); err != nil {
			return 0, err
		}
	}
	return len(entries), nil
}
