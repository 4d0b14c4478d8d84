package badgerdb

import (
	"errors"
	"fmt"
	"time"

	sidechaindb "github.com/celer-network/go-sidechain/db"
	"github.com/celer-network/go-sidechain/log"
	"github.com/dgraph-io/badger/v2"
)

type Transaction struct {
	db        *DB
	tx        *badger.Txn
	createT   time.Time
	setCount  uint
	delCount  uint
	keySize   uint64
	valueSize uint64
}

func (transaction *Transaction) Get(namespace []byte, key []byte) ([]byte, bool, error) {
	return get(transaction.tx, sidechaindb.PrependNamespace(namespace, key))
}

func (transaction *Transaction) Exist(namespace []byte, key []byte) (bool, error) {
	_, found, err := transaction.Get(namespace, key)
	return found, err
}

func (transaction *Transaction) Iterator(namespace []byte, prefix []byte) (sidechaindb.Iterator, error) {
	return scan(transaction.tx, namespace, prefix)
}

func (transaction *Transaction) Set(namespace []byte, key []byte, value []byte) error {
	key = sidechaindb.PrependNamespace(namespace, key)
	value = sidechaindb.ConvNilToBytes(value)

	if err := transaction.tx.Set(key, value); err != nil {
		return err
	}

	transaction.setCount++
	transaction.keySize += uint64(len(key))
	transaction.valueSize += uint64(len(value))
	return nil
}

func (transaction *Transaction) Delete(namespace []byte, key []byte) error {
	key = sidechaindb.PrependNamespace(namespace, key)

	if err := transaction.tx.Delete(key); err != nil {
		return err
	}

	transaction.delCount++
	return nil
}

func (transaction *Transaction) Commit() error {
	writeStartT := time.Now()
	err := transaction.tx.Commit()
	writeEndT := time.Now()

	if writeEndT.Sub(writeStartT) > time.Millisecond*100 {
		logger.Warn().Str("name", transaction.db.name).Str("callstack1", log.SkipCaller(2)).Str("callstack2", log.SkipCaller(3)).
			Dur("prepareTime", writeStartT.Sub(transaction.createT)).
			Dur("takenTime", writeEndT.Sub(writeStartT)).
			Uint("delCount", transaction.delCount).Uint("setCount", transaction.setCount).
			Uint64("setKeySize", transaction.keySize).Uint64("setValueSize", transaction.valueSize).
			Msg("commit takes long time")
	}

	switch {
	case err == nil:
		return nil
	case errors.Is(err, badger.ErrConflict):
		return sidechaindb.ErrConflict
	case errors.Is(err, badger.ErrDiscardedTxn):
		return sidechaindb.ErrTxClosed
	default:
		return fmt.Errorf("badger commit: %w", err)
	}
}

func (transaction *Transaction) Discard() {
	transaction.tx.Discard()
}
