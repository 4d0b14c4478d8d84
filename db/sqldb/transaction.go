package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"time"

	sidechaindb "github.com/celer-network/go-sidechain/db"
	"github.com/celer-network/go-sidechain/log"
)

type Transaction struct {
	ctx      context.Context
	tx       *sql.Tx
	dialect  dialect
	createT  time.Time
	name     string
	setCount uint
	delCount uint
}

func (transaction *Transaction) Get(namespace []byte, key []byte) ([]byte, bool, error) {
	v, found, err := get(transaction.ctx, transaction.tx, transaction.dialect, namespace, key)
	return v, found, closedErr(err)
}

func (transaction *Transaction) Exist(namespace []byte, key []byte) (bool, error) {
	_, found, err := transaction.Get(namespace, key)
	return found, err
}

func (transaction *Transaction) Iterator(namespace []byte, prefix []byte) (sidechaindb.Iterator, error) {
	iter, err := scan(transaction.ctx, transaction.tx, transaction.dialect, namespace, prefix)
	return iter, closedErr(err)
}

func (transaction *Transaction) Set(namespace []byte, key []byte, value []byte) error {
	if err := set(transaction.ctx, transaction.tx, transaction.dialect, namespace, key, value); err != nil {
		return closedErr(err)
	}
	transaction.setCount++
	return nil
}

func (transaction *Transaction) Delete(namespace []byte, key []byte) error {
	if err := del(transaction.ctx, transaction.tx, transaction.dialect, namespace, key); err != nil {
		return closedErr(err)
	}
	transaction.delCount++
	return nil
}

func (transaction *Transaction) Commit() error {
	writeStartT := time.Now()
	err := transaction.tx.Commit()
	writeEndT := time.Now()

	if writeEndT.Sub(writeStartT) > time.Millisecond*100 {
		logger.Warn().Str("name", transaction.name).Str("callstack1", log.SkipCaller(2)).
			Dur("prepareTime", writeStartT.Sub(transaction.createT)).
			Dur("takenTime", writeEndT.Sub(writeStartT)).
			Uint("delCount", transaction.delCount).Uint("setCount", transaction.setCount).
			Msg("commit takes long time")
	}
	return closedErr(transaction.dialect.wrap("commit", err))
}

func (transaction *Transaction) Discard() {
	// Rollback after Commit returns sql.ErrTxDone, which is expected with deferred discards.
	_ = transaction.tx.Rollback()
}

func closedErr(err error) error {
	if errors.Is(err, sql.ErrTxDone) {
		return sidechaindb.ErrTxClosed
	}
	return err
}
