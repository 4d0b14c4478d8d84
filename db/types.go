package db

import "errors"

// ErrConflict is returned by Transaction.Commit when another transaction committed a
// write to a key this transaction read. The whole unit of work should be re-run.
var ErrConflict = errors.New("transaction conflict")

// ErrTxClosed is returned when a committed or discarded transaction is used again.
var ErrTxClosed = errors.New("transaction already closed")

// Reader is the read side shared by DB and Transaction
type Reader interface {
	Get(namespace []byte, key []byte) ([]byte, bool, error)
	Exist(namespace []byte, key []byte) (bool, error)
	// Iterator walks keys of namespace starting with prefix, in ascending byte order.
	Iterator(namespace []byte, prefix []byte) (Iterator, error)
}

// DB is an general interface to access at storage data
type DB interface {
	Reader
	Type() string
	Set(namespace []byte, key []byte, value []byte) error
	Delete(namespace []byte, key []byte) error
	NewTx() (Transaction, error)
	Close() error
}

// Transaction is a unit of work. Reads observe a consistent snapshot plus the
// transaction's own writes. Commit fails with ErrConflict if a read became stale.
type Transaction interface {
	Reader
	Set(namespace []byte, key []byte, value []byte) error
	Delete(namespace []byte, key []byte) error
	Commit() error
	Discard()
}

// Iterator is used to navigate a key range. Keys are returned without the namespace.
type Iterator interface {
	Next() error
	Valid() bool
	Key() ([]byte, error)
	Value() ([]byte, error)
	Close()
}
