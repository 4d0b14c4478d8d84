package memorydb

import (
	"sync"

	sidechaindb "github.com/celer-network/go-sidechain/db"
)

// Transaction buffers writes and records what it read. Commit rejects the
// transaction if any read key, or any key under a scanned prefix, was written
// by a commit that happened after this transaction started.
type Transaction struct {
	txLock   sync.Mutex
	db       *DB
	startSeq uint64
	writes   map[string][]byte
	deletes  map[string]struct{}
	reads    map[string]struct{}
	prefixes []string
	closed   bool
}

func (transaction *Transaction) Get(namespace []byte, key []byte) ([]byte, bool, error) {
	transaction.txLock.Lock()
	defer transaction.txLock.Unlock()

	if transaction.closed {
		return nil, false, sidechaindb.ErrTxClosed
	}

	k := string(sidechaindb.PrependNamespace(namespace, key))
	if v, ok := transaction.writes[k]; ok {
		return copyBytes(v), true, nil
	}
	if _, ok := transaction.deletes[k]; ok {
		return nil, false, nil
	}
	transaction.reads[k] = struct{}{}

	transaction.db.lock.RLock()
	defer transaction.db.lock.RUnlock()
	v, ok := transaction.db.db[k]
	if !ok {
		return nil, false, nil
	}
	return copyBytes(v), true, nil
}

func (transaction *Transaction) Exist(namespace []byte, key []byte) (bool, error) {
	_, ok, err := transaction.Get(namespace, key)
	return ok, err
}

func (transaction *Transaction) Iterator(namespace []byte, prefix []byte) (sidechaindb.Iterator, error) {
	transaction.txLock.Lock()
	defer transaction.txLock.Unlock()

	if transaction.closed {
		return nil, sidechaindb.ErrTxClosed
	}

	full := string(sidechaindb.PrependNamespace(namespace, prefix))
	transaction.prefixes = append(transaction.prefixes, full)

	entries := make(map[string][]byte)
	transaction.db.lock.RLock()
	for k, v := range transaction.db.db {
		if hasPrefix(k, full) {
			entries[k] = copyBytes(v)
		}
	}
	transaction.db.lock.RUnlock()

	for k := range transaction.deletes {
		delete(entries, k)
	}
	for k, v := range transaction.writes {
		if hasPrefix(k, full) {
			entries[k] = copyBytes(v)
		}
	}
	return newIterator(namespace, entries), nil
}

func (transaction *Transaction) Set(namespace []byte, key []byte, value []byte) error {
	transaction.txLock.Lock()
	defer transaction.txLock.Unlock()

	if transaction.closed {
		return sidechaindb.ErrTxClosed
	}
	k := string(sidechaindb.PrependNamespace(namespace, key))
	delete(transaction.deletes, k)
	transaction.writes[k] = copyBytes(sidechaindb.ConvNilToBytes(value))
	return nil
}

func (transaction *Transaction) Delete(namespace []byte, key []byte) error {
	transaction.txLock.Lock()
	defer transaction.txLock.Unlock()

	if transaction.closed {
		return sidechaindb.ErrTxClosed
	}
	k := string(sidechaindb.PrependNamespace(namespace, key))
	delete(transaction.writes, k)
	transaction.deletes[k] = struct{}{}
	return nil
}

func (transaction *Transaction) Commit() error {
	transaction.txLock.Lock()
	defer transaction.txLock.Unlock()

	if transaction.closed {
		return sidechaindb.ErrTxClosed
	}
	transaction.closed = true

	db := transaction.db
	db.lock.Lock()
	defer db.lock.Unlock()

	if transaction.stale() {
		return sidechaindb.ErrConflict
	}
	if len(transaction.writes) == 0 && len(transaction.deletes) == 0 {
		return nil
	}

	db.seq++
	for k, v := range transaction.writes {
		db.put(k, v)
	}
	for k := range transaction.deletes {
		db.remove(k)
	}
	return nil
}

// stale must be called with the db write lock held.
func (transaction *Transaction) stale() bool {
	versions := transaction.db.versions
	for k := range transaction.reads {
		if versions[k] > transaction.startSeq {
			return true
		}
	}
	if len(transaction.prefixes) == 0 {
		return false
	}
	for k, v := range versions {
		if v <= transaction.startSeq {
			continue
		}
		for _, p := range transaction.prefixes {
			if hasPrefix(k, p) {
				return true
			}
		}
	}
	return false
}

func (transaction *Transaction) Discard() {
	transaction.txLock.Lock()
	defer transaction.txLock.Unlock()

	transaction.closed = true
}
