package memorydb

import (
	"sort"
	"sync"

	sidechaindb "github.com/celer-network/go-sidechain/db"
)

func NewDB() *DB {
	return &DB{
		db:       make(map[string][]byte),
		versions: make(map[string]uint64),
	}
}

// Enforce database and transaction implements interfaces
var _ sidechaindb.DB = (*DB)(nil)

// DB keeps everything in a map. Each commit bumps seq and stamps the keys it
// touched, which is what transactions validate their reads against.
type DB struct {
	lock     sync.RWMutex
	db       map[string][]byte
	versions map[string]uint64
	seq      uint64
}

func (db *DB) Type() string {
	return "memorydb"
}

func (db *DB) Set(namespace []byte, key []byte, value []byte) error {
	db.lock.Lock()
	defer db.lock.Unlock()

	db.seq++
	db.put(string(sidechaindb.PrependNamespace(namespace, key)), sidechaindb.ConvNilToBytes(value))
	return nil
}

func (db *DB) Delete(namespace []byte, key []byte) error {
	db.lock.Lock()
	defer db.lock.Unlock()

	db.seq++
	db.remove(string(sidechaindb.PrependNamespace(namespace, key)))
	return nil
}

// put and remove must be called with the write lock held and seq already bumped.
func (db *DB) put(key string, value []byte) {
	stored := make([]byte, len(value))
	copy(stored, value)
	db.db[key] = stored
	db.versions[key] = db.seq
}

func (db *DB) remove(key string) {
	delete(db.db, key)
	db.versions[key] = db.seq
}

func (db *DB) Get(namespace []byte, key []byte) ([]byte, bool, error) {
	db.lock.RLock()
	defer db.lock.RUnlock()

	value, exists := db.db[string(sidechaindb.PrependNamespace(namespace, key))]
	if !exists {
		return nil, false, nil
	}
	return copyBytes(value), true, nil
}

func (db *DB) Exist(namespace []byte, key []byte) (bool, error) {
	_, ok, err := db.Get(namespace, key)
	return ok, err
}

func (db *DB) Iterator(namespace []byte, prefix []byte) (sidechaindb.Iterator, error) {
	db.lock.RLock()
	defer db.lock.RUnlock()

	full := string(sidechaindb.PrependNamespace(namespace, prefix))
	entries := make(map[string][]byte)
	for k, v := range db.db {
		if hasPrefix(k, full) {
			entries[k] = copyBytes(v)
		}
	}
	return newIterator(namespace, entries), nil
}

func (db *DB) Close() error {
	return nil
}

func (db *DB) NewTx() (sidechaindb.Transaction, error) {
	db.lock.RLock()
	defer db.lock.RUnlock()

	return &Transaction{
		db:       db,
		startSeq: db.seq,
		writes:   make(map[string][]byte),
		deletes:  make(map[string]struct{}),
		reads:    make(map[string]struct{}),
	}, nil
}

func hasPrefix(key, prefix string) bool {
	return len(key) >= len(prefix) && key[:len(prefix)] == prefix
}

func copyBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func sortedKeys(entries map[string][]byte) []string {
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
