package memorydb

import (
	"errors"

	sidechaindb "github.com/celer-network/go-sidechain/db"
)

var errInvalidIterator = errors.New("iterator is invalid")

// Iterator walks a copy of the matching entries taken when it was created.
type Iterator struct {
	namespace []byte
	keys      []string
	values    [][]byte
	cursor    int
	closed    bool
}

func newIterator(namespace []byte, entries map[string][]byte) *Iterator {
	keys := sortedKeys(entries)
	values := make([][]byte, len(keys))
	for i, k := range keys {
		values[i] = entries[k]
	}
	return &Iterator{namespace: namespace, keys: keys, values: values}
}

func (iter *Iterator) Next() error {
	if !iter.Valid() {
		return errInvalidIterator
	}
	iter.cursor++
	return nil
}

func (iter *Iterator) Valid() bool {
	return !iter.closed && iter.cursor < len(iter.keys)
}

func (iter *Iterator) Key() ([]byte, error) {
	if !iter.Valid() {
		return nil, errInvalidIterator
	}
	return sidechaindb.StripNamespace(iter.namespace, []byte(iter.keys[iter.cursor])), nil
}

func (iter *Iterator) Value() ([]byte, error) {
	if !iter.Valid() {
		return nil, errInvalidIterator
	}
	return iter.values[iter.cursor], nil
}

func (iter *Iterator) Close() {
	iter.closed = true
}
