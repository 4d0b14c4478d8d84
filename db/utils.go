package db

import "errors"

var errInvalidIterator = errors.New("iterator is invalid")

var (
	NamespaceAccount = []byte("acct")
	NamespaceReceipt = []byte("rcpt")
	NamespacePending = []byte("pend")
	NamespaceGSN     = []byte("gsn")
	NamespaceStage   = []byte("stage")
	NamespaceCounter = []byte("ctr")
	EmptyKey         = []byte{}
	Separator        = []byte("|")
)

func PrependNamespace(namespace []byte, key []byte) []byte {
	if namespace != nil {
		out := make([]byte, 0, len(namespace)+len(Separator)+len(key))
		return append(append(append(out, namespace...), Separator...), key...)
	}
	return key
}

// StripNamespace is the inverse of PrependNamespace.
func StripNamespace(namespace []byte, key []byte) []byte {
	if namespace == nil {
		return key
	}
	return key[len(namespace)+len(Separator):]
}

func ConvNilToBytes(byteArray []byte) []byte {
	if byteArray == nil {
		return []byte{}
	}
	return byteArray
}

// PrefixEnd returns the smallest key greater than every key starting with prefix,
// or nil when no such key exists.
func PrefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

// CollectIterator drains iter into keys and values and closes it.
func CollectIterator(iter Iterator) ([][]byte, [][]byte, error) {
	defer iter.Close()
	var keys, values [][]byte
	for ; iter.Valid(); iter.Next() {
		k, err := iter.Key()
		if err != nil {
			return nil, nil, err
		}
		v, err := iter.Value()
		if err != nil {
			return nil, nil, err
		}
		keys = append(keys, k)
		values = append(values, v)
	}
	return keys, values, nil
}

// SliceIterator iterates over keys and values that were loaded up front.
type SliceIterator struct {
	keys   [][]byte
	values [][]byte
	cursor int
	closed bool
}

// NewSliceIterator returns an Iterator over keys and values, which must be sorted by key.
func NewSliceIterator(keys [][]byte, values [][]byte) *SliceIterator {
	return &SliceIterator{keys: keys, values: values}
}

func (iter *SliceIterator) Next() error {
	if !iter.Valid() {
		return errInvalidIterator
	}
	iter.cursor++
	return nil
}

func (iter *SliceIterator) Valid() bool {
	return !iter.closed && iter.cursor < len(iter.keys)
}

func (iter *SliceIterator) Key() ([]byte, error) {
	if !iter.Valid() {
		return nil, errInvalidIterator
	}
	return iter.keys[iter.cursor], nil
}

func (iter *SliceIterator) Value() ([]byte, error) {
	if !iter.Valid() {
		return nil, errInvalidIterator
	}
	return iter.values[iter.cursor], nil
}

func (iter *SliceIterator) Close() {
	iter.closed = true
}
