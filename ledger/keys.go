package ledger

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/celer-network/go-sidechain/db"
	"github.com/ethereum/go-ethereum/common"
)

// Counter rows in db.NamespaceCounter.
var (
	KeyGSN                 = []byte("gsn")
	KeyExpectedStageHeight = []byte("expectedStageHeight")
	KeyHalted              = []byte("halted")
	KeyAnchorContract      = []byte("anchorContract")
)

var ErrNotBootstrapped = errors.New("ledger counters are not initialised")

const accountKeyLen = common.AddressLength + common.HashLength

func accountKey(address common.Address, assetID common.Hash) []byte {
	key := make([]byte, 0, accountKeyLen)
	key = append(key, address.Bytes()...)
	return append(key, assetID.Bytes()...)
}

func splitAccountKey(key []byte) (common.Address, common.Hash, error) {
	if len(key) != accountKeyLen {
		return common.Address{}, common.Hash{}, fmt.Errorf("malformed account key %x", key)
	}
	return common.BytesToAddress(key[:common.AddressLength]), common.BytesToHash(key[common.AddressLength:]), nil
}

func Uint64Key(n uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, n)
	return key
}

// pendingKey orders pending receipts by stage height, then GSN.
func pendingKey(stageHeight, gsn uint64) []byte {
	return append(Uint64Key(stageHeight), Uint64Key(gsn)...)
}

// ReadCounter returns the counter stored under key.
func ReadCounter(r db.Reader, key []byte) (uint64, bool, error) {
	v, found, err := r.Get(db.NamespaceCounter, key)
	if err != nil || !found {
		return 0, false, err
	}
	if len(v) != 8 {
		return 0, false, fmt.Errorf("counter %s has %d bytes", key, len(v))
	}
	return binary.BigEndian.Uint64(v), true, nil
}

// MustReadCounter is ReadCounter that treats a missing row as ErrNotBootstrapped.
func MustReadCounter(r db.Reader, key []byte) (uint64, error) {
	n, found, err := ReadCounter(r, key)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, fmt.Errorf("%w: %s", ErrNotBootstrapped, key)
	}
	return n, nil
}

func WriteCounter(tx db.Transaction, key []byte, n uint64) error {
	return tx.Set(db.NamespaceCounter, key, Uint64Key(n))
}

// InitCounters creates the GSN and expected stage height rows if they are absent.
// Existing rows are left alone so a restart resumes where it stopped.
func InitCounters(database db.DB, expectedStageHeight uint64) error {
	tx, err := database.NewTx()
	if err != nil {
		return err
	}
	defer tx.Discard()

	if _, found, err := ReadCounter(tx, KeyGSN); err != nil {
		return err
	} else if !found {
		if err := WriteCounter(tx, KeyGSN, 0); err != nil {
			return err
		}
	}
	if _, found, err := ReadCounter(tx, KeyExpectedStageHeight); err != nil {
		return err
	} else if !found {
		if err := WriteCounter(tx, KeyExpectedStageHeight, expectedStageHeight); err != nil {
			return err
		}
	}
	return tx.Commit()
}
