package types

import (
	"encoding/hex"
	"fmt"

	"github.com/holiman/uint256"
)

// Balance is a 256-bit big-endian amount. Its text form is 64 hex digits, zero padded.
type Balance [32]byte

var ZeroBalance = Balance{}

func BalanceFromUint256(v *uint256.Int) Balance {
	return Balance(v.Bytes32())
}

// BalanceFromBytes reads a big-endian amount of at most 32 bytes.
func BalanceFromBytes(b []byte) (Balance, error) {
	var bal Balance
	if len(b) > len(bal) {
		return ZeroBalance, fmt.Errorf("%w: %d bytes", ErrMalformedBalance, len(b))
	}
	copy(bal[len(bal)-len(b):], b)
	return bal, nil
}

func (b Balance) Uint256() *uint256.Int {
	return new(uint256.Int).SetBytes32(b[:])
}

func (b Balance) Bytes() []byte {
	return b[:]
}

func (b Balance) Hex() string {
	return hex.EncodeToString(b[:])
}

func (b Balance) String() string {
	return "0x" + b.Hex()
}

func (b Balance) IsZero() bool {
	return b == ZeroBalance
}
