package types

import (
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Receipt records the effect of one applied light transaction.
type Receipt struct {
	GSN         uint64
	StageHeight uint64
	LightTxHash common.Hash
	LightTx     *LightTx
	// Post-apply balances; zero when the variant has no such side.
	FromBalance Balance
	ToBalance   Balance
	ReceiptHash common.Hash
	Onchain     bool
}

// StageHash is keccak256 of the decimal height, which is what light
// transactions are signed against.
func StageHash(height uint64) common.Hash {
	return crypto.Keccak256Hash([]byte(strconv.FormatUint(height, 10)))
}
