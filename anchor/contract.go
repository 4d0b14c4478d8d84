package anchor

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// ContractABI covers the part of the stage anchor contract the sidechain uses.
const ContractABI = `[
	{"type":"function","name":"stageHeight","stateMutability":"view","inputs":[],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"addNewStage","stateMutability":"nonpayable",
	 "inputs":[{"name":"_stageHash","type":"bytes32"},{"name":"_rootHashes","type":"bytes32[2]"}],"outputs":[]},
	{"type":"event","name":"AddNewStage","anonymous":false,"inputs":[
	 {"name":"_stageHeight","type":"uint256","indexed":false},
	 {"name":"_stageHash","type":"bytes32","indexed":false},
	 {"name":"_receiptRootHash","type":"bytes32","indexed":false},
	 {"name":"_accountRootHash","type":"bytes32","indexed":false}]}
]`

const (
	methodStageHeight = "stageHeight"
	methodAddNewStage = "addNewStage"
	eventAddNewStage  = "AddNewStage"
)

var parsedABI abi.ABI

func init() {
	var err error
	parsedABI, err = abi.JSON(strings.NewReader(ContractABI))
	if err != nil {
		panic(err)
	}
}

// contractStageAnchored mirrors the AddNewStage event layout.
type contractStageAnchored struct {
	StageHeight     *big.Int
	StageHash       [32]byte
	ReceiptRootHash [32]byte
	AccountRootHash [32]byte
}

func unpackStageHeight(out []interface{}) (uint64, error) {
	if len(out) != 1 {
		return 0, fmt.Errorf("%s returned %d values", methodStageHeight, len(out))
	}
	height, ok := out[0].(*big.Int)
	if !ok || !height.IsUint64() {
		return 0, fmt.Errorf("%s returned %v", methodStageHeight, out[0])
	}
	return height.Uint64(), nil
}
