package stage

import (
	"context"
	"fmt"

	"github.com/celer-network/go-sidechain/imt"
	"github.com/ethereum/go-ethereum/common"
)

// AnchorSource is the base chain contract that stage roots are anchored to.
type AnchorSource interface {
	// CurrentAnchoredStageHeight returns the height of the last anchored stage, 0 if none.
	CurrentAnchoredStageHeight(ctx context.Context) (uint64, error)
	// SubmitStageAnchor sends the roots of a stage and returns the transaction hash.
	SubmitStageAnchor(ctx context.Context, stageHash, receiptRoot, accountRoot common.Hash) (common.Hash, error)
}

type Status uint8

const (
	// StatusCollecting is reported for heights that have no stage record yet.
	StatusCollecting Status = iota
	StatusTreesBuilt
	StatusAnchored
	StatusAborted
)

func (s Status) String() string {
	switch s {
	case StatusCollecting:
		return "collecting"
	case StatusTreesBuilt:
		return "treesBuilt"
	case StatusAnchored:
		return "anchored"
	case StatusAborted:
		return "aborted"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Stage is the persisted snapshot of one stage height. The ordered hash lists
// are what the trees are rebuilt from.
type Stage struct {
	Height        uint64
	Hash          common.Hash
	ReceiptHashes []common.Hash
	AccountHashes []common.Hash
	ReceiptRoot   common.Hash
	AccountRoot   common.Hash
	Status        Status
	AnchorTx      common.Hash
	AttemptID     string
}

// CommitResult is what CommitStage hands to the anchoring side.
type CommitResult struct {
	StageHeight uint64
	StageHash   common.Hash
	ReceiptRoot common.Hash
	AccountRoot common.Hash
}

// Slice is an inclusion proof of one receipt in a stage's receipt tree.
type Slice struct {
	StageHeight uint64
	Slot        int
	NodeIndex   int
	LeafHash    common.Hash
	// LeafElements are all receipt hashes sharing the slot, in insertion order.
	LeafElements []common.Hash
	Proof        imt.Proof
	ReceiptRoot  common.Hash
}
