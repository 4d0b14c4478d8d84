package aggregator

import (
	"context"
	"errors"
	"sync"

	"github.com/celer-network/go-sidechain/stage"
	"github.com/celer-network/go-sidechain/types"
	"github.com/ethereum/go-ethereum/common"
)

// StageSubmitter closes the expected stage and hands its roots to the anchor contract.
type StageSubmitter struct {
	protocol *stage.Protocol
	submit   bool
	lock     sync.Mutex
}

// NewStageSubmitter returns a submitter. With submit unset stages are only
// committed locally, for deployments where anchoring is driven elsewhere.
func NewStageSubmitter(protocol *stage.Protocol, submit bool) *StageSubmitter {
	return &StageSubmitter{protocol: protocol, submit: submit}
}

// Tick resubmits committed stages that were never sent, then commits the
// expected stage. It returns the committed stage, or nil when there was nothing to do.
func (ss *StageSubmitter) Tick(ctx context.Context) (*stage.CommitResult, error) {
	ss.lock.Lock()
	defer ss.lock.Unlock()

	if ss.submit {
		if err := ss.resubmitPending(ctx); err != nil {
			return nil, err
		}
	}

	height, err := ss.protocol.ExpectedStageHeight()
	if err != nil {
		return nil, err
	}
	result, err := ss.protocol.CommitStage(ctx, height)
	if errors.Is(err, types.ErrNoPendingWork) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	logger.Info().Uint64("stageHeight", height).Str("receiptRoot", result.ReceiptRoot.Hex()).Msg("stage committed")

	if ss.submit {
		if _, err := ss.protocol.SubmitAnchor(ctx, height); err != nil {
			return result, err
		}
	}
	return result, nil
}

func (ss *StageSubmitter) resubmitPending(ctx context.Context) error {
	pending, err := ss.protocol.PendingStages()
	if err != nil {
		return err
	}
	for _, s := range pending {
		if s.AnchorTx != (common.Hash{}) {
			continue
		}
		logger.Info().Uint64("stageHeight", s.Height).Msg("submitting stage left unanchored")
		if _, err := ss.protocol.SubmitAnchor(ctx, s.Height); err != nil {
			return err
		}
	}
	return nil
}
