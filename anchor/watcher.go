package anchor

import (
	"context"
	"errors"

	"github.com/celer-network/go-sidechain/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
)

type EventSource interface {
	WatchStageAnchored(ctx context.Context, start *uint64, sink chan<- *StageAnchored) (event.Subscription, error)
}

// Confirmer is satisfied by *stage.Protocol.
type Confirmer interface {
	ConfirmAnchor(ctx context.Context, height uint64, receiptRoot, accountRoot common.Hash) error
}

// Watcher feeds anchor events to ConfirmAnchor.
type Watcher struct {
	source    EventSource
	confirmer Confirmer
	start     *uint64
}

func NewWatcher(source EventSource, confirmer Confirmer, start *uint64) *Watcher {
	return &Watcher{source: source, confirmer: confirmer, start: start}
}

// Run blocks until ctx is done or the subscription fails.
func (w *Watcher) Run(ctx context.Context) error {
	sink := make(chan *StageAnchored)
	sub, err := w.source.WatchStageAnchored(ctx, w.start, sink)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	for {
		select {
		case ev := <-sink:
			w.handle(ctx, ev)
		case err := <-sub.Err():
			if err != nil {
				logger.Error().Err(err).Msg("anchor event subscription failed")
			}
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (w *Watcher) handle(ctx context.Context, ev *StageAnchored) {
	if ev.StageHash != types.StageHash(ev.StageHeight) {
		logger.Error().Uint64("stageHeight", ev.StageHeight).Str("stageHash", ev.StageHash.Hex()).
			Msg("anchored stage hash does not match its height")
	}
	err := w.confirmer.ConfirmAnchor(ctx, ev.StageHeight, ev.ReceiptRoot, ev.AccountRoot)
	switch {
	case err == nil:
		logger.Debug().Uint64("stageHeight", ev.StageHeight).Str("tx", ev.Raw.TxHash.Hex()).Msg("stage anchor confirmed")
	case errors.Is(err, types.ErrAnchorMismatch):
		// already logged and halted by the protocol
	default:
		logger.Warn().Err(err).Uint64("stageHeight", ev.StageHeight).Str("class", types.ClassifyError(err).String()).
			Msg("cannot confirm stage anchor")
	}
}
