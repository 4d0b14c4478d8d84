// Package aggregator drives the sidechain: it applies incoming light
// transactions and closes a stage on every tick.
package aggregator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/celer-network/go-sidechain/ledger"
	"github.com/celer-network/go-sidechain/log"
	"github.com/celer-network/go-sidechain/types"
)

const (
	txQueueSize = 64
)

var logger = log.NewLogger("aggregator")

var ErrStopped = errors.New("aggregator stopped")

type request struct {
	lightTx *types.LightTx
	reply   chan ledger.ApplyResult
}

type Aggregator struct {
	ledger         *ledger.Ledger
	stageSubmitter *StageSubmitter
	txQueue        chan request
	workers        int
	stageInterval  time.Duration

	wg   sync.WaitGroup
	quit chan struct{}
	once sync.Once
}

func NewAggregator(l *ledger.Ledger, stageSubmitter *StageSubmitter, workers int, stageInterval time.Duration) *Aggregator {
	if workers <= 0 {
		workers = 1
	}
	return &Aggregator{
		ledger:         l,
		stageSubmitter: stageSubmitter,
		txQueue:        make(chan request, txQueueSize),
		workers:        workers,
		stageInterval:  stageInterval,
		quit:           make(chan struct{}),
	}
}

// Start launches the apply workers and, with a positive stage interval, the stage loop.
func (a *Aggregator) Start(ctx context.Context) {
	for i := 0; i < a.workers; i++ {
		a.wg.Add(1)
		go a.processTransactions(ctx)
	}
	if a.stageInterval > 0 {
		a.wg.Add(1)
		go a.processStages(ctx)
	}
}

// Stop ends the loops and waits for them. Requests still queued are answered with ErrStopped.
func (a *Aggregator) Stop() {
	a.once.Do(func() { close(a.quit) })
	a.wg.Wait()
	for {
		select {
		case req := <-a.txQueue:
			req.reply <- ledger.ApplyResult{Err: ErrStopped}
		default:
			return
		}
	}
}

// ApplyLightTx queues lightTx and waits for its receipt.
func (a *Aggregator) ApplyLightTx(ctx context.Context, lightTx *types.LightTx) (*types.Receipt, error) {
	select {
	case <-a.quit:
		return nil, ErrStopped
	default:
	}

	req := request{lightTx: lightTx, reply: make(chan ledger.ApplyResult, 1)}
	select {
	case a.txQueue <- req:
	case <-a.quit:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-req.reply:
		return res.Receipt, res.Err
	case <-a.quit:
		// workers reply to whatever they picked up before exiting
		a.wg.Wait()
		select {
		case res := <-req.reply:
			return res.Receipt, res.Err
		default:
			return nil, ErrStopped
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *Aggregator) processTransactions(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case req := <-a.txQueue:
			receipt, err := a.ledger.ApplyLightTx(ctx, req.lightTx)
			if err != nil {
				logger.Debug().Err(err).Str("type", req.lightTx.Type.String()).
					Str("class", types.ClassifyError(err).String()).Msg("light tx rejected")
			}
			req.reply <- ledger.ApplyResult{Receipt: receipt, Err: err}
		case <-a.quit:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (a *Aggregator) processStages(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.stageInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := a.stageSubmitter.Tick(ctx); err != nil {
				a.logStageError(err)
			}
		case <-a.quit:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (a *Aggregator) logStageError(err error) {
	switch class := types.ClassifyError(err); class {
	case types.ClassSkip:
	case types.ClassOperatorIntervention:
		logger.Error().Err(err).Msg("stage loop needs operator intervention")
	default:
		logger.Warn().Err(err).Str("class", class.String()).Msg("stage tick failed")
	}
}
