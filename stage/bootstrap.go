package stage

import (
	"bytes"
	"context"
	"fmt"

	"github.com/celer-network/go-sidechain/db"
	"github.com/celer-network/go-sidechain/ledger"
	"github.com/celer-network/go-sidechain/types"
)

// Bootstrap prepares database for a ledger anchored to anchorID. A fresh store
// starts at the stage after the last anchored one with GSN 0. A store already
// bound to a different anchor contract is refused.
func Bootstrap(ctx context.Context, database db.DB, source AnchorSource, anchorID string) error {
	anchored, err := source.CurrentAnchoredStageHeight(ctx)
	if err != nil {
		return fmt.Errorf("read anchored stage height: %w", err)
	}

	if err := bindAnchor(database, anchorID); err != nil {
		return err
	}
	if err := ledger.InitCounters(database, anchored+1); err != nil {
		return err
	}

	expected, err := ledger.MustReadCounter(database, ledger.KeyExpectedStageHeight)
	if err != nil {
		return err
	}
	expectedStageHeight.Set(float64(expected))
	if expected <= anchored {
		logger.Warn().Uint64("expectedStageHeight", expected).Uint64("anchoredStageHeight", anchored).
			Msg("anchor contract is ahead of the local ledger")
	}
	logger.Info().Str("anchor", anchorID).Uint64("expectedStageHeight", expected).Msg("ledger bootstrapped")
	return nil
}

func bindAnchor(database db.DB, anchorID string) error {
	tx, err := database.NewTx()
	if err != nil {
		return err
	}
	defer tx.Discard()

	stored, found, err := tx.Get(db.NamespaceCounter, ledger.KeyAnchorContract)
	if err != nil {
		return err
	}
	if found {
		if !bytes.Equal(stored, []byte(anchorID)) {
			return fmt.Errorf("%w: stored %s, configured %s", types.ErrAnchorSourceMismatch, stored, anchorID)
		}
		return nil
	}
	if err := tx.Set(db.NamespaceCounter, ledger.KeyAnchorContract, []byte(anchorID)); err != nil {
		return err
	}
	return tx.Commit()
}
