// Package stage turns the pending receipts and the account set into anchorable
// stages, and settles them once the anchor contract has recorded their roots.
//
// A height moves Collecting -> TreesBuilt -> Anchored, or to Aborted when the
// anchored roots disagree with the local ones. A mismatch persists a halt
// marker that blocks further CommitStage calls until ClearHalt.
package stage

import (
	"context"
	"errors"
	"fmt"

	"github.com/celer-network/go-sidechain/db"
	"github.com/celer-network/go-sidechain/imt"
	"github.com/celer-network/go-sidechain/ledger"
	"github.com/celer-network/go-sidechain/log"
	"github.com/celer-network/go-sidechain/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/crypto/sha3"
)

const (
	defaultCacheSize        = 16
	defaultMaxCommitRetries = 8
)

var logger = log.NewLogger("stage")

type Config struct {
	// IncludeSingleAssetAccounts puts accounts with a single asset into the account tree.
	IncludeSingleAssetAccounts bool
	CacheSize                  int
	MaxCommitRetries           int
}

type Protocol struct {
	db       db.DB
	receipts *ledger.ReceiptStore
	source   AnchorSource
	config   Config
	trees    *lru.Cache
}

// stageTrees are rebuilt from a stored stage. A side without elements has no tree.
type stageTrees struct {
	receipt *imt.IndexedMerkleTree
	account *imt.IndexedMerkleTree
}

// NewProtocol wires the protocol. source may be nil if SubmitAnchor is never used.
func NewProtocol(database db.DB, receipts *ledger.ReceiptStore, source AnchorSource, config Config) (*Protocol, error) {
	if config.CacheSize <= 0 {
		config.CacheSize = defaultCacheSize
	}
	if config.MaxCommitRetries <= 0 {
		config.MaxCommitRetries = defaultMaxCommitRetries
	}
	cache, err := lru.New(config.CacheSize)
	if err != nil {
		return nil, err
	}
	return &Protocol{
		db:       database,
		receipts: receipts,
		source:   source,
		config:   config,
		trees:    cache,
	}, nil
}

// retry runs fn until it does not lose a commit race, or the retry budget is spent.
func (p *Protocol) retry(ctx context.Context, op string, fn func() error) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn()
		if errors.Is(err, db.ErrConflict) && attempt < p.config.MaxCommitRetries {
			logger.Debug().Str("op", op).Int("attempt", attempt).Msg("lost commit race, retrying")
			continue
		}
		return err
	}
}

func buildTree(hashes []common.Hash) (*imt.IndexedMerkleTree, common.Hash, error) {
	if len(hashes) == 0 {
		return nil, imt.EmptyHash, nil
	}
	tree, err := imt.Build(sha3.NewLegacyKeccak256(), hashes)
	if err != nil {
		return nil, common.Hash{}, err
	}
	root, err := tree.RootHash()
	return tree, root, err
}

func rebuild(s *Stage) (*stageTrees, common.Hash, common.Hash, error) {
	receiptTree, receiptRoot, err := buildTree(s.ReceiptHashes)
	if err != nil {
		return nil, common.Hash{}, common.Hash{}, err
	}
	accountTree, accountRoot, err := buildTree(s.AccountHashes)
	if err != nil {
		return nil, common.Hash{}, common.Hash{}, err
	}
	return &stageTrees{receipt: receiptTree, account: accountTree}, receiptRoot, accountRoot, nil
}

func checkHalted(r db.Reader) error {
	height, halted, err := ledger.ReadCounter(r, ledger.KeyHalted)
	if err != nil {
		return err
	}
	if halted {
		return fmt.Errorf("%w: anchor mismatch at stage %d", types.ErrHalted, height)
	}
	return nil
}

// CommitStage builds and persists the receipt and account trees of height,
// which must be the expected stage height. The height counter moves forward in
// the same transaction, so at most one commit per height can succeed.
func (p *Protocol) CommitStage(ctx context.Context, height uint64) (*CommitResult, error) {
	var (
		result *CommitResult
		built  *stageTrees
	)
	err := p.retry(ctx, "commitStage", func() error {
		var err error
		result, built, err = p.commitOnce(ctx, height)
		return err
	})
	if err != nil {
		logger.Debug().Err(err).Uint64("stageHeight", height).Msg("stage not committed")
		return nil, err
	}

	p.trees.Add(height, built)
	stagesCommitted.Inc()
	expectedStageHeight.Set(float64(height + 1))
	return result, nil
}

func (p *Protocol) commitOnce(ctx context.Context, height uint64) (*CommitResult, *stageTrees, error) {
	tx, err := p.db.NewTx()
	if err != nil {
		return nil, nil, err
	}
	defer tx.Discard()

	if err := checkHalted(tx); err != nil {
		return nil, nil, err
	}
	if exists, err := tx.Exist(db.NamespaceStage, ledger.Uint64Key(height)); err != nil {
		return nil, nil, err
	} else if exists {
		return nil, nil, fmt.Errorf("%w: %d", types.ErrStageAlreadyExists, height)
	}

	expected, err := ledger.MustReadCounter(tx, ledger.KeyExpectedStageHeight)
	if err != nil {
		return nil, nil, err
	}
	if height != expected {
		return nil, nil, fmt.Errorf("%w: got %d, expected %d", types.ErrUnexpectedStageHeight, height, expected)
	}
	if err := ledger.WriteCounter(tx, ledger.KeyExpectedStageHeight, expected+1); err != nil {
		return nil, nil, err
	}
	// Every apply bumps the GSN row. Reading it makes an apply that commits
	// while this stage is open a conflict, on engines that only track point reads.
	if _, err := ledger.MustReadCounter(tx, ledger.KeyGSN); err != nil {
		return nil, nil, err
	}

	accountHashes, err := ledger.AccountHashes(tx, p.config.IncludeSingleAssetAccounts)
	if err != nil {
		return nil, nil, err
	}
	receiptHashes, err := ledger.PendingReceiptHashes(tx, height)
	if err != nil {
		return nil, nil, err
	}
	if len(accountHashes) == 0 && len(receiptHashes) == 0 {
		return nil, nil, fmt.Errorf("%w: %d", types.ErrNoPendingWork, height)
	}

	s := &Stage{
		Height:        height,
		Hash:          types.StageHash(height),
		ReceiptHashes: receiptHashes,
		AccountHashes: accountHashes,
		Status:        StatusTreesBuilt,
		AttemptID:     uuid.New().String(),
	}
	built, receiptRoot, accountRoot, err := rebuild(s)
	if err != nil {
		return nil, nil, err
	}
	s.ReceiptRoot, s.AccountRoot = receiptRoot, accountRoot

	if err := saveStage(tx, s); err != nil {
		return nil, nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}

	logger.Info().Uint64("stageHeight", height).Str("attempt", s.AttemptID).
		Int("receipts", len(receiptHashes)).Int("accounts", len(accountHashes)).
		Str("receiptRoot", receiptRoot.Hex()).Str("accountRoot", accountRoot.Hex()).Msg("stage trees built")
	receiptsPerStage.Observe(float64(len(receiptHashes)))

	return &CommitResult{
		StageHeight: height,
		StageHash:   s.Hash,
		ReceiptRoot: receiptRoot,
		AccountRoot: accountRoot,
	}, built, nil
}

// ConfirmAnchor compares the roots recorded on the base chain for height with
// the roots rebuilt from the stored stage. On a match the stage's receipts go
// onchain. On a mismatch the stage is aborted and stage advancement halts.
func (p *Protocol) ConfirmAnchor(ctx context.Context, height uint64, anchoredReceiptRoot, anchoredAccountRoot common.Hash) error {
	var local [2]common.Hash
	err := p.retry(ctx, "confirmAnchor", func() error {
		var err error
		local, err = p.confirmOnce(height, anchoredReceiptRoot, anchoredAccountRoot)
		return err
	})
	if !errors.Is(err, types.ErrAnchorMismatch) {
		return err
	}

	anchorMismatches.Inc()
	logger.Error().Err(err).Uint64("stageHeight", height).
		Str("localReceiptRoot", local[0].Hex()).Str("localAccountRoot", local[1].Hex()).
		Str("anchoredReceiptRoot", anchoredReceiptRoot.Hex()).Str("anchoredAccountRoot", anchoredAccountRoot.Hex()).
		Msg("anchored roots diverge from local stage, halting stage advancement")
	return err
}

// confirmOnce returns the local roots. ErrAnchorMismatch is only returned
// once the abort and the halt marker are committed.
func (p *Protocol) confirmOnce(height uint64, anchoredReceiptRoot, anchoredAccountRoot common.Hash) ([2]common.Hash, error) {
	var local [2]common.Hash
	tx, err := p.db.NewTx()
	if err != nil {
		return local, err
	}
	defer tx.Discard()

	s, found, err := loadStage(tx, height)
	if err != nil {
		return local, err
	}
	if !found {
		return local, fmt.Errorf("%w: %d", types.ErrUnknownStage, height)
	}

	built, receiptRoot, accountRoot, err := rebuild(s)
	if err != nil {
		return local, err
	}
	local = [2]common.Hash{receiptRoot, accountRoot}

	if receiptRoot == anchoredReceiptRoot && accountRoot == anchoredAccountRoot {
		if s.Status == StatusAnchored {
			return local, nil
		}
		// an aborted stage stays aborted until the operator clears the halt
		if s.Status == StatusAborted {
			if err := checkHalted(tx); err != nil {
				return local, fmt.Errorf("stage %d was aborted: %w", height, err)
			}
		}
		n, err := p.receipts.MarkCommittedTx(tx, height)
		if err != nil {
			return local, err
		}
		s.Status = StatusAnchored
		if err := saveStage(tx, s); err != nil {
			return local, err
		}
		if err := tx.Commit(); err != nil {
			return local, err
		}
		p.trees.Add(height, built)
		stagesAnchored.Inc()
		logger.Info().Uint64("stageHeight", height).Int("receipts", n).Msg("stage anchored")
		return local, nil
	}

	// an anchored stage stays anchored, but the divergence still halts advancement
	if s.Status != StatusAnchored {
		s.Status = StatusAborted
		if err := saveStage(tx, s); err != nil {
			return local, err
		}
	}
	if err := ledger.WriteCounter(tx, ledger.KeyHalted, height); err != nil {
		return local, err
	}
	if err := tx.Commit(); err != nil {
		return local, err
	}
	return local, fmt.Errorf("%w: stage %d", types.ErrAnchorMismatch, height)
}

func (p *Protocol) treesFor(height uint64) (*stageTrees, *Stage, error) {
	s, found, err := loadStage(p.db, height)
	if err != nil {
		return nil, nil, err
	}
	if !found {
		return nil, nil, fmt.Errorf("%w: %d", types.ErrUnknownStage, height)
	}
	if cached, ok := p.trees.Get(height); ok {
		return cached.(*stageTrees), s, nil
	}
	built, _, _, err := rebuild(s)
	if err != nil {
		return nil, nil, err
	}
	p.trees.Add(height, built)
	return built, s, nil
}

// Slice returns the inclusion proof of receiptHash in the receipt tree of height.
func (p *Protocol) Slice(height uint64, receiptHash common.Hash) (*Slice, error) {
	trees, s, err := p.treesFor(height)
	if err != nil {
		return nil, err
	}
	if trees.receipt == nil {
		return nil, fmt.Errorf("%w: stage %d has no receipts", imt.ErrNotFound, height)
	}
	tree := trees.receipt

	slot, err := tree.IndexOf(receiptHash)
	if err != nil {
		return nil, err
	}
	proof, err := tree.Slice(slot)
	if err != nil {
		return nil, err
	}
	leafHash, err := tree.LeafHash(slot)
	if err != nil {
		return nil, err
	}
	elements, err := tree.SlotElements(slot)
	if err != nil {
		return nil, err
	}
	return &Slice{
		StageHeight:  height,
		Slot:         slot,
		NodeIndex:    tree.NodeIndex(slot),
		LeafHash:     leafHash,
		LeafElements: elements,
		Proof:        proof,
		ReceiptRoot:  s.ReceiptRoot,
	}, nil
}

// SubmitAnchor hands the stored roots of height to the anchor source, after
// checking that the stored hash lists still reproduce them.
func (p *Protocol) SubmitAnchor(ctx context.Context, height uint64) (common.Hash, error) {
	if p.source == nil {
		return common.Hash{}, errors.New("no anchor source configured")
	}
	if err := checkHalted(p.db); err != nil {
		return common.Hash{}, err
	}
	s, found, err := loadStage(p.db, height)
	if err != nil {
		return common.Hash{}, err
	}
	if !found {
		return common.Hash{}, fmt.Errorf("%w: %d", types.ErrUnknownStage, height)
	}
	switch s.Status {
	case StatusAnchored:
		return s.AnchorTx, nil
	case StatusAborted:
		return common.Hash{}, fmt.Errorf("%w: stage %d was aborted", types.ErrAnchorMismatch, height)
	}

	_, receiptRoot, accountRoot, err := rebuild(s)
	if err != nil {
		return common.Hash{}, err
	}
	if receiptRoot != s.ReceiptRoot || accountRoot != s.AccountRoot {
		return common.Hash{}, fmt.Errorf("%w: stage %d", types.ErrStageCorrupt, height)
	}

	txHash, err := p.source.SubmitStageAnchor(ctx, s.Hash, s.ReceiptRoot, s.AccountRoot)
	if err != nil {
		return common.Hash{}, fmt.Errorf("submit stage %d: %w", height, err)
	}
	logger.Info().Uint64("stageHeight", height).Str("tx", txHash.Hex()).Msg("stage anchor submitted")

	err = p.retry(ctx, "recordAnchorTx", func() error {
		tx, err := p.db.NewTx()
		if err != nil {
			return err
		}
		defer tx.Discard()

		current, found, err := loadStage(tx, height)
		if err != nil || !found {
			return err
		}
		current.AnchorTx = txHash
		if err := saveStage(tx, current); err != nil {
			return err
		}
		return tx.Commit()
	})
	return txHash, err
}

func (p *Protocol) GetStage(height uint64) (*Stage, bool, error) {
	return loadStage(p.db, height)
}

// StageStatus reports StatusCollecting for heights without a stage record.
func (p *Protocol) StageStatus(height uint64) (Status, error) {
	s, found, err := loadStage(p.db, height)
	if err != nil || !found {
		return StatusCollecting, err
	}
	return s.Status, nil
}

// PendingStages lists stages that have trees but no confirmed anchor, by height.
func (p *Protocol) PendingStages() ([]*Stage, error) {
	iter, err := p.db.Iterator(db.NamespaceStage, nil)
	if err != nil {
		return nil, err
	}
	_, values, err := db.CollectIterator(iter)
	if err != nil {
		return nil, err
	}
	var pending []*Stage
	for _, v := range values {
		s, err := decodeStage(v)
		if err != nil {
			return nil, err
		}
		if s.Status == StatusTreesBuilt {
			pending = append(pending, s)
		}
	}
	return pending, nil
}

func (p *Protocol) ExpectedStageHeight() (uint64, error) {
	return ledger.MustReadCounter(p.db, ledger.KeyExpectedStageHeight)
}

// Halted returns the height whose anchor mismatch stopped stage advancement.
func (p *Protocol) Halted() (uint64, bool, error) {
	return ledger.ReadCounter(p.db, ledger.KeyHalted)
}

// ClearHalt lets CommitStage run again once an operator has reconciled local
// state with the anchor contract.
func (p *Protocol) ClearHalt(ctx context.Context) error {
	return p.retry(ctx, "clearHalt", func() error {
		tx, err := p.db.NewTx()
		if err != nil {
			return err
		}
		defer tx.Discard()

		height, halted, err := ledger.ReadCounter(tx, ledger.KeyHalted)
		if err != nil || !halted {
			return err
		}
		if err := tx.Delete(db.NamespaceCounter, ledger.KeyHalted); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		logger.Warn().Uint64("stageHeight", height).Msg("halt cleared")
		return nil
	})
}
