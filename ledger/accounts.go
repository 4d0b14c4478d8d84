package ledger

import (
	"fmt"

	"github.com/celer-network/go-sidechain/db"
	"github.com/celer-network/go-sidechain/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// AccountState is every tracked asset balance of one address, by ascending asset id.
type AccountState struct {
	Address  common.Address
	AssetIDs []common.Hash
	Balances []types.Balance
}

// Hash is keccak256 over the concatenated balances.
func (a *AccountState) Hash() common.Hash {
	parts := make([][]byte, len(a.Balances))
	for i := range a.Balances {
		parts[i] = a.Balances[i].Bytes()
	}
	return crypto.Keccak256Hash(parts...)
}

// Accounts returns all accounts ordered by address, with assets in ascending order.
func Accounts(r db.Reader) ([]*AccountState, error) {
	iter, err := r.Iterator(db.NamespaceAccount, nil)
	if err != nil {
		return nil, err
	}
	keys, values, err := db.CollectIterator(iter)
	if err != nil {
		return nil, err
	}

	var (
		out     []*AccountState
		current *AccountState
	)
	for i := range keys {
		address, assetID, err := splitAccountKey(keys[i])
		if err != nil {
			return nil, err
		}
		if current == nil || current.Address != address {
			current = &AccountState{Address: address}
			out = append(out, current)
		}
		balance, err := types.BalanceFromBytes(values[i])
		if err != nil {
			return nil, fmt.Errorf("account %s asset %s: %w", address.Hex(), assetID.Hex(), err)
		}
		current.AssetIDs = append(current.AssetIDs, assetID)
		current.Balances = append(current.Balances, balance)
	}
	return out, nil
}

// AccountHashes returns one hash per account for the account tree. Unless
// includeSingleAsset is set, an account is only hashed when it tracks more
// than one asset.
func AccountHashes(r db.Reader, includeSingleAsset bool) ([]common.Hash, error) {
	accounts, err := Accounts(r)
	if err != nil {
		return nil, err
	}
	var hashes []common.Hash
	for _, a := range accounts {
		if len(a.Balances) > 1 || includeSingleAsset {
			hashes = append(hashes, a.Hash())
		}
	}
	return hashes, nil
}
