package anchor

import (
	"context"
	"fmt"

	"github.com/celer-network/go-sidechain/utils"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

type DialConfig struct {
	Endpoint string
	Contract string
	// Keystore is optional; without it the client can read and watch but not submit.
	Keystore  string
	Password  string
	WaitMined bool
}

// Dial connects to the base chain and binds the anchor contract.
func Dial(ctx context.Context, config DialConfig) (*Client, error) {
	if !common.IsHexAddress(config.Contract) {
		return nil, fmt.Errorf("invalid anchor contract address %q", config.Contract)
	}
	ethClient, err := ethclient.DialContext(ctx, config.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", config.Endpoint, err)
	}

	var auth *bind.TransactOpts
	if config.Keystore != "" {
		chainID, err := ethClient.ChainID(ctx)
		if err != nil {
			ethClient.Close()
			return nil, err
		}
		auth, err = utils.GetAuthFromKeystore(config.Keystore, config.Password, chainID)
		if err != nil {
			ethClient.Close()
			return nil, err
		}
		logger.Info().Str("from", auth.From.Hex()).Uint64("chainId", chainID.Uint64()).Msg("anchor transactor loaded")
	}

	return NewClient(ethClient, common.HexToAddress(config.Contract), auth, config.WaitMined), nil
}
