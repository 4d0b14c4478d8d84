// Command revertreason prints why a transaction, typically a failed
// addNewStage, reverted.
package main

import (
	"context"
	"flag"
	"time"

	"github.com/celer-network/go-sidechain/anchor"
	"github.com/celer-network/go-sidechain/log"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

var (
	svr    = flag.String("ethrpc", "http://127.0.0.1:8545", "ETH JSON-RPC url")
	txHash = flag.String("tx", "", "Transaction hash")
)

func main() {
	flag.Parse()
	logger := log.NewLogger("revertreason")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := ethclient.DialContext(ctx, *svr)
	if err != nil {
		logger.Fatal().Err(err).Send()
	}
	defer client.Close()

	reason, err := anchor.RevertReason(ctx, client, common.HexToHash(*txHash))
	if err != nil {
		logger.Fatal().Err(err).Send()
	}
	logger.Info().Str("tx", *txHash).Str("reason", reason).Send()
}
