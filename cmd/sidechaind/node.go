package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/celer-network/go-sidechain/anchor"
	"github.com/celer-network/go-sidechain/config"
	"github.com/celer-network/go-sidechain/db"
	"github.com/celer-network/go-sidechain/db/badgerdb"
	"github.com/celer-network/go-sidechain/db/memorydb"
	"github.com/celer-network/go-sidechain/db/sqldb"
	"github.com/celer-network/go-sidechain/ledger"
	"github.com/celer-network/go-sidechain/log"
	"github.com/celer-network/go-sidechain/stage"
	"github.com/celer-network/go-sidechain/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

// localAnchorID binds a store that runs without an anchor contract.
const localAnchorID = "local"

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	dir, err := cmd.Flags().GetString(flagConfig)
	if err != nil {
		return nil, err
	}
	c, err := config.Load(dir)
	if err != nil {
		return nil, err
	}
	if len(c.Log) > 0 {
		log.Configure(c.Log)
	}
	return c, nil
}

func openDB(c config.DBConfig) (db.DB, error) {
	switch c.Backend {
	case "memory":
		return memorydb.NewDB(), nil
	case "badger":
		return badgerdb.NewDB(c.Dir)
	case "sqlite":
		return sqldb.NewSQLite(filepath.Join(c.Dir, "sidechain.db"))
	case "postgres":
		return sqldb.NewPostgres(c.DSN)
	default:
		return nil, fmt.Errorf("unknown db backend %q", c.Backend)
	}
}

// node is the wired daemon.
type node struct {
	config   *config.Config
	db       db.DB
	ledger   *ledger.Ledger
	protocol *stage.Protocol
	client   *anchor.Client
}

func newNode(ctx context.Context, c *config.Config) (*node, error) {
	database, err := openDB(c.DB)
	if err != nil {
		return nil, err
	}
	n := &node{config: c, db: database}

	var (
		source   stage.AnchorSource
		anchorID = localAnchorID
	)
	if c.Anchor.Endpoint != "" {
		n.client, err = anchor.Dial(ctx, anchor.DialConfig{
			Endpoint:  c.Anchor.Endpoint,
			Contract:  c.Anchor.Contract,
			Keystore:  c.Anchor.Keystore,
			Password:  c.Anchor.Password,
			WaitMined: c.Anchor.WaitMined,
		})
		if err != nil {
			database.Close()
			return nil, err
		}
		source = n.client
		anchorID = n.client.Address().Hex()
	}

	if err := stage.Bootstrap(ctx, database, bootstrapSource{source}, anchorID); err != nil {
		database.Close()
		return nil, err
	}

	serializer, err := types.NewSerializer()
	if err != nil {
		database.Close()
		return nil, err
	}
	n.ledger = ledger.NewLedger(database, serializer, c.Ledger.MaxCommitRetries)
	n.protocol, err = stage.NewProtocol(database, n.ledger.Receipts(), source, stage.Config{
		IncludeSingleAssetAccounts: c.Stage.IncludeSingleAssetAccounts,
		CacheSize:                  c.Stage.CacheSize,
		MaxCommitRetries:           c.Stage.MaxCommitRetries,
	})
	if err != nil {
		database.Close()
		return nil, err
	}
	return n, nil
}

func (n *node) Close() {
	if err := n.db.Close(); err != nil {
		logger.Warn().Err(err).Msg("close db")
	}
}

// bootstrapSource reports height 0 when there is no anchor contract.
type bootstrapSource struct {
	stage.AnchorSource
}

func (s bootstrapSource) CurrentAnchoredStageHeight(ctx context.Context) (uint64, error) {
	if s.AnchorSource == nil {
		return 0, nil
	}
	return s.AnchorSource.CurrentAnchoredStageHeight(ctx)
}

func serveMetrics(ctx context.Context, address string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: address, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()
	go func() {
		logger.Info().Str("address", address).Msg("serving metrics")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()
}

func parseHash(s string) (common.Hash, error) {
	b := common.FromHex(s)
	if len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("%q is not a 32 byte hex hash", s)
	}
	return common.BytesToHash(b), nil
}
