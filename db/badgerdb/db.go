package badgerdb

import (
	"context"
	"errors"
	"time"

	sidechaindb "github.com/celer-network/go-sidechain/db"
	"github.com/celer-network/go-sidechain/log"
	"github.com/dgraph-io/badger/v2"
	"github.com/dgraph-io/badger/v2/options"
)

const (
	badgerDbDiscardRatio   = 0.5 // run gc when 50% of samples can be collected
	badgerDbGcInterval     = 10 * time.Minute
	badgerDbGcSize         = 1 << 20 // 1 MB
	badgerValueLogFileSize = 1<<26 - 1
)

var logger = &extendedLog{Logger: log.NewLogger("db")}

// NewDB creates new database or load existing database in the directory
func NewDB(dir string) (*DB, error) {
	opts := badger.DefaultOptions(dir)

	// keep RAM usage flat on large account sets
	opts.ValueLogLoadingMode = options.FileIO
	opts.TableLoadingMode = options.FileIO
	opts.ValueThreshold = 1024

	// 64 MB value log files keep GC rounds short on slow disks
	opts.ValueLogFileSize = badgerValueLogFileSize
	opts.Logger = logger

	bdb, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	ctx, cancelFunc := context.WithCancel(context.Background())
	database := &DB{
		db:         bdb,
		ctx:        ctx,
		cancelFunc: cancelFunc,
		name:       dir,
		gcDone:     make(chan struct{}),
	}
	go database.runBadgerGC()

	return database, nil
}

func (db *DB) runBadgerGC() {
	defer close(db.gcDone)
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	lastGcT := time.Now()
	_, lastDbVlogSize := db.db.Size()
	for {
		select {
		case <-ticker.C:
			currentDblsmSize, currentDbVlogSize := db.db.Size()

			// interval elapsed, or the value log grows slowly and the disk is idle
			if time.Since(lastGcT) > badgerDbGcInterval || lastDbVlogSize+badgerDbGcSize > currentDbVlogSize {
				startGcT := time.Now()
				logger.Debug().Str("name", db.name).Int64("lsmSize", currentDblsmSize).Int64("vlogSize", currentDbVlogSize).Msg("Start to GC at badger")
				err := db.db.RunValueLogGC(badgerDbDiscardRatio)
				if err != nil {
					if err == badger.ErrNoRewrite {
						logger.Debug().Str("name", db.name).Str("msg", err.Error()).Msg("Nothing to GC at badger")
					} else {
						logger.Error().Str("name", db.name).Err(err).Msg("Fail to GC at badger")
					}
					lastDbVlogSize = currentDbVlogSize
				} else {
					afterGcDblsmSize, afterGcDbVlogSize := db.db.Size()
					logger.Debug().Str("name", db.name).Int64("lsmSize", afterGcDblsmSize).Int64("vlogSize", afterGcDbVlogSize).
						Dur("takenTime", time.Since(startGcT)).Msg("Finish to GC at badger")
					lastDbVlogSize = afterGcDbVlogSize
				}
				lastGcT = time.Now()
			}

		case <-db.ctx.Done():
			return
		}
	}
}

// Enforce database and transaction implements interfaces
var _ sidechaindb.DB = (*DB)(nil)

type DB struct {
	db         *badger.DB
	ctx        context.Context
	cancelFunc context.CancelFunc
	name       string
	gcDone     chan struct{}
}

func (db *DB) Type() string {
	return "badgerdb"
}

func (db *DB) Set(namespace []byte, key []byte, value []byte) error {
	key = sidechaindb.PrependNamespace(namespace, key)
	value = sidechaindb.ConvNilToBytes(value)

	return db.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

func (db *DB) Delete(namespace []byte, key []byte) error {
	key = sidechaindb.PrependNamespace(namespace, key)

	return db.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

func (db *DB) Get(namespace []byte, key []byte) ([]byte, bool, error) {
	var (
		val   []byte
		found bool
	)
	err := db.db.View(func(txn *badger.Txn) error {
		var err error
		val, found, err = get(txn, sidechaindb.PrependNamespace(namespace, key))
		return err
	})
	return val, found, err
}

func (db *DB) Exist(namespace []byte, key []byte) (bool, error) {
	_, found, err := db.Get(namespace, key)
	return found, err
}

func (db *DB) Iterator(namespace []byte, prefix []byte) (sidechaindb.Iterator, error) {
	var iter sidechaindb.Iterator
	err := db.db.View(func(txn *badger.Txn) error {
		var err error
		iter, err = scan(txn, namespace, prefix)
		return err
	})
	return iter, err
}

func (db *DB) Close() error {
	db.cancelFunc()
	<-db.gcDone
	return db.db.Close()
}

func (db *DB) NewTx() (sidechaindb.Transaction, error) {
	return &Transaction{
		db:      db,
		tx:      db.db.NewTransaction(true),
		createT: time.Now(),
	}, nil
}

func get(txn *badger.Txn, key []byte) ([]byte, bool, error) {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

// scan loads the whole prefix eagerly. A read-write badger transaction allows only
// one open iterator, and callers write while they walk the results.
func scan(txn *badger.Txn, namespace []byte, prefix []byte) (sidechaindb.Iterator, error) {
	full := sidechaindb.PrependNamespace(namespace, prefix)
	opt := badger.DefaultIteratorOptions
	opt.Prefix = full

	it := txn.NewIterator(opt)
	defer it.Close()

	var keys, values [][]byte
	for it.Seek(full); it.ValidForPrefix(full); it.Next() {
		item := it.Item()
		v, err := item.ValueCopy(nil)
		if err != nil {
			return nil, err
		}
		keys = append(keys, sidechaindb.StripNamespace(namespace, item.KeyCopy(nil)))
		values = append(values, v)
	}
	return sidechaindb.NewSliceIterator(keys, values), nil
}
