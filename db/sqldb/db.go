// Package sqldb stores the key space in a single two column table through
// database/sql, on SQLite (modernc.org/sqlite) or PostgreSQL (lib/pq).
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sidechaindb "github.com/celer-network/go-sidechain/db"
	"github.com/celer-network/go-sidechain/log"
)

const (
	queryGet    = `SELECT v FROM sidechain_kv WHERE k = ?`
	queryUpsert = `INSERT INTO sidechain_kv (k, v) VALUES (?, ?) ON CONFLICT (k) DO UPDATE SET v = excluded.v`
	queryDelete = `DELETE FROM sidechain_kv WHERE k = ?`
	queryRange  = `SELECT k, v FROM sidechain_kv WHERE k >= ? AND k < ? ORDER BY k`
	queryFrom   = `SELECT k, v FROM sidechain_kv WHERE k >= ? ORDER BY k`

	pingRetries  = 5
	pingInterval = 2 * time.Second
)

var logger = log.NewLogger("db")

// Enforce database and transaction implements interfaces
var _ sidechaindb.DB = (*DB)(nil)

type DB struct {
	db      *sql.DB
	dialect dialect
	name    string
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// NewSQLite opens (or creates) an SQLite database file. Write transactions take
// the database lock at BEGIN so concurrent writers queue instead of failing late.
func NewSQLite(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate", path)
	db, err := open(sqliteDialect, dsn, path)
	if err != nil {
		return nil, err
	}
	db.db.SetMaxOpenConns(1)
	return db, nil
}

// NewPostgres connects to PostgreSQL. Transactions run SERIALIZABLE.
func NewPostgres(dsn string) (*DB, error) {
	return open(postgresDialect, dsn, "postgres")
}

func open(d dialect, dsn string, name string) (*DB, error) {
	sqlDB, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d.name, err)
	}

	for i := 0; ; i++ {
		err = sqlDB.Ping()
		if err == nil {
			break
		}
		if i == pingRetries {
			sqlDB.Close()
			return nil, fmt.Errorf("ping %s: %w", d.name, err)
		}
		logger.Warn().Err(err).Str("dialect", d.name).Int("attempt", i+1).Msg("database not ready, retrying")
		time.Sleep(pingInterval)
	}

	if _, err := sqlDB.Exec(d.schema); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	logger.Info().Str("dialect", d.name).Str("name", name).Msg("sql store ready")
	return &DB{db: sqlDB, dialect: d, name: name}, nil
}

func (db *DB) Type() string {
	return db.dialect.name
}

func (db *DB) Set(namespace []byte, key []byte, value []byte) error {
	return set(context.Background(), db.db, db.dialect, namespace, key, value)
}

func (db *DB) Delete(namespace []byte, key []byte) error {
	return del(context.Background(), db.db, db.dialect, namespace, key)
}

func (db *DB) Get(namespace []byte, key []byte) ([]byte, bool, error) {
	return get(context.Background(), db.db, db.dialect, namespace, key)
}

func (db *DB) Exist(namespace []byte, key []byte) (bool, error) {
	_, found, err := db.Get(namespace, key)
	return found, err
}

func (db *DB) Iterator(namespace []byte, prefix []byte) (sidechaindb.Iterator, error) {
	return scan(context.Background(), db.db, db.dialect, namespace, prefix)
}

func (db *DB) NewTx() (sidechaindb.Transaction, error) {
	ctx := context.Background()
	tx, err := db.db.BeginTx(ctx, &sql.TxOptions{Isolation: db.dialect.isolation})
	if err != nil {
		return nil, db.dialect.wrap("begin", err)
	}
	return &Transaction{ctx: ctx, tx: tx, dialect: db.dialect, createT: time.Now(), name: db.name}, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

func get(ctx context.Context, q queryer, d dialect, namespace, key []byte) ([]byte, bool, error) {
	var v []byte
	err := q.QueryRowContext(ctx, d.rebind(queryGet), sidechaindb.PrependNamespace(namespace, key)).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, d.wrap("get", err)
	}
	return sidechaindb.ConvNilToBytes(v), true, nil
}

func set(ctx context.Context, q queryer, d dialect, namespace, key, value []byte) error {
	_, err := q.ExecContext(ctx, d.rebind(queryUpsert),
		sidechaindb.PrependNamespace(namespace, key), sidechaindb.ConvNilToBytes(value))
	return d.wrap("set", err)
}

func del(ctx context.Context, q queryer, d dialect, namespace, key []byte) error {
	_, err := q.ExecContext(ctx, d.rebind(queryDelete), sidechaindb.PrependNamespace(namespace, key))
	return d.wrap("delete", err)
}

func scan(ctx context.Context, q queryer, d dialect, namespace, prefix []byte) (sidechaindb.Iterator, error) {
	start := sidechaindb.PrependNamespace(namespace, prefix)
	var (
		rows *sql.Rows
		err  error
	)
	if end := sidechaindb.PrefixEnd(start); end != nil {
		rows, err = q.QueryContext(ctx, d.rebind(queryRange), start, end)
	} else {
		rows, err = q.QueryContext(ctx, d.rebind(queryFrom), start)
	}
	if err != nil {
		return nil, d.wrap("scan", err)
	}
	defer rows.Close()

	var keys, values [][]byte
	for rows.Next() {
		var k, v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return nil, d.wrap("scan", err)
		}
		keys = append(keys, sidechaindb.StripNamespace(namespace, k))
		values = append(values, sidechaindb.ConvNilToBytes(v))
	}
	if err := rows.Err(); err != nil {
		return nil, d.wrap("scan", err)
	}
	return sidechaindb.NewSliceIterator(keys, values), nil
}

// wrap maps driver conflicts to ErrConflict and annotates everything else.
func (d dialect) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if d.conflict(err) {
		return sidechaindb.ErrConflict
	}
	return fmt.Errorf("%s %s: %w", d.name, op, err)
}
