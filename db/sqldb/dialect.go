package sqldb

import (
	"database/sql"
	"errors"
	"strconv"
	"strings"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// dialect carries the few places where SQLite and PostgreSQL disagree.
type dialect struct {
	name      string
	driver    string
	schema    string
	isolation sql.IsolationLevel
	// conflict reports errors that mean "another writer won, run the unit of work again".
	conflict func(error) bool
	numbered  bool
}

var sqliteDialect = dialect{
	name:   "sqlite",
	driver: "sqlite",
	schema: `CREATE TABLE IF NOT EXISTS sidechain_kv (
		k BLOB PRIMARY KEY,
		v BLOB NOT NULL
	)`,
	isolation: sql.LevelDefault,

	conflict: func(err error) bool {
		var se *sqlite.Error
		if !errors.As(err, &se) {
			return false
		}
		code := se.Code() & 0xff
		return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
	},
}

var postgresDialect = dialect{
	name:   "postgres",
	driver: "postgres",
	schema: `CREATE TABLE IF NOT EXISTS sidechain_kv (
		k BYTEA PRIMARY KEY,
		v BYTEA NOT NULL
	)`,
	isolation: sql.LevelSerializable,
	numbered:  true,

	conflict: func(err error) bool {
		var pe *pq.Error
		if !errors.As(err, &pe) {
			return false
		}
		// serialization_failure, deadlock_detected
		return pe.Code == "40001" || pe.Code == "40P01"
	},
}

// rebind rewrites ? placeholders to $1, $2 ... for PostgreSQL.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
