package scenarios

import (
	"fmt"

	"github.com/goliatone/go-identity-map/identitymap"
)

// Collections exercised by the scenarios. NamesTable declares its identity
// after the value columns and Table2 uses a text identity that is not
// called "id".
var (
	Names = identitymap.MustCollection("NamesTable",
		identitymap.Columns("first", "second"),
		identitymap.Identity("id", identitymap.KeyInt),
	)
	Accounts = identitymap.MustCollection("AccountsTable",
		identitymap.References("name", Names),
	)
	Table1 = identitymap.MustCollection("Table1",
		identitymap.Identity("id", identitymap.KeyLong),
		identitymap.Columns("label"),
	)
	Table2 = identitymap.MustCollection("Table2",
		identitymap.Identity("uuid_col", identitymap.KeyText),
		identitymap.References("table1", Table1),
	)
)

// All returns the collections in dependency order.
func All() []*identitymap.Collection {
	return []*identitymap.Collection{Names, Accounts, Table1, Table2}
}

// Dialects supported by DDL.
const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

var ddl = map[string][]string{
	DialectSQLite: {
		`CREATE TABLE IF NOT EXISTS names_table (first TEXT, second TEXT, id INTEGER PRIMARY KEY)`,
		`CREATE TABLE IF NOT EXISTS accounts_table (id INTEGER PRIMARY KEY, name INTEGER NOT NULL REFERENCES names_table (id))`,
		`CREATE TABLE IF NOT EXISTS table_1 (id INTEGER PRIMARY KEY, label TEXT)`,
		`CREATE TABLE IF NOT EXISTS table_2 (uuid_col TEXT PRIMARY KEY, table1 INTEGER NOT NULL REFERENCES table_1 (id))`,
	},
	DialectPostgres: {
		`CREATE TABLE IF NOT EXISTS names_table (first TEXT, second TEXT, id INTEGER PRIMARY KEY)`,
		`CREATE TABLE IF NOT EXISTS accounts_table (id INTEGER PRIMARY KEY, name INTEGER NOT NULL REFERENCES names_table (id))`,
		`CREATE TABLE IF NOT EXISTS table_1 (id BIGINT PRIMARY KEY, label TEXT)`,
		`CREATE TABLE IF NOT EXISTS table_2 (uuid_col TEXT PRIMARY KEY, table1 BIGINT NOT NULL REFERENCES table_1 (id))`,
	},
}

// DDL returns the statements creating the scenario tables in dialect.
func DDL(dialect string) ([]string, error) {
	stmts, ok := ddl[dialect]
	if !ok {
		return nil, fmt.Errorf("unsupported dialect %q", dialect)
	}
	return append([]string(nil), stmts...), nil
}
