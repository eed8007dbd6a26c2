// Package sqlutil provides SQL dialect and quoting helpers.
package sqlutil

import (
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

// Dialect captures the SQL differences between supported backends.
type Dialect struct {
	Name string
	// QuoteChar wraps identifiers.
	QuoteChar string
	// Placeholder is the squirrel placeholder format.
	Placeholder sq.PlaceholderFormat
	// MySQLLimit renders pagination as "LIMIT skip,limit" rather than "LIMIT n OFFSET m".
	MySQLLimit bool
	// Returning reads generated keys with INSERT ... RETURNING instead of LastInsertId.
	Returning bool
}

var (
	MySQL    = Dialect{Name: "mysql", QuoteChar: "`", Placeholder: sq.Question, MySQLLimit: true}
	SQLite   = Dialect{Name: "sqlite", QuoteChar: `"`, Placeholder: sq.Question, MySQLLimit: true}
	Postgres = Dialect{Name: "postgres", QuoteChar: `"`, Placeholder: sq.Dollar, Returning: true}
)

// DialectFor returns the dialect registered for a driver name.
func DialectFor(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "mysql", "mariadb":
		return MySQL, nil
	case "postgres", "postgresql", "pgx":
		return Postgres, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	default:
		return Dialect{}, fmt.Errorf("unsupported SQL dialect %q", driver)
	}
}

// QuoteIdentifier quotes a SQL identifier (table name, column name, etc.)
// and escapes any quote characters within the identifier.
func (d Dialect) QuoteIdentifier(name string) string {
	q := d.QuoteChar
	if q == "" {
		q = "`"
	}
	escaped := strings.ReplaceAll(name, q, q+q)
	return q + escaped + q
}
