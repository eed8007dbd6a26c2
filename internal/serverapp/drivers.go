package serverapp

import (
	"fmt"
	"strings"

	"relgraph/internal/config"
	"relgraph/internal/sqlutil"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// sqlBackend describes how one configured driver is opened and spoken to.
type sqlBackend struct {
	driverName string
	dialect    sqlutil.Dialect
	system     attribute.KeyValue
}

var sqlBackends = map[string]sqlBackend{
	config.DriverMySQL:    {driverName: "mysql", dialect: sqlutil.MySQL, system: semconv.DBSystemMySQL},
	config.DriverPostgres: {driverName: "pgx", dialect: sqlutil.Postgres, system: semconv.DBSystemPostgreSQL},
	config.DriverSQLite:   {driverName: "sqlite3", dialect: sqlutil.SQLite, system: semconv.DBSystemSqlite},
}

func lookupSQLBackend(driver string) (sqlBackend, error) {
	backend, ok := sqlBackends[strings.ToLower(strings.TrimSpace(driver))]
	if !ok {
		return sqlBackend{}, fmt.Errorf("unsupported SQL driver %q", driver)
	}
	return backend, nil
}
