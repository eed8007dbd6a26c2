package config

import (
	"fmt"
	"os"
	"strings"
)

// Supported values of database.driver.
const (
	DriverMemory   = "memory"
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// defaultSQLiteDSN keeps every pooled connection on the same in-memory database.
const defaultSQLiteDSN = "file:relgraph?mode=memory&cache=shared"

// IsMemory reports whether the in-process memory store is configured.
func (d *DatabaseConfig) IsMemory() bool {
	return d.normalizedDriver() == DriverMemory
}

// DSN returns the connection string, falling back to a shared in-memory database for SQLite.
func (d *DatabaseConfig) DSN() string {
	dsn := strings.TrimSpace(d.ConnectionString)
	if dsn == "" && d.normalizedDriver() == DriverSQLite {
		return defaultSQLiteDSN
	}
	return dsn
}

// InitStatements reads init_sql_file and splits it into statements on semicolons.
// Lines starting with "--" are dropped. A missing setting yields no statements.
func (d *DatabaseConfig) InitStatements() ([]string, error) {
	path := strings.TrimSpace(d.InitSQLFile)
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read init SQL file: %w", err)
	}
	return splitStatements(string(raw)), nil
}

func splitStatements(script string) []string {
	var kept []string
	for _, line := range strings.Split(script, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		kept = append(kept, line)
	}

	var statements []string
	for _, stmt := range strings.Split(strings.Join(kept, "\n"), ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			statements = append(statements, stmt)
		}
	}
	return statements
}

func (d *DatabaseConfig) normalizedDriver() string {
	return strings.ToLower(strings.TrimSpace(d.Driver))
}
