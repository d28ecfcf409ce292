package config

import (
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// dialect captures the few DDL differences between the supported store
// engines. Queries are written with '?' placeholders and rebound by sqlx.
type dialect struct {
	name       string
	driverName string
	types      map[string]string
}

var dialects = map[string]dialect{
	"sqlite": {
		name:       "sqlite",
		driverName: "sqlite",
		types: map[string]string{
			"{{bool}}": "INTEGER",
			"{{time}}": "DATETIME",
		},
	},
	"postgres": {
		name:       "postgres",
		driverName: "pgx",
		types: map[string]string{
			"{{bool}}": "BOOLEAN",
			"{{time}}": "TIMESTAMPTZ",
		},
	},
	"mysql": {
		name:       "mysql",
		driverName: "mysql",
		types: map[string]string{
			"{{bool}}": "TINYINT(1)",
			"{{time}}": "DATETIME(6)",
		},
	},
}

func lookupDialect(name string) (dialect, error) {
	if name == "" {
		name = "sqlite"
	}
	d, ok := dialects[strings.ToLower(name)]
	if !ok {
		return dialect{}, fmt.Errorf("unsupported store driver %q (want sqlite, postgres or mysql)", name)
	}
	return d, nil
}

// falseLiteral is the boolean false literal accepted by the engine.
func (d dialect) falseLiteral() string {
	if d.name == "postgres" {
		return "FALSE"
	}
	return "0"
}

// ddl expands the type placeholders in a migration statement.
func (d dialect) ddl(stmt string) string {
	for placeholder, typ := range d.types {
		stmt = strings.ReplaceAll(stmt, placeholder, typ)
	}
	return stmt
}

// prepareDSN applies driver options the store relies on.
func (d dialect) prepareDSN(dsn string) (string, error) {
	if d.name != "mysql" {
		return dsn, nil
	}
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	return cfg.FormatDSN(), nil
}

// isBenignMigrationError reports errors raised by re-running an idempotent
// migration on engines without IF NOT EXISTS support for the statement.
func isBenignMigrationError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate column") ||
		strings.Contains(msg, "duplicate key name") ||
		strings.Contains(msg, "already exists")
}
