package db

import (
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"opsboard/internal/config"
)

const defaultDBName = "opsboard.db"

type Config struct {
	Workspace string
	Database  config.Database
}

func dbPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".opsboard", defaultDBName)
}

// EnsureWorkspace creates workspace directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	path := filepath.Join(workspace, ".opsboard")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// Open opens the configured database. SQLite runs in WAL mode with foreign keys
// on and immediate transactions so concurrent writers queue on the busy timeout
// instead of failing.
func Open(cfg Config) (*sqlx.DB, error) {
	driver := cfg.Database.Driver
	if driver == "" {
		driver = config.DriverSQLite
	}
	var (
		conn *sqlx.DB
		err  error
	)
	switch driver {
	case config.DriverSQLite:
		if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
			return nil, err
		}
		dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_txlock=immediate", dbPath(cfg.Workspace))
		conn, err = sqlx.Open("sqlite", dsn)
	case config.DriverPostgres:
		// sqlx maps the "pgx" driver name to $N placeholders.
		conn, err = sqlx.Open("pgx", cfg.Database.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	if err != nil {
		return nil, err
	}
	maxOpen := cfg.Database.MaxOpenConns
	if maxOpen == 0 && driver == config.DriverSQLite {
		maxOpen = 1
	}
	if maxOpen > 0 {
		conn.SetMaxOpenConns(maxOpen)
	}
	return conn, nil
}

// Path returns the db path for the workspace.
func Path(workspace string) string {
	return dbPath(workspace)
}
