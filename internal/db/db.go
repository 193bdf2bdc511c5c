package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const defaultDBName = "caseflow.db"

type Config struct {
	// Path is the database file path. When empty the store lives under
	// ./.caseflow/caseflow.db.
	Path string
}

func dbPath(path string) string {
	if path != "" {
		return path
	}
	return filepath.Join(".", ".caseflow", defaultDBName)
}

// Open opens the SQLite store. Foreign keys are on, transactions take the
// write lock immediately so concurrent lifecycle operations serialize at
// BEGIN instead of failing at the first write, and a short busy timeout
// bounds how long a writer waits before the caller sees unavailable.
func Open(cfg Config) (*sql.DB, error) {
	path := dbPath(cfg.Path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=foreign_keys(1)&_pragma=busy_timeout(2000)", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Path returns the resolved database file path for a configured path.
func Path(path string) string {
	return dbPath(path)
}
