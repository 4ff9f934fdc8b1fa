package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/tinyland-inc/linkgate/pkg/logger"
	"github.com/tinyland-inc/linkgate/pkg/utils"
)

const credentialsSchema = `
CREATE TABLE IF NOT EXISTS credentials (
	identity   TEXT PRIMARY KEY,
	data       BLOB NOT NULL,
	updated_at INTEGER NOT NULL
);`

// SQLiteStore keeps credentials in a single SQLite table, one row per identity.
type SQLiteStore struct {
	pool *sqlitex.Pool
	path string
}

// SQLiteConfig holds the parameters for opening a SQLiteStore.
type SQLiteConfig struct {
	// Path is the database file. The parent directory must exist.
	Path string
	// PoolSize defaults to 4. Writes are serialized by SQLite regardless.
	PoolSize int
}

func OpenSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, errors.New("sqlite store: path is required")
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite store: opening %s: %w", cfg.Path, err)
	}

	logger.InfoCF("store", "SQLite credential store opened", map[string]any{
		"path":      cfg.Path,
		"pool_size": poolSize,
	})

	return &SQLiteStore{pool: pool, path: cfg.Path}, nil
}

// prepareConn applies pragmas and the schema once per pooled connection.
// synchronous=FULL: a committed Save must survive power loss.
func prepareConn(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("sqlite store: %s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, credentialsSchema, nil); err != nil {
		return fmt.Errorf("sqlite store: schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, id string) (Credentials, bool, error) {
	if err := utils.ValidateSessionID(id); err != nil {
		return nil, false, persistErr("load", id, err)
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, false, persistErr("load", id, err)
	}
	defer s.pool.Put(conn)

	var creds Credentials
	found := false
	err = sqlitex.Execute(conn, "SELECT data FROM credentials WHERE identity = ?", &sqlitex.ExecOptions{
		Args: []any{id},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			buf := make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, buf)
			creds = buf
			found = true
			return nil
		},
	})
	if err != nil {
		return nil, false, persistErr("load", id, err)
	}
	if !found || len(creds) == 0 {
		return nil, false, nil
	}
	return creds, true, nil
}

func (s *SQLiteStore) Save(ctx context.Context, id string, creds Credentials) error {
	if err := utils.ValidateSessionID(id); err != nil {
		return persistErr("save", id, err)
	}
	if len(creds) == 0 {
		return persistErr("save", id, ErrEmptyCredentials)
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return persistErr("save", id, err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO credentials (identity, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(identity) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		&sqlitex.ExecOptions{Args: []any{id, []byte(creds), time.Now().UnixMilli()}})
	return persistErr("save", id, err)
}

func (s *SQLiteStore) Purge(ctx context.Context, id string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return persistErr("purge", id, err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, "DELETE FROM credentials WHERE identity = ?", &sqlitex.ExecOptions{
		Args: []any{id},
	})
	return persistErr("purge", id, err)
}

func (s *SQLiteStore) List(ctx context.Context) ([]string, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, persistErr("list", "", err)
	}
	defer s.pool.Put(conn)

	var ids []string
	err = sqlitex.Execute(conn, "SELECT identity FROM credentials ORDER BY identity", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			ids = append(ids, stmt.ColumnText(0))
			return nil
		},
	})
	if err != nil {
		return nil, persistErr("list", "", err)
	}
	return ids, nil
}

func (s *SQLiteStore) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("sqlite store: closing %s: %w", s.path, err)
	}
	return nil
}
