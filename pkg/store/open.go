package store

import (
	"fmt"
	"os"
	"path/filepath"
)

// Options selects and configures a credential store backend.
type Options struct {
	Backend    string // file | sqlite | memory
	Dir        string
	SQLitePath string
	Passphrase string // non-empty wraps the backend in a SealedStore
	Scrypt     ScryptParams
}

// Open builds the backend named by opts.Backend.
func Open(opts Options) (CredentialStore, error) {
	var (
		s   CredentialStore
		err error
	)
	switch opts.Backend {
	case "", "file":
		s, err = NewFileStore(opts.Dir)
	case "sqlite":
		if err = os.MkdirAll(filepath.Dir(opts.SQLitePath), 0o700); err != nil {
			return nil, fmt.Errorf("sqlite store: creating directory: %w", err)
		}
		s, err = OpenSQLiteStore(SQLiteConfig{Path: opts.SQLitePath})
	case "memory":
		s = NewMemoryStore()
	default:
		return nil, fmt.Errorf("unknown store backend %q", opts.Backend)
	}
	if err != nil {
		return nil, err
	}

	if opts.Passphrase == "" {
		return s, nil
	}
	params := opts.Scrypt
	if params.N == 0 {
		params = DefaultScryptParams()
	}
	sealed, err := NewSealedStore(s, opts.Passphrase, params)
	if err != nil {
		if c, ok := s.(Closer); ok {
			_ = c.Close()
		}
		return nil, err
	}
	return sealed, nil
}
