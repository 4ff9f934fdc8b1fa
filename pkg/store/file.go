package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/tinyland-inc/linkgate/pkg/utils"
)

const fileSuffix = ".json"

// fileRecord is the on-disk JSON layout of one identity's credentials.
type fileRecord struct {
	ID          string    `json:"id"`
	UpdatedAt   time.Time `json:"updated_at"`
	Credentials []byte    `json:"credentials"`
}

// FileStore keeps one JSON file per identity under a directory.
type FileStore struct {
	dir string
}

// NewFileStore creates dir (0700) if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("file store: directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("file store: creating %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+fileSuffix)
}

func (s *FileStore) Load(_ context.Context, id string) (Credentials, bool, error) {
	if err := utils.ValidateSessionID(id); err != nil {
		return nil, false, persistErr("load", id, err)
	}
	b, err := readFile(s.path(id))
	if err != nil {
		return nil, false, persistErr("load", id, err)
	}
	if b == nil {
		return nil, false, nil
	}
	var rec fileRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, false, persistErr("load", id, fmt.Errorf("decoding record: %w", err))
	}
	if rec.ID != "" && rec.ID != id {
		return nil, false, persistErr("load", id, fmt.Errorf("record belongs to %q", rec.ID))
	}
	if len(rec.Credentials) == 0 {
		return nil, false, nil
	}
	return Credentials(rec.Credentials), true, nil
}

func (s *FileStore) Save(_ context.Context, id string, creds Credentials) error {
	if err := utils.ValidateSessionID(id); err != nil {
		return persistErr("save", id, err)
	}
	if len(creds) == 0 {
		return persistErr("save", id, ErrEmptyCredentials)
	}
	b, err := json.MarshalIndent(fileRecord{
		ID:          id,
		UpdatedAt:   time.Now().UTC(),
		Credentials: creds,
	}, "", "  ")
	if err != nil {
		return persistErr("save", id, err)
	}
	return persistErr("save", id, writeFile(s.path(id), b, 0o600))
}

func (s *FileStore) Purge(_ context.Context, id string) error {
	if err := utils.ValidateSessionID(id); err != nil {
		return persistErr("purge", id, err)
	}
	err := os.Remove(s.path(id))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return persistErr("purge", id, err)
	}
	return nil
}

func (s *FileStore) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, persistErr("list", "", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		id := strings.TrimSuffix(name, fileSuffix)
		if utils.ValidateSessionID(id) != nil {
			continue
		}
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

// readFile reads the file at path; a missing file yields nil, nil.
func readFile(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// writeFile writes bytes to a temp file, fsyncs it, then atomically replaces the target.
func writeFile(path string, b []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	f, err := os.CreateTemp(dir, base+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()

	// Best-effort cleanup if anything fails before rename.
	defer func() { _ = os.Remove(tmp) }()

	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Chmod(mode); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	syncDir(dir)
	return nil
}

// syncDir flushes the directory entry so the rename survives a crash. Some
// platforms cannot fsync directories; that is ignored.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
