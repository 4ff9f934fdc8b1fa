package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testScrypt = ScryptParams{N: 1 << 10, R: 8, P: 1}

type backend struct {
	name string
	open func(t *testing.T) CredentialStore
}

func backends() []backend {
	return []backend{
		{"memory", func(t *testing.T) CredentialStore { return NewMemoryStore() }},
		{"file", func(t *testing.T) CredentialStore {
			s, err := NewFileStore(filepath.Join(t.TempDir(), "sessions"))
			require.NoError(t, err)
			return s
		}},
		{"sqlite", func(t *testing.T) CredentialStore {
			s, err := OpenSQLiteStore(SQLiteConfig{Path: filepath.Join(t.TempDir(), "creds.db")})
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		}},
		{"sealed-file", func(t *testing.T) CredentialStore {
			inner, err := NewFileStore(t.TempDir())
			require.NoError(t, err)
			s, err := NewSealedStore(inner, "correct horse", testScrypt)
			require.NoError(t, err)
			return s
		}},
	}
}

func TestCredentialStore_Contract(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)

			_, ok, err := s.Load(ctx, "alice")
			require.NoError(t, err)
			assert.False(t, ok, "absent before first save")

			require.NoError(t, s.Save(ctx, "alice", Credentials(`{"v":1}`)))
			require.NoError(t, s.Save(ctx, "alice", Credentials(`{"v":2}`)))
			require.NoError(t, s.Save(ctx, "bob", Credentials(`{"v":"bob"}`)))

			got, ok, err := s.Load(ctx, "alice")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, `{"v":2}`, string(got), "latest save wins")

			got, ok, err = s.Load(ctx, "bob")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, `{"v":"bob"}`, string(got), "identities are isolated")

			if l, isLister := s.(Lister); isLister {
				ids, err := l.List(ctx)
				require.NoError(t, err)
				assert.Equal(t, []string{"alice", "bob"}, ids)
			}

			require.NoError(t, s.Purge(ctx, "alice"))
			require.NoError(t, s.Purge(ctx, "alice"), "purging twice is fine")

			_, ok, err = s.Load(ctx, "alice")
			require.NoError(t, err)
			assert.False(t, ok, "purged")

			_, ok, err = s.Load(ctx, "bob")
			require.NoError(t, err)
			assert.True(t, ok, "purge is scoped to one identity")
		})
	}
}

func TestCredentialStore_RejectsBadInput(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)

			err := s.Save(ctx, "alice", nil)
			assert.True(t, IsPersistenceError(err))
			assert.ErrorIs(t, err, ErrEmptyCredentials)

			err = s.Save(ctx, "../escape", Credentials("x"))
			assert.True(t, IsPersistenceError(err))
		})
	}
}

func TestFileStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s1, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, s1.Save(ctx, "alice", Credentials("secret")))

	s2, err := NewFileStore(dir)
	require.NoError(t, err)
	got, ok, err := s2.Load(ctx, "alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "secret", string(got))

	info, err := os.Stat(filepath.Join(dir, "alice.json"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestFileStore_SaveFailureIsPersistenceError(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(dir))

	err = s.Save(context.Background(), "alice", Credentials("x"))
	var pe *PersistenceError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "save", pe.Op)
	assert.Equal(t, "alice", pe.ID)
}

func TestFileStore_ConcurrentSaves(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Save(ctx, "alice", Credentials{byte('a' + i%26)}))
		}()
	}
	wg.Wait()

	got, ok, err := s.Load(ctx, "alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, got, 1)
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "creds.db")

	s1, err := OpenSQLiteStore(SQLiteConfig{Path: path})
	require.NoError(t, err)
	require.NoError(t, s1.Save(ctx, "alice", Credentials{0x00, 0x01, 0xff}))
	require.NoError(t, s1.Close())

	s2, err := OpenSQLiteStore(SQLiteConfig{Path: path})
	require.NoError(t, err)
	defer s2.Close()

	got, ok, err := s2.Load(ctx, "alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Credentials{0x00, 0x01, 0xff}, got)
}

func TestSealedStore_EncryptsAtRest(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStore()
	s, err := NewSealedStore(inner, "pass", testScrypt)
	require.NoError(t, err)

	require.NoError(t, s.Save(ctx, "alice", Credentials(`{"noiseKey":"abc"}`)))

	raw, ok, err := inner.Load(ctx, "alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotContains(t, string(raw), "noiseKey")

	// A fresh store with the same passphrase (new salt) opens old records.
	s2, err := NewSealedStore(inner, "pass", testScrypt)
	require.NoError(t, err)
	got, ok, err := s2.Load(ctx, "alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"noiseKey":"abc"}`, string(got))
}

func TestSealedStore_WrongPassphrase(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStore()
	s, err := NewSealedStore(inner, "right", testScrypt)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, "alice", Credentials("x")))

	bad, err := NewSealedStore(inner, "wrong", testScrypt)
	require.NoError(t, err)
	_, _, err = bad.Load(ctx, "alice")
	assert.ErrorIs(t, err, ErrWrongPassphrase)
	assert.True(t, IsPersistenceError(err))
}

func TestSealedStore_BoundToIdentity(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStore()
	s, err := NewSealedStore(inner, "pass", testScrypt)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, "alice", Credentials("alice-secret")))

	raw, _, err := inner.Load(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, inner.Save(ctx, "mallory", raw))

	_, _, err = s.Load(ctx, "mallory")
	assert.ErrorIs(t, err, ErrWrongPassphrase)
}

func TestSealedStore_RejectsCostlyParams(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStore()
	s, err := NewSealedStore(inner, "pass", testScrypt)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, "alice", Credentials("secret")))

	raw, _, err := inner.Load(ctx, "alice")
	require.NoError(t, err)

	tests := []struct {
		name    string
		n, r, p int
	}{
		{"huge N", 1 << 30, 8, 1},
		{"huge r", 1 << 10, 1 << 20, 1},
		{"huge p", 1 << 10, 8, 1 << 20},
		{"zero N", 0, 8, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var bl sealedBlob
			require.NoError(t, json.Unmarshal(raw, &bl))
			bl.Salt = append([]byte("other-salt-"), bl.Salt...)
			bl.N, bl.R, bl.P = tt.n, tt.r, tt.p
			b, err := json.Marshal(bl)
			require.NoError(t, err)
			require.NoError(t, inner.Save(ctx, "bob", b))

			// A fresh store has no cached key for this salt.
			fresh, err := NewSealedStore(inner, "pass", testScrypt)
			require.NoError(t, err)
			_, _, err = fresh.Load(ctx, "bob")
			assert.ErrorIs(t, err, ErrScryptParams)
			assert.True(t, IsPersistenceError(err))
		})
	}

	// Records sealed with the default cost still open under a cheaper config.
	strong, err := NewSealedStore(inner, "pass", DefaultScryptParams())
	require.NoError(t, err)
	require.NoError(t, strong.Save(ctx, "carol", Credentials("ok")))
	fresh, err := NewSealedStore(inner, "pass", testScrypt)
	require.NoError(t, err)
	got, ok, err := fresh.Load(ctx, "carol")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "ok", string(got))
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(Options{Backend: "file", Dir: filepath.Join(dir, "files")})
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	s, err = Open(Options{Backend: "sqlite", SQLitePath: filepath.Join(dir, "db", "c.db")})
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, s)
	require.NoError(t, s.(Closer).Close())

	s, err = Open(Options{Backend: "memory", Passphrase: "p", Scrypt: testScrypt})
	require.NoError(t, err)
	assert.IsType(t, &SealedStore{}, s)

	_, err = Open(Options{Backend: "etcd"})
	assert.Error(t, err)
}
