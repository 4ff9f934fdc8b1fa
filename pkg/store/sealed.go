package store

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

const sealedFormatVersion = 1

var (
	// ErrWrongPassphrase is returned when sealed credentials cannot be opened.
	ErrWrongPassphrase = errors.New("wrong passphrase or corrupted credentials")
	// ErrScryptParams is returned for a sealed record whose key-derivation
	// cost exceeds what this store would itself use.
	ErrScryptParams = errors.New("sealed record has out-of-range scrypt parameters")
)

// sealedBlob is the JSON envelope written to the inner store.
type sealedBlob struct {
	V      int    `json:"v"`
	Salt   []byte `json:"salt"`
	N      int    `json:"scrypt_N"`
	R      int    `json:"scrypt_r"`
	P      int    `json:"scrypt_p"`
	Nonce  []byte `json:"nonce"`
	Cipher []byte `json:"cipher"`
}

// ScryptParams tunes key derivation for SealedStore.
type ScryptParams struct {
	N, R, P int
}

func DefaultScryptParams() ScryptParams { return ScryptParams{N: 1 << 15, R: 8, P: 1} }

// SealedStore encrypts credentials with XChaCha20-Poly1305 before handing them
// to an inner store. The key is derived from a passphrase with scrypt; the
// identity is bound as associated data, so a record copied to another
// identity fails to open.
type SealedStore struct {
	inner      CredentialStore
	passphrase []byte
	params     ScryptParams

	mu   sync.Mutex
	salt []byte
	key  []byte
	keys map[string][]byte // salt -> derived key, for records sealed by earlier runs
}

func NewSealedStore(inner CredentialStore, passphrase string, params ScryptParams) (*SealedStore, error) {
	if passphrase == "" {
		return nil, errors.New("sealed store: passphrase is required")
	}
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("sealed store: salt: %w", err)
	}
	key, err := scrypt.Key([]byte(passphrase), salt, params.N, params.R, params.P, chacha20poly1305.KeySize)
	if err != nil {
		return nil, fmt.Errorf("sealed store: deriving key: %w", err)
	}
	return &SealedStore{
		inner:      inner,
		passphrase: []byte(passphrase),
		params:     params,
		salt:       salt,
		key:        key,
		keys:       map[string][]byte{string(salt): key},
	}, nil
}

func (s *SealedStore) Load(ctx context.Context, id string) (Credentials, bool, error) {
	raw, ok, err := s.inner.Load(ctx, id)
	if err != nil || !ok {
		return nil, ok, err
	}
	pt, err := s.open(id, raw)
	if err != nil {
		return nil, false, persistErr("load", id, err)
	}
	return pt, true, nil
}

func (s *SealedStore) Save(ctx context.Context, id string, creds Credentials) error {
	if len(creds) == 0 {
		return persistErr("save", id, ErrEmptyCredentials)
	}
	blob, err := s.seal(id, creds)
	if err != nil {
		return persistErr("save", id, err)
	}
	return s.inner.Save(ctx, id, blob)
}

func (s *SealedStore) Purge(ctx context.Context, id string) error {
	return s.inner.Purge(ctx, id)
}

func (s *SealedStore) List(ctx context.Context) ([]string, error) {
	l, ok := s.inner.(Lister)
	if !ok {
		return nil, persistErr("list", "", errors.New("inner store cannot list"))
	}
	return l.List(ctx)
}

func (s *SealedStore) Close() error {
	if c, ok := s.inner.(Closer); ok {
		return c.Close()
	}
	return nil
}

func (s *SealedStore) seal(id string, pt []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return json.Marshal(sealedBlob{
		V:      sealedFormatVersion,
		Salt:   s.salt,
		N:      s.params.N,
		R:      s.params.R,
		P:      s.params.P,
		Nonce:  nonce,
		Cipher: aead.Seal(nil, nonce, pt, []byte(id)),
	})
}

func (s *SealedStore) open(id string, b []byte) ([]byte, error) {
	var bl sealedBlob
	if err := json.Unmarshal(b, &bl); err != nil {
		return nil, fmt.Errorf("decoding sealed record: %w", err)
	}
	if bl.V > sealedFormatVersion {
		return nil, fmt.Errorf("unsupported sealed record version %d", bl.V)
	}
	key, err := s.keyFor(bl)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(bl.Nonce) != aead.NonceSize() {
		return nil, ErrWrongPassphrase
	}
	pt, err := aead.Open(nil, bl.Nonce, bl.Cipher, []byte(id))
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	return pt, nil
}

func (s *SealedStore) keyFor(bl sealedBlob) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bytes.Equal(bl.Salt, s.salt) {
		return s.key, nil
	}
	if k, ok := s.keys[string(bl.Salt)]; ok {
		return k, nil
	}
	if !s.paramsAllowed(bl.N, bl.R, bl.P) {
		return nil, fmt.Errorf("%w: N=%d r=%d p=%d", ErrScryptParams, bl.N, bl.R, bl.P)
	}
	k, err := scrypt.Key(s.passphrase, bl.Salt, bl.N, bl.R, bl.P, chacha20poly1305.KeySize)
	if err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}
	s.keys[string(bl.Salt)] = k
	return k, nil
}

// paramsAllowed caps each scrypt parameter at the larger of the configured and
// default values.
func (s *SealedStore) paramsAllowed(n, r, p int) bool {
	def := DefaultScryptParams()
	return n > 1 && n <= max(s.params.N, def.N) &&
		r > 0 && r <= max(s.params.R, def.R) &&
		p > 0 && p <= max(s.params.P, def.P)
}
