// Package store persists the credential material of paired sessions.
//
// A CredentialStore holds at most one record per session identity. Records
// survive process restarts (except for MemoryStore) and are only ever read or
// written under the identity they belong to.
package store

import (
	"context"
	"errors"
	"fmt"
)

// Credentials is opaque material that lets a transport resume a session
// without pairing again. linkgate never interprets it.
type Credentials []byte

// CredentialStore loads, saves and purges credentials per session identity.
type CredentialStore interface {
	// Load returns the stored credentials for id; ok is false when none exist.
	Load(ctx context.Context, id string) (creds Credentials, ok bool, err error)
	// Save durably replaces the credentials for id before returning.
	Save(ctx context.Context, id string, creds Credentials) error
	// Purge removes the credentials for id. Purging an absent record is not an error.
	Purge(ctx context.Context, id string) error
}

// Lister is implemented by stores that can enumerate the identities they hold.
type Lister interface {
	List(ctx context.Context) ([]string, error)
}

// Closer is implemented by stores holding resources (database pools).
type Closer interface {
	Close() error
}

// ErrEmptyCredentials is returned when saving a zero-length record.
var ErrEmptyCredentials = errors.New("empty credentials")

// PersistenceError reports a failed store operation for one identity.
type PersistenceError struct {
	Op  string // load | save | purge | list
	ID  string
	Err error
}

func (e *PersistenceError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("credential store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("credential store %s %q: %v", e.Op, e.ID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func persistErr(op, id string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, ID: id, Err: err}
}

// IsPersistenceError reports whether err came from a credential store.
func IsPersistenceError(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}
