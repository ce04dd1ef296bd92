// Package keystore keeps the private signing keys of registered authorities
// on disk, one file per authority.
package keystore

import (
	"bytes"
	"crypto/rsa"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"
	xdr "github.com/nullstyle/go-xdr/xdr3"

	"github.com/spacemeshos/certchain/signing"
)

var (
	ErrKeyExists   = errors.New("key already stored")
	ErrKeyNotFound = errors.New("key not found")
)

const keyFileVersion = 1

type storedKey struct {
	Version uint32
	// PrivKey is PKCS#8 DER.
	PrivKey []byte
}

type Store struct {
	dir string
}

func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating keystore dir %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// path maps an authority id to a file name safe for any id.
func (s *Store) path(id string) string {
	return filepath.Join(s.dir, hex.EncodeToString([]byte(id))+".key")
}

func (s *Store) Has(id string) bool {
	_, err := os.Stat(s.path(id))
	return err == nil
}

// Save stores key for the authority. An existing key is never overwritten.
func (s *Store) Save(id string, key *rsa.PrivateKey) error {
	if s.Has(id) {
		return fmt.Errorf("%w: %s", ErrKeyExists, id)
	}
	der, err := signing.MarshalPrivateKey(key)
	if err != nil {
		return err
	}
	if err := persist(s.path(id), storedKey{Version: keyFileVersion, PrivKey: der}); err != nil {
		return fmt.Errorf("saving key of %s: %w", id, err)
	}
	return nil
}

func (s *Store) Load(id string) (*rsa.PrivateKey, error) {
	var stored storedKey
	err := load(s.path(id), &stored)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, id)
	case err != nil:
		return nil, fmt.Errorf("loading key of %s: %w", id, err)
	}
	if stored.Version != keyFileVersion {
		return nil, fmt.Errorf("loading key of %s: unsupported version %d", id, stored.Version)
	}
	return signing.ParsePrivateKey(stored.PrivKey)
}

// Delete removes the key of the authority. Deleting a missing key is not an error.
func (s *Store) Delete(id string) error {
	if err := os.Remove(s.path(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("deleting key of %s: %w", id, err)
	}
	return nil
}

func persist(filename string, v any) error {
	var w bytes.Buffer
	if _, err := xdr.Marshal(&w, v); err != nil {
		return fmt.Errorf("serializing: %w", err)
	}
	if err := atomic.WriteFile(filename, &w); err != nil {
		return fmt.Errorf("writing to disk: %w", err)
	}
	return os.Chmod(filename, 0o600)
}

func load(filename string, v any) error {
	data, err := os.ReadFile(filename) //#nosec G304
	if err != nil {
		return fmt.Errorf("loading file: %w", err)
	}
	if _, err := xdr.Unmarshal(bytes.NewReader(data), v); err != nil {
		return fmt.Errorf("deserializing: %w", err)
	}
	return nil
}
