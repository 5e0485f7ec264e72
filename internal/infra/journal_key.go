package infra

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/packline/brokerd/internal/domain"
)

const (
	journalKeyName  = "journal.key"
	journalKeyBytes = 32
)

// KeyFile stores the SQLCipher key of the status journal as hex in
// <dataDir>/journal.key. Only the owner may read it.
type KeyFile struct {
	path string
}

func NewKeyFile(dataDir string) *KeyFile {
	return &KeyFile{path: filepath.Join(dataDir, journalKeyName)}
}

func (k *KeyFile) Path() string { return k.path }

// LoadOrCreate returns the stored key. A missing file gets a fresh random
// key; an unreadable or malformed one is an error, never replaced, since
// that would orphan the existing journal.
func (k *KeyFile) LoadOrCreate() ([]byte, error) {
	key, err := k.Load()
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	key, err = newJournalKey()
	if err != nil {
		return nil, err
	}
	if err := k.Save(key); err != nil {
		return nil, err
	}
	return key, nil
}

// Load reads the key, refusing files that group or others can read.
func (k *KeyFile) Load() ([]byte, error) {
	info, err := os.Stat(k.path)
	if err != nil {
		return nil, err
	}
	if perm := info.Mode().Perm(); runtime.GOOS != "windows" && perm&0077 != 0 {
		return nil, fmt.Errorf("journal key %s is mode %o; chmod 600 it", k.path, perm)
	}

	raw, err := os.ReadFile(k.path)
	if err != nil {
		return nil, err
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("journal key %s is not hex: %w", k.path, err)
	}
	if len(key) != journalKeyBytes {
		return nil, fmt.Errorf("journal key %s holds %d bytes, expected %d", k.path, len(key), journalKeyBytes)
	}
	return key, nil
}

// Save replaces the key file atomically.
func (k *KeyFile) Save(key []byte) error {
	if len(key) != journalKeyBytes {
		return fmt.Errorf("journal key must be %d bytes, got %d", journalKeyBytes, len(key))
	}
	if err := os.MkdirAll(filepath.Dir(k.path), 0700); err != nil {
		return err
	}
	return writeFileAtomic(k.path, []byte(hex.EncodeToString(key)+"\n"), 0600)
}

func newJournalKey() ([]byte, error) {
	key := make([]byte, journalKeyBytes)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("read random journal key: %w", err)
	}
	return key, nil
}

var _ domain.JournalKeyStore = (*KeyFile)(nil)
