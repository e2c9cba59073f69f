package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"zkpay/internal/zerocash"
)

const (
	ledgerFile  = "ledger.json"
	walletsFile = "wallets.json"
	lockFile    = "zkpay.lock"
)

// FileStore keeps ledger.json and wallets.json in one directory. Every
// write replaces its file atomically.
type FileStore struct {
	dir    string
	mu     sync.Mutex
	writer *fileLock
}

// NewFileStore opens dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, wrapf(err, "create data dir %s", dir)
	}
	return &FileStore{dir: dir, writer: newFileLock(filepath.Join(dir, lockFile))}, nil
}

// Lock takes the data directory's lock file.
func (s *FileStore) Lock(ctx context.Context) (func() error, error) {
	return s.writer.lock(ctx)
}

func (s *FileStore) LoadLedger(ctx context.Context) (*zerocash.LedgerRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rec zerocash.LedgerRecord
	found, err := s.readJSON(ledgerFile, &rec)
	if err != nil || !found {
		return nil, err
	}
	return &rec, nil
}

func (s *FileStore) SaveLedger(ctx context.Context, rec *zerocash.LedgerRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// Only the lengths of the stored record matter here.
	var stored struct {
		Commitments  []json.RawMessage `json:"commitments"`
		Nullifiers   []json.RawMessage `json:"nullifiers"`
		Transactions []json.RawMessage `json:"transactions"`
	}
	found, err := s.readJSON(ledgerFile, &stored)
	if err != nil {
		return err
	}
	if found {
		size := recordSize{len(stored.Commitments), len(stored.Nullifiers), len(stored.Transactions)}
		if err := checkNotBehind(size, sizeOf(rec)); err != nil {
			return err
		}
	}
	return s.writeJSON(ledgerFile, rec, 0o644)
}

func (s *FileStore) LoadKeystore(ctx context.Context) (map[string]*zerocash.Wallet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	wallets := make(map[string]*zerocash.Wallet)
	if _, err := s.readJSON(walletsFile, &wallets); err != nil {
		return nil, err
	}
	return wallets, nil
}

func (s *FileStore) SaveKeystore(ctx context.Context, wallets map[string]*zerocash.Wallet) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.writeJSON(walletsFile, wallets, 0o600)
}

// Ping checks that the data directory is still there.
func (s *FileStore) Ping(context.Context) error {
	info, err := os.Stat(s.dir)
	if err != nil {
		return wrap(err, "stat data dir")
	}
	if !info.IsDir() {
		return &Error{err: errors.Errorf("%s is not a directory", s.dir)}
	}
	return nil
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) readJSON(name string, v interface{}) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, wrapf(err, "read %s", name)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, wrapf(err, "decode %s", name)
	}
	return true, nil
}

func (s *FileStore) writeJSON(name string, v interface{}, perm os.FileMode) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return wrapf(err, "encode %s", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return wrapf(writeFileAtomic(filepath.Join(s.dir, name), data, perm), "write %s", name)
}

// writeFileAtomic writes data to a temporary file next to path and renames
// it into place, so readers see either the old or the new content.
func writeFileAtomic(path string, data []byte, perm os.FileMode) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			os.Remove(tmp.Name())
		}
	}()

	if err = tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
