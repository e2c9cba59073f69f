package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"zkpay/internal/zerocash"
)

// Key prefixes. Ordered entries use a zero-padded index so that key order
// is insertion order.
const (
	prefixCommitment  = "cm_"
	prefixNullifier   = "nf_"
	prefixTransaction = "tx_"
	prefixWallet      = "wallet_"
)

func levelDBPath(dataDir string) string {
	return filepath.Join(dataDir, "ledger.db")
}

// LevelDBStore keeps one key per commitment, nullifier, transaction and
// wallet. Each save is a single batch.
//
// LevelDB itself admits one process per database, so the writer lock only
// has goroutines of this process to order.
type LevelDBStore struct {
	db     *leveldb.DB
	writer *fileLock
}

// NewLevelDBStore opens or creates the database at path.
func NewLevelDBStore(path string) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, wrapf(err, "open leveldb %s", path)
	}
	return &LevelDBStore{db: db, writer: newFileLock(path + ".lock")}, nil
}

func (s *LevelDBStore) Lock(ctx context.Context) (func() error, error) {
	return s.writer.lock(ctx)
}

func (s *LevelDBStore) LoadLedger(ctx context.Context) (*zerocash.LedgerRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	commitments, err := loadSequence[zerocash.CommitmentEntry](s.db, prefixCommitment)
	if err != nil {
		return nil, err
	}
	nullifiers, err := loadSequence[zerocash.Nullifier](s.db, prefixNullifier)
	if err != nil {
		return nil, err
	}
	transactions, err := loadSequence[*zerocash.Transaction](s.db, prefixTransaction)
	if err != nil {
		return nil, err
	}
	if len(commitments) == 0 && len(nullifiers) == 0 && len(transactions) == 0 {
		return nil, nil
	}
	return &zerocash.LedgerRecord{
		Commitments:  commitments,
		Nullifiers:   nullifiers,
		Transactions: transactions,
	}, nil
}

func (s *LevelDBStore) SaveLedger(ctx context.Context, rec *zerocash.LedgerRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// Sequences have no gaps, so the store is ahead of rec exactly when it
	// has a key at rec's length.
	lengths := []struct {
		prefix string
		n      int
	}{
		{prefixCommitment, len(rec.Commitments)},
		{prefixNullifier, len(rec.Nullifiers)},
		{prefixTransaction, len(rec.Transactions)},
	}
	for _, l := range lengths {
		ahead, err := s.db.Has(indexKey(l.prefix, l.n), nil)
		if err != nil {
			return wrapf(err, "check %s", l.prefix)
		}
		if ahead {
			return &Error{err: errors.Wrapf(ErrStale, "store has more than %d %s entries", l.n, l.prefix)}
		}
	}

	batch := new(leveldb.Batch)
	if err := putSequence(batch, prefixCommitment, rec.Commitments); err != nil {
		return err
	}
	if err := putSequence(batch, prefixNullifier, rec.Nullifiers); err != nil {
		return err
	}
	if err := putSequence(batch, prefixTransaction, rec.Transactions); err != nil {
		return err
	}
	return wrap(s.db.Write(batch, &opt.WriteOptions{Sync: true}), "write ledger batch")
}

func (s *LevelDBStore) LoadKeystore(ctx context.Context) (map[string]*zerocash.Wallet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefixWallet)), nil)
	defer iter.Release()

	wallets := make(map[string]*zerocash.Wallet)
	for iter.Next() {
		name := strings.TrimPrefix(string(iter.Key()), prefixWallet)
		var w zerocash.Wallet
		if err := json.Unmarshal(iter.Value(), &w); err != nil {
			return nil, wrapf(err, "decode wallet %q", name)
		}
		wallets[name] = &w
	}
	if err := iter.Error(); err != nil {
		return nil, wrap(err, "iterate wallets")
	}
	return wallets, nil
}

func (s *LevelDBStore) SaveKeystore(ctx context.Context, wallets map[string]*zerocash.Wallet) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	batch := new(leveldb.Batch)

	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefixWallet)), nil)
	for iter.Next() {
		name := strings.TrimPrefix(string(iter.Key()), prefixWallet)
		if _, keep := wallets[name]; !keep {
			batch.Delete(iter.Key())
		}
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return wrap(err, "iterate wallets")
	}

	for name, w := range wallets {
		value, err := json.Marshal(w)
		if err != nil {
			return wrapf(err, "encode wallet %q", name)
		}
		batch.Put([]byte(prefixWallet+name), value)
	}
	return wrap(s.db.Write(batch, &opt.WriteOptions{Sync: true}), "write keystore batch")
}

func (s *LevelDBStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.db.GetProperty("leveldb.stats")
	return wrap(err, "leveldb stats")
}

func (s *LevelDBStore) Close() error {
	return wrap(s.db.Close(), "close leveldb")
}

func putSequence[T any](batch *leveldb.Batch, prefix string, items []T) error {
	for i, item := range items {
		value, err := json.Marshal(item)
		if err != nil {
			return wrapf(err, "encode %s%d", prefix, i)
		}
		batch.Put(indexKey(prefix, i), value)
	}
	return nil
}

// loadSequence reads the entries under prefix in index order and refuses
// gaps.
func loadSequence[T any](db *leveldb.DB, prefix string) ([]T, error) {
	iter := db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()

	var out []T
	for iter.Next() {
		idx, err := parseIndexKey(prefix, string(iter.Key()))
		if err != nil {
			return nil, wrap(err, "parse key")
		}
		if idx != uint64(len(out)) {
			return nil, &Error{err: errors.Errorf("%s entries: expected index %d, found %d", prefix, len(out), idx)}
		}
		var v T
		if err := json.Unmarshal(iter.Value(), &v); err != nil {
			return nil, wrapf(err, "decode %s%d", prefix, idx)
		}
		out = append(out, v)
	}
	if err := iter.Error(); err != nil {
		return nil, wrapf(err, "iterate %s", prefix)
	}
	return out, nil
}

func indexKey(prefix string, i int) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefix, i))
}

func parseIndexKey(prefix, key string) (uint64, error) {
	if !strings.HasPrefix(key, prefix) {
		return 0, errors.Errorf("invalid %s key", prefix)
	}
	return strconv.ParseUint(strings.TrimPrefix(key, prefix), 10, 64)
}
