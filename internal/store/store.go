// Package store persists the zkpay ledger and keystore.
//
// A Store holds two documents: the ledger record (ordered commitments,
// nullifiers in insertion order, ordered transactions) and the keystore
// (wallets by name). Derived ledger state is never stored; callers rebuild
// it with zerocash.RestoreLedger, which re-checks every invariant.
package store

import (
	"context"

	"github.com/pkg/errors"

	"zkpay/internal/config"
	"zkpay/internal/zerocash"
)

// ErrStorage is matched by every error a Store returns.
var ErrStorage = errors.New("storage error")

// ErrStale is returned when a save would replace a stored ledger record
// with one that is missing some of its entries.
var ErrStale = errors.New("ledger record is behind the store")

// Store is the persistence collaborator of the service layer.
//
// Writers in several processes may share a store. Each of them holds the
// lock from Lock across its whole load, mutate and save cycle.
type Store interface {
	// Lock takes the store's exclusive writer lock, waiting while ctx
	// allows. The returned function releases it.
	Lock(ctx context.Context) (unlock func() error, err error)
	// LoadLedger returns the saved ledger record, or nil when none exists.
	LoadLedger(ctx context.Context) (*zerocash.LedgerRecord, error)
	// SaveLedger replaces the stored record. It fails with ErrStale when rec
	// holds fewer commitments, nullifiers or transactions than the store.
	SaveLedger(ctx context.Context, rec *zerocash.LedgerRecord) error
	// LoadKeystore returns the saved wallets, empty when none exist.
	LoadKeystore(ctx context.Context) (map[string]*zerocash.Wallet, error)
	SaveKeystore(ctx context.Context, wallets map[string]*zerocash.Wallet) error
	Ping(ctx context.Context) error
	Close() error
}

// Error is a storage failure. It matches ErrStorage and unwraps to its
// cause.
type Error struct {
	err error
}

func (e *Error) Error() string { return "storage: " + e.err.Error() }

func (e *Error) Unwrap() error { return e.err }

func (e *Error) Is(target error) bool { return target == ErrStorage }

// Cause returns the underlying error for github.com/pkg/errors.Cause.
func (e *Error) Cause() error { return e.err }

func wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{err: errors.Wrap(err, msg)}
}

func wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &Error{err: errors.Wrapf(err, format, args...)}
}

// recordSize counts the entries of a ledger record.
type recordSize struct {
	commitments, nullifiers, transactions int
}

func sizeOf(rec *zerocash.LedgerRecord) recordSize {
	return recordSize{len(rec.Commitments), len(rec.Nullifiers), len(rec.Transactions)}
}

// checkNotBehind returns ErrStale when next would drop stored entries.
func checkNotBehind(stored, next recordSize) error {
	if next.commitments >= stored.commitments &&
		next.nullifiers >= stored.nullifiers &&
		next.transactions >= stored.transactions {
		return nil
	}
	return &Error{err: errors.Wrapf(ErrStale,
		"store has %d/%d/%d commitments/nullifiers/transactions, record %d/%d/%d",
		stored.commitments, stored.nullifiers, stored.transactions,
		next.commitments, next.nullifiers, next.transactions)}
}

// Open returns the backend cfg selects.
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.Backend {
	case config.BackendFile, "":
		return NewFileStore(cfg.DataDir)
	case config.BackendLevelDB:
		return NewLevelDBStore(levelDBPath(cfg.DataDir))
	case config.BackendPostgres:
		return NewPostgresStore(ctx, cfg.PostgresDSN)
	default:
		return nil, &Error{err: errors.Errorf("unknown backend %q", cfg.Backend)}
	}
}
